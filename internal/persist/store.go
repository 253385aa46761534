// Package persist writes configuration files atomically, keeping a backup of
// every file it replaces.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// StampFormat is the timestamp layout used in backup names.
const StampFormat = "20060102_150405"

// FileMode is applied to every file this package writes.
const FileMode fs.FileMode = 0600

// BackupRecord points at the copy taken before a write.
type BackupRecord struct {
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Timestamp    time.Time `json:"timestamp"`
}

// IntegrityError reports a write whose read-back did not match.
type IntegrityError struct {
	Path   string
	Backup BackupRecord
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s (backup at %s)", e.Path, e.Detail, e.Backup.BackupPath)
}

// Store performs backups and atomic writes. All backups taken by one Store
// share its run stamp and form one backup set.
type Store struct {
	root  string
	clock clockwork.Clock
	stamp string
	log   *slog.Logger

	mu      sync.Mutex
	records []BackupRecord

	// beforeRename runs after the temp file is synced; tests use it to
	// simulate a crash.
	beforeRename func(tmpPath string) error
}

// NewStore creates a store. An empty root keeps backups beside the original.
func NewStore(root string, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		root:  root,
		clock: clock,
		stamp: clock.Now().UTC().Format(StampFormat),
		log:   slog.Default().With("component", "persist"),
	}
}

// Stamp returns the run stamp shared by this store's backups.
func (s *Store) Stamp() string { return s.stamp }

// Records returns every backup taken by this store, oldest first.
func (s *Store) Records() []BackupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackupRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) backupDir(path string) string {
	if s.root == "" {
		return filepath.Dir(path)
	}
	return filepath.Join(s.root, strings.TrimPrefix(filepath.Dir(path), string(filepath.Separator)))
}

// Backup copies path to <name>.bak_<stamp> and syncs it.
func (s *Store) Backup(path string) (BackupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BackupRecord{}, fmt.Errorf("backup %s: %w", path, err)
	}

	dir := s.backupDir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return BackupRecord{}, fmt.Errorf("backup dir %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := filepath.Join(dir, filepath.Base(path)+".bak_"+s.stamp)
	target := base
	for n := 1; ; n++ {
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			break
		}
		target = fmt.Sprintf("%s_%d", base, n)
	}

	if err := writeSynced(target, data); err != nil {
		return BackupRecord{}, fmt.Errorf("backup %s: %w", path, err)
	}

	rec := BackupRecord{OriginalPath: path, BackupPath: target, Timestamp: s.clock.Now().UTC()}
	s.records = append(s.records, rec)
	s.log.Info("backup created", "path", path, "backup", target)
	return rec, nil
}

// Write backs up path, then atomically replaces it with content and reads
// it back. Callers must not assume success on any error; the backup stays
// available in the returned record whenever one was taken.
func (s *Store) Write(path string, content []byte, requiredTokens []string) (BackupRecord, error) {
	rec, err := s.Backup(path)
	if err != nil {
		return BackupRecord{}, err
	}
	if err := s.replace(path, content); err != nil {
		return rec, err
	}
	if err := verify(path, content, requiredTokens); err != nil {
		return rec, &IntegrityError{Path: path, Backup: rec, Detail: err.Error()}
	}
	s.log.Info("file written", "path", path, "bytes", len(content))
	return rec, nil
}

// Restore atomically writes the backup content back over the original.
func (s *Store) Restore(rec BackupRecord) error {
	data, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", rec.BackupPath, err)
	}
	if err := s.replace(rec.OriginalPath, data); err != nil {
		return fmt.Errorf("restore %s: %w", rec.OriginalPath, err)
	}
	if err := verify(rec.OriginalPath, data, nil); err != nil {
		return fmt.Errorf("restore %s: %w", rec.OriginalPath, err)
	}
	s.log.Info("file restored", "path", rec.OriginalPath, "backup", rec.BackupPath)
	return nil
}

// Preserve keeps a forensic copy of path as <name>.broken_<stamp>.
func (s *Store) Preserve(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("preserve %s: %w", path, err)
	}
	dir := s.backupDir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("preserve %s: %w", path, err)
	}
	target := filepath.Join(dir, fmt.Sprintf("%s.broken_%s", filepath.Base(path), s.clock.Now().UTC().Format(StampFormat)))
	if err := writeSynced(target, data); err != nil {
		return "", fmt.Errorf("preserve %s: %w", path, err)
	}
	return target, nil
}

// replace writes content to a temp file in the target directory, syncs it,
// and renames it over path. The rename is the only step that touches path.
func (s *Store) replace(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	success = true
	syncDir(dir)
	return nil
}

func verify(path string, want []byte, tokens []string) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back %d bytes, wrote %d", len(got), len(want))
	}
	for _, tok := range tokens {
		if !bytes.Contains(got, []byte(tok)) {
			return fmt.Errorf("required token %q missing", tok)
		}
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// sortRecords orders records newest first.
func sortRecords(recs []BackupRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].BackupPath > recs[j].BackupPath
		}
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
}
