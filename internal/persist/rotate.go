package persist

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var backupName = regexp.MustCompile(`^(.+)\.bak_(\d{8}_\d{6})(?:_\d+)?$`)

// List returns known backups, newest first. With a backup root the whole
// root is scanned; otherwise the directories holding paths are.
func (s *Store) List(paths ...string) ([]BackupRecord, error) {
	var recs []BackupRecord
	visit := func(p string, name string) {
		m := backupName.FindStringSubmatch(name)
		if m == nil {
			return
		}
		ts, err := time.Parse(StampFormat, m[2])
		if err != nil {
			return
		}
		recs = append(recs, BackupRecord{
			OriginalPath: s.originalFor(filepath.Dir(p), m[1]),
			BackupPath:   p,
			Timestamp:    ts,
		})
	}

	if s.root != "" {
		err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				visit(p, d.Name())
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("list backups: %w", err)
		}
	} else {
		seen := make(map[string]bool)
		for _, p := range paths {
			dir := filepath.Dir(p)
			if seen[dir] {
				continue
			}
			seen[dir] = true
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("list backups in %s: %w", dir, err)
			}
			for _, e := range entries {
				if !e.IsDir() {
					visit(filepath.Join(dir, e.Name()), e.Name())
				}
			}
		}
	}

	sortRecords(recs)
	return recs, nil
}

func (s *Store) originalFor(backupDir, name string) string {
	if s.root == "" {
		return filepath.Join(backupDir, name)
	}
	rel, err := filepath.Rel(s.root, backupDir)
	if err != nil {
		return name
	}
	return filepath.Join(string(filepath.Separator), rel, name)
}

// Rotate keeps the newest keep backup sets and deletes the rest. It returns
// the removed records.
func (s *Store) Rotate(keep int, paths ...string) ([]BackupRecord, error) {
	if keep < 1 {
		return nil, fmt.Errorf("rotate: keep must be at least 1, got %d", keep)
	}
	recs, err := s.List(paths...)
	if err != nil {
		return nil, err
	}

	var stamps []time.Time
	seen := make(map[time.Time]bool)
	for _, r := range recs {
		if !seen[r.Timestamp] {
			seen[r.Timestamp] = true
			stamps = append(stamps, r.Timestamp)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].After(stamps[j]) })
	if len(stamps) <= keep {
		return nil, nil
	}
	cutoff := stamps[keep-1]

	var removed []BackupRecord
	for _, r := range recs {
		if !r.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(r.BackupPath); err != nil {
			return removed, fmt.Errorf("remove %s: %w", r.BackupPath, err)
		}
		removed = append(removed, r)
	}
	if len(removed) > 0 {
		s.log.Info("backups rotated", "removed", len(removed), "kept_sets", keep)
	}
	return removed, nil
}
