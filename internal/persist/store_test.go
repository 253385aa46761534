package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var t0 = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestWriteCreatesBackupAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kube-apiserver.yaml")
	writeFile(t, path, "old")

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	rec, err := s.Write(path, []byte("new --anonymous-auth=false"), []string{"--anonymous-auth=false"})
	if err != nil {
		t.Fatal(err)
	}

	wantBackup := filepath.Join(dir, "kube-apiserver.yaml.bak_20261019_083000")
	if rec.BackupPath != wantBackup {
		t.Errorf("backup path = %s, want %s", rec.BackupPath, wantBackup)
	}
	if got := readFile(t, rec.BackupPath); got != "old" {
		t.Errorf("backup content = %q", got)
	}
	if got := readFile(t, path); got != "new --anonymous-auth=false" {
		t.Errorf("file content = %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected file + backup only, got %d entries", len(entries))
	}
}

func TestSecondBackupInRunGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "v1")

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	first, err := s.Write(path, []byte("v2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Write(path, []byte("v3"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.BackupPath == second.BackupPath {
		t.Fatal("second backup overwrote the first")
	}
	if readFile(t, first.BackupPath) != "v1" || readFile(t, second.BackupPath) != "v2" {
		t.Error("backups do not hold the pre-write states")
	}
	if len(s.Records()) != 2 {
		t.Errorf("expected 2 records, got %d", len(s.Records()))
	}
}

func TestInterruptedWriteLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kube-apiserver.yaml")
	writeFile(t, path, "original")

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	crash := errors.New("power loss")
	s.beforeRename = func(tmp string) error {
		if _, err := os.Stat(tmp); err != nil {
			t.Errorf("temp file should exist before rename: %v", err)
		}
		return crash
	}

	rec, err := s.Write(path, []byte("mutated"), nil)
	if !errors.Is(err, crash) {
		t.Fatalf("expected simulated crash, got %v", err)
	}
	if got := readFile(t, path); got != "original" {
		t.Errorf("original corrupted: %q", got)
	}
	if rec.BackupPath == "" {
		t.Error("backup record should be returned with the error")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".yaml" && !backupName.MatchString(e.Name()) {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestIntegrityFailureOnMissingToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kube-apiserver.yaml")
	writeFile(t, path, "original")

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	_, err := s.Write(path, []byte("content"), []string{"--profiling=false"})
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if readFile(t, ie.Backup.BackupPath) != "original" {
		t.Error("backup must stay available after an integrity failure")
	}
}

func TestRestoreIsExact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kube-scheduler.yaml")
	original := "apiVersion: v1\nkind: Pod\n# comment kept\n"
	writeFile(t, path, original)

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	rec, err := s.Write(path, []byte("broken"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(rec); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != original {
		t.Errorf("restored content differs: %q", got)
	}
}

func TestPreserve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etcd.yaml")
	writeFile(t, path, "broken state")

	s := NewStore("", clockwork.NewFakeClockAt(t0))
	p, err := s.Preserve(path)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "etcd.yaml.broken_20261019_083000" {
		t.Errorf("unexpected forensic name %s", p)
	}
	if readFile(t, p) != "broken state" {
		t.Error("forensic copy content differs")
	}
}

func TestBackupRootMirrorsDirectory(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	path := filepath.Join(dir, "kube-apiserver.yaml")
	writeFile(t, path, "old")

	s := NewStore(root, clockwork.NewFakeClockAt(t0))
	rec, err := s.Write(path, []byte("new"), nil)
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(root, rec.BackupPath)
	if err != nil || rel == rec.BackupPath {
		t.Fatalf("backup %s not under root %s", rec.BackupPath, root)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].OriginalPath != path {
		t.Errorf("unexpected listing: %+v", recs)
	}
}

func TestRotateKeepsNewestSets(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "kube-apiserver.yaml")
	b := filepath.Join(dir, "kube-scheduler.yaml")
	writeFile(t, a, "a0")
	writeFile(t, b, "b0")

	for i := range 3 {
		s := NewStore("", clockwork.NewFakeClockAt(t0.Add(time.Duration(i)*time.Hour)))
		if _, err := s.Write(a, []byte{byte('1' + i)}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write(b, []byte{byte('1' + i)}, nil); err != nil {
			t.Fatal(err)
		}
	}

	s := NewStore("", clockwork.NewFakeClockAt(t0.Add(4*time.Hour)))
	removed, err := s.Rotate(2, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected the oldest set (2 files) removed, got %d", len(removed))
	}
	for _, r := range removed {
		if !r.Timestamp.Equal(t0) {
			t.Errorf("removed a newer backup: %s", r.BackupPath)
		}
	}

	recs, _ := s.List(a, b)
	if len(recs) != 4 {
		t.Errorf("expected 4 remaining backups, got %d", len(recs))
	}

	if _, err := s.Rotate(0, a); err == nil {
		t.Error("expected error for keep=0")
	}
}
