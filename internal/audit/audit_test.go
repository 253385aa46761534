package audit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLogFileCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "audit.log")

	l, err := NewAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("dir perm = %o, want 0700", perm)
	}

	if err := l.Log(AuditEntry{SessionID: "s1", EventType: EventRunStart}); err != nil {
		t.Fatal(err)
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}
}

func TestAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 5 {
		if err := l.Log(AuditEntry{
			SessionID: "s1",
			EventType: EventActionResult,
			ActionID:  fmt.Sprintf("1.2.%d", i+1),
			Status:    "PASS",
		}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	n, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("got %d entries, want 5", n)
	}
}

func TestHashChainContinuity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l1, _ := NewAuditLogger(path)
	l1.Log(AuditEntry{SessionID: "s1", EventType: EventRunStart, Timestamp: time.Now().UTC()})
	l1.Log(AuditEntry{SessionID: "s1", EventType: EventBackup, Path: "/etc/kubernetes/manifests/kube-apiserver.yaml", Timestamp: time.Now().UTC()})
	l1.Close()

	l2, _ := NewAuditLogger(path)
	l2.Log(AuditEntry{SessionID: "s2", EventType: EventRunStart, Timestamp: time.Now().UTC()})
	l2.Close()

	n, err := Verify(path)
	if err != nil {
		t.Fatalf("chain broken across loggers: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, _ := NewAuditLogger(path)
	l.Log(AuditEntry{SessionID: "s1", EventType: EventWrite, Path: "/etc/kubernetes/manifests/etcd.yaml"})
	l.Log(AuditEntry{SessionID: "s1", EventType: EventActionResult, ActionID: "2.1", Status: "FIXED"})
	l.Log(AuditEntry{SessionID: "s1", EventType: EventRunEnd})
	l.Close()

	data, _ := os.ReadFile(path)
	tampered := bytes.Replace(data, []byte(`"status":"FIXED"`), []byte(`"status":"PASS"`), 1)
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatal(err)
	}

	n, err := Verify(path)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 valid entry before the break, got %d", n)
	}
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			l.Log(AuditEntry{
				SessionID: "s1",
				EventType: EventActionResult,
				ActionID:  fmt.Sprintf("5.%d", i),
			})
		}(i)
	}
	wg.Wait()

	got, err := Verify(path)
	if err != nil {
		t.Fatalf("chain broken under concurrency: %v", err)
	}
	if got != n {
		t.Errorf("got %d entries, want %d", got, n)
	}
}
