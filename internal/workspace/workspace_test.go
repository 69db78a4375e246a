package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newManager(t)

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(ws.Path), "job-") {
		t.Errorf("unexpected workspace name %s", ws.Path)
	}

	info, err := os.Stat(ws.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("expected mode 0700, got %o", info.Mode().Perm())
	}

	if err := os.WriteFile(ws.File("main.tex"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("expected workspace removed, stat err = %v", err)
	}

	if err := ws.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
}

func TestAcquireUnique(t *testing.T) {
	m := newManager(t)

	const n = 32
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			paths <- ws.Path
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		if seen[p] {
			t.Errorf("workspace %s handed out twice", p)
		}
		seen[p] = true
	}
}

func TestAcquireRetriesCollision(t *testing.T) {
	m := newManager(t)

	if err := os.Mkdir(filepath.Join(m.Root(), "job-taken"), 0o700); err != nil {
		t.Fatal(err)
	}
	ids := []string{"taken", "fresh"}
	m.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ws.ID != "fresh" {
		t.Errorf("expected retry with fresh ID, got %s", ws.ID)
	}
}

func TestAcquireFailureIsUnavailable(t *testing.T) {
	m := newManager(t)

	m.newID = func() string { return "same" }
	if err := os.Mkdir(filepath.Join(m.Root(), "job-same"), 0o700); err != nil {
		t.Fatal(err)
	}

	_, err := m.Acquire(context.Background())
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if errors.GetFields(err)["kind"] != "ResourceUnavailable" {
		t.Errorf("expected ResourceUnavailable kind, got %v", errors.GetFields(err))
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Acquire(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestReady(t *testing.T) {
	m := newManager(t)
	if err := m.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	if err := os.RemoveAll(m.Root()); err != nil {
		t.Fatal(err)
	}
	if err := m.Ready(); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("expected UNAVAILABLE after root removed, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	m := newManager(t)

	stale := filepath.Join(m.Root(), "job-"+uuid.NewString())
	fresh := filepath.Join(m.Root(), "job-"+uuid.NewString())
	other := filepath.Join(m.Root(), "keep-me")
	foreign := filepath.Join(m.Root(), "job-ci-build-42")
	for _, p := range []string{stale, fresh, other, foreign} {
		if err := os.Mkdir(p, 0o700); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, p := range []string{stale, other, foreign} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := m.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale workspace removed")
	}
	for _, p := range []string{fresh, other, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s kept: %v", p, err)
		}
	}
}

func TestSize(t *testing.T) {
	m := newManager(t)
	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Release()

	if err := os.WriteFile(ws.File("a"), make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(ws.File("sub"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.File("sub"), "b"), make([]byte, 50), 0o600); err != nil {
		t.Fatal(err)
	}

	size, err := ws.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 150 {
		t.Errorf("expected 150 bytes, got %d", size)
	}
}
