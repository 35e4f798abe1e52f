package reconcile_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/reconcile"
)

// stubRunner counts TryRun calls and reports busy while busy is set.
type stubRunner struct {
	calls atomic.Int32
	busy  atomic.Bool
	fired chan struct{}
}

func newStubRunner() *stubRunner {
	return &stubRunner{fired: make(chan struct{}, 16)}
}

func (r *stubRunner) TryRun(context.Context) (*reconcile.Summary, error) {
	r.calls.Add(1)
	select {
	case r.fired <- struct{}{}:
	default:
	}
	if r.busy.Load() {
		return nil, reconcile.ErrPassInProgress
	}
	return &reconcile.Summary{}, nil
}

func waitFired(t *testing.T, r *stubRunner, within time.Duration) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(within):
		t.Fatalf("runner not triggered within %s", within)
	}
}

func TestScheduler_triggersUntilCancelled(t *testing.T) {
	r := newStubRunner()
	s := reconcile.NewScheduler(r, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	waitFired(t, r, time.Second)
	waitFired(t, r, time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestScheduler_busyPassIsSkipped(t *testing.T) {
	r := newStubRunner()
	r.busy.Store(true)
	s := reconcile.NewScheduler(r, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	waitFired(t, r, time.Second)
	waitFired(t, r, time.Second)
	cancel()
	<-done
}

func TestWatcher_triggersAfterQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	r := newStubRunner()
	w := reconcile.NewWatcher(r, dir, 50*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watch time to be established.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFired(t, r, 2*time.Second)
	// A burst of writes collapses into a single trigger.
	time.Sleep(150 * time.Millisecond)
	if n := r.calls.Load(); n != 1 {
		t.Errorf("TryRun calls: got %d, want 1", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestWatcher_ignoresPartialUploads(t *testing.T) {
	dir := t.TempDir()
	r := newStubRunner()
	w := reconcile.NewWatcher(r, dir, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "big.bin.part"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := r.calls.Load(); n != 0 {
		t.Errorf("TryRun calls: got %d, want 0", n)
	}

	cancel()
	<-done
}

func TestWatcher_missingDirectory(t *testing.T) {
	w := reconcile.NewWatcher(newStubRunner(), filepath.Join(t.TempDir(), "nope"), 0, zap.NewNop())
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
