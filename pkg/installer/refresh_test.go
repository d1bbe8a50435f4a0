package installer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// refreshHost implements only the refresh part of Host.
type refreshHost struct {
	Host

	mu        sync.Mutex
	listeners []func()
	notify    bool
	err       error
	removed   int
}

func (h *refreshHost) AddRefreshListener(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removed++
	}
}

func (h *refreshHost) RefreshPackages(context.Context) error {
	if h.err != nil {
		return h.err
	}
	if h.notify {
		h.mu.Lock()
		fns := append([]func(){}, h.listeners...)
		h.mu.Unlock()
		go func() {
			time.Sleep(5 * time.Millisecond)
			for _, fn := range fns {
				fn()
				fn()
			}
		}()
	}
	return nil
}

func TestRefreshCoordinator(t *testing.T) {
	t.Run("completes on notification", func(t *testing.T) {
		host := &refreshHost{notify: true}
		rc := &refreshCoordinator{host: host, timeout: time.Second, interval: time.Millisecond}
		if err := rc.refresh(context.Background()); err != nil {
			t.Fatalf("refresh() error = %v", err)
		}
		if host.removed != 1 {
			t.Errorf("listener removed %d times, want 1", host.removed)
		}
	})

	t.Run("times out without notification", func(t *testing.T) {
		host := &refreshHost{}
		rc := &refreshCoordinator{host: host, timeout: 20 * time.Millisecond, interval: time.Millisecond}
		start := time.Now()
		err := rc.refresh(context.Background())
		if !errors.Is(err, ErrRefreshTimeout) {
			t.Fatalf("refresh() error = %v, want refresh timeout", err)
		}
		if time.Since(start) > time.Second {
			t.Error("refresh() did not respect its timeout")
		}
		if host.removed != 1 {
			t.Errorf("listener removed %d times, want 1", host.removed)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rc := &refreshCoordinator{host: &refreshHost{}, timeout: time.Second, interval: time.Millisecond}
		if err := rc.refresh(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("refresh() error = %v, want context.Canceled", err)
		}
	})

	t.Run("host error", func(t *testing.T) {
		boom := errors.New("boom")
		rc := &refreshCoordinator{host: &refreshHost{err: boom}, timeout: time.Second, interval: time.Millisecond}
		if err := rc.refresh(context.Background()); !errors.Is(err, boom) {
			t.Errorf("refresh() error = %v, want %v", err, boom)
		}
	})
}
