package installer

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Refresh wait defaults.
const (
	DefaultRefreshTimeout      = 30 * time.Second
	DefaultRefreshPollInterval = 250 * time.Millisecond
)

// refreshFuture is resolved once by the host's refresh notification.
type refreshFuture struct {
	once sync.Once
	done chan struct{}
}

func newRefreshFuture() *refreshFuture {
	return &refreshFuture{done: make(chan struct{})}
}

func (f *refreshFuture) resolve() {
	f.once.Do(func() { close(f.done) })
}

func (f *refreshFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// refreshCoordinator turns the host's asynchronous package refresh into a
// bounded synchronous call.
type refreshCoordinator struct {
	host     Host
	timeout  time.Duration
	interval time.Duration
}

// refresh asks the host to refresh packages and blocks until the host confirms
// completion. It returns an error matching ErrRefreshTimeout if no
// confirmation arrives within the timeout, or the context error if ctx ends first.
func (rc *refreshCoordinator) refresh(ctx context.Context) error {
	future := newRefreshFuture()
	remove := rc.host.AddRefreshListener(future.resolve)
	defer remove()

	if err := rc.host.RefreshPackages(ctx); err != nil {
		return err
	}

	err := wait.PollUntilContextTimeout(ctx, rc.interval, rc.timeout, true, func(context.Context) (bool, error) {
		return future.resolved(), nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return RefreshTimeout(rc.timeout)
}
