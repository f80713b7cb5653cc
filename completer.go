package roomlink

import (
	"context"
	"sync"
)

// completer is a one-shot completion signal. It is fulfilled exactly once,
// with nil for success or an error for failure; later resolutions are no-ops.
// Multiple goroutines may await the same completer.
type completer struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompleter() *completer {
	return &completer{
		done: make(chan struct{}),
	}
}

// resolve fulfills the completer. Returns false if it was already fulfilled.
func (c *completer) resolve(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// await blocks until the completer is fulfilled or ctx is done. A completer
// fulfilled before await returns immediately.
func (c *completer) await(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completed reports whether the completer has been fulfilled.
func (c *completer) completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
