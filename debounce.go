package roomlink

import (
	"sync"
	"time"
)

// debouncer collapses bursts of calls into one: the wrapped operation runs
// once no new call has arrived within the interval. Each call replaces the
// previously scheduled function.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

// call schedules fn, resetting the timer. The latest fn wins.
func (d *debouncer) call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, fn)
}

// cancel drops any scheduled call.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
