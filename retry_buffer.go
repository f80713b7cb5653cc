package roomlink

import "github.com/go-logr/logr"

// retryBuffer remembers recently-sent reliable messages so they can be
// replayed after a transport restart. Entries are kept in strictly increasing
// sequence order; trimming removes only from the front (oldest first). Owned
// exclusively by the pair's event goroutine.
type retryBuffer struct {
	entries      []*publishRequest
	trackedBytes uint64
	logger       logr.Logger
}

func newRetryBuffer(logger logr.Logger) *retryBuffer {
	return &retryBuffer{
		logger: logger,
	}
}

// push appends a sent request. The completion signal has already been
// resolved by the sender; the stored copy carries none.
func (b *retryBuffer) push(req *publishRequest) {
	if n := len(b.entries); n > 0 && req.sequence <= b.entries[n-1].sequence {
		b.logger.Error(nil, "retry buffer sequence not increasing",
			"sequence", req.sequence, "last", b.entries[n-1].sequence)
		return
	}
	b.entries = append(b.entries, &publishRequest{
		data:     req.data,
		sequence: req.sequence,
	})
	b.trackedBytes += uint64(len(req.data))
}

// trim drops oldest entries until trackedBytes is at or below limit. The
// limit must stay above the full backpressure threshold so that nothing
// possibly still in flight is discarded before the peer could have
// acknowledged it.
func (b *retryBuffer) trim(limit uint64) {
	for len(b.entries) > 0 && b.trackedBytes > limit {
		oldest := b.entries[0]
		b.entries[0] = nil
		b.entries = b.entries[1:]
		b.trackedBytes -= uint64(len(oldest.data))
	}
}

// drain removes and returns every entry, oldest first.
func (b *retryBuffer) drain() []*publishRequest {
	entries := b.entries
	b.entries = nil
	b.trackedBytes = 0
	return entries
}

// oldestSequence returns the sequence of the front entry.
func (b *retryBuffer) oldestSequence() (uint32, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].sequence, true
}

func (b *retryBuffer) len() int {
	return len(b.entries)
}
