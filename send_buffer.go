package roomlink

import "github.com/go-logr/logr"

// publishRequest is one outbound message. It is owned by the send buffer
// until admitted to the transport, then (reliable only) by the retry buffer
// until trimmed or replayed. done is fulfilled exactly once by whichever
// component holds the request when the send succeeds, fails or is cancelled.
// Replayed requests carry a nil done; their original caller was already
// answered on the first successful send.
type publishRequest struct {
	data     []byte
	sequence uint32 // 0 for lossy
	done     *completer
}

func (r *publishRequest) complete(err error) {
	if r.done != nil {
		r.done.resolve(err)
	}
}

// sendBuffer is the per-kind outbound queue plus the outstanding-bytes
// counter that throttles admission into the transport. It is owned
// exclusively by the pair's event goroutine; no locking.
type sendBuffer struct {
	kind        ChannelKind
	pending     []*publishRequest
	outstanding uint64
	logger      logr.Logger
}

func newSendBuffer(kind ChannelKind, logger logr.Logger) *sendBuffer {
	return &sendBuffer{
		kind:   kind,
		logger: logger,
	}
}

func (b *sendBuffer) push(req *publishRequest) {
	b.pending = append(b.pending, req)
}

func (b *sendBuffer) pop() (*publishRequest, bool) {
	if len(b.pending) == 0 {
		return nil, false
	}
	req := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	return req, true
}

func (b *sendBuffer) len() int {
	return len(b.pending)
}

// admitted records bytes handed to the transport.
func (b *sendBuffer) admitted(n uint64) {
	b.outstanding += n
}

// drained records bytes reported drained by the transport. The counter never
// goes negative: draining more than tracked is a recoverable bookkeeping
// anomaly, logged and clamped to zero.
func (b *sendBuffer) drained(n uint64) {
	if n > b.outstanding {
		b.logger.Error(nil, "outstanding bytes would go negative, clamping to zero",
			"kind", b.kind.String(), "outstanding", b.outstanding, "drained", n)
		b.outstanding = 0
		return
	}
	b.outstanding -= n
}

// failAll resolves every pending request with err and empties the queue.
func (b *sendBuffer) failAll(err error) {
	for _, req := range b.pending {
		req.complete(err)
	}
	b.pending = nil
	b.outstanding = 0
}
