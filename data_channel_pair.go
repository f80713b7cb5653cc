package roomlink

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// DataChannel is the transport-level channel primitive the pair drives. The
// production implementation wraps a webrtc.DataChannel; tests substitute
// fakes.
type DataChannel interface {
	Label() string
	IsOpen() bool
	Send(data []byte) error
	Close() error
}

// DataChannelInfo is the read-only channel snapshot included in session-sync
// payloads during reconnect.
type DataChannelInfo struct {
	Label string      `json:"label"`
	Kind  ChannelKind `json:"kind"`
}

type channelEventKind int

const (
	evPublishRequested channelEventKind = iota
	evBufferedAmountChanged
	evRetryRequested
	evReset
)

// channelEvent is the single input to the pair's serialized event loop. All
// buffer mutation happens in response to one of these, on one goroutine.
type channelEvent struct {
	kind         channelEventKind
	channel      ChannelKind
	req          *publishRequest
	bytes        uint64
	lastSequence uint32
}

// DataChannelPair presents one logical send/receive contract over two
// physical channels, lossy and reliable. Reliable packets get monotonic
// sequence numbers (starting at 1; 0 means unset), inbound reliable messages
// are deduplicated per sender, and previously-sent reliable messages are
// replayed from the retry buffer on an explicit server-driven retry after
// reconnection.
type DataChannelPair struct {
	opts   PairOptions
	logger logr.Logger

	events    chan channelEvent
	closeCh   chan struct{}
	closeOnce sync.Once

	// sendMu serializes reliable sequence assignment with the enqueue, so
	// the event loop observes reliable requests in sequence order
	sendMu sync.Mutex

	mu           sync.Mutex
	lossy        DataChannel
	reliable     DataChannel
	open         *completer
	nextSequence uint32
	onPacket     func(*DataPacket)

	recv *reliableReceiveState

	// owned exclusively by the event goroutine
	lossyBuf    *sendBuffer
	reliableBuf *sendBuffer
	retry       *retryBuffer
}

func NewDataChannelPair(opts PairOptions) *DataChannelPair {
	defaults := defaultPairOptions()
	if err := override(&defaults, opts); err != nil {
		panic(err)
	}
	opts = defaults
	if opts.RetryWatermark == 0 {
		opts.RetryWatermark = uint64(float64(opts.LowWaterThreshold) * defaultRetryWatermarkFactor)
	}

	logger := NewLogger("DataChannelPair")

	p := &DataChannelPair{
		opts:         opts,
		logger:       logger,
		events:       make(chan channelEvent, opts.EventQueueSize),
		closeCh:      make(chan struct{}),
		open:         newCompleter(),
		nextSequence: 1,
		recv:         newReliableReceiveState(opts.ReceiveStateTTL),
		lossyBuf:     newSendBuffer(ChannelLossy, logger),
		reliableBuf:  newSendBuffer(ChannelReliable, logger),
		retry:        newRetryBuffer(logger),
	}

	go p.runEventLoop()

	return p
}

// SetLossy installs or replaces the lossy channel. Once both channels are
// present and open, the open signal is fulfilled (idempotent).
func (p *DataChannelPair) SetLossy(ch DataChannel) {
	p.mu.Lock()
	p.lossy = ch
	p.mu.Unlock()

	p.maybeFulfillOpen()
}

// SetReliable installs or replaces the reliable channel.
func (p *DataChannelPair) SetReliable(ch DataChannel) {
	p.mu.Lock()
	p.reliable = ch
	p.mu.Unlock()

	p.maybeFulfillOpen()
}

// OnPacket installs the receive callback for deduplicated inbound packets.
func (p *DataChannelPair) OnPacket(fn func(*DataPacket)) {
	p.mu.Lock()
	p.onPacket = fn
	p.mu.Unlock()
}

// WaitUntilOpen blocks until both channels are installed and open, the pair
// is closed, or ctx is done.
func (p *DataChannelPair) WaitUntilOpen(ctx context.Context) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()

	return open.await(ctx)
}

// IsOpen reports whether the open signal has been fulfilled successfully.
func (p *DataChannelPair) IsOpen() bool {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()

	return open.completed() && open.err == nil
}

// Send serializes the packet, queues it for admission and blocks until the
// underlying send was actually attempted, so the caller observes
// backpressure and failure synchronously. Reliable packets without a
// sequence number are assigned the next monotonic value.
func (p *DataChannelPair) Send(ctx context.Context, packet *DataPacket) error {
	if packet.Kind == ChannelReliable {
		return p.sendReliable(ctx, packet)
	}

	data, err := p.opts.Codec.Marshal(packet)
	if err != nil {
		return err
	}

	req := &publishRequest{
		data: data,
		done: newCompleter(),
	}
	if err := p.post(channelEvent{kind: evPublishRequested, channel: packet.Kind, req: req}); err != nil {
		return err
	}
	return p.awaitPublish(ctx, req.done)
}

// sendReliable assigns the sequence and enqueues under one lock. A sequence
// reaching the event loop after a higher one would be transmitted out of
// order, dropped by the peer's strict-greater dedup and rejected from the
// retry buffer, losing the message with no recovery path.
func (p *DataChannelPair) sendReliable(ctx context.Context, packet *DataPacket) error {
	p.sendMu.Lock()
	if packet.Sequence == 0 {
		packet.Sequence = p.assignSequence()
	}

	data, err := p.opts.Codec.Marshal(packet)
	if err != nil {
		p.sendMu.Unlock()
		return err
	}

	req := &publishRequest{
		data:     data,
		sequence: packet.Sequence,
		done:     newCompleter(),
	}
	err = p.post(channelEvent{kind: evPublishRequested, channel: ChannelReliable, req: req})
	p.sendMu.Unlock()
	if err != nil {
		return err
	}
	return p.awaitPublish(ctx, req.done)
}

// RetryReliable replays every buffered reliable message with a sequence
// greater than lastSequence, in original order. Called exactly once per
// successful reconnect, with the last sequence the server confirms it has,
// before normal sends resume.
func (p *DataChannelPair) RetryReliable(lastSequence uint32) {
	if err := p.post(channelEvent{kind: evRetryRequested, lastSequence: lastSequence}); err != nil {
		p.logger.Error(err, "retry request dropped")
	}
}

// BufferedAmountChanged reports bytes drained by the transport for one
// channel kind. More queued sends are admitted in response.
func (p *DataChannelPair) BufferedAmountChanged(kind ChannelKind, drained uint64) {
	if drained == 0 {
		return
	}
	if err := p.post(channelEvent{kind: evBufferedAmountChanged, channel: kind, bytes: drained}); err != nil {
		p.logger.Error(err, "buffered amount change dropped")
	}
}

// HandleMessage decodes one inbound transport message. Reliable messages are
// deduplicated per sender before delivery.
func (p *DataChannelPair) HandleMessage(kind ChannelKind, data []byte) {
	packet, err := p.opts.Codec.Unmarshal(data)
	if err != nil {
		p.logger.Error(err, "failed to decode packet", "kind", kind.String())
		return
	}
	packet.Kind = kind

	if kind == ChannelReliable && packet.Sequence > 0 {
		if !p.recv.accept(packet.SenderID, packet.Sequence) {
			p.logger.V(1).Info("dropping duplicate reliable packet",
				"senderId", packet.SenderID, "seq", packet.Sequence)
			return
		}
	}

	p.mu.Lock()
	fn := p.onPacket
	p.mu.Unlock()

	if fn != nil {
		fn(packet)
	}
}

// Reset closes both channels, restores the send sequence counter to 1,
// clears receive dedup state and re-arms the open signal. Pending sends fail
// with ErrClosed. Used on full reconnect.
func (p *DataChannelPair) Reset() {
	p.mu.Lock()
	if p.lossy != nil {
		p.lossy.Close()
		p.lossy = nil
	}
	if p.reliable != nil {
		p.reliable.Close()
		p.reliable = nil
	}
	p.nextSequence = 1
	p.open.resolve(ErrClosed)
	p.open = newCompleter()
	p.mu.Unlock()

	p.recv.reset()

	if err := p.post(channelEvent{kind: evReset}); err != nil {
		p.logger.Error(err, "reset event dropped")
	}
}

// Close tears the pair down. In-flight sends resolve with ErrClosed; no
// caller hangs.
func (p *DataChannelPair) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)

		p.mu.Lock()
		if p.lossy != nil {
			p.lossy.Close()
		}
		if p.reliable != nil {
			p.reliable.Close()
		}
		p.open.resolve(ErrClosed)
		p.mu.Unlock()
	})
}

// Infos returns channel snapshots for the session-sync payload.
func (p *DataChannelPair) Infos() []DataChannelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var infos []DataChannelInfo
	if p.lossy != nil {
		infos = append(infos, DataChannelInfo{Label: p.lossy.Label(), Kind: ChannelLossy})
	}
	if p.reliable != nil {
		infos = append(infos, DataChannelInfo{Label: p.reliable.Label(), Kind: ChannelReliable})
	}
	return infos
}

// ReceiveStates returns per-sender last accepted reliable sequences for the
// session-sync payload.
func (p *DataChannelPair) ReceiveStates() []DataChannelReceiveState {
	return p.recv.snapshot()
}

func (p *DataChannelPair) assignSequence() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.nextSequence
	p.nextSequence++
	return seq
}

func (p *DataChannelPair) maybeFulfillOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lossy != nil && p.reliable != nil && p.lossy.IsOpen() && p.reliable.IsOpen() {
		p.open.resolve(nil)
	}
}

func (p *DataChannelPair) post(ev channelEvent) error {
	select {
	case <-p.closeCh:
		return ErrClosed
	default:
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.closeCh:
		return ErrClosed
	}
}

// awaitPublish waits for the request's completion signal, resolving it with
// a cancellation-flavored error if the caller gives up or the pair is torn
// down first. resolve is idempotent, so a concurrent success wins the race
// and its result is returned.
func (p *DataChannelPair) awaitPublish(ctx context.Context, done *completer) error {
	select {
	case <-done.done:
	case <-ctx.Done():
		done.resolve(ctx.Err())
	case <-p.closeCh:
		done.resolve(ErrClosed)
	}
	return done.err
}

func (p *DataChannelPair) runEventLoop() {
	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-p.closeCh:
			p.lossyBuf.failAll(ErrClosed)
			p.reliableBuf.failAll(ErrClosed)
			p.retry.drain()
			// fail anything that was already queued
			for {
				select {
				case ev := <-p.events:
					if ev.req != nil {
						ev.req.complete(ErrClosed)
					}
				default:
					return
				}
			}
		}
	}
}

func (p *DataChannelPair) handleEvent(ev channelEvent) {
	switch ev.kind {
	case evPublishRequested:
		p.bufferFor(ev.channel).push(ev.req)
		p.drainSendBuffer(ev.channel)

	case evBufferedAmountChanged:
		p.bufferFor(ev.channel).drained(ev.bytes)
		if ev.channel == ChannelReliable {
			p.retry.trim(p.opts.LowWaterThreshold + p.opts.RetryWatermark)
		}
		p.drainSendBuffer(ev.channel)

	case evRetryRequested:
		p.replayRetryBuffer(ev.lastSequence)
		p.drainSendBuffer(ChannelReliable)

	case evReset:
		p.lossyBuf.failAll(ErrClosed)
		p.reliableBuf.failAll(ErrClosed)
		p.retry.drain()
	}
}

// drainSendBuffer admits queued requests while outstanding bytes stay at or
// below the low-water threshold. A closed channel or failed send fails that
// request immediately and stops this pass, preserving order and surfacing
// the failure instead of masking it with later successes.
func (p *DataChannelPair) drainSendBuffer(kind ChannelKind) {
	buf := p.bufferFor(kind)
	ch := p.channelFor(kind)

	for buf.outstanding <= p.opts.LowWaterThreshold {
		req, ok := buf.pop()
		if !ok {
			return
		}
		if ch == nil || !ch.IsOpen() {
			req.complete(ErrChannelNotOpen)
			return
		}
		if err := ch.Send(req.data); err != nil {
			p.logger.Error(err, "send failed", "kind", kind.String(), "seq", req.sequence)
			req.complete(err)
			return
		}
		buf.admitted(uint64(len(req.data)))
		req.complete(nil)

		if kind == ChannelReliable {
			p.retry.push(req)
		}
	}
}

// replayRetryBuffer empties the retry buffer and re-enqueues every entry
// newer than lastSequence as a fresh publish, in original order. An oldest
// buffered sequence more than one past lastSequence means messages the
// buffer no longer holds were lost; that gap is logged.
func (p *DataChannelPair) replayRetryBuffer(lastSequence uint32) {
	if oldest, ok := p.retry.oldestSequence(); ok && oldest > lastSequence+1 {
		p.logger.Info("gap in retry buffer, messages were lost",
			"oldest", oldest, "lastSequence", lastSequence)
	}

	for _, entry := range p.retry.drain() {
		if entry.sequence > lastSequence {
			p.reliableBuf.push(&publishRequest{
				data:     entry.data,
				sequence: entry.sequence,
			})
		}
	}
}

func (p *DataChannelPair) bufferFor(kind ChannelKind) *sendBuffer {
	if kind == ChannelReliable {
		return p.reliableBuf
	}
	return p.lossyBuf
}

func (p *DataChannelPair) channelFor(kind ChannelKind) DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kind == ChannelReliable {
		return p.reliable
	}
	return p.lossy
}
