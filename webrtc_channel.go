package roomlink

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// drainTracker derives drained-byte counts from bufferedAmount observations.
// pion fires the buffered-amount-low callback only on a crossing from above
// the threshold to at-or-below it, so bytes that drain while the buffer stays
// below the threshold are observable solely by comparing the expected
// buffered amount against the actual one at the next send.
type drainTracker struct {
	mu           sync.Mutex
	lastBuffered uint64
}

// recordSend accounts sent bytes and returns how many previously tracked
// bytes drained since the last observation.
func (t *drainTracker) recordSend(sent int, buffered uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	expected := t.lastBuffered + uint64(sent)
	t.lastBuffered = buffered
	if expected > buffered {
		return expected - buffered
	}
	return 0
}

// recordDrain returns the bytes drained since the last observation.
func (t *drainTracker) recordDrain(buffered uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastBuffered <= buffered {
		return 0
	}
	drained := t.lastBuffered - buffered
	t.lastBuffered = buffered
	return drained
}

// webrtcDataChannel adapts a webrtc.DataChannel to the pair's DataChannel
// interface and feeds open, message and drain notifications back into the
// pair.
type webrtcDataChannel struct {
	dc      *webrtc.DataChannel
	kind    ChannelKind
	pair    *DataChannelPair
	tracker drainTracker
}

func newWebRTCDataChannel(dc *webrtc.DataChannel, kind ChannelKind, pair *DataChannelPair) *webrtcDataChannel {
	c := &webrtcDataChannel{
		dc:   dc,
		kind: kind,
		pair: pair,
	}

	dc.SetBufferedAmountLowThreshold(pair.opts.LowWaterThreshold / 2)
	dc.OnBufferedAmountLow(func() {
		c.reportDrained()
	})
	dc.OnOpen(func() {
		pair.maybeFulfillOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pair.HandleMessage(kind, msg.Data)
	})
	dc.OnClose(func() {
		// remaining buffered bytes will never drain onto the wire
		c.reportDrained()
	})

	return c
}

func (c *webrtcDataChannel) Label() string {
	return c.dc.Label()
}

func (c *webrtcDataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *webrtcDataChannel) Send(data []byte) error {
	if err := c.dc.Send(data); err != nil {
		return err
	}
	if drained := c.tracker.recordSend(len(data), c.dc.BufferedAmount()); drained > 0 {
		c.pair.BufferedAmountChanged(c.kind, drained)
	}
	return nil
}

func (c *webrtcDataChannel) Close() error {
	return c.dc.Close()
}

func (c *webrtcDataChannel) reportDrained() {
	if drained := c.tracker.recordDrain(c.dc.BufferedAmount()); drained > 0 {
		c.pair.BufferedAmountChanged(c.kind, drained)
	}
}
