package roomlink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type MockFunc struct {
	require    *require.Assertions
	notifyChan chan []interface{}
	results    [][]interface{}
	timeout    time.Duration
}

func NewMockFunc(t *testing.T) *MockFunc {
	return &MockFunc{
		require:    require.New(t),
		notifyChan: make(chan []interface{}, 100),
		timeout:    50 * time.Millisecond,
	}
}

func (w *MockFunc) WithTimeout(timeout time.Duration) *MockFunc {
	w.timeout = timeout
	return w
}

func (w *MockFunc) Fn() Handler {
	w.Reset()

	return func(args ...interface{}) {
		w.notifyChan <- args
	}
}

func (w *MockFunc) ExpectCalledWith(args ...interface{}) {
	w.wait()

	if len(w.results) == 0 {
		w.require.FailNow("fn is not called")
		return
	}

	last := w.results[len(w.results)-1]

	if len(args) != len(last) {
		w.require.FailNow("fn is called, but the number of arguments is not the same")
		return
	}
	for i, arg := range args {
		w.require.EqualValues(arg, last[i])
	}
}

func (w *MockFunc) ExpectCalledTimes(called int, msgAndArgs ...interface{}) {
	w.require.Equal(called, w.CalledTimes(), msgAndArgs...)
}

func (w *MockFunc) CalledTimes() int {
	w.wait()
	return len(w.results)
}

func (w *MockFunc) Reset() {
	w.notifyChan = make(chan []interface{}, 100)
	w.results = nil
}

func (w *MockFunc) wait() {
	if len(w.results) > 0 {
		return
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	for {
		select {
		case result := <-w.notifyChan:
			w.results = append(w.results, result)
		case <-timer.C:
			return
		}
	}
}

// fakeDataChannel is an in-memory DataChannel for pair tests.
type fakeDataChannel struct {
	mu      sync.Mutex
	label   string
	open    bool
	sendErr error
	sent    [][]byte
	closed  bool
}

func newFakeDataChannel(label string, open bool) *fakeDataChannel {
	return &fakeDataChannel{label: label, open: open}
}

func (c *fakeDataChannel) Label() string {
	return c.label
}

func (c *fakeDataChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeDataChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeDataChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.open = false
	return nil
}

func (c *fakeDataChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeDataChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeDataChannel) sentPackets(t *testing.T) []*DataPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	codec := NewJSONPacketCodec()
	packets := make([]*DataPacket, 0, len(c.sent))
	for _, data := range c.sent {
		packet, err := codec.Unmarshal(data)
		require.NoError(t, err)
		packets = append(packets, packet)
	}
	return packets
}

// waitUntil polls cond until it holds or the timeout expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "condition not met within timeout")
}
