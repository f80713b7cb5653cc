package roomlink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenPair(t *testing.T, opts PairOptions) (*DataChannelPair, *fakeDataChannel, *fakeDataChannel) {
	t.Helper()

	pair := NewDataChannelPair(opts)
	t.Cleanup(pair.Close)

	lossy := newFakeDataChannel("_lossy", true)
	reliable := newFakeDataChannel("_reliable", true)
	pair.SetLossy(lossy)
	pair.SetReliable(reliable)

	return pair, lossy, reliable
}

func TestDataChannelPair_OpenSignal(t *testing.T) {
	pair := NewDataChannelPair(PairOptions{})
	defer pair.Close()

	assert.False(t, pair.IsOpen())

	pair.SetLossy(newFakeDataChannel("_lossy", true))
	assert.False(t, pair.IsOpen())

	pair.SetReliable(newFakeDataChannel("_reliable", true))
	assert.True(t, pair.IsOpen())
	require.NoError(t, pair.WaitUntilOpen(context.Background()))

	// replacing a channel after the signal fired keeps it fulfilled
	pair.SetReliable(newFakeDataChannel("_reliable", true))
	assert.True(t, pair.IsOpen())
}

func TestDataChannelPair_OpenSignalNeedsOpenChannels(t *testing.T) {
	pair := NewDataChannelPair(PairOptions{})
	defer pair.Close()

	pair.SetLossy(newFakeDataChannel("_lossy", false))
	pair.SetReliable(newFakeDataChannel("_reliable", true))
	assert.False(t, pair.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pair.WaitUntilOpen(ctx), context.DeadlineExceeded)
}

func TestDataChannelPair_ReliableSequencesAreMonotonic(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	for i := 0; i < 5; i++ {
		err := pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("hello"),
		})
		require.NoError(t, err)
	}

	packets := reliable.sentPackets(t)
	require.Len(t, packets, 5)
	for i, packet := range packets {
		assert.EqualValues(t, i+1, packet.Sequence)
	}
}

func TestDataChannelPair_LossyPacketsCarryNoSequence(t *testing.T) {
	pair, lossy, _ := newOpenPair(t, PairOptions{})

	err := pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelLossy,
		Payload: []byte("hello"),
	})
	require.NoError(t, err)

	packets := lossy.sentPackets(t)
	require.Len(t, packets, 1)
	assert.EqualValues(t, 0, packets[0].Sequence)
}

func TestDataChannelPair_SendFailsWhenChannelNotOpen(t *testing.T) {
	pair := NewDataChannelPair(PairOptions{})
	defer pair.Close()

	pair.SetLossy(newFakeDataChannel("_lossy", true))
	pair.SetReliable(newFakeDataChannel("_reliable", false))

	err := pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("hello"),
	})
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestDataChannelPair_SendSurfacesTransportError(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	sendErr := errors.New("transport broken")
	reliable.mu.Lock()
	reliable.sendErr = sendErr
	reliable.mu.Unlock()

	err := pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("hello"),
	})
	assert.ErrorIs(t, err, sendErr)
}

func TestDataChannelPair_BackpressureHoldsUntilDrained(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{LowWaterThreshold: 1})

	// first send is admitted (outstanding starts at zero) and pushes
	// outstanding past the threshold
	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("first"),
	}))
	require.Equal(t, 1, reliable.sentCount())

	// second send must queue
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("second"),
		})
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, reliable.sentCount())

	// draining reopens admission
	pair.BufferedAmountChanged(ChannelReliable, 1<<20)

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued send never completed")
	}
	assert.Equal(t, 2, reliable.sentCount())
}

func TestDataChannelPair_SteadyStreamRetainsRetryHistory(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	for i := 0; i < 100; i++ {
		err := pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("0123456789"),
		})
		require.NoError(t, err)
	}
	require.Equal(t, 100, reliable.sentCount())

	// replaying from zero proves every message is still buffered
	pair.RetryReliable(0)

	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 200
	})

	packets := reliable.sentPackets(t)
	for i := 0; i < 100; i++ {
		assert.EqualValues(t, i+1, packets[100+i].Sequence)
	}
}

func TestDataChannelPair_RetryReplaysOnlyNewerThanLastSequence(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	for i := 0; i < 100; i++ {
		err := pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("payload"),
		})
		require.NoError(t, err)
	}

	pair.RetryReliable(50)

	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 150
	})

	packets := reliable.sentPackets(t)
	for i := 0; i < 50; i++ {
		assert.EqualValues(t, 51+i, packets[100+i].Sequence)
	}
}

func TestDataChannelPair_ReplayedMessagesReenterRetryBuffer(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	for i := 0; i < 6; i++ {
		require.NoError(t, pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("x"),
		}))
	}

	pair.RetryReliable(4)
	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 8
	})

	// a second retry round replays the same tail again
	pair.RetryReliable(4)
	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 10
	})

	packets := reliable.sentPackets(t)
	assert.EqualValues(t, 5, packets[8].Sequence)
	assert.EqualValues(t, 6, packets[9].Sequence)
}

func TestDataChannelPair_ConcurrentSendsKeepWireOrder(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{})

	// mixed payload sizes shift the marshal cost between goroutines
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		size := 1
		if i%2 == 0 {
			size = 16 * 1024
		}
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			errs <- pair.Send(context.Background(), &DataPacket{
				Kind:    ChannelReliable,
				Payload: make([]byte, size),
			})
		}(size)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	packets := reliable.sentPackets(t)
	require.Len(t, packets, 32)
	for i := 1; i < len(packets); i++ {
		assert.Greater(t, packets[i].Sequence, packets[i-1].Sequence,
			"sequence inversion on the wire at index %d", i)
	}
}

// trimmablePair builds a pair whose retry buffer retains at most two
// messages of the given payload once drain events run, and captures its log
// output.
func trimmablePair(t *testing.T, payload []byte) (*DataChannelPair, *fakeDataChannel, uint64, func(string) bool) {
	t.Helper()

	sample, err := NewJSONPacketCodec().Marshal(&DataPacket{
		Kind:     ChannelReliable,
		Sequence: 1,
		Payload:  payload,
	})
	require.NoError(t, err)
	size := uint64(len(sample))

	pair, _, reliable := newOpenPair(t, PairOptions{
		LowWaterThreshold: size,
		RetryWatermark:    size,
	})

	var mu sync.Mutex
	var lines []string
	pair.logger = funcr.New(func(prefix, args string) {
		mu.Lock()
		lines = append(lines, args)
		mu.Unlock()
	}, funcr.Options{})

	logged := func(substr string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, line := range lines {
			if strings.Contains(line, substr) {
				return true
			}
		}
		return false
	}
	return pair, reliable, size, logged
}

func TestDataChannelPair_DrainEventTrimsRetryBuffer(t *testing.T) {
	payload := []byte("0123456789")
	pair, reliable, size, logged := trimmablePair(t, payload)

	for i := 0; i < 5; i++ {
		require.NoError(t, pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: payload,
		}))
		pair.BufferedAmountChanged(ChannelReliable, size)
	}
	require.Equal(t, 5, reliable.sentCount())

	// only the two newest survived trimming; replaying from zero skips the
	// trimmed front and warns about the lost messages
	pair.RetryReliable(0)
	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 7
	})

	packets := reliable.sentPackets(t)
	assert.EqualValues(t, 4, packets[5].Sequence)
	assert.EqualValues(t, 5, packets[6].Sequence)
	assert.True(t, logged("gap in retry buffer"), "expected a gap warning")
}

func TestDataChannelPair_NoGapWarningWhenReplayContiguous(t *testing.T) {
	payload := []byte("0123456789")
	pair, reliable, size, logged := trimmablePair(t, payload)

	for i := 0; i < 5; i++ {
		require.NoError(t, pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: payload,
		}))
		pair.BufferedAmountChanged(ChannelReliable, size)
	}

	// the retained front (seq 4) is exactly lastSequence+1, so nothing the
	// buffer no longer holds is being asked for
	pair.RetryReliable(3)
	waitUntil(t, time.Second, func() bool {
		return reliable.sentCount() == 7
	})

	packets := reliable.sentPackets(t)
	assert.EqualValues(t, 4, packets[5].Sequence)
	assert.EqualValues(t, 5, packets[6].Sequence)
	assert.False(t, logged("gap in retry buffer"), "unexpected gap warning")
}

func TestDataChannelPair_HandleMessageDeduplicatesReliable(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	var mu sync.Mutex
	var received []*DataPacket
	pair.OnPacket(func(packet *DataPacket) {
		mu.Lock()
		received = append(received, packet)
		mu.Unlock()
	})

	codec := NewJSONPacketCodec()
	data, err := codec.Marshal(&DataPacket{
		Kind:     ChannelReliable,
		SenderID: "alice",
		Sequence: 5,
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)

	pair.HandleMessage(ChannelReliable, data)
	pair.HandleMessage(ChannelReliable, data)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "alice", received[0].SenderID)
}

func TestDataChannelPair_HandleMessageLossyNeverDeduplicated(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	var mu sync.Mutex
	count := 0
	pair.OnPacket(func(*DataPacket) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	codec := NewJSONPacketCodec()
	data, err := codec.Marshal(&DataPacket{
		Kind:     ChannelLossy,
		SenderID: "alice",
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)

	pair.HandleMessage(ChannelLossy, data)
	pair.HandleMessage(ChannelLossy, data)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestDataChannelPair_ResetRestartsSequencesAndOpenSignal(t *testing.T) {
	pair, lossy, reliable := newOpenPair(t, PairOptions{})

	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("a"),
	}))
	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("b"),
	}))

	pair.Reset()

	assert.True(t, lossy.isClosed())
	assert.True(t, reliable.isClosed())
	assert.False(t, pair.IsOpen())

	fresh := newFakeDataChannel("_reliable", true)
	pair.SetLossy(newFakeDataChannel("_lossy", true))
	pair.SetReliable(fresh)
	require.NoError(t, pair.WaitUntilOpen(context.Background()))

	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("c"),
	}))

	packets := fresh.sentPackets(t)
	require.Len(t, packets, 1)
	assert.EqualValues(t, 1, packets[0].Sequence)
}

func TestDataChannelPair_ResetClearsReceiveState(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	require.True(t, pair.recv.accept("alice", 5))
	require.False(t, pair.recv.accept("alice", 5))

	pair.Reset()

	assert.True(t, pair.recv.accept("alice", 5))
}

func TestDataChannelPair_CloseResolvesInFlightSends(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{LowWaterThreshold: 1})

	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("first"),
	}))
	require.Equal(t, 1, reliable.sentCount())

	blocked := make(chan error, 1)
	go func() {
		blocked <- pair.Send(context.Background(), &DataPacket{
			Kind:    ChannelReliable,
			Payload: []byte("second"),
		})
	}()

	time.Sleep(20 * time.Millisecond)
	pair.Close()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked send never resolved after close")
	}
}

func TestDataChannelPair_SendAfterCloseFails(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	pair.Close()

	err := pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("late"),
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDataChannelPair_SendContextCancellation(t *testing.T) {
	pair, _, reliable := newOpenPair(t, PairOptions{LowWaterThreshold: 1})

	require.NoError(t, pair.Send(context.Background(), &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("first"),
	}))
	require.Equal(t, 1, reliable.sentCount())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pair.Send(ctx, &DataPacket{
		Kind:    ChannelReliable,
		Payload: []byte("second"),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDataChannelPair_Infos(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	infos := pair.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, DataChannelInfo{Label: "_lossy", Kind: ChannelLossy}, infos[0])
	assert.Equal(t, DataChannelInfo{Label: "_reliable", Kind: ChannelReliable}, infos[1])
}

func TestDataChannelPair_ReceiveStates(t *testing.T) {
	pair, _, _ := newOpenPair(t, PairOptions{})

	codec := NewJSONPacketCodec()
	data, err := codec.Marshal(&DataPacket{
		Kind:     ChannelReliable,
		SenderID: "alice",
		Sequence: 9,
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)
	pair.HandleMessage(ChannelReliable, data)

	states := pair.ReceiveStates()
	require.Len(t, states, 1)
	assert.Equal(t, DataChannelReceiveState{SenderID: "alice", LastSequence: 9}, states[0])
}
