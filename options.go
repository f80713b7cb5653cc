package roomlink

import (
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// defaultLowWaterThreshold pauses admission into a data channel once its
	// outstanding bytes exceed this.
	defaultLowWaterThreshold uint64 = 2 * 1024 * 1024

	// defaultRetryWatermarkFactor sizes the retry buffer's retained-bytes
	// limit relative to the low-water threshold. It must stay above 1.0 so
	// no message possibly still in flight is trimmed before the peer could
	// have acknowledged it.
	defaultRetryWatermarkFactor = 1.25

	defaultReceiveStateTTL = 30 * time.Second

	defaultEventQueueSize = 256
)

// PairOptions configures a DataChannelPair. The thresholds are policy
// defaults, not protocol requirements.
type PairOptions struct {
	// LowWaterThreshold is the outstanding-bytes ceiling under which the
	// send buffers keep draining into the transport.
	LowWaterThreshold uint64

	// RetryWatermark is the extra bytes the retry buffer retains above the
	// low-water threshold. Zero means LowWaterThreshold * 1.25.
	RetryWatermark uint64

	// ReceiveStateTTL evicts idle per-sender dedup entries.
	ReceiveStateTTL time.Duration

	// EventQueueSize bounds the pair's event channel.
	EventQueueSize int

	// Codec serializes packets onto the wire. Defaults to JSON.
	Codec PacketCodec
}

func defaultPairOptions() PairOptions {
	return PairOptions{
		LowWaterThreshold: defaultLowWaterThreshold,
		RetryWatermark:    uint64(float64(defaultLowWaterThreshold) * defaultRetryWatermarkFactor),
		ReceiveStateTTL:   defaultReceiveStateTTL,
		EventQueueSize:    defaultEventQueueSize,
		Codec:             NewJSONPacketCodec(),
	}
}

// ReconnectPolicy bounds the reconnect loop. Delays grow exponentially with
// jitter and are capped at MaxDelay.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func defaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    7 * time.Second,
		Multiplier:  2.0,
		Jitter:      1.0,
	}
}

// ConnectOptions configures a Room connection. Zero fields take defaults.
type ConnectOptions struct {
	// TransportConnectTimeout bounds the wait for the primary transport to
	// report connected during connect and reconnect.
	TransportConnectTimeout time.Duration

	// RequestTimeout bounds correlated signaling requests (e.g. AddTrack).
	RequestTimeout time.Duration

	// ICEServers used when the join response does not supply any.
	ICEServers []webrtc.ICEServer

	// MinServerVersion rejects servers older than this during the join
	// handshake. Empty disables the check.
	MinServerVersion string

	// AutoSubscribe is forwarded to the server on join.
	AutoSubscribe bool

	Reconnect ReconnectPolicy

	Pair PairOptions
}

func defaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		TransportConnectTimeout: 15 * time.Second,
		RequestTimeout:          10 * time.Second,
		AutoSubscribe:           true,
		Reconnect:               defaultReconnectPolicy(),
		Pair:                    defaultPairOptions(),
	}
}
