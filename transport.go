package roomlink

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
)

// SignalTarget identifies which transport a signaling message is addressed
// to.
type SignalTarget int

const (
	TargetPublisher SignalTarget = iota
	TargetSubscriber
)

func (t SignalTarget) String() string {
	switch t {
	case TargetPublisher:
		return "publisher"
	case TargetSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// negotiationDebounceInterval collapses rapid Negotiate calls into one
// offer/answer cycle, avoiding renegotiation storms when many tracks change
// near-simultaneously.
const negotiationDebounceInterval = 20 * time.Millisecond

// TransportConfig wires a Transport to its peers. Callbacks are invoked from
// pion goroutines and must not block.
type TransportConfig struct {
	Target        SignalTarget
	Primary       bool
	Configuration webrtc.Configuration

	// OnOffer delivers each locally created offer to the signaling client.
	OnOffer func(webrtc.SessionDescription)

	// OnICECandidate delivers gathered local candidates; nil marks the end
	// of gathering.
	OnICECandidate func(*webrtc.ICECandidate)

	// OnConnectionState observes peer-connection state transitions.
	OnConnectionState func(webrtc.PeerConnectionState)

	// OnDataChannel observes server-opened data channels (subscriber side).
	OnDataChannel func(*webrtc.DataChannel)
}

// Transport wraps one peer connection for a signaling target. Negotiation is
// debounced and serialized against this transport only; remote candidates
// are queued until a remote description exists and any ICE restart has
// completed, then flushed in arrival order.
type Transport struct {
	target   SignalTarget
	primary  bool
	pc       *webrtc.PeerConnection
	logger   logr.Logger
	debounce *debouncer
	onOffer  func(webrtc.SessionDescription)

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
	restartingICE     bool
	renegotiate       bool

	closeOnce sync.Once
	closeErr  error
}

func NewTransport(config TransportConfig) (*Transport, error) {
	settings := webrtc.SettingEngine{
		LoggerFactory: pionLoggerFactory{},
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settings),
		webrtc.WithMediaEngine(mediaEngine),
	)

	pc, err := api.NewPeerConnection(config.Configuration)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		target:   config.Target,
		primary:  config.Primary,
		pc:       pc,
		logger:   NewLogger("Transport").WithValues("target", config.Target.String()),
		debounce: newDebouncer(negotiationDebounceInterval),
		onOffer:  config.OnOffer,
	}

	if config.OnICECandidate != nil {
		pc.OnICECandidate(config.OnICECandidate)
	}
	if config.OnConnectionState != nil {
		pc.OnConnectionStateChange(config.OnConnectionState)
	}
	if config.OnDataChannel != nil {
		pc.OnDataChannel(config.OnDataChannel)
	}

	return t, nil
}

func (t *Transport) Target() SignalTarget {
	return t.target
}

func (t *Transport) Primary() bool {
	return t.primary
}

// PeerConnection exposes the wrapped connection for channel creation.
func (t *Transport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// Negotiate schedules a debounced offer/answer cycle.
func (t *Transport) Negotiate() {
	t.debounce.call(func() {
		if err := t.CreateAndSendOffer(false); err != nil {
			t.logger.Error(err, "negotiation failed")
		}
	})
}

// CreateAndSendOffer issues an offer immediately. If a local offer is
// already outstanding, a plain renegotiation is deferred behind a pending
// flag and fires exactly once when the outstanding offer completes; an ICE
// restart instead re-applies the current remote description first, ordering
// the restart after the in-flight negotiation.
func (t *Transport) CreateAndSendOffer(iceRestart bool) error {
	t.mu.Lock()

	if iceRestart {
		t.restartingICE = true
	}

	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !iceRestart {
			t.renegotiate = true
			t.mu.Unlock()
			return nil
		}
		remote := t.pc.RemoteDescription()
		if remote == nil {
			// nothing to roll forward from; retry once current offer settles
			t.renegotiate = true
			t.mu.Unlock()
			return nil
		}
		if err := t.pc.SetRemoteDescription(*remote); err != nil {
			t.mu.Unlock()
			return err
		}
	}

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.mu.Unlock()
		return err
	}
	onOffer := t.onOffer
	t.mu.Unlock()

	t.logger.V(1).Info("sending offer", "iceRestart", iceRestart)
	if onOffer != nil {
		onOffer(offer)
	}
	return nil
}

// CreateAndSetAnswer answers the current remote offer and applies it locally.
func (t *Transport) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription applies the remote description, flushes queued
// candidates in arrival order and fires at most one deferred renegotiation.
func (t *Transport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()

	if err := t.pc.SetRemoteDescription(sd); err != nil {
		t.mu.Unlock()
		return err
	}

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			t.logger.Error(err, "failed to add queued candidate")
		}
	}
	t.pendingCandidates = nil
	t.restartingICE = false

	renegotiate := t.renegotiate && sd.Type == webrtc.SDPTypeAnswer
	t.renegotiate = false
	t.mu.Unlock()

	if renegotiate {
		return t.CreateAndSendOffer(false)
	}
	return nil
}

// AddICECandidate adds a remote candidate, queueing it while no remote
// description exists or an ICE restart is in progress.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pc.RemoteDescription() == nil || t.restartingICE {
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		return nil
	}
	return t.pc.AddICECandidate(candidate)
}

// PrepareICERestart marks a restart in progress so candidates queue until
// the restarted negotiation lands a remote description. Used on the
// subscriber transport during quick reconnect, where the restart offer comes
// from the server.
func (t *Transport) PrepareICERestart() {
	t.mu.Lock()
	t.restartingICE = true
	t.mu.Unlock()
}

func (t *Transport) IsConnected() bool {
	return t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

// Close shuts the transport down once; later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.debounce.cancel()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}
