package roomlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
)

// ConnectionState is the session-level connection state. Transitions are
// strictly sequential; Reconnecting carries the active mode so concurrent
// reconnect attempts are rejected.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectMode selects the reconnection strategy: quick reuses existing
// transports and renegotiates in place, full tears everything down and
// re-runs the connect sequence.
type ReconnectMode int

const (
	ReconnectQuick ReconnectMode = iota
	ReconnectFull
)

func (m ReconnectMode) String() string {
	if m == ReconnectFull {
		return "full"
	}
	return "quick"
}

// ReconnectReason names what triggered a reconnect.
type ReconnectReason int

const (
	ReasonTransportFailure ReconnectReason = iota
	ReasonSignalClose
	ReasonNetworkChange
	ReasonServerLeave
)

func (r ReconnectReason) String() string {
	switch r {
	case ReasonTransportFailure:
		return "transport failure"
	case ReasonSignalClose:
		return "signal close"
	case ReasonNetworkChange:
		return "network change"
	case ReasonServerLeave:
		return "server leave"
	default:
		return "unknown"
	}
}

// Events emitted by Room.
const (
	// EventConnectionStateChanged fires with (ConnectionState, error); the
	// error is non-nil only for a terminal disconnect, and fires exactly
	// once per terminal transition.
	EventConnectionStateChanged = "connectionStateChanged"

	// EventDataReceived fires with (*DataPacket) for every deduplicated
	// inbound packet.
	EventDataReceived = "dataReceived"

	// EventTokenRefreshed fires with the refreshed token.
	EventTokenRefreshed = "tokenRefreshed"
)

// Data channel labels shared with the server.
const (
	reliableDataChannelLabel = "_reliable"
	lossyDataChannelLabel    = "_lossy"
)

// sessionState is everything the controller guards: connection state,
// credentials for reconnects and the live transport topology. Read via
// snapshots, written via atomic mutate operations — never partial updates
// visible mid-transition.
type sessionState struct {
	conn          ConnectionState
	mode          ReconnectMode // valid while conn == ConnectionReconnecting
	url           string
	token         string
	transports    TransportMode
	localSID      string
	published     bool
	tracks        []TrackInfo
	subscriptions []string
}

type stateGuard struct {
	mu    sync.Mutex
	state sessionState
}

func (g *stateGuard) snapshot() sessionState {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state
	s.tracks = append([]TrackInfo(nil), g.state.tracks...)
	s.subscriptions = append([]string(nil), g.state.subscriptions...)
	return s
}

func (g *stateGuard) mutate(fn func(*sessionState)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fn(&g.state)
}

func (g *stateGuard) mutateErr(fn func(*sessionState) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return fn(&g.state)
}

// Room orchestrates the signaling client, the transports and the data
// channel pair through connect, quick-reconnect and full-reconnect
// sequences.
type Room struct {
	IEventEmitter

	logger logr.Logger
	opts   ConnectOptions
	signal *SignalClient
	pair   *DataChannelPair
	guard  stateGuard

	gateMu             sync.Mutex
	primaryConnected   *completer
	publisherConnected *completer

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
	connectCancel   context.CancelFunc
}

func NewRoom(opts ConnectOptions) *Room {
	defaults := defaultConnectOptions()
	if err := override(&defaults, opts); err != nil {
		panic(err)
	}
	opts = defaults

	r := &Room{
		IEventEmitter:      NewEventEmitter(),
		logger:             NewLogger("Room"),
		opts:               opts,
		pair:               NewDataChannelPair(opts.Pair),
		primaryConnected:   newCompleter(),
		publisherConnected: newCompleter(),
	}
	r.signal = NewSignalClient(SignalHandler{
		OnAnswer:       r.handleAnswer,
		OnOffer:        r.handleOffer,
		OnTrickle:      r.handleTrickle,
		OnLeave:        r.handleLeave,
		OnTokenRefresh: r.handleTokenRefresh,
		OnClose:        r.handleSignalClose,
	}, opts)

	r.pair.OnPacket(func(packet *DataPacket) {
		r.SafeEmit(EventDataReceived, packet)
	})

	return r
}

// State returns the current session connection state.
func (r *Room) State() ConnectionState {
	return r.guard.snapshot().conn
}

// LocalSID returns the server-assigned participant id, empty before connect.
func (r *Room) LocalSID() string {
	return r.guard.snapshot().localSID
}

// Connect opens the control connection, configures transports from the
// topology response and waits for the primary transport. Rejects immediately
// unless Disconnected. Initial connect is not auto-retried; any failure
// tears down partially-created state and is returned. A Disconnect racing
// the sequence cancels it, and the session stays Disconnected.
func (r *Room) Connect(ctx context.Context, url, token string) error {
	err := r.guard.mutateErr(func(s *sessionState) error {
		if s.conn != ConnectionDisconnected {
			return NewInvalidStateError("connect called while %s", s.conn)
		}
		s.conn = ConnectionConnecting
		return nil
	})
	if err != nil {
		return err
	}
	r.emitState(ConnectionConnecting, nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.reconnectMu.Lock()
	r.connectCancel = cancel
	r.reconnectMu.Unlock()

	if err := r.connectSequence(ctx, url, token); err != nil {
		wasConnecting := false
		r.guard.mutate(func(s *sessionState) {
			wasConnecting = s.conn == ConnectionConnecting
			s.conn = ConnectionDisconnected
			s.transports = nil
		})
		// a racing Disconnect already tore down and notified
		if wasConnecting {
			r.emitState(ConnectionDisconnected, nil)
		}
		return err
	}

	connected := false
	r.guard.mutate(func(s *sessionState) {
		if s.conn != ConnectionConnecting {
			return
		}
		s.conn = ConnectionConnected
		s.url = url
		s.token = token
		connected = true
	})
	if !connected {
		// torn down while the sequence was finishing
		r.teardownTransports()
		r.signal.Close()
		return ErrClosed
	}
	r.emitState(ConnectionConnected, nil)
	return nil
}

// connectSequence is the shared full connect path: control-channel connect,
// topology configuration, primary transport wait. Cancellation is checked at
// each suspension boundary.
func (r *Room) connectSequence(ctx context.Context, url, token string) error {
	resp, err := r.signal.Connect(ctx, url, token, false)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		r.signal.Close()
		return err
	}

	if err := r.configureTransports(resp.Join); err != nil {
		r.signal.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		r.teardownTransports()
		r.signal.Close()
		return err
	}

	if err := r.waitForPrimary(ctx); err != nil {
		r.teardownTransports()
		r.signal.Close()
		return err
	}
	return nil
}

// configureTransports builds the transport topology the join response
// describes and creates the outbound data channels on the publisher.
func (r *Room) configureTransports(join *JoinResponse) error {
	iceServers := r.opts.ICEServers
	if len(join.ICEServers) > 0 {
		iceServers = nil
		for _, info := range join.ICEServers {
			iceServers = append(iceServers, info.webrtc())
		}
	}
	conf := webrtc.Configuration{ICEServers: iceServers}

	r.rearmTransportGates()

	publisherPrimary := join.SingleConnection || !join.SubscriberPrimary

	publisher, err := NewTransport(TransportConfig{
		Target:            TargetPublisher,
		Primary:           publisherPrimary,
		Configuration:     conf,
		OnOffer:           r.handleLocalOffer,
		OnICECandidate:    r.candidateSender(TargetPublisher),
		OnConnectionState: r.transportStateObserver(TargetPublisher, publisherPrimary),
		OnDataChannel:     r.handleServerDataChannel,
	})
	if err != nil {
		return err
	}

	var mode TransportMode
	if join.SingleConnection {
		mode = NewPublisherOnlyMode(publisher)
	} else {
		subscriber, err := NewTransport(TransportConfig{
			Target:            TargetSubscriber,
			Primary:           !publisherPrimary,
			Configuration:     conf,
			OnICECandidate:    r.candidateSender(TargetSubscriber),
			OnConnectionState: r.transportStateObserver(TargetSubscriber, !publisherPrimary),
			OnDataChannel:     r.handleServerDataChannel,
		})
		if err != nil {
			publisher.Close()
			return err
		}
		if join.SubscriberPrimary {
			mode = NewSubscriberPrimaryMode(publisher, subscriber)
		} else {
			mode = NewPublisherPrimaryMode(publisher, subscriber)
		}
	}

	if err := r.createDataChannels(mode.Publisher()); err != nil {
		closeErr := mode.Close()
		if closeErr != nil {
			r.logger.Error(closeErr, "failed to close transports after channel setup error")
		}
		return err
	}

	r.guard.mutate(func(s *sessionState) {
		s.transports = mode
		s.localSID = join.ParticipantSID
	})

	// the publisher drives the first negotiation unless the server does
	if publisherPrimary {
		mode.Publisher().Negotiate()
	}
	return nil
}

func (r *Room) createDataChannels(publisher *Transport) error {
	ordered := true
	reliableDC, err := publisher.PeerConnection().CreateDataChannel(reliableDataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return err
	}
	r.pair.SetReliable(newWebRTCDataChannel(reliableDC, ChannelReliable, r.pair))

	retransmits := uint16(0)
	lossyDC, err := publisher.PeerConnection().CreateDataChannel(lossyDataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return err
	}
	r.pair.SetLossy(newWebRTCDataChannel(lossyDC, ChannelLossy, r.pair))
	return nil
}

// StartReconnect begins the bounded reconnect loop. Valid only from
// Connected; a reconnect already in progress or missing session state is an
// invalid-state error.
func (r *Room) StartReconnect(reason ReconnectReason) error {
	mode := ReconnectQuick
	if reason == ReasonServerLeave {
		mode = ReconnectFull
	}

	err := r.guard.mutateErr(func(s *sessionState) error {
		if s.conn == ConnectionReconnecting {
			return NewInvalidStateError("reconnect already in progress")
		}
		if s.conn != ConnectionConnected {
			return NewInvalidStateError("reconnect called while %s", s.conn)
		}
		if s.url == "" || s.token == "" || s.transports == nil {
			return NewInvalidStateError("missing session state for reconnect")
		}
		s.conn = ConnectionReconnecting
		s.mode = mode
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("starting reconnect", "reason", reason.String(), "mode", mode.String())
	r.emitState(ConnectionReconnecting, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.reconnectMu.Lock()
	r.reconnectCancel = cancel
	r.reconnectMu.Unlock()

	go r.reconnectLoop(ctx, mode)
	return nil
}

func (r *Room) reconnectLoop(ctx context.Context, mode ReconnectMode) {
	policy := r.opts.Reconnect
	backoff := newBackoffCalculator(policy, nil)

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		// an external disconnect cancels the loop
		snapshot := r.guard.snapshot()
		if snapshot.conn != ConnectionReconnecting {
			return
		}
		// an external signal (e.g. server leave) may have escalated
		if snapshot.mode == ReconnectFull {
			mode = ReconnectFull
		}
		// last available attempt forces full as a last resort
		if attempt == policy.MaxAttempts-1 {
			mode = ReconnectFull
		}

		if attempt > 0 {
			delay := backoff.delay(attempt - 1)
			r.logger.V(1).Info("waiting before next attempt", "attempt", attempt, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		r.guard.mutate(func(s *sessionState) {
			if s.conn == ConnectionReconnecting {
				s.mode = mode
			}
		})

		var err error
		if mode == ReconnectQuick {
			err = r.quickReconnect(ctx)
		} else {
			err = r.fullReconnect(ctx)
		}
		if err == nil {
			r.guard.mutate(func(s *sessionState) {
				if s.conn == ConnectionReconnecting {
					s.conn = ConnectionConnected
				}
			})
			r.logger.Info("reconnected", "attempt", attempt, "mode", mode.String())
			r.emitState(ConnectionConnected, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		r.logger.Error(err, "reconnect attempt failed", "attempt", attempt, "mode", mode.String())

		if errors.Is(err, errFullReconnectRequired) {
			mode = ReconnectFull
		}
	}

	r.teardown(fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr))
}

// quickReconnect rejoins the control channel and renegotiates existing
// transports in place, then replays queued reliable data.
func (r *Room) quickReconnect(ctx context.Context) error {
	snapshot := r.guard.snapshot()
	transports := snapshot.transports
	if transports == nil {
		return errFullReconnectRequired
	}

	r.rearmTransportGates()
	r.signal.StartQueuing()

	resp, err := r.signal.Connect(ctx, snapshot.url, snapshot.token, true)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// tell the server what survived so it can reconcile
	sync := &SyncState{
		Tracks:        snapshot.tracks,
		DataChannels:  r.pair.Infos(),
		ReceiveStates: r.pair.ReceiveStates(),
	}
	if len(snapshot.subscriptions) > 0 {
		sync.Subscription = &subscriptionRequest{TrackSIDs: snapshot.subscriptions, Subscribe: true}
	}
	if err := r.signal.SendSyncState(sync); err != nil {
		return err
	}

	if subscriber := transports.Subscriber(); subscriber != transports.Publisher() {
		subscriber.PrepareICERestart()
	}

	if err := r.waitForPrimary(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// restart publisher ICE only if something was actually published
	if snapshot.published {
		if err := transports.Publisher().CreateAndSendOffer(true); err != nil {
			return err
		}
		if err := r.waitForPublisher(ctx); err != nil {
			return err
		}
		openCtx, cancel := context.WithTimeout(ctx, r.opts.TransportConnectTimeout)
		err := r.pair.WaitUntilOpen(openCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	if err := r.signal.FlushQueue(); err != nil {
		return err
	}

	r.pair.RetryReliable(resp.Reconnect.LastSequence)
	return nil
}

// fullReconnect tears down all transports and channels (retaining URL and
// token) and re-runs the connect sequence from scratch.
func (r *Room) fullReconnect(ctx context.Context) error {
	snapshot := r.guard.snapshot()

	r.signal.Close()
	r.signal.ClearQueue()
	r.teardownTransports()
	r.pair.Reset()

	if err := ctx.Err(); err != nil {
		return err
	}
	return r.connectSequence(ctx, snapshot.url, snapshot.token)
}

// Disconnect leaves the session and tears everything down. A reconnect in
// flight observes the cancellation promptly and stops.
func (r *Room) Disconnect() {
	r.cancelConnect()
	r.cancelReconnect()

	if r.guard.snapshot().conn == ConnectionConnected {
		if err := r.signal.SendLeave("client requested disconnect"); err != nil {
			r.logger.V(1).Info("leave request failed", "error", err.Error())
		}
	}
	r.teardown(nil)
}

// OnNetworkPathChange triggers a quick reconnect when connected, e.g. after
// switching between network interfaces.
func (r *Room) OnNetworkPathChange() {
	if r.guard.snapshot().conn != ConnectionConnected {
		return
	}
	if err := r.StartReconnect(ReasonNetworkChange); err != nil {
		r.logger.V(1).Info("network change reconnect not started", "error", err.Error())
	}
}

// SendData publishes a payload over the selected channel kind. The call
// returns once the underlying send was attempted.
func (r *Room) SendData(ctx context.Context, payload []byte, kind ChannelKind) error {
	snapshot := r.guard.snapshot()
	if snapshot.conn != ConnectionConnected && snapshot.conn != ConnectionReconnecting {
		return NewInvalidStateError("send data while %s", snapshot.conn)
	}
	return r.pair.Send(ctx, &DataPacket{
		Kind:     kind,
		SenderID: snapshot.localSID,
		Payload:  payload,
	})
}

// PublishTrack announces a track to the server and awaits confirmation.
// Publishing marks the session so quick reconnects also restart publisher
// ICE.
func (r *Room) PublishTrack(ctx context.Context, name, kind string) (*TrackInfo, error) {
	snapshot := r.guard.snapshot()
	if snapshot.conn != ConnectionConnected {
		return nil, NewInvalidStateError("publish track while %s", snapshot.conn)
	}

	track, err := r.signal.AddTrack(ctx, name, kind)
	if err != nil {
		return nil, err
	}

	r.guard.mutate(func(s *sessionState) {
		s.published = true
		s.tracks = append(s.tracks, *track)
	})

	if transports := snapshot.transports; transports != nil {
		transports.Publisher().Negotiate()
	}
	return track, nil
}

// SetTrackMuted updates a published track's mute state on the server.
func (r *Room) SetTrackMuted(trackSID string, muted bool) error {
	if err := r.signal.SendMute(trackSID, muted); err != nil {
		return err
	}
	r.guard.mutate(func(s *sessionState) {
		for i := range s.tracks {
			if s.tracks[i].SID == trackSID {
				s.tracks[i].Muted = muted
			}
		}
	})
	return nil
}

// SetSubscribed updates remote track subscriptions; the subscription set is
// included in the session-sync payload on reconnect.
func (r *Room) SetSubscribed(trackSIDs []string, subscribe bool) error {
	if err := r.signal.SendSubscription(trackSIDs, subscribe); err != nil {
		return err
	}
	r.guard.mutate(func(s *sessionState) {
		if subscribe {
			s.subscriptions = append(s.subscriptions, trackSIDs...)
			return
		}
		remaining := s.subscriptions[:0]
		for _, sid := range s.subscriptions {
			keep := true
			for _, removed := range trackSIDs {
				if sid == removed {
					keep = false
					break
				}
			}
			if keep {
				remaining = append(remaining, sid)
			}
		}
		s.subscriptions = remaining
	})
	return nil
}

// --- signal handler callbacks ---

func (r *Room) handleLocalOffer(sd webrtc.SessionDescription) {
	if err := r.signal.SendOffer(sd); err != nil {
		r.logger.Error(err, "failed to send offer")
	}
}

func (r *Room) handleAnswer(sd webrtc.SessionDescription, target SignalTarget) {
	transports := r.guard.snapshot().transports
	if transports == nil {
		r.logger.Info("answer received without transports", "target", target.String())
		return
	}
	if err := transports.ForTarget(target).SetRemoteDescription(sd); err != nil {
		r.logger.Error(err, "failed to apply answer", "target", target.String())
	}
}

func (r *Room) handleOffer(sd webrtc.SessionDescription) {
	transports := r.guard.snapshot().transports
	if transports == nil {
		// server will re-offer once negotiation state settles
		r.logger.Info("offer received without transports")
		return
	}
	subscriber := transports.Subscriber()
	if err := subscriber.SetRemoteDescription(sd); err != nil {
		r.logger.Error(err, "failed to apply offer")
		return
	}
	answer, err := subscriber.CreateAndSetAnswer()
	if err != nil {
		r.logger.Error(err, "failed to create answer")
		return
	}
	if err := r.signal.SendAnswer(answer); err != nil {
		r.logger.Error(err, "failed to send answer")
	}
}

func (r *Room) handleTrickle(candidate webrtc.ICECandidateInit, target SignalTarget) {
	transports := r.guard.snapshot().transports
	if transports == nil {
		return
	}
	if err := transports.ForTarget(target).AddICECandidate(candidate); err != nil {
		r.logger.Error(err, "failed to add candidate", "target", target.String())
	}
}

func (r *Room) handleLeave(canReconnect bool, reason string) {
	r.logger.Info("server leave", "canReconnect", canReconnect, "reason", reason)

	if !canReconnect {
		r.cancelConnect()
		r.cancelReconnect()
		r.teardown(fmt.Errorf("%w: %s", ErrNotRecoverable, reason))
		return
	}

	// recoverable only through a fresh session
	switch r.guard.snapshot().conn {
	case ConnectionConnected:
		if err := r.StartReconnect(ReasonServerLeave); err != nil {
			r.logger.Error(err, "failed to start reconnect after leave")
		}
	case ConnectionReconnecting:
		r.guard.mutate(func(s *sessionState) {
			if s.conn == ConnectionReconnecting {
				s.mode = ReconnectFull
			}
		})
	}
}

func (r *Room) handleTokenRefresh(token string) {
	r.guard.mutate(func(s *sessionState) {
		s.token = token
	})
	r.SafeEmit(EventTokenRefreshed, token)
}

func (r *Room) handleSignalClose(err error) {
	if !isRecoverableCloseError(err) {
		return
	}
	if r.guard.snapshot().conn != ConnectionConnected {
		return
	}
	r.logger.Info("signal connection lost", "error", err.Error())
	if startErr := r.StartReconnect(ReasonSignalClose); startErr != nil {
		r.logger.V(1).Info("reconnect not started", "error", startErr.Error())
	}
}

// --- transport callbacks ---

func (r *Room) candidateSender(target SignalTarget) func(*webrtc.ICECandidate) {
	return func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := r.signal.SendICECandidate(candidate.ToJSON(), target); err != nil {
			r.logger.Error(err, "failed to send candidate", "target", target.String())
		}
	}
}

func (r *Room) transportStateObserver(target SignalTarget, primary bool) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		r.logger.V(1).Info("transport state", "target", target.String(), "state", state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			r.gateMu.Lock()
			if primary {
				r.primaryConnected.resolve(nil)
			}
			if target == TargetPublisher {
				r.publisherConnected.resolve(nil)
			}
			r.gateMu.Unlock()

		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if !primary {
				return
			}
			if r.guard.snapshot().conn != ConnectionConnected {
				return
			}
			if err := r.StartReconnect(ReasonTransportFailure); err != nil {
				r.logger.V(1).Info("reconnect not started", "error", err.Error())
			}
		}
	}
}

func (r *Room) handleServerDataChannel(dc *webrtc.DataChannel) {
	// server-opened inbound channels feed the same decode/dedup path; the
	// locally created publisher channels remain the send side
	switch dc.Label() {
	case reliableDataChannelLabel:
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			r.pair.HandleMessage(ChannelReliable, msg.Data)
		})
	case lossyDataChannelLabel:
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			r.pair.HandleMessage(ChannelLossy, msg.Data)
		})
	default:
		r.logger.Info("ignoring unknown data channel", "label", dc.Label())
	}
}

// --- gates and teardown ---

func (r *Room) rearmTransportGates() {
	r.gateMu.Lock()
	r.primaryConnected = newCompleter()
	r.publisherConnected = newCompleter()
	r.gateMu.Unlock()
}

func (r *Room) primaryGate() *completer {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	return r.primaryConnected
}

func (r *Room) publisherGate() *completer {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	return r.publisherConnected
}

func (r *Room) waitForPrimary(ctx context.Context) error {
	if transports := r.guard.snapshot().transports; transports != nil && transports.Primary().IsConnected() {
		return nil
	}
	return r.awaitGate(ctx, r.primaryGate())
}

func (r *Room) waitForPublisher(ctx context.Context) error {
	return r.awaitGate(ctx, r.publisherGate())
}

func (r *Room) awaitGate(ctx context.Context, gate *completer) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.opts.TransportConnectTimeout)
	defer cancel()

	if err := gate.await(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return err
	}
	return nil
}

func (r *Room) cancelReconnect() {
	r.reconnectMu.Lock()
	if r.reconnectCancel != nil {
		r.reconnectCancel()
		r.reconnectCancel = nil
	}
	r.reconnectMu.Unlock()
}

func (r *Room) cancelConnect() {
	r.reconnectMu.Lock()
	if r.connectCancel != nil {
		r.connectCancel()
		r.connectCancel = nil
	}
	r.reconnectMu.Unlock()
}

func (r *Room) teardownTransports() {
	var transports TransportMode
	r.guard.mutate(func(s *sessionState) {
		transports = s.transports
		s.transports = nil
	})
	if transports != nil {
		if err := transports.Close(); err != nil {
			r.logger.Error(err, "transport close failed")
		}
	}
}

// teardown moves to Disconnected exactly once; err is the terminal error, if
// any, surfaced through the state observer.
func (r *Room) teardown(err error) {
	wasDisconnected := false
	r.guard.mutate(func(s *sessionState) {
		wasDisconnected = s.conn == ConnectionDisconnected
		s.conn = ConnectionDisconnected
		s.published = false
		s.tracks = nil
		s.subscriptions = nil
	})
	if wasDisconnected {
		return
	}

	r.teardownTransports()
	r.pair.Reset()
	r.signal.Close()
	r.signal.ClearQueue()

	if err != nil {
		r.logger.Error(err, "session terminated")
	}
	r.emitState(ConnectionDisconnected, err)
}

func (r *Room) emitState(state ConnectionState, err error) {
	r.SafeEmit(EventConnectionStateChanged, state, err)
}
