package roomlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	version "github.com/hashicorp/go-version"
	"github.com/pion/webrtc/v4"
)

// websocketConn is the narrow surface of a gorilla connection the client
// uses; substitutable in tests.
type websocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SignalHandler receives server-initiated control-plane messages. Callbacks
// run on the client's read goroutine and must not block.
type SignalHandler struct {
	OnAnswer       func(sd webrtc.SessionDescription, target SignalTarget)
	OnOffer        func(sd webrtc.SessionDescription)
	OnTrickle      func(candidate webrtc.ICECandidateInit, target SignalTarget)
	OnLeave        func(canReconnect bool, reason string)
	OnTokenRefresh func(token string)

	// OnClose fires when the control socket closes for a reason other than
	// a deliberate local Close.
	OnClose func(err error)
}

// SignalClient maintains the control-plane connection: connect and rejoin
// handshakes, request writing with queue-while-reconnecting, and correlated
// request/response pairs (AddTrack).
type SignalClient struct {
	logger           logr.Logger
	handler          SignalHandler
	requestTimeout   time.Duration
	minServerVersion string

	mu            sync.Mutex
	conn          websocketConn
	closed        bool
	queuing       bool
	queue         [][]byte
	pendingTracks map[string]chan *TrackInfo
}

func NewSignalClient(handler SignalHandler, opts ConnectOptions) *SignalClient {
	return &SignalClient{
		logger:           NewLogger("SignalClient"),
		handler:          handler,
		requestTimeout:   opts.RequestTimeout,
		minServerVersion: opts.MinServerVersion,
		pendingTracks:    make(map[string]chan *TrackInfo),
	}
}

// Connect dials the control socket and performs the handshake. The first
// server message must be a Join response (initial connect) or a Reconnect
// response (rejoin). On success the read pump starts dispatching
// server-initiated messages to the handler.
func (c *SignalClient) Connect(ctx context.Context, urlStr, token string, rejoin bool) (*ConnectResponse, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	query := u.Query()
	query.Set("access_token", token)
	query.Set("reconnect", strconv.FormatBool(rejoin))
	u.RawQuery = query.Encode()

	c.logger.V(1).Info("connecting", "rejoin", rejoin)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	first, err := readFirstMessage(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp := &ConnectResponse{}
	switch {
	case !rejoin && first.Join != nil:
		if err := c.checkServerVersion(first.Join.ServerVersion); err != nil {
			conn.Close()
			return nil, err
		}
		resp.Join = first.Join
	case rejoin && first.Reconnect != nil:
		resp.Reconnect = first.Reconnect
	default:
		conn.Close()
		return nil, NewInvalidStateError("unexpected first signal message [rejoin:%v]", rejoin)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readPump(conn)

	return resp, nil
}

// readFirstMessage reads the handshake response, bounded by ctx's deadline.
func readFirstMessage(ctx context.Context, conn *websocket.Conn) (*signalResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	first := &signalResponse{}
	if err := json.Unmarshal(data, first); err != nil {
		return nil, err
	}
	return first, nil
}

func (c *SignalClient) checkServerVersion(serverVersion string) error {
	if c.minServerVersion == "" || serverVersion == "" {
		return nil
	}
	min, err := version.NewVersion(c.minServerVersion)
	if err != nil {
		return err
	}
	actual, err := version.NewVersion(serverVersion)
	if err != nil {
		return err
	}
	if actual.LessThan(min) {
		return NewUnsupportedError("server version %s is older than required %s", serverVersion, c.minServerVersion)
	}
	return nil
}

// StartQueuing makes subsequent requests queue locally instead of being
// written. Called when a reconnect begins.
func (c *SignalClient) StartQueuing() {
	c.mu.Lock()
	c.queuing = true
	c.mu.Unlock()
}

// FlushQueue writes out requests queued during reconnect, in order, and
// resumes direct writes.
func (c *SignalClient) FlushQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queuing = false
	for _, data := range c.queue {
		if err := c.writeLocked(data); err != nil {
			return err
		}
	}
	c.queue = nil
	return nil
}

func (c *SignalClient) SendOffer(sd webrtc.SessionDescription) error {
	return c.sendRequest(&signalRequest{Offer: toSessionDescription(sd, TargetPublisher)})
}

func (c *SignalClient) SendAnswer(sd webrtc.SessionDescription) error {
	return c.sendRequest(&signalRequest{Answer: toSessionDescription(sd, TargetSubscriber)})
}

func (c *SignalClient) SendICECandidate(candidate webrtc.ICECandidateInit, target SignalTarget) error {
	return c.sendRequest(&signalRequest{Trickle: &trickleMessage{Candidate: candidate, Target: target}})
}

func (c *SignalClient) SendMute(trackSID string, muted bool) error {
	return c.sendRequest(&signalRequest{Mute: &muteRequest{TrackSID: trackSID, Muted: muted}})
}

func (c *SignalClient) SendSubscription(trackSIDs []string, subscribe bool) error {
	return c.sendRequest(&signalRequest{Subscription: &subscriptionRequest{TrackSIDs: trackSIDs, Subscribe: subscribe}})
}

// SendSyncState writes immediately, bypassing the reconnect queue: the sync
// message is what lets the server reconcile before queued requests replay.
func (c *SignalClient) SendSyncState(state *SyncState) error {
	data, err := json.Marshal(&signalRequest{SyncState: state})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writeLocked(data)
}

// ClearQueue drops requests queued during reconnect. Used by full reconnect,
// where queued state is stale by definition.
func (c *SignalClient) ClearQueue() {
	c.mu.Lock()
	c.queuing = false
	c.queue = nil
	c.mu.Unlock()
}

func (c *SignalClient) SendLeave(reason string) error {
	return c.sendRequest(&signalRequest{Leave: &leaveRequest{Reason: reason}})
}

// AddTrack requests publication of a track and awaits the server's
// confirmation, correlated by a client-generated id and bounded by the
// request timeout.
func (c *SignalClient) AddTrack(ctx context.Context, name, kind string) (*TrackInfo, error) {
	cid := uuid.NewString()
	respCh := make(chan *TrackInfo, 1)

	c.mu.Lock()
	c.pendingTracks[cid] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingTracks, cid)
		c.mu.Unlock()
	}()

	err := c.sendRequest(&signalRequest{AddTrack: &addTrackRequest{Cid: cid, Name: name, Kind: kind}})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case track := <-respCh:
		return track, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the socket down deliberately; the read pump will not report
// this closure to the handler.
func (c *SignalClient) Close() {
	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *SignalClient) sendRequest(req *signalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queuing {
		c.queue = append(c.queue, data)
		return nil
	}
	return c.writeLocked(data)
}

func (c *SignalClient) writeLocked(data []byte) error {
	if c.conn == nil {
		return NewInvalidStateError("signal client is not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *SignalClient) readPump(conn websocketConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed || c.conn != conn
			c.mu.Unlock()

			if !deliberate && c.handler.OnClose != nil {
				c.handler.OnClose(err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *SignalClient) dispatch(data []byte) {
	msg := &signalResponse{}
	if err := json.Unmarshal(data, msg); err != nil {
		c.logger.Error(err, "failed to decode signal message")
		return
	}

	switch {
	case msg.Answer != nil:
		if c.handler.OnAnswer != nil {
			c.handler.OnAnswer(msg.Answer.webrtc(), msg.Answer.Target)
		}
	case msg.Offer != nil:
		if c.handler.OnOffer != nil {
			c.handler.OnOffer(msg.Offer.webrtc())
		}
	case msg.Trickle != nil:
		if c.handler.OnTrickle != nil {
			c.handler.OnTrickle(msg.Trickle.Candidate, msg.Trickle.Target)
		}
	case msg.TrackPublished != nil:
		c.mu.Lock()
		respCh, ok := c.pendingTracks[msg.TrackPublished.Cid]
		c.mu.Unlock()
		if !ok {
			c.logger.Info("track published response does not match any pending request",
				"cid", msg.TrackPublished.Cid)
			return
		}
		respCh <- msg.TrackPublished.Track
	case msg.Leave != nil:
		if c.handler.OnLeave != nil {
			c.handler.OnLeave(msg.Leave.CanReconnect, msg.Leave.Reason)
		}
	case msg.RefreshToken != "":
		if c.handler.OnTokenRefresh != nil {
			c.handler.OnTokenRefresh(msg.RefreshToken)
		}
	default:
		c.logger.V(1).Info("ignoring unknown signal message")
	}
}

// isRecoverableCloseError classifies a read-pump error: network-flavored
// closures trigger a reconnect, a normal closure does not.
func isRecoverableCloseError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return false
	}
	return true
}
