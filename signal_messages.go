package roomlink

import "github.com/pion/webrtc/v4"

// The control-plane wire schema below covers only what session control flow
// needs; it is a JSON envelope with exactly one field set per message.

type sessionDescription struct {
	Type   string       `json:"type"`
	SDP    string       `json:"sdp"`
	Target SignalTarget `json:"target"`
}

func toSessionDescription(sd webrtc.SessionDescription, target SignalTarget) *sessionDescription {
	return &sessionDescription{
		Type:   sd.Type.String(),
		SDP:    sd.SDP,
		Target: target,
	}
}

func (s *sessionDescription) webrtc() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(s.Type),
		SDP:  s.SDP,
	}
}

type trickleMessage struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Target    SignalTarget            `json:"target"`
}

type addTrackRequest struct {
	Cid  string `json:"cid"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type muteRequest struct {
	TrackSID string `json:"trackSid"`
	Muted    bool   `json:"muted"`
}

type subscriptionRequest struct {
	TrackSIDs []string `json:"trackSids"`
	Subscribe bool     `json:"subscribe"`
}

type leaveRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SyncState describes the client's current subscription, publish and
// reliable-sequence state, sent at the start of a quick reconnect so the
// server can reconcile divergence.
type SyncState struct {
	Subscription  *subscriptionRequest      `json:"subscription,omitempty"`
	Tracks        []TrackInfo               `json:"tracks,omitempty"`
	DataChannels  []DataChannelInfo         `json:"dataChannels,omitempty"`
	ReceiveStates []DataChannelReceiveState `json:"receiveStates,omitempty"`
}

type signalRequest struct {
	Offer        *sessionDescription  `json:"offer,omitempty"`
	Answer       *sessionDescription  `json:"answer,omitempty"`
	Trickle      *trickleMessage      `json:"trickle,omitempty"`
	AddTrack     *addTrackRequest     `json:"addTrack,omitempty"`
	Mute         *muteRequest         `json:"mute,omitempty"`
	Subscription *subscriptionRequest `json:"subscription,omitempty"`
	SyncState    *SyncState           `json:"syncState,omitempty"`
	Leave        *leaveRequest        `json:"leave,omitempty"`
}

// ICEServerInfo mirrors the server-provided ICE configuration.
type ICEServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (i ICEServerInfo) webrtc() webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs:     i.URLs,
		Username: i.Username,
	}
	if i.Credential != "" {
		server.Credential = i.Credential
	}
	return server
}

// TrackInfo is the server's record of a published track.
type TrackInfo struct {
	SID   string `json:"sid"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Muted bool   `json:"muted,omitempty"`
}

// JoinResponse carries the initial session and topology info.
type JoinResponse struct {
	ParticipantSID    string          `json:"participantSid"`
	ServerVersion     string          `json:"serverVersion"`
	SubscriberPrimary bool            `json:"subscriberPrimary"`
	SingleConnection  bool            `json:"singleConnection,omitempty"`
	ICEServers        []ICEServerInfo `json:"iceServers,omitempty"`
}

// ReconnectResponse carries the server's last-seen reliable sequence so the
// client knows which messages to replay.
type ReconnectResponse struct {
	LastSequence uint32          `json:"lastSeq"`
	ICEServers   []ICEServerInfo `json:"iceServers,omitempty"`
}

// ConnectResponse is the first message after a control-channel connect:
// Join for an initial connect, Reconnect for a rejoin.
type ConnectResponse struct {
	Join      *JoinResponse
	Reconnect *ReconnectResponse
}

type trackPublishedResponse struct {
	Cid   string     `json:"cid"`
	Track *TrackInfo `json:"track"`
}

type leaveNotice struct {
	CanReconnect bool   `json:"canReconnect"`
	Reason       string `json:"reason,omitempty"`
}

type signalResponse struct {
	Join           *JoinResponse           `json:"join,omitempty"`
	Reconnect      *ReconnectResponse      `json:"reconnect,omitempty"`
	Offer          *sessionDescription     `json:"offer,omitempty"`
	Answer         *sessionDescription     `json:"answer,omitempty"`
	Trickle        *trickleMessage         `json:"trickle,omitempty"`
	TrackPublished *trackPublishedResponse `json:"trackPublished,omitempty"`
	Leave          *leaveNotice            `json:"leave,omitempty"`
	RefreshToken   string                  `json:"refreshToken,omitempty"`
}
