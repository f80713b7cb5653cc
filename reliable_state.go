package roomlink

import (
	"sync"
	"time"
)

// DataChannelReceiveState is the per-sender reliable sequence snapshot
// included in the session-sync payload during reconnect.
type DataChannelReceiveState struct {
	SenderID     string `json:"senderId"`
	LastSequence uint32 `json:"lastSeq"`
}

type receiveEntry struct {
	lastSequence uint32
	seenAt       time.Time
}

// reliableReceiveState deduplicates inbound reliable messages per sender. A
// message is accepted only when its sequence is strictly greater than the
// last accepted one from that sender. Entries idle longer than the TTL are
// evicted to bound memory across long sessions with many transient senders.
type reliableReceiveState struct {
	mu      sync.Mutex
	entries map[string]*receiveEntry
	ttl     time.Duration
	now     func() time.Time
}

func newReliableReceiveState(ttl time.Duration) *reliableReceiveState {
	return &reliableReceiveState{
		entries: make(map[string]*receiveEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// accept reports whether the message should be delivered, updating the
// sender's last accepted sequence when it is. Expired entries are swept
// opportunistically on each call.
func (s *reliableReceiveState) accept(senderID string, sequence uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	entry, ok := s.entries[senderID]
	if !ok {
		s.entries[senderID] = &receiveEntry{lastSequence: sequence, seenAt: now}
		return true
	}
	if sequence <= entry.lastSequence {
		// duplicate or reorder
		return false
	}
	entry.lastSequence = sequence
	entry.seenAt = now
	return true
}

// snapshot returns the per-sender last accepted sequences.
func (s *reliableReceiveState) snapshot() []DataChannelReceiveState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]DataChannelReceiveState, 0, len(s.entries))
	for senderID, entry := range s.entries {
		states = append(states, DataChannelReceiveState{
			SenderID:     senderID,
			LastSequence: entry.lastSequence,
		})
	}
	return states
}

func (s *reliableReceiveState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*receiveEntry)
}

func (s *reliableReceiveState) sweepLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for senderID, entry := range s.entries {
		if now.Sub(entry.seenAt) > s.ttl {
			delete(s.entries, senderID)
		}
	}
}
