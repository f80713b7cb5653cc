package roomlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReliableReceiveState_AcceptsIncreasing(t *testing.T) {
	state := newReliableReceiveState(time.Minute)

	assert.True(t, state.accept("alice", 1))
	assert.True(t, state.accept("alice", 2))
	assert.True(t, state.accept("alice", 5))
}

func TestReliableReceiveState_RejectsDuplicateAndReorder(t *testing.T) {
	state := newReliableReceiveState(time.Minute)

	require.True(t, state.accept("alice", 10))
	assert.False(t, state.accept("alice", 10))
	assert.False(t, state.accept("alice", 9))
	assert.True(t, state.accept("alice", 11))
}

func TestReliableReceiveState_PerSenderIsolation(t *testing.T) {
	state := newReliableReceiveState(time.Minute)

	require.True(t, state.accept("alice", 5))
	assert.True(t, state.accept("bob", 5))
	assert.False(t, state.accept("alice", 5))
}

func TestReliableReceiveState_TTLEviction(t *testing.T) {
	state := newReliableReceiveState(30 * time.Second)

	clock := time.Now()
	state.now = func() time.Time { return clock }

	require.True(t, state.accept("alice", 10))
	require.False(t, state.accept("alice", 10))

	// after expiry the sender is forgotten, so an old sequence is accepted
	// again
	clock = clock.Add(31 * time.Second)
	assert.True(t, state.accept("alice", 10))
}

func TestReliableReceiveState_TTLRefreshedOnAccept(t *testing.T) {
	state := newReliableReceiveState(30 * time.Second)

	clock := time.Now()
	state.now = func() time.Time { return clock }

	require.True(t, state.accept("alice", 1))

	clock = clock.Add(20 * time.Second)
	require.True(t, state.accept("alice", 2))

	// 20s after the refresh the entry is still live
	clock = clock.Add(20 * time.Second)
	assert.False(t, state.accept("alice", 2))
}

func TestReliableReceiveState_Snapshot(t *testing.T) {
	state := newReliableReceiveState(time.Minute)

	state.accept("alice", 3)
	state.accept("bob", 7)

	snapshot := state.snapshot()
	require.Len(t, snapshot, 2)

	bySender := map[string]uint32{}
	for _, s := range snapshot {
		bySender[s.SenderID] = s.LastSequence
	}
	assert.EqualValues(t, 3, bySender["alice"])
	assert.EqualValues(t, 7, bySender["bob"])
}

func TestReliableReceiveState_Reset(t *testing.T) {
	state := newReliableReceiveState(time.Minute)

	require.True(t, state.accept("alice", 5))
	state.reset()

	assert.Empty(t, state.snapshot())
	assert.True(t, state.accept("alice", 5))
}
