package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallConnectionLifecycle(t *testing.T) {
	c := newCallConnection("call-1", DirectionInbound, "alice")
	require.Equal(t, StateRinging, c.State())
	require.Equal(t, "call-1", c.CallID())
	require.Equal(t, DirectionInbound, c.Direction())
	require.Equal(t, "alice", c.RemoteParty())

	assert.True(t, c.setActive())
	assert.Equal(t, StateActive, c.State())

	// Repeating a transition is a no-op, not an error.
	assert.False(t, c.setActive())

	assert.True(t, c.setDisconnected(CauseRemote))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, CauseRemote, c.Cause())
}

func TestCallConnectionDisconnectedIsAbsorbing(t *testing.T) {
	c := newCallConnection("call-1", DirectionOutbound, "bob")
	require.True(t, c.setDisconnected(CauseRejected))

	// No transition mutates a disconnected call, and the first cause
	// is retained.
	assert.False(t, c.setActive())
	assert.False(t, c.setDisconnected(CauseError))
	assert.False(t, c.setMuted(true))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, CauseRejected, c.Cause())
}

func TestCallConnectionDisconnectFromRinging(t *testing.T) {
	c := newCallConnection("call-1", DirectionInbound, "alice")
	assert.True(t, c.setDisconnected(CauseMissed))
	assert.Equal(t, CauseMissed, c.Cause())
	assert.False(t, c.setActive())
}

func TestCallConnectionMuteGating(t *testing.T) {
	c := newCallConnection("call-1", DirectionInbound, "alice")

	// Muting is only valid while active.
	assert.False(t, c.setMuted(true))
	assert.False(t, c.IsMuted())

	require.True(t, c.setActive())
	assert.True(t, c.setMuted(true))
	assert.True(t, c.IsMuted())

	// Setting the same value again reports no change.
	assert.False(t, c.setMuted(true))
	assert.True(t, c.setMuted(false))
	assert.False(t, c.IsMuted())
}

func TestCallConnectionLocalHangupFlag(t *testing.T) {
	c := newCallConnection("call-1", DirectionInbound, "alice")
	assert.False(t, c.localHangupRequested())
	c.markLocalHangup()
	assert.True(t, c.localHangupRequested())
}
