package main

import "sync"

// CallDirection indicates whether a call was placed or received locally.
type CallDirection int

const (
	DirectionInbound CallDirection = iota
	DirectionOutbound
)

func (d CallDirection) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// CallState mirrors the telephony record states so both sides of the
// bridge can be compared with a single ordering.
type CallState int

const (
	// StateRinging is the initial state for both directions: "ringing"
	// for inbound calls, "dialing" for outbound ones.
	StateRinging CallState = iota
	StateActive
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DisconnectCause is the terminal reason code attached when a call
// becomes disconnected.
type DisconnectCause int

const (
	CauseUnknown DisconnectCause = iota
	CauseLocal
	CauseRemote
	CauseRejected
	CauseAnsweredElsewhere
	CauseCanceled
	CauseMissed
	CauseBusy
	CauseError
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseLocal:
		return "local"
	case CauseRemote:
		return "remote"
	case CauseRejected:
		return "rejected"
	case CauseAnsweredElsewhere:
		return "answered-elsewhere"
	case CauseCanceled:
		return "canceled"
	case CauseMissed:
		return "missed"
	case CauseBusy:
		return "busy"
	case CauseError:
		return "error"
	default:
		return "unknown"
	}
}

// CallConnection represents one call attempt, local or remote. It is the
// single source of truth for that call's lifecycle state, mute flag and
// metadata. The call ID is immutable once assigned and is the sole key
// used to correlate events across the signaling client and the telephony
// records.
//
// State moves strictly forward: ringing, active, disconnected. The
// disconnected state is absorbing; no transition method mutates a
// disconnected call, and repeated identical transitions are no-ops rather
// than errors. Transition methods report whether they actually changed
// anything so the coordinator can notify presentation layers exactly once
// per real change.
type CallConnection struct {
	mu sync.RWMutex

	callID      string
	direction   CallDirection
	remoteParty string

	state       CallState
	muted       bool
	cause       DisconnectCause
	localHangup bool
}

func newCallConnection(callID string, direction CallDirection, remoteParty string) *CallConnection {
	return &CallConnection{
		callID:      callID,
		direction:   direction,
		remoteParty: remoteParty,
		state:       StateRinging,
	}
}

// CallID returns the immutable call identifier.
func (c *CallConnection) CallID() string { return c.callID }

// Direction returns the call direction.
func (c *CallConnection) Direction() CallDirection { return c.direction }

// RemoteParty returns the display identifier of the counterpart.
func (c *CallConnection) RemoteParty() string { return c.remoteParty }

// State returns the current lifecycle state.
func (c *CallConnection) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsMuted reports the current mute flag.
func (c *CallConnection) IsMuted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// Cause returns the disconnect cause, CauseUnknown until disconnected.
func (c *CallConnection) Cause() DisconnectCause {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// setActive applies the ringing to active transition. It reports false
// if the call was already active or has been disconnected.
func (c *CallConnection) setActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRinging {
		return false
	}
	c.state = StateActive
	return true
}

// setDisconnected applies the terminal transition and records the cause.
// Once disconnected the call keeps the first cause; later invocations
// with the same or a different cause are no-ops.
func (c *CallConnection) setDisconnected(cause DisconnectCause) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return false
	}
	c.state = StateDisconnected
	c.cause = cause
	return true
}

// setMuted flips the mute flag. Valid only while the call is active; it
// reports whether the flag actually changed.
func (c *CallConnection) setMuted(muted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.muted == muted {
		return false
	}
	c.muted = muted
	return true
}

// markLocalHangup records that a hangup command was issued locally, so a
// later confirming hangup event is attributed to this side.
func (c *CallConnection) markLocalHangup() {
	c.mu.Lock()
	c.localHangup = true
	c.mu.Unlock()
}

func (c *CallConnection) localHangupRequested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localHangup
}
