package main

import (
	"sync"
	"time"

	"github.com/tevino/abool"
)

// InviteNotification is a pending incoming-call notification posted when
// an invite arrives while the device is locked. The user answers or
// declines it later through the control surface.
type InviteNotification struct {
	CallID   string
	From     string
	CallType string
	PostedAt time.Time
}

// TelecomHelper is the platform call-registration surface. It creates
// the call record for each incoming or outgoing call, retains records
// briefly after disconnect for bookkeeping, and owns the pending
// invite notifications.
type TelecomHelper struct {
	locked *abool.AtomicBool

	mu      sync.Mutex
	records map[string]*CallConnection
	invites map[string]*InviteNotification
}

// NewTelecomHelper creates an empty telephony record keeper.
func NewTelecomHelper() *TelecomHelper {
	return &TelecomHelper{
		locked:  abool.New(),
		records: make(map[string]*CallConnection),
		invites: make(map[string]*InviteNotification),
	}
}

// StartIncomingCall registers a platform record for an incoming call and
// returns its connection, initially ringing.
func (t *TelecomHelper) StartIncomingCall(callID, from, callType string) *CallConnection {
	telecomLog.Infof("registering incoming call %s from %s (%s)", callID, from, callType)
	call := newCallConnection(callID, DirectionInbound, from)
	t.mu.Lock()
	t.records[callID] = call
	t.mu.Unlock()
	return call
}

// StartOutgoingCall registers a platform record for an outgoing call and
// returns its connection, initially dialing.
func (t *TelecomHelper) StartOutgoingCall(callID, to string) *CallConnection {
	telecomLog.Infof("registering outgoing call %s to %s", callID, to)
	call := newCallConnection(callID, DirectionOutbound, to)
	t.mu.Lock()
	t.records[callID] = call
	t.mu.Unlock()
	return call
}

// Release drops the platform record for a disconnected call.
func (t *TelecomHelper) Release(callID string) {
	t.mu.Lock()
	_, ok := t.records[callID]
	delete(t.records, callID)
	t.mu.Unlock()
	if ok {
		telecomLog.Debugf("released call record %s", callID)
	}
}

// ReleaseIfOrphaned destroys a record that has no corresponding
// coordinator state, forcing it disconnected first.
func (t *TelecomHelper) ReleaseIfOrphaned(call *CallConnection) {
	if call == nil {
		return
	}
	if call.setDisconnected(CauseUnknown) {
		telecomLog.Warnf("destroying orphaned call record %s", call.CallID())
	}
	t.Release(call.CallID())
}

// Record returns the platform record for callID, or nil.
func (t *TelecomHelper) Record(callID string) *CallConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[callID]
}

// RecordCount returns the number of retained platform records.
func (t *TelecomHelper) RecordCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// SetLocked toggles the locked flag. While locked, invites are routed to
// a notification instead of directly starting a call.
func (t *TelecomHelper) SetLocked(locked bool) {
	t.locked.SetTo(locked)
	telecomLog.Infof("device locked: %v", locked)
}

// Locked reports whether the device is locked.
func (t *TelecomHelper) Locked() bool { return t.locked.IsSet() }

// PostInviteNotification records a pending incoming-call notification.
func (t *TelecomHelper) PostInviteNotification(callID, from, callType string) {
	telecomLog.Infof("posting incoming-call notification for %s from %s", callID, from)
	t.mu.Lock()
	t.invites[callID] = &InviteNotification{
		CallID:   callID,
		From:     from,
		CallType: callType,
		PostedAt: time.Now(),
	}
	t.mu.Unlock()
}

// TakeInviteNotification removes and returns the pending notification
// for callID, or nil if none is posted.
func (t *TelecomHelper) TakeInviteNotification(callID string) *InviteNotification {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.invites[callID]
	if !ok {
		return nil
	}
	delete(t.invites, callID)
	return n
}

// DismissInviteNotification drops the pending notification for callID if
// one exists, reporting whether anything was dismissed.
func (t *TelecomHelper) DismissInviteNotification(callID string) bool {
	t.mu.Lock()
	_, ok := t.invites[callID]
	delete(t.invites, callID)
	t.mu.Unlock()
	if ok {
		telecomLog.Infof("dismissed incoming-call notification for %s", callID)
	}
	return ok
}

// PendingInvites lists the currently posted notifications.
func (t *TelecomHelper) PendingInvites() []*InviteNotification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*InviteNotification, 0, len(t.invites))
	for _, n := range t.invites {
		out = append(out, n)
	}
	return out
}
