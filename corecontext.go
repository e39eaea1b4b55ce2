package main

import "sync"

// CoreContext holds the process-wide session identifier and the single
// active call. It is created once at startup and handed to every
// consumer explicitly; write access belongs to the coordinator, reads
// are open to any collaborator.
type CoreContext struct {
	prefs *PrefStore

	mu         sync.RWMutex
	sessionID  string
	activeCall *CallConnection
}

// NewCoreContext creates a registry backed by the given preference store.
func NewCoreContext(prefs *PrefStore) *CoreContext {
	return &CoreContext{prefs: prefs}
}

// SessionID returns the current session identifier, or "" when logged out.
func (cc *CoreContext) SessionID() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.sessionID
}

func (cc *CoreContext) setSessionID(id string) {
	cc.mu.Lock()
	cc.sessionID = id
	cc.mu.Unlock()
}

// ActiveCall returns the registry's active call, or nil.
func (cc *CoreContext) ActiveCall() *CallConnection {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.activeCall
}

func (cc *CoreContext) setActiveCall(call *CallConnection) {
	cc.mu.Lock()
	cc.activeCall = call
	cc.mu.Unlock()
}

// clearActiveCall empties the active-call slot, but only if it still
// holds the given call. A stale clear for a superseded call is a no-op.
func (cc *CoreContext) clearActiveCall(call *CallConnection) {
	cc.mu.Lock()
	if cc.activeCall == call {
		cc.activeCall = nil
	}
	cc.mu.Unlock()
}

// ActiveCallCount reports 1 while a call is held, 0 otherwise.
func (cc *CoreContext) ActiveCallCount() int {
	if cc.ActiveCall() != nil {
		return 1
	}
	return 0
}

// Username is the last valid username used to create a session.
func (cc *CoreContext) Username() string     { return cc.prefs.Get(prefUsername) }
func (cc *CoreContext) setUsername(v string) { logPrefErr(cc.prefs.Set(prefUsername, v)) }

// AuthToken is the last valid API token used to create a session.
func (cc *CoreContext) AuthToken() string     { return cc.prefs.Get(prefAuthToken) }
func (cc *CoreContext) setAuthToken(v string) { logPrefErr(cc.prefs.Set(prefAuthToken, v)) }

// PushToken is the token delivered by the push transport.
func (cc *CoreContext) PushToken() string     { return cc.prefs.Get(prefPushToken) }
func (cc *CoreContext) SetPushToken(v string) { logPrefErr(cc.prefs.Set(prefPushToken, v)) }

// DeviceID is bound to the push token once registered; it is needed to
// unregister the token later.
func (cc *CoreContext) DeviceID() string     { return cc.prefs.Get(prefDeviceID) }
func (cc *CoreContext) setDeviceID(v string) { logPrefErr(cc.prefs.Set(prefDeviceID, v)) }

func logPrefErr(err error) {
	if err != nil {
		coreLog.Warnf("failed to persist preference: %v", err)
	}
}
