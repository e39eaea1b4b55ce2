package main

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Call context keys for outbound calls and the leg status that marks a
// call answered.
const (
	contextKeyRecipient = "to"
	contextKeyType      = "type"
	defaultCallTarget   = "server-call"
	legStatusAnswered   = "answered"
)

// Session re-establishment backoff.
const (
	maxReauthAttempts  = 5
	initialReauthDelay = time.Second
	maxReauthDelay     = 32 * time.Second
)

// clientEvent is the closed set of normalized signaling events. Every
// remote callback is converted into exactly one of these variants and
// fed through a single dispatch switch on the coordinator goroutine.
type clientEvent interface{ isClientEvent() }

type inviteEvent struct{ callID, from, callType string }
type legStatusEvent struct{ callID, legID, status string }
type hangupEvent struct{ callID, quality, reason string }
type inviteCancelEvent struct {
	callID string
	reason CancelReason
}
type mutedEvent struct {
	callID, legID string
	muted         bool
}
type dtmfEvent struct{ callID, legID, digits string }
type transferEvent struct{ callID, conversationID string }
type sessionErrorEvent struct{ reason SessionErrorReason }

func (inviteEvent) isClientEvent()       {}
func (legStatusEvent) isClientEvent()    {}
func (hangupEvent) isClientEvent()       {}
func (inviteCancelEvent) isClientEvent() {}
func (mutedEvent) isClientEvent()        {}
func (dtmfEvent) isClientEvent()         {}
func (transferEvent) isClientEvent()     {}
func (sessionErrorEvent) isClientEvent() {}

// VoiceClientManager is the call lifecycle coordinator. It owns the
// signaling client, normalizes its callbacks into events, reconciles
// every event against the registry's single active call, and drives the
// call state machine.
//
// All state mutation happens on one goroutine: remote events, local
// commands, and command completions are funneled through the same loop,
// so a remote hangup and a local hangup completion can never interleave
// into an inconsistent disconnect. Public methods return immediately.
type VoiceClientManager struct {
	client   VoiceClient
	core     *CoreContext
	telecom  *TelecomHelper
	notifier Notifier
	stats    *bridgeStats

	events chan clientEvent
	tasks  chan func()
	done   chan struct{}

	// Loop-owned; never touched off the coordinator goroutine.
	reauthAttempts int
	reauthDelay    time.Duration
}

// NewVoiceClientManager wires the coordinator to its collaborators and
// registers the event-normalization listeners. Call Start to begin
// processing.
func NewVoiceClientManager(client VoiceClient, core *CoreContext, telecom *TelecomHelper, notifier Notifier, stats *bridgeStats) *VoiceClientManager {
	if notifier == nil {
		notifier = logNotifier{}
	}
	if stats == nil {
		stats = newBridgeStats()
	}
	m := &VoiceClientManager{
		client:      client,
		core:        core,
		telecom:     telecom,
		notifier:    notifier,
		stats:       stats,
		events:      make(chan clientEvent, 32),
		tasks:       make(chan func(), 32),
		done:        make(chan struct{}),
		reauthDelay: initialReauthDelay,
	}
	m.setClientListeners()
	return m
}

// Start launches the coordinator goroutine.
func (m *VoiceClientManager) Start() { go m.run() }

// Stop terminates the coordinator goroutine. Events arriving afterwards
// are discarded.
func (m *VoiceClientManager) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *VoiceClientManager) run() {
	for {
		select {
		case ev := <-m.events:
			m.stats.eventsDispatched.Add(1)
			m.handleEvent(ev)
		case fn := <-m.tasks:
			fn()
		case <-m.done:
			return
		}
	}
}

// postEvent enqueues a normalized event for the coordinator goroutine.
func (m *VoiceClientManager) postEvent(ev clientEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// do enqueues a local command or command completion on the same
// serialized path the events use.
func (m *VoiceClientManager) do(fn func()) {
	select {
	case m.tasks <- fn:
	case <-m.done:
	}
}

func (m *VoiceClientManager) setClientListeners() {
	m.client.SetSessionErrorListener(func(reason SessionErrorReason) {
		m.postEvent(sessionErrorEvent{reason: reason})
	})
	m.client.SetCallInviteListener(func(callID, from, callType string) {
		m.postEvent(inviteEvent{callID: callID, from: from, callType: callType})
	})
	m.client.SetLegStatusListener(func(callID, legID, status string) {
		m.postEvent(legStatusEvent{callID: callID, legID: legID, status: status})
	})
	m.client.SetCallHangupListener(func(callID, quality, reason string) {
		m.postEvent(hangupEvent{callID: callID, quality: quality, reason: reason})
	})
	m.client.SetInviteCancelListener(func(callID string, reason CancelReason) {
		m.postEvent(inviteCancelEvent{callID: callID, reason: reason})
	})
	m.client.SetMutedListener(func(callID, legID string, muted bool) {
		m.postEvent(mutedEvent{callID: callID, legID: legID, muted: muted})
	})
	m.client.SetDTMFListener(func(callID, legID, digits string) {
		m.postEvent(dtmfEvent{callID: callID, legID: legID, digits: digits})
	})
	m.client.SetTransferListener(func(callID, conversationID string) {
		m.postEvent(transferEvent{callID: callID, conversationID: conversationID})
	})
}

// handleEvent is the single dispatch point for the closed event set.
func (m *VoiceClientManager) handleEvent(ev clientEvent) {
	switch ev := ev.(type) {
	case inviteEvent:
		m.onInvite(ev)
	case legStatusEvent:
		m.onLegStatus(ev)
	case hangupEvent:
		m.onHangup(ev)
	case inviteCancelEvent:
		m.onInviteCancel(ev)
	case mutedEvent:
		m.onMuted(ev)
	case dtmfEvent:
		clientLog.Infof("leg %s sent DTMF %q on call %s", ev.legID, ev.digits, ev.callID)
	case transferEvent:
		clientLog.Infof("call %s transferred to conversation %s", ev.callID, ev.conversationID)
	case sessionErrorEvent:
		m.onSessionError(ev)
	}
}

// onInvite enforces the single-call policy: while a call is active a new
// invite is rejected at the signaling layer before any record exists.
// While the device is locked the invite becomes a notification instead
// of a call.
func (m *VoiceClientManager) onInvite(ev inviteEvent) {
	if m.core.ActiveCall() != nil {
		clientLog.Infof("rejecting invite %s from %s: another call is active", ev.callID, ev.from)
		m.client.Reject(ev.callID, m.logCommandResult("reject", ev.callID))
		return
	}
	if m.telecom.Locked() {
		m.telecom.PostInviteNotification(ev.callID, ev.from, ev.callType)
		return
	}
	call := m.telecom.StartIncomingCall(ev.callID, ev.from, ev.callType)
	m.core.setActiveCall(call)
	m.notifier.CallStateChanged(call.CallID(), call.State())
}

func (m *VoiceClientManager) onLegStatus(ev legStatusEvent) {
	call := m.takeIfActive(ev.callID)
	if call == nil {
		m.dropStale("leg status", ev.callID)
		return
	}
	clientLog.Debugf("call %s leg %s status %s", ev.callID, ev.legID, ev.status)
	if ev.status != legStatusAnswered {
		return
	}
	if call.setActive() {
		m.notifier.CallAnswered(call.CallID())
	}
}

func (m *VoiceClientManager) onHangup(ev hangupEvent) {
	call := m.takeIfActive(ev.callID)
	if call == nil {
		m.dropStale("hangup", ev.callID)
		return
	}
	clientLog.Infof("call %s hung up (%s) with quality %s", ev.callID, ev.reason, ev.quality)
	isRemote := !call.localHangupRequested()
	cause := CauseLocal
	switch {
	case ev.reason == "busy":
		cause = CauseBusy
	case isRemote:
		cause = CauseRemote
	}
	m.disconnect(call, cause, isRemote)
}

func (m *VoiceClientManager) onInviteCancel(ev inviteCancelEvent) {
	call := m.takeIfActive(ev.callID)
	if call == nil {
		m.dropStale("invite cancel", ev.callID)
		return
	}
	clientLog.Infof("invite to call %s canceled: %s", ev.callID, ev.reason)
	var cause DisconnectCause
	switch ev.reason {
	case CancelRemoteAnswer:
		cause = CauseAnsweredElsewhere
	case CancelRemoteReject:
		cause = CauseRemote
	case CancelRemoteCancel:
		cause = CauseCanceled
	default:
		cause = CauseMissed
	}
	m.disconnect(call, cause, true)
}

// onMuted applies an asynchronous mute-state change. Only the leg
// matching the call itself is ours; other legs belong to the remote
// side. The UI is informed once per actual flag change, whichever of
// the command acknowledgement and this event arrives first.
func (m *VoiceClientManager) onMuted(ev mutedEvent) {
	if ev.callID != ev.legID {
		return
	}
	call := m.takeIfActive(ev.callID)
	if call == nil {
		m.dropStale("mute state", ev.callID)
		return
	}
	if call.setMuted(ev.muted) {
		m.notifier.MuteChanged(call.CallID(), ev.muted)
	}
}

// onSessionError applies the re-authentication policy: the session is
// gone either way, so clear it and try to re-establish from the stored
// credentials with capped backoff. An expired stored token cannot be
// refreshed here; that requires a fresh login.
func (m *VoiceClientManager) onSessionError(ev sessionErrorEvent) {
	coreLog.Warnf("session error: %s", ev.reason)
	m.core.setSessionID("")
	m.scheduleReauth()
}

func (m *VoiceClientManager) scheduleReauth() {
	token := m.core.AuthToken()
	if token == "" {
		coreLog.Warn("cannot re-establish session: no stored credentials")
		return
	}
	if expired, err := tokenExpired(token); err != nil {
		coreLog.Warnf("cannot inspect stored token: %v", err)
	} else if expired {
		coreLog.Warn("stored token has expired; a fresh login is required")
		return
	}
	if m.reauthAttempts >= maxReauthAttempts {
		coreLog.Errorf("giving up on session re-establishment after %d attempts", m.reauthAttempts)
		return
	}

	delay := m.reauthDelay
	m.reauthAttempts++
	if m.reauthDelay *= 2; m.reauthDelay > maxReauthDelay {
		m.reauthDelay = maxReauthDelay
	}

	coreLog.Infof("re-establishing session in %s (attempt %d)", delay, m.reauthAttempts)
	time.AfterFunc(delay, func() {
		m.client.CreateSession(token, func(err error, sessionID string) {
			m.do(func() {
				if err != nil {
					coreLog.Warnf("session re-establishment failed: %v", err)
					m.scheduleReauth()
					return
				}
				m.core.setSessionID(sessionID)
				m.resetReauth()
				coreLog.Infof("session re-established with ID %s", sessionID)
			})
		})
	})
}

func (m *VoiceClientManager) resetReauth() {
	m.reauthAttempts = 0
	m.reauthDelay = initialReauthDelay
}

// tokenExpired inspects the exp claim of a JWT without verifying its
// signature; tokens without an exp claim are treated as still valid.
func tokenExpired(token string) (bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, err
	}
	return exp.Before(time.Now()), nil
}

// ---- Local commands ----

// Login establishes a signaling session. On success the credentials are
// persisted and the push token is registered.
func (m *VoiceClientManager) Login(username, token string) {
	m.do(func() {
		coreLog.Infof("logging in as %s", username)
		m.client.CreateSession(token, func(err error, sessionID string) {
			m.do(func() {
				if err != nil {
					coreLog.Warnf("login failed: %v", err)
					m.stats.commandsFailed.Add(1)
					return
				}
				m.core.setSessionID(sessionID)
				m.core.setUsername(username)
				m.core.setAuthToken(token)
				m.resetReauth()
				coreLog.Infof("logged in with session ID %s", sessionID)
				m.registerPushToken()
			})
		})
	})
}

// Logout unregisters the push token and tears the session down. The
// persisted credentials are cleared only once the delete succeeds.
func (m *VoiceClientManager) Logout() {
	m.do(func() {
		m.unregisterPushToken()
		m.client.DeleteSession(func(err error) {
			m.do(func() {
				if err != nil {
					coreLog.Warnf("error logging out: %v", err)
					m.stats.commandsFailed.Add(1)
					return
				}
				m.core.setSessionID("")
				m.core.setUsername("")
				m.core.setAuthToken("")
				coreLog.Info("logged out")
			})
		})
	})
}

func (m *VoiceClientManager) registerPushToken() {
	token := m.core.PushToken()
	if token == "" {
		return
	}
	m.client.RegisterPushToken(token, func(err error, deviceID string) {
		m.do(func() {
			if err != nil {
				coreLog.Warnf("error registering push token: %v", err)
				m.stats.commandsFailed.Add(1)
				return
			}
			m.core.setDeviceID(deviceID)
			coreLog.Infof("push token registered with device ID %s", deviceID)
		})
	})
}

func (m *VoiceClientManager) unregisterPushToken() {
	deviceID := m.core.DeviceID()
	if deviceID == "" {
		return
	}
	m.client.UnregisterPushToken(deviceID, func(err error) {
		m.do(func() {
			if err != nil {
				coreLog.Warnf("error unregistering push token: %v", err)
				m.stats.commandsFailed.Add(1)
				return
			}
			m.core.setDeviceID("")
		})
	})
}

// StartOutboundCall places a call with the given routing context. On
// success a call record is registered and becomes the active call.
func (m *VoiceClientManager) StartOutboundCall(callContext map[string]string) {
	m.do(func() {
		if m.core.ActiveCall() != nil {
			coreLog.Warn("cannot start outbound call: another call is active")
			return
		}
		m.client.ServerCall(callContext, func(err error, callID string) {
			m.do(func() {
				if err != nil {
					coreLog.Warnf("error starting outbound call: %v", err)
					m.stats.commandsFailed.Add(1)
					return
				}
				if m.core.ActiveCall() != nil {
					// An invite won the race while the command was in
					// flight; the new leg must not displace it.
					clientLog.Warnf("hanging up outbound call %s: another call became active", callID)
					m.client.Hangup(callID, m.logCommandResult("hangup", callID))
					return
				}
				to := callContext[contextKeyRecipient]
				if to == "" {
					to = defaultCallTarget
				}
				call := m.telecom.StartOutgoingCall(callID, to)
				m.core.setActiveCall(call)
				m.notifier.CallStateChanged(call.CallID(), call.State())
				coreLog.Infof("outbound call started with ID %s", callID)
			})
		})
	})
}

// Answer accepts the given ringing call. On command failure the call is
// disconnected with cause error.
func (m *VoiceClientManager) Answer(call *CallConnection) {
	m.do(func() {
		c := m.takeIfActiveCall(call)
		if c == nil {
			m.telecom.ReleaseIfOrphaned(call)
			return
		}
		m.answerActive(c)
	})
}

func (m *VoiceClientManager) answerActive(c *CallConnection) {
	m.client.Answer(c.CallID(), func(err error) {
		m.do(func() {
			if err != nil {
				clientLog.Warnf("error answering call %s: %v", c.CallID(), err)
				m.stats.commandsFailed.Add(1)
				m.disconnect(c, CauseError, false)
				return
			}
			clientLog.Infof("answered call %s", c.CallID())
			if c.setActive() {
				m.notifier.CallAnswered(c.CallID())
			}
		})
	})
}

// Reject declines the given call. Rejection is a local intent that is
// honored even when the command fails; the failure is still logged.
func (m *VoiceClientManager) Reject(call *CallConnection) {
	m.do(func() {
		c := m.takeIfActiveCall(call)
		if c == nil {
			m.telecom.ReleaseIfOrphaned(call)
			return
		}
		m.client.Reject(c.CallID(), func(err error) {
			m.do(func() {
				if err != nil {
					clientLog.Warnf("error rejecting call %s: %v", c.CallID(), err)
					m.stats.commandsFailed.Add(1)
				} else {
					clientLog.Infof("rejected call %s", c.CallID())
				}
				m.disconnect(c, CauseRejected, false)
			})
		})
	})
}

// Hangup ends the given call. On success the state converges through
// the confirming hangup event; on command failure that event will never
// arrive, so the call is disconnected eagerly.
func (m *VoiceClientManager) Hangup(call *CallConnection) {
	m.do(func() {
		c := m.takeIfActiveCall(call)
		if c == nil {
			m.telecom.ReleaseIfOrphaned(call)
			return
		}
		c.markLocalHangup()
		m.client.Hangup(c.CallID(), func(err error) {
			m.do(func() {
				if err != nil {
					clientLog.Warnf("error hanging up call %s: %v", c.CallID(), err)
					m.stats.commandsFailed.Add(1)
					m.disconnect(c, CauseLocal, false)
					return
				}
				clientLog.Infof("hung up call %s", c.CallID())
			})
		})
	})
}

// Mute requests muting. The flag flips only when the asynchronous
// mute-state event confirms it, so the two equally-authoritative
// sources cannot race.
func (m *VoiceClientManager) Mute(call *CallConnection) { m.requestMute(call, true) }

// Unmute requests unmuting; see Mute.
func (m *VoiceClientManager) Unmute(call *CallConnection) { m.requestMute(call, false) }

func (m *VoiceClientManager) requestMute(call *CallConnection, muted bool) {
	op := "unmute"
	if muted {
		op = "mute"
	}
	m.do(func() {
		c := m.takeIfActiveCall(call)
		if c == nil {
			m.telecom.ReleaseIfOrphaned(call)
			return
		}
		send := m.client.Unmute
		if muted {
			send = m.client.Mute
		}
		send(c.CallID(), m.logCommandResult(op, c.CallID()))
	})
}

// SendDTMF sends a keypad digit on the given call. Fire and forget;
// failures are logged only.
func (m *VoiceClientManager) SendDTMF(call *CallConnection, digits string) {
	m.do(func() {
		c := m.takeIfActiveCall(call)
		if c == nil {
			m.telecom.ReleaseIfOrphaned(call)
			return
		}
		m.client.SendDTMF(c.CallID(), digits, m.logCommandResult("DTMF", c.CallID()))
	})
}

// ProcessIncomingPush classifies a push payload and, for call invites,
// re-enters it through the signaling client so the invite listener
// fires through the normal path. A cold-started process first
// re-establishes the session from the last known valid credentials; a
// late-arriving push must not be dropped just because no session is up.
func (m *VoiceClientManager) ProcessIncomingPush(payload []byte) {
	m.do(func() {
		if classifyPush(payload) != PushIncomingCall {
			coreLog.Debug("ignoring push payload of unknown type")
			return
		}
		if m.core.SessionID() != "" {
			m.client.ProcessPushInvite(payload)
			return
		}
		token := m.core.AuthToken()
		if token == "" {
			coreLog.Warn("dropping call invite push: no stored credentials")
			return
		}
		coreLog.Info("re-establishing session for push-delivered invite")
		m.client.CreateSession(token, func(err error, sessionID string) {
			m.do(func() {
				if err != nil {
					coreLog.Warnf("failed to re-establish session for push invite: %v", err)
					return
				}
				m.core.setSessionID(sessionID)
				m.resetReauth()
				m.client.ProcessPushInvite(payload)
			})
		})
	})
}

// AcceptPendingInvite registers the call behind a posted notification
// and answers it.
func (m *VoiceClientManager) AcceptPendingInvite(callID string) {
	m.do(func() {
		n := m.telecom.TakeInviteNotification(callID)
		if n == nil {
			coreLog.Warnf("no pending invite notification for call %s", callID)
			return
		}
		if m.core.ActiveCall() != nil {
			clientLog.Infof("rejecting pending invite %s: another call is active", callID)
			m.client.Reject(callID, m.logCommandResult("reject", callID))
			return
		}
		call := m.telecom.StartIncomingCall(n.CallID, n.From, n.CallType)
		m.core.setActiveCall(call)
		m.notifier.CallStateChanged(call.CallID(), call.State())
		m.answerActive(call)
	})
}

// DeclinePendingInvite rejects the call behind a posted notification.
func (m *VoiceClientManager) DeclinePendingInvite(callID string) {
	m.do(func() {
		if m.telecom.TakeInviteNotification(callID) == nil {
			coreLog.Warnf("no pending invite notification for call %s", callID)
			return
		}
		m.client.Reject(callID, m.logCommandResult("reject", callID))
	})
}

// ---- Helpers ----

// disconnect applies the terminal transition once, clears the registry
// slot eagerly so later stray events are dropped as stale, and informs
// the notification bridge.
func (m *VoiceClientManager) disconnect(c *CallConnection, cause DisconnectCause, isRemote bool) {
	if !c.setDisconnected(cause) {
		return
	}
	m.core.clearActiveCall(c)
	m.telecom.Release(c.CallID())
	m.notifier.CallDisconnected(c.CallID(), isRemote)
	coreLog.Infof("call %s disconnected: cause=%s remote=%v", c.CallID(), cause, isRemote)
}

func (m *VoiceClientManager) dropStale(kind, callID string) {
	m.stats.staleEventsDropped.Add(1)
	m.telecom.DismissInviteNotification(callID)
	clientLog.Debugf("dropping stale %s event for call %s", kind, callID)
}

// takeIfActive returns the registry's active call when it matches
// callID, nil otherwise.
func (m *VoiceClientManager) takeIfActive(callID string) *CallConnection {
	if c := m.core.ActiveCall(); c != nil && c.CallID() == callID {
		return c
	}
	return nil
}

func (m *VoiceClientManager) takeIfActiveCall(call *CallConnection) *CallConnection {
	if call == nil {
		return nil
	}
	return m.takeIfActive(call.CallID())
}

// logCommandResult returns a completion callback that only records the
// outcome; it is used for commands that drive no state transition.
func (m *VoiceClientManager) logCommandResult(op, callID string) CommandCallback {
	return func(err error) {
		m.do(func() {
			if err != nil {
				clientLog.Warnf("error sending %s for call %s: %v", op, callID, err)
				m.stats.commandsFailed.Add(1)
				return
			}
			clientLog.Debugf("%s command for call %s succeeded", op, callID)
		})
	}
}
