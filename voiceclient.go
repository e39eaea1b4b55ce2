package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tevino/abool"
)

// SessionErrorReason classifies asynchronous session failures surfaced
// by the signaling service.
type SessionErrorReason int

const (
	SessionErrorTokenExpired SessionErrorReason = iota
	SessionErrorTransportClosed
	SessionErrorPingTimeout
)

func (r SessionErrorReason) String() string {
	switch r {
	case SessionErrorTokenExpired:
		return "expired token"
	case SessionErrorTransportClosed:
		return "transport closed"
	case SessionErrorPingTimeout:
		return "ping timeout"
	default:
		return "unknown"
	}
}

// CancelReason explains why an invite was canceled before it was answered
// on this device.
type CancelReason int

const (
	CancelRemoteAnswer CancelReason = iota
	CancelRemoteReject
	CancelRemoteCancel
	CancelRemoteTimeout
)

func (r CancelReason) String() string {
	switch r {
	case CancelRemoteAnswer:
		return "remote answer"
	case CancelRemoteReject:
		return "remote reject"
	case CancelRemoteCancel:
		return "remote cancel"
	default:
		return "remote timeout"
	}
}

// CommandCallback delivers the result of an asynchronous per-call
// command; err is nil on success.
type CommandCallback func(err error)

// VoiceClient is the remote signaling boundary. Commands return
// immediately and complete later through their callback; events arrive
// through the listener callbacks registered with the setters. Neither
// path may be assumed to run on the caller's goroutine.
type VoiceClient interface {
	CreateSession(token string, done func(err error, sessionID string))
	DeleteSession(done CommandCallback)

	Answer(callID string, done CommandCallback)
	Reject(callID string, done CommandCallback)
	Hangup(callID string, done CommandCallback)
	Mute(callID string, done CommandCallback)
	Unmute(callID string, done CommandCallback)
	SendDTMF(callID, digits string, done CommandCallback)
	ServerCall(callContext map[string]string, done func(err error, callID string))

	RegisterPushToken(token string, done func(err error, deviceID string))
	UnregisterPushToken(deviceID string, done CommandCallback)
	ProcessPushInvite(payload []byte)

	SetSessionErrorListener(fn func(reason SessionErrorReason))
	SetCallInviteListener(fn func(callID, from, callType string))
	SetLegStatusListener(fn func(callID, legID, status string))
	SetCallHangupListener(fn func(callID, quality, reason string))
	SetInviteCancelListener(fn func(callID string, reason CancelReason))
	SetMutedListener(fn func(callID, legID string, muted bool))
	SetDTMFListener(fn func(callID, legID, digits string))
	SetTransferListener(fn func(callID, conversationID string))

	Close() error
}

// Wire frame types for the websocket signaling protocol. Commands carry
// an ID echoed back on the matching result frame; event frames carry no
// ID and may arrive at any time.
const (
	frameResult = "result"

	frameSessionCreate  = "session.create"
	frameSessionDelete  = "session.delete"
	frameCallAnswer     = "call.answer"
	frameCallReject     = "call.reject"
	frameCallHangup     = "call.hangup"
	frameCallMute       = "call.mute"
	frameCallUnmute     = "call.unmute"
	frameCallDTMF       = "call.dtmf"
	frameCallStart      = "call.start"
	framePushRegister   = "push.register"
	framePushUnregister = "push.unregister"
	framePushInvite     = "push.invite"

	frameEventInvite       = "event.invite"
	frameEventLegStatus    = "event.legstatus"
	frameEventHangup       = "event.hangup"
	frameEventInviteCancel = "event.invitecancel"
	frameEventMuted        = "event.muted"
	frameEventDTMF         = "event.dtmf"
	frameEventTransfer     = "event.transfer"
	frameEventSessionError = "event.sessionerror"
)

// wireFrame is the single JSON envelope used in both directions.
type wireFrame struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`

	Token          string            `json:"token,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	CallID         string            `json:"callId,omitempty"`
	LegID          string            `json:"legId,omitempty"`
	From           string            `json:"from,omitempty"`
	CallType       string            `json:"callType,omitempty"`
	Status         string            `json:"status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Quality        string            `json:"quality,omitempty"`
	Muted          bool              `json:"muted,omitempty"`
	Digits         string            `json:"digits,omitempty"`
	DeviceID       string            `json:"deviceId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
}

var (
	errCommandTimeout  = errors.New("command timed out")
	errTransportClosed = errors.New("signaling transport closed")
	errClientClosed    = errors.New("signaling client closed")
)

// VoiceClientConfig tunes the websocket signaling client.
type VoiceClientConfig struct {
	// CommandTimeout bounds how long a command may stay in flight before
	// its callback completes with an error.
	CommandTimeout time.Duration
	// PingInterval is the keepalive ping period; a missing pong within
	// two intervals is treated as a ping timeout.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultVoiceClientConfig returns the production defaults.
func DefaultVoiceClientConfig() *VoiceClientConfig {
	return &VoiceClientConfig{
		CommandTimeout:   15 * time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

type pendingCommand struct {
	timer    *time.Timer
	complete func(frame *wireFrame, err error)
}

type clientListeners struct {
	mu           sync.RWMutex
	sessionError func(reason SessionErrorReason)
	invite       func(callID, from, callType string)
	legStatus    func(callID, legID, status string)
	hangup       func(callID, quality, reason string)
	inviteCancel func(callID string, reason CancelReason)
	muted        func(callID, legID string, muted bool)
	dtmf         func(callID, legID, digits string)
	transfer     func(callID, conversationID string)
}

// wsVoiceClient implements VoiceClient over a single websocket
// connection speaking the JSON frame protocol above.
type wsVoiceClient struct {
	conn *websocket.Conn
	cfg  *VoiceClientConfig

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	listeners clientListeners

	connected *abool.AtomicBool
	closing   *abool.AtomicBool
	done      chan struct{}
}

// DialVoiceClient connects to the signaling service at wsURL and starts
// the read and keepalive loops.
func DialVoiceClient(wsURL string, cfg *VoiceClientConfig) (*wsVoiceClient, error) {
	if cfg == nil {
		cfg = DefaultVoiceClientConfig()
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling service: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("dial signaling service: unexpected status %d", resp.StatusCode)
	}

	c := &wsVoiceClient{
		conn:      conn,
		cfg:       cfg,
		pending:   make(map[string]*pendingCommand),
		connected: abool.NewBool(true),
		closing:   abool.New(),
		done:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	})

	go c.readPump()
	go c.pingLoop()

	clientLog.Infof("connected to signaling service at %s", wsURL)
	return c, nil
}

// Connected reports whether the transport is still alive.
func (c *wsVoiceClient) Connected() bool { return c.connected.IsSet() }

// Close tears the connection down. Pending commands complete with an
// error; no session-error event is raised for a deliberate close.
func (c *wsVoiceClient) Close() error {
	if !c.closing.SetToIf(false, true) {
		return nil
	}
	c.connected.UnSet()
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.failPending(errClientClosed)
	return err
}

// send registers a pending command and writes the frame. complete is
// invoked exactly once: with the matching result frame, or with an error
// on write failure, timeout, or transport loss.
func (c *wsVoiceClient) send(frame wireFrame, complete func(frame *wireFrame, err error)) {
	id := uuid.New().String()
	frame.ID = id

	pc := &pendingCommand{complete: complete}
	pc.timer = time.AfterFunc(c.cfg.CommandTimeout, func() {
		if p := c.takePending(id); p != nil {
			clientLog.Warnf("command %s (%s) timed out after %s", frame.Type, id, c.cfg.CommandTimeout)
			p.complete(nil, errCommandTimeout)
		}
	})

	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CommandTimeout))
	err := c.conn.WriteJSON(&frame)
	c.writeMu.Unlock()

	if err != nil {
		if p := c.takePending(id); p != nil {
			p.complete(nil, fmt.Errorf("write %s frame: %w", frame.Type, err))
		}
	}
}

func (c *wsVoiceClient) takePending(id string) *pendingCommand {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

func (c *wsVoiceClient) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.pendingMu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.complete(nil, err)
	}
}

// command wraps send for the common case of a callback that only cares
// about success or failure.
func (c *wsVoiceClient) command(frame wireFrame, done CommandCallback) {
	c.send(frame, func(res *wireFrame, err error) {
		if done == nil {
			return
		}
		done(resultError(res, err))
	})
}

func resultError(res *wireFrame, err error) error {
	if err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

func (c *wsVoiceClient) CreateSession(token string, done func(err error, sessionID string)) {
	c.send(wireFrame{Type: frameSessionCreate, Token: token}, func(res *wireFrame, err error) {
		if e := resultError(res, err); e != nil {
			done(e, "")
			return
		}
		done(nil, res.SessionID)
	})
}

func (c *wsVoiceClient) DeleteSession(done CommandCallback) {
	c.command(wireFrame{Type: frameSessionDelete}, done)
}

func (c *wsVoiceClient) Answer(callID string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallAnswer, CallID: callID}, done)
}

func (c *wsVoiceClient) Reject(callID string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallReject, CallID: callID}, done)
}

func (c *wsVoiceClient) Hangup(callID string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallHangup, CallID: callID}, done)
}

func (c *wsVoiceClient) Mute(callID string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallMute, CallID: callID}, done)
}

func (c *wsVoiceClient) Unmute(callID string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallUnmute, CallID: callID}, done)
}

func (c *wsVoiceClient) SendDTMF(callID, digits string, done CommandCallback) {
	c.command(wireFrame{Type: frameCallDTMF, CallID: callID, Digits: digits}, done)
}

func (c *wsVoiceClient) ServerCall(callContext map[string]string, done func(err error, callID string)) {
	c.send(wireFrame{Type: frameCallStart, Context: callContext}, func(res *wireFrame, err error) {
		if e := resultError(res, err); e != nil {
			done(e, "")
			return
		}
		done(nil, res.CallID)
	})
}

func (c *wsVoiceClient) RegisterPushToken(token string, done func(err error, deviceID string)) {
	c.send(wireFrame{Type: framePushRegister, Token: token}, func(res *wireFrame, err error) {
		if e := resultError(res, err); e != nil {
			done(e, "")
			return
		}
		done(nil, res.DeviceID)
	})
}

func (c *wsVoiceClient) UnregisterPushToken(deviceID string, done CommandCallback) {
	c.command(wireFrame{Type: framePushUnregister, DeviceID: deviceID}, done)
}

// ProcessPushInvite hands a push-delivered invite payload back to the
// signaling service, which re-emits it as a normal invite event.
func (c *wsVoiceClient) ProcessPushInvite(payload []byte) {
	c.command(wireFrame{Type: framePushInvite, Payload: payload}, func(err error) {
		if err != nil {
			clientLog.Warnf("failed to process push invite: %v", err)
		}
	})
}

func (c *wsVoiceClient) SetSessionErrorListener(fn func(reason SessionErrorReason)) {
	c.listeners.mu.Lock()
	c.listeners.sessionError = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetCallInviteListener(fn func(callID, from, callType string)) {
	c.listeners.mu.Lock()
	c.listeners.invite = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetLegStatusListener(fn func(callID, legID, status string)) {
	c.listeners.mu.Lock()
	c.listeners.legStatus = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetCallHangupListener(fn func(callID, quality, reason string)) {
	c.listeners.mu.Lock()
	c.listeners.hangup = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetInviteCancelListener(fn func(callID string, reason CancelReason)) {
	c.listeners.mu.Lock()
	c.listeners.inviteCancel = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetMutedListener(fn func(callID, legID string, muted bool)) {
	c.listeners.mu.Lock()
	c.listeners.muted = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetDTMFListener(fn func(callID, legID, digits string)) {
	c.listeners.mu.Lock()
	c.listeners.dtmf = fn
	c.listeners.mu.Unlock()
}

func (c *wsVoiceClient) SetTransferListener(fn func(callID, conversationID string)) {
	c.listeners.mu.Lock()
	c.listeners.transfer = fn
	c.listeners.mu.Unlock()
}

// readPump reads frames until the connection dies, matching results to
// pending commands and dispatching event frames to listeners.
func (c *wsVoiceClient) readPump() {
	defer close(c.done)
	for {
		var frame wireFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.handleReadError(err)
			return
		}
		if frame.Type == frameResult && frame.ID != "" {
			if p := c.takePending(frame.ID); p != nil {
				p.complete(&frame, nil)
			} else {
				clientLog.Debugf("result frame for unknown command id %s", frame.ID)
			}
			continue
		}
		c.dispatchEvent(&frame)
	}
}

func (c *wsVoiceClient) handleReadError(err error) {
	if c.closing.IsSet() {
		return
	}
	c.connected.UnSet()
	c.conn.Close()
	c.failPending(errTransportClosed)

	reason := SessionErrorTransportClosed
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		reason = SessionErrorPingTimeout
	}
	clientLog.Warnf("signaling transport lost: %v", err)

	c.listeners.mu.RLock()
	fn := c.listeners.sessionError
	c.listeners.mu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

func (c *wsVoiceClient) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				clientLog.Warnf("keepalive ping failed: %v", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsVoiceClient) dispatchEvent(frame *wireFrame) {
	clientLog.Debugf("received signaling frame: %s callId=%s", frame.Type, frame.CallID)

	c.listeners.mu.RLock()
	l := clientListeners{
		sessionError: c.listeners.sessionError,
		invite:       c.listeners.invite,
		legStatus:    c.listeners.legStatus,
		hangup:       c.listeners.hangup,
		inviteCancel: c.listeners.inviteCancel,
		muted:        c.listeners.muted,
		dtmf:         c.listeners.dtmf,
		transfer:     c.listeners.transfer,
	}
	c.listeners.mu.RUnlock()

	switch frame.Type {
	case frameEventInvite:
		if l.invite != nil {
			l.invite(frame.CallID, frame.From, frame.CallType)
		}
	case frameEventLegStatus:
		if l.legStatus != nil {
			l.legStatus(frame.CallID, frame.LegID, frame.Status)
		}
	case frameEventHangup:
		if l.hangup != nil {
			l.hangup(frame.CallID, frame.Quality, frame.Reason)
		}
	case frameEventInviteCancel:
		if l.inviteCancel != nil {
			l.inviteCancel(frame.CallID, parseCancelReason(frame.Reason))
		}
	case frameEventMuted:
		if l.muted != nil {
			l.muted(frame.CallID, frame.LegID, frame.Muted)
		}
	case frameEventDTMF:
		if l.dtmf != nil {
			l.dtmf(frame.CallID, frame.LegID, frame.Digits)
		}
	case frameEventTransfer:
		if l.transfer != nil {
			l.transfer(frame.CallID, frame.ConversationID)
		}
	case frameEventSessionError:
		if l.sessionError != nil {
			l.sessionError(parseSessionErrorReason(frame.Reason))
		}
	default:
		clientLog.Debugf("ignoring unknown frame type %q", frame.Type)
	}
}

func parseCancelReason(s string) CancelReason {
	switch s {
	case "remote_answer":
		return CancelRemoteAnswer
	case "remote_reject":
		return CancelRemoteReject
	case "remote_cancel":
		return CancelRemoteCancel
	default:
		return CancelRemoteTimeout
	}
}

func parseSessionErrorReason(s string) SessionErrorReason {
	switch s {
	case "expired_token":
		return SessionErrorTokenExpired
	case "ping_timeout":
		return SessionErrorPingTimeout
	default:
		return SessionErrorTransportClosed
	}
}
