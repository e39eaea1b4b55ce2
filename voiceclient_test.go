package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalingServer struct {
	*httptest.Server
	wsURL string
}

// newSignalingServer runs handler against each accepted websocket
// connection. Handlers run off the test goroutine and must not use
// fatal assertions.
func newSignalingServer(t *testing.T, handler func(conn *websocket.Conn)) *signalingServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return &signalingServer{srv, "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// echoResults answers every command frame with a result echoing its ID.
func echoResults(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		res := wireFrame{ID: f.ID, Type: frameResult}
		switch f.Type {
		case frameSessionCreate:
			res.SessionID = "sess-1"
		case frameCallStart:
			res.CallID = "out-1"
		case framePushRegister:
			res.DeviceID = "dev-1"
		case frameCallAnswer:
			res.Error = "no such call"
		}
		if err := conn.WriteJSON(&res); err != nil {
			return
		}
	}
}

type sessionResult struct {
	err       error
	sessionID string
}

func TestVoiceClientCommandCorrelation(t *testing.T) {
	srv := newSignalingServer(t, echoResults)
	c, err := DialVoiceClient(srv.wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan sessionResult, 1)
	c.CreateSession("tok", func(err error, sessionID string) {
		ch <- sessionResult{err, sessionID}
	})
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, "sess-1", r.sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("session create did not complete")
	}

	callCh := make(chan string, 1)
	c.ServerCall(map[string]string{"to": "bob"}, func(err error, callID string) {
		require.NoError(t, err)
		callCh <- callID
	})
	select {
	case callID := <-callCh:
		assert.Equal(t, "out-1", callID)
	case <-time.After(2 * time.Second):
		t.Fatal("server call did not complete")
	}
}

func TestVoiceClientServiceError(t *testing.T) {
	srv := newSignalingServer(t, echoResults)
	c, err := DialVoiceClient(srv.wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 1)
	c.Answer("ghost", func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "no such call", err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("answer did not complete")
	}
}

func TestVoiceClientCommandTimeout(t *testing.T) {
	// The server swallows every frame.
	srv := newSignalingServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := DefaultVoiceClientConfig()
	cfg.CommandTimeout = 100 * time.Millisecond
	c, err := DialVoiceClient(srv.wsURL, cfg)
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 1)
	c.Hangup("call-1", func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, errCommandTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("command did not time out")
	}
}

func TestVoiceClientEventDispatch(t *testing.T) {
	ready := make(chan struct{})
	srv := newSignalingServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		<-ready
		conn.WriteJSON(&wireFrame{Type: frameEventInvite, CallID: "c1", From: "alice", CallType: "audio"})
		conn.WriteJSON(&wireFrame{Type: frameEventMuted, CallID: "c1", LegID: "c1", Muted: true})
		conn.WriteJSON(&wireFrame{Type: frameEventInviteCancel, CallID: "c1", Reason: "remote_answer"})
		// Keep the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := DialVoiceClient(srv.wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	invites := make(chan string, 1)
	mutes := make(chan bool, 1)
	cancels := make(chan CancelReason, 1)
	c.SetCallInviteListener(func(callID, from, callType string) { invites <- callID })
	c.SetMutedListener(func(callID, legID string, muted bool) { mutes <- muted })
	c.SetInviteCancelListener(func(callID string, reason CancelReason) { cancels <- reason })
	close(ready)

	select {
	case callID := <-invites:
		assert.Equal(t, "c1", callID)
	case <-time.After(2 * time.Second):
		t.Fatal("invite event not dispatched")
	}
	select {
	case muted := <-mutes:
		assert.True(t, muted)
	case <-time.After(2 * time.Second):
		t.Fatal("muted event not dispatched")
	}
	select {
	case reason := <-cancels:
		assert.Equal(t, CancelRemoteAnswer, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel event not dispatched")
	}
}

func TestVoiceClientTransportLoss(t *testing.T) {
	release := make(chan struct{})
	srv := newSignalingServer(t, func(conn *websocket.Conn) {
		<-release
		conn.Close()
	})

	c, err := DialVoiceClient(srv.wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	reasons := make(chan SessionErrorReason, 1)
	c.SetSessionErrorListener(func(reason SessionErrorReason) { reasons <- reason })

	errCh := make(chan error, 1)
	c.Hangup("call-1", func(err error) { errCh <- err })
	close(release)

	select {
	case reason := <-reasons:
		assert.Equal(t, SessionErrorTransportClosed, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session error not raised")
	}
	select {
	case err := <-errCh:
		// The pending command fails rather than hanging forever.
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not failed")
	}
	assert.False(t, c.Connected())
}

func TestVoiceClientCloseIsQuiet(t *testing.T) {
	srv := newSignalingServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := DialVoiceClient(srv.wsURL, nil)
	require.NoError(t, err)

	reasons := make(chan SessionErrorReason, 1)
	c.SetSessionErrorListener(func(reason SessionErrorReason) { reasons <- reason })

	require.NoError(t, c.Close())
	select {
	case reason := <-reasons:
		t.Fatalf("unexpected session error after deliberate close: %s", reason)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestParseCancelReason(t *testing.T) {
	assert.Equal(t, CancelRemoteAnswer, parseCancelReason("remote_answer"))
	assert.Equal(t, CancelRemoteReject, parseCancelReason("remote_reject"))
	assert.Equal(t, CancelRemoteCancel, parseCancelReason("remote_cancel"))
	assert.Equal(t, CancelRemoteTimeout, parseCancelReason("remote_timeout"))
	assert.Equal(t, CancelRemoteTimeout, parseCancelReason(""))
}

func TestParseSessionErrorReason(t *testing.T) {
	assert.Equal(t, SessionErrorTokenExpired, parseSessionErrorReason("expired_token"))
	assert.Equal(t, SessionErrorPingTimeout, parseSessionErrorReason("ping_timeout"))
	assert.Equal(t, SessionErrorTransportClosed, parseSessionErrorReason("anything"))
}
