package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *testBridge) {
	t.Helper()
	b := newTestBridge(t)
	collector := NewCollector(b.core, b.telecom, b.stats)
	s := NewServer(":0", b.manager, b.core, b.telecom, collector)
	return s, b
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestActiveCallEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/v1/call", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	b.ringingCall(t, "call-1", "alice")

	w = doRequest(s, http.MethodGet, "/v1/call", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp callResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "call-1", resp.CallID)
	assert.Equal(t, "inbound", resp.Direction)
	assert.Equal(t, "alice", resp.RemoteParty)
	assert.Equal(t, "ringing", resp.State)
}

func TestLoginEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/v1/session", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/v1/session", `{"username":"alice","token":"tok-1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	b.flush()
	assert.Equal(t, 1, b.fake.createSessionCount())
}

func TestStartCallEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/v1/calls", `{"context":{"to":"bob"}}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	b.flush()

	b.fake.mu.Lock()
	assert.Len(t, b.fake.serverCalls, 1)
	b.fake.mu.Unlock()

	// A second start while a call is active is refused up front.
	b.ringingCall(t, "call-1", "alice")
	w = doRequest(s, http.MethodPost, "/v1/calls", `{"context":{"to":"bob"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCallCommandEndpoints(t *testing.T) {
	s, b := newTestServer(t)

	// No active call: every command endpoint answers 409.
	for _, path := range []string{"/v1/call/answer", "/v1/call/reject", "/v1/call/hangup", "/v1/call/mute", "/v1/call/unmute"} {
		w := doRequest(s, http.MethodPost, path, "")
		assert.Equal(t, http.StatusConflict, w.Code, path)
	}

	b.ringingCall(t, "call-1", "alice")

	w := doRequest(s, http.MethodPost, "/v1/call/answer", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	b.flush()
	assert.Equal(t, "call-1", b.fake.lastCall(t, "answer").callID)
}

func TestDTMFEndpoint(t *testing.T) {
	s, b := newTestServer(t)
	b.answeredCall(t, "call-1", "alice")

	w := doRequest(s, http.MethodPost, "/v1/call/dtmf", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/v1/call/dtmf", `{"digits":"42"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	b.flush()
	dtmf := b.fake.lastCall(t, "dtmf")
	assert.Equal(t, "42", dtmf.digits)
}

func TestPushEndpoint(t *testing.T) {
	s, b := newTestServer(t)
	b.core.setSessionID("sess-1")

	w := doRequest(s, http.MethodPost, "/v1/push", `{"type":"incoming_call","callId":"c1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	b.flush()
	assert.Len(t, b.fake.pushInvites(), 1)
}

func TestPushTokenEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	w := doRequest(s, http.MethodPut, "/v1/push/token", `{"token":"push-tok"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "push-tok", b.core.PushToken())
}

func TestLockEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/v1/lock", `{"locked":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, b.telecom.Locked())

	w = doRequest(s, http.MethodPost, "/v1/lock", `{"locked":false}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, b.telecom.Locked())
}

func TestNotificationEndpoints(t *testing.T) {
	s, b := newTestServer(t)
	b.telecom.SetLocked(true)
	b.fake.fireInvite("call-1", "alice", "audio")
	b.flush()

	w := doRequest(s, http.MethodGet, "/v1/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "call-1", list[0]["callId"])
	assert.Equal(t, "alice", list[0]["from"])

	w = doRequest(s, http.MethodPost, "/v1/notifications/call-1/decline", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	b.flush()
	assert.Equal(t, "call-1", b.fake.lastCall(t, "reject").callID)
	assert.Empty(t, b.telecom.PendingInvites())
}

func TestSessionStatusEndpoint(t *testing.T) {
	s, b := newTestServer(t)
	b.core.setSessionID("sess-1")

	w := doRequest(s, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp["sessionId"])
	assert.Equal(t, true, resp["loggedIn"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, b := newTestServer(t)
	b.ringingCall(t, "call-1", "alice")

	w := doRequest(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicebridge_active_calls 1")
	assert.Contains(t, w.Body.String(), "voicebridge_events_dispatched_total")
}
