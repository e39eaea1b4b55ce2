package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the local HTTP control surface. It translates REST calls
// into coordinator commands and exposes bridge state read-only. Command
// endpoints return 202 Accepted: the coordinator processes them
// asynchronously and the outcome surfaces through notifications.
type Server struct {
	manager *VoiceClientManager
	core    *CoreContext
	telecom *TelecomHelper

	httpServer *http.Server
}

// NewServer builds the control surface listening on addr.
func NewServer(addr string, manager *VoiceClientManager, core *CoreContext, telecom *TelecomHelper, collector *Collector) *Server {
	s := &Server{
		manager: manager,
		core:    core,
		telecom: telecom,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/session", s.handleLogin)
		r.Delete("/session", s.handleLogout)
		r.Get("/session", s.handleSessionStatus)

		r.Get("/call", s.handleActiveCall)
		r.Post("/calls", s.handleStartCall)
		r.Post("/call/answer", s.handleAnswer)
		r.Post("/call/reject", s.handleReject)
		r.Post("/call/hangup", s.handleHangup)
		r.Post("/call/mute", s.handleMute)
		r.Post("/call/unmute", s.handleUnmute)
		r.Post("/call/dtmf", s.handleDTMF)

		r.Post("/push", s.handlePush)
		r.Put("/push/token", s.handlePushToken)

		r.Post("/lock", s.handleLock)

		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{callID}/accept", s.handleAcceptInvite)
		r.Post("/notifications/{callID}/decline", s.handleDeclineInvite)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	httpLog.Infof("control surface listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		httpLog.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type startCallRequest struct {
	Context map[string]string `json:"context"`
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

type callResponse struct {
	CallID      string `json:"callId"`
	Direction   string `json:"direction"`
	RemoteParty string `json:"remoteParty"`
	State       string `json:"state"`
	Muted       bool   `json:"muted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
		return
	}
	s.manager.Login(req.Username, req.Token)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.manager.Logout()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": s.core.SessionID(),
		"username":  s.core.Username(),
		"loggedIn":  s.core.SessionID() != "",
	})
}

func (s *Server) handleActiveCall(w http.ResponseWriter, r *http.Request) {
	call := s.core.ActiveCall()
	if call == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active call"})
		return
	}
	writeJSON(w, http.StatusOK, callResponse{
		CallID:      call.CallID(),
		Direction:   call.Direction().String(),
		RemoteParty: call.RemoteParty(),
		State:       call.State().String(),
		Muted:       call.IsMuted(),
	})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.core.ActiveCall() != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "another call is active"})
		return
	}
	if req.Context == nil {
		req.Context = map[string]string{}
	}
	s.manager.StartOutboundCall(req.Context)
	w.WriteHeader(http.StatusAccepted)
}

// withActiveCall runs fn against the registry's active call, answering
// 409 when there is none.
func (s *Server) withActiveCall(w http.ResponseWriter, fn func(call *CallConnection)) {
	call := s.core.ActiveCall()
	if call == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no active call"})
		return
	}
	fn(call)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.withActiveCall(w, s.manager.Answer)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.withActiveCall(w, s.manager.Reject)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.withActiveCall(w, s.manager.Hangup)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	s.withActiveCall(w, s.manager.Mute)
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	s.withActiveCall(w, s.manager.Unmute)
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Digits == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "digits is required"})
		return
	}
	s.withActiveCall(w, func(call *CallConnection) {
		s.manager.SendDTMF(call, req.Digits)
	})
}

// handlePush accepts a raw push payload, e.g. forwarded by a local push
// transport daemon. Unknown payloads are accepted and dropped by the
// coordinator.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable payload"})
		return
	}
	s.manager.ProcessIncomingPush(payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.core.SetPushToken(req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.telecom.SetLocked(req.Locked)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	invites := s.telecom.PendingInvites()
	out := make([]map[string]any, 0, len(invites))
	for _, n := range invites {
		out = append(out, map[string]any{
			"callId":   n.CallID,
			"from":     n.From,
			"callType": n.CallType,
			"postedAt": n.PostedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	s.manager.AcceptPendingInvite(chi.URLParam(r, "callID"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	s.manager.DeclinePendingInvite(chi.URLParam(r, "callID"))
	w.WriteHeader(http.StatusAccepted)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httpLog.Warnf("failed to write response: %v", err)
	}
}
