// Package app exposes the collaboration core over HTTP: health and readiness
// probes, a stateless admission check, and a WebSocket gateway where one
// connection owns one session coordinator.
package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/collab"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/config"
)

// Pinger is anything whose liveness the readiness probe reports on.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	cfg        config.Config
	store      collab.Store
	transport  collab.Transport
	dbPing     Pinger
	redisPing  Pinger
	corsOrigin string
}

func NewHTTPServer(cfg config.Config, st collab.Store, transport collab.Transport, dbPing, redisPing Pinger) *HTTPServer {
	return &HTTPServer{
		cfg:        cfg,
		store:      st,
		transport:  transport,
		dbPing:     dbPing,
		redisPing:  redisPing,
		corsOrigin: cfg.CORSOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"redis":    map[string]any{"status": "ok"},
		}
		if err := s.dbPing.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.redisPing.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/active" {
		s.handleCheckActive(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/ws" {
		s.handleWS(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCheckActive(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, string(collab.CodeUnauthenticated), "Missing caller identity", nil)
		return
	}
	statementID := strings.TrimSpace(r.URL.Query().Get("statementId"))
	if statementID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "statementId is required", nil)
		return
	}

	coordinator := collab.NewCoordinator(s.store, s.transport, identity, collab.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		SessionCodeLength: s.cfg.SessionCodeLength,
	})
	info, err := coordinator.CheckActiveSession(r.Context(), statementID)
	if err != nil {
		status, code, message := mapCollabError(err)
		writeError(w, status, code, message, nil)
		return
	}
	if info == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":           true,
		"sessionId":        info.SessionID,
		"sessionCode":      info.SessionCode,
		"hostUserId":       info.HostUserID,
		"hostName":         info.HostDisplayName,
		"isOwnSession":     info.IsOwnSession,
		"participantCount": info.ParticipantCount,
	})
}

// Identity arrives pre-resolved from the upstream gateway as trusted headers.
func identityFrom(r *http.Request) (collab.Identity, bool) {
	identity := collab.Identity{
		UserID:   strings.TrimSpace(r.Header.Get("X-User-Id")),
		FullName: strings.TrimSpace(r.Header.Get("X-User-Name")),
		Rank:     strings.TrimSpace(r.Header.Get("X-User-Rank")),
	}
	if identity.UserID == "" {
		return collab.Identity{}, false
	}
	return identity, true
}

func mapCollabError(err error) (status int, code, message string) {
	cErr, ok := err.(*collab.Error)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL", "Internal error"
	}
	switch cErr.Code {
	case collab.CodeUnauthenticated:
		return http.StatusUnauthorized, string(cErr.Code), cErr.Message
	case collab.CodeConflict, collab.CodeTerminal:
		return http.StatusConflict, string(cErr.Code), cErr.Message
	case collab.CodeNotFound:
		return http.StatusNotFound, string(cErr.Code), cErr.Message
	case collab.CodeStoreUnavailable, collab.CodeChannelUnavailable:
		return http.StatusServiceUnavailable, string(cErr.Code), cErr.Message
	default:
		return http.StatusInternalServerError, string(cErr.Code), cErr.Message
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if !isWebSocketUpgrade(r) {
			setCORSHeaders(writer.Header(), s.corsOrigin)
		}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-Id, X-User-Name, X-User-Rank")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
