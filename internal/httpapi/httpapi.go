// Package httpapi is the admin HTTP API: POST /enroll|/pause|/resume|
// /remove|/tick, GET /report|/agent|/health. Adapted from
// cmd/api/main.go's middleware/response-helper shape, re-pointed at a
// static bearer-token/API-key check instead of JWT verification — there
// are no user accounts in this domain, only one configured operator
// secret.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"streamagency/internal/admin"
	"streamagency/internal/agency"
)

// Server wraps the admin Surface in an http.Handler.
type Server struct {
	surface     *admin.Surface
	bearerToken string
	log         *slog.Logger
	mux         *http.ServeMux
}

// New builds a Server. An empty bearerToken disables authentication —
// every route behaves as /health does.
func New(surface *admin.Surface, bearerToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{surface: surface, bearerToken: bearerToken, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/enroll", s.authenticated(s.handleEnroll))
	s.mux.HandleFunc("/pause", s.authenticated(s.handlePause))
	s.mux.HandleFunc("/resume", s.authenticated(s.handleResume))
	s.mux.HandleFunc("/remove", s.authenticated(s.handleRemove))
	s.mux.HandleFunc("/tick", s.authenticated(s.handleTick))
	s.mux.HandleFunc("/report", s.authenticated(s.handleReport))
	s.mux.HandleFunc("/agent", s.authenticated(s.handleAgent))
}

// ServeHTTP satisfies http.Handler, wrapping every request with request
// id assignment and access logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.mux).ServeHTTP(w, r)
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(ctx))

		s.log.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// authenticated requires a bearer token or X-API-Key header matching
// the configured secret, unless no secret is configured.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next(w, r)
			return
		}

		token := r.Header.Get("X-API-Key")
		if token == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:7] == "Bearer " {
				token = auth[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}
		next(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"ok": false, "error": message})
}

func respondOK(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, data)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, agency.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agency.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, agency.ErrStreamTransient):
		return http.StatusBadGateway
	case errors.Is(err, agency.ErrConfigMissing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]any{"ok": true})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
		FeeBps    int    `json:"fee_bps"`
		Probe     bool   `json:"probe"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := s.surface.Enroll(r.Context(), admin.EnrollParams{
		Address: req.Address, Signature: req.Signature, FeeBps: req.FeeBps, Probe: req.Probe,
	})
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"ok": true, "agent": agentDTO(agent)})
}

func (s *Server) addressAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, address string) error) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := action(r.Context(), req.Address); err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"ok": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.addressAction(w, r, s.surface.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.addressAction(w, r, s.surface.Resume)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.addressAction(w, r, s.surface.Remove)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	result, err := s.surface.ForceTick(r.Context())
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	agents, err := s.surface.Report(r.Context())
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	dtos := make([]agentDTOType, 0, len(agents))
	for _, a := range agents {
		dtos = append(dtos, agentDTO(a))
	}
	respondOK(w, map[string]any{"ok": true, "agents": dtos})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		respondError(w, http.StatusBadRequest, "address query parameter required")
		return
	}

	agent, err := s.surface.Agent(r.Context(), address)
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	attempts, err := s.surface.ListAttempts(r.Context(), address, limit)
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}

	respondOK(w, map[string]any{"ok": true, "agent": agentDTO(agent), "recent_attempts": attempts})
}

type agentDTOType struct {
	Address       string `json:"address"`
	Status        string `json:"status"`
	FeeBps        int    `json:"fee_bps"`
	ExpectedEndMs *int64 `json:"expected_end_ms,omitempty"`
	NextAttemptMs *int64 `json:"next_attempt_ms,omitempty"`
	RetryStep     int    `json:"retry_step"`
	SuccessCount  int64  `json:"success_count"`
	FailureCount  int64  `json:"failure_count"`
	FeeDueClaw    float64 `json:"fee_due_claw"`
	LastError     string `json:"last_error,omitempty"`
}

func agentDTO(a agency.Agent) agentDTOType {
	return agentDTOType{
		Address:       a.Address,
		Status:        string(a.Status),
		FeeBps:        a.FeeBps,
		ExpectedEndMs: a.ExpectedEndMs,
		NextAttemptMs: a.NextAttemptMs,
		RetryStep:     a.RetryStep,
		SuccessCount:  a.SuccessCount,
		FailureCount:  a.FailureCount,
		FeeDueClaw:    a.FeeDueClaw,
		LastError:     a.LastError,
	}
}
