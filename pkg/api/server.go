package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/weftlabs/weft/core/pkg/boundary"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/identity"
	"github.com/weftlabs/weft/core/pkg/intake"
	"github.com/weftlabs/weft/core/pkg/observability"
	"github.com/weftlabs/weft/core/pkg/saga"
	"github.com/weftlabs/weft/core/pkg/session"
	"github.com/weftlabs/weft/core/pkg/wal"
)

const maxBodyBytes = 1 << 20 // 1MB request body limit

// Server wires the core components behind the HTTP surface.
type Server struct {
	intake      *intake.Intake
	sessions    *session.Manager
	coordinator *saga.Coordinator
	contracts   *boundary.Store
	log         wal.Log
	tokens      *identity.TokenManager
	limiter     *RateLimiter
	telemetry   *observability.Provider
	logger      *slog.Logger
}

// ServerOption tunes the server.
type ServerOption func(*Server)

// WithRateLimiter replaces the default per-client limiter.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithTelemetry instruments every request with a span and RED metrics.
func WithTelemetry(p *observability.Provider) ServerOption {
	return func(s *Server) { s.telemetry = p }
}

// NewServer builds the HTTP surface over the given components.
func NewServer(
	in *intake.Intake,
	sessions *session.Manager,
	coordinator *saga.Coordinator,
	contractStore *boundary.Store,
	log wal.Log,
	tokens *identity.TokenManager,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		intake:      in,
		sessions:    sessions,
		coordinator: coordinator,
		contracts:   contractStore,
		log:         log,
		tokens:      tokens,
		limiter:     NewRateLimiter(50, 100),
		logger:      logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /intent/submit", s.handleSubmit)
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("GET /session/{session_id}", s.handleSessionGet)
	mux.HandleFunc("GET /execution/{execution_id}/status", s.handleExecutionStatus)
	mux.HandleFunc("POST /execution/{execution_id}/cancel", s.handleExecutionCancel)
	mux.HandleFunc("GET /execution/{execution_id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /contracts", s.handleContractCreate)
	mux.HandleFunc("GET /contracts/{contract_id}", s.handleContractGet)
	mux.HandleFunc("POST /contracts/{contract_id}/authorize", s.handleContractAuthorize)
	mux.HandleFunc("POST /contracts/{contract_id}/revoke", s.handleContractRevoke)

	mws := []func(http.Handler) http.Handler{
		RequestIDMiddleware,
		AuthMiddleware(s.tokens),
		s.limiter.Middleware,
	}
	if s.telemetry != nil {
		mws = append([]func(http.Handler) http.Handler{TelemetryMiddleware(s.telemetry)}, mws...)
	}
	return Chain(mux, mws...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the POST /intent/submit body.
type submitRequest struct {
	Type           string         `json:"type"`
	TenantID       string         `json:"tenant_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	admission, err := s.intake.Submit(r.Context(), contracts.Intent{
		Type:           req.Type,
		TenantID:       req.TenantID,
		SessionID:      req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
		Parameters:     req.Parameters,
		Metadata:       req.Metadata,
	}, caller)
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}

	// Fresh admissions report "admitted"; replays report the prior
	// execution's current status.
	body := map[string]any{
		"execution_id": admission.ExecutionID,
		"intent_id":    admission.IntentID,
		"status":       "admitted",
		"replayed":     false,
	}
	status := http.StatusAccepted
	if admission.Replayed {
		status = http.StatusOK
		body["status"] = admission.Status
		body["replayed"] = true
	}
	WriteJSON(w, status, body)
}

// sessionCreateRequest is the POST /session/create body.
type sessionCreateRequest struct {
	UserID  string         `json:"user_id,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = caller.UserID
	}

	sess, err := s.sessions.Create(r.Context(), caller.TenantID, userID, req.Context)
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	sess, err := s.sessions.Get(r.Context(), caller.TenantID, r.PathValue("session_id"))
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	exec, err := s.coordinator.Status(r.Context(), caller.TenantID, r.PathValue("execution_id"))
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	executionID := r.PathValue("execution_id")
	if err := s.coordinator.Cancel(r.Context(), caller.TenantID, executionID); err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	exec, err := s.coordinator.Status(r.Context(), caller.TenantID, executionID)
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": exec.Status})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	events, err := s.log.Replay(r.Context(), caller.TenantID, r.PathValue("execution_id"))
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	if len(events) == 0 {
		WriteDomainError(w, r, s.logger, contracts.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := wal.WriteJSONL(w, events); err != nil {
		s.logger.Error("event export aborted", "error", err)
	}
}

// contractCreateRequest is the POST /contracts body.
type contractCreateRequest struct {
	ArtifactReference string `json:"artifact_reference"`
}

func (s *Server) handleContractCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	var req contractCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ArtifactReference == "" {
		WriteBadRequest(w, r, "Missing required field: artifact_reference")
		return
	}

	contract, err := s.contracts.CreatePending(r.Context(), caller.TenantID, req.ArtifactReference)
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleContractGet(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	contract, err := s.contracts.Get(r.Context(), caller.TenantID, r.PathValue("contract_id"))
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, contract)
}

// contractAuthorizeRequest is the POST /contracts/{id}/authorize body.
type contractAuthorizeRequest struct {
	Scope contracts.Scope `json:"scope"`
}

func (s *Server) handleContractAuthorize(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	var req contractAuthorizeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	contract, err := s.contracts.Authorize(r.Context(), caller.TenantID, r.PathValue("contract_id"), req.Scope)
	if err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, contract)
}

func (s *Server) handleContractRevoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerIdentity(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	contractID := r.PathValue("contract_id")
	if err := s.contracts.Revoke(r.Context(), caller.TenantID, contractID); err != nil {
		WriteDomainError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": string(contracts.ContractRevoked)})
}

// decodeBody reads a JSON body with a size cap. Returns false after
// writing the error response.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}
