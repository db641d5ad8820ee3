// Package api exposes the write pipeline over HTTP for UI callers.
//
//	POST /v1/intents        submit a write intent
//	GET  /v1/intents/{id}   journaled trace of an intent
//	GET  /health
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/roach88/ledgerwrite/internal/builder"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/journal"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/pipeline"
	"github.com/roach88/ledgerwrite/internal/signer"
)

// maxRequestBody caps an intent request (1 MiB).
const maxRequestBody = 1 << 20

// AuthFunc resolves the credentials for a request.
type AuthFunc func(r *http.Request) (*signer.AuthContext, error)

// Server serves the intent API.
type Server struct {
	pipeline *pipeline.Pipeline
	journal  *journal.Journal
	reader   ledger.Reader
	auth     AuthFunc
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithJournal enables GET /v1/intents/{id}.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithReader enables confirmation polling on request.
func WithReader(r ledger.Reader) Option {
	return func(s *Server) { s.reader = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server.
func New(p *pipeline.Pipeline, auth AuthFunc, opts ...Option) *Server {
	s := &Server{pipeline: p, auth: auth, logger: slog.Default().With("component", "api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BearerAuth returns an AuthFunc that copies base and, when the request
// carries "Authorization: Bearer <token>", uses it as the delegated token.
func BearerAuth(base signer.AuthContext) AuthFunc {
	return func(r *http.Request) (*signer.AuthContext, error) {
		ac := base
		ac.FallbackChain = append([]ir.ProviderID(nil), base.FallbackChain...)
		h := r.Header.Get("Authorization")
		if h == "" {
			return &ac, nil
		}
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return nil, errors.New("malformed Authorization header")
		}
		ac.Token = &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
		return &ac, nil
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/intents", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/{id}", s.trace)
	})
	return r
}

type pollRequest struct {
	Interval    string `json:"interval,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type submitRequest struct {
	Kind              string          `json:"kind"`
	Username          string          `json:"username"`
	Payload           json.RawMessage `json:"payload"`
	RequiredAuthority ir.Authority    `json:"required_authority,omitempty"`
	Nonce             string          `json:"nonce,omitempty"`
	InvalidationKeys  []string        `json:"invalidation_keys,omitempty"`
	Confirm           *pollRequest    `json:"confirm,omitempty"`
}

type submitResponse struct {
	IntentID   string            `json:"intent_id"`
	Operations ir.OperationSet   `json:"operations"`
	Result     ir.ProviderResult `json:"result"`
	Confirming bool              `json:"confirming,omitempty"`
}

type errorResponse struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	IntentID string             `json:"intent_id,omitempty"`
	Attempts []dispatch.Attempt `json:"attempts,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	var payload map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "payload: " + err.Error()})
			return
		}
	}

	ac, err := s.auth(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: string(ir.CodeCredentialInvalid), Message: err.Error()})
		return
	}
	switch ac.ActiveUsername {
	case "":
		ac.ActiveUsername = req.Username
	case req.Username:
	default:
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Code:    string(ir.CodeCredentialInvalid),
			Message: fmt.Sprintf("credentials are for %q, not %q", ac.ActiveUsername, req.Username),
		})
		return
	}

	intent := ir.WriteIntent{
		Kind:              req.Kind,
		Username:          req.Username,
		RequiredAuthority: req.RequiredAuthority,
	}
	if payload != nil {
		intent.Payload = payload
	}
	opts := pipeline.SubmitOptions{Nonce: req.Nonce, InvalidationKeys: req.InvalidationKeys}
	if req.Confirm != nil {
		spec, err := s.pollSpec(*req.Confirm)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: err.Error()})
			return
		}
		if s.reader != nil {
			opts.Poll = spec
		}
	}

	sub, err := s.pipeline.Submit(r.Context(), intent, ac, opts)
	if err != nil {
		s.writeSubmitError(w, sub, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		IntentID:   sub.IntentID,
		Operations: sub.Operations,
		Result:     sub.Result,
		Confirming: sub.Poll != nil,
	})
}

// pollSpec waits for a vote to show up, or for the transaction to be
// included for every other kind. Zero values take the pipeline defaults;
// negative ones are refused.
func (s *Server) pollSpec(req pollRequest) (*pipeline.PollSpec, error) {
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return nil, fmt.Errorf("confirm.interval: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("confirm.interval: must not be negative, got %s", d)
		}
		interval = d
	}
	if req.MaxAttempts < 0 {
		return nil, fmt.Errorf("confirm.max_attempts: must not be negative, got %d", req.MaxAttempts)
	}
	return pipeline.ConfirmWrite(s.reader, interval, req.MaxAttempts), nil
}

func (s *Server) writeSubmitError(w http.ResponseWriter, sub *pipeline.Submission, err error) {
	resp := errorResponse{Message: err.Error()}
	if sub != nil {
		resp.IntentID = sub.IntentID
	}
	status := http.StatusInternalServerError

	var be *builder.BuildError
	var np *dispatch.NoProviderError
	var af *dispatch.AllProvidersFailed
	switch {
	case errors.As(err, &be):
		status, resp.Code = http.StatusBadRequest, string(ir.CodeBuild)
	case errors.As(err, &np):
		status, resp.Code = http.StatusUnprocessableEntity, string(np.Code())
	case errors.As(err, &af):
		status, resp.Code = http.StatusBadGateway, string(af.Code())
		if last := af.Last(); last != nil {
			// The last provider's reason is what the user can act on.
			resp.Message = last.Message
			if last.Code == ir.CodeCredentialInvalid {
				status = http.StatusUnauthorized
			}
		}
		resp.Attempts = af.Attempts
	case errors.Is(err, pipeline.ErrDuplicateInFlight), errors.Is(err, pipeline.ErrAlreadySubmitted):
		status, resp.Code = http.StatusConflict, "DUPLICATE_INTENT"
	default:
		resp.Code = "INTERNAL"
		s.logger.Error("submit failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) trace(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "journal disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	tr, err := s.journal.Trace(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("trace failed", "intent_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
