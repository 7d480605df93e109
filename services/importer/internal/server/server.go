package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chatvault/internal/servicetoken"
	"chatvault/internal/util"
	"chatvault/services/importer/internal/app"
)

// Audience is the token audience the importer accepts.
const Audience = "importer"

// Limiter gates job submission per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App               *app.App
	InternalJWTSecret string
	InternalJWTKeyID  string
	AllowedIssuers    []string
	// EnqueueLimiter is optional; nil accepts every submission.
	EnqueueLimiter Limiter
}

// Server exposes HTTP endpoints for the importer service.
type Server struct {
	app          *app.App
	internalAuth *servicetoken.Verifier
	limiter      Limiter
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:     cfg.App,
		limiter: cfg.EnqueueLimiter,
		mux:     http.NewServeMux(),
	}
	issuers := cfg.AllowedIssuers
	if len(issuers) == 0 {
		issuers = []string{"chatvault-cli", "gateway"}
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		Secret:         cfg.InternalJWTSecret,
		DefaultKeyID:   cfg.InternalJWTKeyID,
		Audience:       Audience,
		AllowedIssuers: issuers,
		Leeway:         servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, err
	}
	s.internalAuth = verifier
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("importer", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/imports/jobs", s.withInternal(s.handleJobs))
	s.mux.Handle("/imports/jobs/", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalAuth == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalAuth.Verify(token); err != nil {
			util.LoggerFromContext(r.Context()).Warn("internal_auth_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.EnqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "enqueue:"+strings.TrimSpace(req.OwnerID))
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("enqueue_rate_limit_failed", "err", err)
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many imports, try again later")
			return
		}
	}
	job, err := s.app.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleJobByID serves /imports/jobs/{id} and /imports/jobs/{id}/cancel.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/imports/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		job, ok, err := s.app.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "job lookup failed")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		job, err := s.app.Cancel(r.Context(), id)
		if errors.Is(err, app.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cancel failed")
			return
		}
		status := http.StatusAccepted
		if job.State.Terminal() {
			status = http.StatusConflict
		}
		writeJSON(w, status, job)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
