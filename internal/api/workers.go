package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"crosspost/internal/auth"
	"crosspost/internal/broker"
	"crosspost/internal/claim"
	"crosspost/internal/domain"
	"crosspost/internal/store"
)

type registerRequest struct {
	WorkerID           string              `json:"workerId"`
	Region             string              `json:"region"`
	Platforms          []domain.Platform   `json:"platforms"`
	Capabilities       []domain.Capability `json:"capabilities"`
	MaxConcurrentJobs  int                 `json:"maxConcurrentJobs"`
	RegistrationSecret string              `json:"registrationSecret"`
}

type registerResponse struct {
	WorkerID  string        `json:"workerId"`
	Token     string        `json:"token"`
	ExpiresIn int           `json:"expiresIn"`
	Worker    domain.Worker `json:"worker"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Auth.CheckRegistrationSecret(req.RegistrationSecret); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid registration secret")
		return
	}
	if req.WorkerID == "" || req.Region == "" || len(req.Platforms) == 0 {
		writeError(w, http.StatusBadRequest, "workerId, region and platforms are required")
		return
	}
	for _, p := range req.Platforms {
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "unknown platform "+string(p))
			return
		}
	}
	if req.MaxConcurrentJobs <= 0 {
		req.MaxConcurrentJobs = 5
	}

	now := time.Now()
	worker := domain.Worker{
		ID:                req.WorkerID,
		Region:            req.Region,
		Platforms:         req.Platforms,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		Online:            true,
		Status:            domain.WorkerActive,
		LastPingAt:        now,
		RegisteredAt:      now,
	}
	if err := s.cfg.Store.UpsertWorker(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, expiresIn, err := s.cfg.Auth.Issue(req.WorkerID, req.Region, req.Platforms, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("worker_id", req.WorkerID).
		Str("region", req.Region).
		Int("platforms", len(req.Platforms)).
		Msg("worker registered")
	writeJSON(w, http.StatusOK, registerResponse{
		WorkerID:  req.WorkerID,
		Token:     token,
		ExpiresIn: expiresIn,
		Worker:    worker,
	})
}

func (s *Server) pullJobs(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFrom(r.Context())
	if s.cfg.PullRate > 0 && !s.limiterFor(scope.WorkerID).Allow() {
		writeError(w, http.StatusTooManyRequests, "pull rate exceeded")
		return
	}

	platform := domain.Platform(r.URL.Query().Get("platform"))
	limit := queryInt(r, "limit", claim.MaxPullLimit)
	jobs, err := s.cfg.Claims.PullJobs(r.Context(), scope, platform, limit)
	if err != nil {
		writeClaimError(w, err)
		return
	}
	if jobs == nil {
		jobs = []claim.PulledJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) credentials(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFrom(r.Context())
	accountID := chi.URLParam(r, "accountID")
	jobID := r.URL.Query().Get("jobId")
	pageID := r.URL.Query().Get("pageId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	cred, err := s.cfg.Broker.Credentials(r.Context(), scope, accountID, jobID, pageID)
	switch {
	case errors.Is(err, broker.ErrDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, broker.ErrNoCredential):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"credentials": cred, "jobId": jobID})
	}
}

type completeRequest struct {
	LockToken      string         `json:"lockToken"`
	PlatformPostID string         `json:"platformPostId"`
	PlatformURL    string         `json:"platformUrl"`
	Analytics      map[string]any `json:"analytics,omitempty"`
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LockToken == "" {
		writeError(w, http.StatusBadRequest, "lockToken is required")
		return
	}

	result := claim.CompleteResult{
		PlatformPostID: req.PlatformPostID,
		PlatformURL:    req.PlatformURL,
		Analytics:      req.Analytics,
	}
	if err := s.cfg.Claims.CompleteJob(r.Context(), scope, jobID, req.LockToken, result); err != nil {
		writeClaimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "jobId": jobID})
}

type failRequest struct {
	LockToken         string `json:"lockToken"`
	Error             string `json:"error"`
	ShouldRetry       bool   `json:"shouldRetry"`
	RetryDelaySeconds int    `json:"retryDelaySeconds,omitempty"`
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LockToken == "" {
		writeError(w, http.StatusBadRequest, "lockToken is required")
		return
	}

	delay := time.Duration(req.RetryDelaySeconds) * time.Second
	if err := s.cfg.Claims.FailJob(r.Context(), scope, jobID, req.LockToken, req.Error, req.ShouldRetry, delay); err != nil {
		writeClaimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "jobId": jobID})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFrom(r.Context())
	worker, err := s.cfg.Store.GetWorker(r.Context(), scope.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker is no longer registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := s.cfg.Store.ActiveJobsByWorker(r.Context(), scope.WorkerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Queue statistics narrowed to the caller's own partitions.
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queues := make([]partitionStats, 0)
	for part, st := range stats {
		if part.Region != scope.Region || !scope.AllowsPlatform(part.Platform) {
			continue
		}
		queues = append(queues, partitionStats{
			Platform:  part.Platform,
			Region:    part.Region,
			Waiting:   st.Waiting,
			Active:    st.Active,
			Completed: st.Completed,
			Failed:    st.Failed,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"worker":     worker,
		"activeJobs": len(active),
		"jobs":       active,
		"queues":     queues,
	})
}
