package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"crosspost/internal/domain"
	"crosspost/internal/scheduler"
	"crosspost/internal/selector"
	"crosspost/internal/store"
)

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.cfg.Store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.cfg.Store.GetWorker(r.Context(), chi.URLParam(r, "workerID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type healthReport struct {
	Online            bool  `json:"online"`
	CurrentLoad       int   `json:"currentLoad"`
	AvgResponseMillis int64 `json:"avgResponseMs"`
}

func (s *Server) workerHealth(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	var report healthReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.cfg.Store.RecordHealth(r.Context(), workerID, report.Online, report.CurrentLoad, report.AvgResponseMillis, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) setWorkerStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	var req struct {
		Status domain.WorkerStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case domain.WorkerActive, domain.WorkerDisabled, domain.WorkerDraining:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(req.Status))
		return
	}
	err := s.cfg.Store.SetWorkerStatus(r.Context(), workerID, req.Status)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("worker_id", workerID).Str("status", string(req.Status)).Msg("worker status changed")
	writeJSON(w, http.StatusOK, map[string]string{"workerId": workerID, "status": string(req.Status)})
}

func (s *Server) selectWorker(w http.ResponseWriter, r *http.Request) {
	var req selector.WorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "unknown platform "+string(req.Platform))
		return
	}
	worker, err := s.cfg.Selector.SelectOptimalWorker(r.Context(), req)
	var miss *selector.NoWorkerError
	if errors.As(err, &miss) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": miss.Reason})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	changes, err := s.cfg.Selector.Rebalance(r.Context(), dryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []selector.RegionChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dryRun": dryRun, "changes": changes, "count": len(changes)})
}

type partitionStats struct {
	Platform  domain.Platform `json:"platform"`
	Region    string          `json:"region"`
	Waiting   int             `json:"waiting"`
	Active    int             `json:"active"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	partitions := make([]partitionStats, 0, len(stats))
	for part, st := range stats {
		partitions = append(partitions, partitionStats{
			Platform:  part.Platform,
			Region:    part.Region,
			Waiting:   st.Waiting,
			Active:    st.Active,
			Completed: st.Completed,
			Failed:    st.Failed,
		})
	}

	workers, err := s.cfg.Store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var online, busy int
	for _, worker := range workers {
		if worker.Online {
			online++
		}
		if worker.CurrentLoad > 0 {
			busy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue": partitions,
		"workers": map[string]int{
			"registered": len(workers),
			"online":     online,
			"busy":       busy,
		},
	})
}

func (s *Server) platforms(w http.ResponseWriter, r *http.Request) {
	out := make(map[domain.Platform]map[string]any, len(domain.Platforms))
	for _, p := range domain.Platforms {
		out[p] = map[string]any{
			"capabilities": domain.PlatformCapabilities[p],
			"regions":      selector.SupportedRegions(p),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createPostRequest struct {
	Platform        domain.Platform `json:"platform"`
	SocialAccountID string          `json:"socialAccountId"`
	PageID          string          `json:"pageId,omitempty"`
	Content         string          `json:"content"`
	MediaURLs       []string        `json:"mediaUrls,omitempty"`
	ScheduledTime   time.Time       `json:"scheduledTime"`
	MaxRetries      int             `json:"maxRetries,omitempty"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "unknown platform "+string(req.Platform))
		return
	}
	if req.SocialAccountID == "" || req.Content == "" || req.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "socialAccountId, content and scheduledTime are required")
		return
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = 3
	}

	id, err := s.cfg.Store.CreatePost(r.Context(), domain.ScheduledPost{
		Platform:        req.Platform,
		SocialAccountID: req.SocialAccountID,
		PageID:          req.PageID,
		Content:         req.Content,
		MediaURLs:       req.MediaURLs,
		ScheduledTime:   req.ScheduledTime,
		Status:          domain.PostScheduled,
		MaxRetries:      req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.PostScheduled)})
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	status := domain.PostStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.PostScheduled
	}
	switch status {
	case domain.PostDraft, domain.PostScheduled, domain.PostPosting, domain.PostPosted, domain.PostFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	posts, err := s.cfg.Store.ListPosts(r.Context(), status, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if posts == nil {
		posts = []domain.ScheduledPost{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts, "count": len(posts)})
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.cfg.Store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) triggerPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	err := s.cfg.Scheduler.Trigger(r.Context(), postID, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, scheduler.ErrNotTriggerable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": postID, "status": "triggered"})
	}
}

type putAccountRequest struct {
	domain.SocialAccount
	Assignment *selector.RegionOptions `json:"assignment,omitempty"`
}

func (s *Server) putAccount(w http.ResponseWriter, r *http.Request) {
	var req putAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" || !req.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "id and a known platform are required")
		return
	}
	if err := s.cfg.Store.PutAccount(r.Context(), req.SocialAccount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := selector.RegionOptions{}
	if req.Assignment != nil {
		opts = *req.Assignment
	}
	assignment, err := s.cfg.Selector.AssignOptimalRegion(r.Context(), req.SocialAccount, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	var cred domain.Credential
	if err := decodeJSON(r, &cred); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cred.AccountID == "" || !cred.Platform.Valid() || cred.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "accountId, platform and accessToken are required")
		return
	}
	if err := s.cfg.Store.PutCredential(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The token itself stays out of the response and the logs.
	writeJSON(w, http.StatusOK, map[string]string{
		"accountId": cred.AccountID,
		"platform":  string(cred.Platform),
		"pageId":    cred.PageID,
	})
}
