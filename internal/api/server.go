package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"crosspost/internal/auth"
	"crosspost/internal/broker"
	"crosspost/internal/claim"
	"crosspost/internal/queue"
	"crosspost/internal/scheduler"
	"crosspost/internal/selector"
	"crosspost/internal/store"
)

// Config wires every coordination component into the HTTP surface.
type Config struct {
	Auth       *auth.Service
	Claims     *claim.Service
	Broker     *broker.Broker
	Selector   *selector.Selector
	Scheduler  *scheduler.Service
	Queue      queue.Queue
	Store      store.Store
	AdminToken string
	// PullRate limits each worker's pull endpoint; zero disables limiting.
	PullRate rate.Limit
}

type Server struct {
	r   *chi.Mux
	cfg Config

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, cfg: cfg, limiters: make(map[string]*rate.Limiter)}

	r.Get("/health", s.health)

	// Worker-facing surface. Registration is the only unauthenticated call.
	r.Post("/workers/auth", s.registerWorker)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireWorker(cfg.Auth))
		r.Get("/workers/jobs/pull", s.pullJobs)
		r.Get("/workers/credentials/{accountID}", s.credentials)
		r.Post("/workers/jobs/{jobID}/complete", s.completeJob)
		r.Post("/workers/jobs/{jobID}/fail", s.failJob)
		r.Get("/workers/status", s.workerStatus)
	})

	// Operator-facing management surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/admin/workers", s.listWorkers)
		r.Get("/admin/workers/{workerID}", s.getWorker)
		r.Post("/admin/workers/{workerID}/health", s.workerHealth)
		r.Post("/admin/workers/{workerID}/status", s.setWorkerStatus)
		r.Post("/admin/select-worker", s.selectWorker)
		r.Post("/admin/rebalance", s.rebalance)
		r.Get("/admin/overview", s.overview)
		r.Get("/admin/platforms", s.platforms)
		r.Post("/admin/posts", s.createPost)
		r.Get("/admin/posts", s.listPosts)
		r.Get("/admin/posts/{postID}", s.getPost)
		r.Post("/admin/posts/{postID}/trigger", s.triggerPost)
		r.Post("/admin/accounts", s.putAccount)
		r.Post("/admin/credentials", s.putCredential)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterFor hands back the per-worker pull limiter, creating it on first
// use.
func (s *Server) limiterFor(workerID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[workerID]
	if !ok {
		l = rate.NewLimiter(s.cfg.PullRate, int(s.cfg.PullRate)+1)
		s.limiters[workerID] = l
	}
	return l
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeClaimError maps the claim taxonomy onto status codes: unknown jobs
// are 404, every authorization mismatch is its own 403.
func writeClaimError(w http.ResponseWriter, err error) {
	var cerr *claim.Error
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case claim.KindNotFound:
			writeError(w, http.StatusNotFound, cerr.Msg)
		case claim.KindPlatformForbidden, claim.KindNotOwner, claim.KindScopeMismatch, claim.KindLeaseLost, claim.KindWorkerInactive:
			writeError(w, http.StatusForbidden, cerr.Msg)
		default:
			writeError(w, http.StatusInternalServerError, cerr.Msg)
		}
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
