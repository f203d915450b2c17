package selector

import (
	"context"
	"fmt"
	"sort"

	"crosspost/internal/domain"
	"crosspost/internal/store"
)

// WorkerRequest narrows the candidate pool for one assignment decision.
type WorkerRequest struct {
	Platform             domain.Platform     `json:"platform"`
	JobType              domain.Capability   `json:"job_type,omitempty"`
	Priority             int                 `json:"priority,omitempty"`
	Region               string              `json:"region,omitempty"`
	RequiredCapabilities []domain.Capability `json:"required_capabilities,omitempty"`
	Exclude              []string            `json:"exclude,omitempty"`
	Prefer               string              `json:"prefer,omitempty"`
}

// NoWorkerError explains exactly why no worker qualified, so operators can
// tell "all busy" apart from "nobody speaks tiktok".
type NoWorkerError struct {
	Reason string `json:"reason"`
}

func (e *NoWorkerError) Error() string { return "no suitable worker: " + e.Reason }

// SelectOptimalWorker filters online, active, capability-matching workers and
// ranks them by load ratio (ascending), success rate (descending), then
// average response time (ascending). The preferred worker wins exact ties.
func (s *Selector) SelectOptimalWorker(ctx context.Context, req WorkerRequest) (domain.Worker, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return domain.Worker{}, err
	}
	if len(workers) == 0 {
		return domain.Worker{}, &NoWorkerError{Reason: "no workers registered"}
	}

	required := req.RequiredCapabilities
	if req.JobType != "" {
		required = append(append([]domain.Capability{}, required...), req.JobType)
	}
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var candidates []domain.Worker
	var lastMiss string
	for _, w := range workers {
		switch {
		case excluded[w.ID]:
			continue
		case !w.Online:
			lastMiss = fmt.Sprintf("worker %s is offline", w.ID)
			continue
		case w.Status != domain.WorkerActive:
			lastMiss = fmt.Sprintf("worker %s is %s", w.ID, w.Status)
			continue
		case !w.HasPlatform(req.Platform):
			lastMiss = fmt.Sprintf("worker %s does not serve %s", w.ID, req.Platform)
			continue
		case req.Region != "" && w.Region != req.Region:
			lastMiss = fmt.Sprintf("worker %s is outside region %s", w.ID, req.Region)
			continue
		case w.CurrentLoad >= w.MaxConcurrentJobs:
			lastMiss = fmt.Sprintf("worker %s is at capacity", w.ID)
			continue
		}
		qualified := true
		for _, needed := range required {
			if !w.HasCapability(needed) {
				lastMiss = fmt.Sprintf("worker %s lacks capability %s", w.ID, needed)
				qualified = false
				break
			}
		}
		if qualified {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		if lastMiss == "" {
			lastMiss = "every worker was excluded"
		}
		return domain.Worker{}, &NoWorkerError{Reason: lastMiss}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.AvgResponseMillis != b.AvgResponseMillis {
			return a.AvgResponseMillis < b.AvgResponseMillis
		}
		if req.Prefer != "" {
			return a.ID == req.Prefer
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// Selector scores workers and regions for assignment and rebalancing.
type Selector struct {
	store store.Store
	queue StatsSource

	metrics *regionMetrics
}

func New(st store.Store, q StatsSource) *Selector {
	return &Selector{store: st, queue: q, metrics: newRegionMetrics()}
}
