package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

// StatsSource is the slice of the queue the selector reads. Refreshes only
// read, so they are safe to run concurrently with claims.
type StatsSource interface {
	Stats(ctx context.Context) (map[queue.Partition]queue.Stats, error)
}

// rebalanceThreshold is the load ratio above which an account's region is a
// candidate for reassignment.
const rebalanceThreshold = 0.8

// maxRegionErrorRate disqualifies a region from load-aware placement.
const maxRegionErrorRate = 0.05

// platformRegions is the static table of regions each platform is serviced
// from, in default preference order.
var platformRegions = map[domain.Platform][]string{
	domain.PlatformFacebook:  {"us-east-1", "eu-west-1", "ap-southeast-1"},
	domain.PlatformInstagram: {"us-east-1", "eu-west-1", "ap-southeast-1"},
	domain.PlatformTikTok:    {"ap-southeast-1", "us-east-1", "eu-west-1"},
	domain.PlatformYouTube:   {"us-east-1", "eu-west-1", "ap-southeast-1"},
}

var countryRegions = map[string]string{
	"US": "us-east-1", "CA": "us-east-1", "MX": "us-east-1", "BR": "us-east-1",
	"GB": "eu-west-1", "IE": "eu-west-1", "FR": "eu-west-1", "DE": "eu-west-1",
	"ES": "eu-west-1", "IT": "eu-west-1", "NL": "eu-west-1",
	"SG": "ap-southeast-1", "VN": "ap-southeast-1", "TH": "ap-southeast-1",
	"ID": "ap-southeast-1", "PH": "ap-southeast-1", "JP": "ap-southeast-1",
	"KR": "ap-southeast-1", "AU": "ap-southeast-1",
}

// timezoneRegions is the fallback when no country code is on file.
var timezoneRegions = []struct {
	prefix string
	region string
}{
	{"America/", "us-east-1"},
	{"Europe/", "eu-west-1"},
	{"Africa/", "eu-west-1"},
	{"Asia/", "ap-southeast-1"},
	{"Australia/", "ap-southeast-1"},
	{"Pacific/", "ap-southeast-1"},
}

// RegionOptions tunes one assignment decision.
type RegionOptions struct {
	ForceRegion      string   `json:"force_region,omitempty"`
	ConsiderLoad     bool     `json:"consider_load,omitempty"`
	PreferredRegions []string `json:"preferred_regions,omitempty"`
}

// RegionChange is one intended or applied reassignment.
type RegionChange struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
}

// regionStat aggregates worker health telemetry and queue depth per region.
type regionStat struct {
	QueueDepth        int
	Capacity          int
	AvgResponseMillis int64
	ErrorRate         float64
}

func (s regionStat) loadRatio() float64 {
	if s.Capacity <= 0 {
		if s.QueueDepth > 0 {
			return 1
		}
		return 0
	}
	return float64(s.QueueDepth) / float64(s.Capacity)
}

type regionMetrics struct {
	mu    sync.RWMutex
	stats map[string]regionStat
}

func newRegionMetrics() *regionMetrics {
	return &regionMetrics{stats: make(map[string]regionStat)}
}

func (m *regionMetrics) get(region string) (regionStat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[region]
	return s, ok
}

func (m *regionMetrics) replace(stats map[string]regionStat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
}

// RefreshMetrics recomputes per-region load and performance from queue
// statistics and worker health rows. It is idempotent and read-only over the
// queue, so it can run on a timer concurrently with claims.
func (s *Selector) RefreshMetrics(ctx context.Context) error {
	partitions, err := s.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	stats := make(map[string]regionStat)
	for part, ps := range partitions {
		st := stats[part.Region]
		st.QueueDepth += ps.Waiting + ps.Active
		stats[part.Region] = st
	}

	type acc struct {
		respSum  int64
		respN    int64
		done     int
		failed   int
		capacity int
	}
	byRegion := make(map[string]*acc)
	for _, w := range workers {
		a := byRegion[w.Region]
		if a == nil {
			a = &acc{}
			byRegion[w.Region] = a
		}
		if w.Online && w.Status == domain.WorkerActive {
			a.capacity += w.MaxConcurrentJobs
		}
		if w.AvgResponseMillis > 0 {
			a.respSum += w.AvgResponseMillis
			a.respN++
		}
		a.done += w.TotalJobsCompleted
		a.failed += w.TotalJobsFailed
	}
	for region, a := range byRegion {
		st := stats[region]
		st.Capacity = a.capacity
		if a.respN > 0 {
			st.AvgResponseMillis = a.respSum / a.respN
		}
		if total := a.done + a.failed; total > 0 {
			st.ErrorRate = float64(a.failed) / float64(total)
		}
		stats[region] = st
	}

	s.metrics.replace(stats)
	return nil
}

// geoRegion maps an account's geography onto a region, country code first,
// timezone prefix as fallback.
func geoRegion(account domain.SocialAccount) (string, string) {
	if account.CountryCode != "" {
		if region, ok := countryRegions[strings.ToUpper(account.CountryCode)]; ok {
			return region, "country:" + strings.ToUpper(account.CountryCode)
		}
	}
	if account.Timezone != "" {
		for _, tz := range timezoneRegions {
			if strings.HasPrefix(account.Timezone, tz.prefix) {
				return tz.region, "timezone:" + account.Timezone
			}
		}
	}
	return "", ""
}

// AssignOptimalRegion picks and persists the region servicing an account. An
// existing assignment is kept unless load-aware placement is requested.
func (s *Selector) AssignOptimalRegion(ctx context.Context, account domain.SocialAccount, opts RegionOptions) (domain.RegionAssignment, error) {
	candidates, ok := platformRegions[account.Platform]
	if !ok {
		return domain.RegionAssignment{}, fmt.Errorf("platform %q has no region table", account.Platform)
	}

	if opts.ForceRegion != "" {
		if !contains(candidates, opts.ForceRegion) {
			return domain.RegionAssignment{}, fmt.Errorf("region %q does not service %s", opts.ForceRegion, account.Platform)
		}
		return s.saveAssignment(ctx, account, opts.ForceRegion, "forced by operator")
	}

	if existing, err := s.store.GetAssignment(ctx, account.ID); err == nil && !opts.ConsiderLoad {
		return existing, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.RegionAssignment{}, err
	}

	if len(opts.PreferredRegions) > 0 {
		narrowed := intersect(candidates, opts.PreferredRegions)
		if len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	chosen := candidates[0]
	reason := "platform default"
	if region, geo := geoRegion(account); region != "" && contains(candidates, region) {
		chosen = region
		reason = "geography " + geo
	}

	if opts.ConsiderLoad {
		if best, ok := s.leastLoaded(candidates, chosen); ok {
			if best != chosen {
				reason = "load-aware placement"
			}
			chosen = best
		}
	}
	return s.saveAssignment(ctx, account, chosen, reason)
}

// leastLoaded picks the candidate with the lowest load ratio, skipping
// regions whose recent error rate disqualifies them. The current choice wins
// ties so assignments stay sticky.
func (s *Selector) leastLoaded(candidates []string, current string) (string, bool) {
	best := ""
	bestLoad := 0.0
	for _, region := range candidates {
		stat, ok := s.metrics.get(region)
		if !ok {
			stat = regionStat{}
		}
		if stat.ErrorRate > maxRegionErrorRate {
			continue
		}
		load := stat.loadRatio()
		switch {
		case best == "":
			best, bestLoad = region, load
		case load < bestLoad:
			best, bestLoad = region, load
		case load == bestLoad && region == current:
			best = region
		}
	}
	return best, best != ""
}

func (s *Selector) saveAssignment(ctx context.Context, account domain.SocialAccount, region, reason string) (domain.RegionAssignment, error) {
	assignment := domain.RegionAssignment{
		AccountID:      account.ID,
		Platform:       account.Platform,
		AssignedRegion: region,
		Reason:         reason,
		AssignedAt:     time.Now(),
	}
	if err := s.store.PutAssignment(ctx, assignment); err != nil {
		return domain.RegionAssignment{}, err
	}
	log.Info().
		Str("account_id", account.ID).
		Str("region", region).
		Str("reason", reason).
		Msg("region assigned")
	return assignment, nil
}

// RegionFor resolves the partition for an account's jobs, assigning one on
// first use. Unknown accounts fall back to the platform default so a missing
// account row never strands a post.
func (s *Selector) RegionFor(ctx context.Context, accountID string, platform domain.Platform) (string, error) {
	if assignment, err := s.store.GetAssignment(ctx, accountID); err == nil {
		return assignment.AssignedRegion, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		account = domain.SocialAccount{ID: accountID, Platform: platform}
	} else if err != nil {
		return "", err
	}

	assignment, err := s.AssignOptimalRegion(ctx, account, RegionOptions{})
	if err != nil {
		return "", err
	}
	return assignment.AssignedRegion, nil
}

// Rebalance sweeps accounts whose current region runs above the load
// threshold and reassigns each only when a strictly better region exists.
// Dry-run reports the intended changes without touching stored state; live
// mode applies the same list.
func (s *Selector) Rebalance(ctx context.Context, dryRun bool) ([]RegionChange, error) {
	if err := s.RefreshMetrics(ctx); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}

	var changes []RegionChange
	for _, assignment := range assignments {
		current, _ := s.metrics.get(assignment.AssignedRegion)
		if current.loadRatio() < rebalanceThreshold {
			continue
		}
		candidates := platformRegions[assignment.Platform]
		target := ""
		targetLoad := current.loadRatio()
		for _, region := range candidates {
			if region == assignment.AssignedRegion {
				continue
			}
			stat, _ := s.metrics.get(region)
			if stat.ErrorRate > maxRegionErrorRate {
				continue
			}
			if stat.loadRatio() < targetLoad {
				target, targetLoad = region, stat.loadRatio()
			}
		}
		if target == "" {
			continue
		}
		change := RegionChange{
			AccountID: assignment.AccountID,
			From:      assignment.AssignedRegion,
			To:        target,
			Reason:    fmt.Sprintf("region %s over %.0f%% load", assignment.AssignedRegion, rebalanceThreshold*100),
		}
		changes = append(changes, change)
		if !dryRun {
			assignment.AssignedRegion = target
			assignment.Reason = change.Reason
			assignment.AssignedAt = time.Now()
			if err := s.store.PutAssignment(ctx, assignment); err != nil {
				return changes, err
			}
		}
	}

	log.Info().Bool("dry_run", dryRun).Int("changes", len(changes)).Msg("rebalance sweep finished")
	return changes, nil
}

// SupportedRegions exposes the static platform→region table for the operator
// surface.
func SupportedRegions(platform domain.Platform) []string {
	return platformRegions[platform]
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
