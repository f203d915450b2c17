package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

func newSelector(t *testing.T) (*Selector, *store.Memory, *queue.Memory) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	return New(st, q), st, q
}

func addWorker(t *testing.T, st *store.Memory, w domain.Worker) {
	t.Helper()
	if w.Status == "" {
		w.Status = domain.WorkerActive
	}
	require.NoError(t, st.UpsertWorker(context.Background(), w))
	if w.Status != domain.WorkerActive {
		require.NoError(t, st.SetWorkerStatus(context.Background(), w.ID, w.Status))
	}
	if !w.Online || w.CurrentLoad > 0 || w.AvgResponseMillis > 0 {
		require.NoError(t, st.RecordHealth(context.Background(), w.ID, w.Online, w.CurrentLoad, w.AvgResponseMillis, time.Now()))
	}
}

func TestSelectOptimalWorkerFilters(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	addWorker(t, st, domain.Worker{
		ID: "offline", Region: "us-east-1", Online: false,
		Platforms: []domain.Platform{domain.PlatformFacebook}, Capabilities: []domain.Capability{domain.CapPostText},
	})
	addWorker(t, st, domain.Worker{
		ID: "wrong-platform", Region: "us-east-1", Online: true,
		Platforms: []domain.Platform{domain.PlatformTikTok}, Capabilities: []domain.Capability{domain.CapPostVideo},
	})
	addWorker(t, st, domain.Worker{
		ID: "no-video", Region: "us-east-1", Online: true,
		Platforms: []domain.Platform{domain.PlatformFacebook}, Capabilities: []domain.Capability{domain.CapPostText},
	})
	addWorker(t, st, domain.Worker{
		ID: "fits", Region: "us-east-1", Online: true,
		Platforms:    []domain.Platform{domain.PlatformFacebook},
		Capabilities: []domain.Capability{domain.CapPostText, domain.CapPostVideo},
	})

	got, err := sel.SelectOptimalWorker(ctx, WorkerRequest{
		Platform:             domain.PlatformFacebook,
		RequiredCapabilities: []domain.Capability{domain.CapPostVideo},
	})
	require.NoError(t, err)
	assert.Equal(t, "fits", got.ID)
}

func TestSelectOptimalWorkerScoring(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	// Same capabilities; ranking should follow load, then success rate,
	// then response time.
	addWorker(t, st, domain.Worker{
		ID: "busy", Region: "us-east-1", Online: true, MaxConcurrentJobs: 4, CurrentLoad: 3,
		Platforms: []domain.Platform{domain.PlatformFacebook},
	})
	addWorker(t, st, domain.Worker{
		ID: "idle-slow", Region: "us-east-1", Online: true, MaxConcurrentJobs: 4, AvgResponseMillis: 5000,
		Platforms: []domain.Platform{domain.PlatformFacebook},
	})
	addWorker(t, st, domain.Worker{
		ID: "idle-fast", Region: "us-east-1", Online: true, MaxConcurrentJobs: 4, AvgResponseMillis: 200,
		Platforms: []domain.Platform{domain.PlatformFacebook},
	})

	got, err := sel.SelectOptimalWorker(ctx, WorkerRequest{Platform: domain.PlatformFacebook})
	require.NoError(t, err)
	assert.Equal(t, "idle-fast", got.ID)
}

func TestSelectOptimalWorkerExcludeAndPrefer(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	addWorker(t, st, domain.Worker{
		ID: "a", Region: "us-east-1", Online: true, MaxConcurrentJobs: 4,
		Platforms: []domain.Platform{domain.PlatformFacebook},
	})
	addWorker(t, st, domain.Worker{
		ID: "b", Region: "us-east-1", Online: true, MaxConcurrentJobs: 4,
		Platforms: []domain.Platform{domain.PlatformFacebook},
	})

	got, err := sel.SelectOptimalWorker(ctx, WorkerRequest{
		Platform: domain.PlatformFacebook, Exclude: []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	got, err = sel.SelectOptimalWorker(ctx, WorkerRequest{
		Platform: domain.PlatformFacebook, Prefer: "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestSelectOptimalWorkerStructuredMiss(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	addWorker(t, st, domain.Worker{
		ID: "tiktok-only", Region: "us-east-1", Online: true,
		Platforms: []domain.Platform{domain.PlatformTikTok},
	})

	_, err := sel.SelectOptimalWorker(ctx, WorkerRequest{Platform: domain.PlatformFacebook})
	var miss *NoWorkerError
	require.ErrorAs(t, err, &miss)
	assert.Contains(t, miss.Reason, "tiktok-only")
}

func TestAssignOptimalRegionGeography(t *testing.T) {
	t.Parallel()
	sel, _, _ := newSelector(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		account domain.SocialAccount
		want    string
	}{
		{
			name:    "country code wins",
			account: domain.SocialAccount{ID: "acc-de", Platform: domain.PlatformFacebook, CountryCode: "DE"},
			want:    "eu-west-1",
		},
		{
			name:    "timezone fallback",
			account: domain.SocialAccount{ID: "acc-tz", Platform: domain.PlatformFacebook, Timezone: "Asia/Bangkok"},
			want:    "ap-southeast-1",
		},
		{
			name:    "platform default when no geography",
			account: domain.SocialAccount{ID: "acc-bare", Platform: domain.PlatformFacebook},
			want:    "us-east-1",
		},
		{
			name:    "tiktok default leans asia",
			account: domain.SocialAccount{ID: "acc-tt", Platform: domain.PlatformTikTok},
			want:    "ap-southeast-1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := sel.AssignOptimalRegion(ctx, tt.account, RegionOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AssignedRegion)
		})
	}
}

func TestAssignOptimalRegionKeepsExisting(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	require.NoError(t, st.PutAssignment(ctx, domain.RegionAssignment{
		AccountID: "acc-1", Platform: domain.PlatformFacebook,
		AssignedRegion: "eu-west-1", Reason: "forced by operator", AssignedAt: time.Now(),
	}))

	got, err := sel.AssignOptimalRegion(ctx, domain.SocialAccount{
		ID: "acc-1", Platform: domain.PlatformFacebook, CountryCode: "US",
	}, RegionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got.AssignedRegion, "existing assignment is sticky without load-aware placement")
}

func TestAssignOptimalRegionForceValidates(t *testing.T) {
	t.Parallel()
	sel, _, _ := newSelector(t)

	_, err := sel.AssignOptimalRegion(context.Background(), domain.SocialAccount{
		ID: "acc-1", Platform: domain.PlatformFacebook,
	}, RegionOptions{ForceRegion: "mars-central-1"})
	assert.Error(t, err)
}

func TestRegionForAssignsOnFirstUse(t *testing.T) {
	t.Parallel()
	sel, st, _ := newSelector(t)
	ctx := context.Background()

	require.NoError(t, st.PutAccount(ctx, domain.SocialAccount{
		ID: "acc-1", Platform: domain.PlatformFacebook, CountryCode: "GB",
	}))

	region, err := sel.RegionFor(ctx, "acc-1", domain.PlatformFacebook)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", region)

	// The assignment stuck.
	assignment, err := st.GetAssignment(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", assignment.AssignedRegion)
}

func seedLoadedRegion(t *testing.T, st *store.Memory, q *queue.Memory, region string, depth, capacity int) {
	t.Helper()
	ctx := context.Background()
	if capacity > 0 {
		addWorker(t, st, domain.Worker{
			ID: "wrk-" + region, Region: region, Online: true, MaxConcurrentJobs: capacity,
			Platforms: []domain.Platform{domain.PlatformFacebook},
		})
	}
	for i := 0; i < depth; i++ {
		_, err := q.Enqueue(ctx, queue.Job{
			Platform: domain.PlatformFacebook, Region: region,
			Payload: domain.JobPayload{Kind: domain.KindPublishPost, Publish: &domain.PublishJob{
				ScheduledPostID: "pst-x", AccountID: "acc-x", Platform: domain.PlatformFacebook,
			}},
		})
		require.NoError(t, err)
	}
}

func TestRebalanceDryRunDoesNotMutate(t *testing.T) {
	t.Parallel()
	sel, st, q := newSelector(t)
	ctx := context.Background()

	// us-east-1 saturated, eu-west-1 idle.
	seedLoadedRegion(t, st, q, "us-east-1", 9, 10)
	seedLoadedRegion(t, st, q, "eu-west-1", 0, 10)
	require.NoError(t, st.PutAssignment(ctx, domain.RegionAssignment{
		AccountID: "acc-1", Platform: domain.PlatformFacebook,
		AssignedRegion: "us-east-1", Reason: "geography country:US", AssignedAt: time.Now(),
	}))

	changes, err := sel.Rebalance(ctx, true)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "acc-1", changes[0].AccountID)
	assert.Equal(t, "us-east-1", changes[0].From)
	assert.Equal(t, "eu-west-1", changes[0].To)

	assignment, err := st.GetAssignment(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", assignment.AssignedRegion, "dry run must not mutate stored regions")

	// Live mode with the same inputs applies the same change.
	applied, err := sel.Rebalance(ctx, false)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, changes[0], applied[0])

	assignment, err = st.GetAssignment(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", assignment.AssignedRegion)
}

func TestRebalanceKeepsUnderloadedRegions(t *testing.T) {
	t.Parallel()
	sel, st, q := newSelector(t)
	ctx := context.Background()

	seedLoadedRegion(t, st, q, "us-east-1", 2, 10)
	seedLoadedRegion(t, st, q, "eu-west-1", 0, 10)
	require.NoError(t, st.PutAssignment(ctx, domain.RegionAssignment{
		AccountID: "acc-1", Platform: domain.PlatformFacebook,
		AssignedRegion: "us-east-1", Reason: "geography country:US", AssignedAt: time.Now(),
	}))

	changes, err := sel.Rebalance(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, changes)
}
