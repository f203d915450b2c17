package domain

import "time"

type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// Platforms lists every platform the coordinator can route jobs for.
var Platforms = []Platform{PlatformFacebook, PlatformInstagram, PlatformTikTok, PlatformYouTube}

func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

type Capability string

const (
	CapPostText  Capability = "post_text"
	CapPostImage Capability = "post_image"
	CapPostVideo Capability = "post_video"
	CapPostStory Capability = "post_story"
)

// PlatformCapabilities maps each platform to the actions workers may declare for it.
var PlatformCapabilities = map[Platform][]Capability{
	PlatformFacebook:  {CapPostText, CapPostImage, CapPostVideo, CapPostStory},
	PlatformInstagram: {CapPostImage, CapPostVideo, CapPostStory},
	PlatformTikTok:    {CapPostVideo},
	PlatformYouTube:   {CapPostVideo},
}

type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerDisabled WorkerStatus = "disabled"
	WorkerDraining WorkerStatus = "draining"
)

// Worker is one registered publishing process. Workers are never hard-deleted;
// operators flip Status instead so historical jobs keep a valid reference.
type Worker struct {
	ID                 string       `json:"id"`
	Region             string       `json:"region"`
	Platforms          []Platform   `json:"platforms"`
	Capabilities       []Capability `json:"capabilities"`
	MaxConcurrentJobs  int          `json:"max_concurrent_jobs"`
	CurrentLoad        int          `json:"current_load"`
	Online             bool         `json:"online"`
	Status             WorkerStatus `json:"status"`
	LastPingAt         time.Time    `json:"last_ping_at"`
	TotalJobsCompleted int          `json:"total_jobs_completed"`
	TotalJobsFailed    int          `json:"total_jobs_failed"`
	SuccessRate        float64      `json:"success_rate"`
	AvgResponseMillis  int64        `json:"avg_response_ms"`
	RegisteredAt       time.Time    `json:"registered_at"`
}

func (w Worker) HasPlatform(p Platform) bool {
	for _, own := range w.Platforms {
		if own == p {
			return true
		}
	}
	return false
}

func (w Worker) HasCapability(c Capability) bool {
	for _, own := range w.Capabilities {
		if own == c {
			return true
		}
	}
	return false
}

// LoadRatio is the fraction of declared capacity currently in use.
func (w Worker) LoadRatio() float64 {
	if w.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(w.CurrentLoad) / float64(w.MaxConcurrentJobs)
}

type JobStatus string

const (
	JobAssigned  JobStatus = "assigned"
	JobStarted   JobStatus = "started"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// WorkerJob binds one queued job to one worker for the lifetime of a lease.
// At most one WorkerJob in an active state (assigned/started) may exist per
// queue job; the lease token fences out writes from stale claimants.
type WorkerJob struct {
	JobID           string    `json:"job_id"`
	WorkerID        string    `json:"worker_id"`
	Platform        Platform  `json:"platform"`
	Region          string    `json:"region"`
	ScheduledPostID string    `json:"scheduled_post_id"`
	AccountID       string    `json:"account_id"`
	Status          JobStatus `json:"status"`
	AssignedAt      time.Time `json:"assigned_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	LeaseToken      string    `json:"-"`
}

func (j WorkerJob) Active() bool {
	return j.Status == JobAssigned || j.Status == JobStarted
}

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostPosting   PostStatus = "posting"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
)

// ScheduledPost is the unit of publishing work owned by the scheduler.
type ScheduledPost struct {
	ID              string     `json:"id"`
	Platform        Platform   `json:"platform"`
	SocialAccountID string     `json:"social_account_id"`
	PageID          string     `json:"page_id,omitempty"`
	Content         string     `json:"content"`
	MediaURLs       []string   `json:"media_urls,omitempty"`
	ScheduledTime   time.Time  `json:"scheduled_time"`
	Status          PostStatus `json:"status"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	LastRetryAt     *time.Time `json:"last_retry_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	PlatformPostID  string     `json:"platform_post_id,omitempty"`
	PlatformURL     string     `json:"platform_url,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SocialAccount carries the geographic hints region assignment runs on.
type SocialAccount struct {
	ID          string   `json:"id"`
	Platform    Platform `json:"platform"`
	Name        string   `json:"name"`
	CountryCode string   `json:"country_code,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
}

// RegionAssignment records which region services an account. It is derived
// state: recomputing an assignment is always safe.
type RegionAssignment struct {
	AccountID      string    `json:"account_id"`
	Platform       Platform  `json:"platform"`
	AssignedRegion string    `json:"assigned_region"`
	Reason         string    `json:"reason"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// Credential is one platform secret scoped to an account or a single page.
// The broker only ever releases one of these at a time.
type Credential struct {
	AccountID   string   `json:"account_id"`
	Platform    Platform `json:"platform"`
	PageID      string   `json:"page_id,omitempty"`
	AccessToken string   `json:"access_token"`
}
