package domain

import (
	"encoding/json"
	"fmt"
)

type JobKind string

const (
	// KindPublishPost publishes one scheduled post to its platform.
	KindPublishPost JobKind = "publish_post"
)

// JobPayload is the tagged union carried by every queue job. Exactly one
// branch must be set, matching Kind; Validate runs at the queue boundary so
// malformed payloads never become leasable work.
type JobPayload struct {
	Kind    JobKind     `json:"kind"`
	Publish *PublishJob `json:"publish,omitempty"`
}

// PublishJob is the payload for KindPublishPost.
type PublishJob struct {
	ScheduledPostID string   `json:"scheduled_post_id"`
	AccountID       string   `json:"account_id"`
	PageID          string   `json:"page_id,omitempty"`
	Platform        Platform `json:"platform"`
	Content         string   `json:"content"`
	MediaURLs       []string `json:"media_urls,omitempty"`
}

func (p JobPayload) Validate() error {
	switch p.Kind {
	case KindPublishPost:
		if p.Publish == nil {
			return fmt.Errorf("payload kind %q missing publish body", p.Kind)
		}
		if p.Publish.ScheduledPostID == "" {
			return fmt.Errorf("publish payload missing scheduled_post_id")
		}
		if p.Publish.AccountID == "" {
			return fmt.Errorf("publish payload missing account_id")
		}
		if !p.Publish.Platform.Valid() {
			return fmt.Errorf("publish payload has unknown platform %q", p.Publish.Platform)
		}
		return nil
	default:
		return fmt.Errorf("unknown job payload kind %q", p.Kind)
	}
}

func (p JobPayload) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func UnmarshalJobPayload(raw []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}
