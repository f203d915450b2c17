package publish

import (
	"context"

	"crosspost/internal/domain"
)

// Result carries the identifiers a platform returns for a published post.
type Result struct {
	PlatformPostID string `json:"platform_post_id"`
	PlatformURL    string `json:"platform_url"`
}

// Publisher performs the actual platform posting call. It is an external
// collaborator to the coordination layer: real deployments post through the
// worker fleet, development mode posts in-process.
type Publisher interface {
	Publish(ctx context.Context, job domain.PublishJob, cred domain.Credential) (Result, error)
}

// Func adapts a function to the Publisher interface.
type Func func(ctx context.Context, job domain.PublishJob, cred domain.Credential) (Result, error)

func (f Func) Publish(ctx context.Context, job domain.PublishJob, cred domain.Credential) (Result, error) {
	return f(ctx, job, cred)
}
