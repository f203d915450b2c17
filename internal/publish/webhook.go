package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crosspost/internal/domain"
)

// Webhook posts publish requests to a platform gateway over HTTP. The gateway
// translates them into real Facebook/TikTok/etc. API calls.
type Webhook struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhook(endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type webhookRequest struct {
	Platform    domain.Platform `json:"platform"`
	AccountID   string          `json:"account_id"`
	PageID      string          `json:"page_id,omitempty"`
	Content     string          `json:"content"`
	MediaURLs   []string        `json:"media_urls,omitempty"`
	AccessToken string          `json:"access_token"`
}

func (w *Webhook) Publish(ctx context.Context, job domain.PublishJob, cred domain.Credential) (Result, error) {
	if w.Endpoint == "" {
		return Result{}, fmt.Errorf("webhook publisher has no endpoint configured")
	}
	body, err := json.Marshal(webhookRequest{
		Platform:    job.Platform,
		AccountID:   job.AccountID,
		PageID:      job.PageID,
		Content:     job.Content,
		MediaURLs:   job.MediaURLs,
		AccessToken: cred.AccessToken,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read publish response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("decode publish response: %w", err)
	}
	return result, nil
}
