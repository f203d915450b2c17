package broker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"crosspost/internal/auth"
	"crosspost/internal/domain"
	"crosspost/internal/store"
)

var (
	// ErrDenied covers every ownership mismatch: unknown workers learn
	// nothing about which check failed.
	ErrDenied = errors.New("credential request denied")
	// ErrNoCredential means the requested sub-scope has no stored secret.
	ErrNoCredential = errors.New("no matching credential")
)

// Broker issues per-job platform credentials on a minimal-scope basis: one
// secret for one target, never an account's full bundle. A worker must hold
// an active lease on a job referencing the account before anything is
// released, which bounds the blast radius of a compromised worker to the
// jobs it was actually assigned.
type Broker struct {
	store store.Store
}

func New(st store.Store) *Broker {
	return &Broker{store: st}
}

// Credentials returns the single credential for the job's target: the page
// token when pageID is set, otherwise the account-level token for the job's
// platform.
func (b *Broker) Credentials(ctx context.Context, scope auth.Scope, accountID, jobID, pageID string) (domain.Credential, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		b.deny(scope, accountID, jobID, "unknown job")
		return domain.Credential{}, ErrDenied
	}
	if err != nil {
		return domain.Credential{}, err
	}
	if job.WorkerID != scope.WorkerID || !job.Active() {
		b.deny(scope, accountID, jobID, "job not actively assigned to caller")
		return domain.Credential{}, ErrDenied
	}
	if job.AccountID != accountID {
		b.deny(scope, accountID, jobID, "job does not reference account")
		return domain.Credential{}, ErrDenied
	}
	if !scope.AllowsPlatform(job.Platform) {
		b.deny(scope, accountID, jobID, "platform outside worker scope")
		return domain.Credential{}, ErrDenied
	}

	var cred domain.Credential
	if pageID != "" {
		cred, err = b.store.PageCredential(ctx, accountID, pageID)
	} else {
		cred, err = b.store.AccountCredential(ctx, accountID, job.Platform)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.Credential{}, ErrNoCredential
	}
	if err != nil {
		return domain.Credential{}, err
	}

	log.Info().
		Str("worker_id", scope.WorkerID).
		Str("job_id", jobID).
		Str("account_id", accountID).
		Bool("page_scoped", pageID != "").
		Msg("credential issued")
	return cred, nil
}

// deny logs the refusal. Secret material never reaches the log stream.
func (b *Broker) deny(scope auth.Scope, accountID, jobID, reason string) {
	log.Warn().
		Str("worker_id", scope.WorkerID).
		Str("job_id", jobID).
		Str("account_id", accountID).
		Str("reason", reason).
		Msg("credential request denied")
}
