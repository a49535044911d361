// Package jobstore persists jobs and enforces their status transitions.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// ErrJobExists is returned by Create when the id is taken
var ErrJobExists = errors.New("job already exists")

// Store is the durable home of jobs. Claim is the only way out of
// pending_enqueued and succeeds for exactly one caller.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// Claim moves the job to pending_processing with worker as its lease holder.
	// It returns false when the job is no longer pending_enqueued.
	Claim(ctx context.Context, id string, worker common.Address, now time.Time) (bool, error)
	// UpdateStatus applies a transition and returns the updated job
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, update models.JobUpdate) (*models.Job, error)
	// FindPendingByTakerToken returns the non-terminal, unexpired jobs of taker selling token
	FindPendingByTakerToken(ctx context.Context, taker, token common.Address) ([]*models.Job, error)
	// FindUnresolvedByWorker returns the non-terminal jobs leased to worker
	FindUnresolvedByWorker(ctx context.Context, worker common.Address) ([]*models.Job, error)
	Ping(ctx context.Context) error
}
