package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// MemoryStore keeps jobs in process memory. Jobs are copied in and out so
// callers never share a record with the store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, worker common.Address, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if job.Status != models.StatusPendingEnqueued {
		return false, nil
	}
	lease := &models.Lease{Worker: worker, ClaimedAt: now}
	if err := job.Apply(models.StatusPendingProcessing, models.JobUpdate{Lease: lease}, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	next := job.Clone()
	if err := next.Apply(status, update, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) FindPendingByTakerToken(_ context.Context, taker, token common.Address) ([]*models.Job, error) {
	now := s.now()
	return s.find(func(j *models.Job) bool {
		return j.TakerAddress == taker && j.TakerToken == token && !j.IsExpired(now)
	}), nil
}

func (s *MemoryStore) FindUnresolvedByWorker(_ context.Context, worker common.Address) ([]*models.Job, error) {
	return s.find(func(j *models.Job) bool {
		w, ok := j.WorkerAddress()
		return ok && w == worker
	}), nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// find returns copies of the non-terminal jobs matching match, oldest first
func (s *MemoryStore) find(match func(*models.Job) bool) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func validateNew(job *models.Job) error {
	switch {
	case job.ID == "":
		return fmt.Errorf("job id is required")
	case !job.Kind.Valid():
		return fmt.Errorf("job %s has unknown kind %q", job.ID, job.Kind)
	case job.Order == nil || job.Order.Kind() != job.Kind:
		return fmt.Errorf("job %s order does not match kind %s", job.ID, job.Kind)
	case job.Status != models.StatusPendingEnqueued:
		return fmt.Errorf("job %s must be created as %s, got %s", job.ID, models.StatusPendingEnqueued, job.Status)
	case job.Lease != nil:
		return fmt.Errorf("job %s cannot be created with a lease", job.ID)
	}
	return nil
}
