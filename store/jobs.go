package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailscore/models"
)

// JobStore tracks asynchronous validation jobs.
type JobStore interface {
	Create(ctx context.Context, job *models.ValidationJob) error
	Get(ctx context.Context, userID, id uint) (*models.ValidationJob, error)
	// ClaimNext marks the oldest claimable job as processing and returns it.
	// A processing job whose lease ran out is claimable again and restarts
	// with cleared counters. It returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context) (*models.ValidationJob, error)
	SaveProgress(ctx context.Context, job *models.ValidationJob) error
	Finish(ctx context.Context, job *models.ValidationJob, jobErr error) error
}

// DefaultJobLease is how long a processing job may go without a progress
// save before another worker takes it over.
const DefaultJobLease = 15 * time.Minute

type GormJobStore struct {
	db    *gorm.DB
	lease time.Duration
}

func NewGormJobStore(db *gorm.DB, lease time.Duration) *GormJobStore {
	if lease <= 0 {
		lease = DefaultJobLease
	}
	return &GormJobStore{db: db, lease: lease}
}

func (s *GormJobStore) Create(ctx context.Context, job *models.ValidationJob) error {
	job.Status = models.JobPending
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormJobStore) Get(ctx context.Context, userID, id uint) (*models.ValidationJob, error) {
	var job models.ValidationJob
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *GormJobStore) ClaimNext(ctx context.Context) (*models.ValidationJob, error) {
	var claimed *models.ValidationJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var job models.ValidationJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? OR (status = ? AND claimed_at < ?)",
				models.JobPending, models.JobProcessing, now.Add(-s.lease)).
			Order("id").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		claim(&job, now)
		cols := progressColumns(&job)
		cols["status"] = job.Status
		cols["started_at"] = job.StartedAt
		cols["claimed_at"] = job.ClaimedAt
		if err := tx.Model(&job).Updates(cols).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	return claimed, err
}

func (s *GormJobStore) SaveProgress(ctx context.Context, job *models.ValidationJob) error {
	now := time.Now()
	job.ClaimedAt = &now
	cols := progressColumns(job)
	cols["claimed_at"] = now
	return s.db.WithContext(ctx).Model(&models.ValidationJob{}).
		Where("id = ?", job.ID).
		Updates(cols).Error
}

func (s *GormJobStore) Finish(ctx context.Context, job *models.ValidationJob, jobErr error) error {
	finish(job, jobErr)
	cols := progressColumns(job)
	cols["status"] = job.Status
	cols["completed_at"] = job.CompletedAt
	cols["error"] = job.Error
	return s.db.WithContext(ctx).Model(&models.ValidationJob{}).
		Where("id = ?", job.ID).
		Updates(cols).Error
}

func progressColumns(job *models.ValidationJob) map[string]interface{} {
	return map[string]interface{}{
		"completed":              job.Completed,
		"valid_count":            job.ValidCount,
		"risky_count":            job.RiskyCount,
		"possibly_invalid_count": job.PossiblyInvalidCount,
		"invalid_count":          job.InvalidCount,
		"rejected_count":         job.RejectedCount,
		"skipped_count":          job.SkippedCount,
		"error_count":            job.ErrorCount,
	}
}

func claim(job *models.ValidationJob, now time.Time) {
	if job.Status == models.JobProcessing {
		job.ResetProgress()
	}
	job.Status = models.JobProcessing
	job.ClaimedAt = &now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
}

func finish(job *models.ValidationJob, jobErr error) {
	now := time.Now()
	job.CompletedAt = &now
	job.Status = models.JobCompleted
	job.Error = ""
	if jobErr != nil {
		job.Status = models.JobFailed
		job.Error = jobErr.Error()
	}
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu     sync.Mutex
	nextID uint
	lease  time.Duration
	now    func() time.Time
	jobs   map[uint]*models.ValidationJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{lease: DefaultJobLease, now: time.Now, jobs: make(map[uint]*models.ValidationJob)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *models.ValidationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	job.CreatedAt = time.Now()
	job.Status = models.JobPending
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, userID, id uint) (*models.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryJobStore) ClaimNext(_ context.Context) (*models.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]uint, 0, len(s.jobs))
	for id, job := range s.jobs {
		stale := job.Status == models.JobProcessing && job.ClaimedAt != nil && job.ClaimedAt.Before(now.Add(-s.lease))
		if job.Status == models.JobPending || stale {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	job := s.jobs[ids[0]]
	claim(job, now)
	out := *job
	return &out, nil
}

func (s *MemoryJobStore) SaveProgress(_ context.Context, job *models.ValidationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	status, started := stored.Status, stored.StartedAt
	now := s.now()
	*stored = *job
	stored.Status, stored.StartedAt, stored.ClaimedAt = status, started, &now
	return nil
}

func (s *MemoryJobStore) Finish(_ context.Context, job *models.ValidationJob, jobErr error) error {
	finish(job, jobErr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}
