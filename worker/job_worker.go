package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailscore/models"
	"mailscore/store"
	"mailscore/utils"
	"mailscore/verifier"
)

// Notifier delivers a finished job's summary.
type Notifier interface {
	SendJobSummary(to string, job *models.ValidationJob) error
}

// RecipientLookup resolves where a user's notifications go.
type RecipientLookup func(ctx context.Context, userID uint) (string, error)

// JobWorker polls for pending validation jobs and runs them one at a time.
type JobWorker struct {
	Jobs      store.JobStore
	Engine    *verifier.Engine
	Notifier  Notifier
	Recipient RecipientLookup
	Logger    logrus.FieldLogger

	Interval   time.Duration
	StartDelay time.Duration
	Workers    int
	// ProgressEvery is how many items pass between progress writes.
	ProgressEvery int
}

func NewJobWorker(jobs store.JobStore, engine *verifier.Engine, logger logrus.FieldLogger) *JobWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JobWorker{
		Jobs:          jobs,
		Engine:        engine,
		Logger:        logger.WithField("component", "job_worker"),
		Interval:      5 * time.Second,
		StartDelay:    2 * time.Second,
		Workers:       verifier.DefaultBatchWorkers,
		ProgressEvery: 25,
	}
}

func (jw *JobWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(jw.StartDelay):
	}

	jw.Logger.Info("Job worker started")

	ticker := time.NewTicker(jw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			jw.Logger.Info("Job worker shutting down...")
			return
		case <-ticker.C:
			jw.ProcessPending(ctx)
		}
	}
}

// ProcessPending runs pending jobs until none is left or ctx ends.
func (jw *JobWorker) ProcessPending(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil {
		job, err := jw.Jobs.ClaimNext(ctx)
		if err != nil {
			utils.LogError("job_claim", err, nil)
			return processed
		}
		if job == nil {
			return processed
		}
		if err := jw.RunJob(ctx, job); err != nil {
			jw.Logger.WithError(err).WithField("job_id", job.ID).Warn("job finished with error")
		}
		processed++
	}
	return processed
}

// RunJob validates every email of a claimed job, saving counters as it
// goes, and records the final status.
func (jw *JobWorker) RunJob(ctx context.Context, job *models.ValidationJob) error {
	log := jw.Logger.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.UserID, "total": job.Total})
	log.Info("Processing validation job")

	mode, err := verifier.ParseMode(job.Mode, verifier.Deep)
	if err != nil {
		return jw.finish(ctx, job, err)
	}

	req := verifier.BatchRequest{
		Emails:    job.EmailList(),
		UserID:    job.UserID,
		Mode:      mode,
		BatchSize: job.BatchSize,
		Workers:   jw.Workers,
	}
	every := max(jw.ProgressEvery, 1)

	var stopErr error
	for item := range jw.Engine.ValidateBatch(ctx, req) {
		job.Completed = item.Completed
		switch {
		case item.Report != nil:
			job.CountStatus(string(item.Report.Status))
			if item.Err != nil {
				job.ErrorCount++
			}
		case item.Skipped:
			job.SkippedCount++
			if stopErr == nil {
				stopErr = item.Err
			}
		default:
			job.ErrorCount++
		}

		if job.Completed%every == 0 && job.Completed < job.Total {
			if err := jw.Jobs.SaveProgress(ctx, job); err != nil {
				log.WithError(err).Warn("failed to save job progress")
			}
		}
	}

	var jobErr error
	switch {
	case verifier.IsCreditError(stopErr):
		jobErr = fmt.Errorf("stopped early: %w", stopErr)
	case stopErr != nil || ctx.Err() != nil:
		jobErr = errors.New("interrupted before completion")
	}
	return jw.finish(ctx, job, jobErr)
}

func (jw *JobWorker) finish(ctx context.Context, job *models.ValidationJob, jobErr error) error {
	// The job must be closed out even when ctx was cancelled by shutdown.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := jw.Jobs.Finish(writeCtx, job, jobErr); err != nil {
		utils.LogError("job_finish", err, map[string]interface{}{"job_id": job.ID})
		return err
	}

	utils.LogEvent("validation_job_finished", map[string]interface{}{
		"job_id":    job.ID,
		"status":    job.Status,
		"completed": job.Completed,
		"total":     job.Total,
	})

	if job.Notify {
		jw.notify(writeCtx, job)
	}
	return jobErr
}

func (jw *JobWorker) notify(ctx context.Context, job *models.ValidationJob) {
	if jw.Notifier == nil || jw.Recipient == nil {
		return
	}
	to, err := jw.Recipient(ctx, job.UserID)
	if err != nil || to == "" {
		jw.Logger.WithError(err).WithField("job_id", job.ID).Warn("no notification recipient")
		return
	}
	if err := jw.Notifier.SendJobSummary(to, job); err != nil {
		utils.LogError("job_notify", err, map[string]interface{}{"job_id": job.ID})
	}
}
