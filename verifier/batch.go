package verifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchWorkers = 8
)

// BatchRequest describes a batch run for one user.
type BatchRequest struct {
	Emails    []string
	UserID    uint
	Mode      Mode
	BatchSize int
	Workers   int
}

// BatchItem is emitted once per input email. Completed counts emitted items
// and strictly increases along the channel.
type BatchItem struct {
	Index     int     `json:"index"`
	Email     string  `json:"email"`
	Report    *Report `json:"result,omitempty"`
	Err       error   `json:"-"`
	Error     string  `json:"error,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
}

// Percent is Progress scaled to 0-100 and truncated.
func (i BatchItem) Percent() int {
	return int(i.Progress * 100)
}

// ValidateBatch validates every email of req and streams one item per email.
//
// Emails are taken in sub-batches of BatchSize with at most Workers running
// at once. Each validation debits its own credit; after the first credit
// refusal no further validation starts and the remaining emails are emitted
// as skipped. Cancelling ctx has the same effect. The channel is closed when
// every email has been accounted for.
func (e *Engine) ValidateBatch(ctx context.Context, req BatchRequest) <-chan BatchItem {
	size := req.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	workers := req.Workers
	if workers <= 0 {
		workers = DefaultBatchWorkers
	}
	total := len(req.Emails)
	out := make(chan BatchItem, workers)

	go func() {
		defer close(out)

		var (
			mu        sync.Mutex
			completed int
			stopped   atomic.Bool
			stopErr   atomic.Value
		)
		emit := func(item BatchItem) {
			mu.Lock()
			defer mu.Unlock()
			completed++
			item.Completed = completed
			item.Total = total
			item.Progress = float64(completed) / float64(total)
			if item.Err != nil {
				item.Error = item.Err.Error()
			}
			select {
			case out <- item:
			case <-ctx.Done():
			}
		}
		skip := func(i int) {
			err, _ := stopErr.Load().(error)
			if err == nil {
				err = ctx.Err()
			}
			emit(BatchItem{Index: i, Email: req.Emails[i], Err: err, Skipped: true})
		}
		halted := func() bool {
			if ctx.Err() != nil {
				return true
			}
			return stopped.Load()
		}

		log := e.logger.WithFields(logrus.Fields{"user_id": req.UserID, "total": total, "mode": req.Mode})
		log.Info("batch validation started")

		for start := 0; start < total; start += size {
			end := min(start+size, total)
			var g errgroup.Group
			g.SetLimit(workers)
			for i := start; i < end; i++ {
				if halted() {
					skip(i)
					continue
				}
				i := i
				g.Go(func() error {
					if halted() {
						skip(i)
						return nil
					}
					report, err := e.Validate(ctx, req.Emails[i], req.UserID, req.Mode)
					item := BatchItem{Index: i, Email: req.Emails[i], Err: err}
					switch {
					case IsCreditError(err):
						if stopped.CompareAndSwap(false, true) {
							stopErr.Store(err)
							log.WithError(err).Warn("batch halted, no credits left")
						}
						item.Skipped = true
					case err == nil || errors.Is(err, ErrPersistence) && report.Status != "":
						r := report
						item.Report = &r
					}
					emit(item)
					return nil
				})
			}
			_ = g.Wait()
		}
		log.WithField("completed", completed).Info("batch validation finished")
	}()

	return out
}
