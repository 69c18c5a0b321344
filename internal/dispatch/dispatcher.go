package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"WelcomeSend/internal/metrics"
	"WelcomeSend/internal/models"
)

const (
	// DefaultDelay is the grace period a job must age before it becomes
	// eligible, leaving room for any synchronous send path upstream.
	DefaultDelay = 45 * time.Minute

	// DefaultBatchSize bounds the number of jobs one cycle may claim.
	DefaultBatchSize = 25
)

// Queue is the subset of the job store the dispatcher needs.
type Queue interface {
	DueWelcomeJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailJob, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errorMsg string) error
}

// Transport delivers a welcome email to a single recipient.
type Transport interface {
	SendWelcome(ctx context.Context, to string) error
}

// Dispatcher drains one batch of due welcome jobs per Run call.
//
// The compare-and-swap claim (ClaimJob) is the sole concurrency-safety
// mechanism: of any number of overlapping cycles racing for a job,
// at most one observes a successful claim, so each job is attempted by
// at most one cycle. A lost race is a normal outcome, not an error.
type Dispatcher struct {
	Queue     Queue
	Transport Transport
	Log       *zap.Logger
	Limiter   *rate.Limiter

	Delay     time.Duration
	BatchSize int

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Run executes a single dispatch cycle and returns the number of jobs
// delivered. A single job's delivery failure is recorded on the row and
// never fails the cycle; only a queue read error or context cancellation
// aborts it.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	delay := d.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	cutoff := now().Add(-delay)

	jobs, err := d.Queue.DueWelcomeJobs(ctx, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("select due jobs: %w", err)
	}

	metrics.DispatchCycles.Inc()

	processed := 0
	for _, job := range jobs {

		// Pace sends before claiming, so a limiter stall can never
		// strand a claimed job in SENDING.
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return processed, err
			}
		}

		claimed, err := d.Queue.ClaimJob(ctx, job.ID)
		if err != nil {
			log.Error("claim failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			// Another cycle got here first.
			metrics.ClaimRaces.Inc()
			log.Debug("job already claimed elsewhere", zap.String("job_id", job.ID))
			continue
		}

		if err := d.Transport.SendWelcome(ctx, job.Email); err != nil {
			log.Error("welcome email send failed",
				zap.String("job_id", job.ID),
				zap.String("to", job.Email),
				zap.Error(err),
			)

			if dbErr := d.Queue.MarkFailed(ctx, job.ID, err.Error()); dbErr != nil {
				log.Error("failed to record delivery failure",
					zap.String("job_id", job.ID),
					zap.Error(dbErr),
				)
			}

			metrics.EmailFailures.Inc()
			continue
		}

		metrics.EmailsSent.Inc()

		// The email went out either way, but a job only counts as
		// processed once it is durably SENT.
		if err := d.Queue.MarkSent(ctx, job.ID, now()); err != nil {
			log.Error("failed to record delivery",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}

		log.Info("welcome email sent",
			zap.String("job_id", job.ID),
			zap.String("to", job.Email),
		)

		processed++
	}

	return processed, nil
}

// Start runs cycles on a fixed interval until ctx is cancelled. It is
// used when the deployment has no external cron; the cron endpoint stays
// available either way.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	go func() {
		log := d.Log
		if log == nil {
			log = zap.NewNop()
		}

		log.Info("dispatch ticker started", zap.Duration("interval", interval))
		defer log.Info("dispatch ticker stopped")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				processed, err := d.Run(ctx)
				if err != nil {
					log.Error("dispatch cycle failed", zap.Error(err))
					continue
				}
				if processed > 0 {
					log.Info("dispatch cycle complete", zap.Int("processed", processed))
				}
			}
		}
	}()
}
