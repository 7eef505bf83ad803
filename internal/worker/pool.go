package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"MailCadence/internal/db"
	"MailCadence/internal/email"
	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
	"MailCadence/internal/queue"
	"MailCadence/internal/ratelimit"
)

var ErrRateLimited = errors.New("sender hourly limit reached")

type Config struct {
	Workers     int
	SendTimeout time.Duration
}

// Store is the part of the job store a worker touches.
type Store interface {
	Get(ctx context.Context, id string) (*models.EmailJob, error)
	GetSender(ctx context.Context, id string) (*models.Sender, error)
	UpdateStatus(ctx context.Context, id string, status models.EmailStatus, update models.StatusUpdate) error
}

type RateLimiter interface {
	TryAcquire(ctx context.Context, senderID string, maxPerWindow int) (ratelimit.Decision, error)
}

type Pool struct {
	cfg       Config
	queue     *queue.Queue[models.Dispatch]
	store     Store
	limiter   RateLimiter
	transport email.Transport
	pacer     *pacer
	logger    *zap.Logger
	now       func() time.Time
}

func NewPool(
	cfg Config,
	q *queue.Queue[models.Dispatch],
	store Store,
	limiter RateLimiter,
	transport email.Transport,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		store:     store,
		limiter:   limiter,
		transport: transport,
		pacer:     newPacer(),
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the worker slots. They return once ctx is done or the
// queue is closed; an attempt already claimed always runs to completion.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger := p.logger.With(zap.Int("worker_id", id))
			logger.Info("worker started")

			for {
				d, err := p.queue.Claim(ctx)
				if err != nil {
					logger.Info("worker shutting down", zap.Error(err))
					return
				}

				err = p.Process(ctx, d.Payload)
				p.settle(ctx, logger, d, err)
			}
		}(i)
	}
}

func (p *Pool) settle(ctx context.Context, logger *zap.Logger, d *queue.Delivery[models.Dispatch], err error) {
	outcome, delay := p.queue.Settle(d, err)

	stats := p.queue.Stats()
	metrics.ObserveQueue(stats.Waiting, stats.Active)

	fields := []zap.Field{
		zap.String("job_id", d.ID),
		zap.Int("attempt", d.Attempt),
		zap.Int("max_attempts", d.MaxAttempts),
		zap.String("outcome", outcome.String()),
	}
	switch outcome {
	case queue.Completed:
		return
	case queue.Deferred:
		metrics.RateDeferrals.Inc()
		logger.Info("email deferred", append(fields, zap.Duration("delay", delay), zap.Error(err))...)
	case queue.Retrying:
		metrics.Retries.Inc()
		logger.Warn("email attempt failed, retrying", append(fields, zap.Duration("delay", delay), zap.Error(err))...)
	case queue.Abandoned:
		metrics.Abandoned.Inc()
		logger.Error("email abandoned", append(fields, zap.Error(err))...)
		if !errors.Is(err, db.ErrNotFound) {
			p.seal(ctx, logger, d.ID, err)
		}
	}
}

// seal records that the queue gave up on a job so the recovery sweep leaves
// it alone.
func (p *Pool) seal(ctx context.Context, logger *zap.Logger, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()

	update := models.StatusUpdate{Error: cause.Error(), Final: true}
	if err := p.store.UpdateStatus(ctx, id, models.StatusFailed, update); err != nil {
		logger.Error("failed to seal abandoned job", zap.String("job_id", id), zap.Error(err))
	}
}

// Process runs one attempt for a job. A nil error means the job needs no
// further attempts.
func (p *Pool) Process(ctx context.Context, task models.Dispatch) error {
	logger := p.logger.With(zap.String("job_id", task.JobID))

	// ----------------------------
	// Load job
	// ----------------------------
	job, sender, err := p.load(ctx, logger, task.JobID)
	if err != nil || job == nil {
		return err
	}

	// ----------------------------
	// Pacing
	// ----------------------------
	// Nothing is spent yet, so shutdown can interrupt the wait.
	if err := p.pacer.Wait(ctx, sender.ID, task.MinDelay); err != nil {
		return queue.RetryAfter(0, err)
	}

	// The send itself is not interruptible. Shutdown only stops new claims.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()

	// ----------------------------
	// Rate limit
	// ----------------------------
	decision, err := p.limiter.TryAcquire(attemptCtx, sender.ID, task.MaxEmailsPerHour)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if job.Status != models.StatusQueued {
			if err := p.store.UpdateStatus(attemptCtx, job.ID, models.StatusQueued, models.StatusUpdate{}); err != nil {
				logger.Warn("failed to reset status to queued", zap.Error(err))
			}
		}
		return queue.RetryAfter(decision.NextAvailableAt.Sub(p.now()), ErrRateLimited)
	}

	// ----------------------------
	// Mark as sending
	// ----------------------------
	if err := p.store.UpdateStatus(attemptCtx, job.ID, models.StatusSending, models.StatusUpdate{}); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	// ----------------------------
	// Send email
	// ----------------------------
	start := time.Now()
	messageID, err := p.transport.Send(attemptCtx, *sender, email.Message{
		JobID:   job.ID,
		To:      job.ToEmail,
		Subject: job.Subject,
		Body:    job.Body,
	})
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.EmailFailures.Inc()
		p.markFailed(attemptCtx, logger, job.ID, models.StatusUpdate{Error: err.Error()})
		return err
	}

	// ----------------------------
	// Mark as sent
	// ----------------------------
	mark := func() error {
		return p.store.UpdateStatus(attemptCtx, job.ID, models.StatusSent, models.StatusUpdate{ProviderMessageID: messageID})
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(mark, backoff.WithContext(b, attemptCtx)); err != nil {
		// the message left already; another attempt would send it twice
		logger.Error("failed to update sent status", zap.String("message_id", messageID), zap.Error(err))
	}

	metrics.EmailsSent.Inc()
	logger.Info("email sent successfully",
		zap.String("to", job.ToEmail),
		zap.String("sender_id", sender.ID),
		zap.String("message_id", messageID),
	)
	return nil
}

// load reads the job and its sender. A nil job with a nil error means the
// job is already sent.
func (p *Pool) load(ctx context.Context, logger *zap.Logger, id string) (*models.EmailJob, *models.Sender, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()

	job, err := p.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load job: %w", err)
	}

	if job.Status == models.StatusSent {
		logger.Info("job already sent, skipping")
		return nil, nil, nil
	}

	sender, err := p.store.GetSender(ctx, job.SenderID)
	if errors.Is(err, db.ErrNotFound) {
		p.markFailed(ctx, logger, job.ID, models.StatusUpdate{Error: "sender no longer exists", Final: true})
		return nil, nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load sender: %w", err)
	}
	return job, sender, nil
}

func (p *Pool) markFailed(ctx context.Context, logger *zap.Logger, id string, update models.StatusUpdate) {
	if err := p.store.UpdateStatus(ctx, id, models.StatusFailed, update); err != nil {
		logger.Error("failed to update failure status", zap.Error(err))
	}
}
