// Package scheduler turns submissions into stored jobs and queue entries, and
// serves the per-user read views.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"MailCadence/internal/db"
	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
	"MailCadence/internal/queue"
)

var ErrSenderNotFound = errors.New("sender not found")

type Config struct {
	MinDelay         time.Duration
	MaxEmailsPerHour int
	MaxAttempts      int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	MaxBatchSize     int
	HistoryLimit     int
	DefaultSender    models.Sender
}

// Store is the part of the job store the scheduler needs.
type Store interface {
	CreateBatch(ctx context.Context, batch models.NewBatch) ([]models.EmailJob, error)
	UpdateStatus(ctx context.Context, id string, status models.EmailStatus, update models.StatusUpdate) error
	ListByUser(ctx context.Context, userID string, statuses []models.EmailStatus, order models.Order, limit int) ([]models.EmailJob, error)
	ListRecoverable(ctx context.Context, limit int) ([]models.EmailJob, error)
	FindSender(ctx context.Context, id, userID string) (*models.Sender, error)
	ListSenders(ctx context.Context, userID string) ([]models.Sender, error)
	EnsureDefaultSender(ctx context.Context, userID string, template models.Sender) (*models.Sender, error)
}

type Queue interface {
	Enqueue(id string, payload models.Dispatch, delay time.Duration, opts queue.Options) (bool, error)
	Contains(id string) bool
}

// Request is one batch submission. Nil overrides fall back to Config.
type Request struct {
	Subject          string
	Body             string
	Recipients       []string
	SendAt           *time.Time
	SenderID         string
	MinDelayMs       *int
	MaxEmailsPerHour *int
}

type Result struct {
	Count  int            `json:"count"`
	Sender *models.Sender `json:"sender"`
	JobIDs []string       `json:"-"`
}

type Service struct {
	cfg    Config
	store  Store
	queue  Queue
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, store Store, q Queue, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// Schedule validates req, stores one job per recipient and enqueues them
// staggered by the batch's pacing delay. Nothing is stored when validation
// fails.
func (s *Service) Schedule(ctx context.Context, userID string, req Request) (*Result, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	sender, err := s.resolveSender(ctx, userID, req.SenderID)
	if err != nil {
		return nil, err
	}

	minDelay := s.cfg.MinDelay
	if req.MinDelayMs != nil {
		minDelay = time.Duration(*req.MinDelayMs) * time.Millisecond
	}
	maxPerHour := s.cfg.MaxEmailsPerHour
	if req.MaxEmailsPerHour != nil {
		maxPerHour = *req.MaxEmailsPerHour
	}
	startAt := s.now()
	if req.SendAt != nil {
		startAt = *req.SendAt
	}

	jobs, err := s.store.CreateBatch(ctx, models.NewBatch{
		UserID:           userID,
		SenderID:         sender.ID,
		Subject:          req.Subject,
		Body:             req.Body,
		Recipients:       req.Recipients,
		SendAt:           startAt,
		MaxAttempts:      s.cfg.MaxAttempts,
		MinDelayMs:       int(minDelay / time.Millisecond),
		MaxEmailsPerHour: maxPerHour,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	metrics.JobsScheduled.Add(float64(len(jobs)))

	opts := s.retryOptions(s.cfg.MaxAttempts)
	ids := make([]string, 0, len(jobs))
	for idx, job := range jobs {
		ids = append(ids, job.ID)
		delay := max(0, startAt.Sub(s.now())+time.Duration(idx)*minDelay)
		if _, err := s.queue.Enqueue(job.ID, models.DispatchFor(job), delay, opts); err != nil {
			// stored as queued; the recovery sweep enqueues it later
			s.logger.Error("failed to enqueue job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	s.logger.Info("batch scheduled",
		zap.String("user_id", userID),
		zap.String("sender_id", sender.ID),
		zap.Int("count", len(jobs)),
		zap.Time("send_at", startAt),
		zap.Duration("min_delay", minDelay),
	)
	return &Result{Count: len(jobs), Sender: sender, JobIDs: ids}, nil
}

func (s *Service) resolveSender(ctx context.Context, userID, senderID string) (*models.Sender, error) {
	if senderID == "" {
		sender, err := s.store.EnsureDefaultSender(ctx, userID, s.cfg.DefaultSender)
		if err != nil {
			return nil, fmt.Errorf("default sender: %w", err)
		}
		return sender, nil
	}

	sender, err := s.store.FindSender(ctx, senderID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrSenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sender: %w", err)
	}
	return sender, nil
}

func (s *Service) retryOptions(maxAttempts int) queue.Options {
	return queue.Options{
		MaxAttempts: maxAttempts,
		Backoff:     s.cfg.Backoff,
		MaxBackoff:  s.cfg.MaxBackoff,
	}
}

// Pending lists the user's jobs that have not finished, soonest first.
func (s *Service) Pending(ctx context.Context, userID string) ([]models.EmailJob, error) {
	return s.store.ListByUser(ctx, userID, models.PendingStatuses, models.OrderSendAtAsc, 0)
}

// History lists sent and failed jobs, most recent first. A non-positive
// limit, or one above the configured cap, uses the cap.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.EmailJob, error) {
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.store.ListByUser(ctx, userID, models.HistoryStatuses, models.OrderSentAtDesc, limit)
}

func (s *Service) Senders(ctx context.Context, userID string) ([]models.Sender, error) {
	return s.store.ListSenders(ctx, userID)
}
