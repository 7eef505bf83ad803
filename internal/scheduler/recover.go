package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"MailCadence/internal/db"
	"MailCadence/internal/models"
)

const exhaustedReason = "attempts exhausted before completion"

type RecoveryReport struct {
	Enqueued  int
	Exhausted int
}

// Recover puts unfinished jobs back into the queue after a restart or a lost
// enqueue. Jobs the queue still holds are skipped by its dedup, so running it
// repeatedly is safe. Jobs without attempts left that nothing is working on
// are marked failed, unless they changed status since they were listed.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	jobs, err := s.store.ListRecoverable(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("list recoverable: %w", err)
	}

	now := s.now()
	for _, job := range jobs {
		maxAttempts := job.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.cfg.MaxAttempts
		}

		remaining := maxAttempts - job.Attempts
		if remaining <= 0 {
			if job.Status == models.StatusFailed || s.queue.Contains(job.ID) {
				continue
			}
			err := s.store.UpdateStatus(ctx, job.ID, models.StatusFailed, models.StatusUpdate{
				Error: exhaustedReason,
				From:  job.Status,
			})
			if errors.Is(err, db.ErrStatusChanged) {
				continue
			}
			if err != nil {
				s.logger.Error("failed to mark exhausted job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			report.Exhausted++
			continue
		}

		delay := max(0, job.SendAt.Sub(now))
		added, err := s.queue.Enqueue(job.ID, models.DispatchFor(job), delay, s.retryOptions(remaining))
		if err != nil {
			return report, fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
		if added {
			report.Enqueued++
		}
	}

	if report.Enqueued > 0 || report.Exhausted > 0 {
		s.logger.Info("recovery sweep",
			zap.Int("enqueued", report.Enqueued),
			zap.Int("exhausted", report.Exhausted),
		)
	}
	return report, nil
}
