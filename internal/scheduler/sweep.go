package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type WindowPurger interface {
	PurgeExpiredWindows(ctx context.Context) (int64, error)
}

type IdlePruner interface {
	Prune(maxIdle time.Duration) int
}

// Sweeper runs the periodic maintenance: recovery of unfinished jobs,
// removal of expired rate windows and closing of idle SMTP sessions.
type Sweeper struct {
	service  *Service
	windows  WindowPurger
	sessions IdlePruner
	idle     time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	c *cron.Cron
}

func NewSweeper(service *Service, windows WindowPurger, sessions IdlePruner, idle time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		windows:  windows,
		sessions: sessions,
		idle:     idle,
		timeout:  time.Minute,
		logger:   logger,
	}
}

// Start schedules RunOnce every interval until Stop.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.c.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.service.Recover(ctx); err != nil {
		s.logger.Error("recovery sweep failed", zap.Error(err))
	}

	if s.windows != nil {
		removed, err := s.windows.PurgeExpiredWindows(ctx)
		if err != nil {
			s.logger.Warn("purging rate windows failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Debug("purged rate windows", zap.Int64("removed", removed))
		}
	}

	if s.sessions != nil && s.idle > 0 {
		if n := s.sessions.Prune(s.idle); n > 0 {
			s.logger.Debug("closed idle smtp sessions", zap.Int("closed", n))
		}
	}
}
