package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"MailCadence/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusChanged reports a guarded update whose job moved on from the
	// expected status.
	ErrStatusChanged = errors.New("status changed")
)

// Store is the durable record store behind scheduling: email jobs, sender
// records and the hourly rate windows.
type Store interface {
	CreateBatch(ctx context.Context, batch models.NewBatch) ([]models.EmailJob, error)
	Get(ctx context.Context, id string) (*models.EmailJob, error)
	UpdateStatus(ctx context.Context, id string, status models.EmailStatus, update models.StatusUpdate) error
	ListByUser(ctx context.Context, userID string, statuses []models.EmailStatus, order models.Order, limit int) ([]models.EmailJob, error)
	ListRecoverable(ctx context.Context, limit int) ([]models.EmailJob, error)

	GetSender(ctx context.Context, id string) (*models.Sender, error)
	FindSender(ctx context.Context, id, userID string) (*models.Sender, error)
	ListSenders(ctx context.Context, userID string) ([]models.Sender, error)
	EnsureDefaultSender(ctx context.Context, userID string, template models.Sender) (*models.Sender, error)

	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	PurgeExpiredWindows(ctx context.Context) (int64, error)

	Close()
}

// Open connects to the configured driver. When migrate is set the schema is
// brought up to date first.
func Open(ctx context.Context, driver, url string, migrate bool, logger *zap.Logger) (Store, error) {
	switch driver {
	case "postgres":
		if migrate {
			if err := ApplyMigrations(url, logger); err != nil {
				return nil, err
			}
		}
		return New(ctx, url)
	case "sqlite":
		return NewSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusStrings(statuses []models.EmailStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
