package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailCadence/internal/models"
)

const jobColumns = `id, user_id, sender_id, to_email, subject, body, send_at, status,
	attempts, max_attempts, min_delay_ms, max_emails_per_hour,
	error, provider_message_id, sent_at, created_at, updated_at`

const senderColumns = `id, user_id, name, from_email, host, port, secure, username, password, created_at`

type Postgres struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) CreateBatch(ctx context.Context, nb models.NewBatch) ([]models.EmailJob, error) {
	now := time.Now().UTC()
	jobs := newJobs(nb, now)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(
			`INSERT INTO email_jobs
			 (id, user_id, sender_id, to_email, subject, body, send_at, status,
			  attempts, max_attempts, min_delay_ms, max_emails_per_hour, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$11,$12,$12)`,
			j.ID, j.UserID, j.SenderID, j.ToEmail, j.Subject, j.Body, j.SendAt, string(j.Status),
			j.MaxAttempts, j.MinDelayMs, j.MaxEmailsPerHour, now,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range jobs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("insert job: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("insert jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*models.EmailJob, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func (s *Postgres) UpdateStatus(
	ctx context.Context,
	id string,
	status models.EmailStatus,
	update models.StatusUpdate,
) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$2,
		     attempts = attempts + CASE WHEN $2 = 'sending' THEN 1 ELSE 0 END,
		     error = CASE WHEN $2 = 'sent' THEN NULL ELSE COALESCE($3, error) END,
		     provider_message_id = COALESCE($4, provider_message_id),
		     sent_at = CASE WHEN $2 = 'sent' THEN $5 ELSE sent_at END,
		     max_attempts = CASE WHEN $6 THEN attempts ELSE max_attempts END,
		     updated_at=$5
		 WHERE id=$1 AND ($7::text IS NULL OR status = $7::text)`,
		id,
		string(status),
		nullable(update.Error),
		nullable(update.ProviderMessageID),
		time.Now().UTC(),
		update.Final,
		nullable(string(update.From)),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if update.From != "" {
		var exists bool
		err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_jobs WHERE id=$1)`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("email job %s: %w", id, ErrStatusChanged)
		}
	}
	return fmt.Errorf("email job %s: %w", id, ErrNotFound)
}

func (s *Postgres) ListByUser(
	ctx context.Context,
	userID string,
	statuses []models.EmailStatus,
	order models.Order,
	limit int,
) ([]models.EmailJob, error) {

	q := `SELECT ` + jobColumns + ` FROM email_jobs WHERE user_id=$1 AND status = ANY($2)`
	switch order {
	case models.OrderSentAtDesc:
		q += ` ORDER BY sent_at DESC NULLS LAST, updated_at DESC, id`
	default:
		q += ` ORDER BY send_at ASC, created_at ASC, id`
	}
	args := []any{userID, statusStrings(statuses)}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	return s.queryJobs(ctx, q, args...)
}

func (s *Postgres) ListRecoverable(ctx context.Context, limit int) ([]models.EmailJob, error) {
	q := `SELECT ` + jobColumns + ` FROM email_jobs
	      WHERE status IN ('queued', 'sending')
	         OR (status = 'failed' AND attempts < max_attempts)
	      ORDER BY send_at, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *Postgres) queryJobs(ctx context.Context, q string, args ...any) ([]models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.EmailJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) GetSender(ctx context.Context, id string) (*models.Sender, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+senderColumns+` FROM senders WHERE id=$1`, id)
	return senderOrNotFound(scanSender(row))
}

func (s *Postgres) FindSender(ctx context.Context, id, userID string) (*models.Sender, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+senderColumns+` FROM senders WHERE id=$1 AND user_id=$2`, id, userID)
	return senderOrNotFound(scanSender(row))
}

func (s *Postgres) ListSenders(ctx context.Context, userID string) ([]models.Sender, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE user_id=$1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	senders := make([]models.Sender, 0)
	for rows.Next() {
		sender, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		senders = append(senders, *sender)
	}
	return senders, rows.Err()
}

func (s *Postgres) EnsureDefaultSender(ctx context.Context, userID string, t models.Sender) (*models.Sender, error) {
	existing, err := s.firstSender(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO senders (id, user_id, name, from_email, host, port, secure, username, password, is_default, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE,$10)
		 ON CONFLICT DO NOTHING`,
		uuid.NewString(), userID, t.Name, t.FromEmail, t.Host, t.Port, t.Secure, t.Username, t.Password,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert default sender: %w", err)
	}
	return s.firstSender(ctx, userID)
}

func (s *Postgres) firstSender(ctx context.Context, userID string) (*models.Sender, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE user_id=$1 ORDER BY created_at, id LIMIT 1`, userID)
	return senderOrNotFound(scanSender(row))
}

func (s *Postgres) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()
	var count int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO rate_windows (key, count, expires_at) VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE SET
		     count = CASE WHEN rate_windows.expires_at <= $3 THEN 1 ELSE rate_windows.count + 1 END,
		     expires_at = CASE WHEN rate_windows.expires_at <= $3 THEN EXCLUDED.expires_at ELSE rate_windows.expires_at END
		 RETURNING count`,
		key, now.Add(ttl), now,
	).Scan(&count)
	return count, err
}

func (s *Postgres) PurgeExpiredWindows(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM rate_windows WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var (
		j          models.EmailJob
		status     string
		errMsg     *string
		providerID *string
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.SenderID, &j.ToEmail, &j.Subject, &j.Body, &j.SendAt, &status,
		&j.Attempts, &j.MaxAttempts, &j.MinDelayMs, &j.MaxEmailsPerHour,
		&errMsg, &providerID, &j.SentAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.EmailStatus(status)
	j.Error = deref(errMsg)
	j.ProviderMessageID = deref(providerID)
	return &j, nil
}

func scanSender(row pgx.Row) (*models.Sender, error) {
	var s models.Sender
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.FromEmail, &s.Host, &s.Port, &s.Secure, &s.Username, &s.Password, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func senderOrNotFound(s *models.Sender, err error) (*models.Sender, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sender: %w", ErrNotFound)
	}
	return s, err
}

// newJobs builds the queued rows of a batch. Both drivers insert exactly
// these values.
func newJobs(nb models.NewBatch, now time.Time) []models.EmailJob {
	jobs := make([]models.EmailJob, 0, len(nb.Recipients))
	for _, to := range nb.Recipients {
		jobs = append(jobs, models.EmailJob{
			ID:               uuid.NewString(),
			UserID:           nb.UserID,
			SenderID:         nb.SenderID,
			ToEmail:          to,
			Subject:          nb.Subject,
			Body:             nb.Body,
			SendAt:           nb.SendAt.UTC(),
			Status:           models.StatusQueued,
			MaxAttempts:      nb.MaxAttempts,
			MinDelayMs:       nb.MinDelayMs,
			MaxEmailsPerHour: nb.MaxEmailsPerHour,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return jobs
}
