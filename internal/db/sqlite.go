package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"MailCadence/internal/models"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLite keeps everything in a single file. One connection serialises all
// writers, which is what makes IncrWindow atomic.
type SQLite struct {
	db   *sqlx.DB
	path string
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := `PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;`
	if _, err := db.ExecContext(ctx, pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tune sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

type sqliteJob struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	SenderID         string         `db:"sender_id"`
	ToEmail          string         `db:"to_email"`
	Subject          string         `db:"subject"`
	Body             string         `db:"body"`
	SendAt           int64          `db:"send_at"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	MaxAttempts      int            `db:"max_attempts"`
	MinDelayMs       int            `db:"min_delay_ms"`
	MaxEmailsPerHour int            `db:"max_emails_per_hour"`
	Error            sql.NullString `db:"error"`
	ProviderID       sql.NullString `db:"provider_message_id"`
	SentAt           sql.NullInt64  `db:"sent_at"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r sqliteJob) model() models.EmailJob {
	j := models.EmailJob{
		ID:                r.ID,
		UserID:            r.UserID,
		SenderID:          r.SenderID,
		ToEmail:           r.ToEmail,
		Subject:           r.Subject,
		Body:              r.Body,
		SendAt:            fromMillis(r.SendAt),
		Status:            models.EmailStatus(r.Status),
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		MinDelayMs:        r.MinDelayMs,
		MaxEmailsPerHour:  r.MaxEmailsPerHour,
		Error:             r.Error.String,
		ProviderMessageID: r.ProviderID.String,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
	if r.SentAt.Valid {
		t := fromMillis(r.SentAt.Int64)
		j.SentAt = &t
	}
	return j
}

type sqliteSender struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Name      string `db:"name"`
	FromEmail string `db:"from_email"`
	Host      string `db:"host"`
	Port      int    `db:"port"`
	Secure    bool   `db:"secure"`
	Username  string `db:"username"`
	Password  string `db:"password"`
	CreatedAt int64  `db:"created_at"`
}

func (r sqliteSender) model() models.Sender {
	return models.Sender{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		FromEmail: r.FromEmail,
		Host:      r.Host,
		Port:      r.Port,
		Secure:    r.Secure,
		Username:  r.Username,
		Password:  r.Password,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

func (s *SQLite) CreateBatch(ctx context.Context, nb models.NewBatch) (jobs []models.EmailJob, err error) {
	now := time.Now().UTC()
	jobs = newJobs(nb, now)

	var tx *sqlx.Tx
	tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO email_jobs
		 (id, user_id, sender_id, to_email, subject, body, send_at, status,
		  attempts, max_attempts, min_delay_ms, max_emails_per_hour, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		_, err = stmt.ExecContext(ctx,
			j.ID, j.UserID, j.SenderID, j.ToEmail, j.Subject, j.Body, toMillis(j.SendAt), string(j.Status),
			j.MaxAttempts, j.MinDelayMs, j.MaxEmailsPerHour, toMillis(now), toMillis(now),
		)
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}
	}
	return jobs, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*models.EmailJob, error) {
	var row sqliteJob
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM email_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	job := row.model()
	return &job, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status models.EmailStatus, update models.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_jobs
		 SET status = ?2,
		     attempts = attempts + CASE WHEN ?2 = 'sending' THEN 1 ELSE 0 END,
		     error = CASE WHEN ?2 = 'sent' THEN NULL ELSE COALESCE(?3, error) END,
		     provider_message_id = COALESCE(?4, provider_message_id),
		     sent_at = CASE WHEN ?2 = 'sent' THEN ?5 ELSE sent_at END,
		     max_attempts = CASE WHEN ?6 THEN attempts ELSE max_attempts END,
		     updated_at = ?5
		 WHERE id = ?1 AND (?7 IS NULL OR status = ?7)`,
		id,
		string(status),
		nullable(update.Error),
		nullable(update.ProviderMessageID),
		toMillis(time.Now()),
		update.Final,
		nullable(string(update.From)),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if update.From != "" {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM email_jobs WHERE id = ?)`, id); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("email job %s: %w", id, ErrStatusChanged)
		}
	}
	return fmt.Errorf("email job %s: %w", id, ErrNotFound)
}

func (s *SQLite) ListByUser(ctx context.Context, userID string, statuses []models.EmailStatus, order models.Order, limit int) ([]models.EmailJob, error) {
	if len(statuses) == 0 {
		return []models.EmailJob{}, nil
	}

	args := []any{userID}
	for _, st := range statusStrings(statuses) {
		args = append(args, st)
	}
	q := `SELECT ` + jobColumns + ` FROM email_jobs WHERE user_id = ? AND status IN (?` +
		strings.Repeat(", ?", len(statuses)-1) + `)`

	switch order {
	case models.OrderSentAtDesc:
		q += ` ORDER BY sent_at IS NULL, sent_at DESC, updated_at DESC, id`
	default:
		q += ` ORDER BY send_at ASC, created_at ASC, id`
	}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectJobs(ctx, q, args...)
}

func (s *SQLite) ListRecoverable(ctx context.Context, limit int) ([]models.EmailJob, error) {
	q := `SELECT ` + jobColumns + ` FROM email_jobs
	      WHERE status IN ('queued', 'sending')
	         OR (status = 'failed' AND attempts < max_attempts)
	      ORDER BY send_at, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectJobs(ctx, q, args...)
}

func (s *SQLite) selectJobs(ctx context.Context, q string, args ...any) ([]models.EmailJob, error) {
	var rows []sqliteJob
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	jobs := make([]models.EmailJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.model())
	}
	return jobs, nil
}

func (s *SQLite) GetSender(ctx context.Context, id string) (*models.Sender, error) {
	return s.getSender(ctx, `SELECT `+senderColumns+` FROM senders WHERE id = ?`, id)
}

func (s *SQLite) FindSender(ctx context.Context, id, userID string) (*models.Sender, error) {
	return s.getSender(ctx, `SELECT `+senderColumns+` FROM senders WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLite) ListSenders(ctx context.Context, userID string) ([]models.Sender, error) {
	var rows []sqliteSender
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+senderColumns+` FROM senders WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	senders := make([]models.Sender, 0, len(rows))
	for _, r := range rows {
		senders = append(senders, r.model())
	}
	return senders, nil
}

func (s *SQLite) EnsureDefaultSender(ctx context.Context, userID string, t models.Sender) (*models.Sender, error) {
	first := `SELECT ` + senderColumns + ` FROM senders WHERE user_id = ? ORDER BY created_at, id LIMIT 1`

	existing, err := s.getSender(ctx, first, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO senders (id, user_id, name, from_email, host, port, secure, username, password, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT DO NOTHING`,
		uuid.NewString(), userID, t.Name, t.FromEmail, t.Host, t.Port, t.Secure, t.Username, t.Password,
		toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert default sender: %w", err)
	}
	return s.getSender(ctx, first, userID)
}

func (s *SQLite) getSender(ctx context.Context, q string, args ...any) (*models.Sender, error) {
	var row sqliteSender
	err := s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sender: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sender := row.model()
	return &sender, nil
}

func (s *SQLite) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	var count int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO rate_windows (key, count, expires_at) VALUES (?1, 1, ?2)
		 ON CONFLICT (key) DO UPDATE SET
		     count = CASE WHEN rate_windows.expires_at <= ?3 THEN 1 ELSE rate_windows.count + 1 END,
		     expires_at = CASE WHEN rate_windows.expires_at <= ?3 THEN excluded.expires_at ELSE rate_windows.expires_at END
		 RETURNING count`,
		key, toMillis(now.Add(ttl)), toMillis(now),
	).Scan(&count)
	return count, err
}

func (s *SQLite) PurgeExpiredWindows(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE expires_at <= ?`, toMillis(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
