package db

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailCadence/internal/models"
	"MailCadence/internal/ratelimit"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func defaultSender(t *testing.T, s *SQLite, userID string) *models.Sender {
	t.Helper()
	sender, err := s.EnsureDefaultSender(context.Background(), userID, models.Sender{
		Name:      "Ops",
		FromEmail: "ops@example.com",
		Host:      "localhost",
		Port:      1025,
		Password:  "secret",
	})
	require.NoError(t, err)
	return sender
}

func TestSQLiteCreateBatchStoresQueuedJobs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")
	sendAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	jobs, err := s.CreateBatch(ctx, models.NewBatch{
		UserID:           "u1",
		SenderID:         sender.ID,
		Subject:          "Hi",
		Body:             "<p>hello</p>",
		Recipients:       []string{"a@x.io", "b@x.io", "c@x.io"},
		SendAt:           sendAt,
		MaxAttempts:      3,
		MinDelayMs:       1000,
		MaxEmailsPerHour: 50,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for i, j := range jobs {
		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Zero(t, got.Attempts)
		assert.Equal(t, jobs[i].ToEmail, got.ToEmail)
		assert.Equal(t, sendAt, got.SendAt)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.Equal(t, 1000, got.MinDelayMs)
		assert.Equal(t, 50, got.MaxEmailsPerHour)
		assert.Nil(t, got.SentAt)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateStatus(context.Background(), "nope", models.StatusSending, models.StatusUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteUpdateStatusLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")

	jobs, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "s", Body: "b",
		Recipients: []string{"a@x.io"}, SendAt: time.Now(), MaxAttempts: 3,
	})
	require.NoError(t, err)
	id := jobs[0].ID

	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSending, models.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusFailed, models.StatusUpdate{Error: "connection refused"}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection refused", got.Error)

	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSending, models.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSent, models.StatusUpdate{ProviderMessageID: "<m1@x.io>"}))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.Error)
	assert.Equal(t, "<m1@x.io>", got.ProviderMessageID)
	require.NotNil(t, got.SentAt)
}

func TestSQLiteListByUserOrdering(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	late, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "late", Body: "b",
		Recipients: []string{"late@x.io"}, SendAt: base.Add(time.Hour), MaxAttempts: 3,
	})
	require.NoError(t, err)
	early, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "early", Body: "b",
		Recipients: []string{"early@x.io", "done@x.io"}, SendAt: base, MaxAttempts: 3,
	})
	require.NoError(t, err)

	other := defaultSender(t, s, "u2")
	_, err = s.CreateBatch(ctx, models.NewBatch{
		UserID: "u2", SenderID: other.ID, Subject: "x", Body: "b",
		Recipients: []string{"u2@x.io"}, SendAt: base, MaxAttempts: 3,
	})
	require.NoError(t, err)

	done := early[1].ID
	require.NoError(t, s.UpdateStatus(ctx, done, models.StatusSent, models.StatusUpdate{}))

	pending, err := s.ListByUser(ctx, "u1", models.PendingStatuses, models.OrderSendAtAsc, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, early[0].ID, pending[0].ID)
	assert.Equal(t, late[0].ID, pending[1].ID)

	history, err := s.ListByUser(ctx, "u1", models.HistoryStatuses, models.OrderSentAtDesc, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, done, history[0].ID)

	limited, err := s.ListByUser(ctx, "u1", models.PendingStatuses, models.OrderSendAtAsc, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteListRecoverable(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")

	jobs, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "s", Body: "b",
		Recipients: []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io"}, SendAt: time.Now(), MaxAttempts: 1,
	})
	require.NoError(t, err)

	// sent
	require.NoError(t, s.UpdateStatus(ctx, jobs[0].ID, models.StatusSent, models.StatusUpdate{}))
	// failed with attempts exhausted
	require.NoError(t, s.UpdateStatus(ctx, jobs[1].ID, models.StatusSending, models.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, jobs[1].ID, models.StatusFailed, models.StatusUpdate{Error: "boom"}))
	// stuck mid-send
	require.NoError(t, s.UpdateStatus(ctx, jobs[2].ID, models.StatusSending, models.StatusUpdate{}))

	got, err := s.ListRecoverable(ctx, 0)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{jobs[2].ID, jobs[3].ID}, ids)
}

func TestSQLiteSenders(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	first := defaultSender(t, s, "u1")
	again := defaultSender(t, s, "u1")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "secret", again.Password)

	found, err := s.FindSender(ctx, first.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", found.FromEmail)

	_, err = s.FindSender(ctx, first.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSender(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListSenders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteIncrWindow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrWindow(ctx, "email:rate:s:1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.IncrWindow(ctx, "email:rate:s:2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	// an already expired window starts over
	_, err = s.IncrWindow(ctx, "email:rate:s:0", -time.Second)
	require.NoError(t, err)
	got, err = s.IncrWindow(ctx, "email:rate:s:0", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	removed, err := s.PurgeExpiredWindows(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSQLiteFinalFailureClosesBudget(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")

	jobs, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "s", Body: "b",
		Recipients: []string{"a@x.io"}, SendAt: time.Now(), MaxAttempts: 3,
	})
	require.NoError(t, err)
	id := jobs[0].ID

	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSending, models.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusFailed, models.StatusUpdate{Error: "550 mailbox unavailable", Final: true}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Equal(t, "550 mailbox unavailable", got.Error)

	recoverable, err := s.ListRecoverable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recoverable)
}

func TestSQLiteCreateBatchIsAllOrNothing(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	defaultSender(t, s, "u1")

	_, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: "no-such-sender", Subject: "s", Body: "b",
		Recipients: []string{"a@x.io", "b@x.io", "c@x.io"}, SendAt: time.Now(), MaxAttempts: 3,
	})
	require.Error(t, err)

	all := []models.EmailStatus{models.StatusQueued, models.StatusSending, models.StatusSent, models.StatusFailed}
	jobs, err := s.ListByUser(ctx, "u1", all, models.OrderSendAtAsc, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	recoverable, err := s.ListRecoverable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recoverable)
}

func TestSQLiteGuardedUpdate(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	sender := defaultSender(t, s, "u1")

	jobs, err := s.CreateBatch(ctx, models.NewBatch{
		UserID: "u1", SenderID: sender.ID, Subject: "s", Body: "b",
		Recipients: []string{"a@x.io"}, SendAt: time.Now(), MaxAttempts: 1,
	})
	require.NoError(t, err)
	id := jobs[0].ID

	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSending, models.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSent, models.StatusUpdate{ProviderMessageID: "<m@x.io>"}))

	err = s.UpdateStatus(ctx, id, models.StatusFailed, models.StatusUpdate{Error: "too late", From: models.StatusSending})
	assert.ErrorIs(t, err, ErrStatusChanged)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.SentAt)

	err = s.UpdateStatus(ctx, "nope", models.StatusFailed, models.StatusUpdate{From: models.StatusSending})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusSent, models.StatusUpdate{From: models.StatusSent}))
}

func TestSQLiteRateCapHoldsUnderConcurrency(t *testing.T) {
	s := newTestSQLite(t)
	limiter := ratelimit.New(s)

	const workers, perWorker, limit = 8, 10, 25
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				d, err := limiter.TryAcquire(context.Background(), "s1", limit)
				if !assert.NoError(t, err) {
					return
				}
				if d.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
}
