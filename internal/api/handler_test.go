package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailCadence/internal/auth"
	"MailCadence/internal/models"
	"MailCadence/internal/scheduler"
)

type fakeScheduler struct {
	userID string
	req    scheduler.Request
	limit  int
	err    error
}

func (f *fakeScheduler) Schedule(_ context.Context, userID string, req scheduler.Request) (*scheduler.Result, error) {
	f.userID, f.req = userID, req
	if f.err != nil {
		return nil, f.err
	}
	return &scheduler.Result{
		Count:  len(req.Recipients),
		Sender: &models.Sender{ID: "s1", FromEmail: "ops@example.com", Password: "secret"},
	}, nil
}

func (f *fakeScheduler) Pending(_ context.Context, userID string) ([]models.EmailJob, error) {
	f.userID = userID
	return []models.EmailJob{{ID: "j1", Status: models.StatusQueued}}, f.err
}

func (f *fakeScheduler) History(_ context.Context, userID string, limit int) ([]models.EmailJob, error) {
	f.userID, f.limit = userID, limit
	return []models.EmailJob{{ID: "j2", Status: models.StatusSent}}, f.err
}

func (f *fakeScheduler) Senders(_ context.Context, userID string) ([]models.Sender, error) {
	f.userID = userID
	return []models.Sender{{ID: "s1", Password: "secret"}}, f.err
}

func newTestServer(s *fakeScheduler) http.Handler {
	h := &Handler{Scheduler: s, Log: zap.NewNop(), MaxBatchSize: 100}
	return NewRouter(h, auth.HeaderProvider{})
}

func do(t *testing.T, srv http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r.Header.Set(auth.HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, r)
	return rec
}

func TestHealthNeedsNoIdentity(t *testing.T) {
	srv := newTestServer(&fakeScheduler{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestEmailRoutesRequireIdentity(t *testing.T) {
	srv := newTestServer(&fakeScheduler{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/email/scheduled", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Unauthorized"}`, rec.Body.String())
}

func TestScheduleJSON(t *testing.T) {
	s := &fakeScheduler{}
	srv := newTestServer(s)

	body := `{"subject":"Hi","body":"<p>x</p>","emails":["a@x.io","b@x.io"],
		"sendAt":"2026-03-01T10:00:00Z","senderId":"s1","minDelayMs":1000,"maxEmailsPerHour":50}`
	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/api/email/schedule", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count  int                    `json:"count"`
		Sender map[string]interface{} `json:"sender"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "s1", resp.Sender["id"])
	assert.NotContains(t, resp.Sender, "password")

	assert.Equal(t, "u1", s.userID)
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, s.req.Recipients)
	assert.Equal(t, "s1", s.req.SenderID)
	require.NotNil(t, s.req.SendAt)
	assert.True(t, s.req.SendAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, s.req.MinDelayMs)
	assert.Equal(t, 1000, *s.req.MinDelayMs)
	require.NotNil(t, s.req.MaxEmailsPerHour)
	assert.Equal(t, 50, *s.req.MaxEmailsPerHour)
}

func TestScheduleErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed json", `{"subject":`, nil, http.StatusBadRequest},
		{"bad sendAt", `{"subject":"s","body":"b","emails":["a@x.io"],"sendAt":"tomorrow"}`, nil, http.StatusBadRequest},
		{"validation", `{"subject":"","body":"b","emails":["a@x.io"]}`, &scheduler.ValidationError{Problems: []string{"subject is required"}}, http.StatusBadRequest},
		{"unknown sender", `{"subject":"s","body":"b","emails":["a@x.io"],"senderId":"nope"}`, scheduler.ErrSenderNotFound, http.StatusNotFound},
		{"storage", `{"subject":"s","body":"b","emails":["a@x.io"]}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeScheduler{err: tc.err})
			rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/api/email/schedule", strings.NewReader(tc.body)))

			assert.Equal(t, tc.status, rec.Code)
			var resp errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
			assert.NotContains(t, resp.Message, "db down")
		})
	}
}

func TestScheduleCSV(t *testing.T) {
	s := &fakeScheduler{}
	srv := newTestServer(s)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("recipients", "list.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("name,email\nAlice,alice@x.io\nBob,bob@x.io\n"))
	require.NoError(t, mw.WriteField("subject", "Hello"))
	require.NoError(t, mw.WriteField("body", "<p>hi</p>"))
	require.NoError(t, mw.WriteField("minDelayMs", "500"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/email/schedule/csv", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, srv, r)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"alice@x.io", "bob@x.io"}, s.req.Recipients)
	assert.Equal(t, "Hello", s.req.Subject)
	require.NotNil(t, s.req.MinDelayMs)
	assert.Equal(t, 500, *s.req.MinDelayMs)
	assert.Nil(t, s.req.MaxEmailsPerHour)
	assert.Nil(t, s.req.SendAt)
}

func TestScheduleCSVWithoutEmailColumn(t *testing.T) {
	srv := newTestServer(&fakeScheduler{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("recipients", "list.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("name\nAlice\n"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/email/schedule/csv", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, srv, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListViews(t *testing.T) {
	s := &fakeScheduler{}
	srv := newTestServer(s)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/email/scheduled", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"j1"`)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/email/sent?limit=25", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, s.limit)
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/email/sent?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/email/senders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeScheduler{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/email/schedule", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSAllowsFrontendWithCredentials(t *testing.T) {
	srv := WithCORS(newTestServer(&fakeScheduler{}), "http://localhost:3000")

	pre := httptest.NewRequest(http.MethodOptions, "/api/email/schedule", nil)
	pre.Header.Set("Origin", "http://localhost:3000")
	pre.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, pre)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	other := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	other.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, other)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInvalidTokenMessage(t *testing.T) {
	p, err := auth.NewJWTProvider("secret")
	require.NoError(t, err)
	srv := NewRouter(&Handler{Scheduler: &fakeScheduler{}, Log: zap.NewNop()}, p)

	r := httptest.NewRequest(http.MethodGet, "/api/email/scheduled", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Invalid or expired token"}`, rec.Body.String())
}
