package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailCadence/internal/auth"
	"MailCadence/internal/csvparser"
	"MailCadence/internal/models"
	"MailCadence/internal/scheduler"
)

const maxUploadBytes = 5 << 20

type Scheduler interface {
	Schedule(ctx context.Context, userID string, req scheduler.Request) (*scheduler.Result, error)
	Pending(ctx context.Context, userID string) ([]models.EmailJob, error)
	History(ctx context.Context, userID string, limit int) ([]models.EmailJob, error)
	Senders(ctx context.Context, userID string) ([]models.Sender, error)
}

type Handler struct {
	Scheduler    Scheduler
	Log          *zap.Logger
	MaxBatchSize int
}

// ScheduleRequest is the JSON body of a batch submission.
type ScheduleRequest struct {
	Subject          string   `json:"subject"`
	Body             string   `json:"body"`
	Emails           []string `json:"emails"`
	SendAt           string   `json:"sendAt,omitempty"`
	SenderID         string   `json:"senderId,omitempty"`
	MinDelayMs       *int     `json:"minDelayMs,omitempty"`
	MaxEmailsPerHour *int     `json:"maxEmailsPerHour,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	sendAt, err := parseSendAt(req.SendAt)
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.schedule(w, r, scheduler.Request{
		Subject:          req.Subject,
		Body:             req.Body,
		Recipients:       req.Emails,
		SendAt:           sendAt,
		SenderID:         req.SenderID,
		MinDelayMs:       req.MinDelayMs,
		MaxEmailsPerHour: req.MaxEmailsPerHour,
	})
}

// ScheduleCSV accepts a multipart form: a "recipients" CSV file with an
// Email column plus the scalar fields of ScheduleRequest as form values.
func (h *Handler) ScheduleCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		errorResponse(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		errorResponse(w, "Form file 'recipients' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	emails, err := csvparser.ParseRecipients(file, h.MaxBatchSize)
	if err != nil {
		errorResponse(w, "Invalid recipients file: "+err.Error(), http.StatusBadRequest)
		return
	}

	sendAt, err := parseSendAt(r.FormValue("sendAt"))
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	minDelay, err := optionalInt(r.FormValue("minDelayMs"), "minDelayMs")
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	maxPerHour, err := optionalInt(r.FormValue("maxEmailsPerHour"), "maxEmailsPerHour")
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.schedule(w, r, scheduler.Request{
		Subject:          r.FormValue("subject"),
		Body:             r.FormValue("body"),
		Recipients:       emails,
		SendAt:           sendAt,
		SenderID:         r.FormValue("senderId"),
		MinDelayMs:       minDelay,
		MaxEmailsPerHour: maxPerHour,
	})
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, req scheduler.Request) {
	id, _ := auth.FromContext(r.Context())

	res, err := h.Scheduler.Schedule(r.Context(), id.ID, req)
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, scheduler.ErrSenderNotFound):
		errorResponse(w, "Sender not found", http.StatusNotFound)
		return
	case err != nil:
		h.Log.Error("schedule failed", zap.String("user_id", id.ID), zap.Error(err))
		errorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) Scheduled(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	jobs, err := h.Scheduler.Pending(r.Context(), id.ID)
	if err != nil {
		h.Log.Error("list scheduled failed", zap.String("user_id", id.ID), zap.Error(err))
		errorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, jobs)
}

func (h *Handler) Sent(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			errorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := h.Scheduler.History(r.Context(), id.ID, limit)
	if err != nil {
		h.Log.Error("list sent failed", zap.String("user_id", id.ID), zap.Error(err))
		errorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, jobs)
}

func (h *Handler) Senders(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	senders, err := h.Scheduler.Senders(r.Context(), id.ID)
	if err != nil {
		h.Log.Error("list senders failed", zap.String("user_id", id.ID), zap.Error(err))
		errorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, senders)
}

func parseSendAt(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.New("sendAt must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func optionalInt(s, field string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, errors.New(field + " must be an integer")
	}
	return &n, nil
}
