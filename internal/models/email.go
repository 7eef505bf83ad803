package models

import "time"

type EmailStatus string

const (
	StatusQueued  EmailStatus = "queued"
	StatusSending EmailStatus = "sending"
	StatusSent    EmailStatus = "sent"
	StatusFailed  EmailStatus = "failed"
)

// Pending statuses back the scheduled view, History statuses the sent view.
var (
	PendingStatuses = []EmailStatus{StatusQueued, StatusSending}
	HistoryStatuses = []EmailStatus{StatusSent, StatusFailed}
)

type EmailJob struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	SenderID string `json:"senderId"`

	ToEmail string `json:"toEmail"`
	Subject string `json:"subject"`
	Body    string `json:"body"`

	SendAt time.Time   `json:"sendAt"`
	Status EmailStatus `json:"status"`

	Attempts         int `json:"attempts"`
	MaxAttempts      int `json:"maxAttempts"`
	MinDelayMs       int `json:"minDelayMs"`
	MaxEmailsPerHour int `json:"maxEmailsPerHour"`

	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBatch is everything the store needs to create the jobs of one submission.
type NewBatch struct {
	UserID     string
	SenderID   string
	Subject    string
	Body       string
	Recipients []string
	SendAt     time.Time

	MaxAttempts      int
	MinDelayMs       int
	MaxEmailsPerHour int
}

// StatusUpdate carries the optional fields of a status transition.
// Empty strings leave the stored value untouched. Final closes the job's
// attempt budget at the attempts made so far. A non-empty From applies the
// transition only while the job is still in that status.
type StatusUpdate struct {
	Error             string
	ProviderMessageID string
	Final             bool
	From              EmailStatus
}

type Order int

const (
	OrderSendAtAsc Order = iota
	OrderSentAtDesc
)

// Dispatch is the queue payload of a single job.
type Dispatch struct {
	JobID            string
	SenderID         string
	MinDelay         time.Duration
	MaxEmailsPerHour int
}

// DispatchFor builds the queue payload from the stored job, so a job
// recovered after a restart runs with the settings it was scheduled with.
func DispatchFor(j EmailJob) Dispatch {
	return Dispatch{
		JobID:            j.ID,
		SenderID:         j.SenderID,
		MinDelay:         time.Duration(j.MinDelayMs) * time.Millisecond,
		MaxEmailsPerHour: j.MaxEmailsPerHour,
	}
}
