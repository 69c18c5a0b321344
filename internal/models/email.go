package models

import "time"

type EmailStatus string

const (
	StatusPending EmailStatus = "PENDING"
	StatusSending EmailStatus = "SENDING"
	StatusSent    EmailStatus = "SENT"
	StatusFailed  EmailStatus = "FAILED"
)

// TemplateWelcome is the only template the dispatch worker handles.
// Other templates may sit in the table but are never selected.
const TemplateWelcome = "WELCOME"

// EmailJob is one row of the email_jobs queue table.
//
// Status is mutated only by the dispatch worker after insert. SentAt is
// set exactly once, on the transition to SENT. LastError holds the most
// recent delivery failure and is cleared whenever the job is claimed.
type EmailJob struct {
	ID       string      `json:"id"`
	Email    string      `json:"email"`
	Template string      `json:"template"`
	Status   EmailStatus `json:"status"`
	Attempts int         `json:"attempts"`

	LastError *string    `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}
