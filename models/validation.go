package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// EmailValidation is the latest validation of one address for one user.
// (email, user_id) is unique; revalidating updates the row in place.
type EmailValidation struct {
	gorm.Model
	UserID uint   `gorm:"not null;uniqueIndex:idx_validation_email_user,priority:2" json:"user_id"`
	Email  string `gorm:"not null;uniqueIndex:idx_validation_email_user,priority:1" json:"email"`
	Domain string `gorm:"index" json:"domain"`

	Score    int    `gorm:"not null" json:"score"`
	Status   string `gorm:"not null;index" json:"status"` // valid, risky, possibly_invalid, invalid, invalid_syntax, invalid_domain, blacklisted
	Mode     string `gorm:"not null" json:"mode"`         // shallow, deep
	Terminal bool   `gorm:"default:false" json:"terminal"`

	// Per-check outcomes keyed by check name
	Checks map[string]string `gorm:"serializer:json;type:jsonb" json:"checks"`

	ValidSyntax bool  `json:"valid_syntax"`
	HasMX       bool  `json:"has_mx"`
	SMTPOK      *bool `json:"smtp_ok"`   // nil when not probed
	CatchAll    *bool `json:"catch_all"` // nil when not probed

	ValidatedAt time.Time `json:"validated_at"`

	User User `json:"-"`
}

// Job states
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// ValidationJob is an asynchronous batch submitted through the API and
// processed by the job worker.
type ValidationJob struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Job parameters
	Name      string `json:"name"`
	Status    string `gorm:"default:'pending';index" json:"status"` // pending, processing, completed, failed
	Mode      string `gorm:"default:'deep'" json:"mode"`
	BatchSize int    `gorm:"default:50" json:"batch_size"`
	Notify    bool   `gorm:"default:false" json:"notify"`
	Emails    string `gorm:"type:text" json:"-"` // newline separated
	Error     string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ClaimedAt   *time.Time `gorm:"index" json:"-"` // refreshed by every progress save

	// Progress
	Total     int `gorm:"default:0" json:"total"`
	Completed int `gorm:"default:0" json:"completed"`

	// Results
	ValidCount           int `gorm:"default:0" json:"valid_count"`
	RiskyCount           int `gorm:"default:0" json:"risky_count"`
	PossiblyInvalidCount int `gorm:"default:0" json:"possibly_invalid_count"`
	InvalidCount         int `gorm:"default:0" json:"invalid_count"`
	RejectedCount        int `gorm:"default:0" json:"rejected_count"` // invalid_syntax, invalid_domain, blacklisted
	SkippedCount         int `gorm:"default:0" json:"skipped_count"`
	ErrorCount           int `gorm:"default:0" json:"error_count"`

	User User `json:"-"`
}

// EmailList splits the stored emails.
func (j *ValidationJob) EmailList() []string {
	if j.Emails == "" {
		return nil
	}
	return strings.Split(j.Emails, "\n")
}

// SetEmailList stores emails and resets Total.
func (j *ValidationJob) SetEmailList(emails []string) {
	j.Emails = strings.Join(emails, "\n")
	j.Total = len(emails)
}

// Percent is the share of processed emails, 0-100.
func (j *ValidationJob) Percent() int {
	if j.Total == 0 {
		return 0
	}
	return j.Completed * 100 / j.Total
}

// ResetProgress clears the counters of a job that is run again from the start.
func (j *ValidationJob) ResetProgress() {
	j.Completed = 0
	j.ValidCount = 0
	j.RiskyCount = 0
	j.PossiblyInvalidCount = 0
	j.InvalidCount = 0
	j.RejectedCount = 0
	j.SkippedCount = 0
	j.ErrorCount = 0
}

// CountStatus bumps the counter matching a report status.
func (j *ValidationJob) CountStatus(status string) {
	switch status {
	case "valid":
		j.ValidCount++
	case "risky":
		j.RiskyCount++
	case "possibly_invalid":
		j.PossiblyInvalidCount++
	case "invalid":
		j.InvalidCount++
	case "invalid_syntax", "invalid_domain", "blacklisted":
		j.RejectedCount++
	}
}
