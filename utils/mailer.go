package utils

import (
	"crypto/tls"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"mailscore/models"
)

// Mailer sends job completion notifications over an authenticated relay.
type Mailer struct {
	dialer     *gomail.Dialer
	from       string
	maxRetries int
	send       func(m *gomail.Message) error
}

func NewMailer(host string, port int, username, password, from string) *Mailer {
	dialer := gomail.NewDialer(host, port, username, password)
	dialer.LocalName = "localhost"
	dialer.TLSConfig = &tls.Config{ServerName: host}

	m := &Mailer{dialer: dialer, from: from, maxRetries: 3}
	m.send = func(msg *gomail.Message) error { return m.dialer.DialAndSend(msg) }
	return m
}

// NewMailerWithSender is used by tests to capture messages instead of
// dialing a relay.
func NewMailerWithSender(from string, send func(m *gomail.Message) error) *Mailer {
	return &Mailer{from: from, maxRetries: 1, send: send}
}

// SendJobSummary emails the outcome counters of a finished job.
func (m *Mailer) SendJobSummary(to string, job *models.ValidationJob) error {
	msg := JobSummaryMessage(m.from, to, job)

	var lastError error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}
		if lastError = m.send(msg); lastError == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to send job summary after %d attempts: %w", m.maxRetries, lastError)
}

// JobSummaryMessage builds the notification for job.
func JobSummaryMessage(from, to string, job *models.ValidationJob) *gomail.Message {
	name := job.Name
	if name == "" {
		name = fmt.Sprintf("#%d", job.ID)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Email validation job %s %s", name, job.Status))
	msg.SetBody("text/plain", fmt.Sprintf(
		"Job %s finished with status %s.\n\n"+
			"Processed: %d of %d\n"+
			"Valid: %d\n"+
			"Risky: %d\n"+
			"Possibly invalid: %d\n"+
			"Invalid: %d\n"+
			"Rejected: %d\n"+
			"Skipped: %d\n"+
			"Errors: %d\n",
		name, job.Status,
		job.Completed, job.Total,
		job.ValidCount,
		job.RiskyCount,
		job.PossiblyInvalidCount,
		job.InvalidCount,
		job.RejectedCount,
		job.SkippedCount,
		job.ErrorCount,
	))
	return msg
}
