package verifier

import (
	"context"

	"mailscore/models"
)

// DNSProber answers the record-presence questions. Implementations never
// return errors: failures are folded into the ProbeResult.
type DNSProber interface {
	HasMX(ctx context.Context, domain string) ProbeResult
	HasA(ctx context.Context, domain string) ProbeResult
	HasSPF(ctx context.Context, domain string) ProbeResult
	HasDKIM(ctx context.Context, domain string) ProbeResult
	HasDMARC(ctx context.Context, domain string) ProbeResult
}

// SMTPResult is the outcome of a recipient probe.
type SMTPResult struct {
	ProbeResult
	Code    int
	Retried bool
	// After is the outcome of the retry; only meaningful when Retried.
	After Outcome
}

// SMTPProber runs RCPT probes against a domain's first MX host.
type SMTPProber interface {
	// AcceptsRecipient passes iff the server answers 250 to RCPT TO addr.
	AcceptsRecipient(ctx context.Context, addr Address) SMTPResult
	// AcceptsWithGreylistRetry is AcceptsRecipient with one retry after a 450.
	AcceptsWithGreylistRetry(ctx context.Context, addr Address) SMTPResult
	// IsCatchAll fails when the server accepts a random recipient.
	IsCatchAll(ctx context.Context, domain string) ProbeResult
}

// WHOISProber checks domain registration.
type WHOISProber interface {
	// HasFutureExpiry passes when the registry reports an expiry in the future.
	HasFutureExpiry(ctx context.Context, domain string) ProbeResult
}

// Probes bundles the network collaborators of the engine.
type Probes struct {
	DNS   DNSProber
	SMTP  SMTPProber
	WHOIS WHOISProber
}

// Ledger is the credit gateway the engine debits before validating.
type Ledger interface {
	// Debit removes amount credits spent on email and returns the new
	// balance. It fails with a *CreditError when the user is unknown or the
	// balance is too low.
	Debit(ctx context.Context, userID uint, amount int, email string) (int, error)
}

// ResultStore persists reports, one record per (email, user).
type ResultStore interface {
	Upsert(ctx context.Context, userID uint, report Report) (*models.EmailValidation, error)
}
