// Package verifier scores email addresses for deliverability and risk.
package verifier

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of a single check.
type Outcome string

const (
	Pass          Outcome = "pass"
	Fail          Outcome = "fail"
	Indeterminate Outcome = "indeterminate"
)

// CheckName identifies a check in reports and in the scoring policy.
type CheckName string

const (
	CheckSyntax        CheckName = "syntax"
	CheckMX            CheckName = "mx"
	CheckARecord       CheckName = "a_record"
	CheckBlacklist     CheckName = "blacklist"
	CheckDomainExpiry  CheckName = "domain_expiry"
	CheckDisposable    CheckName = "disposable"
	CheckFreemail      CheckName = "freemail"
	CheckRoleAccount   CheckName = "role_account"
	CheckAliasForward  CheckName = "alias_forward"
	CheckSPF           CheckName = "spf"
	CheckDKIM          CheckName = "dkim"
	CheckDMARC         CheckName = "dmarc"
	CheckCatchAll      CheckName = "catch_all"
	CheckSMTP          CheckName = "smtp"
	CheckGreylistRetry CheckName = "greylist_retry"
)

// AllChecks lists every check the engine knows, in default policy order.
var AllChecks = []CheckName{
	CheckSyntax,
	CheckMX,
	CheckARecord,
	CheckBlacklist,
	CheckDomainExpiry,
	CheckDisposable,
	CheckFreemail,
	CheckRoleAccount,
	CheckAliasForward,
	CheckSPF,
	CheckDKIM,
	CheckDMARC,
	CheckCatchAll,
	CheckSMTP,
	CheckGreylistRetry,
}

func knownCheck(name CheckName) bool {
	for _, c := range AllChecks {
		if c == name {
			return true
		}
	}
	return false
}

// Category is the stable status string attached to a report.
type Category string

const (
	StatusInvalidSyntax   Category = "invalid_syntax"
	StatusInvalidDomain   Category = "invalid_domain"
	StatusBlacklisted     Category = "blacklisted"
	StatusInvalid         Category = "invalid"
	StatusPossiblyInvalid Category = "possibly_invalid"
	StatusRisky           Category = "risky"
	StatusValid           Category = "valid"
)

// IsTerminal reports whether c is one of the rejection categories that bypass scoring.
func (c Category) IsTerminal() bool {
	switch c {
	case StatusInvalidSyntax, StatusInvalidDomain, StatusBlacklisted:
		return true
	}
	return false
}

// Mode selects how much probing a validation performs.
type Mode string

const (
	Shallow Mode = "shallow"
	Deep    Mode = "deep"
)

// ParseMode accepts "shallow" or "deep" in any case; empty input yields def.
func ParseMode(s string, def Mode) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case string(Shallow):
		return Shallow, nil
	case string(Deep):
		return Deep, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) valid() bool {
	return m == Shallow || m == Deep
}

// CheckOutcome is one named entry of a report.
type CheckOutcome struct {
	Name    CheckName `json:"name"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Adjustment is a score change applied by the policy.
type Adjustment struct {
	Source string `json:"source"`
	Weight int    `json:"weight"`
}

// Report is the result of validating one address. A Report returned by the
// engine is complete: every policy check has an entry.
type Report struct {
	Email       string                     `json:"email"`
	Local       string                     `json:"local_part,omitempty"`
	Domain      string                     `json:"domain,omitempty"`
	Mode        Mode                       `json:"mode"`
	Checks      map[CheckName]CheckOutcome `json:"checks"`
	Adjustments []Adjustment               `json:"adjustments,omitempty"`
	Score       int                        `json:"score"`
	Status      Category                   `json:"status"`
	Terminal    bool                       `json:"terminal"`
	ValidatedAt time.Time                  `json:"validated_at"`
}

// Outcome returns the recorded outcome for name, Indeterminate when absent.
func (r Report) Outcome(name CheckName) Outcome {
	if c, ok := r.Checks[name]; ok {
		return c.Outcome
	}
	return Indeterminate
}

// Passed is shorthand for r.Outcome(name) == Pass.
func (r Report) Passed(name CheckName) bool {
	return r.Outcome(name) == Pass
}

// Key is the storage identity of the address: the local part as given and
// the normalised domain. Reports that failed syntax use the trimmed input.
func (r Report) Key() string {
	if r.Local != "" && r.Domain != "" {
		return r.Local + "@" + r.Domain
	}
	return r.Email
}

// OutcomeMap flattens the checks into name -> outcome strings for storage.
func (r Report) OutcomeMap() map[string]string {
	m := make(map[string]string, len(r.Checks))
	for name, c := range r.Checks {
		m[string(name)] = string(c.Outcome)
	}
	return m
}

// ProbeResult is what a network probe hands back to the engine.
type ProbeResult struct {
	Outcome Outcome
	Detail  string
}

func passed(detail string) ProbeResult {
	return ProbeResult{Outcome: Pass, Detail: detail}
}

func failed(detail string) ProbeResult {
	return ProbeResult{Outcome: Fail, Detail: detail}
}

func indeterminate(detail string) ProbeResult {
	return ProbeResult{Outcome: Indeterminate, Detail: detail}
}

func failIf(risky bool, detail string) ProbeResult {
	if risky {
		return failed(detail)
	}
	return passed("")
}
