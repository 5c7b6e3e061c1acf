package verifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine scores email addresses. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	policy  *Policy
	lists   *DomainLists
	probes  Probes
	ledger  Ledger
	store   ResultStore
	logger  logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine. A nil policy or lists selects the defaults.
func NewEngine(policy *Policy, lists *DomainLists, probes Probes, ledger Ledger, store ResultStore, opts ...Option) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if lists == nil {
		lists = DefaultDomainLists()
	}
	e := &Engine{
		policy: policy,
		lists:  lists,
		probes: probes,
		ledger: ledger,
		store:  store,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's scoring policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Validate debits one credit for userID, scores email and stores the report.
//
// Precondition failures return a *CreditError and no report; nothing is
// probed. A store failure returns the complete report together with a
// *PersistError.
func (e *Engine) Validate(ctx context.Context, email string, userID uint, mode Mode) (Report, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Report{}, ErrEmptyEmail
	}
	if !mode.valid() {
		return Report{}, ErrInvalidMode
	}
	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{"user_id": userID, "mode": mode})

	if _, err := e.ledger.Debit(ctx, userID, 1, email); err != nil {
		if IsCreditError(err) {
			if errors.Is(err, ErrInsufficientCredits) {
				e.metrics.incDebit("insufficient")
			} else {
				e.metrics.incDebit("not_found")
			}
			log.WithError(err).Debug("debit refused")
			return Report{}, err
		}
		e.metrics.incDebit("error")
		log.WithError(err).Error("debit failed")
		return Report{}, &PersistError{Op: "debit", Err: err}
	}
	e.metrics.incDebit("ok")

	report := e.Evaluate(ctx, email, mode)

	if _, err := e.store.Upsert(ctx, userID, report); err != nil {
		log.WithError(err).WithField("status", report.Status).Error("validation computed but not stored")
		e.metrics.observeValidate(time.Since(start))
		return report, &PersistError{Op: "upsert", Err: err}
	}
	e.metrics.observeValidate(time.Since(start))
	return report, nil
}

// evaluation carries the state of one Evaluate call.
type evaluation struct {
	mu     sync.Mutex
	report Report
	ran    map[CheckName]bool
}

func (ev *evaluation) record(name CheckName, r ProbeResult) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.report.Checks[name] = CheckOutcome{Name: name, Outcome: r.Outcome, Detail: r.Detail}
	ev.ran[name] = true
}

// Evaluate scores email without touching the ledger or the store.
func (e *Engine) Evaluate(ctx context.Context, email string, mode Mode) Report {
	email = strings.TrimSpace(email)
	if !mode.valid() {
		mode = Shallow
	}
	ev := &evaluation{
		report: Report{
			Email:       email,
			Mode:        mode,
			Checks:      make(map[CheckName]CheckOutcome, len(e.policy.checks)),
			ValidatedAt: e.now().UTC(),
		},
		ran: make(map[CheckName]bool, len(e.policy.checks)),
	}
	for _, spec := range e.policy.checks {
		ev.report.Checks[spec.Name] = CheckOutcome{Name: spec.Name, Outcome: Indeterminate, Detail: "not evaluated"}
	}

	if terminal, done := e.runGates(ctx, ev); done {
		report := e.terminate(ev, terminal)
		e.metrics.incValidation(report.Status, mode)
		return report
	}
	e.runChecks(ctx, ev, mode)
	report := e.score(ev)
	e.metrics.incValidation(report.Status, mode)
	return report
}

// runGates runs syntax, MX and blacklist in order and stops at the first
// terminal failure.
func (e *Engine) runGates(ctx context.Context, ev *evaluation) (CheckName, bool) {
	addr, reason := checkSyntax(ev.report.Email)
	if reason != "" {
		ev.record(CheckSyntax, failed(reason))
		return CheckSyntax, true
	}
	ev.record(CheckSyntax, passed(""))
	ev.report.Local = addr.Local
	ev.report.Domain = addr.Domain

	mx := e.probeDNS(ctx, "mx", DNSProber.HasMX, addr.Domain)
	ev.record(CheckMX, mx)
	domainAlive := mx.Outcome == Pass
	if !domainAlive && mx.Outcome == Fail && e.policy.FallbackToA() {
		a := e.probeDNS(ctx, "a", DNSProber.HasA, addr.Domain)
		ev.record(CheckARecord, a)
		domainAlive = a.Outcome == Pass
	} else {
		ev.report.Checks[CheckARecord] = CheckOutcome{Name: CheckARecord, Outcome: Indeterminate, Detail: "not consulted"}
	}
	if !domainAlive && e.isTerminal(CheckMX) {
		return CheckMX, true
	}

	listed := e.lists.IsBlacklistedDomain(addr.Domain)
	ev.record(CheckBlacklist, failIf(listed, "domain is blacklisted"))
	if listed && e.isTerminal(CheckBlacklist) {
		return CheckBlacklist, true
	}
	return "", false
}

func (e *Engine) isTerminal(name CheckName) bool {
	spec, _ := e.policy.Spec(name)
	return spec.TerminalOnFail
}

func (e *Engine) terminate(ev *evaluation, cause CheckName) Report {
	spec, _ := e.policy.Spec(cause)
	report := ev.report
	report.Score = 0
	report.Status = spec.TerminalStatus
	report.Terminal = true
	report.Adjustments = nil
	return report
}

// runChecks issues the non-terminal checks concurrently. Results are only
// recorded here; scoring happens afterwards in policy order.
func (e *Engine) runChecks(ctx context.Context, ev *evaluation, mode Mode) {
	addr := Address{Raw: ev.report.Email, Local: ev.report.Local, Domain: ev.report.Domain}
	runs := func(name CheckName) bool { return e.policy.Runs(name, mode) }

	if runs(CheckDisposable) {
		ev.record(CheckDisposable, failIf(e.lists.IsDisposableDomain(addr.Domain), "disposable mailbox provider"))
	}
	if runs(CheckFreemail) {
		ev.record(CheckFreemail, failIf(e.lists.IsFreemailDomain(addr.Domain), "free mailbox provider"))
	}
	if runs(CheckRoleAccount) {
		ev.record(CheckRoleAccount, failIf(e.lists.IsRoleAccount(addr.Local), "role account"))
	}
	if runs(CheckAliasForward) {
		ev.record(CheckAliasForward, failIf(HasAliasForwardingMarker(addr.Local), "alias or forwarding marker in local part"))
	}

	var g errgroup.Group
	if runs(CheckDomainExpiry) {
		g.Go(func() error {
			ev.record(CheckDomainExpiry, e.probeWHOIS(ctx, addr.Domain))
			return nil
		})
	}
	dnsChecks := []struct {
		name  CheckName
		probe string
		fn    dnsLookup
	}{
		{CheckSPF, "spf", DNSProber.HasSPF},
		{CheckDKIM, "dkim", DNSProber.HasDKIM},
		{CheckDMARC, "dmarc", DNSProber.HasDMARC},
	}
	for _, dc := range dnsChecks {
		if !runs(dc.name) {
			continue
		}
		dc := dc
		g.Go(func() error {
			ev.record(dc.name, e.probeDNS(ctx, dc.probe, dc.fn, addr.Domain))
			return nil
		})
	}
	if mode == Deep && (runs(CheckCatchAll) || runs(CheckSMTP)) {
		g.Go(func() error {
			e.runSMTP(ctx, ev, addr, mode)
			return nil
		})
	}
	_ = g.Wait()
}

// runSMTP probes catch-all before the recipient so a positive RCPT is never
// read without knowing whether the server accepts everyone.
func (e *Engine) runSMTP(ctx context.Context, ev *evaluation, addr Address, mode Mode) {
	if e.probes.SMTP == nil {
		for _, name := range []CheckName{CheckCatchAll, CheckSMTP, CheckGreylistRetry} {
			if e.policy.Runs(name, mode) {
				ev.record(name, indeterminate("smtp probing not configured"))
			}
		}
		return
	}
	if e.policy.Runs(CheckCatchAll, mode) {
		start := time.Now()
		r := e.probes.SMTP.IsCatchAll(ctx, addr.Domain)
		e.metrics.observeProbe("catch_all", r.Outcome, time.Since(start))
		ev.record(CheckCatchAll, r)
	}
	if !e.policy.Runs(CheckSMTP, mode) {
		return
	}

	start := time.Now()
	var res SMTPResult
	if e.policy.GreylistRetry() {
		res = e.probes.SMTP.AcceptsWithGreylistRetry(ctx, addr)
	} else {
		res = e.probes.SMTP.AcceptsRecipient(ctx, addr)
	}
	e.metrics.observeProbe("smtp", res.Outcome, time.Since(start))
	ev.record(CheckSMTP, res.ProbeResult)

	if !e.policy.Runs(CheckGreylistRetry, mode) {
		return
	}
	switch {
	case !e.policy.GreylistRetry():
		ev.record(CheckGreylistRetry, indeterminate("retry disabled"))
	case res.Retried:
		ev.record(CheckGreylistRetry, ProbeResult{Outcome: res.After, Detail: res.Detail})
	default:
		ev.record(CheckGreylistRetry, indeterminate("no temporary rejection"))
	}
}

type dnsLookup func(DNSProber, context.Context, string) ProbeResult

func (e *Engine) probeDNS(ctx context.Context, probe string, lookup dnsLookup, domain string) ProbeResult {
	if e.probes.DNS == nil {
		return indeterminate("dns probing not configured")
	}
	start := time.Now()
	r := lookup(e.probes.DNS, ctx, domain)
	e.metrics.observeProbe(probe, r.Outcome, time.Since(start))
	return r
}

func (e *Engine) probeWHOIS(ctx context.Context, domain string) ProbeResult {
	if e.probes.WHOIS == nil {
		return indeterminate("whois probing not configured")
	}
	start := time.Now()
	r := e.probes.WHOIS.HasFutureExpiry(ctx, domain)
	e.metrics.observeProbe("whois", r.Outcome, time.Since(start))
	return r
}

// score applies weights in policy order. A check that ran and did not pass
// costs its weight; Fail and Indeterminate are treated alike.
func (e *Engine) score(ev *evaluation) Report {
	report := ev.report
	total := MaxScore
	triggered := make(map[string]bool)
	var groups []string

	for _, spec := range e.policy.checks {
		if !ev.ran[spec.Name] || report.Checks[spec.Name].Outcome == Pass {
			continue
		}
		if spec.Weight != 0 {
			total += spec.Weight
			report.Adjustments = append(report.Adjustments, Adjustment{Source: string(spec.Name), Weight: spec.Weight})
		}
		if spec.Group != "" && !triggered[spec.Group] {
			triggered[spec.Group] = true
			groups = append(groups, spec.Group)
		}
	}
	for _, group := range groups {
		if w := e.policy.GroupPenalty(group); w != 0 {
			total += w
			report.Adjustments = append(report.Adjustments, Adjustment{Source: group, Weight: w})
		}
	}

	report.Score = Clamp(total)
	report.Status = e.policy.Categorize(report.Score)
	return report
}
