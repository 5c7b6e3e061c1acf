// Package verifiertest provides fixed-answer probes and an in-memory engine
// for tests of packages built on top of the verifier.
package verifiertest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailscore/store"
	"mailscore/verifier"
)

func answer(o verifier.Outcome) verifier.ProbeResult {
	if o == "" {
		o = verifier.Pass
	}
	return verifier.ProbeResult{Outcome: o, Detail: "static " + string(o)}
}

// answerAfter holds the answer back for delay, giving up when ctx ends.
func answerAfter(ctx context.Context, delay time.Duration, o verifier.Outcome) verifier.ProbeResult {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return verifier.ProbeResult{Outcome: verifier.Indeterminate, Detail: ctx.Err().Error()}
		}
	}
	return answer(o)
}

// StaticDNS answers every lookup with the outcome in its field. Zero values
// pass. Delay holds individual checks back.
type StaticDNS struct {
	MX, A, SPF, DKIM, DMARC verifier.Outcome
	Delay                   map[verifier.CheckName]time.Duration
}

func (d StaticDNS) HasMX(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, d.Delay[verifier.CheckMX], d.MX)
}

func (d StaticDNS) HasA(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, d.Delay[verifier.CheckARecord], d.A)
}

func (d StaticDNS) HasSPF(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, d.Delay[verifier.CheckSPF], d.SPF)
}

func (d StaticDNS) HasDKIM(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, d.Delay[verifier.CheckDKIM], d.DKIM)
}

func (d StaticDNS) HasDMARC(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, d.Delay[verifier.CheckDMARC], d.DMARC)
}

// StaticSMTP is a server that is not catch-all and accepts every recipient
// unless Reject is set.
type StaticSMTP struct {
	Reject   bool
	CatchAll bool
}

func (s StaticSMTP) recipient() verifier.SMTPResult {
	if s.Reject {
		return verifier.SMTPResult{ProbeResult: answer(verifier.Fail), Code: 550}
	}
	return verifier.SMTPResult{ProbeResult: answer(verifier.Pass), Code: 250}
}

func (s StaticSMTP) AcceptsRecipient(context.Context, verifier.Address) verifier.SMTPResult {
	return s.recipient()
}

func (s StaticSMTP) AcceptsWithGreylistRetry(context.Context, verifier.Address) verifier.SMTPResult {
	return s.recipient()
}

func (s StaticSMTP) IsCatchAll(context.Context, string) verifier.ProbeResult {
	if s.CatchAll {
		return answer(verifier.Fail)
	}
	return answer(verifier.Pass)
}

// StaticWHOIS reports a registered domain unless Outcome says otherwise.
type StaticWHOIS struct {
	Outcome verifier.Outcome
	Delay   time.Duration
}

func (w StaticWHOIS) HasFutureExpiry(ctx context.Context, _ string) verifier.ProbeResult {
	return answerAfter(ctx, w.Delay, w.Outcome)
}

// Probes returns probes under which a well-formed corporate address scores 100.
func Probes() verifier.Probes {
	return verifier.Probes{DNS: StaticDNS{}, SMTP: StaticSMTP{}, WHOIS: StaticWHOIS{}}
}

// Env is an engine over in-memory stores.
type Env struct {
	Engine  *verifier.Engine
	Ledger  *store.MemoryLedger
	Results *store.MemoryResultStore
}

var quietLogger = sync.OnceValue(func() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
})

// NewEnv opens the given accounts and builds an engine over probes. opts
// are applied after the quiet test logger.
func NewEnv(probes verifier.Probes, accounts map[uint]int, opts ...verifier.Option) *Env {
	env := &Env{Ledger: store.NewMemoryLedger(), Results: store.NewMemoryResultStore()}
	for userID, balance := range accounts {
		env.Ledger.Open(userID, balance)
	}
	opts = append([]verifier.Option{verifier.WithLogger(quietLogger())}, opts...)
	env.Engine = verifier.NewEngine(nil, nil, probes, env.Ledger, env.Results, opts...)
	return env
}
