package verifier_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"mailscore/models"
	"mailscore/verifier"
)

func result(o verifier.Outcome) verifier.ProbeResult {
	return verifier.ProbeResult{Outcome: o, Detail: "fake " + string(o)}
}

// fakeDNS answers every lookup from its fields; zero values pass.
type fakeDNS struct {
	mu                      sync.Mutex
	mx, a, spf, dkim, dmarc verifier.Outcome
	calls                   atomic.Int32
}

func (f *fakeDNS) outcome(o verifier.Outcome) verifier.ProbeResult {
	f.calls.Add(1)
	if o == "" {
		o = verifier.Pass
	}
	return result(o)
}

func (f *fakeDNS) set(fn func(*fakeDNS)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDNS) get(field *verifier.Outcome) verifier.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *field
}

func (f *fakeDNS) HasMX(context.Context, string) verifier.ProbeResult {
	return f.outcome(f.get(&f.mx))
}
func (f *fakeDNS) HasA(context.Context, string) verifier.ProbeResult {
	return f.outcome(f.get(&f.a))
}
func (f *fakeDNS) HasSPF(context.Context, string) verifier.ProbeResult {
	return f.outcome(f.get(&f.spf))
}
func (f *fakeDNS) HasDKIM(context.Context, string) verifier.ProbeResult {
	return f.outcome(f.get(&f.dkim))
}
func (f *fakeDNS) HasDMARC(context.Context, string) verifier.ProbeResult {
	return f.outcome(f.get(&f.dmarc))
}

// fakeSMTP reports a non catch-all server that accepts the recipient unless
// told otherwise.
type fakeSMTP struct {
	catchAll verifier.Outcome
	accept   verifier.SMTPResult
	calls    atomic.Int32
	retries  atomic.Int32
}

func (f *fakeSMTP) recipient() verifier.SMTPResult {
	f.calls.Add(1)
	if f.accept.Outcome == "" {
		return verifier.SMTPResult{ProbeResult: result(verifier.Pass), Code: 250}
	}
	return f.accept
}

func (f *fakeSMTP) AcceptsRecipient(context.Context, verifier.Address) verifier.SMTPResult {
	return f.recipient()
}

func (f *fakeSMTP) AcceptsWithGreylistRetry(context.Context, verifier.Address) verifier.SMTPResult {
	f.retries.Add(1)
	return f.recipient()
}

func (f *fakeSMTP) IsCatchAll(context.Context, string) verifier.ProbeResult {
	f.calls.Add(1)
	if f.catchAll == "" {
		return result(verifier.Pass)
	}
	return result(f.catchAll)
}

type fakeWHOIS struct {
	outcome verifier.Outcome
	calls   atomic.Int32
}

func (f *fakeWHOIS) HasFutureExpiry(context.Context, string) verifier.ProbeResult {
	f.calls.Add(1)
	if f.outcome == "" {
		return result(verifier.Pass)
	}
	return result(f.outcome)
}

type probeSet struct {
	dns   *fakeDNS
	smtp  *fakeSMTP
	whois *fakeWHOIS
}

func newProbeSet() probeSet {
	return probeSet{dns: &fakeDNS{}, smtp: &fakeSMTP{}, whois: &fakeWHOIS{}}
}

func (p probeSet) probes() verifier.Probes {
	return verifier.Probes{DNS: p.dns, SMTP: p.smtp, WHOIS: p.whois}
}

func (p probeSet) calls() int {
	return int(p.dns.calls.Load() + p.smtp.calls.Load() + p.whois.calls.Load())
}

// failingStore refuses every write.
type failingStore struct {
	calls atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Upsert(context.Context, uint, verifier.Report) (*models.EmailValidation, error) {
	s.calls.Add(1)
	return nil, errStoreDown
}
