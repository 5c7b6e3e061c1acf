package verifier_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscore/verifier"
)

// zone is a tiny authoritative server. Names absent from records answer
// NXDOMAIN unless listed in empty; names in servfail answer SERVFAIL.
type zone struct {
	records  map[string][]string
	empty    map[string]bool
	servfail map[string]bool
	delay    time.Duration
	queries  atomic.Int32
}

func (z *zone) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	z.queries.Add(1)
	time.Sleep(z.delay)
	m := new(dns.Msg)
	m.SetReply(r)
	q := r.Question[0]

	switch {
	case z.servfail[q.Name]:
		m.Rcode = dns.RcodeServerFailure
	case z.records[q.Name] == nil && !z.empty[q.Name]:
		m.Rcode = dns.RcodeNameError
	default:
		for _, text := range z.records[q.Name] {
			rr, err := dns.NewRR(text)
			if err == nil && rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		}
	}
	_ = w.WriteMsg(m)
}

func startZone(t *testing.T, z *zone) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: z, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func testZone() *zone {
	return &zone{
		records: map[string][]string{
			"example.com.": {
				"example.com. 300 IN MX 20 mx2.example.com.",
				"example.com. 300 IN MX 10 mx1.example.com.",
				`example.com. 300 IN TXT "google-site-verification=abc"`,
				`example.com. 300 IN TXT "v=spf1 include:_spf.example.com -all"`,
				"example.com. 300 IN A 192.0.2.10",
			},
			"_dmarc.example.com.":               {`_dmarc.example.com. 300 IN TXT "v=DMARC1; p=reject"`},
			"default._domainkey.example.com.":   {`default._domainkey.example.com. 300 IN TXT "v=DKIM1; k=rsa; p=MIGf"`},
			"selector1._domainkey.example.com.": {`selector1._domainkey.example.com. 300 IN TXT "v=DKIM1; p=MIIB"`},
			"webonly.test.":                     {"webonly.test. 300 IN AAAA 2001:db8::1"},
			"nullmx.test.":                      {"nullmx.test. 300 IN MX 0 ."},
		},
		empty:    map[string]bool{"bare.test.": true},
		servfail: map[string]bool{"broken.test.": true},
	}
}

func newTestResolver(t *testing.T, z *zone, selector string) *verifier.DNSResolver {
	return verifier.NewDNSResolver(verifier.DNSConfig{
		Servers:      []string{startZone(t, z)},
		Timeout:      time.Second,
		DKIMSelector: selector,
	})
}

func TestDNSResolver_MXHosts(t *testing.T) {
	r := newTestResolver(t, testZone(), "")
	ctx := context.Background()

	hosts, res := r.MXHosts(ctx, "Example.COM")
	require.Equal(t, verifier.Pass, res.Outcome, res.Detail)
	assert.Equal(t, []string{"mx1.example.com", "mx2.example.com"}, hosts)

	tests := []struct {
		domain  string
		outcome verifier.Outcome
	}{
		{"example.com", verifier.Pass},
		{"missing.test", verifier.Fail},
		{"bare.test", verifier.Fail},
		{"nullmx.test", verifier.Fail},
		{"broken.test", verifier.Indeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			res := r.HasMX(ctx, tt.domain)
			assert.Equal(t, tt.outcome, res.Outcome, res.Detail)
		})
	}
}

func TestDNSResolver_CachesDefinitiveAnswers(t *testing.T) {
	z := testZone()
	r := newTestResolver(t, z, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, res := r.MXHosts(ctx, "example.com")
		require.Equal(t, verifier.Pass, res.Outcome)
	}
	assert.EqualValues(t, 1, z.queries.Load())

	for i := 0; i < 2; i++ {
		_, res := r.MXHosts(ctx, "broken.test")
		require.Equal(t, verifier.Indeterminate, res.Outcome)
	}
	assert.EqualValues(t, 3, z.queries.Load(), "server failures are not cached")
}

func TestDNSResolver_SharedLookupSurvivesCallerCancel(t *testing.T) {
	z := testZone()
	z.delay = 200 * time.Millisecond
	r := newTestResolver(t, z, "")

	leaving, cancel := context.WithCancel(context.Background())
	first := make(chan verifier.ProbeResult, 1)
	go func() {
		_, res := r.MXHosts(leaving, "example.com")
		first <- res
	}()
	require.Eventually(t, func() bool { return z.queries.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan verifier.ProbeResult, 1)
	go func() {
		_, res := r.MXHosts(context.Background(), "example.com")
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	gone := <-first
	assert.Equal(t, verifier.Indeterminate, gone.Outcome)
	assert.Contains(t, gone.Detail, "canceled")

	waited := <-second
	assert.Equal(t, verifier.Pass, waited.Outcome, waited.Detail)
	assert.EqualValues(t, 1, z.queries.Load(), "both callers shared one query")
}

func TestDNSResolver_HasA(t *testing.T) {
	r := newTestResolver(t, testZone(), "")
	ctx := context.Background()

	assert.Equal(t, verifier.Pass, r.HasA(ctx, "example.com").Outcome)
	assert.Equal(t, verifier.Pass, r.HasA(ctx, "webonly.test").Outcome)
	assert.Equal(t, verifier.Fail, r.HasA(ctx, "bare.test").Outcome)
	assert.Equal(t, verifier.Fail, r.HasA(ctx, "missing.test").Outcome)
	assert.Equal(t, verifier.Indeterminate, r.HasA(ctx, "broken.test").Outcome)
}

func TestDNSResolver_AuthenticationRecords(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, testZone(), "")

	spf := r.HasSPF(ctx, "example.com")
	assert.Equal(t, verifier.Pass, spf.Outcome)
	assert.Contains(t, spf.Detail, "v=spf1")
	assert.Equal(t, verifier.Pass, r.HasDMARC(ctx, "example.com").Outcome)
	assert.Equal(t, verifier.Pass, r.HasDKIM(ctx, "example.com").Outcome)

	assert.Equal(t, verifier.Fail, r.HasSPF(ctx, "bare.test").Outcome)
	assert.Equal(t, verifier.Fail, r.HasDMARC(ctx, "bare.test").Outcome)
	assert.Equal(t, verifier.Fail, r.HasDKIM(ctx, "missing.test").Outcome)
	assert.Equal(t, verifier.Indeterminate, r.HasSPF(ctx, "broken.test").Outcome)

	custom := newTestResolver(t, testZone(), "selector1")
	assert.Equal(t, verifier.Pass, custom.HasDKIM(ctx, "example.com").Outcome)
	dkim := custom.HasDKIM(ctx, "webonly.test")
	assert.Equal(t, verifier.Fail, dkim.Outcome)
	assert.Contains(t, dkim.Detail, "selector1")
}

func TestDNSResolver_NoReachableServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	// The socket is bound but never answers.
	r := verifier.NewDNSResolver(verifier.DNSConfig{
		Servers: []string{pc.LocalAddr().String()},
		Timeout: 100 * time.Millisecond,
	})
	res := r.HasMX(context.Background(), "example.com")
	assert.Equal(t, verifier.Indeterminate, res.Outcome)
}
