package verifier

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultDKIMSelector = "default"
	defaultMXCacheTTL   = 5 * time.Minute
)

var fallbackNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// DNSConfig configures DNSResolver.
type DNSConfig struct {
	// Servers are host:port nameservers tried in order.
	Servers      []string
	Timeout      time.Duration
	DKIMSelector string
	// CacheTTL bounds how long definitive MX answers are reused.
	CacheTTL time.Duration
}

// DNSResolver implements DNSProber on top of miekg/dns so that NXDOMAIN can
// be told apart from timeouts and server failures.
type DNSResolver struct {
	cfg   DNSConfig
	udp   *dns.Client
	tcp   *dns.Client
	group singleflight.Group

	mu      sync.Mutex
	mxCache map[string]mxEntry
	now     func() time.Time
}

type mxEntry struct {
	hosts   []string
	result  ProbeResult
	expires time.Time
}

// NewDNSResolver fills zero config fields with defaults.
func NewDNSResolver(cfg DNSConfig) *DNSResolver {
	if len(cfg.Servers) == 0 {
		cfg.Servers = SystemNameservers()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.DKIMSelector == "" {
		cfg.DKIMSelector = DefaultDKIMSelector
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultMXCacheTTL
	}
	return &DNSResolver{
		cfg:     cfg,
		udp:     &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		mxCache: make(map[string]mxEntry),
		now:     time.Now,
	}
}

// SystemNameservers reads /etc/resolv.conf, falling back to public resolvers.
func SystemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// HasMX passes when the domain publishes at least one usable MX host.
func (r *DNSResolver) HasMX(ctx context.Context, domain string) ProbeResult {
	hosts, res := r.MXHosts(ctx, domain)
	if res.Outcome == Pass {
		return passed(fmt.Sprintf("%d mx host(s), first %s", len(hosts), hosts[0]))
	}
	return res
}

// MXHosts returns the MX hosts of domain ordered by preference.
func (r *DNSResolver) MXHosts(ctx context.Context, domain string) ([]string, ProbeResult) {
	domain = strings.ToLower(domain)

	r.mu.Lock()
	if e, ok := r.mxCache[domain]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return append([]string(nil), e.hosts...), e.result
	}
	r.mu.Unlock()

	// The lookup is shared by every concurrent caller, so it runs detached
	// from the first caller's cancellation; query bounds it with cfg.Timeout.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(domain, func() (interface{}, error) {
		e := r.lookupMX(shared, domain)
		if e.result.Outcome != Indeterminate {
			e.expires = r.now().Add(r.cfg.CacheTTL)
			r.mu.Lock()
			r.mxCache[domain] = e
			r.mu.Unlock()
		}
		return e, nil
	})
	select {
	case res := <-ch:
		e := res.Val.(mxEntry)
		return append([]string(nil), e.hosts...), e.result
	case <-ctx.Done():
		return nil, indeterminate(fmt.Sprintf("%s MX lookup: %v", domain, ctx.Err()))
	}
}

func (r *DNSResolver) lookupMX(ctx context.Context, domain string) mxEntry {
	answers, res := r.query(ctx, domain, dns.TypeMX)
	if res.Outcome != Pass {
		return mxEntry{result: res}
	}
	var records []*dns.MX
	for _, rr := range answers {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mx)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Preference < records[j].Preference })

	var hosts []string
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Mx, ".")
		if host == "" {
			// RFC 7505 null MX: the domain accepts no mail.
			return mxEntry{result: failed("domain publishes a null MX")}
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return mxEntry{result: failed("no MX records")}
	}
	return mxEntry{hosts: hosts, result: passed("")}
}

// HasA passes when the domain resolves to an IPv4 or IPv6 address.
func (r *DNSResolver) HasA(ctx context.Context, domain string) ProbeResult {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, res := r.query(ctx, domain, qtype)
		if res.Outcome != Pass {
			return res
		}
		for _, rr := range answers {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				return passed(rr.String())
			}
		}
	}
	return failed("no A or AAAA records")
}

// HasSPF passes when a TXT record at the domain contains v=spf1.
func (r *DNSResolver) HasSPF(ctx context.Context, domain string) ProbeResult {
	return r.txtContains(ctx, domain, "v=spf1", "no SPF record")
}

// HasDKIM passes when any TXT record exists at <selector>._domainkey.<domain>.
func (r *DNSResolver) HasDKIM(ctx context.Context, domain string) ProbeResult {
	return r.txtContains(ctx, r.cfg.DKIMSelector+"._domainkey."+domain, "", "no DKIM record for selector "+r.cfg.DKIMSelector)
}

// HasDMARC passes when _dmarc.<domain> has a v=DMARC1 TXT record.
func (r *DNSResolver) HasDMARC(ctx context.Context, domain string) ProbeResult {
	return r.txtContains(ctx, "_dmarc."+domain, "v=dmarc1", "no DMARC record")
}

func (r *DNSResolver) txtContains(ctx context.Context, name, needle, missing string) ProbeResult {
	answers, res := r.query(ctx, name, dns.TypeTXT)
	if res.Outcome == Fail {
		return failed(missing)
	}
	if res.Outcome != Pass {
		return res
	}
	for _, rr := range answers {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		value := strings.Join(txt.Txt, "")
		if needle == "" || strings.Contains(strings.ToLower(value), needle) {
			return passed(value)
		}
	}
	return failed(missing)
}

// query asks each server in turn. Pass means the name resolved (answers may
// still be empty), Fail means NXDOMAIN, Indeterminate means no server gave a
// usable answer.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, ProbeResult) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	lastErr := "no nameservers configured"
	for _, server := range r.cfg.Servers {
		in, _, err := r.udp.ExchangeContext(ctx, m, server)
		if err == nil && in.Truncated {
			in, _, err = r.tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err.Error()
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in.Answer, passed("")
		case dns.RcodeNameError:
			return nil, failed(fmt.Sprintf("%s does not exist", name))
		default:
			lastErr = fmt.Sprintf("%s from %s", dns.RcodeToString[in.Rcode], server)
		}
	}
	return nil, indeterminate(fmt.Sprintf("%s %s lookup: %s", name, dns.TypeToString[qtype], lastErr))
}
