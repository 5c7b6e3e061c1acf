package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
)

var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"2006/01/02",
}

// WHOISLookup returns the raw WHOIS answer for domain. It must return once
// ctx is done.
type WHOISLookup func(ctx context.Context, domain string) (string, error)

// WHOISProbe implements WHOISProber with likexian/whois.
type WHOISProbe struct {
	timeout time.Duration
	lookup  WHOISLookup
	now     func() time.Time
}

// NewWHOISProbe builds a probe with its own per-query timeout.
func NewWHOISProbe(timeout time.Duration) *WHOISProbe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &WHOISProbe{
		timeout: timeout,
		lookup: func(ctx context.Context, domain string) (string, error) {
			client := whois.NewClient().
				SetDialer(ctxDialer{ctx: ctx, dialer: net.Dialer{Timeout: timeout}}).
				SetTimeout(timeout)
			return client.Whois(domain)
		},
		now: time.Now,
	}
}

// NewWHOISProbeWithLookup replaces the network lookup, for tests and caching layers.
func NewWHOISProbeWithLookup(timeout time.Duration, lookup WHOISLookup, now func() time.Time) *WHOISProbe {
	p := NewWHOISProbe(timeout)
	p.lookup = lookup
	if now != nil {
		p.now = now
	}
	return p
}

// HasFutureExpiry passes when the registry reports an expiry after now.
// Missing or past expiry fails; lookup errors are indeterminate.
func (p *WHOISProbe) HasFutureExpiry(ctx context.Context, domain string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.lookup(ctx, domain)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return indeterminate(fmt.Sprintf("whois %s: %v", domain, ctxErr))
	}
	if err != nil {
		return indeterminate(fmt.Sprintf("whois %s: %v", domain, err))
	}

	expiry, err := ParseExpiry(raw)
	if err != nil {
		return failed(err.Error())
	}
	if !expiry.After(p.now()) {
		return failed("domain expired on " + expiry.Format("2006-01-02"))
	}
	return passed("expires " + expiry.Format("2006-01-02"))
}

// ctxDialer ties whois connections to a context: dialing honours it and an
// open connection is closed as soon as it is done.
type ctxDialer struct {
	ctx    context.Context
	dialer net.Dialer
}

func (d ctxDialer) Dial(network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(d.ctx, func() { _ = conn.Close() })
	return &ctxConn{Conn: conn, stop: stop}, nil
}

type ctxConn struct {
	net.Conn
	stop func() bool
}

func (c *ctxConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// ParseExpiry extracts the registration expiry from a raw WHOIS answer.
func ParseExpiry(raw string) (time.Time, error) {
	info, err := whoisparser.Parse(raw)
	if err != nil {
		if errors.Is(err, whoisparser.ErrNotFoundDomain) {
			return time.Time{}, errors.New("domain is not registered")
		}
		return time.Time{}, fmt.Errorf("unparseable whois answer: %w", err)
	}
	if info.Domain == nil {
		return time.Time{}, errors.New("whois answer has no domain section")
	}
	if info.Domain.ExpirationDateInTime != nil {
		return *info.Domain.ExpirationDateInTime, nil
	}
	value := strings.TrimSpace(info.Domain.ExpirationDate)
	if value == "" {
		return time.Time{}, errors.New("whois answer has no expiration date")
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiration date %q", value)
}
