package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MXLookup resolves the ordered MX hosts of a domain.
type MXLookup interface {
	MXHosts(ctx context.Context, domain string) ([]string, ProbeResult)
}

// SMTPConfig configures SMTPProbe.
type SMTPConfig struct {
	HeloDomain string
	MailFrom   string
	Port       string
	// Timeout bounds one whole session, greylist wait excluded.
	Timeout       time.Duration
	GreylistDelay time.Duration
	// Dial is injectable for tests. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProbe implements SMTPProber with one short session per call.
type SMTPProbe struct {
	cfg      SMTPConfig
	mx       MXLookup
	newLocal func() string
}

// NewSMTPProbe fills zero config fields with defaults.
func NewSMTPProbe(cfg SMTPConfig, mx MXLookup) *SMTPProbe {
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = "localhost"
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = "verify@" + cfg.HeloDomain
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	return &SMTPProbe{
		cfg: cfg,
		mx:  mx,
		newLocal: func() string {
			return "catchall-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		},
	}
}

// AcceptsRecipient passes iff RCPT TO addr is answered with 250.
func (p *SMTPProbe) AcceptsRecipient(ctx context.Context, addr Address) SMTPResult {
	code, msg, _, err := p.session(ctx, addr.Domain, addr.String(), false)
	if err != nil {
		return SMTPResult{ProbeResult: indeterminate(err.Error())}
	}
	return SMTPResult{ProbeResult: classifyRecipient(code, msg), Code: code}
}

// AcceptsWithGreylistRetry retries the RCPT once when the first answer is 450.
func (p *SMTPProbe) AcceptsWithGreylistRetry(ctx context.Context, addr Address) SMTPResult {
	code, msg, retried, err := p.session(ctx, addr.Domain, addr.String(), true)
	if err != nil {
		return SMTPResult{ProbeResult: indeterminate(err.Error()), Retried: retried, After: Indeterminate}
	}
	res := SMTPResult{ProbeResult: classifyRecipient(code, msg), Code: code, Retried: retried}
	if retried {
		res.After = res.Outcome
	}
	return res
}

// IsCatchAll sends RCPT TO a random local part. Acceptance fails the check.
func (p *SMTPProbe) IsCatchAll(ctx context.Context, domain string) ProbeResult {
	code, msg, _, err := p.session(ctx, domain, p.newLocal()+"@"+domain, false)
	if err != nil {
		return indeterminate(err.Error())
	}
	switch {
	case code == 250:
		return failed("server accepts any recipient")
	case code >= 500:
		return passed(fmt.Sprintf("random recipient rejected: %s", msg))
	default:
		return indeterminate(fmt.Sprintf("inconclusive answer to random recipient: %s", msg))
	}
}

func classifyRecipient(code int, msg string) ProbeResult {
	switch {
	case code == 250:
		return passed(msg)
	case code >= 500:
		return failed(fmt.Sprintf("recipient rejected: %s", msg))
	case code >= 400:
		return indeterminate(fmt.Sprintf("temporary rejection: %s", msg))
	default:
		return indeterminate(fmt.Sprintf("recipient not confirmed: %s", msg))
	}
}

// session connects to the first MX host of domain and returns the final RCPT
// reply. Errors mean no RCPT reply was obtained.
func (p *SMTPProbe) session(ctx context.Context, domain, recipient string, retryOn450 bool) (int, string, bool, error) {
	budget := p.cfg.Timeout
	if retryOn450 {
		budget += p.cfg.GreylistDelay
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if p.mx == nil {
		return 0, "", false, errors.New("no MX resolver configured")
	}
	hosts, res := p.mx.MXHosts(ctx, domain)
	if res.Outcome != Pass || len(hosts) == 0 {
		return 0, "", false, fmt.Errorf("mx lookup: %s", res.Detail)
	}

	address := net.JoinHostPort(hosts[0], p.cfg.Port)
	conn, err := p.cfg.Dial(ctx, "tcp", address)
	if err != nil {
		return 0, "", false, fmt.Errorf("connect to %s: %w", address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tp := textproto.NewConn(conn)
	if _, msg, err := tp.ReadResponse(2); err != nil {
		return 0, "", false, fmt.Errorf("banner from %s: %s", address, errText(err, msg))
	}
	if _, msg, err := command(tp, 2, "HELO %s", p.cfg.HeloDomain); err != nil {
		return 0, "", false, fmt.Errorf("HELO: %s", errText(err, msg))
	}
	if _, msg, err := command(tp, 2, "MAIL FROM:<%s>", p.cfg.MailFrom); err != nil {
		return 0, "", false, fmt.Errorf("MAIL FROM: %s", errText(err, msg))
	}

	code, msg, err := command(tp, 0, "RCPT TO:<%s>", recipient)
	if err != nil {
		return 0, "", false, fmt.Errorf("RCPT TO: %w", err)
	}
	retried := false
	if code == 450 && retryOn450 {
		retried = true
		if p.cfg.GreylistDelay > 0 {
			select {
			case <-time.After(p.cfg.GreylistDelay):
			case <-ctx.Done():
				return 0, "", true, fmt.Errorf("greylist wait: %w", ctx.Err())
			}
		}
		code, msg, err = command(tp, 0, "RCPT TO:<%s>", recipient)
		if err != nil {
			return 0, "", true, fmt.Errorf("RCPT TO retry: %w", err)
		}
	}

	_ = tp.PrintfLine("QUIT")
	return code, fmt.Sprintf("%d %s", code, msg), retried, nil
}

// command writes one line and reads the reply. expect follows
// textproto.Reader.ReadResponse; 0 accepts any code.
func command(tp *textproto.Conn, expect int, format string, args ...any) (int, string, error) {
	if err := tp.PrintfLine(format, args...); err != nil {
		return 0, "", err
	}
	return tp.ReadResponse(expect)
}

func errText(err error, msg string) string {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg)
	}
	if msg != "" {
		return fmt.Sprintf("%v: %s", err, msg)
	}
	return err.Error()
}
