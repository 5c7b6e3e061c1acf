package verifier

import (
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
	"golang.org/x/net/idna"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// Address is an email address split into its parts. Domain is lower-cased
// and in ASCII (punycode) form; Local keeps its original case.
type Address struct {
	Raw    string
	Local  string
	Domain string
}

// String returns local@domain using the normalised domain.
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// ParseAddress splits raw at its last '@' and normalises the domain.
// It does not judge syntax beyond that; see IsSyntacticallyValid.
func ParseAddress(raw string) (Address, bool) {
	raw = strings.TrimSpace(raw)
	at := strings.LastIndex(raw, "@")
	if at < 1 || at == len(raw)-1 {
		return Address{Raw: raw}, false
	}
	domain := strings.TrimSuffix(strings.ToLower(raw[at+1:]), ".")
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil || ascii == "" {
		return Address{Raw: raw}, false
	}
	return Address{Raw: raw, Local: raw[:at], Domain: ascii}, true
}

// IsSyntacticallyValid reports whether raw is a well-formed address.
func IsSyntacticallyValid(raw string) bool {
	_, reason := checkSyntax(raw)
	return reason == ""
}

// checkSyntax returns the parsed address and an empty reason, or the reason
// the address was rejected.
func checkSyntax(raw string) (Address, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, "empty address"
	}
	if len(raw) > 254 {
		return Address{Raw: raw}, "address exceeds 254 characters"
	}
	if strings.Count(raw, "@") != 1 {
		return Address{Raw: raw}, "address must contain exactly one @"
	}
	addr, ok := ParseAddress(raw)
	if !ok {
		return addr, "missing local part or invalid domain"
	}
	if len(addr.Local) > 64 {
		return addr, "local part exceeds 64 characters"
	}
	if len(addr.Domain) > 253 {
		return addr, "domain exceeds 253 characters"
	}
	if strings.HasPrefix(addr.Local, ".") || strings.HasSuffix(addr.Local, ".") || strings.Contains(addr.Local, "..") {
		return addr, "misplaced dot in local part"
	}
	normalized := addr.String()
	if !emailPattern.MatchString(normalized) {
		return addr, "address does not match the accepted pattern"
	}
	if err := checkmail.ValidateFormat(normalized); err != nil {
		return addr, err.Error()
	}
	return addr, ""
}

// IsBlacklistedDomain reports whether domain is rejected outright.
func (l *DomainLists) IsBlacklistedDomain(domain string) bool {
	return l.contains(l.blacklist, domain)
}

// IsDisposableDomain reports whether domain belongs to a throwaway mailbox provider.
func (l *DomainLists) IsDisposableDomain(domain string) bool {
	return l.contains(l.disposable, domain)
}

// IsFreemailDomain reports whether domain is a consumer mailbox provider.
func (l *DomainLists) IsFreemailDomain(domain string) bool {
	return l.contains(l.freemail, domain)
}

// IsRoleAccount reports whether local addresses a function (admin, sales)
// rather than a person. Plus tags are ignored.
func (l *DomainLists) IsRoleAccount(local string) bool {
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	return l.contains(l.roles, local)
}

// HasAliasForwardingMarker detects plus addressing and forward-prefixed local parts.
func HasAliasForwardingMarker(local string) bool {
	return strings.Contains(local, "+") || strings.HasPrefix(strings.ToLower(local), "forward")
}

func (l *DomainLists) contains(set map[string]struct{}, key string) bool {
	if l == nil {
		return false
	}
	_, ok := set[strings.ToLower(strings.TrimSuffix(key, "."))]
	return ok
}
