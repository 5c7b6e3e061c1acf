package verifier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxScore is the score an address starts from before adjustments.
const MaxScore = 100

// Tier decides in which mode a check runs.
type Tier string

const (
	TierShallow Tier = "shallow"
	TierDeep    Tier = "deep"
)

// GroupDeliverability collects the SMTP checks that share one penalty.
const GroupDeliverability = "deliverability"

// CheckSpec configures one check.
type CheckSpec struct {
	Name           CheckName `yaml:"name"`
	Weight         int       `yaml:"weight"`
	Tier           Tier      `yaml:"tier"`
	TerminalOnFail bool      `yaml:"terminal_on_fail"`
	TerminalStatus Category  `yaml:"terminal_status,omitempty"`
	Group          string    `yaml:"group,omitempty"`
}

// Thresholds are the lowest scores for each non-terminal category.
type Thresholds struct {
	Valid           int `yaml:"valid"`
	Risky           int `yaml:"risky"`
	PossiblyInvalid int `yaml:"possibly_invalid"`
}

// PolicyConfig is the mutable form a Policy is built from.
type PolicyConfig struct {
	Checks         []CheckSpec
	GroupPenalties map[string]int
	Thresholds     Thresholds
	GreylistRetry  bool
	FallbackToA    bool
}

// DefaultPolicyConfig returns the standard weight table.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Checks: []CheckSpec{
			{Name: CheckSyntax, Tier: TierShallow, TerminalOnFail: true, TerminalStatus: StatusInvalidSyntax},
			{Name: CheckMX, Tier: TierShallow, TerminalOnFail: true, TerminalStatus: StatusInvalidDomain},
			{Name: CheckARecord, Tier: TierShallow},
			{Name: CheckBlacklist, Tier: TierShallow, TerminalOnFail: true, TerminalStatus: StatusBlacklisted},
			{Name: CheckDomainExpiry, Weight: -30, Tier: TierDeep},
			{Name: CheckDisposable, Weight: -20, Tier: TierShallow},
			{Name: CheckFreemail, Weight: -10, Tier: TierShallow},
			{Name: CheckRoleAccount, Weight: -15, Tier: TierShallow},
			{Name: CheckAliasForward, Weight: -10, Tier: TierShallow},
			{Name: CheckSPF, Weight: -5, Tier: TierShallow},
			{Name: CheckDKIM, Weight: -5, Tier: TierShallow},
			{Name: CheckDMARC, Weight: -5, Tier: TierShallow},
			{Name: CheckCatchAll, Tier: TierDeep, Group: GroupDeliverability},
			{Name: CheckSMTP, Tier: TierDeep, Group: GroupDeliverability},
			{Name: CheckGreylistRetry, Tier: TierDeep},
		},
		GroupPenalties: map[string]int{GroupDeliverability: -20},
		Thresholds:     Thresholds{Valid: 90, Risky: 70, PossiblyInvalid: 50},
		GreylistRetry:  true,
	}
}

// Policy is the validated, immutable scoring configuration. Methods are
// safe for concurrent use.
type Policy struct {
	checks         []CheckSpec
	index          map[CheckName]int
	groupPenalties map[string]int
	thresholds     Thresholds
	greylistRetry  bool
	fallbackToA    bool
}

var gateChecks = map[CheckName]bool{CheckSyntax: true, CheckMX: true, CheckBlacklist: true}

// NewPolicy validates cfg and freezes it.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		checks:         make([]CheckSpec, 0, len(cfg.Checks)),
		index:          make(map[CheckName]int, len(cfg.Checks)),
		groupPenalties: make(map[string]int, len(cfg.GroupPenalties)),
		thresholds:     cfg.Thresholds,
		greylistRetry:  cfg.GreylistRetry,
		fallbackToA:    cfg.FallbackToA,
	}
	for _, spec := range cfg.Checks {
		if !knownCheck(spec.Name) {
			return nil, fmt.Errorf("policy: unknown check %q", spec.Name)
		}
		if _, dup := p.index[spec.Name]; dup {
			return nil, fmt.Errorf("policy: check %q listed twice", spec.Name)
		}
		if spec.Tier != TierShallow && spec.Tier != TierDeep {
			return nil, fmt.Errorf("policy: check %q has invalid tier %q", spec.Name, spec.Tier)
		}
		if spec.TerminalOnFail {
			if !gateChecks[spec.Name] {
				return nil, fmt.Errorf("policy: check %q cannot be terminal", spec.Name)
			}
			if !spec.TerminalStatus.IsTerminal() {
				return nil, fmt.Errorf("policy: check %q needs a terminal status, got %q", spec.Name, spec.TerminalStatus)
			}
		}
		if gateChecks[spec.Name] && spec.Tier != TierShallow {
			return nil, fmt.Errorf("policy: gate check %q must run in shallow mode", spec.Name)
		}
		p.index[spec.Name] = len(p.checks)
		p.checks = append(p.checks, spec)
	}
	for _, name := range AllChecks {
		if _, ok := p.index[name]; !ok {
			return nil, fmt.Errorf("policy: check %q missing", name)
		}
	}
	if !p.checks[p.index[CheckSyntax]].TerminalOnFail {
		return nil, fmt.Errorf("policy: syntax must be terminal")
	}
	for group, penalty := range cfg.GroupPenalties {
		p.groupPenalties[group] = penalty
	}
	t := cfg.Thresholds
	if !(MaxScore >= t.Valid && t.Valid > t.Risky && t.Risky > t.PossiblyInvalid && t.PossiblyInvalid > 0) {
		return nil, fmt.Errorf("policy: thresholds must satisfy 100 >= valid > risky > possibly_invalid > 0, got %+v", t)
	}
	return p, nil
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultPolicyConfig())
	if err != nil {
		panic(err)
	}
	return p
}

type policyFile struct {
	Checks []struct {
		Name           CheckName `yaml:"name"`
		Weight         *int      `yaml:"weight"`
		Tier           *Tier     `yaml:"tier"`
		TerminalOnFail *bool     `yaml:"terminal_on_fail"`
		TerminalStatus *Category `yaml:"terminal_status"`
		Group          *string   `yaml:"group"`
	} `yaml:"checks"`
	GroupPenalties map[string]int `yaml:"group_penalties"`
	Thresholds     *Thresholds    `yaml:"thresholds"`
	GreylistRetry  *bool          `yaml:"greylist_retry"`
	FallbackToA    *bool          `yaml:"fallback_to_a"`
}

// LoadPolicy reads a YAML override file on top of the default table.
// Only the fields present in the file change. An empty path yields the default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy applies YAML overrides to the default table.
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	cfg := DefaultPolicyConfig()
	for _, o := range file.Checks {
		i := -1
		for j, spec := range cfg.Checks {
			if spec.Name == o.Name {
				i = j
				break
			}
		}
		if i < 0 {
			return nil, fmt.Errorf("policy: unknown check %q", o.Name)
		}
		spec := &cfg.Checks[i]
		if o.Weight != nil {
			spec.Weight = *o.Weight
		}
		if o.Tier != nil {
			spec.Tier = *o.Tier
		}
		if o.TerminalOnFail != nil {
			spec.TerminalOnFail = *o.TerminalOnFail
		}
		if o.TerminalStatus != nil {
			spec.TerminalStatus = *o.TerminalStatus
		}
		if o.Group != nil {
			spec.Group = *o.Group
		}
	}
	for group, penalty := range file.GroupPenalties {
		cfg.GroupPenalties[group] = penalty
	}
	if file.Thresholds != nil {
		cfg.Thresholds = *file.Thresholds
	}
	if file.GreylistRetry != nil {
		cfg.GreylistRetry = *file.GreylistRetry
	}
	if file.FallbackToA != nil {
		cfg.FallbackToA = *file.FallbackToA
	}
	return NewPolicy(cfg)
}

// Spec returns the configuration of name.
func (p *Policy) Spec(name CheckName) (CheckSpec, bool) {
	i, ok := p.index[name]
	if !ok {
		return CheckSpec{}, false
	}
	return p.checks[i], true
}

// Checks returns a copy of the ordered check list.
func (p *Policy) Checks() []CheckSpec {
	out := make([]CheckSpec, len(p.checks))
	copy(out, p.checks)
	return out
}

// GroupPenalty returns the penalty shared by the checks of group.
func (p *Policy) GroupPenalty(group string) int {
	return p.groupPenalties[group]
}

// GreylistRetry reports whether the SMTP probe retries after a 450.
func (p *Policy) GreylistRetry() bool { return p.greylistRetry }

// FallbackToA reports whether an A record can stand in for a missing MX.
func (p *Policy) FallbackToA() bool { return p.fallbackToA }

// Runs reports whether name is evaluated in mode.
func (p *Policy) Runs(name CheckName, mode Mode) bool {
	spec, ok := p.Spec(name)
	if !ok {
		return false
	}
	return spec.Tier == TierShallow || mode == Deep
}

// Categorize maps a clamped score to its category. It is monotonic in score.
func (p *Policy) Categorize(score int) Category {
	switch {
	case score >= p.thresholds.Valid:
		return StatusValid
	case score >= p.thresholds.Risky:
		return StatusRisky
	case score >= p.thresholds.PossiblyInvalid:
		return StatusPossiblyInvalid
	default:
		return StatusInvalid
	}
}

// Clamp limits score to [0, MaxScore].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
