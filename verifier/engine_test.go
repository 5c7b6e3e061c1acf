package verifier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscore/store"
	"mailscore/verifier"
	"mailscore/verifier/verifiertest"
)

const testUser uint = 7

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	probes  probeSet
	ledger  *store.MemoryLedger
	results *store.MemoryResultStore
	engine  *verifier.Engine
}

func newHarness(t *testing.T, policy *verifier.Policy, credits int) *harness {
	t.Helper()
	h := &harness{
		probes:  newProbeSet(),
		ledger:  store.NewMemoryLedger(),
		results: store.NewMemoryResultStore(),
	}
	h.ledger.Open(testUser, credits)
	h.engine = verifier.NewEngine(policy, verifier.DefaultDomainLists(), h.probes.probes(), h.ledger, h.results,
		verifier.WithClock(func() time.Time { return fixedNow }))
	return h
}

func TestValidate_InvalidSyntaxNeverProbes(t *testing.T) {
	inputs := []string{
		"bad email@",
		"no-at-sign",
		"two@@example.com",
		"@example.com",
		"user@",
		".dot@example.com",
		"dot.@example.com",
		"do..ts@example.com",
		"user@exa mple.com",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			h := newHarness(t, nil, 10)

			report, err := h.engine.Validate(context.Background(), input, testUser, verifier.Deep)
			require.NoError(t, err)

			assert.Equal(t, 0, report.Score)
			assert.Equal(t, verifier.StatusInvalidSyntax, report.Status)
			assert.True(t, report.Terminal)
			assert.Equal(t, verifier.Fail, report.Outcome(verifier.CheckSyntax))
			assert.Zero(t, h.probes.calls(), "no network probe may run for a malformed address")
			assert.Equal(t, 1, h.ledger.Debits())
			assert.Equal(t, 1, h.results.Len())
		})
	}
}

func TestValidate_BlacklistedDomain(t *testing.T) {
	h := newHarness(t, nil, 10)

	report, err := h.engine.Validate(context.Background(), "user@spam.com", testUser, verifier.Shallow)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Score)
	assert.Equal(t, verifier.StatusBlacklisted, report.Status)
	assert.True(t, report.Terminal)
	assert.Equal(t, verifier.Pass, report.Outcome(verifier.CheckMX))
	assert.Equal(t, verifier.Fail, report.Outcome(verifier.CheckBlacklist))
	assert.Equal(t, verifier.Indeterminate, report.Outcome(verifier.CheckSPF))
}

func TestValidate_DeadDomain(t *testing.T) {
	for _, mx := range []verifier.Outcome{verifier.Fail, verifier.Indeterminate} {
		t.Run(string(mx), func(t *testing.T) {
			h := newHarness(t, nil, 10)
			h.probes.dns.set(func(f *fakeDNS) { f.mx = mx })

			report, err := h.engine.Validate(context.Background(), "user@nowhere.example", testUser, verifier.Deep)
			require.NoError(t, err)

			assert.Equal(t, verifier.StatusInvalidDomain, report.Status)
			assert.Equal(t, 0, report.Score)
			assert.Equal(t, mx, report.Outcome(verifier.CheckMX))
			assert.Zero(t, h.probes.smtp.calls.Load())
			assert.Zero(t, h.probes.whois.calls.Load())
		})
	}
}

func TestValidate_FreemailAliasExample(t *testing.T) {
	h := newHarness(t, nil, 10)

	report, err := h.engine.Validate(context.Background(), "user+tag@gmail.com", testUser, verifier.Deep)
	require.NoError(t, err)

	assert.Equal(t, 80, report.Score)
	assert.Equal(t, verifier.StatusRisky, report.Status)
	assert.False(t, report.Terminal)
	assert.Equal(t, []verifier.Adjustment{
		{Source: "freemail", Weight: -10},
		{Source: "alias_forward", Weight: -10},
	}, report.Adjustments)
	assert.Equal(t, verifier.Fail, report.Outcome(verifier.CheckFreemail))
	assert.Equal(t, verifier.Fail, report.Outcome(verifier.CheckAliasForward))
	assert.Equal(t, verifier.Pass, report.Outcome(verifier.CheckRoleAccount))
}

func TestValidate_CleanAddressIsValid(t *testing.T) {
	h := newHarness(t, nil, 10)

	report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
	require.NoError(t, err)

	assert.Equal(t, 100, report.Score)
	assert.Equal(t, verifier.StatusValid, report.Status)
	assert.Empty(t, report.Adjustments)
	assert.Equal(t, "jane", report.Local)
	assert.Equal(t, "acme-corp.io", report.Domain)
	assert.Equal(t, fixedNow, report.ValidatedAt)
	for _, name := range verifier.AllChecks {
		assert.Contains(t, report.Checks, name)
	}

	usage := h.ledger.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, "jane@acme-corp.io", usage[0].Email)
	assert.Equal(t, 9, usage[0].BalanceAfter)
}

func TestValidate_CatchAllKeepsDeliverabilityPenalty(t *testing.T) {
	tests := []struct {
		name     string
		catchAll verifier.Outcome
		smtp     verifier.Outcome
		want     int
	}{
		{"catch-all server accepting recipient", verifier.Fail, verifier.Pass, 80},
		{"recipient rejected", verifier.Pass, verifier.Fail, 80},
		{"both negative counted once", verifier.Fail, verifier.Fail, 80},
		{"smtp unreachable", verifier.Indeterminate, verifier.Indeterminate, 80},
		{"both positive", verifier.Pass, verifier.Pass, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, 10)
			h.probes.smtp.catchAll = tt.catchAll
			h.probes.smtp.accept = verifier.SMTPResult{ProbeResult: result(tt.smtp)}

			report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Score)
			if tt.want < 100 {
				assert.Contains(t, report.Adjustments, verifier.Adjustment{Source: verifier.GroupDeliverability, Weight: -20})
			}
		})
	}
}

func TestValidate_IndeterminateIsPenalised(t *testing.T) {
	h := newHarness(t, nil, 10)
	h.probes.dns.set(func(f *fakeDNS) { f.spf = verifier.Indeterminate })

	report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)

	assert.Equal(t, 95, report.Score)
	assert.Equal(t, verifier.Indeterminate, report.Outcome(verifier.CheckSPF))
	assert.Equal(t, []verifier.Adjustment{{Source: "spf", Weight: -5}}, report.Adjustments)
}

func TestValidate_ShallowSkipsDeepProbes(t *testing.T) {
	h := newHarness(t, nil, 10)
	h.probes.whois.outcome = verifier.Fail

	report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)

	assert.Equal(t, 100, report.Score)
	assert.Zero(t, h.probes.smtp.calls.Load())
	assert.Zero(t, h.probes.whois.calls.Load())
	for _, name := range []verifier.CheckName{verifier.CheckDomainExpiry, verifier.CheckCatchAll, verifier.CheckSMTP, verifier.CheckGreylistRetry} {
		assert.Equal(t, verifier.Indeterminate, report.Outcome(name), name)
	}
}

func TestValidate_ScoreStaysInBounds(t *testing.T) {
	h := newHarness(t, nil, 10)
	h.probes.dns.set(func(f *fakeDNS) {
		f.spf, f.dkim, f.dmarc = verifier.Fail, verifier.Fail, verifier.Fail
	})
	h.probes.whois.outcome = verifier.Fail
	h.probes.smtp.accept = verifier.SMTPResult{ProbeResult: result(verifier.Fail), Code: 550}

	report, err := h.engine.Validate(context.Background(), "admin+x@mailinator.com", testUser, verifier.Deep)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Score)
	assert.Equal(t, verifier.StatusInvalid, report.Status)
	assert.False(t, report.Terminal)

	cfg := verifier.DefaultPolicyConfig()
	for i := range cfg.Checks {
		if cfg.Checks[i].Name == verifier.CheckFreemail {
			cfg.Checks[i].Weight = 500
		}
	}
	generous, err := verifier.NewPolicy(cfg)
	require.NoError(t, err)
	h = newHarness(t, generous, 10)

	report, err = h.engine.Validate(context.Background(), "jane@gmail.com", testUser, verifier.Shallow)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Score)
}

func TestValidate_CreditRefusals(t *testing.T) {
	t.Run("empty balance", func(t *testing.T) {
		h := newHarness(t, nil, 0)

		_, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
		require.Error(t, err)
		assert.ErrorIs(t, err, verifier.ErrInsufficientCredits)
		assert.True(t, verifier.IsCreditError(err))
		assert.Zero(t, h.results.Writes())
		assert.Zero(t, h.probes.calls())
	})

	t.Run("unknown user", func(t *testing.T) {
		h := newHarness(t, nil, 5)

		_, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", 999, verifier.Deep)
		assert.ErrorIs(t, err, verifier.ErrUserNotFound)
		assert.Zero(t, h.results.Writes())
	})
}

func TestValidate_InputErrors(t *testing.T) {
	h := newHarness(t, nil, 5)

	_, err := h.engine.Validate(context.Background(), "   ", testUser, verifier.Deep)
	assert.ErrorIs(t, err, verifier.ErrEmptyEmail)

	_, err = h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Mode("thorough"))
	assert.ErrorIs(t, err, verifier.ErrInvalidMode)

	balance, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 5, balance, "input errors must not cost credits")
}

func TestValidate_UpsertKeepsOneRecordPerPair(t *testing.T) {
	h := newHarness(t, nil, 10)
	ctx := context.Background()

	first, err := h.engine.Validate(ctx, "jane@ACME-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)
	assert.Equal(t, 100, first.Score)

	h.probes.dns.set(func(f *fakeDNS) { f.dmarc = verifier.Fail })
	second, err := h.engine.Validate(ctx, "jane@acme-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)
	assert.Equal(t, 95, second.Score)

	assert.Equal(t, 2, h.ledger.Debits())
	assert.Equal(t, 1, h.results.Len())

	rec, err := h.results.Get(ctx, testUser, "jane@acme-corp.io")
	require.NoError(t, err)
	assert.Equal(t, 95, rec.Score)
	assert.Equal(t, "fail", rec.Checks["dmarc"])
}

func TestValidate_StoreFailureReturnsReport(t *testing.T) {
	probes := newProbeSet()
	ledger := store.NewMemoryLedger()
	ledger.Open(testUser, 3)
	failing := &failingStore{}
	engine := verifier.NewEngine(nil, nil, probes.probes(), ledger, failing)

	report, err := engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Shallow)
	require.Error(t, err)
	assert.ErrorIs(t, err, verifier.ErrPersistence)
	assert.ErrorIs(t, err, errStoreDown)

	var perr *verifier.PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "upsert", perr.Op)

	assert.Equal(t, verifier.StatusValid, report.Status)
	assert.Equal(t, 100, report.Score)
	assert.EqualValues(t, 1, failing.calls.Load())
}

func TestValidate_GreylistRetry(t *testing.T) {
	t.Run("retried and accepted", func(t *testing.T) {
		h := newHarness(t, nil, 10)
		h.probes.smtp.accept = verifier.SMTPResult{ProbeResult: result(verifier.Pass), Code: 250, Retried: true, After: verifier.Pass}

		report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
		require.NoError(t, err)
		assert.Equal(t, verifier.Pass, report.Outcome(verifier.CheckGreylistRetry))
		assert.EqualValues(t, 1, h.probes.smtp.retries.Load())
		assert.Equal(t, 100, report.Score)
	})

	t.Run("no temporary rejection", func(t *testing.T) {
		h := newHarness(t, nil, 10)

		report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
		require.NoError(t, err)
		assert.Equal(t, verifier.Indeterminate, report.Outcome(verifier.CheckGreylistRetry))
		assert.Equal(t, 100, report.Score, "greylist_retry carries no weight")
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := verifier.DefaultPolicyConfig()
		cfg.GreylistRetry = false
		policy, err := verifier.NewPolicy(cfg)
		require.NoError(t, err)
		h := newHarness(t, policy, 10)

		report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Deep)
		require.NoError(t, err)
		assert.Zero(t, h.probes.smtp.retries.Load())
		assert.Equal(t, verifier.Indeterminate, report.Outcome(verifier.CheckGreylistRetry))
	})
}

func TestValidate_FallbackToA(t *testing.T) {
	cfg := verifier.DefaultPolicyConfig()
	cfg.FallbackToA = true
	policy, err := verifier.NewPolicy(cfg)
	require.NoError(t, err)

	h := newHarness(t, policy, 10)
	h.probes.dns.set(func(f *fakeDNS) { f.mx = verifier.Fail })

	report, err := h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)
	assert.False(t, report.Terminal)
	assert.Equal(t, verifier.Pass, report.Outcome(verifier.CheckARecord))

	h.probes.dns.set(func(f *fakeDNS) { f.a = verifier.Fail })
	report, err = h.engine.Validate(context.Background(), "jane@acme-corp.io", testUser, verifier.Shallow)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusInvalidDomain, report.Status)
}

func TestEvaluate_UnconfiguredProbes(t *testing.T) {
	engine := verifier.NewEngine(nil, nil, verifier.Probes{}, store.NewMemoryLedger(), store.NewMemoryResultStore())

	report := engine.Evaluate(context.Background(), "jane@acme-corp.io", verifier.Deep)
	assert.Equal(t, verifier.StatusInvalidDomain, report.Status)
	assert.Equal(t, verifier.Indeterminate, report.Outcome(verifier.CheckMX))
}

func TestEvaluate_IDNDomain(t *testing.T) {
	h := newHarness(t, nil, 0)

	report := h.engine.Evaluate(context.Background(), "anna@Bücher.de", verifier.Shallow)
	assert.Equal(t, "xn--bcher-kva.de", report.Domain)
	assert.Equal(t, verifier.Pass, report.Outcome(verifier.CheckSyntax))
	assert.Equal(t, "anna@xn--bcher-kva.de", report.Key())
}

func adjustmentSources(r verifier.Report) []string {
	sources := make([]string, 0, len(r.Adjustments))
	for _, a := range r.Adjustments {
		sources = append(sources, a.Source)
	}
	return sources
}

func TestValidate_AdjustmentsFollowPolicyOrder(t *testing.T) {
	// Probes answer in reverse of policy order: dmarc before dkim before
	// spf, whois last, list checks and smtp at once.
	probes := verifier.Probes{
		DNS: verifiertest.StaticDNS{
			SPF: verifier.Fail, DKIM: verifier.Fail, DMARC: verifier.Fail,
			Delay: map[verifier.CheckName]time.Duration{
				verifier.CheckSPF:   150 * time.Millisecond,
				verifier.CheckDKIM:  100 * time.Millisecond,
				verifier.CheckDMARC: 50 * time.Millisecond,
			},
		},
		SMTP:  verifiertest.StaticSMTP{Reject: true},
		WHOIS: verifiertest.StaticWHOIS{Outcome: verifier.Fail, Delay: 200 * time.Millisecond},
	}
	const email = "admin+news@gmail.com"

	t.Run("default policy", func(t *testing.T) {
		env := verifiertest.NewEnv(probes, map[uint]int{testUser: 1})

		report, err := env.Engine.Validate(context.Background(), email, testUser, verifier.Deep)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"domain_expiry", "freemail", "role_account", "alias_forward",
			"spf", "dkim", "dmarc", verifier.GroupDeliverability,
		}, adjustmentSources(report))
	})

	t.Run("reordered policy", func(t *testing.T) {
		cfg := verifier.DefaultPolicyConfig()
		// Move dmarc ahead of spf and dkim.
		var dmarc verifier.CheckSpec
		checks := make([]verifier.CheckSpec, 0, len(cfg.Checks))
		for _, spec := range cfg.Checks {
			if spec.Name == verifier.CheckDMARC {
				dmarc = spec
				continue
			}
			checks = append(checks, spec)
		}
		for i, spec := range checks {
			if spec.Name == verifier.CheckSPF {
				checks = append(checks[:i], append([]verifier.CheckSpec{dmarc}, checks[i:]...)...)
				break
			}
		}
		cfg.Checks = checks
		policy, err := verifier.NewPolicy(cfg)
		require.NoError(t, err)

		ledger := store.NewMemoryLedger()
		ledger.Open(testUser, 1)
		engine := verifier.NewEngine(policy, nil, probes, ledger, store.NewMemoryResultStore())

		report, err := engine.Validate(context.Background(), email, testUser, verifier.Deep)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"domain_expiry", "freemail", "role_account", "alias_forward",
			"dmarc", "spf", "dkim", verifier.GroupDeliverability,
		}, adjustmentSources(report))
	})
}
