package verifier_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscore/verifier"
)

func TestIsSyntacticallyValid(t *testing.T) {
	valid := []string{
		"jane@example.com",
		"jane.doe+news@example.co.uk",
		"  padded@example.com ",
		"x_y-z@sub.example.org",
		"anna@Bücher.de",
	}
	for _, raw := range valid {
		assert.True(t, verifier.IsSyntacticallyValid(raw), raw)
	}

	invalid := []string{
		"",
		"plainaddress",
		"a@b@example.com",
		"@example.com",
		"jane@",
		"jane@localhost",
		".jane@example.com",
		"jane.@example.com",
		"ja..ne@example.com",
		"ja ne@example.com",
		strings.Repeat("a", 65) + "@example.com",
		"jane@" + strings.Repeat("a", 250) + ".com",
	}
	for _, raw := range invalid {
		assert.False(t, verifier.IsSyntacticallyValid(raw), raw)
	}
}

func TestParseAddress(t *testing.T) {
	addr, ok := verifier.ParseAddress(" Jane.Doe@Example.COM. ")
	require.True(t, ok)
	assert.Equal(t, "Jane.Doe", addr.Local)
	assert.Equal(t, "example.com", addr.Domain)
	assert.Equal(t, "Jane.Doe@example.com", addr.String())

	addr, ok = verifier.ParseAddress("anna@Bücher.de")
	require.True(t, ok)
	assert.Equal(t, "xn--bcher-kva.de", addr.Domain)

	_, ok = verifier.ParseAddress("nobody@")
	assert.False(t, ok)
	_, ok = verifier.ParseAddress("@example.com")
	assert.False(t, ok)
}

func TestDomainLists(t *testing.T) {
	lists := verifier.DefaultDomainLists()

	assert.True(t, lists.IsBlacklistedDomain("spam.com"))
	assert.False(t, lists.IsBlacklistedDomain("example.com"))

	assert.True(t, lists.IsDisposableDomain("mailinator.com"))
	assert.True(t, lists.IsDisposableDomain("MAILINATOR.COM."))
	assert.False(t, lists.IsDisposableDomain("gmail.com"))

	assert.True(t, lists.IsFreemailDomain("gmail.com"))
	assert.False(t, lists.IsFreemailDomain("example.com"))

	assert.True(t, lists.IsRoleAccount("admin"))
	assert.True(t, lists.IsRoleAccount("Sales"))
	assert.True(t, lists.IsRoleAccount("noreply+bounces"))
	assert.False(t, lists.IsRoleAccount("jane"))

	for name, n := range lists.Sizes() {
		assert.Positive(t, n, name)
	}
}

func TestLoadDomainLists_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freemail.txt")
	require.NoError(t, os.WriteFile(path, []byte("# corporate webmail\n\nMail.Example.NET\n"), 0o600))

	lists, err := verifier.LoadDomainLists(verifier.ListPaths{Freemail: path})
	require.NoError(t, err)
	assert.True(t, lists.IsFreemailDomain("mail.example.net"))
	assert.False(t, lists.IsFreemailDomain("gmail.com"))
	assert.True(t, lists.IsDisposableDomain("mailinator.com"), "other lists keep their defaults")
	assert.Equal(t, 1, lists.Sizes()["freemail"])

	_, err = verifier.LoadDomainLists(verifier.ListPaths{Roles: filepath.Join(dir, "missing.txt")})
	assert.ErrorContains(t, err, "missing.txt")
}

func TestHasAliasForwardingMarker(t *testing.T) {
	assert.True(t, verifier.HasAliasForwardingMarker("john+news"))
	assert.True(t, verifier.HasAliasForwardingMarker("Forward-inbox"))
	assert.True(t, verifier.HasAliasForwardingMarker("forwarder"))
	assert.False(t, verifier.HasAliasForwardingMarker("john.smith"))
	assert.False(t, verifier.HasAliasForwardingMarker("reforward"))
}
