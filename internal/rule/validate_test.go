package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

// runtimeHTTPRule is a fully provisioned http rule matching on host:port.
func runtimeHTTPRule() *Rule {
	return &Rule{
		RuleNum:         1,
		ClientID:        "client-1",
		AllowedEntities: []string{"user@example.com"},
		Apps:            []App{{Container: "prod", AppID: "crm"}},
		Pattern:         "http://www.example.com",
		PatternType:     PatternHostPort,
		HTTPProxyPort:   intp(18080),
		SocksServerPort: intp(1080),
		SecretKey:       "k-http",
	}
}

func runtimeSocketRule() *Rule {
	return &Rule{
		RuleNum:         2,
		ClientID:        "client-1",
		AllowedEntities: []string{"user@example.com"},
		Apps:            []App{{Container: "prod", AppID: "db"}},
		Pattern:         "socket://db.internal:3306",
		PatternType:     PatternHostPort,
		SocksServerPort: intp(1080),
		SecretKey:       "k-socket",
	}
}

func runtimeURLExactRule() *Rule {
	return &Rule{
		RuleNum:         3,
		ClientID:        "client-1",
		AllowedEntities: []string{"user@example.com"},
		Apps:            []App{{Container: "prod", AppID: "wiki"}},
		Pattern:         "http://www.example.com/wiki/page",
		PatternType:     PatternURLExact,
		HTTPProxyPort:   intp(18081),
		SocksServerPort: intp(1080),
		SecretKey:       "k-urlexact",
	}
}

// configHTTPRule is an authored rule before provisioning.
func configHTTPRule() *Rule {
	r := runtimeHTTPRule()
	r.HTTPProxyPort = nil
	r.SocksServerPort = nil
	r.SecretKey = ""
	return r
}

func configSocketRule() *Rule {
	r := runtimeSocketRule()
	r.SocksServerPort = nil
	r.SecretKey = ""
	return r
}

func TestProperRuntimeRules(t *testing.T) {
	assert.NoError(t, ValidateRuntime(runtimeHTTPRule()))
	assert.NoError(t, ValidateRuntime(runtimeSocketRule()))
	assert.NoError(t, ValidateRuntime(runtimeURLExactRule()))
}

func TestProperConfigRules(t *testing.T) {
	assert.NoError(t, Validate(configHTTPRule()))
	assert.NoError(t, Validate(configSocketRule()))
}

// assertValidationErr checks that err is a structural validation failure
// mentioning want.
func assertValidationErr(t *testing.T, err error, want string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorContains(t, err, want)
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, kind)
}

func TestBadHTTPProxyPort(t *testing.T) {
	r := runtimeHTTPRule()
	r.HTTPProxyPort = intp(99999)
	assertValidationErr(t, ValidateRuntime(r), "out of range")
}

func TestMissingHTTPProxyPort(t *testing.T) {
	r := runtimeURLExactRule()
	r.HTTPProxyPort = nil
	assertValidationErr(t, ValidateRuntime(r), "required for each")
}

func TestHTTPProxyPortOptionalForHostPort(t *testing.T) {
	r := runtimeHTTPRule()
	r.HTTPProxyPort = nil
	assert.NoError(t, ValidateRuntime(r))
}

func TestBadSocksServerPort(t *testing.T) {
	r := runtimeHTTPRule()
	r.SocksServerPort = intp(3242343)
	assertValidationErr(t, ValidateRuntime(r), "out of range")
}

func TestMissingSocksServerPort(t *testing.T) {
	r := runtimeHTTPRule()
	r.SocksServerPort = nil
	assertValidationErr(t, ValidateRuntime(r), "required for each resource")
}

func TestMissingSecretKey(t *testing.T) {
	r := runtimeHTTPRule()
	r.SecretKey = ""
	assertValidationErr(t, ValidateRuntime(r), "missing secret key")
}

func TestRuleNumSetAsZero(t *testing.T) {
	r := runtimeHTTPRule()
	r.RuleNum = 0
	assertValidationErr(t, ValidateRuntime(r), "greater than 0")
}

func TestBadClientID(t *testing.T) {
	r := runtimeHTTPRule()
	r.ClientID = "has a space"
	assertValidationErr(t, ValidateRuntime(r), "contain any white space")
}

func TestMissingClientID(t *testing.T) {
	r := runtimeHTTPRule()
	r.ClientID = ""
	assertValidationErr(t, ValidateRuntime(r), "must be present")
}

func TestBadAllowedEntity(t *testing.T) {
	r := runtimeHTTPRule()
	r.AllowedEntities = []string{"foo"}
	assertValidationErr(t, Validate(r), "fully qualified email address")

	r.AllowedEntities = []string{"has a@space.com"}
	assertValidationErr(t, Validate(r), "must not contain any white space")
}

func TestMissingAllowedEntities(t *testing.T) {
	r := runtimeHTTPRule()
	r.AllowedEntities = nil
	assertValidationErr(t, ValidateRuntime(r), "at least one")
}

func TestBadApp(t *testing.T) {
	r := runtimeHTTPRule()
	r.Apps = []App{{Container: "prod", AppID: "has a space"}}
	assertValidationErr(t, ValidateRuntime(r), "must not contain any white space")
}

func TestMissingApps(t *testing.T) {
	r := runtimeHTTPRule()
	r.Apps = nil
	assertValidationErr(t, ValidateRuntime(r), "must be present")
}

func TestBadPatternIdentifier(t *testing.T) {
	r := runtimeHTTPRule()
	r.Pattern = "asdfasdf://sdafasfd"
	assertValidationErr(t, ValidateRuntime(r), "invalid pattern")
}

func TestBadPatternHasSpace(t *testing.T) {
	r := runtimeSocketRule()
	r.Pattern = "socket://aasdf :3233"
	assertValidationErr(t, ValidateRuntime(r), "contain any white space")
}

func TestMissingPattern(t *testing.T) {
	r := runtimeHTTPRule()
	r.Pattern = ""
	assertValidationErr(t, ValidateRuntime(r), "must be present")
}

func TestURLPathInHostPortPattern(t *testing.T) {
	r := runtimeHTTPRule()
	r.Pattern = "http://foo.com/a/b"
	assertValidationErr(t, Validate(r), "cannot contain any path")
}

func TestRootPathAllowedInHostPortPattern(t *testing.T) {
	r := configHTTPRule()
	r.Pattern = "http://foo.com/"
	assert.NoError(t, Validate(r))
}

func TestURLExactCannotBeUsedWithHTTPSPattern(t *testing.T) {
	r := runtimeHTTPRule()
	r.PatternType = PatternURLExact
	r.Pattern = "https://foo.com"
	assertValidationErr(t, Validate(r), "works only with http")
}

func TestURLExactCannotBeUsedWithSocketPattern(t *testing.T) {
	r := runtimeSocketRule()
	r.PatternType = PatternURLExact
	assertValidationErr(t, Validate(r), "works only with http")
}

func TestUnsupportedPatternType(t *testing.T) {
	r := runtimeHTTPRule()
	r.PatternType = "GLOB"
	assertValidationErr(t, Validate(r), "not supported")
}

func TestRegexPatternTypeLegacyPassthrough(t *testing.T) {
	r := configHTTPRule()
	r.PatternType = PatternRegex
	assert.NoError(t, Validate(r))

	// Even a non-compiling expression is accepted.
	r.Pattern = "http://foo.com/([unclosed"
	assert.NoError(t, Validate(r))
}

func TestRuntimeImpliesConfig(t *testing.T) {
	for _, r := range []*Rule{runtimeHTTPRule(), runtimeSocketRule(), runtimeURLExactRule()} {
		if err := ValidateRuntime(r); err == nil {
			assert.NoError(t, Validate(r))
		}
	}
}

func TestValidateAllEmptySet(t *testing.T) {
	err := ValidateAll(nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "at least one rule")
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindConsistency, kind)
}

func TestValidateAllDuplicateRuleNum(t *testing.T) {
	a := configHTTPRule()
	b := configSocketRule()
	b.RuleNum = a.RuleNum

	err := ValidateAll([]*Rule{a, b})
	require.Error(t, err)
	assert.ErrorContains(t, err, "duplicate ruleNum")
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindConsistency, kind)
}

func TestValidateAllStopsOnFirstBadRule(t *testing.T) {
	a := configHTTPRule()
	b := configSocketRule()
	b.ClientID = "has a space"

	err := ValidateAll([]*Rule{a, b})
	assertValidationErr(t, err, "contain any white space")
	assert.ErrorContains(t, err, "resource 2")
}

func TestErrorCarriesRuleNum(t *testing.T) {
	r := runtimeHTTPRule()
	r.SecretKey = ""
	err := ValidateRuntime(r)
	require.Error(t, err)
	assert.ErrorContains(t, err, "resource 1")
}
