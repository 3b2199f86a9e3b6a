package rule

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAllocator hands out sequential ports and can be told to fail after a
// number of allocations.
type fakeAllocator struct {
	next      int
	calls     int
	failAfter int // 0 means never fail
}

func (f *fakeAllocator) Allocate() (int, error) {
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return 0, errors.New("address already in use")
	}
	f.next++
	return 20000 + f.next, nil
}

// scriptedKeySource replays a fixed sequence of keys.
type scriptedKeySource struct {
	keys []string
	pos  int
}

func (s *scriptedKeySource) NewKey() (string, error) {
	if s.pos >= len(s.keys) {
		return "", errors.New("out of keys")
	}
	k := s.keys[s.pos]
	s.pos++
	return k, nil
}

func testProvisionConfig() ProvisionConfig {
	return ProvisionConfig{
		ClientID:        "client-1",
		SocksServerPort: 1080,
		HealthzPort:     8182,
		AgentUser:       "agent@example.com",
		HealthzUsers:    []string{"admin@example.com"},
	}
}

func TestAssignSecretKeysPairwiseDistinct(t *testing.T) {
	p := NewProvisioner(&fakeAllocator{}, nil)

	rules := make([]*Rule, 50)
	for i := range rules {
		rules[i] = configHTTPRule()
		rules[i].RuleNum = i + 1
	}
	require.NoError(t, p.AssignSecretKeys(rules))

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		require.NotEmpty(t, r.SecretKey)
		_, dup := seen[r.SecretKey]
		assert.False(t, dup, "duplicate secret key %q", r.SecretKey)
		seen[r.SecretKey] = struct{}{}
	}
}

func TestAssignSecretKeysSkipsDuplicatesFromSource(t *testing.T) {
	src := &scriptedKeySource{keys: []string{"k1", "k1", "k2"}}
	p := NewProvisioner(&fakeAllocator{}, src)

	rules := []*Rule{configHTTPRule(), configSocketRule()}
	require.NoError(t, p.AssignSecretKeys(rules))
	assert.Equal(t, "k1", rules[0].SecretKey)
	assert.Equal(t, "k2", rules[1].SecretKey)
}

func TestAssignSecretKeysSourceFailure(t *testing.T) {
	src := &scriptedKeySource{keys: []string{"k1"}}
	p := NewProvisioner(&fakeAllocator{}, src)

	err := p.AssignSecretKeys([]*Rule{configHTTPRule(), configSocketRule()})
	require.Error(t, err)
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindProvisioning, kind)
}

func TestScopeToClient(t *testing.T) {
	mine := configHTTPRule()
	mine.ClientID = "c1"
	wildcard := configSocketRule()
	wildcard.ClientID = ClientAll
	other := configHTTPRule()
	other.RuleNum = 7
	other.ClientID = "c9"

	all := []*Rule{mine, wildcard, other}
	scoped := ScopeToClient(all, "c1")

	require.Len(t, scoped, 2)
	assert.Equal(t, "c1", scoped[0].ClientID)
	assert.Equal(t, "c1", scoped[1].ClientID)

	// The shared feed view is untouched, including the wildcard.
	assert.Equal(t, ClientAll, wildcard.ClientID)
	assert.Equal(t, "c9", other.ClientID)
}

func TestScopeToClientIndependentInstances(t *testing.T) {
	wildcard := configSocketRule()
	wildcard.ClientID = ClientAll
	all := []*Rule{wildcard}

	asC1 := ScopeToClient(all, "c1")
	asC2 := ScopeToClient(all, "c2")

	require.Len(t, asC1, 1)
	require.Len(t, asC2, 1)
	assert.Equal(t, "c1", asC1[0].ClientID)
	assert.Equal(t, "c2", asC2[0].ClientID)

	// Mutating one projection never leaks into the other.
	asC1[0].AllowedEntities[0] = "evil@example.com"
	assert.Equal(t, "user@example.com", asC2[0].AllowedEntities[0])
}

func TestScopeToClientIdempotent(t *testing.T) {
	wildcard := configSocketRule()
	wildcard.ClientID = ClientAll
	mine := configHTTPRule()
	mine.ClientID = "c1"

	once := ScopeToClient([]*Rule{wildcard, mine}, "c1")
	twice := ScopeToClient(once, "c1")
	assert.Equal(t, once, twice)
}

func TestAllocateHTTPProxyPorts(t *testing.T) {
	p := NewProvisioner(&fakeAllocator{}, nil)

	httpRule := configHTTPRule()
	socketRule := configSocketRule()
	httpsRule := configHTTPRule()
	httpsRule.RuleNum = 9
	httpsRule.Pattern = "https://secure.example.com"

	require.NoError(t, p.AllocateHTTPProxyPorts([]*Rule{httpRule, socketRule, httpsRule}))

	require.NotNil(t, httpRule.HTTPProxyPort)
	assert.Greater(t, *httpRule.HTTPProxyPort, 0)
	assert.Nil(t, socketRule.HTTPProxyPort)
	assert.Nil(t, httpsRule.HTTPProxyPort)
}

func TestAllocateHTTPProxyPortsFailureAbortsBatch(t *testing.T) {
	p := NewProvisioner(&fakeAllocator{failAfter: 1}, nil)

	first := configHTTPRule()
	second := configHTTPRule()
	second.RuleNum = 5

	err := p.AllocateHTTPProxyPorts([]*Rule{first, second})
	require.Error(t, err)
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindProvisioning, kind)

	// Nothing is committed on a failed batch.
	assert.Nil(t, first.HTTPProxyPort)
	assert.Nil(t, second.HTTPProxyPort)
}

func TestAssignSocksServerPort(t *testing.T) {
	rules := []*Rule{configHTTPRule(), configSocketRule()}
	AssignSocksServerPort(rules, 1080)
	for _, r := range rules {
		require.NotNil(t, r.SocksServerPort)
		assert.Equal(t, 1080, *r.SocksServerPort)
	}
}

func TestSystemRules(t *testing.T) {
	rules := SystemRules(testProvisionConfig())
	require.Len(t, rules, 1)

	healthz := rules[0]
	assert.Equal(t, math.MaxInt32, healthz.RuleNum)
	assert.Equal(t, "client-1", healthz.ClientID)
	assert.Equal(t, PatternURLExact, healthz.PatternType)
	assert.Equal(t, "http://localhost:8182/client-1/__SDCINTERNAL__/healthz", healthz.Pattern)
	assert.Contains(t, healthz.AllowedEntities, "agent@example.com")
	assert.Contains(t, healthz.AllowedEntities, "admin@example.com")

	assert.NoError(t, Validate(healthz))
}

func TestProvisionEndToEnd(t *testing.T) {
	p := NewProvisioner(&fakeAllocator{}, nil)

	feedRules := []*Rule{configHTTPRule(), configSocketRule()}
	feedRules[0].ClientID = ClientAll
	require.NoError(t, ValidateAll(feedRules))

	provisioned, err := p.Provision(feedRules, testProvisionConfig())
	require.NoError(t, err)

	// Scoped feed rules plus the synthesized healthz rule.
	require.Len(t, provisioned, 3)
	assert.NoError(t, ValidateRuntimeAll(provisioned))

	// The input set stays unprovisioned.
	for _, r := range feedRules {
		assert.Empty(t, r.SecretKey)
		assert.Nil(t, r.SocksServerPort)
	}
}

func TestProvisionDropsForeignRules(t *testing.T) {
	p := NewProvisioner(&fakeAllocator{}, nil)

	foreign := configHTTPRule()
	foreign.ClientID = "someone-else"

	provisioned, err := p.Provision([]*Rule{foreign}, testProvisionConfig())
	require.NoError(t, err)
	require.Len(t, provisioned, 1) // only the system rule survives
	assert.Equal(t, math.MaxInt32, provisioned[0].RuleNum)
}

func TestSetRuleNumFromName(t *testing.T) {
	legacy := configHTTPRule()
	legacy.RuleNum = 0
	legacy.Name = "12"
	modern := configSocketRule()

	require.NoError(t, SetRuleNumFromName([]*Rule{legacy, modern}))
	assert.Equal(t, 12, legacy.RuleNum)
	assert.Equal(t, 2, modern.RuleNum)
}

func TestSetRuleNumFromNameMalformed(t *testing.T) {
	legacy := configHTTPRule()
	legacy.Name = "twelve"

	err := SetRuleNumFromName([]*Rule{legacy})
	require.Error(t, err)
	kind, ok := ErrKind(err)
	require.True(t, ok)
	assert.Equal(t, KindLegacyParse, kind)
	assert.ErrorContains(t, err, "twelve")
}

func TestEphemeralAllocator(t *testing.T) {
	a := &EphemeralAllocator{}
	port, err := a.Allocate()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	assert.LessOrEqual(t, port, 65535)
}
