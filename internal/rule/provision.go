package rule

import (
	"fmt"
	"math"
	"strconv"
)

// healthzPathFormat is the diagnostic endpoint granted by the built-in
// system rule: /<clientId>/__SDCINTERNAL__/healthz.
const healthzPathFormat = "%slocalhost:%d/%s/__SDCINTERNAL__/healthz"

// Provisioner turns a structurally valid rule set into a runtime-ready
// one: it assigns secret keys and ports, and synthesizes system rules.
// Both capabilities it depends on are injected.
type Provisioner struct {
	ports  PortAllocator
	keys   KeySource
	issued map[string]struct{}
}

// NewProvisioner returns a provisioner using the given allocator and key
// source. Nil arguments fall back to the OS-backed defaults.
func NewProvisioner(ports PortAllocator, keys KeySource) *Provisioner {
	if ports == nil {
		ports = &EphemeralAllocator{}
	}
	if keys == nil {
		keys = RandomKeySource{}
	}
	return &Provisioner{ports: ports, keys: keys, issued: make(map[string]struct{})}
}

// ProvisionConfig carries the per-process inputs provisioning needs.
type ProvisionConfig struct {
	// ClientID is this agent's identity; rules are scoped to it.
	ClientID string
	// SocksServerPort is the shared SOCKS listener port stamped on every
	// rule.
	SocksServerPort int
	// HealthzPort is the local port the diagnostic endpoint listens on.
	HealthzPort int
	// AgentUser is the agent's own principal (user@domain); it is always
	// granted access to the healthz rule.
	AgentUser string
	// HealthzUsers are additional principals granted healthz access.
	HealthzUsers []string
}

// Provision scopes rules to the configured client, appends the built-in
// system rules, and assigns secret keys and ports. The input slice is not
// modified; the returned set is runtime-ready on success. Any failure
// aborts the batch with nothing committed.
func (p *Provisioner) Provision(rules []*Rule, cfg ProvisionConfig) ([]*Rule, error) {
	scoped := ScopeToClient(rules, cfg.ClientID)
	scoped = append(scoped, SystemRules(cfg)...)

	if err := p.AssignSecretKeys(scoped); err != nil {
		return nil, err
	}
	AssignSocksServerPort(scoped, cfg.SocksServerPort)
	if err := p.AllocateHTTPProxyPorts(scoped); err != nil {
		return nil, err
	}
	return scoped, nil
}

// AssignSecretKeys gives every rule a fresh credential. Keys are pairwise
// distinct across the provisioner's lifetime, never just within one call.
func (p *Provisioner) AssignSecretKeys(rules []*Rule) error {
	for _, r := range rules {
		key, err := p.newUniqueKey()
		if err != nil {
			return provisioningErr("error while generating rule secret keys", err)
		}
		r.SecretKey = key
	}
	return nil
}

func (p *Provisioner) newUniqueKey() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		key, err := p.keys.NewKey()
		if err != nil {
			return "", err
		}
		if _, dup := p.issued[key]; dup {
			continue
		}
		p.issued[key] = struct{}{}
		return key, nil
	}
	return "", fmt.Errorf("key source kept returning duplicates")
}

// AllocateHTTPProxyPorts obtains a free local port for every http:// rule.
// https:// and socket:// rules bypass the local HTTP proxy and stay
// without one. Ports are first collected and only stamped onto the rules
// once every allocation succeeded, so a failed batch commits nothing.
func (p *Provisioner) AllocateHTTPProxyPorts(rules []*Rule) error {
	var pending []*Rule
	for _, r := range rules {
		if r.IsHTTP() {
			pending = append(pending, r)
		}
	}

	ports := make([]int, 0, len(pending))
	for range pending {
		port, err := p.ports.Allocate()
		if err != nil {
			return provisioningErr("error while trying to obtain ephemeral ports", err)
		}
		ports = append(ports, port)
	}
	for i, r := range pending {
		port := ports[i]
		r.HTTPProxyPort = &port
	}
	return nil
}

// AssignSocksServerPort stamps the single configured SOCKS listener port
// onto every rule. All rules share one listener; differentiation happens
// by credential, not by port.
func AssignSocksServerPort(rules []*Rule, socksServerPort int) {
	for _, r := range rules {
		port := socksServerPort
		r.SocksServerPort = &port
	}
}

// ScopeToClient filters a shared rule feed down to the rules that apply to
// myClientID: rules addressed to it directly, plus wildcard rules, whose
// client id is rewritten to the concrete identity. The result is a new
// slice of cloned rules; the input is left untouched. Scoping an
// already-scoped set to the same client again is a no-op.
func ScopeToClient(rules []*Rule, myClientID string) []*Rule {
	scoped := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.ClientID != ClientAll && r.ClientID != myClientID {
			continue
		}
		c := r.Clone()
		c.ClientID = myClientID
		scoped = append(scoped, c)
	}
	return scoped
}

// SystemRules synthesizes the built-in rules that exist outside any
// external feed. System rules take numbers descending from the top of the
// int32 range so they stay clear of authored numbers; that is a
// convention, not a hard guarantee.
func SystemRules(cfg ProvisionConfig) []*Rule {
	nextRuleNum := math.MaxInt32

	allowed := append([]string(nil), cfg.HealthzUsers...)
	if cfg.AgentUser != "" {
		allowed = append(allowed, cfg.AgentUser)
	}

	healthz := &Rule{
		RuleNum:         nextRuleNum,
		ClientID:        cfg.ClientID,
		AllowedEntities: allowed,
		Apps:            []App{{Container: "*", AppID: ".*"}},
		Pattern:         fmt.Sprintf(healthzPathFormat, SchemeHTTP, cfg.HealthzPort, cfg.ClientID),
		PatternType:     PatternURLExact,
	}
	return []*Rule{healthz}
}

// SetRuleNumFromName derives rule numbers for legacy feeds whose numeric
// identity arrives in the deprecated name field.
//
// Deprecated: remove once no feeds carry name-only rules.
func SetRuleNumFromName(rules []*Rule) error {
	for _, r := range rules {
		if r.Name == "" {
			continue
		}
		num, err := strconv.Atoi(r.Name)
		if err != nil {
			return legacyParseErr(r.Name, err)
		}
		r.RuleNum = num
	}
	return nil
}
