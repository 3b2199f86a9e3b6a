package rule

import (
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

const maxPort = 65535

// Validate checks a single rule against the config-time contract: the
// structural invariants an authored rule must satisfy before provisioning.
// Checking stops at the first violation; the returned error carries the
// rule number and the violated field.
func Validate(r *Rule) error {
	if r.RuleNum <= 0 {
		return structuralErr(r.RuleNum, "pattern %q must have ruleNum greater than 0", r.Pattern)
	}
	num := r.RuleNum

	if r.ClientID == "" {
		return structuralErr(num, "'clientId' field must be present")
	}
	if containsSpace(r.ClientID) {
		return structuralErr(num, "'clientId' field %q must not contain any white space", r.ClientID)
	}

	if len(r.AllowedEntities) == 0 {
		return structuralErr(num, "at least one 'allowedEntities' field must be present")
	}
	for _, entity := range r.AllowedEntities {
		if containsSpace(entity) {
			return structuralErr(num, "'allowedEntities' field %q must not contain any white space", entity)
		}
		if !strings.Contains(entity, "@") {
			return structuralErr(num, "'allowedEntities' field %q must be a valid fully qualified email address", entity)
		}
	}

	if len(r.Apps) == 0 {
		return structuralErr(num, "at least one 'app' field must be present")
	}
	for _, app := range r.Apps {
		if containsSpace(app.Container) || containsSpace(app.AppID) {
			return structuralErr(num, "'app' field <%s:%s> must not contain any white space", app.Container, app.AppID)
		}
	}

	if r.Pattern == "" {
		return structuralErr(num, "'pattern' must be present")
	}
	if containsSpace(r.Pattern) {
		return structuralErr(num, "'pattern' field %q must not contain any white space", r.Pattern)
	}
	if !r.IsHTTP() && !r.IsHTTPS() && !r.IsSocket() {
		return structuralErr(num, "invalid pattern: %s", r.Pattern)
	}

	if r.PatternType == "" {
		return structuralErr(num, "'patternType' missing for %s", r.Pattern)
	}
	switch r.PatternType {
	case PatternURLExact:
		if r.IsHTTPS() || r.IsSocket() {
			return structuralErr(num, "pattern type URLEXACT works only with http, use HOSTPORT for https or socket")
		}
	case PatternHostPort:
		// The URL may carry no path data when matching on host:port.
		if r.IsHTTP() || r.IsHTTPS() {
			u, err := url.Parse(r.Pattern)
			if err != nil {
				return structuralErr(num, "invalid pattern URL: %v", err)
			}
			if len(u.Path) > 1 {
				return structuralErr(num, "'pattern' %s cannot contain any path elements when using HOSTPORT pattern type", r.Pattern)
			}
		}
	case PatternRegex:
		// Legacy passthrough. A compile check is best-effort only: broken
		// expressions are still accepted for backward compatibility.
		if _, err := regexp2.Compile(r.Pattern, regexp2.None); err != nil {
			slog.Warn("deprecated REGEX pattern does not compile",
				slog.Int("ruleNum", num), slog.String("pattern", r.Pattern), slog.Any("error", err))
		}
	default:
		return structuralErr(num, "'patternType' %s not supported", r.PatternType)
	}

	return nil
}

// ValidateAll checks every rule at config time and enforces the set-level
// contract: the set must be non-empty and rule numbers must be unique.
func ValidateAll(rules []*Rule) error {
	// An empty set almost always means the source feed was malformed
	// rather than intentionally blank, so reject it outright.
	if len(rules) == 0 {
		return consistencyErr("must specify at least one rule")
	}

	seen := make(map[int]struct{}, len(rules))
	for _, r := range rules {
		if err := Validate(r); err != nil {
			return err
		}
		if _, dup := seen[r.RuleNum]; dup {
			return consistencyErr("duplicate ruleNum entries not allowed: %d", r.RuleNum)
		}
		seen[r.RuleNum] = struct{}{}
	}
	return nil
}

// ValidateRuntime checks a provisioned rule: all config-time invariants
// plus the fields that only exist after provisioning. A rule passing
// ValidateRuntime always also passes Validate.
func ValidateRuntime(r *Rule) error {
	if err := Validate(r); err != nil {
		return err
	}

	if r.HTTPProxyPort != nil {
		if *r.HTTPProxyPort < 0 || *r.HTTPProxyPort > maxPort {
			return structuralErr(r.RuleNum, "httpProxyPort %d out of range", *r.HTTPProxyPort)
		}
	} else if r.PatternType == PatternURLExact {
		return structuralErr(r.RuleNum, "'httpProxyPort' required for each http resource")
	}

	if r.SocksServerPort == nil {
		return structuralErr(r.RuleNum, "'socksServerPort' required for each resource")
	}
	if *r.SocksServerPort < 0 || *r.SocksServerPort > maxPort {
		return structuralErr(r.RuleNum, "socksServerPort %d out of range", *r.SocksServerPort)
	}

	if r.SecretKey == "" {
		return structuralErr(r.RuleNum, "rule is missing secret key")
	}
	return nil
}

// ValidateRuntimeAll runs the set-level config checks and then the runtime
// checks over every rule.
func ValidateRuntimeAll(rules []*Rule) error {
	if err := ValidateAll(rules); err != nil {
		return err
	}
	for _, r := range rules {
		if err := ValidateRuntime(r); err != nil {
			return err
		}
	}
	return nil
}

func containsSpace(s string) bool {
	return strings.IndexFunc(strings.TrimSpace(s), unicode.IsSpace) >= 0
}
