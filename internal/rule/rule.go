package rule

import (
	"net"
	"strconv"
	"strings"
)

// Pattern scheme prefixes recognized in resource patterns.
const (
	SchemeHTTP   = "http://"
	SchemeHTTPS  = "https://"
	SchemeSocket = "socket://"
)

// ClientAll is the wildcard client identity. Rules carrying it apply to
// every agent and are rewritten to the concrete client id during scoping.
const ClientAll = "all"

type PatternType string

const (
	PatternURLExact PatternType = "URLEXACT"
	PatternHostPort PatternType = "HOSTPORT"
	// PatternRegex is deprecated. Rules using it are accepted as a legacy
	// passthrough and are not structurally re-validated.
	PatternRegex PatternType = "REGEX"
)

// App is one (container, appId) pair a rule grants access to.
type App struct {
	Container string `json:"container" yaml:"container"`
	AppID     string `json:"appId" yaml:"appId"`
}

// Rule is one access grant: it binds a client, a set of authorized
// principals and apps, and a target resource pattern. A rule is mutable
// while it moves through validation and provisioning; once the provisioned
// set passes runtime validation it is treated as read-only.
type Rule struct {
	RuleNum int `json:"ruleNum" yaml:"ruleNum"`

	// Name is the deprecated numeric identity used by legacy feeds.
	// The provisioner parses it into RuleNum.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	ClientID        string   `json:"clientId" yaml:"clientId"`
	AllowedEntities []string `json:"allowedEntities" yaml:"allowedEntities"`
	Apps            []App    `json:"apps" yaml:"apps"`

	Pattern     string      `json:"pattern" yaml:"pattern"`
	PatternType PatternType `json:"patternType" yaml:"patternType"`

	// HTTPProxyPort is assigned by the provisioner for http:// rules only.
	// nil means unassigned.
	HTTPProxyPort *int `json:"httpProxyPort,omitempty" yaml:"httpProxyPort,omitempty"`

	// SocksServerPort is the shared SOCKS listener port stamped on every
	// rule by the provisioner. nil means unassigned.
	SocksServerPort *int `json:"socksServerPort,omitempty" yaml:"socksServerPort,omitempty"`

	// SecretKey is the per-rule credential. Empty means unassigned.
	SecretKey string `json:"secretKey,omitempty" yaml:"secretKey,omitempty"`
}

func (r *Rule) IsHTTP() bool   { return strings.HasPrefix(r.Pattern, SchemeHTTP) }
func (r *Rule) IsHTTPS() bool  { return strings.HasPrefix(r.Pattern, SchemeHTTPS) }
func (r *Rule) IsSocket() bool { return strings.HasPrefix(r.Pattern, SchemeSocket) }

// Clone returns a deep copy. Scoping hands out clones so the shared feed
// view and the per-client view never alias.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.AllowedEntities != nil {
		c.AllowedEntities = append([]string(nil), r.AllowedEntities...)
	}
	if r.Apps != nil {
		c.Apps = append([]App(nil), r.Apps...)
	}
	if r.HTTPProxyPort != nil {
		p := *r.HTTPProxyPort
		c.HTTPProxyPort = &p
	}
	if r.SocksServerPort != nil {
		p := *r.SocksServerPort
		c.SocksServerPort = &p
	}
	return &c
}

// Endpoint is one side of the credential map consumed by the SOCKS
// authenticator: the address an authenticated client is routed to.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
