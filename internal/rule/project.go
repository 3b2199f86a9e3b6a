package rule

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	loopbackHost     = "127.0.0.1"
	defaultHTTPSPort = 443
)

// Credentials projects a validated, provisioned rule set into the map the
// SOCKS authenticator consumes: secret key to the endpoint the credential
// is allowed to reach.
//
// socket:// rules route the client straight to the target parsed out of
// the pattern. http:// rules route to the local per-rule HTTP proxy port;
// there the proxy, not the final target, is the authentication boundary.
// https:// rules carry no local proxy, so they route to the host and port
// named by the pattern.
//
// The projection is pure and can be re-derived from the rule set at any
// time.
func Credentials(rules []*Rule) (map[string]Endpoint, error) {
	creds := make(map[string]Endpoint, len(rules))
	for _, r := range rules {
		var (
			ep  Endpoint
			err error
		)
		switch {
		case r.IsSocket():
			ep, err = socketEndpoint(r)
		case r.IsHTTPS():
			ep, err = httpsEndpoint(r)
		default:
			if r.HTTPProxyPort == nil {
				return nil, structuralErr(r.RuleNum, "'httpProxyPort' required for each http resource")
			}
			ep = Endpoint{Host: loopbackHost, Port: *r.HTTPProxyPort}
		}
		if err != nil {
			return nil, err
		}
		creds[r.SecretKey] = ep
	}
	return creds, nil
}

// socketEndpoint parses host and port out of a socket://host:port pattern.
func socketEndpoint(r *Rule) (Endpoint, error) {
	hostPort := strings.TrimPrefix(r.Pattern, SchemeSocket)
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok || host == "" {
		return Endpoint{}, structuralErr(r.RuleNum, "invalid socket pattern %q, expected socket://host:port", r.Pattern)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > maxPort {
		return Endpoint{}, structuralErr(r.RuleNum, "invalid socket pattern port %q", portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// httpsEndpoint extracts host and port from an https:// pattern, with the
// scheme default when the pattern names no port.
func httpsEndpoint(r *Rule) (Endpoint, error) {
	u, err := url.Parse(r.Pattern)
	if err != nil {
		return Endpoint{}, structuralErr(r.RuleNum, "invalid pattern URL: %v", err)
	}
	port := defaultHTTPSPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return Endpoint{}, structuralErr(r.RuleNum, "invalid pattern port %q", p)
		}
	}
	return Endpoint{Host: u.Hostname(), Port: port}, nil
}
