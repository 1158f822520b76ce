// Package policy implements the pre-dispatch gates every tool call passes
// through. A denied action carries a reason string and a set of flags that
// end up on the step trace; the caller decides how to react (the engine
// terminates the run, the dispatcher returns a policy_denied result).
package policy

import (
	"net"
	"net/url"
	"strings"

	"github.com/crawlmesh/crawlmesh/core"
)

// Verdict is the outcome of a policy check.
type Verdict struct {
	Allowed bool
	Reason  string
	Flags   []string
}

// Allow is the affirmative verdict.
var Allow = Verdict{Allowed: true}

// Deny constructs a denial with a reason and trace flags.
func Deny(reason string, flags ...string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Flags: flags}
}

// Gate checks a tool call against the run's policy before dispatch.
// Implementations must be pure and safe for concurrent use.
type Gate interface {
	Check(call core.ToolCall, config core.RunConfig) Verdict
}

// argument keys scanned for URL values
var urlArgKeys = map[string]struct{}{
	"url": {}, "urls": {}, "target_url": {}, "href": {},
}

// DefaultGate enforces the tool allowlist, the domain allowlist and the
// private-range deny rules from the run config.
type DefaultGate struct {
	// Resolve overrides hostname resolution in tests. Nil uses net.LookupIP.
	Resolve func(host string) ([]net.IP, error)
}

// NewGate returns the standard gate.
func NewGate() *DefaultGate { return &DefaultGate{} }

// Check implements Gate.
func (g *DefaultGate) Check(call core.ToolCall, config core.RunConfig) Verdict {
	if !config.ToolAllowed(call.Name) {
		return Deny("tool '"+call.Name+"' not in allowed_tools", "tool_blocked")
	}

	for key, value := range call.Args {
		for _, raw := range extractURLs(key, value) {
			if reason := g.checkURL(raw, config); reason != "" {
				return Deny(reason, "url_blocked")
			}
		}
	}

	return Allow
}

// CheckURL gates a raw URL fetch, used by crawl tools before requesting.
func (g *DefaultGate) CheckURL(raw string, config core.RunConfig) Verdict {
	if reason := g.checkURL(raw, config); reason != "" {
		return Deny(reason, "url_blocked")
	}
	return Allow
}

func (g *DefaultGate) checkURL(raw string, config core.RunConfig) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unparseable URL: " + raw
	}
	host := u.Hostname()

	if !domainAllowed(host, config.AllowedDomains) {
		return "domain '" + host + "' not in allowlist"
	}

	if config.BlockPrivateRanges && g.resolvesToPrivate(host) {
		return "domain '" + host + "' resolves to private/loopback address"
	}

	return ""
}

func (g *DefaultGate) resolvesToPrivate(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return isPrivate(ip)
	}
	resolve := g.Resolve
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(host)
	if err != nil {
		// Unresolvable hosts fail at fetch time instead.
		return false
	}
	for _, ip := range ips {
		if isPrivate(ip) {
			return true
		}
	}
	return false
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func domainAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

func extractURLs(key string, value any) []string {
	if _, ok := urlArgKeys[strings.ToLower(key)]; !ok {
		return nil
	}
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
