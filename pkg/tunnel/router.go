package tunnel

import (
	"strings"

	nperrors "github.com/pshima/natproxy/internal/errors"
)

// Router returns the tunnel configuration for a destination, or false when
// the destination should be reached directly.
type Router interface {
	Route(dest Destination) (Config, bool)
}

// Rule sends hosts ending in DomainSuffix through the named proxy.
type Rule struct {
	DomainSuffix string
	Proxy        string
}

// StaticRouter matches domain suffix rules in order. The default proxy, if
// any, applies to every other named destination.
type StaticRouter struct {
	proxies map[string]Config
	rules   []Rule
	def     string
}

// NewStaticRouter checks that every rule names a known proxy.
func NewStaticRouter(proxies []Config, rules []Rule, defaultProxy string) (*StaticRouter, error) {
	r := &StaticRouter{proxies: make(map[string]Config, len(proxies)), def: defaultProxy}
	for _, p := range proxies {
		if _, dup := r.proxies[p.Name]; dup {
			return nil, nperrors.Errorf(nperrors.KindConfig, "duplicate proxy %q", p.Name)
		}
		r.proxies[p.Name] = p
	}
	for _, rule := range rules {
		if _, ok := r.proxies[rule.Proxy]; !ok && !isDirect(rule.Proxy) {
			return nil, nperrors.Errorf(nperrors.KindConfig, "rule %q references unknown proxy %q", rule.DomainSuffix, rule.Proxy)
		}
		r.rules = append(r.rules, Rule{
			DomainSuffix: strings.ToLower(strings.TrimPrefix(rule.DomainSuffix, ".")),
			Proxy:        rule.Proxy,
		})
	}
	if _, ok := r.proxies[defaultProxy]; defaultProxy != "" && !ok && !isDirect(defaultProxy) {
		return nil, nperrors.Errorf(nperrors.KindConfig, "unknown default proxy %q", defaultProxy)
	}
	return r, nil
}

// isDirect reports whether name is the reserved "go direct" target.
func isDirect(name string) bool { return name == "direct" }

func (r *StaticRouter) Route(dest Destination) (Config, bool) {
	if !dest.Unresolved() {
		return Config{}, false
	}
	host := strings.ToLower(strings.TrimSuffix(dest.Host, "."))
	for _, rule := range r.rules {
		if host == rule.DomainSuffix || strings.HasSuffix(host, "."+rule.DomainSuffix) {
			return r.lookup(rule.Proxy)
		}
	}
	if r.def != "" {
		return r.lookup(r.def)
	}
	return Config{}, false
}

func (r *StaticRouter) lookup(name string) (Config, bool) {
	if isDirect(name) {
		return Config{}, false
	}
	cfg, ok := r.proxies[name]
	return cfg, ok
}
