package ratelimit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the request budget for one route.
type Policy struct {
	Requests int
	Window   time.Duration
}

// WindowSeconds is the window rounded to whole seconds, as sent in Retry-After.
func (p Policy) WindowSeconds() int {
	return int(p.Window / time.Second)
}

// DefaultPolicy applies to routes without an entry in the table.
var DefaultPolicy = Policy{Requests: 1000, Window: time.Hour}

// PolicyTable maps route patterns to policies. Keys ending in "*" match by
// prefix; all other keys must match exactly. It is read-only once built.
type PolicyTable struct {
	def      Policy
	exact    map[string]Policy
	prefixes []prefixPolicy // longest first
}

type prefixPolicy struct {
	prefix string
	policy Policy
}

// NewPolicyTable builds a table from route patterns.
func NewPolicyTable(def Policy, routes map[string]Policy) *PolicyTable {
	t := &PolicyTable{
		def:   def,
		exact: make(map[string]Policy, len(routes)),
	}
	for pattern, p := range routes {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			t.prefixes = append(t.prefixes, prefixPolicy{prefix: prefix, policy: p})
			continue
		}
		t.exact[pattern] = p
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return t
}

// Resolve returns the policy for route: exact match, then longest prefix,
// then the default.
func (t *PolicyTable) Resolve(route string) Policy {
	if p, ok := t.exact[route]; ok {
		return p
	}
	for _, pp := range t.prefixes {
		if strings.HasPrefix(route, pp.prefix) {
			return pp.policy
		}
	}
	return t.def
}

// Default returns the fallback policy.
func (t *PolicyTable) Default() Policy {
	return t.def
}

// EffectiveLimit applies a per-key override. Overrides only ever raise the
// ceiling; a missing or non-positive override leaves the policy as is.
func EffectiveLimit(p Policy, override *int) int {
	if override != nil && *override > 0 && *override > p.Requests {
		return *override
	}
	return p.Requests
}

type policyEntry struct {
	Requests      *int   `yaml:"requests"`
	Unlimited     bool   `yaml:"unlimited"`
	Window        string `yaml:"window"`
	WindowSeconds int    `yaml:"window_seconds"`
}

type policyFile struct {
	Default *policyEntry           `yaml:"default"`
	Routes  map[string]policyEntry `yaml:"routes"`
}

func (e policyEntry) toPolicy(name string) (Policy, error) {
	var requests int
	switch {
	case e.Unlimited && e.Requests != nil:
		return Policy{}, fmt.Errorf("policy %q: requests and unlimited are mutually exclusive", name)
	case e.Unlimited:
		// Zero disables limiting in FixedWindowLimiter.Check.
	case e.Requests == nil:
		return Policy{}, fmt.Errorf("policy %q: requests is required (use unlimited: true to disable limiting)", name)
	case *e.Requests <= 0:
		return Policy{}, fmt.Errorf("policy %q: requests must be positive", name)
	default:
		requests = *e.Requests
	}
	var window time.Duration
	switch {
	case e.Window != "":
		d, err := time.ParseDuration(e.Window)
		if err != nil {
			return Policy{}, fmt.Errorf("policy %q: invalid window: %w", name, err)
		}
		window = d
	case e.WindowSeconds > 0:
		window = time.Duration(e.WindowSeconds) * time.Second
	default:
		return Policy{}, fmt.Errorf("policy %q: window is required", name)
	}
	if window < time.Second {
		return Policy{}, fmt.Errorf("policy %q: window must be at least 1s", name)
	}
	return Policy{Requests: requests, Window: window}, nil
}

// ParsePolicies decodes a YAML policy document:
//
//	default: {requests: 1000, window: 1h}
//	routes:
//	  /api/v1/profiles/*: {requests: 100, window: 1m}
//	  /api/v1/usage: {requests: 10, window_seconds: 60}
//	  /api/v1/me: {unlimited: true, window: 1m}
//
// Every entry needs a window and either a positive requests count or
// unlimited: true.
func ParsePolicies(data []byte) (*PolicyTable, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit policies: %w", err)
	}

	def := DefaultPolicy
	if f.Default != nil {
		p, err := f.Default.toPolicy("default")
		if err != nil {
			return nil, err
		}
		def = p
	}

	routes := make(map[string]Policy, len(f.Routes))
	for pattern, entry := range f.Routes {
		p, err := entry.toPolicy(pattern)
		if err != nil {
			return nil, err
		}
		routes[pattern] = p
	}
	return NewPolicyTable(def, routes), nil
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit policies: %w", err)
	}
	return ParsePolicies(data)
}
