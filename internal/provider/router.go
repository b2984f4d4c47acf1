// Package provider maps model identifiers to upstream endpoints.
package provider

import (
	"errors"
	"strings"
)

// ErrNoDefaultRule is returned when the rule table does not end in an unconditional rule.
var ErrNoDefaultRule = errors.New("provider rule table must end with a default rule")

// Rule routes every model whose id contains one of Match to an endpoint.
// A rule with no Match entries matches unconditionally.
type Rule struct {
	Name    string
	Match   []string
	BaseURL string
	APIKey  string
}

// Matches reports whether the rule applies to the model id.
func (r Rule) Matches(modelID string) bool {
	if len(r.Match) == 0 {
		return true
	}
	id := strings.ToLower(modelID)
	for _, m := range r.Match {
		if m != "" && strings.Contains(id, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Endpoint is the resolved upstream for one call. BaseURL and APIKey may be empty.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
}

// HasCredentials reports whether both a base URL and a key are configured.
func (e Endpoint) HasCredentials() bool {
	return e.BaseURL != "" && e.APIKey != ""
}

// Router resolves model ids against an ordered rule table. It is immutable and
// safe for concurrent use.
type Router struct {
	rules []Rule
}

// New builds a router. The last rule must be unconditional.
func New(rules []Rule) (*Router, error) {
	if len(rules) == 0 || len(rules[len(rules)-1].Match) != 0 {
		return nil, ErrNoDefaultRule
	}

	cp := make([]Rule, len(rules))
	for i, r := range rules {
		r.Match = append([]string(nil), r.Match...)
		r.BaseURL = strings.TrimRight(r.BaseURL, "/")
		cp[i] = r
	}
	return &Router{rules: cp}, nil
}

// Resolve returns the endpoint of the first rule matching modelID.
// It always returns an endpoint because the table ends with a default.
func (r *Router) Resolve(modelID string) Endpoint {
	for _, rule := range r.rules {
		if rule.Matches(modelID) {
			return Endpoint{Name: rule.Name, BaseURL: rule.BaseURL, APIKey: rule.APIKey}
		}
	}
	// unreachable with a validated table
	last := r.rules[len(r.rules)-1]
	return Endpoint{Name: last.Name, BaseURL: last.BaseURL, APIKey: last.APIKey}
}

// Rules returns a copy of the rule table.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}
