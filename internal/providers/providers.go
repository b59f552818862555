// Package providers resolves provider names to the quoting sites that
// process lead groups.
package providers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// DefaultGroupParam is the query parameter carrying the group id when a
// provider does not configure one.
const DefaultGroupParam = "leadGroupId"

// Provider builds the navigation target for a group of leads.
type Provider interface {
	Name() string
	BuildURLWithGroupID(groupID string) string
}

// URLProvider appends the group id to a fixed base URL.
type URLProvider struct {
	name       string
	base       *url.URL
	groupParam string
}

// NewURLProvider validates the base URL and returns a provider.
func NewURLProvider(name, rawURL, groupParam string) (*URLProvider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("provider %s: parse url: %w", name, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider %s: url must be absolute: %q", name, rawURL)
	}
	if groupParam == "" {
		groupParam = DefaultGroupParam
	}
	return &URLProvider{name: name, base: base, groupParam: groupParam}, nil
}

func (p *URLProvider) Name() string { return p.name }

// BuildURLWithGroupID sets the group parameter on the query, keeping any
// fragment route intact (single-page quoting apps route in the fragment).
func (p *URLProvider) BuildURLWithGroupID(groupID string) string {
	u := *p.base
	q := u.Query()
	q.Set(p.groupParam, groupID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
