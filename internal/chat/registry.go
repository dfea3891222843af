package chat

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// countryUnknown is the default attribute assigned on registration. It
	// is counted in the live total but excluded from the distribution
	// string.
	countryUnknown = "Unknown"

	// countrySentinel is the client-side placeholder for "not selected
	// yet". Setting it is a no-op rather than an error.
	countrySentinel = "UNKNOWN"
)

var countryCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Presence is the registry snapshot used for online-count broadcasts.
type Presence struct {
	Count        int
	Distribution map[string]int
}

// DistributionString renders the per-country histogram as "KR: 2, US: 1",
// countries sorted alphabetically. Connections without a known country are
// excluded; when nothing remains the string falls back to "Unknown".
func (p Presence) DistributionString() string {
	countries := make([]string, 0, len(p.Distribution))
	for country := range p.Distribution {
		if country == countryUnknown {
			continue
		}
		countries = append(countries, country)
	}
	if len(countries) == 0 {
		return countryUnknown
	}
	sort.Strings(countries)

	parts := make([]string, 0, len(countries))
	for _, country := range countries {
		parts = append(parts, country+": "+strconv.Itoa(p.Distribution[country]))
	}
	return strings.Join(parts, ", ")
}

// Registry tracks live connections and their mutable country attribute.
// It owns each connection for its lifetime: once Deregister closes a
// client, no further sends reach it.
type Registry struct {
	mu      sync.Mutex
	entries map[Handle]*registryEntry
}

type registryEntry struct {
	client  *Client
	country string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]*registryEntry)}
}

// Register adds a newly-handshaked connection with the default country.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[client.handle] = &registryEntry{client: client, country: countryUnknown}
}

// Deregister removes the connection and closes its send path. It is
// idempotent: removing an absent handle reports false and has no effect.
func (r *Registry) Deregister(handle Handle) bool {
	r.mu.Lock()
	entry, ok := r.entries[handle]
	if ok {
		delete(r.entries, handle)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.client.shutdown()
	return true
}

// SetCountry validates and updates the connection's country attribute.
// Invalid codes and the sentinel are silently ignored. The return value
// reports whether the attribute actually changed, which is what decides a
// presence rebroadcast.
func (r *Registry) SetCountry(handle Handle, code string) bool {
	if code == countrySentinel || !countryCodePattern.MatchString(code) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[handle]
	if !ok || entry.country == code {
		return false
	}
	entry.country = code
	return true
}

// Country returns the connection's current country attribute.
func (r *Registry) Country(handle Handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[handle]; ok {
		return entry.country
	}
	return countryUnknown
}

// Snapshot returns the live count and country histogram.
func (r *Registry) Snapshot() Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	distribution := make(map[string]int, len(r.entries))
	for _, entry := range r.entries {
		distribution[entry.country]++
	}
	return Presence{Count: len(r.entries), Distribution: distribution}
}

// Clients returns a point-in-time copy of the live clients. Broadcast
// iterates the copy so the registry map is never mutated mid-sweep.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]*Client, 0, len(r.entries))
	for _, entry := range r.entries {
		clients = append(clients, entry.client)
	}
	return clients
}
