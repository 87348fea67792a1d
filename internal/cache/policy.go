package cache

import "time"

// DefaultTTL is used for keys that match no configured class.
const DefaultTTL = 30 * time.Second

// TTLPolicy decides how long a successful fetch stays fresh and which key
// classes survive a logout.
type TTLPolicy struct {
	// Default applies to keys matching no entry in Classes.
	Default time.Duration

	// Classes maps a slash-separated key prefix ("categories", "task/offers")
	// to its TTL. The longest matching prefix wins.
	Classes map[string]time.Duration

	// Shared lists key prefixes that are not user-scoped and are kept by
	// ClearUserScoped.
	Shared []string
}

// DefaultPolicy returns the built-in TTLs: categories rarely change, offers
// and payments are always revalidated.
func DefaultPolicy() TTLPolicy {
	return TTLPolicy{
		Default: DefaultTTL,
		Classes: map[string]time.Duration{
			"categories":  5 * time.Minute,
			"task":        30 * time.Second,
			"tasks":       30 * time.Second,
			"task/offers": 0,
			"payments":    0,
		},
		Shared: []string{"categories"},
	}
}

// TTL returns the staleness window for key.
func (p TTLPolicy) TTL(key Key) time.Duration {
	best := -1
	ttl := p.Default
	for class, d := range p.Classes {
		prefix := ParseKey(class)
		if len(prefix) > best && key.HasPrefix(prefix) {
			best = len(prefix)
			ttl = d
		}
	}
	return ttl
}

// IsShared reports whether key belongs to a class that is not user-scoped.
func (p TTLPolicy) IsShared(key Key) bool {
	for _, s := range p.Shared {
		if key.HasPrefix(ParseKey(s)) {
			return true
		}
	}
	return false
}
