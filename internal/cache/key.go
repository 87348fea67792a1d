package cache

import (
	"encoding/json"
	"strings"
)

// Key is an ordered tuple identifying a resource class and its parameters,
// e.g. Key{"task", "42"} or Key{"task", "offers", "42"}.
type Key []string

// String returns the serialized form of the key. Two keys are equal iff
// their serialized forms are equal.
func (k Key) String() string {
	if k == nil {
		k = Key{}
	}
	b, _ := json.Marshal([]string(k))
	return string(b)
}

// Equal reports whether k and other serialize identically.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix matches the leading elements of k.
// An empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Class returns the first element of the key, or "" for an empty key.
func (k Key) Class() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// ParseKey parses either the serialized JSON form (`["task","42"]`) or a
// slash-separated path (`task/42`).
func ParseKey(s string) Key {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var parts []string
		if err := json.Unmarshal([]byte(s), &parts); err == nil {
			return Key(parts)
		}
	}
	if s == "" {
		return Key{}
	}
	return Key(strings.Split(strings.Trim(s, "/"), "/"))
}
