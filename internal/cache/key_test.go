package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	assert.Equal(t, `["task","42"]`, Key{"task", "42"}.String())
	assert.Equal(t, `[]`, Key(nil).String())
	assert.NotEqual(t, Key{"a/b"}.String(), Key{"a", "b"}.String(), "serialization must not be ambiguous")
}

func TestKeyEqualAndPrefix(t *testing.T) {
	assert.True(t, Key{"task", "1"}.Equal(Key{"task", "1"}))
	assert.False(t, Key{"task", "1"}.Equal(Key{"task", "2"}))
	assert.True(t, Key{"task", "offers", "1"}.HasPrefix(Key{"task"}))
	assert.True(t, Key{"payments"}.HasPrefix(Key{}))
	assert.False(t, Key{"tasks"}.HasPrefix(Key{"task"}))
	assert.False(t, Key{"task"}.HasPrefix(Key{"task", "1"}))
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, Key{"task", "offers", "7"}, ParseKey(`["task","offers","7"]`))
	assert.Equal(t, Key{"task", "offers", "7"}, ParseKey("task/offers/7"))
	assert.Equal(t, Key{"categories"}, ParseKey("/categories/"))
	assert.Equal(t, Key{}, ParseKey(""))
}

func TestPolicyLongestPrefixWins(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30*time.Second, p.TTL(Key{"task", "1"}))
	assert.Equal(t, time.Duration(0), p.TTL(Key{"task", "offers", "1"}))
	assert.Equal(t, 5*time.Minute, p.TTL(Key{"categories"}))
	assert.Equal(t, DefaultTTL, p.TTL(Key{"profile"}))
	assert.True(t, p.IsShared(Key{"categories"}))
	assert.False(t, p.IsShared(Key{"payments"}))
}
