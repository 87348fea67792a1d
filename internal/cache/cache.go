// Package cache provides the in-memory resource cache shared by all screens.
// Entries carry their fetch status and error alongside the last good data so
// a failed refresh never blanks a screen.
package cache

import (
	"sort"
	"sync"
	"time"

	"taskmarket/internal/utils"
)

// Status is the fetch state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a read-only snapshot of a cached resource.
type Entry struct {
	Key         Key
	Data        any
	Status      Status
	Err         error
	FetchedAt   time.Time
	StaleAfter  time.Duration
	Invalidated bool // marked stale by an invalidation since the last fetch
	Fetching    bool // a request for this key is outstanding
	Optimistic  bool // Data comes from a provisional overlay
}

// HasData reports whether the entry holds data to display.
func (e Entry) HasData() bool {
	return e.Data != nil
}

// Listener is called with the new entry state after a change to its key.
type Listener func(Entry)

// record is the internal state of one key.
type record struct {
	entry   Entry
	issued  uint64 // last sequence number handed out by NextSeq
	applied uint64 // sequence number of the last applied result
	staleTo uint64 // results with seq <= staleTo stay invalidated
	overlay *overlay
}

type overlay struct {
	id   uint64
	data any
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithPolicy sets the initial TTL policy.
func WithPolicy(p TTLPolicy) Option {
	return func(c *Cache) {
		c.policy = p
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *utils.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// Cache is a keyed store of server resources with staleness tracking,
// change subscriptions and an optimistic overlay layer. It is safe for
// concurrent use.
type Cache struct {
	mu        sync.Mutex
	records   map[string]*record
	listeners map[string]map[uint64]Listener
	nextID    uint64
	policy    TTLPolicy
	now       func() time.Time
	logger    *utils.Logger
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		records:   make(map[string]*record),
		listeners: make(map[string]map[uint64]Listener),
		policy:    DefaultPolicy(),
		now:       time.Now,
		logger:    utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPolicy replaces the TTL policy. Freshness of existing entries is
// re-evaluated against the new policy on their next read.
func (c *Cache) SetPolicy(p TTLPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Policy returns the active TTL policy.
func (c *Cache) Policy() TTLPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// record returns the record for key, creating it if needed. Caller holds mu.
func (c *Cache) record(key Key) *record {
	id := key.String()
	r, ok := c.records[id]
	if !ok {
		r = &record{entry: Entry{Key: append(Key(nil), key...), Status: StatusIdle}}
		c.records[id] = r
	}
	return r
}

// view builds the public snapshot of r. Caller holds mu.
func (c *Cache) view(r *record) Entry {
	e := r.entry
	e.Key = append(Key(nil), r.entry.Key...)
	e.StaleAfter = c.policy.TTL(e.Key)
	if r.overlay != nil {
		e.Data = r.overlay.data
		e.Optimistic = true
	}
	return e
}

// Get returns the current entry for key. Unknown keys yield an Idle entry.
func (c *Cache) Get(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[key.String()]; ok {
		return c.view(r)
	}
	return Entry{Key: append(Key(nil), key...), Status: StatusIdle, StaleAfter: c.policy.TTL(key)}
}

// IsStale reports whether key must be refetched: never fetched, invalidated,
// or older than its TTL.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[key.String()]
	if !ok || r.entry.FetchedAt.IsZero() || r.entry.Invalidated {
		return true
	}
	return c.now().Sub(r.entry.FetchedAt) > c.policy.TTL(key)
}

// NextSeq allocates the next sequence number for a request on key.
// Results are applied only if their sequence number is not lower than the
// last applied one.
func (c *Cache) NextSeq(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record(key)
	r.issued++
	return r.issued
}

// MarkLoading flags key as having an outstanding request. An entry without
// data moves to Loading; an entry with data keeps its status so the UI keeps
// showing it.
func (c *Cache) MarkLoading(key Key) {
	c.mu.Lock()
	r := c.record(key)
	r.entry.Fetching = true
	if r.entry.Data == nil && r.entry.Status != StatusSuccess {
		r.entry.Status = StatusLoading
	}
	e := c.view(r)
	ls := c.listenersFor(key)
	c.mu.Unlock()

	notify(ls, e)
}

// Put stores data as the authoritative value for key. It is ordered after
// every request issued before it.
func (c *Cache) Put(key Key, data any) {
	c.PutSeq(key, c.NextSeq(key), data)
}

// PutError records a failed fetch for key, keeping any prior data.
func (c *Cache) PutError(key Key, err error) {
	c.PutErrorSeq(key, c.NextSeq(key), err)
}

// PutSeq stores data for key if seq is not older than the last applied
// result. It reports whether the write was applied.
func (c *Cache) PutSeq(key Key, seq uint64, data any) bool {
	c.mu.Lock()
	r := c.record(key)
	if seq < r.applied {
		c.mu.Unlock()
		c.logger.Debug("cache: discarding out-of-order result for %s (seq %d < %d)", key, seq, r.applied)
		return false
	}
	r.applied = seq
	r.entry.Data = data
	r.entry.Status = StatusSuccess
	r.entry.Err = nil
	r.entry.FetchedAt = c.now()
	r.entry.Invalidated = seq <= r.staleTo
	r.entry.Fetching = seq < r.issued
	r.overlay = nil
	e := c.view(r)
	ls := c.listenersFor(key)
	c.mu.Unlock()

	notify(ls, e)
	return true
}

// PutErrorSeq records err for key if seq is not older than the last applied
// result. Prior data is retained.
func (c *Cache) PutErrorSeq(key Key, seq uint64, err error) bool {
	c.mu.Lock()
	r := c.record(key)
	if seq < r.applied {
		c.mu.Unlock()
		c.logger.Debug("cache: discarding out-of-order error for %s (seq %d < %d)", key, seq, r.applied)
		return false
	}
	r.applied = seq
	r.entry.Status = StatusError
	r.entry.Err = err
	r.entry.Fetching = seq < r.issued
	e := c.view(r)
	ls := c.listenersFor(key)
	c.mu.Unlock()

	notify(ls, e)
	return true
}

// Invalidate marks every entry whose key has the given prefix as stale,
// keeping its data for display during the refetch. It returns the affected
// keys in serialized order.
func (c *Cache) Invalidate(prefix Key) []Key {
	c.mu.Lock()
	var affected []*record
	for _, r := range c.records {
		if r.entry.Key.HasPrefix(prefix) && (!r.entry.FetchedAt.IsZero() || r.entry.Fetching) {
			r.entry.Invalidated = true
			r.staleTo = r.issued
			affected = append(affected, r)
		}
	}
	sort.Slice(affected, func(i, j int) bool {
		return affected[i].entry.Key.String() < affected[j].entry.Key.String()
	})
	type change struct {
		entry Entry
		ls    []Listener
	}
	changes := make([]change, 0, len(affected))
	keys := make([]Key, 0, len(affected))
	for _, r := range affected {
		changes = append(changes, change{entry: c.view(r), ls: c.listenersFor(r.entry.Key)})
		keys = append(keys, append(Key(nil), r.entry.Key...))
	}
	c.mu.Unlock()

	if len(keys) > 0 {
		c.logger.Debug("cache: invalidated %d entries under %s", len(keys), prefix)
	}
	for _, ch := range changes {
		notify(ch.ls, ch.entry)
	}
	return keys
}

// Clear drops all cached data. Results of requests issued before the clear
// are discarded when they arrive.
func (c *Cache) Clear() {
	c.clear(func(Key) bool { return true })()
}

// ClearUserScoped drops every entry that is not in a shared class of the
// active policy.
func (c *Cache) ClearUserScoped() {
	c.ClearUserScopedDeferred()()
}

// ClearUserScopedDeferred clears like ClearUserScoped but returns the
// subscriber notifications instead of delivering them. A caller that holds
// its own lock during the clear runs the returned function after releasing it.
func (c *Cache) ClearUserScopedDeferred() func() {
	c.mu.Lock()
	p := c.policy
	c.mu.Unlock()
	return c.clear(func(k Key) bool { return !p.IsShared(k) })
}

func (c *Cache) clear(match func(Key) bool) func() {
	c.mu.Lock()
	var entries []Entry
	var lss [][]Listener
	for _, r := range c.records {
		if !match(r.entry.Key) {
			continue
		}
		r.entry = Entry{Key: r.entry.Key, Status: StatusIdle}
		r.overlay = nil
		r.issued++
		r.applied = r.issued
		entries = append(entries, c.view(r))
		lss = append(lss, c.listenersFor(r.entry.Key))
	}
	c.mu.Unlock()

	return func() {
		for i := range entries {
			notify(lss[i], entries[i])
		}
	}
}

// SetOverlay installs a provisional value for key that Get returns in place
// of the server data. The returned id is passed to DropOverlay. A later
// overlay replaces an earlier one; a Put replaces any overlay.
func (c *Cache) SetOverlay(key Key, data any) uint64 {
	c.mu.Lock()
	r := c.record(key)
	c.nextID++
	id := c.nextID
	r.overlay = &overlay{id: id, data: data}
	e := c.view(r)
	ls := c.listenersFor(key)
	c.mu.Unlock()

	notify(ls, e)
	return id
}

// DropOverlay removes the overlay with the given id, exposing the server data
// again. It is a no-op if the overlay was already replaced.
func (c *Cache) DropOverlay(key Key, id uint64) {
	c.mu.Lock()
	r, ok := c.records[key.String()]
	if !ok || r.overlay == nil || r.overlay.id != id {
		c.mu.Unlock()
		return
	}
	r.overlay = nil
	e := c.view(r)
	ls := c.listenersFor(key)
	c.mu.Unlock()

	notify(ls, e)
}

// Subscribe registers fn to be called synchronously whenever the entry for
// key changes. The returned function removes the subscription.
func (c *Cache) Subscribe(key Key, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.String()
	c.nextID++
	subID := c.nextID
	if c.listeners[id] == nil {
		c.listeners[id] = make(map[uint64]Listener)
	}
	c.listeners[id][subID] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[id], subID)
			if len(c.listeners[id]) == 0 {
				delete(c.listeners, id)
			}
		})
	}
}

// Keys returns all known keys in serialized order.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, append(Key(nil), c.records[id].entry.Key...))
	}
	return keys
}

// Snapshot returns every entry in serialized key order.
func (c *Cache) Snapshot() []Entry {
	keys := c.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.Get(k))
	}
	return out
}

// listenersFor copies the listeners of key. Caller holds mu.
func (c *Cache) listenersFor(key Key) []Listener {
	subs := c.listeners[key.String()]
	if len(subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func notify(ls []Listener, e Entry) {
	for _, fn := range ls {
		fn(e)
	}
}
