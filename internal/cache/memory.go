package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const maxCASAttempts = 64

// entryKind distinguishes the shape of data stored under a key.
type entryKind int

const (
	kindBytes entryKind = iota
	kindCounter
	kindSet
	kindZSet
	kindStream
)

// memEntry is the memory backend's unit of storage. Counter reads/writes go
// through the atomic fields via compare-and-swap; structured fields (set,
// zset, stream) are protected by mu since they are not single-word values.
type memEntry struct {
	kind entryKind

	mu       sync.Mutex
	bytesVal []byte
	set      map[string]struct{}
	zset     map[string]float64
	stream   *streamData

	counter        atomic.Int64
	expiresAtNano  atomic.Int64 // 0 = no expiry
	lastAccessNano atomic.Int64
}

func (e *memEntry) expired(now time.Time) bool {
	exp := e.expiresAtNano.Load()
	return exp != 0 && now.UnixNano() > exp
}

func (e *memEntry) touch(now time.Time) { e.lastAccessNano.Store(now.UnixNano()) }

type streamData struct {
	mu       sync.Mutex
	entries  []StreamMessage
	seq      int64
	groups   map[string]*streamGroup
}

type streamGroup struct {
	lastDelivered int64
	pending       map[string]StreamMessage
}

// Memory is the in-process cache backend. Eviction purges expired entries
// first; if still over capacity it evicts the oldest entries by
// last-accessed time until size <= maxEntries-evictionBatchSize.
type Memory struct {
	mu                sync.RWMutex
	entries           map[string]*memEntry
	maxEntries        int
	evictionBatchSize int
}

// NewMemory creates an in-memory cache backend with the given capacity.
// evictionBatchSize controls how far below maxEntries eviction drains to,
// so a burst of inserts doesn't immediately re-trigger eviction.
func NewMemory(maxEntries, evictionBatchSize int) (*Memory, error) {
	if evictionBatchSize <= 0 {
		evictionBatchSize = 1
	}
	return &Memory{
		entries:           make(map[string]*memEntry),
		maxEntries:        maxEntries,
		evictionBatchSize: evictionBatchSize,
	}, nil
}

func (m *Memory) now() time.Time { return time.Now() }

// getOrCreate returns the entry at key, creating one of the given kind if
// absent or expired. created reports whether a fresh entry was installed.
func (m *Memory) getOrCreate(key string, kind entryKind) (e *memEntry, created bool) {
	now := m.now()

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && !e.expired(now) && e.kind == kind {
		return e, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[key]; ok && !e.expired(now) && e.kind == kind {
		return e, false
	}
	m.maybeEvictLocked()
	e = &memEntry{kind: kind}
	m.entries[key] = e
	return e, true
}

func (m *Memory) getLive(key string) (*memEntry, bool) {
	now := m.now()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(now) {
		return nil, false
	}
	return e, true
}

// maybeEvictLocked must be called with m.mu held for writing.
func (m *Memory) maybeEvictLocked() {
	if m.maxEntries <= 0 || len(m.entries) < m.maxEntries {
		return
	}
	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}
	target := m.maxEntries - m.evictionBatchSize
	if target < 0 {
		target = 0
	}
	type kv struct {
		key        string
		lastAccess int64
	}
	ordered := make([]kv, 0, len(m.entries))
	for k, e := range m.entries {
		ordered = append(ordered, kv{k, e.lastAccessNano.Load()})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].lastAccess < ordered[j].lastAccess })
	for _, item := range ordered {
		if len(m.entries) <= target {
			break
		}
		delete(m.entries, item.key)
	}
}

// --- byte K/V ---

func (m *Memory) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindBytes {
		return nil, false, nil
	}
	e.touch(m.now())
	e.mu.Lock()
	val := e.bytesVal
	e.mu.Unlock()
	return val, true, nil
}

func (m *Memory) SetBytes(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e, _ := m.getOrCreate(key, kindBytes)
	now := m.now()
	e.mu.Lock()
	e.bytesVal = val
	e.mu.Unlock()
	if ttl > 0 {
		e.expiresAtNano.Store(now.Add(ttl).UnixNano())
	} else {
		e.expiresAtNano.Store(0)
	}
	e.touch(now)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !e.expired(now) {
		m.mu.Unlock()
		return false, nil
	}
	m.maybeEvictLocked()
	e = &memEntry{kind: kindBytes}
	e.bytesVal = val
	if ttl > 0 {
		e.expiresAtNano.Store(now.Add(ttl).UnixNano())
	}
	e.touch(now)
	m.entries[key] = e
	m.mu.Unlock()
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// --- counters ---

// IncrBy performs a bounded compare-and-swap loop: TTL is installed only when
// the entry is newly created or currently has no expiry, so it is never
// extended by a later increment.
func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	e, created := m.getOrCreate(key, kindCounter)
	now := m.now()
	if created || e.expiresAtNano.Load() == 0 {
		if ttl > 0 {
			e.expiresAtNano.CompareAndSwap(0, now.Add(ttl).UnixNano())
		}
	}
	e.touch(now)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur := e.counter.Load()
		next := cur + delta
		if e.counter.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
	return 0, ErrCASExhausted
}

func (m *Memory) CheckAndReserveBudget(_ context.Context, key string, cost, limit int64, ttl time.Duration) (BudgetResult, error) {
	e, created := m.getOrCreate(key, kindCounter)
	now := m.now()
	if created {
		if ttl > 0 {
			e.expiresAtNano.CompareAndSwap(0, now.Add(ttl).UnixNano())
		}
	}
	e.touch(now)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur := e.counter.Load()
		if cur+cost > limit {
			return BudgetResult{Allowed: false, Current: cur}, nil
		}
		next := cur + cost
		if e.counter.CompareAndSwap(cur, next) {
			return BudgetResult{Allowed: true, Current: next}, nil
		}
	}
	return BudgetResult{}, ErrCASExhausted
}

func (m *Memory) CheckAndIncrRateLimit(_ context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	e, created := m.getOrCreate(key, kindCounter)
	now := m.now()
	if created {
		e.expiresAtNano.CompareAndSwap(0, now.Add(window).UnixNano())
	}
	e.touch(now)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur := e.counter.Load()
		reset := remainingSeconds(e.expiresAtNano.Load(), now)
		if cur >= limit {
			return RateLimitResult{Allowed: false, Current: cur, ResetSecs: reset}, nil
		}
		next := cur + 1
		if e.counter.CompareAndSwap(cur, next) {
			return RateLimitResult{Allowed: true, Current: next, ResetSecs: reset}, nil
		}
	}
	return RateLimitResult{}, ErrCASExhausted
}

func remainingSeconds(expiresAtNano int64, now time.Time) int64 {
	if expiresAtNano == 0 {
		return 0
	}
	d := time.Unix(0, expiresAtNano).Sub(now)
	if d < 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

// CheckLimitsBatch runs each check sequentially; the memory backend has no
// network round-trip to batch, but the result ordering and per-check
// atomicity match the Redis pipeline's contract.
func (m *Memory) CheckLimitsBatch(ctx context.Context, budgets []BudgetCheck, rateLimits []RateLimitCheck) (BatchResult, error) {
	out := BatchResult{
		Budgets:    make([]BudgetResult, len(budgets)),
		RateLimits: make([]RateLimitResult, len(rateLimits)),
	}
	for i, b := range budgets {
		r, err := m.CheckAndReserveBudget(ctx, b.Key, b.Cost, b.Limit, b.TTL)
		if err != nil {
			return BatchResult{}, err
		}
		out.Budgets[i] = r
	}
	for i, rl := range rateLimits {
		r, err := m.CheckAndIncrRateLimit(ctx, rl.Key, rl.Limit, rl.Window)
		if err != nil {
			return BatchResult{}, err
		}
		out.RateLimits[i] = r
	}
	return out, nil
}

// --- sets ---

func (m *Memory) SetAdd(_ context.Context, key string, members ...string) error {
	e, _ := m.getOrCreate(key, kindSet)
	e.mu.Lock()
	if e.set == nil {
		e.set = make(map[string]struct{}, len(members))
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	e.mu.Unlock()
	e.touch(m.now())
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key string, members ...string) error {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindSet {
		return nil
	}
	e.mu.Lock()
	for _, mem := range members {
		delete(e.set, mem)
	}
	e.mu.Unlock()
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindSet {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.set))
	for mem := range e.set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SetCardinality(_ context.Context, key string) (int64, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindSet {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.set)), nil
}

func (m *Memory) SetIsMember(_ context.Context, key, member string) (bool, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindSet {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, present := e.set[member]
	return present, nil
}

func (m *Memory) SetExpire(_ context.Context, key string, ttl time.Duration) error {
	e, ok := m.getLive(key)
	if !ok {
		return nil
	}
	e.expiresAtNano.Store(m.now().Add(ttl).UnixNano())
	return nil
}

// --- sorted sets ---

func (m *Memory) ZSetAdd(_ context.Context, key string, score float64, member string, ttl time.Duration) error {
	e, created := m.getOrCreate(key, kindZSet)
	if created && ttl > 0 {
		e.expiresAtNano.Store(m.now().Add(ttl).UnixNano())
	}
	e.mu.Lock()
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	e.mu.Unlock()
	e.touch(m.now())
	return nil
}

func (m *Memory) ZSetRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindZSet {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	type scored struct {
		member string
		score  float64
	}
	var matches []scored
	for mem, score := range e.zset {
		if score >= min && score <= max {
			matches = append(matches, scored{mem, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score < matches[j].score })
	out := make([]string, len(matches))
	for i, s := range matches {
		out[i] = s.member
	}
	return out, nil
}

func (m *Memory) ZSetRemoveByScore(_ context.Context, key string, min, max float64) error {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindZSet {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for mem, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, mem)
		}
	}
	return nil
}

// --- streams ---

func (m *Memory) StreamAdd(_ context.Context, key string, values map[string]string) (string, error) {
	e, _ := m.getOrCreate(key, kindStream)
	e.mu.Lock()
	if e.stream == nil {
		e.stream = &streamData{groups: make(map[string]*streamGroup)}
	}
	s := e.stream
	e.mu.Unlock()

	s.mu.Lock()
	s.seq++
	id := strconv.FormatInt(m.now().UnixMilli(), 10) + "-" + strconv.FormatInt(s.seq, 10)
	s.entries = append(s.entries, StreamMessage{ID: id, Values: values})
	s.mu.Unlock()
	e.touch(m.now())
	return id, nil
}

func (m *Memory) StreamCreateGroup(_ context.Context, key, group string) error {
	e, _ := m.getOrCreate(key, kindStream)
	e.mu.Lock()
	if e.stream == nil {
		e.stream = &streamData{groups: make(map[string]*streamGroup)}
	}
	s := e.stream
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &streamGroup{pending: make(map[string]StreamMessage)}
	}
	return nil
}

func (m *Memory) StreamReadGroup(_ context.Context, key, group, _ string, count int64) ([]StreamMessage, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindStream || e.stream == nil {
		return nil, nil
	}
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []StreamMessage
	for _, msg := range s.entries {
		if int64(len(out)) >= count {
			break
		}
		if _, delivered := g.pending[msg.ID]; delivered {
			continue
		}
		g.pending[msg.ID] = msg
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) StreamAck(_ context.Context, key, group string, ids ...string) error {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindStream || e.stream == nil {
		return nil
	}
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) StreamPendingCount(_ context.Context, key, group string) (int64, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindStream || e.stream == nil {
		return 0, nil
	}
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(g.pending)), nil
}

func (m *Memory) StreamLen(_ context.Context, key string) (int64, error) {
	e, ok := m.getLive(key)
	if !ok || e.kind != kindStream || e.stream == nil {
		return 0, nil
	}
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// --- lifecycle ---

func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*memEntry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
