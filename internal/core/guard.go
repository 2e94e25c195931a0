package core

import (
	"container/list"
	"fmt"
)

// TransitionGuard enforces at-most-once execution per distinct
// (scope, fromVersion, toVersion) settlement transition. The engine itself
// performs no locking, so a duplicate or concurrent trigger for the same
// transition must be caught here before any state is touched.
// Two tiers: an in-memory LRU for the hot path and an optional persistent
// checker for transitions that aged out of the LRU.
type TransitionGuard struct {
	lru       *transitionLRU
	dbChecker DBTransitionChecker
}

// DBTransitionChecker is the cold-path lookup against the event log.
type DBTransitionChecker interface {
	TransitionSeen(scope string, fromVersion, toVersion uint64) (bool, error)
}

func NewTransitionGuard(capacity int, dbChecker DBTransitionChecker) *TransitionGuard {
	return &TransitionGuard{
		lru:       newTransitionLRU(capacity),
		dbChecker: dbChecker,
	}
}

func transitionKey(scope string, fromVersion, toVersion uint64) string {
	return fmt.Sprintf("%s:%d:%d", scope, fromVersion, toVersion)
}

// Seen reports whether the transition already executed.
func (g *TransitionGuard) Seen(scope string, fromVersion, toVersion uint64) bool {
	key := transitionKey(scope, fromVersion, toVersion)

	if g.lru.contains(key) {
		return true
	}

	if g.dbChecker != nil {
		seen, err := g.dbChecker.TransitionSeen(scope, fromVersion, toVersion)
		if err != nil {
			// Conservative: a checker failure must not block settlement;
			// the stamp-regression check in the accumulator store still
			// rejects genuine replays of the global scope.
			return false
		}
		if seen {
			g.lru.add(key)
			return true
		}
	}

	return false
}

// Mark records a transition after it fully executed.
func (g *TransitionGuard) Mark(scope string, fromVersion, toVersion uint64) {
	g.lru.add(transitionKey(scope, fromVersion, toVersion))
}

// SeenKey reports whether an arbitrary idempotency key already executed.
// Used for event-level dedup where no version transition applies.
func (g *TransitionGuard) SeenKey(key string) bool {
	return g.lru.contains(key)
}

// MarkKey records an arbitrary idempotency key.
func (g *TransitionGuard) MarkKey(key string) {
	g.lru.add(key)
}

// SetDBChecker installs (or removes) the cold-path checker. Replay from
// the event log runs with the checker detached: the log is already
// deduplicated by sequence, and consulting the settlements table mid-replay
// would skip the very transitions being rebuilt.
func (g *TransitionGuard) SetDBChecker(c DBTransitionChecker) {
	g.dbChecker = c
}

// Warm loads recently executed transition keys after a restart.
func (g *TransitionGuard) Warm(keys []string) {
	for _, key := range keys {
		g.lru.add(key)
	}
}

// Keys returns all resident transition keys (snapshot creation).
func (g *TransitionGuard) Keys() []string {
	return g.lru.keys()
}

// Size returns the current LRU occupancy.
func (g *TransitionGuard) Size() int {
	return g.lru.size()
}

// --- LRU ---

// transitionLRU is not thread-safe; it is only touched from the
// single-threaded settlement core.
type transitionLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key string
}

func newTransitionLRU(capacity int) *transitionLRU {
	return &transitionLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *transitionLRU) contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *transitionLRU) add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}

	elem := lru.order.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		if oldest != nil {
			lru.order.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (lru *transitionLRU) keys() []string {
	out := make([]string, 0, lru.order.Len())
	for e := lru.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}

func (lru *transitionLRU) size() int {
	return lru.order.Len()
}
