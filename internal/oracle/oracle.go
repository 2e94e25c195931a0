package oracle

import (
	"fmt"
	"sort"
)

// Version is one price-oracle observation. Version numbers increase
// monotonically; a version, once observed, never changes.
type Version struct {
	Number    uint64
	Timestamp int64 // Unix seconds (versioned input, never wall clock)
	Price     int64 // Fixed-point 1e6
}

// Source supplies the ordered oracle version sequence. Implementations must
// answer identically for any version they have already served: stamped
// accumulator entries are reconstructed against these answers later.
type Source interface {
	// AtVersion resolves a specific version number.
	AtVersion(n uint64) (Version, bool)

	// Current returns the version the next settlement should target.
	Current() (Version, bool)

	// Latest returns the most recently committed version.
	Latest() (Version, bool)
}

// VersionLog is an append-only, in-memory Source fed by the price ingestion
// path. Committing a version that was already observed with different data
// is rejected, which is what makes answers stable.
type VersionLog struct {
	byNumber map[uint64]Version
	latest   Version
	hasAny   bool
}

func NewVersionLog() *VersionLog {
	return &VersionLog{
		byNumber: make(map[uint64]Version),
	}
}

// Commit appends a version. Numbers and timestamps must be non-decreasing;
// re-committing an observed version is idempotent only if the payload is
// byte-identical.
func (l *VersionLog) Commit(v Version) error {
	if prev, ok := l.byNumber[v.Number]; ok {
		if prev != v {
			return fmt.Errorf("oracle version %d recommitted with different data: had (ts=%d price=%d), got (ts=%d price=%d)",
				v.Number, prev.Timestamp, prev.Price, v.Timestamp, v.Price)
		}
		return nil
	}

	if l.hasAny {
		if v.Number < l.latest.Number {
			return fmt.Errorf("oracle version regression: latest=%d, got=%d", l.latest.Number, v.Number)
		}
		if v.Timestamp < l.latest.Timestamp {
			return fmt.Errorf("oracle timestamp regression at version %d: latest=%d, got=%d",
				v.Number, l.latest.Timestamp, v.Timestamp)
		}
	}

	l.byNumber[v.Number] = v
	l.latest = v
	l.hasAny = true
	return nil
}

func (l *VersionLog) AtVersion(n uint64) (Version, bool) {
	v, ok := l.byNumber[n]
	return v, ok
}

func (l *VersionLog) Current() (Version, bool) {
	return l.latest, l.hasAny
}

func (l *VersionLog) Latest() (Version, bool) {
	return l.latest, l.hasAny
}

// Len returns the number of distinct committed versions.
func (l *VersionLog) Len() int {
	return len(l.byNumber)
}

// All returns every committed version ordered by number. Used for
// snapshot export.
func (l *VersionLog) All() []Version {
	out := make([]Version, 0, len(l.byNumber))
	for _, v := range l.byNumber {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Restore loads a previously persisted version without monotonicity checks.
// Used only during snapshot recovery.
func (l *VersionLog) Restore(v Version) {
	l.byNumber[v.Number] = v
	if !l.hasAny || v.Number >= l.latest.Number {
		l.latest = v
		l.hasAny = true
	}
}
