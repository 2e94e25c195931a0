package accumulator

import (
	"fmt"
	"sort"
)

// Versioned is the sparse, monotonically-stamped accumulator store for one
// market. A version key exists only if a settlement actually executed at
// that version; reads for unstamped versions fall back to the nearest
// prior stamp. "Never stamped" and "stamped as zero" are distinct states,
// so the maps are explicit rather than relying on zero values.
type Versioned struct {
	latestVersion  uint64
	valueAtVersion map[uint64]Accumulator
	shareAtVersion map[uint64]Accumulator
	stamped        []uint64 // Sorted ascending, mirrors the map keys
}

func NewVersioned() *Versioned {
	return &Versioned{
		valueAtVersion: make(map[uint64]Accumulator),
		shareAtVersion: make(map[uint64]Accumulator),
	}
}

// LatestVersion is the most recently stamped oracle version (zero before
// the first stamp; check Stamped to distinguish).
func (v *Versioned) LatestVersion() uint64 {
	return v.latestVersion
}

// Stamped reports whether any settlement has executed yet.
func (v *Versioned) Stamped() bool {
	return len(v.stamped) > 0
}

// StampedAt reports whether a settlement executed exactly at this version.
func (v *Versioned) StampedAt(version uint64) bool {
	_, ok := v.valueAtVersion[version]
	return ok
}

// Stamp records the cumulative value and share at a new version and
// advances the latest-version pointer. Versions must strictly increase;
// restamping history would rewrite reconstructions accounts already
// depend on.
func (v *Versioned) Stamp(version uint64, value, share Accumulator) error {
	if len(v.stamped) > 0 && version <= v.latestVersion {
		return fmt.Errorf("accumulator stamp regression: latest=%d, got=%d", v.latestVersion, version)
	}
	v.valueAtVersion[version] = value
	v.shareAtVersion[version] = share
	v.stamped = append(v.stamped, version)
	v.latestVersion = version
	return nil
}

// atOrBefore returns the greatest stamped key <= version.
func (v *Versioned) atOrBefore(version uint64) (uint64, bool) {
	i := sort.Search(len(v.stamped), func(i int) bool {
		return v.stamped[i] > version
	})
	if i == 0 {
		return 0, false
	}
	return v.stamped[i-1], true
}

// ValueAt returns the cumulative per-unit value as of the given version:
// the entry at the greatest stamped key <= version, or the zero
// accumulator only if no stamp has ever occurred.
func (v *Versioned) ValueAt(version uint64) Accumulator {
	key, ok := v.atOrBefore(version)
	if !ok {
		return Accumulator{}
	}
	return v.valueAtVersion[key]
}

// ShareAt returns the cumulative per-unit share as of the given version,
// with the same fallback rule as ValueAt.
func (v *Versioned) ShareAt(version uint64) Accumulator {
	key, ok := v.atOrBefore(version)
	if !ok {
		return Accumulator{}
	}
	return v.shareAtVersion[key]
}

// EntryAt returns both pairs as of the given version.
func (v *Versioned) EntryAt(version uint64) Entry {
	return Entry{Value: v.ValueAt(version), Share: v.ShareAt(version)}
}

// Stamps returns a copy of the stamped version keys in ascending order.
func (v *Versioned) Stamps() []uint64 {
	out := make([]uint64, len(v.stamped))
	copy(out, v.stamped)
	return out
}

// Restore loads a stamped entry during snapshot recovery, bypassing the
// monotonicity check. Callers must re-sort via RestoreDone afterwards.
func (v *Versioned) Restore(version uint64, value, share Accumulator) {
	if _, ok := v.valueAtVersion[version]; !ok {
		v.stamped = append(v.stamped, version)
	}
	v.valueAtVersion[version] = value
	v.shareAtVersion[version] = share
	if version > v.latestVersion {
		v.latestVersion = version
	}
}

// RestoreDone re-sorts the stamp index after a batch of Restore calls.
func (v *Versioned) RestoreDone() {
	sort.Slice(v.stamped, func(i, j int) bool { return v.stamped[i] < v.stamped[j] })
}
