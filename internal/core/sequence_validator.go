package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Order streams must be gap-free and in order; the oracle version stream
// tolerates gaps because settlement may legitimately skip versions.
// Not thread-safe — only accessed from the single-threaded settlement core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	gaps            map[string]int64
	outOfOrder      map[string]int64
	versionGaps     map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
		versionGaps:     make(map[string]int64),
	}
}

// ValidateSequence checks strict ordering on an order-event partition.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed, the guard skips it upstream
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.gaps[partition]++
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateVersionSequence validates oracle version commits. Stale versions
// are silently ignored (idempotent redelivery); gaps are counted but
// accepted — unstamped versions simply never enter the accumulator map.
func (sv *SequenceValidator) ValidateVersionSequence(market string, version int64) error {
	partition := fmt.Sprintf("oracle:%s", market)

	expected := sv.expectedNextSeq[partition]

	if version <= expected {
		return nil
	}

	if version > expected+1 {
		sv.versionGaps[market]++
	}

	sv.expectedNextSeq[partition] = version

	return nil
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes a partition's expected sequence (recovery).
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns every partition's next expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// VersionGaps returns the count of tolerated oracle gaps for a market.
func (sv *SequenceValidator) VersionGaps(market string) int64 {
	return sv.versionGaps[market]
}

// OutOfOrder returns the count of out-of-order rejections for a partition.
func (sv *SequenceValidator) OutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}
