// Package policy computes overdue fines. The schedule is tiered and
// comes from configuration so the library can change rates without a
// code change.
package policy

import "github.com/mehedihasan/libraryops/internal/config"

// Fine evaluates the tiered overdue schedule.
type Fine struct {
	p config.FinePolicy
}

func NewFine(p config.FinePolicy) *Fine {
	return &Fine{p: p}
}

// Compute maps an overdue-day count to a fine amount in whole BDT.
// Non-positive day counts owe nothing.
func (f *Fine) Compute(overdueDays int) int64 {
	if overdueDays <= 0 {
		return 0
	}

	t1, t2 := f.p.Tier1Days, f.p.Tier2Days

	if overdueDays <= t1 {
		return int64(overdueDays) * f.p.Rate1
	}

	tier1 := int64(t1) * f.p.Rate1
	if overdueDays <= t2 {
		return tier1 + int64(overdueDays-t1)*f.p.Rate2
	}

	tier2 := int64(t2-t1) * f.p.Rate2
	return tier1 + tier2 + int64(overdueDays-t2)*f.p.Rate3
}
