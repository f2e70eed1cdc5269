// Package settlement computes fee totals for a closed pool and splits the
// distributable amount across winning entries with exact cent conservation.
package settlement

import (
	"fmt"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/odds"
)

// Totals is the outcome of applying the fee rule to a closed pool.
type Totals struct {
	WinningPoolCents   int64
	LosingPoolCents    int64
	PlatformFeeCents   int64
	CreatorFeeCents    int64
	DistributableCents int64
}

// Calculate applies the fee rule to the final pools. ok is false when the
// winning pool is empty and there is nobody to distribute to.
func Calculate(winningPoolCents, losingPoolCents int64, fees domain.FeeSchedule) (Totals, bool) {
	if winningPoolCents <= 0 {
		return Totals{}, false
	}
	platform, creator := odds.FeeParts(losingPoolCents, fees)
	return Totals{
		WinningPoolCents:   winningPoolCents,
		LosingPoolCents:    losingPoolCents,
		PlatformFeeCents:   platform,
		CreatorFeeCents:    creator,
		DistributableCents: winningPoolCents + losingPoolCents - platform - creator,
	}, true
}

// CheckedCalculate is Calculate with input validation. Negative pools and
// fee schedules outside 0..10000 bps are integrity errors; an empty winning
// pool is domain.ErrNoWinningStake.
func CheckedCalculate(winningPoolCents, losingPoolCents int64, fees domain.FeeSchedule) (Totals, error) {
	if winningPoolCents < 0 || losingPoolCents < 0 {
		return Totals{}, &domain.IntegrityError{
			Reason: fmt.Sprintf("negative pool (winning=%d losing=%d)", winningPoolCents, losingPoolCents),
		}
	}
	if !fees.Valid() {
		return Totals{}, &domain.IntegrityError{
			Reason: fmt.Sprintf("fee schedule out of range (platform=%d creator=%d)", fees.PlatformBps, fees.CreatorBps),
		}
	}
	t, ok := Calculate(winningPoolCents, losingPoolCents, fees)
	if !ok {
		return Totals{}, domain.ErrNoWinningStake
	}
	return t, nil
}
