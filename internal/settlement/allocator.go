package settlement

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// WinningStake is one winning entry's claim on the distributable total.
type WinningStake struct {
	EntryID    string
	StakeCents int64
}

type share struct {
	entryID   string
	floor     *big.Int
	remainder *big.Int // numerator of the fractional part over totalStake
}

// Allocate splits distributableCents across stakes in proportion to stake
// using the largest-remainder method. Every entry gets floor(D*s/S); the
// leftover cents go one each to the largest remainders, ties broken by
// ascending entry id. The result always sums to distributableCents.
func Allocate(stakes []WinningStake, distributableCents int64) (map[string]int64, error) {
	if distributableCents < 0 {
		return nil, &domain.IntegrityError{Reason: fmt.Sprintf("negative distributable %d", distributableCents)}
	}
	if len(stakes) == 0 {
		if distributableCents != 0 {
			return nil, &domain.IntegrityError{Reason: "distributable amount with no winning entries"}
		}
		return map[string]int64{}, nil
	}

	total := new(big.Int)
	seen := make(map[string]bool, len(stakes))
	for _, s := range stakes {
		if s.StakeCents <= 0 {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("entry %s has non-positive stake %d", s.EntryID, s.StakeCents)}
		}
		if seen[s.EntryID] {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("entry %s listed twice", s.EntryID)}
		}
		seen[s.EntryID] = true
		total.Add(total, big.NewInt(s.StakeCents))
	}
	if total.Sign() <= 0 {
		return nil, &domain.IntegrityError{Reason: "winning entries have zero total stake"}
	}

	d := big.NewInt(distributableCents)
	shares := make([]share, len(stakes))
	floorSum := new(big.Int)
	for i, s := range stakes {
		num := new(big.Int).Mul(d, big.NewInt(s.StakeCents))
		q, r := new(big.Int).QuoRem(num, total, new(big.Int))
		shares[i] = share{entryID: s.EntryID, floor: q, remainder: r}
		floorSum.Add(floorSum, q)
	}

	leftover := new(big.Int).Sub(d, floorSum)
	if leftover.Sign() < 0 || leftover.Cmp(big.NewInt(int64(len(stakes)))) >= 0 {
		return nil, &domain.IntegrityError{Reason: fmt.Sprintf("leftover %s outside [0, %d)", leftover, len(stakes))}
	}

	// Remainders share the denominator totalStake, so comparing numerators
	// compares the exact fractional parts.
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := shares[order[a]], shares[order[b]]
		if c := sa.remainder.Cmp(sb.remainder); c != 0 {
			return c > 0
		}
		return sa.entryID < sb.entryID
	})

	extra := int(leftover.Int64())
	for _, idx := range order[:extra] {
		shares[idx].floor.Add(shares[idx].floor, big.NewInt(1))
	}

	out := make(map[string]int64, len(shares))
	var sum int64
	for _, s := range shares {
		if !s.floor.IsInt64() {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("payout for %s overflows", s.entryID)}
		}
		out[s.entryID] = s.floor.Int64()
		sum += s.floor.Int64()
	}
	if sum != distributableCents {
		return nil, &domain.IntegrityError{Reason: fmt.Sprintf("allocated %d of %d", sum, distributableCents)}
	}
	return out, nil
}

// VerifyPayouts re-checks a stored settlement: the payouts must cover the
// winning entries exactly and sum to the distributable total.
func VerifyPayouts(stakes []WinningStake, rec domain.SettlementRecord) error {
	if len(rec.Payouts) != len(stakes) {
		return &domain.IntegrityError{
			PredictionID: rec.PredictionID,
			Reason:       fmt.Sprintf("%d payouts for %d winning entries", len(rec.Payouts), len(stakes)),
		}
	}
	want, err := Allocate(stakes, rec.DistributableCents)
	if err != nil {
		return err
	}
	for id, cents := range want {
		got, ok := rec.Payouts[id]
		if !ok || got != cents {
			return &domain.IntegrityError{
				PredictionID: rec.PredictionID,
				Reason:       fmt.Sprintf("entry %s payout %d, recomputed %d", id, got, cents),
			}
		}
	}
	return nil
}
