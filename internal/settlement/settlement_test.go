package settlement_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/odds"
	"github.com/alanyoungcy/stakepool/internal/settlement"
)

func TestCalculate_Example(t *testing.T) {
	totals, ok := settlement.Calculate(700, 300, odds.FlatFee(300))
	require.True(t, ok)
	assert.Equal(t, int64(9), totals.PlatformFeeCents)
	assert.Equal(t, int64(0), totals.CreatorFeeCents)
	assert.Equal(t, int64(991), totals.DistributableCents)
}

func TestCalculate_SplitRatesFlooredSeparately(t *testing.T) {
	totals, ok := settlement.Calculate(500, 333, domain.FeeSchedule{PlatformBps: 150, CreatorBps: 150})
	require.True(t, ok)
	assert.Equal(t, int64(4), totals.PlatformFeeCents)
	assert.Equal(t, int64(4), totals.CreatorFeeCents)
	assert.Equal(t, int64(825), totals.DistributableCents)
}

func TestCalculate_NoWinningPool(t *testing.T) {
	_, ok := settlement.Calculate(0, 300, odds.FlatFee(300))
	assert.False(t, ok)

	_, err := settlement.CheckedCalculate(0, 300, odds.FlatFee(300))
	assert.ErrorIs(t, err, domain.ErrNoWinningStake)
}

func TestCheckedCalculate_IntegrityErrors(t *testing.T) {
	_, err := settlement.CheckedCalculate(-1, 300, odds.FlatFee(300))
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)

	_, err = settlement.CheckedCalculate(100, 300, domain.FeeSchedule{PlatformBps: 6000, CreatorBps: 5000})
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestCalculate_FeeMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		w := rng.Int63n(1_000_000_000) + 1
		l := rng.Int63n(1_000_000_000)
		p := rng.Int63n(5001)
		c := rng.Int63n(5001)
		totals, ok := settlement.Calculate(w, l, domain.FeeSchedule{PlatformBps: p, CreatorBps: c})
		require.True(t, ok)
		assert.LessOrEqual(t, totals.PlatformFeeCents+totals.CreatorFeeCents, l)
		assert.GreaterOrEqual(t, totals.DistributableCents, w)
	}
}

func TestAllocate_Example(t *testing.T) {
	payouts, err := settlement.Allocate([]settlement.WinningStake{
		{EntryID: "e1", StakeCents: 400},
		{EntryID: "e2", StakeCents: 200},
		{EntryID: "e3", StakeCents: 100},
	}, 991)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"e1": 566, "e2": 283, "e3": 142}, payouts)
}

func TestAllocate_TiesBrokenByEntryID(t *testing.T) {
	// Three equal stakes over 10 cents: each gets 3, one leftover cent
	// goes to the smallest id.
	payouts, err := settlement.Allocate([]settlement.WinningStake{
		{EntryID: "c", StakeCents: 5},
		{EntryID: "a", StakeCents: 5},
		{EntryID: "b", StakeCents: 5},
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 4, "b": 3, "c": 3}, payouts)
}

func TestAllocate_DeterministicAcrossInputOrder(t *testing.T) {
	stakes := []settlement.WinningStake{
		{EntryID: "x1", StakeCents: 7},
		{EntryID: "x2", StakeCents: 7},
		{EntryID: "x3", StakeCents: 3},
		{EntryID: "x4", StakeCents: 11},
	}
	want, err := settlement.Allocate(stakes, 1001)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]settlement.WinningStake(nil), stakes...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := settlement.Allocate(shuffled, 1001)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAllocate_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := rng.Intn(40) + 1
		stakes := make([]settlement.WinningStake, n)
		for j := range stakes {
			stakes[j] = settlement.WinningStake{
				EntryID:    fmt.Sprintf("e%03d", j),
				StakeCents: rng.Int63n(1_000_000) + 1,
			}
		}
		d := rng.Int63n(1_000_000_000_000)

		payouts, err := settlement.Allocate(stakes, d)
		require.NoError(t, err)
		require.Len(t, payouts, n)

		var sum int64
		for _, v := range payouts {
			assert.GreaterOrEqual(t, v, int64(0))
			sum += v
		}
		assert.Equal(t, d, sum, "iteration %d", i)
	}
}

func TestAllocate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		stakes []settlement.WinningStake
		d      int64
	}{
		{"zero stake", []settlement.WinningStake{{EntryID: "a", StakeCents: 0}}, 10},
		{"negative stake", []settlement.WinningStake{{EntryID: "a", StakeCents: -5}}, 10},
		{"duplicate id", []settlement.WinningStake{{EntryID: "a", StakeCents: 1}, {EntryID: "a", StakeCents: 1}}, 10},
		{"negative distributable", []settlement.WinningStake{{EntryID: "a", StakeCents: 1}}, -1},
		{"nobody to pay", nil, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := settlement.Allocate(tc.stakes, tc.d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrDataIntegrity))
		})
	}

	payouts, err := settlement.Allocate(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestVerifyPayouts(t *testing.T) {
	stakes := []settlement.WinningStake{
		{EntryID: "e1", StakeCents: 400},
		{EntryID: "e2", StakeCents: 200},
		{EntryID: "e3", StakeCents: 100},
	}
	rec := domain.SettlementRecord{
		PredictionID:       "p1",
		DistributableCents: 991,
		Payouts:            map[string]int64{"e1": 566, "e2": 283, "e3": 142},
	}
	require.NoError(t, settlement.VerifyPayouts(stakes, rec))

	rec.Payouts = map[string]int64{"e1": 567, "e2": 283, "e3": 141}
	assert.ErrorIs(t, settlement.VerifyPayouts(stakes, rec), domain.ErrDataIntegrity)
}
