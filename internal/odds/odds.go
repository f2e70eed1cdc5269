// Package odds computes pari-mutuel payout multiples from pool totals. All
// inputs are integer cents and every intermediate value is exact; conversion
// to decimal happens only when a value is rendered.
package odds

import (
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// DisplayPlaces is the number of decimal places used when a Rational is
// rendered to JSON or a string.
const DisplayPlaces int32 = 4

// Rational is an exact non-floating value such as a payout multiple or an
// expected return in cents.
type Rational struct {
	r *big.Rat
}

func newRational(num, den *big.Int) Rational {
	return Rational{r: new(big.Rat).SetFrac(num, den)}
}

// Rat returns a copy of the underlying rational.
func (q Rational) Rat() *big.Rat {
	if q.r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(q.r)
}

// Decimal rounds the value to places decimal places for display.
func (q Rational) Decimal(places int32) decimal.Decimal {
	return decimal.NewFromBigRat(q.Rat(), places)
}

// Floor returns the largest integer not above the value.
func (q Rational) Floor() *big.Int {
	r := q.Rat()
	return new(big.Int).Div(r.Num(), r.Denom())
}

// Cmp compares q and other.
func (q Rational) Cmp(other Rational) int {
	return q.Rat().Cmp(other.Rat())
}

// String renders the value with DisplayPlaces decimals.
func (q Rational) String() string {
	return q.Decimal(DisplayPlaces).StringFixed(DisplayPlaces)
}

// MarshalJSON renders the value as a fixed-point decimal string.
func (q Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// FlatFee expresses a single combined fee rate as a schedule. Fees computed
// from it equal floor(losing * bps / 10000).
func FlatFee(bps int64) domain.FeeSchedule {
	return domain.FeeSchedule{PlatformBps: bps}
}

// FeeParts applies the fee rule to a losing pool: each rate is floored
// independently.
func FeeParts(losingPoolCents int64, fees domain.FeeSchedule) (platform, creator int64) {
	return floorBps(losingPoolCents, fees.PlatformBps), floorBps(losingPoolCents, fees.CreatorBps)
}

// Fees returns the total fee charged against a losing pool. Previews and
// settlement both use it so a quoted multiple matches the eventual payout.
func Fees(losingPoolCents int64, fees domain.FeeSchedule) int64 {
	p, c := FeeParts(losingPoolCents, fees)
	return p + c
}

func floorBps(amount, bps int64) int64 {
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	n.Div(n, big.NewInt(domain.BpsDenominator))
	return n.Int64()
}

// PreOddsMultiple returns totalPool / optionPool. ok is false when the
// option has no stake yet, meaning there is no price.
func PreOddsMultiple(totalPoolCents, optionPoolCents int64) (Rational, bool) {
	if optionPoolCents <= 0 {
		return Rational{}, false
	}
	return newRational(big.NewInt(totalPoolCents), big.NewInt(optionPoolCents)), true
}

// post holds the simulated pool after adding a stake.
type post struct {
	winning       *big.Int
	total         *big.Int
	distributable *big.Int
}

func simulate(totalPoolCents, optionPoolCents, stakeCents int64, fees domain.FeeSchedule) (post, bool) {
	if stakeCents < 0 {
		return post{}, false
	}
	w := new(big.Int).Add(big.NewInt(optionPoolCents), big.NewInt(stakeCents))
	if w.Sign() <= 0 {
		return post{}, false
	}
	t := new(big.Int).Add(big.NewInt(totalPoolCents), big.NewInt(stakeCents))
	other := new(big.Int).Sub(t, w)
	if !other.IsInt64() || other.Sign() < 0 {
		return post{}, false
	}
	fee := Fees(other.Int64(), fees)
	d := new(big.Int).Sub(t, big.NewInt(fee))
	return post{winning: w, total: t, distributable: d}, true
}

// PostOddsMultiple simulates adding stake to the option and returns the
// multiple a winning cent would receive: (T' - fees(T' - W')) / W'. ok is
// false when W' <= 0 or the stake is negative.
func PostOddsMultiple(totalPoolCents, optionPoolCents, stakeCents int64, fees domain.FeeSchedule) (Rational, bool) {
	p, ok := simulate(totalPoolCents, optionPoolCents, stakeCents, fees)
	if !ok {
		return Rational{}, false
	}
	return newRational(p.distributable, p.winning), true
}

// Preview is the full quote for a prospective stake.
type Preview struct {
	StakeCents         int64     `json:"stake_cents"`
	ExpectedReturn     Rational  `json:"expected_return_cents"`
	Profit             Rational  `json:"profit_cents"`
	MultiplePre        *Rational `json:"multiple_pre,omitempty"`
	MultiplePost       Rational  `json:"multiple_post"`
	DistributableCents int64     `json:"distributable_pool_cents"`
}

// PayoutPreview quotes a stake: expectedReturn = stake * multiplePost and
// profit = expectedReturn - stake. MultiplePre is nil when the option had no
// stake before this one. ok is false when the distributable pool does not
// fit in int64 cents.
func PayoutPreview(totalPoolCents, optionPoolCents, stakeCents int64, fees domain.FeeSchedule) (Preview, bool) {
	p, ok := simulate(totalPoolCents, optionPoolCents, stakeCents, fees)
	if !ok || !p.distributable.IsInt64() {
		return Preview{}, false
	}

	stake := big.NewInt(stakeCents)
	expected := new(big.Rat).SetFrac(new(big.Int).Mul(stake, p.distributable), p.winning)
	profit := new(big.Rat).Sub(expected, new(big.Rat).SetInt(stake))

	out := Preview{
		StakeCents:         stakeCents,
		ExpectedReturn:     Rational{r: expected},
		Profit:             Rational{r: profit},
		MultiplePost:       newRational(p.distributable, p.winning),
		DistributableCents: p.distributable.Int64(),
	}
	if pre, ok := PreOddsMultiple(totalPoolCents, optionPoolCents); ok {
		out.MultiplePre = &pre
	}
	return out, true
}

// Quote is the model-dependent view of an option's odds. Legacy predictions
// only carry the pre-stake multiple.
type Quote struct {
	Model       domain.OddsModel `json:"odds_model"`
	OptionID    string           `json:"option_id"`
	MultiplePre *Rational        `json:"multiple_pre,omitempty"`
	Preview     *Preview         `json:"preview,omitempty"`
}

// QuoteOption builds the quote for staking stakeCents on optionID of p.
func QuoteOption(p domain.Prediction, optionID string, stakeCents int64) (Quote, error) {
	opt, ok := p.Option(optionID)
	if !ok {
		return Quote{}, domain.ErrNotFound
	}
	total := p.TotalPoolCents()

	q := Quote{Model: p.OddsModel, OptionID: optionID}
	if pre, ok := PreOddsMultiple(total, opt.TotalStakedCents); ok {
		q.MultiplePre = &pre
	}
	if p.OddsModel != domain.OddsModelPoolV2 {
		return q, nil
	}
	if pv, ok := PayoutPreview(total, opt.TotalStakedCents, stakeCents, p.Fees); ok {
		q.Preview = &pv
	}
	return q, nil
}
