package domain

import "time"

// PredictionStatus is the lifecycle state of a prediction.
type PredictionStatus string

const (
	StatusPending            PredictionStatus = "pending"
	StatusOpen               PredictionStatus = "open"
	StatusClosed             PredictionStatus = "closed"
	StatusAwaitingSettlement PredictionStatus = "awaiting_settlement"
	StatusSettled            PredictionStatus = "settled"
	StatusDisputed           PredictionStatus = "disputed"
	StatusCancelled          PredictionStatus = "cancelled"
	StatusRefunded           PredictionStatus = "refunded"

	// StatusEnded is the legacy spelling of StatusClosed still present in
	// older rows.
	StatusEnded PredictionStatus = "ended"
)

// OddsModel selects how stake previews are computed for a prediction.
type OddsModel string

const (
	OddsModelLegacy OddsModel = "legacy"
	OddsModelPoolV2 OddsModel = "pool_v2"
)

// Valid reports whether m is a known odds model.
func (m OddsModel) Valid() bool {
	return m == OddsModelLegacy || m == OddsModelPoolV2
}

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

// FeeSchedule is the fee snapshot taken when a prediction is created. Fees
// are charged against the losing pool only.
type FeeSchedule struct {
	PlatformBps int64 `json:"platform_fee_bps"`
	CreatorBps  int64 `json:"creator_fee_bps"`
}

// TotalBps returns the combined fee rate.
func (f FeeSchedule) TotalBps() int64 {
	return f.PlatformBps + f.CreatorBps
}

// Valid reports whether both rates are non-negative and together do not
// exceed 100%.
func (f FeeSchedule) Valid() bool {
	return f.PlatformBps >= 0 && f.CreatorBps >= 0 && f.TotalBps() <= BpsDenominator
}

// OptionOutcome is set once when the prediction is settled or refunded.
type OptionOutcome string

const (
	OutcomeUndecided OptionOutcome = ""
	OutcomeWon       OptionOutcome = "won"
	OutcomeLost      OptionOutcome = "lost"
	OutcomeVoid      OptionOutcome = "void"
)

// Option is one mutually exclusive outcome of a prediction.
type Option struct {
	ID               string        `json:"id"`
	PredictionID     string        `json:"prediction_id"`
	Label            string        `json:"label"`
	Position         int           `json:"position"`
	TotalStakedCents int64         `json:"total_staked_cents"`
	Outcome          OptionOutcome `json:"outcome,omitempty"`
}

// Prediction is a proposition users stake on.
type Prediction struct {
	ID            string           `json:"id"`
	CreatorID     string           `json:"creator_id"`
	Title         string           `json:"title"`
	Status        PredictionStatus `json:"status"`
	EntryDeadline time.Time        `json:"entry_deadline"`
	Fees          FeeSchedule      `json:"fees"`
	OddsModel     OddsModel        `json:"odds_model"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
	SettledBy     string           `json:"settled_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Options       []Option         `json:"options"`
}

// Option returns the option with the given id.
func (p Prediction) Option(id string) (Option, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// TotalPoolCents sums the staked totals of every option.
func (p Prediction) TotalPoolCents() int64 {
	var total int64
	for _, o := range p.Options {
		total += o.TotalStakedCents
	}
	return total
}
