// Package verify re-checks an archived settlement offline: pool totals, the
// fee rule, payout allocation, cent conservation, the Merkle root and the
// operator's root attestation.
package verify

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/merkle"
	"github.com/alanyoungcy/stakepool/internal/settlement"
)

// Check names, in the order they are reported.
const (
	CheckPools        = "pools"
	CheckFees         = "fees"
	CheckConservation = "conservation"
	CheckPayouts      = "payouts"
	CheckLeaves       = "leaves"
	CheckRoot         = "root"
	CheckSignature    = "signature"
)

// Check is the outcome of one verification step.
type Check struct {
	Name    string
	OK      bool
	Skipped bool
	Detail  string
}

// Report is the result of verifying one archive.
type Report struct {
	PredictionID string
	Checks       []Check
}

// OK reports whether no check failed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK && !c.Skipped {
			return false
		}
	}
	return true
}

// Failed returns the failing checks.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK && !c.Skipped {
			out = append(out, c)
		}
	}
	return out
}

// Options configure signature verification. With ChainID or Contract unset
// the signature check is skipped.
type Options struct {
	ChainID  int64
	Contract string
	// ExpectedSigner, when set, must equal the recovered address.
	ExpectedSigner string
}

// Archive runs every check against arc.
func Archive(arc domain.SettlementArchive, opts Options) Report {
	rec := arc.Record
	rep := Report{PredictionID: rec.PredictionID}
	add := func(name string, err error, detail string) {
		c := Check{Name: name, OK: err == nil, Detail: detail}
		if err != nil {
			c.Detail = err.Error()
		}
		rep.Checks = append(rep.Checks, c)
	}

	var winning, losing int64
	var stakes []settlement.WinningStake
	for _, e := range arc.Entries {
		if e.Status == domain.EntryStatusRefunded {
			continue
		}
		if e.OptionID == rec.WinningOptionID {
			winning += e.StakeCents
			stakes = append(stakes, settlement.WinningStake{EntryID: e.ID, StakeCents: e.StakeCents})
		} else {
			losing += e.StakeCents
		}
	}

	if winning != rec.WinningPoolCents || losing != rec.LosingPoolCents {
		add(CheckPools, fmt.Errorf("entries sum to winning=%d losing=%d, record has %d/%d",
			winning, losing, rec.WinningPoolCents, rec.LosingPoolCents), "")
	} else {
		add(CheckPools, nil, fmt.Sprintf("winning %s, losing %s", Dollars(winning), Dollars(losing)))
	}

	totals, err := settlement.CheckedCalculate(rec.WinningPoolCents, rec.LosingPoolCents, arc.Prediction.Fees)
	switch {
	case err != nil:
		add(CheckFees, err, "")
	case totals.PlatformFeeCents != rec.PlatformFeeCents || totals.CreatorFeeCents != rec.CreatorFeeCents:
		add(CheckFees, fmt.Errorf("recomputed platform=%d creator=%d, record has %d/%d",
			totals.PlatformFeeCents, totals.CreatorFeeCents, rec.PlatformFeeCents, rec.CreatorFeeCents), "")
	case arc.Claim.PlatformFeeCents != rec.PlatformFeeCents || arc.Claim.CreatorFeeCents != rec.CreatorFeeCents:
		add(CheckFees, fmt.Errorf("claim fees %d/%d differ from record", arc.Claim.PlatformFeeCents, arc.Claim.CreatorFeeCents), "")
	default:
		add(CheckFees, nil, fmt.Sprintf("platform %s, creator %s (%d+%d bps)",
			Dollars(rec.PlatformFeeCents), Dollars(rec.CreatorFeeCents),
			arc.Prediction.Fees.PlatformBps, arc.Prediction.Fees.CreatorBps))
	}

	var paid int64
	for _, cents := range rec.Payouts {
		paid += cents
	}
	pool := rec.WinningPoolCents + rec.LosingPoolCents
	if paid != rec.DistributableCents || paid+rec.PlatformFeeCents+rec.CreatorFeeCents != pool {
		add(CheckConservation, fmt.Errorf("payouts %d + fees %d != pool %d",
			paid, rec.PlatformFeeCents+rec.CreatorFeeCents, pool), "")
	} else {
		add(CheckConservation, nil, fmt.Sprintf("%s paid + %s fees = %s",
			Dollars(paid), Dollars(rec.PlatformFeeCents+rec.CreatorFeeCents), Dollars(pool)))
	}

	if err := settlement.VerifyPayouts(stakes, rec); err != nil {
		add(CheckPayouts, err, "")
	} else {
		add(CheckPayouts, nil, fmt.Sprintf("%d winning entries", len(stakes)))
	}

	leaves, err := merkle.BuildLeaves(rec.Payouts, arc.Entries)
	switch {
	case err != nil:
		add(CheckLeaves, err, "")
	case !slices.Equal(leaves, arc.Claim.Leaves):
		add(CheckLeaves, fmt.Errorf("rebuilt %d leaves differ from the %d published", len(leaves), len(arc.Claim.Leaves)), "")
	default:
		add(CheckLeaves, nil, fmt.Sprintf("%d addresses", len(leaves)))
	}

	tree, err := merkle.New(arc.Claim.Leaves)
	switch {
	case err != nil:
		add(CheckRoot, err, "")
	case tree.Root() != arc.Claim.Root:
		add(CheckRoot, fmt.Errorf("rebuilt %s, published %s: %w", tree.Root().Hex(), arc.Claim.Root.Hex(), domain.ErrRootMismatch), "")
	default:
		add(CheckRoot, nil, arc.Claim.Root.Hex())
	}

	rep.Checks = append(rep.Checks, signatureCheck(arc.Claim, opts))
	return rep
}

func signatureCheck(claim domain.MerkleClaim, opts Options) Check {
	c := Check{Name: CheckSignature}
	if claim.Signature == "" {
		c.Skipped, c.Detail = true, "claim is unsigned"
		return c
	}
	if opts.ChainID == 0 || opts.Contract == "" {
		c.Skipped, c.Detail = true, "chain id or contract not configured"
		return c
	}
	key, err := merkle.PredictionKey(claim.PredictionID)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	addr, err := crypto.RecoverRootSigner(crypto.RootAttestation{
		PredictionKey:    key,
		Root:             claim.Root,
		CreatorFeeCents:  claim.CreatorFeeCents,
		PlatformFeeCents: claim.PlatformFeeCents,
	}, claim.Signature, opts.ChainID, opts.Contract)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if opts.ExpectedSigner != "" && !strings.EqualFold(addr.Hex(), opts.ExpectedSigner) {
		c.Detail = fmt.Sprintf("signed by %s, expected %s", addr.Hex(), opts.ExpectedSigner)
		return c
	}
	c.OK, c.Detail = true, "signed by "+addr.Hex()
	return c
}

// Dollars renders cents as a fixed two-decimal amount.
func Dollars(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}
