package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/merkle"
	"github.com/alanyoungcy/stakepool/internal/notify"
)

// RootSigner attests a Merkle root for the relayer. *crypto.Signer
// satisfies it.
type RootSigner interface {
	SignRoot(a crypto.RootAttestation) (string, error)
}

// rootMessage is appended to domain.StreamRoots for the relayer.
type rootMessage struct {
	PredictionID string `json:"prediction_id"`
	Root         string `json:"root"`
	Calldata     string `json:"calldata"`
	Signature    string `json:"signature,omitempty"`
}

// ClaimService publishes Merkle claims for settled predictions and serves
// proofs against them.
type ClaimService struct {
	settlements domain.SettlementStore
	entries     domain.EntryStore
	predictions domain.PredictionStore
	claims      domain.ClaimStore
	cache       domain.ClaimCache
	signer      RootSigner
	archiver    domain.SettlementArchiver
	fx          sideEffects
	now         func() time.Time
	logger      *slog.Logger
}

// NewClaimService creates a ClaimService. cache, signer, bus, archiver,
// audit and alerts may be nil.
func NewClaimService(
	settlements domain.SettlementStore,
	entries domain.EntryStore,
	predictions domain.PredictionStore,
	claims domain.ClaimStore,
	cache domain.ClaimCache,
	signer RootSigner,
	bus domain.SignalBus,
	archiver domain.SettlementArchiver,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *ClaimService {
	logger = logger.With(slog.String("component", "claim_service"))
	return &ClaimService{
		settlements: settlements,
		entries:     entries,
		predictions: predictions,
		claims:      claims,
		cache:       cache,
		signer:      signer,
		archiver:    archiver,
		fx:          sideEffects{bus: bus, audit: audit, alerts: alerts, logger: logger},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// WithClock replaces time.Now.
func (s *ClaimService) WithClock(now func() time.Time) *ClaimService {
	s.now = now
	return s
}

// Publish builds the claim tree of a settled prediction and stores it once.
// Publishing again returns the stored claim; a rebuilt root that differs
// from the stored one is a root mismatch.
func (s *ClaimService) Publish(ctx context.Context, predictionID string) (domain.MerkleClaim, error) {
	rec, err := s.settlements.Get(ctx, predictionID)
	if err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("claim_service: settlement of %s: %w", predictionID, err)
	}
	entries, err := s.entries.ListByPrediction(ctx, predictionID)
	if err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("claim_service: entries of %s: %w", predictionID, err)
	}
	tree, err := buildTree(rec, entries)
	if err != nil {
		return domain.MerkleClaim{}, err
	}

	claim := domain.MerkleClaim{
		PredictionID:     predictionID,
		Root:             tree.Root(),
		Leaves:           tree.Leaves(),
		PlatformFeeCents: rec.PlatformFeeCents,
		CreatorFeeCents:  rec.CreatorFeeCents,
		PostedAt:         s.now(),
	}
	if s.signer != nil {
		key, err := merkle.PredictionKey(predictionID)
		if err != nil {
			return domain.MerkleClaim{}, err
		}
		sig, err := s.signer.SignRoot(crypto.RootAttestation{
			PredictionKey:    key,
			Root:             claim.Root,
			CreatorFeeCents:  claim.CreatorFeeCents,
			PlatformFeeCents: claim.PlatformFeeCents,
		})
		if err != nil {
			return domain.MerkleClaim{}, fmt.Errorf("claim_service: sign root of %s: %w", predictionID, err)
		}
		claim.Signature = sig
	}

	stored, created, err := s.claims.Create(ctx, claim)
	if err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("claim_service: store claim of %s: %w", predictionID, err)
	}
	if stored.Root != claim.Root {
		s.mismatch(ctx, predictionID, stored.Root, claim.Root)
		return domain.MerkleClaim{}, fmt.Errorf("claim_service: %s stored %s rebuilt %s: %w",
			predictionID, stored.Root.Hex(), claim.Root.Hex(), domain.ErrRootMismatch)
	}
	if created {
		s.published(ctx, rec, entries, stored)
	}
	return stored, nil
}

func buildTree(rec domain.SettlementRecord, entries []domain.Entry) (*merkle.Tree, error) {
	leaves, err := merkle.BuildLeaves(rec.Payouts, entries)
	if err != nil {
		var ie *domain.IntegrityError
		if errors.As(err, &ie) && ie.PredictionID == "" {
			ie.PredictionID = rec.PredictionID
		}
		return nil, fmt.Errorf("claim_service: leaves of %s: %w", rec.PredictionID, err)
	}
	tree, err := merkle.New(leaves)
	if err != nil {
		return nil, fmt.Errorf("claim_service: tree of %s: %w", rec.PredictionID, err)
	}
	return tree, nil
}

func (s *ClaimService) published(ctx context.Context, rec domain.SettlementRecord, entries []domain.Entry, claim domain.MerkleClaim) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, claim); err != nil {
			s.logger.WarnContext(ctx, "claim cache fill failed", slog.String("prediction_id", claim.PredictionID), slog.String("error", err.Error()))
		}
	}

	calldata, err := merkle.PostRootCalldata(claim.PredictionID, claim.Root, claim.CreatorFeeCents, claim.PlatformFeeCents)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode postRoot failed", slog.String("prediction_id", claim.PredictionID), slog.String("error", err.Error()))
	} else if s.fx.bus != nil {
		msg, _ := json.Marshal(rootMessage{
			PredictionID: claim.PredictionID,
			Root:         claim.Root.Hex(),
			Calldata:     "0x" + hex.EncodeToString(calldata),
			Signature:    claim.Signature,
		})
		if err := s.fx.bus.StreamAppend(ctx, domain.StreamRoots, msg); err != nil {
			s.logger.WarnContext(ctx, "append root to stream failed", slog.String("prediction_id", claim.PredictionID), slog.String("error", err.Error()))
		}
	}

	archivePath := ""
	if s.archiver != nil {
		archivePath = s.archive(ctx, rec, entries, claim)
	}

	s.logger.InfoContext(ctx, "claim root published",
		slog.String("prediction_id", claim.PredictionID),
		slog.String("root", claim.Root.Hex()),
		slog.Int("leaves", len(claim.Leaves)),
	)
	s.fx.record(ctx, "settlement.root_published", map[string]any{
		"prediction_id":      claim.PredictionID,
		"root":               claim.Root.Hex(),
		"leaves":             len(claim.Leaves),
		"platform_fee_cents": claim.PlatformFeeCents,
		"creator_fee_cents":  claim.CreatorFeeCents,
		"signed":             claim.Signature != "",
		"archive":            archivePath,
	})
	s.fx.publish(ctx, domain.ChannelSettlements, Event{
		Type:         EventRootPublished,
		PredictionID: claim.PredictionID,
		Status:       domain.StatusSettled,
		Root:         claim.Root.Hex(),
		At:           claim.PostedAt,
	})
	s.fx.alert(ctx, notify.EventRootPublished, "Claim root published",
		fmt.Sprintf("%s: root %s over %d addresses", claim.PredictionID, claim.Root.Hex(), len(claim.Leaves)))
}

func (s *ClaimService) archive(ctx context.Context, rec domain.SettlementRecord, entries []domain.Entry, claim domain.MerkleClaim) string {
	p, err := s.predictions.GetByID(ctx, rec.PredictionID)
	if err != nil {
		s.logger.WarnContext(ctx, "load prediction for archive failed", slog.String("prediction_id", rec.PredictionID), slog.String("error", err.Error()))
		return ""
	}
	path, err := s.archiver.Archive(ctx, domain.SettlementArchive{
		Prediction: p,
		Record:     rec,
		Entries:    entries,
		Claim:      claim,
		ArchivedAt: s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "archive settlement failed", slog.String("prediction_id", rec.PredictionID), slog.String("error", err.Error()))
		return ""
	}
	return path
}

func (s *ClaimService) mismatch(ctx context.Context, predictionID string, stored, rebuilt domain.Hash) {
	s.logger.ErrorContext(ctx, "merkle root mismatch",
		slog.String("prediction_id", predictionID),
		slog.String("stored", stored.Hex()),
		slog.String("rebuilt", rebuilt.Hex()),
	)
	s.fx.record(ctx, "settlement.root_mismatch", map[string]any{
		"prediction_id": predictionID,
		"stored":        stored.Hex(),
		"rebuilt":       rebuilt.Hex(),
	})
	s.fx.alert(ctx, notify.EventRootMismatch, "Merkle root mismatch",
		fmt.Sprintf("%s: stored %s, rebuilt %s", predictionID, stored.Hex(), rebuilt.Hex()))
}

// Get returns the published claim, reading through the cache.
func (s *ClaimService) Get(ctx context.Context, predictionID string) (domain.MerkleClaim, error) {
	if s.cache != nil {
		if c, err := s.cache.Get(ctx, predictionID); err == nil {
			return c, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "claim cache read failed", slog.String("prediction_id", predictionID), slog.String("error", err.Error()))
		}
	}
	c, err := s.claims.Get(ctx, predictionID)
	if err != nil {
		return domain.MerkleClaim{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			s.logger.WarnContext(ctx, "claim cache fill failed", slog.String("prediction_id", predictionID), slog.String("error", err.Error()))
		}
	}
	return c, nil
}

// GetProof returns the proof and claim calldata for address. The tree is
// rebuilt from the stored leaves and checked against the published root.
func (s *ClaimService) GetProof(ctx context.Context, predictionID, address string) (domain.ClaimProof, error) {
	claim, err := s.Get(ctx, predictionID)
	if err != nil {
		return domain.ClaimProof{}, err
	}
	tree, err := merkle.New(claim.Leaves)
	if err != nil {
		return domain.ClaimProof{}, fmt.Errorf("claim_service: rebuild tree of %s: %w", predictionID, err)
	}
	if tree.Root() != claim.Root {
		s.mismatch(ctx, predictionID, claim.Root, tree.Root())
		return domain.ClaimProof{}, fmt.Errorf("claim_service: %s: %w", predictionID, domain.ErrRootMismatch)
	}

	path, leaf, err := tree.Proof(address)
	if err != nil {
		return domain.ClaimProof{}, err
	}
	calldata, err := merkle.ClaimCalldata(predictionID, leaf, path)
	if err != nil {
		return domain.ClaimProof{}, err
	}

	proof := make([]string, len(path))
	for i, h := range path {
		proof[i] = h.Hex()
	}
	return domain.ClaimProof{
		PredictionID: predictionID,
		Address:      leaf.Address,
		AmountCents:  leaf.AmountCents,
		Index:        leaf.Index,
		Root:         claim.Root.Hex(),
		Proof:        proof,
		Calldata:     "0x" + hex.EncodeToString(calldata),
		PostedAt:     claim.PostedAt,
	}, nil
}

// PublishPending publishes claims for up to limit settled predictions that
// have none. Failures are logged and the rest of the batch continues; the
// first error is returned with the count of successes.
func (s *ClaimService) PublishPending(ctx context.Context, limit int) (int, error) {
	ids, err := s.settlements.ListUnpublished(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim_service: list unpublished: %w", err)
	}
	var (
		published int
		firstErr  error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if _, err := s.Publish(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "publish pending claim failed", slog.String("prediction_id", id), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published++
	}
	return published, firstErr
}
