package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.AccountStore = (*AccountStore)(nil)

// AccountStore implements domain.AccountStore.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates an AccountStore.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

func getAccount(ctx context.Context, q querier, userID string) (domain.Account, error) {
	var a domain.Account
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT user_id, balance_cents, wallet_address, updated_at FROM accounts WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &a.BalanceCents, &a.WalletAddress, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, err
	}
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

// Get returns the account of userID.
func (s *AccountStore) Get(ctx context.Context, userID string) (domain.Account, error) {
	a, err := getAccount(ctx, s.db.db, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("sqlite: get account %s: %w", userID, err)
	}
	return a, err
}

// Upsert creates the account or updates its wallet address.
func (s *AccountStore) Upsert(ctx context.Context, acct domain.Account) error {
	at := acct.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance_cents, wallet_address, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			wallet_address = excluded.wallet_address,
			updated_at     = excluded.updated_at`,
		acct.UserID, acct.BalanceCents, acct.WalletAddress, toNanos(at))
	if err != nil {
		return fmt.Errorf("sqlite: upsert account %s: %w", acct.UserID, err)
	}
	return nil
}

// Credit adds amountCents to the balance and returns the updated account.
func (s *AccountStore) Credit(ctx context.Context, userID string, amountCents int64) (domain.Account, error) {
	if amountCents <= 0 {
		return domain.Account{}, fmt.Errorf("sqlite: credit %d: %w", amountCents, domain.ErrInvalidInput)
	}
	var out domain.Account
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance_cents = balance_cents + ?, updated_at = ? WHERE user_id = ?`,
			amountCents, toNanos(time.Now()), userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		out, err = getAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Account{}, err
		}
		return domain.Account{}, fmt.Errorf("sqlite: credit account %s: %w", userID, err)
	}
	return out, nil
}
