package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.AccountStore = (*AccountStore)(nil)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectCols = `user_id, balance_cents, wallet_address, updated_at`

func scanAccountRow(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.UserID, &a.BalanceCents, &a.WalletAddress, &a.UpdatedAt); err != nil {
		if noRows(err) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, err
	}
	return a, nil
}

// Get retrieves the account of userID.
func (s *AccountStore) Get(ctx context.Context, userID string) (domain.Account, error) {
	a, err := scanAccountRow(s.pool.QueryRow(ctx,
		`SELECT `+accountSelectCols+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return a, err
}

// Upsert creates the account or updates its wallet address. An existing
// balance is never overwritten.
func (s *AccountStore) Upsert(ctx context.Context, acct domain.Account) error {
	at := acct.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const query = `
		INSERT INTO accounts (user_id, balance_cents, wallet_address, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			updated_at     = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, acct.UserID, acct.BalanceCents, acct.WalletAddress, at); err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", acct.UserID, err)
	}
	return nil
}

// Credit adds amountCents to the balance and returns the updated row.
func (s *AccountStore) Credit(ctx context.Context, userID string, amountCents int64) (domain.Account, error) {
	if amountCents <= 0 {
		return domain.Account{}, fmt.Errorf("postgres: credit %d: %w", amountCents, domain.ErrInvalidInput)
	}
	a, err := scanAccountRow(s.pool.QueryRow(ctx, `
		UPDATE accounts SET balance_cents = balance_cents + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+accountSelectCols, userID, amountCents))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("postgres: credit account %s: %w", userID, err)
	}
	return a, err
}
