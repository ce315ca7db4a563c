package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/walletsync/internal/account"
)

const schema = `
CREATE TABLE IF NOT EXISTS account_snapshots (
    account_id TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresRepository stores snapshots as JSONB, one row per account.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the snapshot table if it is missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}
	return nil
}

// Save upserts the snapshot unless a newer one is already stored.
func (r *PostgresRepository) Save(ctx context.Context, snapshot account.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO account_snapshots (account_id, payload, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (account_id) DO UPDATE
        SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
        WHERE account_snapshots.updated_at <= EXCLUDED.updated_at`,
		snapshot.AccountID, payload, snapshot.UpdatedAt.UTC())
	return err
}

// Latest loads the stored snapshot for accountID.
func (r *PostgresRepository) Latest(ctx context.Context, accountID string) (account.Snapshot, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM account_snapshots WHERE account_id = $1`, accountID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return account.Snapshot{}, err
	}
	var snapshot account.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return account.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}
