package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// ClientRepo handles persistence for Client identities.
type ClientRepo struct{}

// GetOrCreate returns the client with the given public key, creating it on
// first sight.
func (r *ClientRepo) GetOrCreate(ctx context.Context, q DBTX, publicKey []byte, now time.Time) (*domain.Client, error) {
	const ins = `INSERT OR IGNORE INTO clients (public_key, created_at) VALUES (?, ?)`
	if _, err := q.ExecContext(ctx, ins, publicKey, now.Unix()); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	c, err := r.GetByKey(ctx, q, publicKey)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByKey looks up a client by public key. It returns sql.ErrNoRows when the
// key is unknown.
func (r *ClientRepo) GetByKey(ctx context.Context, q DBTX, publicKey []byte) (*domain.Client, error) {
	const sel = `SELECT id, public_key, created_at FROM clients WHERE public_key = ?`
	var c domain.Client
	var created int64
	err := q.QueryRowContext(ctx, sel, publicKey).Scan(&c.ID, &c.PublicKey, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0)
	return &c, nil
}
