package session

import (
	"context"
	"time"

	"collabboard/api/internal/store"
)

// PostgresSessions adapts the relational store to the refresh-session
// interface. It is the fallback when no Redis URL is configured: sessions
// survive restarts but every lookup costs a database round trip.
type PostgresSessions struct {
	store *store.PostgresStore
}

func NewPostgresSessions(pg *store.PostgresStore) *PostgresSessions {
	return &PostgresSessions{store: pg}
}

func (p *PostgresSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p *PostgresSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p *PostgresSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}
