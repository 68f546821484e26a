package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"log/slog"

	"github.com/UpstreetAI/multiplayer/internal/app"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects to postgres and returns a pool wrapper
func NewPostgres(ctx context.Context, cfg app.Config, log *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Get fetches one room-state value, nil when absent
func (p *Postgres) Get(ctx context.Context, room, key string) ([]byte, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT value FROM room_state
		WHERE room = $1 AND key = $2
	`, room, key)

	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// Put upserts one room-state value and bumps the timestamp
func (p *Postgres) Put(ctx context.Context, room, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO room_state (room, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, room, key, value)
	if err != nil {
		return err
	}
	p.log.Debug("store.put", "room", room, "key", key, "bytes", len(value))
	return nil
}
