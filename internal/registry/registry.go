// Package registry records every committed index generation in PostgreSQL so
// that a restarted indexer reopens the file its last save produced, even when
// that save had to keep the temporary file name.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/postgres"
)

// DefaultRetention is the number of generations kept per scope.
const DefaultRetention = 20

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS index_generations (
	id           BIGSERIAL PRIMARY KEY,
	scope        TEXT        NOT NULL,
	path         TEXT        NOT NULL,
	documents    INTEGER     NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS index_generations_scope_id ON index_generations (scope, id DESC)`,
}

// Registry stores index generations.
type Registry struct {
	client    *postgres.Client
	retention int
	logger    *slog.Logger
}

// New returns a Registry keeping the last retention generations per scope.
func New(client *postgres.Client, retention int) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		client:    client,
		retention: retention,
		logger:    slog.Default().With("component", "registry"),
	}
}

// Migrate creates the generations table if it does not exist.
func (r *Registry) Migrate(ctx context.Context) error {
	if err := r.client.Migrate(ctx, migrations...); err != nil {
		return fmt.Errorf("creating index_generations: %w", err)
	}
	return nil
}

// OnCommit records g and prunes generations beyond the retention limit.
func (r *Registry) OnCommit(ctx context.Context, g indexer.Generation) error {
	err := r.client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_generations (scope, path, documents, committed_at) VALUES ($1, $2, $3, $4)`,
			g.Scope, g.Path, g.Documents, g.CommittedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting generation: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM index_generations
			 WHERE scope = $1 AND id NOT IN (
			   SELECT id FROM index_generations WHERE scope = $1 ORDER BY id DESC LIMIT $2
			 )`,
			g.Scope, r.retention,
		)
		if err != nil {
			return fmt.Errorf("pruning generations: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording generation of %s: %w", g.Scope, err)
	}
	r.logger.Debug("generation recorded", "scope", g.Scope, "path", g.Path, "documents", g.Documents)
	return nil
}

// LatestPath returns the file of the most recent generation of scope.
func (r *Registry) LatestPath(ctx context.Context, scope string) (string, error) {
	var path string
	err := r.client.DB.QueryRowContext(ctx,
		`SELECT path FROM index_generations WHERE scope = $1 ORDER BY id DESC LIMIT 1`,
		scope,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no generation recorded for %s", apperrors.ErrNotFound, scope)
	}
	if err != nil {
		return "", fmt.Errorf("looking up generation of %s: %w", scope, err)
	}
	return path, nil
}

// History returns up to limit generations of scope, newest first.
func (r *Registry) History(ctx context.Context, scope string, limit int) ([]indexer.Generation, error) {
	rows, err := r.client.DB.QueryContext(ctx,
		`SELECT scope, path, documents, committed_at FROM index_generations
		 WHERE scope = $1 ORDER BY id DESC LIMIT $2`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing generations of %s: %w", scope, err)
	}
	defer rows.Close()

	generations := make([]indexer.Generation, 0)
	for rows.Next() {
		var g indexer.Generation
		if err := rows.Scan(&g.Scope, &g.Path, &g.Documents, &g.CommittedAt); err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		generations = append(generations, g)
	}
	return generations, rows.Err()
}
