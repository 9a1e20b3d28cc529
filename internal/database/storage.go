package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/repository/sqlite"
)

// Storage bundles the stores of the configured driver.
type Storage struct {
	Driver      string
	Sessions    repository.SessionStore
	Answers     repository.AnswerStore
	Submissions repository.SubmissionStore
	Catalog     repository.CatalogStore
	CatalogIn   repository.CatalogWriter
	Audit       repository.AuditStore

	// Pool is set only for the postgres driver.
	Pool *pgxpool.Pool

	ping  func(ctx context.Context) error
	close func()
}

// OpenStorage connects the driver named by cfg.StorageDriver and makes sure
// the session row exists.
func OpenStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Storage, error) {
	var st *Storage

	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool, err := NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		catalog := repository.NewCatalogRepository(pool)
		st = &Storage{
			Driver:      cfg.StorageDriver,
			Sessions:    repository.NewTestSessionRepository(pool),
			Answers:     repository.NewAnswerRepository(pool),
			Submissions: repository.NewSubmissionRepository(pool),
			Catalog:     catalog,
			CatalogIn:   catalog,
			Audit:       repository.NewAuditRepository(pool),
			Pool:        pool,
			ping:        pool.Ping,
			close:       pool.Close,
		}

	case config.StorageSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite opened")
		st = &Storage{
			Driver:      cfg.StorageDriver,
			Sessions:    store,
			Answers:     store,
			Submissions: store,
			Catalog:     store,
			CatalogIn:   store,
			Audit:       store,
			ping:        store.DB().PingContext,
			close:       func() { _ = store.Close() },
		}

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if err := st.Sessions.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap session row: %w", err)
	}
	return st, nil
}

// Ping checks the underlying database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the underlying connections.
func (s *Storage) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}
