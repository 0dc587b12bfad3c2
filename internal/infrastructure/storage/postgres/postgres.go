package postgres

import (
	"context"
	"fmt"

	"fieldsync/internal/app/server/config"
	"fieldsync/internal/infrastructure/migration"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Storage struct {
	pool *pgxpool.Pool
}

// New открывает пул соединений и применяет миграции
func New(ctx context.Context, cfg *config.Config) (*Storage, error) {
	pool, err := pgxpool.New(ctx, cfg.DB.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	mg := migration.NewMigration(cfg, migration.DefaultEngine)
	if err := mg.Up(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}
