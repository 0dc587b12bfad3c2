package migration

import (
	"errors"
	"fmt"

	"fieldsync/internal/app/server/config"

	"github.com/golang-migrate/migrate/v4"
	// Регистрация драйвера PostgreSQL и файлового источника миграций
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator подмножество migrate.Migrate, используемое при старте сервера
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine создает Migrator по источнику миграций и строке подключения
type MigrationEngine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	cfg    *config.Config
	engine MigrationEngine
}

func NewMigration(conf *config.Config, engine MigrationEngine) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		cfg:    conf,
		engine: engine,
	}
}

// DefaultEngine открывает file:// источник и postgres базу
func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// Up применяет все новые миграции ленты изменений
func (mg *Migration) Up() (err error) {
	m, err := mg.engine("file://"+mg.cfg.DB.Migrations, mg.cfg.DB.DatabaseURI)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}
