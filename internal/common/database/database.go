package database

import (
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/i-dream-of-ai/aegra/internal/common/config"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

// Open connects to the configured database and brings its schema up to date.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.Dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", cfg.Driver)
	}

	switch cfg.Driver {
	case config.SqliteDriver:
		// Every connection to an in-memory database gets its own empty database.
		if cfg.Dsn == ":memory:" {
			db.SetMaxOpenConns(1)
		}
		for _, pragma := range sqlitePragmas {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, errors.Wrapf(err, "executing %s", pragma)
			}
		}
	case config.PostgresDriver:
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "connecting to postgres")
		}
	}
	if cfg.MaxOpenConns > 0 && cfg.Dsn != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	migrations, err := ReadMigrations(embeddedMigrations, migrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := UpdateDatabase(db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("Opened %s database", cfg.Driver)
	return db, nil
}

// Goqu wraps db in a query builder speaking the dialect of driver.
func Goqu(db *sql.DB, driver string) *goqu.Database {
	dialect := "sqlite3"
	if driver == config.PostgresDriver {
		dialect = "postgres"
	}
	return goqu.New(dialect, db)
}

// OpenInMemory returns a migrated private sqlite database, used by tests and the single node default.
func OpenInMemory() (*sql.DB, *goqu.Database, error) {
	db, err := Open(config.DatabaseConfig{Driver: config.SqliteDriver, Dsn: ":memory:"})
	if err != nil {
		return nil, nil, err
	}
	return db, Goqu(db, config.SqliteDriver), nil
}
