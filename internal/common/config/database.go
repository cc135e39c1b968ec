package config

const (
	SqliteDriver   = "sqlite"
	PostgresDriver = "postgres"
)

type DatabaseConfig struct {
	// sqlite for a single node, postgres when several orchestrators share one ledger
	Driver string `validate:"required,oneof=sqlite postgres"`
	// File path or ":memory:" for sqlite, libpq keyword/value pairs or URL for postgres
	Dsn          string `validate:"required"`
	MaxOpenConns int
}
