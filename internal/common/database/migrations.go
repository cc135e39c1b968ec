package database

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type Migration struct {
	id   int
	name string
	sql  string
}

// UpdateDatabase applies every migration newer than the version recorded in the database.
// The schema is kept to the common subset of sqlite and postgres.
func UpdateDatabase(db *sql.DB, migrations []Migration) error {
	log.Info("Updating database...")
	version, err := readVersion(db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		for _, statement := range splitStatements(m.sql) {
			if _, err := db.Exec(statement); err != nil {
				return errors.Wrapf(err, "applying migration %s", m.name)
			}
		}
		version = m.id
		if err := setVersion(db, version); err != nil {
			return err
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version sql.NullInt64
	err = db.QueryRow(`SELECT MAX(version) FROM database_version`).Scan(&version)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(version.Int64), nil
}

func setVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT INTO database_version (version) VALUES (` + strconv.Itoa(version) + `)`)
	return errors.WithStack(err)
}

// ReadMigrations loads the files of dir, ordered by the numeric prefix of their names (001_name.sql).
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	migrations := []Migration{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", f.Name())
		}
		migrations = append(migrations, Migration{
			id:   id,
			name: f.Name(),
			sql:  string(contents),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].id < migrations[j].id })
	return migrations, nil
}

func splitStatements(sql string) []string {
	var statements []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}
