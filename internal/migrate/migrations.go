package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one embedded schema file. Files are named NNN_description.sql and
// applied in ascending order of NNN.
type step struct {
	version int
	name    string
	stmts   string
}

func loadSteps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s has no version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: %s has no numeric version: %w", name, err)
		}
		data, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{version: version, name: name, stmts: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate brings the database up to the newest embedded schema. Applied
// versions are tracked one row each in schema_migrations; the whole run is a
// single transaction, so a failing step leaves the database where it was.
func Migrate(db *sql.DB) error {
	steps, err := loadSteps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("migrate: ensure ledger: %w", err)
	}

	applied := map[int]bool{}
	rows, err := tx.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("migrate: read ledger: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, s := range steps {
		if applied[s.version] {
			continue
		}
		if _, err := tx.Exec(s.stmts); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, s.version); err != nil {
			return fmt.Errorf("migrate: record %s: %w", s.name, err)
		}
	}
	return tx.Commit()
}
