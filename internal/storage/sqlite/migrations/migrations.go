// Package migrations implements forward-only, versioned schema migrations
// for zos databases. Version 1 is the baseline schema created by the store;
// later versions alter it in place. Applied versions are recorded in the
// schema_migrations table and never re-run or reverted.
package migrations

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one forward schema change.
type Migration struct {
	Version     int
	Description string
	Apply       func(tx *sql.Tx) error
}

// registry lists every migration in version order. The baseline (version 1)
// has a nil Apply: the store creates those tables from its schema constant
// and the version row just records that fact.
var registry = []Migration{
	{
		Version:     1,
		Description: "baseline schema",
	},
	{
		Version:     2,
		Description: "index reply targets for dyad message queries",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(reply_to_id) WHERE reply_to_id != ''`)
			return err
		},
	},
	{
		Version:     3,
		Description: "index non-quarantined insights per topic",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_insights_active ON insights(topic_key, created_at DESC) WHERE quarantined = 0`)
			return err
		},
	},
}

// Latest returns the newest known migration version.
func Latest() int {
	return registry[len(registry)-1].Version
}

// Run applies pending migrations up to target; target 0 means latest.
// Migrations already recorded in schema_migrations are skipped. Downgrades
// are rejected: migrations are forward-only.
func Run(db *sql.DB, target int) error {
	if target == 0 {
		target = Latest()
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	if max := maxVersion(applied); target < max {
		return fmt.Errorf("migrations are forward-only: database is at version %d, target %d", max, target)
	}

	sorted := make([]Migration, len(registry))
	copy(sorted, registry)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version > target || applied[m.Version] {
			continue
		}
		if err := applyOne(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func applyOne(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if m.Apply != nil {
		if err := m.Apply(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
		m.Version, m.Description,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func maxVersion(applied map[int]bool) int {
	max := 0
	for v := range applied {
		if v > max {
			max = v
		}
	}
	return max
}
