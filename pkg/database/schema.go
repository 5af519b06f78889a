package database

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"

	"github.com/receiptguard/receiptguard/pkg/logging"
)

// ApplySchema executes the embedded DDL files in lexical order. The files
// are written idempotently (IF NOT EXISTS), so this is safe on every start.
func ApplySchema(db *sql.DB, fsys embed.FS, dir string, logger logging.Logger) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading schema directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := fsys.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", name, err)
		}
		if _, err := db.Exec(string(ddl)); err != nil {
			return fmt.Errorf("applying schema file %s: %w", name, err)
		}
		logger.WithFields(logging.Fields{"file": name}).Debug("Applied schema file")
	}

	return nil
}
