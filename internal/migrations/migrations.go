package migrations

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed 001_kv_store.sql
var embeddedSchema string

var (
	// MigrationsDir can be overridden in tests or by the application to
	// load a schema from disk instead of the embedded copy.
	MigrationsDir = ""
)

const initialSchemaFile = "001_kv_store.sql"

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	if MigrationsDir == "" {
		return embeddedSchema, nil
	}

	content, err := os.ReadFile(filepath.Join(MigrationsDir, initialSchemaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return embeddedSchema, nil
		}
		return "", fmt.Errorf("failed to read schema file: %w", err)
	}
	return string(content), nil
}
