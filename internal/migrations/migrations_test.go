package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInitialSchema_Embedded(t *testing.T) {
	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS kv_store")
	assert.Contains(t, schema, "CREATE TRIGGER IF NOT EXISTS kv_store_updated_at")
}

func TestGetInitialSchema_FromDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, initialSchemaFile), []byte("CREATE TABLE custom (id INTEGER);"), 0600))

	original := MigrationsDir
	MigrationsDir = tmpDir
	defer func() { MigrationsDir = original }()

	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE custom (id INTEGER);", schema)
}

func TestGetInitialSchema_MissingDirectoryFallsBack(t *testing.T) {
	original := MigrationsDir
	MigrationsDir = filepath.Join(t.TempDir(), "nonexistent")
	defer func() { MigrationsDir = original }()

	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Contains(t, schema, "kv_store")
}
