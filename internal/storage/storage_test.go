package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSQLiteStore(t *testing.T, secret string) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "teamchat.db")
	store, err := NewSQLiteStore(path, Options{EncryptionSecret: secret})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func exerciseKeyValueStore(t *testing.T, store KeyValueStore) {
	ctx := context.Background()

	_, ok, err := store.GetItem(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetItem(ctx, "@teamchat_message_queue", `[{"localId":"local_1"}]`))
	value, ok, err := store.GetItem(ctx, "@teamchat_message_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"localId":"local_1"}]`, value)

	require.NoError(t, store.SetItem(ctx, "@teamchat_message_queue", `[]`))
	value, _, err = store.GetItem(ctx, "@teamchat_message_queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, value)

	require.NoError(t, store.RemoveItem(ctx, "@teamchat_message_queue"))
	_, ok, err = store.GetItem(ctx, "@teamchat_message_queue")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.RemoveItem(ctx, "never-set"))
}

func TestMemoryStore(t *testing.T) {
	exerciseKeyValueStore(t, NewMemoryStore())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.GetItem(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.SetItem(ctx, "k", "v"), context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	store, _ := newTestSQLiteStore(t, "")
	exerciseKeyValueStore(t, store)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", Options{})
	require.NoError(t, err)
	defer store.Close()
	exerciseKeyValueStore(t, store)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	store, path := newTestSQLiteStore(t, "")
	ctx := context.Background()
	require.NoError(t, store.SetItem(ctx, "k", "durable"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "durable", value)
}

func TestSQLiteStore_EncryptedAtRest(t *testing.T) {
	store, _ := newTestSQLiteStore(t, testSecret)
	ctx := context.Background()
	require.NoError(t, store.SetItem(ctx, "k", "secret message text"))

	var raw string
	var encrypted bool
	require.NoError(t, store.db.QueryRow(`SELECT value, encrypted FROM kv_store WHERE key = 'k'`).Scan(&raw, &encrypted))
	assert.True(t, encrypted)
	assert.NotContains(t, raw, "secret message text")

	value, ok, err := store.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret message text", value)
}

func TestSQLiteStore_EncryptedValueWithoutSecret(t *testing.T) {
	store, path := newTestSQLiteStore(t, testSecret)
	ctx := context.Background()
	require.NoError(t, store.SetItem(ctx, "k", "v"))
	require.NoError(t, store.Close())

	plain, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	defer plain.Close()

	_, _, err = plain.GetItem(ctx, "k")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no encryption secret")
}

func TestNewSQLiteStore_Validation(t *testing.T) {
	_, err := NewSQLiteStore("", Options{})
	assert.Error(t, err)

	_, err = NewSQLiteStore("../../escape.db", Options{})
	assert.Error(t, err)

	_, err = NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), Options{EncryptionSecret: "short"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least")
}

func TestEncryptor_RoundTripAndTamper(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	sealed, err := enc.encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	opened, err := enc.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened)

	tampered := strings.ToUpper(sealed[:4]) + sealed[4:]
	if tampered != sealed {
		_, err = enc.decrypt(tampered)
		assert.Error(t, err)
	}

	_, err = enc.decrypt("AAA")
	assert.Error(t, err)
}

func TestRetryableDBOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after lock contention", func(t *testing.T) {
		calls := 0
		err := retryableDBOperation(ctx, func() error {
			calls++
			if calls < 2 {
				return errors.New("database is locked")
			}
			return nil
		}, "test operation")
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("non-retryable fails fast", func(t *testing.T) {
		calls := 0
		err := retryableDBOperation(ctx, func() error {
			calls++
			return errors.New("UNIQUE constraint failed")
		}, "test operation")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "non-retryable")
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := retryableDBOperation(ctx, func() error {
			calls++
			return errors.New("database is locked")
		}, "test operation")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.Equal(t, 3, calls)
	})
}
