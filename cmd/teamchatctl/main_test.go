package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/queue"
	"teamchat/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, entries ...models.QueuedMessage) string {
	t.Helper()
	t.Setenv("TEAMCHAT_ENCRYPTION_SECRET", "")
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := storage.NewSQLiteStore(path, storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	qs := queue.NewStore(store, "teamchat", logger)
	for _, e := range entries {
		require.NoError(t, qs.Append(context.Background(), e))
	}
	return path
}

func entry(localID string, retries int) models.QueuedMessage {
	return models.QueuedMessage{
		LocalID:     localID,
		RetryCount:  retries,
		LastAttempt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Message: models.OutgoingMessage{
			ConversationID: "c1",
			SenderID:       "u1",
			Text:           "hello",
			DeliveryStatus: models.DeliveryStatusSending,
		},
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStats(t *testing.T) {
	db := seedStore(t, entry("local_1", 0), entry("local_2", 5), entry("local_3", 2))

	out, err := execute(t, "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Total:   3")
	assert.Contains(t, out, "Pending: 2")
	assert.Contains(t, out, "Failed:  1")

	out, err = execute(t, "stats", "--db", db, "--json")
	require.NoError(t, err)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, models.QueueStats{Total: 3, Pending: 2, Failed: 1}, stats)
}

func TestList(t *testing.T) {
	db := seedStore(t, entry("local_1", 0), entry("local_2", 5))

	out, err := execute(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "LOCAL ID")
	assert.Contains(t, out, "local_1")
	assert.Contains(t, out, "2024-03-01T12:00:01Z")
	assert.Contains(t, out, "failed")

	out, err = execute(t, "list", "--db", db, "--failed", "--json")
	require.NoError(t, err)
	var entries []models.QueuedMessage
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "local_2", entries[0].LocalID)
}

func TestList_Empty(t *testing.T) {
	db := seedStore(t)
	out, err := execute(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty\n", out)
}

func TestClearFailed(t *testing.T) {
	db := seedStore(t, entry("local_1", 0), entry("local_2", 5), entry("local_3", 7))

	out, err := execute(t, "clear-failed", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Cleared 2 failed message(s)\n", out)

	out, err = execute(t, "stats", "--db", db, "--json")
	require.NoError(t, err)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Total)
}

func TestClear(t *testing.T) {
	db := seedStore(t, entry("local_1", 0))

	_, err := execute(t, "clear", "--db", db)
	assert.Error(t, err, "requires --yes")

	out, err := execute(t, "clear", "--db", db, "--yes")
	require.NoError(t, err)
	assert.Equal(t, "Queue cleared\n", out)

	out, err = execute(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty\n", out)
}

func TestInvalidDBPath(t *testing.T) {
	_, err := execute(t, "stats", "--db", "../../etc/teamchat.db")
	assert.Error(t, err)
}
