package integration_test

import (
	"net/http"
	"testing"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlineSendIsConfirmedImmediately(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.StartCoordinator()

	result := env.Sender.SendMessage(env.Context(), "c1", "hello", []models.Attachment{
		{Type: models.AttachmentTypeImage, URL: "https://cdn.example.com/cat.png"},
	})

	assert.False(t, result.Queued)
	assert.Equal(t, "srv-1", result.ServerID)

	sends := env.API.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "c1", sends[0].ConversationID)
	assert.Equal(t, testSenderID, sends[0].Request.SenderID)
	assert.Equal(t, "Bearer test-token", sends[0].Authorization)
	require.Len(t, sends[0].Request.Attachments, 1)
	assert.Equal(t, "image/png", sends[0].Request.Attachments[0].MimeType)

	rows := env.Rows.Messages("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "srv-1", rows[0].ID)
	assert.Equal(t, result.LocalID, rows[0].LocalID)
	assert.Equal(t, models.DeliveryStatusSent, rows[0].DeliveryStatus)
	assert.Zero(t, env.Manager.GetQueueStats(env.Context()).Total)
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	env := NewTestEnvironment(t, false)
	env.StartCoordinator()

	first := env.Sender.SendMessage(env.Context(), "c1", "first", nil)
	second := env.Sender.SendMessage(env.Context(), "c1", "second", nil)
	require.True(t, first.Queued)
	require.True(t, second.Queued)
	assert.Zero(t, env.API.SendCount())

	env.Restart(false)
	env.StartCoordinator()
	assert.Equal(t, 2, env.Manager.GetQueueStats(env.Context()).Pending)

	env.Clock.Add(retry.BackoffDelay(0))
	env.GoOnline()

	assert.Eventually(t, func() bool {
		return env.Manager.GetQueueStats(env.Context()).Total == 0
	}, waitFor, 10*time.Millisecond)

	sends := env.API.Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "first", sends[0].Request.Text)
	assert.Equal(t, "second", sends[1].Request.Text)

	rows := env.Rows.Messages("c1")
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.DeliveryStatusSent, row.DeliveryStatus)
		assert.False(t, row.IsPending())
	}
	assert.ElementsMatch(t, []string{first.LocalID, second.LocalID}, []string{rows[0].LocalID, rows[1].LocalID})
}

func TestQueuedRowsVisibleAfterRestart(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.API.FailWith(http.StatusServiceUnavailable)

	stuck := env.Sender.SendMessage(env.Context(), "c1", "stuck", nil)
	require.True(t, stuck.Queued)
	for i := 0; i < retry.MaxRetryCount; i++ {
		env.Clock.Add(retry.BackoffDelay(i))
		env.Manager.ProcessQueue(env.Context())
	}
	waiting := env.Sender.SendMessage(env.Context(), "c1", "waiting", nil)
	require.True(t, waiting.Queued)

	env.Restart(false)

	rows := env.Rows.Messages("c1")
	require.Len(t, rows, 2)
	byLocalID := map[string]models.Message{}
	for _, row := range rows {
		byLocalID[row.LocalID] = row
	}
	assert.Equal(t, models.DeliveryStatusFailed, byLocalID[stuck.LocalID].DeliveryStatus)
	assert.Equal(t, "stuck", byLocalID[stuck.LocalID].Text)
	assert.Equal(t, models.DeliveryStatusSending, byLocalID[waiting.LocalID].DeliveryStatus)
	assert.Equal(t, "waiting", byLocalID[waiting.LocalID].Text)
}

func TestFailedSendsExhaustThenManualRetry(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.API.FailWith(http.StatusServiceUnavailable)

	result := env.Sender.SendMessage(env.Context(), "c1", "hello", nil)
	require.True(t, result.Queued)
	assert.Equal(t, 1, env.API.SendCount())

	for i := 0; i < retry.MaxRetryCount; i++ {
		env.Clock.Add(retry.BackoffDelay(i))
		pass := env.Manager.ProcessQueue(env.Context())
		assert.Equal(t, 1, pass.Attempted, "pass %d", i)
		assert.Equal(t, 1, pass.Failed, "pass %d", i)
	}

	stats := env.Manager.GetQueueStats(env.Context())
	assert.Equal(t, models.QueueStats{Total: 1, Failed: 1}, stats)
	assert.Equal(t, 1+retry.MaxRetryCount, env.API.SendCount())

	rows := env.Rows.Messages("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusFailed, rows[0].DeliveryStatus)

	// Exhausted entries are never picked up again automatically.
	env.Clock.Add(time.Hour)
	assert.Zero(t, env.Manager.ProcessQueue(env.Context()).Attempted)

	env.API.FailWith(0)
	require.True(t, env.Manager.RetryMessage(env.Context(), result.LocalID))
	assert.Equal(t, models.DeliveryStatusSending, env.Rows.Messages("c1")[0].DeliveryStatus)

	pass := env.Manager.ProcessQueue(env.Context())
	assert.Equal(t, 1, pass.Sent)

	rows = env.Rows.Messages("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusSent, rows[0].DeliveryStatus)
	assert.Equal(t, result.LocalID, rows[0].LocalID)
	assert.Zero(t, env.Manager.GetQueueStats(env.Context()).Total)
}

func TestPermanentRejectionStillWalksBackoff(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.API.FailWith(http.StatusUnprocessableEntity)

	result := env.Sender.SendMessage(env.Context(), "c1", "hello", nil)
	require.True(t, result.Queued)

	env.Clock.Add(retry.BackoffDelay(0))
	pass := env.Manager.ProcessQueue(env.Context())
	assert.Equal(t, 1, pass.Failed)
	assert.Zero(t, pass.Exhausted)

	entries, err := env.Manager.Entries(env.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestReceiptsAdvanceConfirmedRows(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.StartRealtime()

	result := env.Sender.SendMessage(env.Context(), "c1", "hello", nil)
	require.False(t, result.Queued)

	env.API.PushReceipt(t, "c1", result.ServerID, models.DeliveryStatusDelivered)
	env.API.PushReceipt(t, "c1", result.ServerID, models.DeliveryStatusRead)
	env.API.PushReceipt(t, "c1", result.ServerID, models.DeliveryStatusDelivered)

	assert.Eventually(t, func() bool {
		rows := env.Rows.Messages("c1")
		return len(rows) == 1 && rows[0].DeliveryStatus == models.DeliveryStatusRead
	}, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, env.API.RealtimeConnections(), 1)
}

func TestProbeKeepsDeviceOnlineThroughFlakySnapshots(t *testing.T) {
	env := NewTestEnvironment(t, true)
	env.StartCoordinator()

	env.GoOffline()
	assert.True(t, env.Monitor.Connected(), "probe reached the backend")
	assert.Equal(t, models.ConnectivityOnline, env.Monitor.State())

	env.API.SetProbeDown(true)
	env.Clock.Add(time.Second)
	env.GoOffline()
	assert.True(t, env.Monitor.Connected(), "drop is provisional until the debounce elapses")

	env.Clock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return !env.Monitor.Connected() }, waitFor, 10*time.Millisecond)

	result := env.Sender.SendMessage(env.Context(), "c1", "while offline", nil)
	assert.True(t, result.Queued)
	assert.Zero(t, env.API.SendCount())
	assert.Equal(t, float64(0), env.MetricValue("teamchat_network_connected"))
}
