package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/queue"
	"teamchat/internal/reachability"
	"teamchat/internal/reconciler"
	"teamchat/internal/service"
	"teamchat/internal/storage"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (string, error) {
	args := m.Called(ctx, conversationID, senderID, text, attachments)
	return args.String(0), args.Error(1)
}

type recordingTrigger struct {
	triggers []string
}

func (r *recordingTrigger) ProcessNow(ctx context.Context, trigger string) {
	r.triggers = append(r.triggers, trigger)
}

type testServer struct {
	server  *Server
	remote  *mockRemote
	manager *queue.Manager
	monitor *reachability.Monitor
	rows    *reconciler.Reconciler
	trigger *recordingTrigger
	clock   *clock.Mock
}

func newTestServer(t *testing.T, online bool) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	initial := reachability.NetState{Type: "none"}
	if online {
		initial = reachability.NetState{Type: "wifi", IsConnected: true}
	}
	monitor := reachability.NewMonitor(initial,
		reachability.ProberFunc(func(ctx context.Context) bool { return false }),
		reachability.Options{Clock: clk, Metrics: m}, logger)
	t.Cleanup(monitor.Stop)

	ts := &testServer{remote: &mockRemote{}, monitor: monitor, trigger: &recordingTrigger{}, clock: clk}
	ts.rows = reconciler.New(clk, logger)
	ts.manager = queue.NewManager(storage.NewMemoryStore(), ts.remote, ts.rows, queue.Options{Clock: clk, Metrics: m}, logger)
	sender := service.NewMessageSender("u1", monitor, ts.remote, ts.manager, ts.rows, clk, m, logger)

	ts.server = NewServer(context.Background(), &models.Config{}, Dependencies{
		Sender:      sender,
		Manager:     ts.manager,
		Rows:        ts.rows,
		Monitor:     monitor,
		Coordinator: ts.trigger,
		Gatherer:    registry,
	}, m, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, true)
	w, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["connected"])
}

func TestServer_SendMessageOnline(t *testing.T) {
	ts := newTestServer(t, true)
	ts.remote.On("SendMessage", mock.Anything, "c1", "u1", "hello", mock.Anything).Return("srv-9", nil)

	w, body := ts.do(t, http.MethodPost, "/v1/messages", `{"conversationId":"c1","text":"hello"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, false, body["queued"])
	assert.Equal(t, "srv-9", body["serverId"])

	w, body = ts.do(t, http.MethodGet, "/v1/conversations/c1/messages", "")
	assert.Equal(t, http.StatusOK, w.Code)
	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)
	assert.Equal(t, "sent", messages[0].(map[string]interface{})["deliveryStatus"])
}

func TestServer_SendMessageOfflineQueues(t *testing.T) {
	ts := newTestServer(t, false)

	w, body := ts.do(t, http.MethodPost, "/v1/messages", `{"conversationId":"c1","text":"hello"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, body["queued"])
	localID, _ := body["localId"].(string)
	assert.True(t, strings.HasPrefix(localID, "local_"))
	ts.remote.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	w, body = ts.do(t, http.MethodGet, "/v1/queue/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["pending"])

	w, body = ts.do(t, http.MethodGet, "/v1/queue", "")
	assert.Equal(t, http.StatusOK, w.Code)
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, localID, entries[0].(map[string]interface{})["localId"])

	w, _ = ts.do(t, http.MethodPost, "/v1/queue/process", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/v1/queue/"+localID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, ts.trigger.triggers, "no processing while offline")

	w, _ = ts.do(t, http.MethodDelete, "/v1/queue", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, ts.manager.GetQueueStats(context.Background()).Total)
}

func TestServer_SendMessageValidation(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"unknown field", `{"conversationId":"c1","text":"hi","extra":1}`},
		{"empty text", `{"conversationId":"c1","text":" "}`},
		{"missing conversation", `{"text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := ts.do(t, http.MethodPost, "/v1/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			errBody, ok := body["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "INVALID_INPUT", errBody["code"])
		})
	}
}

func TestServer_ProcessQueueOnline(t *testing.T) {
	ts := newTestServer(t, true)
	ts.remote.On("SendMessage", mock.Anything, "c1", "u1", "queued", mock.Anything).Return("srv-1", nil)
	ts.manager.QueueMessage(context.Background(), "c1", "u1", "queued", nil)
	ts.clock.Add(time.Second)

	w, body := ts.do(t, http.MethodPost, "/v1/queue/process", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["sent"])
	assert.Zero(t, ts.manager.GetQueueStats(context.Background()).Total)
}

func TestServer_RetryAndClearFailed(t *testing.T) {
	ts := newTestServer(t, true)

	w, body := ts.do(t, http.MethodPost, "/v1/queue/local_missing/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]interface{})["code"])

	localID := ts.manager.QueueMessage(context.Background(), "c1", "u1", "x", nil)
	w, _ = ts.do(t, http.MethodPost, "/v1/queue/"+localID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"manual_retry"}, ts.trigger.triggers)

	w, body = ts.do(t, http.MethodDelete, "/v1/queue/failed", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["cleared"])
}

func TestServer_Network(t *testing.T) {
	ts := newTestServer(t, false)

	w, body := ts.do(t, http.MethodGet, "/v1/network", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, "offline", body["state"])

	w, body = ts.do(t, http.MethodPost, "/v1/network", `{"type":"wifi","isConnected":true,"isInternetReachable":null}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "online", body["state"])

	w, _ = ts.do(t, http.MethodPost, "/v1/network", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, true)
	ts.do(t, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "teamchat_network_connected 1")
	assert.Contains(t, w.Body.String(), `teamchat_http_requests_total{method="GET",route="/health",status_code="200"} 1`)
}

func TestSetLogLevel(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	setLogLevel(logger, "warn", false)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	setLogLevel(logger, "warn", true)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	setLogLevel(logger, "loud", false)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "Invalid log level")
}

func TestServer_SendMessageClientGoneStillQueues(t *testing.T) {
	ts := newTestServer(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.remote.On("SendMessage", mock.Anything, "c1", "u1", "hello", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled).Once()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"conversationId":"c1","text":"hello"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ts.manager.GetQueueStats(context.Background()).Pending)
	rows := ts.rows.Messages("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusSending, rows[0].DeliveryStatus)
}
