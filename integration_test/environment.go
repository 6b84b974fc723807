package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/queue"
	"teamchat/internal/reachability"
	"teamchat/internal/reconciler"
	"teamchat/internal/retry"
	"teamchat/internal/service"
	"teamchat/internal/storage"
	"teamchat/pkg/chatapi"
	"teamchat/pkg/chatapi/types"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testSenderID         = "u1"
	testEncryptionSecret = "integration-secret-0123456789"
	waitFor              = 2 * time.Second
)

// RecordedSend is one request received by the mock chat API.
type RecordedSend struct {
	ConversationID string
	Request        types.SendMessageRequest
	Authorization  string
}

// MockChatAPI stands in for the hosted chat backend: the send endpoint, the
// realtime receipt channel and a 204 probe target.
type MockChatAPI struct {
	server *httptest.Server

	mu         sync.Mutex
	sends      []RecordedSend
	failStatus atomic.Int32
	probeDown  atomic.Bool
	nextID     atomic.Int64
	realtime   atomic.Int32
	frames     chan []byte
}

func NewMockChatAPI(t *testing.T) *MockChatAPI {
	api := &MockChatAPI{frames: make(chan []byte, 16)}

	router := mux.NewRouter()
	router.HandleFunc("/v1/conversations/{id}/messages", api.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/v1/realtime", api.handleRealtime).Methods(http.MethodGet)
	router.HandleFunc("/generate_204", api.handleProbe).Methods(http.MethodGet)

	api.server = httptest.NewServer(router)
	t.Cleanup(api.server.Close)
	return api
}

func (api *MockChatAPI) URL() string {
	return api.server.URL
}

// FailWith makes the send endpoint answer with status. Zero restores
// normal behaviour.
func (api *MockChatAPI) FailWith(status int) {
	api.failStatus.Store(int32(status))
}

func (api *MockChatAPI) SetProbeDown(down bool) {
	api.probeDown.Store(down)
}

func (api *MockChatAPI) Sends() []RecordedSend {
	api.mu.Lock()
	defer api.mu.Unlock()
	out := make([]RecordedSend, len(api.sends))
	copy(out, api.sends)
	return out
}

func (api *MockChatAPI) SendCount() int {
	api.mu.Lock()
	defer api.mu.Unlock()
	return len(api.sends)
}

// RealtimeConnections counts accepted websocket connections.
func (api *MockChatAPI) RealtimeConnections() int {
	return int(api.realtime.Load())
}

// PushReceipt queues a message.status frame for the realtime channel.
func (api *MockChatAPI) PushReceipt(t *testing.T, conversationID, serverID string, status models.DeliveryStatus) {
	payload, err := json.Marshal(types.StatusPayload{ConversationID: conversationID, ID: serverID, Status: status})
	require.NoError(t, err)
	frame, err := json.Marshal(types.Envelope{Type: types.EventMessageStatus, Payload: payload})
	require.NoError(t, err)
	api.frames <- frame
}

func (api *MockChatAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req types.SendMessageRequest
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	api.mu.Lock()
	api.sends = append(api.sends, RecordedSend{
		ConversationID: mux.Vars(r)["id"],
		Request:        req,
		Authorization:  r.Header.Get("Authorization"),
	})
	api.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status := int(api.failStatus.Load()); status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "unavailable", Message: "mock failure"})
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(types.SendMessageResponse{ID: fmt.Sprintf("srv-%d", api.nextID.Add(1))})
}

func (api *MockChatAPI) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	api.realtime.Add(1)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-api.frames:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (api *MockChatAPI) handleProbe(w http.ResponseWriter, r *http.Request) {
	if api.probeDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestEnvironment wires the full client stack against a MockChatAPI and an
// encrypted SQLite outbox, the way cmd/teamchat does.
type TestEnvironment struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	dbPath  string
	cleanup []func()

	Clock    *clock.Mock
	Logger   *logrus.Logger
	API      *MockChatAPI
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store       *storage.SQLiteStore
	Rows        *reconciler.Reconciler
	Client      *chatapi.Client
	Manager     *queue.Manager
	Monitor     *reachability.Monitor
	Sender      *service.MessageSender
	Coordinator *service.QueueCoordinator
}

// NewTestEnvironment builds the stack. initialOnline selects the startup
// network snapshot.
func NewTestEnvironment(t *testing.T, initialOnline bool) *TestEnvironment {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	env := &TestEnvironment{
		t:        t,
		ctx:      ctx,
		cancel:   cancel,
		dbPath:   filepath.Join(t.TempDir(), "outbox.db"),
		Clock:    clk,
		Logger:   logger,
		API:      NewMockChatAPI(t),
		Registry: prometheus.NewRegistry(),
	}
	env.Metrics = metrics.New(env.Registry)
	t.Cleanup(env.Cleanup)

	env.build(initialOnline)
	return env
}

func (env *TestEnvironment) build(online bool) {
	store, err := storage.NewSQLiteStore(env.dbPath, storage.Options{EncryptionSecret: testEncryptionSecret})
	require.NoError(env.t, err)
	env.Store = store

	breaker := chatapi.NewBreaker(100, 30*time.Second, env.Logger)
	env.Client = chatapi.NewClient(env.API.URL(), "test-token", &http.Client{Timeout: 5 * time.Second}, breaker, env.Logger)
	env.Rows = reconciler.New(env.Clock, env.Logger)
	env.Manager = queue.NewManager(store, env.Client, env.Rows, queue.Options{
		AppName: "teamchat-it",
		Clock:   env.Clock,
		Metrics: env.Metrics,
	}, env.Logger)
	env.Manager.RestoreRows(env.ctx)

	prober := reachability.NewHTTPProber(&http.Client{}, env.API.URL()+"/generate_204", env.API.URL()+"/generate_204", time.Second, env.Metrics, env.Logger)
	initial := reachability.NetState{Type: "none"}
	if online {
		initial = reachability.NetState{Type: "wifi", IsConnected: true}
	}
	env.Monitor = reachability.NewMonitor(initial, prober, reachability.Options{Clock: env.Clock, Metrics: env.Metrics}, env.Logger)

	env.Sender = service.NewMessageSender(testSenderID, env.Monitor, env.Client, env.Manager, env.Rows, env.Clock, env.Metrics, env.Logger)
	env.Coordinator = service.NewQueueCoordinator(env.Manager, env.Monitor, service.NewScheduler("queue", env.Clock, env.Logger), 0, env.Logger)
}

func (env *TestEnvironment) teardown() {
	env.Coordinator.Stop()
	env.Monitor.Stop()
	require.NoError(env.t, env.Store.Close())
}

// StartCoordinator lets connectivity transitions and the periodic tick
// drive the queue.
func (env *TestEnvironment) StartCoordinator() {
	env.Coordinator.Start(env.ctx)
}

// StartRealtime runs a receipt listener until the environment is cleaned up.
func (env *TestEnvironment) StartRealtime() {
	listener := chatapi.NewReceiptListener(
		chatapi.RealtimeURL(env.API.URL()),
		"test-token",
		env.Rows,
		retry.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
		&http.Client{},
		env.Metrics,
		env.Logger,
	)

	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(ctx)
	}()
	env.cleanup = append(env.cleanup, func() {
		cancel()
		<-done
	})
}

// Restart tears the stack down and rebuilds it over the same database file,
// as a process restart would.
func (env *TestEnvironment) Restart(online bool) {
	env.teardown()
	env.build(online)
}

// GoOnline feeds a connected snapshot into the monitor.
func (env *TestEnvironment) GoOnline() {
	env.Monitor.Update(env.ctx, reachability.NetState{Type: "wifi", IsConnected: true})
}

// GoOffline feeds a disconnected snapshot into the monitor.
func (env *TestEnvironment) GoOffline() {
	env.Monitor.Update(env.ctx, reachability.NetState{Type: "none"})
}

// MetricValue returns the first sample of a gauge or counter family, or -1
// when the family has not been exported.
func (env *TestEnvironment) MetricValue(name string) float64 {
	families, err := env.Registry.Gather()
	require.NoError(env.t, err)
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
	}
	return -1
}

func (env *TestEnvironment) Context() context.Context {
	return env.ctx
}

// Cleanup tears down all test resources
func (env *TestEnvironment) Cleanup() {
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
	env.cleanup = nil
	if env.cancel != nil {
		env.cancel()
		env.cancel = nil
		env.teardown()
	}
}
