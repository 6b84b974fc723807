package chatapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/retry"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receipt struct {
	conversationID string
	serverID       string
	status         models.DeliveryStatus
}

type recordingApplier struct {
	mu       sync.Mutex
	receipts []receipt
}

func (a *recordingApplier) ApplyReceipt(conversationID, serverID string, status models.DeliveryStatus) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts = append(a.receipts, receipt{conversationID, serverID, status})
	return true
}

func (a *recordingApplier) get() []receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]receipt(nil), a.receipts...)
}

func fastBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  100,
	}
}

func TestReceiptListener_AppliesStatusFrames(t *testing.T) {
	frames := []string{
		`{"type":"ping"}`,
		`not json`,
		`{"type":"message.status","payload":{"conversationId":"c1","id":"srv-1","status":"bogus"}}`,
		`{"type":"message.status","payload":{"conversationId":"","id":"srv-1","status":"read"}}`,
		`{"type":"message.status","payload":{"conversationId":"c1","id":"srv-1","status":"delivered"}}`,
		`{"type":"message.status","payload":{"conversationId":"c1","id":"srv-1","status":"read"}}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	applier := &recordingApplier{}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	l := NewReceiptListener(wsURL, "tok", applier, fastBackoff(), nil, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(applier.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []receipt{
		{"c1", "srv-1", models.DeliveryStatusDelivered},
		{"c1", "srv-1", models.DeliveryStatusRead},
	}, applier.get())
}

func TestReceiptListener_Reconnects(t *testing.T) {
	var mu sync.Mutex
	connections := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		frame := `{"type":"message.status","payload":{"conversationId":"c1","id":"srv-` + string(rune('0'+n)) + `","status":"delivered"}}`
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(frame))
		conn.Close(websocket.StatusGoingAway, "restart")
	}))
	defer server.Close()

	applier := &recordingApplier{}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	l := NewReceiptListener(wsURL, "", applier, fastBackoff(), nil, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(applier.get()) >= 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := applier.get()
	assert.Equal(t, "srv-1", got[0].serverID)
	assert.Equal(t, "srv-2", got[1].serverID)
}

func TestReceiptListener_StopsWhileDialFails(t *testing.T) {
	l := NewReceiptListener("ws://127.0.0.1:1/v1/realtime", "", &recordingApplier{}, fastBackoff(), nil, nil, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Run(ctx))
}
