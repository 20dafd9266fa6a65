package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

// =====================================================
// Test Helpers
// =====================================================

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == want },
		2*time.Second, 5*time.Millisecond, "client never registered")
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(v))
}

func sampleItem(status savequeue.Status) savequeue.Item {
	return savequeue.Item{ID: "item-1", Name: "Milk", Barcode: "4710088", Status: status, Attempts: 1}
}

// =====================================================
// Hub
// =====================================================

func TestHub_broadcastsQueueTransitions(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	listener := hub.Listener()
	listener(savequeue.Event{Item: sampleItem(savequeue.StatusSaving), Previous: savequeue.StatusPending})

	var got Event
	readJSON(t, conn, &got)
	assert.Equal(t, TypeStatusChanged, got.Type)
	assert.Equal(t, "item-1", got.Item.ID)
	assert.Equal(t, savequeue.StatusSaving, got.Item.Status)
	assert.Equal(t, savequeue.StatusPending, got.Previous)
	assert.NotEmpty(t, got.ID)
	assert.NotZero(t, got.Timestamp)
}

func TestHub_failureHandlerBroadcastsAndChains(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	var chained []savequeue.Item
	handler := hub.FailureHandler(func(it savequeue.Item) { chained = append(chained, it) })
	handler(sampleItem(savequeue.StatusFailed))

	var got Event
	readJSON(t, conn, &got)
	assert.Equal(t, TypeItemFailed, got.Type)
	assert.Equal(t, "Milk", got.Item.Name)
	require.Len(t, chained, 1)
	assert.Equal(t, "item-1", chained[0].ID)
}

func TestHub_subscriptionFiltersEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{TypeItemFailed},
	}))
	var ack map[string]interface{}
	readJSON(t, conn, &ack)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Publish(StatusChanged(savequeue.Event{Item: sampleItem(savequeue.StatusSaving)}))
	hub.Publish(ItemFailed(sampleItem(savequeue.StatusFailed)))

	var got Event
	readJSON(t, conn, &got)
	assert.Equal(t, TypeItemFailed, got.Type, "status_changed should have been filtered out")
}

func TestHub_ping(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	var pong map[string]interface{}
	readJSON(t, conn, &pong)
	assert.Equal(t, "pong", pong["action"])
}

func TestHub_multipleClients(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	hub.Publish(ItemFailed(sampleItem(savequeue.StatusFailed)))

	for _, conn := range []*websocket.Conn{a, b} {
		var got Event
		readJSON(t, conn, &got)
		assert.Equal(t, TypeItemFailed, got.Type)
	}
}

func TestHub_disconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_closeIsIdempotentAndPublishAfterCloseIsSafe(t *testing.T) {
	hub := NewHub()
	hub.Close()
	hub.Close()
	hub.Publish(ItemFailed(sampleItem(savequeue.StatusFailed)))
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_publishNeverBlocks(t *testing.T) {
	hub, url := startHub(t)
	dial(t, hub, url, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4*sendBufferSize; i++ {
			hub.Publish(ItemFailed(sampleItem(savequeue.StatusFailed)))
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an unread client")
	}
}

// =====================================================
// Event envelope
// =====================================================

func TestEvent_JSON(t *testing.T) {
	ev := StatusChanged(savequeue.Event{Item: sampleItem(savequeue.StatusPending)})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"type":"save_queue.status_changed"`)
	assert.NotContains(t, s, `"previous"`, "new items carry no previous status")

	other := StatusChanged(savequeue.Event{Item: sampleItem(savequeue.StatusPending)})
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestFailureHandler_nilNext(t *testing.T) {
	sink := &recordingSink{}
	FailureHandler(sink, nil)(sampleItem(savequeue.StatusFailed))
	require.Len(t, sink.events, 1)
	assert.Equal(t, TypeItemFailed, sink.events[0].Type)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}
