package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/hutch/internal/runtime/config"
)

func TestHandleGetQueuesReturnsJSON(t *testing.T) {
	h, broker := newTestHutch(t, func(c *configpkg.Config, _ *Dependencies) {
		c.WebUICORSAllowedOrigins = []string{"*"}
	})
	rec := &recorder{}
	_, err := RegisterHandler(h, HandlerRegistration{Name: "OrderCreated", Concurrency: 2, Handler: rec})
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	broker.inject("hutch", "billing_order_created", amqp.Publishing{Body: []byte("o-1")})
	eventually(t, func() bool { return h.Queues()[0].Stats.MessagesProcessed == 1 }, "delivery was not processed")

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	resp := httptest.NewRecorder()
	h.handleGetQueues(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %s", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be '*', got %s", got)
	}

	var payload []QueueInfo
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	require.Len(t, payload, 1)
	assert.Equal(t, "billing_order_created", payload[0].Queue)
	assert.Equal(t, 2, payload[0].ActiveUnits)
	require.NotNil(t, payload[0].Stats)
	assert.EqualValues(t, 1, payload[0].Stats.MessagesProcessed)
}

func TestHandleGetQueuesCORS(t *testing.T) {
	h, _ := newTestHutch(t, func(c *configpkg.Config, _ *Dependencies) {
		c.WebUICORSAllowedOrigins = []string{"https://ops.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/queues", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	resp := httptest.NewRecorder()
	h.handleGetQueues(resp, req)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "https://OPS.example.com", resp.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp = httptest.NewRecorder()
	h.handleGetQueues(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `[]`, resp.Body.String())
}

func TestHandleGetQueuesRejectsWrites(t *testing.T) {
	h, _ := newTestHutch(t)

	req := httptest.NewRequest(http.MethodPost, "/api/queues", nil)
	resp := httptest.NewRecorder()
	h.handleGetQueues(resp, req)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestRegisterHTTPHandlerSharesPortMux(t *testing.T) {
	h, _ := newTestHutch(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	h.RegisterHTTPHandler(9999, "/a", ok)
	h.RegisterHTTPHandler(9999, "/b", ok)

	h.httpServersMu.Lock()
	defer h.httpServersMu.Unlock()
	require.Len(t, h.httpServers, 1)

	resp := httptest.NewRecorder()
	h.httpServers[9999].ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusTeapot, resp.Code)
}
