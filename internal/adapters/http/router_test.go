package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Shortgap/internal/adapters/signal"
	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/app/orch"
	"github.com/dkeye/Shortgap/internal/config"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, limiter *signal.RateLimiter) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o, err := orch.New(ctx, orch.Config{
		Identity: core.NewIdentity("self"),
		Probers:  func(*app.Coordinator) []app.Prober { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	cfg := &config.Config{Mode: "test", Secret: "test-secret", StaticPath: t.TempDir()}
	ts := httptest.NewServer(SetupRouter(ctx, cfg, o, nil, limiter))
	t.Cleanup(ts.Close)
	return ts, o
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPartyAPI(t *testing.T) {
	ts, _ := newServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/party")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies(), "session cookie")

	resp = postJSON(t, ts.URL+"/api/party/join", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/party/join", map[string]any{"name": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var party domain.Party
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&party))
	assert.Equal(t, "alice", party.Members["self"].DisplayName)

	resp = postJSON(t, ts.URL+"/api/party/join", map[string]any{"name": "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/party/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/party/transport", map[string]any{"transport": "pigeon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/party/leave", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

type uiClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialUI(t *testing.T, ts *httptest.Server) *uiClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/signal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &uiClient{t: t, ws: ws}
}

func (c *uiClient) send(v any) {
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// next reads until a frame of type typ arrives.
func (c *uiClient) next(typ string) map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m map[string]any
		require.NoError(c.t, c.ws.ReadJSON(&m))
		if m["type"] == typ {
			return m
		}
	}
}

func TestUISocket(t *testing.T) {
	ts, _ := newServer(t, nil)
	c := dialUI(t, ts)

	c.send(map[string]any{"type": "ping"})
	c.next("pong")

	c.send(map[string]any{"type": "send", "content": "early"})
	assert.Equal(t, "not_in_party", c.next("error")["error"])

	c.send(map[string]any{"type": "join", "name": "alice"})
	state := c.next("party_state")
	assert.Equal(t, "self", state["self"])

	c.send(map[string]any{"type": "whoami"})
	who := c.next("whoami")
	assert.Equal(t, "alice", who["name"])

	c.send(map[string]any{"type": "send", "content": "hello"})
	msg := c.next("message")["message"].(map[string]any)
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "alice", msg["author"])

	c.send(map[string]any{"type": "leave"})
	c.next("left")
}

func TestUISocketRateLimit(t *testing.T) {
	ts, _ := newServer(t, signal.NewRateLimiter(nil, 1, time.Hour))
	c := dialUI(t, ts)

	c.send(map[string]any{"type": "leave"})
	assert.Equal(t, "not_in_party", c.next("error")["error"])
	c.send(map[string]any{"type": "leave"})
	assert.Equal(t, "rate_limited", c.next("error")["error"])

	c.send(map[string]any{"type": "ping"})
	c.next("pong")
}
