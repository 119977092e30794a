package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/pkg/models"
)

// socketPeer is an httptest-backed peer with a /ws push endpoint alongside
// the regular wire contract.
type socketPeer struct {
	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	auths    []string
	srv      *httptest.Server
}

func newSocketPeer(tools []string) *socketPeer {
	p := &socketPeer{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/tools/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"tools": tools})
	})
	mux.HandleFunc("/resources/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"resources": []string{}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.accepted++
		p.auths = append(p.auths, auth)
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		conn.Close()

		p.mu.Lock()
		for i, c := range p.conns {
			if c == conn {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	})

	p.srv = httptest.NewServer(mux)
	return p
}

func (p *socketPeer) socketURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws"
}

func (p *socketPeer) liveConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *socketPeer) acceptedConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// broadcast writes the payload to every live connection.
func (p *socketPeer) broadcast(payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.WriteMessage(websocket.TextMessage, []byte(payload))
	}
}

func TestPushSocketForwardsMessages(t *testing.T) {
	peer := newSocketPeer([]string{"ping"})
	defer peer.srv.Close()

	sink := &eventRecorder{}
	reg := New(Config{Sink: sink})
	require.NoError(t, reg.AddClient(models.ClientConfig{
		ID:        "peer-1",
		BaseURL:   peer.srv.URL,
		SocketURL: peer.socketURL(),
		Token:     "s3cret",
	}))
	defer reg.RemoveClient("peer-1")

	require.True(t, reg.Connected("peer-1"))
	require.Eventually(t, func() bool { return peer.liveConns() == 1 },
		3*time.Second, 10*time.Millisecond)

	peer.broadcast(`{"kind":"notify"}`)
	require.Eventually(t, func() bool { return sink.count(events.TypeSocketMessage) == 1 },
		3*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	var got events.Event
	for _, e := range sink.events {
		if e.Type == events.TypeSocketMessage {
			got = e
		}
	}
	sink.mu.Unlock()
	assert.Equal(t, "peer-1", got.Source)
	message, ok := got.Payload["message"].(map[string]interface{})
	require.True(t, ok, "JSON payloads are decoded")
	assert.Equal(t, "notify", message["kind"])

	// The dial carries the bearer token.
	peer.mu.Lock()
	auths := append([]string(nil), peer.auths...)
	peer.mu.Unlock()
	require.NotEmpty(t, auths)
	assert.Equal(t, "Bearer s3cret", auths[0])
}

func TestReconnectReplacesPushSocket(t *testing.T) {
	peer := newSocketPeer([]string{"ping"})
	defer peer.srv.Close()

	sink := &eventRecorder{}
	reg := New(Config{Sink: sink})
	require.NoError(t, reg.AddClient(models.ClientConfig{
		ID:        "peer-1",
		BaseURL:   peer.srv.URL,
		SocketURL: peer.socketURL(),
	}))
	defer reg.RemoveClient("peer-1")

	require.Eventually(t, func() bool { return peer.liveConns() == 1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Connect("peer-1"))

	// The reconnect dials a second socket and tears down the first.
	require.Eventually(t, func() bool {
		return peer.acceptedConns() == 2 && peer.liveConns() == 1
	}, 3*time.Second, 10*time.Millisecond)

	peer.broadcast(`{"seq":1}`)
	require.Eventually(t, func() bool { return sink.count(events.TypeSocketMessage) >= 1 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count(events.TypeSocketMessage),
		"one inbound message yields one event")
}

func TestRemoveClientClosesPushSocket(t *testing.T) {
	peer := newSocketPeer([]string{"ping"})
	defer peer.srv.Close()

	reg := New(Config{})
	require.NoError(t, reg.AddClient(models.ClientConfig{
		ID:        "peer-1",
		BaseURL:   peer.srv.URL,
		SocketURL: peer.socketURL(),
	}))
	require.Eventually(t, func() bool { return peer.liveConns() == 1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.RemoveClient("peer-1"))
	assert.Eventually(t, func() bool { return peer.liveConns() == 0 },
		3*time.Second, 10*time.Millisecond)
}
