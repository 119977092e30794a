package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-mcp/backend/pkg/models"
)

// Peer wire contract. The request and response shapes here must be preserved
// bit-exact for interoperability with deployed peers.
const (
	pathInvoke            = "/tools/invoke"
	pathTools             = "/tools/list"
	pathToolsFallback     = "/api/tools"
	pathResources         = "/resources/list"
	pathResourcesFallback = "/api/resources"
	pathHealth            = "/health"
	pathHealthFallback    = "/mcp/health"
)

// client is the registry-owned record for one remote peer.
type client struct {
	mu              sync.RWMutex
	cfg             models.ClientConfig
	state           models.ConnectionState
	tools           []string
	toolSet         map[string]struct{}
	resources       []string
	lastHealthCheck *time.Time

	httpc    *http.Client
	socket   *websocket.Conn
	stop     chan struct{}
	stopOnce sync.Once
}

// invokeRequest is the JSON body of POST {base}/tools/invoke.
type invokeRequest struct {
	Tool          string                 `json:"tool"`
	Parameters    map[string]interface{} `json:"parameters"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

func (c *client) connectionState() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *client) setState(s models.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *client) hasTool(tool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.toolSet[tool]
	return ok
}

func (c *client) snapshot() models.ClientSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := models.ClientSnapshot{
		ClientConfig: c.cfg,
		State:        c.state,
	}
	snap.Tools = append([]string(nil), c.tools...)
	snap.Resources = append([]string(nil), c.resources...)
	if c.lastHealthCheck != nil {
		ts := *c.lastHealthCheck
		snap.LastHealthCheck = &ts
	}
	return snap
}

// shutdown stops the health loop and closes the push socket.
func (c *client) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.state = models.ClientDisconnected
	c.mu.Unlock()

	if socket != nil {
		socket.Close()
	}
}

// probeHealth checks the primary health endpoint, falling back to the
// secondary before declaring failure.
func (c *client) probeHealth() error {
	_, err := c.getFirst(pathHealth, pathHealthFallback)
	return err
}

func (c *client) discoverTools() error {
	body, err := c.getFirst(pathTools, pathToolsFallback)
	if err != nil {
		return err
	}

	var listing struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return fmt.Errorf("decode tool listing: %w", err)
	}

	set := make(map[string]struct{}, len(listing.Tools))
	for _, t := range listing.Tools {
		set[t] = struct{}{}
	}

	c.mu.Lock()
	c.tools = listing.Tools
	c.toolSet = set
	c.mu.Unlock()
	return nil
}

func (c *client) discoverResources() error {
	body, err := c.getFirst(pathResources, pathResourcesFallback)
	if err != nil {
		return err
	}

	var listing struct {
		Resources []string `json:"resources"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return fmt.Errorf("decode resource listing: %w", err)
	}

	c.mu.Lock()
	c.resources = listing.Resources
	c.mu.Unlock()
	return nil
}

// invoke issues the timed tool call. The response body is peer-defined and
// treated opaquely.
func (c *client) invoke(ctx context.Context, tool string, params map[string]interface{}, correlationID string) (interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	payload, err := json.Marshal(invokeRequest{
		Tool:          tool,
		Parameters:    params,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathInvoke, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invoke response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("invoke returned status %d: %s", resp.StatusCode, string(body))
	}

	if len(body) == 0 {
		return nil, nil
	}
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		// Non-JSON payloads are passed through as raw text.
		return string(body), nil
	}
	return data, nil
}

func (c *client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// getFirst issues GETs against the given paths in order and returns the body
// of the first 2xx response.
func (c *client) getFirst(paths ...string) ([]byte, error) {
	var lastErr error
	for _, path := range paths {
		body, err := c.get(path)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *client) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}
