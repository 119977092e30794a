// Package registry tracks connections to remote peer systems: capability
// discovery, periodic health checking and tool invocation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/logging"
	"fleet-mcp/backend/internal/observability"
	"fleet-mcp/backend/pkg/models"
)

var (
	// ErrDuplicateClient is returned when registering an id that is taken.
	ErrDuplicateClient = errors.New("client already registered")
	// ErrClientNotFound is returned for operations against an unknown id.
	ErrClientNotFound = errors.New("client not found")
	// ErrNotConnected is returned when invoking a tool on a client that is
	// not in the connected state. No network call is made.
	ErrNotConnected = errors.New("client not connected")
	// ErrUnknownTool is returned when the tool name is absent from the
	// client's discovered tool set. No network call is made.
	ErrUnknownTool = errors.New("tool not discovered on client")
)

const defaultCallTimeout = 30 * time.Second

// Config holds construction options for the Registry.
type Config struct {
	Sink        events.Sink            // Optional, defaults to events.Discard
	Logger      *logging.Logger        // Optional
	Metrics     *observability.Metrics // Optional
	CallTimeout time.Duration          // Optional, defaults to 30s
	// DefaultHealthInterval applies to clients registered without their own
	// interval. Zero disables health checking for such clients.
	DefaultHealthInterval time.Duration
}

// Registry tracks registered remote clients in registration order.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	order   []string

	sink                  events.Sink
	logger                *logging.Logger
	metrics               *observability.Metrics
	callTimeout           time.Duration
	defaultHealthInterval time.Duration
}

// New creates a Registry.
func New(cfg Config) *Registry {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}

	return &Registry{
		clients:               make(map[string]*client),
		sink:                  sink,
		logger:                logger.With("registry"),
		metrics:               cfg.Metrics,
		callTimeout:           callTimeout,
		defaultHealthInterval: cfg.DefaultHealthInterval,
	}
}

// AddClient registers a peer and immediately attempts to connect. A failed
// connect leaves the client registered in the error state; the periodic
// health check starts regardless of the connect outcome.
func (r *Registry) AddClient(cfg models.ClientConfig) error {
	if cfg.ID == "" || cfg.BaseURL == "" {
		return fmt.Errorf("client id and base url are required")
	}

	c := &client{
		cfg:   cfg,
		state: models.ClientDisconnected,
		httpc: &http.Client{Timeout: r.callTimeout},
		stop:  make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.clients[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("client %q: %w", cfg.ID, ErrDuplicateClient)
	}
	r.clients[cfg.ID] = c
	r.order = append(r.order, cfg.ID)
	r.mu.Unlock()

	r.logger.Info("client registered: %s (%s)", cfg.ID, cfg.BaseURL)

	interval := cfg.HealthInterval
	if interval == 0 {
		interval = r.defaultHealthInterval
	}
	if interval > 0 {
		go r.healthLoop(c, interval)
	}

	if err := r.connect(c); err != nil {
		r.logger.Warn("initial connect failed for %s: %v", cfg.ID, err)
	}
	return nil
}

// Connect retries connectivity, discovery and the push socket for a
// registered client.
func (r *Registry) Connect(id string) error {
	c, err := r.client(id)
	if err != nil {
		return err
	}
	return r.connect(c)
}

// RemoveClient cancels the health-check timer, closes the push socket and
// deregisters the client.
func (r *Registry) RemoveClient(id string) error {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("client %q: %w", id, ErrClientNotFound)
	}
	delete(r.clients, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	c.shutdown()
	r.logger.Info("client removed: %s", id)
	return nil
}

// Clients returns snapshots of all registered clients in registration order.
func (r *Registry) Clients() []models.ClientSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]models.ClientSnapshot, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.clients[id]; ok {
			snaps = append(snaps, c.snapshot())
		}
	}
	return snaps
}

// Client returns a snapshot of one registered client.
func (r *Registry) Client(id string) (*models.ClientSnapshot, error) {
	c, err := r.client(id)
	if err != nil {
		return nil, err
	}
	snap := c.snapshot()
	return &snap, nil
}

// Connected reports whether the client exists and is in the connected state.
func (r *Registry) Connected(id string) bool {
	c, err := r.client(id)
	if err != nil {
		return false
	}
	return c.connectionState() == models.ClientConnected
}

// ResolveTool returns the first registered connected client advertising the
// tool, in registration order.
func (r *Registry) ResolveTool(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		c, ok := r.clients[id]
		if !ok {
			continue
		}
		if c.connectionState() == models.ClientConnected && c.hasTool(tool) {
			return id, true
		}
	}
	return "", false
}

// InvokeTool issues a timed call against the peer's invoke endpoint. Remote
// failures (including timeouts) are returned inside the result; only the two
// synchronous contract violations (not connected, tool undiscovered) surface
// as errors, without any network call.
func (r *Registry) InvokeTool(ctx context.Context, clientID, tool string, params map[string]interface{}, correlationID string) (*models.InvokeResult, error) {
	c, err := r.client(clientID)
	if err != nil {
		return nil, err
	}

	switch {
	case c.connectionState() != models.ClientConnected:
		return nil, fmt.Errorf("client %q: %w", clientID, ErrNotConnected)
	case !c.hasTool(tool):
		return nil, fmt.Errorf("client %q tool %q: %w", clientID, tool, ErrUnknownTool)
	}

	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	start := time.Now()
	data, invokeErr := c.invoke(ctx, tool, params, correlationID)
	elapsed := time.Since(start)

	result := &models.InvokeResult{
		Success:         invokeErr == nil,
		Data:            data,
		ExecutionTimeMs: elapsed.Milliseconds(),
		CorrelationID:   correlationID,
	}

	r.metrics.RecordInvocation(ctx, clientID, tool, elapsed, invokeErr == nil)

	if invokeErr != nil {
		result.Error = invokeErr.Error()
		r.logger.Warn("tool %s failed on %s: %v", tool, clientID, invokeErr)
		r.sink.Publish(events.New(events.TypeToolError, clientID, "error", map[string]interface{}{
			"tool":              tool,
			"error":             result.Error,
			"correlation_id":    correlationID,
			"execution_time_ms": result.ExecutionTimeMs,
		}))
		return result, nil
	}

	r.sink.Publish(events.New(events.TypeToolInvoked, clientID, "info", map[string]interface{}{
		"tool":              tool,
		"correlation_id":    correlationID,
		"execution_time_ms": result.ExecutionTimeMs,
	}))
	return result, nil
}

// Shutdown removes every client, closing sockets and timers.
func (r *Registry) Shutdown() {
	for _, snap := range r.Clients() {
		if err := r.RemoveClient(snap.ID); err != nil {
			r.logger.Error("shutdown remove failed for %s: %v", snap.ID, err)
		}
	}
}

func (r *Registry) client(id string) (*client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", id, ErrClientNotFound)
	}
	return c, nil
}

// connect probes health, discovers capabilities and opens the push socket.
// Any stage failing leaves the client registered in the error state.
func (r *Registry) connect(c *client) error {
	c.setState(models.ClientConnecting)

	if err := c.probeHealth(); err != nil {
		return r.connectFailed(c, fmt.Errorf("health probe: %w", err))
	}

	// Tool and resource discovery are independent; one failing does not
	// prevent the other from being attempted.
	toolsErr := c.discoverTools()
	resErr := c.discoverResources()
	if toolsErr != nil {
		return r.connectFailed(c, fmt.Errorf("tool discovery: %w", toolsErr))
	}
	if resErr != nil {
		return r.connectFailed(c, fmt.Errorf("resource discovery: %w", resErr))
	}

	if c.cfg.SocketURL != "" {
		if err := r.openSocket(c); err != nil {
			return r.connectFailed(c, fmt.Errorf("push socket: %w", err))
		}
	}

	c.setState(models.ClientConnected)
	snap := c.snapshot()
	r.logger.Info("client connected: %s (%d tools, %d resources)",
		c.cfg.ID, len(snap.Tools), len(snap.Resources))
	r.sink.Publish(events.New(events.TypeClientConnected, c.cfg.ID, "info", map[string]interface{}{
		"tools":     snap.Tools,
		"resources": snap.Resources,
	}))
	return nil
}

func (r *Registry) connectFailed(c *client, err error) error {
	c.setState(models.ClientError)
	r.sink.Publish(events.New(events.TypeClientError, c.cfg.ID, "error", map[string]interface{}{
		"error": err.Error(),
	}))
	return fmt.Errorf("connect client %q: %w", c.cfg.ID, err)
}

// healthLoop re-probes the health endpoints on the configured interval and
// emits a healthCheck event on every tick, healthy or not.
func (r *Registry) healthLoop(c *client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			err := c.probeHealth()
			now := time.Now()

			c.mu.Lock()
			c.lastHealthCheck = &now
			if err != nil && c.state == models.ClientConnected {
				c.state = models.ClientError
			}
			c.mu.Unlock()

			payload := map[string]interface{}{"healthy": err == nil}
			level := "info"
			if err != nil {
				payload["error"] = err.Error()
				level = "error"
			}
			r.sink.Publish(events.New(events.TypeHealthCheck, c.cfg.ID, level, payload))
		}
	}
}
