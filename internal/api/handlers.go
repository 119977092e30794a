// Package api contains the HTTP handlers for the fleet core REST surface.
// It contains no core logic; it adapts requests onto the supervisor, the
// client registry and the workflow engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/registry"
	"fleet-mcp/backend/internal/repository"
	"fleet-mcp/backend/internal/supervisor"
	"fleet-mcp/backend/internal/workflow"
	"fleet-mcp/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Supervisor *supervisor.Supervisor
	Registry   *registry.Registry
	Engine     *workflow.Engine
	Bus        *events.Bus
	Store      repository.EventStore // optional
}

// NewServer creates a new Server.
func NewServer(sup *supervisor.Supervisor, reg *registry.Registry, engine *workflow.Engine, bus *events.Bus, store repository.EventStore) *Server {
	return &Server{
		Supervisor: sup,
		Registry:   reg,
		Engine:     engine,
		Bus:        bus,
		Store:      store,
	}
}

// RegisterRoutes mounts all REST routes on the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/health", s.HandleHealth)

	g.POST("/instances", s.AddInstance)
	g.GET("/instances", s.ListInstances)
	g.GET("/instances/:id", s.GetInstance)
	g.DELETE("/instances/:id", s.RemoveInstance)
	g.POST("/instances/:id/start", s.StartInstance)
	g.POST("/instances/:id/stop", s.StopInstance)
	g.POST("/instances/:id/restart", s.RestartInstance)
	g.GET("/instances/:id/logs", s.GetInstanceLogs)

	g.POST("/clients", s.AddClient)
	g.GET("/clients", s.ListClients)
	g.DELETE("/clients/:id", s.RemoveClient)
	g.POST("/clients/:id/connect", s.ConnectClient)
	g.POST("/clients/:id/invoke", s.InvokeTool)

	g.POST("/workflows/execute", s.ExecuteWorkflow)
	g.POST("/workflows/execute-distributed", s.ExecuteDistributedWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)

	g.GET("/events", s.StreamEvents)
	g.GET("/events/recent", s.RecentEvents)
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "fleet-mcp",
		"version":   "1.0.0",
		"timestamp": time.Now(),
	})
}

// AddInstance registers a new managed process instance
// (POST /api/v1/instances)
func (s *Server) AddInstance(c echo.Context) error {
	var cfg models.ProcessConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := s.Supervisor.Add(cfg); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cfg)
}

// ListInstances returns snapshots of all managed instances
// (GET /api/v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Supervisor.Instances())
}

// GetInstance returns a snapshot of one managed instance
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	snap, err := s.Supervisor.Status(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// RemoveInstance stops and deregisters an instance
// (DELETE /api/v1/instances/:id)
func (s *Server) RemoveInstance(c echo.Context) error {
	if err := s.Supervisor.Remove(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StartInstance spawns the instance's configured command
// (POST /api/v1/instances/:id/start)
func (s *Server) StartInstance(c echo.Context) error {
	if err := s.Supervisor.Start(c.Param("id")); err != nil {
		return httpError(err)
	}
	return s.GetInstance(c)
}

// StopInstance terminates the instance's process
// (POST /api/v1/instances/:id/stop)
func (s *Server) StopInstance(c echo.Context) error {
	if err := s.Supervisor.Stop(c.Param("id")); err != nil {
		return httpError(err)
	}
	return s.GetInstance(c)
}

// RestartInstance stops then starts the instance
// (POST /api/v1/instances/:id/restart)
func (s *Server) RestartInstance(c echo.Context) error {
	if err := s.Supervisor.Restart(c.Param("id")); err != nil {
		return httpError(err)
	}
	return s.GetInstance(c)
}

// GetInstanceLogs returns the buffered output lines of an instance
// (GET /api/v1/instances/:id/logs)
func (s *Server) GetInstanceLogs(c echo.Context) error {
	lines, err := s.Supervisor.Logs(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lines)
}

// clientRequest is the registration payload for a remote client.
type clientRequest struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Type                  string   `json:"type"`
	BaseURL               string   `json:"base_url"`
	SocketURL             string   `json:"socket_url"`
	Token                 string   `json:"token"`
	Capabilities          []string `json:"capabilities"`
	HealthIntervalSeconds int      `json:"health_interval_seconds"`
}

// AddClient registers a remote client and attempts to connect
// (POST /api/v1/clients)
func (s *Server) AddClient(c echo.Context) error {
	var req clientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	cfg := models.ClientConfig{
		ID:             req.ID,
		Name:           req.Name,
		Type:           req.Type,
		BaseURL:        req.BaseURL,
		SocketURL:      req.SocketURL,
		Token:          req.Token,
		Capabilities:   req.Capabilities,
		HealthInterval: time.Duration(req.HealthIntervalSeconds) * time.Second,
	}
	if err := s.Registry.AddClient(cfg); err != nil {
		return httpError(err)
	}

	snap, err := s.Registry.Client(cfg.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, snap)
}

// ListClients returns snapshots of all registered clients
// (GET /api/v1/clients)
func (s *Server) ListClients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Registry.Clients())
}

// RemoveClient deregisters a client, closing its socket and timers
// (DELETE /api/v1/clients/:id)
func (s *Server) RemoveClient(c echo.Context) error {
	if err := s.Registry.RemoveClient(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ConnectClient retries connectivity and capability discovery
// (POST /api/v1/clients/:id/connect)
func (s *Server) ConnectClient(c echo.Context) error {
	if err := s.Registry.Connect(c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			return httpError(err)
		}
		// Connectivity failures leave the client registered; report the state.
	}
	snap, err := s.Registry.Client(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// invokeRequest is the payload for a direct tool invocation.
type invokeRequest struct {
	Tool          string                 `json:"tool"`
	Parameters    map[string]interface{} `json:"parameters"`
	CorrelationID string                 `json:"correlation_id"`
}

// InvokeTool invokes a tool on a registered client
// (POST /api/v1/clients/:id/invoke)
func (s *Server) InvokeTool(c echo.Context) error {
	var req invokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Registry.InvokeTool(c.Request().Context(), c.Param("id"), req.Tool, req.Parameters, req.CorrelationID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// stepRequest is the wire form of one workflow step.
type stepRequest struct {
	Name       string                 `json:"name"`
	ClientID   string                 `json:"client_id"`
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	DependsOn  []string               `json:"depends_on"`
	OutputTo   string                 `json:"output_to"`
}

// workflowRequest is the payload for workflow submission.
type workflowRequest struct {
	Steps []stepRequest `json:"steps"`
}

func (r workflowRequest) toSteps() []models.Step {
	steps := make([]models.Step, 0, len(r.Steps))
	for _, sr := range r.Steps {
		target := models.ResolvedTarget()
		if sr.ClientID != "" {
			target = models.ExplicitTarget(sr.ClientID)
		}
		steps = append(steps, models.Step{
			Name:       sr.Name,
			Target:     target,
			Tool:       sr.Tool,
			Parameters: sr.Parameters,
			DependsOn:  sr.DependsOn,
			OutputTo:   sr.OutputTo,
		})
	}
	return steps
}

// ExecuteWorkflow submits a workflow for sequential execution
// (POST /api/v1/workflows/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	id, err := s.Engine.Execute(req.toSteps())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"execution_id": id})
}

// ExecuteDistributedWorkflow submits a workflow with peer pre-flight
// validation and dependency propagation
// (POST /api/v1/workflows/execute-distributed)
func (s *Server) ExecuteDistributedWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	id, err := s.Engine.ExecuteDistributed(req.toSteps())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"execution_id": id})
}

// ListWorkflows returns snapshots of all workflow executions
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Engine.Executions())
}

// GetWorkflow returns the snapshot of one workflow execution
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	snap, err := s.Engine.Status(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// StreamEvents streams core events as server-sent events
// (GET /api/v1/events)
func (s *Server) StreamEvents(c echo.Context) error {
	if s.Bus == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming not configured")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, cancel := s.Bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}
	}
}

// RecentEvents returns the most recently persisted events
// (GET /api/v1/events/recent)
func (s *Server) RecentEvents(c echo.Context) error {
	if s.Store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event persistence not configured")
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid limit")
		}
		limit = parsed
	}

	recent, err := s.Store.RecentEvents(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, recent)
}

// httpError maps core sentinel errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, supervisor.ErrInstanceNotFound),
		errors.Is(err, registry.ErrClientNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrDuplicateInstance),
		errors.Is(err, registry.ErrDuplicateClient),
		errors.Is(err, supervisor.ErrAlreadyRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotConnected),
		errors.Is(err, workflow.ErrPeerUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, registry.ErrUnknownTool),
		errors.Is(err, workflow.ErrNoSteps):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
