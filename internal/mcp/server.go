package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"fleet-mcp/backend/internal/registry"
	"fleet-mcp/backend/internal/supervisor"
	"fleet-mcp/backend/internal/workflow"
	"fleet-mcp/backend/pkg/models"
)

type Server struct {
	mcpServer  *server.MCPServer
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	engine     *workflow.Engine
}

func NewServer(sup *supervisor.Supervisor, reg *registry.Registry, engine *workflow.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Fleet Core",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		supervisor: sup,
		registry:   reg,
		engine:     engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_instance",
			mcp.WithDescription("Start a managed process instance"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The instance ID")),
		),
		s.handleStartInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"stop_instance",
			mcp.WithDescription("Stop a managed process instance"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The instance ID")),
		),
		s.handleStopInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_instance_status",
			mcp.WithDescription("Get the status snapshot of a managed process instance"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The instance ID")),
		),
		s.handleInstanceStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"invoke_tool",
			mcp.WithDescription("Invoke a tool on a registered remote client"),
			mcp.WithString("client_id", mcp.Required(), mcp.Description("The registered client ID")),
			mcp.WithString("tool", mcp.Required(), mcp.Description("The tool name")),
			mcp.WithObject("parameters", mcp.Description("Tool parameters")),
		),
		s.handleInvokeTool,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Execute an ordered list of workflow steps"),
			mcp.WithArray("steps", mcp.Required(), mcp.Description("The workflow steps")),
			mcp.WithBoolean("distributed", mcp.Description("Validate peer connectivity up front and propagate step outputs")),
		),
		s.handleExecuteWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_status",
			mcp.WithDescription("Get the snapshot of a workflow execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleWorkflowStatus,
	)
}

func (s *Server) handleStartInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	if err := s.supervisor.Start(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start instance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Instance %s started", id)), nil
}

func (s *Server) handleStopInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	if err := s.supervisor.Stop(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop instance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Instance %s stopped", id)), nil
}

func (s *Server) handleInstanceStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	snap, err := s.supervisor.Status(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(snap)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleInvokeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	clientID, ok := args["client_id"].(string)
	if !ok || clientID == "" {
		return mcp.NewToolResultError("Missing required parameter: client_id"), nil
	}
	tool, ok := args["tool"].(string)
	if !ok || tool == "" {
		return mcp.NewToolResultError("Missing required parameter: tool"), nil
	}
	params, _ := args["parameters"].(map[string]interface{})

	result, err := s.registry.InvokeTool(ctx, clientID, tool, params, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to invoke tool: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	rawSteps, ok := args["steps"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return mcp.NewToolResultError("Missing required parameter: steps"), nil
	}
	distributed, _ := args["distributed"].(bool)

	steps, err := decodeSteps(rawSteps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid steps: %v", err)), nil
	}

	var id string
	if distributed {
		id, err = s.engine.ExecuteDistributed(steps)
	} else {
		id, err = s.engine.Execute(steps)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute workflow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(`{"execution_id":%q}`, id)), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	snap, err := s.engine.Status(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(snap)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func decodeSteps(rawSteps []interface{}) ([]models.Step, error) {
	steps := make([]models.Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d is not an object", i)
		}

		step := models.Step{Target: models.ResolvedTarget()}
		step.Name, _ = entry["name"].(string)
		step.Tool, _ = entry["tool"].(string)
		if step.Name == "" || step.Tool == "" {
			return nil, fmt.Errorf("step %d needs a name and a tool", i)
		}
		if clientID, ok := entry["client_id"].(string); ok && clientID != "" {
			step.Target = models.ExplicitTarget(clientID)
		}
		step.Parameters, _ = entry["parameters"].(map[string]interface{})
		if deps, ok := entry["depends_on"].([]interface{}); ok {
			for _, d := range deps {
				if name, ok := d.(string); ok {
					step.DependsOn = append(step.DependsOn, name)
				}
			}
		}
		step.OutputTo, _ = entry["output_to"].(string)
		steps = append(steps, step)
	}
	return steps, nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
