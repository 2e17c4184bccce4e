// Package mcp exposes agent lifecycle and conversation operations as
// Model Context Protocol tools, and forwards bridged events to MCP
// clients as notifications.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hollis-dev/agentbridge/internal/agent"
	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/health"
	"github.com/hollis-dev/agentbridge/internal/journal"
	"github.com/hollis-dev/agentbridge/internal/logging"
)

// Server wraps the MCP server with the bridge's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	sup       *agent.Supervisor
	api       *apiclient.Client
	healthMon *health.Monitor
	journal   *journal.Journal
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
// journal may be nil when journalling is disabled.
func New(sup *agent.Supervisor, api *apiclient.Client, healthMon *health.Monitor, j *journal.Journal, version string) *Server {
	s := &Server{
		sup:       sup,
		api:       api,
		healthMon: healthMon,
		journal:   j,
		logger:    logging.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentbridge",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio runs the server over stdio until the client disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("detect_agents",
			mcplib.WithDescription("Probe every known coding agent: installed, version, running state"),
		),
		s.handleDetectAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("agent_status",
			mcplib.WithDescription("Fresh status snapshot for one agent"),
			mcplib.WithString("agent", mcplib.Description("Agent type: claude, goose, aider, codex, custom"), mcplib.Required()),
		),
		s.handleAgentStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("install_agent",
			mcplib.WithDescription("Run the configured installer for an agent"),
			mcplib.WithString("agent", mcplib.Description("Agent type to install"), mcplib.Required()),
		),
		s.handleInstallAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("start_agent",
			mcplib.WithDescription("Start the agentapi server for an agent; idempotent when already running"),
			mcplib.WithString("agent", mcplib.Description("Agent type to start"), mcplib.Required()),
		),
		s.handleStartAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("stop_agent",
			mcplib.WithDescription("Stop an agent's server; stopping a stopped agent is a no-op"),
			mcplib.WithString("agent", mcplib.Description("Agent type to stop"), mcplib.Required()),
		),
		s.handleStopAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("restart_agent",
			mcplib.WithDescription("Stop then start an agent"),
			mcplib.WithString("agent", mcplib.Description("Agent type to restart"), mcplib.Required()),
		),
		s.handleRestartAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("switch_agent",
			mcplib.WithDescription("Make another agent the active one behind the server"),
			mcplib.WithString("agent", mcplib.Description("Target agent type"), mcplib.Required()),
		),
		s.handleSwitchAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("send_message",
			mcplib.WithDescription("Send a message to the active agent"),
			mcplib.WithString("content", mcplib.Description("Message text"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Message type: user (default) or raw")),
		),
		s.handleSendMessage,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_messages",
			mcplib.WithDescription("Fetch the active agent's conversation history"),
		),
		s.handleGetMessages,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_operations",
			mcplib.WithDescription("Recent lifecycle operations with status, timing and errors"),
		),
		s.handleListOperations,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("health",
			mcplib.WithDescription("Composite health: API reachability, agent state, bridge uptime"),
		),
		s.handleHealth,
	)

	if s.journal != nil {
		s.mcpServer.AddTool(
			mcplib.NewTool("recent_events",
				mcplib.WithDescription("Read recently dispatched events from the journal"),
				mcplib.WithNumber("limit", mcplib.Description("Max entries to return (default 50)")),
			),
			s.handleRecentEvents,
		)
	}
}

// intArg extracts an integer argument, falling back when the key is
// missing or not a number (JSON numbers arrive as float64).
func intArg(req mcplib.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func parseAgentArg(req mcplib.CallToolRequest) (config.AgentType, error) {
	raw, err := req.RequireString("agent")
	if err != nil {
		return "", err
	}
	return config.ParseAgentType(raw)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcplib.NewToolResultText(string(b)), nil
}

func (s *Server) handleDetectAgents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	infos, err := s.sup.DetectAll(ctx)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(infos)
}

func (s *Server) handleAgentStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	info, err := s.sup.GetStatus(ctx, t)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) handleInstallAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if err := s.sup.Install(ctx, t); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("%s installed", t)), nil
}

func (s *Server) handleStartAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	info, err := s.sup.Start(ctx, t)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) handleStopAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	info, err := s.sup.Stop(ctx, t)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) handleRestartAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	info, err := s.sup.Restart(ctx, t)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) handleSwitchAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := parseAgentArg(req)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	info, err := s.sup.SwitchTo(ctx, t)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	msgType := req.GetString("type", apiclient.MessageTypeUser)
	if err := s.api.SendMessage(ctx, content, msgType); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return mcplib.NewToolResultText("message sent"), nil
}

func (s *Server) handleGetMessages(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	msgs, err := s.api.Messages(ctx)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(msgs)
}

func (s *Server) handleListOperations(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.sup.Operations())
}

func (s *Server) handleHealth(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.healthMon.CheckNow(ctx))
}

func (s *Server) handleRecentEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := intArg(req, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.journal.Recent(ctx, limit)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}
