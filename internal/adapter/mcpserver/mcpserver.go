// Package mcpserver exposes the hub tools (send_message, list_agents,
// get_thread) that oriented sessions use to participate in the message
// broker, over the Model Context Protocol's stdio transport. It serves
// tools to whatever MCP client the interactive session process embeds.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"brokerd/internal/adapter/spool"
	"brokerd/internal/domain"
	"brokerd/internal/usecase/store"
	"brokerd/internal/usecase/thread"
)

// Server wires the hub tools to the broker's shared state and spool.
type Server struct {
	spoolDir string
	store    *store.Store
	tracker  *thread.Tracker
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// New builds a Server and registers its tools. Call ServeStdio to run it.
func New(spoolDir string, st *store.Store, tracker *thread.Tracker, logger *slog.Logger) *Server {
	s := &Server{
		spoolDir: spoolDir,
		store:    st,
		tracker:  tracker,
		logger:   logger,
	}
	s.mcp = server.NewMCPServer(
		"brokerd-hub",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Message hub tools: send_message to reach another agent by id, list_agents to see who is registered, get_thread to inspect a conversation thread."),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(sendMessageTool(), s.handleSendMessage)
	s.mcp.AddTool(listAgentsTool(), s.handleListAgents)
	s.mcp.AddTool(getThreadTool(), s.handleGetThread)
}

// ServeStdio blocks serving the hub tools over stdio until ctx is done or
// the transport closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(func(context.Context) context.Context { return ctx }))
}

func sendMessageTool() mcp.Tool {
	return mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to another agent on the hub. The message is queued and delivered asynchronously."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Your own agent id, as given in your orientation prompt.")),
		mcp.WithString("to", mcp.Required(), mcp.Description("The recipient agent id.")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Message type."), mcp.Enum("task", "question", "context", "completion", "error")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message body.")),
		mcp.WithString("priority", mcp.Description("Delivery priority."), mcp.Enum("low", "normal", "high", "urgent")),
		mcp.WithString("thread_id", mcp.Description("Existing thread id to continue, if any. Omit to start a new thread.")),
	)
}

func (s *Server) handleSendMessage(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	priority := req.GetString("priority", "")
	threadID := req.GetString("thread_id", "")

	msg := domain.Message{
		From:     from,
		To:       to,
		Type:     domain.MessageType(msgType),
		Content:  content,
		Priority: domain.Priority(priority),
		ThreadID: threadID,
	}
	if _, err := spool.Enqueue(s.spoolDir, msg); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("queued message from %s to %s", from, to)), nil
}

func listAgentsTool() mcp.Tool {
	return mcp.NewTool("list_agents",
		mcp.WithDescription("List every agent currently registered on the hub."),
	)
}

func (s *Server) handleListAgents(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := s.store.ListAgents()
	data, err := json.Marshal(agents)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func getThreadTool() mcp.Tool {
	return mcp.NewTool("get_thread",
		mcp.WithDescription("Look up a message thread by id, including its participants and whether it is closed."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("The thread id to look up.")),
	)
}

func (s *Server) handleGetThread(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	th, ok := s.tracker.Get(threadID)
	if !ok {
		return mcp.NewToolResultError("thread not found: " + threadID), nil
	}
	data, err := json.Marshal(th)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
