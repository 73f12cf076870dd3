// Package mcp exposes chat turns and read-only inspection as MCP tools over
// stdio, for agent hosts that drive the ordering flow themselves.
package mcp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/schedule"
	"lunchrun/app/pkg/logger"
	"lunchrun/app/pkg/types"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const channelID = "mcp"

type ConversationReader interface {
	Get(ctx context.Context, id string) (conversation.State, error)
}

type TaskLister interface {
	List(ctx context.Context, status string, limit int) ([]schedule.Task, error)
}

type Server struct {
	agent         types.Agent
	conversations ConversationReader
	tasks         TaskLister
	mcp           *server.MCPServer
}

type turnResult struct {
	ConversationID string        `json:"conversation_id"`
	Reply          string        `json:"reply"`
	Events         []types.Event `json:"events"`
}

type taskList struct {
	Tasks []schedule.Task `json:"tasks"`
}

func New(agent types.Agent, conversations ConversationReader, tasks TaskLister, version string) *Server {
	s := &Server{
		agent:         agent,
		conversations: conversations,
		tasks:         tasks,
		mcp: server.NewMCPServer("lunchrun", version,
			server.WithToolCapabilities(false),
			server.WithInstructions("Plan a group food order: call chat_turn with the user's words and keep passing back the returned conversation_id."),
		),
	}

	s.mcp.AddTool(mcpgo.NewTool("chat_turn",
		mcpgo.WithDescription("Send one user message to the group-order assistant and get its reply events."),
		mcpgo.WithString("message", mcpgo.Required(), mcpgo.Description("What the user said.")),
		mcpgo.WithString("conversation_id", mcpgo.Description("Conversation to continue. Omit to start a new one.")),
	), s.chatTurn)

	s.mcp.AddTool(mcpgo.NewTool("get_conversation",
		mcpgo.WithDescription("Return the collected slots, offered shops, artifact links and message log of a conversation."),
		mcpgo.WithString("conversation_id", mcpgo.Required()),
	), s.getConversation)

	s.mcp.AddTool(mcpgo.NewTool("list_tasks",
		mcpgo.WithDescription("List scheduled tally tasks, newest first."),
		mcpgo.WithString("status", mcpgo.Enum(
			schedule.StatusPending, schedule.StatusInProgress, schedule.StatusExecuted,
			schedule.StatusFailed, schedule.StatusCancelled,
		)),
		mcpgo.WithNumber("limit", mcpgo.DefaultNumber(20), mcpgo.Min(1)),
	), s.listTasks)

	return s
}

// Serve speaks MCP on in/out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(logger.L()))
	logger.L().Info("[MCP] serving on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) chatTurn(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text := strings.TrimSpace(request.GetString("message", ""))
	if text == "" {
		return mcpgo.NewToolResultError("message is required"), nil
	}
	if s.agent == nil {
		return mcpgo.NewToolResultError("assistant is not configured"), nil
	}

	reply, err := s.agent.Process(ctx, types.Message{
		Content:        text,
		Role:           types.MessageRoleUser,
		ChannelID:      channelID,
		ConversationID: strings.TrimSpace(request.GetString("conversation_id", "")),
	})
	if err != nil {
		logger.L().Warn("[MCP] turn failed", zap.String("conversation_id", reply.ConversationID), zap.Error(err))
		return mcpgo.NewToolResultErrorFromErr("turn failed", err), nil
	}
	return mcpgo.NewToolResultJSON(turnResult{
		ConversationID: reply.ConversationID,
		Reply:          reply.Content,
		Events:         reply.Events,
	})
}

func (s *Server) getConversation(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := strings.TrimSpace(request.GetString("conversation_id", ""))
	if id == "" {
		return mcpgo.NewToolResultError("conversation_id is required"), nil
	}
	if s.conversations == nil {
		return mcpgo.NewToolResultError("conversation store unavailable"), nil
	}
	state, err := s.conversations.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return mcpgo.NewToolResultError(fmt.Sprintf("conversation %s not found", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultJSON(state)
}

func (s *Server) listTasks(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.tasks == nil {
		return mcpgo.NewToolResultError("task service unavailable"), nil
	}
	limit := request.GetInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	tasks, err := s.tasks.List(ctx, strings.TrimSpace(request.GetString("status", "")), limit)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultJSON(taskList{Tasks: tasks})
}
