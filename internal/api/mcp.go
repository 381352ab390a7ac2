package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/taskbot/internal/reminders"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tasks     TaskService
	Reminders ReminderService
}

// NewMCPServer creates an MCP server exposing tasks and reminders.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"taskbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("taskbot tracks tasks as chat topics and schedules reminders for them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_open_tasks",
			mcp.WithDescription("List open tasks, optionally for a single chat."),
			mcp.WithNumber("chat_id", mcp.Description("Chat id to filter by; omit for all chats")),
		),
		mcpListOpenTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Schedule a reminder. Broadcast reminders go to every open task of chat_id at fire time."),
			mcp.WithNumber("chat_id", mcp.Description("Owning chat"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Unique title among active reminders"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message to send"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("one_shot, daily_ranged or daily_open"), mcp.Required()),
			mcp.WithString("target", mcp.Description("broadcast (default) or fixed")),
			mcp.WithNumber("target_chat_id", mcp.Description("Fixed target chat; defaults to chat_id")),
			mcp.WithNumber("target_thread_id", mcp.Description("Fixed target thread; 0 is the chat's default thread")),
			mcp.WithString("time", mcp.Description("HH:MM, or +minutes for one_shot"), mcp.Required()),
			mcp.WithString("start_date", mcp.Description("YYYY-MM-DD, daily_ranged only")),
			mcp.WithString("end_date", mcp.Description("YYYY-MM-DD, daily_ranged only")),
		),
		mcpCreateReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("deactivate_reminder",
			mcp.WithDescription("Deactivate every active reminder with the given title."),
			mcp.WithString("title", mcp.Description("Reminder title"), mcp.Required()),
		),
		mcpDeactivateReminder(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tasks://open",
			"Open Tasks",
			mcp.WithResourceDescription("All open tasks as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOpenTasks(deps),
	)

	return s
}

func mcpListOpenTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatID := int64(req.GetInt("chat_id", 0))
		open, err := deps.Tasks.ListOpen(chatID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		b, err := json.Marshal(toTasks(open))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		at, err := req.RequireString("time")
		if err != nil {
			return mcpError("time is required"), nil
		}

		create := CreateReminderRequest{
			ChatID:         int64(req.GetInt("chat_id", 0)),
			Title:          title,
			Text:           text,
			Kind:           kind,
			Target:         req.GetString("target", ""),
			TargetChatID:   int64(req.GetInt("target_chat_id", 0)),
			TargetThreadID: int64(req.GetInt("target_thread_id", 0)),
			Time:           at,
			StartDate:      req.GetString("start_date", ""),
			EndDate:        req.GetString("end_date", ""),
		}
		rem, err := deps.Reminders.Create(ctx, create.Spec())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create reminder: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Scheduled reminder %q (%s)", rem.Title, rem.ID)), nil
	}
}

func mcpDeactivateReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		n, err := deps.Reminders.Deactivate(title)
		if errors.Is(err, reminders.ErrNotFound) {
			return mcpError(fmt.Sprintf("no active reminder titled %q", title)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to deactivate: %v", err)), nil
		}
		return mcpText(describeDeactivation(title, n)), nil
	}
}

func mcpResourceOpenTasks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		open, err := deps.Tasks.ListOpen(0)
		if err != nil {
			return nil, fmt.Errorf("failed to list open tasks: %w", err)
		}
		b, err := json.Marshal(toTasks(open))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tasks: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
