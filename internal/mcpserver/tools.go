package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	// List Agents tool
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all agents in the organization. Use this to get agent IDs for task assignment."),
		),
		listAgentsHandler(cfg, log),
	)

	// List Boards tool
	s.AddTool(
		mcp.NewTool("list_boards",
			mcp.WithDescription("List task boards. Use this to get board IDs for task operations."),
			mcp.WithString("owner",
				mcp.Description("Only return boards owned by this agent ID (optional)"),
			),
		),
		listBoardsHandler(cfg, log),
	)

	// List Tasks tool
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks, optionally filtered by board, assignee, or status"),
			mcp.WithString("board_id",
				mcp.Description("Only return tasks on this board (optional)"),
			),
			mcp.WithString("assignee",
				mcp.Description("Only return tasks assigned to this agent ID (optional)"),
			),
			mcp.WithString("status",
				mcp.Description("Only return tasks in this status: todo, doing, pending, blocked, done (optional)"),
			),
		),
		listTasksHandler(cfg, log),
	)

	// Get Task tool
	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a single task with its blockers, artifacts, and worklog"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID"),
			),
		),
		getTaskHandler(cfg, log),
	)

	// Create Task tool
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task. Managers may omit board_id to use their default board. The assignee must be you or one of your direct reports."),
			mcp.WithString("actor",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The task title"),
			),
			mcp.WithString("board_id",
				mcp.Description("The board ID (optional for managers)"),
			),
			mcp.WithString("description",
				mcp.Description("The task description (optional)"),
			),
			mcp.WithString("project",
				mcp.Description("The project path (optional)"),
			),
			mcp.WithString("assigned_to",
				mcp.Description("Agent ID to assign the task to; defaults to you (optional)"),
			),
		),
		createTaskHandler(cfg, log),
	)

	// Update Task Status tool
	s.AddTool(
		mcp.NewTool("update_task_status",
			mcp.WithDescription("Move a task you are assigned to into a new status. Moving to blocked or pending requires a reason."),
			mcp.WithString("actor",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to update"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("New status: todo, doing, pending, blocked, done"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the task is blocked or pending (required for those statuses)"),
			),
		),
		updateTaskStatusHandler(cfg, log),
	)

	// Note tools share one handler factory; they differ only in endpoint
	s.AddTool(
		mcp.NewTool("add_blocker",
			mcp.WithDescription("Record a blocker on a task you are assigned to"),
			mcp.WithString("actor", mcp.Required(), mcp.Description("Your agent ID")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("content", mcp.Required(), mcp.Description("What is blocking the task")),
		),
		addTaskNoteHandler(cfg, log, "blockers"),
	)
	s.AddTool(
		mcp.NewTool("add_artifact",
			mcp.WithDescription("Attach an artifact reference (file path, URL, commit) to a task you are assigned to"),
			mcp.WithString("actor", mcp.Required(), mcp.Description("Your agent ID")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The artifact reference")),
		),
		addTaskNoteHandler(cfg, log, "artifacts"),
	)
	s.AddTool(
		mcp.NewTool("add_worklog",
			mcp.WithDescription("Append a progress note to the worklog of a task you are assigned to"),
			mcp.WithString("actor", mcp.Required(), mcp.Description("Your agent ID")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The progress note")),
		),
		addTaskNoteHandler(cfg, log, "worklog"),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

func listAgentsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return fetchJSON(ctx, log, fmt.Sprintf("%s/api/v1/agents", cfg.OpenGoatURL), "agents")
	}
}

func listBoardsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		u := fmt.Sprintf("%s/api/v1/boards", cfg.OpenGoatURL)
		if owner := req.GetString("owner", ""); owner != "" {
			u += "?owner=" + url.QueryEscape(owner)
		}
		return fetchJSON(ctx, log, u, "boards")
	}
}

func listTasksHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := url.Values{}
		if v := req.GetString("board_id", ""); v != "" {
			query.Set("board_id", v)
		}
		if v := req.GetString("assignee", ""); v != "" {
			query.Set("assignee", v)
		}
		if v := req.GetString("status", ""); v != "" {
			query.Set("status", v)
		}
		u := fmt.Sprintf("%s/api/v1/tasks", cfg.OpenGoatURL)
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		return fetchJSON(ctx, log, u, "tasks")
	}
}

func getTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		u := fmt.Sprintf("%s/api/v1/tasks/%s", cfg.OpenGoatURL, url.PathEscape(taskID))
		return fetchJSON(ctx, log, u, "task")
	}
}

func createTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, err := req.RequireString("actor")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"actor": actor,
			"title": title,
		}
		if v := req.GetString("board_id", ""); v != "" {
			payload["board_id"] = v
		}
		if v := req.GetString("description", ""); v != "" {
			payload["description"] = v
		}
		if v := req.GetString("project", ""); v != "" {
			payload["project"] = v
		}
		if v := req.GetString("assigned_to", ""); v != "" {
			payload["assigned_to"] = v
		}

		u := fmt.Sprintf("%s/api/v1/tasks", cfg.OpenGoatURL)
		return sendJSON(ctx, log, http.MethodPost, u, payload, "create task")
	}
}

func updateTaskStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, err := req.RequireString("actor")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"actor":  actor,
			"status": status,
		}
		if v := req.GetString("reason", ""); v != "" {
			payload["reason"] = v
		}

		u := fmt.Sprintf("%s/api/v1/tasks/%s/status", cfg.OpenGoatURL, url.PathEscape(taskID))
		return sendJSON(ctx, log, http.MethodPut, u, payload, "update task status")
	}
}

func addTaskNoteHandler(cfg Config, log *logger.Logger, kind string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, err := req.RequireString("actor")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"actor":   actor,
			"content": content,
		}
		u := fmt.Sprintf("%s/api/v1/tasks/%s/%s", cfg.OpenGoatURL, url.PathEscape(taskID), kind)
		return sendJSON(ctx, log, http.MethodPost, u, payload, "add "+kind)
	}
}

func fetchJSON(ctx context.Context, log *logger.Logger, url, what string) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("failed to fetch "+what, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch %s: %v", what, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func sendJSON(ctx context.Context, log *logger.Logger, method, url string, payload map[string]interface{}, what string) (*mcp.CallToolResult, error) {
	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("failed to "+what, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", what, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	// Mutations that succeed with no body return 204
	if resp.StatusCode == http.StatusNoContent {
		return mcp.NewToolResultText("ok"), nil
	}

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}
