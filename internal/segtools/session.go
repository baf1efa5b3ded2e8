package segtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/journal"
	"loom/internal/memory"
	"loom/internal/segment"
)

// SessionEndTool handles the mem_session_end MCP tool.
type SessionEndTool struct {
	store        *memory.Store
	orchestrator *segment.Orchestrator
	journal      *journal.Journal
}

// NewSessionEndTool creates a SessionEndTool.
func NewSessionEndTool(store *memory.Store, orchestrator *segment.Orchestrator, jrnl *journal.Journal) *SessionEndTool {
	return &SessionEndTool{store: store, orchestrator: orchestrator, journal: jrnl}
}

// Definition returns the MCP tool definition for mem_session_end.
func (t *SessionEndTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_session_end",
		mcp.WithDescription(
			"Close a coding session: conversations with recorded activity are stashed for "+
				"later resumption, empty ones are completed, and the session summary is "+
				"persisted. All transitions are journaled.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to close"),
		),
		mcp.WithString("summary",
			mcp.Description("Summary of what was accomplished"),
		),
		mcp.WithArray("key_actions",
			mcp.Description("Notable actions taken during the session"),
		),
		mcp.WithArray("files_modified",
			mcp.Description("Files modified during the session"),
		),
	)
}

// Handle processes the mem_session_end tool call.
func (t *SessionEndTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}

	if err := t.orchestrator.OnSessionEnd(sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to close conversations: %v", err)), nil
	}

	params := memory.UpdateSessionParams{
		Summary:       req.GetString("summary", ""),
		KeyActions:    stringListArg(req, "key_actions"),
		FilesModified: stringListArg(req, "files_modified"),
		EndedAt:       memory.Now(),
	}

	err := t.journal.Execute(journal.OpUpdateSession, "sessions", sessionID, params, func() error {
		return t.store.UpdateSession(sessionID, params)
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to end session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %q completed", sessionID)), nil
}
