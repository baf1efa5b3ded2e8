package segtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"loom/internal/conversation"
	"loom/internal/journal"
	"loom/internal/memory"
	"loom/internal/segment"
)

// RecordObservationTool handles the mem_record_observation MCP tool.
type RecordObservationTool struct {
	store         *memory.Store
	conversations *conversation.Store
	orchestrator  *segment.Orchestrator
	journal       *journal.Journal
	log           *zap.Logger
}

// NewRecordObservationTool creates a RecordObservationTool.
func NewRecordObservationTool(
	store *memory.Store,
	conversations *conversation.Store,
	orchestrator *segment.Orchestrator,
	jrnl *journal.Journal,
	log *zap.Logger,
) *RecordObservationTool {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecordObservationTool{
		store:         store,
		conversations: conversations,
		orchestrator:  orchestrator,
		journal:       jrnl,
		log:           log,
	}
}

// Definition returns the MCP tool definition for mem_record_observation.
func (t *RecordObservationTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_record_observation",
		mcp.WithDescription(
			"Record a tool use as an observation in the active conversation. The write is "+
				"journaled: if the process dies mid-write, the observation is recovered on "+
				"the next startup.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session the observation belongs to"),
		),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool that was used"),
		),
		mcp.WithString("input_summary",
			mcp.Description("Short summary of the tool input"),
		),
		mcp.WithString("output_summary",
			mcp.Description("Short summary of the tool output"),
		),
		mcp.WithString("project_path",
			mcp.Description("Absolute path of the project being worked on"),
		),
		mcp.WithString("topic",
			mcp.Description("Topic label to seed a newly created conversation with"),
		),
		mcp.WithArray("files",
			mcp.Description("File paths involved in the tool use"),
		),
		mcp.WithArray("tags",
			mcp.Description("Free-form tags"),
		),
	)
}

// Handle processes the mem_record_observation tool call.
func (t *RecordObservationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	toolName := req.GetString("tool_name", "")

	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if toolName == "" {
		return mcp.NewToolResultError("'tool_name' is required"), nil
	}

	projectPath := req.GetString("project_path", "")

	if err := t.store.CreateSession(sessionID, projectPath); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register session: %v", err)), nil
	}

	conv, err := t.orchestrator.EnsureConversation(sessionID, projectPath, req.GetString("topic", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve conversation: %v", err)), nil
	}

	obs := memory.Observation{
		ID:                memory.NewID(),
		SessionID:         sessionID,
		ConversationID:    conv.ID,
		ToolName:          toolName,
		ToolInputSummary:  req.GetString("input_summary", ""),
		ToolOutputSummary: req.GetString("output_summary", ""),
		ProjectPath:       projectPath,
		FilesInvolved:     stringListArg(req, "files"),
		Tags:              stringListArg(req, "tags"),
		Timestamp:         memory.Now(),
	}

	err = t.journal.Execute(journal.OpInsertObservation, "observations", obs.ID, obs, func() error {
		return t.store.InsertObservation(obs)
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record observation: %v", err)), nil
	}

	if err := t.conversations.IncrementObservationCount(conv.ID); err != nil {
		t.log.Warn("observation count not incremented",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Observation %q recorded in conversation %q", obs.ID, conv.ID)), nil
}
