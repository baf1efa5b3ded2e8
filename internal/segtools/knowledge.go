package segtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/journal"
	"loom/internal/memory"
)

// SaveKnowledgeTool handles the mem_save_knowledge MCP tool.
type SaveKnowledgeTool struct {
	store   *memory.Store
	journal *journal.Journal
}

// NewSaveKnowledgeTool creates a SaveKnowledgeTool.
func NewSaveKnowledgeTool(store *memory.Store, jrnl *journal.Journal) *SaveKnowledgeTool {
	return &SaveKnowledgeTool{store: store, journal: jrnl}
}

// Definition returns the MCP tool definition for mem_save_knowledge.
func (t *SaveKnowledgeTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_save_knowledge",
		mcp.WithDescription(
			"Save a distilled insight, decision, or pattern as durable knowledge. The write "+
				"is journaled for crash recovery.",
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Kind of knowledge: insight, decision, pattern, or gotcha"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The knowledge content"),
		),
		mcp.WithString("project_path",
			mcp.Description("Absolute path of the project the knowledge applies to"),
		),
		mcp.WithString("conversation_id",
			mcp.Description("Conversation the knowledge was distilled from"),
		),
		mcp.WithArray("source_observations",
			mcp.Description("IDs of the observations this knowledge was distilled from"),
		),
		mcp.WithArray("tags",
			mcp.Description("Free-form tags"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence in the knowledge, 0 to 1 (default 0.8)"),
		),
	)
}

// Handle processes the mem_save_knowledge tool call.
func (t *SaveKnowledgeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("type", "")
	content := req.GetString("content", "")

	if kind == "" {
		return mcp.NewToolResultError("'type' is required"), nil
	}
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	now := memory.Now()
	k := memory.Knowledge{
		ID:                   memory.NewID(),
		Type:                 kind,
		Content:              content,
		SourceObservationIDs: stringListArg(req, "source_observations"),
		ConversationID:       req.GetString("conversation_id", ""),
		ProjectPath:          req.GetString("project_path", ""),
		Tags:                 stringListArg(req, "tags"),
		Confidence:           floatArg(req, "confidence", 0.8),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := t.journal.Execute(journal.OpInsertKnowledge, "knowledge", k.ID, k, func() error {
		return t.store.InsertKnowledge(k)
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save knowledge: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Knowledge %q saved (%s)", k.ID, kind)), nil
}
