package segtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/conversation"
	"loom/internal/segment"
)

// ResumeConversationTool handles the mem_resume_conversation MCP tool.
type ResumeConversationTool struct {
	orchestrator  *segment.Orchestrator
	conversations *conversation.Store
}

// NewResumeConversationTool creates a ResumeConversationTool.
func NewResumeConversationTool(orchestrator *segment.Orchestrator, conversations *conversation.Store) *ResumeConversationTool {
	return &ResumeConversationTool{orchestrator: orchestrator, conversations: conversations}
}

// Definition returns the MCP tool definition for mem_resume_conversation.
func (t *ResumeConversationTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_resume_conversation",
		mcp.WithDescription(
			"Resume a stashed conversation, making it active again. Without a "+
				"conversation_id, lists stashed conversations for the project instead. "+
				"A resume shortly after the stash feeds back into the adaptive thresholds.",
		),
		mcp.WithString("conversation_id",
			mcp.Description("Stashed conversation to resume"),
		),
		mcp.WithString("project_path",
			mcp.Description("Project to list stashed conversations for (when no conversation_id)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum conversations to list (default 20)"),
		),
	)
}

// Handle processes the mem_resume_conversation tool call.
func (t *ResumeConversationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID := req.GetString("conversation_id", "")

	if conversationID == "" {
		return t.list(req)
	}

	result, err := t.orchestrator.OnResume(conversationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resume conversation: %v", err)), nil
	}

	msg := fmt.Sprintf("Conversation %q resumed (topic: %s)",
		result.Conversation.ID, labelOrNone(derefStr(result.Conversation.Topic)))
	if result.FalsePositive {
		msg += ". The stash was recent; treating it as a false positive and raising the auto-stash threshold."
	}
	return mcp.NewToolResultText(msg), nil
}

func (t *ResumeConversationTool) list(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectPath := req.GetString("project_path", "")
	if projectPath == "" {
		return mcp.NewToolResultError("'conversation_id' or 'project_path' is required"), nil
	}

	limit := intArg(req, "limit", 20)
	stashed, err := t.conversations.ListStashed(projectPath, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list stashed conversations: %v", err)), nil
	}
	if len(stashed) == 0 {
		return mcp.NewToolResultText("No stashed conversations for this project."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Stashed Conversations (%d)\n\n", len(stashed)))
	for _, c := range stashed {
		sb.WriteString(fmt.Sprintf("- %s — topic: %s, stashed: %s, observations: %d\n",
			c.ID, labelOrNone(derefStr(c.Topic)), derefStr(c.StashedAt), c.ObservationCount))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
