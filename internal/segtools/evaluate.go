package segtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/segment"
)

// EvaluateActivityTool handles the mem_evaluate_activity MCP tool.
type EvaluateActivityTool struct {
	orchestrator *segment.Orchestrator
}

// NewEvaluateActivityTool creates an EvaluateActivityTool.
func NewEvaluateActivityTool(orchestrator *segment.Orchestrator) *EvaluateActivityTool {
	return &EvaluateActivityTool{orchestrator: orchestrator}
}

// Definition returns the MCP tool definition for mem_evaluate_activity.
func (t *EvaluateActivityTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_evaluate_activity",
		mcp.WithDescription(
			"Evaluate whether new activity belongs to the current conversation or marks a "+
				"topic shift. Returns ignore, ask (with a suggestion to surface), or trust "+
				"(the conversation was stashed and a fresh one started automatically).",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session the activity belongs to"),
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the project being worked on"),
		),
		mcp.WithString("activity",
			mcp.Required(),
			mcp.Description("Text of the new activity: prompt, tool input, or summary"),
		),
		mcp.WithString("project",
			mcp.Description("Project identifier for adaptive thresholds (default: project_path)"),
		),
		mcp.WithString("topic",
			mcp.Description("Topic label to seed a newly created conversation with"),
		),
	)
}

// Handle processes the mem_evaluate_activity tool call.
func (t *EvaluateActivityTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	projectPath := req.GetString("project_path", "")
	activity := req.GetString("activity", "")

	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if projectPath == "" {
		return mcp.NewToolResultError("'project_path' is required"), nil
	}
	if activity == "" {
		return mcp.NewToolResultError("'activity' is required"), nil
	}

	projectID := req.GetString("project", projectPath)
	topic := req.GetString("topic", "")

	eval, err := t.orchestrator.EvaluateActivity(sessionID, projectPath, projectID, topic, activity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to evaluate activity: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Activity Evaluation\n\n- **Action**: %s\n- **Score**: %.2f\n",
		eval.Action, eval.Score))
	sb.WriteString(fmt.Sprintf("- **Conversation**: %s\n", eval.Conversation.ID))

	switch eval.Action {
	case segment.ActionTrust:
		sb.WriteString(fmt.Sprintf("- **Stashed into topic**: %s\n", labelOrNone(eval.InferredTopic)))
		sb.WriteString("\nA new conversation was started automatically.\n")
	case segment.ActionAsk:
		sb.WriteString(fmt.Sprintf("\n> %s\n\nIf the user agrees, call mem_accept_stash with conversation_id %q.\n",
			eval.Suggestion, eval.Conversation.ID))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// ─── AcceptStashTool ────────────────────────────────────────────────────────

// AcceptStashTool handles the mem_accept_stash MCP tool.
type AcceptStashTool struct {
	orchestrator *segment.Orchestrator
}

// NewAcceptStashTool creates an AcceptStashTool.
func NewAcceptStashTool(orchestrator *segment.Orchestrator) *AcceptStashTool {
	return &AcceptStashTool{orchestrator: orchestrator}
}

// Definition returns the MCP tool definition for mem_accept_stash.
func (t *AcceptStashTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_accept_stash",
		mcp.WithDescription(
			"Apply a stash suggestion the user accepted: the conversation is stashed and a "+
				"fresh one started. Only call after mem_evaluate_activity returned 'ask' and "+
				"the user agreed.",
		),
		mcp.WithString("conversation_id",
			mcp.Required(),
			mcp.Description("Conversation to stash"),
		),
		mcp.WithString("topic",
			mcp.Description("Topic label for the new conversation"),
		),
		mcp.WithString("project",
			mcp.Description("Project identifier for adaptive thresholds (default: the conversation's project path)"),
		),
	)
}

// Handle processes the mem_accept_stash tool call.
func (t *AcceptStashTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID := req.GetString("conversation_id", "")
	if conversationID == "" {
		return mcp.NewToolResultError("'conversation_id' is required"), nil
	}

	topic := req.GetString("topic", "")
	projectID := req.GetString("project", "")

	successor, err := t.orchestrator.AcceptSuggestion(conversationID, projectID, topic)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to apply stash: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Conversation %q stashed. New conversation %q is active (topic: %s).",
		conversationID, successor.ID, labelOrNone(topic))), nil
}

func labelOrNone(label string) string {
	if label == "" {
		return "(none)"
	}
	return label
}
