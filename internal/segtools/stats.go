package segtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/journal"
	"loom/internal/memory"
)

// StatsTool handles the mem_stats MCP tool.
type StatsTool struct {
	store   *memory.Store
	journal *journal.Journal
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(store *memory.Store, jrnl *journal.Journal) *StatsTool {
	return &StatsTool{store: store, journal: jrnl}
}

// Definition returns the MCP tool definition for mem_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_stats",
		mcp.WithDescription(
			"Show memory system statistics — sessions, observations, knowledge, "+
				"conversations, and journal health.",
		),
	)
}

// Handle processes the mem_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.store.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	counts, err := t.journal.Counts()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get journal counts: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Memory Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Sessions**: %d\n", stats.TotalSessions))
	sb.WriteString(fmt.Sprintf("- **Observations**: %d\n", stats.TotalObservations))
	sb.WriteString(fmt.Sprintf("- **Knowledge**: %d\n", stats.TotalKnowledge))
	sb.WriteString(fmt.Sprintf("- **Conversations**: %d\n", stats.TotalConversations))
	sb.WriteString(fmt.Sprintf("- **Journal**: %d pending, %d committed, %d failed\n",
		counts.Pending, counts.Committed, counts.Failed))

	return mcp.NewToolResultText(sb.String()), nil
}
