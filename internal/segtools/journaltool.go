package segtools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/internal/journal"
)

// JournalStatusTool handles the mem_journal_status MCP tool.
type JournalStatusTool struct {
	journal *journal.Journal
}

// NewJournalStatusTool creates a JournalStatusTool.
func NewJournalStatusTool(jrnl *journal.Journal) *JournalStatusTool {
	return &JournalStatusTool{journal: jrnl}
}

// Definition returns the MCP tool definition for mem_journal_status.
func (t *JournalStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_journal_status",
		mcp.WithDescription(
			"Show the write-ahead journal's state: pending, committed, and failed entry "+
				"counts, with details for anything pending or failed.",
		),
	)
}

// Handle processes the mem_journal_status tool call.
func (t *JournalStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := t.journal.Counts()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read journal: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Journal Status\n\n")
	sb.WriteString(fmt.Sprintf("- **Pending**: %d\n", counts.Pending))
	sb.WriteString(fmt.Sprintf("- **Committed**: %d\n", counts.Committed))
	sb.WriteString(fmt.Sprintf("- **Failed**: %d\n", counts.Failed))

	if counts.Pending > 0 {
		pending, err := t.journal.PendingEntries()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read pending entries: %v", err)), nil
		}
		sb.WriteString("\n### Pending\n\n")
		writeEntries(&sb, pending)
	}

	if counts.Failed > 0 {
		failed, err := t.journal.FailedEntries()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read failed entries: %v", err)), nil
		}
		sb.WriteString("\n### Failed\n\n")
		writeEntries(&sb, failed)
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func writeEntries(sb *strings.Builder, entries []journal.Entry) {
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("- #%d %s on %s/%s at %s\n",
			e.ID, e.Operation, e.TableName, e.RecordID, e.CreatedAt))
	}
}

// ─── JournalCleanupTool ─────────────────────────────────────────────────────

// JournalCleanupTool handles the mem_journal_cleanup MCP tool.
type JournalCleanupTool struct {
	journal   *journal.Journal
	keepCount int
	maxAge    time.Duration
}

// NewJournalCleanupTool creates a JournalCleanupTool with the
// configured retention defaults.
func NewJournalCleanupTool(jrnl *journal.Journal, keepCount int, maxAge time.Duration) *JournalCleanupTool {
	return &JournalCleanupTool{journal: jrnl, keepCount: keepCount, maxAge: maxAge}
}

// Definition returns the MCP tool definition for mem_journal_cleanup.
func (t *JournalCleanupTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_journal_cleanup",
		mcp.WithDescription(
			"Prune committed journal entries past the retention policy. Pending entries are "+
				"never touched. Failed entries are kept as an audit trail unless "+
				"include_failed is set.",
		),
		mcp.WithNumber("keep_count",
			mcp.Description("Committed entries to retain (default from config)"),
		),
		mcp.WithNumber("max_age_days",
			mcp.Description("Committed entries older than this are pruned (default from config)"),
		),
		mcp.WithBoolean("include_failed",
			mcp.Description("Also purge failed entries older than max_age_days"),
		),
	)
}

// Handle processes the mem_journal_cleanup tool call.
func (t *JournalCleanupTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keepCount := intArg(req, "keep_count", t.keepCount)
	maxAge := t.maxAge
	if days := intArg(req, "max_age_days", -1); days >= 0 {
		maxAge = time.Duration(days) * 24 * time.Hour
	}

	pruned, err := t.journal.Cleanup(keepCount, maxAge)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to clean journal: %v", err)), nil
	}

	msg := fmt.Sprintf("Pruned %d committed journal entries", pruned)

	if boolArg(req, "include_failed", false) {
		purged, err := t.journal.PurgeFailed(maxAge)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to purge failed entries: %v", err)), nil
		}
		msg += fmt.Sprintf(" and %d failed entries", purged)
	}

	return mcp.NewToolResultText(msg + "."), nil
}
