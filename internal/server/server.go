// Package server wires all components and creates the MCP server
// instance.
//
// This is the composition root: it creates concrete implementations
// and injects them into the tools that depend on them. No business
// logic lives here — only wiring.
package server

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"loom/internal/config"
	"loom/internal/conversation"
	"loom/internal/journal"
	"loom/internal/logging"
	"loom/internal/memory"
	"loom/internal/segment"
	"loom/internal/segtools"
	"loom/internal/thresholds"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Runtime holds the wired subsystems. Commands other than serve
// (replay, cleanup) bootstrap a Runtime and use the pieces directly.
type Runtime struct {
	Config        config.Config
	Log           *zap.Logger
	Store         *memory.Store
	Journal       *journal.Journal
	Conversations *conversation.Store
	Thresholds    *thresholds.Controller
	Orchestrator  *segment.Orchestrator
	Applier       journal.Applier
}

// Close releases the runtime's resources.
func (r *Runtime) Close() {
	if err := r.Store.Close(); err != nil {
		r.Log.Warn("store close", zap.Error(err))
	}
	_ = r.Log.Sync()
}

// Bootstrap loads configuration and constructs every subsystem. An
// empty configPath uses the default location, falling back to built-in
// defaults when no file exists.
func Bootstrap(configPath string) (*Runtime, error) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	mcfg := memory.DefaultConfig()
	if cfg.DataDir != "" {
		mcfg.DataDir = cfg.DataDir
	}
	store, err := memory.New(mcfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	db := store.DB()
	jrnl := journal.New(db, log)
	conversations := conversation.NewStore(db, log)
	controller := thresholds.New(db, log,
		cfg.DefaultAskThreshold, cfg.DefaultTrustThreshold, cfg.Tuning)

	orchestrator := segment.New(conversations, controller, jrnl, store, segment.Config{
		RecentWindowSize:    cfg.RecentWindowSize,
		TypicalCadence:      cfg.TypicalCadence(),
		FalsePositiveWindow: cfg.FalsePositiveWindow(),
	}, log)

	return &Runtime{
		Config:        cfg,
		Log:           log,
		Store:         store,
		Journal:       jrnl,
		Conversations: conversations,
		Thresholds:    controller,
		Orchestrator:  orchestrator,
		Applier:       &replayApplier{store: store, conversations: conversations},
	}, nil
}

// New creates and configures the MCP server with all tools registered.
// Pending journal entries are replayed before the server accepts any
// call, so recovered writes land before new ones.
//
// The returned cleanup function closes the store and flushes the
// logger; it must be called on shutdown and is always non-nil.
func New(configPath string) (*server.MCPServer, func(), error) {
	rt, err := Bootstrap(configPath)
	if err != nil {
		return nil, func() {}, err
	}

	replayed, err := rt.Journal.ReplayPending(rt.Applier)
	if err != nil {
		rt.Close()
		return nil, func() {}, fmt.Errorf("replaying journal: %w", err)
	}
	if replayed > 0 {
		rt.Log.Info("journal replay complete", zap.Int("entries", replayed))
	}

	s := server.NewMCPServer(
		"loom",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerTools(s, rt)

	return s, rt.Close, nil
}

// registerTools registers the segmentation and memory tools.
func registerTools(s *server.MCPServer, rt *Runtime) {
	// --- Segmentation ---
	evaluate := segtools.NewEvaluateActivityTool(rt.Orchestrator)
	s.AddTool(evaluate.Definition(), evaluate.Handle)

	accept := segtools.NewAcceptStashTool(rt.Orchestrator)
	s.AddTool(accept.Definition(), accept.Handle)

	resume := segtools.NewResumeConversationTool(rt.Orchestrator, rt.Conversations)
	s.AddTool(resume.Definition(), resume.Handle)

	// --- Write path ---
	observe := segtools.NewRecordObservationTool(
		rt.Store, rt.Conversations, rt.Orchestrator, rt.Journal, rt.Log)
	s.AddTool(observe.Definition(), observe.Handle)

	knowledge := segtools.NewSaveKnowledgeTool(rt.Store, rt.Journal)
	s.AddTool(knowledge.Definition(), knowledge.Handle)

	sessionEnd := segtools.NewSessionEndTool(rt.Store, rt.Orchestrator, rt.Journal)
	s.AddTool(sessionEnd.Definition(), sessionEnd.Handle)

	// --- Journal maintenance ---
	status := segtools.NewJournalStatusTool(rt.Journal)
	s.AddTool(status.Definition(), status.Handle)

	cleanup := segtools.NewJournalCleanupTool(rt.Journal,
		rt.Config.JournalKeepCount, rt.Config.JournalMaxAge())
	s.AddTool(cleanup.Definition(), cleanup.Handle)

	// --- Statistics ---
	stats := segtools.NewStatsTool(rt.Store, rt.Journal)
	s.AddTool(stats.Definition(), stats.Handle)
}

// serverInstructions returns the system instructions that tell the AI
// how to use the segmentation tools effectively.
func serverInstructions() string {
	return `You have access to Loom, a conversation memory server that segments
work into topic-scoped conversations.

## Recording activity

After each meaningful tool use, call mem_record_observation with a short
summary of what happened and the files involved. Observations attach to
the session's active conversation.

## Topic shifts

Before starting work that might be a new topic, call mem_evaluate_activity
with the new activity text:
- "ignore": continue in the current conversation.
- "ask": surface the returned suggestion to the user; if they agree,
  call mem_accept_stash.
- "trust": the old conversation was already stashed and a new one started.

If the user says a stash was wrong, call mem_resume_conversation to bring
the old conversation back; the system learns from it and stashes less
aggressively.

## Ending a session

Call mem_session_end with a summary. Conversations with recorded activity
are stashed for later; use mem_resume_conversation without an ID to list
what can be picked up again.

## Durable knowledge

Save decisions, patterns, and gotchas worth keeping across sessions with
mem_save_knowledge.`
}
