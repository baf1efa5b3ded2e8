package segment

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"loom/internal/conversation"
	"loom/internal/journal"
	"loom/internal/memory"
	"loom/internal/thresholds"
	"loom/internal/topic"
)

// Action is the decision tier for an evaluated activity.
type Action string

const (
	ActionIgnore Action = "ignore"
	ActionAsk    Action = "ask"
	ActionTrust  Action = "trust"
)

// Evaluation is the outcome of a single activity evaluation.
type Evaluation struct {
	Action       Action
	Score        float64
	Conversation *conversation.Conversation
	// Suggestion is set only for the ask tier: a prompt the caller can
	// surface to the user.
	Suggestion string
	// InferredTopic is the topic assigned to the successor conversation
	// on the trust tier, or the topic a suggestion proposes.
	InferredTopic string
}

// ResumeResult reports a resume outcome, including whether the stash
// being undone looks like a false positive.
type ResumeResult struct {
	Conversation  *conversation.Conversation
	FalsePositive bool
}

// Config carries the orchestrator's tunables.
type Config struct {
	// RecentWindowSize bounds how many trailing observations feed the
	// scorer.
	RecentWindowSize int
	// TypicalCadence is the expected gap between observations; larger
	// gaps raise the recency signal.
	TypicalCadence time.Duration
	// FalsePositiveWindow is how soon after a stash a resume counts as
	// a false positive.
	FalsePositiveWindow time.Duration
}

// Orchestrator coordinates scoring, threshold tiers, and journaled
// state transitions for a session's conversation stream.
type Orchestrator struct {
	conversations *conversation.Store
	thresholds    *thresholds.Controller
	journal       *journal.Journal
	store         *memory.Store
	cfg           Config
	log           *zap.Logger
	timeNow       func() time.Time
}

// New creates an Orchestrator.
func New(
	conversations *conversation.Store,
	controller *thresholds.Controller,
	jrnl *journal.Journal,
	store *memory.Store,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RecentWindowSize <= 0 {
		cfg.RecentWindowSize = 8
	}
	if cfg.TypicalCadence <= 0 {
		cfg.TypicalCadence = 5 * time.Minute
	}
	if cfg.FalsePositiveWindow <= 0 {
		cfg.FalsePositiveWindow = 5 * time.Minute
	}
	return &Orchestrator{
		conversations: conversations,
		thresholds:    controller,
		journal:       jrnl,
		store:         store,
		cfg:           cfg,
		log:           log,
		timeNow:       time.Now,
	}
}

// EnsureConversation returns the session's active conversation,
// creating a fresh one when none exists. The topic seeds a newly
// created conversation only; an existing conversation keeps its own.
func (o *Orchestrator) EnsureConversation(sessionID, projectPath, topic string) (*conversation.Conversation, error) {
	conv, created, err := o.conversations.EnsureActive(sessionID, projectPath, topic)
	if err != nil {
		return nil, err
	}
	if created {
		o.log.Info("conversation started",
			zap.String("conversation_id", conv.ID),
			zap.String("session_id", sessionID))
	}
	return conv, nil
}

// EvaluateActivity scores an incoming activity against the session's
// active conversation and acts on the resulting tier. Scoring or
// threshold faults are logged and degrade to the ignore tier so
// activity recording is never blocked by the segmentation layer.
func (o *Orchestrator) EvaluateActivity(sessionID, projectPath, projectID, convTopic, activity string) (*Evaluation, error) {
	conv, err := o.EnsureConversation(sessionID, projectPath, convTopic)
	if err != nil {
		return nil, err
	}

	// A conversation with no topic yet has nothing to diverge from.
	if conv.Topic == nil || *conv.Topic == "" {
		return &Evaluation{Action: ActionIgnore, Score: 0, Conversation: conv}, nil
	}

	sctx, err := o.buildScoringContext(conv, activity)
	if err != nil {
		o.log.Warn("scoring context unavailable, skipping evaluation",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return &Evaluation{Action: ActionIgnore, Score: 0, Conversation: conv}, nil
	}

	result := topic.Score(*sctx)

	th, err := o.thresholds.Get(projectID)
	if err != nil {
		o.log.Warn("threshold lookup failed, skipping evaluation",
			zap.String("project_id", projectID), zap.Error(err))
		return &Evaluation{Action: ActionIgnore, Score: result.Score, Conversation: conv}, nil
	}

	switch {
	case result.Score >= th.TrustThreshold:
		return o.autoStash(conv, projectID, result)
	case result.Score >= th.AskThreshold:
		return o.suggest(conv, projectID, result)
	default:
		return &Evaluation{Action: ActionIgnore, Score: result.Score, Conversation: conv}, nil
	}
}

// buildScoringContext assembles the recent-activity window for the
// scorer from stored observations.
func (o *Orchestrator) buildScoringContext(conv *conversation.Conversation, activity string) (*topic.Context, error) {
	recent, err := o.store.RecentObservations(conv.SessionID, o.cfg.RecentWindowSize)
	if err != nil {
		return nil, fmt.Errorf("load recent observations: %w", err)
	}

	sctx := topic.Context{
		CurrentTopic:   deref(conv.Topic),
		Activity:       activity,
		TypicalCadence: o.cfg.TypicalCadence,
	}
	for _, obs := range recent {
		sctx.Recent = append(sctx.Recent, topic.ObservationContext{
			ToolName:      obs.ToolName,
			InputSummary:  obs.ToolInputSummary,
			OutputSummary: obs.ToolOutputSummary,
			Files:         obs.FilesInvolved,
		})
	}
	if len(recent) > 0 {
		if last := memory.ParseTime(recent[0].Timestamp); !last.IsZero() {
			sctx.IdleGap = o.timeNow().UTC().Sub(last)
		}
	}
	return &sctx, nil
}

// autoStash performs the trust-tier transition: stash the current
// conversation into a topic-labeled group and start a successor, all
// under a journal entry so a crash mid-transition replays cleanly.
func (o *Orchestrator) autoStash(conv *conversation.Conversation, projectID string, result topic.Result) (*Evaluation, error) {
	label := result.InferredTopic
	var groupID *string
	if label != "" {
		group, err := o.conversations.EnsureStashGroup(conv.ProjectPath, label)
		if err != nil {
			o.log.Warn("stash group unavailable, stashing ungrouped",
				zap.String("label", label), zap.Error(err))
		} else {
			groupID = &group.ID
		}
	}

	stashedAt := memory.FormatTime(o.timeNow())
	payload := journal.StashPayload{StashedAt: stashedAt}

	var successor *conversation.Conversation
	err := o.journal.Execute(journal.OpStashConversation, "conversations", conv.ID, payload, func() error {
		var stashErr error
		successor, stashErr = o.conversations.StashAndCreate(conv, result.InferredTopic, groupID)
		return stashErr
	})
	if err != nil {
		return nil, fmt.Errorf("auto-stash conversation %s: %w", conv.ID, err)
	}

	if err := o.thresholds.RecordAutoStash(projectID); err != nil {
		o.log.Warn("auto-stash feedback not recorded",
			zap.String("project_id", projectID), zap.Error(err))
	}

	o.log.Info("conversation auto-stashed",
		zap.String("conversation_id", conv.ID),
		zap.String("successor_id", successor.ID),
		zap.Float64("score", result.Score),
		zap.String("topic", result.InferredTopic))

	return &Evaluation{
		Action:        ActionTrust,
		Score:         result.Score,
		Conversation:  successor,
		InferredTopic: result.InferredTopic,
	}, nil
}

// suggest emits an ask-tier suggestion and records that it was shown.
func (o *Orchestrator) suggest(conv *conversation.Conversation, projectID string, result topic.Result) (*Evaluation, error) {
	if err := o.thresholds.RecordSuggestionShown(projectID); err != nil {
		o.log.Warn("suggestion feedback not recorded",
			zap.String("project_id", projectID), zap.Error(err))
	}

	suggestion := "This looks like a new topic. Stash the current conversation and start fresh?"
	if result.InferredTopic != "" {
		suggestion = fmt.Sprintf(
			"This looks like a shift to %q. Stash the current conversation and start fresh?",
			result.InferredTopic)
	}

	return &Evaluation{
		Action:        ActionAsk,
		Score:         result.Score,
		Conversation:  conv,
		Suggestion:    suggestion,
		InferredTopic: result.InferredTopic,
	}, nil
}

// AcceptSuggestion applies an ask-tier suggestion the user accepted:
// the stash runs exactly like the trust tier, and the acceptance feeds
// the threshold controller.
func (o *Orchestrator) AcceptSuggestion(conversationID, projectID, newTopic string) (*conversation.Conversation, error) {
	conv, err := o.conversations.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		projectID = conv.ProjectPath
	}

	var groupID *string
	if newTopic != "" {
		group, err := o.conversations.EnsureStashGroup(conv.ProjectPath, newTopic)
		if err != nil {
			o.log.Warn("stash group unavailable, stashing ungrouped",
				zap.String("label", newTopic), zap.Error(err))
		} else {
			groupID = &group.ID
		}
	}

	payload := journal.StashPayload{StashedAt: memory.FormatTime(o.timeNow())}
	var successor *conversation.Conversation
	err = o.journal.Execute(journal.OpStashConversation, "conversations", conv.ID, payload, func() error {
		var stashErr error
		successor, stashErr = o.conversations.StashAndCreate(conv, newTopic, groupID)
		return stashErr
	})
	if err != nil {
		return nil, fmt.Errorf("accept suggestion for %s: %w", conversationID, err)
	}

	if err := o.thresholds.RecordSuggestionAccepted(projectID); err != nil {
		o.log.Warn("acceptance feedback not recorded",
			zap.String("project_id", projectID), zap.Error(err))
	}
	return successor, nil
}

// OnSessionEnd drains the session's active conversations: anything
// that accumulated observations is stashed for later resumption,
// empty conversations are completed. Each transition is journaled.
func (o *Orchestrator) OnSessionEnd(sessionID string) error {
	active, err := o.conversations.AllActiveForSession(sessionID)
	if err != nil {
		return fmt.Errorf("session end: %w", err)
	}

	now := memory.FormatTime(o.timeNow())
	for _, conv := range active {
		conv := conv
		var payload journal.StashPayload
		var transition func() error
		if conv.ObservationCount > 0 {
			payload = journal.StashPayload{StashedAt: now}
			transition = func() error { return o.conversations.Stash(conv.ID) }
		} else {
			payload = journal.StashPayload{StashedAt: now, EndedAt: now}
			transition = func() error { return o.conversations.Complete(conv.ID) }
		}

		if err := o.journal.Execute(journal.OpStashConversation, "conversations", conv.ID, payload, transition); err != nil {
			return fmt.Errorf("session end: conversation %s: %w", conv.ID, err)
		}
		o.log.Info("conversation closed at session end",
			zap.String("conversation_id", conv.ID),
			zap.Int("observations", conv.ObservationCount))
	}
	return nil
}

// OnResume reactivates a stashed conversation. A resume soon after the
// stash is treated as a false positive and fed back to the threshold
// controller for the conversation's project; feedback failures are
// logged, never fatal to the resume itself.
func (o *Orchestrator) OnResume(conversationID string) (*ResumeResult, error) {
	conv, stashedAt, err := o.conversations.Resume(conversationID)
	if err != nil {
		return nil, err
	}

	falsePositive := false
	if stashedAt != "" {
		if ts := memory.ParseTime(stashedAt); !ts.IsZero() {
			falsePositive = o.timeNow().UTC().Sub(ts) < o.cfg.FalsePositiveWindow
		}
	}

	if falsePositive {
		if err := o.thresholds.RecordFalsePositive(conv.ProjectPath); err != nil {
			o.log.Warn("false-positive feedback not recorded",
				zap.String("project_path", conv.ProjectPath), zap.Error(err))
		}
		o.log.Info("false-positive stash resumed",
			zap.String("conversation_id", conv.ID),
			zap.String("stashed_at", stashedAt))
	}

	return &ResumeResult{Conversation: conv, FalsePositive: falsePositive}, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
