package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
	"loom/internal/conversation"
	"loom/internal/journal"
	"loom/internal/memory"
	"loom/internal/thresholds"
)

type testRig struct {
	store         *memory.Store
	conversations *conversation.Store
	journal       *journal.Journal
	thresholds    *thresholds.Controller
	orchestrator  *Orchestrator
}

// newTestRig wires the orchestrator against a fresh temp-dir store with
// the given threshold defaults.
func newTestRig(t *testing.T, ask, trust float64) *testRig {
	t.Helper()
	store, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSummaryLength: 2000})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := store.DB()
	jrnl := journal.New(db, nil)
	convs := conversation.NewStore(db, nil)
	controller := thresholds.New(db, nil, ask, trust, config.Default().Tuning)

	orch := New(convs, controller, jrnl, store, Config{
		RecentWindowSize:    8,
		TypicalCadence:      5 * time.Minute,
		FalsePositiveWindow: 5 * time.Minute,
	}, nil)

	return &testRig{
		store:         store,
		conversations: convs,
		journal:       jrnl,
		thresholds:    controller,
		orchestrator:  orch,
	}
}

// seedConversation creates a session with an active topic-bearing
// conversation and a recent observation window about auth work.
func seedConversation(t *testing.T, rig *testRig) *conversation.Conversation {
	t.Helper()
	require.NoError(t, rig.store.CreateSession("s1", "/proj"))

	conv, _, err := rig.conversations.EnsureActive("s1", "/proj", "auth-login-flow")
	require.NoError(t, err)

	obs := memory.Observation{
		ID:                memory.NewID(),
		SessionID:         "s1",
		ConversationID:    conv.ID,
		ToolName:          "Edit",
		ToolInputSummary:  "update login handler session token validation",
		ToolOutputSummary: "login handler updated",
		FilesInvolved:     []string{"internal/auth/login.go"},
		Timestamp:         memory.Now(),
	}
	require.NoError(t, rig.store.InsertObservation(obs))
	require.NoError(t, rig.conversations.IncrementObservationCount(conv.ID))
	return conv
}

const divergentActivity = "now let's fix the broken database migration in " +
	"migrations/0042_orders.sql, orders table missing index"

// ─── EvaluateActivity ───────────────────────────────────────────────────────

func TestEvaluateActivity_FreshConversationIgnores(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	require.NoError(t, rig.store.CreateSession("s1", "/proj"))

	eval, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "", divergentActivity)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, eval.Action)
	assert.Zero(t, eval.Score)
	require.NotNil(t, eval.Conversation)
	assert.Equal(t, conversation.StatusActive, eval.Conversation.Status)
}

func TestEvaluateActivity_SeedTopicScoresFreshSession(t *testing.T) {
	// A seeded topic gives a brand-new conversation something to
	// diverge from, so the first evaluation can already land in the
	// ask band instead of short-circuiting to ignore.
	rig := newTestRig(t, 0.30, 0.99)
	require.NoError(t, rig.store.CreateSession("s1", "/proj"))

	eval, err := rig.orchestrator.EvaluateActivity(
		"s1", "/proj", "/proj", "auth-login-flow", divergentActivity)
	require.NoError(t, err)
	assert.Equal(t, ActionAsk, eval.Action)
	assert.Greater(t, eval.Score, 0.3)
	require.NotNil(t, eval.Conversation.Topic)
	assert.Equal(t, "auth-login-flow", *eval.Conversation.Topic)
}

func TestEnsureConversation_TopicSeedsOnlyNewConversations(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	require.NoError(t, rig.store.CreateSession("s1", "/proj"))

	conv, err := rig.orchestrator.EnsureConversation("s1", "/proj", "auth-login-flow")
	require.NoError(t, err)
	require.NotNil(t, conv.Topic)
	assert.Equal(t, "auth-login-flow", *conv.Topic)

	again, err := rig.orchestrator.EnsureConversation("s1", "/proj", "something-else")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	require.NotNil(t, again.Topic)
	assert.Equal(t, "auth-login-flow", *again.Topic, "existing conversation keeps its topic")
}

func TestEvaluateActivity_OnTopicIgnores(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	conv := seedConversation(t, rig)

	eval, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "",
		"fix the session token validation in the login handler internal/auth/login.go")
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, eval.Action)
	assert.Equal(t, conv.ID, eval.Conversation.ID)
}

func TestEvaluateActivity_AskTierSuggestsAndCounts(t *testing.T) {
	// Trust out of reach: the divergent activity lands in the ask band.
	rig := newTestRig(t, 0.30, 0.99)
	conv := seedConversation(t, rig)

	eval, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "", divergentActivity)
	require.NoError(t, err)
	assert.Equal(t, ActionAsk, eval.Action)
	assert.NotEmpty(t, eval.Suggestion)
	assert.Equal(t, conv.ID, eval.Conversation.ID, "ask tier must not stash")

	// The conversation is untouched.
	got, err := rig.conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusActive, got.Status)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 1, th.SuggestionShownCount)
}

func TestEvaluateActivity_TrustTierStashesAndCreates(t *testing.T) {
	// Low trust boundary: the divergent activity clears it.
	rig := newTestRig(t, 0.10, 0.40)
	conv := seedConversation(t, rig)

	eval, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "", divergentActivity)
	require.NoError(t, err)
	assert.Equal(t, ActionTrust, eval.Action)
	assert.NotEqual(t, conv.ID, eval.Conversation.ID, "trust tier returns the successor")
	assert.Equal(t, conversation.StatusActive, eval.Conversation.Status)

	old, err := rig.conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusStashed, old.Status)
	assert.NotNil(t, old.StashGroupID, "auto-stash with an inferred topic joins a group")

	// The transition was journaled and committed.
	counts, err := rig.journal.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Committed)
	assert.Zero(t, counts.Pending)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 1, th.AutoStashCount)
}

func TestEvaluateActivity_NoRecordedFeedbackOnIgnore(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	seedConversation(t, rig)

	_, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "",
		"fix the session token validation in the login handler internal/auth/login.go")
	require.NoError(t, err)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Zero(t, th.SuggestionShownCount)
	assert.Zero(t, th.AutoStashCount)
}

// ─── AcceptSuggestion ───────────────────────────────────────────────────────

func TestAcceptSuggestion_StashesAndFeedsBack(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.99)
	conv := seedConversation(t, rig)

	_, err := rig.orchestrator.EvaluateActivity("s1", "/proj", "/proj", "", divergentActivity)
	require.NoError(t, err)

	successor, err := rig.orchestrator.AcceptSuggestion(conv.ID, "/proj", "orders-migration")
	require.NoError(t, err)
	require.NotNil(t, successor.Topic)
	assert.Equal(t, "orders-migration", *successor.Topic)

	old, err := rig.conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusStashed, old.Status)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 1, th.SuggestionAcceptedCount)
}

// ─── OnSessionEnd ───────────────────────────────────────────────────────────

func TestOnSessionEnd_StashesConversationWithObservations(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	conv := seedConversation(t, rig)

	require.NoError(t, rig.orchestrator.OnSessionEnd("s1"))

	got, err := rig.conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusStashed, got.Status)

	counts, err := rig.journal.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Committed)
}

func TestOnSessionEnd_CompletesEmptyConversation(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	require.NoError(t, rig.store.CreateSession("s1", "/proj"))
	conv, err := rig.orchestrator.EnsureConversation("s1", "/proj", "")
	require.NoError(t, err)

	require.NoError(t, rig.orchestrator.OnSessionEnd("s1"))

	got, err := rig.conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, got.Status)
	assert.NotNil(t, got.EndedAt)
}

func TestOnSessionEnd_NoActiveIsNoop(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	require.NoError(t, rig.orchestrator.OnSessionEnd("ghost"))
}

// ─── OnResume ───────────────────────────────────────────────────────────────

func TestOnResume_WithinWindowIsFalsePositive(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	conv := seedConversation(t, rig)
	require.NoError(t, rig.conversations.Stash(conv.ID))

	// Three minutes later: inside the five-minute window.
	rig.orchestrator.timeNow = func() time.Time { return time.Now().Add(3 * time.Minute) }

	result, err := rig.orchestrator.OnResume(conv.ID)
	require.NoError(t, err)
	assert.True(t, result.FalsePositive)
	assert.Equal(t, conversation.StatusActive, result.Conversation.Status)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 1, th.FalsePositiveCount)
	assert.InDelta(t, 0.75, th.TrustThreshold, 1e-9)
}

func TestOnResume_OutsideWindowIsNotFalsePositive(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	conv := seedConversation(t, rig)
	require.NoError(t, rig.conversations.Stash(conv.ID))

	rig.orchestrator.timeNow = func() time.Time { return time.Now().Add(6 * time.Minute) }

	result, err := rig.orchestrator.OnResume(conv.ID)
	require.NoError(t, err)
	assert.False(t, result.FalsePositive)

	th, err := rig.thresholds.Get("/proj")
	require.NoError(t, err)
	assert.Zero(t, th.FalsePositiveCount)
	assert.Equal(t, 0.70, th.TrustThreshold)
}

func TestOnResume_ActiveConversationFails(t *testing.T) {
	rig := newTestRig(t, 0.30, 0.70)
	conv := seedConversation(t, rig)

	_, err := rig.orchestrator.OnResume(conv.ID)
	require.Error(t, err)
}
