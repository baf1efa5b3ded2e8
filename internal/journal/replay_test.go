package journal

import (
	"testing"

	"loom/internal/memory"
)

// fakeApplier records replayed mutations in memory.
type fakeApplier struct {
	observations map[string]memory.Observation
	obsCounts    map[string]int // conversation ID -> observation tally
	knowledge    map[string]memory.Knowledge
	stashed      map[string]string // conversation ID -> stashed_at
	active       map[string]bool   // conversation ID -> currently active
	sessionsEnd  map[string]memory.UpdateSessionParams
	endedAlready map[string]bool
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		observations: map[string]memory.Observation{},
		obsCounts:    map[string]int{},
		knowledge:    map[string]memory.Knowledge{},
		stashed:      map[string]string{},
		active:       map[string]bool{},
		sessionsEnd:  map[string]memory.UpdateSessionParams{},
		endedAlready: map[string]bool{},
	}
}

func (f *fakeApplier) ObservationExists(id string) (bool, error) {
	_, ok := f.observations[id]
	return ok, nil
}

func (f *fakeApplier) InsertObservation(o memory.Observation) error {
	f.observations[o.ID] = o
	return nil
}

func (f *fakeApplier) IncrementObservationCount(conversationID string) error {
	f.obsCounts[conversationID]++
	return nil
}

func (f *fakeApplier) KnowledgeExists(id string) (bool, error) {
	_, ok := f.knowledge[id]
	return ok, nil
}

func (f *fakeApplier) InsertKnowledge(k memory.Knowledge) error {
	f.knowledge[k.ID] = k
	return nil
}

func (f *fakeApplier) ConversationStashed(id string) (bool, error) {
	return !f.active[id], nil
}

func (f *fakeApplier) ApplyStash(id, stashedAt, endedAt string) error {
	f.active[id] = false
	f.stashed[id] = stashedAt
	return nil
}

func (f *fakeApplier) SessionEnded(id string) (bool, error) {
	return f.endedAlready[id], nil
}

func (f *fakeApplier) ApplySessionUpdate(id string, p memory.UpdateSessionParams) error {
	f.sessionsEnd[id] = p
	return nil
}

// ─── ReplayPending ──────────────────────────────────────────────────────────

func TestReplayPending_AppliesMissingObservation(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	// Entry written, process died before the insert landed.
	obs := memory.Observation{ID: "obs-1", SessionID: "s1", ToolName: "Edit"}
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	replayed, err := j.ReplayPending(applier)
	if err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed = %d, want 1", replayed)
	}
	if got, ok := applier.observations["obs-1"]; !ok || got.ToolName != "Edit" {
		t.Errorf("observation not re-applied: %+v", applier.observations)
	}
	if c := mustCounts(t, j); c.Pending != 0 || c.Committed != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestReplayPending_SkipsAlreadyAppliedObservation(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	// The insert landed, only the commit is missing.
	obs := memory.Observation{ID: "obs-1", SessionID: "s1", ToolName: "Edit"}
	applier.observations[obs.ID] = obs
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}

	// Exactly one copy, entry committed.
	if len(applier.observations) != 1 {
		t.Errorf("observations = %d, want 1", len(applier.observations))
	}
	if c := mustCounts(t, j); c.Committed != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestReplayPending_ObservationBumpsConversationCount(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	// The live path inserts the row and bumps the conversation tally;
	// replay has to reproduce both halves.
	obs := memory.Observation{ID: "obs-1", SessionID: "s1", ConversationID: "c1", ToolName: "Edit"}
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if got := applier.obsCounts["c1"]; got != 1 {
		t.Errorf("observation count = %d, want 1", got)
	}

	// An already-applied entry must not double-count on a later run.
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if got := applier.obsCounts["c1"]; got != 1 {
		t.Errorf("observation count after re-replay = %d, want 1", got)
	}
}

func TestReplayPending_IdempotentSecondRun(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	obs := memory.Observation{ID: "obs-1", SessionID: "s1"}
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	replayed, err := j.ReplayPending(applier)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if replayed != 0 {
		t.Errorf("second replay committed %d entries, want 0", replayed)
	}
	if len(applier.observations) != 1 {
		t.Errorf("observations = %d, want 1", len(applier.observations))
	}
}

func TestReplayPending_StashConversation(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()
	applier.active["conv-1"] = true

	payload := StashPayload{StashedAt: "2026-08-01 10:00:00"}
	if _, err := j.Write(OpStashConversation, "conversations", "conv-1", payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if applier.active["conv-1"] {
		t.Error("conversation still active after replay")
	}
	if applier.stashed["conv-1"] != "2026-08-01 10:00:00" {
		t.Errorf("stashed_at = %q, want payload timestamp", applier.stashed["conv-1"])
	}
}

func TestReplayPending_StashAlreadyDoneIsNoop(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()
	applier.active["conv-1"] = false // already stashed

	payload := StashPayload{StashedAt: "2026-08-01 10:00:00"}
	if _, err := j.Write(OpStashConversation, "conversations", "conv-1", payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if _, overwrote := applier.stashed["conv-1"]; overwrote {
		t.Error("replay re-applied a stash that had already completed")
	}
	if c := mustCounts(t, j); c.Committed != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestReplayPending_SessionUpdate(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	params := memory.UpdateSessionParams{Summary: "done", EndedAt: "2026-08-01 11:00:00"}
	if _, err := j.Write(OpUpdateSession, "sessions", "s1", params); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if applier.sessionsEnd["s1"].Summary != "done" {
		t.Errorf("session update not applied: %+v", applier.sessionsEnd)
	}
}

func TestReplayPending_MalformedPayloadFailsEntryAndContinues(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	// Raw insert bypassing Write to plant a corrupt payload.
	if _, err := j.db.Exec(
		`INSERT INTO journal_entries (operation, table_name, record_id, payload, status, created_at)
		 VALUES ('insert_observation', 'observations', 'bad', '{not json', 'pending', ?)`,
		memory.Now()); err != nil {
		t.Fatalf("plant corrupt entry: %v", err)
	}

	good := memory.Observation{ID: "obs-2", SessionID: "s1"}
	if _, err := j.Write(OpInsertObservation, "observations", good.ID, good); err != nil {
		t.Fatalf("Write: %v", err)
	}

	replayed, err := j.ReplayPending(applier)
	if err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed = %d, want 1 (the good entry)", replayed)
	}
	if _, ok := applier.observations["obs-2"]; !ok {
		t.Error("good entry after the corrupt one was not applied")
	}

	c := mustCounts(t, j)
	if c.Failed != 1 || c.Committed != 1 || c.Pending != 0 {
		t.Errorf("counts = %+v, want 1 failed / 1 committed", c)
	}
}

func TestReplayPending_MissingRequiredFieldsFails(t *testing.T) {
	j := newTestJournal(t)
	applier := newFakeApplier()

	// Valid JSON, but the observation has no session_id.
	obs := memory.Observation{ID: "obs-1"}
	if _, err := j.Write(OpInsertObservation, "observations", obs.ID, obs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := j.ReplayPending(applier); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if len(applier.observations) != 0 {
		t.Error("invalid payload should not be applied")
	}
	if c := mustCounts(t, j); c.Failed != 1 {
		t.Errorf("counts = %+v, want 1 failed", c)
	}
}
