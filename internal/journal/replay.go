package journal

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"loom/internal/memory"
)

// Applier performs the real mutations replay may need to re-apply, plus
// the idempotence checks that decide whether re-application is needed.
// The memory store and conversation store jointly satisfy it; the
// composition root wires the two together.
type Applier interface {
	ObservationExists(id string) (bool, error)
	InsertObservation(o memory.Observation) error

	// IncrementObservationCount bumps the tally on the observation's
	// conversation, mirroring the live recording path.
	IncrementObservationCount(conversationID string) error

	KnowledgeExists(id string) (bool, error)
	InsertKnowledge(k memory.Knowledge) error

	// ConversationStashed reports whether the conversation has already
	// left the active state; if so the original stash completed.
	ConversationStashed(id string) (bool, error)
	ApplyStash(id, stashedAt, endedAt string) error

	SessionEnded(id string) (bool, error)
	ApplySessionUpdate(id string, p memory.UpdateSessionParams) error
}

// ReplayPending resolves every pending entry, in append order. For each
// entry: if the target record already reflects the operation, the entry
// is simply committed; otherwise the mutation is re-applied from the
// payload and then committed. Malformed or unrecoverable entries are
// marked failed and skipped — they never block later entries. Returns
// the number of entries committed.
func (j *Journal) ReplayPending(applier Applier) (int, error) {
	entries, err := j.PendingEntries()
	if err != nil {
		return 0, err
	}

	committed := 0
	for _, e := range entries {
		if err := j.replayEntry(applier, e); err != nil {
			j.log.Warn("journal: replay entry failed",
				zap.Int64("entry_id", e.ID),
				zap.String("operation", string(e.Operation)),
				zap.String("record_id", e.RecordID),
				zap.Error(err))
			if failErr := j.Fail(e.ID); failErr != nil {
				j.log.Warn("journal: could not mark replayed entry failed",
					zap.Int64("entry_id", e.ID), zap.Error(failErr))
			}
			continue
		}
		if err := j.Commit(e.ID); err != nil {
			return committed, err
		}
		committed++
	}

	if len(entries) > 0 {
		j.log.Info("journal: replay complete",
			zap.Int("pending", len(entries)), zap.Int("committed", committed))
	}
	return committed, nil
}

// replayEntry pattern-matches on the operation tag and applies the
// typed payload if the target record does not already reflect it.
func (j *Journal) replayEntry(applier Applier, e Entry) error {
	if e.RecordID == "" {
		return fmt.Errorf("entry %d has no record_id", e.ID)
	}

	switch e.Operation {
	case OpInsertObservation:
		var o memory.Observation
		if err := json.Unmarshal(e.Payload, &o); err != nil {
			return fmt.Errorf("decode insert_observation payload: %w", err)
		}
		if o.ID == "" || o.SessionID == "" {
			return fmt.Errorf("insert_observation payload missing id or session_id")
		}
		exists, err := applier.ObservationExists(o.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := applier.InsertObservation(o); err != nil {
			return err
		}
		if o.ConversationID != "" {
			return applier.IncrementObservationCount(o.ConversationID)
		}
		return nil

	case OpInsertKnowledge:
		var k memory.Knowledge
		if err := json.Unmarshal(e.Payload, &k); err != nil {
			return fmt.Errorf("decode insert_knowledge payload: %w", err)
		}
		if k.ID == "" || k.Type == "" {
			return fmt.Errorf("insert_knowledge payload missing id or type")
		}
		exists, err := applier.KnowledgeExists(k.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return applier.InsertKnowledge(k)

	case OpStashConversation:
		var p StashPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode stash_conversation payload: %w", err)
		}
		if p.StashedAt == "" {
			return fmt.Errorf("stash_conversation payload missing stashed_at")
		}
		stashed, err := applier.ConversationStashed(e.RecordID)
		if err != nil {
			return err
		}
		if stashed {
			return nil
		}
		return applier.ApplyStash(e.RecordID, p.StashedAt, p.EndedAt)

	case OpUpdateSession:
		var p memory.UpdateSessionParams
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode update_session payload: %w", err)
		}
		ended, err := applier.SessionEnded(e.RecordID)
		if err != nil {
			return err
		}
		if ended {
			return nil
		}
		return applier.ApplySessionUpdate(e.RecordID, p)

	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}
