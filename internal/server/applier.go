package server

import (
	"loom/internal/conversation"
	"loom/internal/memory"
)

// replayApplier satisfies journal.Applier by delegating to the memory
// store and the conversation store.
type replayApplier struct {
	store         *memory.Store
	conversations *conversation.Store
}

func (a *replayApplier) ObservationExists(id string) (bool, error) {
	return a.store.ObservationExists(id)
}

func (a *replayApplier) InsertObservation(o memory.Observation) error {
	return a.store.InsertObservation(o)
}

func (a *replayApplier) IncrementObservationCount(conversationID string) error {
	return a.conversations.IncrementObservationCount(conversationID)
}

func (a *replayApplier) KnowledgeExists(id string) (bool, error) {
	return a.store.KnowledgeExists(id)
}

func (a *replayApplier) InsertKnowledge(k memory.Knowledge) error {
	return a.store.InsertKnowledge(k)
}

func (a *replayApplier) ConversationStashed(id string) (bool, error) {
	return a.conversations.ConversationStashed(id)
}

func (a *replayApplier) ApplyStash(id, stashedAt, endedAt string) error {
	return a.conversations.ApplyStash(id, stashedAt, endedAt)
}

func (a *replayApplier) SessionEnded(id string) (bool, error) {
	return a.store.SessionEnded(id)
}

func (a *replayApplier) ApplySessionUpdate(id string, p memory.UpdateSessionParams) error {
	return a.store.UpdateSession(id, p)
}
