// Package conversation owns the lifecycle of topic-scoped conversation
// segments and their stash grouping.
//
// Legal transitions: active to stashed (auto-stash or session end with
// observations), active to completed (session end with none), and
// stashed back to active (resume). Conversations are never deleted here;
// deletion is an external memory-management concern.
package conversation

import "fmt"

// Status tracks a conversation's lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusStashed   Status = "stashed"
	StatusCompleted Status = "completed"
)

// Conversation is a topic-scoped segment of a session's activity.
type Conversation struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	ProjectPath      string  `json:"project_path"`
	Topic            *string `json:"topic,omitempty"`
	Status           Status  `json:"status"`
	StashGroupID     *string `json:"stash_group_id,omitempty"`
	StartedAt        string  `json:"started_at"`
	StashedAt        *string `json:"stashed_at,omitempty"`
	EndedAt          *string `json:"ended_at,omitempty"`
	ObservationCount int     `json:"observation_count"`
}

// StashGroup is a coarse clustering bucket for stashed conversations
// sharing a topic label within a project.
type StashGroup struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	ProjectPath string `json:"project_path"`
}

// TransitionError reports an illegal lifecycle transition. It is
// recoverable: callers surface it, they never crash on it.
type TransitionError struct {
	ConversationID string
	From           Status
	To             Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("conversation %s: cannot transition %s to %s", e.ConversationID, e.From, e.To)
}

// NotFoundError reports a missing conversation.
type NotFoundError struct {
	ConversationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation %s not found", e.ConversationID)
}
