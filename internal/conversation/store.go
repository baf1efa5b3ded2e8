package conversation

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"loom/internal/memory"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// Store runs the conversation state machine over the shared database.
// Every transition is a single transaction so concurrent processes
// never observe a half-applied state.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// NewStore creates a conversation Store.
func NewStore(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// ─── Reads ───────────────────────────────────────────────────────────────────

const convColumns = `id, session_id, project_path, topic, status, stash_group_id,
	started_at, stashed_at, ended_at, observation_count`

// Get retrieves a conversation by ID.
func (s *Store) Get(id string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+convColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ConversationID: id}
	}
	return c, err
}

// ActiveForSession returns the session's active conversation, or nil if
// there is none.
func (s *Store) ActiveForSession(sessionID string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+convColumns+` FROM conversations
		 WHERE session_id = ? AND status = 'active'`, sessionID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// AllActiveForSession returns every conversation still active for the
// session. The unique index keeps this to at most one row, but
// session-end transitions are written to drain whatever is there.
func (s *Store) AllActiveForSession(sessionID string) ([]Conversation, error) {
	return s.queryConversations(
		`SELECT `+convColumns+` FROM conversations
		 WHERE session_id = ? AND status = 'active' ORDER BY started_at`, sessionID)
}

// ListStashed returns recently stashed conversations for a project.
func (s *Store) ListStashed(projectPath string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryConversations(
		`SELECT `+convColumns+` FROM conversations
		 WHERE project_path = ? AND status = 'stashed'
		 ORDER BY stashed_at DESC LIMIT ?`, projectPath, limit)
}

// ─── Create ──────────────────────────────────────────────────────────────────

// EnsureActive returns the session's active conversation, creating one
// if none exists. Creation is an atomic check-and-insert backed by a
// unique index on (session_id) WHERE status='active'; a losing
// concurrent creator falls back to re-reading the winner's row. The
// bool reports whether this call created the row.
func (s *Store) EnsureActive(sessionID, projectPath, topic string) (*Conversation, bool, error) {
	if existing, err := s.ActiveForSession(sessionID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	id := memory.NewID()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, session_id, project_path, topic, status, started_at)
		 VALUES (?, ?, ?, ?, 'active', ?)`,
		id, sessionID, projectPath, nullable(topic), memory.FormatTime(timeNow()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the winner's row is the conversation.
			winner, readErr := s.ActiveForSession(sessionID)
			if readErr != nil {
				return nil, false, readErr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	c, err := s.Get(id)
	return c, true, err
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// StashAndCreate executes the trust-tier transition atomically: the
// active conversation is stashed (optionally into a stash group) and a
// new active conversation is created for the same session with the
// inferred topic. Returns the replacement conversation.
func (s *Store) StashAndCreate(conv *Conversation, newTopic string, groupID *string) (*Conversation, error) {
	now := memory.FormatTime(timeNow())
	newID := memory.NewID()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("stash and create: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(
		`UPDATE conversations
		 SET status = 'stashed', stashed_at = ?, stash_group_id = ?
		 WHERE id = ? AND status = 'active'`,
		now, groupID, conv.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("stash conversation %s: %w", conv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(conv.ID, StatusStashed)
	}

	if _, err := tx.Exec(
		`INSERT INTO conversations (id, session_id, project_path, topic, status, started_at)
		 VALUES (?, ?, ?, ?, 'active', ?)`,
		newID, conv.SessionID, conv.ProjectPath, nullable(newTopic), now,
	); err != nil {
		return nil, fmt.Errorf("create successor conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("stash and create: commit: %w", err)
	}

	return s.Get(newID)
}

// Stash transitions an active conversation to stashed.
func (s *Store) Stash(id string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET status = 'stashed', stashed_at = ?
		 WHERE id = ? AND status = 'active'`,
		memory.FormatTime(timeNow()), id,
	)
	if err != nil {
		return fmt.Errorf("stash conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(id, StatusStashed)
	}
	return nil
}

// Complete transitions an active conversation to completed.
func (s *Store) Complete(id string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET status = 'completed', ended_at = ?
		 WHERE id = ? AND status = 'active'`,
		memory.FormatTime(timeNow()), id,
	)
	if err != nil {
		return fmt.Errorf("complete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(id, StatusCompleted)
	}
	return nil
}

// Resume transitions a stashed conversation back to active. Only legal
// from stashed; any other status yields a TransitionError with the
// current status. If the session has another active conversation it is
// stashed within the same transaction, preserving the single-active
// invariant. Returns the resumed conversation and the stashed_at it
// carried before resuming (for false-positive window checks).
func (s *Store) Resume(id string) (*Conversation, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", fmt.Errorf("resume: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(
		`SELECT `+convColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, "", &NotFoundError{ConversationID: id}
	}
	if err != nil {
		return nil, "", err
	}
	if conv.Status != StatusStashed {
		return nil, "", &TransitionError{ConversationID: id, From: conv.Status, To: StatusActive}
	}

	stashedAt := deref(conv.StashedAt)
	now := memory.FormatTime(timeNow())

	// Displace whatever is currently active for this session.
	if _, err := tx.Exec(
		`UPDATE conversations SET status = 'stashed', stashed_at = ?
		 WHERE session_id = ? AND status = 'active'`,
		now, conv.SessionID,
	); err != nil {
		return nil, "", fmt.Errorf("resume: displace active: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE conversations
		 SET status = 'active', stashed_at = NULL, stash_group_id = NULL, ended_at = NULL
		 WHERE id = ?`, id,
	); err != nil {
		return nil, "", fmt.Errorf("resume conversation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("resume: commit: %w", err)
	}

	resumed, err := s.Get(id)
	return resumed, stashedAt, err
}

// IncrementObservationCount bumps the conversation's observation tally.
func (s *Store) IncrementObservationCount(id string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET observation_count = observation_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment observation count %s: %w", id, err)
	}
	return nil
}

// ─── Replay support ──────────────────────────────────────────────────────────

// ConversationStashed reports whether the conversation has already left
// the active state. Journal replay uses this as the idempotence check
// for stash_conversation.
func (s *Store) ConversationStashed(id string) (bool, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, &NotFoundError{ConversationID: id}
	}
	if err != nil {
		return false, err
	}
	return Status(status) != StatusActive, nil
}

// ApplyStash re-applies a stash from a journal payload, carrying the
// payload's original timestamps rather than the replay time. A payload
// with ended_at set records a completion, not a stash, so replay lands
// the conversation in the completed state the live path would have.
func (s *Store) ApplyStash(id, stashedAt, endedAt string) error {
	var err error
	if endedAt != "" {
		_, err = s.db.Exec(
			`UPDATE conversations SET status = 'completed', ended_at = ? WHERE id = ?`,
			endedAt, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE conversations SET status = 'stashed', stashed_at = ? WHERE id = ?`,
			stashedAt, id,
		)
	}
	if err != nil {
		return fmt.Errorf("apply stash %s: %w", id, err)
	}
	return nil
}

// ─── Stash groups ────────────────────────────────────────────────────────────

// EnsureStashGroup returns the project's stash group for a topic label,
// creating it if absent. Same check-and-insert discipline as
// EnsureActive.
func (s *Store) EnsureStashGroup(projectPath, label string) (*StashGroup, error) {
	if g, err := s.getStashGroup(projectPath, label); err != nil {
		return nil, err
	} else if g != nil {
		return g, nil
	}

	id := memory.NewID()
	_, err := s.db.Exec(
		`INSERT INTO stash_groups (id, label, project_path) VALUES (?, ?, ?)`,
		id, label, projectPath,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.getStashGroup(projectPath, label)
		}
		return nil, fmt.Errorf("create stash group: %w", err)
	}
	return &StashGroup{ID: id, Label: label, ProjectPath: projectPath}, nil
}

// DeleteStashGroup removes a group, nulling the label reference on its
// conversations. It never cascades a conversation delete.
func (s *Store) DeleteStashGroup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete stash group: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(
		`UPDATE conversations SET stash_group_id = NULL WHERE stash_group_id = ?`, id); err != nil {
		return fmt.Errorf("orphan stash group %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM stash_groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete stash group %s: %w", id, err)
	}

	return tx.Commit()
}

func (s *Store) getStashGroup(projectPath, label string) (*StashGroup, error) {
	row := s.db.QueryRow(
		`SELECT id, label, project_path FROM stash_groups
		 WHERE project_path = ? AND label = ?`, projectPath, label)
	var g StashGroup
	err := row.Scan(&g.ID, &g.Label, &g.ProjectPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// transitionError reads the current status to build a useful error.
func (s *Store) transitionError(id string, to Status) error {
	conv, err := s.Get(id)
	if err != nil {
		return err
	}
	return &TransitionError{ConversationID: id, From: conv.Status, To: to}
}

func (s *Store) queryConversations(query string, args ...any) ([]Conversation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *c)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.SessionID, &c.ProjectPath, &c.Topic, &c.Status,
		&c.StashGroupID, &c.StartedAt, &c.StashedAt, &c.EndedAt,
		&c.ObservationCount); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
