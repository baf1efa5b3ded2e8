package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Session represents a coding session with start/end timestamps.
type Session struct {
	ID            string   `json:"id"`
	ProjectPath   string   `json:"project_path"`
	Summary       *string  `json:"summary,omitempty"`
	KeyActions    []string `json:"key_actions,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	StartedAt     string   `json:"started_at"`
	EndedAt       *string  `json:"ended_at,omitempty"`
}

// Observation is a single captured tool use within a session.
// The field set is the journal payload contract for insert_observation.
type Observation struct {
	ID                string   `json:"id"`
	SessionID         string   `json:"session_id"`
	ConversationID    string   `json:"conversation_id,omitempty"`
	ToolName          string   `json:"tool_name"`
	ToolInputSummary  string   `json:"tool_input_summary"`
	ToolOutputSummary string   `json:"tool_output_summary"`
	ProjectPath       string   `json:"project_path"`
	FilesInvolved     []string `json:"files_involved,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Timestamp         string   `json:"timestamp"`
}

// Knowledge is a derived insight distilled from observations.
// The field set is the journal payload contract for insert_knowledge.
type Knowledge struct {
	ID                   string   `json:"id"`
	Type                 string   `json:"type"`
	Content              string   `json:"content"`
	SourceObservationIDs []string `json:"source_observation_ids,omitempty"`
	ConversationID       string   `json:"conversation_id,omitempty"`
	ProjectPath          string   `json:"project_path"`
	Tags                 []string `json:"tags,omitempty"`
	Confidence           float64  `json:"confidence"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// UpdateSessionParams holds the journal payload contract for update_session.
type UpdateSessionParams struct {
	Summary       string   `json:"summary"`
	KeyActions    []string `json:"key_actions,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	EndedAt       string   `json:"ended_at"`
}

// Stats holds aggregate counts for the stats tool.
type Stats struct {
	TotalSessions      int `json:"total_sessions"`
	TotalObservations  int `json:"total_observations"`
	TotalKnowledge     int `json:"total_knowledge"`
	TotalConversations int `json:"total_conversations"`
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession registers a new coding session. Idempotent.
func (s *Store) CreateSession(id, projectPath string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, project_path) VALUES (?, ?)`,
		id, projectPath,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, project_path, summary, key_actions, files_modified, started_at, ended_at
		 FROM sessions WHERE id = ?`, id,
	)
	var sess Session
	var keyActions, filesModified sql.NullString
	if err := row.Scan(&sess.ID, &sess.ProjectPath, &sess.Summary,
		&keyActions, &filesModified, &sess.StartedAt, &sess.EndedAt); err != nil {
		return nil, err
	}
	sess.KeyActions = decodeList(keyActions.String)
	sess.FilesModified = decodeList(filesModified.String)
	return &sess, nil
}

// SessionExists reports whether a session row is present.
func (s *Store) SessionExists(id string) (bool, error) {
	return s.rowExists(`SELECT 1 FROM sessions WHERE id = ?`, id)
}

// SessionEnded reports whether a session row exists with ended_at set.
// Journal replay uses this as the idempotence check for update_session.
func (s *Store) SessionEnded(id string) (bool, error) {
	return s.rowExists(`SELECT 1 FROM sessions WHERE id = ? AND ended_at IS NOT NULL`, id)
}

// UpdateSession applies end-of-session fields. It upserts: a crash may
// leave a journal entry for a session row that was never created.
func (s *Store) UpdateSession(id string, p UpdateSessionParams) error {
	if len(p.Summary) > s.cfg.MaxSummaryLength {
		p.Summary = cutAtRune(p.Summary, s.cfg.MaxSummaryLength) + "... [truncated]"
	}
	endedAt := p.EndedAt
	if endedAt == "" {
		endedAt = Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, summary, key_actions, files_modified, ended_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			summary        = excluded.summary,
			key_actions    = excluded.key_actions,
			files_modified = excluded.files_modified,
			ended_at       = excluded.ended_at`,
		id, nullableString(p.Summary), encodeList(p.KeyActions), encodeList(p.FilesModified), endedAt,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// ─── Observations ────────────────────────────────────────────────────────────

// InsertObservation inserts an observation row if absent. Inserting the
// same ID twice is a no-op, which is what makes journal replay idempotent.
func (s *Store) InsertObservation(o Observation) error {
	if o.Timestamp == "" {
		o.Timestamp = Now()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO observations
			(id, session_id, conversation_id, tool_name, tool_input_summary,
			 tool_output_summary, project_path, files_involved, tags, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SessionID, nullableString(o.ConversationID), o.ToolName,
		o.ToolInputSummary, o.ToolOutputSummary, o.ProjectPath,
		encodeList(o.FilesInvolved), encodeList(o.Tags), o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert observation %s: %w", o.ID, err)
	}
	return nil
}

// ObservationExists reports whether an observation row is present.
func (s *Store) ObservationExists(id string) (bool, error) {
	return s.rowExists(`SELECT 1 FROM observations WHERE id = ?`, id)
}

// GetObservation retrieves a single observation by ID.
func (s *Store) GetObservation(id string) (*Observation, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, ifnull(conversation_id, ''), tool_name,
		        tool_input_summary, tool_output_summary, project_path,
		        files_involved, tags, timestamp
		 FROM observations WHERE id = ?`, id,
	)
	return scanObservation(row)
}

// RecentObservations returns the most recent observations for a session,
// newest first. This is the bounded context window the scorer reads.
func (s *Store) RecentObservations(sessionID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, ifnull(conversation_id, ''), tool_name,
		        tool_input_summary, tool_output_summary, project_path,
		        files_involved, tags, timestamp
		 FROM observations
		 WHERE session_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}
	defer rows.Close()

	var results []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *o)
	}
	return results, rows.Err()
}

// ─── Knowledge ───────────────────────────────────────────────────────────────

// InsertKnowledge inserts a knowledge row if absent. Idempotent by ID,
// same discipline as InsertObservation.
func (s *Store) InsertKnowledge(k Knowledge) error {
	now := Now()
	if k.CreatedAt == "" {
		k.CreatedAt = now
	}
	if k.UpdatedAt == "" {
		k.UpdatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO knowledge
			(id, type, content, source_observation_ids, conversation_id,
			 project_path, tags, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Type, k.Content, encodeList(k.SourceObservationIDs),
		nullableString(k.ConversationID), k.ProjectPath, encodeList(k.Tags),
		k.Confidence, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert knowledge %s: %w", k.ID, err)
	}
	return nil
}

// KnowledgeExists reports whether a knowledge row is present.
func (s *Store) KnowledgeExists(id string) (bool, error) {
	return s.rowExists(`SELECT 1 FROM knowledge WHERE id = ?`, id)
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate counts.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"sessions", &stats.TotalSessions},
		{"observations", &stats.TotalObservations},
		{"knowledge", &stats.TotalKnowledge},
		{"conversations", &stats.TotalConversations},
	}
	for _, c := range counts {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// ─── Row helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*Observation, error) {
	var o Observation
	var files, tags sql.NullString
	if err := row.Scan(
		&o.ID, &o.SessionID, &o.ConversationID, &o.ToolName,
		&o.ToolInputSummary, &o.ToolOutputSummary, &o.ProjectPath,
		&files, &tags, &o.Timestamp,
	); err != nil {
		return nil, err
	}
	o.FilesInvolved = decodeList(files.String)
	o.Tags = decodeList(tags.String)
	return &o, nil
}

func (s *Store) rowExists(query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// encodeList serializes a string slice as a JSON array for a TEXT column.
// nil and empty both store as NULL.
func encodeList(items []string) *string {
	if len(items) == 0 {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	v := string(data)
	return &v
}

// decodeList parses a JSON array TEXT column. Malformed data yields nil
// rather than an error; list columns are advisory metadata.
func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
