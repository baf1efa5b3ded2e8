// Package journal implements loom's durable intent log.
//
// Every mutating operation the segmentation engine performs is recorded
// as a pending journal entry before (or alongside) the real write, and
// committed only once the write has durably succeeded. On startup,
// replay walks the pending entries: a target row that already exists
// means the original write finished before the crash, so the entry is
// just committed; a missing row is re-applied from the payload. The
// idempotence check makes concurrent replay from two processes a no-op
// rather than a duplicate.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loom/internal/memory"
)

// Operation tags a journal entry with the kind of mutation it records.
// The set of operations and their payload shapes are a compatibility
// contract: other tooling reads journal_entries directly.
type Operation string

const (
	OpInsertObservation Operation = "insert_observation"
	OpInsertKnowledge   Operation = "insert_knowledge"
	OpStashConversation Operation = "stash_conversation"
	OpUpdateSession     Operation = "update_session"
)

// Status is the lifecycle of a journal entry. Entries only ever move
// pending→committed or pending→failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Entry is one row of the intent log.
type Entry struct {
	ID          int64           `json:"id"`
	Operation   Operation       `json:"operation"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	CommittedAt *string         `json:"committed_at,omitempty"`
}

// StashPayload is the payload for stash_conversation entries.
type StashPayload struct {
	StashedAt string `json:"stashed_at"`
	EndedAt   string `json:"ended_at,omitempty"`
}

// Counts summarizes the journal by status.
type Counts struct {
	Pending   int `json:"pending"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
}

// Journal is the append-only intent log backed by the shared store.
type Journal struct {
	db      *sql.DB
	log     *zap.Logger
	timeNow func() time.Time
}

// New creates a Journal over the shared database handle.
func New(db *sql.DB, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{db: db, log: log, timeNow: time.Now}
}

// Write appends a pending entry describing an operation about to be
// performed, and returns its ID. The payload must be the typed struct
// for the operation kind; it is stored as JSON.
func (j *Journal) Write(op Operation, table, recordID string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal %s payload: %w", op, err)
	}

	res, err := j.db.Exec(
		`INSERT INTO journal_entries (operation, table_name, record_id, payload, status, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		string(op), table, recordID, string(data), memory.FormatTime(j.timeNow()),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: write %s entry: %w", op, err)
	}
	return res.LastInsertId()
}

// Commit marks a pending entry committed. Committing an entry that is
// no longer pending is a no-op: a concurrent replayer may have resolved
// it first.
func (j *Journal) Commit(entryID int64) error {
	_, err := j.db.Exec(
		`UPDATE journal_entries
		 SET status = 'committed', committed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		memory.FormatTime(j.timeNow()), entryID,
	)
	if err != nil {
		return fmt.Errorf("journal: commit entry %d: %w", entryID, err)
	}
	return nil
}

// Fail marks a pending entry failed. Failed entries are never retried
// and never cleaned up automatically; they are the audit trail for
// manual inspection.
func (j *Journal) Fail(entryID int64) error {
	_, err := j.db.Exec(
		`UPDATE journal_entries SET status = 'failed' WHERE id = ? AND status = 'pending'`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("journal: fail entry %d: %w", entryID, err)
	}
	return nil
}

// Execute wraps a mutation in the journal discipline: write a pending
// entry, run the mutation, then commit on success or fail the entry on
// error. The mutation error is returned either way.
func (j *Journal) Execute(op Operation, table, recordID string, payload any, mutate func() error) error {
	entryID, err := j.Write(op, table, recordID, payload)
	if err != nil {
		return err
	}

	if err := mutate(); err != nil {
		if failErr := j.Fail(entryID); failErr != nil {
			j.log.Warn("journal: could not mark entry failed",
				zap.Int64("entry_id", entryID), zap.Error(failErr))
		}
		return err
	}

	if err := j.Commit(entryID); err != nil {
		// The mutation succeeded; a stuck pending entry is resolved by
		// the next replay's exists check.
		j.log.Warn("journal: could not commit entry",
			zap.Int64("entry_id", entryID), zap.Error(err))
	}
	return nil
}

// PendingEntries returns all pending entries in append order.
func (j *Journal) PendingEntries() ([]Entry, error) {
	return j.queryEntries(`SELECT id, operation, table_name, record_id, payload, status, created_at, committed_at
		 FROM journal_entries WHERE status = 'pending' ORDER BY id`)
}

// FailedEntries returns all failed entries in append order.
func (j *Journal) FailedEntries() ([]Entry, error) {
	return j.queryEntries(`SELECT id, operation, table_name, record_id, payload, status, created_at, committed_at
		 FROM journal_entries WHERE status = 'failed' ORDER BY id`)
}

func (j *Journal) queryEntries(query string, args ...any) ([]Entry, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.Operation, &e.TableName, &e.RecordID,
			&payload, &e.Status, &e.CreatedAt, &e.CommittedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns per-status entry counts.
func (j *Journal) Counts() (Counts, error) {
	var c Counts
	rows, err := j.db.Query(`SELECT status, COUNT(*) FROM journal_entries GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("journal: counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusCommitted:
			c.Committed = n
		case StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// Cleanup deletes committed entries that are older than maxAge OR fall
// outside the most recent keepCount committed entries (union of the two
// criteria). Pending and failed entries are never deleted. A maxAge of
// zero or less disables the age criterion; a negative keepCount keeps
// nothing by the count criterion.
func (j *Journal) Cleanup(keepCount int, maxAge time.Duration) (int64, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	ageClause := "0"
	args := []any{}
	if maxAge > 0 {
		ageClause = "created_at < ?"
		args = append(args, memory.FormatTime(j.timeNow().Add(-maxAge)))
	}
	args = append(args, keepCount)

	res, err := j.db.Exec(fmt.Sprintf(
		`DELETE FROM journal_entries
		 WHERE status = 'committed'
		   AND (%s OR id NOT IN (
			SELECT id FROM journal_entries
			WHERE status = 'committed'
			ORDER BY id DESC LIMIT ?))`, ageClause),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// PurgeFailed deletes failed entries older than the given age. This is
// the explicit manual escape hatch for the audit trail; nothing calls
// it automatically.
func (j *Journal) PurgeFailed(olderThan time.Duration) (int64, error) {
	res, err := j.db.Exec(
		`DELETE FROM journal_entries WHERE status = 'failed' AND created_at < ?`,
		memory.FormatTime(j.timeNow().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: purge failed entries: %w", err)
	}
	return res.RowsAffected()
}
