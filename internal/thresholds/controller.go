// Package thresholds maintains the per-project adaptive decision
// boundaries for topic-shift classification.
//
// A project's row is created lazily with defaults on first access and
// then nudged by a feedback loop: false positives raise the trust
// threshold, sustained clean auto-stashes relax it, and a high
// suggestion acceptance rate lowers the ask threshold. Every update
// re-clamps so that 0 ≤ ask_threshold ≤ trust_threshold ≤ 1 holds no
// matter how concurrent writers interleave. Lost updates are
// acceptable; out-of-range values are not.
package thresholds

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"loom/internal/config"
)

// Thresholds is one project's decision boundaries and feedback counters.
type Thresholds struct {
	ProjectID               string  `json:"project_id"`
	AskThreshold            float64 `json:"ask_threshold"`
	TrustThreshold          float64 `json:"trust_threshold"`
	AutoStashCount          int     `json:"auto_stash_count"`
	FalsePositiveCount      int     `json:"false_positive_count"`
	SuggestionShownCount    int     `json:"suggestion_shown_count"`
	SuggestionAcceptedCount int     `json:"suggestion_accepted_count"`
}

// Controller owns the adaptive_thresholds table.
type Controller struct {
	db           *sql.DB
	log          *zap.Logger
	defaultAsk   float64
	defaultTrust float64
	tuning       config.Tuning
}

// New creates a Controller with the given defaults and tuning steps.
func New(db *sql.DB, log *zap.Logger, defaultAsk, defaultTrust float64, tuning config.Tuning) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		db:           db,
		log:          log,
		defaultAsk:   defaultAsk,
		defaultTrust: defaultTrust,
		tuning:       tuning,
	}
}

// Get returns the project's thresholds, creating the row with defaults
// on first access.
func (c *Controller) Get(projectID string) (*Thresholds, error) {
	if err := c.ensureRow(projectID); err != nil {
		return nil, err
	}
	return c.read(projectID)
}

// RecordAutoStash notes that a trust-tier auto-stash fired. When false
// positives make up a large fraction of auto-stashes the trust
// threshold is nudged upward (more conservative); otherwise it relaxes
// slightly so the tier stays responsive.
func (c *Controller) RecordAutoStash(projectID string) error {
	return c.update(projectID, func(t *Thresholds) {
		t.AutoStashCount++
		rate := 0.0
		if t.AutoStashCount > 0 {
			rate = float64(t.FalsePositiveCount) / float64(t.AutoStashCount)
		}
		if rate > c.tuning.HighFPRate {
			t.TrustThreshold += c.tuning.AutoStashStep
		} else {
			// Relax, but never below the ask boundary.
			t.TrustThreshold -= c.tuning.RelaxStep
			if t.TrustThreshold < t.AskThreshold {
				t.TrustThreshold = t.AskThreshold
			}
		}
	})
}

// RecordFalsePositive notes that an auto-stash was contradicted by a
// prompt resume. The trust threshold takes a fixed step upward, capped.
func (c *Controller) RecordFalsePositive(projectID string) error {
	return c.update(projectID, func(t *Thresholds) {
		t.FalsePositiveCount++
		t.TrustThreshold += c.tuning.FalsePositiveStep
		if t.TrustThreshold > c.tuning.MaxTrust {
			t.TrustThreshold = c.tuning.MaxTrust
		}
	})
}

// RecordSuggestionShown notes that an ask-tier suggestion was surfaced.
// No threshold change: this is the baseline for the acceptance rate.
func (c *Controller) RecordSuggestionShown(projectID string) error {
	return c.update(projectID, func(t *Thresholds) {
		t.SuggestionShownCount++
	})
}

// RecordSuggestionAccepted notes that the user took an ask-tier
// suggestion. A high acceptance rate lowers the ask threshold so nudges
// come earlier.
func (c *Controller) RecordSuggestionAccepted(projectID string) error {
	return c.update(projectID, func(t *Thresholds) {
		t.SuggestionAcceptedCount++
		if t.SuggestionShownCount > 0 {
			rate := float64(t.SuggestionAcceptedCount) / float64(t.SuggestionShownCount)
			if rate >= c.tuning.HighAcceptRate {
				t.AskThreshold -= c.tuning.AskStep
			}
		}
	})
}

// ─── Internals ───────────────────────────────────────────────────────────────

func (c *Controller) ensureRow(projectID string) error {
	_, err := c.db.Exec(
		`INSERT OR IGNORE INTO adaptive_thresholds (project_id, ask_threshold, trust_threshold)
		 VALUES (?, ?, ?)`,
		projectID, c.defaultAsk, c.defaultTrust,
	)
	if err != nil {
		return fmt.Errorf("thresholds: ensure row for %s: %w", projectID, err)
	}
	return nil
}

func (c *Controller) read(projectID string) (*Thresholds, error) {
	row := c.db.QueryRow(
		`SELECT project_id, ask_threshold, trust_threshold, auto_stash_count,
		        false_positive_count, suggestion_shown_count, suggestion_accepted_count
		 FROM adaptive_thresholds WHERE project_id = ?`, projectID,
	)
	var t Thresholds
	if err := row.Scan(&t.ProjectID, &t.AskThreshold, &t.TrustThreshold,
		&t.AutoStashCount, &t.FalsePositiveCount,
		&t.SuggestionShownCount, &t.SuggestionAcceptedCount); err != nil {
		return nil, fmt.Errorf("thresholds: read %s: %w", projectID, err)
	}
	return &t, nil
}

// update is the read-modify-write cycle shared by all mutators. The
// clamp runs after every apply regardless of interleaving, so a lost
// update can cost a nudge but never an invalid range.
func (c *Controller) update(projectID string, apply func(*Thresholds)) error {
	if err := c.ensureRow(projectID); err != nil {
		return err
	}
	t, err := c.read(projectID)
	if err != nil {
		return err
	}

	apply(t)
	c.clamp(t)

	_, err = c.db.Exec(
		`UPDATE adaptive_thresholds
		 SET ask_threshold = ?, trust_threshold = ?, auto_stash_count = ?,
		     false_positive_count = ?, suggestion_shown_count = ?, suggestion_accepted_count = ?
		 WHERE project_id = ?`,
		t.AskThreshold, t.TrustThreshold, t.AutoStashCount,
		t.FalsePositiveCount, t.SuggestionShownCount, t.SuggestionAcceptedCount,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("thresholds: update %s: %w", projectID, err)
	}
	return nil
}

// clamp enforces 0 ≤ ask ≤ trust ≤ 1, with the configured ask floor.
// Ask is clamped down when an update would invert the ordering.
func (c *Controller) clamp(t *Thresholds) {
	if t.TrustThreshold > 1 {
		t.TrustThreshold = 1
	}
	if t.TrustThreshold < 0 {
		t.TrustThreshold = 0
	}
	if t.AskThreshold < c.tuning.MinAsk {
		t.AskThreshold = c.tuning.MinAsk
	}
	if t.AskThreshold < 0 {
		t.AskThreshold = 0
	}
	if t.AskThreshold > t.TrustThreshold {
		t.AskThreshold = t.TrustThreshold
	}
}
