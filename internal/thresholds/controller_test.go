package thresholds_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
	"loom/internal/memory"
	"loom/internal/thresholds"
)

func newTestController(t *testing.T) *thresholds.Controller {
	t.Helper()
	s, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSummaryLength: 2000})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return thresholds.New(s.DB(), nil, 0.30, 0.70, config.Default().Tuning)
}

func TestGet_CreatesRowWithDefaults(t *testing.T) {
	c := newTestController(t)

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 0.30, th.AskThreshold)
	assert.Equal(t, 0.70, th.TrustThreshold)
	assert.Zero(t, th.AutoStashCount)
}

func TestGet_DoesNotResetExistingRow(t *testing.T) {
	c := newTestController(t)

	require.NoError(t, c.RecordFalsePositive("/proj"))
	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 1, th.FalsePositiveCount)
	assert.InDelta(t, 0.75, th.TrustThreshold, 1e-9)
}

func TestRecordFalsePositive_RaisesTrustWithCap(t *testing.T) {
	c := newTestController(t)

	// 0.70 + 10 * 0.05 would be 1.20; the cap holds it at 0.95.
	for i := 0; i < 10; i++ {
		require.NoError(t, c.RecordFalsePositive("/proj"))
	}

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, th.TrustThreshold, 1e-9)
	assert.Equal(t, 10, th.FalsePositiveCount)
}

func TestRecordAutoStash_RelaxesWhenCleanRun(t *testing.T) {
	c := newTestController(t)

	require.NoError(t, c.RecordAutoStash("/proj"))

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.InDelta(t, 0.69, th.TrustThreshold, 1e-9)
	assert.Equal(t, 1, th.AutoStashCount)
}

func TestRecordAutoStash_TightensOnHighFalsePositiveRate(t *testing.T) {
	c := newTestController(t)

	// Two false positives against one auto-stash: rate 2/2 after the
	// increment, well above the 0.5 limit.
	require.NoError(t, c.RecordAutoStash("/proj"))
	require.NoError(t, c.RecordFalsePositive("/proj"))
	require.NoError(t, c.RecordFalsePositive("/proj"))

	before, err := c.Get("/proj")
	require.NoError(t, err)

	require.NoError(t, c.RecordAutoStash("/proj"))
	after, err := c.Get("/proj")
	require.NoError(t, err)
	assert.Greater(t, after.TrustThreshold, before.TrustThreshold)
}

func TestRecordAutoStash_RelaxNeverCrossesAsk(t *testing.T) {
	s, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSummaryLength: 2000})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Trust starts barely above ask; two relaxes would invert them.
	c := thresholds.New(s.DB(), nil, 0.50, 0.505, config.Default().Tuning)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordAutoStash("/proj"))
	}

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, th.TrustThreshold, th.AskThreshold)
	assert.InDelta(t, 0.50, th.TrustThreshold, 1e-9)
}

func TestRecordSuggestionAccepted_LowersAskOnHighAcceptance(t *testing.T) {
	c := newTestController(t)

	require.NoError(t, c.RecordSuggestionShown("/proj"))
	require.NoError(t, c.RecordSuggestionAccepted("/proj"))

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.InDelta(t, 0.28, th.AskThreshold, 1e-9)
	assert.Equal(t, 1, th.SuggestionShownCount)
	assert.Equal(t, 1, th.SuggestionAcceptedCount)
}

func TestRecordSuggestionAccepted_NoChangeOnLowAcceptance(t *testing.T) {
	c := newTestController(t)

	// Accepting 1 of 4 shown stays below the 0.6 rate.
	for i := 0; i < 4; i++ {
		require.NoError(t, c.RecordSuggestionShown("/proj"))
	}
	require.NoError(t, c.RecordSuggestionAccepted("/proj"))

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.Equal(t, 0.30, th.AskThreshold)
}

func TestAskThreshold_Floor(t *testing.T) {
	c := newTestController(t)

	// Accept every suggestion; the ask threshold bottoms out at min_ask.
	for i := 0; i < 30; i++ {
		require.NoError(t, c.RecordSuggestionShown("/proj"))
		require.NoError(t, c.RecordSuggestionAccepted("/proj"))
	}

	th, err := c.Get("/proj")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, th.AskThreshold, 1e-9)
}

func TestOrderingInvariant_AlwaysHolds(t *testing.T) {
	c := newTestController(t)

	ops := []func(string) error{
		c.RecordAutoStash,
		c.RecordFalsePositive,
		c.RecordSuggestionShown,
		c.RecordSuggestionAccepted,
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, ops[i%len(ops)]("/proj"))

		th, err := c.Get("/proj")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, th.AskThreshold, 0.0)
		assert.GreaterOrEqual(t, th.TrustThreshold, th.AskThreshold)
		assert.LessOrEqual(t, th.TrustThreshold, 1.0)
	}
}

func TestProjects_Independent(t *testing.T) {
	c := newTestController(t)

	require.NoError(t, c.RecordFalsePositive("/proj-a"))

	b, err := c.Get("/proj-b")
	require.NoError(t, err)
	assert.Equal(t, 0.70, b.TrustThreshold)
	assert.Zero(t, b.FalsePositiveCount)
}
