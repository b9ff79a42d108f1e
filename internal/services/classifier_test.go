package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/testutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier(t *testing.T) (*StallClassifier, *testutil.MockClock) {
	t.Helper()
	clk := testutil.NewMockClockAt(testNow)
	return NewStallClassifier(config.NewTestConfig(), clk), clk
}

// =============================================================================
// Rule precedence tests
// =============================================================================

func TestCheckStatus_GraceWindowAlwaysClears(t *testing.T) {
	c, _ := newTestClassifier(t)
	d := testutil.NewDownload(1, testNow)

	// Build up an observation first
	c.CheckStatus(d)
	c.CheckStatus(d)
	require.Equal(t, 1, c.Len())

	// Same hash re-added 10 minutes ago with a 30 minute grace period
	recent := testutil.NewDownload(1, testNow, testutil.WithAddedAt(testNow.Add(-10*time.Minute)))
	v := c.CheckStatus(recent)

	assert.Equal(t, Verdict{}, v)
	assert.Equal(t, 0, c.Len(), "grace window must clear prior observation")
}

func TestCheckStatus_GraceBoundary(t *testing.T) {
	c, _ := newTestClassifier(t)

	// Exactly at the window edge is no longer recent
	edge := testutil.NewDownload(1, testNow, testutil.WithAddedAt(testNow.Add(-30*time.Minute)))
	assert.True(t, c.CheckStatus(edge).Warning())

	inside := testutil.NewDownload(2, testNow, testutil.WithAddedAt(testNow.Add(-29*time.Minute)))
	assert.False(t, c.CheckStatus(inside).Warning())
}

func TestCheckStatus_GraceBoundaryMilliseconds(t *testing.T) {
	c, _ := newTestClassifier(t)
	edge := testNow.Add(-30 * time.Minute)

	justInside := testutil.NewDownload(1, testNow, testutil.WithAddedAt(edge.Add(500*time.Millisecond)))
	assert.Equal(t, Verdict{}, c.CheckStatus(justInside))

	justOutside := testutil.NewDownload(2, testNow, testutil.WithAddedAt(edge.Add(-500*time.Millisecond)))
	assert.True(t, c.CheckStatus(justOutside).Warning())
}

func TestCheckStatus_PendingSourcesClears(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.CheckStatus(testutil.NewDownload(1, testNow))

	v := c.CheckStatus(testutil.NewDownload(1, testNow, testutil.WithPendingSources(2)))
	assert.Equal(t, Verdict{}, v)
	assert.Equal(t, 0, c.Len())
}

func TestCheckStatus_CompleteNeverFlagged(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.CheckStatus(testutil.NewDownload(1, testNow))

	done := testutil.NewDownload(1, testNow, testutil.WithProgress(100))
	for i := 0; i < 6; i++ {
		v := c.CheckStatus(done)
		assert.False(t, v.Stalled)
		assert.Empty(t, v.Reason)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCheckStatus_ProgressChangeResetsCount(t *testing.T) {
	c, _ := newTestClassifier(t)

	d := testutil.NewDownload(1, testNow, testutil.WithSizeDone(500))
	assert.Equal(t, int64(1), c.CheckStatus(d).Count)
	assert.Equal(t, int64(2), c.CheckStatus(d).Count)

	moved := testutil.NewDownload(1, testNow, testutil.WithSizeDone(600))
	assert.Equal(t, Verdict{}, c.CheckStatus(moved))
	assert.Equal(t, 0, c.Len())

	// Next anomaly starts counting from 1 again
	assert.Equal(t, int64(1), c.CheckStatus(moved).Count)
}

func TestCheckStatus_StaleCompletion(t *testing.T) {
	c, _ := newTestClassifier(t)

	stale := testutil.NewDownload(1, testNow, testutil.WithLastSeenComplete(testNow.Add(-8*24*time.Hour)))
	v := c.CheckStatus(stale)
	assert.True(t, v.Warning())
	assert.Equal(t, "Last seen complete > 7 days ago", v.Reason)
	assert.Equal(t, int64(1), v.Count)
}

func TestCheckStatus_RecentCompletionClears(t *testing.T) {
	c, _ := newTestClassifier(t)

	d := testutil.NewDownload(1, testNow, testutil.WithLastSeenComplete(testNow.Add(-8*24*time.Hour)))
	c.CheckStatus(d)
	require.Equal(t, 1, c.Len())

	// A full source showed up again yesterday
	fresh := testutil.NewDownload(1, testNow, testutil.WithLastSeenComplete(testNow.Add(-24*time.Hour)))
	assert.Equal(t, Verdict{}, c.CheckStatus(fresh))
	assert.Equal(t, 0, c.Len())
}

// =============================================================================
// Threshold tests
// =============================================================================

func TestCheckStatus_MonotonicCountAndStrictThreshold(t *testing.T) {
	c, _ := newTestClassifier(t) // StallChecks = 3
	d := testutil.NewDownload(1, testNow)

	for want := int64(1); want <= 3; want++ {
		v := c.CheckStatus(d)
		assert.Equal(t, want, v.Count)
		assert.True(t, v.Warning(), "count %d should only warn", want)
		assert.Equal(t, ReasonNeverSeenComplete, v.Reason)
	}

	v := c.CheckStatus(d)
	assert.True(t, v.Stalled)
	assert.Equal(t, int64(4), v.Count)

	// Still stalled while nothing changes
	v = c.CheckStatus(d)
	assert.True(t, v.Stalled)
	assert.Equal(t, int64(5), v.Count)
}

func TestCheckStatus_SingleStallCheck(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.StallChecks = 1
	c := NewStallClassifier(cfg, testutil.NewMockClockAt(testNow))
	d := testutil.NewDownload(1, testNow)

	first := c.CheckStatus(d)
	assert.True(t, first.Warning())
	assert.Equal(t, int64(1), first.Count)

	second := c.CheckStatus(d)
	assert.True(t, second.Stalled, "count 2 exceeds STALL_CHECKS=1")
	assert.Equal(t, int64(2), second.Count)
}

// =============================================================================
// State management tests
// =============================================================================

func TestCleanup_Idempotent(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.CheckStatus(testutil.NewDownload(1, testNow))
	c.CheckStatus(testutil.NewDownload(2, testNow))
	c.CheckStatus(testutil.NewDownload(3, testNow))

	active := map[string]struct{}{testutil.TestHash(2): {}}
	c.Cleanup(active)
	first := c.Snapshot()

	c.Cleanup(active)
	assert.Equal(t, first, c.Snapshot())
	require.Len(t, first, 1)
	assert.Equal(t, testutil.TestHash(2), first[0].Hash)
}

func TestForget(t *testing.T) {
	c, _ := newTestClassifier(t)
	d := testutil.NewDownload(1, testNow)
	c.CheckStatus(d)
	c.CheckStatus(d)

	c.Forget(d.Hash)
	c.Forget(d.Hash)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.CheckStatus(d).Count)
}

func TestSnapshot_IsCopy(t *testing.T) {
	c, clk := newTestClassifier(t)
	d := testutil.NewDownload(1, testNow)
	c.CheckStatus(d)
	clk.Advance(time.Minute)
	c.CheckStatus(d)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].Count)
	assert.Equal(t, testNow, snap[0].FirstSeen)
	assert.Equal(t, testNow.Add(time.Minute), snap[0].LastChecked)

	snap[0].Count = 99
	assert.Equal(t, int64(2), c.Snapshot()[0].Count)
}
