package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "telemetry.db"), Options{LogQueryText: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHashQuery(t *testing.T) {
	h := HashQuery("send an email")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashQuery("send an email"))
	assert.NotEqual(t, h, HashQuery("send an Email"))
}

func TestLogRoutingEventAssignsIDAndHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &RoutingEvent{
		SessionID:      "s1",
		QueryText:      "send an email",
		Strategy:       "sota",
		SelectedTools:  []string{"email.send", "email.read"},
		CandidateCount: 5,
	}
	require.NoError(t, store.LogRoutingEvent(ctx, ev))

	assert.NotEmpty(t, ev.ID)
	assert.Len(t, ev.QueryHash, 16)

	events, err := store.GetRoutingEvents(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"email.send", "email.read"}, events[0].SelectedTools)
}

func TestQueryTextOmittedWhenDisabled(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "telemetry.db"), Options{LogQueryText: false})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.LogRoutingEvent(ctx, &RoutingEvent{
		SessionID: "s1",
		QueryText: "private question",
		Strategy:  "sota",
	}))

	events, err := store.GetRoutingEvents(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].QueryText)
	assert.Len(t, events[0].QueryHash, 16)
}

func TestToolStatsRollingSuccessRate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Unseen tool: smoothed prior.
	stats, err := store.GetToolStats(ctx, "email.send")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stats.RollingSuccessRate, 1e-9)
	assert.Zero(t, stats.TotalCalls)

	// 3 successes, 1 failure -> (3+1)/(4+2).
	for _, success := range []bool{true, true, true, false} {
		require.NoError(t, store.LogToolCall(ctx, &ToolCallEvent{
			ToolID:      "email.send",
			Success:     success,
			ExecutionMs: 120,
			WasSelected: true,
		}))
	}

	stats, err = store.GetToolStats(ctx, "email.send")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, 3, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.InDelta(t, 4.0/6.0, stats.RollingSuccessRate, 1e-9)
	assert.InDelta(t, 120, stats.AvgLatencyMs, 1e-9)
}

func TestGetRecentRewardsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.LogReward(ctx, &RewardSignal{
			ToolID:    "email.send",
			Total:     float64(i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rewards, err := store.GetRecentRewards(ctx, "email.send", 2)
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	assert.InDelta(t, 2, rewards[0].Total, 1e-9)
	assert.InDelta(t, 1, rewards[1].Total, 1e-9)
}

func TestCleanupCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.LogRoutingEvent(ctx, &RoutingEvent{SessionID: "s1", Strategy: "sota", CreatedAt: old}))
	require.NoError(t, store.LogToolCall(ctx, &ToolCallEvent{ToolID: "email.send", Success: true, CreatedAt: old}))
	require.NoError(t, store.LogReward(ctx, &RewardSignal{ToolID: "email.send", Total: 0.5, CreatedAt: old}))

	require.NoError(t, store.LogRoutingEvent(ctx, &RoutingEvent{SessionID: "s1", Strategy: "sota"}))

	require.NoError(t, store.Cleanup(ctx, 24*time.Hour))

	events, err := store.GetRoutingEvents(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	rewards, err := store.GetRecentRewards(ctx, "email.send", 10)
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func TestComputeReward(t *testing.T) {
	cfg := DefaultRewardConfig()

	t.Run("success with small latency", func(t *testing.T) {
		sig := ComputeReward(cfg, true, 1000, 100, false)
		assert.InDelta(t, 1, sig.Success, 1e-9)
		assert.InDelta(t, 0.01, sig.LatencyPenalty, 1e-9)
		assert.InDelta(t, 0.01, sig.ContextCostPenalty, 1e-9)
		assert.Zero(t, sig.FollowupPenalty)
		assert.InDelta(t, 0.98, sig.Total, 1e-9)
	})

	t.Run("failure skips latency penalty", func(t *testing.T) {
		sig := ComputeReward(cfg, false, 99999, 100, false)
		assert.InDelta(t, -1, sig.Success, 1e-9)
		assert.Zero(t, sig.LatencyPenalty)
		// Already at the floor after context cost.
		assert.InDelta(t, -1, sig.Total, 1e-9)
	})

	t.Run("penalties are capped", func(t *testing.T) {
		sig := ComputeReward(cfg, true, 10_000_000, 1_000_000, true)
		assert.InDelta(t, cfg.LatencyCap, sig.LatencyPenalty, 1e-9)
		assert.InDelta(t, cfg.ContextCap, sig.ContextCostPenalty, 1e-9)
		assert.InDelta(t, cfg.FollowupPenalty, sig.FollowupPenalty, 1e-9)
		assert.InDelta(t, 1-0.3-0.2-0.2, sig.Total, 1e-9)
	})

	t.Run("total clamped to [-1,1]", func(t *testing.T) {
		sig := ComputeReward(cfg, false, 0, 1_000_000, true)
		assert.InDelta(t, -1, sig.Total, 1e-9)
	})
}
