package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCheckpoints(t *testing.T, root string, steps ...int) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, os.MkdirAll(Dir(root, s), 0o750))
	}
}

func steps(t *testing.T, root string) []int {
	t.Helper()
	ckpts, err := List(root)
	require.NoError(t, err)
	out := make([]int, len(ckpts))
	for i, c := range ckpts {
		out[i] = c.Step
	}
	return out
}

func TestListOrdersByStep(t *testing.T) {
	root := t.TempDir()
	makeCheckpoints(t, root, 100, 20, 3)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "checkpoint-final"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "runs"), 0o750))

	assert.Equal(t, []int{3, 20, 100}, steps(t, root))

	ckpts, err := List(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, ckpts)
}

func TestRotate(t *testing.T) {
	tests := []struct {
		name   string
		saved  []int
		limit  int
		best   int
		remain []int
	}{
		{name: "best is newest", saved: []int{2, 4, 6}, limit: 2, best: 6, remain: []int{4, 6}},
		{name: "best is oldest", saved: []int{2, 4, 6}, limit: 2, best: 2, remain: []int{2, 6}},
		{name: "best in middle", saved: []int{2, 4, 6, 8}, limit: 2, best: 4, remain: []int{4, 8}},
		{name: "under limit", saved: []int{2}, limit: 2, best: 2, remain: []int{2}},
		{name: "limit one keeps best and newest", saved: []int{2, 4, 6}, limit: 1, best: 2, remain: []int{2, 6}},
		{name: "no limit", saved: []int{2, 4, 6}, limit: 0, best: 2, remain: []int{2, 4, 6}},
		{name: "no best", saved: []int{2, 4, 6}, limit: 2, best: -1, remain: []int{4, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			makeCheckpoints(t, root, tt.saved...)
			best := ""
			if tt.best >= 0 {
				best = Dir(root, tt.best)
			}
			removed, err := Rotate(root, tt.limit, best)
			require.NoError(t, err)
			assert.Equal(t, tt.remain, steps(t, root))
			assert.Len(t, removed, len(tt.saved)-len(tt.remain))
		})
	}
}

func TestStateImproveIsStrict(t *testing.T) {
	var s State
	assert.True(t, s.Improve(0.5, "checkpoint-2"))
	assert.False(t, s.Improve(0.5, "checkpoint-4"), "ties keep the first checkpoint")
	assert.True(t, s.Improve(0.4, "checkpoint-6"))
	assert.False(t, s.Improve(0.45, "checkpoint-8"))
	assert.Equal(t, "checkpoint-6", s.BestModelCheckpoint)
	assert.InDelta(t, 0.4, *s.BestMetric, 0)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &State{GlobalStep: 20, Epoch: 2, MaxSteps: 30, NumTrainEpochs: 3, LoggingSteps: 10, TrainBatchSize: 8}
	s.Improve(0.25, Dir(dir, 20))
	s.LogHistory = append(s.LogHistory, LogEntry{"step": 10, "loss": 0.7, "learning_rate": 1e-6})
	require.NoError(t, s.Save(dir))

	got, err := LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = LoadState(t.TempDir())
	require.ErrorIs(t, err, ErrNoState)
}

func TestStateImproveIgnoresNaN(t *testing.T) {
	var s State
	assert.False(t, s.Improve(math.NaN(), "checkpoint-2"))
	assert.Nil(t, s.BestMetric)
	assert.Empty(t, s.BestModelCheckpoint)

	assert.True(t, s.Improve(0.3, "checkpoint-4"))
	assert.False(t, s.Improve(math.NaN(), "checkpoint-6"))
	assert.Equal(t, "checkpoint-4", s.BestModelCheckpoint)
	assert.InDelta(t, 0.3, *s.BestMetric, 0)
}

func TestStateSaveNonFinite(t *testing.T) {
	dir := t.TempDir()
	s := &State{GlobalStep: 10}
	s.Improve(math.Inf(1), Dir(dir, 10))
	s.LogHistory = append(s.LogHistory,
		LogEntry{"step": 10, "loss": math.NaN(), "grad_norm": math.Inf(1)},
		LogEntry{"step": 10, "eval_loss": math.Inf(-1)},
	)
	require.NoError(t, s.Save(dir))

	raw, err := os.ReadFile(filepath.Join(dir, StateFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"best_metric": null`)
	assert.Contains(t, string(raw), `"loss": null`)

	got, err := LoadState(dir)
	require.NoError(t, err)
	assert.Nil(t, got.BestMetric)
	assert.Equal(t, Dir(dir, 10), got.BestModelCheckpoint)
	require.Len(t, got.LogHistory, 2)
	assert.True(t, math.IsNaN(got.LogHistory[0]["loss"]))
	assert.True(t, math.IsNaN(got.LogHistory[0]["grad_norm"]))
	assert.True(t, math.IsNaN(got.LogHistory[1]["eval_loss"]))
	assert.InDelta(t, 10, got.LogHistory[0]["step"], 0)
}
