package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarkAndGetRoundTrip(t *testing.T) {
	tr := NewTracker(t.TempDir())
	require.NoError(t, tr.MarkPending("conv-1", "council", "what is go?"))

	m, ok, err := tr.Get("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "council", m.Mode)
	require.Equal(t, "what is go?", m.UserContent)
	require.False(t, m.StartedAt.IsZero())
}

func TestUpdateProgressMergesPartialData(t *testing.T) {
	tr := NewTracker(t.TempDir())
	require.NoError(t, tr.MarkPending("conv-1", "council", "hi"))
	require.NoError(t, tr.UpdateProgress("conv-1", map[string]any{"stage1": []any{"a"}}))
	require.NoError(t, tr.UpdateProgress("conv-1", map[string]any{"stage2": []any{"b"}}))

	m, ok, err := tr.Get("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, m.PartialData, "stage1")
	require.Contains(t, m.PartialData, "stage2")
}

func TestUpdateProgressIsNoopWithoutExistingMarker(t *testing.T) {
	tr := NewTracker(t.TempDir())
	require.NoError(t, tr.UpdateProgress("conv-missing", map[string]any{"stage1": []any{}}))
	_, ok, err := tr.Get("conv-missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearDeletesMarker(t *testing.T) {
	tr := NewTracker(t.TempDir())
	require.NoError(t, tr.MarkPending("conv-1", "arena", "hi"))
	require.NoError(t, tr.Clear("conv-1"))

	_, ok, err := tr.Get("conv-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsStale(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := Marker{LastUpdate: base}
	require.False(t, fresh.IsStale(base.Add(9*time.Minute)))
	require.True(t, fresh.IsStale(base.Add(11*time.Minute)))
	require.True(t, Marker{}.IsStale(base))
}

func TestMarkersSurviveClockInjection(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(t.TempDir())
	tr.Now = func() time.Time { return fixed }

	require.NoError(t, tr.MarkPending("conv-1", "council", "hi"))
	m, _, err := tr.Get("conv-1")
	require.NoError(t, err)
	require.True(t, m.StartedAt.Equal(fixed))
}
