package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsManager_Record(t *testing.T) {
	sm := NewStatsManager(newTestStore(t), testLogger)

	sm.RecordSuccess("key_a")
	sm.RecordSuccess("key_a")
	sm.RecordFailure("key_a")
	sm.RecordFailure("key_b")

	snapshot := sm.Snapshot()
	today := time.Now().UTC().Format("2006-01-02")
	require.Contains(t, snapshot, today)
	assert.Equal(t, int64(2), snapshot[today]["key_a"].Success)
	assert.Equal(t, int64(1), snapshot[today]["key_a"].Fail)
	assert.Equal(t, int64(1), snapshot[today]["key_b"].Fail)
}

func TestStatsManager_RetentionTrim(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -40).Format("2006-01-02")
	require.NoError(t, store.Save("stats.json", map[string]map[string]*BackendDayStat{
		old: {"key_a": {Success: 5}},
	}))

	sm := NewStatsManager(store, testLogger)
	assert.NotContains(t, sm.Snapshot(), old)
}

func TestStatsManager_Persistence(t *testing.T) {
	store := newTestStore(t)
	sm := NewStatsManager(store, testLogger)
	sm.RecordSuccess("key_a")
	sm.Flush()

	reloaded := NewStatsManager(store, testLogger)
	today := time.Now().UTC().Format("2006-01-02")
	snapshot := reloaded.Snapshot()
	require.Contains(t, snapshot, today)
	assert.Equal(t, int64(1), snapshot[today]["key_a"].Success)
}
