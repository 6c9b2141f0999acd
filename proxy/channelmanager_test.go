package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannelManager(t *testing.T) *ChannelManager {
	t.Helper()
	return NewChannelManager(newTestStore(t), testLogger, nil)
}

func addTestChannel(cm *ChannelManager, name string, priority, weight int, mutate func(*Channel)) *Channel {
	ch := &Channel{
		Name:     name,
		BaseURL:  "http://upstream.local",
		APIKeys:  []string{"key-" + name},
		Priority: priority,
		Weight:   weight,
	}
	if mutate != nil {
		mutate(ch)
	}
	return cm.AddChannel(ch)
}

func TestChannelManager_SelectHighestPriority(t *testing.T) {
	cm := newTestChannelManager(t)
	addTestChannel(cm, "low", 1, 10, nil)
	high := addTestChannel(cm, "high", 5, 10, nil)

	for i := 0; i < 5; i++ {
		sel := cm.Select("any-model")
		require.NotNil(t, sel)
		assert.Equal(t, high.ID, sel.ChannelID)
		sel.Release()
	}
}

func TestChannelManager_SelectSkipsDisabledAndUnhealthy(t *testing.T) {
	cm := newTestChannelManager(t)
	bad := addTestChannel(cm, "bad", 9, 10, nil)
	good := addTestChannel(cm, "good", 1, 10, nil)

	cm.UpdateChannel(bad.ID, func(ch *Channel) { ch.Enabled = false })
	sel := cm.Select("m")
	require.NotNil(t, sel)
	assert.Equal(t, good.ID, sel.ChannelID)
	sel.Release()

	// re-enabled but quarantined: still skipped
	cm.UpdateChannel(bad.ID, func(ch *Channel) { ch.Enabled = true })
	for i := 0; i < 6; i++ {
		cm.RecordFailure(bad.ID, "HTTP 502")
	}
	sel = cm.Select("m")
	require.NotNil(t, sel)
	assert.Equal(t, good.ID, sel.ChannelID)
	sel.Release()
}

func TestChannelManager_ModelFiltering(t *testing.T) {
	cm := newTestChannelManager(t)
	llamaOnly := addTestChannel(cm, "llama-only", 5, 10, func(ch *Channel) {
		ch.Models = []string{"llama*"}
	})
	mapped := addTestChannel(cm, "mapped", 1, 10, func(ch *Channel) {
		ch.Models = []string{"other"}
		ch.ModelMapping = map[string]string{"gpt-4": "llama3:70b"}
	})

	sel := cm.Select("llama3:8b")
	require.NotNil(t, sel)
	assert.Equal(t, llamaOnly.ID, sel.ChannelID)
	assert.Equal(t, "llama3:8b", sel.Model)
	sel.Release()

	// remap keys count as permitted and rewrite the model name
	sel = cm.Select("gpt-4")
	require.NotNil(t, sel)
	assert.Equal(t, mapped.ID, sel.ChannelID)
	assert.Equal(t, "llama3:70b", sel.Model)
	sel.Release()

	assert.Nil(t, cm.Select("mistral"))
}

func TestChannelManager_EmptyModelListPermitsAll(t *testing.T) {
	cm := newTestChannelManager(t)
	addTestChannel(cm, "open", 1, 10, nil)

	sel := cm.Select("anything:at-all")
	require.NotNil(t, sel)
	sel.Release()
}

func TestChannelManager_ConcurrencyCap(t *testing.T) {
	cm := newTestChannelManager(t)
	capped := addTestChannel(cm, "capped", 5, 10, func(ch *Channel) {
		ch.MaxConcurrent = 2
	})
	overflow := addTestChannel(cm, "overflow", 1, 10, nil)

	sel1 := cm.Select("m")
	sel2 := cm.Select("m")
	require.NotNil(t, sel1)
	require.NotNil(t, sel2)
	assert.Equal(t, capped.ID, sel1.ChannelID)
	assert.Equal(t, capped.ID, sel2.ChannelID)

	// at cap the lower priority channel absorbs the next request
	sel3 := cm.Select("m")
	require.NotNil(t, sel3)
	assert.Equal(t, overflow.ID, sel3.ChannelID)

	// releasing a slot makes the capped channel eligible again;
	// double release must not double-decrement
	sel1.Release()
	sel1.Release()
	sel4 := cm.Select("m")
	require.NotNil(t, sel4)
	assert.Equal(t, capped.ID, sel4.ChannelID)
	sel5 := cm.Select("m")
	require.NotNil(t, sel5)
	assert.Equal(t, overflow.ID, sel5.ChannelID)

	sel2.Release()
	sel3.Release()
	sel4.Release()
	sel5.Release()
}

func TestChannelManager_KeyRoundRobin(t *testing.T) {
	cm := newTestChannelManager(t)
	addTestChannel(cm, "multi", 1, 10, func(ch *Channel) {
		ch.APIKeys = []string{"k1", "k2", "k3"}
	})

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		sel := cm.Select("m")
		require.NotNil(t, sel)
		seen[sel.Key]++
		sel.Release()
	}
	assert.Equal(t, map[string]int{"k1": 2, "k2": 2, "k3": 2}, seen)
}

func TestChannelManager_WeightedPickCoversTier(t *testing.T) {
	cm := newTestChannelManager(t)
	a := addTestChannel(cm, "a", 1, 50, nil)
	b := addTestChannel(cm, "b", 1, 50, nil)

	seen := make(map[string]int)
	for i := 0; i < 200; i++ {
		sel := cm.Select("m")
		require.NotNil(t, sel)
		seen[sel.ChannelID]++
		sel.Release()
	}
	// equal weights: both channels must actually receive traffic
	assert.Greater(t, seen[a.ID], 0)
	assert.Greater(t, seen[b.ID], 0)
}

func TestChannelManager_AutoQuarantine(t *testing.T) {
	cm := newTestChannelManager(t)
	ch := addTestChannel(cm, "flaky", 1, 10, nil)

	for i := 0; i < 6; i++ {
		cm.RecordFailure(ch.ID, "HTTP 502")
	}
	assert.Nil(t, cm.Select("m"))

	cm.RecordSuccess(ch.ID)
	sel := cm.Select("m")
	require.NotNil(t, sel)
	sel.Release()
}

func TestChannelManager_StatsIntegration(t *testing.T) {
	store := newTestStore(t)
	sm := NewStatsManager(store, testLogger)
	cm := NewChannelManager(store, testLogger, sm)
	ch := addTestChannel(cm, "counted", 1, 10, nil)

	cm.RecordSuccess(ch.ID)
	cm.RecordSuccess(ch.ID)
	cm.RecordFailure(ch.ID, "HTTP 502")

	// unknown channel ids leave the stats untouched
	cm.RecordSuccess("ch_missing")

	snapshot := sm.Snapshot()
	today := time.Now().UTC().Format("2006-01-02")
	require.Contains(t, snapshot, today)
	assert.Equal(t, int64(2), snapshot[today][ch.ID].Success)
	assert.Equal(t, int64(1), snapshot[today][ch.ID].Fail)
	assert.NotContains(t, snapshot[today], "ch_missing")
}

func TestChannelManager_Persistence(t *testing.T) {
	store := newTestStore(t)

	cm := NewChannelManager(store, testLogger, nil)
	ch := cm.AddChannel(&Channel{
		Name:         "persisted",
		BaseURL:      "http://upstream.local",
		APIKeys:      []string{"k"},
		ModelMapping: map[string]string{"gpt-4": "llama3"},
	})
	cm.Flush()

	reloaded := NewChannelManager(store, testLogger, nil)
	require.Equal(t, 1, reloaded.Count())
	channels := reloaded.List()
	assert.Equal(t, ch.ID, channels[0].ID)
	assert.Equal(t, "llama3", channels[0].ModelMapping["gpt-4"])
	// the concurrency counter is runtime state, not persisted
	assert.Equal(t, 0, channels[0].CurrentConcurrent)
}
