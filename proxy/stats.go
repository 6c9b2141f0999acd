package proxy

import (
	"sync"
	"time"
)

const statsRetentionDays = 30

// BackendDayStat is one backend's success/fail tally for one day.
type BackendDayStat struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
}

// StatsManager keeps per-day per-backend request outcomes, retained for 30
// days and persisted to stats.json.
type StatsManager struct {
	mu   sync.Mutex
	days map[string]map[string]*BackendDayStat

	store *FileStore
	save  *debouncer
}

func NewStatsManager(store *FileStore, logger *LogMonitor) *StatsManager {
	sm := &StatsManager{
		days:  make(map[string]map[string]*BackendDayStat),
		store: store,
	}
	sm.save = newDebouncer(persistDelay, sm.saveNow)

	var file map[string]map[string]*BackendDayStat
	if ok, err := store.Load("stats.json", &file); err != nil {
		logger.Errorf("stats: failed to load state: %v", err)
	} else if ok && file != nil {
		sm.days = file
	}
	sm.trimLocked(time.Now().UTC())
	return sm
}

func (sm *StatsManager) saveNow() {
	sm.mu.Lock()
	snapshot := make(map[string]map[string]*BackendDayStat, len(sm.days))
	for day, backends := range sm.days {
		copied := make(map[string]*BackendDayStat, len(backends))
		for id, stat := range backends {
			s := *stat
			copied[id] = &s
		}
		snapshot[day] = copied
	}
	sm.mu.Unlock()
	sm.store.saveLogged("stats.json", snapshot)
}

func (sm *StatsManager) Flush() {
	sm.save.flush()
}

func (sm *StatsManager) record(backendID string, success bool) {
	day := time.Now().UTC().Format("2006-01-02")

	sm.mu.Lock()
	defer sm.mu.Unlock()

	backends, ok := sm.days[day]
	if !ok {
		backends = make(map[string]*BackendDayStat)
		sm.days[day] = backends
		sm.trimLocked(time.Now().UTC())
	}
	stat, ok := backends[backendID]
	if !ok {
		stat = &BackendDayStat{}
		backends[backendID] = stat
	}
	if success {
		stat.Success++
	} else {
		stat.Fail++
	}
	sm.save.trigger()
}

func (sm *StatsManager) RecordSuccess(backendID string) {
	sm.record(backendID, true)
}

func (sm *StatsManager) RecordFailure(backendID string) {
	sm.record(backendID, false)
}

func (sm *StatsManager) trimLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -statsRetentionDays).Format("2006-01-02")
	for day := range sm.days {
		if day < cutoff {
			delete(sm.days, day)
		}
	}
}

// Snapshot returns a deep copy of the stats table for the admin API.
func (sm *StatsManager) Snapshot() map[string]map[string]*BackendDayStat {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make(map[string]map[string]*BackendDayStat, len(sm.days))
	for day, backends := range sm.days {
		copied := make(map[string]*BackendDayStat, len(backends))
		for id, stat := range backends {
			s := *stat
			copied[id] = &s
		}
		out[day] = copied
	}
	return out
}
