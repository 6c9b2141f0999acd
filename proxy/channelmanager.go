package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Channel is a named group of credentials sharing one base URL, with its
// own model allow-list, model remapping, priority/weight routing and a
// concurrency cap.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`

	APIKeys      []string          `json:"apiKeys"`
	Models       []string          `json:"models,omitempty"`
	ModelMapping map[string]string `json:"modelMapping,omitempty"`

	Priority      int `json:"priority"`
	Weight        int `json:"weight"`
	MaxConcurrent int `json:"maxConcurrent"`

	Enabled bool `json:"enabled"`
	Healthy bool `json:"healthy"`

	TotalRequests  int64 `json:"totalRequests"`
	FailedRequests int64 `json:"failedRequests"`
	LastUsed       string `json:"lastUsed,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	AddedAt        string `json:"addedAt"`

	// runtime only
	CurrentConcurrent int `json:"-"`
	keyCursor         int
}

type channelsFile struct {
	Channels []*Channel `json:"channels"`
}

// ChannelSelection is the result of picking a channel for a request: the
// concrete key, the resolved upstream model name, and a release handle for
// the channel's concurrency slot.
type ChannelSelection struct {
	ChannelID string
	Key       string
	BaseURL   string
	Model     string

	cm      *ChannelManager
	release sync.Once
}

// Release frees the channel's concurrency slot. Safe to call more than
// once; only the first call decrements.
func (s *ChannelSelection) Release() {
	s.release.Do(func() {
		s.cm.releaseSlot(s.ChannelID)
	})
}

// ChannelManager owns the channel registry and implements the channel
// regime of backend selection.
type ChannelManager struct {
	mu       sync.Mutex
	channels []*Channel

	store  *FileStore
	save   *debouncer
	logger *LogMonitor
	stats  *StatsManager
}

func NewChannelManager(store *FileStore, logger *LogMonitor, stats *StatsManager) *ChannelManager {
	cm := &ChannelManager{
		store:  store,
		logger: logger,
		stats:  stats,
	}
	cm.save = newDebouncer(persistDelay, cm.saveNow)

	var file channelsFile
	if ok, err := store.Load("channels.json", &file); err != nil {
		logger.Errorf("channels: failed to load state: %v", err)
	} else if ok {
		cm.channels = file.Channels
	}
	return cm
}

func (cm *ChannelManager) saveNow() {
	cm.mu.Lock()
	snapshot := channelsFile{Channels: make([]*Channel, len(cm.channels))}
	for i, ch := range cm.channels {
		copied := *ch
		snapshot.Channels[i] = &copied
	}
	cm.mu.Unlock()
	cm.store.saveLogged("channels.json", snapshot)
}

func (cm *ChannelManager) Flush() {
	cm.save.flush()
}

func newChannelID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "ch_" + hex.EncodeToString(buf)
}

// AddChannel registers a new channel. Weight defaults to 10 when absent.
func (cm *ChannelManager) AddChannel(ch *Channel) *Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if ch.ID == "" {
		ch.ID = newChannelID()
	}
	if ch.Weight <= 0 {
		ch.Weight = 10
	}
	ch.BaseURL = NormalizeBaseURL(ch.BaseURL)
	ch.Enabled = true
	ch.Healthy = true
	ch.AddedAt = time.Now().UTC().Format(time.RFC3339)
	cm.channels = append(cm.channels, ch)
	cm.save.trigger()
	copied := *ch
	return &copied
}

func (cm *ChannelManager) RemoveChannel(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for i, ch := range cm.channels {
		if ch.ID == id {
			cm.channels = append(cm.channels[:i], cm.channels[i+1:]...)
			cm.save.trigger()
			return true
		}
	}
	return false
}

func (cm *ChannelManager) UpdateChannel(id string, update func(*Channel)) *Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, ch := range cm.channels {
		if ch.ID == id {
			update(ch)
			if ch.Weight <= 0 {
				ch.Weight = 10
			}
			ch.BaseURL = NormalizeBaseURL(ch.BaseURL)
			cm.save.trigger()
			copied := *ch
			return &copied
		}
	}
	return nil
}

func (cm *ChannelManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.channels)
}

func (cm *ChannelManager) List() []*Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make([]*Channel, len(cm.channels))
	for i, ch := range cm.channels {
		copied := *ch
		copied.CurrentConcurrent = ch.CurrentConcurrent
		out[i] = &copied
	}
	return out
}

// modelPermitted reports whether a channel can serve the requested model:
// empty list permits all, otherwise glob match against the list or a key
// of the remapping table.
func (ch *Channel) modelPermitted(model string) bool {
	if len(ch.Models) == 0 {
		return true
	}
	for _, pattern := range ch.Models {
		if globMatch(pattern, model) {
			return true
		}
	}
	_, ok := ch.ModelMapping[model]
	return ok
}

// globMatch matches pattern against s; a pattern containing * is compiled
// as ^pattern$ with * meaning any run of characters.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// randomWeightIndex samples r uniform in [0, total) and returns the index
// where the running weight sum passes r.
func randomWeightIndex(weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		return 0
	}
	r := int(n.Int64())
	sum := 0
	for i, w := range weights {
		sum += w
		if r < sum {
			return i
		}
	}
	return len(weights) - 1
}

// Select picks a channel for the requested model: filter by eligibility,
// keep the highest priority tier, weighted-pick within the tier, then
// round-robin a key inside the chosen channel. The channel's concurrency
// slot is held until the returned selection is released.
func (cm *ChannelManager) Select(model string) *ChannelSelection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	eligible := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		if !ch.Enabled || !ch.Healthy {
			continue
		}
		if ch.MaxConcurrent > 0 && ch.CurrentConcurrent >= ch.MaxConcurrent {
			continue
		}
		if !ch.modelPermitted(model) {
			continue
		}
		eligible = append(eligible, ch)
	}
	if len(eligible) == 0 {
		return nil
	}

	maxPriority := eligible[0].Priority
	for _, ch := range eligible[1:] {
		if ch.Priority > maxPriority {
			maxPriority = ch.Priority
		}
	}
	tier := make([]*Channel, 0, len(eligible))
	for _, ch := range eligible {
		if ch.Priority == maxPriority {
			tier = append(tier, ch)
		}
	}

	var chosen *Channel
	if len(tier) == 1 {
		chosen = tier[0]
	} else {
		weights := make([]int, len(tier))
		for i, ch := range tier {
			weights[i] = ch.Weight
		}
		chosen = tier[randomWeightIndex(weights)]
	}

	key := ""
	if len(chosen.APIKeys) > 0 {
		if chosen.keyCursor >= len(chosen.APIKeys) {
			chosen.keyCursor = 0
		}
		key = chosen.APIKeys[chosen.keyCursor]
		chosen.keyCursor = (chosen.keyCursor + 1) % len(chosen.APIKeys)
	}

	resolved := model
	if mapped, ok := chosen.ModelMapping[model]; ok {
		resolved = mapped
	}

	chosen.CurrentConcurrent++

	return &ChannelSelection{
		ChannelID: chosen.ID,
		Key:       key,
		BaseURL:   chosen.BaseURL,
		Model:     resolved,
		cm:        cm,
	}
}

func (cm *ChannelManager) releaseSlot(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, ch := range cm.channels {
		if ch.ID == id {
			if ch.CurrentConcurrent > 0 {
				ch.CurrentConcurrent--
			}
			return
		}
	}
}

// RecordSuccess updates a channel's counters after a completed request.
func (cm *ChannelManager) RecordSuccess(id string) {
	cm.mu.Lock()
	found := false
	for _, ch := range cm.channels {
		if ch.ID == id {
			ch.TotalRequests++
			ch.LastUsed = time.Now().UTC().Format(time.RFC3339)
			ch.Healthy = true
			ch.LastError = ""
			cm.save.trigger()
			found = true
			break
		}
	}
	cm.mu.Unlock()

	if found && cm.stats != nil {
		cm.stats.RecordSuccess(id)
	}
}

// RecordFailure updates counters and auto-quarantines channels past the
// failure-ratio threshold.
func (cm *ChannelManager) RecordFailure(id, errStr string) {
	cm.mu.Lock()
	found := false
	for _, ch := range cm.channels {
		if ch.ID == id {
			ch.TotalRequests++
			ch.FailedRequests++
			ch.LastUsed = time.Now().UTC().Format(time.RFC3339)
			ch.LastError = errStr
			if ch.FailedRequests > quarantineMinFailures &&
				float64(ch.FailedRequests)/float64(ch.TotalRequests) > quarantineFailRatio {
				ch.Healthy = false
			}
			cm.save.trigger()
			found = true
			break
		}
	}
	cm.mu.Unlock()

	if found && cm.stats != nil {
		cm.stats.RecordFailure(id)
	}
}

// ResetHealth marks every channel healthy again.
func (cm *ChannelManager) ResetHealth() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, ch := range cm.channels {
		ch.Healthy = true
		ch.LastError = ""
	}
	cm.save.trigger()
}
