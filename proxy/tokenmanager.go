package proxy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuthToken is a client-facing bearer credential issued by the gateway,
// distinct from backend keys. The plain secret is kept for O(1) lookup;
// the hash rides along for a future hash-only storage migration.
type AuthToken struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"token"`
	TokenHash string `json:"tokenHash"`
	Enabled   bool   `json:"enabled"`

	ExpiresAt string `json:"expiresAt,omitempty"`

	// Quota is a per-month token-count budget; zero means unlimited.
	Quota        int64  `json:"quota,omitempty"`
	QuotaUsed    int64  `json:"quotaUsed"`
	QuotaResetAt string `json:"quotaResetAt,omitempty"`

	AllowedModels []string `json:"allowedModels,omitempty"`
	AllowedIPs    []string `json:"allowedIps,omitempty"`

	TotalRequests int64 `json:"totalRequests"`
	TotalTokens   int64 `json:"totalTokens"`

	RateLimit *TokenRateLimit `json:"rateLimit,omitempty"`

	CreatedAt string `json:"createdAt"`
	LastUsed  string `json:"lastUsed,omitempty"`
}

// TokenRateLimit overrides the gateway-wide per-token window for one token.
type TokenRateLimit struct {
	MaxRequests int   `json:"max"`
	WindowMs    int64 `json:"windowMs"`
}

// DayUsage is the per-day slice of a token's usage record.
type DayUsage struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

type tokensFile struct {
	Tokens     []*AuthToken                    `json:"tokens"`
	UsageStats map[string]map[string]*DayUsage `json:"usageStats"`
}

// TokenCreateOptions are the operator-settable fields of a new token.
type TokenCreateOptions struct {
	Name          string          `json:"name"`
	ExpiresAt     string          `json:"expiresAt"`
	Quota         int64           `json:"quota"`
	AllowedModels []string        `json:"allowedModels"`
	AllowedIPs    []string        `json:"allowedIps"`
	RateLimit     *TokenRateLimit `json:"rateLimit"`
}

// TokenManager owns the auth token registry and the per-day usage records.
type TokenManager struct {
	mu      sync.Mutex
	tokens  []*AuthToken
	byID    map[string]*AuthToken
	byPlain map[string]*AuthToken
	usage   map[string]map[string]*DayUsage

	store  *FileStore
	save   *debouncer
	logger *LogMonitor
}

func NewTokenManager(store *FileStore, logger *LogMonitor) *TokenManager {
	tm := &TokenManager{
		byID:    make(map[string]*AuthToken),
		byPlain: make(map[string]*AuthToken),
		usage:   make(map[string]map[string]*DayUsage),
		store:   store,
		logger:  logger,
	}
	tm.save = newDebouncer(persistDelay, tm.saveNow)

	var file tokensFile
	if ok, err := store.Load("tokens.json", &file); err != nil {
		logger.Errorf("tokens: failed to load state: %v", err)
	} else if ok {
		tm.tokens = file.Tokens
		if file.UsageStats != nil {
			tm.usage = file.UsageStats
		}
	}

	// rebuild lookup maps and apply overdue monthly quota resets in one pass
	now := time.Now().UTC()
	dirty := false
	for _, tok := range tm.tokens {
		tm.byID[tok.ID] = tok
		tm.byPlain[tok.Token] = tok
		if tm.resetQuotaIfDueLocked(tok, now) {
			dirty = true
		}
	}
	if dirty {
		tm.save.trigger()
	}
	return tm
}

func (tm *TokenManager) saveNow() {
	tm.mu.Lock()
	snapshot := tokensFile{
		Tokens:     make([]*AuthToken, len(tm.tokens)),
		UsageStats: make(map[string]map[string]*DayUsage, len(tm.usage)),
	}
	for i, tok := range tm.tokens {
		copied := *tok
		snapshot.Tokens[i] = &copied
	}
	for id, days := range tm.usage {
		copiedDays := make(map[string]*DayUsage, len(days))
		for day, u := range days {
			copiedUsage := *u
			copiedDays[day] = &copiedUsage
		}
		snapshot.UsageStats[id] = copiedDays
	}
	tm.mu.Unlock()
	tm.store.saveLogged("tokens.json", snapshot)
}

func (tm *TokenManager) Flush() {
	tm.save.flush()
}

// firstOfNextMonthUTC returns midnight UTC on the first day of the month
// after t.
func firstOfNextMonthUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// resetQuotaIfDueLocked applies the idempotent monthly reset when the
// reset instant has passed.
func (tm *TokenManager) resetQuotaIfDueLocked(tok *AuthToken, now time.Time) bool {
	if tok.Quota <= 0 || tok.QuotaResetAt == "" {
		return false
	}
	resetAt, err := time.Parse(time.RFC3339, tok.QuotaResetAt)
	if err != nil {
		return false
	}
	if now.Before(resetAt) {
		return false
	}
	tok.QuotaUsed = 0
	tok.QuotaResetAt = firstOfNextMonthUTC(now).Format(time.RFC3339)
	return true
}

func newTokenSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "sk-o2o-" + hex.EncodeToString(buf)
}

func newTokenID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "tok_" + hex.EncodeToString(buf)
}

// CreateToken mints a token. The plain secret appears in the returned
// struct; admin listings mask it afterwards.
func (tm *TokenManager) CreateToken(opts TokenCreateOptions) *AuthToken {
	secret := newTokenSecret()
	hash := sha256.Sum256([]byte(secret))

	tok := &AuthToken{
		ID:            newTokenID(),
		Name:          opts.Name,
		Token:         secret,
		TokenHash:     hex.EncodeToString(hash[:]),
		Enabled:       true,
		ExpiresAt:     opts.ExpiresAt,
		Quota:         opts.Quota,
		AllowedModels: opts.AllowedModels,
		AllowedIPs:    opts.AllowedIPs,
		RateLimit:     opts.RateLimit,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if tok.Quota > 0 {
		tok.QuotaResetAt = firstOfNextMonthUTC(time.Now()).Format(time.RFC3339)
	}

	tm.mu.Lock()
	tm.tokens = append(tm.tokens, tok)
	tm.byID[tok.ID] = tok
	tm.byPlain[tok.Token] = tok
	tm.save.trigger()
	copied := *tok
	tm.mu.Unlock()
	return &copied
}

// ValidateToken checks a plain bearer string: existence, enabled, expiry,
// quota, in that order. The first failure wins.
func (tm *TokenManager) ValidateToken(plain string) (*AuthToken, string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tok, ok := tm.byPlain[plain]
	if !ok {
		return nil, "invalid token"
	}
	if !tok.Enabled {
		return nil, "token disabled"
	}
	if tok.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, tok.ExpiresAt)
		if err == nil && time.Now().After(expiry) {
			return nil, "token expired"
		}
	}
	if tm.resetQuotaIfDueLocked(tok, time.Now().UTC()) {
		tm.save.trigger()
	}
	if tok.Quota > 0 && tok.QuotaUsed >= tok.Quota {
		return nil, "quota exceeded"
	}

	copied := *tok
	return &copied, ""
}

// CheckModelAccess reports whether a token may use the requested model.
// Empty list permits all; entries glob-match with *.
func (tm *TokenManager) CheckModelAccess(tok *AuthToken, model string) bool {
	if tok == nil || len(tok.AllowedModels) == 0 {
		return true
	}
	for _, pattern := range tok.AllowedModels {
		if globMatch(pattern, model) {
			return true
		}
	}
	return false
}

// CheckIPAccess reports whether a token may be used from the given source
// IP. Empty list permits all; otherwise exact membership.
func (tm *TokenManager) CheckIPAccess(tok *AuthToken, ip string) bool {
	if tok == nil || len(tok.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range tok.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// RecordUsage applies one completed request to a token's counters and the
// per-day usage record, all under one lock so readers never see a torn
// update.
func (tm *TokenManager) RecordUsage(id string, promptTokens, completionTokens int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tok, ok := tm.byID[id]
	if !ok {
		return
	}
	tok.TotalRequests++
	tok.TotalTokens += promptTokens + completionTokens
	tok.QuotaUsed += promptTokens + completionTokens
	tok.LastUsed = time.Now().UTC().Format(time.RFC3339)

	day := time.Now().UTC().Format("2006-01-02")
	days, ok := tm.usage[id]
	if !ok {
		days = make(map[string]*DayUsage)
		tm.usage[id] = days
	}
	u, ok := days[day]
	if !ok {
		u = &DayUsage{}
		days[day] = u
	}
	u.Requests++
	u.PromptTokens += promptTokens
	u.CompletionTokens += completionTokens

	tm.save.trigger()
}

// GetAggregateUsage sums usage across all tokens for the last days
// calendar days (UTC).
func (tm *TokenManager) GetAggregateUsage(days int) map[string]*DayUsage {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make(map[string]*DayUsage, days)
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	for _, tokenDays := range tm.usage {
		for day, u := range tokenDays {
			if day <= cutoff {
				continue
			}
			agg, ok := out[day]
			if !ok {
				agg = &DayUsage{}
				out[day] = agg
			}
			agg.Requests += u.Requests
			agg.PromptTokens += u.PromptTokens
			agg.CompletionTokens += u.CompletionTokens
		}
	}
	return out
}

// TrimUsage drops per-day records older than retentionDays.
func (tm *TokenManager) TrimUsage(retentionDays int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	dirty := false
	for _, tokenDays := range tm.usage {
		for day := range tokenDays {
			if day < cutoff {
				delete(tokenDays, day)
				dirty = true
			}
		}
	}
	if dirty {
		tm.save.trigger()
	}
}

func (tm *TokenManager) DeleteToken(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for i, tok := range tm.tokens {
		if tok.ID == id {
			tm.tokens = append(tm.tokens[:i], tm.tokens[i+1:]...)
			delete(tm.byID, id)
			delete(tm.byPlain, tok.Token)
			delete(tm.usage, id)
			tm.save.trigger()
			return true
		}
	}
	return false
}

func (tm *TokenManager) ToggleToken(id string) *AuthToken {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tok, ok := tm.byID[id]
	if !ok {
		return nil
	}
	tok.Enabled = !tok.Enabled
	tm.save.trigger()
	copied := *tok
	return &copied
}

// Count reports how many tokens exist; the auth middleware uses this to
// decide between token auth and the legacy shared secret.
func (tm *TokenManager) Count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tokens)
}

// List returns all tokens with secrets masked.
func (tm *TokenManager) List() []*AuthToken {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]*AuthToken, len(tm.tokens))
	for i, tok := range tm.tokens {
		copied := *tok
		copied.Token = maskSecret(copied.Token)
		out[i] = &copied
	}
	return out
}
