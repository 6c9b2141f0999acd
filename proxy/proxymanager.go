package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Zmin2003/ollama2openai/proxy/config"
)

const ctxTokenKey = "authToken"

// ProxyManager wires the gateway together: the gin engine, the registries,
// the admission chain and the upstream forwarding engine.
type ProxyManager struct {
	sync.Mutex

	config    config.Config
	ginEngine *gin.Engine

	logger  *LogMonitor
	metrics *Metrics

	store    *FileStore
	keys     *KeyManager
	channels *ChannelManager
	tokens   *TokenManager
	access   *AccessControl
	limiter  *RateLimiter
	stats    *StatsManager
	cache    *ResponseCache
	upstream *Upstream

	// last successful upstream model listing, used as fallback when every
	// backend is unreachable
	lastModels []string

	// shutdown signaling
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func New(conf config.Config) (*ProxyManager, error) {
	logger := NewLogMonitorWriter(os.Stdout)
	switch strings.ToLower(strings.TrimSpace(conf.LogLevel)) {
	case "debug":
		logger.SetLogLevel(LevelDebug)
	case "info":
		logger.SetLogLevel(LevelInfo)
	case "warn":
		logger.SetLogLevel(LevelWarn)
	case "error":
		logger.SetLogLevel(LevelError)
	default:
		logger.SetLogLevel(LevelInfo)
	}

	store, err := NewFileStore(conf.DataDir, logger)
	if err != nil {
		return nil, err
	}

	stats := NewStatsManager(store, logger)
	keys := NewKeyManager(store, logger, stats, conf.OllamaBaseURL)
	channels := NewChannelManager(store, logger, stats)
	tokens := NewTokenManager(store, logger)
	access := NewAccessControl(store, logger, conf.IPAccessMode, conf.IPWhitelist, conf.IPBlacklist)
	metrics := NewMetrics()

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	pm := &ProxyManager{
		config:    conf,
		ginEngine: gin.New(),

		logger:  logger,
		metrics: metrics,

		store:    store,
		keys:     keys,
		channels: channels,
		tokens:   tokens,
		access:   access,
		limiter:  NewRateLimiter(conf.RateLimit),
		stats:    stats,
		cache:    NewResponseCache(conf.CacheSize),

		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	pm.upstream = NewUpstream(keys, channels, metrics, logger,
		conf.ConnectTimeout, conf.RequestTimeout, conf.MaxRetries, conf.MaxIdleConnsPerHost)

	// bound the persisted usage record
	tokens.TrimUsage(90)

	// seed the registry on first start
	if keys.Count() == 0 && len(conf.InitialKeys) > 0 {
		result := keys.BatchImport(strings.Join(conf.InitialKeys, "\n"), conf.OllamaBaseURL)
		logger.Infof("seeded %d backend keys from config (%d duplicates, %d errors)",
			len(result.Added), len(result.Duplicates), len(result.Errors))
	}

	pm.setupGinEngine()

	if conf.HealthCheckInterval > 0 {
		go pm.healthLoop(conf.HealthCheckInterval)
	}

	return pm, nil
}

func (pm *ProxyManager) setupGinEngine() {
	pm.ginEngine.Use(func(c *gin.Context) {
		requestID := uuid.NewString()[:8]
		c.Set("requestID", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		clientIP := pm.clientIP(c)
		method := c.Request.Method
		path := c.Request.URL.Path

		pm.metrics.ActiveConnections.Inc()
		c.Next()
		pm.metrics.ActiveConnections.Dec()

		duration := time.Since(start)
		status := c.Writer.Status()

		endpoint := normalizeEndpoint(path)
		pm.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		pm.metrics.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())

		tokenID := ""
		if tok := tokenFromContext(c); tok != nil {
			tokenID = tok.ID
		}
		pm.logger.LogRequest(RequestLogRecord{
			RequestID: requestID,
			ClientIP:  clientIP,
			Method:    method,
			Path:      path,
			Status:    status,
			BytesOut:  c.Writer.Size(),
			TokenID:   tokenID,
			Duration:  duration.String(),
		})
	})

	// permissive OPTIONS for any endpoint so browser clients work
	pm.ginEngine.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, X-Requested-With")
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	gates := []gin.HandlerFunc{pm.accessGate(), pm.rateLimitGate(), pm.authGate()}

	// OpenAI surface, with and without the /v1 prefix
	for _, prefix := range []string{"/v1", ""} {
		group := pm.ginEngine.Group(prefix, gates...)
		group.POST("/chat/completions", pm.chatCompletionsHandler)
		group.POST("/completions", pm.completionsHandler)
		group.POST("/embeddings", pm.embeddingsHandler)
		group.GET("/models", pm.listModelsHandler)
		group.GET("/models/:id", pm.getModelHandler)
	}

	pm.ginEngine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	pm.ginEngine.GET("/metrics", gin.WrapH(pm.metrics.Handler()))

	// see: proxymanager_api.go
	addApiHandlers(pm)

	gin.DisableConsoleColor()
}

func normalizeEndpoint(path string) string {
	path = strings.TrimPrefix(path, "/v1")
	switch {
	case strings.HasPrefix(path, "/chat/completions"):
		return "chat_completions"
	case strings.HasPrefix(path, "/completions"):
		return "completions"
	case strings.HasPrefix(path, "/embeddings"):
		return "embeddings"
	case strings.HasPrefix(path, "/models"):
		return "models"
	case strings.HasPrefix(path, "/api"):
		return "admin"
	default:
		return "other"
	}
}

// ServeHTTP implements http.Handler interface
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pm.ginEngine.ServeHTTP(w, r)
}

// Shutdown stops background loops and force-flushes pending persistence.
func (pm *ProxyManager) Shutdown() {
	pm.logger.Debug("Shutdown() called in proxy manager")
	pm.shutdownCancel()
	pm.limiter.Stop()

	pm.keys.Flush()
	pm.channels.Flush()
	pm.tokens.Flush()
	pm.access.Flush()
	pm.stats.Flush()
}

func (pm *ProxyManager) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-ticker.C:
			pm.keys.CheckAllHealth(pm.shutdownCtx)
		}
	}
}

// clientIP respects X-Forwarded-For only when the operator trusts the
// fronting proxy.
func (pm *ProxyManager) clientIP(c *gin.Context) string {
	if pm.config.TrustProxy {
		return normalizeIP(c.ClientIP())
	}
	ip := c.RemoteIP()
	return normalizeIP(ip)
}

func tokenFromContext(c *gin.Context) *AuthToken {
	if v, ok := c.Get(ctxTokenKey); ok {
		if tok, ok := v.(*AuthToken); ok {
			return tok
		}
	}
	return nil
}

func (pm *ProxyManager) sendErrorResponse(c *gin.Context, statusCode int, kind, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": message,
			"type":    kind,
		},
	})
	c.Abort()
}

// accessGate enforces the IP allow/deny policy.
func (pm *ProxyManager) accessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := pm.clientIP(c)
		if !pm.access.IsAllowed(ip) {
			pm.logger.Warnf("access denied for %s", ip)
			pm.sendErrorResponse(c, http.StatusForbidden, ErrAccessDenied, "access denied")
			return
		}
		c.Next()
	}
}

// rateLimitGate consumes the global and per-IP windows; the token window
// runs inside the auth gate once the token is known.
func (pm *ProxyManager) rateLimitGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := pm.limiter.Consume(pm.clientIP(c), nil)
		if !decision.Allowed {
			pm.rejectRateLimited(c, decision)
			return
		}
		c.Next()
	}
}

func (pm *ProxyManager) rejectRateLimited(c *gin.Context, decision RateLimitDecision) {
	pm.metrics.RateLimitHits.WithLabelValues(decision.Scope).Inc()
	c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
	c.Header("X-RateLimit-Limit", decision.Scope)
	pm.sendErrorResponse(c, http.StatusTooManyRequests, ErrRateLimit,
		fmt.Sprintf("rate limit exceeded (%s)", decision.Scope))
}

// authGate validates the bearer credential: registry tokens when any
// exist, the legacy shared secret otherwise, open access when neither is
// configured.
func (pm *ProxyManager) authGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := bearerValue(c.GetHeader("Authorization"))

		if pm.tokens.Count() > 0 {
			tok, errMsg := pm.tokens.ValidateToken(provided)
			if tok == nil {
				pm.sendErrorResponse(c, http.StatusUnauthorized, ErrAuth, errMsg)
				return
			}
			if !pm.tokens.CheckIPAccess(tok, pm.clientIP(c)) {
				pm.sendErrorResponse(c, http.StatusForbidden, ErrAccessDenied, "source IP not allowed for this token")
				return
			}
			if decision := pm.limiter.ConsumeToken(tok); !decision.Allowed {
				pm.rejectRateLimited(c, decision)
				return
			}
			c.Set(ctxTokenKey, tok)
		} else if pm.config.APIToken != "" {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(pm.config.APIToken)) != 1 {
				pm.sendErrorResponse(c, http.StatusUnauthorized, ErrAuth, "invalid API token")
				return
			}
		}

		c.Next()
	}
}

// bearerValue extracts the credential from an Authorization header,
// accepting both "Bearer <token>" (case-insensitive scheme) and the raw
// value.
func bearerValue(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func (pm *ProxyManager) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "could not read request body")
		return nil, false
	}
	return body, true
}

// requireModel extracts and authorizes the model of a request body.
func (pm *ProxyManager) requireModel(c *gin.Context, body []byte) (string, bool) {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "missing or invalid 'model' key")
		return "", false
	}
	if tok := tokenFromContext(c); tok != nil && !pm.tokens.CheckModelAccess(tok, model) {
		pm.sendErrorResponse(c, http.StatusForbidden, ErrPermission,
			fmt.Sprintf("model %s not allowed for this token", model))
		return "", false
	}
	return model, true
}

func (pm *ProxyManager) chatCompletionsHandler(c *gin.Context) {
	body, ok := pm.readBody(c)
	if !ok {
		return
	}
	model, ok := pm.requireModel(c, body)
	if !ok {
		return
	}

	ollamaReq := ChatRequestToOllama(body)
	isStream, _ := ollamaReq["stream"].(bool)
	ollamaBody, err := json.Marshal(ollamaReq)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusInternalServerError, ErrServer, "failed to encode upstream request")
		return
	}

	result, gwErr := pm.upstream.Forward(c.Request.Context(), "/chat", ollamaBody, isStream, model)
	if gwErr != nil {
		pm.sendErrorResponse(c, gwErr.Status, gwErr.Kind, gwErr.Message)
		return
	}

	if isStream {
		pm.relaySSE(c, result, NewChatStream(model), tokenFromContext(c))
		return
	}

	translated, err := ChatResponseToOpenAI(result.Body, model, UserPromptText(body))
	if err != nil {
		result.Sel.fail(err.Error())
		pm.sendErrorResponse(c, http.StatusBadGateway, ErrUpstream, "invalid upstream response")
		return
	}
	result.Sel.succeed()

	usage, _ := translated["usage"].(OpenAIUsage)
	pm.recordCompletion(tokenFromContext(c), usage.PromptTokens, usage.CompletionTokens)
	c.JSON(http.StatusOK, translated)
}

func (pm *ProxyManager) completionsHandler(c *gin.Context) {
	body, ok := pm.readBody(c)
	if !ok {
		return
	}
	model, ok := pm.requireModel(c, body)
	if !ok {
		return
	}

	ollamaReq := CompletionRequestToOllama(body)
	isStream, _ := ollamaReq["stream"].(bool)
	ollamaBody, err := json.Marshal(ollamaReq)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusInternalServerError, ErrServer, "failed to encode upstream request")
		return
	}

	result, gwErr := pm.upstream.Forward(c.Request.Context(), "/generate", ollamaBody, isStream, model)
	if gwErr != nil {
		pm.sendErrorResponse(c, gwErr.Status, gwErr.Kind, gwErr.Message)
		return
	}

	promptText := gjson.GetBytes(body, "prompt").String()

	if isStream {
		pm.relaySSE(c, result, NewGenerateStream(model), tokenFromContext(c))
		return
	}

	translated, err := GenerateResponseToOpenAI(result.Body, model, promptText)
	if err != nil {
		result.Sel.fail(err.Error())
		pm.sendErrorResponse(c, http.StatusBadGateway, ErrUpstream, "invalid upstream response")
		return
	}
	result.Sel.succeed()

	usage, _ := translated["usage"].(OpenAIUsage)
	pm.recordCompletion(tokenFromContext(c), usage.PromptTokens, usage.CompletionTokens)
	c.JSON(http.StatusOK, translated)
}

func (pm *ProxyManager) embeddingsHandler(c *gin.Context) {
	body, ok := pm.readBody(c)
	if !ok {
		return
	}
	model, ok := pm.requireModel(c, body)
	if !ok {
		return
	}

	cacheKey := CacheKey(model, []byte(gjson.GetBytes(body, "input").Raw))
	if cached, ok := pm.cache.Get(cacheKey); ok {
		pm.metrics.CacheHits.Inc()
		c.Data(http.StatusOK, "application/json", cached)
		return
	}
	pm.metrics.CacheMisses.Inc()

	ollamaBody, err := json.Marshal(EmbeddingsRequestToOllama(body))
	if err != nil {
		pm.sendErrorResponse(c, http.StatusInternalServerError, ErrServer, "failed to encode upstream request")
		return
	}

	result, gwErr := pm.upstream.Forward(c.Request.Context(), "/embed", ollamaBody, false, model)
	if gwErr != nil {
		pm.sendErrorResponse(c, gwErr.Status, gwErr.Kind, gwErr.Message)
		return
	}

	translated, err := EmbedResponseToOpenAI(result.Body, model)
	if err != nil {
		result.Sel.fail(err.Error())
		pm.sendErrorResponse(c, http.StatusBadGateway, ErrUpstream, "invalid upstream response")
		return
	}
	result.Sel.succeed()

	usage, _ := translated["usage"].(OpenAIUsage)
	pm.recordCompletion(tokenFromContext(c), usage.PromptTokens, 0)

	data, err := json.Marshal(translated)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusInternalServerError, ErrServer, "failed to encode response")
		return
	}
	pm.cache.Set(cacheKey, data)
	c.Data(http.StatusOK, "application/json", data)
}

// availableModels resolves the model listing: union of channel allow-lists
// and remap keys when channels exist, a live /api/tags probe otherwise.
// Falls back to the last good listing when every backend is unreachable.
func (pm *ProxyManager) availableModels(ctx context.Context) []string {
	seen := make(map[string]bool)
	var models []string
	add := func(name string) {
		if name != "" && !strings.Contains(name, "*") && !seen[name] {
			seen[name] = true
			models = append(models, name)
		}
	}

	if pm.channels.Count() > 0 {
		for _, ch := range pm.channels.List() {
			for _, m := range ch.Models {
				add(m)
			}
			for requested := range ch.ModelMapping {
				add(requested)
			}
		}
	} else if k := pm.keys.GetNextKey(); k != nil {
		probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, BuildTargetURL(k.BaseURL, "/tags"), nil)
		if err == nil {
			if k.Key != "" {
				req.Header.Set("Authorization", "Bearer "+k.Key)
			}
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					var tags OllamaListTagsResponse
					if err := json.NewDecoder(resp.Body).Decode(&tags); err == nil {
						for _, m := range tags.Models {
							if m.Name != "" {
								add(m.Name)
							} else {
								add(m.Model)
							}
						}
					}
				}
			}
		}
	}

	pm.Lock()
	defer pm.Unlock()
	if len(models) > 0 {
		pm.lastModels = models
		return models
	}
	return pm.lastModels
}

func modelRecord(id string, created int64) gin.H {
	return gin.H{
		"id":       id,
		"object":   "model",
		"created":  created,
		"owned_by": "ollama",
	}
}

func (pm *ProxyManager) listModelsHandler(c *gin.Context) {
	models := pm.availableModels(c.Request.Context())
	sort.Strings(models)

	created := time.Now().Unix()
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, modelRecord(id, created))
	}

	if origin := c.GetHeader("Origin"); origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

func (pm *ProxyManager) getModelHandler(c *gin.Context) {
	id := c.Param("id")
	for _, m := range pm.availableModels(c.Request.Context()) {
		if m == id {
			c.JSON(http.StatusOK, modelRecord(id, time.Now().Unix()))
			return
		}
	}
	pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, fmt.Sprintf("model %s not found", id))
}
