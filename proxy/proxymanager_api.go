package proxy

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// addApiHandlers registers the operator control plane under /api. The
// whole surface is disabled unless ADMIN_PASSWORD is configured.
func addApiHandlers(pm *ProxyManager) {
	apiGroup := pm.ginEngine.Group("/api", pm.adminAuth())
	{
		apiGroup.GET("/keys", pm.apiListKeys)
		apiGroup.GET("/keys/summary", pm.apiKeySummary)
		apiGroup.POST("/keys", pm.apiAddKey)
		apiGroup.POST("/keys/batch", pm.apiBatchImportKeys)
		apiGroup.POST("/keys/check", pm.apiCheckKeys)
		apiGroup.POST("/keys/reset-health", pm.apiResetKeyHealth)
		apiGroup.POST("/keys/:id/toggle", pm.apiToggleKey)
		apiGroup.DELETE("/keys/:id", pm.apiRemoveKey)
		apiGroup.DELETE("/keys", pm.apiClearKeys)

		apiGroup.GET("/channels", pm.apiListChannels)
		apiGroup.POST("/channels", pm.apiAddChannel)
		apiGroup.PUT("/channels/:id", pm.apiUpdateChannel)
		apiGroup.POST("/channels/reset-health", pm.apiResetChannelHealth)
		apiGroup.DELETE("/channels/:id", pm.apiRemoveChannel)

		apiGroup.GET("/tokens", pm.apiListTokens)
		apiGroup.POST("/tokens", pm.apiCreateToken)
		apiGroup.POST("/tokens/:id/toggle", pm.apiToggleToken)
		apiGroup.DELETE("/tokens/:id", pm.apiDeleteToken)
		apiGroup.GET("/tokens/usage", pm.apiTokenUsage)

		apiGroup.GET("/access", pm.apiGetAccess)
		apiGroup.PUT("/access", pm.apiSetAccess)

		apiGroup.GET("/stats", pm.apiGetStats)
		apiGroup.GET("/logs", pm.apiGetLogs)
		apiGroup.GET("/logs/stream", pm.apiStreamLogs)
	}
}

func (pm *ProxyManager) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		password := pm.config.AdminPassword
		if password == "" {
			// no password, no admin surface
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		provided := bearerValue(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(password)) != 1 {
			pm.sendErrorResponse(c, http.StatusUnauthorized, ErrAuth, "invalid admin credentials")
			return
		}
		c.Next()
	}
}

func (pm *ProxyManager) apiListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": pm.keys.GetAllKeys()})
}

func (pm *ProxyManager) apiKeySummary(c *gin.Context) {
	c.JSON(http.StatusOK, pm.keys.GetSummary())
}

type addKeyRequest struct {
	Key     string `json:"key"`
	BaseURL string `json:"baseUrl"`
}

func (pm *ProxyManager) apiAddKey(c *gin.Context) {
	var req addKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	key, duplicate, err := pm.keys.AddKey(req.Key, req.BaseURL)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	pm.logger.Audit("key.add", "admin", map[string]any{"id": key.ID, "duplicate": duplicate})
	c.JSON(http.StatusOK, gin.H{"key": MaskedKey{APIKey: *key, Key: maskSecret(key.Key)}, "duplicate": duplicate})
}

type batchImportRequest struct {
	Text    string `json:"text"`
	BaseURL string `json:"baseUrl"`
}

func (pm *ProxyManager) apiBatchImportKeys(c *gin.Context) {
	var req batchImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	result := pm.keys.BatchImport(req.Text, req.BaseURL)
	pm.logger.Audit("key.batch_import", "admin", map[string]any{
		"added": len(result.Added), "duplicates": len(result.Duplicates), "errors": len(result.Errors),
	})

	masked := make([]MaskedKey, len(result.Added))
	for i, k := range result.Added {
		masked[i] = MaskedKey{APIKey: *k, Key: maskSecret(k.Key)}
	}
	c.JSON(http.StatusOK, gin.H{
		"added":      masked,
		"duplicates": result.Duplicates,
		"errors":     result.Errors,
	})
}

func (pm *ProxyManager) apiCheckKeys(c *gin.Context) {
	pm.keys.CheckAllHealth(c.Request.Context())
	c.JSON(http.StatusOK, pm.keys.GetSummary())
}

func (pm *ProxyManager) apiResetKeyHealth(c *gin.Context) {
	pm.keys.ResetHealth()
	pm.logger.Audit("key.reset_health", "admin", nil)
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiToggleKey(c *gin.Context) {
	key := pm.keys.ToggleKey(c.Param("id"))
	if key == nil {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "key not found")
		return
	}
	pm.logger.Audit("key.toggle", "admin", map[string]any{"id": key.ID, "enabled": key.Enabled})
	c.JSON(http.StatusOK, gin.H{"key": MaskedKey{APIKey: *key, Key: maskSecret(key.Key)}})
}

func (pm *ProxyManager) apiRemoveKey(c *gin.Context) {
	id := c.Param("id")
	if !pm.keys.RemoveKey(id) {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "key not found")
		return
	}
	pm.logger.Audit("key.remove", "admin", map[string]any{"id": id})
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiClearKeys(c *gin.Context) {
	pm.keys.ClearAll()
	pm.logger.Audit("key.clear_all", "admin", nil)
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": pm.channels.List()})
}

func (pm *ProxyManager) apiAddChannel(c *gin.Context) {
	var ch Channel
	if err := c.ShouldBindJSON(&ch); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	if ch.BaseURL == "" {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "baseUrl is required")
		return
	}
	added := pm.channels.AddChannel(&ch)
	pm.logger.Audit("channel.add", "admin", map[string]any{"id": added.ID, "name": added.Name})
	c.JSON(http.StatusOK, gin.H{"channel": added})
}

func (pm *ProxyManager) apiUpdateChannel(c *gin.Context) {
	var update Channel
	if err := c.ShouldBindJSON(&update); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	updated := pm.channels.UpdateChannel(c.Param("id"), func(ch *Channel) {
		ch.Name = update.Name
		ch.BaseURL = update.BaseURL
		ch.APIKeys = update.APIKeys
		ch.Models = update.Models
		ch.ModelMapping = update.ModelMapping
		ch.Priority = update.Priority
		ch.Weight = update.Weight
		ch.MaxConcurrent = update.MaxConcurrent
		ch.Enabled = update.Enabled
	})
	if updated == nil {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "channel not found")
		return
	}
	pm.logger.Audit("channel.update", "admin", map[string]any{"id": updated.ID})
	c.JSON(http.StatusOK, gin.H{"channel": updated})
}

func (pm *ProxyManager) apiResetChannelHealth(c *gin.Context) {
	pm.channels.ResetHealth()
	pm.logger.Audit("channel.reset_health", "admin", nil)
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiRemoveChannel(c *gin.Context) {
	id := c.Param("id")
	if !pm.channels.RemoveChannel(id) {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "channel not found")
		return
	}
	pm.logger.Audit("channel.remove", "admin", map[string]any{"id": id})
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiListTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": pm.tokens.List()})
}

func (pm *ProxyManager) apiCreateToken(c *gin.Context) {
	var opts TokenCreateOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	// the only place the plain secret is ever returned
	tok := pm.tokens.CreateToken(opts)
	pm.logger.Audit("token.create", "admin", map[string]any{"id": tok.ID, "name": tok.Name})
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (pm *ProxyManager) apiToggleToken(c *gin.Context) {
	tok := pm.tokens.ToggleToken(c.Param("id"))
	if tok == nil {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "token not found")
		return
	}
	tok.Token = maskSecret(tok.Token)
	pm.logger.Audit("token.toggle", "admin", map[string]any{"id": tok.ID, "enabled": tok.Enabled})
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (pm *ProxyManager) apiDeleteToken(c *gin.Context) {
	id := c.Param("id")
	if !pm.tokens.DeleteToken(id) {
		pm.sendErrorResponse(c, http.StatusNotFound, ErrNotFound, "token not found")
		return
	}
	pm.logger.Audit("token.delete", "admin", map[string]any{"id": id})
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiTokenUsage(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"usage": pm.tokens.GetAggregateUsage(days)})
}

func (pm *ProxyManager) apiGetAccess(c *gin.Context) {
	mode, whitelist, blacklist := pm.access.Policy()
	c.JSON(http.StatusOK, gin.H{
		"mode":      mode,
		"whitelist": whitelist,
		"blacklist": blacklist,
	})
}

type accessUpdateRequest struct {
	Mode      string   `json:"mode"`
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

func (pm *ProxyManager) apiSetAccess(c *gin.Context) {
	var req accessUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	switch AccessMode(req.Mode) {
	case AccessDisabled, AccessWhitelist, AccessBlacklist:
	default:
		pm.sendErrorResponse(c, http.StatusBadRequest, ErrInvalidRequest, fmt.Sprintf("invalid mode %q", req.Mode))
		return
	}
	pm.access.SetPolicy(AccessMode(req.Mode), req.Whitelist, req.Blacklist)
	pm.logger.Audit("access.update", "admin", map[string]any{"mode": req.Mode})
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (pm *ProxyManager) apiGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": pm.stats.Snapshot()})
}

func (pm *ProxyManager) apiGetLogs(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", pm.logger.GetHistory())
}

// apiStreamLogs streams the log ring buffer followed by live log data as
// SSE until the client goes away.
func (pm *ProxyManager) apiStreamLogs(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Content-Type-Options", "nosniff")

	sendBuffer := make(chan []byte, 100)
	cancel := pm.logger.OnLogData(func(data []byte) {
		copied := make([]byte, len(data))
		copy(copied, data)
		select {
		case sendBuffer <- copied:
		default:
			// slow client, drop rather than block the logger
		}
	})
	defer cancel()

	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", pm.logger.GetHistory()); err != nil {
		return
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-pm.shutdownCtx.Done():
			return
		case data := <-sendBuffer:
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
