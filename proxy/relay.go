package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// streamState is the per-stream translator: ChatStream for /api/chat,
// GenerateStream for /api/generate.
type streamState interface {
	TranslateLine(line []byte) (map[string]any, error)
	IsCompleted() bool
	FinalUsage() *OpenAIUsage
}

// relaySSE consumes the upstream newline-delimited JSON body and re-emits
// it as OpenAI SSE frames. Exactly one [DONE] sentinel per successful
// stream; none when the client goes away first.
func (pm *ProxyManager) relaySSE(c *gin.Context, result *upstreamResult, st streamState, tok *AuthToken) {
	resp := result.Resp
	sel := result.Sel
	defer result.Cancel()
	defer resp.Body.Close()

	pm.metrics.ActiveStreams.Inc()
	defer pm.metrics.ActiveStreams.Dec()

	// clients rely on early headers to know the connection is alive
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	// a client disconnect must stop the upstream read within one cycle;
	// closing the body unblocks the pending Read
	var aborted atomic.Bool
	clientGone := c.Request.Context().Done()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-clientGone:
			aborted.Store(true)
			resp.Body.Close()
		case <-watchDone:
		}
	}()

	writeFrame := func(payload []byte) bool {
		if aborted.Load() {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			aborted.Store(true)
			return false
		}
		c.Writer.Flush()
		return true
	}

	relayLine := func(line []byte) bool {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return true
		}
		chunk, err := st.TranslateLine(line)
		if err != nil {
			// malformed lines are skipped without killing the stream
			if pm.logger.GetLogLevel() <= LevelDebug {
				pm.logger.Debugf("relay: skipping malformed line: %v", err)
			}
			return true
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			pm.logger.Errorf("relay: marshalling chunk: %v", err)
			return true
		}
		return writeFrame(data)
	}

	var tail []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := append(tail, buf[:n]...)
			lines := bytes.Split(data, []byte("\n"))
			tail = append([]byte(nil), lines[len(lines)-1]...)
			for _, line := range lines[:len(lines)-1] {
				if !relayLine(line) {
					break
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if aborted.Load() {
				sel.abandon()
				return
			}
			// body already committed: surface the failure in-band
			pm.logger.Errorf("relay: upstream read error: %v", err)
			errFrame, _ := json.Marshal(gin.H{
				"error": gin.H{"message": err.Error(), "type": ErrStream},
			})
			writeFrame(errFrame)
			writeFrame([]byte("[DONE]"))
			sel.fail(fmt.Sprintf("stream read error: %v", err))
			return
		}
	}

	if aborted.Load() {
		sel.abandon()
		return
	}

	// flush any unterminated trailing line through the same path
	relayLine(tail)
	writeFrame([]byte("[DONE]"))

	var promptTokens, completionTokens int
	if usage := st.FinalUsage(); usage != nil {
		promptTokens = usage.PromptTokens
		completionTokens = usage.CompletionTokens
	}
	sel.succeed()
	pm.recordCompletion(tok, promptTokens, completionTokens)
}

// recordCompletion applies per-token usage and the token metrics for one
// finished request.
func (pm *ProxyManager) recordCompletion(tok *AuthToken, promptTokens, completionTokens int) {
	pm.metrics.TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	pm.metrics.TokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	if tok != nil {
		pm.tokens.RecordUsage(tok.ID, int64(promptTokens), int64(completionTokens))
	}
}
