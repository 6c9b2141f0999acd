package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

const upstreamErrorBodyLimit = 200

// backendSelection is one resolved backend for one attempt: the concrete
// credential, the resolved model name, and the bookkeeping hooks. Exactly
// one of succeed/fail/abandon takes effect.
type backendSelection struct {
	KeyID   string
	Key     string
	BaseURL string
	Model   string

	channel *ChannelSelection

	km   *KeyManager
	cm   *ChannelManager
	once sync.Once
}

// Identifier names the backend for logs and stats.
func (s *backendSelection) Identifier() string {
	if s.channel != nil {
		return s.channel.ChannelID
	}
	return s.KeyID
}

func (s *backendSelection) succeed() {
	s.once.Do(func() {
		if s.channel != nil {
			s.cm.RecordSuccess(s.channel.ChannelID)
			s.channel.Release()
			return
		}
		s.km.RecordSuccess(s.KeyID)
	})
}

func (s *backendSelection) fail(errStr string) {
	s.once.Do(func() {
		if s.channel != nil {
			s.cm.RecordFailure(s.channel.ChannelID, errStr)
			s.channel.Release()
			return
		}
		s.km.RecordFailure(s.KeyID, errStr)
	})
}

// abandon releases the concurrency slot without recording an outcome, used
// when the client goes away mid-stream.
func (s *backendSelection) abandon() {
	s.once.Do(func() {
		if s.channel != nil {
			s.channel.Release()
		}
	})
}

// upstreamResult carries a forwarded response back to the handler. For
// non-streaming calls Body holds the full upstream reply. For streaming
// calls Resp is live and the caller owns Resp.Body and must call Cancel
// when the relay finishes.
type upstreamResult struct {
	Body   []byte
	Resp   *http.Response
	Sel    *backendSelection
	Cancel context.CancelFunc
}

// Upstream forwards translated requests to the backend pool with
// retry-on-failure.
type Upstream struct {
	keys     *KeyManager
	channels *ChannelManager
	metrics  *Metrics
	logger   *LogMonitor

	client         *http.Client
	connectTimeout time.Duration
	requestTimeout time.Duration
	maxRetries     int
}

func NewUpstream(keys *KeyManager, channels *ChannelManager, metrics *Metrics, logger *LogMonitor,
	connectTimeout, requestTimeout time.Duration, maxRetries, maxIdleConnsPerHost int) *Upstream {

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Upstream{
		keys:           keys,
		channels:       channels,
		metrics:        metrics,
		logger:         logger,
		client:         &http.Client{Transport: transport},
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
		maxRetries:     maxRetries,
	}
}

// resolve picks a backend for the model: channel regime first when any
// channels exist, flat round-robin otherwise or as fallback.
func (u *Upstream) resolve(model string) *backendSelection {
	if u.channels != nil && u.channels.Count() > 0 {
		if chSel := u.channels.Select(model); chSel != nil {
			return &backendSelection{
				Key:     chSel.Key,
				BaseURL: chSel.BaseURL,
				Model:   chSel.Model,
				channel: chSel,
				cm:      u.channels,
			}
		}
	}

	k := u.keys.GetNextKey()
	if k == nil {
		return nil
	}
	return &backendSelection{
		KeyID:   k.ID,
		Key:     k.Key,
		BaseURL: k.BaseURL,
		Model:   model,
		km:      u.keys,
	}
}

// Forward sends body to path over the pool, retrying per the propagation
// policy: transport errors always retry, upstream 401/403 retries on a
// different backend, other statuses break immediately.
func (u *Upstream) Forward(ctx context.Context, path string, body []byte, isStream bool, model string) (*upstreamResult, *GatewayError) {
	var lastErr *GatewayError

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		sel := u.resolve(model)
		if sel == nil {
			return nil, newGatewayError(http.StatusServiceUnavailable, ErrNoBackends, "no backends available")
		}

		attemptBody := body
		if sel.Model != model {
			rewritten, err := sjson.SetBytes(body, "model", sel.Model)
			if err != nil {
				sel.abandon()
				return nil, newGatewayError(http.StatusInternalServerError, ErrServer, "failed to rewrite model name")
			}
			attemptBody = rewritten
		}

		timeout := u.requestTimeout
		if isStream {
			timeout = u.connectTimeout
		}

		result, gwErr, retryable := u.attempt(ctx, sel, path, attemptBody, isStream, timeout)
		if gwErr == nil {
			return result, nil
		}
		lastErr = gwErr
		if !retryable || attempt == u.maxRetries {
			break
		}
		u.logger.Debugf("upstream: retrying after %s (attempt %d/%d)", gwErr.Message, attempt+1, u.maxRetries+1)
	}

	if lastErr == nil {
		lastErr = newGatewayError(http.StatusGatewayTimeout, ErrUpstream, "upstream request failed")
	}
	return nil, lastErr
}

func (u *Upstream) attempt(ctx context.Context, sel *backendSelection, path string, body []byte,
	isStream bool, timeout time.Duration) (*upstreamResult, *GatewayError, bool) {

	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, BuildTargetURL(sel.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()
		sel.fail(err.Error())
		return nil, newGatewayError(http.StatusInternalServerError, ErrServer, err.Error()), false
	}
	req.Header.Set("Content-Type", "application/json")
	if sel.Key != "" {
		req.Header.Set("Authorization", "Bearer "+sel.Key)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		// a timer that no longer stops has already fired the cancel
		wasTimeout := !timer.Stop() && ctx.Err() == nil
		cancel()
		class := "transport"
		msg := err.Error()
		if wasTimeout {
			class = "timeout"
			msg = fmt.Sprintf("upstream timeout after %s", timeout)
		}
		u.metrics.UpstreamErrors.WithLabelValues(class).Inc()
		sel.fail(msg)
		return nil, newGatewayError(http.StatusGatewayTimeout, ErrUpstream, msg), true
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// best-effort error body, truncated for the error field
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, upstreamErrorBodyLimit))
		resp.Body.Close()
		timer.Stop()
		cancel()

		class := "http_5xx"
		if resp.StatusCode < 500 {
			class = "http_4xx"
		}
		u.metrics.UpstreamErrors.WithLabelValues(class).Inc()

		msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		sel.fail(msg)

		// rotated operator keys are worth a retry on another backend
		retryable := resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
		return nil, newGatewayError(resp.StatusCode, ErrUpstream, msg), retryable
	}

	if isStream {
		// headers are in; the connect budget no longer applies and the
		// relay owns the body from here
		timer.Stop()
		return &upstreamResult{Resp: resp, Sel: sel, Cancel: cancel}, nil, false
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	timer.Stop()
	cancel()
	if err != nil {
		msg := fmt.Sprintf("reading upstream response: %v", err)
		u.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
		sel.fail(msg)
		return nil, newGatewayError(http.StatusGatewayTimeout, ErrUpstream, msg), true
	}

	return &upstreamResult{Body: respBody, Sel: sel}, nil, false
}
