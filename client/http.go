// Package client provides HTTP client with retry logic for Kiro API.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kiro-gateway/auth"
	"kiro-gateway/config"

	"github.com/andybalholm/brotli"
	log "github.com/sirupsen/logrus"
)

// Client wraps http.Client with retry logic. Unary and streaming requests
// use distinct timeout shapes and retry budgets: the same transport and
// connection pool are reused for both.
type Client struct {
	httpClient  *http.Client
	cfg         *config.Config
	authManager *auth.Manager
	proxyURL    string
}

// NewClient creates a new HTTP client. Construction is lazy from the
// caller's perspective: the returned Client opens connections only as
// requests are made, and the underlying transport is safe to reuse
// across the process lifetime.
func NewClient(cfg *config.Config, authManager *auth.Manager) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
	}

	proxyURL := cfg.VPNProxyURL
	if proxyURL != "" {
		if !strings.Contains(proxyURL, "://") {
			proxyURL = "http://" + proxyURL
		}
		if proxy, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxy)
			log.Infof("Proxy configured: %s", proxyURL)
		}
	}

	return &Client{
		// No blanket client-wide Timeout: unary and streaming callers each
		// set their own per-attempt context deadline, since a streaming
		// response body is read well beyond any single "request" timeout.
		httpClient:  &http.Client{Transport: transport},
		cfg:         cfg,
		authManager: authManager,
		proxyURL:    proxyURL,
	}
}

// RequestUnary issues a request with the unary retry policy: total
// per-attempt timeout of 300s, budget MAX_RETRIES, 403 forces a token
// refresh with no sleep, 429/5xx/connection errors consume a retry and
// sleep BASE_RETRY_DELAY × 2^attempt.
func (c *Client) RequestUnary(ctx context.Context, method, reqURL string, payload interface{}) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.BaseRetryDelay, attempt)
			log.Warnf("Unary retry attempt %d/%d after %v", attempt+1, c.cfg.MaxRetries, delay)
			time.Sleep(delay)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
		resp, err := c.doRequest(attemptCtx, method, reqURL, payload, false)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK || (resp.StatusCode >= 200 && resp.StatusCode < 300):
			return resp, nil
		case resp.StatusCode == http.StatusForbidden:
			log.Info("Received 403, attempting token refresh...")
			if _, refreshErr := c.authManager.ForceRefresh(); refreshErr != nil {
				log.Errorf("Token refresh failed: %v", refreshErr)
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("received 403 Forbidden")
			// no sleep: 403 retries immediately after refresh
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Warnf("Retryable status %d, will back off and retry", resp.StatusCode)
			body := ReadErrorBody(resp)
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, body)
			continue
		default:
			// Other non-2xx: return unchanged, no retry.
			return resp, nil
		}
	}

	return nil, fmt.Errorf("UpstreamUnavailable: Kiro API unavailable after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// RequestStream issues a request with the streaming retry policy:
// connect=30s, read=STREAMING_READ_TIMEOUT, budget FIRST_TOKEN_MAX_RETRIES.
// Connect failures and 403s are retried without backoff (latency
// sensitive); the caller owns the returned body's consumption and close.
func (c *Client) RequestStream(ctx context.Context, method, reqURL string, payload interface{}) (*http.Response, error) {
	var lastErr error
	classification := "unknown"

	for attempt := 0; attempt < c.cfg.FirstTokenMaxRetries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, err := c.doRequest(connectCtx, method, reqURL, payload, true)
		cancel()
		if err != nil {
			lastErr = err
			classification = classifyStreamError(err)
			log.Warnf("Stream connect attempt %d/%d failed (%s), retrying without backoff", attempt+1, c.cfg.FirstTokenMaxRetries, classification)
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			log.Info("Received 403 on stream connect, attempting token refresh...")
			if _, refreshErr := c.authManager.ForceRefresh(); refreshErr != nil {
				log.Errorf("Token refresh failed: %v", refreshErr)
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("received 403 Forbidden")
			classification = "forbidden"
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body := ReadErrorBody(resp)
		resp.Body.Close()
		lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, body)
		classification = fmt.Sprintf("status_%d", resp.StatusCode)
	}

	return nil, fmt.Errorf("FirstTokenTimeout: streaming failed: %s: %w", classification, lastErr)
}

func backoffDelay(base float64, attempt int) time.Duration {
	return time.Duration(base*float64(int64(1)<<uint(attempt))*float64(time.Second))
}

func classifyStreamError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return "connect_timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	default:
		return "connection_error"
	}
}

func (c *Client) doRequest(ctx context.Context, method, reqURL string, payload interface{}, stream bool) (*http.Response, error) {
	token, err := c.authManager.GetAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s", c.cfg.DeviceName, config.AppVersion))
	req.Header.Set("X-Kiro-Fingerprint", c.authManager.Fingerprint())
	req.Header.Set("Accept-Encoding", "gzip, br")

	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	if c.authManager.ProfileArn() != "" {
		req.Header.Set("X-Amz-Profile-Arn", c.authManager.ProfileArn())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	resp.Body = decompressBody(resp)
	return resp, nil
}

// decompressBody transparently unwraps Brotli- or gzip-encoded response
// bodies; CodeWhisperer's edge occasionally negotiates either for
// non-streaming responses. Both readers are closed together with the
// original body by wrapping in a combined ReadCloser.
func decompressBody(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "br":
		return &wrappedReadCloser{Reader: brotli.NewReader(resp.Body), closer: resp.Body}
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return &wrappedReadCloser{Reader: gz, closer: resp.Body}
	default:
		return resp.Body
	}
}

type wrappedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedReadCloser) Close() error {
	return w.closer.Close()
}

// DoRequest performs a simple HTTP request without retry logic.
func (c *Client) DoRequest(ctx context.Context, method, reqURL string, payload interface{}) (*http.Response, error) {
	return c.doRequest(ctx, method, reqURL, payload, false)
}

// Get performs a GET request with the unary retry policy.
func (c *Client) Get(ctx context.Context, reqURL string) (*http.Response, error) {
	return c.RequestUnary(ctx, "GET", reqURL, nil)
}

// Post performs a POST request with the unary retry policy.
func (c *Client) Post(ctx context.Context, reqURL string, payload interface{}) (*http.Response, error) {
	return c.RequestUnary(ctx, "POST", reqURL, payload)
}

// PostStream performs a POST request with the streaming retry policy.
func (c *Client) PostStream(ctx context.Context, reqURL string, payload interface{}) (*http.Response, error) {
	return c.RequestStream(ctx, "POST", reqURL, payload)
}

// ReadErrorBody reads and returns the error body from a response.
func ReadErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("failed to read body: %v", err)
	}
	return string(body)
}

// Close ensures the response body is properly closed.
func Close(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
