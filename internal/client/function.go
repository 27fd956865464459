// Package client provides the outbound HTTP client for function backends.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"agent-proxy/internal/config"
	"agent-proxy/internal/metrics"
	"agent-proxy/internal/model"
)

// ErrResponseTooLarge is returned when a backend reply is larger than
// upstream.response_max_bytes.
var ErrResponseTooLarge = errors.New("response exceeds upstream.response_max_bytes")

const userAgent = "agent-proxy/1.0"

// FunctionClient calls function backends and reads their replies in full.
type FunctionClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxResponse int64
}

// NewFunctionClient creates a FunctionClient with connection pooling and timeouts.
// m may be nil.
func NewFunctionClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FunctionClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &FunctionClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:      logger.With("component", "function_client"),
		metrics:     m,
		maxResponse: cfg.Upstream.ResponseMaxBytes,
	}
}

// Call sends one request to a backend and returns its status and raw body.
//
// A non-nil payload is sent as application/json; a nil payload sends no body
// and no Content-Type. ctx covers the whole exchange, including reading the
// reply, so a disconnected caller cancels the backend call.
func (c *FunctionClient) Call(ctx context.Context, backend, method, target string, payload []byte) (*model.UpstreamResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("upstream request",
		"backend", backend,
		"method", method,
		"path", req.URL.Path,
		"bytes_out", len(payload),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(backend, method, start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := c.readBody(resp.Body)
	c.observe(backend, method, start, resp.StatusCode)
	if err != nil {
		return nil, fmt.Errorf("read upstream response (status %d): %w", resp.StatusCode, err)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Body:       data,
	}, nil
}

// readBody reads r up to the configured cap. A cap of 0 disables the check.
func (c *FunctionClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxResponse <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxResponse+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxResponse {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// observe records latency for every call and the status for calls that got a
// reply. status 0 means the transport failed.
func (c *FunctionClient) observe(backend, method string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	m := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(backend, m).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(backend, m, strconv.Itoa(status)).Inc()
	}
}
