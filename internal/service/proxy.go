// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"agent-proxy/internal/client"
	"agent-proxy/internal/config"
	"agent-proxy/internal/model"
	"agent-proxy/internal/secret"
)

var (
	// ErrMissingConfig is returned when a backend's URL or key cannot be resolved,
	// or resolves to something unusable. No outbound call is made.
	ErrMissingConfig = errors.New("missing agent function configuration")

	// ErrUnknownBackend is returned for a backend name that is not configured.
	ErrUnknownBackend = errors.New("unknown backend")

	errInvalidEndpoint = errors.New("invalid endpoint")
	errBodyTooLarge    = errors.New("request body exceeds server.body_max_bytes")
)

// LookupEnv reads one process environment variable; os.LookupEnv in production.
type LookupEnv func(key string) (string, bool)

// KeyStore resolves backend keys from an external secret store.
type KeyStore interface {
	Get(ctx context.Context, name string) (string, error)
}

// BackendStatus reports whether a backend currently resolves to a usable target.
type BackendStatus struct {
	Name       string `json:"name"`
	Route      string `json:"route"`
	Configured bool   `json:"configured"`
}

// target is the resolved base URL and key for one request.
type target struct {
	baseURL string
	key     string
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client       *client.FunctionClient
	keys         KeyStore
	lookupEnv    LookupEnv
	cfg          *config.Config
	logger       *slog.Logger
	backends     map[string]*config.BackendConfig
	allowedHosts map[string]bool
}

// NewProxyService creates a ProxyService. store may be nil when no backend
// uses SSM.
func NewProxyService(c *client.FunctionClient, store *secret.SSMStore, lookupEnv LookupEnv, cfg *config.Config, logger *slog.Logger) *ProxyService {
	s := &ProxyService{
		client:       c,
		keys:         store,
		lookupEnv:    lookupEnv,
		cfg:          cfg,
		logger:       logger.With("component", "proxy_service"),
		backends:     make(map[string]*config.BackendConfig, len(cfg.Backends)),
		allowedHosts: make(map[string]bool, len(cfg.Upstream.AllowedHosts)),
	}
	for i := range cfg.Backends {
		s.backends[cfg.Backends[i].Name] = &cfg.Backends[i]
	}
	for _, h := range cfg.Upstream.AllowedHosts {
		s.allowedHosts[strings.ToLower(h)] = true
	}
	return s
}

// Forward relays pr to its backend and returns the backend's JSON reply and status.
//
// The backend URL and key are resolved before anything else; if either is
// missing the error wraps ErrMissingConfig and no outbound call is made.
// Every other failure (oversized or unparseable inbound body, transport error,
// non-JSON reply) is returned wrapped and carries no special meaning to the caller.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	b, ok := s.backends[pr.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, pr.Backend)
	}

	t, err := s.resolve(pr.Ctx, b)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if pr.Method == http.MethodPost {
		payload, err = readJSON(pr.Body, s.cfg.Server.BodyMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("decode request body: %w", err)
		}
	}

	upstreamURL, err := buildUpstreamURL(t.baseURL, pr.Endpoint, t.key)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"backend", b.Name,
		"method", pr.Method,
		"endpoint", pr.Endpoint,
	)

	resp, err := s.client.Call(pr.Ctx, b.Name, pr.Method, upstreamURL, payload)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", b.Name, err)
	}

	data, err := compactJSON(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response (status %d): %w", b.Name, resp.StatusCode, err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Body:       data,
	}, nil
}

// Status reports, for every configured backend, whether its URL and key
// currently resolve.
func (s *ProxyService) Status(ctx context.Context) []BackendStatus {
	out := make([]BackendStatus, 0, len(s.cfg.Backends))
	for i := range s.cfg.Backends {
		b := &s.cfg.Backends[i]
		_, err := s.resolve(ctx, b)
		out = append(out, BackendStatus{
			Name:       b.Name,
			Route:      b.Route,
			Configured: err == nil,
		})
	}
	return out
}

// resolve reads the backend URL and key for this request. Environment values
// win over literal config values; the key falls back to SSM last.
func (s *ProxyService) resolve(ctx context.Context, b *config.BackendConfig) (target, error) {
	baseURL := s.env(b.URLEnv)
	if baseURL == "" {
		baseURL = b.URL
	}

	key := s.env(b.KeyEnv)
	if key == "" {
		key = b.Key
	}
	if key == "" && b.KeySSMParameter != "" {
		v, err := s.keys.Get(ctx, b.KeySSMParameter)
		if err != nil {
			return target{}, fmt.Errorf("%w: backend %q key: %w", ErrMissingConfig, b.Name, err)
		}
		key = v
	}

	if baseURL == "" || key == "" {
		return target{}, fmt.Errorf("%w: backend %q needs both a URL and a key", ErrMissingConfig, b.Name)
	}

	if err := s.checkBaseURL(baseURL); err != nil {
		return target{}, fmt.Errorf("%w: backend %q: %w", ErrMissingConfig, b.Name, err)
	}

	return target{baseURL: baseURL, key: key}, nil
}

func (s *ProxyService) env(name string) string {
	if name == "" || s.lookupEnv == nil {
		return ""
	}
	v, _ := s.lookupEnv(name)
	return strings.TrimSpace(v)
}

func (s *ProxyService) checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https; got scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base URL has no host")
	}
	if len(s.allowedHosts) > 0 && !s.allowedHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("host %q is not in upstream.allowed_hosts", u.Hostname())
	}
	return nil
}

// buildUpstreamURL returns {baseURL}/api/{endpoint} with the key appended as
// the code query parameter. endpoint is unescaped; each segment is escaped so
// characters such as '%', '?' and '#' stay part of the path.
func buildUpstreamURL(baseURL, endpoint, key string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty", errInvalidEndpoint)
	}
	segs := strings.Split(endpoint, "/")
	for i, seg := range segs {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q contains a dot segment", errInvalidEndpoint, endpoint)
		}
		segs[i] = url.PathEscape(seg)
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/" + strings.Join(segs, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidEndpoint, err)
	}

	q := u.Query()
	q.Add("code", key)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// readJSON reads r up to maxBytes and returns it as compact JSON.
// maxBytes <= 0 means no limit.
func readJSON(r io.Reader, maxBytes int64) ([]byte, error) {
	if r == nil {
		r = http.NoBody
	}
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return compactJSON(raw)
}

// compactJSON validates raw and strips insignificant whitespace. The payload
// is never inspected beyond that.
func compactJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return buf.Bytes(), nil
}
