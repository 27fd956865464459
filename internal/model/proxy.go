// Package model defines shared types for the proxy.
package model

import (
	"context"
	"encoding/json"
	"io"
)

// ProxyRequest is an inbound call to be relayed to a function backend.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Backend  string    // backend name from config
	Endpoint string    // path after /api/, unescaped
	Body     io.Reader // inbound JSON body; only read for POST
}

// ProxyResponse is the relayed backend reply. Body is always valid, compact JSON.
type ProxyResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// UpstreamResponse is the backend's status and unparsed body.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte
}
