// Package client has one method per PulseML REST operation. Each method makes
// exactly one gateway call and returns the decoded payload or the gateway's
// error unchanged; there is no caching or retrying here.
package client

import (
	"context"

	"PulseML/internal/gateway"
)

// Doer is the subset of *gateway.Gateway the client needs
type Doer interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string) error
	PostMultipart(ctx context.Context, path string, form *gateway.MultipartForm, out any) error
}

// Client is the typed PulseML API
type Client struct {
	gw Doer
}

// New wraps a gateway
func New(gw Doer) *Client {
	return &Client{gw: gw}
}
