package client

import (
	"context"

	"PulseML/internal/backend"
)

// Login exchanges credentials for a token pair
func (c *Client) Login(ctx context.Context, email, password string) (*backend.TokenPair, error) {
	var out backend.TokenPair
	if err := c.gw.Post(ctx, "/auth/login", backend.Credentials{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, email, password string) (*backend.UserProfile, error) {
	var out backend.UserProfile
	if err := c.gw.Post(ctx, "/auth/register", backend.Credentials{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the profile of the token's owner
func (c *Client) Me(ctx context.Context) (*backend.UserProfile, error) {
	var out backend.UserProfile
	if err := c.gw.Get(ctx, "/auth/me", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
