package session

import (
	"errors"

	"PulseML/internal/backend"
)

var (
	// ErrNotAuthenticated is returned by user-scoped calls made without a token
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAlreadyAuthenticated is returned by Login while a session is live
	ErrAlreadyAuthenticated = errors.New("already logged in")
	// ErrLoginInProgress is returned by Login while another attempt is running
	ErrLoginInProgress = errors.New("login already in progress")
)

// State is the authentication lifecycle state
type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	Expiring
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expiring:
		return "expiring"
	}
	return "unknown"
}

// Session is a snapshot of the live credentials. User is nil whenever
// AccessToken is empty.
type Session struct {
	AccessToken  string               `json:"access_token,omitempty"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	User         *backend.UserProfile `json:"user,omitempty"`
}
