package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized matches any APIError with status 401
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound matches any APIError with status 404
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response from the backend
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Message    string // best-effort "detail" from the response body
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error: %s %s: %s - %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("API error: %s %s: %s", e.Method, e.Path, e.Status)
}

// Is lets errors.Is match the status sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an APIError
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// detailMessage pulls a message out of the backend's error shapes:
// {"detail": "..."}, {"detail": {"message": "..."}} or {"detail": [{"msg": "..."}]}
func detailMessage(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var text string
	if json.Unmarshal(envelope.Detail, &text) == nil {
		return text
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(envelope.Detail, &obj) == nil && obj.Message != "" {
		return obj.Message
	}

	var list []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(envelope.Detail, &list) == nil && len(list) > 0 {
		return list[0].Msg
	}
	return ""
}
