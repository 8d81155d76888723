// Package backend holds the PulseML REST wire types.
package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes both offset-qualified RFC 3339 times and the naive
// ISO 8601 form the backend emits for timezone-less columns (read as UTC).
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// TokenPair is the response of POST /auth/login
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Credentials is the request body of login and register
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserProfile is the authenticated user as reported by GET /auth/me
type UserProfile struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt Timestamp `json:"created_at"`
}

// HyperParamField describes one tunable hyperparameter of a template
type HyperParamField struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Default any      `json:"default"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Options []any    `json:"options,omitempty"`
	Info    string   `json:"info,omitempty"`
}

// ModelTemplate is a read-only catalog entry from GET /models/templates
type ModelTemplate struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	TaskType         string            `json:"task_type"`
	DefaultHparams   map[string]any    `json:"default_hparams"`
	HyperparamSchema []HyperParamField `json:"hyperparam_schema"`
}

// Field returns the schema entry for key
func (t *ModelTemplate) Field(key string) (HyperParamField, bool) {
	for _, f := range t.HyperparamSchema {
		if f.Key == key {
			return f, true
		}
	}
	return HyperParamField{}, false
}

// ParseHparams converts raw key=value strings into typed hyperparameters.
// Keys must appear in the template's schema; values are coerced by the
// field type ("int", "float", their "_list" forms, anything else as text).
func (t *ModelTemplate) ParseHparams(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		field, ok := t.Field(key)
		if !ok {
			known := make([]string, 0, len(t.HyperparamSchema))
			for _, f := range t.HyperparamSchema {
				known = append(known, f.Key)
			}
			return nil, fmt.Errorf("unknown hyperparameter %q for %s (known: %s)", key, t.Name, strings.Join(known, ", "))
		}
		v, err := field.Parse(value)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// Parse coerces a raw value to the field's type and checks options and bounds
func (f HyperParamField) Parse(raw string) (any, error) {
	if len(f.Options) > 0 {
		for _, opt := range f.Options {
			if fmt.Sprint(opt) == raw {
				return opt, nil
			}
		}
		return nil, fmt.Errorf("%s must be one of %v", f.Key, f.Options)
	}

	base, isList := strings.CutSuffix(f.Type, "_list")
	if !isList {
		return f.parseScalar(base, strings.TrimSpace(raw))
	}
	items := []any{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		v, err := f.parseScalar(base, item)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func (f HyperParamField) parseScalar(kind, raw string) (any, error) {
	var n float64
	var v any
	switch {
	case strings.HasPrefix(kind, "int"):
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer, got %q", f.Key, raw)
		}
		n, v = float64(i), i
	case strings.HasPrefix(kind, "float"):
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be a number, got %q", f.Key, raw)
		}
		n, v = x, x
	default:
		return raw, nil
	}
	if f.Min != nil && n < *f.Min {
		return nil, fmt.Errorf("%s must be at least %g", f.Key, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return nil, fmt.Errorf("%s must be at most %g", f.Key, *f.Max)
	}
	return v, nil
}
