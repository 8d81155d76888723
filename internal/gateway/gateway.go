// Package gateway is the single outbound channel to the PulseML backend.
// Every request goes through Gateway.Do, which attaches the current bearer
// token and reports 401 responses to one registered observer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TokenSource yields the access token to attach, or "" for none.
// It is consulted on every request.
type TokenSource interface {
	AccessToken() string
}

// Gateway sends requests to the backend
type Gateway struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	duration     metric.Float64Histogram
	unauthorized metric.Int64Counter

	mu             sync.RWMutex
	onUnauthorized func()
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient replaces the default http.Client, whose transport is
// instrumented with otelhttp
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithTimeout sets the per-request timeout on the gateway's http.Client
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.httpClient.Timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithMeter records request metrics on m instead of the global meter
func WithMeter(m metric.Meter) Option {
	return func(g *Gateway) { g.initInstruments(m) }
}

// New creates a Gateway rooted at baseURL (e.g. http://localhost:8000/api)
func New(baseURL string, tokens TokenSource, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     slog.Default(),
		tracer:     otel.Tracer("pulseml/gateway"),
	}
	g.initInstruments(otel.Meter("pulseml/gateway"))
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) initInstruments(m metric.Meter) {
	if h, err := m.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err == nil {
		g.duration = h
	}
	if c, err := m.Int64Counter(
		"pulseml.gateway.unauthorized",
		metric.WithDescription("Responses rejected with 401"),
	); err == nil {
		g.unauthorized = c
	}
}

// OnUnauthorized registers fn to run whenever a response is 401.
// Only one observer exists at a time; registering replaces the previous one.
// Passing nil removes it.
func (g *Gateway) OnUnauthorized(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnauthorized = fn
}

// MultipartForm is a multipart/form-data body with a single file part
type MultipartForm struct {
	Fields    map[string]string
	FileField string
	FileName  string
	File      io.Reader
}

// Request describes one backend call. At most one of JSON and Form is set.
type Request struct {
	Method string
	Path   string
	JSON   any
	Form   *MultipartForm
}

func (g *Gateway) Get(ctx context.Context, path string, out any) error {
	return g.Do(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

func (g *Gateway) Post(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, JSON: body}, out)
}

func (g *Gateway) Put(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, Request{Method: http.MethodPut, Path: path, JSON: body}, out)
}

func (g *Gateway) Patch(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, Request{Method: http.MethodPatch, Path: path, JSON: body}, out)
}

func (g *Gateway) Delete(ctx context.Context, path string) error {
	return g.Do(ctx, Request{Method: http.MethodDelete, Path: path}, nil)
}

func (g *Gateway) PostMultipart(ctx context.Context, path string, form *MultipartForm, out any) error {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Form: form}, out)
}

// Do sends req and decodes a 2xx JSON response into out (if non-nil).
// Non-2xx responses return *APIError; a 401 additionally runs the
// unauthorized observer before Do returns. There are no retries.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	ctx, span := g.tracer.Start(ctx, "http "+req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	start := time.Now()
	requestID := uuid.NewString()

	body, contentType, err := encodeBody(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	// Read at send time so a logout elsewhere is seen by the very next call
	if token := g.tokens.AccessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		g.logger.Warn("request failed", "method", req.Method, "path", req.Path, "request_id", requestID, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if g.duration != nil {
		g.duration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.Int("http.response.status_code", resp.StatusCode),
			))
	}
	g.logger.Debug("request completed",
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", requestID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    detailMessage(respBody),
			Body:       respBody,
		}
		span.SetStatus(codes.Error, resp.Status)
		if resp.StatusCode == http.StatusUnauthorized {
			g.notifyUnauthorized(ctx, req)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (g *Gateway) notifyUnauthorized(ctx context.Context, req Request) {
	if g.unauthorized != nil {
		g.unauthorized.Add(ctx, 1)
	}
	g.logger.Warn("unauthorized response", "method", req.Method, "path", req.Path)

	g.mu.RLock()
	fn := g.onUnauthorized
	g.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func encodeBody(req Request) (io.Reader, string, error) {
	switch {
	case req.Form != nil:
		return encodeMultipart(req.Form)
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
	return nil, "", nil
}

func encodeMultipart(form *MultipartForm) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range form.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	if form.File != nil {
		field := form.FileField
		if field == "" {
			field = "file"
		}
		part, err := w.CreateFormFile(field, form.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := io.Copy(part, form.File); err != nil {
			return nil, "", fmt.Errorf("failed to copy file: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
