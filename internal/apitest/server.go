// Package apitest runs an in-memory PulseML backend for tests. It serves the
// same REST surface under /api, issues HS256 access tokens, counts requests per
// route and lets tests script the status sequence a training run reports.
package apitest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"PulseML/internal/backend"
)

type user struct {
	profile  backend.UserProfile
	password string
}

type ctxKey struct{}

// Server is a fake PulseML backend
type Server struct {
	srv    *httptest.Server
	secret []byte

	mu        sync.Mutex
	nextID    int64
	users     map[string]*user // by email
	datasets  map[int64]*backend.DatasetPreview
	runs      map[int64]*backend.TrainingRun
	scripts   map[int64][]backend.RunStatus
	metrics   map[int64][]backend.MetricPoint
	templates []backend.ModelTemplate
	issued    map[string]bool // token id -> still valid

	// callsMu is separate from mu: handlers write responses while holding mu
	callsMu sync.Mutex
	calls   map[string]int
}

// New starts a Server that is closed when the test ends
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:   []byte("apitest-secret-" + uuid.NewString()),
		nextID:   1,
		users:    make(map[string]*user),
		datasets: make(map[int64]*backend.DatasetPreview),
		runs:     make(map[int64]*backend.TrainingRun),
		scripts:  make(map[int64][]backend.RunStatus),
		metrics:  make(map[int64][]backend.MetricPoint),
		issued:   make(map[string]bool),
		calls:    make(map[string]int),
		templates: []backend.ModelTemplate{{
			ID:             1,
			Name:           "TCN forecaster",
			TaskType:       "time_series_forecasting",
			DefaultHparams: map[string]any{"epochs": float64(10), "learning_rate": 0.001},
			HyperparamSchema: []backend.HyperParamField{
				{Key: "epochs", Label: "Epochs", Type: "int", Default: float64(10)},
				{Key: "learning_rate", Label: "Learning rate", Type: "float", Default: 0.001},
			},
		}},
	}
	s.srv = httptest.NewServer(s.router())
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the API base URL (including the /api prefix)
func (s *Server) URL() string {
	return s.srv.URL + "/api"
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.countCalls)

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Get("/models/templates", s.handleTemplates)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/auth/me", s.handleMe)

			r.Get("/datasets", s.handleListDatasets)
			r.Post("/datasets/upload", s.handleUpload)
			r.Get("/datasets/{datasetID}", s.handleGetDataset)
			r.Put("/datasets/{datasetID}/schema", s.handleUpdateSchema)
			r.Patch("/datasets/{datasetID}", s.handleRename)
			r.Delete("/datasets/{datasetID}", s.handleDeleteDataset)

			r.Get("/training-runs", s.handleListRuns)
			r.Post("/training-runs", s.handleCreateRun)
			r.Get("/training-runs/{runID}", s.handleGetRun)
			r.Post("/training-runs/{runID}/stop", s.handleStopRun)
			r.Get("/training-runs/{runID}/metrics", s.handleMetrics)
		})
	})
	return r
}

// countCalls records "METHOD /pattern" (without /api). The count is taken
// when the response starts so it is visible once the client has a reply.
func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &countingWriter{ResponseWriter: w, record: func() {
			pattern := strings.TrimPrefix(chi.RouteContext(r.Context()).RoutePattern(), "/api")
			s.callsMu.Lock()
			s.calls[r.Method+" "+pattern]++
			s.callsMu.Unlock()
		}}
		next.ServeHTTP(cw, r)
		cw.once()
	})
}

type countingWriter struct {
	http.ResponseWriter
	record  func()
	counted bool
}

func (c *countingWriter) once() {
	if !c.counted {
		c.counted = true
		c.record()
	}
}

func (c *countingWriter) WriteHeader(status int) {
	c.once()
	c.ResponseWriter.WriteHeader(status)
}

func (c *countingWriter) Write(b []byte) (int, error) {
	c.once()
	return c.ResponseWriter.Write(b)
}

// Calls returns how many requests hit route, e.g. "GET /training-runs/{runID}"
func (s *Server) Calls(route string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.calls[route]
}

// TotalCalls returns the number of requests served on any route
func (s *Server) TotalCalls() int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// AddUser registers an account directly
func (s *Server) AddUser(email, password string) backend.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, password)
}

func (s *Server) addUserLocked(email, password string) backend.UserProfile {
	profile := backend.UserProfile{
		ID:        s.nextID,
		Email:     email,
		CreatedAt: backend.Timestamp{Time: time.Now().UTC().Truncate(time.Second)},
	}
	s.nextID++
	s.users[email] = &user{profile: profile, password: password}
	return profile
}

// IssueToken signs an access token for an existing user
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	token, err := s.sign(u.profile.ID, 30*time.Minute)
	if err != nil {
		return ""
	}
	return token
}

// RevokeAll invalidates every token issued so far. Tokens issued later work.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.issued {
		s.issued[id] = false
	}
}

func (s *Server) sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.issued[claims.ID] = true
	s.mu.Unlock()
	return signed, nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		s.mu.Lock()
		valid := s.issued[claims.ID]
		var current *user
		for _, u := range s.users {
			if strconv.FormatInt(u.profile.ID, 10) == claims.Subject {
				current = u
			}
		}
		s.mu.Unlock()
		if !valid || current == nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r, current.profile)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"detail": map[string]string{"message": message}})
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}
