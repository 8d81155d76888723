package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	mu    sync.Mutex
	token string
}

func (s *staticTokens) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *staticTokens) set(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

type recorder struct {
	mu      sync.Mutex
	headers []http.Header
}

func (r *recorder) last() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[len(r.headers)-1]
}

func newServer(t *testing.T, rec *recorder, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayAttachesCurrentToken(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	tokens := &staticTokens{}
	gw := New(srv.URL, tokens)
	ctx := context.Background()

	tokens.set("T1")
	require.NoError(t, gw.Get(ctx, "/datasets", nil))
	assert.Equal(t, "Bearer T1", rec.last().Get("Authorization"))
	assert.NotEmpty(t, rec.last().Get("X-Request-ID"))

	tokens.set("T2")
	require.NoError(t, gw.Get(ctx, "/datasets", nil))
	assert.Equal(t, "Bearer T2", rec.last().Get("Authorization"))

	tokens.set("")
	require.NoError(t, gw.Get(ctx, "/datasets", nil))
	assert.Empty(t, rec.last().Get("Authorization"))
}

func TestGatewayDecodesJSON(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"name":"sales"}`, string(body))
		w.Write([]byte(`{"id":4,"name":"sales"}`))
	})
	gw := New(srv.URL, &staticTokens{})

	var out struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, gw.Patch(context.Background(), "/datasets/4", map[string]string{"name": "sales"}, &out))
	assert.Equal(t, 4, out.ID)
	assert.Equal(t, "sales", out.Name)
}

func TestGatewayUnauthorizedRunsObserverOnce(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"message":"Not authenticated"}}`))
	})
	gw := New(srv.URL, &staticTokens{token: "stale"})

	first, second := 0, 0
	gw.OnUnauthorized(func() { first++ })
	gw.OnUnauthorized(func() { second++ })

	err := gw.Get(context.Background(), "/auth/me", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Contains(t, err.Error(), "Not authenticated")

	assert.Equal(t, 0, first, "replaced observer must not run")
	assert.Equal(t, 1, second)
}

func TestGatewayOtherErrorsDoNotNotify(t *testing.T) {
	rec := &recorder{}
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"detail":"Training run not found"}`))
	})
	gw := New(srv.URL, &staticTokens{})
	called := false
	gw.OnUnauthorized(func() { called = true })

	err := gw.Get(context.Background(), "/training-runs/9", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Training run not found", apiErr.Message)

	status.Store(http.StatusBadRequest)
	err = gw.Post(context.Background(), "/auth/register", map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.False(t, called)
}

func TestGatewayTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := New(url, &staticTokens{})
	err := gw.Get(context.Background(), "/datasets", nil)
	require.Error(t, err)
	assert.Equal(t, 0, StatusCode(err))
}

func TestGatewayMultipart(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "sales", r.FormValue("name"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "sales.csv", hdr.Filename)
		assert.Equal(t, "a,b\n1,2\n", string(data))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	gw := New(srv.URL, &staticTokens{token: "T"})

	err := gw.PostMultipart(context.Background(), "/datasets/upload", &MultipartForm{
		Fields:   map[string]string{"name": "sales"},
		FileName: "sales.csv",
		File:     strings.NewReader("a,b\n1,2\n"),
	}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.last().Get("Content-Type"), "multipart/form-data"))
}

func TestDeleteWithEmptyBody(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	gw := New(srv.URL+"/", &staticTokens{})
	require.NoError(t, gw.Delete(context.Background(), "/datasets/3"))
}
