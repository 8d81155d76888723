package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseML/internal/backend"
)

func do(t *testing.T, srv *Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL()+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err, "%s %s", method, path)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLockedRoutesRespondAndCount(t *testing.T) {
	srv := New(t)
	srv.AddUser("u@x.com", "pw")
	token := srv.IssueToken("u@x.com")
	ds := srv.SeedDataset("u@x.com", "load", []backend.DatasetColumnMeta{{Name: "y", Dtype: "float64", Role: backend.RoleTarget}})
	run := srv.SeedRun("u@x.com", backend.StatusRunning)

	routes := []struct {
		method, path, body string
		status             int
		route              string
	}{
		{http.MethodGet, "/models/templates", "", http.StatusOK, "GET /models/templates"},
		{http.MethodGet, "/datasets", "", http.StatusOK, "GET /datasets"},
		{http.MethodGet, fmt.Sprintf("/datasets/%d", ds.ID), "", http.StatusOK, "GET /datasets/{datasetID}"},
		{http.MethodGet, "/datasets/999", "", http.StatusNotFound, "GET /datasets/{datasetID}"},
		{http.MethodPut, fmt.Sprintf("/datasets/%d/schema", ds.ID), `{"columns":[{"name":"y","role":"target"}]}`, http.StatusOK, "PUT /datasets/{datasetID}/schema"},
		{http.MethodGet, "/training-runs", "", http.StatusOK, "GET /training-runs"},
		{http.MethodGet, fmt.Sprintf("/training-runs/%d", run.ID), "", http.StatusOK, "GET /training-runs/{runID}"},
		{http.MethodGet, fmt.Sprintf("/training-runs/%d/metrics", run.ID), "", http.StatusOK, "GET /training-runs/{runID}/metrics"},
		{http.MethodPost, fmt.Sprintf("/training-runs/%d/stop", run.ID), "", http.StatusOK, "POST /training-runs/{runID}/stop"},
		{http.MethodPost, "/auth/register", `{"email":"u@x.com","password":"pw"}`, http.StatusBadRequest, "POST /auth/register"},
		{http.MethodDelete, fmt.Sprintf("/datasets/%d", ds.ID), "", http.StatusNoContent, "DELETE /datasets/{datasetID}"},
	}
	for _, rt := range routes {
		resp := do(t, srv, rt.method, rt.path, token, rt.body)
		assert.Equal(t, rt.status, resp.StatusCode, "%s %s", rt.method, rt.path)
	}

	assert.Equal(t, 2, srv.Calls("GET /datasets/{datasetID}"))
	assert.Equal(t, 1, srv.Calls("POST /training-runs/{runID}/stop"))
	assert.Equal(t, len(routes), srv.TotalCalls())
}

func TestRenameKeepsDescriptionWhenOmitted(t *testing.T) {
	srv := New(t)
	srv.AddUser("u@x.com", "pw")
	token := srv.IssueToken("u@x.com")
	ds := srv.SeedDataset("u@x.com", "load", nil)
	path := fmt.Sprintf("/datasets/%d", ds.ID)

	resp := do(t, srv, http.MethodPatch, path, token, `{"name":"grid","description":"hourly"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodPatch, path, token, `{"name":"grid load"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got backend.Dataset
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "grid load", got.Name)
	require.NotNil(t, got.Description)
	assert.Equal(t, "hourly", *got.Description)
}
