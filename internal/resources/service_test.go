package resources

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseML/internal/apitest"
	"PulseML/internal/backend"
	"PulseML/internal/cache"
	"PulseML/internal/client"
	"PulseML/internal/credentials"
	"PulseML/internal/gateway"
)

func newService(t *testing.T) (*Service, *cache.Cache, *apitest.Server) {
	t.Helper()
	srv := apitest.New(t)
	srv.AddUser("u@x.com", "pw")
	tokens := credentials.NewStore(credentials.NewMemoryDurable())
	require.NoError(t, tokens.SetAccessToken(srv.IssueToken("u@x.com")))
	c := cache.New(nil)
	return NewService(client.New(gateway.New(srv.URL(), tokens)), c, nil), c, srv
}

func seedColumns() []backend.DatasetColumnMeta {
	return []backend.DatasetColumnMeta{
		{Name: "ts", Dtype: "datetime64[ns]", Role: backend.RoleTimestamp},
		{Name: "temp", Dtype: "float64", Role: backend.RoleFeature},
		{Name: "load", Dtype: "float64", Role: backend.RoleTarget},
		{Name: "site", Dtype: "object", Role: backend.RoleFeature},
	}
}

func TestDatasetReadsAreCached(t *testing.T) {
	svc, _, srv := newService(t)
	ctx := context.Background()
	ds := srv.SeedDataset("u@x.com", "load", seedColumns())

	for i := 0; i < 3; i++ {
		list, err := svc.Datasets(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		got, err := svc.Dataset(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, "load", got.Dataset.Name)
	}
	assert.Equal(t, 1, srv.Calls("GET /datasets"))
	assert.Equal(t, 1, srv.Calls("GET /datasets/{datasetID}"))
}

func TestMutationsInvalidate(t *testing.T) {
	svc, c, srv := newService(t)
	ctx := context.Background()
	ds := srv.SeedDataset("u@x.com", "load", seedColumns())

	_, err := svc.Datasets(ctx)
	require.NoError(t, err)
	_, err = svc.Dataset(ctx, ds.ID)
	require.NoError(t, err)

	desc := "grid"
	_, err = svc.Rename(ctx, ds.ID, "renamed", &desc)
	require.NoError(t, err)
	_, ok := c.Load(cache.DatasetKey(ds.ID), 0)
	assert.False(t, ok)
	_, ok = c.Load(cache.KeyDatasets, 0)
	assert.False(t, ok)

	got, err := svc.Dataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Dataset.Name)
	require.NotNil(t, got.Dataset.Description)
	assert.Equal(t, "grid", *got.Dataset.Description)

	up, err := svc.Upload(ctx, client.Upload{
		FileName: "b.csv",
		File:     strings.NewReader("a,b\n1,2\n"),
		Name:     "b",
	})
	require.NoError(t, err)
	list, err := svc.Datasets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, svc.Delete(ctx, up.Dataset.ID))
	list, err = svc.Datasets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 3, srv.Calls("GET /datasets"))
}

func TestSaveSchemaIsOneRequestPerCall(t *testing.T) {
	svc, _, srv := newService(t)
	ctx := context.Background()
	ds := srv.SeedDataset("u@x.com", "load", seedColumns())

	mapping := []backend.ColumnRoleUpdate{
		{Name: "temp", Role: backend.RoleTarget},
		{Name: "load", Role: backend.RoleFeature},
	}
	first, err := svc.SaveSchema(ctx, ds.ID, mapping)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Calls("PUT /datasets/{datasetID}/schema"))

	second, err := svc.SaveSchema(ctx, ds.ID, mapping)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls("PUT /datasets/{datasetID}/schema"))
	assert.Equal(t, first.Meta.Columns, second.Meta.Columns)
}

func TestSetTargetKeepsSingleTarget(t *testing.T) {
	svc, _, srv := newService(t)
	ctx := context.Background()
	ds := srv.SeedDataset("u@x.com", "load", seedColumns())

	updated, err := svc.SetTarget(ctx, ds.ID, "temp")
	require.NoError(t, err)

	targets := 0
	for _, col := range updated.Meta.Columns {
		if col.Role == backend.RoleTarget {
			targets++
			assert.Equal(t, "temp", col.Name)
		}
	}
	assert.Equal(t, 1, targets)
	assert.Equal(t, 1, srv.Calls("PUT /datasets/{datasetID}/schema"))

	_, err = svc.SetTarget(ctx, ds.ID, "site")
	require.Error(t, err)
	_, err = svc.SetTarget(ctx, ds.ID, "missing")
	require.Error(t, err)
	assert.Equal(t, 1, srv.Calls("PUT /datasets/{datasetID}/schema"))
}

func TestTemplatesCachedForSession(t *testing.T) {
	svc, _, srv := newService(t)
	ctx := context.Background()

	tpl, err := svc.Template(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "TCN forecaster", tpl.Name)
	_, err = svc.Templates(ctx)
	require.NoError(t, err)
	_, err = svc.Template(ctx, 42)
	require.Error(t, err)
	assert.Equal(t, 1, srv.Calls("GET /models/templates"))
}

func TestStartAndStopRun(t *testing.T) {
	svc, c, srv := newService(t)
	ctx := context.Background()
	ds := srv.SeedDataset("u@x.com", "load", seedColumns())

	runs, err := svc.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	run, err := svc.StartRun(ctx, ds.ID, 1, map[string]any{"epochs": 3})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusQueued, run.Status)
	assert.Equal(t, float64(3), run.Hparams["epochs"])
	assert.Equal(t, 0.001, run.Hparams["learning_rate"])

	runs, err = svc.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, srv.Calls("GET /training-runs"))

	_, err = svc.Run(ctx, run.ID)
	require.NoError(t, err)
	stopped, err := svc.StopRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusStopped, stopped.Status)
	_, ok := c.Load(cache.RunKey(run.ID), 0)
	assert.False(t, ok)

	again, err := svc.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusStopped, again.Status)

	_, err = svc.StopRun(ctx, run.ID)
	assert.Equal(t, 400, gateway.StatusCode(err))
}

func TestFetchRunBypassesFreshness(t *testing.T) {
	svc, c, srv := newService(t)
	ctx := context.Background()
	run := srv.SeedRun("u@x.com", backend.StatusQueued)
	srv.ScriptRun(run.ID, backend.StatusRunning)

	first, err := svc.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, first.Status)

	srv.ScriptRun(run.ID, backend.StatusCompleted)
	cached, err := svc.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, cached.Status)

	fresh, err := svc.FetchRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, fresh.Status)

	v, ok := c.Load(cache.RunKey(run.ID), 0)
	require.True(t, ok)
	assert.Equal(t, backend.StatusCompleted, v.(*backend.TrainingRun).Status)

	m, err := svc.FetchMetrics(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, m.Metrics)
	assert.Equal(t, 2, srv.Calls("GET /training-runs/{runID}"))
}
