// Package resources serves cached reads of PulseML data and invalidates the
// affected entries after every mutation.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"PulseML/internal/backend"
	"PulseML/internal/cache"
	"PulseML/internal/client"
)

// API is the resource-client surface the service needs
type API interface {
	ListDatasets(ctx context.Context) ([]backend.Dataset, error)
	GetDataset(ctx context.Context, id int64) (*backend.DatasetPreview, error)
	UploadDataset(ctx context.Context, up client.Upload) (*backend.DatasetPreview, error)
	UpdateDatasetSchema(ctx context.Context, id int64, columns []backend.ColumnRoleUpdate) (*backend.Dataset, error)
	RenameDataset(ctx context.Context, id int64, name string, description *string) (*backend.Dataset, error)
	DeleteDataset(ctx context.Context, id int64) error
	ListTemplates(ctx context.Context) ([]backend.ModelTemplate, error)
	ListRuns(ctx context.Context) ([]backend.TrainingRun, error)
	GetRun(ctx context.Context, id int64) (*backend.TrainingRun, error)
	CreateRun(ctx context.Context, req backend.CreateRunRequest) (*backend.TrainingRun, error)
	StopRun(ctx context.Context, id int64) (*backend.TrainingRun, error)
	GetMetrics(ctx context.Context, id int64) (*backend.TrainingMetrics, error)
}

// DefaultRunsMaxAge bounds how long run reads are served from cache; runs
// change on the server without any client mutation.
const DefaultRunsMaxAge = 5 * time.Second

// Service is the cached data layer
type Service struct {
	api        API
	cache      *cache.Cache
	logger     *slog.Logger
	runsMaxAge time.Duration
}

// NewService creates a Service sharing c with the session controller
func NewService(api API, c *cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, cache: c, logger: logger, runsMaxAge: DefaultRunsMaxAge}
}

// Datasets lists the user's datasets
func (s *Service) Datasets(ctx context.Context) ([]backend.Dataset, error) {
	return cache.Fetch(ctx, s.cache, cache.KeyDatasets, 0, s.api.ListDatasets)
}

// Dataset returns a dataset with its preview rows
func (s *Service) Dataset(ctx context.Context, id int64) (*backend.DatasetPreview, error) {
	return cache.Fetch(ctx, s.cache, cache.DatasetKey(id), 0, func(ctx context.Context) (*backend.DatasetPreview, error) {
		return s.api.GetDataset(ctx, id)
	})
}

// Upload sends a new dataset and invalidates the dataset list
func (s *Service) Upload(ctx context.Context, up client.Upload) (*backend.DatasetPreview, error) {
	out, err := s.api.UploadDataset(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("upload dataset: %w", err)
	}
	s.cache.Invalidate(cache.KeyDatasets)
	s.logger.Info("dataset uploaded", "dataset_id", out.Dataset.ID, "name", out.Dataset.Name)
	return out, nil
}

// SaveSchema submits a column-role mapping. Each call is exactly one update
// request; resubmitting the same mapping yields the same server schema.
func (s *Service) SaveSchema(ctx context.Context, id int64, columns []backend.ColumnRoleUpdate) (*backend.Dataset, error) {
	out, err := s.api.UpdateDatasetSchema(ctx, id, columns)
	if err != nil {
		return nil, fmt.Errorf("update schema of dataset %d: %w", id, err)
	}
	s.cache.Invalidate(cache.DatasetKey(id), cache.KeyDatasets)
	s.logger.Info("dataset schema saved", "dataset_id", id, "columns", len(columns))
	return out, nil
}

// SetTarget makes column the dataset's only target column
func (s *Service) SetTarget(ctx context.Context, id int64, column string) (*backend.Dataset, error) {
	current, err := s.Dataset(ctx, id)
	if err != nil {
		return nil, err
	}
	updates, err := backend.RolesWithTarget(current.Dataset.Meta, column)
	if err != nil {
		return nil, err
	}
	return s.SaveSchema(ctx, id, updates)
}

// Rename changes a dataset's name, and its description when non-nil
func (s *Service) Rename(ctx context.Context, id int64, name string, description *string) (*backend.Dataset, error) {
	out, err := s.api.RenameDataset(ctx, id, name, description)
	if err != nil {
		return nil, fmt.Errorf("rename dataset %d: %w", id, err)
	}
	s.cache.Invalidate(cache.DatasetKey(id), cache.KeyDatasets)
	return out, nil
}

// Delete removes a dataset
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.api.DeleteDataset(ctx, id); err != nil {
		return fmt.Errorf("delete dataset %d: %w", id, err)
	}
	s.cache.Invalidate(cache.DatasetKey(id), cache.KeyDatasets)
	s.logger.Info("dataset deleted", "dataset_id", id)
	return nil
}

// Templates returns the model catalog, cached for the whole session
func (s *Service) Templates(ctx context.Context) ([]backend.ModelTemplate, error) {
	return cache.Fetch(ctx, s.cache, cache.KeyTemplates, 0, s.api.ListTemplates)
}

// Template finds one template by id
func (s *Service) Template(ctx context.Context, id int64) (*backend.ModelTemplate, error) {
	templates, err := s.Templates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		if templates[i].ID == id {
			return &templates[i], nil
		}
	}
	return nil, fmt.Errorf("model template %d not found", id)
}

// Runs lists training runs
func (s *Service) Runs(ctx context.Context) ([]backend.TrainingRun, error) {
	return cache.Fetch(ctx, s.cache, cache.KeyRuns, s.runsMaxAge, s.api.ListRuns)
}

// Run returns one training run
func (s *Service) Run(ctx context.Context, id int64) (*backend.TrainingRun, error) {
	return cache.Fetch(ctx, s.cache, cache.RunKey(id), s.runsMaxAge, func(ctx context.Context) (*backend.TrainingRun, error) {
		return s.api.GetRun(ctx, id)
	})
}

// Metrics returns a run's metric series
func (s *Service) Metrics(ctx context.Context, id int64) (*backend.TrainingMetrics, error) {
	return cache.Fetch(ctx, s.cache, cache.MetricsKey(id), s.runsMaxAge, func(ctx context.Context) (*backend.TrainingMetrics, error) {
		return s.api.GetMetrics(ctx, id)
	})
}

// FetchRun bypasses freshness and refreshes the cached run
func (s *Service) FetchRun(ctx context.Context, id int64) (*backend.TrainingRun, error) {
	return cache.Refresh(ctx, s.cache, cache.RunKey(id), func(ctx context.Context) (*backend.TrainingRun, error) {
		return s.api.GetRun(ctx, id)
	})
}

// FetchMetrics bypasses freshness and refreshes the cached metrics
func (s *Service) FetchMetrics(ctx context.Context, id int64) (*backend.TrainingMetrics, error) {
	return cache.Refresh(ctx, s.cache, cache.MetricsKey(id), func(ctx context.Context) (*backend.TrainingMetrics, error) {
		return s.api.GetMetrics(ctx, id)
	})
}

// StartRun launches a training run. Hyperparameters missing from hparams
// are filled from the template defaults.
func (s *Service) StartRun(ctx context.Context, datasetID, templateID int64, hparams map[string]any) (*backend.TrainingRun, error) {
	merged := map[string]any{}
	if tpl, err := s.Template(ctx, templateID); err == nil {
		for k, v := range tpl.DefaultHparams {
			merged[k] = v
		}
	} else {
		s.logger.Warn("template defaults unavailable", "template_id", templateID, "error", err)
	}
	for k, v := range hparams {
		merged[k] = v
	}

	run, err := s.api.CreateRun(ctx, backend.CreateRunRequest{
		DatasetID:       datasetID,
		ModelTemplateID: templateID,
		Hparams:         merged,
	})
	if err != nil {
		return nil, fmt.Errorf("create training run: %w", err)
	}
	s.cache.Invalidate(cache.KeyRuns)
	s.logger.Info("training run created", "run_id", run.ID, "dataset_id", datasetID, "template_id", templateID)
	return run, nil
}

// StopRun asks the backend to stop a run
func (s *Service) StopRun(ctx context.Context, id int64) (*backend.TrainingRun, error) {
	run, err := s.api.StopRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stop training run %d: %w", id, err)
	}
	s.cache.Invalidate(cache.RunKey(id), cache.KeyRuns)
	s.logger.Info("training run stopped", "run_id", id, "status", run.Status)
	return run, nil
}
