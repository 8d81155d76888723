package client

import (
	"context"
	"fmt"

	"PulseML/internal/backend"
)

func (c *Client) ListTemplates(ctx context.Context) ([]backend.ModelTemplate, error) {
	var out []backend.ModelTemplate
	if err := c.gw.Get(ctx, "/models/templates", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]backend.TrainingRun, error) {
	var out []backend.TrainingRun
	if err := c.gw.Get(ctx, "/training-runs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, id int64) (*backend.TrainingRun, error) {
	var out backend.TrainingRun
	if err := c.gw.Get(ctx, fmt.Sprintf("/training-runs/%d", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRun(ctx context.Context, req backend.CreateRunRequest) (*backend.TrainingRun, error) {
	if req.Hparams == nil {
		req.Hparams = map[string]any{}
	}
	var out backend.TrainingRun
	if err := c.gw.Post(ctx, "/training-runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopRun(ctx context.Context, id int64) (*backend.TrainingRun, error) {
	var out backend.TrainingRun
	if err := c.gw.Post(ctx, fmt.Sprintf("/training-runs/%d/stop", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMetrics(ctx context.Context, id int64) (*backend.TrainingMetrics, error) {
	var out backend.TrainingMetrics
	if err := c.gw.Get(ctx, fmt.Sprintf("/training-runs/%d/metrics", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
