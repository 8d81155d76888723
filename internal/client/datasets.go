package client

import (
	"context"
	"fmt"
	"io"

	"PulseML/internal/backend"
	"PulseML/internal/gateway"
)

// Upload describes a dataset file to upload
type Upload struct {
	FileName    string
	File        io.Reader
	Name        string
	Description string
}

func (c *Client) ListDatasets(ctx context.Context) ([]backend.Dataset, error) {
	var out []backend.Dataset
	if err := c.gw.Get(ctx, "/datasets", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDataset(ctx context.Context, id int64) (*backend.DatasetPreview, error) {
	var out backend.DatasetPreview
	if err := c.gw.Get(ctx, fmt.Sprintf("/datasets/%d", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadDataset posts a multipart form with file, name and description
func (c *Client) UploadDataset(ctx context.Context, up Upload) (*backend.DatasetPreview, error) {
	fields := map[string]string{"name": up.Name}
	if up.Description != "" {
		fields["description"] = up.Description
	}

	var out backend.DatasetPreview
	err := c.gw.PostMultipart(ctx, "/datasets/upload", &gateway.MultipartForm{
		Fields:    fields,
		FileField: "file",
		FileName:  up.FileName,
		File:      up.File,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDatasetSchema(ctx context.Context, id int64, columns []backend.ColumnRoleUpdate) (*backend.Dataset, error) {
	var out backend.Dataset
	if err := c.gw.Put(ctx, fmt.Sprintf("/datasets/%d/schema", id), backend.SchemaUpdate{Columns: columns}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameDataset sets the name, and the description when it is non-nil
func (c *Client) RenameDataset(ctx context.Context, id int64, name string, description *string) (*backend.Dataset, error) {
	var out backend.Dataset
	if err := c.gw.Patch(ctx, fmt.Sprintf("/datasets/%d", id), backend.DatasetRename{Name: name, Description: description}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteDataset(ctx context.Context, id int64) error {
	return c.gw.Delete(ctx, fmt.Sprintf("/datasets/%d", id))
}
