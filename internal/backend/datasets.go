package backend

import "fmt"

// ColumnRole is how a dataset column is used for training
type ColumnRole string

const (
	RoleFeature   ColumnRole = "feature"
	RoleTarget    ColumnRole = "target"
	RoleTimestamp ColumnRole = "timestamp"
	RoleIgnore    ColumnRole = "ignore"
)

// ParseColumnRole validates a role name
func ParseColumnRole(s string) (ColumnRole, error) {
	switch r := ColumnRole(s); r {
	case RoleFeature, RoleTarget, RoleTimestamp, RoleIgnore:
		return r, nil
	}
	return "", fmt.Errorf("unknown column role %q (feature|target|timestamp|ignore)", s)
}

// DatasetColumnMeta is the inferred schema of a single column
type DatasetColumnMeta struct {
	Name       string              `json:"name"`
	Dtype      string              `json:"dtype"`
	MissingPct float64             `json:"missing_pct"`
	Role       ColumnRole          `json:"role"`
	Stats      map[string]*float64 `json:"stats,omitempty"`
}

// Numeric reports whether the column can serve as a regression target
func (c DatasetColumnMeta) Numeric() bool {
	return c.Dtype == "float64" || c.Dtype == "int64"
}

// DatasetMeta summarises an uploaded dataset
type DatasetMeta struct {
	NRows          *int                  `json:"n_rows,omitempty"`
	NColumns       *int                  `json:"n_columns,omitempty"`
	Columns        []DatasetColumnMeta   `json:"columns"`
	SuggestedRoles map[string]ColumnRole `json:"suggested_roles"`
}

// Dataset is a server-owned tabular dataset
type Dataset struct {
	ID          int64       `json:"id"`
	OwnerID     int64       `json:"owner_id"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	Type        string      `json:"type"`
	Meta        DatasetMeta `json:"meta"`
	CreatedAt   Timestamp   `json:"created_at"`
}

// DatasetPreview is a dataset plus its first rows
type DatasetPreview struct {
	Dataset Dataset          `json:"dataset"`
	Preview []map[string]any `json:"preview"`
}

// ColumnRoleUpdate assigns a role to one column
type ColumnRoleUpdate struct {
	Name string     `json:"name"`
	Role ColumnRole `json:"role"`
}

// SchemaUpdate is the body of PUT /datasets/{id}/schema
type SchemaUpdate struct {
	Columns []ColumnRoleUpdate `json:"columns"`
}

// DatasetRename is the body of PATCH /datasets/{id}
type DatasetRename struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// RolesWithTarget returns the full column-role mapping of meta with column
// promoted to target. Any previous target is demoted to feature so the
// dataset keeps a single target.
func RolesWithTarget(meta DatasetMeta, column string) ([]ColumnRoleUpdate, error) {
	found := false
	updates := make([]ColumnRoleUpdate, 0, len(meta.Columns))
	for _, col := range meta.Columns {
		role := col.Role
		switch {
		case col.Name == column:
			if !col.Numeric() || col.Role == RoleTimestamp || col.Role == RoleIgnore {
				return nil, fmt.Errorf("column %q (%s, %s) cannot be a target", column, col.Dtype, col.Role)
			}
			role = RoleTarget
			found = true
		case col.Role == RoleTarget:
			role = RoleFeature
		}
		updates = append(updates, ColumnRoleUpdate{Name: col.Name, Role: role})
	}
	if !found {
		return nil, fmt.Errorf("column %q not found", column)
	}
	return updates, nil
}
