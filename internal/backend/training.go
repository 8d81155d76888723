package backend

import (
	"encoding/json"
	"fmt"
)

// RunStatus is the lifecycle state of a training run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusStopped   RunStatus = "stopped"
)

// Terminal reports whether no further state change is expected
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Active reports whether the run is pending, queued or running
func (s RunStatus) Active() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// TrainingRun is one training job against a dataset and model template
type TrainingRun struct {
	ID                  int64          `json:"id"`
	OwnerID             int64          `json:"owner_id"`
	DatasetID           int64          `json:"dataset_id"`
	ModelTemplateID     int64          `json:"model_template_id"`
	Status              RunStatus      `json:"status"`
	Hparams             map[string]any `json:"hparams"`
	BestMetricName      *string        `json:"best_metric_name,omitempty"`
	BestMetricValue     *float64       `json:"best_metric_value,omitempty"`
	ModelCheckpointPath *string        `json:"model_checkpoint_path,omitempty"`
	LogsPath            *string        `json:"logs_path,omitempty"`
	Device              *string        `json:"device,omitempty"`
	CurrentEpoch        *int           `json:"current_epoch,omitempty"`
	TotalEpochs         *int           `json:"total_epochs,omitempty"`
	CreatedAt           Timestamp      `json:"created_at"`
	StartedAt           *Timestamp     `json:"started_at,omitempty"`
	FinishedAt          *Timestamp     `json:"finished_at,omitempty"`
	ErrorMessage        *string        `json:"error_message,omitempty"`
}

// Validate checks the timestamp invariants: no start time before the run
// leaves pending/queued, no finish time before it is terminal.
func (r *TrainingRun) Validate() error {
	if (r.Status == StatusPending || r.Status == StatusQueued) && r.StartedAt != nil && !r.StartedAt.IsZero() {
		return fmt.Errorf("run %d is %s but has started_at", r.ID, r.Status)
	}
	if !r.Status.Terminal() && r.FinishedAt != nil && !r.FinishedAt.IsZero() {
		return fmt.Errorf("run %d is %s but has finished_at", r.ID, r.Status)
	}
	return nil
}

// BestMetric formats the best metric as "name: value", or "-" when unknown
func (r *TrainingRun) BestMetric() string {
	if r.BestMetricName == nil {
		return "-"
	}
	if r.BestMetricValue == nil {
		return *r.BestMetricName + ": -"
	}
	return fmt.Sprintf("%s: %.4g", *r.BestMetricName, *r.BestMetricValue)
}

// CreateRunRequest is the body of POST /training-runs
type CreateRunRequest struct {
	DatasetID       int64          `json:"dataset_id"`
	ModelTemplateID int64          `json:"model_template_id"`
	Hparams         map[string]any `json:"hparams"`
}

// MetricPoint is one sample of a run's metric series. All fields are optional;
// numeric fields other than step/epoch/value (e.g. train_loss) land in Extra.
type MetricPoint struct {
	Step  *int               `json:"step,omitempty"`
	Epoch *int               `json:"epoch,omitempty"`
	Value *float64           `json:"value,omitempty"`
	Name  *string            `json:"name,omitempty"`
	Extra map[string]float64 `json:"-"`
}

func (p *MetricPoint) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = MetricPoint{}
	for key, value := range raw {
		var err error
		switch key {
		case "step":
			err = json.Unmarshal(value, &p.Step)
		case "epoch":
			err = json.Unmarshal(value, &p.Epoch)
		case "value":
			err = json.Unmarshal(value, &p.Value)
		case "name":
			err = json.Unmarshal(value, &p.Name)
		default:
			var f float64
			if json.Unmarshal(value, &f) == nil {
				if p.Extra == nil {
					p.Extra = make(map[string]float64)
				}
				p.Extra[key] = f
			}
		}
		if err != nil {
			return fmt.Errorf("metric field %s: %w", key, err)
		}
	}
	return nil
}

func (p MetricPoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Step != nil {
		out["step"] = *p.Step
	}
	if p.Epoch != nil {
		out["epoch"] = *p.Epoch
	}
	if p.Value != nil {
		out["value"] = *p.Value
	}
	if p.Name != nil {
		out["name"] = *p.Name
	}
	return json.Marshal(out)
}

// TrainingMetrics is the full current metric series of one run
type TrainingMetrics struct {
	RunID   int64         `json:"run_id"`
	Metrics []MetricPoint `json:"metrics"`
}
