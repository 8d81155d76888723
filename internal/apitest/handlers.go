package apitest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"PulseML/internal/backend"
)

func withUser(r *http.Request, profile backend.UserProfile) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, profile)
}

func currentUser(r *http.Request) backend.UserProfile {
	profile, _ := r.Context().Value(ctxKey{}).(backend.UserProfile)
	return profile
}

func now() *backend.Timestamp {
	return &backend.Timestamp{Time: time.Now().UTC()}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds backend.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[creds.Email]
	s.mu.Unlock()
	if !ok || u.password != creds.Password {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	access, err := s.sign(u.profile.ID, 30*time.Minute)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := s.sign(u.profile.ID, 7*24*time.Hour)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, backend.TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds backend.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Email == "" || creds.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[creds.Email]; exists {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	writeJSON(w, http.StatusCreated, s.addUserLocked(creds.Email, creds.Password))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.templates)
}

// SeedDataset stores a dataset owned by the user with the given email
func (s *Server) SeedDataset(email, name string, columns []backend.DatasetColumnMeta) backend.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owner int64
	if u, ok := s.users[email]; ok {
		owner = u.profile.ID
	}
	return s.storeDatasetLocked(owner, name, nil, columns, nil)
}

func (s *Server) storeDatasetLocked(owner int64, name string, description *string, columns []backend.DatasetColumnMeta, preview []map[string]any) backend.Dataset {
	nCols := len(columns)
	nRows := len(preview)
	suggested := make(map[string]backend.ColumnRole, len(columns))
	for _, c := range columns {
		suggested[c.Name] = c.Role
	}
	ds := backend.Dataset{
		ID:          s.nextID,
		OwnerID:     owner,
		Name:        name,
		Description: description,
		Type:        "tabular",
		Meta: backend.DatasetMeta{
			NRows:          &nRows,
			NColumns:       &nCols,
			Columns:        columns,
			SuggestedRoles: suggested,
		},
		CreatedAt: *now(),
	}
	s.nextID++
	if preview == nil {
		preview = []map[string]any{}
	}
	s.datasets[ds.ID] = &backend.DatasetPreview{Dataset: ds, Preview: preview}
	return ds
}

func (s *Server) ownedDataset(w http.ResponseWriter, r *http.Request) (*backend.DatasetPreview, bool) {
	id, ok := idParam(r, "datasetID")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Dataset not found")
		return nil, false
	}
	ds, ok := s.datasets[id]
	if !ok || ds.Dataset.OwnerID != currentUser(r).ID {
		writeDetail(w, http.StatusNotFound, "Dataset not found")
		return nil, false
	}
	return ds, true
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := currentUser(r).ID
	out := []backend.Dataset{}
	for _, ds := range s.datasets {
		if ds.Dataset.OwnerID == owner {
			out = append(out, ds.Dataset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.ownedDataset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleUpload infers a schema from the CSV header and first row
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil || len(records) == 0 {
		writeDetail(w, http.StatusBadRequest, "Unable to parse CSV")
		return
	}

	header := records[0]
	columns := make([]backend.DatasetColumnMeta, len(header))
	for i, name := range header {
		dtype := "object"
		if len(records) > 1 && i < len(records[1]) {
			if _, err := strconv.ParseFloat(records[1][i], 64); err == nil {
				dtype = "float64"
			}
		}
		columns[i] = backend.DatasetColumnMeta{Name: name, Dtype: dtype, Role: backend.RoleFeature}
	}

	preview := []map[string]any{}
	for _, rec := range records[1:] {
		if len(preview) == 5 {
			break
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		preview = append(preview, row)
	}

	var description *string
	if d := r.FormValue("description"); d != "" {
		description = &d
	}

	s.mu.Lock()
	ds := s.storeDatasetLocked(currentUser(r).ID, r.FormValue("name"), description, columns, preview)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, backend.DatasetPreview{Dataset: ds, Preview: preview})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var body backend.SchemaUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.ownedDataset(w, r)
	if !ok {
		return
	}

	roles := make(map[string]backend.ColumnRole, len(body.Columns))
	for _, c := range body.Columns {
		roles[c.Name] = c.Role
	}
	for name := range roles {
		found := false
		for _, col := range ds.Dataset.Meta.Columns {
			found = found || col.Name == name
		}
		if !found {
			writeDetail(w, http.StatusBadRequest, "Unknown column "+name)
			return
		}
	}

	cols := make([]backend.DatasetColumnMeta, len(ds.Dataset.Meta.Columns))
	copy(cols, ds.Dataset.Meta.Columns)
	for i := range cols {
		if role, ok := roles[cols[i].Name]; ok {
			cols[i].Role = role
		}
	}
	ds.Dataset.Meta.Columns = cols
	writeJSON(w, http.StatusOK, ds.Dataset)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body backend.DatasetRename
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.ownedDataset(w, r)
	if !ok {
		return
	}
	ds.Dataset.Name = body.Name
	if body.Description != nil {
		ds.Dataset.Description = body.Description
	}
	writeJSON(w, http.StatusOK, ds.Dataset)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.ownedDataset(w, r)
	if !ok {
		return
	}
	delete(s.datasets, ds.Dataset.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ScriptRun makes successive GETs of run id report statuses in order; the
// last status sticks once the script is exhausted.
func (s *Server) ScriptRun(id int64, statuses ...backend.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = append([]backend.RunStatus(nil), statuses...)
}

// SeedRun stores a run for the user with the given email
func (s *Server) SeedRun(email string, status backend.RunStatus) backend.TrainingRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owner int64
	if u, ok := s.users[email]; ok {
		owner = u.profile.ID
	}
	run := &backend.TrainingRun{
		ID:              s.nextID,
		OwnerID:         owner,
		ModelTemplateID: 1,
		Hparams:         map[string]any{},
		CreatedAt:       *now(),
	}
	s.nextID++
	setStatus(run, status)
	s.runs[run.ID] = run
	return *run
}

// DeleteRun removes a run so later fetches return 404
func (s *Server) DeleteRun(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// AppendMetric adds a sample to a run's metric series
func (s *Server) AppendMetric(id int64, point backend.MetricPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[id] = append(s.metrics[id], point)
}

func setStatus(run *backend.TrainingRun, status backend.RunStatus) {
	run.Status = status
	if status == backend.StatusRunning || status.Terminal() {
		if run.StartedAt == nil {
			run.StartedAt = now()
		}
	}
	if status.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = now()
	}
	if status == backend.StatusCompleted {
		name, value := "val_loss", 0.042
		run.BestMetricName, run.BestMetricValue = &name, &value
	}
}

func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request) (*backend.TrainingRun, bool) {
	id, ok := idParam(r, "runID")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Training run not found")
		return nil, false
	}
	run, ok := s.runs[id]
	if !ok || run.OwnerID != currentUser(r).ID {
		writeDetail(w, http.StatusNotFound, "Training run not found")
		return nil, false
	}
	return run, true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := currentUser(r).ID
	out := []backend.TrainingRun{}
	for _, run := range s.runs {
		if run.OwnerID == owner {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body backend.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner := currentUser(r).ID
	ds, ok := s.datasets[body.DatasetID]
	if !ok || ds.Dataset.OwnerID != owner {
		writeDetail(w, http.StatusNotFound, "Dataset not found")
		return
	}
	found := false
	for _, tpl := range s.templates {
		found = found || tpl.ID == body.ModelTemplateID
	}
	if !found {
		writeDetail(w, http.StatusNotFound, "Model template not found")
		return
	}

	run := &backend.TrainingRun{
		ID:              s.nextID,
		OwnerID:         owner,
		DatasetID:       body.DatasetID,
		ModelTemplateID: body.ModelTemplateID,
		Hparams:         body.Hparams,
		CreatedAt:       *now(),
	}
	s.nextID++
	setStatus(run, backend.StatusQueued)
	s.runs[run.ID] = run
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if script := s.scripts[run.ID]; len(script) > 0 {
		setStatus(run, script[0])
		s.scripts[run.ID] = script[1:]
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if run.Status.Terminal() {
		writeDetail(w, http.StatusBadRequest, "Training run is not active")
		return
	}
	setStatus(run, backend.StatusStopped)
	delete(s.scripts, run.ID)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	points := s.metrics[run.ID]
	if points == nil {
		points = []backend.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, backend.TrainingMetrics{RunID: run.ID, Metrics: points})
}
