package shell

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"PulseML/internal/backend"
	"PulseML/internal/client"
	"PulseML/internal/poller"
	"PulseML/internal/session"
)

const helpText = `Available commands:
  /login <email> [password]              - Log in (prompts for the password if omitted)
  /register <email> [password]           - Create an account
  /logout                                - End the session and clear cached data
  /whoami                                - Show the logged-in user
  /status                                - Show session state and active watches
  /dashboard                             - Summary: counts and the latest datasets and runs
  /datasets                              - List datasets
  /dataset <id>                          - Show a dataset's columns and preview size
  /upload <file> <name> [description]    - Upload a CSV dataset
  /schema <id> <col=role>...             - Set column roles (feature|target|timestamp|ignore)
  /target <id> <column>                  - Make a numeric column the only target
  /rename <id> <name> [description]      - Rename a dataset
  /delete-dataset <id>                   - Delete a dataset
  /templates                             - List model templates
  /runs                                  - List training runs
  /run <id>                              - Show a training run
  /train <dataset-id> <template-id> [key=value]... - Start a training run (keys from /templates)
  /stop <id>                             - Stop a training run
  /metrics <id>                          - Show a run's metrics
  /watch <id>                            - Follow a run until it finishes
  /unwatch [id]                          - Stop following a run (all runs if omitted)
  /help                                  - Show this help message
  /quit, /exit                           - Exit`

// Login and registration failures are reported without server detail
var (
	errInvalidCredentials = errors.New("invalid credentials")
	errRegistration       = errors.New("unable to register")
)

// handleCommand runs one /command. The bool result asks the REPL to exit.
func (s *Shell) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	args := parts[1:]

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		s.println(helpText)
		return false, nil
	case "/login":
		return false, s.cmdLogin(ctx, args)
	case "/register":
		return false, s.cmdRegister(ctx, args)
	case "/logout":
		return false, s.cmdLogout()
	case "/status":
		s.cmdStatus()
		return false, nil
	}

	handler, ok := dataCommands[parts[0]]
	if !ok {
		return false, fmt.Errorf("unknown command %s, type /help", parts[0])
	}
	if err := s.requireLogin(); err != nil {
		return false, err
	}
	return false, handler(s, ctx, args)
}

var dataCommands = map[string]func(*Shell, context.Context, []string) error{
	"/whoami":         (*Shell).cmdWhoami,
	"/dashboard":      (*Shell).cmdDashboard,
	"/datasets":       (*Shell).cmdDatasets,
	"/dataset":        (*Shell).cmdDataset,
	"/upload":         (*Shell).cmdUpload,
	"/schema":         (*Shell).cmdSchema,
	"/target":         (*Shell).cmdTarget,
	"/rename":         (*Shell).cmdRename,
	"/delete-dataset": (*Shell).cmdDeleteDataset,
	"/templates":      (*Shell).cmdTemplates,
	"/runs":           (*Shell).cmdRuns,
	"/run":            (*Shell).cmdRun,
	"/train":          (*Shell).cmdTrain,
	"/stop":           (*Shell).cmdStop,
	"/metrics":        (*Shell).cmdMetrics,
	"/watch":          (*Shell).cmdWatch,
	"/unwatch":        (*Shell).cmdUnwatch,
}

func parseID(args []string, usage string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func (s *Shell) credentials(args []string, usage string) (string, string, error) {
	if len(args) < 1 {
		return "", "", fmt.Errorf("usage: %s", usage)
	}
	if len(args) >= 2 {
		return args[0], args[1], nil
	}
	password, err := s.readSecret("Password: ")
	return args[0], password, err
}

func (s *Shell) cmdLogin(ctx context.Context, args []string) error {
	email, password, err := s.credentials(args, "/login <email> [password]")
	if err != nil {
		return err
	}
	if err := s.session.Login(ctx, email, password); err != nil {
		if errors.Is(err, session.ErrAlreadyAuthenticated) || errors.Is(err, session.ErrLoginInProgress) {
			return err
		}
		s.logger.Warn("login rejected", "email", email, "error", err)
		return errInvalidCredentials
	}
	user, err := s.session.CurrentUser(ctx)
	if err != nil {
		return err
	}
	s.printf("Logged in as %s\n", user.Email)
	return nil
}

func (s *Shell) cmdRegister(ctx context.Context, args []string) error {
	email, password, err := s.credentials(args, "/register <email> [password]")
	if err != nil {
		return err
	}
	profile, err := s.session.Register(ctx, email, password)
	if err != nil {
		s.logger.Warn("registration rejected", "email", email, "error", err)
		return errRegistration
	}
	s.printf("Registered %s (user %d). Use /login to start a session.\n", profile.Email, profile.ID)
	return nil
}

func (s *Shell) cmdLogout() error {
	return s.session.Logout()
}

func (s *Shell) cmdStatus() {
	snap := s.session.Session()
	s.printf("API:     %s\n", s.baseURL)
	s.printf("Session: %s\n", s.session.State())
	if snap.User != nil {
		s.printf("User:    %s\n", snap.User.Email)
	}
	watches := s.activeWatches()
	slices.SortFunc(watches, func(a, b *poller.Subscription) int { return cmp.Compare(a.RunID, b.RunID) })
	for _, sub := range watches {
		s.printf("Watching run %d (status %s, %d polls)\n", sub.RunID, orDash(string(sub.LastStatus())), sub.Ticks())
	}
}

func (s *Shell) cmdWhoami(ctx context.Context, _ []string) error {
	user, err := s.session.CurrentUser(ctx)
	if err != nil {
		return err
	}
	s.printf("%s (user %d, since %s)\n", user.Email, user.ID, user.CreatedAt.Format("2006-01-02"))
	return nil
}

// dashboardRecent is how many datasets and runs /dashboard lists
const dashboardRecent = 3

func (s *Shell) cmdDashboard(ctx context.Context, _ []string) error {
	datasets, err := s.data.Datasets(ctx)
	if err != nil {
		return err
	}
	runs, err := s.data.Runs(ctx)
	if err != nil {
		return err
	}

	active := 0
	for _, run := range runs {
		if run.Status.Active() {
			active++
		}
	}
	s.printf("Datasets: %d total\n", len(datasets))
	s.printf("Training runs: %d total, %d active\n", len(runs), active)

	// cached slices are shared, so sort copies
	datasets = slices.Clone(datasets)
	slices.SortFunc(datasets, func(a, b backend.Dataset) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt.Time), cmp.Compare(b.ID, a.ID))
	})
	runs = slices.Clone(runs)
	slices.SortFunc(runs, func(a, b backend.TrainingRun) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt.Time), cmp.Compare(b.ID, a.ID))
	})

	if len(datasets) > 0 {
		s.println()
		s.println("Recent datasets:")
		if err := s.printDatasets(datasets[:min(len(datasets), dashboardRecent)]); err != nil {
			return err
		}
	}
	if len(runs) > 0 {
		s.println()
		s.println("Recent training runs:")
		if err := s.printRuns(runs[:min(len(runs), dashboardRecent)]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shell) cmdDatasets(ctx context.Context, _ []string) error {
	list, err := s.data.Datasets(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		s.println("No datasets. Use /upload to add one.")
		return nil
	}
	return s.printDatasets(list)
}

func (s *Shell) printDatasets(list []backend.Dataset) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROWS\tCOLUMNS\tTARGET\tCREATED")
	for _, ds := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			ds.ID, ds.Name, optInt(ds.Meta.NRows), len(ds.Meta.Columns),
			orDash(targetColumn(ds.Meta)), ds.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func targetColumn(meta backend.DatasetMeta) string {
	for _, col := range meta.Columns {
		if col.Role == backend.RoleTarget {
			return col.Name
		}
	}
	return ""
}

func (s *Shell) cmdDataset(ctx context.Context, args []string) error {
	id, err := parseID(args, "/dataset <id>")
	if err != nil {
		return err
	}
	preview, err := s.data.Dataset(ctx, id)
	if err != nil {
		return err
	}
	ds := preview.Dataset
	s.printf("Dataset %d: %s\n", ds.ID, ds.Name)
	if ds.Description != nil && *ds.Description != "" {
		s.printf("  %s\n", *ds.Description)
	}
	s.printf("Rows: %s, preview rows: %d\n", optInt(ds.Meta.NRows), len(preview.Preview))

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tDTYPE\tMISSING\tROLE\tSUGGESTED")
	for _, col := range ds.Meta.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\n",
			col.Name, col.Dtype, col.MissingPct, col.Role, orDash(string(ds.Meta.SuggestedRoles[col.Name])))
	}
	return tw.Flush()
}

func (s *Shell) cmdUpload(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /upload <file> <name> [description]")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	out, err := s.data.Upload(ctx, client.Upload{
		FileName:    filepath.Base(args[0]),
		File:        f,
		Name:        args[1],
		Description: strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	s.printf("Uploaded dataset %d (%s) with %d columns\n", out.Dataset.ID, out.Dataset.Name, len(out.Dataset.Meta.Columns))
	return nil
}

func (s *Shell) cmdSchema(ctx context.Context, args []string) error {
	const usage = "/schema <id> <col=role>..."
	id, err := parseID(args, usage)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", usage)
	}
	updates := make([]backend.ColumnRoleUpdate, 0, len(args)-1)
	for _, pair := range args[1:] {
		name, rawRole, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected col=role, got %q", pair)
		}
		role, err := backend.ParseColumnRole(rawRole)
		if err != nil {
			return err
		}
		updates = append(updates, backend.ColumnRoleUpdate{Name: name, Role: role})
	}
	ds, err := s.data.SaveSchema(ctx, id, updates)
	if err != nil {
		return err
	}
	s.printf("Saved schema of dataset %d (target: %s)\n", ds.ID, orDash(targetColumn(ds.Meta)))
	return nil
}

func (s *Shell) cmdTarget(ctx context.Context, args []string) error {
	id, err := parseID(args, "/target <id> <column>")
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.New("usage: /target <id> <column>")
	}
	ds, err := s.data.SetTarget(ctx, id, args[1])
	if err != nil {
		return err
	}
	s.printf("Target of dataset %d is now %s\n", ds.ID, targetColumn(ds.Meta))
	return nil
}

func (s *Shell) cmdRename(ctx context.Context, args []string) error {
	id, err := parseID(args, "/rename <id> <name> [description]")
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.New("usage: /rename <id> <name> [description]")
	}
	var description *string
	if len(args) > 2 {
		d := strings.Join(args[2:], " ")
		description = &d
	}
	ds, err := s.data.Rename(ctx, id, args[1], description)
	if err != nil {
		return err
	}
	s.printf("Renamed dataset %d to %s\n", ds.ID, ds.Name)
	return nil
}

func (s *Shell) cmdDeleteDataset(ctx context.Context, args []string) error {
	id, err := parseID(args, "/delete-dataset <id>")
	if err != nil {
		return err
	}
	if err := s.data.Delete(ctx, id); err != nil {
		return err
	}
	s.printf("Deleted dataset %d\n", id)
	return nil
}

func (s *Shell) cmdTemplates(ctx context.Context, _ []string) error {
	templates, err := s.data.Templates(ctx)
	if err != nil {
		return err
	}
	for _, tpl := range templates {
		s.printf("%d. %s (%s)\n", tpl.ID, tpl.Name, tpl.TaskType)
		for _, field := range tpl.HyperparamSchema {
			s.printf("   %s [%s] default %v\n", field.Key, field.Type, field.Default)
		}
	}
	return nil
}

func (s *Shell) cmdRuns(ctx context.Context, _ []string) error {
	runs, err := s.data.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		s.println("No training runs. Use /train to start one.")
		return nil
	}
	return s.printRuns(runs)
}

func (s *Shell) printRuns(runs []backend.TrainingRun) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATASET\tTEMPLATE\tSTATUS\tBEST\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			run.ID, run.DatasetID, run.ModelTemplateID, run.Status,
			run.BestMetric(), run.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func (s *Shell) printRun(run *backend.TrainingRun) {
	s.printf("Run %d: %s\n", run.ID, run.Status)
	s.printf("  dataset %d, template %d\n", run.DatasetID, run.ModelTemplateID)
	if run.CurrentEpoch != nil && run.TotalEpochs != nil {
		s.printf("  epoch %d/%d\n", *run.CurrentEpoch, *run.TotalEpochs)
	}
	if run.BestMetricName != nil {
		s.printf("  best %s\n", run.BestMetric())
	}
	if run.StartedAt != nil {
		s.printf("  started %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if run.FinishedAt != nil {
		s.printf("  finished %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if run.ErrorMessage != nil {
		s.printf("  error: %s\n", *run.ErrorMessage)
	}
}

func (s *Shell) cmdRun(ctx context.Context, args []string) error {
	id, err := parseID(args, "/run <id>")
	if err != nil {
		return err
	}
	run, err := s.data.Run(ctx, id)
	if err != nil {
		return err
	}
	s.printRun(run)
	return nil
}

func (s *Shell) cmdTrain(ctx context.Context, args []string) error {
	const usage = "/train <dataset-id> <template-id> [key=value]..."
	datasetID, err := parseID(args, usage)
	if err != nil {
		return err
	}
	templateID, err := parseID(args[1:], usage)
	if err != nil {
		return err
	}
	raw := map[string]string{}
	for _, pair := range args[2:] {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("expected key=value, got %q", pair)
		}
		raw[key] = value
	}
	tpl, err := s.data.Template(ctx, templateID)
	if err != nil {
		return err
	}
	hparams, err := tpl.ParseHparams(raw)
	if err != nil {
		return err
	}
	run, err := s.data.StartRun(ctx, datasetID, templateID, hparams)
	if err != nil {
		return err
	}
	s.printf("Started run %d (%s). Use /watch %d to follow it.\n", run.ID, run.Status, run.ID)
	return nil
}

func (s *Shell) cmdStop(ctx context.Context, args []string) error {
	id, err := parseID(args, "/stop <id>")
	if err != nil {
		return err
	}
	run, err := s.data.StopRun(ctx, id)
	if err != nil {
		return err
	}
	s.printf("Run %d is %s\n", run.ID, run.Status)
	return nil
}

func (s *Shell) printMetrics(m *backend.TrainingMetrics, last int) {
	if len(m.Metrics) == 0 {
		s.println("  no metrics yet")
		return
	}
	points := m.Metrics
	if last > 0 && len(points) > last {
		points = points[len(points)-last:]
	}
	for _, p := range points {
		var b strings.Builder
		switch {
		case p.Epoch != nil:
			fmt.Fprintf(&b, "  epoch %d", *p.Epoch)
		case p.Step != nil:
			fmt.Fprintf(&b, "  step %d", *p.Step)
		default:
			b.WriteString("  -")
		}
		if p.Name != nil && p.Value != nil {
			fmt.Fprintf(&b, " %s=%.4g", *p.Name, *p.Value)
		} else if p.Value != nil {
			fmt.Fprintf(&b, " value=%.4g", *p.Value)
		}
		for _, key := range slices.Sorted(maps.Keys(p.Extra)) {
			fmt.Fprintf(&b, " %s=%.4g", key, p.Extra[key])
		}
		s.println(b.String())
	}
}

func (s *Shell) cmdMetrics(ctx context.Context, args []string) error {
	id, err := parseID(args, "/metrics <id>")
	if err != nil {
		return err
	}
	m, err := s.data.Metrics(ctx, id)
	if err != nil {
		return err
	}
	s.printf("Metrics of run %d (%d points)\n", id, len(m.Metrics))
	s.printMetrics(m, 0)
	return nil
}

func (s *Shell) cmdWatch(ctx context.Context, args []string) error {
	id, err := parseID(args, "/watch <id>")
	if err != nil {
		return err
	}
	// watches outlive the command; the shell cancels them on exit
	sub := s.poller.Watch(context.WithoutCancel(ctx), id, func(u poller.Update) {
		s.printf("[watch run %d] poll %d: %s\n", u.Run.ID, u.Tick, u.Run.Status)
		if u.Metrics != nil && len(u.Metrics.Metrics) > 0 {
			s.printMetrics(u.Metrics, 1)
		}
	})
	s.track(sub)
	s.printf("Watching run %d\n", id)
	return nil
}

func (s *Shell) cmdUnwatch(_ context.Context, args []string) error {
	var only int64
	if len(args) > 0 {
		id, err := parseID(args, "/unwatch [id]")
		if err != nil {
			return err
		}
		only = id
	}
	n := 0
	for _, sub := range s.activeWatches() {
		if only == 0 || sub.RunID == only {
			sub.Cancel()
			n++
		}
	}
	s.printf("Stopped %d watch(es)\n", n)
	return nil
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
