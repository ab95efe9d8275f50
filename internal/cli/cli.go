package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/ignatij/replog/internal/config"
	internal_http "github.com/ignatij/replog/internal/http"
	"github.com/ignatij/replog/internal/log"
	internal_storage "github.com/ignatij/replog/internal/storage"
	"github.com/ignatij/replog/internal/tasks"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// app is everything a command needs, opened from flags and config.
type app struct {
	cfg      *config.Config
	store    *internal_storage.SQLStore
	pipeline *service.Pipeline
	closers  []io.Closer
}

func (a *app) Close() error {
	var errs *multierror.Error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Directory containing config.yaml")
	rootCmd.PersistentFlags().String("db", "", "Database DSN (overrides config and DB_* env vars)")
	rootCmd.PersistentFlags().String("driver", "", "Database driver: postgres, pgx or sqlite")
	rootCmd.PersistentFlags().Bool("migrate", false, "Apply schema migrations before running")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	runCmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Execute tasks until their change log backlog is drained",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runTasks(cmd.Context(), cmd.OutOrStdout(), a.pipeline, args)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [task]",
		Short: "Show the watermark position of each entity type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			names := args
			if len(names) == 0 {
				names = a.pipeline.Registry().Names()
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), a.pipeline, names)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List watermark records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := historyFilter(cmd)
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return printHistory(cmd.Context(), cmd.OutOrStdout(), a.pipeline, filter)
		},
	}
	historyCmd.Flags().String("task", "", "Filter by task")
	historyCmd.Flags().String("type", "", "Filter by entity type")
	historyCmd.Flags().String("state", "", "Filter by state (IN_PROGRESS, COMPLETED, FAILED, SKIPPED)")
	historyCmd.Flags().Int("limit", 20, "Maximum number of records")

	skipCmd := &cobra.Command{
		Use:   "skip [task] [type]",
		Short: "Skip the poisoned range of a halted entity type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			w, err := a.pipeline.SkipPoisonedRange(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				log.GetLogger().Errorf("Failed to skip range: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Skipped range %s of %s (watermark %d)\n", w.Range(), w.Key, w.ID)
			return nil
		},
	}
	skipCmd.Flags().String("reason", "", "Note stored on the SKIPPED record")

	releaseCmd := &cobra.Command{
		Use:   "release [task] [type]",
		Short: "Fail a stuck in-progress watermark so its range is retried",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			w, err := a.pipeline.ReleaseInProgress(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				log.GetLogger().Errorf("Failed to release watermark: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released range %s of %s (attempt %d)\n", w.Range(), w.Key, w.Attempt)
			return nil
		},
	}
	releaseCmd.Flags().String("reason", "", "Error message stored on the FAILED record")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status and trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = a.cfg.HTTP.Port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return internal_http.StartServer(ctx, port, a.pipeline, log.GetLogger(),
				internal_http.WithExecuteTimeout(a.cfg.HTTP.ExecuteTimeout))
		},
	}
	serveCmd.Flags().String("port", "", "Listen port (defaults to http.port)")

	appendCmd := &cobra.Command{
		Use:   "append [type] [object-id]",
		Short: "Append a change log entry (development helper)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := appendEntry(cmd, args)
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.store.AppendEntry(cmd.Context(), entry)
			if err != nil {
				log.GetLogger().Errorf("Failed to append entry: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Appended %s %s %s with ID %d\n", entry.MutationKind, entry.ObjectType, entry.ObjectID, id)
			return nil
		},
	}
	appendCmd.Flags().String("kind", string(models.UpdatedMutation), "Mutation kind: CREATED, UPDATED or DELETED")
	appendCmd.Flags().String("payload", "", "JSON snapshot of the object")

	rootCmd.AddCommand(runCmd, statusCmd, historyCmd, skipCmd, releaseCmd, serveCmd, appendCmd)
}

// open loads configuration, connects to the database and registers the tasks.
func open(cmd *cobra.Command) (*app, error) {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, errors.Wrap(err, "configure logging")
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		cfg.Database.AutoMigrate = true
	}
	dsn, err := cfg.Database.ConnString()
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Opening %s store", cfg.Database.Driver)

	store, err := internal_storage.InitStore(cmd.Context(), cfg.Database.Driver, dsn, cfg.Database.AutoMigrate)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return nil, err
	}
	a := &app{cfg: cfg, store: store, closers: []io.Closer{store}}

	reg := service.NewRegistry()
	consumers, err := tasks.Register(reg, cfg, log.GetLogger())
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, consumers)

	var opts []service.Option
	if cfg.Pipeline.ScanWindow != 0 {
		opts = append(opts, service.WithScanWindow(cfg.Pipeline.ScanWindow))
	}
	if cfg.Pipeline.Workers > 0 {
		opts = append(opts, service.WithWorkers(cfg.Pipeline.Workers))
	}
	a.pipeline = service.NewPipeline(store, reg, log.GetLogger(), opts...)
	return a, nil
}

func runTasks(ctx context.Context, out io.Writer, pipeline *service.Pipeline, names []string) error {
	results, err := pipeline.ExecuteAll(ctx, names...)
	if err != nil && results == nil {
		return err
	}
	ok := err == nil
	for _, res := range results {
		if !res.Success {
			ok = false
		}
		fmt.Fprintf(out, "Task %s (execution %s): success=%t\n", res.Task, res.ExecutionID, res.Success)
		for _, tr := range res.Types {
			fmt.Fprintf(out, "- %s: %d batches, %d rows, %s\n", tr.ObjectType, tr.Batches, tr.Rows, tr.Status)
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("some entity types did not catch up; see status")
	}
	return nil
}

func printStatus(ctx context.Context, out io.Writer, pipeline *service.Pipeline, names []string) error {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Key", "State", "Range", "Attempt", "Halted", "Next retry"})
	for _, name := range names {
		statuses, err := pipeline.Status(ctx, name)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			if st.Latest == nil {
				t.AppendRow(table.Row{st.Key, "-", "-", "-", false, "-"})
				continue
			}
			next := "-"
			if st.NextRetryAt != nil {
				next = st.NextRetryAt.Format(time.RFC3339)
			}
			t.AppendRow(table.Row{st.Key, st.Latest.State, st.Latest.Range().String(), st.Latest.Attempt, st.Halted, next})
		}
	}
	t.Render()
	return nil
}

func printHistory(ctx context.Context, out io.Writer, pipeline *service.Pipeline, filter models.WatermarkFilter) error {
	watermarks, err := pipeline.History(ctx, filter)
	if err != nil {
		return err
	}
	if len(watermarks) == 0 {
		fmt.Fprintf(out, "No watermarks found.\n")
		return nil
	}
	for _, w := range watermarks {
		fmt.Fprintf(out, "- ID: %d, Key: %s, Range: %s, State: %s, Attempt: %d, Rows: %d, Started: %s",
			w.ID, w.Key, w.Range(), w.State, w.Attempt, w.RowsProcessed, w.StartedAt.Format(time.RFC3339))
		if w.ErrorMsg != "" {
			fmt.Fprintf(out, ", Error: %s", w.ErrorMsg)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func historyFilter(cmd *cobra.Command) (models.WatermarkFilter, error) {
	task, _ := cmd.Flags().GetString("task")
	objectType, _ := cmd.Flags().GetString("type")
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	filter := models.WatermarkFilter{
		Task:       task,
		ObjectType: objectType,
		State:      models.WatermarkState(strings.ToUpper(state)),
		Limit:      limit,
	}
	if filter.State != "" && !filter.State.Valid() {
		return filter, fmt.Errorf("unknown state '%s'", state)
	}
	return filter, nil
}

func appendEntry(cmd *cobra.Command, args []string) (models.ChangeLogEntry, error) {
	kind, _ := cmd.Flags().GetString("kind")
	payload, _ := cmd.Flags().GetString("payload")
	entry := models.ChangeLogEntry{
		ObjectType:   args[0],
		ObjectID:     args[1],
		MutationKind: models.MutationKind(strings.ToUpper(kind)),
		CreatedAt:    time.Now().UTC(),
	}
	switch entry.MutationKind {
	case models.CreatedMutation, models.UpdatedMutation, models.DeletedMutation:
	default:
		return entry, fmt.Errorf("unknown mutation kind '%s'", kind)
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return entry, errors.New("payload is not valid JSON")
		}
		entry.Payload = []byte(payload)
	}
	return entry, nil
}
