package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/rlm/internal/engine"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/internal/validation"
	"github.com/rendis/rlm/pkg/mcp"
	"github.com/rendis/rlm/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	v := newViper()

	root := &cobra.Command{
		Use:   "rlm",
		Short: "Recursive language model engine",
		Long: `rlm answers a task over a large input by letting a model write code snippets
that manipulate a shared context. A snippet may hand a follow-up task back to
the model through context["next_prompt"]; the final answer is context["output"].`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loadConfig(v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cmd.ErrOrStderr(), cfg)
			return nil
		},
	}

	d := schema.DefaultOptions()
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "settings file (default ~/.rlm/settings.{json,yaml})")
	pf.String("model", d.Model, "model name")
	pf.String("base-url", "", "OpenAI-compatible API base URL")
	pf.Int("max-tokens", d.MaxTokens, "maximum tokens per model reply")
	pf.Float64("temperature", d.Temperature, "sampling temperature")
	pf.Int("max-recursion-depth", d.MaxRecursionDepth, "maximum recursion depth")
	pf.Bool("verbose", schema.DefaultOptions().Verbose, "log replies, snippets and printed output")
	pf.Duration("snippet-timeout", d.SnippetTimeout, "wall-clock limit per snippet")
	pf.Int("max-statements", d.MaxStatements, "statement limit per snippet")
	pf.String("db-path", "", "run store path (default ~/.rlm/rlm.db, empty disables persistence)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newRunsCmd(a),
		newVersionCmd(),
	)
	return root
}

// --- run ---

type runFlags struct {
	contextFile string
	schemaFile  string
	replayFile  string
	depth       int
	asJSON      bool
	noStore     bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run TASK...",
		Short: "Process a task and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTask(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), f)
		},
	}
	cmd.Flags().StringVar(&f.contextFile, "context", "", "initial context file (YAML or JSON)")
	cmd.Flags().StringVar(&f.schemaFile, "context-schema", "", "JSON Schema the initial context must satisfy")
	cmd.Flags().StringVar(&f.replayFile, "replay", "", "answer model calls from a replies file instead of the API")
	cmd.Flags().IntVar(&f.depth, "depth", 0, "starting recursion depth")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVar(&f.noStore, "no-store", false, "do not persist the run")
	return cmd
}

func (a *app) runTask(ctx context.Context, out io.Writer, task string, f runFlags) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateOptions(a.cfg.Options()); err != nil {
		return err
	}

	raw, err := loadContextFile(f.contextFile)
	if err != nil {
		return err
	}
	if err := validator.ValidateContext(raw); err != nil {
		return err
	}
	if f.schemaFile != "" {
		schemaBytes, err := os.ReadFile(f.schemaFile)
		if err != nil {
			return fmt.Errorf("read context schema: %w", err)
		}
		input := raw
		if input == nil {
			input = map[string]any{}
		}
		if err := validator.ValidateInput(input, schemaBytes); err != nil {
			return err
		}
	}
	initial, err := state.FromMap(raw)
	if err != nil {
		return err
	}

	gw, err := a.newGateway(f.replayFile)
	if err != nil {
		return err
	}

	var st *store.LibSQLStore
	if !f.noStore {
		if st, err = a.openStore(ctx); err != nil {
			return err
		}
		if st != nil {
			defer st.Close()
		}
	}

	ctrl, err := a.newController(gw, st, nil)
	if err != nil {
		return err
	}
	res, err := ctrl.Process(ctx, task, initial, f.depth)
	if err != nil {
		return err
	}

	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, res.Output)
	}
	if !res.Succeeded && res.Error != nil {
		return res.Error
	}
	return nil
}

// --- serve ---

func newServeCmd(a *app) *cobra.Command {
	var replayFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve rlm tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), replayFile)
		},
	}
	cmd.Flags().StringVar(&replayFile, "replay", "", "answer model calls from a replies file instead of the API")
	return cmd
}

func (a *app) serve(ctx context.Context, replayFile string) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateOptions(a.cfg.Options()); err != nil {
		return err
	}
	gw, err := a.newGateway(replayFile)
	if err != nil {
		return err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	deps := mcp.RLMServerDeps{Validator: validator, Logger: a.logger, Version: version}
	if st != nil {
		defer st.Close()
		deps.Store = st
	}

	m, stopMetrics := a.startMetrics()
	defer stopMetrics()

	ctrl, err := a.newController(gw, st, m)
	if err != nil {
		return err
	}
	deps.Processor = ctrl

	a.logger.Info("rlm MCP server starting", "version", version, "model", a.cfg.Model, "store", st != nil)
	if err := mcp.NewRLMServer(deps).Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// --- runs ---

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a), newRunsEventsCmd(a), newRunsDeleteCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		status string
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.RunFilter{Limit: limit}
			if status != "" {
				rs := schema.RunStatus(status)
				switch rs {
				case schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed:
					filter.Status = &rs
				default:
					return fmt.Errorf("unknown status %q", status)
				}
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			return a.listRuns(cmd.Context(), cmd.OutOrStdout(), filter, asJSON)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs created within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}

func (a *app) listRuns(ctx context.Context, out io.Writer, filter store.RunFilter, asJSON bool) error {
	st, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		if runs == nil {
			runs = []*store.Run{}
		}
		return json.NewEncoder(out).Encode(runs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDEPTH\tCALLS\tCREATED\tTASK")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Depth, r.ModelCalls, r.CreatedAt.Local().Format(time.DateTime), oneLine(r.Task, 60))
	}
	return tw.Flush()
}

func newRunsShowCmd(a *app) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its snippet trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showRun(cmd.Context(), cmd.OutOrStdout(), args[0], events)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "include the raw event trail")
	return cmd
}

func (a *app) showRun(ctx context.Context, out io.Writer, runID string, withEvents bool) error {
	st, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	summary, err := store.NewEventLog(st).Summarize(ctx, runID)
	if err != nil {
		return err
	}

	doc := map[string]any{"run": run, "summary": summary}
	if withEvents {
		evs, err := st.GetEvents(ctx, runID, 0)
		if err != nil {
			return err
		}
		doc["events"] = evs
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func newRunsEventsCmd(a *app) *cobra.Command {
	var (
		filter store.EventFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events EVENT_TYPE",
		Short: "List events of one type across runs, newest first",
		Example: "  rlm runs events snippet_failed --since 24h\n" +
			"  rlm runs events model_invoked --run 0b7c3f2e",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			return a.listEvents(cmd.Context(), cmd.OutOrStdout(), args[0], filter)
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only events of this run")
	cmd.Flags().DurationVar(&since, "since", 0, "only events recorded within this duration")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of events")
	return cmd
}

func (a *app) listEvents(ctx context.Context, out io.Writer, eventType string, filter store.EventFilter) error {
	if !slices.Contains(schema.EventTypes, eventType) {
		return fmt.Errorf("unknown event type %q (want one of %s)", eventType, strings.Join(schema.EventTypes, ", "))
	}
	st, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := st.GetEventsByType(ctx, eventType, filter)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []*store.Event{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(evs)
}

func newRunsDeleteCmd(a *app) *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "delete RUN_ID...",
		Short: "Delete runs and their event trails",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.deleteRuns(cmd.Context(), cmd.OutOrStdout(), args, vacuum)
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the database afterwards")
	return cmd
}

func (a *app) deleteRuns(ctx context.Context, out io.Writer, ids []string, vacuum bool) error {
	st, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range ids {
		if err := st.DeleteRun(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", id)
	}
	if vacuum {
		if err := st.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		a.logger.Debug("database vacuumed", "path", a.cfg.DBPath)
	}
	return nil
}

func (a *app) requireStore(ctx context.Context) (*store.LibSQLStore, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("run persistence is disabled (db_path is empty)")
	}
	return st, nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var _ mcp.Processor = (*engine.Controller)(nil)
