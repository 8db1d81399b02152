package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planloom/internal/config"
	"planloom/internal/db"
	"planloom/internal/engine"
	"planloom/internal/execlog"
	"planloom/internal/graph"
	"planloom/internal/invalidate"
	"planloom/internal/loop"
	"planloom/internal/migrate"
	"planloom/internal/reward"
	"planloom/internal/schedule"
	"planloom/internal/server"
	"planloom/internal/snapshot"
	"planloom/internal/store"
	plansync "planloom/internal/sync"
	"planloom/internal/truth"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planloom CLI",
	Long: `Planloom keeps a plan-of-record in markdown files and gates completion on
verifiable evidence. The project plan lives at plan.md, workstreams under
workstreams/WS-*/plan.md, and jobs under workstreams/WS-*/jobs/<id>/plan.md.
Reports land in outputs/; audit events and execution logs in .planloom/.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PLANLOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "C", ".", "project root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Int("max-parallel-agents", 0, "override concurrency cap")
	rootCmd.PersistentFlags().String("subagent-policy", "", "override subagent policy")
	rootCmd.PersistentFlags().Bool("no-subagents", false, "force serial execution")
	for _, name := range []string{"root", "json", "actor-id", "max-parallel-agents", "subagent-policy", "no-subagents"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(invalidateCmd())
	rootCmd.AddCommand(rewardCmd())
	rootCmd.AddCommand(truthCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// settingsFromEnv is the single translation point from environment/flags into
// the explicit Settings handed to each subsystem.
func settingsFromEnv() config.Settings {
	return config.Settings{
		MaxParallelAgents: viper.GetInt("max-parallel-agents"),
		SubagentPolicy:    viper.GetString("subagent-policy"),
		NoSubagents:       viper.GetBool("no-subagents"),
	}
}

func initCmd() *cobra.Command {
	var id, title string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a project workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			root := viper.GetString("root")
			ts := store.NowISO(time.Now())
			planPath := store.ProjectPlanPath(root)
			if _, err := os.Stat(planPath); err == nil {
				return fmt.Errorf("%s already exists", planPath)
			}
			if title == "" {
				title = id
			}
			doc := store.NewDoc(planPath)
			doc.Front.Set("id", id)
			doc.Front.Set("kind", "project")
			doc.Front.Set("status", "planned")
			doc.Front.Set("agreement_status", "draft")
			doc.Front.Set("created_at", ts)
			doc.Front.Set("updated_at", ts)
			doc.Body = "# " + title + "\n\n## Decisions\n\n## Progress Log\n"
			fs := store.NewFS(root)
			if err := fs.Put(doc); err != nil {
				return err
			}
			cfgPath := config.Path(root)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(store.WorkstreamsDir(root), 0o755); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Root: root})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized project %s under %s\n", id, root)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "project title")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build the dependency graph report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := graph.Builder{Repo: e.Store, Now: e.Now}.Build()
				if err != nil {
					return err
				}
				if err := g.WriteReport(e.Store.Root()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Estimate (h)", "Workstream", "Depends On"})
				for _, n := range g.Nodes {
					tw.AppendRow(table.Row{n.ID, n.Status, n.EstimateHours, n.Workstream, strings.Join(n.DependsOn, ", ")})
				}
				tw.Render()
				if g.CriticalPath.Available {
					fmt.Printf("Critical path: %s (%.1fh)\n",
						strings.Join(g.CriticalPath.WorkItems, " -> "), g.CriticalPath.TotalEstimateHours)
				} else {
					fmt.Println("Critical path: unavailable (cycle)")
				}
				for _, m := range g.Diagnostics.MissingDependencies {
					fmt.Printf("Missing dependency: %s -> %s\n", m.WorkItemID, m.DependsOn)
				}
				return nil
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the orchestration plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := schedule.Planner{Repo: e.Store, Settings: e.Settings, Now: e.Now}.Plan()
				if err != nil {
					return err
				}
				if err := report.WriteReport(e.Store.Root()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Policy: %s; agents: %d (configured %d)\n",
					report.SubagentPolicy, report.MaxParallelAgents.Effective, report.MaxParallelAgents.Configured)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Wave", "Work Items"})
				for _, w := range report.WaveDetails {
					tw.AppendRow(table.Row{w.WaveIndex, strings.Join(w.WorkItems, ", ")})
				}
				tw.Render()
				for _, b := range report.BlockedJobs {
					var reasons []string
					for _, d := range b.MissingDependencies {
						reasons = append(reasons, "missing "+d)
					}
					for _, d := range b.NotDoneDependencies {
						reasons = append(reasons, "not done "+d)
					}
					for _, d := range b.PendingOrCyclicDependencies {
						reasons = append(reasons, "pending/cyclic "+d)
					}
					fmt.Printf("Blocked: %s (%s)\n", b.WorkItemID, strings.Join(reasons, "; "))
				}
				return nil
			})
		},
	}
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <work-item-id>",
		Short: "Capture a job's input snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := snapshot.Engine{Repo: e.Store, Now: e.Now}.Capture(args[0])
				if err != nil {
					return err
				}
				return printJSONOrSummary(snap, func() {
					fmt.Printf("Captured input snapshot for %s (%d entries)\n", args[0], len(snap.Entries()))
				})
			})
		},
	}
	return cmd
}

func invalidateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "invalidate [trigger-work-item-id]",
		Short: "Re-verify input snapshots and un-complete stale jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger := ""
			if len(args) == 1 {
				trigger = args[0]
			}
			if trigger == "" && !all {
				return fmt.Errorf("a trigger work item or --all is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := invalidate.Engine{Repo: e.Store, Now: e.Now}.Run(trigger, all)
				if err != nil {
					return err
				}
				return printJSONOrSummary(report, func() {
					fmt.Printf("Scanned %d done jobs; %d stale, %d skipped\n",
						report.Counts.ScannedDoneJobs, report.Counts.StaleJobs, report.Counts.SkippedJobs)
					for _, s := range report.StaleJobs {
						fmt.Printf("Stale: %s (%s)\n", s.WorkItemID, s.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "scan every done job")
	return cmd
}

func rewardCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reward [work-item-id]",
		Short: "Score jobs against their declared plan and evidence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eval := reward.Evaluator{Repo: e.Store, Log: e.Log, Config: e.Config, Now: e.Now}
				if all || len(args) == 0 {
					report, err := eval.EvaluateAll(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(report)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Work Item", "Score", "Target", "Gate", "Next Action"})
					for _, r := range report.Results {
						tw.AppendRow(table.Row{r.WorkItemID, r.Score, r.Target, r.GatePassed, r.NextAction})
					}
					tw.Render()
					return nil
				}
				res, err := eval.EvaluateJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrSummary(res, func() {
					fmt.Printf("%s: score %d / target %d (gate %v)\n", res.WorkItemID, res.Score, res.Target, res.GatePassed)
					fmt.Printf("Next action: %s\n", res.NextAction)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every job")
	return cmd
}

func truthCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "truth [work-item-id]",
		Short: "Run the truth check battery",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eval := truth.Evaluator{Repo: e.Store, Log: e.Log, Config: e.Config, Now: e.Now}
				if all || len(args) == 0 {
					report, err := eval.EvaluateAll(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(report)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Work Item", "Status", "Failures"})
					for _, r := range report.Results {
						tw.AppendRow(table.Row{r.WorkItemID, r.Status, strings.Join(r.Failures, "; ")})
					}
					tw.Render()
					return nil
				}
				res, err := eval.EvaluateJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrSummary(res, func() {
					fmt.Printf("%s: %s\n", res.WorkItemID, res.Status)
					for _, f := range res.Failures {
						fmt.Println("  - " + f)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every job")
	return cmd
}

func startCmd() *cobra.Command {
	var override bool
	var note string
	cmd := &cobra.Command{
		Use:   "start <work-item-id>",
		Short: "Start a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.StartJob(ctx, args[0], engine.StartOptions{
					Override: override,
					Note:     note,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s (iteration %d)\n", job.ID(), job.Status(), job.Front.Int("iteration"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "start despite unmet dependencies")
	cmd.Flags().StringVar(&note, "note", "", "justification note for --override")
	return cmd
}

func completeCmd() *cobra.Command {
	var noCascade bool
	cmd := &cobra.Command{
		Use:   "complete <work-item-id>",
		Short: "Complete a job through the gating engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteJob(ctx, args[0], engine.CompleteOptions{
					Cascade: !noCascade,
					ActorID: viper.GetString("actor-id"),
				})
				if res != nil {
					if jsonErr := printJSONOrSummary(res, func() {
						fmt.Printf("%s: %s (gate passed: %v)\n", res.WorkItemID, res.Status, res.GatePassed)
						for _, g := range res.GateErrors {
							fmt.Println("  gate: " + g)
						}
						for _, a := range res.Advisories {
							fmt.Println("  advisory: " + a)
						}
					}); jsonErr != nil {
						return jsonErr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noCascade, "no-cascade", false, "skip parent auto-completion")
	return cmd
}

func loopCmd() *cobra.Command {
	var mode, promise, note string
	var maxAttempts, walltimeSec int
	var override bool
	cmd := &cobra.Command{
		Use:   "loop <work-item-id>",
		Short: "Run the attempt loop for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary *loop.Summary
			err := withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, log execlog.Store) error {
				x := loop.Executor{
					Engine: e,
					Log:    log,
					Runner: loop.CommandRunner{Command: e.Config.Runner.Command},
				}
				var err error
				summary, err = x.Run(ctx, args[0], loop.Options{
					Mode:        mode,
					MaxAttempts: maxAttempts,
					Walltime:    time.Duration(walltimeSec) * time.Second,
					Promise:     promise,
					Override:    override,
					Note:        note,
					ActorID:     viper.GetString("actor-id"),
				})
				return err
			})
			if err != nil {
				return err
			}
			if jsonErr := printJSONOrSummary(summary, func() {
				fmt.Printf("%s: %s (%s) after %d attempt(s)\n",
					summary.WorkItemID, summary.Status, summary.StopReason, summary.Attempts)
			}); jsonErr != nil {
				return jsonErr
			}
			if code := summary.ExitCode(); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "loop mode (until_complete, max_iterations, promise_or_max)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default from header/stakes)")
	cmd.Flags().IntVar(&walltimeSec, "max-walltime-sec", 0, "wall-clock budget in seconds")
	cmd.Flags().StringVar(&promise, "promise", "", "completion promise token")
	cmd.Flags().BoolVar(&override, "override", false, "start despite unmet dependencies")
	cmd.Flags().StringVar(&note, "note", "", "justification note for --override")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Roll up parent statuses and regenerate summary tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := plansync.Syncer{Repo: e.Store, Now: e.Now}.Run()
				if err != nil {
					return err
				}
				return printJSONOrSummary(report, func() {
					for _, c := range report.Changes {
						fmt.Printf("%s: %s -> %s (%s)\n", c.WorkItemID, c.From, c.To, c.Reason)
					}
					fmt.Printf("%d status change(s), %d table(s) updated\n", len(report.Changes), report.TablesUpdated)
				})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Execution log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var workItemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail execution-log entries for a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workItemID == "" {
				return fmt.Errorf("--wi required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, log execlog.Store) error {
				entries, err := log.EntriesFor(ctx, workItemID)
				if err != nil {
					return err
				}
				if len(entries) > n {
					entries = entries[len(entries)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Label", "Phase", "Exit", "Command"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Timestamp, entry.Label, entry.Phase, entry.ExitCode, entry.Command})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&workItemID, "wi", "", "work item id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only reports API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := os.Getenv("PLANLOOM_JWT_SECRET")
				if secret == "" {
					return fmt.Errorf("PLANLOOM_JWT_SECRET is required for bearer auth")
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving reports API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine, execlog.Store) error) error {
	root := viper.GetString("root")
	fs := store.NewFS(root)
	project, err := fs.Project()
	if err != nil {
		return fmt.Errorf("no project plan under %s (run 'pl init'): %w", root, err)
	}
	conn, err := db.Open(db.Config{Root: root})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(root, project.ID())
	if err != nil {
		return err
	}
	log := execlog.Store{DB: conn}
	eng := engine.New(fs, conn, log, cfg, settingsFromEnv())
	eng.Out = os.Stdout
	return fn(ctx, eng, log)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, e engine.Engine, _ execlog.Store) error {
		return fn(ctx, e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrSummary prints JSON under --json, otherwise runs the human
// rendering.
func printJSONOrSummary(v any, human func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	human()
	return nil
}
