package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/definition"
	"github.com/eleven-am/conduit/internal/adapters/engine"
	"github.com/eleven-am/conduit/internal/adapters/graph"
	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/adapters/store"
	"github.com/eleven-am/conduit/internal/domain"
	json "github.com/goccy/go-json"
	cli "github.com/urfave/cli/v3"
)

// environment is what every command needs: the effective config and a logger
// writing to stderr.
type environment struct {
	config *domain.Config
	logger *slog.Logger
	out    io.Writer
}

func setup(command *cli.Command) (*environment, error) {
	config := domain.DefaultConfig()
	if path := command.String("config"); path != "" {
		loaded, err := domain.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if command.IsSet("data-dir") || config.DataDir == "" {
		config.DataDir = command.String("data-dir")
	}

	root := command.Root()
	logger := newLogger(root.ErrWriter, command.String("log-level"), command.String("log-format"))
	config.Logger = logger

	return &environment{config: config, logger: logger, out: root.Writer}, nil
}

func (env *environment) openStorage() (*storage.AppStorage, error) {
	return storage.Open(env.config.DataDir, false, env.logger)
}

func (env *environment) builder() *graph.Builder {
	expander := matrix.NewExpander(env.config.Matrix.MaxCombinations, env.logger)
	return graph.NewBuilder(expander, env.logger)
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow files for schema and graph errors",
		ArgsUsage: "FILE...",
		Action: func(ctx context.Context, command *cli.Command) error {
			env, err := setup(command)
			if err != nil {
				return err
			}
			files := command.Args().Slice()
			if len(files) == 0 {
				return errors.New("validate: at least one workflow file is required")
			}

			builder := env.builder()
			failed := 0
			for _, file := range files {
				def, err := definition.LoadFile(file)
				if err == nil {
					var g *graph.Graph
					if g, err = builder.Build(def); err == nil {
						fmt.Fprintf(env.out, "%s: ok (workflow %s, %d jobs, %d nodes)\n", file, def.Name, len(def.Jobs), len(g.Nodes()))
						continue
					}
				}
				failed++
				fmt.Fprintf(env.out, "%s: %v\n", file, err)
			}

			if failed > 0 {
				return fmt.Errorf("validate: %d of %d workflow files are invalid", failed, len(files))
			}
			return nil
		},
	}
}

type plannedNode struct {
	ID       string         `json:"id"`
	Job      string         `json:"job"`
	Needs    []string       `json:"needs,omitempty"`
	Matrix   map[string]any `json:"matrix,omitempty"`
	Deferred bool           `json:"deferred,omitempty"`
}

func newPlanCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Print the nodes a workflow expands to, in dependency order",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the plan as JSON",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			env, err := setup(command)
			if err != nil {
				return err
			}
			if command.Args().Len() != 1 {
				return errors.New("plan: exactly one workflow file is required")
			}

			def, err := definition.LoadFile(command.Args().First())
			if err != nil {
				return err
			}
			g, err := env.builder().Build(def)
			if err != nil {
				return err
			}

			var plan []plannedNode
			for _, id := range g.TopologicalOrder() {
				n, _ := g.Node(id)
				parents, err := g.Parents(id)
				if err != nil {
					return err
				}
				sort.Strings(parents)
				plan = append(plan, plannedNode{ID: n.ID, Job: n.JobName, Needs: parents, Matrix: n.Matrix, Deferred: n.Deferred})
			}

			if command.Bool("json") {
				return writeJSON(env.out, plan)
			}

			tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tJOB\tNEEDS\tMATRIX")
			for _, n := range plan {
				variant := formatMatrix(n.Matrix)
				if n.Deferred {
					variant = "(expanded at run time)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.Job, orDash(strings.Join(n.Needs, ",")), variant)
			}
			return tw.Flush()
		},
	}
}

func newRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Inspect recorded runs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List runs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Only list runs with this status",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withState(command, func(env *environment, state *engine.StateManager, _ *store.Artifacts) error {
						runs, err := state.ListRuns(ctx)
						if err != nil {
							return err
						}

						filter := domain.RunStatus(command.String("status"))
						tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tNODES\tCREATED")
						for _, run := range runs {
							if filter != "" && run.Status != filter {
								continue
							}
							fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", run.ID, run.Workflow.Name, run.Status, len(run.Nodes), run.CreatedAt.Format(time.RFC3339))
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Show a run and its nodes",
				ArgsUsage: "RUN_ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the run record as JSON",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					runID := command.Args().First()
					if runID == "" {
						return errors.New("runs show: a run id is required")
					}
					return withState(command, func(env *environment, state *engine.StateManager, _ *store.Artifacts) error {
						run, err := state.LoadRun(ctx, runID)
						if err != nil {
							return err
						}
						if command.Bool("json") {
							return writeJSON(env.out, run)
						}
						return writeRun(env.out, run)
					})
				},
			},
			{
				Name:      "purge",
				Usage:     "Delete a finished run with its outputs and artifacts",
				ArgsUsage: "RUN_ID",
				Action: func(ctx context.Context, command *cli.Command) error {
					runID := command.Args().First()
					if runID == "" {
						return errors.New("runs purge: a run id is required")
					}
					return withState(command, func(env *environment, state *engine.StateManager, artifacts *store.Artifacts) error {
						run, err := state.LoadRun(ctx, runID)
						if err != nil {
							return err
						}
						if !run.Status.IsTerminal() {
							return fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrConflict)
						}
						if err := artifacts.PurgeRun(ctx, runID); err != nil {
							return err
						}
						if err := state.DeleteRun(ctx, runID); err != nil {
							return err
						}
						fmt.Fprintf(env.out, "purged run %s\n", runID)
						return nil
					})
				},
			},
		},
	}
}

func newArtifactsCommand() *cli.Command {
	return &cli.Command{
		Name:  "artifacts",
		Usage: "Inspect and prune run artifacts",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List the artifacts of a run",
				ArgsUsage: "RUN_ID",
				Action: func(ctx context.Context, command *cli.Command) error {
					runID := command.Args().First()
					if runID == "" {
						return errors.New("artifacts list: a run id is required")
					}
					return withState(command, func(env *environment, _ *engine.StateManager, artifacts *store.Artifacts) error {
						list, err := artifacts.List(ctx, runID)
						if err != nil {
							return err
						}
						tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "NAME\tVERSION\tFILES\tSIZE\tEXPIRES")
						for _, a := range list {
							fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", a.Name, a.Version, len(a.Files), a.Size, a.ExpiresAt.Format(time.RFC3339))
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:  "prune",
				Usage: "Remove artifacts past their retention",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withState(command, func(env *environment, _ *engine.StateManager, artifacts *store.Artifacts) error {
						removed, err := artifacts.PruneExpired(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(env.out, "pruned %d expired keys\n", removed)
						return nil
					})
				},
			},
		},
	}
}

func withState(command *cli.Command, fn func(*environment, *engine.StateManager, *store.Artifacts) error) error {
	env, err := setup(command)
	if err != nil {
		return err
	}

	appStorage, err := env.openStorage()
	if err != nil {
		return err
	}
	defer func() {
		if err := appStorage.Close(); err != nil {
			env.logger.Warn("failed to close storage", "error", err)
		}
	}()

	state := engine.NewStateManager(appStorage, env.logger)
	artifacts := store.NewArtifacts(appStorage, env.config.Store, env.logger)
	return fn(env, state, artifacts)
}

func writeRun(w io.Writer, run *domain.WorkflowRun) error {
	fmt.Fprintf(w, "run:      %s\n", run.ID)
	fmt.Fprintf(w, "workflow: %s\n", run.Workflow.Name)
	fmt.Fprintf(w, "status:   %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", run.Error)
	}
	fmt.Fprintf(w, "created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil && run.CompletedAt != nil {
		fmt.Fprintf(w, "duration: %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tDURATION\tERROR")
	for _, id := range run.Order {
		n, ok := run.Nodes[id]
		if !ok {
			continue
		}
		duration := "-"
		if n.StartedAt != nil && n.CompletedAt != nil {
			duration = n.CompletedAt.Sub(*n.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.Status, duration, orDash(n.Error))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatMatrix(m map[string]any) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
