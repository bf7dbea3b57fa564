package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/blueprint"
	"github.com/rendis/stagecraft/internal/creatorrpc"
	"github.com/rendis/stagecraft/internal/diagram"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
	binding    string
	redisAddr  string
	trace      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:   "stagecraft",
		Short: "Assemble execution plans from creator services and run them",
		Long: `stagecraft assembles a plan by handing dependency blobs to creator services
until every blob is resolved, then drives the plan's node instances through
their execution strategies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", settingsPath(), "settings file")
	pf.StringVar(&flags.dbPath, "db-path", "", `database path, or "memory"`)
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&flags.binding, "binding", "", "assembly binding: direct or event")
	pf.StringVar(&flags.redisAddr, "redis", "", "redis address for the event bus")
	pf.BoolVar(&flags.trace, "trace", false, "write OpenTelemetry spans as JSON to stderr")

	root.AddCommand(
		newAssembleCmd(&flags),
		newRunCmd(&flags),
		newCreatorCmd(&flags),
		newVersionCmd(),
	)
	return root
}

// resolveConfig loads the layered config and applies flags set on cmd.
func resolveConfig(cmd *cobra.Command, flags *globalFlags) (Config, error) {
	cfg, err := loadConfig(flags.configPath, os.Getenv)
	if err != nil {
		return cfg, err
	}
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("db-path", &cfg.DBPath, flags.dbPath)
	set("log-level", &cfg.LogLevel, flags.logLevel)
	set("log-format", &cfg.LogFormat, flags.logFormat)
	set("binding", &cfg.Assembly.Binding, flags.binding)
	set("redis", &cfg.RedisAddr, flags.redisAddr)
	if cmd.Flags().Changed("trace") {
		cfg.Tracing.Enabled = flags.trace
	}
	return cfg, cfg.validate()
}

func setup(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

// assemblePlan loads a definition file and assembles it.
func assemblePlan(ctx context.Context, a *app, path string) (*schema.Plan, error) {
	def, err := blueprint.LoadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := def.Root()
	if err != nil {
		return nil, err
	}
	coord, err := a.coordinator(ctx)
	if err != nil {
		return nil, err
	}
	return coord.Assemble(ctx, root, nil)
}

func newAssembleCmd(flags *globalFlags) *cobra.Command {
	var file, format string
	cmd := &cobra.Command{
		Use:   "assemble -f <definition.yaml>",
		Short: "Assemble a definition and print the plan",
		Example: `  stagecraft assemble -f release.yaml
  stagecraft assemble -f release.yaml --binding event
  stagecraft assemble -f release.yaml --format mermaid`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := assemblePlan(cmd.Context(), a, file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(out, plan)
			case "mermaid", "ascii":
				m, err := diagram.Build(plan, nil)
				if err != nil {
					return err
				}
				if format == "mermaid" {
					_, err = io.WriteString(out, diagram.RenderMermaid(m))
				} else {
					_, err = io.WriteString(out, diagram.RenderASCII(m))
				}
				return err
			default:
				return fmt.Errorf("unknown format %q: want json, mermaid or ascii", format)
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json, mermaid or ascii")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		file     string
		events   bool
		showTree bool
	)
	cmd := &cobra.Command{
		Use:   "run -f <definition.yaml>",
		Short: "Assemble a definition and run it to completion",
		Example: `  stagecraft run -f release.yaml
  stagecraft run -f release.yaml --db-path memory --events`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			plan, err := assemblePlan(ctx, a, file)
			if err != nil {
				return err
			}
			rt, st, err := a.runtime(ctx)
			if err != nil {
				return err
			}
			res, err := rt.Execute(ctx, *plan, plan.Context)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			instances, err := rt.Instances(ctx, res.RunID)
			if err != nil {
				return err
			}
			printInstances(out, res.RunID, res.Status, instances)
			if showTree {
				m, err := diagram.Build(plan, instances)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				_, _ = io.WriteString(out, diagram.RenderASCII(m))
			}
			if events {
				if err := printTimelines(ctx, out, st, res.RunID, instances); err != nil {
					return err
				}
			}
			if res.Status != schema.StatusSucceeded {
				return fmt.Errorf("run %s finished %s", res.RunID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file")
	cmd.Flags().BoolVar(&events, "events", false, "print each instance's status timeline")
	cmd.Flags().BoolVar(&showTree, "diagram", false, "print the plan tree with final statuses")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCreatorCmd(flags *globalFlags) *cobra.Command {
	creator := &cobra.Command{
		Use:   "creator",
		Short: "Host the built-in creator services",
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in creators over gRPC, and over the event bus with --redis",
		Example: `  stagecraft creator serve --addr :4200
  stagecraft creator serve --addr :4200 --redis localhost:6379`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if addr == "" {
				addr = a.cfg.CreatorAddr
			}
			if addr == "" {
				return fmt.Errorf("no listen address: set --addr or creator_addr")
			}

			local := a.localServices()
			if a.cfg.RedisAddr != "" {
				bus, err := a.bus(ctx)
				if err != nil {
					return err
				}
				stop, err := assembly.NewResponder(bus, a.directBinding(local), a.validator, a.logger).Start(ctx)
				if err != nil {
					return err
				}
				a.onClose(stop)
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return creatorrpc.NewServer(a.logger, local...).Serve(ctx, lis)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "gRPC listen address")
	creator.AddCommand(serve)
	return creator
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printInstances(w io.Writer, runID string, status schema.Status, instances []*store.Instance) {
	fmt.Fprintf(w, "run %s: %s\n", runID, status)
	sorted := append([]*store.Instance(nil), instances...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tDEPTH")
	for _, inst := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", inst.NodeID, inst.Status, inst.Stack.Depth())
	}
	_ = tw.Flush()
}

func printTimelines(ctx context.Context, w io.Writer, st store.Store, runID string, instances []*store.Instance) error {
	history, err := store.Replay(ctx, st, runID)
	if err != nil {
		return err
	}
	nodeOf := make(map[string]string, len(instances))
	for _, inst := range instances {
		nodeOf[inst.ID] = inst.NodeID
	}
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return nodeOf[ids[i]] < nodeOf[ids[j]] })

	fmt.Fprintln(w, "\ntimelines:")
	for _, id := range ids {
		steps := make([]string, len(history[id].Timeline))
		for i, s := range history[id].Timeline {
			steps[i] = string(s)
		}
		fmt.Fprintf(w, "  %s: %s\n", nodeOf[id], strings.Join(steps, " -> "))
	}
	return nil
}

func dirOf(dbPath string) string {
	return filepath.Dir(strings.TrimPrefix(dbPath, "file:"))
}
