// Command opreplay replays a recorded workload through the profiler and prints the resulting call trees.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/collect"
	"honnef.co/go/opprof/trace"
)

type options struct {
	configPath     string
	shapes         bool
	memory         bool
	stack          bool
	copyActivities bool
	noCollector    bool
	logLevel       string
	lang           string
}

func loadConfig(path string) (collect.Config, error) {
	cfg := collect.Config{State: collect.StateKineto}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("couldn't parse %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func run(ctx context.Context, cmd *cobra.Command, opts *options, path string) error {
	log, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("shapes") {
		cfg.ReportInputShapes = opts.shapes
	}
	if flags.Changed("memory") {
		cfg.ProfileMemory = opts.memory
	}
	if flags.Changed("stack") {
		cfg.WithStack = opts.stack
	}
	if opts.noCollector {
		cfg.State = collect.StateCPU
	}

	tag, err := language.Parse(opts.lang)
	if err != nil {
		return fmt.Errorf("invalid language %q: %w", opts.lang, err)
	}

	w, err := LoadWorkload(path)
	if err != nil {
		return err
	}
	log.Debug("loaded workload", zap.String("path", path), zap.Int("threads", len(w.Threads)))

	events, err := replay(ctx, log, cfg, w, opts.copyActivities)
	if err != nil {
		return err
	}
	return printForest(cmd.OutOrStdout(), tag, events)
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "opreplay [flags] workload.json",
		Short: "Replay a recorded workload through the profiler and print the call trees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, &opts, args[0])
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a profiler config (YAML)")
	flags.BoolVar(&opts.shapes, "shapes", false, "Record input shapes")
	flags.BoolVar(&opts.memory, "memory", false, "Record allocations")
	flags.BoolVar(&opts.stack, "stack", false, "Record call stacks")
	flags.BoolVar(&opts.copyActivities, "copy-activities", false, "Make the collector copy activities, forcing reassociation through metadata")
	flags.BoolVar(&opts.noCollector, "no-collector", false, "Don't record device activities")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	flags.StringVar(&opts.lang, "lang", "en", "Language used for formatting numbers")
	return cmd
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// replay runs w through a profiling session and returns the session's events.
func replay(ctx context.Context, log *zap.Logger, cfg collect.Config, w *Workload, copyActivities bool) ([]*trace.Event, error) {
	opts := []collect.Option{
		collect.WithLogger(log),
		collect.WithHooks(collect.Hooks{ThreadID: func() uint64 { return w.MainTID }}),
	}
	r := &replayer{}
	activities := []collect.ActivityType{collect.ActivityCPU}
	if cfg.State != collect.StateCPU && cfg.State != collect.StateDisabled {
		r.collector = activity.NewMemory(int32(os.Getpid()))
		r.collector.CopyActivities = copyActivities
		opts = append(opts, collect.WithCollector(r.collector))
		activities = append(activities, collect.ActivityCUDA)
	}
	r.q = collect.New(cfg, activities, opts...)

	if err := r.Replay(ctx, w); err != nil {
		return nil, err
	}
	startUS, endUS := bounds(w)
	events, _ := r.q.GetRecords(identity, startUS, endUS)
	log.Info("replayed workload",
		zap.Int("events", len(events)),
		zap.Uint32("session", r.q.ID()),
		zap.Stringer("state", r.q.Config().State))
	return events, nil
}
