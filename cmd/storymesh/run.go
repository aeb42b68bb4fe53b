package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/storymesh"
	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/config"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
	"github.com/hupe1980/storymesh/pipeline"
	"github.com/hupe1980/storymesh/scheduler"
	"github.com/hupe1980/storymesh/store"
)

type runFlags struct {
	configPath string
	chapters   int
	outDir     string
	recordPath string
	verbose    bool
}

func newRunCmd() *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chapter pipeline from a config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStory(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "story.yaml", "run configuration file")
	cmd.Flags().IntVar(&flags.chapters, "chapters", 0, "override the number of chapters")
	cmd.Flags().StringVar(&flags.outDir, "out", "", "override the output directory")
	cmd.Flags().StringVar(&flags.recordPath, "record", "", "append every bus message to a JSONL file")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runStory(cmd *cobra.Command, flags runFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.chapters > 0 {
		cfg.Chapters = flags.chapters
	}
	if flags.outDir != "" {
		cfg.OutputDir = flags.outDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := logging.LogLevelInfo
	if flags.verbose {
		level = logging.LogLevelDebug
	}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: level, Component: "storymesh"})

	chapterStore, err := store.NewDir(cfg.OutputDir)
	if err != nil {
		return err
	}

	var middleware []bus.Middleware
	metrics := bus.NewMetrics()
	middleware = append(middleware, metrics.Middleware())
	if flags.recordPath != "" {
		recorder, err := bus.NewRecorder(flags.recordPath)
		if err != nil {
			return err
		}
		defer recorder.Close()
		middleware = append(middleware, recorder.Middleware())
	}

	mesh := storymesh.New(func(o *storymesh.Options) {
		o.Store = chapterStore
		o.Concurrency = cfg.Concurrency
		o.RateLimits = cfg.RateLimits
		o.Middleware = middleware
		o.Logger = logger
	})
	defer mesh.Close()

	if err := registerWorkers(mesh, cfg); err != nil {
		return err
	}
	if err := cfg.ValidateWorkers(mesh.HasWorker); err != nil {
		return err
	}
	for _, topic := range pipeline.RequiredTopics(cfg.Characters) {
		if !mesh.HasWorker(topic) {
			return &core.ConfigError{
				Field:  "workers",
				Reason: fmt.Sprintf("no adapter registered for topic %q", topic),
			}
		}
	}

	started := time.Now()
	rep := mesh.Run(cmd.Context(), cfg.ChapterSpecs(), func(o *pipeline.Options) {
		o.Premise = cfg.Premise
		o.Characters = cfg.Characters
		o.MaxRevisionRounds = cfg.MaxRevisionRounds
		o.StrictEnrichment = cfg.StrictEnrichment
		o.Timeouts = pipeline.Timeouts{
			Default:   cfg.Timeouts.Default.Std(),
			Planning:  cfg.Timeouts.Planning.Std(),
			World:     cfg.Timeouts.World.Std(),
			Composing: cfg.Timeouts.Composing.Std(),
			Reviewing: cfg.Timeouts.Reviewing.Std(),
			Revising:  cfg.Timeouts.Revising.Std(),
		}
	})

	printReport(cmd, cfg, rep, time.Since(started), metrics.Total())
	if !rep.Completed() {
		counts := rep.Counts()
		return fmt.Errorf("%d of %d chapters did not complete",
			counts[core.StatusFailed]+counts[core.StatusSkipped], len(rep.Chapters))
	}
	return nil
}

func printReport(cmd *cobra.Command, cfg *config.Config, rep scheduler.Report, elapsed time.Duration, messages int64) {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)

	bold.Fprintf(out, "\n%s — %d chapter(s), %s, %d bus message(s)\n\n",
		cfg.Title, len(rep.Chapters), elapsed.Round(time.Millisecond), messages)

	for _, c := range rep.Chapters {
		fmt.Fprintf(out, "  chapter %2d  %s", c.Number, statusLabel(c.Status))
		if c.RevisionRounds > 0 {
			fmt.Fprintf(out, "  (%d revision(s))", c.RevisionRounds)
		}
		if c.Reason != "" {
			fmt.Fprintf(out, "  %s", c.Reason)
		}
		fmt.Fprintln(out)
		for _, f := range c.Findings {
			fmt.Fprintf(out, "              - [%s] %s: %s\n", f.Severity, f.Source, f.Description)
		}
	}
	fmt.Fprintln(out)
}

func statusLabel(s core.Status) string {
	switch s {
	case core.StatusDone:
		return color.GreenString("%-23s", string(s))
	case core.StatusWarnings:
		return color.YellowString("%-23s", string(s))
	case core.StatusFailed:
		return color.RedString("%-23s", string(s))
	case core.StatusSkipped:
		return color.CyanString("%-23s", string(s))
	default:
		return fmt.Sprintf("%-23s", string(s))
	}
}
