package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/logging"
	"github.com/autokb/faultmatch/internal/match"
	"github.com/autokb/faultmatch/internal/server"
	"github.com/autokb/faultmatch/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "faultmatch",
		Short: "Fault-case retrieval service with gray-zone routing",
		Long: `faultmatch retrieves automotive fault cases by fusing keyword,
semantic, and remote full-text retrieval, and routes the top match
through a gray-zone decision with optional LLM adjudication.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// setup loads settings and initializes logging.
func setup() (config.Settings, func(), error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return settings, nil, err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = settings.LogLevel
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return settings, nil, err
	}
	return settings, cleanup, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var metrics *telemetry.Store
			if settings.MetricsDBPath != "" {
				metrics, err = telemetry.Open(settings.MetricsDBPath)
				if err != nil {
					return err
				}
			}

			engine, err := match.NewEngine(ctx, settings, match.Options{Metrics: metrics})
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Watch(ctx); err != nil {
				return err
			}

			return server.New(engine, settings.ListenAddr, nil).Run(ctx)
		},
	}
}

func newIndexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the local retrieval indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if force {
				for _, path := range []string{
					settings.TFIDFCachePath,
					settings.HNSWIndexPath,
					settings.HNSWIndexPath + ".meta",
				} {
					if path != "" {
						_ = os.Remove(path)
					}
				}
			}

			started := time.Now()
			engine, err := match.NewEngine(cmd.Context(), settings, match.Options{})
			if err != nil {
				return err
			}
			defer engine.Close()

			health := engine.HealthCheck()
			fmt.Printf("indexed %d cases in %s\n", health.CaseCount, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard existing caches and rebuild")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		system string
		part   string
		topN   int
		useLLM bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a one-shot match against the local indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			engine, err := match.NewEngine(cmd.Context(), settings, match.Options{})
			if err != nil {
				return err
			}
			defer engine.Close()

			resp, err := engine.Match(cmd.Context(), match.Query{
				Text:       args[0],
				System:     system,
				Part:       part,
				TopNReturn: topN,
				UseLLM:     useLLM,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system hint")
	cmd.Flags().StringVar(&part, "part", "", "part hint")
	cmd.Flags().IntVar(&topN, "topn", 0, "number of results to return")
	cmd.Flags().BoolVar(&useLLM, "llm", false, "allow LLM adjudication for gray decisions")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus and query statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			engine, err := match.NewEngine(cmd.Context(), settings, match.Options{})
			if err != nil {
				return err
			}
			defer engine.Close()

			out := map[string]any{
				"health": engine.HealthCheck(),
			}
			if remote := engine.Remote(); remote.Available() {
				if stats, err := remote.GetStatistics(cmd.Context()); err == nil {
					out["opensearch"] = stats
				} else {
					out["opensearch_error"] = err.Error()
				}
			}
			if settings.MetricsDBPath != "" {
				if store, err := telemetry.Open(settings.MetricsDBPath); err == nil {
					defer store.Close()
					if summary, err := store.Summarize(cmd.Context(), 0); err == nil {
						out["queries"] = summary
					}
				}
			}
			return printJSON(out)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("faultmatch", Version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
