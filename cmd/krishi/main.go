// Command krishi runs the agricultural advisory decision engine, either as
// an HTTP service or as a one-shot evaluator over payload files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/logging"
	"krishi/internal/observability"
	"krishi/internal/rules"
	httpserver "krishi/internal/server/http"
)

const version = "0.3.0"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "krishi",
		Short:         "Deterministic agricultural advisory decision engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a yaml config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDecideCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func newEngine(cfg *config.Config) *engine.Engine {
	logger := logging.NewComponentLogger("engine")
	registry := engine.NewRegistry()
	rules.RegisterAll(registry, cfg.Tunables, logging.NewComponentLogger("rules"))
	return engine.New(registry, cfg.Tunables, logger)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the decision HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port := viper.GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}

			logger := logging.NewComponentLogger("server")

			metrics, err := observability.NewMetricsCollector(cfg.Metrics)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			tracer, err := observability.NewTracerProvider(cfg.Tracing)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			eng := newEngine(cfg).WithMetrics(metrics).WithTracing(tracer)
			srv, err := httpserver.NewServer(cfg.Server, eng, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			fmt.Printf("%s listening on %s:%d\n", green("krishi"), cfg.Server.Host, cfg.Server.Port)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error("shutdown: %v", err)
			}
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown: %v", err)
			}
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "override the listen port")
	_ = viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func newDecideCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "decide <payload.json|payload.yaml> [...]",
		Short: "Evaluate one or more intent payload files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			eng := newEngine(cfg)

			responses := make([]*engine.DecisionResponse, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(4)
			for i, path := range args {
				g.Go(func() error {
					payload, err := loadPayload(path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					responses[i] = eng.ProcessDecision(ctx, payload)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for i, resp := range responses {
				printResponse(args[i], resp, pretty)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pretty, "json", false, "print the full response envelope as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("krishi %s\n", version)
		},
	}
}

// loadPayload reads an intent payload from a JSON or YAML file.
func loadPayload(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return payload, nil
}

func printResponse(path string, resp *engine.DecisionResponse, pretty bool) {
	if pretty {
		encoded, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, red("error:"), err)
			return
		}
		fmt.Println(string(encoded))
		return
	}

	status := green(resp.Status)
	switch resp.Status {
	case engine.StatusInvalidInput, engine.StatusHandlerNotFound:
		status = red(resp.Status)
	case engine.StatusIncomplete:
		status = yellow(resp.Status)
	}

	fmt.Printf("%s %s intent=%s action=%s confidence=%.3f\n",
		cyan(path), status, resp.Intent, resp.Result.Action, resp.Confidence)
	for _, item := range resp.Result.Items {
		fmt.Printf("  - %s (%.3f)\n", item.Name, item.Score)
		for _, reason := range item.Reasons {
			fmt.Printf("      %s\n", reason)
		}
	}
	if len(resp.Missing) > 0 {
		fmt.Printf("  missing: %s\n", yellow(strings.Join(resp.Missing, ", ")))
	}
	if resp.Error != "" {
		fmt.Printf("  error: %s\n", red(resp.Error))
	}
}
