// Package cmd defines the automationd CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/config"
	"github.com/JakeFAU/product-automation/internal/server"
)

// RunService is the run lifecycle the commands drive.
type RunService interface {
	SubmitRun(ctx context.Context, refs []string, cfg automation.RunConfig) (automation.Run, error)
	CancelRun(ctx context.Context, runID string) (automation.Run, error)
	GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error)
	ResubmitFailed(ctx context.Context, runID string) (automation.Run, error)
}

// App defines the application surface commands use, so tests can inject a
// fake.
type App interface {
	Serve(ctx context.Context) error
	Runs() RunService
	Drain(ctx context.Context, runID string) error
	ExportRunXLSX(ctx context.Context, runID string) ([]byte, error)
	Config() config.Config
	Close(ctx context.Context) error
}

type appKeyType struct{}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	built, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return &serverApp{app: built, cfg: cfg}, nil
}

type serverApp struct {
	app *server.App
	cfg config.Config
}

func (s *serverApp) Serve(ctx context.Context) error { return s.app.Run(ctx) }

func (s *serverApp) Runs() RunService { return s.app.Orchestrator() }

func (s *serverApp) Drain(ctx context.Context, runID string) error {
	return s.app.Pool().Drain(ctx, runID)
}

func (s *serverApp) ExportRunXLSX(ctx context.Context, runID string) ([]byte, error) {
	return s.app.Reports().ExportRunXLSX(ctx, runID)
}

func (s *serverApp) Config() config.Config { return s.cfg }

func (s *serverApp) Close(ctx context.Context) error { return s.app.Close(ctx) }

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "automationd",
		Short: "Turns product page URLs into published storefront listings.",
		Long: `automationd scrapes product pages, writes listing copy, generates product
imagery and publishes the result to a Shopify storefront. Runs are persisted so
they survive restarts and can be inspected, cancelled and resubmitted.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config (default .env if present)")

	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newResubmitCmd(),
		newExportCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the App, runs fn, and closes the App afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App) error) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close(context.WithoutCancel(cmd.Context()))
	}()
	return fn(cmd.Context(), app)
}
