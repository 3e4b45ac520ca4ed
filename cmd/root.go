// Package cmd defines the pricecrawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/config"
	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the service the subcommands use, so tests can inject a
// fake.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Categories() []crawler.Category
	RunCrawl(ctx context.Context, categoryKey string, limit int) (crawler.Job, error)
	DiscoverLinks(ctx context.Context, categoryKey string, limit int) ([]string, error)
}

// newApp is the application factory, swapped out in tests. A .env file in the
// working directory is loaded first; variables already set win.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "pricecrawler",
		Short: "Grocery shelf price crawler",
		Long: `pricecrawler walks the category listings of an online grocery store in a
headless browser, extracts product and price fields from every product page,
and records products, price observations and crawl jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config file (env vars use the CRAWLER_ prefix)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newDiscoverCmd(),
		newCategoriesCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp releases the app after a one-shot command.
func closeApp(ctx context.Context, appInstance App) {
	if err := appInstance.Close(context.WithoutCancel(ctx)); err != nil {
		appInstance.Logger().Warn("failed to close application", zap.Error(err))
	}
}
