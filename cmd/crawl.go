package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var (
		category string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl one category in the foreground",
		Long: `Runs a single crawl job for --category and prints the finished job as JSON.
--limit caps the number of scraped products; 0 crawls until the listing runs
dry. Ctrl-C interrupts the job, which is then recorded as failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), appInstance)
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := appInstance.RunCrawl(ctx, category, limit)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
			)
			if err := printJSON(cmd, job); err != nil {
				return err
			}
			if job.Status == crawler.JobStatusFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorText)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category key to crawl (see the categories command)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum products to scrape, 0 for no limit")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
