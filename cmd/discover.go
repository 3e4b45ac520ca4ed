package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDiscoverCmd() *cobra.Command {
	var (
		category string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List product links of a category without scraping them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), appInstance)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			links, err := appInstance.DiscoverLinks(ctx, category, limit)
			for _, link := range links {
				fmt.Fprintln(cmd.OutOrStdout(), link)
			}
			if err != nil {
				return err
			}
			appInstance.Logger().Info("discovery finished",
				zap.String("category", category),
				zap.Int("links", len(links)),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category key to walk")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many links, 0 for no limit")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}
