// Package crawl implements the crawl command, the fetch side of a run.
package crawl

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roverhq/rover/cmd/common"
	"github.com/roverhq/rover/internal/config"
	"github.com/roverhq/rover/internal/crawler"
)

// Command returns the crawl command for use in the root command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the web from a seed list",
		Long: `Crawl claims URLs from the shared frontier and fetches them under the
configured politeness rules. Fetched HTML is handed off through Redis;
run "rover parse" alongside this command to extract links and grow the
frontier.`,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			if err := deps.Config.ValidateCrawl(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			c, err := crawler.New(deps.Config, deps.Logger)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := common.SignalContext(cmd.Context())
			defer stop()
			go func() {
				// Once shutdown starts, restore default signal handling
				// so a second signal terminates immediately.
				<-ctx.Done()
				stop()
			}()

			return c.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("seeds", "", "path to newline-delimited seed URLs (required)")
	flags.String("email", "", "contact email embedded in the User-Agent")
	flags.Int("workers", 0, "fetch worker count")
	flags.Int64("max-pages", 0, "stop after fetching this many pages (0 = unlimited)")
	flags.Duration("max-duration", 0, "stop after this much time (0 = unlimited)")
	flags.Bool("resume", false, "keep the existing frontier instead of starting fresh")
	flags.Bool("seeded-only", false, "restrict fetching to seeded domains")
	flags.String("exclude-file", "", "path to a domain exclusion list")
	flags.Float64("max-fetch-rate", 0, "global fetches per second across all workers (0 = uncapped)")
	flags.String("admin-address", config.DefaultAdminAddress,
		"admin server listen address (empty = disabled)")

	return cmd
}

// bindFlags maps this command's flags onto config keys. Binding happens
// at run time because sibling commands reuse key names.
func bindFlags(cmd *cobra.Command, _ []string) error {
	bindings := map[string]string{
		"seed_file":        "seeds",
		"email":            "email",
		"max_workers":      "workers",
		"max_pages":        "max-pages",
		"max_duration":     "max-duration",
		"resume":           "resume",
		"seeded_urls_only": "seeded-only",
		"exclude_file":     "exclude-file",
		"max_fetch_rate":   "max-fetch-rate",
		"admin_address":    "admin-address",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", name, err)
		}
	}
	return nil
}
