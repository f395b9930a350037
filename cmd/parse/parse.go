// Package parse implements the parse command, the link-extraction side
// of a run.
package parse

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roverhq/rover/cmd/common"
	"github.com/roverhq/rover/internal/crawler"
)

// Command returns the parse command for use in the root command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Extract links from fetched pages",
		Long: `Parse consumes pages the crawl process has fetched, stores their HTML
under the data directory, records them as visited, and submits the
links they contain back to the frontier. It keeps draining the queue
after shutdown is requested so fetched pages are not stranded.`,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			if err := deps.Config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			p, err := crawler.NewParser(deps.Config, deps.Logger)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := common.SignalContext(cmd.Context())
			defer stop()
			go func() {
				// Once shutdown starts, restore default signal handling
				// so a second signal terminates immediately.
				<-ctx.Done()
				stop()
			}()

			return p.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.Int("workers", 0, "parse worker count")
	flags.String("admin-address", "", "admin server listen address (empty = disabled)")

	return cmd
}

// bindFlags maps this command's flags onto config keys. Binding happens
// at run time because sibling commands reuse key names.
func bindFlags(cmd *cobra.Command, _ []string) error {
	bindings := map[string]string{
		"parse_workers": "workers",
		"admin_address": "admin-address",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", name, err)
		}
	}
	return nil
}
