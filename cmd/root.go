// Package cmd implements the rover command-line interface: the crawl
// and parse processes plus operational helpers.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roverhq/rover/cmd/crawl"
	cmdparse "github.com/roverhq/rover/cmd/parse"
	"github.com/roverhq/rover/cmd/status"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug raises the log level to debug for all commands.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "rover",
		Short: "A polite large-scale web crawler",
		Long: `Rover crawls the web breadth-first while honoring robots.txt rules
and per-domain rate limits. Fetching and parsing run as separate
processes that share a Redis-backed frontier; run "rover crawl" and
"rover parse" side by side.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so environment variables are visible to Viper.
	_ = godotenv.Load()

	// Parse flags early so --config and --debug apply to initConfig.
	_ = rootCmd.ParseFlags(os.Args[1:])

	if err := initConfig(); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./rover.yaml or ./config/rover.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rover version %s\n", version)
		},
	})

	rootCmd.AddCommand(crawl.Command())
	rootCmd.AddCommand(cmdparse.Command())
	rootCmd.AddCommand(status.Command())
}

// initConfig wires Viper to the config file, the environment, and the
// debug flag. The config file is optional; a missing one falls through
// to environment variables and defaults.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rover")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.SetEnvPrefix("rover")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if debug {
		viper.Set("log_level", "debug")
	}
	return nil
}
