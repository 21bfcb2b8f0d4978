// Package app implements the frame-sync command line.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/versions"
)

// LogLevel is the level of the default logger; --debug lowers it
var LogLevel = new(slog.LevelVar)

// Exit codes returned by commands
const (
	ExitFailure    = 1
	ExitRunPending = 2
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// cli holds state shared by the commands of one root command
type cli struct {
	v *viper.Viper
}

// NewRootCmd creates the frame-sync root command
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix(config.EnvPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	c.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "frame-sync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Sync a rotating selection of shared photos to a picture frame",
		Long: `frame-sync pulls a weighted random selection of photos from a Synology Photos
shared album into a local directory, favouring photos that have been shown least
and not recently, and publishes the new set atomically for a viewer to display.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if c.v.GetBool("debug") {
				LogLevel.Set(slog.LevelDebug)
			}
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", config.DefaultConfigPath(), "Path to configuration file (YAML format)")
	flags.String("env-file", ".env", "Optional dotenv file read before the configuration")
	flags.Bool("debug", false, "Enable debug logging")
	for _, name := range []string{"config", "env-file", "debug"} {
		if err := c.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(
		c.newVersionCmd(),
		c.newSyncCmd(),
		c.newServeCmd(),
		c.newHistoryCmd(),
		c.newItemsCmd(),
		c.newCheckCmd(),
	)

	return rootCmd
}

// loadConfig loads the configuration selected by --config
func (c *cli) loadConfig() (*config.Config, error) {
	path := c.v.GetString("config")
	cfg, err := config.LoadConfig(
		config.WithEnvFile(c.v.GetString("env-file")),
		config.WithConfigPath(path),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Debug("Loaded configuration", "path", path, "share", cfg.Source.Synology.ShareURL)
	return cfg, nil
}

func (*cli) newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.Get()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
