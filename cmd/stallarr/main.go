package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/logger"
)

// globalOptions are the configuration sources shared by every subcommand.
type globalOptions struct {
	envFile       string
	configFile    string
	encryptionKey string
	logLevel      string
	logDir        string
	dryRun        bool
}

func (g *globalOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		EnvFile:       g.envFile,
		ConfigFile:    g.configFile,
		EncryptionKey: g.encryptionKey,
	}
}

// flagOverrides returns the overrides common to all commands. DryRun is only
// set when the flag was given, so DRY_RUN from the environment still applies.
func (g *globalOptions) flagOverrides(cmd *cobra.Command) config.FlagOverrides {
	overrides := config.FlagOverrides{
		LogLevel: &g.logLevel,
		LogDir:   &g.logDir,
	}
	if cmd.Flags().Changed("dry-run") {
		overrides.DryRun = &g.dryRun
	}
	return overrides
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "stallarr",
		Short: "Removes stalled eMulerr downloads and asks Sonarr/Radarr for another release",
		Long: `stallarr watches the eMulerr download queue, reconciles it against Sonarr and
Radarr, and purges downloads that stopped making progress so the managers can
grab a different release.`,
		SilenceUsage: true,
	}
	rootCmd.Version = config.Version

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment (ignored when missing)")
	flags.StringVar(&opts.configFile, "config", "", "optional config file (yaml, toml or json) using the environment key names")
	flags.StringVar(&opts.encryptionKey, "encryption-key", "", "passphrase for enc:v1: secrets (env: STALLARR_ENCRYPTION_KEY)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (env: LOG_LEVEL)")
	flags.StringVar(&opts.logDir, "log-dir", "", "directory for the rotating log file (env: LOG_TO_FILE)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "log intended actions without changing anything (env: DRY_RUN)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newClearCompletedCommand(opts))
	rootCmd.AddCommand(newEncryptCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of stallarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stallarr %s\n", config.Version)
		},
	}
}

// setupLogging applies the logging settings of cfg.
func setupLogging(cfg *config.Config) error {
	if err := logger.Init(cfg.LogDir); err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	return nil
}
