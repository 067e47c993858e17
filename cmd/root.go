// The cmd package implements the interface for the upsmon CLI. The files
// contained in this package only contain implementations for handling CLI
// arguments and passing them to functions within upsmon's internal API.
//
// Each CLI subcommand will have at least one corresponding internal file
// or package with an API routine that implements the command's
// functionality.
//
// For example:
//
//	cmd/poll.go    --> internal/poll.go ( upsmon.PollOnce() )
//	cmd/daemon.go  --> pkg/daemon ( daemon.Server.Run() )
//	cmd/history.go --> pkg/journal ( journal.Journal.List() )
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/OpenCHAMI/upsmon/internal/config"
	logger "github.com/OpenCHAMI/upsmon/internal/log"
	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/OpenCHAMI/upsmon/pkg/secrets"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logLevel = logger.INFO
	logFile  string
)

// The `root` command doesn't do anything on it's own except display
// a help message and then exits.
var rootCmd = &cobra.Command{
	Use:   "upsmon",
	Short: "UPS monitor with orderly VM and host shutdown",
	Long: "Polls UPS devices over a serial line, publishes their status as metrics lines\n" +
		"and shuts down VMs and hosts on managed servers when power runs out.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.InitWithLogLevel(logLevel, logFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := logger.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// This Execute() function is called from main to run the CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(InitializeConfig)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Set the config file path")
	rootCmd.PersistentFlags().Var(&logLevel, "log-level", "Set the log level (trace|debug|info|warn|error|disabled)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().IntP("timeout", "t", 30, "Set the timeout for endpoint requests in seconds")
	rootCmd.PersistentFlags().IntP("concurrency", "j", 1, "Set the number of endpoints shut down in parallel")
	rootCmd.PersistentFlags().String("journal", "", "Set the journal database path")
	rootCmd.PersistentFlags().String("secrets-file", "", "Set the encrypted credentials file")
	rootCmd.PersistentFlags().String("trigger", "", "Set the power-loss trigger (low-battery|on-battery)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Log the shutdown actions instead of issuing them")

	// bind viper config flags with cobra
	checkBindFlagError(viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")))
	checkBindFlagError(viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout")))
	checkBindFlagError(viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency")))
	checkBindFlagError(viper.BindPFlag("journal", rootCmd.PersistentFlags().Lookup("journal")))
	checkBindFlagError(viper.BindPFlag("secrets.file", rootCmd.PersistentFlags().Lookup("secrets-file")))
	checkBindFlagError(viper.BindPFlag("trigger", rootCmd.PersistentFlags().Lookup("trigger")))
	checkBindFlagError(viper.BindPFlag("dry-run", rootCmd.PersistentFlags().Lookup("dry-run")))
}

func checkBindFlagError(err error) {
	if err != nil {
		log.Error().Err(err).Msg("failed to bind cobra/viper flag")
	}
}

// addFlag defines a string flag on cmd and binds it to the viper key.
func addFlag(key string, cmd *cobra.Command, name, shorthand, value, usage string) {
	cmd.Flags().StringP(name, shorthand, value, usage)
	checkBindFlagError(viper.BindPFlag(key, cmd.Flags().Lookup(name)))
}

// InitializeConfig() reads the config file given with --config, or
// config.yaml from $XDG_CONFIG_HOME/upsmon. A missing default config is
// not an error; commands that need endpoints complain later.
func InitializeConfig() {
	viper.SetEnvPrefix("UPSMON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if path := viper.GetString("config"); path != "" {
		if err := config.LoadFile(viper.GetViper(), path); err != nil {
			log.Error().Err(err).Msg("failed to load config")
		}
		return
	}
	path := filepath.Join(util.ConfigDir(), "config.yaml")
	if !util.PathExists(path) {
		return
	}
	if err := config.LoadFile(viper.GetViper(), path); err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
}

// loadConfig unmarshals the process config and fills missing endpoint
// credentials from the secrets file when a master key is available.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if !cfg.NeedsCredentials() {
		return cfg, nil
	}
	if os.Getenv(secrets.MasterKeyEnv) == "" {
		log.Debug().Msgf("%s not set; not reading stored credentials", secrets.MasterKeyEnv)
		return cfg, nil
	}
	store, err := secrets.OpenFromEnv(cfg.Secrets.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets store: %w", err)
	}
	cfg.ResolveCredentials(store)
	return cfg, nil
}
