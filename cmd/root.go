// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/observability"
)

type contextKey string

// configKey carries the loaded configuration from the root PersistentPreRunE
// to the subcommand RunE functions.
const configKey contextKey = "verdict-config"

// NewRootCommand builds a fresh root command tree. A new instance per
// invocation keeps flag state from leaking between runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "verdict",
		Short: "Verdict explains failed browser test runs.",
		Long: `Verdict ingests the artifacts of a failed browser test run (the JSON
report, trace archive, screenshots) and produces a structured diagnosis:
what failed, why, whether the test or the application is at fault, and a
concrete fix suggestion.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Runs before any subcommand, setting up config and logging.
			if err := initializeConfig(cmd, cfgFile); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// A fallback logger so the failure is visible somewhere.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "verdict-cli"})
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Logs go to stderr; stdout is reserved for result output.
			observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version))

			// Stash the validated config in the command's context for subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.verdict.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file (rotated)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute builds the command tree and runs it with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig(cmd *cobra.Command, cfgFile string) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	// Bind the logging override flags so they take precedence over the file.
	if err := v.BindPFlag("logger.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("logger.log_file", cmd.Root().PersistentFlags().Lookup("log-file")); err != nil {
		return err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".verdict")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VERDICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars.
	}
	return nil
}

// cfgFromContext pulls the configuration stored by the root command.
func cfgFromContext(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	return cfg, nil
}
