package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/internal/analysis"
	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/llmclient"
	"github.com/verdictlabs/verdict-cli/internal/observability"
	"github.com/verdictlabs/verdict-cli/internal/server"
	"github.com/verdictlabs/verdict-cli/internal/session"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the analysis service with an HTTP upload API",
		Long: `Starts an HTTP server that accepts multipart uploads of run artifacts,
analyzes them in-process, and serves uploaded traces back for viewing.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind the override flags so they win over config/env values.
			if err := viper.BindPFlag("server.listen_addr", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			return viper.BindPFlag("server.max_upload_bytes", cmd.Flags().Lookup("max-upload"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so the flag overrides bound in PreRunE land in the
			// config struct with the right precedence.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize configuration: %w", err)
			}

			llm, err := llmclient.NewRouterFromConfig(cfg.LLM(), logger)
			if err != nil {
				return fmt.Errorf("failed to initialize reasoning clients: %w", err)
			}
			defer func() {
				if err := llm.Close(); err != nil {
					logger.Warn("Error closing reasoning clients", zap.Error(err))
				}
			}()

			pipe, err := analysis.NewPipeline(llm, cfg.Analysis(), logger)
			if err != nil {
				return fmt.Errorf("failed to build analysis pipeline: %w", err)
			}

			sessions := session.NewStore(cfg.Session(), logger)
			srv, err := server.New(cfg.Server(), pipe, sessions, logger)
			if err != nil {
				return fmt.Errorf("failed to build HTTP server: %w", err)
			}

			// The sweeper shares the server's lifetime, including early exits
			// when the listener fails to come up.
			sweepCtx, stopSweeper := context.WithCancel(ctx)
			defer stopSweeper()
			go sessions.Run(sweepCtx)

			return srv.Start(ctx)
		},
	}

	serveCmd.Flags().String("listen", "", "Listen address (overrides config/env)")
	serveCmd.Flags().Int64("max-upload", 0, "Maximum upload size in bytes (overrides config/env)")

	return serveCmd
}
