package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/analysis"
	"github.com/verdictlabs/verdict-cli/internal/archive"
	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/llmclient"
	"github.com/verdictlabs/verdict-cli/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newAnalyzeCmd creates and configures the `analyze` command.
func newAnalyzeCmd() *cobra.Command {
	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyzes the artifacts of a failed browser test run",
		Long: `Reads the run report plus any trace, screenshot, video and context
artifacts, classifies every failure, correlates it against the recorded
evidence, and emits a diagnosis with fix suggestions as JSON.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to Viper keys so the values participate in the usual
			// flag > env > config precedence.
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := cfgFromContext(cmd)
			if err != nil {
				return err
			}

			rc := config.RunConfig{
				ReportPath:      viper.GetString("report"),
				TracePath:       viper.GetString("trace"),
				ScreenshotPaths: viper.GetStringSlice("screenshot"),
				VideoPath:       viper.GetString("video"),
				ContextPath:     viper.GetString("context"),
				ArchivePath:     viper.GetString("archive"),
				OutputPath:      viper.GetString("output"),
				Pretty:          viper.GetBool("pretty"),
			}
			if err := validateRunConfig(rc); err != nil {
				return err
			}
			cfg.SetRunConfig(rc)

			artifacts, err := loadArtifacts(cfg.Run(), logger)
			if err != nil {
				return err
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

			result, err := pipe.Run(ctx, artifacts)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Analysis aborted gracefully")
					return fmt.Errorf("analysis aborted by user signal")
				}
				return err
			}

			if err := writeResult(result, rc.OutputPath, rc.Pretty); err != nil {
				return err
			}
			if rc.OutputPath != "" {
				fmt.Printf("Analysis complete. Result written to %s\n", rc.OutputPath)
			}
			return nil
		},
	}

	analyzeCmd.Flags().StringP("report", "r", "", "Path to the run report JSON. Required unless --archive is used.")
	analyzeCmd.Flags().StringP("trace", "t", "", "Path to the trace archive (zip)")
	analyzeCmd.Flags().StringSliceP("screenshot", "s", nil, "Path to a failure screenshot (repeatable)")
	analyzeCmd.Flags().String("video", "", "Path to the run video")
	analyzeCmd.Flags().String("context", "", "Path to a free-text run context file")
	analyzeCmd.Flags().StringP("archive", "a", "", "Path to a bundled artifact zip. Mutually exclusive with the per-artifact flags.")
	analyzeCmd.Flags().StringP("output", "o", "", "Output file path for the result JSON. If unset, writes to stdout.")
	analyzeCmd.Flags().Bool("pretty", false, "Indent the result JSON")

	return analyzeCmd
}

// validateRunConfig enforces the archive / per-artifact exclusivity.
func validateRunConfig(rc config.RunConfig) error {
	if rc.ArchivePath != "" {
		if rc.ReportPath != "" || rc.TracePath != "" || len(rc.ScreenshotPaths) > 0 ||
			rc.VideoPath != "" || rc.ContextPath != "" {
			return fmt.Errorf("--archive cannot be combined with the per-artifact flags")
		}
		return nil
	}
	if rc.ReportPath == "" {
		return fmt.Errorf("either --report or --archive is required")
	}
	return nil
}

// loadArtifacts reads the configured artifact files into memory.
func loadArtifacts(rc config.RunConfig, logger *zap.Logger) (analysis.Artifacts, error) {
	var artifacts analysis.Artifacts

	if rc.ArchivePath != "" {
		data, err := os.ReadFile(rc.ArchivePath)
		if err != nil {
			return artifacts, fmt.Errorf("reading archive: %w", err)
		}
		bundle, err := archive.Extract(data, logger)
		if err != nil {
			return artifacts, fmt.Errorf("extracting archive: %w", err)
		}
		artifacts.Report = bundle.Report
		artifacts.Trace = bundle.Trace
		artifacts.Screenshots = bundle.Screenshots
		artifacts.Context = bundle.Context
		if len(bundle.Video) > 0 {
			logger.Debug("Video artifact present in archive, no analysis stage consumes it.")
		}
		return artifacts, nil
	}

	report, err := os.ReadFile(rc.ReportPath)
	if err != nil {
		return artifacts, fmt.Errorf("reading report: %w", err)
	}
	artifacts.Report = report

	if rc.TracePath != "" {
		if artifacts.Trace, err = os.ReadFile(rc.TracePath); err != nil {
			return artifacts, fmt.Errorf("reading trace: %w", err)
		}
	}
	for _, p := range rc.ScreenshotPaths {
		shot, err := os.ReadFile(p)
		if err != nil {
			return artifacts, fmt.Errorf("reading screenshot %s: %w", p, err)
		}
		artifacts.Screenshots = append(artifacts.Screenshots, shot)
	}
	if rc.VideoPath != "" {
		// Surfacing a typoed path beats silently ignoring it.
		if _, err := os.Stat(rc.VideoPath); err != nil {
			return artifacts, fmt.Errorf("checking video: %w", err)
		}
		logger.Debug("Video artifact supplied, no analysis stage consumes it.")
	}
	if rc.ContextPath != "" {
		data, err := os.ReadFile(rc.ContextPath)
		if err != nil {
			return artifacts, fmt.Errorf("reading context: %w", err)
		}
		artifacts.Context = string(data)
	}
	return artifacts, nil
}

// writeResult encodes the result and writes it to the output path or stdout.
func writeResult(result *schemas.AnalysisResult, outputPath string, pretty bool) error {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(result, "", "  ")
	} else {
		data, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	data = append(data, '\n')

	if outputPath == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("writing result to %s: %w", outputPath, err)
	}
	return nil
}
