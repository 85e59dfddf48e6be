package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crashgenius/internal/analysis"
	"crashgenius/internal/config"
	"crashgenius/internal/observability"
	"crashgenius/internal/report"
)

type app struct {
	configPath string
	logLevel   string
	timeout    time.Duration

	cfg    config.Config
	logger *zap.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "crashgenius",
		Short:         "Crash report analysis from the command line",
		Long:          "crashgenius turns crash photos and documents into structured damage reports and lets you chat about them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CG_CONFIG"), "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 0, "override provider request timeout")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Read(a.configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if a.logLevel != "" {
			cfg.Log.Level = a.logLevel
		}
		if a.timeout > 0 {
			cfg.LLM.RequestTimeout = a.timeout
		}
		logger, err := observability.NewLogger(cfg.Log.Level, false)
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = logger
		return nil
	}
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if a.logger != nil {
			_ = a.logger.Sync()
		}
	}

	cmd.AddCommand(
		newAnalyzeCmd(a),
		newChatCmd(a),
		newHashCmd(a),
		newModelsCmd(a),
		newRegionCmd(a),
		newTokenCmd(a),
	)
	return cmd
}

// service builds an analysis service without persistence or metrics.
func (a *app) service() *analysis.Service {
	return analysis.NewService(analysis.SettingsFromConfig(a.cfg), nil, nil, a.logger)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readReport(path string) (report.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return report.Report{}, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return report.Report{}, fmt.Errorf("%s: %w", path, err)
	}
	return report.Sanitize(raw), nil
}
