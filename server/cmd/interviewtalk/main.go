package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"interview-talk/server/internal/classify"
	"interview-talk/server/internal/config"
	"interview-talk/server/internal/llm"
	"interview-talk/server/internal/logging"
	"interview-talk/server/internal/scorer"
	"interview-talk/server/internal/script"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "interviewtalk",
		Short: "Spoken structured clinical interview engine",
		Long: `Runs a scripted ADHD screening interview by voice.

Examples:
  interviewtalk serve --config server/configs/config.yaml
  interviewtalk console --age 34 --sex female`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "server/configs/config.yaml", "Path to config file (defaults are used when missing)")

	rootCmd.AddCommand(newServeCommand(), newConsoleCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime 是 serve 与 console 共用的装配结果。
type runtime struct {
	cfg      *config.Config
	logger   *logrus.Logger
	script   *script.Script
	pipeline *classify.Pipeline
}

func setup() (*runtime, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	entry := logrus.NewEntry(logger)

	sc, err := script.LoadOrDefault(cfg.Paths.Script)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	client, err := llm.NewClient(cfg.LLM, entry)
	if err != nil {
		return nil, err
	}
	pipeline := classify.NewPipeline(
		scorer.New(cfg.Scorer.URL, cfg.Scorer.Timeout, entry),
		classify.NewLLMClassifier(client),
		classify.NewLLMFollowUpGenerator(client),
		classify.Options{
			ScoreTimeout:   cfg.Scorer.Timeout,
			FollowUpBackup: cfg.Interview.Prompts.FollowUpBackup,
			Logger:         entry,
		},
	)

	logger.WithFields(logrus.Fields{
		"provider":  cfg.LLM.Provider,
		"sections":  sc.Len(),
		"questions": sc.QuestionCount(),
		"scorer":    cfg.Scorer.URL != "",
	}).Info("interview engine configured")

	return &runtime{cfg: cfg, logger: logger, script: sc, pipeline: pipeline}, nil
}
