package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shuttle-coach/internal/advisor"
	"shuttle-coach/internal/cfg"
	"shuttle-coach/internal/features"
	"shuttle-coach/internal/learning"
	"shuttle-coach/internal/metrics"
	"shuttle-coach/internal/ml"
	"shuttle-coach/internal/pose"
	"shuttle-coach/internal/rules"
	"shuttle-coach/internal/store"
)

func newAnalyzeCmd() *cobra.Command {
	var strokeID string

	cmd := &cobra.Command{
		Use:   "analyze [sample.json]",
		Short: "Score one recorded stroke sample and print the report",
		Long: "Reads a segmented stroke sample from a JSON file, or fetches it " +
			"from the pose service when --stroke-id is given, and prints the " +
			"full analysis report. Uses the persisted model when one exists.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(args, strokeID)
		},
	}
	cmd.Flags().StringVar(&strokeID, "stroke-id", "", "fetch the sample from the pose service instead of a file")
	return cmd
}

func runAnalyze(args []string, strokeID string) error {
	c, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	sample, err := loadSample(args, strokeID, c)
	if err != nil {
		return err
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	st, err := store.New(c.DataPath, c.KeepVersions)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine, err := rules.NewEngine(c.Rules)
	if err != nil {
		return fmt.Errorf("build rule engine: %w", err)
	}

	manager, err := learning.NewManager(learning.Config{
		RetrainThreshold:    c.RetrainThreshold,
		RetrainInterval:     c.RetrainInterval,
		MinImprovement:      c.MinImprovement,
		Retention:           learning.RetentionPolicy(c.Retention),
		RetentionWindow:     c.RetentionWindow,
		MaxTrainingDuration: c.MaxTrainingDuration,
		HoldoutEvery:        c.HoldoutEvery,
		HoldoutSize:         c.HoldoutSize,
		FeedbackWeightDecay: c.FeedbackWeightDecay,
		Trainer:             ml.DefaultTrainerConfig(),
	}, st, mw, mw)
	if err != nil {
		return fmt.Errorf("init learning manager: %w", err)
	}

	adv, err := advisor.New(advisor.Config{
		WRule:               c.WRule,
		WML:                 c.WML,
		ConfidenceThreshold: c.ConfidenceThreshold,
	}, features.Config{
		MinFrames:       c.MinFrames,
		MaxImputeFrames: c.MaxImputeFrames,
		MinVisibility:   c.MinVisibility,
	}, engine, manager, st, mw)
	if err != nil {
		return fmt.Errorf("init advisor: %w", err)
	}

	report, err := adv.Analyze(sample)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func loadSample(args []string, strokeID string, c cfg.Settings) (*pose.StrokeSample, error) {
	if strokeID != "" {
		if c.PoseBaseURL == "" {
			return nil, fmt.Errorf("--stroke-id requires POSE_BASE_URL to be configured")
		}
		client := pose.NewClient(c.PoseBaseURL, c.PoseTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return client.FetchSample(ctx, strokeID)
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("a sample file or --stroke-id is required")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read sample file: %w", err)
	}
	var sample pose.StrokeSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("parse sample file: %w", err)
	}
	return &sample, nil
}
