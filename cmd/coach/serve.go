package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
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

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the advisory engine HTTP server and learning loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	c, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	featCfg := features.Config{
		MinFrames:       c.MinFrames,
		MaxImputeFrames: c.MaxImputeFrames,
		MinVisibility:   c.MinVisibility,
	}
	adv, err := advisor.New(advisor.Config{
		WRule:               c.WRule,
		WML:                 c.WML,
		ConfidenceThreshold: c.ConfidenceThreshold,
	}, featCfg, engine, manager, st, mw)
	if err != nil {
		return fmt.Errorf("init advisor: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	if c.PoseWsURL != "" {
		startPoseStream(ctx, &wg, c, adv)
	} else {
		log.Info().Msg("no pose stream configured, serving HTTP only")
	}

	srv := newServer(adv, manager, st, m, c.ListenPort)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", c.ListenPort).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("shutdown complete")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out, exiting anyway")
	}
	return nil
}

// startPoseStream consumes segmented strokes pushed by the pose
// service and analyzes each one as it arrives.
func startPoseStream(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, adv *advisor.Advisor) {
	samples := make(chan pose.StrokeSample, 16)
	errs := make(chan error, 32)
	stream := pose.NewStream(c.PoseWsURL)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stream.Run(ctx, samples, errs, c.Ping); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("pose stream terminated")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Warn().Err(err).Msg("pose stream error")
			case sample := <-samples:
				report, err := adv.Analyze(&sample)
				if err != nil {
					log.Warn().Err(err).Str("stroke", sample.ID).Msg("stream analysis failed")
					continue
				}
				log.Info().
					Str("stroke", report.StrokeID).
					Float64("score", report.FinalScore).
					Str("mode", string(report.Mode)).
					Msg("stroke scored")
			}
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutdown signal received")
		cancel()
	case <-ctx.Done():
	}
}
