package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/harness"
)

const stabilityUser = "stability-check"

var (
	scenarioFile string
	latency      time.Duration
	lossRate     float64
	failureRate  float64
	stabilityFor time.Duration
	debug        bool
)

var errStabilityFailed = errors.New("connection stability check failed")

var rootCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run a collaboration scenario against an in-process broadcast server",
	Long: `scenario starts a broadcast server on a loopback port, plays every user's
timeline from the scenario file concurrently and checks the expected outcomes.
Network faults can be injected with --latency, --loss and --failure.`,
	SilenceUsage: true,
	RunE:         runScenario,
}

// Execute runs the root command and exits 1 on any error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.Flags().StringVarP(&scenarioFile, "file", "f", "", "scenario file (yaml or json)")
	rootCmd.Flags().DurationVar(&latency, "latency", 0, "injected latency per message")
	rootCmd.Flags().Float64Var(&lossRate, "loss", 0, "packet loss rate in [0,1]")
	rootCmd.Flags().Float64Var(&failureRate, "failure", 0, "connection failure rate in [0,1]")
	rootCmd.Flags().DurationVar(&stabilityFor, "stability", 0, "also run a connection stability check for this long")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("file")
}

func runScenario(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	sc, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	o := harness.NewOrchestrator(cfg)
	if err := o.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := o.Teardown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("teardown")
		}
	}()
	o.SimulateNetworkConditions(latency, lossRate, failureRate)

	runErr := o.ExecuteScenario(ctx, sc)
	if runErr != nil {
		log.Error().Err(runErr).Str("scenario", sc.Name).Msg("scenario failed")
	} else {
		log.Info().Str("scenario", sc.Name).Interface("stats", o.Stats()).Msg("scenario passed")
	}

	if stabilityFor > 0 {
		rep := o.TestConnectionStability(ctx, stabilityUser, 1, stabilityFor)
		log.Info().
			Bool("successful", rep.Successful).
			Int("reconnects", rep.Reconnects).
			Int("messages", rep.TotalMessages).
			Strs("errors", rep.Errors).
			Msg("stability check")
		if !rep.Successful {
			runErr = errors.Join(runErr, errStabilityFailed)
		}
	}
	return runErr
}
