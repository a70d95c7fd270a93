package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/pml-go/client"
	"github.com/rocketbitz/pml-go/internal/sim"
	"github.com/rocketbitz/pml-go/pml"
)

type runFlags struct {
	config      string
	ranks       int
	messages    int
	tags        int
	payloadSize int
	wildRatio   float64
	probeRatio  float64
	seed        uint64
	timeout     time.Duration
	metricsAddr string
	linger      time.Duration
	logLevel    string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pmlsim",
		Short: "pmlsim exercises point-to-point message matching",
		Long: `pmlsim builds an in-process world of ranks, lets every rank send tagged messages to every
other rank and receives them with a mix of specific, wildcard and probed receives.

A YAML scenario supplies the defaults; flags override individual fields.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := resolveScenario(cmd, f)
			if err != nil {
				return err
			}
			return runSimulation(cmd, sc, f)
		},
	}

	def := sim.DefaultScenario()
	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "", "Path to a YAML scenario")
	flags.IntVarP(&f.ranks, "ranks", "n", def.Ranks, "Number of ranks")
	flags.IntVarP(&f.messages, "messages", "m", def.Messages, "Messages each rank sends to every other rank")
	flags.IntVar(&f.tags, "tags", def.Tags, "Number of distinct tags")
	flags.IntVar(&f.payloadSize, "payload-size", def.PayloadSize, "Message length in bytes")
	flags.Float64Var(&f.wildRatio, "wild-ratio", def.WildRatio, "Share of receives posted with wildcards")
	flags.Float64Var(&f.probeRatio, "probe-ratio", def.ProbeRatio, "Share of receives preceded by a probe")
	flags.Uint64Var(&f.seed, "seed", def.Seed, "Random seed")
	flags.DurationVar(&f.timeout, "timeout", def.Timeout, "Upper bound for the whole run")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.DurationVar(&f.linger, "linger", 0, "Keep serving metrics this long after the run")
	flags.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	return cmd
}

// resolveScenario loads --config when given and applies every flag the user set explicitly.
func resolveScenario(cmd *cobra.Command, f runFlags) (sim.Scenario, error) {
	sc := sim.DefaultScenario()
	if f.config != "" {
		loaded, err := sim.LoadScenario(f.config)
		if err != nil {
			return sim.Scenario{}, err
		}
		sc = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("ranks") {
		sc.Ranks = f.ranks
	}
	if flags.Changed("messages") {
		sc.Messages = f.messages
	}
	if flags.Changed("tags") {
		sc.Tags = f.tags
	}
	if flags.Changed("payload-size") {
		sc.PayloadSize = f.payloadSize
	}
	if flags.Changed("wild-ratio") {
		sc.WildRatio = f.wildRatio
	}
	if flags.Changed("probe-ratio") {
		sc.ProbeRatio = f.probeRatio
	}
	if flags.Changed("seed") {
		sc.Seed = f.seed
	}
	if flags.Changed("timeout") {
		sc.Timeout = f.timeout
	}
	if err := sc.Validate(); err != nil {
		return sim.Scenario{}, err
	}
	return sc, nil
}

func runSimulation(cmd *cobra.Command, sc sim.Scenario, f runFlags) error {
	logger, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := sim.Options{Logger: logger}
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		if opts.ClientMetrics, err = client.NewPrometheusMetrics(client.PrometheusMetricsOptions{Registerer: reg}); err != nil {
			return err
		}
		if opts.MatchMetrics, err = pml.NewPrometheusMetrics(pml.PrometheusMetricsOptions{Registerer: reg}); err != nil {
			return err
		}
		stop, addr, err := serveMetrics(f.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", addr)
	}

	summary, err := sim.Run(ctx, sc, opts)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	if err := summary.Print(cmd.OutOrStdout()); err != nil {
		return err
	}

	if f.metricsAddr != "" && f.linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.linger):
		}
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return stop, ln.Addr().String(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
