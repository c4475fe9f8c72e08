package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/rtap_phone/pkg/phone"
	"github.com/arzzra/rtap_phone/pkg/report"
	"github.com/arzzra/rtap_phone/pkg/scenario"
)

// errScenarioFailed is returned after the report is printed, so main only
// sets the exit code.
var errScenarioFailed = errors.New("scenario failed")

var runVerbose bool

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario and print the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario(cmd, args[0])
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show every step, not only failures")
	runCmd.Flags().String("engine", "", "Engine: sim, pjsua or sip (overrides engine.kind)")
	runCmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(runCmd)
}

func runScenario(cmd *cobra.Command, path string) error {
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind := viper.GetString("engine.kind")
	eng, err := newEngine(kind, sc.AudioFiles(), logger)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start %s engine: %w", kind, err)
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Warn("engine stop failed", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mcfg := phone.DefaultMetricsConfig()
	mcfg.Namespace = viper.GetString("metrics.namespace")
	mcfg.Registerer = reg
	metrics := phone.NewMetrics(mcfg)

	if addr := viper.GetString("metrics.listen"); addr != "" {
		shutdown, err := serveMetrics(addr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	logger.Info("running scenario",
		slog.String("file", path),
		slog.String("engine", kind),
		slog.Int("lines", len(sc.Lines)))

	runner := scenario.NewRunner(eng, scenario.WithLogger(logger), scenario.WithMetrics(metrics))
	rep, runErr := runner.Run(ctx, sc)
	if rep != nil {
		if err := report.New(cmd.OutOrStdout(), runVerbose).Print(rep); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if !rep.Passed() {
		return errScenarioFailed
	}
	return nil
}

// serveMetrics starts the promhttp endpoint and returns its shutdown func
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
