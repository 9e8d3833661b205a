// Command outbox-receiver serves the reference HTTP endpoint that outbox
// transports deliver to. Fault flags make it drop, delay or lose
// acknowledgements so delivery can be exercised against a hostile network.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/velmie/offline-outbox/internal/config"
	"github.com/velmie/offline-outbox/logging"
	"github.com/velmie/offline-outbox/receiver"
	"github.com/velmie/offline-outbox/tracing"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
		logFormat  string
		unavail    float64
		lostAck    float64
		latency    time.Duration
	)

	cmd := &cobra.Command{
		Use:           "outbox-receiver",
		Short:         "Serve the reference message endpoint",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Receiver.Address = addr
			}
			if f.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if f.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if f.Changed("unavailable-rate") {
				cfg.Receiver.UnavailableRate = unavail
			}
			if f.Changed("lost-ack-rate") {
				cfg.Receiver.LostAckRate = lostAck
			}
			if f.Changed("latency") {
				cfg.Receiver.Latency = latency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Receiver.Address)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			return serve(cmd.Context(), cfg, ln, cmd.ErrOrStderr())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&addr, "addr", ":8080", "Listen address")
	f.StringVar(&logLevel, "log-level", "info", "Log level")
	f.StringVar(&logFormat, "log-format", "json", "Log format: json or console")
	f.Float64Var(&unavail, "unavailable-rate", 0, "Share of deliveries answered with 503")
	f.Float64Var(&lostAck, "lost-ack-rate", 0, "Share of new messages stored but answered with 500")
	f.DurationVar(&latency, "latency", 0, "Delay added to every delivery")

	return cmd
}

// serve runs the receiver on ln until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, cfg config.Config, ln net.Listener, logs io.Writer) error {
	zl := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  logging.Format(cfg.Log.Format),
		Output:  logs,
		Service: "outbox-receiver",
	})

	stopTracing, err := tracing.Setup(ctx, tracing.ExportConfig{
		Endpoint:    cfg.Trace.Endpoint,
		Insecure:    cfg.Trace.Insecure,
		ServiceName: "outbox-receiver",
		Version:     version,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		_ = ln.Close()

		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = stopTracing(context.WithoutCancel(ctx)) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := receiver.New(
		receiver.WithLogger(zl),
		receiver.WithRegistry(reg),
		receiver.WithMaxTextRunes(cfg.Receiver.MaxTextRunes),
		receiver.WithFaults(cfg.Receiver.UnavailableRate, cfg.Receiver.LostAckRate, cfg.Receiver.Latency),
	)
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", ln.Addr().String()).Msg("receiver listening")
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	zl.Info().Msg("receiver shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	zl.Info().Int("accepted", srv.Ledger().Len()).Msg("receiver stopped")

	return nil
}
