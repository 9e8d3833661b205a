package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/config"
	"github.com/velmie/offline-outbox/logging"
	"github.com/velmie/offline-outbox/probe"
	"github.com/velmie/offline-outbox/prommetrics"
	"github.com/velmie/offline-outbox/schedule"
	"github.com/velmie/offline-outbox/tracing"
)

const (
	defaultMessages   = 10
	defaultOfflineFor = 2 * time.Second
	defaultSimTimeout = time.Minute
	shutdownTimeout   = 10 * time.Second
)

var errDeliveryTimeout = errors.New("outbox-sim: messages still pending after timeout")

type simOptions struct {
	Messages    int
	Text        string
	OfflineFor  time.Duration
	Timeout     time.Duration
	MinLatency  time.Duration
	MaxLatency  time.Duration
	TimeoutRate float64
	JSON        bool
	LogOutput   io.Writer
}

func defaultSimOptions() simOptions {
	return simOptions{
		Messages:    defaultMessages,
		Text:        "hello",
		OfflineFor:  defaultOfflineFor,
		Timeout:     defaultSimTimeout,
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  200 * time.Millisecond,
		TimeoutRate: 0.1,
	}
}

type result struct {
	Store     string        `json:"store"`
	Transport string        `json:"transport"`
	Messages  int           `json:"messages"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration"`
}

func simulate(ctx context.Context, cfg config.Config, opts simOptions) (result, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	zl := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  logging.Format(cfg.Log.Format),
		Output:  out,
		Service: "outbox-sim",
	})
	logger := logging.Adapt(zl)
	start := time.Now()

	stopTracing, err := tracing.Setup(ctx, tracing.ExportConfig{
		Endpoint:    cfg.Trace.Endpoint,
		Insecure:    cfg.Trace.Insecure,
		ServiceName: "outbox-sim",
		Version:     version,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		return result{}, fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = stopTracing(context.WithoutCancel(ctx)) }()

	b, err := openBackend(ctx, cfg, zl)
	if err != nil {
		return result{}, err
	}
	defer b.close()

	online := outbox.NewSignal(false)
	r, err := openTransport(ctx, cfg, online, opts)
	if err != nil {
		return result{}, err
	}
	defer r.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := prommetrics.New(reg)
	if err != nil {
		return result{}, err
	}
	if cfg.Metrics.Address != "" {
		stopMetrics, err := serveMetrics(cfg.Metrics.Address, reg, zl)
		if err != nil {
			return result{}, err
		}
		defer stopMetrics()
	}

	engine := outbox.NewEngine(b.store, tracing.Wrap(r.transport), online, engineOptions(cfg, logger, metrics)...)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				logger.Warn("outbox-sim task stopped", "task", name, "err", err)
			}
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	spawn("engine", engine.Run)
	if err := startConnectivity(cfg, r, online, opts, logger, spawn); err != nil {
		return result{}, err
	}
	if err := startSchedules(cfg, engine, b, logger, spawn); err != nil {
		return result{}, err
	}

	keys := make(map[outbox.ConversationID]map[string]struct{})
	for i := 0; i < opts.Messages; i++ {
		conv := outbox.ConversationID(cfg.Engine.Conversations[i%len(cfg.Engine.Conversations)])
		msg, err := engine.SendText(ctx, conv, fmt.Sprintf("%s #%d", opts.Text, i+1))
		if err != nil {
			return result{}, fmt.Errorf("send: %w", err)
		}
		if keys[conv] == nil {
			keys[conv] = make(map[string]struct{})
		}
		keys[conv][msg.ClientKey] = struct{}{}
	}
	logger.Info("outbox-sim enqueued", "messages", opts.Messages, "online", online.Online())

	res := result{Store: cfg.Store.Driver, Transport: cfg.Transport.Kind, Messages: opts.Messages}
	waitCtx, waitCancel := context.WithTimeout(ctx, opts.Timeout)
	defer waitCancel()
	waitErr := awaitSettled(waitCtx, engine, keys, &res)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("outbox-sim shutdown incomplete", "err", err)
	}
	res.Duration = time.Since(start).Round(time.Millisecond)

	if waitErr != nil {
		return res, waitErr
	}

	return res, nil
}

func engineOptions(cfg config.Config, logger outbox.Logger, metrics outbox.Metrics) []outbox.EngineOption {
	opts := []outbox.EngineOption{
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
		outbox.WithMaxAttempts(cfg.Engine.MaxAttempts),
		outbox.WithBaseBackoff(cfg.Engine.BaseBackoff),
		outbox.WithMaxTextRunes(cfg.Engine.MaxTextRunes),
		outbox.WithAttemptTimeout(cfg.Engine.AttemptTimeout),
		outbox.WithSweepFailed(cfg.Engine.SweepFailed),
	}
	for _, conv := range cfg.Engine.Conversations {
		opts = append(opts, outbox.WithConversations(outbox.ConversationID(conv)))
	}
	if cfg.Engine.RatePerSecond > 0 {
		burst := cfg.Engine.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, outbox.WithAttemptLimiter(rate.NewLimiter(rate.Limit(cfg.Engine.RatePerSecond), burst)))
	}

	return opts
}

// startConnectivity probes the remote endpoint when it can be pinged. Otherwise
// the signal simply flips online after OfflineFor.
func startConnectivity(
	cfg config.Config,
	r *remote,
	online *outbox.Signal,
	opts simOptions,
	logger outbox.Logger,
	spawn func(string, func(context.Context) error),
) error {
	if r.pinger != nil && cfg.Probe.Interval > 0 {
		prober, err := probe.New(r.pinger, online,
			probe.WithInterval(cfg.Probe.Interval),
			probe.WithTimeout(cfg.Probe.Timeout),
			probe.WithThreshold(cfg.Probe.Threshold),
			probe.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		spawn("probe", prober.Run)

		return nil
	}

	spawn("connectivity", func(ctx context.Context) error {
		select {
		case <-time.After(opts.OfflineFor):
			online.Set(true)
			logger.Info("outbox-sim connectivity restored")
		case <-ctx.Done():
		}

		return nil
	})

	return nil
}

func startSchedules(
	cfg config.Config,
	engine *outbox.Engine,
	b *backend,
	logger outbox.Logger,
	spawn func(string, func(context.Context) error),
) error {
	if cfg.Schedule.Redrive != "" {
		s, err := schedule.New(cfg.Schedule.Redrive, schedule.SweepJob(engine),
			schedule.WithName("redrive"), schedule.WithLogger(logger))
		if err != nil {
			return err
		}
		spawn("redrive", s.Run)
	}

	if cfg.Schedule.Prune != "" {
		if b.prune == nil {
			logger.Warn("outbox-sim prune schedule ignored", "driver", cfg.Store.Driver)

			return nil
		}
		job := func(ctx context.Context) error {
			deleted, err := b.prune(ctx)
			if err != nil {
				return err
			}
			if deleted > 0 {
				logger.Info("outbox-sim pruned", "deleted", deleted)
			}

			return nil
		}
		s, err := schedule.New(cfg.Schedule.Prune, job, schedule.WithName("prune"), schedule.WithLogger(logger))
		if err != nil {
			return err
		}
		spawn("prune", s.Run)
	}

	return nil
}

// awaitSettled follows every conversation until each enqueued message is Sent
// or Failed, and fills the counters of res from the last observed lists.
func awaitSettled(ctx context.Context, engine *outbox.Engine, keys map[outbox.ConversationID]map[string]struct{}, res *result) error {
	for conv, want := range keys {
		ch, err := engine.ObserveMessages(ctx, conv)
		if err != nil {
			return err
		}

		var last []outbox.Message
	observe:
		for {
			select {
			case msgs, ok := <-ch:
				if !ok {
					break observe
				}
				last = msgs
				if settled(msgs, want) {
					break observe
				}
			case <-ctx.Done():
				break observe
			}
		}

		for _, m := range last {
			if _, ok := want[m.ClientKey]; !ok {
				continue
			}
			switch m.Status {
			case outbox.StatusSent:
				res.Sent++
			case outbox.StatusFailed:
				res.Failed++
			default:
				res.Pending++
			}
		}
	}
	if res.Pending > 0 || res.Sent+res.Failed < res.Messages {
		return fmt.Errorf("%w: %d of %d", errDeliveryTimeout, res.Messages-res.Sent-res.Failed, res.Messages)
	}

	return nil
}

func settled(msgs []outbox.Message, want map[string]struct{}) bool {
	done := 0
	for _, m := range msgs {
		if _, ok := want[m.ClientKey]; !ok {
			continue
		}
		if m.Status == outbox.StatusSent || m.Status == outbox.StatusFailed {
			done++
		}
	}

	return done == len(want)
}

func serveMetrics(addr string, reg *prometheus.Registry, zl zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error().Err(err).Msg("metrics server failed")
		}
	}()
	zl.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
