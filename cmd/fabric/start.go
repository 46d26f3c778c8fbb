package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/api"
	audithook "github.com/xraph/fabric/audit_hook"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/channel/backends"
	historybackends "github.com/xraph/fabric/history/backends"
	"github.com/xraph/fabric/node"
	relayhook "github.com/xraph/fabric/relay_hook"
	"github.com/xraph/fabric/stream"
	"github.com/xraph/fabric/subscription"
)

func newStartCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Join the fabric as a node",
		Long: `Start a node: connect to the broker and the history store, consume the
node queue, report heartbeats and compete for the master role. The control
plane is served on --http-addr together with /events, /metrics and /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), v)
		},
	}

	d := fabric.DefaultConfig()
	host, _ := os.Hostname()
	f := cmd.Flags()
	f.String("broker-kind", d.BrokerKind, "broker backend: amqp, redis or memory")
	f.String("broker-url", d.BrokerURL, "broker endpoint")
	f.String("broker-username", "", "broker username, overrides the URL")
	f.String("broker-password", "", "broker password, overrides the URL")
	f.String("node-name", host, "node name and queue")
	f.String("master-name", d.MasterName, "shared master queue")
	f.Int("workers", d.Workers, "consumer workers per queue")
	f.Duration("heartbeat-period", d.HeartbeatPeriod, "heartbeat interval")
	f.Duration("heartbeat-timeout", d.HeartbeatTimeout, "heartbeat watchdog timeout")
	f.Duration("liveness-period", d.LivenessPeriod, "membership sweep interval")
	f.Duration("liveness-timeout", d.LivenessTimeout, "inactivity threshold before eviction")
	f.Duration("recovery-period", d.RecoveryPeriod, "recovery flush interval")
	f.Duration("recovery-timeout", d.RecoveryTimeout, "recovery flush watchdog timeout")
	f.Float64("recovery-rate", d.RecoveryRate, "recovered subscriptions per second, 0 is unlimited")
	f.Duration("election-period", d.ElectionPeriod, "master probe interval")
	f.String("strategy", d.Strategy, "allocation strategy")
	f.Int("channel-retries", d.ChannelRetries, "local retries of a failed consumer callback, 0 is unbounded")
	f.Duration("channel-retry-backoff", d.ChannelRetryBackoff, "initial delay between local retries")
	f.Duration("request-retention", d.RequestRetention, "how long resolved requests are kept")
	f.Duration("request-purge-period", d.RequestPurgePeriod, "resolved request purge interval")
	f.String("history-kind", d.HistoryKind, "history backend: memory, postgres, redis or etcd")
	f.String("history-dsn", "", "history connection string")
	f.String("events-queue", "", "queue receiving lifecycle events, empty disables publishing")
	f.Bool("audit-log", false, "log an audit trail of lifecycle changes")
	f.String("http-addr", d.HTTPAddr, "control-plane listen address, empty disables it")
	f.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown limit")
	bindFlags(v, f,
		"broker-kind", "broker-url", "broker-username", "broker-password",
		"node-name", "master-name", "workers",
		"heartbeat-period", "heartbeat-timeout", "liveness-period", "liveness-timeout",
		"recovery-period", "recovery-timeout", "recovery-rate", "election-period",
		"strategy", "channel-retries", "channel-retry-backoff",
		"request-retention", "request-purge-period",
		"history-kind", "history-dsn", "events-queue", "audit-log",
		"http-addr", "shutdown-timeout",
	)
	return cmd
}

func runStart(ctx context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, v.GetString("log_level"), v.GetString("log_format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	exporter, err := otelprom.New()
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	broker, err := backends.Default().Open(ctx, channel.Kind(cfg.BrokerKind), channel.Settings{
		URL:      cfg.BrokerURL,
		Username: cfg.BrokerUsername,
		Password: cfg.BrokerPassword,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	store, err := historybackends.Open(ctx, cfg.HistoryKind, cfg.HistoryDSN, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := subscription.NewRegistry()
	registerBuiltins(reg, logger)

	events := stream.NewBroker(logger)
	opts := []node.Option{
		node.WithLogger(logger),
		node.WithRegistry(reg),
		node.WithMeterProvider(mp),
		node.WithExtension(events),
	}
	if cfg.AuditLog {
		opts = append(opts, node.WithExtension(audithook.New(audithook.LogRecorder(logger.With(slog.String("component", "audit"))))))
	}
	if cfg.EventsQueue != "" {
		opts = append(opts, node.WithExtension(relayhook.New(broker,
			relayhook.WithQueue(cfg.EventsQueue),
			relayhook.WithSource(cfg.NodeName),
		)))
	}
	n, err := node.New(cfg, broker, store, opts...)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           routes(n, events, logger, mp),
			ReadHeaderTimeout: 10 * time.Second,
		}
		// Open event streams would otherwise hold Shutdown until its deadline.
		srv.RegisterOnShutdown(func() { _ = events.OnShutdown(context.Background()) })
		g.Go(func() error {
			logger.Info("control plane listening", slog.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(shutdownCtx)
		}
		n.Stop(shutdownCtx)
		return nil
	})
	return g.Wait()
}

func routes(n *node.Node, events *stream.Broker, logger *slog.Logger, mp *sdkmetric.MeterProvider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/", api.New(n.Master(),
		api.WithLogger(logger),
		api.WithMeter(mp.Meter("github.com/xraph/fabric/api")),
	).Handler())
	mux.Handle("/events", stream.Handler(events))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node":          n.Name(),
			"role":          n.Elector().Role().String(),
			"subscriptions": n.Pool().Len(),
		})
	})
	return mux
}
