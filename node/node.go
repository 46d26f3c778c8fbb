// Package node assembles a fabric node.
//
// A Node owns one channel on its own queue, the pool of subscriptions it
// hosts, a heartbeat scheduler reporting to the master queue, and an
// elector that may promote it to master. Requests from the master arrive
// on the node queue and are answered on the master queue.
//
//	n, err := node.New(cfg, broker, store, node.WithRegistry(reg))
//	if err != nil { ... }
//	if err := n.Start(ctx); err != nil { ... }
//	defer n.Stop(context.Background())
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/backoff"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/election"
	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/master"
	mw "github.com/xraph/fabric/middleware"
	"github.com/xraph/fabric/observability"
	"github.com/xraph/fabric/pool"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/scheduler"
	"github.com/xraph/fabric/subscription"
)

// instrumentationName scopes the node's tracer and meters.
const instrumentationName = "github.com/xraph/fabric"

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithRegistry sets the handler registry subscriptions resolve against.
func WithRegistry(r *subscription.Registry) Option {
	return func(n *Node) { n.registry = r }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(n *Node) { n.extensions.Register(e) }
}

// WithMiddleware appends middleware to every subscription event.
func WithMiddleware(m mw.Middleware) Option {
	return func(n *Node) { n.mws = append(n.mws, m) }
}

// WithTracerProvider sets the OTel TracerProvider used for event spans.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Node) { n.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider used by the metrics
// middleware and the observability extension. The global provider is
// used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(n *Node) { n.meterProvider = mp }
}

// WithHostProbe replaces the operating system load probe.
func WithHostProbe(p HostProbe) Option {
	return func(n *Node) { n.probe = p }
}

// Node is one member of the fabric.
type Node struct {
	cfg        fabric.Config
	broker     channel.Broker
	history    history.Store
	registry   *subscription.Registry
	extensions *ext.Registry
	mws        []mw.Middleware
	probe      HostProbe
	logger     *slog.Logger

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	ch        *channel.Channel
	pool      *pool.Pool
	master    *master.Master
	elector   *election.Elector
	heartbeat *scheduler.Scheduler

	mu      sync.Mutex
	started bool
}

// New assembles a node from cfg. store may be nil; the node then keeps no
// history and its subscriptions cannot be recovered elsewhere.
func New(cfg fabric.Config, broker channel.Broker, store history.Store, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, fabric.ErrNoBroker
	}

	n := &Node{
		cfg:        cfg,
		broker:     broker,
		history:    store,
		extensions: ext.NewRegistry(slog.Default()),
		probe:      SystemProbe{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("node", cfg.NodeName))
	if n.registry == nil {
		n.registry = subscription.NewRegistry()
	}

	var (
		tracingMw mw.Middleware
		metricsMw mw.Middleware
		obsExt    *observability.MetricsExtension
	)
	if n.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(n.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	if n.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(n.meterProvider.Meter(instrumentationName))
		obsExt = observability.NewMetricsExtensionWithMeter(n.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		metricsMw = mw.Metrics()
		obsExt = observability.NewMetricsExtension()
	}
	n.extensions.Register(obsExt)

	// Recovery and the event timeout are added innermost by the
	// subscription itself.
	chain := make([]mw.Middleware, 0, 3+len(n.mws))
	chain = append(chain, tracingMw, metricsMw, mw.Logging(n.logger))
	chain = append(chain, n.mws...)

	chOpts := []channel.Option{
		channel.WithLogger(n.logger),
		channel.WithMasterQueue(cfg.MasterName),
		channel.WithRetries(cfg.ChannelRetries),
		channel.WithBackoff(backoff.DefaultStrategy(cfg.ChannelRetryBackoff)),
	}
	n.ch = channel.New(broker, channel.Endpoint{Queue: cfg.NodeName, Workers: cfg.Workers},
		append(chOpts, channel.WithSender(cfg.NodeName))...)

	poolOpts := []pool.Option{pool.WithLogger(n.logger)}
	if store != nil {
		poolOpts = append(poolOpts, pool.WithHistory(store))
	}
	n.pool = pool.New(&subscription.Env{
		Node:           cfg.NodeName,
		Broker:         broker,
		ChannelOptions: chOpts,
		Registry:       n.registry,
		Middleware:     chain,
		Emitter:        n.extensions,
		Logger:         n.logger,
	}, poolOpts...)

	m, err := master.New(cfg, broker, store,
		master.WithLogger(n.logger),
		master.WithExtensions(n.extensions),
		master.WithChannelOptions(channel.WithRetries(cfg.ChannelRetries)),
	)
	if err != nil {
		return nil, err
	}
	n.master = m
	n.elector = election.New(cfg.NodeName, n.ch, m,
		election.WithLogger(n.logger),
		election.WithPeriod(cfg.ElectionPeriod),
		election.WithEmitter(n.extensions),
	)
	n.heartbeat = scheduler.New("heartbeat", scheduler.Every(cfg.HeartbeatPeriod), n.sendHeartbeat,
		scheduler.WithLogger(n.logger),
		scheduler.WithTimeout(cfg.HeartbeatTimeout),
	)
	return n, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.cfg.NodeName }

// Pool returns the hosted subscriptions.
func (n *Node) Pool() *pool.Pool { return n.pool }

// Master returns the node's master role. Its control-plane operations
// fail with fabric.ErrNotMaster unless this node was elected.
func (n *Node) Master() *master.Master { return n.master }

// Elector returns the node's elector.
func (n *Node) Elector() *election.Elector { return n.elector }

// Extensions returns the lifecycle hook registry.
func (n *Node) Extensions() *ext.Registry { return n.extensions }

// Registry returns the handler registry.
func (n *Node) Registry() *subscription.Registry { return n.registry }

// IsMaster reports whether this node currently runs the master.
func (n *Node) IsMaster() bool { return n.elector.IsMaster() }

// Start purges stale requests from the node queue, resumes the
// subscriptions history still places on this node, attaches the request
// consumer, and starts heartbeats and election.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	if _, err := n.ch.Purge(ctx); err != nil {
		return fmt.Errorf("node: purge %s: %w", n.cfg.NodeName, err)
	}
	n.resume(ctx)
	if err := n.ch.CreateConsumer(ctx, n.handle); err != nil {
		return fmt.Errorf("node: attach %s: %w", n.cfg.NodeName, err)
	}
	n.heartbeat.Start()
	n.elector.Start()
	n.started = true
	n.logger.Info("node started",
		slog.String("master_queue", n.cfg.MasterName),
		slog.Int("subscriptions", n.pool.Len()),
	)
	return nil
}

// Stop steps down from master, stops heartbeats and every hosted
// subscription, and detaches the request consumer. History keeps the
// subscriptions placed here so the master re-homes them.
func (n *Node) Stop(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}
	n.started = false

	n.elector.Stop(ctx)
	n.heartbeat.Stop(true)
	n.ch.Close(ctx)
	n.pool.Close(ctx)
	n.extensions.EmitShutdown(ctx)
	n.logger.Info("node stopped")
}

// resume restarts the subscriptions whose latest history entry still
// places them on this node. They exist when the node restarts faster than
// the inactivity threshold, before the master notices it was gone.
func (n *Node) resume(ctx context.Context) {
	if n.history == nil {
		return
	}
	entries, err := n.history.QueryLastActiveBySubscriber(ctx, n.cfg.NodeName)
	if err != nil {
		n.logger.Warn("history unavailable, starting empty", slog.String("error", err.Error()))
		return
	}
	defs := make([]subscription.Definition, 0, len(entries))
	for _, e := range entries {
		def, err := subscription.Decode(e.Definition)
		if err != nil {
			n.logger.Error("skipping unreadable history entry",
				slog.String("subscription", e.Subscription),
				slog.String("error", err.Error()),
			)
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return
	}
	for _, r := range n.pool.Upload(ctx, defs) {
		if r.Outcome != protocol.OutcomeOK {
			n.logger.Warn("subscription not resumed",
				slog.String("subscription", r.Name),
				slog.String("error", r.Error),
			)
		}
	}
	n.logger.Info("resumed subscriptions", slog.Int("count", len(defs)))
}

// ──────────────────────────────────────────────────
// Requests
// ──────────────────────────────────────────────────

// handle serves one request from the master. Requests are acknowledged
// once answered; a malformed request is discarded.
func (n *Node) handle(ctx context.Context, env *channel.Envelope) (channel.Disposition, error) {
	msg, err := protocol.Decode(env.Payload)
	if err != nil {
		return channel.NackDiscard, err
	}

	var (
		respType protocol.Type
		body     any
	)
	switch msg.Type {
	case protocol.TypeUploadRequest:
		var req protocol.UploadRequest
		if err := msg.Into(&req); err != nil {
			return channel.NackDiscard, err
		}
		respType = protocol.TypeUploadResponse
		body = &protocol.Response{Node: n.cfg.NodeName, Results: n.upload(ctx, &req)}

	case protocol.TypeRemoveRequest:
		var req protocol.RemoveRequest
		if err := msg.Into(&req); err != nil {
			return channel.NackDiscard, err
		}
		respType = protocol.TypeRemoveResponse
		body = &protocol.Response{Node: n.cfg.NodeName, Results: n.pool.Remove(ctx, req.Names)}

	case protocol.TypeSetStatusRequest:
		var req protocol.SetStatusRequest
		if err := msg.Into(&req); err != nil {
			return channel.NackDiscard, err
		}
		respType = protocol.TypeSetStatusResponse
		body = &protocol.Response{Node: n.cfg.NodeName, Results: n.pool.SetStatus(ctx, req.Names, req.Start)}

	case protocol.TypeControlRequest:
		var req protocol.ControlRequest
		if err := msg.Into(&req); err != nil {
			return channel.NackDiscard, err
		}
		respType = protocol.TypeControlResponse
		resp := &protocol.ControlResponse{Node: n.cfg.NodeName, Subscription: req.Subscription}
		resp.Payload, err = n.pool.HandleMessage(ctx, req.Subscription, req.Message, req.Payload)
		if err != nil {
			resp.Error = err.Error()
		}
		body = resp

	default:
		n.logger.Warn("unexpected message on node queue",
			slog.String("type", string(msg.Type)),
			slog.String("sender", env.Sender),
		)
		return channel.NackDiscard, fmt.Errorf("node: unexpected %s", msg.Type)
	}

	n.reply(ctx, respType, msg.ID, body)
	return channel.Ack, nil
}

// upload decodes each definition on its own so one bad document fails
// only its own result.
func (n *Node) upload(ctx context.Context, req *protocol.UploadRequest) []protocol.Result {
	var (
		defs    []subscription.Definition
		results []protocol.Result
	)
	for i, doc := range req.Definitions {
		def, err := subscription.Decode(doc)
		if err != nil {
			results = append(results, protocol.Result{
				Name:    fmt.Sprintf("#%d", i),
				Outcome: protocol.OutcomeError,
				Error:   err.Error(),
			})
			continue
		}
		defs = append(defs, def)
	}
	if req.Recovery {
		n.logger.Info("hosting recovered subscriptions", slog.Any("subscriptions", subscription.Names(defs)))
	}
	return append(n.pool.Upload(ctx, defs), results...)
}

func (n *Node) reply(ctx context.Context, t protocol.Type, reqID id.RequestID, body any) {
	msg, err := protocol.New(t, reqID, body)
	if err != nil {
		n.logger.Error("response not encoded", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	data, err := msg.Encode()
	if err != nil {
		n.logger.Error("response not encoded", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	n.ch.Send(ctx, n.cfg.MasterName, data)
}

// sendHeartbeat reports this node and its subscriptions to the master.
func (n *Node) sendHeartbeat(ctx context.Context) error {
	load, err := n.probe.Sample(ctx)
	if err != nil {
		n.logger.Debug("host probe failed", slog.String("error", err.Error()))
	}
	msg, err := protocol.New(protocol.TypeHeartbeat, id.Nil, &protocol.Heartbeat{
		Node:          n.cfg.NodeName,
		Host:          load.Host,
		CPU:           load.CPU,
		FreeMemory:    load.FreeMemory,
		Subscriptions: n.pool.Summaries(),
		SentAt:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return n.ch.Publish(ctx, n.cfg.MasterName, data)
}
