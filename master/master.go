package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/allocation"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/scheduler"
	"github.com/xraph/fabric/subscription"
)

// Option configures a Master.
type Option func(*Master)

// WithLogger sets the master logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) { m.logger = l }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Master) { m.extensions = r }
}

// WithClock sets the clock used by the membership table and the request
// tracker.
func WithClock(c clockwork.Clock) Option {
	return func(m *Master) { m.clock = c }
}

// WithChannelOptions adds options to the master queue channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(m *Master) { m.channelOpts = append(m.channelOpts, opts...) }
}

// Master is the master role of one node.
type Master struct {
	cfg         fabric.Config
	history     history.Store
	extensions  *ext.Registry
	clock       clockwork.Clock
	logger      *slog.Logger
	channelOpts []channel.Option

	ch       *channel.Channel
	members  *membership.Table
	tracker  *allocation.Tracker
	engine   *allocation.Engine
	recovery *allocation.RecoveryQueue

	liveness *scheduler.Scheduler
	flush    *scheduler.Scheduler
	purge    *scheduler.Scheduler

	mu      sync.Mutex
	running bool

	// Owned by the liveness cycle once started.
	startedAt time.Time
	adopted   bool
	evicted   map[string]bool
}

// New creates a stopped master for the node described by cfg. store may
// be nil, in which case evicted nodes cannot be recovered.
func New(cfg fabric.Config, broker channel.Broker, store history.Store, opts ...Option) (*Master, error) {
	strategy, err := allocation.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	m := &Master{
		cfg:     cfg,
		history: store,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "master"))

	chOpts := append([]channel.Option{
		channel.WithLogger(m.logger),
		channel.WithSender(cfg.NodeName),
		channel.WithMasterQueue(cfg.MasterName),
	}, m.channelOpts...)
	m.ch = channel.New(broker, channel.Endpoint{Queue: cfg.MasterName, Workers: 1}, chOpts...)

	m.members = membership.New(membership.WithClock(m.clock))
	m.tracker = allocation.NewTracker(allocation.WithClock(m.clock))
	m.engine = allocation.NewEngine(strategy, m.members, m.tracker, m.ch,
		allocation.WithLogger(m.logger),
		allocation.WithEmitter(m.extensions),
	)
	m.recovery = allocation.NewRecoveryQueue(cfg.RecoveryRate, m.logger)

	m.liveness = scheduler.New("liveness", scheduler.Every(cfg.LivenessPeriod), m.sweep,
		scheduler.WithLogger(m.logger))
	m.flush = scheduler.New("recovery", scheduler.Every(cfg.RecoveryPeriod), m.flushRecovery,
		scheduler.WithLogger(m.logger), scheduler.WithTimeout(cfg.RecoveryTimeout))
	m.purge = scheduler.New("request-purge", scheduler.Every(purgePeriod(cfg)), m.purgeRequests,
		scheduler.WithLogger(m.logger))
	return m, nil
}

func purgePeriod(cfg fabric.Config) time.Duration {
	if cfg.RequestPurgePeriod > 0 {
		return cfg.RequestPurgePeriod
	}
	return cfg.LivenessPeriod
}

// Start attaches the exclusive master consumer and starts the background
// schedulers. It fails, leaving the master stopped, when another node
// already consumes the master queue.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.ch.CreateConsumer(ctx, m.handle); err != nil {
		return fmt.Errorf("master: attach %s: %w", m.cfg.MasterName, err)
	}
	m.startedAt = m.clock.Now()
	m.adopted = false
	m.evicted = make(map[string]bool)
	m.liveness.Start()
	m.flush.Start()
	m.purge.Start()
	m.running = true
	m.logger.Info("master started",
		slog.String("node", m.cfg.NodeName),
		slog.String("strategy", m.engine.Strategy().String()),
	)
	return nil
}

// Stop detaches the consumer and stops the schedulers. Membership and
// pending recovery survive a restart.
func (m *Master) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.liveness.Stop(true)
	m.flush.Stop(false)
	m.purge.Stop(true)
	m.ch.Close(ctx)
	m.logger.Info("master stopped", slog.String("node", m.cfg.NodeName))
}

// Running reports whether the master consumer is attached.
func (m *Master) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.ch.Consuming()
}

// Members returns the membership table.
func (m *Master) Members() *membership.Table { return m.members }

// Engine returns the allocation engine.
func (m *Master) Engine() *allocation.Engine { return m.engine }

// Recovery returns the recovery queue.
func (m *Master) Recovery() *allocation.RecoveryQueue { return m.recovery }

// handle processes one message from the master queue.
func (m *Master) handle(ctx context.Context, env *channel.Envelope) (channel.Disposition, error) {
	msg, err := protocol.Decode(env.Payload)
	if err != nil {
		return channel.NackDiscard, err
	}

	switch {
	case msg.Type == protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := msg.Into(&hb); err != nil {
			return channel.NackDiscard, err
		}
		if hb.Node == "" {
			return channel.NackDiscard, errors.New("master: heartbeat without node name")
		}
		if m.members.Upsert(&hb) {
			m.logger.Info("node joined",
				slog.String("node", hb.Node),
				slog.String("host", hb.Host),
				slog.Int("subscriptions", len(hb.Subscriptions)),
			)
			m.extensions.EmitNodeJoined(ctx, hb.Node)
		}
		return channel.Ack, nil

	case msg.Type.IsResponse():
		if err := m.engine.HandleResponse(ctx, msg); err != nil {
			return channel.NackDiscard, err
		}
		return channel.Ack, nil
	}

	m.logger.Warn("unexpected message on master queue",
		slog.String("type", string(msg.Type)),
		slog.String("sender", env.Sender),
	)
	return channel.NackDiscard, fmt.Errorf("master: unexpected %s", msg.Type)
}

// ──────────────────────────────────────────────────
// Background tasks
// ──────────────────────────────────────────────────

func (m *Master) sweep(ctx context.Context) error {
	var errs []error
	for _, entry := range m.members.Sweep(m.cfg.LivenessTimeout) {
		if err := m.evict(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	if !m.adopted && m.clock.Since(m.startedAt) >= m.cfg.LivenessTimeout {
		if err := m.adoptOrphans(ctx); err != nil {
			errs = append(errs, err)
		} else {
			m.adopted = true
		}
	}
	return errors.Join(errs...)
}

// adoptOrphans evicts the nodes history still places subscriptions on
// but that have not sent a heartbeat since this master started. They went
// down before or together with the previous master.
func (m *Master) adoptOrphans(ctx context.Context) error {
	if m.history == nil {
		return nil
	}
	nodes, err := m.history.QueryNodes(ctx)
	if err != nil {
		return fmt.Errorf("master: find orphaned nodes: %w", err)
	}
	var errs []error
	for _, node := range nodes {
		if m.evicted[node] {
			continue
		}
		if _, ok := m.members.Get(node); ok {
			continue
		}
		m.logger.Warn("adopting subscriptions of a silent node", slog.String("node", node))
		if err := m.evict(ctx, membership.Entry{Node: node}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evict forgets node, deletes its waiting requests and queues its
// last-active subscriptions for recovery.
func (m *Master) evict(ctx context.Context, entry membership.Entry) error {
	m.evicted[entry.Node] = true
	m.engine.Evict(ctx, entry.Node)

	batch := &allocation.Batch{
		Eviction: id.NewEvictionID(),
		Node:     entry.Node,
		QueuedAt: m.clock.Now(),
	}
	var err error
	batch.Definitions, err = m.lastActive(ctx, entry.Node)

	names := subscription.Names(batch.Definitions)
	m.logger.Warn("node evicted",
		slog.String("node", entry.Node),
		slog.String("eviction_id", batch.Eviction.String()),
		slog.Time("last_seen", entry.LastSeen),
		slog.Int("recovering", len(names)),
	)
	m.recovery.Push(batch)
	m.extensions.EmitNodeEvicted(ctx, entry.Node, names)
	return err
}

func (m *Master) lastActive(ctx context.Context, node string) ([]subscription.Definition, error) {
	if m.history == nil {
		return nil, fmt.Errorf("master: recover %s: %w", node, fabric.ErrNoHistory)
	}
	entries, err := m.history.QueryLastActiveBySubscriber(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("master: recover %s: %w", node, err)
	}
	defs := make([]subscription.Definition, 0, len(entries))
	for _, e := range entries {
		def, err := subscription.Decode(e.Definition)
		if err != nil {
			m.logger.Error("unrecoverable history entry",
				slog.String("node", node),
				slog.String("subscription", e.Subscription),
				slog.String("error", err.Error()),
			)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (m *Master) flushRecovery(ctx context.Context) error {
	if m.recovery.Len() == 0 {
		return nil
	}
	sent := m.recovery.Flush(ctx, func(ctx context.Context, defs []subscription.Definition) ([]subscription.Definition, error) {
		return m.engine.Upload(ctx, defs, "", id.NewRequestID(), true)
	})
	if sent > 0 {
		m.logger.Info("recovered subscriptions",
			slog.Int("sent", sent),
			slog.Int("pending", m.recovery.Len()),
		)
	}
	return nil
}

func (m *Master) purgeRequests(context.Context) error {
	if n := m.tracker.Purge(m.cfg.RequestRetention); n > 0 {
		m.logger.Debug("purged requests", slog.Int("count", n))
	}
	return nil
}

// ──────────────────────────────────────────────────
// Control plane
// ──────────────────────────────────────────────────

func (m *Master) ensureRunning() error {
	if !m.Running() {
		return fabric.ErrNotMaster
	}
	return nil
}

// ListSubscribers returns the live nodes sorted by name.
func (m *Master) ListSubscribers() ([]membership.Entry, error) {
	if err := m.ensureRunning(); err != nil {
		return nil, err
	}
	return m.members.Snapshot(), nil
}

// ListSubscriptions returns every subscription reported by a live node,
// sorted by name.
func (m *Master) ListSubscriptions() ([]subscription.Summary, error) {
	if err := m.ensureRunning(); err != nil {
		return nil, err
	}
	var out []subscription.Summary
	for _, e := range m.members.Snapshot() {
		out = append(out, e.Subscriptions...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UploadSubscriptions validates defs and places them. A non-empty target
// sends every definition to that node. The returned request tracks the
// per-node outcomes.
func (m *Master) UploadSubscriptions(ctx context.Context, defs []subscription.Definition, target string) (id.RequestID, error) {
	if err := m.ensureRunning(); err != nil {
		return id.Nil, err
	}
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return id.Nil, err
		}
		name := d.Meta().Name
		if seen[name] {
			return id.Nil, fmt.Errorf("%w: %q appears twice", fabric.ErrSubscriptionExists, name)
		}
		seen[name] = true
	}
	reqID := id.NewRequestID()
	_, err := m.engine.Upload(ctx, defs, target, reqID, false)
	return reqID, err
}

// SetSubscriptions starts or stops the named subscriptions.
func (m *Master) SetSubscriptions(ctx context.Context, names []string, start bool) (id.RequestID, error) {
	if err := m.ensureRunning(); err != nil {
		return id.Nil, err
	}
	reqID := id.NewRequestID()
	return reqID, m.engine.SetStatus(ctx, names, start, reqID)
}

// RemoveSubscriptions removes the named subscriptions from their nodes.
func (m *Master) RemoveSubscriptions(ctx context.Context, names []string) (id.RequestID, error) {
	if err := m.ensureRunning(); err != nil {
		return id.Nil, err
	}
	reqID := id.NewRequestID()
	return reqID, m.engine.Remove(ctx, names, reqID)
}

// ControlSubscription sends a named control message to a subscription.
// The handler's reply is available on the resolved request.
func (m *Master) ControlSubscription(ctx context.Context, name, message string, payload []byte) (id.RequestID, error) {
	if err := m.ensureRunning(); err != nil {
		return id.Nil, err
	}
	reqID := id.NewRequestID()
	return reqID, m.engine.Control(ctx, name, message, payload, reqID)
}

// GetSubscriptionStatus returns the last reported summary of name.
func (m *Master) GetSubscriptionStatus(name string) (subscription.Summary, error) {
	if err := m.ensureRunning(); err != nil {
		return subscription.Summary{}, err
	}
	_, s, ok := m.members.Locate(name)
	if !ok {
		return subscription.Summary{}, fmt.Errorf("%w: %s", fabric.ErrSubscriptionNotFound, name)
	}
	return s, nil
}

// RequestStatus returns a tracked request.
func (m *Master) RequestStatus(reqID id.RequestID) (allocation.Request, error) {
	if err := m.ensureRunning(); err != nil {
		return allocation.Request{}, err
	}
	return m.tracker.Get(reqID)
}

// SubscriptionHistory returns the recorded changes of name, newest first.
func (m *Master) SubscriptionHistory(ctx context.Context, name string) ([]*history.Entry, error) {
	if err := m.ensureRunning(); err != nil {
		return nil, err
	}
	if m.history == nil {
		return nil, fabric.ErrNoHistory
	}
	entries, err := m.history.QueryByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", fabric.ErrHistoryNotFound, name)
	}
	return entries, nil
}
