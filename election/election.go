// Package election decides which node runs the master.
//
// There is no lease and no vote. The master is whoever holds the
// exclusive consumer on the master queue, and the broker enforces that
// at most one node can. Every node periodically asks the broker whether
// the master queue has a live consumer; when it has none, the node starts
// its local master, whose first act is to attach that exclusive consumer.
// Losing the race is harmless: the attach is refused and the node stays
// secondary.
package election

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fabric/scheduler"
)

// Probe reports whether the master queue has a live consumer.
// *channel.Channel satisfies it.
type Probe interface {
	IsMasterConsuming(ctx context.Context) (bool, error)
}

// Master is the local master role. Start must fail when the exclusive
// master consumer cannot be attached.
type Master interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Running() bool
}

// Emitter is notified when this node becomes master. *ext.Registry
// satisfies it.
type Emitter interface {
	EmitMasterPromoted(ctx context.Context, node string)
}

// Role is the node's current role.
type Role int

const (
	// Secondary nodes only host subscriptions.
	Secondary Role = iota
	// Primary nodes also run the master.
	Primary
)

func (r Role) String() string {
	switch r {
	case Secondary:
		return "secondary"
	case Primary:
		return "master"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Option configures an Elector.
type Option func(*Elector)

// WithLogger sets the elector logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) { e.logger = l }
}

// WithPeriod sets how often the master queue is probed.
func WithPeriod(d time.Duration) Option {
	return func(e *Elector) { e.period = d }
}

// WithEmitter sets the promotion listener.
func WithEmitter(em Emitter) Option {
	return func(e *Elector) { e.emitter = em }
}

// WithClock sets the clock driving the probe schedule.
func WithClock(c clockwork.Clock) Option {
	return func(e *Elector) { e.clock = c }
}

// Elector runs the election loop of one node.
type Elector struct {
	node    string
	probe   Probe
	master  Master
	period  time.Duration
	emitter Emitter
	clock   clockwork.Clock
	logger  *slog.Logger

	sched *scheduler.Scheduler

	mu   sync.Mutex
	role Role
}

// New creates an elector for node. It does nothing until Start.
func New(node string, probe Probe, master Master, opts ...Option) *Elector {
	e := &Elector{
		node:   node,
		probe:  probe,
		master: master,
		period: 2 * time.Second,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sched = scheduler.New("election", scheduler.Periodic{Delay: e.period}, e.Tick,
		scheduler.WithLogger(e.logger),
		scheduler.WithTimeout(e.period),
		scheduler.WithClock(e.clock),
	)
	return e
}

// Start begins probing. The first probe runs immediately.
func (e *Elector) Start() { e.sched.Start() }

// Stop ends probing and steps down if this node is master.
func (e *Elector) Stop(ctx context.Context) {
	e.sched.Stop(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.master.Running() {
		e.master.Stop(ctx)
	}
	if e.role == Primary {
		e.logger.Info("stepped down", slog.String("node", e.node))
	}
	e.role = Secondary
}

// Role returns the node's current role.
func (e *Elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// IsMaster reports whether this node runs the master.
func (e *Elector) IsMaster() bool { return e.Role() == Primary }

// Tick runs one election round. A failed probe changes nothing.
func (e *Elector) Tick(ctx context.Context) error {
	consuming, err := e.probe.IsMasterConsuming(ctx)
	if err != nil {
		return fmt.Errorf("election: probe master queue: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	running := e.master.Running()
	switch {
	case consuming && running:
		e.role = Primary
	case consuming:
		e.role = Secondary
	case running:
		// Our master is up but the broker sees no consumer: its channel
		// died underneath it.
		e.logger.Warn("master consumer lost, restarting local master", slog.String("node", e.node))
		e.master.Stop(ctx)
		e.tryPromoteLocked(ctx)
	default:
		e.tryPromoteLocked(ctx)
	}
	return nil
}

func (e *Elector) tryPromoteLocked(ctx context.Context) {
	if err := e.master.Start(ctx); err != nil {
		e.role = Secondary
		e.logger.Info("master already taken, staying secondary",
			slog.String("node", e.node),
			slog.String("error", err.Error()),
		)
		return
	}
	promoted := e.role != Primary
	e.role = Primary
	if promoted {
		e.logger.Info("promoted to master", slog.String("node", e.node))
		if e.emitter != nil {
			e.emitter.EmitMasterPromoted(ctx, e.node)
		}
	}
}
