// Package pool holds the subscriptions hosted by one node.
//
// Uploads are idempotent: a definition whose fingerprint matches the
// hosted one is left untouched. Every change is appended to the history
// store so the master can re-home the subscriptions of a lost node.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithHistory records pool changes in store.
func WithHistory(store history.Store) Option {
	return func(p *Pool) { p.history = store }
}

// Pool is the set of subscriptions hosted by one node. It is safe for
// concurrent use.
type Pool struct {
	env     *subscription.Env
	history history.Store
	logger  *slog.Logger

	// ops serializes changes. mu guards subs only and is never held
	// across a subscription Start or Stop, so readers such as the
	// heartbeat stay responsive while a slow event drains.
	ops  sync.Mutex
	mu   sync.Mutex
	subs map[string]*subscription.Subscription
}

// New creates an empty pool building subscriptions in env.
func New(env *subscription.Env, opts ...Option) *Pool {
	p := &Pool{
		env:    env,
		logger: slog.Default(),
		subs:   make(map[string]*subscription.Subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload hosts defs. A definition identical to the hosted one is a no-op;
// a changed one replaces it. Definitions whose carried status is not
// stopped are started.
func (p *Pool) Upload(ctx context.Context, defs []subscription.Definition) []protocol.Result {
	p.ops.Lock()
	defer p.ops.Unlock()

	results := make([]protocol.Result, 0, len(defs))
	for _, def := range defs {
		results = append(results, p.upload(ctx, def))
	}
	return results
}

func (p *Pool) upload(ctx context.Context, def subscription.Definition) protocol.Result {
	name := def.Meta().Name
	fp, err := subscription.Fingerprint(def)
	if err != nil {
		return failed(name, err)
	}

	p.mu.Lock()
	cur, ok := p.subs[name]
	if ok && cur.Fingerprint() == fp {
		p.mu.Unlock()
		p.logger.Debug("subscription unchanged", slog.String("subscription", name))
		return protocol.Result{Name: name, Outcome: protocol.OutcomeOK}
	}
	if ok {
		delete(p.subs, name)
	}
	p.mu.Unlock()

	if ok {
		p.logger.Info("replacing subscription", slog.String("subscription", name))
		cur.Stop(ctx, true)
	}

	sub, err := subscription.New(def, p.env)
	if err != nil {
		p.logger.Error("subscription rejected",
			slog.String("subscription", name),
			slog.String("error", err.Error()),
		)
		return failed(name, err)
	}
	p.mu.Lock()
	p.subs[name] = sub
	p.mu.Unlock()

	if def.Runtime().Status.Active() {
		if err := sub.Start(ctx); err != nil {
			p.record(ctx, sub, history.ActionUpload)
			return failed(name, err)
		}
	}
	p.record(ctx, sub, history.ActionUpload)
	return protocol.Result{Name: name, Outcome: protocol.OutcomeOK}
}

// Remove stops and drops the named subscriptions.
func (p *Pool) Remove(ctx context.Context, names []string) []protocol.Result {
	p.ops.Lock()
	defer p.ops.Unlock()

	results := make([]protocol.Result, 0, len(names))
	for _, name := range names {
		p.mu.Lock()
		sub, ok := p.subs[name]
		delete(p.subs, name)
		p.mu.Unlock()
		if !ok {
			results = append(results, failed(name, fabric.ErrSubscriptionNotFound))
			continue
		}
		sub.Stop(ctx, true)
		p.record(ctx, sub, history.ActionRemove)
		results = append(results, protocol.Result{Name: name, Outcome: protocol.OutcomeOK})
	}
	return results
}

// SetStatus starts or stops the named subscriptions.
func (p *Pool) SetStatus(ctx context.Context, names []string, start bool) []protocol.Result {
	p.ops.Lock()
	defer p.ops.Unlock()

	results := make([]protocol.Result, 0, len(names))
	for _, name := range names {
		sub, ok := p.Get(name)
		if !ok {
			results = append(results, failed(name, fabric.ErrSubscriptionNotFound))
			continue
		}
		if start {
			if err := sub.Start(ctx); err != nil {
				results = append(results, failed(name, err))
				continue
			}
			p.record(ctx, sub, history.ActionStart)
		} else {
			sub.Stop(ctx, true)
			p.record(ctx, sub, history.ActionStop)
		}
		results = append(results, protocol.Result{Name: name, Outcome: protocol.OutcomeOK})
	}
	return results
}

// HandleMessage passes a named control message to a hosted subscription.
func (p *Pool) HandleMessage(ctx context.Context, name, message string, payload []byte) ([]byte, error) {
	sub, ok := p.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", fabric.ErrSubscriptionNotFound, name)
	}
	return sub.HandleMessage(ctx, message, payload)
}

// Get returns the hosted subscription called name.
func (p *Pool) Get(name string) (*subscription.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[name]
	return sub, ok
}

// List returns the hosted subscriptions sorted by name.
func (p *Pool) List() []*subscription.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*subscription.Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Summaries returns the summaries of the hosted subscriptions sorted by
// name.
func (p *Pool) Summaries() []subscription.Summary {
	subs := p.List()
	out := make([]subscription.Summary, len(subs))
	for i, sub := range subs {
		out[i] = sub.Summary()
	}
	return out
}

// Len returns the number of hosted subscriptions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close stops every subscription without recording the change, so the
// master re-homes them once this node is evicted.
func (p *Pool) Close(ctx context.Context) {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	subs := make([]*subscription.Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[string]*subscription.Subscription)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Stop(ctx, true)
		}()
	}
	wg.Wait()
}

// record appends a history entry for sub. Failures are logged.
func (p *Pool) record(ctx context.Context, sub *subscription.Subscription, action history.Action) {
	if p.history == nil {
		return
	}
	doc, err := subscription.Encode(sub.Definition())
	if err != nil {
		p.logger.Warn("history encode failed",
			slog.String("subscription", sub.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	entry := &history.Entry{
		Subscription: sub.Name(),
		Node:         p.env.Node,
		Kind:         sub.Kind(),
		Action:       action,
		Fingerprint:  sub.Fingerprint(),
		Definition:   doc,
		RecordedAt:   time.Now().UTC(),
	}
	if err := p.history.Insert(ctx, entry); err != nil {
		p.logger.Warn("history insert failed",
			slog.String("subscription", sub.Name()),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}
}

func failed(name string, err error) protocol.Result {
	return protocol.Result{Name: name, Outcome: protocol.OutcomeError, Error: err.Error()}
}
