package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fabric/channel/memory"
	"github.com/xraph/fabric/history"
	historymem "github.com/xraph/fabric/history/memory"
	"github.com/xraph/fabric/pool"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

func newPool(t *testing.T) (*pool.Pool, *historymem.Store, *atomic.Int64) {
	t.Helper()
	var runs atomic.Int64
	reg := subscription.NewRegistry()
	reg.RegisterFunc("count", func(context.Context, subscription.Event) ([]byte, error) {
		runs.Add(1)
		return nil, nil
	})
	reg.Register("ctl", subscription.Bundle{
		OnEvent: func(context.Context, subscription.Event) ([]byte, error) { return nil, nil },
		Messages: map[string]subscription.MessageHandler{
			"echo": func(_ context.Context, p []byte) ([]byte, error) { return p, nil },
		},
	})
	store := historymem.New()
	env := &subscription.Env{Node: "node-a", Broker: memory.New(), Registry: reg}
	p := pool.New(env, pool.WithHistory(store))
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, store, &runs
}

func cyclical(name string, delay time.Duration) *subscription.CyclicalDefinition {
	return &subscription.CyclicalDefinition{
		Spec:  subscription.Spec{Name: name, Handler: "count"},
		Delay: delay,
	}
}

func ok(t *testing.T, results []protocol.Result) {
	t.Helper()
	for _, r := range results {
		if r.Outcome != protocol.OutcomeOK {
			t.Fatalf("result for %s = %s (%s)", r.Name, r.Outcome, r.Error)
		}
	}
}

func TestUploadIsIdempotent(t *testing.T) {
	p, store, _ := newPool(t)
	ctx := context.Background()

	ok(t, p.Upload(ctx, []subscription.Definition{cyclical("tick", time.Hour)}))
	first, _ := p.Get("tick")
	ok(t, p.Upload(ctx, []subscription.Definition{cyclical("tick", time.Hour)}))
	second, _ := p.Get("tick")
	if first != second {
		t.Error("identical upload replaced the subscription")
	}
	if entries, _ := store.QueryByName(ctx, "tick"); len(entries) != 1 {
		t.Errorf("history entries = %d, want 1", len(entries))
	}

	ok(t, p.Upload(ctx, []subscription.Definition{cyclical("tick", time.Minute)}))
	third, _ := p.Get("tick")
	if third == first {
		t.Error("changed upload kept the old subscription")
	}
	if first.Status() != subscription.StatusStopped {
		t.Error("replaced subscription still running")
	}
	if third.Status() == subscription.StatusStopped {
		t.Error("replacement not started")
	}
}

func TestUploadKeepsStoppedStatus(t *testing.T) {
	p, _, _ := newPool(t)
	def := cyclical("paused", time.Millisecond)
	def.State.Status = subscription.StatusStopped

	ok(t, p.Upload(context.Background(), []subscription.Definition{def}))
	sub, found := p.Get("paused")
	if !found {
		t.Fatal("subscription not hosted")
	}
	if sub.Status() != subscription.StatusStopped {
		t.Errorf("status = %s, want stopped", sub.Status())
	}
}

func TestUploadRejectsUnknownHandler(t *testing.T) {
	p, _, _ := newPool(t)
	def := &subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "q", Handler: "nope"}}
	res := p.Upload(context.Background(), []subscription.Definition{def})
	if len(res) != 1 || res[0].Outcome != protocol.OutcomeError || res[0].Error == "" {
		t.Fatalf("results = %+v", res)
	}
	if p.Len() != 0 {
		t.Error("rejected definition is hosted")
	}
}

func TestSetStatusAndRemove(t *testing.T) {
	p, store, runs := newPool(t)
	ctx := context.Background()
	ok(t, p.Upload(ctx, []subscription.Definition{cyclical("tick", time.Millisecond)}))

	ok(t, p.SetStatus(ctx, []string{"tick"}, false))
	n := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != n {
		t.Error("stopped subscription kept running")
	}

	ok(t, p.SetStatus(ctx, []string{"tick"}, true))
	deadline := time.Now().Add(time.Second)
	for runs.Load() == n && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if runs.Load() == n {
		t.Error("restarted subscription did not run")
	}

	res := p.SetStatus(ctx, []string{"missing"}, true)
	if res[0].Outcome != protocol.OutcomeError {
		t.Errorf("missing name outcome = %s", res[0].Outcome)
	}

	ok(t, p.Remove(ctx, []string{"tick"}))
	if p.Len() != 0 {
		t.Error("removed subscription still hosted")
	}

	entries, _ := store.QueryByName(ctx, "tick")
	actions := make([]history.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	want := []history.Action{history.ActionRemove, history.ActionStart, history.ActionStop, history.ActionUpload}
	if len(actions) != len(want) {
		t.Fatalf("history = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("history = %v, want %v", actions, want)
		}
	}
	if live, _ := store.QueryLastActiveBySubscriber(ctx, "node-a"); len(live) != 0 {
		t.Errorf("removed subscription still live in history: %+v", live)
	}
}

func TestCloseLeavesHistoryLive(t *testing.T) {
	p, store, _ := newPool(t)
	ctx := context.Background()
	ok(t, p.Upload(ctx, []subscription.Definition{cyclical("a", time.Hour), cyclical("b", time.Hour)}))

	p.Close(ctx)
	if p.Len() != 0 {
		t.Error("Close kept subscriptions")
	}
	live, _ := store.QueryLastActiveBySubscriber(ctx, "node-a")
	if len(live) != 2 {
		t.Fatalf("live entries = %d, want 2", len(live))
	}

	def, err := subscription.Decode(live[0].Definition)
	if err != nil {
		t.Fatalf("Decode history definition: %v", err)
	}
	if def.Meta().Name != "a" || def.Runtime().Starts.Int64() != 1 {
		t.Errorf("recorded definition = %s starts=%s", def.Meta().Name, def.Runtime().Starts)
	}
}

func TestSummariesAndMessages(t *testing.T) {
	p, _, _ := newPool(t)
	ctx := context.Background()
	ok(t, p.Upload(ctx, []subscription.Definition{
		&subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "z", Handler: "ctl"}},
		cyclical("a", time.Hour),
	}))

	sums := p.Summaries()
	if len(sums) != 2 || sums[0].Name != "a" || sums[1].Name != "z" {
		t.Fatalf("summaries = %+v", sums)
	}
	if sums[1].Node != "node-a" || sums[1].Kind != subscription.KindConsumer || sums[1].Fingerprint == "" {
		t.Errorf("summary = %+v", sums[1])
	}

	out, err := p.HandleMessage(ctx, "z", "echo", []byte("hi"))
	if err != nil || string(out) != "hi" {
		t.Errorf("HandleMessage = %q, %v", out, err)
	}
	if _, err := p.HandleMessage(ctx, "missing", "echo", nil); err == nil {
		t.Error("message to missing subscription succeeded")
	}
}

func TestSummariesStayResponsiveDuringSlowStop(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := subscription.NewRegistry()
	reg.RegisterFunc("block", func(context.Context, subscription.Event) ([]byte, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	})
	env := &subscription.Env{Node: "node-a", Broker: memory.New(), Registry: reg}
	p := pool.New(env)
	ctx := context.Background()
	t.Cleanup(func() { p.Close(ctx) })
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	ok(t, p.Upload(ctx, []subscription.Definition{&subscription.CyclicalDefinition{
		Spec:  subscription.Spec{Name: "slow", Handler: "block"},
		Delay: time.Millisecond,
	}}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never ran")
	}

	removed := make(chan []protocol.Result)
	go func() { removed <- p.Remove(ctx, []string{"slow"}) }()
	time.Sleep(20 * time.Millisecond)

	listed := make(chan int)
	go func() { listed <- len(p.Summaries()) }()
	select {
	case <-listed:
	case <-time.After(time.Second):
		t.Fatal("Summaries blocked behind a draining Stop")
	}
	select {
	case <-removed:
		t.Fatal("Remove returned before the running cycle finished")
	default:
	}

	unblock()
	select {
	case results := <-removed:
		ok(t, results)
	case <-time.After(2 * time.Second):
		t.Fatal("Remove never returned")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after Remove", p.Len())
	}
}
