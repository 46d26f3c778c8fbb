package node_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/allocation"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/channel/memory"
	historymem "github.com/xraph/fabric/history/memory"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/node"
	"github.com/xraph/fabric/subscription"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(name string) fabric.Config {
	cfg := fabric.DefaultConfig()
	cfg.BrokerKind = "memory"
	cfg.NodeName = name
	cfg.HeartbeatPeriod = 10 * time.Millisecond
	cfg.LivenessPeriod = 10 * time.Millisecond
	cfg.LivenessTimeout = 300 * time.Millisecond
	cfg.RecoveryPeriod = 10 * time.Millisecond
	cfg.RecoveryRate = 0
	cfg.ElectionPeriod = 20 * time.Millisecond
	cfg.ChannelRetryBackoff = time.Millisecond
	cfg.RequestPurgePeriod = 50 * time.Millisecond
	return cfg
}

type harness struct {
	broker channel.Broker
	store  *historymem.Store
	runs   atomic.Int64
	reg    *subscription.Registry
}

func newHarness() *harness {
	h := &harness{broker: memory.New(), store: historymem.New(), reg: subscription.NewRegistry()}
	h.reg.Register("count", subscription.Bundle{
		OnEvent: func(context.Context, subscription.Event) ([]byte, error) {
			h.runs.Add(1)
			return nil, nil
		},
		Messages: map[string]subscription.MessageHandler{
			"echo": func(_ context.Context, p []byte) ([]byte, error) { return p, nil },
		},
	})
	return h
}

func (h *harness) start(t *testing.T, name string) *node.Node {
	t.Helper()
	n, err := node.New(testConfig(name), h.broker, h.store,
		node.WithRegistry(h.reg),
		node.WithHostProbe(node.StaticProbe{Host: name, CPU: 10, FreeMemory: 1 << 30}),
		node.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))),
	)
	if err != nil {
		t.Fatalf("node.New(%s): %v", name, err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	t.Cleanup(func() { n.Stop(context.Background()) })
	return n
}

func tick(name string) *subscription.CyclicalDefinition {
	return &subscription.CyclicalDefinition{
		Spec:  subscription.Spec{Name: name, Handler: "count"},
		Delay: 5 * time.Millisecond,
	}
}

func resolved(t *testing.T, m interface {
	RequestStatus(id.RequestID) (allocation.Request, error)
}, reqID id.RequestID) allocation.Request {
	t.Helper()
	var req allocation.Request
	waitFor(t, "request "+reqID.String(), func() bool {
		r, err := m.RequestStatus(reqID)
		if err != nil {
			return false
		}
		req = r
		return r.Status.Terminal()
	})
	return req
}

func TestNewRejectsInvalidInput(t *testing.T) {
	if _, err := node.New(fabric.DefaultConfig(), memory.New(), nil); !errors.Is(err, fabric.ErrInvalidConfig) {
		t.Errorf("missing node name = %v", err)
	}
	if _, err := node.New(testConfig("a"), nil, nil); !errors.Is(err, fabric.ErrNoBroker) {
		t.Errorf("nil broker = %v", err)
	}
}

func TestSingleNodeRunsUploadedSubscription(t *testing.T) {
	h := newHarness()
	a := h.start(t, "a")
	ctx := context.Background()

	waitFor(t, "promotion", a.IsMaster)
	waitFor(t, "self in membership", func() bool {
		subs, err := a.Master().ListSubscribers()
		return err == nil && len(subs) == 1 && subs[0].Node == "a"
	})

	reqID, err := a.Master().UploadSubscriptions(ctx, []subscription.Definition{tick("tick")}, "")
	if err != nil {
		t.Fatalf("UploadSubscriptions: %v", err)
	}
	if req := resolved(t, a.Master(), reqID); req.Status != allocation.StatusOK {
		t.Fatalf("upload = %+v", req)
	}
	waitFor(t, "cycles", func() bool { return h.runs.Load() >= 2 })

	waitFor(t, "reported subscription", func() bool {
		s, err := a.Master().GetSubscriptionStatus("tick")
		return err == nil && s.Node == "a"
	})
	entries, err := h.store.QueryByName(ctx, "tick")
	if err != nil || len(entries) == 0 || entries[0].Node != "a" {
		t.Errorf("history = %v, %v", entries, err)
	}
}

func TestControlMessageRoundTrip(t *testing.T) {
	h := newHarness()
	a := h.start(t, "a")
	ctx := context.Background()
	waitFor(t, "promotion", a.IsMaster)
	waitFor(t, "self in membership", func() bool { return a.Master().Members().Len() == 1 })

	reqID, err := a.Master().UploadSubscriptions(ctx, []subscription.Definition{tick("tick")}, "a")
	if err != nil {
		t.Fatalf("UploadSubscriptions: %v", err)
	}
	resolved(t, a.Master(), reqID)
	waitFor(t, "reported subscription", func() bool {
		_, err := a.Master().GetSubscriptionStatus("tick")
		return err == nil
	})

	reqID, err = a.Master().ControlSubscription(ctx, "tick", "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("ControlSubscription: %v", err)
	}
	req := resolved(t, a.Master(), reqID)
	if req.Status != allocation.StatusOK || string(req.Reply) != "hello" {
		t.Errorf("control = %+v", req)
	}
}

func TestStopAndRemove(t *testing.T) {
	h := newHarness()
	a := h.start(t, "a")
	ctx := context.Background()
	waitFor(t, "promotion", a.IsMaster)
	waitFor(t, "self in membership", func() bool { return a.Master().Members().Len() == 1 })

	reqID, _ := a.Master().UploadSubscriptions(ctx, []subscription.Definition{tick("tick")}, "")
	resolved(t, a.Master(), reqID)
	waitFor(t, "reported subscription", func() bool {
		_, err := a.Master().GetSubscriptionStatus("tick")
		return err == nil
	})

	reqID, err := a.Master().SetSubscriptions(ctx, []string{"tick"}, false)
	if err != nil {
		t.Fatalf("SetSubscriptions: %v", err)
	}
	if req := resolved(t, a.Master(), reqID); req.Status != allocation.StatusOK {
		t.Fatalf("stop = %+v", req)
	}
	sub, ok := a.Pool().Get("tick")
	if !ok || sub.Status() != subscription.StatusStopped {
		t.Fatal("subscription still running after stop")
	}

	reqID, err = a.Master().RemoveSubscriptions(ctx, []string{"tick"})
	if err != nil {
		t.Fatalf("RemoveSubscriptions: %v", err)
	}
	if req := resolved(t, a.Master(), reqID); req.Status != allocation.StatusOK {
		t.Fatalf("remove = %+v", req)
	}
	if a.Pool().Len() != 0 {
		t.Error("subscription still hosted after remove")
	}
	if active, _ := h.store.QueryLastActiveBySubscriber(ctx, "a"); len(active) != 0 {
		t.Errorf("removed subscription still active in history: %+v", active)
	}
}

func TestSecondNodeTakesOverAndRecovers(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	a := h.start(t, "a")
	waitFor(t, "promotion of a", a.IsMaster)
	b := h.start(t, "b")
	waitFor(t, "both nodes", func() bool { return a.Master().Members().Len() == 2 })
	if b.IsMaster() {
		t.Fatal("two masters")
	}

	reqID, err := a.Master().UploadSubscriptions(ctx, []subscription.Definition{tick("tick")}, "a")
	if err != nil {
		t.Fatalf("UploadSubscriptions: %v", err)
	}
	if req := resolved(t, a.Master(), reqID); req.Status != allocation.StatusOK {
		t.Fatalf("upload = %+v", req)
	}

	a.Stop(ctx)
	waitFor(t, "promotion of b", b.IsMaster)
	waitFor(t, "recovery on b", func() bool {
		_, ok := b.Pool().Get("tick")
		return ok
	})
	before := h.runs.Load()
	waitFor(t, "cycles on b", func() bool { return h.runs.Load() > before })

	subs, err := b.Master().ListSubscribers()
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.Node)
	}
	if slices.Contains(names, "a") {
		t.Errorf("stopped node still listed: %v", names)
	}
}
