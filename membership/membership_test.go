package membership_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

func heartbeat(node string, subs ...string) *protocol.Heartbeat {
	hb := &protocol.Heartbeat{Node: node, Host: node + ".local", CPU: 12.5, FreeMemory: 1 << 30}
	for _, s := range subs {
		hb.Subscriptions = append(hb.Subscriptions, subscription.Summary{Name: s, Node: node})
	}
	return hb
}

func TestUpsertTracksJoins(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := membership.New(membership.WithClock(clock))

	if !table.Upsert(heartbeat("n1", "a")) {
		t.Error("first heartbeat not reported as a join")
	}
	joined := clock.Now()
	clock.Advance(time.Second)
	if table.Upsert(heartbeat("n1", "a", "b")) {
		t.Error("second heartbeat reported as a join")
	}

	e, ok := table.Get("n1")
	if !ok {
		t.Fatal("n1 missing")
	}
	if e.SubscriptionCount != 2 || e.Host != "n1.local" || e.CPU != 12.5 {
		t.Errorf("entry = %+v", e)
	}
	if !e.JoinedAt.Equal(joined) || !e.LastSeen.Equal(clock.Now()) {
		t.Errorf("joined/last seen = %s/%s", e.JoinedAt, e.LastSeen)
	}
}

func TestSweepEvictsSilentNodes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := membership.New(membership.WithClock(clock))
	table.Upsert(heartbeat("n1"))
	table.Upsert(heartbeat("n2"))

	clock.Advance(600 * time.Millisecond)
	table.Upsert(heartbeat("n2"))
	clock.Advance(600 * time.Millisecond)

	evicted := table.Sweep(time.Second)
	if len(evicted) != 1 || evicted[0].Node != "n1" {
		t.Fatalf("evicted = %+v", evicted)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
	if again := table.Sweep(time.Second); len(again) != 0 {
		t.Errorf("second sweep evicted %+v", again)
	}
}

func TestLocateAndSnapshot(t *testing.T) {
	table := membership.New()
	table.Upsert(heartbeat("n2", "x"))
	table.Upsert(heartbeat("n1", "y"))

	snap := table.Snapshot()
	if len(snap) != 2 || snap[0].Node != "n1" || snap[1].Node != "n2" {
		t.Fatalf("snapshot = %+v", snap)
	}
	e, s, ok := table.Locate("x")
	if !ok || e.Node != "n2" || s.Name != "x" {
		t.Errorf("Locate(x) = %s %s %v", e.Node, s.Name, ok)
	}
	if _, _, ok := table.Locate("z"); ok {
		t.Error("Locate found a missing subscription")
	}
	if _, ok := table.Remove("n1"); !ok || table.Len() != 1 {
		t.Error("Remove did not drop n1")
	}
}
