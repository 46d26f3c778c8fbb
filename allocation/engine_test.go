package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/allocation"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

type sent struct {
	target string
	msg    *protocol.Message
}

type spyPublisher struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (p *spyPublisher) Publish(_ context.Context, target string, payload []byte) error {
	if p.fail[target] {
		return errors.New("unreachable")
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{target: target, msg: msg})
	return nil
}

func (p *spyPublisher) to(target string) []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Message
	for _, s := range p.sent {
		if s.target == target {
			out = append(out, s.msg)
		}
	}
	return out
}

type spyEmitter struct {
	mu       sync.Mutex
	statuses []string
}

func (e *spyEmitter) EmitRequestResolved(_ context.Context, _ id.RequestID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func (e *spyEmitter) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.statuses...)
}

func cluster(hosted map[string][]string) *membership.Table {
	members := membership.New()
	for node, names := range hosted {
		hb := &protocol.Heartbeat{Node: node}
		for _, n := range names {
			hb.Subscriptions = append(hb.Subscriptions, subscription.Summary{Name: n, Node: node})
		}
		members.Upsert(hb)
	}
	return members
}

func respond(t *testing.T, e *allocation.Engine, req *protocol.Message, outcome protocol.Outcome) {
	t.Helper()
	var names []string
	switch req.Type {
	case protocol.TypeUploadRequest:
		var body protocol.UploadRequest
		if err := req.Into(&body); err != nil {
			t.Fatalf("Into: %v", err)
		}
		defs, err := subscription.DecodeAll(body.Definitions)
		if err != nil {
			t.Fatalf("DecodeAll: %v", err)
		}
		names = subscription.Names(defs)
	case protocol.TypeRemoveRequest:
		var body protocol.RemoveRequest
		if err := req.Into(&body); err != nil {
			t.Fatalf("Into: %v", err)
		}
		names = body.Names
	}
	resp := &protocol.Response{}
	for _, n := range names {
		r := protocol.Result{Name: n, Outcome: outcome}
		if outcome != protocol.OutcomeOK {
			r.Error = "failed"
		}
		resp.Results = append(resp.Results, r)
	}
	respType := protocol.TypeUploadResponse
	if req.Type == protocol.TypeRemoveRequest {
		respType = protocol.TypeRemoveResponse
	}
	msg, err := protocol.New(respType, req.ID, resp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.HandleResponse(context.Background(), msg); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
}

func TestEngineUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	pub := &spyPublisher{}
	em := &spyEmitter{}
	e := allocation.NewEngine(allocation.Occupation, cluster(map[string][]string{"a": nil, "b": {"old"}}),
		allocation.NewTracker(), pub, allocation.WithEmitter(em))

	reqID := id.NewRequestID()
	deferred, err := e.Upload(ctx, defs(3), "", reqID, false)
	if err != nil || len(deferred) != 0 {
		t.Fatalf("Upload = %v, %v", deferred, err)
	}

	toA, toB := pub.to("a"), pub.to("b")
	if len(toA) != 1 || len(toB) != 1 {
		t.Fatalf("sent a:%d b:%d, want one each", len(toA), len(toB))
	}
	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusWaiting {
		t.Errorf("status before responses = %s", got.Status)
	}

	respond(t, e, toA[0], protocol.OutcomeOK)
	if len(em.all()) != 0 {
		t.Error("parent reported resolved with a child still waiting")
	}
	respond(t, e, toB[0], protocol.OutcomeOK)

	got, _ := e.Tracker().Get(reqID)
	if got.Status != allocation.StatusOK {
		t.Errorf("status = %s, want ok", got.Status)
	}
	if len(got.Results) != 3 {
		t.Errorf("results = %d, want 3", len(got.Results))
	}
	if s := em.all(); len(s) != 1 || s[0] != "ok" {
		t.Errorf("emitted = %v, want [ok]", s)
	}

	// A duplicate response is ignored.
	respond(t, e, toA[0], protocol.OutcomeError)
	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusOK {
		t.Errorf("status after stale response = %s", got.Status)
	}
}

func TestEngineUploadFailedResult(t *testing.T) {
	pub := &spyPublisher{}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": nil}), allocation.NewTracker(), pub)
	reqID := id.NewRequestID()
	if _, err := e.Upload(context.Background(), defs(2), "", reqID, false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	respond(t, e, pub.to("a")[0], protocol.OutcomeError)
	got, _ := e.Tracker().Get(reqID)
	if got.Status != allocation.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestEngineUploadTarget(t *testing.T) {
	ctx := context.Background()
	pub := &spyPublisher{}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": nil, "b": nil}), allocation.NewTracker(), pub)

	if _, err := e.Upload(ctx, defs(2), "b", id.NewRequestID(), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(pub.to("a")) != 0 || len(pub.to("b")) != 1 {
		t.Error("explicit target ignored")
	}

	reqID := id.NewRequestID()
	_, err := e.Upload(ctx, defs(1), "gone", reqID, false)
	if !errors.Is(err, fabric.ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestEngineRecoveryDefersUnplaced(t *testing.T) {
	pub := &spyPublisher{}
	e := allocation.NewEngine(allocation.Fixed, cluster(map[string][]string{"a": nil}), allocation.NewTracker(), pub)

	batch := defs(2)
	batch[0].Meta().Target = "a"
	batch[1].Meta().Target = "gone"

	deferred, err := e.Upload(context.Background(), batch, "", id.NewRequestID(), true)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(deferred) != 1 || deferred[0].Meta().Name != "sub-01" {
		t.Errorf("deferred = %v", subscription.Names(deferred))
	}

	var body protocol.UploadRequest
	if err := pub.to("a")[0].Into(&body); err != nil {
		t.Fatalf("Into: %v", err)
	}
	if !body.Recovery || len(body.Definitions) != 1 {
		t.Errorf("upload = recovery:%v defs:%d", body.Recovery, len(body.Definitions))
	}
}

func TestEngineUploadWithoutNodes(t *testing.T) {
	e := allocation.NewEngine(allocation.CPU, membership.New(), allocation.NewTracker(), &spyPublisher{})
	batch := defs(2)

	if _, err := e.Upload(context.Background(), batch, "", id.NewRequestID(), false); !errors.Is(err, fabric.ErrNoLiveNodes) {
		t.Errorf("err = %v, want ErrNoLiveNodes", err)
	}
	deferred, err := e.Upload(context.Background(), batch, "", id.NewRequestID(), true)
	if !errors.Is(err, fabric.ErrNoLiveNodes) || len(deferred) != 2 {
		t.Errorf("recovery = %d deferred, %v", len(deferred), err)
	}
}

func TestEngineRemove(t *testing.T) {
	ctx := context.Background()
	pub := &spyPublisher{}
	em := &spyEmitter{}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": {"x", "y"}, "b": {"z"}}),
		allocation.NewTracker(), pub, allocation.WithEmitter(em))

	reqID := id.NewRequestID()
	if err := e.Remove(ctx, []string{"x", "z", "missing"}, reqID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	toA, toB := pub.to("a"), pub.to("b")
	if len(toA) != 1 || len(toB) != 1 {
		t.Fatalf("sent a:%d b:%d", len(toA), len(toB))
	}
	var body protocol.RemoveRequest
	if err := toA[0].Into(&body); err != nil || len(body.Names) != 1 || body.Names[0] != "x" {
		t.Errorf("remove body = %+v, %v", body, err)
	}

	respond(t, e, toA[0], protocol.OutcomeOK)
	respond(t, e, toB[0], protocol.OutcomeOK)
	got, _ := e.Tracker().Get(reqID)
	if got.Status != allocation.StatusError {
		t.Errorf("status with a missing name = %s, want error", got.Status)
	}
	if s := em.all(); len(s) != 1 || s[0] != "error" {
		t.Errorf("emitted = %v", s)
	}
}

func TestEngineRemoveUnknown(t *testing.T) {
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": {"x"}}), allocation.NewTracker(), &spyPublisher{})
	reqID := id.NewRequestID()
	err := e.Remove(context.Background(), []string{"nope"}, reqID)
	if !errors.Is(err, fabric.ErrSubscriptionNotFound) {
		t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
	}
	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestEngineControl(t *testing.T) {
	ctx := context.Background()
	pub := &spyPublisher{}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": {"x"}}), allocation.NewTracker(), pub)

	reqID := id.NewRequestID()
	if err := e.Control(ctx, "x", "ping", []byte("hi"), reqID); err != nil {
		t.Fatalf("Control: %v", err)
	}
	sentMsgs := pub.to("a")
	if len(sentMsgs) != 1 || sentMsgs[0].Type != protocol.TypeControlRequest {
		t.Fatalf("sent = %v", sentMsgs)
	}

	resp, _ := protocol.New(protocol.TypeControlResponse, sentMsgs[0].ID, &protocol.ControlResponse{
		Node: "a", Subscription: "x", Payload: []byte("pong"),
	})
	if err := e.HandleResponse(ctx, resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	got, _ := e.Tracker().Get(reqID)
	child, _ := e.Tracker().Get(got.Children[0])
	if got.Status != allocation.StatusOK || string(child.Reply) != "pong" {
		t.Errorf("parent = %s, reply = %q", got.Status, child.Reply)
	}
}

func TestEngineRejectsNonResponse(t *testing.T) {
	e := allocation.NewEngine(allocation.CPU, membership.New(), allocation.NewTracker(), &spyPublisher{})
	msg, _ := protocol.New(protocol.TypeHeartbeat, id.RequestID{}, &protocol.Heartbeat{Node: "a"})
	if err := e.HandleResponse(context.Background(), msg); err == nil {
		t.Error("heartbeat accepted as a response")
	}
}

func TestEngineEvict(t *testing.T) {
	pub := &spyPublisher{}
	em := &spyEmitter{}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": nil}), allocation.NewTracker(), pub,
		allocation.WithEmitter(em))

	reqID := id.NewRequestID()
	if _, err := e.Upload(context.Background(), defs(1), "", reqID, false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	e.Evict(context.Background(), "a")

	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
	if s := em.all(); len(s) != 1 || s[0] != "deleted" {
		t.Errorf("emitted = %v", s)
	}
}

func TestEnginePublishFailure(t *testing.T) {
	pub := &spyPublisher{fail: map[string]bool{"a": true}}
	e := allocation.NewEngine(allocation.CPU, cluster(map[string][]string{"a": nil}), allocation.NewTracker(), pub)
	reqID := id.NewRequestID()
	if _, err := e.Upload(context.Background(), defs(1), "", reqID, false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got, _ := e.Tracker().Get(reqID); got.Status != allocation.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestEngineUploadKeepsHostedSubscriptions(t *testing.T) {
	pub := &spyPublisher{}
	e := allocation.NewEngine(allocation.Occupation, cluster(map[string][]string{"a": nil, "b": {"sub-01", "x", "y"}}),
		allocation.NewTracker(), pub)

	if _, err := e.Upload(context.Background(), defs(2), "", id.NewRequestID(), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	var toA, toB protocol.UploadRequest
	if err := pub.to("a")[0].Into(&toA); err != nil {
		t.Fatalf("Into a: %v", err)
	}
	if err := pub.to("b")[0].Into(&toB); err != nil {
		t.Fatalf("Into b: %v", err)
	}
	if len(toA.Definitions) != 1 || len(toB.Definitions) != 1 {
		t.Fatalf("a:%d b:%d, want one each", len(toA.Definitions), len(toB.Definitions))
	}
	def, err := subscription.Decode(toB.Definitions[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if def.Meta().Name != "sub-01" {
		t.Errorf("b received %s, want the subscription it already hosts", def.Meta().Name)
	}
}
