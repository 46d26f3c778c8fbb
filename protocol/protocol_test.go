package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

func TestUploadRequestCarriesDefinitions(t *testing.T) {
	defs := []subscription.Definition{
		&subscription.CyclicalDefinition{Spec: subscription.Spec{Name: "tick", Handler: "tick"}, Delay: time.Second},
		&subscription.MultiInputDefinition{Spec: subscription.Spec{Name: "join", Handler: "join"}, Senders: []string{"a", "b"}},
	}
	req, err := protocol.NewUploadRequest(defs, true)
	if err != nil {
		t.Fatalf("NewUploadRequest: %v", err)
	}
	reqID := id.NewRequestID()
	msg, err := protocol.New(protocol.TypeUploadRequest, reqID, req)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != protocol.TypeUploadRequest || got.ID.String() != reqID.String() {
		t.Fatalf("decoded header = %s %s", got.Type, got.ID)
	}
	var body protocol.UploadRequest
	if err := got.Into(&body); err != nil {
		t.Fatalf("Into: %v", err)
	}
	if !body.Recovery {
		t.Error("recovery flag lost")
	}
	back, err := subscription.DecodeAll(body.Definitions)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(back) != 2 || back[1].TypeTag() != subscription.KindMultiInput || back[0].Meta().Name != "tick" {
		t.Errorf("definitions = %v", subscription.Names(back))
	}
}

func TestDecodeTextFallback(t *testing.T) {
	body, err := json.Marshal(protocol.SetStatusRequest{Names: []string{"a"}, Start: true})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := json.Marshal(map[string]any{"type": "set_status_request", "body": body})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := protocol.Decode(doc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.ID.IsNil() {
		t.Errorf("ID = %s, want nil", msg.ID)
	}
	var req protocol.SetStatusRequest
	if err := msg.Into(&req); err != nil {
		t.Fatalf("Into: %v", err)
	}
	if !req.Start || len(req.Names) != 1 || req.Names[0] != "a" {
		t.Errorf("request = %+v", req)
	}
}

func TestDecodeRejectsUntyped(t *testing.T) {
	if _, err := protocol.Decode([]byte(`{"body":null}`)); err == nil {
		t.Error("untyped message decoded")
	}
}

func TestHeartbeatNames(t *testing.T) {
	hb := protocol.Heartbeat{Subscriptions: []subscription.Summary{{Name: "a"}, {Name: "b"}}}
	if got := hb.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
	if !protocol.TypeControlResponse.IsResponse() || protocol.TypeHeartbeat.IsResponse() {
		t.Error("IsResponse misclassifies types")
	}
}
