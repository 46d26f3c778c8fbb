package subscription_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/subscription"
)

func TestDefinitionRoundTripKeepsState(t *testing.T) {
	def := &subscription.CyclicalDefinition{
		Spec: subscription.Spec{
			Name:    "report",
			Handler: "report",
			Params:  map[string]string{"region": "eu"},
			Timeout: 30 * time.Second,
		},
		State: subscription.State{
			Status:    subscription.StatusRunning,
			Starts:    subscription.NewCounter(3),
			Stops:     subscription.NewCounter(2),
			Successes: subscription.NewCounter(41),
			Errors:    subscription.NewCounter(1),
		},
		Cron: "0 */2 * * *",
	}

	data, err := subscription.Encode(def)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := subscription.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	cyc, ok := got.(*subscription.CyclicalDefinition)
	if !ok {
		t.Fatalf("decoded %T, want *CyclicalDefinition", got)
	}
	if cyc.Name != "report" || cyc.Params["region"] != "eu" || cyc.Cron != def.Cron {
		t.Errorf("decoded spec = %+v", cyc.Spec)
	}
	if cyc.State.Status != subscription.StatusRunning {
		t.Errorf("status = %s, want running", cyc.State.Status)
	}
	if cyc.State.Starts.Int64() != 3 || cyc.State.Stops.Int64() != 2 {
		t.Errorf("starts/stops = %s/%s, want 3/2", cyc.State.Starts, cyc.State.Stops)
	}
	if cyc.State.Successes.Int64() != 41 || cyc.State.Errors.Int64() != 1 {
		t.Errorf("successes/errors = %s/%s, want 41/1", cyc.State.Successes, cyc.State.Errors)
	}
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	if _, err := subscription.Decode([]byte(`{"type":"webhook","data":{}}`)); !errors.Is(err, fabric.ErrUnknownType) {
		t.Errorf("unknown tag: err = %v, want ErrUnknownType", err)
	}
	if _, err := subscription.Decode([]byte(`{"type":"cyclical","data":{"name":"x","handler":"h"}}`)); !errors.Is(err, fabric.ErrInvalidDefinition) {
		t.Errorf("cyclical without schedule: err = %v, want ErrInvalidDefinition", err)
	}
	if _, err := subscription.Decode([]byte(`{"type":"cyclical","data":{"name":"x","handler":"h","cron":"nope"}}`)); !errors.Is(err, fabric.ErrInvalidDefinition) {
		t.Errorf("bad cron: err = %v, want ErrInvalidDefinition", err)
	}
	if _, err := subscription.Decode([]byte(`not json`)); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  subscription.Definition
		ok   bool
	}{
		{"consumer", &subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "orders", Handler: "h"}}, true},
		{"missing name", &subscription.ConsumerDefinition{Spec: subscription.Spec{Handler: "h"}}, false},
		{"space in name", &subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "a b", Handler: "h"}}, false},
		{"missing handler", &subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "orders"}}, false},
		{"delay and cron", &subscription.CyclicalDefinition{Spec: subscription.Spec{Name: "c", Handler: "h"}, Delay: time.Second, Cron: "* * * * *"}, false},
		{"delivery without receivers", &subscription.DeliveryDefinition{Spec: subscription.Spec{Name: "d", Handler: "h"}}, false},
		{"scheduled delivery", &subscription.DeliveryDefinition{Spec: subscription.Spec{Name: "d", Handler: "h"}, Receivers: []string{"x"}, Delay: time.Second}, true},
		{"duplicate sender", &subscription.MultiInputDefinition{Spec: subscription.Spec{Name: "m", Handler: "h"}, Senders: []string{"a", "a"}}, false},
		{"multi-input", &subscription.MultiInputDefinition{Spec: subscription.Spec{Name: "m", Handler: "h"}, Senders: []string{"a", "b"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, fabric.ErrInvalidDefinition) {
				t.Fatalf("Validate = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestFingerprintIgnoresRuntimeState(t *testing.T) {
	a := &subscription.ConsumerDefinition{Spec: subscription.Spec{Name: "orders", Handler: "h", Params: map[string]string{"x": "1", "y": "2"}}}
	b := &subscription.ConsumerDefinition{
		Spec:  subscription.Spec{Name: "orders", Handler: "h", Params: map[string]string{"y": "2", "x": "1"}},
		State: subscription.State{Status: subscription.StatusStopped, Successes: subscription.NewCounter(9)},
	}

	fa, err := subscription.Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fb, err := subscription.Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fa != fb {
		t.Errorf("equal content gave fingerprints %s and %s", fa, fb)
	}

	b.Workers = 4
	if fc, _ := subscription.Fingerprint(b); fc == fa {
		t.Error("changed worker count kept the fingerprint")
	}

	other := &subscription.MultiInputDefinition{Spec: a.Spec, Senders: []string{"x"}}
	if fo, _ := subscription.Fingerprint(other); fo == fa {
		t.Error("different kinds share a fingerprint")
	}
}

func TestKinds(t *testing.T) {
	got := strings.Join(subscription.Kinds(), ",")
	if got != "consumer,cyclical,delivery,multi_input" {
		t.Errorf("Kinds() = %s", got)
	}
}

func TestCounterBeyondInt64(t *testing.T) {
	c := subscription.NewCounter(1<<63 - 1).Inc()
	if c.String() != "9223372036854775808" {
		t.Fatalf("overflowed counter = %s", c)
	}

	text, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var back subscription.Counter
	if err := json.Unmarshal(text, &back); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	if back.Cmp(c) != 0 {
		t.Errorf("json round trip = %s, want %s", back, c)
	}

	bin, err := msgpack.Marshal(c)
	if err != nil {
		t.Fatalf("msgpack: %v", err)
	}
	var fromBin subscription.Counter
	if err := msgpack.Unmarshal(bin, &fromBin); err != nil {
		t.Fatalf("msgpack unmarshal: %v", err)
	}
	if fromBin.Cmp(c) != 0 {
		t.Errorf("msgpack round trip = %s, want %s", fromBin, c)
	}
}

func TestCounterZeroValue(t *testing.T) {
	var c subscription.Counter
	if !c.IsZero() || c.String() != "0" {
		t.Errorf("zero counter = %s", c)
	}
	if d := c.Add(5); d.Int64() != 5 || !c.IsZero() {
		t.Errorf("Add mutated the receiver or returned %s", d)
	}
}

func TestBarrierJoinsOldestFirst(t *testing.T) {
	b := subscription.NewBarrier([]string{"a", "b"}, 4)

	if got, err := b.Offer("a", []byte("a1")); err != nil || got != nil {
		t.Fatalf("Offer(a1) = %v, %v", got, err)
	}
	if got, err := b.Offer("a", []byte("a2")); err != nil || got != nil {
		t.Fatalf("Offer(a2) = %v, %v", got, err)
	}
	got, err := b.Offer("b", []byte("b1"))
	if err != nil {
		t.Fatalf("Offer(b1): %v", err)
	}
	if string(got["a"]) != "a1" || string(got["b"]) != "b1" {
		t.Errorf("joined = %q", got)
	}
	if n := b.Pending("a"); n != 1 {
		t.Errorf("pending a = %d, want 1", n)
	}
	if n := b.Pending("b"); n != 0 {
		t.Errorf("pending b = %d, want 0", n)
	}
}

func TestBarrierRejects(t *testing.T) {
	b := subscription.NewBarrier([]string{"a", "b"}, 1)
	if _, err := b.Offer("c", nil); !errors.Is(err, subscription.ErrUnknownSender) {
		t.Errorf("unknown sender: err = %v", err)
	}
	if _, err := b.Offer("a", []byte("1")); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := b.Offer("a", []byte("2")); !errors.Is(err, subscription.ErrBufferFull) {
		t.Errorf("full buffer: err = %v", err)
	}
	b.Reset()
	if n := b.Pending("a"); n != 0 {
		t.Errorf("pending after Reset = %d", n)
	}
}
