package id_test

import (
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/fabric/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"RequestID", id.NewRequestID, "req_"},
		{"MessageID", id.NewMessageID, "msg_"},
		{"EvictionID", id.NewEvictionID, "evc_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"RequestID", id.NewRequestID, id.ParseRequestID},
		{"MessageID", id.NewMessageID, id.ParseMessageID},
		{"EvictionID", id.NewEvictionID, id.Parse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseRequestID(id.NewMessageID().String()); err == nil {
		t.Error("ParseRequestID accepted a msg_ id")
	}
	if _, err := id.ParseMessageID(id.NewRequestID().String()); err == nil {
		t.Error("ParseMessageID accepted a req_ id")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewRequestID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	var nilID id.ID
	data, err = nilID.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText(nil) failed: %v", err)
	}
	var restored2 id.ID
	if err := restored2.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !restored2.IsNil() {
		t.Error("expected nil after round-trip of nil ID")
	}
}

func TestMsgpackField(t *testing.T) {
	type carrier struct {
		Request id.ID `msgpack:"request"`
		Empty   id.ID `msgpack:"empty"`
	}

	in := carrier{Request: id.NewRequestID()}
	data, err := msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out carrier
	if err := msgpack.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Request.String() != in.Request.String() {
		t.Errorf("request = %q, want %q", out.Request, in.Request)
	}
	if !out.Empty.IsNil() {
		t.Errorf("empty id should stay nil, got %q", out.Empty)
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewRequestID()
	b := id.NewRequestID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewRequestID() calls returned the same ID: %q", a.String())
	}
}
