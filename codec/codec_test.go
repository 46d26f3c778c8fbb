package codec_test

import (
	"errors"
	"testing"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/codec"
)

type sample struct {
	Name  string `json:"name" msgpack:"name"`
	Count int    `json:"count" msgpack:"count"`
}

func (*sample) TypeTag() string { return "sample" }

func TestDecode_PrefersBinary(t *testing.T) {
	data, err := codec.Binary.Marshal(sample{Name: "a", Count: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	used, err := codec.Decode(data, &out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if used.Name() != codec.NameMsgpack {
		t.Errorf("codec = %q, want msgpack", used.Name())
	}
	if out.Name != "a" || out.Count != 2 {
		t.Errorf("decoded %+v", out)
	}
}

func TestDecode_FallsBackToText(t *testing.T) {
	var out sample
	used, err := codec.Decode([]byte(` {"name":"b","count":7}`), &out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if used.Name() != codec.NameJSON {
		t.Errorf("codec = %q, want json", used.Name())
	}
	if out.Name != "b" || out.Count != 7 {
		t.Errorf("decoded %+v", out)
	}
}

func TestDecode_Garbage(t *testing.T) {
	var out sample
	if _, err := codec.Decode([]byte{0xc1, 0x00}, &out); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestGet(t *testing.T) {
	if codec.Get("json").Name() != codec.NameJSON {
		t.Error("Get(json) did not return JSON codec")
	}
	if codec.Get("").Name() != codec.NameMsgpack {
		t.Error("Get(\"\") should default to msgpack")
	}
}

func TestTypes_RoundTrip(t *testing.T) {
	types := codec.NewTypes()
	types.Register("sample", func() codec.Tagged { return &sample{} })

	text, err := types.Marshal(&sample{Name: "x", Count: 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	v, err := types.Unmarshal(text)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := v.(*sample)
	if !ok {
		t.Fatalf("Unmarshal returned %T", v)
	}
	if got.Name != "x" || got.Count != 3 {
		t.Errorf("decoded %+v", got)
	}
}

func TestTypes_UnknownTag(t *testing.T) {
	types := codec.NewTypes()
	_, err := types.Unmarshal([]byte(`{"type":"nope","data":{}}`))
	if !errors.Is(err, fabric.ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}
