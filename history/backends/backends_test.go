package backends_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/history/backends"
	"github.com/xraph/fabric/history/memory"
)

func TestOpenMemory(t *testing.T) {
	s, err := backends.Open(context.Background(), backends.KindMemory, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Errorf("Open(memory) = %T", s)
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := backends.Open(context.Background(), "cassandra", "", nil); !errors.Is(err, fabric.ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}
