package backends_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/channel/backends"
)

func TestDefaultKinds(t *testing.T) {
	got := backends.Default().Kinds()
	want := []channel.Kind{channel.KindAMQP, channel.KindMemory, channel.KindRedis}
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDefaultOpenMemory(t *testing.T) {
	b, err := backends.Default().Open(context.Background(), channel.KindMemory, channel.Settings{})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer b.Close()

	if err := b.Declare(context.Background(), "q"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
}

func TestDefaultOpenUnknown(t *testing.T) {
	_, err := backends.Default().Open(context.Background(), channel.Kind("kafka"), channel.Settings{})
	if !errors.Is(err, fabric.ErrUnknownBackend) {
		t.Fatalf("Open(kafka) error = %v, want ErrUnknownBackend", err)
	}
}
