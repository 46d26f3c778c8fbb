package amqp

import (
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestIsExclusiveRefusal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"access refused", &amqp.Error{Code: amqp.AccessRefused, Reason: "in exclusive use"}, true},
		{"resource locked", &amqp.Error{Code: amqp.ResourceLocked, Reason: "locked"}, true},
		{"wrapped", fmt.Errorf("consume: %w", &amqp.Error{Code: amqp.AccessRefused}), true},
		{"not found", &amqp.Error{Code: amqp.NotFound}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isExclusiveRefusal(tt.err); got != tt.want {
				t.Errorf("isExclusiveRefusal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
