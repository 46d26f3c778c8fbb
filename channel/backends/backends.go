// Package backends assembles the broker registry used by the fabric binary.
package backends

import (
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/channel/amqp"
	"github.com/xraph/fabric/channel/memory"
	"github.com/xraph/fabric/channel/redis"
)

// Default returns a registry with every built-in broker backend.
func Default() *channel.Registry {
	r := channel.NewRegistry()
	r.Register(channel.KindAMQP, amqp.Open)
	r.Register(channel.KindRedis, redis.Open)
	r.Register(channel.KindMemory, memory.Open)
	return r
}
