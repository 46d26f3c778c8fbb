package redis

import "github.com/redis/go-redis/v9"

// Redis key naming conventions for broker data.
// All keys are prefixed with "fabric:" to avoid collisions.

const keyPrefix = "fabric:"

// queueKey returns the list key of a queue: fabric:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// processingKey returns the in-flight list of one consumer:
// fabric:processing:{queue}:{tag}
func processingKey(queue, tag string) string {
	return keyPrefix + "processing:" + queue + ":" + tag
}

// consumersKey returns the sorted set of consumer leases scored by expiry
// in unix milliseconds: fabric:consumers:{queue}
func consumersKey(queue string) string { return keyPrefix + "consumers:" + queue }

// exclusiveKey returns the exclusive-consumer lease: fabric:exclusive:{queue}
func exclusiveKey(queue string) string { return keyPrefix + "exclusive:" + queue }

// renewScript extends the exclusive lease only while the caller holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the exclusive lease only while the caller holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
