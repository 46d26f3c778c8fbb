// Package channel implements the message channel every fabric component
// talks through: named broker queues with exclusive point-to-point
// delivery, local retry of failed callbacks, and a broker-native
// consumer-count probe used for master election.
//
// A Channel is bound to one Endpoint (a queue and its worker count) and
// drives a Broker, the small contract each backend implements. Backends
// live in the amqp, redis and memory subpackages and are selected through
// a Registry keyed by Kind.
//
// Consumer callbacks settle messages with an explicit Disposition:
//
//	Ack          the message is done (after local retries if the callback failed)
//	NackRequeue  the broker redelivers the message
//	NackDiscard  the message is dropped
package channel
