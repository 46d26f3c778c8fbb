// Package subscription defines the long-lived stateful tasks hosted by a
// node.
//
// A subscription is built from a [Definition], a polymorphic value carried
// between nodes as tagged text. Four kinds exist:
//
//   - [CyclicalDefinition] runs its handler on a fixed delay or a cron
//     expression.
//   - [ConsumerDefinition] runs its handler for every message sent to the
//     queue named after the subscription.
//   - [DeliveryDefinition] does the same (or runs on a schedule) and
//     forwards the handler output to its receivers.
//   - [MultiInputDefinition] joins messages from several senders and fires
//     once every sender has contributed an item.
//
// Handlers are looked up by name in a [Registry], so definitions only carry
// data and can travel on the wire. Every event passes through the
// middleware chain and is accounted in the subscription's [State].
package subscription
