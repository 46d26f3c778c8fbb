package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Topic names:
//
//	subscription:<name>   events of one subscription
//	node:<name>           membership events of one node
//	request:<id>          resolution of one request
//	subscriptions         every subscription event
//	cluster               every node, master and request event
//	firehose              everything
const (
	TopicSubscriptions = "subscriptions"
	TopicCluster       = "cluster"
	TopicFirehose      = "firehose"
)

// SubscriptionTopic returns the topic of one subscription.
func SubscriptionTopic(name string) string { return "subscription:" + name }

// NodeTopic returns the topic of one node.
func NodeTopic(node string) string { return "node:" + node }

// RequestTopic returns the topic of one request.
func RequestTopic(reqID string) string { return "request:" + reqID }

// TopicRegistry holds the subscriber set of each topic.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriber ID → subscriber
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]map[string]*Subscriber)}
}

// Subscribe adds sub to topic.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from topic and drops the topic once empty.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.unsubscribeLocked(topic, subscriberID)
}

// UnsubscribeAll removes a subscriber from every topic.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for topic := range tr.topics {
		tr.unsubscribeLocked(topic, subscriberID)
	}
}

func (tr *TopicRegistry) unsubscribeLocked(topic, subscriberID string) {
	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// Broadcast sends evt once to every subscriber of any of topics and
// returns how many accepted and how many missed it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of topics with at least one subscriber.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics lists every topic evt is delivered on.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}
	if strings.HasPrefix(string(evt.Type), "subscription.") {
		topics = append(topics, TopicSubscriptions)
	} else {
		topics = append(topics, TopicCluster)
	}
	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	return topics
}

// ValidateTopic reports whether topic is a known global topic or a
// well-formed entity topic.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicSubscriptions, TopicCluster, TopicFirehose:
		return nil
	}
	kind, name, ok := strings.Cut(topic, ":")
	if !ok || kind == "" || name == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "subscription", "node", "request":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic entity %q", kind)
	}
}
