// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package message defines the unit routed by the core transit engine.
package message

// RoutingType selects how a Message's partition is chosen.
//
// This is the idiomatic Go rendering of a two-variant tagged union: an
// unexported marker method closes the set to the two types below.
type RoutingType interface {
	routingType()
}

// AnyPartition lets the router pick among a topic's ok partitions.
type AnyPartition struct{}

func (AnyPartition) routingType() {}

// PartitionKey selects a specific partition deterministically via
// uint32(Key) mod len(all_partitions), with a linear probe for
// in-service brokers.
type PartitionKey int32

func (PartitionKey) routingType() {}

// Message is the unit routed from a producer to a broker connection.
//
// A Message is owned by exactly one container at a time: the input
// gate, a router queue, a connector's request factory, an in-flight
// produce request, or the anomaly tracker as a shutdown-time leftover.
// Callers must treat a *Message as move-only — pass the pointer on,
// never retain a second reference after handing it to the next owner.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Timestamp int64 // milliseconds since epoch

	Routing   RoutingType
	Partition int32 // set once, after routing; -1 until then

	Attempts  int
	Truncated bool // set by the input layer when a stream sender exceeded its per-message byte cap

	tracker Tracker
}

// NoPartition is the sentinel Partition value before routing assigns one.
const NoPartition int32 = -1

// NewMessage constructs a Message in its initial, unrouted state.
func NewMessage(topic string, key, value []byte, timestampMS int64, routing RoutingType) *Message {
	return &Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Timestamp: timestampMS,
		Routing:   routing,
		Partition: NoPartition,
	}
}

// Tracker returns the message's state tracker.
func (m *Message) Tracker() *Tracker {
	return &m.tracker
}

// Size is the wire size of the key+value payload, excluding framing
// overhead (callers add the protocol's single-message overhead).
func (m *Message) Size() int {
	return len(m.Key) + len(m.Value)
}

// BumpAttempt increments the failed-delivery-attempt counter and
// reports whether it now exceeds max.
func (m *Message) BumpAttempt(max int) (exceeded bool) {
	m.Attempts++
	return max > 0 && m.Attempts > max
}
