// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kafkaproto is the narrow wire-protocol port the request
// factory and response processor talk through. It owns exactly the
// framing detail spec.md keeps out of the core: building and parsing
// metadata/autocreate/produce requests, and classifying produce ack
// codes into an action policy.
package kafkaproto

import "time"

// Action is the response processor's verdict for one produced
// message, derived from the broker's per-partition error code.
type Action int

const (
	AckOK Action = iota
	Resend
	Discard
	Pause
	DiscardAndPause
)

func (a Action) String() string {
	switch a {
	case AckOK:
		return "ack_ok"
	case Resend:
		return "resend"
	case Discard:
		return "discard"
	case Pause:
		return "pause"
	case DiscardAndPause:
		return "discard_and_pause"
	default:
		return "unknown"
	}
}

// AutocreateResult is the outcome of a topic-autocreate round trip.
type AutocreateResult int

const (
	AutocreateSuccess AutocreateResult = iota
	AutocreateFail
	AutocreateTryOtherBroker
)

// BrokerMeta, PartitionMeta and TopicMeta are the raw wire-level shapes
// a metadata response decodes into; metadata.Builder consumes them
// through OpenBrokers/AddBroker/OpenTopic/AddPartition.
type BrokerMeta struct {
	ID   int32
	Host string
	Port int32
}

type PartitionMeta struct {
	ID             int32
	LeaderBrokerID int32
	ErrorCode      int16
}

type TopicMeta struct {
	Name       string
	ErrorCode  int16
	Partitions []PartitionMeta
}

// MetadataSnapshot is a parsed metadata response.
type MetadataSnapshot struct {
	Brokers []BrokerMeta
	Topics  []TopicMeta
}

// PartitionResult is one (topic, partition) outcome inside a produce
// response.
type PartitionResult struct {
	Partition int32
	ErrorCode int16
}

// TopicResult groups a produce response's partition results by topic.
type TopicResult struct {
	Topic      string
	Partitions []PartitionResult
}

// ProduceRequestTopic is one topic's worth of msg-sets going into a
// produce request.
type ProduceRequestTopic struct {
	Topic      string
	Partitions []ProduceRequestPartition
}

// ProduceRequestPartition carries one (topic, partition) msg-set.
// Codec is compress.None when Payload is the raw, uncompressed
// MessageSet bytes; otherwise Payload is the already-compressed bytes
// of a single wrapper message.
type ProduceRequestPartition struct {
	Partition int32
	Codec     uint8 // a compress.Type value, carried as its raw byte
	Payload   []byte
}

// Proto is the narrow wire-protocol adapter spec.md §6 names. Proto
// implementations never see a Message or Batch; the request factory
// and response processor translate to and from these wire-shaped
// types.
type Proto interface {
	// SingleMessageOverhead is the additive per-message framing cost
	// the request factory uses for its byte-limit bookkeeping.
	SingleMessageOverhead() int

	// EncodeMsgSet serializes msgs into the uncompressed MessageSet
	// bytes that are both a valid wire payload and the scratch input
	// handed to the compressor.
	EncodeMsgSet(msgs []WireMsg) []byte

	// EncodeCompressedWrapper wraps an already-compressed msg-set in
	// the single outer message the broker expects.
	EncodeCompressedWrapper(codec uint8, compressed []byte) []byte

	// BuildProduceRequest assembles the full wire request.
	BuildProduceRequest(correlationID int32, clientID string, requiredAcks int16, timeout time.Duration, topics []ProduceRequestTopic) []byte

	// ParseProduceResponse decodes a produce response into per-(topic,
	// partition) results, in the same order the broker returned them.
	ParseProduceResponse(b []byte) ([]TopicResult, error)

	// ProcessAck maps one partition's produce error code to an action.
	ProcessAck(code int16) Action

	BuildMetadataRequest(topics []string, allTopics bool) []byte
	ParseMetadataResponse(b []byte) (*MetadataSnapshot, error)

	BuildAutocreateRequest(topic string, replicationTimeout time.Duration) []byte
	ParseAutocreateResponse(b []byte) (AutocreateResult, error)
}
