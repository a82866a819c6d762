// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package produce implements the produce-request factory and the
// produce-response processor: the two halves of spec.md §4.3/§4.4 that
// turn a connector's batch queue into wire bytes and back into a
// per-message action.
package produce

import (
	"time"

	"github.com/z5labs/kprod/anomaly"
	"github.com/z5labs/kprod/batch"
	"github.com/z5labs/kprod/compress"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/message"
)

// Limits bounds one built request.
type Limits struct {
	// RequestDataLimit caps total wire bytes, except a request
	// carrying exactly one message is always sent regardless of size.
	RequestDataLimit int
	// MessageMaxBytes caps one compression-eligible msg-set's
	// uncompressed size.
	MessageMaxBytes int

	ClientID     string
	RequiredAcks int16
	Timeout      time.Duration

	DefaultCompression compress.Config
	TopicCompression   map[string]compress.Config
}

func (l Limits) compressionFor(topic string) compress.Config {
	if c, ok := l.TopicCompression[topic]; ok {
		return c
	}
	return l.DefaultCompression
}

// MsgSet is one (topic, partition) group of messages destined for the
// same request.
type MsgSet struct {
	Partition int32
	Messages  []*message.Message
}

// TopicGroup is one topic's msg-sets inside a built request.
type TopicGroup struct {
	Topic    string
	MsgSets  []MsgSet
}

// AllTopics is the full record of what one produce request carried —
// returned alongside the wire bytes so the connector can retire or
// reroute the messages on ACK or error, and so the response processor
// can walk the same (topic, partition) pairs the wire reader visits.
type AllTopics struct {
	CorrelationID int32
	Topics        []TopicGroup

	// WireBytes is the framed request this build produced, ready for
	// the connector to write straight to the connection.
	WireBytes []byte
}

// Find returns the msg-set for (topic, partition), if present.
func (a *AllTopics) Find(topic string, partition int32) (*MsgSet, bool) {
	for ti := range a.Topics {
		if a.Topics[ti].Topic != topic {
			continue
		}
		for mi := range a.Topics[ti].MsgSets {
			if a.Topics[ti].MsgSets[mi].Partition == partition {
				return &a.Topics[ti].MsgSets[mi], true
			}
		}
	}
	return nil, false
}

// Inbox is the connector's input queue of completed batches, grouped
// by topic, still awaiting a partition assignment for AnyPartition
// messages.
type Inbox struct {
	Batches []batch.Batch
}

// PartitionChooser resolves an AnyPartition message's partition within
// this connector's broker, round-robining across the topic's choices.
// BuildRequest latches the first choice per topic for the duration of
// one request, clearing it at the request boundary.
type PartitionChooser interface {
	Choose(topic string) (int32, bool)
}

// BuildRequest assembles one produce request from in's batches,
// enforcing the request-byte and msg-set-byte limits, applying
// per-topic compression, and stamping a fresh correlation id.
//
// It returns (nil, false) if in carries no messages. Messages that
// don't fit this request (byte-limit overflow) are left in in.Batches
// for the next call.
func BuildRequest(correlationID int32, in *Inbox, proto kafkaproto.Proto, chooser PartitionChooser, limits Limits, anoms *anomaly.Tracker) (*AllTopics, bool, []batch.Batch) {
	if len(in.Batches) == 0 {
		return nil, false, nil
	}

	grouped := make(map[string]map[int32][]*message.Message)
	// setBytes tracks each (topic,partition) group's running
	// compression-eligible wire size, so a message that would push a
	// set destined for compression over MessageMaxBytes can be deferred
	// during grouping instead of only being consulted later, inside
	// encodeMsgSet, to decide compress-vs-not.
	setBytes := make(map[string]map[int32]int)
	order := make([]string, 0)
	var totalBytes int
	var leftover []batch.Batch
	latched := make(map[string]int32)

	for bi, b := range in.Batches {
		if _, ok := grouped[b.Topic]; !ok {
			grouped[b.Topic] = make(map[int32][]*message.Message)
			order = append(order, b.Topic)
		}

		cfg := limits.compressionFor(b.Topic)
		compressionEligible := cfg.Type != compress.None && limits.MessageMaxBytes > 0

		var deferred []*message.Message
		stop := false

		for _, msg := range b.Messages {
			if stop {
				deferred = append(deferred, msg)
				continue
			}

			partition, ok := resolvePartition(msg, b.Topic, chooser, latched)
			if !ok {
				// No partition choice available on this broker for
				// this topic; leave this and every remaining message
				// for rerouting.
				stop = true
				deferred = append(deferred, msg)
				continue
			}

			wireSize := msg.Size() + proto.SingleMessageOverhead()

			if totalBytes > 0 && totalBytes+wireSize > limits.RequestDataLimit {
				stop = true
				deferred = append(deferred, msg)
				continue
			}

			if compressionEligible && len(grouped[b.Topic][partition]) > 0 &&
				setBytes[b.Topic][partition]+wireSize > limits.MessageMaxBytes {
				// Would push this msg-set, which is headed for
				// compression, over its own byte bound; defer it to a
				// later request rather than force an oversize set.
				deferred = append(deferred, msg)
				continue
			}

			msg.Partition = partition
			msg.Tracker().Advance(message.SendWait)
			grouped[b.Topic][partition] = append(grouped[b.Topic][partition], msg)
			if setBytes[b.Topic] == nil {
				setBytes[b.Topic] = make(map[int32]int)
			}
			setBytes[b.Topic][partition] += wireSize
			totalBytes += wireSize
		}

		if len(deferred) > 0 {
			leftover = append(leftover, batch.Batch{Topic: b.Topic, Messages: deferred})
		}
		_ = bi
	}

	if totalBytes == 0 {
		return nil, false, in.Batches
	}

	result := &AllTopics{CorrelationID: correlationID}
	var reqTopics []kafkaproto.ProduceRequestTopic

	for _, topic := range order {
		byPartition := grouped[topic]
		if len(byPartition) == 0 {
			continue
		}
		cfg := limits.compressionFor(topic)

		tg := TopicGroup{Topic: topic}
		rt := kafkaproto.ProduceRequestTopic{Topic: topic}

		for partition, msgs := range byPartition {
			if len(msgs) == 0 {
				anoms.BugDetected("empty msg-set group in build_request")
				continue
			}
			payload, codec := encodeMsgSet(proto, cfg, limits.MessageMaxBytes, msgs, anoms)

			tg.MsgSets = append(tg.MsgSets, MsgSet{Partition: partition, Messages: msgs})
			rt.Partitions = append(rt.Partitions, kafkaproto.ProduceRequestPartition{
				Partition: partition,
				Codec:     uint8(codec),
				Payload:   payload,
			})
		}

		if len(tg.MsgSets) == 0 {
			continue
		}
		result.Topics = append(result.Topics, tg)
		reqTopics = append(reqTopics, rt)
	}

	if len(result.Topics) == 0 {
		anoms.BugDetected("build_request produced an empty request from a non-empty inbox")
		return nil, false, in.Batches
	}

	result.WireBytes = proto.BuildProduceRequest(correlationID, limits.ClientID, limits.RequiredAcks, limits.Timeout, reqTopics)

	in.Batches = leftover
	return result, true, leftover
}

func resolvePartition(msg *message.Message, topic string, chooser PartitionChooser, latched map[string]int32) (int32, bool) {
	switch rt := msg.Routing.(type) {
	case message.PartitionKey:
		return int32(rt), true
	case message.AnyPartition:
		if p, ok := latched[topic]; ok {
			return p, true
		}
		p, ok := chooser.Choose(topic)
		if ok {
			latched[topic] = p
		}
		return p, ok
	default:
		return message.NoPartition, false
	}
}

// encodeMsgSet serializes msgs, compressing when the topic's policy
// and the set's size allow it, falling back to uncompressed on a
// codec error, a rejected ratio, or a msg-set too large to compress
// safely.
func encodeMsgSet(proto kafkaproto.Proto, cfg compress.Config, messageMaxBytes int, msgs []*message.Message, anoms *anomaly.Tracker) ([]byte, compress.Type) {
	wire := make([]kafkaproto.WireMsg, len(msgs))
	for i, m := range msgs {
		wire[i] = kafkaproto.WireMsg{Key: m.Key, Value: m.Value, TimestampMS: m.Timestamp}
	}
	raw := proto.EncodeMsgSet(wire)

	if cfg.Type == compress.None || (messageMaxBytes > 0 && len(raw) > messageMaxBytes) {
		return raw, compress.None
	}

	compressed, ok, err := compress.Compress(cfg, raw)
	if err != nil {
		anoms.CompressionFailed(cfg.Type, err)
		return raw, compress.None
	}
	if !ok {
		return raw, compress.None
	}
	return proto.EncodeCompressedWrapper(uint8(cfg.Type), compressed), cfg.Type
}
