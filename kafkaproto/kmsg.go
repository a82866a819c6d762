// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkaproto

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// KMsgProto is the default Proto, built on franz-go's generated
// protocol types (kmsg) for request/response envelopes and its error
// table (kerr) for ack classification — the teacher's own wire
// dependency, reused here for the concern it already covers instead of
// a hand-rolled codec.
type KMsgProto struct{}

func (KMsgProto) SingleMessageOverhead() int { return SingleMessageOverhead }

func (KMsgProto) EncodeMsgSet(msgs []WireMsg) []byte { return EncodeMsgSet(msgs) }

func (KMsgProto) EncodeCompressedWrapper(codec uint8, compressed []byte) []byte {
	return encodeMessage(nil, 0, codec, WireMsg{Value: compressed})
}

func (KMsgProto) BuildProduceRequest(correlationID int32, clientID string, requiredAcks int16, timeout time.Duration, topics []ProduceRequestTopic) []byte {
	req := kmsg.NewProduceRequest()
	req.Acks = requiredAcks
	req.TimeoutMillis = int32(timeout / time.Millisecond)

	for _, t := range topics {
		rt := kmsg.NewProduceRequestTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewProduceRequestTopicPartition()
			rp.Partition = p.Partition
			rp.Records = p.Payload
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}

	req.SetVersion(2)
	return kmsg.AppendRequest(nil, &req, correlationID, clientID)
}

func (KMsgProto) ParseProduceResponse(b []byte) ([]TopicResult, error) {
	var resp kmsg.ProduceResponse
	if err := resp.ReadFrom(b); err != nil {
		return nil, fmt.Errorf("kafkaproto: decode produce response: %w", err)
	}

	out := make([]TopicResult, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		tr := TopicResult{Topic: t.Topic}
		for _, p := range t.Partitions {
			tr.Partitions = append(tr.Partitions, PartitionResult{
				Partition: p.Partition,
				ErrorCode: p.ErrorCode,
			})
		}
		out = append(out, tr)
	}
	return out, nil
}

// ProcessAck implements spec.md §4.4's policy table: retriable broker
// errors resend, not-leader/unknown-topic errors pause and resend,
// permanent errors discard, and success is a no-op ack.
func (KMsgProto) ProcessAck(code int16) Action {
	if code == 0 {
		return AckOK
	}

	err := kerr.TypedErrorForCode(code)
	switch err {
	case kerr.LeaderNotAvailable, kerr.NotLeaderForPartition, kerr.NetworkException, kerr.RequestTimedOut, kerr.UnknownTopicOrPartition:
		// Reroute-needed: the broker can't serve this partition right
		// now. Re-routing after a dispatcher restart (fresh metadata)
		// stands a chance; retrying the same broker doesn't.
		return Pause
	case kerr.CorruptMessage:
		// Transient, worth retrying on the same broker without a full
		// pause/reroute cycle.
		return Resend
	case kerr.MessageSizeTooLarge, kerr.OffsetOutOfRange, kerr.RecordListTooLarge, kerr.InvalidTopicException, kerr.TopicAuthorizationFailed, kerr.ClusterAuthorizationFailed:
		return Discard
	default:
		if err != nil && err.Retriable() {
			return Resend
		}
		return Discard
	}
}

func (KMsgProto) BuildMetadataRequest(topics []string, allTopics bool) []byte {
	req := kmsg.NewMetadataRequest()
	if !allTopics {
		for _, name := range topics {
			rt := kmsg.NewMetadataRequestTopic()
			rt.Topic = kmsg.StringPtr(name)
			req.Topics = append(req.Topics, rt)
		}
	}
	req.SetVersion(1)
	return kmsg.AppendRequest(nil, &req, 0, "kprod")
}

func (KMsgProto) ParseMetadataResponse(b []byte) (*MetadataSnapshot, error) {
	var resp kmsg.MetadataResponse
	if err := resp.ReadFrom(b); err != nil {
		return nil, fmt.Errorf("kafkaproto: decode metadata response: %w", err)
	}

	snap := &MetadataSnapshot{}
	for _, br := range resp.Brokers {
		snap.Brokers = append(snap.Brokers, BrokerMeta{ID: br.NodeID, Host: br.Host, Port: br.Port})
	}
	for _, t := range resp.Topics {
		topic := TopicMeta{ErrorCode: t.ErrorCode}
		if t.Topic != nil {
			topic.Name = *t.Topic
		}
		for _, p := range t.Partitions {
			topic.Partitions = append(topic.Partitions, PartitionMeta{
				ID:             p.Partition,
				LeaderBrokerID: p.Leader,
				ErrorCode:      p.ErrorCode,
			})
		}
		snap.Topics = append(snap.Topics, topic)
	}
	return snap, nil
}

func (KMsgProto) BuildAutocreateRequest(topic string, replicationTimeout time.Duration) []byte {
	req := kmsg.NewCreateTopicsRequest()
	ct := kmsg.NewCreateTopicsRequestTopic()
	ct.Topic = topic
	ct.NumPartitions = -1
	ct.ReplicationFactor = -1
	req.Topics = append(req.Topics, ct)
	req.TimeoutMillis = int32(replicationTimeout / time.Millisecond)
	req.SetVersion(2)
	return kmsg.AppendRequest(nil, &req, 0, "kprod")
}

func (KMsgProto) ParseAutocreateResponse(b []byte) (AutocreateResult, error) {
	var resp kmsg.CreateTopicsResponse
	if err := resp.ReadFrom(b); err != nil {
		return AutocreateFail, fmt.Errorf("kafkaproto: decode autocreate response: %w", err)
	}
	if len(resp.Topics) == 0 {
		return AutocreateFail, nil
	}

	code := resp.Topics[0].ErrorCode
	switch code {
	case 0:
		return AutocreateSuccess, nil
	case int16(kerr.TopicAlreadyExists.Code):
		return AutocreateSuccess, nil
	case int16(kerr.NotController.Code):
		return AutocreateTryOtherBroker, nil
	default:
		return AutocreateFail, nil
	}
}
