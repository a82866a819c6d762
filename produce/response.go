// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package produce

import (
	"context"

	"github.com/z5labs/kprod/anomaly"
	"github.com/z5labs/kprod/batch"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/message"
)

// ConnectorAction is the verdict ProcessResponse hands back to the
// connector driving the state machine.
type ConnectorAction int

const (
	KeepRunning ConnectorAction = iota
	PauseAndDeferFinish
	PauseAndFinishNow
)

// Outcome is what became of one in-flight request after processing
// its response (or a correlation/decode failure).
type Outcome struct {
	Action ConnectorAction

	// Resend carries msg-sets to send again on the same connection
	// (immediate_resend). The connector appends them to its immediate
	// send queue, behind anything already waiting there; they are not
	// placed at the front.
	Resend []batch.Batch
	// Reroute carries msg-sets to hand to the router for rerouting
	// after the dispatcher restarts (pause_and_resend / no-ack).
	Reroute []batch.Batch
	// Discarded counts the messages already recorded in anoms as
	// discarded; callers don't need to touch them again.
	Discarded int
}

// ProcessResponse implements spec.md §4.4: validates the response's
// correlation id, walks its per-partition results against sent's
// msg-sets, and classifies each via proto.ProcessAck.
//
// respErr is non-nil when the wire read itself failed (short read,
// decode error) — treated identically to a correlation mismatch: the
// entire request's messages become no-ack, PauseAndFinishNow.
func ProcessResponse(ctx context.Context, sent *AllTopics, respCorrelationID int32, results []kafkaproto.TopicResult, respErr error, proto kafkaproto.Proto, maxAttempts int, anoms *anomaly.Tracker) Outcome {
	if respErr != nil || respCorrelationID != sent.CorrelationID {
		return noAckWholeRequest(ctx, sent, anoms)
	}

	seen := make(map[string]map[int32]bool)
	out := Outcome{Action: KeepRunning}

	for _, tr := range results {
		if _, ok := seen[tr.Topic]; !ok {
			seen[tr.Topic] = make(map[int32]bool)
		}

		for _, pr := range tr.Partitions {
			ms, ok := sent.Find(tr.Topic, pr.Partition)
			if !ok {
				return noAckWholeRequest(ctx, sent, anoms)
			}
			seen[tr.Topic][pr.Partition] = true

			action := proto.ProcessAck(pr.ErrorCode)
			classifyOne(ctx, tr.Topic, ms, action, maxAttempts, anoms, &out)
		}
	}

	if !allSeen(sent, seen) {
		return noAckWholeRequest(ctx, sent, anoms)
	}

	return out
}

func allSeen(sent *AllTopics, seen map[string]map[int32]bool) bool {
	for _, tg := range sent.Topics {
		for _, ms := range tg.MsgSets {
			if !seen[tg.Topic][ms.Partition] {
				return false
			}
		}
	}
	return true
}

func classifyOne(ctx context.Context, topic string, ms *MsgSet, action kafkaproto.Action, maxAttempts int, anoms *anomaly.Tracker, out *Outcome) {
	switch action {
	case kafkaproto.AckOK:
		for _, m := range ms.Messages {
			m.Tracker().Advance(message.Processed)
			anoms.Ack()
		}

	case kafkaproto.Resend:
		forced := bumpAndDiscardOverLimit(ctx, topic, ms.Messages, maxAttempts, anoms)
		out.Discarded += forced
		if forced < len(ms.Messages) {
			out.Resend = append(out.Resend, batch.Batch{Topic: topic, Messages: remainingAfterDiscards(ms.Messages, maxAttempts)})
		}

	case kafkaproto.Discard:
		anoms.Discard(ctx, anomaly.KafkaErrorAck, topic, firstKey(ms.Messages), firstValue(ms.Messages))
		out.Discarded += len(ms.Messages)

	case kafkaproto.DiscardAndPause:
		anoms.Discard(ctx, anomaly.KafkaErrorAck, topic, firstKey(ms.Messages), firstValue(ms.Messages))
		out.Discarded += len(ms.Messages)
		promotePause(out)

	case kafkaproto.Pause:
		forced := bumpAndDiscardOverLimit(ctx, topic, ms.Messages, maxAttempts, anoms)
		out.Discarded += forced
		if forced < len(ms.Messages) {
			out.Reroute = append(out.Reroute, batch.Batch{Topic: topic, Messages: remainingAfterDiscards(ms.Messages, maxAttempts)})
		}
		promotePause(out)
	}
}

func promotePause(out *Outcome) {
	if out.Action == KeepRunning {
		out.Action = PauseAndDeferFinish
	}
}

func bumpAndDiscardOverLimit(ctx context.Context, topic string, msgs []*message.Message, maxAttempts int, anoms *anomaly.Tracker) (discarded int) {
	for _, m := range msgs {
		if m.BumpAttempt(maxAttempts) {
			anoms.Discard(ctx, anomaly.FailedDeliveryAttemptLimit, topic, m.Key, m.Value)
			discarded++
		}
	}
	return discarded
}

func remainingAfterDiscards(msgs []*message.Message, maxAttempts int) []*message.Message {
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if maxAttempts > 0 && m.Attempts > maxAttempts {
			continue
		}
		out = append(out, m)
	}
	return out
}

func firstKey(msgs []*message.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0].Key
}

func firstValue(msgs []*message.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0].Value
}

// noAckWholeRequest is the correlation-mismatch / bad-response path:
// every message in sent becomes a possible duplicate and goes to
// Reroute, per spec.md §7's pessimistic accounting.
func noAckWholeRequest(ctx context.Context, sent *AllTopics, anoms *anomaly.Tracker) Outcome {
	out := Outcome{Action: PauseAndFinishNow}
	for _, tg := range sent.Topics {
		for _, ms := range tg.MsgSets {
			for range ms.Messages {
				anoms.PossibleDuplicate(ctx, tg.Topic)
			}
			out.Reroute = append(out.Reroute, batch.Batch{Topic: tg.Topic, Messages: ms.Messages})
		}
	}
	return out
}
