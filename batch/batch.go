// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package batch groups messages per topic until a time, count, or byte
// bound is reached.
package batch

import (
	"time"

	"github.com/z5labs/kprod/message"
)

// Limit is one time/count/byte bound. A zero Limit is disabled.
type Limit struct {
	MaxTime     time.Duration
	MaxMessages int
	MaxBytes    int
}

func (l Limit) timeEnabled() bool  { return l.MaxTime > 0 }
func (l Limit) countEnabled() bool { return l.MaxMessages > 0 }
func (l Limit) bytesEnabled() bool { return l.MaxBytes > 0 }

// Batch is a closed, ready-to-route group of messages for one topic.
type Batch struct {
	Topic    string
	Messages []*message.Message
}

type openBatch struct {
	firstTimestamp time.Time
	byteCount      int
	messages       []*message.Message
}

func (o *openBatch) complete(limit Limit, now time.Time) bool {
	if limit.timeEnabled() && !now.Before(o.firstTimestamp.Add(limit.MaxTime)) {
		return true
	}
	if limit.countEnabled() && len(o.messages) >= limit.MaxMessages {
		return true
	}
	if limit.bytesEnabled() && o.byteCount >= limit.MaxBytes {
		return true
	}
	return false
}

func (o *openBatch) expiry(limit Limit) (time.Time, bool) {
	if !limit.timeEnabled() {
		return time.Time{}, false
	}
	return o.firstTimestamp.Add(limit.MaxTime), true
}

// Batcher holds either one open batch per topic, or — when
// spec.md's "combined-topics" toggle is enabled — a single open batch
// shared across every topic, governed by one combined limit instead of
// each topic tracking its own bound independently. Combined mode trades
// per-topic batching precision for fewer, larger produce requests when
// traffic is spread thin across many low-volume topics.
//
// Not safe for concurrent use; each connector owns one Batcher and
// touches it only from its own goroutine.
type Batcher struct {
	defaultLimit Limit
	perTopic     map[string]Limit
	open         map[string]*openBatch

	combined      bool
	combinedLimit Limit
	// combinedState tracks the shared window's first-timestamp and
	// running count/byte totals; combinedTopics holds the same messages
	// split back out by topic so GetComplete/FlushAll can still hand
	// the rest of the pipeline one Batch per topic.
	combinedState  *openBatch
	combinedTopics map[string][]*message.Message
}

// NewBatcher creates a Batcher in per-topic mode. perTopic overrides,
// keyed by topic name, take precedence over defaultLimit.
func NewBatcher(defaultLimit Limit, perTopic map[string]Limit) *Batcher {
	if perTopic == nil {
		perTopic = make(map[string]Limit)
	}
	return &Batcher{
		defaultLimit: defaultLimit,
		perTopic:     perTopic,
		open:         make(map[string]*openBatch),
	}
}

// NewCombinedBatcher creates a Batcher in combined-topics mode: every
// topic shares one batch window bounded by combinedLimit, per spec.md's
// "combined-topics {enable, named-config}" batching option.
func NewCombinedBatcher(combinedLimit Limit) *Batcher {
	return &Batcher{
		perTopic:       make(map[string]Limit),
		open:           make(map[string]*openBatch),
		combined:       true,
		combinedLimit:  combinedLimit,
		combinedTopics: make(map[string][]*message.Message),
	}
}

func (b *Batcher) limitFor(topic string) Limit {
	if l, ok := b.perTopic[topic]; ok {
		return l
	}
	return b.defaultLimit
}

// Add moves msg into its batch — the topic's own in per-topic mode, the
// single shared one in combined mode — creating it if needed, and
// returns any batches that became complete as a result.
func (b *Batcher) Add(msg *message.Message, now time.Time) []Batch {
	if b.combined {
		return b.addCombined(msg, now)
	}

	ob, ok := b.open[msg.Topic]
	if !ok {
		ob = &openBatch{firstTimestamp: now}
		b.open[msg.Topic] = ob
	}
	ob.messages = append(ob.messages, msg)
	ob.byteCount += msg.Size()

	limit := b.limitFor(msg.Topic)
	if ob.complete(limit, now) {
		delete(b.open, msg.Topic)
		return []Batch{{Topic: msg.Topic, Messages: ob.messages}}
	}
	return nil
}

func (b *Batcher) addCombined(msg *message.Message, now time.Time) []Batch {
	if b.combinedState == nil {
		b.combinedState = &openBatch{firstTimestamp: now}
	}
	b.combinedState.messages = append(b.combinedState.messages, msg)
	b.combinedState.byteCount += msg.Size()
	b.combinedTopics[msg.Topic] = append(b.combinedTopics[msg.Topic], msg)

	if b.combinedState.complete(b.combinedLimit, now) {
		return b.flushCombined()
	}
	return nil
}

func (b *Batcher) flushCombined() []Batch {
	out := make([]Batch, 0, len(b.combinedTopics))
	for topic, msgs := range b.combinedTopics {
		out = append(out, Batch{Topic: topic, Messages: msgs})
	}
	b.combinedTopics = make(map[string][]*message.Message)
	b.combinedState = nil
	return out
}

// GetComplete returns, and removes, every batch whose bound has been
// reached as of now — the single combined batch in combined mode, or
// every expired per-topic batch otherwise.
func (b *Batcher) GetComplete(now time.Time) []Batch {
	if b.combined {
		if b.combinedState != nil && b.combinedState.complete(b.combinedLimit, now) {
			return b.flushCombined()
		}
		return nil
	}

	var out []Batch
	for topic, ob := range b.open {
		if ob.complete(b.limitFor(topic), now) {
			out = append(out, Batch{Topic: topic, Messages: ob.messages})
			delete(b.open, topic)
		}
	}
	return out
}

// NextCompleteTime returns the earliest time-bound expiry — the shared
// combined batch's in combined mode, or the soonest across all open
// per-topic batches otherwise — for arming a wake-up timer. The second
// return is false if nothing open carries a time bound.
func (b *Batcher) NextCompleteTime() (time.Time, bool) {
	if b.combined {
		if b.combinedState == nil {
			return time.Time{}, false
		}
		return b.combinedState.expiry(b.combinedLimit)
	}

	var (
		best  time.Time
		found bool
	)
	for topic, ob := range b.open {
		t, ok := ob.expiry(b.limitFor(topic))
		if !ok {
			continue
		}
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	return best, found
}

// FlushAll closes out and returns every open batch regardless of
// whether its bound has been reached, for use at shutdown when
// whatever is sitting open must still be routed or accounted for.
func (b *Batcher) FlushAll() []Batch {
	if b.combined {
		if b.combinedState == nil {
			return nil
		}
		return b.flushCombined()
	}

	var out []Batch
	for topic, ob := range b.open {
		out = append(out, Batch{Topic: topic, Messages: ob.messages})
		delete(b.open, topic)
	}
	return out
}

// DeleteTopic removes topic's open messages, if any, and returns them
// so the caller can discard them. In combined mode this only pulls the
// one topic's messages back out of the shared window; the window's
// aggregate count/byte totals are left as-is (a harmless overcount that
// can only make the remaining combined batch complete a little early,
// consistent with spec.md's batch expiry being a soft bound).
func (b *Batcher) DeleteTopic(name string) []*message.Message {
	if b.combined {
		msgs, ok := b.combinedTopics[name]
		if !ok {
			return nil
		}
		delete(b.combinedTopics, name)
		if len(b.combinedTopics) == 0 {
			b.combinedState = nil
		}
		return msgs
	}

	ob, ok := b.open[name]
	if !ok {
		return nil
	}
	delete(b.open, name)
	return ob.messages
}
