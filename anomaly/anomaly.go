// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package anomaly tracks discards, possible duplicates, bug reports
// and input-validation failures, and exposes them as a bounded-example
// snapshot for a status surface; discards and possible duplicates are
// also recorded as OpenTelemetry counters.
package anomaly

import (
	"context"
	"log/slog"
	"sync"

	"github.com/z5labs/kprod/compress"
)

// DiscardReason is why one message or msg-set was dropped.
type DiscardReason int

const (
	BadTopic DiscardReason = iota
	LongMsg
	NoAvailablePartitions
	RateLimit
	KafkaErrorAck
	FailedDeliveryAttemptLimit
	FailedTopicAutocreate
	ServerShutdown
)

func (r DiscardReason) String() string {
	switch r {
	case BadTopic:
		return "bad_topic"
	case LongMsg:
		return "long_msg"
	case NoAvailablePartitions:
		return "no_available_partitions"
	case RateLimit:
		return "rate_limit"
	case KafkaErrorAck:
		return "kafka_error_ack"
	case FailedDeliveryAttemptLimit:
		return "failed_delivery_attempt_limit"
	case FailedTopicAutocreate:
		return "failed_topic_autocreate"
	case ServerShutdown:
		return "server_shutdown"
	default:
		return "unknown"
	}
}

// Example is a bounded record of one anomaly, enough to diagnose a
// bad topic or oversize message without retaining the whole payload.
type Example struct {
	Topic      string
	KeyPrefix  []byte
	ValuePrefix []byte
}

// Snapshot is a point-in-time read of every tracked counter family,
// for the status surface and for tests.
type Snapshot struct {
	DiscardCounts map[DiscardReason]int64
	Examples      map[DiscardReason][]Example

	DuplicateByTopic map[string]int64

	MalformedMsgCount      int64
	UnsupportedVersionCount int64
	UnixStreamUncleanDisconnectCount int64
	TCPUncleanDisconnectCount        int64

	BugCount int64
}

// Tracker is the single, process-wide anomaly registry. Create one and
// inject it everywhere a component may need to record an anomaly.
type Tracker struct {
	log *slog.Logger

	maxExamples     int
	badMsgPrefixLen int

	mu               sync.Mutex
	discardCounts    map[DiscardReason]int64
	examples         map[DiscardReason][]Example
	duplicateByTopic map[string]int64
	malformedMsgs    int64
	unsupportedVers  int64
	unixUnclean      int64
	tcpUnclean       int64
	bugs             int64
	acks             int64

	metrics *metricsRecorder
}

// NewTracker creates a Tracker. maxExamples bounds the per-reason
// example list; badMsgPrefixLen bounds how many key/value bytes an
// Example retains.
func NewTracker(maxExamples, badMsgPrefixLen int) *Tracker {
	m, err := newMetricsRecorder()
	if err != nil {
		m = nil
	}
	return &Tracker{
		log:              logger(),
		maxExamples:      maxExamples,
		badMsgPrefixLen:  badMsgPrefixLen,
		discardCounts:    make(map[DiscardReason]int64),
		examples:         make(map[DiscardReason][]Example),
		duplicateByTopic: make(map[string]int64),
		metrics:          m,
	}
}

func prefix(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Discard records one discarded message, with a bounded example.
func (t *Tracker) Discard(ctx context.Context, reason DiscardReason, topic string, key, value []byte) {
	t.mu.Lock()
	t.discardCounts[reason]++
	if len(t.examples[reason]) < t.maxExamples {
		t.examples[reason] = append(t.examples[reason], Example{
			Topic:       topic,
			KeyPrefix:   prefix(key, t.badMsgPrefixLen),
			ValuePrefix: prefix(value, t.badMsgPrefixLen),
		})
	}
	t.mu.Unlock()

	t.log.WarnContext(ctx, "message discarded", slog.String("reason", reason.String()), slog.String("topic", topic))
	if t.metrics != nil {
		t.metrics.recordDiscard(ctx, reason.String(), topic)
	}
}

// PossibleDuplicate records that topic's message may have been
// delivered twice — the pessimistic accounting spec.md §7 describes:
// every no-ack message credited on pause is counted here, even though
// a hard Kafka error ack on the same message would make delivery
// impossible.
func (t *Tracker) PossibleDuplicate(ctx context.Context, topic string) {
	t.mu.Lock()
	t.duplicateByTopic[topic]++
	t.mu.Unlock()

	t.log.WarnContext(ctx, "possible duplicate", slog.String("topic", topic))
	if t.metrics != nil {
		t.metrics.recordDuplicate(ctx, topic)
	}
}

// Ack records one message reaching ack_ok, for the process-level ack
// counter spec.md §6 names.
func (t *Tracker) Ack() {
	t.mu.Lock()
	t.acks++
	t.mu.Unlock()
}

// AckCount returns the running total recorded by Ack.
func (t *Tracker) AckCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acks
}

// MalformedInput records a framer-detected bad datagram/stream chunk.
func (t *Tracker) MalformedInput(ctx context.Context) {
	t.mu.Lock()
	t.malformedMsgs++
	t.mu.Unlock()
	t.log.WarnContext(ctx, "malformed input rejected")
}

// UnsupportedVersion records a framer-detected unknown wire version.
func (t *Tracker) UnsupportedVersion(ctx context.Context) {
	t.mu.Lock()
	t.unsupportedVers++
	t.mu.Unlock()
	t.log.WarnContext(ctx, "unsupported input version rejected")
}

// UncleanDisconnect records a stream sender disconnecting mid-message.
func (t *Tracker) UncleanDisconnect(ctx context.Context, transport string) {
	t.mu.Lock()
	switch transport {
	case "unix_stream":
		t.unixUnclean++
	case "tcp":
		t.tcpUnclean++
	}
	t.mu.Unlock()
	t.log.WarnContext(ctx, "unclean disconnect", slog.String("transport", transport))
}

// CompressionFailed logs a codec error, once per call; the log is not
// rate-limited. The caller always falls back to sending the msg-set
// uncompressed.
func (t *Tracker) CompressionFailed(codec compress.Type, err error) {
	t.log.Warn("compression failed, falling back to uncompressed", slog.String("codec", codec.String()), slog.Any("error", err))
}

// BugDetected records a violated internal invariant — never expected
// in correct operation, but never promoted to Fatal either; spec.md
// §7 treats these as counted bugs, not process-ending errors.
func (t *Tracker) BugDetected(what string) {
	t.mu.Lock()
	t.bugs++
	t.mu.Unlock()
	t.log.Error("internal invariant violated", slog.String("detail", what))
}

// Snapshot returns a copy of every tracked counter and example list.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		DiscardCounts:                     make(map[DiscardReason]int64, len(t.discardCounts)),
		Examples:                          make(map[DiscardReason][]Example, len(t.examples)),
		DuplicateByTopic:                  make(map[string]int64, len(t.duplicateByTopic)),
		MalformedMsgCount:                 t.malformedMsgs,
		UnsupportedVersionCount:           t.unsupportedVers,
		UnixStreamUncleanDisconnectCount:  t.unixUnclean,
		TCPUncleanDisconnectCount:         t.tcpUnclean,
		BugCount:                          t.bugs,
	}
	for k, v := range t.discardCounts {
		s.DiscardCounts[k] = v
	}
	for k, v := range t.examples {
		cp := make([]Example, len(v))
		copy(cp, v)
		s.Examples[k] = cp
	}
	for k, v := range t.duplicateByTopic {
		s.DuplicateByTopic[k] = v
	}
	return s
}

// Rotate clears every anomaly counter and example list, starting a
// fresh DiscardReportInterval window; the running ack count is kept. The caller (router) is expected to
// have already captured a Snapshot if the prior window's counts need
// to be retained for the status surface's "current + previous" view.
func (t *Tracker) Rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardCounts = make(map[DiscardReason]int64)
	t.examples = make(map[DiscardReason][]Example)
	t.duplicateByTopic = make(map[string]int64)
	t.malformedMsgs = 0
	t.unsupportedVers = 0
	t.unixUnclean = 0
	t.tcpUnclean = 0
	t.bugs = 0
}
