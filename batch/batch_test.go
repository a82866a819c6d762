// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/kprod/message"
)

func msg(topic string, n int) *message.Message {
	return message.NewMessage(topic, nil, make([]byte, n), 0, message.AnyPartition{})
}

func TestAddCountBoundCompletesBatch(t *testing.T) {
	b := NewBatcher(Limit{MaxMessages: 2}, nil)
	now := time.Now()

	assert.Empty(t, b.Add(msg("t", 1), now))
	got := b.Add(msg("t", 1), now)
	require.Len(t, got, 1)
	assert.Equal(t, "t", got[0].Topic)
	assert.Len(t, got[0].Messages, 2)
}

func TestAddByteBoundCompletesBatch(t *testing.T) {
	b := NewBatcher(Limit{MaxBytes: 10}, nil)
	now := time.Now()

	assert.Empty(t, b.Add(msg("t", 4), now))
	got := b.Add(msg("t", 10), now)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Messages, 2)
}

func TestAddTimeBoundViaGetComplete(t *testing.T) {
	b := NewBatcher(Limit{MaxTime: time.Millisecond}, nil)
	start := time.Now()

	assert.Empty(t, b.Add(msg("t", 1), start))
	assert.Empty(t, b.GetComplete(start))

	later := start.Add(2 * time.Millisecond)
	got := b.GetComplete(later)
	require.Len(t, got, 1)
	assert.Equal(t, "t", got[0].Topic)

	assert.Empty(t, b.GetComplete(later))
}

func TestPerTopicOverrideWins(t *testing.T) {
	b := NewBatcher(Limit{MaxMessages: 100}, map[string]Limit{"t": {MaxMessages: 1}})
	now := time.Now()

	got := b.Add(msg("t", 1), now)
	require.Len(t, got, 1)

	assert.Empty(t, b.Add(msg("other", 1), now))
}

func TestNextCompleteTimeReturnsEarliestOpenExpiry(t *testing.T) {
	b := NewBatcher(Limit{MaxTime: 10 * time.Millisecond}, map[string]Limit{"fast": {MaxTime: time.Millisecond}})
	start := time.Now()

	b.Add(msg("slow", 1), start)
	b.Add(msg("fast", 1), start)

	next, ok := b.NextCompleteTime()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Millisecond), next)
}

func TestNextCompleteTimeFalseWhenNoTimeBoundedTopicsOpen(t *testing.T) {
	b := NewBatcher(Limit{MaxMessages: 10}, nil)
	b.Add(msg("t", 1), time.Now())

	_, ok := b.NextCompleteTime()
	assert.False(t, ok)
}

func TestDeleteTopicReturnsAndClearsOpenMessages(t *testing.T) {
	b := NewBatcher(Limit{MaxMessages: 10}, nil)
	b.Add(msg("t", 1), time.Now())

	msgs := b.DeleteTopic("t")
	require.Len(t, msgs, 1)
	assert.Nil(t, b.DeleteTopic("t"))
}

func TestCombinedBatcherSharesOneWindowAcrossTopics(t *testing.T) {
	b := NewCombinedBatcher(Limit{MaxMessages: 3})
	now := time.Now()

	assert.Empty(t, b.Add(msg("a", 1), now))
	assert.Empty(t, b.Add(msg("b", 1), now))
	got := b.Add(msg("a", 1), now)

	require.Len(t, got, 2)
	byTopic := make(map[string]int)
	for _, bt := range got {
		byTopic[bt.Topic] = len(bt.Messages)
	}
	assert.Equal(t, 2, byTopic["a"])
	assert.Equal(t, 1, byTopic["b"])
}

func TestCombinedBatcherFlushAll(t *testing.T) {
	b := NewCombinedBatcher(Limit{MaxMessages: 100})
	now := time.Now()

	b.Add(msg("a", 1), now)
	b.Add(msg("b", 1), now)

	got := b.FlushAll()
	require.Len(t, got, 2)
	assert.Empty(t, b.FlushAll())
}

func TestCombinedBatcherDeleteTopicRemovesOnlyThatTopic(t *testing.T) {
	b := NewCombinedBatcher(Limit{MaxMessages: 100})
	now := time.Now()

	b.Add(msg("a", 1), now)
	b.Add(msg("b", 1), now)

	msgs := b.DeleteTopic("a")
	require.Len(t, msgs, 1)

	got := b.FlushAll()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Topic)
}

func TestOrderingPreservedWithinTopic(t *testing.T) {
	b := NewBatcher(Limit{MaxMessages: 3}, nil)
	now := time.Now()

	first := msg("t", 1)
	second := msg("t", 1)
	b.Add(first, now)
	b.Add(second, now)
	got := b.Add(msg("t", 1), now)

	require.Len(t, got, 1)
	assert.Same(t, first, got[0].Messages[0])
	assert.Same(t, second, got[0].Messages[1])
}
