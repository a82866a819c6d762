// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageStartsUnrouted(t *testing.T) {
	m := NewMessage("scooby_doo", nil, []byte("Scooby"), 1000, AnyPartition{})

	assert.Equal(t, NoPartition, m.Partition)
	assert.Equal(t, 0, m.Attempts)
	assert.False(t, m.Truncated)
	assert.Equal(t, Batching, m.Tracker().State())
}

func TestMessageSize(t *testing.T) {
	m := NewMessage("t", []byte("key"), []byte("value"), 0, AnyPartition{})
	assert.Equal(t, len("key")+len("value"), m.Size())
}

func TestBumpAttemptExceedsLimit(t *testing.T) {
	m := NewMessage("t", nil, nil, 0, AnyPartition{})

	assert.False(t, m.BumpAttempt(2))
	assert.False(t, m.BumpAttempt(2))
	assert.True(t, m.BumpAttempt(2))
	assert.Equal(t, 3, m.Attempts)
}

func TestBumpAttemptUnbounded(t *testing.T) {
	m := NewMessage("t", nil, nil, 0, AnyPartition{})
	for i := 0; i < 10; i++ {
		assert.False(t, m.BumpAttempt(0))
	}
}

func TestTrackerTransitions(t *testing.T) {
	var tr Tracker
	assert.Equal(t, Batching, tr.State())

	tr.Advance(SendWait)
	assert.Equal(t, SendWait, tr.State())

	tr.Advance(AckWait)
	assert.Equal(t, AckWait, tr.State())

	tr.Advance(Processed)
	assert.Equal(t, Processed, tr.State())
	assert.Equal(t, "processed", tr.State().String())
}

func TestPartitionKeyRoutingType(t *testing.T) {
	var rt RoutingType = PartitionKey(7)
	pk, ok := rt.(PartitionKey)
	assert.True(t, ok)
	assert.EqualValues(t, 7, pk)
}
