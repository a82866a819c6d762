// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package metadata models the immutable cluster view the router and
// connectors route against.
package metadata

import "sort"

// Broker is one member of the cluster as seen by this snapshot.
type Broker struct {
	ID        int32
	Host      string
	Port      int32
	InService bool
}

// Partition is one topic partition as seen by this snapshot.
type Partition struct {
	ID        int32
	BrokerID  int32
	InService bool
	ErrorCode int16
}

// Topic is one topic's partition layout.
type Topic struct {
	Name string

	// OKPartitions are in-service, leader-known partitions in the
	// shuffled round-robin order CloseTopic produced.
	OKPartitions []Partition
	// OutOfServicePartitions are known but currently unusable.
	OutOfServicePartitions []Partition
	// AllPartitions is OKPartitions+OutOfServicePartitions sorted by id,
	// used for PartitionKey routing.
	AllPartitions []Partition
}

// Snapshot is an immutable view of brokers, topics and their partition
// layout, plus the compact per-(topic,broker) partition-choice index.
//
// Build it only through a Builder; never construct one by hand.
type Snapshot struct {
	Brokers      []Broker
	NumInService int

	topics     []Topic
	topicIndex map[string]int
	brokerIdx  map[int32]int

	// topicBrokerVec is the flat partition-id vector referenced by
	// each topic's broker->(offset,count) choice map.
	topicBrokerVec []int32
	choiceIndex    []map[int]choiceRange // parallel to topics
}

type choiceRange struct {
	offset int
	count  int
}

// Topics returns the snapshot's topics in insertion order.
func (s *Snapshot) Topics() []Topic {
	return s.topics
}

// TopicByName returns the topic with the given name, if present.
func (s *Snapshot) TopicByName(name string) (*Topic, int, bool) {
	i, ok := s.topicIndex[name]
	if !ok {
		return nil, 0, false
	}
	return &s.topics[i], i, true
}

// BrokerIndex returns the position of brokerID within s.Brokers.
func (s *Snapshot) BrokerIndex(brokerID int32) (int, bool) {
	i, ok := s.brokerIdx[brokerID]
	return i, ok
}

// PartitionChoices returns the strictly-ascending partition id slice
// that brokerIdx hosts for topic, or false if the pair isn't present.
func (s *Snapshot) PartitionChoices(topicIdx, brokerIdx int) ([]int32, bool) {
	if topicIdx < 0 || topicIdx >= len(s.choiceIndex) {
		return nil, false
	}
	r, ok := s.choiceIndex[topicIdx][brokerIdx]
	if !ok {
		return nil, false
	}
	return s.topicBrokerVec[r.offset : r.offset+r.count], true
}

// SanityCheck validates every invariant a freshly built Snapshot must
// hold. A violation here means the builder has a bug; callers treat a
// false return as fatal (spec.md §7 "Fatal" category), never as a
// recoverable error.
func (s *Snapshot) SanityCheck() bool {
	seenBroker := make(map[int32]bool, len(s.Brokers))
	inServicePrefix := true
	for i, b := range s.Brokers {
		if seenBroker[b.ID] {
			return false
		}
		seenBroker[b.ID] = true
		if b.InService {
			if !inServicePrefix {
				return false
			}
		} else {
			inServicePrefix = false
		}
		_ = i
	}
	if countInService(s.Brokers) != s.NumInService {
		return false
	}

	seenTopic := make(map[string]bool, len(s.topics))
	for _, t := range s.topics {
		if seenTopic[t.Name] {
			return false
		}
		seenTopic[t.Name] = true

		for _, p := range t.OKPartitions {
			if !seenBroker[p.BrokerID] {
				return false
			}
		}
		for _, p := range t.OutOfServicePartitions {
			if !seenBroker[p.BrokerID] {
				return false
			}
		}
		if len(t.OKPartitions)+len(t.OutOfServicePartitions) != len(t.AllPartitions) {
			return false
		}
		seenIDs := make(map[int32]int, len(t.AllPartitions))
		for _, p := range t.OKPartitions {
			seenIDs[p.ID]++
		}
		for _, p := range t.OutOfServicePartitions {
			seenIDs[p.ID]++
		}
		for _, p := range t.AllPartitions {
			if seenIDs[p.ID] != 1 {
				return false
			}
		}
	}
	return true
}

func countInService(bs []Broker) int {
	n := 0
	for _, b := range bs {
		if b.InService {
			n++
		}
	}
	return n
}

// Equal reports whether two snapshots carry the same brokers and the
// same per-topic partition content, regardless of insertion order.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if !sameBrokerSet(s.Brokers, o.Brokers) {
		return false
	}
	if len(s.topics) != len(o.topics) {
		return false
	}
	for _, t := range s.topics {
		ot, _, ok := o.TopicByName(t.Name)
		if !ok {
			return false
		}
		if !samePartitionSet(t.OKPartitions, ot.OKPartitions) {
			return false
		}
		if !samePartitionSet(t.OutOfServicePartitions, ot.OutOfServicePartitions) {
			return false
		}
	}
	return true
}

type brokerKey struct {
	id        int32
	host      string
	port      int32
	inService bool
}

func sameBrokerSet(a, b []Broker) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[brokerKey]int, len(a))
	for _, br := range a {
		count[brokerKey{br.ID, br.Host, br.Port, br.InService}]++
	}
	for _, br := range b {
		k := brokerKey{br.ID, br.Host, br.Port, br.InService}
		if count[k] == 0 {
			return false
		}
		count[k]--
	}
	return true
}

type partitionKey struct {
	id        int32
	brokerID  int32
	errorCode int16
}

func samePartitionSet(a, b []Partition) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[partitionKey]int, len(a))
	for _, p := range a {
		count[partitionKey{p.ID, p.BrokerID, p.ErrorCode}]++
	}
	for _, p := range b {
		k := partitionKey{p.ID, p.BrokerID, p.ErrorCode}
		if count[k] == 0 {
			return false
		}
		count[k]--
	}
	return true
}

func sortPartitionsByID(ps []Partition) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
