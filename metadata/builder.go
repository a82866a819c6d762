// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package metadata

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// FatalFunc is invoked when a freshly built Snapshot fails its sanity
// check — the single chokepoint for terminating the process on an
// invariant breach (spec.md §7 "Fatal", §9 DESIGN NOTES).
type FatalFunc func(reason string)

// Counters tallies the builder's recoverable warnings, so callers can
// surface them without this package reaching for a global.
type Counters struct {
	DuplicateBrokers  int
	DuplicateTopics   int
	DuplicatePartns   int
	UnknownBrokerRefs int
}

type builderBroker struct {
	id   int32
	host string
	port int32
}

type builderTopic struct {
	name      string
	closed    bool
	seenParts map[int32]bool
	ok        []builderPartition // broker field holds the builder-local broker index
	oos       []builderPartition
}

type builderPartition struct {
	id        int32
	brokerIdx int
	errCode   int16
}

// Builder assembles a Snapshot through the open/close protocol
// described in spec.md §4.1. A zero-value Builder is not usable; use
// NewBuilder.
type Builder struct {
	fatal FatalFunc

	brokers     []builderBroker
	brokerByID  map[int32]int
	brokersOpen bool
	brokersDone bool

	topics      []*builderTopic
	topicByName map[string]int

	Counters Counters
}

// NewBuilder creates a Builder. fatal is called (and Build aborts by
// returning a non-nil error before ever handing back a Snapshot) if the
// finished Snapshot fails its sanity check.
func NewBuilder(fatal FatalFunc) *Builder {
	return &Builder{
		fatal:       fatal,
		brokerByID:  make(map[int32]int),
		topicByName: make(map[string]int),
	}
}

// OpenBrokers begins the broker-registration phase.
func (b *Builder) OpenBrokers() {
	b.brokersOpen = true
}

// AddBroker registers one broker. A duplicate id is dropped and counted.
func (b *Builder) AddBroker(id int32, host string, port int32) {
	if _, exists := b.brokerByID[id]; exists {
		b.Counters.DuplicateBrokers++
		return
	}
	b.brokerByID[id] = len(b.brokers)
	b.brokers = append(b.brokers, builderBroker{id: id, host: host, port: port})
}

// CloseBrokers ends the broker-registration phase.
func (b *Builder) CloseBrokers() {
	b.brokersOpen = false
	b.brokersDone = true
}

// OpenTopic begins registering one topic's partitions. It returns false
// (and counts a warning) if the topic name was already opened; a false
// return must not be followed by CloseTopic.
func (b *Builder) OpenTopic(name string) bool {
	if _, exists := b.topicByName[name]; exists {
		b.Counters.DuplicateTopics++
		return false
	}
	t := &builderTopic{name: name, seenParts: make(map[int32]bool)}
	b.topicByName[name] = len(b.topics)
	b.topics = append(b.topics, t)
	return true
}

// AddPartition registers one partition of the most recently opened,
// not-yet-closed topic. Duplicate partition ids within the topic, and
// partitions referencing an unknown broker id, are dropped and counted.
func (b *Builder) AddPartition(partitionID, brokerID int32, canSend bool, errCode int16) {
	t := b.topics[len(b.topics)-1]
	if t.closed {
		panic("metadata: AddPartition called after CloseTopic")
	}
	if t.seenParts[partitionID] {
		b.Counters.DuplicatePartns++
		return
	}
	brokerIdx, ok := b.brokerByID[brokerID]
	if !ok {
		// May occur when the sole-replica broker is down.
		b.Counters.UnknownBrokerRefs++
		return
	}
	t.seenParts[partitionID] = true
	p := builderPartition{id: partitionID, brokerIdx: brokerIdx, errCode: errCode}
	if canSend {
		t.ok = append(t.ok, p)
	} else {
		t.oos = append(t.oos, p)
	}
}

// CloseTopic finalizes the current topic: sorts ok partitions by
// (broker index, partition id), then shuffles that order so the
// AnyPartition round-robin spread differs per host. Build later derives
// the flat choice vector and each broker's in-service flag from the
// ok partitions.
func (b *Builder) CloseTopic() {
	t := b.topics[len(b.topics)-1]
	t.closed = true

	sort.Slice(t.ok, func(i, j int) bool {
		if t.ok[i].brokerIdx != t.ok[j].brokerIdx {
			return t.ok[i].brokerIdx < t.ok[j].brokerIdx
		}
		return t.ok[i].id < t.ok[j].id
	})

	rand.Shuffle(len(t.ok), func(i, j int) { t.ok[i], t.ok[j] = t.ok[j], t.ok[i] })
}

// Build finalizes the Snapshot: moves in-service brokers to a
// contiguous prefix, rewrites every partition's broker index through
// that permutation, builds the flat partition-choice vector, and runs
// the sanity check. On a sanity-check failure, fatal is invoked and an
// error is returned instead of a Snapshot.
func (b *Builder) Build() (*Snapshot, error) {
	inService := make(map[int]bool, len(b.brokers))
	for _, t := range b.topics {
		for _, p := range t.ok {
			inService[p.brokerIdx] = true
		}
	}

	perm := make([]int, 0, len(b.brokers)) // perm[newIdx] = oldIdx
	for oldIdx := range b.brokers {
		if inService[oldIdx] {
			perm = append(perm, oldIdx)
		}
	}
	numInService := len(perm)
	for oldIdx := range b.brokers {
		if !inService[oldIdx] {
			perm = append(perm, oldIdx)
		}
	}

	oldToNew := make([]int, len(b.brokers))
	for newIdx, oldIdx := range perm {
		oldToNew[oldIdx] = newIdx
	}

	brokers := make([]Broker, len(perm))
	brokerIdxByID := make(map[int32]int, len(perm))
	for newIdx, oldIdx := range perm {
		ob := b.brokers[oldIdx]
		brokers[newIdx] = Broker{
			ID:        ob.id,
			Host:      ob.host,
			Port:      ob.port,
			InService: inService[oldIdx],
		}
		brokerIdxByID[ob.id] = newIdx
	}

	topics := make([]Topic, len(b.topics))
	topicIndex := make(map[string]int, len(b.topics))
	topicBrokerVec := make([]int32, 0)
	choiceIndex := make([]map[int]choiceRange, len(b.topics))

	for ti, bt := range b.topics {
		topicIndex[bt.name] = ti

		ok := make([]Partition, len(bt.ok))
		for i, p := range bt.ok {
			newIdx := oldToNew[p.brokerIdx]
			ok[i] = Partition{
				ID:        p.id,
				BrokerID:  brokers[newIdx].ID,
				InService: true,
				ErrorCode: p.errCode,
			}
		}

		oos := make([]Partition, len(bt.oos))
		for i, p := range bt.oos {
			newIdx := oldToNew[p.brokerIdx]
			oos[i] = Partition{
				ID:        p.id,
				BrokerID:  brokers[newIdx].ID,
				InService: false,
				ErrorCode: p.errCode,
			}
		}

		all := make([]Partition, 0, len(ok)+len(oos))
		all = append(all, ok...)
		all = append(all, oos...)
		sortPartitionsByID(all)

		topics[ti] = Topic{
			Name:                   bt.name,
			OKPartitions:           ok,
			OutOfServicePartitions: oos,
			AllPartitions:          all,
		}

		// Build the per-(topic,broker) flat choice vector from bt.ok.
		// CloseTopic shuffled bt.ok, so ids are grouped by new broker
		// index here and each broker's run is sorted by id below.
		byNewBroker := make(map[int][]int32)
		order := make([]int, 0)
		seenBroker := make(map[int]bool)
		for _, p := range bt.ok {
			newIdx := oldToNew[p.brokerIdx]
			byNewBroker[newIdx] = append(byNewBroker[newIdx], p.id)
			if !seenBroker[newIdx] {
				seenBroker[newIdx] = true
				order = append(order, newIdx)
			}
		}
		rangeMap := make(map[int]choiceRange, len(order))
		for _, brokerIdx := range order {
			ids := byNewBroker[brokerIdx]
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			offset := len(topicBrokerVec)
			topicBrokerVec = append(topicBrokerVec, ids...)
			rangeMap[brokerIdx] = choiceRange{offset: offset, count: len(ids)}
		}
		choiceIndex[ti] = rangeMap
	}

	snap := &Snapshot{
		Brokers:        brokers,
		NumInService:   numInService,
		topics:         topics,
		topicIndex:     topicIndex,
		brokerIdx:      brokerIdxByID,
		topicBrokerVec: topicBrokerVec,
		choiceIndex:    choiceIndex,
	}

	if !snap.SanityCheck() {
		reason := fmt.Sprintf("metadata: sanity check failed building snapshot of %d brokers, %d topics", len(brokers), len(topics))
		if b.fatal != nil {
			b.fatal(reason)
		}
		return nil, fmt.Errorf("%s", reason)
	}
	return snap, nil
}
