// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package router

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/z5labs/kprod/anomaly"
	"github.com/z5labs/kprod/config"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/message"
	"github.com/z5labs/kprod/metadata"
)

func TestResolveBatchLimits(t *testing.T) {
	cfg := config.Config{Batching: config.Batching{
		DefaultTopic: config.TopicAction{NamedConfig: "def"},
		PerTopic: map[string]config.TopicAction{
			"fast":     {Disable: true},
			"slow":     {NamedConfig: "slowcfg"},
			"unnamed":  {NamedConfig: "missing"},
		},
		Named: map[string]config.NamedBatch{
			"def":     {MaxMessages: 100, MaxBytes: 1 << 20},
			"slowcfg": {MaxMessages: 1},
		},
	}}

	def, per, combinedEnable, _ := resolveBatchLimits(cfg)
	require.Equal(t, 100, def.MaxMessages)
	require.Equal(t, 1, per["fast"].MaxMessages)
	require.Equal(t, 1, per["slow"].MaxMessages)
	_, ok := per["unnamed"]
	require.False(t, ok)
	require.False(t, combinedEnable)
}

func TestResolveBatchLimitsCombinedTopics(t *testing.T) {
	cfg := config.Config{Batching: config.Batching{
		CombinedTopicsEnable:      true,
		CombinedTopicsNamedConfig: "shared",
		Named: map[string]config.NamedBatch{
			"shared": {MaxMessages: 50, MaxBytes: 4096},
		},
	}}

	_, _, combinedEnable, combinedLimit := resolveBatchLimits(cfg)
	require.True(t, combinedEnable)
	require.Equal(t, 50, combinedLimit.MaxMessages)
	require.Equal(t, 4096, combinedLimit.MaxBytes)
}

func TestResolveCompression(t *testing.T) {
	cfg := config.Config{Compression: config.Compression{
		SizeThresholdPercent: 75,
		DefaultNamedConfig:   "def",
		Named: map[string]config.NamedCompression{
			"def":  {Type: "gzip", MinSize: 256},
			"snap": {Type: "snappy"},
		},
		PerTopicNamedConfig: map[string]string{"t": "snap"},
	}}

	def, per := resolveCompression(cfg)
	require.InDelta(t, 0.75, def.MaxRatio, 1e-9)
	require.Equal(t, 256, def.MinSize)
	require.InDelta(t, 0.75, per["t"].MaxRatio, 1e-9)
}

func TestResolveRateLimiter(t *testing.T) {
	count := 1
	cfg := config.Config{RateLimiting: config.RateLimiting{
		DefaultNamedConfig: "def",
		Named: map[string]config.NamedRateLimit{
			"def": {Interval: time.Second, Count: &count},
		},
	}}

	lim := resolveRateLimiter(cfg)
	now := time.Unix(1000, 0)
	require.True(t, lim.Allow("anything", now))
	require.False(t, lim.Allow("anything", now))
}

func buildTestSnapshot(t *testing.T) *metadata.Snapshot {
	t.Helper()
	b := metadata.NewBuilder(nil)
	b.OpenBrokers()
	b.AddBroker(1, "broker-a", 9092)
	b.AddBroker(2, "broker-b", 9092)
	b.CloseBrokers()

	b.OpenTopic("t")
	b.AddPartition(0, 1, true, 0)
	b.AddPartition(1, 2, true, 0)
	b.AddPartition(2, 2, false, 5) // out of service
	b.CloseTopic()

	b.OpenTopic("dead")
	b.AddPartition(0, 1, false, 5)
	b.CloseTopic()

	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

func TestRoutePartitionKeyProbesForward(t *testing.T) {
	snap := buildTestSnapshot(t)
	topic, _, ok := snap.TopicByName("t")
	require.True(t, ok)

	// 3 partitions sorted by id: 0 (broker 1, in service), 1 (broker
	// 2, in service), 2 (broker 2, out of service).
	partitionID, brokerIdx, ok := routePartitionKey(snap, topic, 2)
	require.True(t, ok)
	require.Equal(t, int32(0), partitionID, "key 2 mod 3 lands on partition 2 (out of service), must probe forward to partition 0")
	wantIdx, _ := snap.BrokerIndex(1)
	require.Equal(t, wantIdx, brokerIdx)
}

func TestRoutePartitionKeyNoInServicePartitions(t *testing.T) {
	snap := buildTestSnapshot(t)
	topic, _, ok := snap.TopicByName("dead")
	require.True(t, ok)

	_, _, ok = routePartitionKey(snap, topic, 0)
	require.False(t, ok)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := config.Config{
		Batching: config.Batching{MessageMaxBytes: 64},
		Delivery: config.Delivery{
			KafkaSocketTimeout:        time.Second,
			ReplicationTimeout:        time.Second,
			DispatcherRestartMaxDelay: 200 * time.Millisecond,
			RequiredAcks:              1,
		},
		Anomaly: config.Anomaly{MaxExamplesPerReason: 4, BadMsgPrefixSize: 16},
	}
	return New(cfg, fakeProto{}, func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errNoDial
	}, nil)
}

var errNoDial = dialError{}

type dialError struct{}

func (dialError) Error() string { return "dial not available in this test" }

func TestValidateLongMsgDiscarded(t *testing.T) {
	r := newTestRouter(t)
	snap := buildTestSnapshot(t)

	msg := message.NewMessage("t", nil, make([]byte, 1024), 0, message.AnyPartition{})
	_, ok := r.validate(context.Background(), snap, msg)
	require.False(t, ok)
	require.Equal(t, int64(1), r.AnomalySnapshot().DiscardCounts[anomaly.LongMsg])
}

func TestValidateBadTopicDiscarded(t *testing.T) {
	r := newTestRouter(t)
	snap := buildTestSnapshot(t)

	msg := message.NewMessage("nonexistent", nil, []byte("v"), 0, message.AnyPartition{})
	_, ok := r.validate(context.Background(), snap, msg)
	require.False(t, ok)
}

func TestValidateNoAvailablePartitionsDiscarded(t *testing.T) {
	r := newTestRouter(t)
	snap := buildTestSnapshot(t)

	msg := message.NewMessage("dead", nil, []byte("v"), 0, message.AnyPartition{})
	_, ok := r.validate(context.Background(), snap, msg)
	require.False(t, ok)
}

func TestValidateAnyPartitionRoundRobins(t *testing.T) {
	r := newTestRouter(t)
	snap := buildTestSnapshot(t)

	idxA, okA := r.validate(context.Background(), snap, message.NewMessage("t", nil, []byte("a"), 0, message.AnyPartition{}))
	idxB, okB := r.validate(context.Background(), snap, message.NewMessage("t", nil, []byte("b"), 0, message.AnyPartition{}))
	require.True(t, okA)
	require.True(t, okB)
	require.NotEqual(t, idxA, idxB, "two ok partitions on distinct brokers should round-robin across both")
}

func TestValidatePartitionKeyResolvesRouting(t *testing.T) {
	r := newTestRouter(t)
	snap := buildTestSnapshot(t)

	msg := message.NewMessage("t", nil, []byte("v"), 0, message.PartitionKey(2))
	_, ok := r.validate(context.Background(), snap, msg)
	require.True(t, ok)
	require.Equal(t, message.PartitionKey(0), msg.Routing)
	require.Equal(t, int32(0), msg.Partition)
}

// --- full lifecycle test, over net.Pipe fake brokers ---

const (
	tagProduce    = byte('P')
	tagMetadata   = byte('M')
	tagAutocreate = byte('A')
)

type fakeProto struct{}

func (fakeProto) SingleMessageOverhead() int { return 8 }

func (fakeProto) EncodeMsgSet(msgs []kafkaproto.WireMsg) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m.Key...)
		out = append(out, m.Value...)
	}
	return out
}

func (fakeProto) EncodeCompressedWrapper(codec uint8, compressed []byte) []byte { return compressed }

func (fakeProto) BuildProduceRequest(correlationID int32, clientID string, requiredAcks int16, timeout time.Duration, topics []kafkaproto.ProduceRequestTopic) []byte {
	buf := []byte{tagProduce}
	buf = binary.BigEndian.AppendUint32(buf, uint32(correlationID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(topics)))
	for _, tp := range topics {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tp.Topic)))
		buf = append(buf, tp.Topic...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(tp.Partitions)))
		for _, p := range tp.Partitions {
			buf = binary.BigEndian.AppendUint32(buf, uint32(p.Partition))
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
			buf = append(buf, p.Payload...)
		}
	}
	return buf
}

type decodedProduceRequest struct {
	correlationID int32
	topics        []struct {
		name       string
		partitions []int32
	}
}

func decodeFakeProduceRequest(b []byte) decodedProduceRequest {
	var out decodedProduceRequest
	out.correlationID = int32(binary.BigEndian.Uint32(b))
	off := 4
	numTopics := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < numTopics; i++ {
		nameLen := binary.BigEndian.Uint16(b[off:])
		off += 2
		name := string(b[off : off+int(nameLen)])
		off += int(nameLen)
		numParts := binary.BigEndian.Uint32(b[off:])
		off += 4
		entry := struct {
			name       string
			partitions []int32
		}{name: name}
		for j := uint32(0); j < numParts; j++ {
			part := int32(binary.BigEndian.Uint32(b[off:]))
			off += 4
			payloadLen := binary.BigEndian.Uint32(b[off:])
			off += 4 + int(payloadLen)
			entry.partitions = append(entry.partitions, part)
		}
		out.topics = append(out.topics, entry)
	}
	return out
}

func encodeFakeProduceResponse(corrID int32, req decodedProduceRequest, errCode int16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(corrID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(req.topics)))
	for _, tp := range req.topics {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tp.name)))
		buf = append(buf, tp.name...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(tp.partitions)))
		for _, p := range tp.partitions {
			buf = binary.BigEndian.AppendUint32(buf, uint32(p))
			buf = binary.BigEndian.AppendUint16(buf, uint16(errCode))
		}
	}
	return buf
}

func (fakeProto) ParseProduceResponse(b []byte) ([]kafkaproto.TopicResult, error) {
	var out []kafkaproto.TopicResult
	off := 0 // the connector has already stripped the correlation id
	numTopics := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < numTopics; i++ {
		nameLen := binary.BigEndian.Uint16(b[off:])
		off += 2
		name := string(b[off : off+int(nameLen)])
		off += int(nameLen)
		numParts := binary.BigEndian.Uint32(b[off:])
		off += 4
		tr := kafkaproto.TopicResult{Topic: name}
		for j := uint32(0); j < numParts; j++ {
			part := int32(binary.BigEndian.Uint32(b[off:]))
			off += 4
			code := int16(binary.BigEndian.Uint16(b[off:]))
			off += 2
			tr.Partitions = append(tr.Partitions, kafkaproto.PartitionResult{Partition: part, ErrorCode: code})
		}
		out = append(out, tr)
	}
	return out, nil
}

func (fakeProto) ProcessAck(code int16) kafkaproto.Action {
	if code == 0 {
		return kafkaproto.AckOK
	}
	return kafkaproto.Discard
}

func (fakeProto) BuildMetadataRequest(topics []string, allTopics bool) []byte {
	return []byte{tagMetadata}
}

func encodeMetadataResponse(snap kafkaproto.MetadataSnapshot) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(snap.Brokers)))
	for _, b := range snap.Brokers {
		buf = binary.BigEndian.AppendUint32(buf, uint32(b.ID))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.Host)))
		buf = append(buf, b.Host...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(b.Port))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(snap.Topics)))
	for _, tp := range snap.Topics {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tp.Name)))
		buf = append(buf, tp.Name...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(tp.Partitions)))
		for _, p := range tp.Partitions {
			buf = binary.BigEndian.AppendUint32(buf, uint32(p.ID))
			buf = binary.BigEndian.AppendUint32(buf, uint32(p.LeaderBrokerID))
			buf = binary.BigEndian.AppendUint16(buf, uint16(p.ErrorCode))
		}
	}
	return buf
}

func (fakeProto) ParseMetadataResponse(b []byte) (*kafkaproto.MetadataSnapshot, error) {
	off := 0
	numBrokers := binary.BigEndian.Uint32(b[off:])
	off += 4
	var out kafkaproto.MetadataSnapshot
	for i := uint32(0); i < numBrokers; i++ {
		id := int32(binary.BigEndian.Uint32(b[off:]))
		off += 4
		hlen := binary.BigEndian.Uint16(b[off:])
		off += 2
		host := string(b[off : off+int(hlen)])
		off += int(hlen)
		port := int32(binary.BigEndian.Uint32(b[off:]))
		off += 4
		out.Brokers = append(out.Brokers, kafkaproto.BrokerMeta{ID: id, Host: host, Port: port})
	}
	numTopics := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < numTopics; i++ {
		nlen := binary.BigEndian.Uint16(b[off:])
		off += 2
		name := string(b[off : off+int(nlen)])
		off += int(nlen)
		numP := binary.BigEndian.Uint32(b[off:])
		off += 4
		tm := kafkaproto.TopicMeta{Name: name}
		for j := uint32(0); j < numP; j++ {
			pid := int32(binary.BigEndian.Uint32(b[off:]))
			off += 4
			lid := int32(binary.BigEndian.Uint32(b[off:]))
			off += 4
			ec := int16(binary.BigEndian.Uint16(b[off:]))
			off += 2
			tm.Partitions = append(tm.Partitions, kafkaproto.PartitionMeta{ID: pid, LeaderBrokerID: lid, ErrorCode: ec})
		}
		out.Topics = append(out.Topics, tm)
	}
	return &out, nil
}

func (fakeProto) BuildAutocreateRequest(topic string, replicationTimeout time.Duration) []byte {
	return []byte{tagAutocreate}
}

func (fakeProto) ParseAutocreateResponse(b []byte) (kafkaproto.AutocreateResult, error) {
	return kafkaproto.AutocreateSuccess, nil
}

func readOneFrameT(conn net.Conn) ([]byte, error) {
	var size [4]byte
	if _, err := readFullT(conn, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	body := make([]byte, n)
	if _, err := readFullT(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFullT(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrameT(conn net.Conn, body []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := conn.Write(size[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

// serveFakeBroker answers whatever the other end of conn dials into:
// a one-shot metadata/autocreate round trip, or a standing produce-ack
// loop, distinguished by the request's leading tag byte.
func serveFakeBroker(conn net.Conn, wireSnap kafkaproto.MetadataSnapshot) {
	body, err := readOneFrameT(conn)
	if err != nil {
		return
	}
	switch body[0] {
	case tagMetadata:
		_ = writeFrameT(conn, encodeMetadataResponse(wireSnap))
	case tagAutocreate:
		_ = writeFrameT(conn, []byte{0})
	case tagProduce:
		req := decodeFakeProduceRequest(body[1:])
		if writeFrameT(conn, encodeFakeProduceResponse(req.correlationID, req, 0)) != nil {
			return
		}
		for {
			body, err := readOneFrameT(conn)
			if err != nil || len(body) == 0 || body[0] != tagProduce {
				return
			}
			req := decodeFakeProduceRequest(body[1:])
			if writeFrameT(conn, encodeFakeProduceResponse(req.correlationID, req, 0)) != nil {
				return
			}
		}
	}
}

func TestRouterBootstrapDispatchAndShutdown(t *testing.T) {
	wireSnap := kafkaproto.MetadataSnapshot{
		Brokers: []kafkaproto.BrokerMeta{{ID: 1, Host: "broker-a", Port: 9092}},
		Topics: []kafkaproto.TopicMeta{
			{Name: "t", Partitions: []kafkaproto.PartitionMeta{{ID: 0, LeaderBrokerID: 1, ErrorCode: 0}}},
		},
	}

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go serveFakeBroker(server, wireSnap)
		return client, nil
	}

	cfg := config.Config{
		Batching: config.Batching{
			MessageMaxBytes:  1 << 20,
			RequestDataLimit: 1 << 20,
			DefaultTopic:     config.TopicAction{NamedConfig: "immediate"},
			Named:            map[string]config.NamedBatch{"immediate": {MaxMessages: 1}},
		},
		Delivery: config.Delivery{
			KafkaSocketTimeout:         time.Second,
			ReplicationTimeout:         time.Second,
			DispatcherRestartMaxDelay:  500 * time.Millisecond,
			MetadataRefreshInterval:    time.Hour,
			PauseRateLimitInitial:      10 * time.Millisecond,
			PauseRateLimitMaxDoublings: 3,
			MinPauseDelay:              5 * time.Millisecond,
			RequiredAcks:               1,
		},
		Anomaly:        config.Anomaly{MaxExamplesPerReason: 4, BadMsgPrefixSize: 16},
		InitialBrokers: []config.Broker{{Host: "broker-a", Port: 9092}},
	}

	r := New(cfg, fakeProto{}, dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-r.Signals().InitDone():
	case <-time.After(2 * time.Second):
		t.Fatal("router never finished bootstrap")
	}

	msg := message.NewMessage("t", nil, []byte("hello"), 0, message.AnyPartition{})
	r.Input().Push(msg)

	require.Eventually(t, func() bool {
		return r.AckCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.RequestShutdown(time.Now().Add(2 * time.Second))

	select {
	case <-r.Signals().ShutdownDone():
	case <-time.After(3 * time.Second):
		t.Fatal("router never finished shutdown")
	}

	require.NoError(t, <-done)
}
