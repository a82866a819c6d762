// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package router implements the top-level supervisor: it owns the
// input gate, validates and routes each message against the current
// metadata snapshot, restarts the dispatcher on pause or metadata
// change, and drives shutdown. It is the idiomatic-Go rendering of
// spec.md §4.7's single-threaded poll loop — one goroutine selecting
// over channels instead of polling file descriptors.
package router

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/z5labs/kprod"
	"github.com/z5labs/kprod/anomaly"
	"github.com/z5labs/kprod/batch"
	"github.com/z5labs/kprod/compress"
	"github.com/z5labs/kprod/config"
	"github.com/z5labs/kprod/connector"
	"github.com/z5labs/kprod/dispatch"
	"github.com/z5labs/kprod/gate"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/message"
	"github.com/z5labs/kprod/metadata"
	"github.com/z5labs/kprod/produce"
	"github.com/z5labs/kprod/ratelimit"
)

// Signals exposes the process-level surface spec.md §6 names as a
// readable FD — as channels instead, the idiomatic Go rendering.
type Signals struct {
	initDone     chan struct{}
	shutdownDone chan struct{}
	metaUpdate   *gate.Signal
}

func newSignals() *Signals {
	return &Signals{
		initDone:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
		metaUpdate:   gate.NewSignal(),
	}
}

// InitDone becomes readable once bootstrap has finished and the
// dispatcher is running.
func (s *Signals) InitDone() <-chan struct{} { return s.initDone }

// ShutdownDone becomes readable once Run has finished a requested
// shutdown.
func (s *Signals) ShutdownDone() <-chan struct{} { return s.shutdownDone }

// MetadataUpdateRequested becomes readable once RequestMetadataUpdate
// has been called at least once since the last refresh.
func (s *Signals) MetadataUpdateRequested() <-chan struct{} { return s.metaUpdate.C() }

// RequestMetadataUpdate asks Run to refresh metadata out of band, e.g.
// after a successful topic-autocreate round trip.
func (s *Signals) RequestMetadataUpdate() { s.metaUpdate.Push() }

// Router is the single-goroutine supervisor. Run owns it for its
// entire lifetime; every other method is safe to call concurrently
// from the caller that also drives Run.
type Router struct {
	cfg    config.Config
	proto  kafkaproto.Proto
	dialer connector.Dialer
	fatal  metadata.FatalFunc
	anoms  *anomaly.Tracker
	log    *slog.Logger

	limits              produce.Limits
	batchDefault        batch.Limit
	batchPerTopic       map[string]batch.Limit
	batchCombined       bool
	batchCombinedLimit  batch.Limit
	topicLimiter        *ratelimit.TopicLimiter
	pauseLimiter        *ratelimit.PauseLimiter

	input   *gate.Gate[*message.Message]
	signals *Signals

	snapshot atomic.Pointer[metadata.Snapshot]

	routeMu       sync.Mutex
	routeCounters map[string]*atomic.Uint64

	shutdownReq chan time.Time
}

// New builds a Router from cfg. fatal is invoked if a fetched
// metadata response fails its sanity check — see metadata.FatalFunc.
func New(cfg config.Config, proto kafkaproto.Proto, dialer connector.Dialer, fatal metadata.FatalFunc) *Router {
	batchDefault, batchPerTopic, combinedEnable, combinedLimit := resolveBatchLimits(cfg)

	return &Router{
		cfg:                cfg,
		proto:              proto,
		dialer:             dialer,
		fatal:              fatal,
		anoms:              anomaly.NewTracker(cfg.Anomaly.MaxExamplesPerReason, cfg.Anomaly.BadMsgPrefixSize),
		log:                kprod.Logger("github.com/z5labs/kprod/router"),
		limits:             buildProduceLimits(cfg),
		batchDefault:       batchDefault,
		batchPerTopic:      batchPerTopic,
		batchCombined:      combinedEnable,
		batchCombinedLimit: combinedLimit,
		topicLimiter:       resolveRateLimiter(cfg),
		pauseLimiter: ratelimit.NewPauseLimiter(ratelimit.PauseConfig{
			InitialDelay: cfg.Delivery.PauseRateLimitInitial,
			MaxDoublings: cfg.Delivery.PauseRateLimitMaxDoublings,
			MinDelay:     cfg.Delivery.MinPauseDelay,
		}),
		input:         gate.New[*message.Message](),
		signals:       newSignals(),
		routeCounters: make(map[string]*atomic.Uint64),
		shutdownReq:   make(chan time.Time, 1),
	}
}

// Input is the MPSC gate the outer input agent pushes validated
// messages onto.
func (r *Router) Input() *gate.Gate[*message.Message] { return r.input }

// Signals returns the process-level surface.
func (r *Router) Signals() *Signals { return r.signals }

// AnomalySnapshot returns the current anomaly counters and examples.
func (r *Router) AnomalySnapshot() anomaly.Snapshot { return r.anoms.Snapshot() }

// AckCount returns the running total of produced messages that
// reached ack_ok.
func (r *Router) AckCount() int64 { return r.anoms.AckCount() }

// CurrentMetadata returns the snapshot currently in effect, or nil
// before bootstrap completes.
func (r *Router) CurrentMetadata() *metadata.Snapshot { return r.snapshot.Load() }

// RequestShutdown asks Run to begin a slow shutdown, honouring
// deadline as the hard cutoff. A second call only tightens an
// already-pending deadline's forwarded value, never loosens it,
// matching spec.md §5's monotonic-deadline rule.
func (r *Router) RequestShutdown(deadline time.Time) {
	for {
		select {
		case r.shutdownReq <- deadline:
			return
		default:
		}
		select {
		case pending := <-r.shutdownReq:
			if pending.Before(deadline) {
				deadline = pending
			}
		default:
		}
	}
}

// Run drives the router to completion: bootstrap, then the main poll
// loop, until ctx is cancelled or a shutdown request finishes
// draining. It returns nil on a clean shutdown.
func (r *Router) Run(ctx context.Context) error {
	snap, err := r.bootstrap(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Store(snap)

	disp := dispatch.Start(ctx, snap, r.newConnector)
	close(r.signals.initDone)
	r.log.InfoContext(ctx, "router initialized", slog.Int("brokers", len(snap.Brokers)), slog.Int("in_service", snap.NumInService))

	refreshTimer := time.NewTimer(r.nextRefreshInterval())
	defer refreshTimer.Stop()

	// A zero or negative interval disables rotation (a nil channel never
	// fires in the select below) rather than panicking NewTicker.
	var rotateC <-chan time.Time
	if r.cfg.Anomaly.DiscardReportInterval > 0 {
		rotateTicker := time.NewTicker(r.cfg.Anomaly.DiscardReportInterval)
		defer rotateTicker.Stop()
		rotateC = rotateTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-rotateC:
			r.anoms.Rotate()

		case deadline := <-r.shutdownReq:
			return r.slowShutdown(disp, snap, deadline)

		case <-r.input.Ready():
			r.drainInput(ctx, disp, snap)

		case <-disp.PauseSignal().C():
			newDisp, newSnap, err := r.handlePause(ctx, disp, snap)
			if err != nil {
				return err
			}
			disp, snap = newDisp, newSnap
			r.snapshot.Store(snap)
			refreshTimer.Reset(r.nextRefreshInterval())

		case <-r.signals.MetadataUpdateRequested():
			newDisp, newSnap, changed, err := r.refresh(ctx, disp, snap, false)
			if err != nil {
				return err
			}
			if changed {
				disp, snap = newDisp, newSnap
				r.snapshot.Store(snap)
			}
			refreshTimer.Reset(r.nextRefreshInterval())

		case <-refreshTimer.C:
			newDisp, newSnap, changed, err := r.refresh(ctx, disp, snap, r.cfg.Delivery.CompareMetadataOnRefresh)
			if err != nil {
				return err
			}
			if changed {
				disp, snap = newDisp, newSnap
				r.snapshot.Store(snap)
			}
			refreshTimer.Reset(r.nextRefreshInterval())
		}
	}
}

func (r *Router) drainInput(ctx context.Context, disp *dispatch.Dispatcher, snap *metadata.Snapshot) {
	for _, msg := range r.input.Drain() {
		r.routeAndDispatch(ctx, disp, snap, msg)
	}
}

func (r *Router) routeAndDispatch(ctx context.Context, disp *dispatch.Dispatcher, snap *metadata.Snapshot, msg *message.Message) {
	brokerIdx, ok := r.validate(ctx, snap, msg)
	if !ok {
		return
	}
	disp.Dispatch(msg, brokerIdx)
}

// validate implements spec.md §4.7's per-message checks, in order:
// oversize, unknown topic (autocreate-or-discard), no in-service
// partitions, rate limit, then routes the survivor.
func (r *Router) validate(ctx context.Context, snap *metadata.Snapshot, msg *message.Message) (brokerIdx int, ok bool) {
	if msg.Truncated || len(msg.Key)+len(msg.Value)+r.proto.SingleMessageOverhead() > r.cfg.Batching.MessageMaxBytes {
		r.anoms.Discard(ctx, anomaly.LongMsg, msg.Topic, msg.Key, msg.Value)
		return 0, false
	}

	topic, _, found := snap.TopicByName(msg.Topic)
	if !found {
		if !r.cfg.Delivery.TopicAutocreate {
			r.anoms.Discard(ctx, anomaly.BadTopic, msg.Topic, msg.Key, msg.Value)
			return 0, false
		}
		if r.tryAutocreate(ctx, snap, msg.Topic) {
			r.anoms.Discard(ctx, anomaly.BadTopic, msg.Topic, msg.Key, msg.Value)
		} else {
			r.anoms.Discard(ctx, anomaly.FailedTopicAutocreate, msg.Topic, msg.Key, msg.Value)
		}
		return 0, false
	}

	if len(topic.OKPartitions) == 0 {
		r.anoms.Discard(ctx, anomaly.NoAvailablePartitions, msg.Topic, msg.Key, msg.Value)
		return 0, false
	}

	if !r.topicLimiter.Allow(msg.Topic, time.UnixMilli(msg.Timestamp)) {
		r.anoms.Discard(ctx, anomaly.RateLimit, msg.Topic, msg.Key, msg.Value)
		return 0, false
	}

	switch rt := msg.Routing.(type) {
	case message.AnyPartition:
		idx, ok := r.routeAnyPartition(snap, topic)
		if !ok {
			r.anoms.Discard(ctx, anomaly.NoAvailablePartitions, msg.Topic, msg.Key, msg.Value)
			return 0, false
		}
		return idx, true

	case message.PartitionKey:
		partitionID, idx, ok := routePartitionKey(snap, topic, int32(rt))
		if !ok {
			r.anoms.Discard(ctx, anomaly.NoAvailablePartitions, msg.Topic, msg.Key, msg.Value)
			return 0, false
		}
		msg.Partition = partitionID
		msg.Routing = message.PartitionKey(partitionID)
		return idx, true

	default:
		r.anoms.BugDetected("router: message carries unknown routing type")
		return 0, false
	}
}

// routeAnyPartition implements the AnyPartition rule: increment the
// topic's route counter and choose ok_partitions[counter mod n].
func (r *Router) routeAnyPartition(snap *metadata.Snapshot, topic *metadata.Topic) (brokerIdx int, ok bool) {
	n := len(topic.OKPartitions)
	if n == 0 {
		return 0, false
	}
	p := topic.OKPartitions[r.nextRouteCount(topic.Name)%uint64(n)]
	return snap.BrokerIndex(p.BrokerID)
}

func (r *Router) nextRouteCount(topic string) uint64 {
	r.routeMu.Lock()
	c, ok := r.routeCounters[topic]
	if !ok {
		c = new(atomic.Uint64)
		r.routeCounters[topic] = c
	}
	r.routeMu.Unlock()
	return c.Add(1) - 1
}

// routePartitionKey implements the PartitionKey rule: probe
// all_partitions[uint32(key) mod n] for an in-service broker, linearly
// scanning forward on a miss.
func routePartitionKey(snap *metadata.Snapshot, topic *metadata.Topic, key int32) (partitionID int32, brokerIdx int, ok bool) {
	all := topic.AllPartitions
	n := len(all)
	if n == 0 {
		return 0, 0, false
	}
	start := int(uint32(key) % uint32(n))
	for i := 0; i < n; i++ {
		p := all[(start+i)%n]
		if !p.InService {
			continue
		}
		idx, found := snap.BrokerIndex(p.BrokerID)
		if found {
			return p.ID, idx, true
		}
	}
	return 0, 0, false
}

// tryAutocreate asks the first known broker to autocreate topic, and
// on success pokes a metadata refresh; the message that triggered it
// is still discarded this round since the topic isn't in the current
// snapshot yet.
func (r *Router) tryAutocreate(ctx context.Context, snap *metadata.Snapshot, topic string) bool {
	if len(snap.Brokers) == 0 {
		return false
	}
	addr := brokerAddr(snap.Brokers[0])

	conn, err := r.dialer(ctx, addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(r.cfg.Delivery.KafkaSocketTimeout))

	req := r.proto.BuildAutocreateRequest(topic, r.cfg.Delivery.ReplicationTimeout)
	if _, err := conn.Write(frameBytes(req)); err != nil {
		return false
	}
	body, err := readOneFrame(conn)
	if err != nil {
		return false
	}
	result, err := r.proto.ParseAutocreateResponse(body)
	if err != nil || result != kafkaproto.AutocreateSuccess {
		return false
	}

	r.signals.RequestMetadataUpdate()
	return true
}

// handlePause implements spec.md §4.7's pause handling: rate-limited
// backoff, fast-shutdown and join the dispatcher, refetch metadata,
// restart, reroute.
func (r *Router) handlePause(ctx context.Context, disp *dispatch.Dispatcher, snap *metadata.Snapshot) (*dispatch.Dispatcher, *metadata.Snapshot, error) {
	select {
	case <-time.After(r.pauseLimiter.NextDelay()):
	case <-ctx.Done():
		return disp, snap, ctx.Err()
	}

	restartDeadline := time.Now().Add(r.cfg.Delivery.DispatcherRestartMaxDelay)
	disp.StartFastShutdown(restartDeadline)
	if _, err := disp.JoinAll(); err != nil {
		r.log.WarnContext(ctx, "dispatcher join after pause returned an error", slog.Any("error", err))
	}

	newSnap, err := r.fetchMetadata(ctx, snap)
	if err != nil {
		r.log.WarnContext(ctx, "metadata refetch after pause failed, restarting against stale snapshot", slog.Any("error", err))
		newSnap = snap
	}

	newDisp := dispatch.Start(ctx, newSnap, r.newConnector)
	r.reroute(ctx, newDisp, newSnap, disp, snap)
	return newDisp, newSnap, nil
}

// refresh implements the periodic metadata refresh: optionally
// short-circuits on an unchanged snapshot, otherwise restarts the
// dispatcher against the new one and reroutes drained traffic.
func (r *Router) refresh(ctx context.Context, disp *dispatch.Dispatcher, snap *metadata.Snapshot, compare bool) (newDisp *dispatch.Dispatcher, newSnap *metadata.Snapshot, changed bool, err error) {
	fetched, err := r.fetchMetadata(ctx, snap)
	if err != nil {
		r.log.WarnContext(ctx, "metadata refresh failed, keeping current snapshot", slog.Any("error", err))
		return disp, snap, false, nil
	}

	if compare && snap.Equal(fetched) {
		r.log.DebugContext(ctx, "metadata refresh: no change")
		return disp, snap, false, nil
	}

	restartDeadline := time.Now().Add(r.cfg.Delivery.DispatcherRestartMaxDelay)
	disp.StartFastShutdown(restartDeadline)
	if _, err := disp.JoinAll(); err != nil {
		r.log.WarnContext(ctx, "dispatcher join during refresh returned an error", slog.Any("error", err))
	}

	newDisp = dispatch.Start(ctx, fetched, r.newConnector)
	r.reroute(ctx, newDisp, fetched, disp, snap)
	r.pauseLimiter.Reset()
	r.resetRouteCounters()

	return newDisp, fetched, true, nil
}

func (r *Router) resetRouteCounters() {
	r.routeMu.Lock()
	r.routeCounters = make(map[string]*atomic.Uint64)
	r.routeMu.Unlock()
}

// reroute drains oldDisp's per-broker send-wait and no-ack queues and
// re-dispatches every message against newSnap via newDisp, crediting
// every no-ack message as a possible duplicate first — the canonical
// source spec.md §4.7 names. Reroute targets are chosen by the
// AnyPartition rule regardless of the message's original routing,
// matching spec.md §5's "messages may be reordered across partitions
// of the same topic" note.
func (r *Router) reroute(ctx context.Context, newDisp *dispatch.Dispatcher, newSnap *metadata.Snapshot, oldDisp *dispatch.Dispatcher, oldSnap *metadata.Snapshot) {
	for i, b := range oldSnap.Brokers {
		if !b.InService {
			continue
		}
		for _, bt := range oldDisp.DrainNoAckQueueAfterShutdown(i) {
			for range bt.Messages {
				r.anoms.PossibleDuplicate(ctx, bt.Topic)
			}
			r.redispatchBatch(ctx, newDisp, newSnap, bt)
		}
		for _, bt := range oldDisp.DrainSendWaitQueueAfterShutdown(i) {
			r.redispatchBatch(ctx, newDisp, newSnap, bt)
		}
	}
}

func (r *Router) redispatchBatch(ctx context.Context, disp *dispatch.Dispatcher, snap *metadata.Snapshot, bt batch.Batch) {
	topic, _, found := snap.TopicByName(bt.Topic)
	if !found {
		for _, m := range bt.Messages {
			r.anoms.Discard(ctx, anomaly.NoAvailablePartitions, bt.Topic, m.Key, m.Value)
		}
		return
	}
	brokerIdx, ok := r.routeAnyPartition(snap, topic)
	if !ok {
		for _, m := range bt.Messages {
			r.anoms.Discard(ctx, anomaly.NoAvailablePartitions, bt.Topic, m.Key, m.Value)
		}
		return
	}
	disp.DispatchNow(bt, brokerIdx)
}

// slowShutdown implements spec.md §4.7's slow shutdown: stop reading
// the input gate, drain and route whatever remains, forward the
// shutdown to the dispatcher with deadline, then, once the dispatcher
// finishes, discard every unsent straggler and credit every
// unacknowledged one as a possible duplicate.
func (r *Router) slowShutdown(disp *dispatch.Dispatcher, snap *metadata.Snapshot, deadline time.Time) error {
	ctx := context.Background()

	r.input.Close()
	for _, msg := range r.input.Drain() {
		r.routeAndDispatch(ctx, disp, snap, msg)
	}

	disp.StartSlowShutdown(deadline)
	if _, err := disp.JoinAll(); err != nil {
		r.log.WarnContext(ctx, "dispatcher join during slow shutdown returned an error", slog.Any("error", err))
	}

	for i, b := range snap.Brokers {
		if !b.InService {
			continue
		}
		for _, bt := range disp.DrainNoAckQueueAfterShutdown(i) {
			r.anoms.PossibleDuplicate(ctx, bt.Topic)
		}
		for _, bt := range disp.DrainSendWaitQueueAfterShutdown(i) {
			for _, m := range bt.Messages {
				r.anoms.Discard(ctx, anomaly.ServerShutdown, bt.Topic, m.Key, m.Value)
			}
		}
	}

	close(r.signals.shutdownDone)
	return nil
}

// bootstrap picks brokers from the configured initial list in random
// order, retrying the whole list with a bounded exponential backoff
// (reusing the pause limiter's shape, since spec.md names no separate
// bootstrap-backoff config) until one answers or ctx/shutdown fires.
func (r *Router) bootstrap(ctx context.Context) (*metadata.Snapshot, error) {
	if len(r.cfg.InitialBrokers) == 0 {
		return nil, errors.New("router: no initial brokers configured")
	}

	backoff := ratelimit.NewPauseLimiter(ratelimit.PauseConfig{
		InitialDelay: r.cfg.Delivery.PauseRateLimitInitial,
		MaxDoublings: r.cfg.Delivery.PauseRateLimitMaxDoublings,
		MinDelay:     r.cfg.Delivery.MinPauseDelay,
	})

	for {
		for _, i := range shuffledIndices(len(r.cfg.InitialBrokers)) {
			b := r.cfg.InitialBrokers[i]
			addr := net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
			snap, err := r.fetchMetadataFrom(ctx, addr)
			if err == nil {
				return snap, nil
			}
			r.log.WarnContext(ctx, "bootstrap metadata fetch failed", slog.String("broker", addr), slog.Any("error", err))
		}

		select {
		case <-time.After(backoff.NextDelay()):
		case <-r.shutdownReq:
			return nil, errors.New("router: shutdown requested during bootstrap")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetchMetadata tries every broker in snap (if non-nil) or the
// configured initial list, in random order, returning the first
// successful parse.
func (r *Router) fetchMetadata(ctx context.Context, snap *metadata.Snapshot) (*metadata.Snapshot, error) {
	var addrs []string
	if snap != nil {
		for _, b := range snap.Brokers {
			addrs = append(addrs, brokerAddr(b))
		}
	}
	if len(addrs) == 0 {
		for _, b := range r.cfg.InitialBrokers {
			addrs = append(addrs, net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port))))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("router: no brokers known to fetch metadata from")
	}

	var lastErr error
	for _, i := range shuffledIndices(len(addrs)) {
		s, err := r.fetchMetadataFrom(ctx, addrs[i])
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Router) fetchMetadataFrom(ctx context.Context, addr string) (*metadata.Snapshot, error) {
	conn, err := r.dialer(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(r.cfg.Delivery.KafkaSocketTimeout))

	req := r.proto.BuildMetadataRequest(nil, true)
	if _, err := conn.Write(frameBytes(req)); err != nil {
		return nil, err
	}

	body, err := readOneFrame(conn)
	if err != nil {
		return nil, err
	}

	wire, err := r.proto.ParseMetadataResponse(body)
	if err != nil {
		return nil, err
	}

	return buildSnapshot(wire, r.fatal)
}

func buildSnapshot(wire *kafkaproto.MetadataSnapshot, fatal metadata.FatalFunc) (*metadata.Snapshot, error) {
	b := metadata.NewBuilder(fatal)
	b.OpenBrokers()
	for _, br := range wire.Brokers {
		b.AddBroker(br.ID, br.Host, br.Port)
	}
	b.CloseBrokers()

	for _, t := range wire.Topics {
		if !b.OpenTopic(t.Name) {
			continue
		}
		for _, p := range t.Partitions {
			b.AddPartition(p.ID, p.LeaderBrokerID, p.ErrorCode == 0, p.ErrorCode)
		}
		b.CloseTopic()
	}

	return b.Build()
}

func (r *Router) newConnector(b metadata.Broker, partitionChoices map[string][]int32) *connector.Connector {
	cfg := connector.Config{
		BrokerID:            b.ID,
		Addr:                brokerAddr(b),
		SocketIdle:          r.cfg.Delivery.KafkaSocketTimeout,
		Limits:              r.limits,
		MaxAttempts:         r.cfg.Delivery.MaxFailedDeliveryAttempts,
		BatchDefault:        r.batchDefault,
		BatchPerTopic:       r.batchPerTopic,
		BatchCombinedEnable: r.batchCombined,
		BatchCombinedLimit:  r.batchCombinedLimit,
	}
	return connector.New(cfg, r.proto, r.anoms, r.dialer, partitionChoices)
}

func (r *Router) nextRefreshInterval() time.Duration {
	base := r.cfg.Delivery.MetadataRefreshInterval
	jitter := (rand.Float64()*0.4 - 0.2) * float64(base) // ±20%
	return base + time.Duration(jitter)
}

func brokerAddr(b metadata.Broker) string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

func shuffledIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rand.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

func frameBytes(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func readOneFrame(conn net.Conn) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(conn, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// resolveBatchLimits turns the named-config indirection in
// config.Batching into concrete batch.Limit values, plus the
// combined-topics toggle: when CombinedTopicsEnable is set, every topic
// shares one batch governed by CombinedTopicsNamedConfig instead of the
// default/per-topic scheme below.
func resolveBatchLimits(cfg config.Config) (def batch.Limit, perTopic map[string]batch.Limit, combinedEnable bool, combinedLimit batch.Limit) {
	if !cfg.Batching.DefaultTopic.Disable {
		if nc, ok := cfg.Batching.Named[cfg.Batching.DefaultTopic.NamedConfig]; ok {
			def = namedToBatchLimit(nc)
		}
	}

	perTopic = make(map[string]batch.Limit, len(cfg.Batching.PerTopic))
	for topic, action := range cfg.Batching.PerTopic {
		if action.Disable {
			perTopic[topic] = batch.Limit{MaxMessages: 1}
			continue
		}
		if nc, ok := cfg.Batching.Named[action.NamedConfig]; ok {
			perTopic[topic] = namedToBatchLimit(nc)
		}
	}

	if cfg.Batching.CombinedTopicsEnable {
		combinedEnable = true
		if nc, ok := cfg.Batching.Named[cfg.Batching.CombinedTopicsNamedConfig]; ok {
			combinedLimit = namedToBatchLimit(nc)
		}
	}

	return def, perTopic, combinedEnable, combinedLimit
}

func namedToBatchLimit(n config.NamedBatch) batch.Limit {
	return batch.Limit{MaxTime: n.MaxTime, MaxMessages: n.MaxMessages, MaxBytes: n.MaxBytes}
}

func buildProduceLimits(cfg config.Config) produce.Limits {
	defComp, perComp := resolveCompression(cfg)
	return produce.Limits{
		RequestDataLimit:   cfg.Batching.RequestDataLimit,
		MessageMaxBytes:    cfg.Batching.MessageMaxBytes,
		ClientID:           cfg.Delivery.EffectiveClientID(),
		RequiredAcks:       cfg.Delivery.RequiredAcks,
		Timeout:            cfg.Delivery.ReplicationTimeout,
		DefaultCompression: defComp,
		TopicCompression:   perComp,
	}
}

// resolveCompression turns the named-config indirection in
// config.Compression into concrete compress.Config values.
// SizeThresholdPercent is interpreted as compress.Config.MaxRatio
// (compressed/uncompressed), the most direct Go rendering of "reject
// compression above this percentage of the original size".
func resolveCompression(cfg config.Config) (compress.Config, map[string]compress.Config) {
	maxRatio := float64(cfg.Compression.SizeThresholdPercent) / 100

	def := compress.Config{}
	if nc, ok := cfg.Compression.Named[cfg.Compression.DefaultNamedConfig]; ok {
		def = namedToCompress(nc, maxRatio)
	}

	per := make(map[string]compress.Config, len(cfg.Compression.PerTopicNamedConfig))
	for topic, name := range cfg.Compression.PerTopicNamedConfig {
		if nc, ok := cfg.Compression.Named[name]; ok {
			per[topic] = namedToCompress(nc, maxRatio)
		}
	}
	return def, per
}

func namedToCompress(n config.NamedCompression, maxRatio float64) compress.Config {
	return compress.Config{
		Type:     parseCompressType(n.Type),
		MinSize:  n.MinSize,
		Level:    n.Level,
		MaxRatio: maxRatio,
	}
}

func parseCompressType(s string) compress.Type {
	switch s {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.LZ4
	default:
		return compress.None
	}
}

func resolveRateLimiter(cfg config.Config) *ratelimit.TopicLimiter {
	def := namedToRateLimit(cfg.RateLimiting.Named[cfg.RateLimiting.DefaultNamedConfig])

	per := make(map[string]ratelimit.TopicLimit, len(cfg.RateLimiting.PerTopicNamedConfig))
	for topic, name := range cfg.RateLimiting.PerTopicNamedConfig {
		if nc, ok := cfg.RateLimiting.Named[name]; ok {
			per[topic] = namedToRateLimit(nc)
		}
	}
	return ratelimit.NewTopicLimiter(def, per)
}

func namedToRateLimit(n config.NamedRateLimit) ratelimit.TopicLimit {
	return ratelimit.TopicLimit{Interval: n.Interval, Count: n.Count}
}
