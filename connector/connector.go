// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package connector drives one broker's TCP connection: the produce
// request factory, the outbound send, the ack-wait queue, and the
// response processor, behind the state machine spec.md §4.5 describes
// as a poll loop. Here it's a single goroutine selecting over channels
// instead of polling file descriptors.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/z5labs/kprod"
	"github.com/z5labs/kprod/anomaly"
	"github.com/z5labs/kprod/batch"
	"github.com/z5labs/kprod/gate"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/message"
	"github.com/z5labs/kprod/produce"
)

// State is the connector's lifecycle phase.
type State int

const (
	Connect State = iota
	Running
	FastShutdown
	SlowShutdown
	Finished
)

func (s State) String() string {
	switch s {
	case Connect:
		return "connect"
	case Running:
		return "running"
	case FastShutdown:
		return "fast_shutdown"
	case SlowShutdown:
		return "slow_shutdown"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Dialer opens a connection to one broker. Production code plugs in
// net.Dialer.DialContext; tests plug in an in-memory net.Pipe factory.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config bounds one Connector's behaviour.
type Config struct {
	BrokerID   int32
	Addr       string
	SocketIdle time.Duration

	Limits              produce.Limits
	MaxAttempts         int
	BatchDefault        batch.Limit
	BatchPerTopic       map[string]batch.Limit
	BatchCombinedEnable bool
	BatchCombinedLimit  batch.Limit
}

// Result is what the connector returns when it finishes — its
// residual, not-yet-acknowledged state, per spec.md §4.5's cleanup
// after join.
type Result struct {
	BrokerID int32
	Paused   bool

	// SendWaitAfterShutdown is every message to route again: input
	// queue leftovers, open/completed batches that never made it onto
	// the wire, and sent msg-sets whose response handed them back for
	// reroute.
	SendWaitAfterShutdown []batch.Batch
	// NoAckAfterShutdown is every message sent but never acknowledged;
	// each one may be a duplicate if the broker actually committed it.
	NoAckAfterShutdown []batch.Batch
}

type inflightRequest struct {
	req  *produce.AllTopics
	sent time.Time
}

// inflightQueue is the ack-wait FIFO spec.md §4.5 describes: produce
// requests on a single TCP connection are acknowledged strictly in
// send order, so responses are only ever consulted against the front
// entry. A connector-local slice, not a map keyed by correlation id —
// the latter can't tell an out-of-order ack from an in-order one.
type inflightQueue []inflightRequest

func (q inflightQueue) front() (inflightRequest, bool) {
	if len(q) == 0 {
		return inflightRequest{}, false
	}
	return q[0], true
}

// partitionChooser round-robins a connector-local AnyPartition choice
// across the broker's ok partitions for a topic, latched per build by
// produce.BuildRequest's caller contract.
type partitionChooser struct {
	choices map[string][]int32
	next    map[string]int
}

func newPartitionChooser(choices map[string][]int32) *partitionChooser {
	return &partitionChooser{choices: choices, next: make(map[string]int)}
}

func (r *partitionChooser) Choose(topic string) (int32, bool) {
	ids, ok := r.choices[topic]
	if !ok || len(ids) == 0 {
		return message.NoPartition, false
	}
	i := r.next[topic] % len(ids)
	r.next[topic] = i + 1
	return ids[i], true
}

// Connector drives one broker connection end to end.
type Connector struct {
	id     string
	cfg    Config
	proto  kafkaproto.Proto
	anoms  *anomaly.Tracker
	log    *slog.Logger
	dialer Dialer

	inbox     *gate.Gate[batch.Batch]
	immediate *gate.Gate[batch.Batch] // bypasses the batcher; see DispatchNow
	pauseOut  *gate.Signal            // pushed by this connector, read by the dispatcher

	fastShutdown chan time.Time
	slowShutdown chan time.Time

	batcher       *batch.Batcher
	chooser       *partitionChooser
	correlationID int32

	inflight        inflightQueue
	pendingComplete []batch.Batch
	pendingReroute  []batch.Batch

	state State
	done  chan Result
}

// New creates a Connector in state Connect. partitionChoices is this
// broker's (topic -> ascending partition ids) slice from the current
// metadata snapshot.
func New(cfg Config, proto kafkaproto.Proto, anoms *anomaly.Tracker, dialer Dialer, partitionChoices map[string][]int32) *Connector {
	id := uuid.NewString()

	var batcher *batch.Batcher
	if cfg.BatchCombinedEnable {
		batcher = batch.NewCombinedBatcher(cfg.BatchCombinedLimit)
	} else {
		batcher = batch.NewBatcher(cfg.BatchDefault, cfg.BatchPerTopic)
	}

	return &Connector{
		id:     id,
		cfg:    cfg,
		proto:  proto,
		anoms:  anoms,
		log: kprod.Logger("github.com/z5labs/kprod/connector").With(
			slog.Int("broker_id", int(cfg.BrokerID)),
			slog.String("connector_id", id),
		),
		dialer:       dialer,
		inbox:        gate.New[batch.Batch](),
		immediate:    gate.New[batch.Batch](),
		pauseOut:     gate.NewSignal(),
		fastShutdown: make(chan time.Time, 1),
		slowShutdown: make(chan time.Time, 1),
		batcher:      batcher,
		chooser:      newPartitionChooser(partitionChoices),
		state:        Connect,
		done:         make(chan Result, 1),
	}
}

// Dispatch hands one batch to this connector's input queue, to be
// grouped by the batcher like any other traffic. Never blocks.
func (c *Connector) Dispatch(b batch.Batch) { c.inbox.Push(b) }

// DispatchNow hands an already-complete batch straight to the send
// queue, bypassing the time/count/byte batcher. The router uses this
// for resent or rerouted messages that must not wait out a fresh
// batching window. Never blocks.
func (c *Connector) DispatchNow(b batch.Batch) { c.immediate.Push(b) }

// PauseSignal is pushed when this connector hits an unrecoverable
// connection or protocol error; the dispatcher's shared pause-button
// forwards it to the router.
func (c *Connector) PauseSignal() *gate.Signal { return c.pauseOut }

// StartFastShutdown requests the fast path: stop accepting new sends,
// finish in-flight I/O, and give up at deadline.
func (c *Connector) StartFastShutdown(deadline time.Time) {
	select {
	case c.fastShutdown <- deadline:
	default:
	}
}

// StartSlowShutdown requests the slow path: drain the input queue and
// batcher once, then keep sending/acking until empty or deadline.
func (c *Connector) StartSlowShutdown(deadline time.Time) {
	select {
	case c.slowShutdown <- deadline:
	default:
	}
}

// Done returns the channel the Result arrives on once Run returns.
func (c *Connector) Done() <-chan Result { return c.done }

// Run drives the connector until it reaches Finished, then sends its
// Result on Done and returns. A dial failure immediately pushes the
// pause signal and finishes, per spec.md §4.5's connect-failure edge.
func (c *Connector) Run(ctx context.Context) {
	conn, err := c.dialer(ctx, c.cfg.Addr)
	if err != nil {
		c.log.WarnContext(ctx, "connect failed", slog.Any("error", err))
		c.pauseOut.Push()
		c.done <- c.finish(true)
		return
	}
	defer conn.Close()

	c.state = Running
	c.done <- c.runLoop(ctx, conn)
}

func (c *Connector) runLoop(ctx context.Context, conn net.Conn) Result {
	reader := newStreamReader(conn)
	var shutdownDeadline time.Time
	paused := false

	for c.state == Running || c.state == FastShutdown || c.state == SlowShutdown {
		timeout := c.pollTimeout(shutdownDeadline)
		timer := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return c.finish(false)

		case deadline := <-c.fastShutdown:
			timer.Stop()
			shutdownDeadline = tighten(shutdownDeadline, deadline)
			c.state = FastShutdown
			c.inbox.Close()
			c.immediate.Close()

		case deadline := <-c.slowShutdown:
			timer.Stop()
			shutdownDeadline = tighten(shutdownDeadline, deadline)
			c.state = SlowShutdown
			c.drainInboxIntoBatcher()
			c.inbox.Close()
			c.pendingComplete = append(c.pendingComplete, c.immediate.Drain()...)
			c.immediate.Close()
			// Flush every open batch now rather than waiting on its
			// bound, which a low-traffic topic might never reach.
			c.pendingComplete = append(c.pendingComplete, c.batcher.FlushAll()...)

		case <-c.inbox.Ready():
			timer.Stop()
			if c.state == Running {
				c.drainInboxIntoBatcher()
			}

		case <-c.immediate.Ready():
			timer.Stop()
			c.pendingComplete = append(c.pendingComplete, c.immediate.Drain()...)

		case <-timer.C:
		}

		if !shutdownDeadline.IsZero() && !time.Now().Before(shutdownDeadline) {
			c.state = Finished
			break
		}

		if err := c.pumpSend(conn); err != nil {
			c.log.WarnContext(ctx, "send failed", slog.Any("error", err))
			paused = true
			c.pauseOut.Push()
			c.state = Finished
			break
		}

		if err := c.pumpRecv(ctx, reader); err != nil {
			c.log.WarnContext(ctx, "recv failed", slog.Any("error", err))
			paused = true
			c.pauseOut.Push()
			c.state = Finished
			break
		}

		if c.state == SlowShutdown && len(c.inflight) == 0 && c.batcherIdle() {
			c.state = Finished
			break
		}
		if c.state == FastShutdown && len(c.inflight) == 0 {
			c.state = Finished
			break
		}
	}

	return c.finish(paused)
}

func (c *Connector) drainInboxIntoBatcher() {
	for _, b := range c.inbox.Drain() {
		for _, m := range b.Messages {
			if complete := c.batcher.Add(m, time.Now()); len(complete) > 0 {
				c.pendingComplete = append(c.pendingComplete, complete...)
			}
		}
	}
}

func (c *Connector) batcherIdle() bool {
	_, hasOpen := c.batcher.NextCompleteTime()
	return !hasOpen && len(c.pendingComplete) == 0
}

func tighten(existing, proposed time.Time) time.Time {
	if existing.IsZero() || proposed.Before(existing) {
		return proposed
	}
	return existing
}

func (c *Connector) pollTimeout(deadline time.Time) time.Duration {
	timeout := c.cfg.SocketIdle
	if t, ok := c.batcher.NextCompleteTime(); ok {
		if until := time.Until(t); until < timeout {
			timeout = until
		}
	}
	if !deadline.IsZero() {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// pumpSend flushes every batch ready to send (either completed by a
// bound or forced complete by a shutdown drain) into one produce
// request per batch and writes it to the connection.
func (c *Connector) pumpSend(conn net.Conn) error {
	ready := append(c.batcher.GetComplete(time.Now()), c.pendingComplete...)
	c.pendingComplete = nil

	for _, b := range ready {
		in := &produce.Inbox{Batches: []batch.Batch{b}}
		req, ok, leftover := produce.BuildRequest(c.nextCorrelationID(), in, c.proto, c.chooser, c.cfg.Limits, c.anoms)
		c.pendingComplete = append(c.pendingComplete, leftover...)
		if !ok {
			continue
		}

		if _, err := conn.Write(frameBytes(req.WireBytes)); err != nil {
			return err
		}

		for _, tg := range req.Topics {
			for _, ms := range tg.MsgSets {
				for _, m := range ms.Messages {
					if c.cfg.Limits.RequiredAcks == 0 {
						m.Tracker().Advance(message.Processed)
					} else {
						m.Tracker().Advance(message.AckWait)
					}
				}
			}
		}
		if c.cfg.Limits.RequiredAcks != 0 {
			c.inflight = append(c.inflight, inflightRequest{req: req, sent: time.Now()})
		}
	}
	return nil
}

func (c *Connector) nextCorrelationID() int32 {
	c.correlationID++
	return c.correlationID
}

// pumpRecv reads at most one response frame per call and processes
// it. A read timeout is not an error; it just means no ack is ready
// yet and the caller's select loop comes back around.
func (c *Connector) pumpRecv(ctx context.Context, reader *streamReader) error {
	if len(c.inflight) == 0 {
		return nil
	}

	_ = reader.conn.SetReadDeadline(time.Now().Add(c.cfg.SocketIdle))
	frame, ok, err := reader.nextFrame()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}

	corrID := correlationIDFromFrame(frame)
	body := frame[4:]
	results, decodeErr := c.proto.ParseProduceResponse(body)

	front, ok := c.inflight.front()
	if !ok {
		return nil
	}

	if corrID != front.req.CorrelationID {
		// The broker answered out of FIFO order — spec.md §4.5/§7's
		// correlation-id-mismatch protocol violation. Every request still
		// awaiting an ack on this connection is now unaccountable, so
		// all of them, not just the front one, become possible
		// duplicates and go up for reroute; the connection itself is
		// past saving.
		c.log.WarnContext(ctx, "correlation id mismatch, treating as protocol violation",
			slog.Int("expected", int(front.req.CorrelationID)), slog.Int("got", int(corrID)))
		errMismatch := errors.New("connector: correlation id mismatch")
		for _, r := range c.inflight {
			out := produce.ProcessResponse(ctx, r.req, -1, nil, errMismatch, c.proto, c.cfg.MaxAttempts, c.anoms)
			c.reroute(out)
		}
		c.inflight = nil
		return errMismatch
	}

	out := produce.ProcessResponse(ctx, front.req, corrID, results, decodeErr, c.proto, c.cfg.MaxAttempts, c.anoms)
	c.inflight = c.inflight[1:]
	c.reroute(out)
	return nil
}

func (c *Connector) reroute(out produce.Outcome) {
	for _, b := range out.Resend {
		c.immediate.Push(b)
	}
	c.pendingReroute = append(c.pendingReroute, out.Reroute...)
	if out.Action != produce.KeepRunning {
		c.pauseOut.Push()
	}
}

func (c *Connector) finish(paused bool) Result {
	res := Result{BrokerID: c.cfg.BrokerID, Paused: paused}

	res.SendWaitAfterShutdown = append(res.SendWaitAfterShutdown, c.inbox.Drain()...)
	res.SendWaitAfterShutdown = append(res.SendWaitAfterShutdown, c.immediate.Drain()...)
	res.SendWaitAfterShutdown = append(res.SendWaitAfterShutdown, c.batcher.FlushAll()...)
	res.SendWaitAfterShutdown = append(res.SendWaitAfterShutdown, c.pendingComplete...)
	res.SendWaitAfterShutdown = append(res.SendWaitAfterShutdown, c.pendingReroute...)

	for _, r := range c.inflight {
		for _, tg := range r.req.Topics {
			for _, ms := range tg.MsgSets {
				res.NoAckAfterShutdown = append(res.NoAckAfterShutdown, batch.Batch{Topic: tg.Topic, Messages: ms.Messages})
			}
		}
	}
	return res
}

// frameBytes prepends the 4-byte big-endian length Kafka's wire
// protocol requires on every request, symmetric with streamReader's
// framing of responses.
func frameBytes(body []byte) []byte {
	out := make([]byte, 4+len(body))
	n := len(body)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4:], body)
	return out
}

func correlationIDFromFrame(frame []byte) int32 {
	if len(frame) < 4 {
		return -1
	}
	return int32(frame[0])<<24 | int32(frame[1])<<16 | int32(frame[2])<<8 | int32(frame[3])
}

// streamReader yields whole response frames from conn: a 4-byte
// big-endian size prefix followed by that many bytes (Kafka's own
// response framing), the first 4 of which are the correlation id. It
// is the idiomatic-Go rendering of spec.md's stream message reader
// capability — how-many-bytes-next and is-a-message-ready — collapsed
// onto a buffered reader since Go's io.Reader already resumes cleanly
// across partial reads.
type streamReader struct {
	conn net.Conn
	buf  []byte
}

func newStreamReader(conn net.Conn) *streamReader {
	return &streamReader{conn: conn}
}

func (r *streamReader) nextFrame() ([]byte, bool, error) {
	if frame, ok := r.takeBuffered(); ok {
		return frame, true, nil
	}

	chunk := make([]byte, 4096)
	n, err := r.conn.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil && n == 0 {
		return nil, false, err
	}

	frame, ok := r.takeBuffered()
	return frame, ok, nil
}

func (r *streamReader) takeBuffered() ([]byte, bool) {
	if len(r.buf) < 4 {
		return nil, false
	}
	size := int(r.buf[0])<<24 | int(r.buf[1])<<16 | int(r.buf[2])<<8 | int(r.buf[3])
	if len(r.buf) < 4+size {
		return nil, false
	}

	frame := r.buf[4 : 4+size]
	r.buf = r.buf[4+size:]
	return frame, true
}
