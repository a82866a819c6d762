// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dispatch owns one Connector per in-service broker in a
// metadata snapshot and fans outbound batches to them by broker index,
// mirroring spec.md §4.2's dispatcher: the layer between the router's
// routing decisions and each broker's connection.
package dispatch

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/z5labs/kprod/batch"
	"github.com/z5labs/kprod/connector"
	"github.com/z5labs/kprod/gate"
	"github.com/z5labs/kprod/message"
	"github.com/z5labs/kprod/metadata"
)

// Factory builds the Connector for one in-service broker. The router
// supplies it, closing over whatever proto/anomaly tracker/dialer/
// limits are common across the run.
type Factory func(b metadata.Broker, partitionChoices map[string][]int32) *connector.Connector

// Dispatcher owns one running Connector per in-service broker in a
// metadata snapshot. Broker index is the position of that broker
// within snap.Brokers — the same index the router's partition-choice
// lookups use.
//
// Not safe for concurrent use except where a method says otherwise.
type Dispatcher struct {
	snap  *metadata.Snapshot
	conns []*connector.Connector // nil at index i when broker i is out of service

	pause *gate.Signal
	pool  *pool.ContextPool

	results []connector.Result
}

// Start builds one Connector per in-service broker in snap via newConn
// and launches each on its own goroutine under ctx. A connector's
// in-flight send/recv errors are recovered and turned into a paused
// Result by the connector itself; the pool here exists to keep a
// runaway panic in one connector from taking down the others silently.
func Start(ctx context.Context, snap *metadata.Snapshot, newConn Factory) *Dispatcher {
	d := &Dispatcher{
		snap:  snap,
		conns: make([]*connector.Connector, len(snap.Brokers)),
		pause: gate.NewSignal(),
		pool:  pool.New().WithContext(ctx),
	}

	for i, b := range snap.Brokers {
		if !b.InService {
			continue
		}

		c := newConn(b, partitionChoicesForBroker(snap, i))
		d.conns[i] = c

		d.pool.Go(func(ctx context.Context) error {
			c.Run(ctx)
			return nil
		})
		go d.forwardPause(ctx, c)
	}

	return d
}

func partitionChoicesForBroker(snap *metadata.Snapshot, brokerIdx int) map[string][]int32 {
	out := make(map[string][]int32)
	for ti, t := range snap.Topics() {
		choices, ok := snap.PartitionChoices(ti, brokerIdx)
		if ok && len(choices) > 0 {
			out[t.Name] = choices
		}
	}
	return out
}

func (d *Dispatcher) forwardPause(ctx context.Context, c *connector.Connector) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.PauseSignal().C():
			d.pause.Push()
		}
	}
}

// PauseSignal becomes readable once any connector pushes its
// per-broker pause button; the router drains it to learn a restart is
// needed.
func (d *Dispatcher) PauseSignal() *gate.Signal { return d.pause }

// Dispatch routes one message to brokerIndex's connector, letting that
// connector's batcher group it with the rest of its traffic. A no-op
// if brokerIndex names a broker with no running connector.
func (d *Dispatcher) Dispatch(msg *message.Message, brokerIndex int) {
	c := d.connectorAt(brokerIndex)
	if c == nil {
		return
	}
	c.Dispatch(batch.Batch{Topic: msg.Topic, Messages: []*message.Message{msg}})
}

// DispatchNow hands an already-complete batch straight to brokerIndex's
// send queue, skipping its batcher — for resent or rerouted messages a
// pause/restart produced, which must not wait out a fresh batching
// window. A no-op if brokerIndex names a broker with no running
// connector.
func (d *Dispatcher) DispatchNow(b batch.Batch, brokerIndex int) {
	c := d.connectorAt(brokerIndex)
	if c == nil {
		return
	}
	c.DispatchNow(b)
}

func (d *Dispatcher) connectorAt(brokerIndex int) *connector.Connector {
	if brokerIndex < 0 || brokerIndex >= len(d.conns) {
		return nil
	}
	return d.conns[brokerIndex]
}

// StartFastShutdown forwards a fast-shutdown request, with its
// deadline, to every running connector.
func (d *Dispatcher) StartFastShutdown(deadline time.Time) {
	for _, c := range d.conns {
		if c != nil {
			c.StartFastShutdown(deadline)
		}
	}
}

// StartSlowShutdown forwards a slow-shutdown request, with its
// deadline, to every running connector.
func (d *Dispatcher) StartSlowShutdown(deadline time.Time) {
	for _, c := range d.conns {
		if c != nil {
			c.StartSlowShutdown(deadline)
		}
	}
}

// JoinAll waits for every connector's Run to return, collecting each
// one's Result, and reports whether every connector finished without
// pausing — a clean shutdown the router can use to decide whether a
// final restart-and-drain pass is needed.
func (d *Dispatcher) JoinAll() (cleanShutdown bool, err error) {
	cleanShutdown = true
	for _, c := range d.conns {
		if c == nil {
			continue
		}
		res := <-c.Done()
		d.results = append(d.results, res)
		if res.Paused {
			cleanShutdown = false
		}
	}
	return cleanShutdown, d.pool.Wait()
}

// DrainNoAckQueueAfterShutdown returns the batches brokerIndex's
// connector sent but never got an ack for. Call only after JoinAll
// returns.
func (d *Dispatcher) DrainNoAckQueueAfterShutdown(brokerIndex int) []batch.Batch {
	return d.resultFor(brokerIndex).NoAckAfterShutdown
}

// DrainSendWaitQueueAfterShutdown returns the batches brokerIndex's
// connector never got to send at all. Call only after JoinAll
// returns.
func (d *Dispatcher) DrainSendWaitQueueAfterShutdown(brokerIndex int) []batch.Batch {
	return d.resultFor(brokerIndex).SendWaitAfterShutdown
}

func (d *Dispatcher) resultFor(brokerIndex int) connector.Result {
	id := d.brokerIDAt(brokerIndex)
	for _, r := range d.results {
		if r.BrokerID == id {
			return r
		}
	}
	return connector.Result{}
}

func (d *Dispatcher) brokerIDAt(brokerIndex int) int32 {
	if brokerIndex < 0 || brokerIndex >= len(d.snap.Brokers) {
		return -1
	}
	return d.snap.Brokers[brokerIndex].ID
}
