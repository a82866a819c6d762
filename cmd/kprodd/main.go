// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command kprodd demonstrates wiring a Router to a real TCP dialer and
// running it to completion. Config-file/CLI parsing, the local IPC
// input agents, and the signal-handler thread are all outer surfaces
// this module doesn't own (spec.md §1); this main simply builds a
// router.Router with a hardcoded config and a net.Dialer, runs it, and
// maps an invariant-violating fatal error to a non-zero exit code, the
// way the core's own "fatal error callback" chokepoint is meant to be
// used by whatever process wrapper embeds it.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/z5labs/kprod"
	"github.com/z5labs/kprod/config"
	"github.com/z5labs/kprod/kafkaproto"
	"github.com/z5labs/kprod/router"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := kprod.Logger("github.com/z5labs/kprod/cmd/kprodd")
	cfg := defaultConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dialer net.Dialer
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	var fatal bool
	r := router.New(cfg, kafkaproto.KMsgProto{}, dial, func(reason string) {
		fatal = true
		log.ErrorContext(ctx, "fatal invariant violation", slog.String("reason", reason))
		stop()
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-ctx.Done()
	r.RequestShutdown(time.Now().Add(cfg.Delivery.ShutdownMaxDelay))

	err := <-done
	if fatal {
		return 1
	}
	if err != nil && ctx.Err() == nil {
		log.ErrorContext(context.Background(), "router exited with error", slog.Any("error", err))
		return 1
	}
	return 0
}

func defaultConfig() config.Config {
	return config.Config{
		Batching: config.Batching{
			RequestDataLimit: 1 << 20,
			MessageMaxBytes:  1 << 20,
			DefaultTopic:     config.TopicAction{NamedConfig: "default"},
			Named: map[string]config.NamedBatch{
				"default": {MaxTime: 500 * time.Millisecond, MaxMessages: 1000, MaxBytes: 256 * 1024},
			},
		},
		Compression: config.Compression{
			SizeThresholdPercent: 90,
			DefaultNamedConfig:   "none",
			Named: map[string]config.NamedCompression{
				"none": {Type: "none"},
			},
		},
		RateLimiting: config.RateLimiting{
			DefaultNamedConfig: "unlimited",
			Named: map[string]config.NamedRateLimit{
				"unlimited": {Count: nil},
			},
		},
		Delivery: config.Delivery{
			MaxFailedDeliveryAttempts:  5,
			ShutdownMaxDelay:           30 * time.Second,
			DispatcherRestartMaxDelay:  10 * time.Second,
			MetadataRefreshInterval:    10 * time.Minute,
			CompareMetadataOnRefresh:   true,
			KafkaSocketTimeout:         30 * time.Second,
			PauseRateLimitInitial:      100 * time.Millisecond,
			PauseRateLimitMaxDoublings: 6,
			MinPauseDelay:              50 * time.Millisecond,
			TopicAutocreate:            false,
			RequiredAcks:               1,
			ReplicationTimeout:         10 * time.Second,
		},
		Anomaly: config.Anomaly{
			MaxExamplesPerReason:  20,
			BadMsgPrefixSize:      64,
			DiscardReportInterval: time.Minute,
		},
		InitialBrokers: []config.Broker{
			{Host: "localhost", Port: 9092},
		},
	}
}
