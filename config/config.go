// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config is the flat, validated record spec.md §6 names as the
// core's configuration contract. This package defines the struct shape
// only — file and CLI argument parsing are an outer surface this
// module doesn't own.
package config

import "time"

// TopicAction is one topic's (or the default's) opt-in to a named
// batching policy, or an explicit opt-out.
type TopicAction struct {
	Disable     bool   `config:"disable"`
	NamedConfig string `config:"named_config"`
}

// NamedBatch is one (time|disable, count|disable, bytes|disable)
// batching policy, referenced by name from Batching.Default/PerTopic.
type NamedBatch struct {
	MaxTime     time.Duration `config:"max_time_ms"`
	MaxMessages int           `config:"max_messages"`
	MaxBytes    int           `config:"max_bytes"`
}

// Batching groups the request-size and per-topic batching options.
type Batching struct {
	RequestDataLimit int `config:"produce_request_data_limit"`
	MessageMaxBytes  int `config:"message_max_bytes"`

	CombinedTopicsEnable      bool   `config:"combined_topics_enable"`
	CombinedTopicsNamedConfig string `config:"combined_topics_named_config"`

	DefaultTopic TopicAction            `config:"default_topic"`
	PerTopic     map[string]TopicAction `config:"per_topic"`

	Named map[string]NamedBatch `config:"named_configs"`
}

// NamedCompression is one named compression policy.
type NamedCompression struct {
	Type    string `config:"type"` // none|snappy|gzip|lz4
	MinSize int    `config:"min_size"`
	Level   int    `config:"level"`
}

// Compression groups the codec selection and size-threshold options.
type Compression struct {
	Named                map[string]NamedCompression `config:"named_configs"`
	SizeThresholdPercent int                         `config:"size_threshold_percent"`
	DefaultNamedConfig   string                      `config:"default_named_config"`
	PerTopicNamedConfig  map[string]string           `config:"per_topic_named_config"`
}

// NamedRateLimit is one named send-rate policy: `(interval_ms, count |
// 0 | unlimited)`. Count is a pointer so the three states are
// distinguishable — nil means unlimited, a pointed-to 0 discards every
// message for the interval, matching spec.md's own three-way config.
type NamedRateLimit struct {
	Interval time.Duration `config:"interval_ms"`
	Count    *int          `config:"count"`
}

// RateLimiting groups the per-topic send-rate options.
type RateLimiting struct {
	Named               map[string]NamedRateLimit `config:"named_configs"`
	DefaultNamedConfig  string                    `config:"default_named_config"`
	PerTopicNamedConfig map[string]string         `config:"per_topic_named_config"`
}

// Delivery groups the options governing retries, shutdown timing,
// metadata refresh, pause backoff, and the Kafka wire handshake.
type Delivery struct {
	MaxFailedDeliveryAttempts int           `config:"max_failed_delivery_attempts"`
	ShutdownMaxDelay          time.Duration `config:"shutdown_max_delay_ms"`
	DispatcherRestartMaxDelay time.Duration `config:"dispatcher_restart_max_delay_ms"`
	MetadataRefreshInterval   time.Duration `config:"metadata_refresh_interval_min"`
	CompareMetadataOnRefresh  bool          `config:"compare_metadata_on_refresh"`
	KafkaSocketTimeout        time.Duration `config:"kafka_socket_timeout_s"`

	PauseRateLimitInitial      time.Duration `config:"pause_rate_limit_initial_ms"`
	PauseRateLimitMaxDoublings int           `config:"pause_rate_limit_max_double"`
	MinPauseDelay              time.Duration `config:"min_pause_delay_ms"`

	TopicAutocreate    bool          `config:"topic_autocreate"`
	RequiredAcks       int16         `config:"required_acks"`
	ReplicationTimeout time.Duration `config:"replication_timeout_ms"`

	// ClientID identifies this daemon to the broker. An empty value is
	// substituted with a safe default to work around a known 0.9.0.0
	// broker bug that mishandles an empty client id.
	ClientID string `config:"client_id"`
}

// Anomaly groups the discard-tracking bookkeeping options.
type Anomaly struct {
	MaxExamplesPerReason  int           `config:"max_examples_per_reason"`
	BadMsgPrefixSize      int           `config:"bad_msg_prefix_size"`
	DiscardReportInterval time.Duration `config:"discard_report_interval_s"`
}

// Broker is one (host, port) pair from the initial broker list.
type Broker struct {
	Host string `config:"host"`
	Port int32  `config:"port"`
}

// Config is the core's full flat configuration record.
type Config struct {
	Batching       Batching     `config:"batching"`
	Compression    Compression  `config:"compression"`
	RateLimiting   RateLimiting `config:"rate_limiting"`
	Delivery       Delivery     `config:"delivery"`
	Anomaly        Anomaly      `config:"anomaly"`
	InitialBrokers []Broker     `config:"initial_brokers"`
}

// DefaultClientID is substituted when ClientID is empty.
const DefaultClientID = "kprod"

// EffectiveClientID returns d.ClientID, or DefaultClientID if empty.
func (d Delivery) EffectiveClientID() string {
	if d.ClientID == "" {
		return DefaultClientID
	}
	return d.ClientID
}
