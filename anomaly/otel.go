// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package anomaly

import (
	"context"
	"log/slog"

	"github.com/z5labs/kprod"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/z5labs/kprod/anomaly"

func logger() *slog.Logger {
	return kprod.Logger(instrumentationName)
}

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type metricsRecorder struct {
	discards   metric.Int64Counter
	duplicates metric.Int64Counter
}

func newMetricsRecorder() (*metricsRecorder, error) {
	m := meter()

	discards, err := m.Int64Counter(
		"kprod.anomaly.discards",
		metric.WithDescription("Total number of messages discarded by reason"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	duplicates, err := m.Int64Counter(
		"kprod.anomaly.possible_duplicates",
		metric.WithDescription("Total number of possible-duplicate deliveries by topic"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{discards: discards, duplicates: duplicates}, nil
}

func (m *metricsRecorder) recordDiscard(ctx context.Context, reason, topic string) {
	m.discards.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("topic", topic),
	))
}

func (m *metricsRecorder) recordDuplicate(ctx context.Context, topic string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
