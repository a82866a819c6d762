// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kprod is a producer-side relay daemon that sits between local
// producers and an Apache Kafka cluster. It accepts messages over local
// IPC, batches and optionally compresses them per topic, routes them to
// the correct broker connection, and tracks delivery anomalies.
//
// This package exposes the shared logging helper used by every
// subpackage; the router, dispatcher and connector types live in their
// own packages under this module.
package kprod

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Logger returns a structured logger for the given component name,
// bridged to the configured OpenTelemetry log pipeline. name is
// conventionally the importing package's path, e.g.
// "github.com/z5labs/kprod/router".
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}
