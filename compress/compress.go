// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package compress implements the per-msg-set compression policy: pick
// a codec, compress into a scratch buffer, and fall back to
// uncompressed when the codec errors or the ratio isn't worth it.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	xsnappy "github.com/eapache/go-xerial-snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression codec, matching Kafka's on-wire
// attribute encoding.
type Type uint8

const (
	None Type = iota
	Gzip
	Snappy
	LZ4
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Config is one topic's (or the default's) compression policy.
type Config struct {
	Type Type

	// MinSize is the smallest uncompressed msg-set size, in bytes,
	// eligible for compression. Below it, the set is always sent raw.
	MinSize int

	// Level is the codec's compression level; 0 means codec default.
	Level int

	// MaxRatio rejects a compression attempt whose compressed size
	// exceeds MaxRatio*uncompressed size. A value of 0 disables the
	// ratio check (any shrinkage, however small, is accepted).
	MaxRatio float64
}

// Compress encodes raw (an already-serialized msg-set) with cfg's
// codec. It returns (nil, false, nil) whenever compression should be
// skipped: raw is below MinSize, cfg.Type is None, or the compressed
// result fails the ratio check. A codec error is returned as err; the
// caller logs it (every occurrence, not rate-limited) and falls back to
// uncompressed, exactly like the ratio-rejected case.
func Compress(cfg Config, raw []byte) (out []byte, ok bool, err error) {
	if cfg.Type == None || len(raw) < cfg.MinSize {
		return nil, false, nil
	}

	compressed, err := encode(cfg, raw)
	if err != nil {
		return nil, false, fmt.Errorf("compress: %s: %w", cfg.Type, err)
	}

	if cfg.MaxRatio > 0 && float64(len(compressed)) > cfg.MaxRatio*float64(len(raw)) {
		return nil, false, nil
	}
	return compressed, true, nil
}

func encode(cfg Config, raw []byte) ([]byte, error) {
	switch cfg.Type {
	case Gzip:
		return gzipEncode(raw, cfg.Level)
	case Snappy:
		return xsnappy.Encode(raw), nil
	case LZ4:
		return lz4Encode(raw, cfg.Level)
	default:
		return nil, fmt.Errorf("unsupported codec %s", cfg.Type)
	}
}

func gzipEncode(raw []byte, level int) ([]byte, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Encode(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	opts := []lz4.Option{lz4.CompressionLevelOption(lz4.CompressionLevel(level))}
	if level == 0 {
		opts = nil
	}
	if err := w.Apply(opts...); err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress for typ. Used by tests and by any tool
// that needs to inspect what was put on the wire.
func Decompress(typ Type, compressed []byte) ([]byte, error) {
	switch typ {
	case None:
		return compressed, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readAll(r)
	case Snappy:
		return xsnappy.Decode(compressed)
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(compressed))
		return readAll(r)
	default:
		return nil, fmt.Errorf("unsupported codec %d", typ)
	}
}

func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf.Bytes(), nil
}
