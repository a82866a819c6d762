// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package compress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressSkipsBelowMinSize(t *testing.T) {
	cfg := Config{Type: Gzip, MinSize: 1000}
	out, ok, err := Compress(cfg, []byte("short"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestCompressSkipsWhenTypeNone(t *testing.T) {
	cfg := Config{Type: None, MinSize: 0}
	out, ok, err := Compress(cfg, bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestGzipRoundTrip(t *testing.T) {
	raw := []byte(strings.Repeat("hello world ", 200))
	cfg := Config{Type: Gzip, MinSize: 1}

	compressed, ok, err := Compress(cfg, raw)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := Decompress(Gzip, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSnappyRoundTrip(t *testing.T) {
	raw := []byte(strings.Repeat("snap crackle pop ", 200))
	cfg := Config{Type: Snappy, MinSize: 1}

	compressed, ok, err := Compress(cfg, raw)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := Decompress(Snappy, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestLZ4RoundTrip(t *testing.T) {
	raw := []byte(strings.Repeat("lz4 lz4 lz4 ", 200))
	cfg := Config{Type: LZ4, MinSize: 1}

	compressed, ok, err := Compress(cfg, raw)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := Decompress(LZ4, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestCompressRejectsWhenRatioTooBad(t *testing.T) {
	// A one-byte input grows under gzip's framing, far past a 0.01 ratio.
	raw := []byte("a")
	cfg := Config{Type: Gzip, MinSize: 0, MaxRatio: 0.01}

	out, ok, err := Compress(cfg, raw)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestCompressThresholdScenario(t *testing.T) {
	// Mirrors the spec's compression-threshold scenario: ten short
	// identical messages don't cross min-size, one extra byte does.
	msg := []byte("short-msg")
	set := bytes.Repeat(msg, 10)
	cfg := Config{Type: Gzip, MinSize: len(set) + 1}

	_, ok, err := Compress(cfg, set)
	require.NoError(t, err)
	assert.False(t, ok, "set below threshold must stay uncompressed")

	bigger := append(set, 'x')
	_, ok, err = Compress(cfg, bigger)
	require.NoError(t, err)
	assert.True(t, ok, "set crossing threshold must compress")
}
