// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkaproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/z5labs/kprod/compress"
)

func TestEncodeMsgSetNonEmpty(t *testing.T) {
	msgs := []WireMsg{
		{Key: []byte("k1"), Value: []byte("v1"), TimestampMS: 1000},
		{Key: nil, Value: []byte("v2"), TimestampMS: 2000},
	}
	out := EncodeMsgSet(msgs)
	assert.NotEmpty(t, out)

	want := SingleMessageOverhead*2 + len("k1") + len("v1") + len("v2")
	assert.Equal(t, want, len(out))
}

func TestCodecAttrRoundTrip(t *testing.T) {
	for _, c := range []compress.Type{compress.None, compress.Gzip, compress.Snappy, compress.LZ4} {
		attr := byte(codecAttr(c))
		assert.Equal(t, c, CodecFromAttr(attr))
	}
}

func TestEncodeCompressedWrapperCarriesCodecAttr(t *testing.T) {
	wrapper := EncodeCompressedWrapper(compress.Gzip, []byte("compressed-bytes"))
	// offset(8) size(4) crc(4) magic(1) attrs(1) ...
	attrs := wrapper[8+4+4+1]
	assert.Equal(t, compress.Gzip, CodecFromAttr(attrs))
}
