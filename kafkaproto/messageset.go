// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkaproto

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/z5labs/kprod/compress"
)

// Kafka's legacy (v0/v1) MessageSet wire format. The request factory
// assembles one of these per (topic, partition), then hands the bytes
// to compress.Compress before wrapping them in the outer request.
//
// Per-message layout, magic byte 1:
//
//	offset(8) message_size(4) crc(4) magic(1) attributes(1) timestamp(8) key_len(4) key value_len(4) value
const (
	messageMagic = 1

	// SingleMessageOverhead is the additive framing cost, in bytes, of
	// one message beyond its key+value payload: offset, size, crc,
	// magic, attributes, timestamp, and the two length prefixes.
	SingleMessageOverhead = 8 + 4 + 4 + 1 + 1 + 8 + 4 + 4
)

// WireMsg is one message's payload going into a msg-set.
type WireMsg struct {
	Key         []byte
	Value       []byte
	TimestampMS int64
}

func encodeMessage(buf []byte, offset int64, attrs byte, msg WireMsg) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint32(body, 0) // crc placeholder, patched below
	body = append(body, messageMagic, attrs)
	body = binary.BigEndian.AppendUint64(body, uint64(msg.TimestampMS))
	body = appendBytesField(body, msg.Key)
	body = appendBytesField(body, msg.Value)

	crc := crc32.ChecksumIEEE(body[4:])
	binary.BigEndian.PutUint32(body[0:4], crc)

	buf = binary.BigEndian.AppendUint64(buf, uint64(offset))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf
}

func appendBytesField(buf []byte, v []byte) []byte {
	if v == nil {
		return binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF) // -1: null
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

// EncodeMsgSet serializes msgs into the raw (uncompressed) MessageSet
// bytes used both as the final wire payload and as the scratch input
// to the compressor.
func EncodeMsgSet(msgs []WireMsg) []byte {
	var buf []byte
	for i, m := range msgs {
		buf = encodeMessage(buf, int64(i), 0, m)
	}
	return buf
}

// EncodeCompressedWrapper wraps compressed (the compressed bytes of an
// EncodeMsgSet payload) in a single outer message whose attributes
// record codec.
func EncodeCompressedWrapper(codec compress.Type, compressed []byte) []byte {
	attrs := byte(codecAttr(codec))
	return encodeMessage(nil, 0, attrs, WireMsg{Value: compressed})
}

func codecAttr(t compress.Type) int {
	switch t {
	case compress.Gzip:
		return 1
	case compress.Snappy:
		return 2
	case compress.LZ4:
		return 3
	default:
		return 0
	}
}

// CodecFromAttr recovers the codec from a message's attributes byte.
func CodecFromAttr(attrs byte) compress.Type {
	switch attrs & 0x07 {
	case 1:
		return compress.Gzip
	case 2:
		return compress.Snappy
	case 3:
		return compress.LZ4
	default:
		return compress.None
	}
}
