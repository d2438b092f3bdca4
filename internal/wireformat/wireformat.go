// Package wireformat implements the small amount of binary framing the ES
// actually parses, per spec §6: the leading 8-byte big-endian id on
// /clean_batch responses and /adv_batch request bodies. Everything past
// those 8 bytes is an opaque batch blob that the ES never looks inside.
//
// It also defines the (x, y) pair framing this module's own dataloader
// driver and worker node use to agree on what's inside that opaque blob
// — a concrete, Go-native stand-in for the tensor-aware pickling the
// original Python implementation used, chosen because spec §6 explicitly
// leaves batch serialization to "the surrounding ML stack".
package wireformat

import (
	"encoding/binary"
	"fmt"
)

// EncodeIDPrefixed prepends an 8-byte big-endian id to payload, as used
// by /clean_batch GET responses and /adv_batch POST request bodies.
func EncodeIDPrefixed(id uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out[:8], id)
	copy(out[8:], payload)
	return out
}

// DecodeIDPrefixed splits an 8-byte big-endian id off the front of buf.
func DecodeIDPrefixed(buf []byte) (id uint64, payload []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("wireformat: buffer too short for id prefix (%d bytes)", len(buf))
	}
	id = binary.BigEndian.Uint64(buf[:8])
	return id, buf[8:], nil
}

// EncodePair frames an (x, y) example as a 4-byte big-endian length of x
// followed by x then y, producing the single opaque blob the batch store
// holds.
func EncodePair(x, y []byte) []byte {
	out := make([]byte, 4+len(x)+len(y))
	binary.BigEndian.PutUint32(out[:4], uint32(len(x)))
	copy(out[4:], x)
	copy(out[4+len(x):], y)
	return out
}

// DecodePair reverses EncodePair.
func DecodePair(buf []byte) (x, y []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("wireformat: buffer too short for pair length prefix (%d bytes)", len(buf))
	}
	xLen := binary.BigEndian.Uint32(buf[:4])
	rest := buf[4:]
	if uint64(xLen) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("wireformat: x length %d exceeds remaining buffer %d", xLen, len(rest))
	}
	return rest[:xLen], rest[xLen:], nil
}
