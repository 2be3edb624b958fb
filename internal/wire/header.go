package wire

import (
	"encoding/binary"

	"github.com/calmh/xdr"
)

// header is the 4-byte frame prefix, bit-packed the way syncthing's BEP
// header.go packs version/msgID/msgType/compression into one uint32: here
// we pack protocol version, frame kind (request/response), and a
// compression flag. It is encoded through calmh/xdr's Marshaller (the
// fetched copy of the package ships only the encode side; decode reads the
// same big-endian uint32 layout back with encoding/binary, which is exactly
// what xdr.Marshaller.MarshalUint32 writes).
type header struct {
	version     uint8
	kind        uint8
	compressed bool
}

const (
	kindRequest  uint8 = 0
	kindResponse uint8 = 1
)

func encodeHeader(h header) uint32 {
	var comp uint32
	if h.compressed {
		comp = 1
	}
	return uint32(h.version)<<24 | uint32(h.kind)<<16 | comp
}

func decodeHeader(v uint32) header {
	return header{
		version:    uint8(v >> 24),
		kind:       uint8(v>>16) & 0xff,
		compressed: v&1 == 1,
	}
}

func marshalHeader(h header) ([]byte, error) {
	buf := make([]byte, 4)
	m := &xdr.Marshaller{Data: buf}
	m.MarshalUint32(encodeHeader(h))
	if m.Error != nil {
		return nil, m.Error
	}
	return buf, nil
}

func unmarshalHeader(buf []byte) header {
	return decodeHeader(binary.BigEndian.Uint32(buf))
}
