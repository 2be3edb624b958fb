package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compressionThreshold mirrors syncthing's lib/protocol: don't bother
// compressing messages smaller than this many bytes.
const compressionThreshold = 128

// EncodeRequest serializes req into one opaque transport frame.
func EncodeRequest(req *Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal request: %w", err)
	}
	return encodeFrame(kindRequest, body)
}

// DecodeRequest parses a transport frame produced by EncodeRequest.
func DecodeRequest(frame []byte) (*Request, error) {
	kind, body, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if kind != kindRequest {
		return nil, fmt.Errorf("wire: expected request frame, got kind %d", kind)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: unmarshal request: %w", err)
	}
	return &req, nil
}

// EncodeResponse serializes resp into one opaque transport frame.
func EncodeResponse(resp *Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal response: %w", err)
	}
	return encodeFrame(kindResponse, body)
}

// DecodeResponse parses a transport frame produced by EncodeResponse.
func DecodeResponse(frame []byte) (*Response, error) {
	kind, body, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if kind != kindResponse {
		return nil, fmt.Errorf("wire: expected response frame, got kind %d", kind)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("wire: unmarshal response: %w", err)
	}
	return &resp, nil
}

func encodeFrame(kind uint8, body []byte) ([]byte, error) {
	compressed := false
	payload := body
	if len(body) >= compressionThreshold {
		// An lz4 block can come out larger than its input; give lz4 a
		// same-size scratch buffer and fall back to the uncompressed body
		// when compression fails or does not come out smaller.
		buf := make([]byte, len(body))
		n, err := lz4.CompressBlock(body, buf, nil)
		if err == nil && n > 0 && n < len(body) {
			compressed = true
			payload = buf[:n]
		}
	}

	hdr, err := marshalHeader(header{version: ProtocolVersion, kind: kind, compressed: compressed})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(hdr)+4+len(payload))
	out = append(out, hdr...)
	out = append(out, byte(len(body)>>24), byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	out = append(out, payload...)
	return out, nil
}

func decodeFrame(frame []byte) (kind uint8, body []byte, err error) {
	if len(frame) < 8 {
		return 0, nil, fmt.Errorf("wire: frame too short (%d bytes)", len(frame))
	}
	h := unmarshalHeader(frame[:4])
	if h.version != ProtocolVersion {
		return 0, nil, fmt.Errorf("wire: unsupported frame version %d", h.version)
	}
	origLen := uint32(frame[4])<<24 | uint32(frame[5])<<16 | uint32(frame[6])<<8 | uint32(frame[7])
	payload := frame[8:]

	if !h.compressed {
		if uint32(len(payload)) != origLen {
			return 0, nil, fmt.Errorf("wire: length mismatch: got %d want %d", len(payload), origLen)
		}
		return h.kind, payload, nil
	}

	buf := make([]byte, origLen)
	n, err := lz4.UncompressBlock(payload, buf)
	if err != nil {
		return 0, nil, fmt.Errorf("wire: decompress: %w", err)
	}
	return h.kind, buf[:n], nil
}
