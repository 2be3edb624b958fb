package wire

import (
	"strings"
	"testing"

	"github.com/pombredanne/paf/internal/props"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		TaID:      7,
		Cmd:       CmdPublish,
		ServiceID: 0x4711,
		Generation: 3,
		Props:     map[string][]props.Value{"name": {props.Str("foo")}},
		TTL:       60,
	}
	frame, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaID != req.TaID || got.ServiceID != req.ServiceID || got.Generation != req.Generation {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, req)
	}
}

func TestResponseRoundTripCompressed(t *testing.T) {
	// Build a body well over the compression threshold.
	var props_ []props.Value
	for i := 0; i < 200; i++ {
		props_ = append(props_, props.Str(strings.Repeat("x", 8)))
	}
	resp := &Response{
		TaID:    1,
		MsgType: MsgNotify,
		Props:   map[string][]props.Value{"blob": props_},
	}
	frame, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Props["blob"]) != len(props_) {
		t.Fatalf("expected %d values back, got %d", len(props_), len(got.Props["blob"]))
	}
}

func TestDecodeRejectsWrongKind(t *testing.T) {
	frame, err := EncodeRequest(&Request{TaID: 1, Cmd: CmdPing})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeResponse(frame); err == nil {
		t.Fatalf("expected error decoding a request frame as a response")
	}
}
