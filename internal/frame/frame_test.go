package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func Test_encode_decode_round_trip_rpc(t *testing.T) {
	original := RPC([]byte("hello rpc envelope"))

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Type != TypeRPC {
		t.Errorf("type mismatch: got %d, want %d", decoded.Type, TypeRPC)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func Test_encode_decode_round_trip_datachannel(t *testing.T) {
	original := DataChannel("session-123", []byte{0x01, 0x02, 0x03}, true)

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Type != TypeDataChannel {
		t.Fatalf("type mismatch: got %d, want %d", decoded.Type, TypeDataChannel)
	}
	if decoded.Quid != original.Quid {
		t.Errorf("quid mismatch: got %q, want %q", decoded.Quid, original.Quid)
	}
	if decoded.Binary != original.Binary {
		t.Errorf("binary mismatch: got %v, want %v", decoded.Binary, original.Binary)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("payload mismatch: got %v, want %v", decoded.Payload, original.Payload)
	}
}

func Test_encode_rejects_datachannel_without_quid(t *testing.T) {
	_, err := Encode(&Frame{Type: TypeDataChannel, Payload: []byte("x")})
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func Test_encode_rejects_unknown_type(t *testing.T) {
	_, err := Encode(&Frame{Type: 0x99, Payload: []byte("x")})
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func Test_decode_rejects_unknown_type_byte(t *testing.T) {
	_, err := Decode([]byte{0x99, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	if err != ErrUnknownFrameType {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}
}

func Test_decode_rejects_truncated_data(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x00})
	if err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

// Test_demuxer_tolerates_arbitrary_chunk_boundaries is the codec
// round-trip property from spec.md §8.1: for any partition of mux(f) into
// byte chunks, feeding the chunks in order to the demuxer yields exactly f.
func Test_demuxer_tolerates_arbitrary_chunk_boundaries(t *testing.T) {
	frames := []*Frame{
		RPC([]byte("first envelope")),
		DataChannel("quid-a", bytes.Repeat([]byte{0xAB}, 300), true),
		DataChannel("quid-b", []byte("small text payload"), false),
		RPC(nil),
	}

	var wire []byte
	for _, f := range frames {
		enc, err := Encode(f)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		wire = append(wire, enc...)
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		d := NewDemuxer()
		var got []*Frame
		pos := 0
		for pos < len(wire) {
			remaining := len(wire) - pos
			chunkSize := 1 + rng.Intn(remaining)
			chunk := wire[pos : pos+chunkSize]
			pos += chunkSize

			decoded, err := d.Feed(chunk)
			if err != nil {
				t.Fatalf("trial %d: feed failed at pos %d: %v", trial, pos, err)
			}
			got = append(got, decoded...)
		}

		if len(got) != len(frames) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(got), len(frames))
		}
		for i, f := range got {
			want := frames[i]
			if f.Type != want.Type || f.Quid != want.Quid || f.Binary != want.Binary || !bytes.Equal(f.Payload, want.Payload) {
				t.Fatalf("trial %d: frame %d mismatch: got %+v, want %+v", trial, i, f, want)
			}
		}
		if d.Pending() != 0 {
			t.Errorf("trial %d: demuxer left %d unparsed bytes", trial, d.Pending())
		}
	}
}

func Test_demuxer_single_byte_at_a_time(t *testing.T) {
	f := DataChannel("q", []byte("payload"), true)
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	d := NewDemuxer()
	var got []*Frame
	for _, b := range wire {
		decoded, err := d.Feed([]byte{b})
		if err != nil {
			t.Fatalf("feed failed: %v", err)
		}
		got = append(got, decoded...)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	if got[0].Quid != "q" || !bytes.Equal(got[0].Payload, []byte("payload")) {
		t.Errorf("unexpected frame: %+v", got[0])
	}
}

func Test_demuxer_rejects_unknown_frame_type(t *testing.T) {
	d := NewDemuxer()
	_, err := d.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if err != ErrUnknownFrameType {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}
}

func Test_demuxer_rejects_malformed_bytes(t *testing.T) {
	d := NewDemuxer()
	// well-formed type tag, datachannel with quidLen=0 is malformed per
	// the wire format (a datachannel frame must carry a non-empty quid).
	_, err := d.Feed([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	if err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
