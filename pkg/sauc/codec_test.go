package sauc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func sampleMessages() []Message {
	return []Message{
		{Type: TypeSessionStart, Start: &SessionStart{
			SessionID: "sess-1",
			Format:    AudioFormat{SampleRate: 16000, Channels: 1, Encoding: "pcm16"},
			Params:    map[string]string{"language": "en", "model": "general"},
			AuthToken: "tok",
		}},
		{Type: TypeSessionAck, Ack: &SessionAck{SessionID: "sess-1", Accepted: true}},
		{Type: TypeAudioPayload, Audio: &AudioPayload{Seq: 42, Data: []byte{0, 1, 2, 3, 254, 255}}},
		{Type: TypeSessionEnd, End: &SessionEnd{}},
		{Type: TypePartialResult, Partial: &Result{Seq: 3, Text: "hel", Confidence: 0.41, StartMS: 0, EndMS: 480}},
		{Type: TypeFinalResult, Final: &Result{Seq: 4, Text: "hello", Confidence: 0.97, StartMS: 0, EndMS: 900}},
		{Type: TypeErrorEvent, Error: &ErrorEvent{Code: 503, Message: "backend unavailable"}},
		{Type: TypeHeartbeat, Beat: &Heartbeat{}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		wire, err := Encode(m)
		if err != nil {
			t.Fatalf("%s: encode error: %v", m.Type, err)
		}
		got, err := Decode(wire)
		if err != nil {
			t.Fatalf("%s: decode error: %v", m.Type, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("%s: round trip mismatch:\n got %+v\nwant %+v", m.Type, got, m)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := Message{Type: TypePartialResult, Partial: &Result{Seq: 9, Text: "abc", Confidence: 0.5}}
	a, err := Encode(m)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b, _ := Encode(m)
	if !bytes.Equal(a, b) {
		t.Fatalf("identical messages must encode identically")
	}
}

func TestDecoderSurvivesArbitraryReadBoundaries(t *testing.T) {
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		wire, err := Encode(m)
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
		stream = append(stream, wire...)
	}

	for _, chunkSize := range []int{1, 2, 3, 7, 13, len(stream)} {
		dec := NewDecoder(&chunkReader{data: stream, chunk: chunkSize})
		for i, want := range msgs {
			got, err := dec.Next()
			if err != nil {
				t.Fatalf("chunk=%d msg=%d: decode error: %v", chunkSize, i, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("chunk=%d msg=%d: mismatch", chunkSize, i)
			}
		}
		if _, err := dec.Next(); err != io.EOF {
			t.Fatalf("chunk=%d: expected clean EOF, got %v", chunkSize, err)
		}
	}
}

func TestDecoderTruncatedStream(t *testing.T) {
	wire, err := Encode(Message{Type: TypeAudioPayload, Audio: &AudioPayload{Seq: 1, Data: []byte{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(wire[:len(wire)-2]))
	if _, err := dec.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected unexpected EOF mid-message, got %v", err)
	}
}

func TestDecodeUnknownTypeIsSkippable(t *testing.T) {
	body := []byte("future payload")
	wire := make([]byte, HeaderSize+len(body))
	wire[0] = 0x7F
	binary.BigEndian.PutUint32(wire[2:6], uint32(len(body)))
	copy(wire[HeaderSize:], body)

	m, err := Decode(wire)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if m.Type != MessageType(0x7F) {
		t.Fatalf("expected tag preserved, got 0x%02x", byte(m.Type))
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	wire, err := Encode(Message{Type: TypeHeartbeat, Beat: &Heartbeat{}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	// Claim one body byte that is not there.
	binary.BigEndian.PutUint32(wire[2:6], 1)
	if _, err := Decode(wire); err == nil || errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected hard decode error, got %v", err)
	}
}

func TestDecodeInsaneLengthRejected(t *testing.T) {
	wire := make([]byte, HeaderSize)
	wire[0] = byte(TypeAudioPayload)
	binary.BigEndian.PutUint32(wire[2:6], MaxBodyLen+1)
	if _, err := ParseHeader(wire); err == nil {
		t.Fatalf("expected length limit error")
	}
}

func TestDecodeTruncatedResultBody(t *testing.T) {
	wire, err := Encode(Message{Type: TypeFinalResult, Final: &Result{Text: "hi"}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	cut := wire[:HeaderSize+10]
	fixed := make([]byte, len(cut))
	copy(fixed, cut)
	binary.BigEndian.PutUint32(fixed[2:6], 10)
	if _, err := Decode(fixed); err == nil {
		t.Fatalf("expected truncated body error")
	}
}

func TestEncodeRejectsMissingBody(t *testing.T) {
	if _, err := Encode(Message{Type: TypeSessionStart}); err == nil {
		t.Fatalf("expected error for session_start without body")
	}
	if _, err := Encode(Message{Type: MessageType(0x90)}); err == nil {
		t.Fatalf("expected error for unencodable type")
	}
}

// chunkReader yields at most chunk bytes per Read to exercise resync behavior.
type chunkReader struct {
	data  []byte
	chunk int
	off   int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data)-r.off {
		n = len(r.data) - r.off
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}
