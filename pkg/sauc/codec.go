package sauc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Wire layout: fixed big-endian header [Type:1][Flags:1][Length:4][Seq:8]
// followed by Length body bytes. Every message is self-describing in length
// so a receiver can resynchronize after a partial read.
const (
	HeaderSize = 14

	// MaxBodyLen bounds a single message body. Anything larger is treated
	// as a corrupted length field, not a legitimate payload.
	MaxBodyLen = 16 << 20

	resultFixedSize = 24 // confidence:8 + start_ms:8 + end_ms:8
	errorFixedSize  = 2  // code:2
)

// ErrUnknownType marks a well-formed message whose type tag this build does
// not know. Callers may skip it and keep the stream alive.
var ErrUnknownType = errors.New("unknown sauc message type")

// Header is the fixed-width preamble of every SAUC message.
type Header struct {
	Type   MessageType
	Flags  uint8
	Length uint32
	Seq    uint64
}

// ParseHeader decodes the 14-byte header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("sauc: header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}
	h := Header{
		Type:   MessageType(data[0]),
		Flags:  data[1],
		Length: binary.BigEndian.Uint32(data[2:6]),
		Seq:    binary.BigEndian.Uint64(data[6:14]),
	}
	if h.Length > MaxBodyLen {
		return Header{}, fmt.Errorf("sauc: body length %d exceeds limit %d", h.Length, MaxBodyLen)
	}
	return h, nil
}

func putHeader(buf []byte, t MessageType, bodyLen int, seq uint64) {
	buf[0] = byte(t)
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[2:6], uint32(bodyLen))
	binary.BigEndian.PutUint64(buf[6:14], seq)
}

// Encode serializes one message. Encoding is pure: the same message always
// produces the same bytes.
func Encode(m Message) ([]byte, error) {
	var (
		body []byte
		seq  uint64
		err  error
	)
	switch m.Type {
	case TypeSessionStart:
		if m.Start == nil {
			return nil, fmt.Errorf("sauc: session_start without body")
		}
		body, err = json.Marshal(m.Start)
		if err != nil {
			return nil, fmt.Errorf("sauc: encode session_start: %w", err)
		}
	case TypeSessionAck:
		if m.Ack == nil {
			return nil, fmt.Errorf("sauc: session_ack without body")
		}
		body, err = json.Marshal(m.Ack)
		if err != nil {
			return nil, fmt.Errorf("sauc: encode session_ack: %w", err)
		}
	case TypeAudioPayload:
		if m.Audio == nil {
			return nil, fmt.Errorf("sauc: audio_payload without body")
		}
		body = m.Audio.Data
		seq = m.Audio.Seq
	case TypeSessionEnd:
		if m.End == nil {
			return nil, fmt.Errorf("sauc: session_end without body")
		}
	case TypePartialResult, TypeFinalResult:
		res := m.Partial
		if m.Type == TypeFinalResult {
			res = m.Final
		}
		if res == nil {
			return nil, fmt.Errorf("sauc: %s without body", m.Type)
		}
		body = make([]byte, resultFixedSize+len(res.Text))
		binary.BigEndian.PutUint64(body[0:8], math.Float64bits(res.Confidence))
		binary.BigEndian.PutUint64(body[8:16], res.StartMS)
		binary.BigEndian.PutUint64(body[16:24], res.EndMS)
		copy(body[resultFixedSize:], res.Text)
		seq = res.Seq
	case TypeErrorEvent:
		if m.Error == nil {
			return nil, fmt.Errorf("sauc: error_event without body")
		}
		body = make([]byte, errorFixedSize+len(m.Error.Message))
		binary.BigEndian.PutUint16(body[0:2], m.Error.Code)
		copy(body[errorFixedSize:], m.Error.Message)
	case TypeHeartbeat:
		if m.Beat == nil {
			return nil, fmt.Errorf("sauc: heartbeat without body")
		}
	default:
		return nil, fmt.Errorf("sauc: cannot encode type 0x%02x", byte(m.Type))
	}

	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("sauc: body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}

	out := make([]byte, HeaderSize+len(body))
	putHeader(out, m.Type, len(body), seq)
	copy(out[HeaderSize:], body)
	return out, nil
}

// Decode parses one complete message. Decoding is pure and side-effect-free.
// A header that declares more or fewer body bytes than provided is an error;
// an unknown type tag with a self-consistent length returns ErrUnknownType
// so the caller can skip it.
func Decode(data []byte) (Message, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Message{}, err
	}
	body := data[HeaderSize:]
	if uint32(len(body)) != h.Length {
		return Message{}, fmt.Errorf("sauc: length mismatch: header says %d body bytes, got %d", h.Length, len(body))
	}
	return decodeBody(h, body)
}

func decodeBody(h Header, body []byte) (Message, error) {
	m := Message{Type: h.Type}
	switch h.Type {
	case TypeSessionStart:
		var s SessionStart
		if err := json.Unmarshal(body, &s); err != nil {
			return Message{}, fmt.Errorf("sauc: decode session_start: %w", err)
		}
		m.Start = &s
	case TypeSessionAck:
		var a SessionAck
		if err := json.Unmarshal(body, &a); err != nil {
			return Message{}, fmt.Errorf("sauc: decode session_ack: %w", err)
		}
		m.Ack = &a
	case TypeAudioPayload:
		audio := &AudioPayload{Seq: h.Seq}
		if len(body) > 0 {
			audio.Data = make([]byte, len(body))
			copy(audio.Data, body)
		}
		m.Audio = audio
	case TypeSessionEnd:
		if len(body) != 0 {
			return Message{}, fmt.Errorf("sauc: session_end with %d body bytes", len(body))
		}
		m.End = &SessionEnd{}
	case TypePartialResult, TypeFinalResult:
		if len(body) < resultFixedSize {
			return Message{}, fmt.Errorf("sauc: truncated result body: %d bytes", len(body))
		}
		text := body[resultFixedSize:]
		if !utf8.Valid(text) {
			return Message{}, fmt.Errorf("sauc: result text is not valid utf-8")
		}
		res := &Result{
			Seq:        h.Seq,
			Confidence: math.Float64frombits(binary.BigEndian.Uint64(body[0:8])),
			StartMS:    binary.BigEndian.Uint64(body[8:16]),
			EndMS:      binary.BigEndian.Uint64(body[16:24]),
			Text:       string(text),
		}
		if h.Type == TypePartialResult {
			m.Partial = res
		} else {
			m.Final = res
		}
	case TypeErrorEvent:
		if len(body) < errorFixedSize {
			return Message{}, fmt.Errorf("sauc: truncated error body: %d bytes", len(body))
		}
		m.Error = &ErrorEvent{
			Code:    binary.BigEndian.Uint16(body[0:2]),
			Message: string(body[errorFixedSize:]),
		}
	case TypeHeartbeat:
		if len(body) != 0 {
			return Message{}, fmt.Errorf("sauc: heartbeat with %d body bytes", len(body))
		}
		m.Beat = &Heartbeat{}
	default:
		// Length was already validated against the data, so the message is
		// well formed; the tag is just from a newer peer.
		return m, fmt.Errorf("sauc: tag 0x%02x: %w", byte(h.Type), ErrUnknownType)
	}
	return m, nil
}

// Decoder reads SAUC messages from a byte stream, tolerating arbitrary read
// boundaries. A message split across any number of reads decodes identically
// to one delivered whole.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until one full message is available. io.EOF is returned only
// on a clean boundary; a stream ending mid-message yields ErrUnexpectedEOF.
func (d *Decoder) Next() (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return decodeBody(h, body)
}
