package sauc

// MessageType tags one logical SAUC message on the wire.
type MessageType uint8

const (
	TypeSessionStart  MessageType = 0x01
	TypeSessionAck    MessageType = 0x02
	TypeAudioPayload  MessageType = 0x03
	TypeSessionEnd    MessageType = 0x04
	TypePartialResult MessageType = 0x05
	TypeFinalResult   MessageType = 0x06
	TypeErrorEvent    MessageType = 0x07
	TypeHeartbeat     MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case TypeSessionStart:
		return "session_start"
	case TypeSessionAck:
		return "session_ack"
	case TypeAudioPayload:
		return "audio_payload"
	case TypeSessionEnd:
		return "session_end"
	case TypePartialResult:
		return "partial_result"
	case TypeFinalResult:
		return "final_result"
	case TypeErrorEvent:
		return "error_event"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// AudioFormat is negotiated once at session start and immutable afterwards.
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// SessionStart opens a recognition session. Params and AuthToken are opaque
// pass-through values for the provider.
type SessionStart struct {
	SessionID string            `json:"session_id"`
	Format    AudioFormat       `json:"format"`
	Params    map[string]string `json:"params,omitempty"`
	AuthToken string            `json:"auth_token,omitempty"`
}

// SessionAck is the server's answer to SessionStart.
type SessionAck struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	Message   string `json:"message,omitempty"`
}

// AudioPayload carries one sequence-numbered chunk of raw audio.
type AudioPayload struct {
	Seq  uint64
	Data []byte
}

// SessionEnd asks the server to finalize outstanding audio and close.
type SessionEnd struct{}

// Result is an incremental or committed transcript fragment.
type Result struct {
	Seq        uint64
	Text       string
	Confidence float64
	StartMS    uint64
	EndMS      uint64
}

// ErrorEvent is a server-side failure report.
type ErrorEvent struct {
	Code    uint16
	Message string
}

// Heartbeat keeps an otherwise idle session alive at the SAUC layer.
type Heartbeat struct{}

// Message is one decoded SAUC message. Exactly one pointer field is set,
// matching Type; unknown but well-formed types decode with all fields nil.
type Message struct {
	Type    MessageType
	Start   *SessionStart
	Ack     *SessionAck
	Audio   *AudioPayload
	End     *SessionEnd
	Partial *Result
	Final   *Result
	Error   *ErrorEvent
	Beat    *Heartbeat
}
