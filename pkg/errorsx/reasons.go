package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Connection establishment.
	ReasonConnect   ReasonCode = "connect"
	ReasonHandshake ReasonCode = "handshake"

	// Wire-level faults. Protocol violations close the connection;
	// decode faults may be recoverable per message.
	ReasonProtocol      ReasonCode = "protocol"
	ReasonDecode        ReasonCode = "decode"
	ReasonTransportRead ReasonCode = "transport_read"
	ReasonTransportSend ReasonCode = "transport_send"

	// Session lifecycle.
	ReasonInvalidState ReasonCode = "invalid_state"
	ReasonDrainTimeout ReasonCode = "drain_timeout"
	ReasonBackpressure ReasonCode = "backpressure"
	ReasonSessionAck   ReasonCode = "session_ack"
	ReasonRemote       ReasonCode = "remote_error"
	ReasonCanceled     ReasonCode = "canceled"

	// Vendor adapters.
	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"
)
