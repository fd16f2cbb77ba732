package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/saucstream/sauc-go/pkg/configutil"
	"github.com/saucstream/sauc-go/pkg/errorsx"
	"github.com/saucstream/sauc-go/pkg/frames"
	"github.com/saucstream/sauc-go/pkg/logging"
	"github.com/saucstream/sauc-go/pkg/metrics"
	"github.com/saucstream/sauc-go/pkg/sauc"
	"github.com/saucstream/sauc-go/pkg/ws"
)

// ErrNotStarted reports use of a session-backed API before Start.
var ErrNotStarted = errorsx.Wrapf(errorsx.ReasonInvalidState, "session not started")

// DialFunc opens the underlying transport connection. Tests override it.
type DialFunc func(ctx context.Context, url string, header http.Header) (*ws.Conn, error)

// Config describes one streaming session. URL and Format are required; the
// rest defaults to sane values.
type Config struct {
	URL       string
	SessionID string
	Format    sauc.AudioFormat
	AuthToken string
	Params    map[string]string
	Header    http.Header

	HandshakeTimeout  time.Duration
	DrainTimeout      time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int
	EventBuffer       int
	ReadLimit         int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Dial    DialFunc
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		readLimit := c.ReadLimit
		c.Dial = func(ctx context.Context, url string, header http.Header) (*ws.Conn, error) {
			return ws.DialWithOptions(ctx, url, header, ws.Options{
				HandshakeTimeout: c.HandshakeTimeout,
				ReadLimit:        readLimit,
			})
		}
	}
	return c
}

// Event is one item on the subscription stream: a transcript, or the
// session's single terminal error.
type Event struct {
	Transcript *frames.TranscriptEvent
	Err        error
}

// Session binds one transport connection to the codec for the lifetime of
// one recording. It never reconnects; a failed session is terminal and the
// caller builds a new one.
type Session struct {
	cfg    Config
	fsm    *stateMachine
	logger *slog.Logger

	conn *ws.Conn
	seq  atomic.Uint64

	sendCh chan []byte
	events chan Event
	done   chan struct{}

	terminated   atomic.Bool
	loopsStarted atomic.Bool
	active       atomic.Bool
	termErr      error
	started      time.Time
}

// New builds an idle session. Start must be called before audio flows.
func New(cfg Config) (*Session, error) {
	if err := configutil.RequireString(cfg.URL, "session.url"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		fsm:    newStateMachine(),
		logger: logging.NewComponentLogger(cfg.Logger, "sauc_session"),
		sendCh: make(chan []byte, cfg.SendBuffer),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.fsm.State() }

// Events returns the ordered subscription stream. The channel closes once
// the session reaches a terminal state.
func (s *Session) Events() <-chan Event { return s.events }

// Done closes when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil before termination and after a
// clean close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.termErr
	default:
		return nil
	}
}

// AddStateListener observes lifecycle transitions.
func (s *Session) AddStateListener(l StateListener) { s.fsm.AddListener(l) }

// Start connects, upgrades and negotiates the session, returning once the
// session is Streaming. On failure the session is terminally Failed.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.fsm.Transition(StateConnecting, "start"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	s.started = time.Now()

	conn, err := s.cfg.Dial(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonConnect)
		s.terminate(err, "dial failure")
		return err
	}
	s.conn = conn

	if err := s.fsm.Transition(StateHandshaking, "transport connected"); err != nil {
		// Stopped concurrently during the dial. The terminate that won the
		// race ran before this connection existed, so close it here.
		_ = conn.Close(ws.CloseGoingAway, "session stopped")
		s.terminate(nil, "stopped during connect")
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	if err := s.handshake(); err != nil {
		s.terminate(err, "handshake failure")
		return err
	}
	if err := s.fsm.Transition(StateStreaming, "session acknowledged"); err != nil {
		s.terminate(nil, "stopped during handshake")
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}

	if m := s.cfg.Metrics; m != nil {
		m.SessionsStarted.Inc()
		m.ActiveSessions.Inc()
	}
	s.active.Store(true)

	s.loopsStarted.Store(true)
	go s.readLoop()
	go s.writeLoop()
	go s.watch(ctx)

	s.logger.Info("sauc_session_streaming",
		slog.String("session_id", s.cfg.SessionID),
		slog.Int("sample_rate", s.cfg.Format.SampleRate),
		slog.Int("channels", s.cfg.Format.Channels),
		slog.String("encoding", s.cfg.Format.Encoding))
	return nil
}

func (s *Session) handshake() error {
	start := sauc.Message{Type: sauc.TypeSessionStart, Start: &sauc.SessionStart{
		SessionID: s.cfg.SessionID,
		Format:    s.cfg.Format,
		Params:    s.cfg.Params,
		AuthToken: s.cfg.AuthToken,
	}}
	wire, err := sauc.Encode(start)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonHandshake)
	}
	if err := s.conn.WriteMessage(ws.OpBinary, wire); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonHandshake)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		op, payload, err := s.conn.ReadMessage()
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonHandshake)
		}
		if op != ws.OpBinary {
			continue
		}
		msg, err := sauc.Decode(payload)
		if err != nil {
			if errors.Is(err, sauc.ErrUnknownType) {
				continue
			}
			return errorsx.Wrap(err, errorsx.ReasonHandshake)
		}
		if msg.Type != sauc.TypeSessionAck {
			continue
		}
		if !msg.Ack.Accepted {
			return errorsx.Wrapf(errorsx.ReasonSessionAck, "session rejected: %s", msg.Ack.Message)
		}
		if msg.Ack.SessionID != "" && msg.Ack.SessionID != s.cfg.SessionID {
			return errorsx.Wrapf(errorsx.ReasonSessionAck, "ack for session %q, want %q", msg.Ack.SessionID, s.cfg.SessionID)
		}
		return nil
	}
}

// PushAudio encodes and queues one chunk. It never blocks beyond buffering:
// a full send queue is a synchronous backpressure error, not a stall.
func (s *Session) PushAudio(chunk frames.AudioChunk) error {
	if st := s.fsm.State(); st != StateStreaming {
		if m := s.cfg.Metrics; m != nil {
			m.ChunksRejected.Inc()
		}
		return errorsx.Wrapf(errorsx.ReasonInvalidState, "push audio in state %s", st)
	}

	seq := chunk.Seq()
	if seq == 0 {
		seq = s.seq.Add(1)
	} else {
		s.seq.Store(seq)
	}
	wire, err := sauc.Encode(sauc.Message{
		Type:  sauc.TypeAudioPayload,
		Audio: &sauc.AudioPayload{Seq: seq, Data: chunk.RawPayload()},
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	frames.ReleaseAudioChunk(chunk)

	select {
	case s.sendCh <- wire:
		if m := s.cfg.Metrics; m != nil {
			m.ChunksSent.Inc()
			m.BytesSent.Add(float64(len(wire) - sauc.HeaderSize))
		}
		return nil
	case <-s.done:
		return errorsx.Wrapf(errorsx.ReasonInvalidState, "session terminated")
	default:
		if m := s.cfg.Metrics; m != nil {
			m.ChunksRejected.Inc()
		}
		return errorsx.Wrapf(errorsx.ReasonBackpressure, "send queue full (%d)", s.cfg.SendBuffer)
	}
}

// Stop begins the drain: a SessionEnd message is queued behind any pending
// audio, no further audio is accepted, and the session closes once the
// server finishes or the drain timeout elapses. Stop never blocks on the
// drain itself.
func (s *Session) Stop() error {
	switch st := s.fsm.State(); st {
	case StateIdle:
		return errorsx.Wrapf(errorsx.ReasonInvalidState, "stop before start")
	case StateDraining, StateClosed, StateFailed:
		return nil
	case StateConnecting, StateHandshaking:
		s.terminate(nil, "stopped during startup")
		return nil
	}

	if err := s.fsm.Transition(StateDraining, "stop requested"); err != nil {
		// Lost a race with termination; nothing left to do.
		return nil
	}
	s.logger.Info("sauc_session_draining", slog.String("session_id", s.cfg.SessionID))

	end, err := sauc.Encode(sauc.Message{Type: sauc.TypeSessionEnd, End: &sauc.SessionEnd{}})
	if err == nil {
		select {
		case s.sendCh <- end:
		default:
			s.logger.Warn("sauc_session_end_not_queued", slog.String("session_id", s.cfg.SessionID))
		}
	}
	go s.drainWatch()
	return nil
}

func (s *Session) drainWatch() {
	t := time.NewTimer(s.cfg.DrainTimeout)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
		s.logger.Warn("sauc_drain_timeout",
			slog.String("session_id", s.cfg.SessionID),
			slog.Duration("timeout", s.cfg.DrainTimeout))
		s.terminate(nil, "drain timeout")
	}
}

func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.terminate(errorsx.Wrap(ctx.Err(), errorsx.ReasonCanceled), "context canceled")
	case <-s.done:
	}
}

func (s *Session) readLoop() {
	defer func() {
		if err := s.Err(); err != nil {
			select {
			case s.events <- Event{Err: err}:
			default:
				s.logger.Warn("sauc_event_channel_full",
					slog.String("session_id", s.cfg.SessionID))
			}
		}
		close(s.events)
	}()

	for {
		op, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.onReadError(err)
			return
		}
		if op != ws.OpBinary {
			s.logger.Debug("sauc_non_binary_message_ignored",
				slog.String("session_id", s.cfg.SessionID))
			continue
		}
		if !s.handleMessage(payload) {
			return
		}
	}
}

func (s *Session) onReadError(err error) {
	st := s.fsm.State()
	var ce *ws.CloseError
	if errors.As(err, &ce) && st == StateDraining {
		s.logger.Info("sauc_drain_complete",
			slog.String("session_id", s.cfg.SessionID),
			slog.Int("close_code", ce.Code))
		s.terminate(nil, "server close")
		return
	}
	if st == StateDraining || st.Terminal() {
		// Teardown already in progress; the forced close surfaces here.
		s.terminate(nil, "connection closed")
		return
	}
	s.terminate(errorsx.Wrap(err, errorsx.ReasonTransportRead), "read failure")
}

// handleMessage dispatches one decoded message; false stops the read loop.
func (s *Session) handleMessage(payload []byte) bool {
	msg, err := sauc.Decode(payload)
	if err != nil {
		if errors.Is(err, sauc.ErrUnknownType) {
			s.logger.Warn("sauc_unknown_message_skipped",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("error", err.Error()))
			if m := s.cfg.Metrics; m != nil {
				m.DecodeSkips.Inc()
			}
			return true
		}
		if m := s.cfg.Metrics; m != nil {
			m.DecodeErrors.Inc()
		}
		s.terminate(errorsx.Promote(err, errorsx.ReasonProtocol), "decode failure")
		return false
	}

	switch msg.Type {
	case sauc.TypePartialResult:
		s.emitTranscript(frames.TranscriptPartial, msg.Partial)
	case sauc.TypeFinalResult:
		s.emitTranscript(frames.TranscriptFinal, msg.Final)
	case sauc.TypeErrorEvent:
		s.terminate(errorsx.Wrapf(errorsx.ReasonRemote, "server error %d: %s", msg.Error.Code, msg.Error.Message), "server error")
		return false
	case sauc.TypeSessionEnd:
		if s.fsm.State() == StateDraining {
			s.terminate(nil, "server end ack")
		} else {
			s.terminate(errorsx.Wrapf(errorsx.ReasonRemote, "server ended session"), "server end")
		}
		return false
	case sauc.TypeHeartbeat, sauc.TypeSessionAck:
		// Keepalive or late ack; nothing to do.
	default:
		s.logger.Debug("sauc_unexpected_message_ignored",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("type", msg.Type.String()))
	}
	return true
}

func (s *Session) emitTranscript(kind frames.TranscriptKind, res *sauc.Result) {
	ev := frames.NewTranscriptEvent(s.cfg.SessionID, kind, res.Text, res.Confidence,
		frames.TimeRange{StartMS: res.StartMS, EndMS: res.EndMS},
		map[string]string{frames.MetaSource: "session"})
	select {
	case s.events <- Event{Transcript: &ev}:
		if m := s.cfg.Metrics; m != nil {
			if kind == frames.TranscriptFinal {
				m.TranscriptsFinal.Inc()
			} else {
				m.TranscriptsPartial.Inc()
			}
		}
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case wire := <-s.sendCh:
			if err := s.conn.WriteMessage(ws.OpBinary, wire); err != nil {
				if st := s.fsm.State(); st == StateDraining || st.Terminal() {
					s.terminate(nil, "write after close")
				} else {
					s.terminate(errorsx.Wrap(err, errorsx.ReasonTransportSend), "write failure")
				}
				return
			}
		case <-ticker.C:
			if s.fsm.State() != StateStreaming {
				continue
			}
			beat, err := sauc.Encode(sauc.Message{Type: sauc.TypeHeartbeat, Beat: &sauc.Heartbeat{}})
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(ws.OpBinary, beat); err != nil {
				s.terminate(errorsx.Wrap(err, errorsx.ReasonTransportSend), "heartbeat failure")
				return
			}
			if m := s.cfg.Metrics; m != nil {
				m.Heartbeats.Inc()
			}
		case <-s.done:
			return
		}
	}
}

// terminate performs the single terminal transition. A nil error means a
// clean close; anything else moves the session to Failed and is delivered
// once on the event stream.
func (s *Session) terminate(err error, reason string) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	target := StateClosed
	if err != nil {
		target = StateFailed
	}
	_ = s.fsm.Transition(target, reason)
	s.termErr = err

	code := uint16(ws.CloseNormal)
	if errorsx.HasReason(err, errorsx.ReasonProtocol) {
		code = ws.CloseProtocolError
	}
	if s.conn != nil {
		_ = s.conn.Close(code, reason)
	}
	close(s.done)

	if m := s.cfg.Metrics; m != nil {
		if err != nil {
			m.SessionsFailed.Inc()
		} else {
			m.SessionsClosed.Inc()
		}
		if s.active.CompareAndSwap(true, false) {
			m.ActiveSessions.Dec()
			m.SessionDuration.Observe(time.Since(s.started).Seconds())
		}
	}

	if !s.loopsStarted.Load() {
		if err != nil {
			select {
			case s.events <- Event{Err: err}:
			default:
			}
		}
		close(s.events)
	}

	if err != nil {
		s.logger.Error("sauc_session_failed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("sauc_session_closed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("reason", reason))
	}
}
