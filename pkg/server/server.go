package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/saucstream/sauc-go/pkg/sauc"
)

// Error codes reported to clients before closing.
const (
	ErrCodeBadHandshake  uint16 = 1
	ErrCodeMalformed     uint16 = 2
	ErrCodeEngineFailure uint16 = 3
)

// Segment is one recognition fragment produced by an Engine.
type Segment struct {
	Text       string
	Confidence float64
	StartMS    uint64
	EndMS      uint64
	Final      bool
}

// Engine turns audio into transcript segments. Feed is called once per
// audio payload in arrival order; Flush commits whatever remains when the
// client ends the session.
type Engine interface {
	Feed(sessionID string, seq uint64, audio []byte) ([]Segment, error)
	Flush(sessionID string) ([]Segment, error)
}

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AuthToken      string   `mapstructure:"auth_token"`
	ReadLimit      int64    `mapstructure:"read_limit"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/sauc"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = sauc.MaxBodyLen + sauc.HeaderSize
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Server speaks the SAUC protocol over WebSocket and drives an Engine. It
// exists for interoperability testing and local development; production
// recognition lives behind real engines.
type Server struct {
	cfg      Config
	engine   Engine
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	draining atomic.Bool
}

func New(cfg Config, engine Engine, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*websocket.Conn),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Start begins listening. The server stops when ctx is canceled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("sauc_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop refuses new upgrades and closes every live connection.
func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()
	return nil
}

func (s *Server) track(id string, c *websocket.Conn) {
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	connID := uuid.NewString()
	s.track(connID, conn)
	defer func() {
		s.untrack(connID)
		_ = conn.Close()
	}()
	s.serve(conn, connID)
}

func (s *Server) serve(conn *websocket.Conn, connID string) {
	conn.SetReadLimit(s.cfg.ReadLimit)

	start, ok := s.awaitStart(conn, connID)
	if !ok {
		return
	}
	sessionID := start.SessionID
	log := s.logger.With(
		slog.String("conn_id", connID),
		slog.String("session_id", sessionID))

	if s.cfg.AuthToken != "" && start.AuthToken != s.cfg.AuthToken {
		_ = s.writeMessage(conn, sauc.Message{Type: sauc.TypeSessionAck, Ack: &sauc.SessionAck{
			SessionID: sessionID,
			Accepted:  false,
			Message:   "unauthorized",
		}})
		log.Warn("sauc_server_session_rejected", slog.String("reason", "unauthorized"))
		return
	}
	if err := s.writeMessage(conn, sauc.Message{Type: sauc.TypeSessionAck, Ack: &sauc.SessionAck{
		SessionID: sessionID,
		Accepted:  true,
	}}); err != nil {
		return
	}
	log.Info("sauc_server_session_accepted",
		slog.Int("sample_rate", start.Format.SampleRate),
		slog.Int("channels", start.Format.Channels),
		slog.String("encoding", start.Format.Encoding))

	for {
		msg, err := s.readMessage(conn)
		if err != nil {
			if errors.Is(err, sauc.ErrUnknownType) {
				log.Warn("sauc_server_unknown_type_skipped")
				continue
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
				log.Info("sauc_server_connection_closed")
				return
			}
			s.abort(conn, log, ErrCodeMalformed, "malformed message: "+err.Error())
			return
		}

		switch msg.Type {
		case sauc.TypeAudioPayload:
			segments, err := s.engine.Feed(sessionID, msg.Audio.Seq, msg.Audio.Data)
			if err != nil {
				s.abort(conn, log, ErrCodeEngineFailure, err.Error())
				return
			}
			if !s.writeSegments(conn, log, segments) {
				return
			}
		case sauc.TypeSessionEnd:
			segments, err := s.engine.Flush(sessionID)
			if err != nil {
				s.abort(conn, log, ErrCodeEngineFailure, err.Error())
				return
			}
			if !s.writeSegments(conn, log, segments) {
				return
			}
			log.Info("sauc_server_session_complete")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"),
				time.Now().Add(time.Second))
			return
		case sauc.TypeHeartbeat:
			_ = s.writeMessage(conn, sauc.Message{Type: sauc.TypeHeartbeat, Beat: &sauc.Heartbeat{}})
		case sauc.TypeSessionStart:
			s.abort(conn, log, ErrCodeBadHandshake, "duplicate session start")
			return
		default:
			log.Debug("sauc_server_message_ignored", slog.String("type", msg.Type.String()))
		}
	}
}

// awaitStart reads the first protocol message, which must be SessionStart.
func (s *Server) awaitStart(conn *websocket.Conn, connID string) (*sauc.SessionStart, bool) {
	log := s.logger.With(slog.String("conn_id", connID))
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := s.readMessage(conn)
	if err != nil {
		log.Warn("sauc_server_handshake_failed", slog.String("error", err.Error()))
		return nil, false
	}
	if msg.Type != sauc.TypeSessionStart {
		s.abort(conn, log, ErrCodeBadHandshake, "expected session start, got "+msg.Type.String())
		return nil, false
	}
	return msg.Start, true
}

func (s *Server) readMessage(conn *websocket.Conn) (sauc.Message, error) {
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return sauc.Message{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return sauc.Decode(payload)
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg sauc.Message) error {
	wire, err := sauc.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, wire)
}

func (s *Server) writeSegments(conn *websocket.Conn, log *slog.Logger, segments []Segment) bool {
	for _, seg := range segments {
		res := &sauc.Result{
			Text:       seg.Text,
			Confidence: seg.Confidence,
			StartMS:    seg.StartMS,
			EndMS:      seg.EndMS,
		}
		msg := sauc.Message{Type: sauc.TypePartialResult, Partial: res}
		if seg.Final {
			msg = sauc.Message{Type: sauc.TypeFinalResult, Final: res}
		}
		if err := s.writeMessage(conn, msg); err != nil {
			log.Warn("sauc_server_write_failed", slog.String("error", err.Error()))
			return false
		}
	}
	return true
}

func (s *Server) abort(conn *websocket.Conn, log *slog.Logger, code uint16, reason string) {
	log.Warn("sauc_server_session_aborted",
		slog.Int("code", int(code)),
		slog.String("reason", reason))
	_ = s.writeMessage(conn, sauc.Message{Type: sauc.TypeErrorEvent, Error: &sauc.ErrorEvent{
		Code:    code,
		Message: reason,
	}})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, reason),
		time.Now().Add(time.Second))
}
