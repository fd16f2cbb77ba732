package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saucstream/sauc-go/pkg/adapters/stt"
	"github.com/saucstream/sauc-go/pkg/configutil"
	"github.com/saucstream/sauc-go/pkg/errorsx"
	"github.com/saucstream/sauc-go/pkg/frames"
	"github.com/saucstream/sauc-go/pkg/logging"
	"github.com/saucstream/sauc-go/pkg/metrics"
	"github.com/saucstream/sauc-go/pkg/redact"
	"github.com/saucstream/sauc-go/pkg/resilience"
)

// ManagerEvent is one item on the manager's merged event stream. Terminal
// marks the last event a session will ever produce.
type ManagerEvent struct {
	SessionID  string
	Transcript *frames.TranscriptEvent
	Err        error
	Terminal   bool
}

// StartOptions tunes one session. The zero value is valid.
type StartOptions struct {
	SessionID string
}

type managed struct {
	id      string
	traceID string
	factory STTFactory
	ctx     context.Context

	mu       sync.Mutex
	rec      stt.StreamingSTT
	seq      *frames.SeqGen
	stopped  atomic.Bool
	attempts int
}

func (s *managed) recognizer() stt.StreamingSTT {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *managed) setRecognizer(rec stt.StreamingSTT) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

// Manager is the application-facing façade: it owns recognizer lifecycles,
// fans every session's transcripts into one stream and optionally restarts
// sessions that die on transport failures.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	registry *ProviderRegistry
	metrics  *metrics.Metrics
	breaker  *resilience.CircuitBreaker

	mu       sync.Mutex
	sessions map[string]*managed

	events chan ManagerEvent
	closed atomic.Bool
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithRegistry(r *ProviderRegistry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.metrics = metrics.New(reg) }
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	m := &Manager{
		cfg:      cfg,
		registry: DefaultRegistry(),
		sessions: make(map[string]*managed),
		events:   make(chan ManagerEvent, 512),
		breaker: resilience.NewCircuitBreaker(
			cfg.Restart.BreakerThreshold,
			configutil.DurationMS(cfg.Restart.BreakerCooldownMS, 0),
		),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		base := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
		m.logger = logging.NewComponentLogger(base, "bridge")
	}
	if m.metrics == nil {
		m.metrics = metrics.New(prometheus.NewRegistry())
	}
	return m, nil
}

// StartSession builds and starts one recognizer. It returns the session ID,
// generated when the options leave it empty.
func (m *Manager) StartSession(ctx context.Context, opts StartOptions) (string, error) {
	if m.closed.Load() {
		return "", errorsx.Wrapf(errorsx.ReasonInvalidState, "manager is closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	traceID := uuid.NewString()

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return "", errorsx.Wrapf(errorsx.ReasonInvalidState, "session %s already active", sessionID)
	}
	m.mu.Unlock()

	factory, err := m.registry.BuildSTTFactory(m.cfg.Recognizer.Provider, m.cfg, traceID, m.metrics)
	if err != nil {
		return "", err
	}

	rec := factory(sessionID)
	if err := rec.Start(ctx); err != nil {
		m.breaker.OnFailure()
		m.logger.Error("bridge_session_start_failed",
			slog.String("session_id", sessionID),
			slog.String("provider", rec.Name()),
			slog.String("error", err.Error()))
		return "", err
	}
	m.breaker.OnSuccess()

	sess := &managed{
		id:      sessionID,
		traceID: traceID,
		factory: factory,
		ctx:     ctx,
		rec:     rec,
		seq:     frames.NewSeqGen(),
	}
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	// Capture the channel before the goroutine runs; a Close racing the
	// pump's first instructions must not change what it ranges over.
	results := rec.Results()
	m.wg.Add(1)
	go m.pump(sess, results)

	m.logger.Info("bridge_session_started",
		slog.String("session_id", sessionID),
		slog.String("trace_id", traceID),
		slog.String("provider", rec.Name()))
	return sessionID, nil
}

// PushAudio forwards one buffer of raw audio to the session's recognizer,
// assigning the next sequence number.
func (m *Manager) PushAudio(sessionID string, data []byte) error {
	sess := m.session(sessionID)
	if sess == nil {
		return errorsx.Wrapf(errorsx.ReasonInvalidState, "unknown session %s", sessionID)
	}
	seq := sess.seq.Next(sessionID)
	chunk := frames.NewAudioChunkFromPool(sessionID, seq, data,
		m.cfg.Audio.SampleRate, m.cfg.Audio.Channels,
		map[string]string{frames.MetaEncoding: m.cfg.Audio.Encoding})
	return sess.recognizer().SendAudio(chunk)
}

// StopSession drains and closes one session. The session's terminal event
// still arrives on the event stream.
func (m *Manager) StopSession(sessionID string) error {
	sess := m.session(sessionID)
	if sess == nil {
		return errorsx.Wrapf(errorsx.ReasonInvalidState, "unknown session %s", sessionID)
	}
	sess.stopped.Store(true)
	m.logger.Info("bridge_session_stopping", slog.String("session_id", sessionID))
	return sess.recognizer().Close()
}

// Events returns the merged stream for all sessions. The channel closes
// when the manager itself closes.
func (m *Manager) Events() <-chan ManagerEvent { return m.events }

// Close stops every session and waits for their pumps to finish.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*managed, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.stopped.Store(true)
		_ = sess.recognizer().Close()
	}
	m.wg.Wait()
	close(m.events)
	return nil
}

func (m *Manager) session(sessionID string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) pump(sess *managed, results <-chan stt.Event) {
	defer m.wg.Done()

	terminalSent := false
	for ev := range results {
		if ev.Transcript != nil {
			m.logger.Debug("bridge_transcript",
				slog.String("session_id", sess.id),
				slog.String("trace_id", sess.traceID),
				slog.Bool("is_final", ev.Transcript.IsFinal()),
				slog.String("text", redact.Text(ev.Transcript.Text())))
			m.emit(ManagerEvent{SessionID: sess.id, Transcript: ev.Transcript})
			continue
		}
		if ev.Err == nil {
			continue
		}
		if m.restart(sess, ev.Err) {
			// A new pump owns the session now.
			return
		}
		m.logger.Error("bridge_session_failed",
			slog.String("session_id", sess.id),
			slog.String("reason_code", string(errorsx.Reason(ev.Err))),
			slog.String("error", ev.Err.Error()))
		m.emit(ManagerEvent{SessionID: sess.id, Err: ev.Err, Terminal: true})
		terminalSent = true
	}

	m.forget(sess.id)
	if !terminalSent {
		m.logger.Info("bridge_session_finished", slog.String("session_id", sess.id))
		m.emit(ManagerEvent{SessionID: sess.id, Terminal: true})
	}
}

// restart tries to replace a dead recognizer in place. Only transport-level
// failures on still-wanted sessions qualify.
func (m *Manager) restart(sess *managed, cause error) bool {
	if !m.cfg.Restart.Enabled || sess.stopped.Load() || m.closed.Load() {
		return false
	}
	if !restartableReason(errorsx.Reason(cause)) {
		return false
	}
	if sess.attempts >= m.cfg.Restart.MaxAttempts {
		return false
	}
	if !m.breaker.Allow() {
		m.logger.Warn("bridge_restart_suppressed",
			slog.String("session_id", sess.id),
			slog.String("reason", "circuit open"))
		return false
	}
	sess.attempts++

	retry := resilience.NewRetryPolicy(1, configutil.DurationMS(m.cfg.Restart.BackoffMS, 0))
	var rec stt.StreamingSTT
	err := retry.Do(func() error {
		rec = sess.factory(sess.id)
		return rec.Start(sess.ctx)
	})
	if err != nil {
		m.breaker.OnFailure()
		m.logger.Error("bridge_restart_failed",
			slog.String("session_id", sess.id),
			slog.Int("attempt", sess.attempts),
			slog.String("error", err.Error()))
		return false
	}
	m.breaker.OnSuccess()
	sess.setRecognizer(rec)

	m.logger.Info("bridge_session_restarted",
		slog.String("session_id", sess.id),
		slog.Int("attempt", sess.attempts),
		slog.String("cause", string(errorsx.Reason(cause))))

	results := rec.Results()
	m.wg.Add(1)
	go m.pump(sess, results)
	return true
}

func restartableReason(reason errorsx.ReasonCode) bool {
	switch reason {
	case errorsx.ReasonConnect, errorsx.ReasonTransportRead, errorsx.ReasonTransportSend, errorsx.ReasonSTTConnect, errorsx.ReasonSTTSend:
		return true
	default:
		return false
	}
}

func (m *Manager) emit(ev ManagerEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("bridge_event_dropped",
			slog.String("session_id", ev.SessionID))
	}
}
