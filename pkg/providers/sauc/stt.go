package sauc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saucstream/sauc-go/pkg/adapters/stt"
	"github.com/saucstream/sauc-go/pkg/frames"
	"github.com/saucstream/sauc-go/pkg/logging"
	"github.com/saucstream/sauc-go/pkg/metrics"
	protocol "github.com/saucstream/sauc-go/pkg/sauc"
	"github.com/saucstream/sauc-go/pkg/session"
)

type Config struct {
	URL       string
	AuthToken string
	Params    map[string]string

	SessionID  string
	TraceID    string
	SampleRate int
	Channels   int
	Encoding   string

	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	SendBuffer       int

	Metrics *metrics.Metrics
}

// StreamingSTT speaks the native SAUC protocol through a streaming session.
type StreamingSTT struct {
	cfg    Config
	logger *slog.Logger
	out    chan stt.Event

	mu   sync.Mutex
	sess *session.Session
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm16"
	}
	return &StreamingSTT{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "sauc_stt"),
		out:    make(chan stt.Event, 256),
	}
}

func (s *StreamingSTT) Name() string { return "sauc" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	sess, err := session.New(session.Config{
		URL:       s.cfg.URL,
		SessionID: s.cfg.SessionID,
		AuthToken: s.cfg.AuthToken,
		Params:    s.cfg.Params,
		Format: protocol.AudioFormat{
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Encoding:   s.cfg.Encoding,
		},
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		DrainTimeout:     s.cfg.DrainTimeout,
		SendBuffer:       s.cfg.SendBuffer,
		Logger:           s.logger,
		Metrics:          s.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	go s.pump(sess)
	return nil
}

// pump forwards session events to the vendor-agnostic stream, tagging
// transcripts with the trace ID.
func (s *StreamingSTT) pump(sess *session.Session) {
	defer close(s.out)
	for ev := range sess.Events() {
		if ev.Transcript != nil && s.cfg.TraceID != "" {
			t := frames.NewTranscriptEvent(
				s.cfg.SessionID,
				ev.Transcript.Kind(),
				ev.Transcript.Text(),
				ev.Transcript.Confidence(),
				ev.Transcript.Range(),
				map[string]string{
					frames.MetaTraceID:  s.cfg.TraceID,
					frames.MetaProvider: s.Name(),
				},
			)
			s.out <- stt.Event{Transcript: &t}
			continue
		}
		s.out <- stt.Event{Transcript: ev.Transcript, Err: ev.Err}
	}
}

func (s *StreamingSTT) SendAudio(chunk frames.AudioChunk) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return session.ErrNotStarted
	}
	return sess.PushAudio(chunk)
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Stop(); err != nil {
		return err
	}
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
	}
	return sess.Err()
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
