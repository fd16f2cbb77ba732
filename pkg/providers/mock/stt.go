package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/saucstream/sauc-go/pkg/adapters/stt"
	"github.com/saucstream/sauc-go/pkg/frames"
)

type STTConfig struct {
	SessionID         string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
}

// StreamingSTT is a scripted recognizer. The first audio chunk triggers the
// configured transcript; everything after it is swallowed.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan stt.Event
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
	closed  bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Event, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Close closes the event channel exactly once. The channel itself stays in
// place so Results keeps returning it to late readers.
func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

// SendAudio holds the lock across the channel sends so a concurrent Close
// cannot close the channel mid-emit. The channel is buffered well beyond
// the two events one utterance produces.
func (s *StreamingSTT) SendAudio(chunk frames.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("not started")
	}
	if s.emitted {
		return nil
	}
	s.emitted = true
	out := s.out

	meta := map[string]string{
		frames.MetaSource:   "stt",
		frames.MetaProvider: s.Name(),
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		ev := frames.NewTranscriptEvent(s.cfg.SessionID, frames.TranscriptPartial, interim, 0.5,
			frames.TimeRange{StartMS: 0, EndMS: 0}, meta)
		out <- stt.Event{Transcript: &ev}
	}

	final := frames.NewTranscriptEvent(s.cfg.SessionID, frames.TranscriptFinal, s.cfg.Transcript, 0.99,
		frames.TimeRange{StartMS: 0, EndMS: uint64(chunk.Seq() * 20)}, meta)
	out <- stt.Event{Transcript: &final}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
