package mock

import (
	"strings"
	"sync"

	"github.com/saucstream/sauc-go/pkg/server"
)

// Engine simulates recognition for the reference server. Each audio payload
// reveals one more word of the configured transcript as a partial; Flush
// commits the whole transcript as the single final segment.
type Engine struct {
	Transcript string
	BytesPerMS uint64

	mu       sync.Mutex
	sessions map[string]*engineState
}

type engineState struct {
	chunks   int
	consumed uint64
}

func NewEngine(transcript string) *Engine {
	if transcript == "" {
		transcript = "mock transcript"
	}
	return &Engine{
		Transcript: transcript,
		BytesPerMS: 32, // 16kHz mono pcm16
		sessions:   make(map[string]*engineState),
	}
}

func (e *Engine) state(sessionID string) *engineState {
	if st, ok := e.sessions[sessionID]; ok {
		return st
	}
	st := &engineState{}
	e.sessions[sessionID] = st
	return st
}

func (e *Engine) Feed(sessionID string, seq uint64, audio []byte) ([]server.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(sessionID)
	st.chunks++
	st.consumed += uint64(len(audio))

	words := strings.Fields(e.Transcript)
	n := st.chunks
	if n > len(words) {
		n = len(words)
	}
	if n == 0 {
		return nil, nil
	}
	return []server.Segment{{
		Text:       strings.Join(words[:n], " "),
		Confidence: 0.5,
		StartMS:    0,
		EndMS:      st.consumed / e.BytesPerMS,
	}}, nil
}

func (e *Engine) Flush(sessionID string) ([]server.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(sessionID)
	delete(e.sessions, sessionID)
	if st.chunks == 0 {
		return nil, nil
	}
	return []server.Segment{{
		Text:       e.Transcript,
		Confidence: 0.97,
		StartMS:    0,
		EndMS:      st.consumed / e.BytesPerMS,
		Final:      true,
	}}, nil
}

var _ server.Engine = (*Engine)(nil)
