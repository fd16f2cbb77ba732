package stt

import (
	"context"

	"github.com/saucstream/sauc-go/pkg/frames"
)

// Event is one item on a recognizer's result stream: a transcript, or the
// recognizer's terminal error. The stream closes after a terminal error or
// a clean shutdown.
type Event struct {
	Transcript *frames.TranscriptEvent
	Err        error
}

// StreamingSTT defines the contract for any streaming recognizer backend.
type StreamingSTT interface {
	// Name returns the backend name for logging/metrics.
	Name() string
	// Start initializes the recognizer connection.
	Start(ctx context.Context) error
	// Close shuts down the recognizer connection.
	Close() error
	// SendAudio sends one audio chunk to the recognizer.
	SendAudio(chunk frames.AudioChunk) error
	// Results returns the ordered stream of transcription events.
	Results() <-chan Event
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	Channels   int
	Encoding   string
	Language   string
}
