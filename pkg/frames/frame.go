package frames

import (
	"sync"
	"time"
)

// TranscriptKind distinguishes interim hypotheses from committed text.
type TranscriptKind string

const (
	TranscriptPartial TranscriptKind = "partial"
	TranscriptFinal   TranscriptKind = "final"
)

// Common metadata keys attached to chunks and events.
const (
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaProvider  = "provider"
	MetaSource    = "source"
	MetaEncoding  = "encoding"
)

// AudioChunk is one captured audio buffer on its way to the wire.
// The recording collaborator produces it; the session owns it until the
// codec has encoded it.
type AudioChunk struct {
	seq    uint64
	ts     time.Time
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioChunk(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioChunk {
	return AudioChunk{
		seq:  seq,
		ts:   time.Now(),
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewAudioChunkFromPool copies data into a pooled buffer. Callers that push
// at capture rate should pair this with ReleaseAudioChunk after encoding.
func NewAudioChunkFromPool(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioChunk {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioChunk{
		seq:    seq,
		ts:     time.Now(),
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(sessionID, meta),
		pooled: true,
	}
}

func (a AudioChunk) Seq() uint64             { return a.seq }
func (a AudioChunk) Timestamp() time.Time    { return a.ts }
func (a AudioChunk) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioChunk) RawPayload() []byte      { return a.data }
func (a AudioChunk) Rate() int               { return a.rate }
func (a AudioChunk) Channels() int           { return a.ch }
func (a AudioChunk) Meta() map[string]string { return cloneMeta(a.meta) }

func ReleaseAudioChunk(c AudioChunk) bool {
	if c.pooled {
		ReleaseAudioBuf(c.data)
		return true
	}
	return false
}

// TimeRange bounds a transcript fragment within the audio timeline.
type TimeRange struct {
	StartMS uint64
	EndMS   uint64
}

// TranscriptEvent is an immutable recognition result emitted to the caller.
type TranscriptEvent struct {
	kind       TranscriptKind
	text       string
	confidence float64
	rng        TimeRange
	meta       map[string]string
}

func NewTranscriptEvent(sessionID string, kind TranscriptKind, text string, confidence float64, rng TimeRange, meta map[string]string) TranscriptEvent {
	return TranscriptEvent{
		kind:       kind,
		text:       text,
		confidence: confidence,
		rng:        rng,
		meta:       mergeMeta(sessionID, meta),
	}
}

func (t TranscriptEvent) Kind() TranscriptKind    { return t.kind }
func (t TranscriptEvent) Text() string            { return t.text }
func (t TranscriptEvent) Confidence() float64     { return t.confidence }
func (t TranscriptEvent) Range() TimeRange        { return t.rng }
func (t TranscriptEvent) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptEvent) IsFinal() bool           { return t.kind == TranscriptFinal }

// SeqGen hands out monotonic sequence numbers per session.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(sessionID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[sessionID] + 1
	g.value[sessionID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
