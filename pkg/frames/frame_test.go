package frames

import (
	"bytes"
	"testing"
)

func TestAudioChunkCopySemantics(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	c := NewAudioChunk("s1", 7, src, 16000, 1, nil)
	if c.Seq() != 7 {
		t.Fatalf("expected seq 7, got %d", c.Seq())
	}
	out := c.Data()
	out[0] = 99
	if !bytes.Equal(c.RawPayload(), src) {
		t.Fatalf("Data() must return a copy")
	}
	if c.Meta()[MetaSessionID] != "s1" {
		t.Fatalf("expected session id in meta")
	}
}

func TestPooledChunkRelease(t *testing.T) {
	c := NewAudioChunkFromPool("s1", 1, []byte{9, 9}, 16000, 1, nil)
	if !bytes.Equal(c.RawPayload(), []byte{9, 9}) {
		t.Fatalf("pooled chunk must copy input")
	}
	if !ReleaseAudioChunk(c) {
		t.Fatalf("expected pooled chunk to release")
	}
	plain := NewAudioChunk("s1", 2, []byte{1}, 16000, 1, nil)
	if ReleaseAudioChunk(plain) {
		t.Fatalf("non-pooled chunk must not release")
	}
}

func TestSeqGenMonotonicPerSession(t *testing.T) {
	g := NewSeqGen()
	for want := uint64(1); want <= 3; want++ {
		if got := g.Next("a"); got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if got := g.Next("b"); got != 1 {
		t.Fatalf("expected independent counter per session, got %d", got)
	}
}

func TestTranscriptEventImmutableMeta(t *testing.T) {
	ev := NewTranscriptEvent("s1", TranscriptFinal, "hello", 0.92, TimeRange{StartMS: 10, EndMS: 800}, nil)
	m := ev.Meta()
	m["x"] = "y"
	if _, ok := ev.Meta()["x"]; ok {
		t.Fatalf("Meta() must return a copy")
	}
	if !ev.IsFinal() {
		t.Fatalf("expected final event")
	}
}
