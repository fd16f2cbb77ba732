package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saucstream/sauc-go/pkg/errorsx"
	"github.com/saucstream/sauc-go/pkg/frames"
	"github.com/saucstream/sauc-go/pkg/sauc"
	"github.com/saucstream/sauc-go/pkg/ws"
)

// scriptedServer upgrades with gorilla/websocket and hands the connection to
// the script, giving each test full control over the server side of the
// protocol.
func scriptedServer(t *testing.T, script func(c *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		script(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMsg(t *testing.T, c *websocket.Conn) sauc.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		mt, payload, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := sauc.Decode(payload)
		if err != nil {
			t.Fatalf("server decode: %v", err)
		}
		if msg.Type == sauc.TypeHeartbeat {
			continue
		}
		return msg
	}
}

func writeMsg(t *testing.T, c *websocket.Conn, msg sauc.Message) {
	t.Helper()
	wire, err := sauc.Encode(msg)
	if err != nil {
		t.Fatalf("server encode: %v", err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// ackSession consumes the SessionStart and acknowledges it.
func ackSession(t *testing.T, c *websocket.Conn) sauc.Message {
	t.Helper()
	start := readMsg(t, c)
	if start.Type != sauc.TypeSessionStart {
		t.Errorf("first message type = %s, want SESSION_START", start.Type)
	}
	writeMsg(t, c, sauc.Message{Type: sauc.TypeSessionAck, Ack: &sauc.SessionAck{
		SessionID: start.Start.SessionID,
		Accepted:  true,
	}})
	return start
}

func testConfig(url string) Config {
	return Config{
		URL:       url,
		SessionID: "sess-test",
		Format:    sauc.AudioFormat{SampleRate: 16000, Channels: 1, Encoding: "pcm16"},
	}
}

func collectEvents(s *Session) <-chan []Event {
	out := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range s.Events() {
			events = append(events, ev)
		}
		out <- events
	}()
	return out
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not terminate, state=%s", s.State())
	}
}

func TestSessionDictationRoundTrip(t *testing.T) {
	chunk := bytes.Repeat([]byte{0x7F, 0x80}, 160)
	url := scriptedServer(t, func(c *websocket.Conn) {
		start := ackSession(t, c)
		if f := start.Start.Format; f.SampleRate != 16000 || f.Channels != 1 || f.Encoding != "pcm16" {
			t.Errorf("unexpected format: %+v", f)
		}
		for want := uint64(1); want <= 3; want++ {
			msg := readMsg(t, c)
			if msg.Type != sauc.TypeAudioPayload {
				t.Errorf("message %d type = %s, want AUDIO_PAYLOAD", want, msg.Type)
				return
			}
			if msg.Audio.Seq != want {
				t.Errorf("audio seq = %d, want %d", msg.Audio.Seq, want)
			}
			if !bytes.Equal(msg.Audio.Data, chunk) {
				t.Errorf("audio payload mismatch at seq %d", want)
			}
		}
		writeMsg(t, c, sauc.Message{Type: sauc.TypePartialResult, Partial: &sauc.Result{
			Text: "hel", Confidence: 0.42, StartMS: 0, EndMS: 40,
		}})
		for {
			msg := readMsg(t, c)
			if msg.Type == sauc.TypeSessionEnd {
				break
			}
		}
		writeMsg(t, c, sauc.Message{Type: sauc.TypeFinalResult, Final: &sauc.Result{
			Text: "hello", Confidence: 0.97, StartMS: 0, EndMS: 60,
		}})
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("fresh session state = %s, want IDLE", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("post-start state = %s, want STREAMING", s.State())
	}
	eventsCh := collectEvents(s)

	for i := 0; i < 3; i++ {
		if err := s.PushAudio(frames.NewAudioChunk("sess-test", 0, chunk, 16000, 1, nil)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("final state = %s, want CLOSED", s.State())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("clean close surfaced error: %v", err)
	}

	events := <-eventsCh
	var partials, finals []string
	for _, ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Transcript.IsFinal() {
			finals = append(finals, ev.Transcript.Text())
		} else {
			partials = append(partials, ev.Transcript.Text())
		}
	}
	if len(finals) != 1 || finals[0] != "hello" {
		t.Fatalf("finals = %v, want exactly [hello]", finals)
	}
	if len(partials) != 1 || partials[0] != "hel" {
		t.Fatalf("partials = %v, want [hel]", partials)
	}
	if events[len(events)-1].Transcript == nil || !events[len(events)-1].Transcript.IsFinal() {
		t.Fatal("final transcript must be the last event")
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, err := New(testConfig("ws://127.0.0.1:1/sauc"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Stop(); !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("stop before start error = %v, want invalid state", err)
	}
}

func TestPushAudioBeforeStart(t *testing.T) {
	s, err := New(testConfig("ws://127.0.0.1:1/sauc"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	err = s.PushAudio(frames.NewAudioChunk("sess-test", 0, []byte{1, 2}, 16000, 1, nil))
	if !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("push before start error = %v, want invalid state", err)
	}
}

func TestSessionRejectedByServer(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		start := readMsg(t, c)
		writeMsg(t, c, sauc.Message{Type: sauc.TypeSessionAck, Ack: &sauc.SessionAck{
			SessionID: start.Start.SessionID,
			Accepted:  false,
			Message:   "no capacity",
		}})
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	err = s.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonSessionAck) {
		t.Fatalf("start error = %v, want session ack reason", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	waitDone(t, s)
}

func TestDialFailureIsTerminal(t *testing.T) {
	s, err := New(testConfig("ws://127.0.0.1:1/sauc"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if err := s.Start(context.Background()); !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("restart error = %v, want invalid state", err)
	}
}

func TestDrainTimeoutClosesSession(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		// Swallow everything, never finalize.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.DrainTimeout = 100 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventsCh := collectEvents(s)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after drain timeout", s.State())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("drain timeout surfaced error: %v", err)
	}
	for _, ev := range <-eventsCh {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
}

func TestPushAudioWhileDraining(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.DrainTimeout = 100 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err = s.PushAudio(frames.NewAudioChunk("sess-test", 0, []byte{1, 2}, 16000, 1, nil))
	if !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("push while draining error = %v, want invalid state", err)
	}
	waitDone(t, s)
}

func TestServerErrorEventFailsSession(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		writeMsg(t, c, sauc.Message{Type: sauc.TypeErrorEvent, Error: &sauc.ErrorEvent{
			Code:    42,
			Message: "engine overloaded",
		}})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventsCh := collectEvents(s)
	waitDone(t, s)

	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if !errorsx.HasReason(s.Err(), errorsx.ReasonRemote) {
		t.Fatalf("terminal error = %v, want remote reason", s.Err())
	}
	events := <-eventsCh
	if len(events) == 0 || events[len(events)-1].Err == nil {
		t.Fatalf("error must be the last event, got %+v", events)
	}
	if !strings.Contains(events[len(events)-1].Err.Error(), "engine overloaded") {
		t.Fatalf("error event lost server message: %v", events[len(events)-1].Err)
	}
}

func TestDroppedConnectionFailsSession(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		_ = c.Close()
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if s.Err() == nil {
		t.Fatal("dropped connection must surface a terminal error")
	}
}

func TestUnknownMessageTypeIsSkipped(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)

		// Self-consistent message with an unassigned type tag.
		body := []byte("future extension")
		raw := make([]byte, sauc.HeaderSize+len(body))
		raw[0] = 0x7F
		binary.BigEndian.PutUint32(raw[2:6], uint32(len(body)))
		binary.BigEndian.PutUint64(raw[6:14], 9)
		copy(raw[sauc.HeaderSize:], body)
		if err := c.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			t.Errorf("server write raw: %v", err)
			return
		}

		writeMsg(t, c, sauc.Message{Type: sauc.TypeFinalResult, Final: &sauc.Result{
			Text: "still here", Confidence: 1, StartMS: 0, EndMS: 10,
		}})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.DrainTimeout = 100 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventsCh := collectEvents(s)

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, s)

	var finals []string
	for _, ev := range <-eventsCh {
		if ev.Err != nil {
			t.Fatalf("unknown type must not fail the session: %v", ev.Err)
		}
		if ev.Transcript.IsFinal() {
			finals = append(finals, ev.Transcript.Text())
		}
	}
	if len(finals) != 1 || finals[0] != "still here" {
		t.Fatalf("finals = %v, want [still here]", finals)
	}
}

func TestContextCancelFailsSession(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	waitDone(t, s)

	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if !errorsx.HasReason(s.Err(), errorsx.ReasonCanceled) {
		t.Fatalf("terminal error = %v, want canceled reason", s.Err())
	}
}

func TestPushAudioBackpressure(t *testing.T) {
	release := make(chan struct{})
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		<-release
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	cfg := testConfig(url)
	cfg.SendBuffer = 1
	cfg.DrainTimeout = 100 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The peer stops reading, so writes back up into the bounded queue and
	// pushes start failing synchronously instead of blocking.
	chunk := bytes.Repeat([]byte{0xAB}, 64<<10)
	sawBackpressure := false
	for i := 0; i < 256; i++ {
		err := s.PushAudio(frames.NewAudioChunk("sess-test", 0, chunk, 16000, 1, nil))
		if errorsx.HasReason(err, errorsx.ReasonBackpressure) {
			sawBackpressure = true
			break
		}
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if !sawBackpressure {
		t.Fatal("expected a backpressure error once the send queue filled")
	}

	close(release)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, s)
}

func TestStopIsIdempotent(t *testing.T) {
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)
		for {
			msg := readMsg(t, c)
			if msg.Type == sauc.TypeSessionEnd {
				_ = c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	waitDone(t, s)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop after close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", s.State())
	}
}

func TestStopDuringDialClosesConnection(t *testing.T) {
	serverRead := make(chan error, 1)
	url := scriptedServer(t, func(c *websocket.Conn) {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := c.ReadMessage()
		serverRead <- err
	})

	dialed := make(chan struct{})
	release := make(chan struct{})
	cfg := testConfig(url)
	cfg.Dial = func(ctx context.Context, rawURL string, header http.Header) (*ws.Conn, error) {
		close(dialed)
		<-release
		return ws.Dial(ctx, rawURL, header)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start(context.Background()) }()

	<-dialed
	if err := s.Stop(); err != nil {
		t.Fatalf("stop while connecting: %v", err)
	}
	close(release)

	if err := <-startErr; err == nil {
		t.Fatalf("start must fail once the session was stopped")
	}
	waitDone(t, s)
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", s.State())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stop during dial is a clean close, got %v", err)
	}

	// The dial completed after the stop; the connection it produced must
	// still be torn down, observable as the server's read returning.
	select {
	case <-serverRead:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialed connection was never closed")
	}
}

func TestMalformedFrameFailsSession(t *testing.T) {
	closeCode := make(chan int, 1)
	url := scriptedServer(t, func(c *websocket.Conn) {
		ackSession(t, c)

		// Result body shorter than its fixed numeric fields. The length
		// field is self-consistent, so the header parses and the body is
		// what fails to decode.
		body := []byte{0xDE, 0xAD}
		raw := make([]byte, sauc.HeaderSize+len(body))
		raw[0] = byte(sauc.TypePartialResult)
		binary.BigEndian.PutUint32(raw[2:6], uint32(len(body)))
		binary.BigEndian.PutUint64(raw[6:14], 1)
		copy(raw[sauc.HeaderSize:], body)
		if err := c.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			t.Errorf("server write raw: %v", err)
			return
		}

		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			_, _, err := c.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				}
				return
			}
		}
	})

	s, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventsCh := collectEvents(s)

	waitDone(t, s)
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if got := errorsx.Reason(s.Err()); got != errorsx.ReasonProtocol {
		t.Fatalf("reason = %s, want %s", got, errorsx.ReasonProtocol)
	}

	events := <-eventsCh
	if len(events) == 0 || events[len(events)-1].Err == nil {
		t.Fatalf("expected a terminal error event, got %v", events)
	}

	select {
	case code := <-closeCode:
		if code != ws.CloseProtocolError {
			t.Fatalf("close code = %d, want %d", code, ws.CloseProtocolError)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received a close frame")
	}
}
