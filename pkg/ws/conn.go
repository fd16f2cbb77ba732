package ws

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/saucstream/sauc-go/pkg/errorsx"
)

// Opcode identifies a WebSocket frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Close status codes used by this client.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseNoStatus      = 1005
	CloseMessageTooBig = 1009
	CloseInternalError = 1011
)

const (
	finBit  = 0x80
	rsvMask = 0x70
	maskBit = 0x80

	maxControlPayload = 125
	defaultReadLimit  = 1 << 20
)

// CloseError carries the peer's close frame status.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// Conn is a client-side WebSocket connection. One reader goroutine may call
// ReadMessage while any number of goroutines call WriteMessage.
type Conn struct {
	conn      net.Conn
	br        *bufio.Reader
	readLimit int64

	writeMu   sync.Mutex
	closeSent bool
}

func newConn(nc net.Conn, br *bufio.Reader, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Conn{conn: nc, br: br, readLimit: readLimit}
}

// SetReadDeadline bounds the next network read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// ReadMessage returns the next complete logical message, transparently
// reassembling fragmented messages, answering pings and discarding pongs.
// A close frame from the peer is surfaced as *CloseError after the close
// handshake is completed.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	var (
		msgOp  Opcode
		msgBuf []byte
		inMsg  bool
	)
	for {
		fin, op, payload, err := c.readFrame()
		if err != nil {
			return 0, nil, err
		}

		switch {
		case op == OpPing:
			if err := c.writeFrame(OpPong, payload); err != nil {
				return 0, nil, errorsx.Wrap(err, errorsx.ReasonTransportSend)
			}
			continue
		case op == OpPong:
			continue
		case op == OpClose:
			ce := parseClose(payload)
			c.writeMu.Lock()
			if !c.closeSent {
				c.closeSent = true
				_ = c.writeFrameLocked(OpClose, payload)
			}
			c.writeMu.Unlock()
			return 0, nil, ce
		}

		switch op {
		case OpText, OpBinary:
			if inMsg {
				return 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "new data frame during fragmented message")
			}
			msgOp = op
			msgBuf = payload
			inMsg = true
		case OpContinuation:
			if !inMsg {
				return 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "continuation frame without message start")
			}
			msgBuf = append(msgBuf, payload...)
		default:
			return 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "invalid opcode 0x%x", byte(op))
		}

		if int64(len(msgBuf)) > c.readLimit {
			_ = c.Close(CloseMessageTooBig, "message too large")
			return 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "message exceeds read limit of %d bytes", c.readLimit)
		}
		if fin {
			return msgOp, msgBuf, nil
		}
	}
}

// WriteMessage sends one unfragmented message. Client frames are always
// masked with a fresh random key.
func (c *Conn) WriteMessage(op Opcode, payload []byte) error {
	if op != OpText && op != OpBinary && op != OpPing && op != OpPong {
		return errorsx.Wrapf(errorsx.ReasonProtocol, "cannot send opcode 0x%x as a message", byte(op))
	}
	if err := c.writeFrame(op, payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// Close sends a close frame once and closes the underlying stream. Safe to
// call multiple times. Callers wanting a clean close handshake should keep
// reading until ReadMessage returns *CloseError.
func (c *Conn) Close(code uint16, reason string) error {
	// The deadline also interrupts any write currently blocked on a peer
	// that stopped reading, so the mutex below cannot be held forever.
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.writeMu.Lock()
	if !c.closeSent {
		c.closeSent = true
		payload := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, code)
		copy(payload[2:], reason)
		_ = c.writeFrameLocked(OpClose, payload)
	}
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Conn) readFrame() (fin bool, op Opcode, payload []byte, err error) {
	var hdr [2]byte
	if _, err = io.ReadFull(c.br, hdr[:]); err != nil {
		return false, 0, nil, errorsx.Wrap(err, errorsx.ReasonTransportRead)
	}
	fin = hdr[0]&finBit != 0
	if hdr[0]&rsvMask != 0 {
		return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "nonzero reserved bits 0x%x", hdr[0]&rsvMask)
	}
	op = Opcode(hdr[0] & 0x0F)

	// Server-to-client frames must not be masked.
	if hdr[1]&maskBit != 0 {
		return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "masked frame from server")
	}

	length := int64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, errorsx.Wrap(err, errorsx.ReasonTransportRead)
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, errorsx.Wrap(err, errorsx.ReasonTransportRead)
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > 1<<62 {
			return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "frame length overflow")
		}
		length = int64(v)
	}

	if op >= OpClose {
		if !fin {
			return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "fragmented control frame")
		}
		if length > maxControlPayload {
			return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "control frame payload of %d bytes", length)
		}
	}
	if length > c.readLimit {
		return false, 0, nil, errorsx.Wrapf(errorsx.ReasonProtocol, "frame of %d bytes exceeds read limit", length)
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(c.br, payload); err != nil {
		return false, 0, nil, errorsx.Wrap(err, errorsx.ReasonTransportRead)
	}
	return fin, op, payload, nil
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(op, payload)
}

func (c *Conn) writeFrameLocked(op Opcode, payload []byte) error {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}

	buf := make([]byte, 0, 14+len(payload))
	buf = append(buf, finBit|byte(op))

	switch n := len(payload); {
	case n <= 125:
		buf = append(buf, maskBit|byte(n))
	case n <= 0xFFFF:
		buf = append(buf, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}
	buf = append(buf, key[:]...)

	off := len(buf)
	buf = append(buf, payload...)
	maskBytes(key, buf[off:])

	_, err := c.conn.Write(buf)
	return err
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func parseClose(payload []byte) *CloseError {
	if len(payload) < 2 {
		return &CloseError{Code: CloseNoStatus}
	}
	return &CloseError{
		Code:   int(binary.BigEndian.Uint16(payload[:2])),
		Reason: string(payload[2:]),
	}
}
