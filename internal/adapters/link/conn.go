// Package link holds what stream transports share: framed connections,
// per-link read and write pumps, the handshake and the link table.
package link

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds a single frame on a stream connection.
const MaxFrameSize = 1 << 20

// FrameConn is an indirection over a message-oriented connection to ease
// testing. WebSocket connections are framed already; byte streams use
// NewStreamConn.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// streamConn frames a byte stream with a 4-byte big-endian length prefix.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func NewStreamConn(conn net.Conn) FrameConn {
	return &streamConn{conn: conn, r: bufio.NewReader(conn)}
}

func (s *streamConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *streamConn) WriteFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), MaxFrameSize)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

func (s *streamConn) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *streamConn) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
func (s *streamConn) Close() error                       { return s.conn.Close() }
