package rtc

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// maxMessage stays under the SCTP message limit pion negotiates by
	// default.
	maxMessage  = 64 << 10
	maxBuffered = 1 << 20
	inboxSize   = 256
	flushWait   = time.Second
)

// channelConn adapts a data channel to link.FrameConn. One data channel
// message is one frame. The connection owns its PeerConnection.
type channelConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	in     chan []byte
	open   chan struct{}
	low    chan struct{}
	closed chan struct{}

	openOnce  sync.Once
	shutOnce  sync.Once
	closeOnce sync.Once

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func newChannelConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *channelConn {
	c := &channelConn{
		pc:     pc,
		dc:     dc,
		in:     make(chan []byte, inboxSize),
		open:   make(chan struct{}),
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(maxBuffered / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() { c.openOnce.Do(func() { close(c.open) }) })
	dc.OnClose(c.shut)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.in <- msg.Data:
		case <-c.closed:
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.shut()
		}
	})
	return c
}

// Opened is closed when the data channel can carry frames.
func (c *channelConn) Opened() <-chan struct{} { return c.open }

func (c *channelConn) Closed() <-chan struct{} { return c.closed }

func (c *channelConn) shut() {
	c.shutOnce.Do(func() { close(c.closed) })
}

func (c *channelConn) ReadFrame() ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	expired, stop := after(c.deadline(&c.readDeadline))
	defer stop()
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		select {
		case m := <-c.in:
			return m, nil
		default:
		}
		return nil, io.EOF
	case <-expired:
		return nil, os.ErrDeadlineExceeded
	}
}

// WriteFrame waits while the channel has more than maxBuffered bytes
// queued.
func (c *channelConn) WriteFrame(data []byte) error {
	if len(data) > maxMessage {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), maxMessage)
	}
	expired, stop := after(c.deadline(&c.writeDeadline))
	defer stop()
	for c.dc.BufferedAmount() > maxBuffered {
		select {
		case <-c.low:
		case <-c.closed:
			return io.ErrClosedPipe
		case <-expired:
			return os.ErrDeadlineExceeded
		}
	}
	return c.dc.Send(data)
}

func (c *channelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *channelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *channelConn) deadline(d *time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *d
}

// Close gives queued bytes a moment to leave before tearing the
// PeerConnection down.
func (c *channelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		wait := time.Now().Add(flushWait)
		for c.dc.BufferedAmount() > 0 && time.Now().Before(wait) {
			select {
			case <-c.closed:
				wait = time.Now()
			case <-time.After(10 * time.Millisecond):
			}
		}
		_ = c.dc.Close()
		err = c.pc.Close()
		c.shut()
	})
	return err
}

func after(d time.Time) (<-chan time.Time, func()) {
	if d.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(d))
	return t.C, func() { t.Stop() }
}
