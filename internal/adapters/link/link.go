package link

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// Link is one handshaken connection to a member. Frames are queued by
// TrySend and written by the write pump; Close lets the pump flush what is
// already queued before the connection goes away.
type Link struct {
	peer      domain.MemberID
	initiator domain.MemberID
	conn      FrameConn
	send      chan core.Frame

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New(peer, initiator domain.MemberID, conn FrameConn) *Link {
	return &Link{
		peer:      peer,
		initiator: initiator,
		conn:      conn,
		send:      make(chan core.Frame, sendBuffer),
		done:      make(chan struct{}),
	}
}

func (l *Link) Peer() domain.MemberID { return l.peer }

// Initiator is the member that dialed this link.
func (l *Link) Initiator() domain.MemberID { return l.initiator }

// Done is closed once both pumps have exited.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return core.ErrLinkClosed
	}
	select {
	case l.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.send)
}

// Abort drops the connection without flushing, as a network failure would.
func (l *Link) Abort() {
	_ = l.conn.Close()
}

// Start runs the pumps. onFrame is called from the read pump; onExit runs
// once after both pumps stop, with the error that ended the read pump.
func (l *Link) Start(ctx context.Context, onFrame func(core.Frame), onExit func(error)) {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		l.writePump(ctx)
	}()
	go func() {
		err := l.readPump(onFrame)
		l.Close()
		<-writeDone
		close(l.done)
		if onExit != nil {
			onExit(err)
		}
	}()
}

func (l *Link) writePump(ctx context.Context) {
	defer l.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-l.send:
			if !ok {
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteFrame(f); err != nil {
				return
			}
		}
	}
}

func (l *Link) readPump(onFrame func(core.Frame)) error {
	for {
		data, err := l.conn.ReadFrame()
		if err != nil {
			return err
		}
		onFrame(core.Frame(data))
	}
}
