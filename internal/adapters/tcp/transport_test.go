package tcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	frames []string
}

func (s *sink) OnFrame(_ domain.TransportKind, _ domain.MemberID, f core.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, string(f))
	s.mu.Unlock()
}
func (s *sink) OnLinkUp(domain.TransportKind, domain.MemberID)          {}
func (s *sink) OnLinkDown(domain.TransportKind, domain.MemberID, error) {}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func identity(id domain.MemberID) *core.Identity {
	i := core.NewIdentity(id)
	i.SetParty("p1")
	return i
}

func TestTCPLinkOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := New(ctx, identity("srv"))
	in := &sink{}
	server.Bind(in)
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ctx) }()
	defer server.Shutdown()

	client := New(ctx, identity("cli"))
	client.Bind(&sink{})
	peer, err := client.Connect(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, domain.MemberID("srv"), peer)

	require.NoError(t, client.Send(ctx, "srv", core.Frame(`{"kind":"chat"}`)))
	assert.Eventually(t, func() bool { return len(in.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, server.Connected("cli"))
}

func TestTCPIgnoresBareConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := New(ctx, identity("srv"))
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ctx) }()
	defer server.Shutdown()

	// A reachability probe opens and closes without a handshake.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	client := New(ctx, identity("cli"))
	_, err = client.Connect(ctx, addr, "srv")
	require.NoError(t, err)
}

func TestTCPConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := New(context.Background(), identity("cli"))
	_, err = client.Connect(context.Background(), addr, "")
	assert.Error(t, err)
}

func TestTCPRefusesOutsideParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := New(ctx, core.NewIdentity("srv"))
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ctx) }()
	defer server.Shutdown()

	_, err = New(ctx, identity("cli")).Connect(ctx, addr, "")
	assert.ErrorIs(t, err, domain.ErrTransportHandshakeFailed)
}
