package orch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/adapters/memnet"
	"github.com/dkeye/Shortgap/internal/adapters/rtc"
	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

type node struct {
	id     domain.MemberID
	o      *Orchestrator
	cancel context.CancelFunc
}

type party struct {
	t       *testing.T
	clk     *clock.Mock
	network *memnet.Network
}

func newParty(t *testing.T) *party {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &party{t: t, clk: clk, network: memnet.NewNetwork()}
}

func tcpAddr(id domain.MemberID) string { return "tcp-" + string(id) }
func wsAddr(id domain.MemberID) string  { return "ws-" + string(id) }

type option func(ctx context.Context, cfg *Config)

func withRTC(ctx context.Context, cfg *Config) {
	cfg.Transports = append(cfg.Transports, rtc.New(ctx, cfg.Identity, rtc.Options{IncludeLoopback: true}))
}

// fixedProber reports the same round trip to every peer once open is set
// and skips every probe before that.
type fixedProber struct {
	rtt  time.Duration
	open *atomic.Bool
}

func (fixedProber) Name() string { return "fixed" }

func (f fixedProber) Probe(context.Context, domain.Member) (domain.TransportKind, time.Duration, error) {
	if !f.open.Load() {
		return domain.TransportTCP, 0, app.ErrProbeSkipped
	}
	return domain.TransportTCP, f.rtt, nil
}

// measuring makes the node score rtt in every round after open is set.
// Rounds run once at start and then every minute of the mock clock.
func measuring(rtt time.Duration, open *atomic.Bool) option {
	return func(_ context.Context, cfg *Config) {
		cfg.Cadence = time.Minute
		cfg.Probers = func(*app.Coordinator) []app.Prober {
			return []app.Prober{fixedProber{rtt: rtt, open: open}}
		}
	}
}

// node starts an orchestrator without probers, so hosts are picked by join
// order.
func (p *party) node(id domain.MemberID) *node {
	return p.start(id)
}

func (p *party) start(id domain.MemberID, opts ...option) *node {
	p.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ident := core.NewIdentity(id)
	cfg := Config{
		Identity: ident,
		Clock:    p.clk,
		Transports: []core.Transport{
			p.network.Transport(ctx, domain.TransportTCP, tcpAddr(id), ident),
			p.network.Transport(ctx, domain.TransportWebSocket, wsAddr(id), ident),
		},
		Transport: domain.TransportTCP,
		Addresses: map[domain.TransportKind][]string{
			domain.TransportTCP:       {tcpAddr(id)},
			domain.TransportWebSocket: {wsAddr(id)},
		},
		ConnectTimeout: time.Second,
		Probers:        func(*app.Coordinator) []app.Prober { return nil },
	}
	for _, opt := range opts {
		opt(ctx, &cfg)
	}
	o, err := New(ctx, cfg)
	require.NoError(p.t, err)
	n := &node{id: id, o: o, cancel: cancel}
	p.t.Cleanup(func() {
		_ = o.Close(context.Background())
		cancel()
	})
	return n
}

// crash takes a node off the network without a goodbye.
func (p *party) crash(n *node) {
	p.network.SetDown(domain.TransportTCP, tcpAddr(n.id), true)
	p.network.SetDown(domain.TransportWebSocket, wsAddr(n.id), true)
	n.cancel()
}

func snapshot(t *testing.T, n *node) domain.Party {
	t.Helper()
	s, err := n.o.Snapshot()
	require.NoError(t, err)
	return s
}

func onlineCount(n *node) int {
	s, err := n.o.Snapshot()
	if err != nil {
		return 0
	}
	return len(s.Online())
}

func linked(n *node, peer domain.MemberID) bool {
	s := n.o.current()
	if s == nil {
		return false
	}
	_, ok := s.coord.Route(peer)
	return ok
}

func hostOf(n *node) domain.MemberID {
	s, err := n.o.Snapshot()
	if err != nil {
		return ""
	}
	return s.HostID
}

// threeNodes builds a party of a, b and c. c joins through b, which is not
// the host.
func threeNodes(t *testing.T, p *party) (a, b, c *node) {
	return joinThree(t, p.node("a"), p.node("b"), p.node("c"))
}

func joinThree(t *testing.T, a, b, c *node) (*node, *node, *node) {
	ctx := context.Background()

	_, err := a.o.JoinParty(ctx, "alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hostOf(a) == "a" }, wait, 10*time.Millisecond)

	joined, err := b.o.JoinParty(ctx, "bob", []string{"tcp://" + tcpAddr("a")})
	require.NoError(t, err)
	assert.Equal(t, snapshot(t, a).ID, joined.ID)
	require.Eventually(t, func() bool { return onlineCount(a) == 2 }, wait, 10*time.Millisecond)

	_, err = c.o.JoinParty(ctx, "carol", []string{"tcp://nowhere", "tcp://" + tcpAddr("b")})
	require.NoError(t, err)
	for _, n := range []*node{a, b, c} {
		require.Eventually(t, func() bool { return onlineCount(n) == 3 && hostOf(n) == "a" }, wait, 10*time.Millisecond, "node %s", n.id)
	}
	require.Eventually(t, func() bool { return linked(c, "a") && linked(a, "c") }, wait, 10*time.Millisecond, "mesh")
	return a, b, c
}

func TestJoinBuildsMesh(t *testing.T) {
	p := newParty(t)
	a, b, c := threeNodes(t, p)

	for _, n := range []*node{a, b, c} {
		snap := snapshot(t, n)
		assert.Equal(t, "alice", snap.Members["a"].DisplayName)
		assert.Equal(t, "bob", snap.Members["b"].DisplayName)
		assert.Equal(t, "carol", snap.Members["c"].DisplayName)
	}
	assert.Less(t, snapshot(t, c).Members["b"].JoinOrder, snapshot(t, c).Members["c"].JoinOrder)

	ordered, err := c.o.OrderedPeers()
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, domain.MemberID("a"), ordered[0].ID)
}

func TestMessageReachesEveryoneOnce(t *testing.T) {
	p := newParty(t)
	a, b, c := threeNodes(t, p)

	inbox := map[domain.MemberID]<-chan core.Message{}
	for _, n := range []*node{a, b, c} {
		ch, cancel := n.o.Messages()
		t.Cleanup(cancel)
		inbox[n.id] = ch
	}

	id, err := b.o.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	for _, n := range []*node{a, b, c} {
		select {
		case m := <-inbox[n.id]:
			assert.Equal(t, id, m.ID)
			assert.Equal(t, "bob", m.Author)
			assert.Equal(t, "hello", m.Content)
			assert.Equal(t, domain.MemberID("b"), m.From)
		case <-time.After(wait):
			t.Fatalf("%s did not receive the message", n.id)
		}
	}
	for _, n := range []*node{a, b, c} {
		select {
		case m := <-inbox[n.id]:
			t.Fatalf("%s received %s twice", n.id, m.ID)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestCrashedHostIsReplaced(t *testing.T) {
	p := newParty(t)
	a, b, c := threeNodes(t, p)

	events, cancel := c.o.Subscribe()
	defer cancel()

	p.crash(a)
	for _, n := range []*node{b, c} {
		require.Eventually(t, func() bool { return hostOf(n) == "b" }, wait, 10*time.Millisecond, "node %s", n.id)
	}
	assert.False(t, snapshot(t, c).Members["a"].IsOnline)

	sawHost := false
	timeout := time.After(wait)
	for !sawHost {
		select {
		case ev := <-events:
			sawHost = ev.Kind == core.EventHostChanged && ev.HostID == "b"
		case <-timeout:
			t.Fatal("no host change event")
		}
	}

	inbox, stop := c.o.Messages()
	defer stop()
	_, err := b.o.SendMessage(context.Background(), "still here")
	require.NoError(t, err)
	select {
	case m := <-inbox:
		assert.Equal(t, "still here", m.Content)
	case <-time.After(wait):
		t.Fatal("message lost after host change")
	}
}

func TestLeaveRemovesMember(t *testing.T) {
	p := newParty(t)
	a, b, c := threeNodes(t, p)

	events, cancel := c.o.Subscribe()
	defer cancel()

	require.NoError(t, c.o.LeaveParty(context.Background()))
	for _, n := range []*node{a, b} {
		require.Eventually(t, func() bool {
			_, ok := snapshot(t, n).Member("c")
			return !ok
		}, wait, 10*time.Millisecond, "node %s", n.id)
	}
	_, err := c.o.Snapshot()
	assert.ErrorIs(t, err, domain.ErrNotInParty)
	assert.ErrorIs(t, c.o.LeaveParty(context.Background()), domain.ErrNotInParty)

	left := false
	timeout := time.After(wait)
	for !left {
		select {
		case ev := <-events:
			left = ev.Left && ev.MemberID == "c"
		case <-timeout:
			t.Fatal("no leave event")
		}
	}
}

func TestSwitchTransportFollowsParty(t *testing.T) {
	p := newParty(t)
	a, b, _ := threeNodes(t, p)

	require.NoError(t, a.o.SwitchTransport(context.Background(), domain.TransportWebSocket))
	for _, n := range []*node{a, b} {
		require.Eventually(t, func() bool { return snapshot(t, n).ActiveTransport == domain.TransportWebSocket }, wait, 10*time.Millisecond)
	}

	inbox, stop := a.o.Messages()
	defer stop()
	_, err := b.o.SendMessage(context.Background(), "over ws")
	require.NoError(t, err)
	select {
	case m := <-inbox:
		assert.Equal(t, "over ws", m.Content)
	case <-time.After(wait):
		t.Fatal("message lost after switch")
	}
}

func TestJoinErrors(t *testing.T) {
	p := newParty(t)
	a := p.node("a")
	ctx := context.Background()

	_, err := a.o.JoinParty(ctx, "", nil)
	assert.ErrorIs(t, err, domain.ErrDisplayNameEmpty)

	_, err = a.o.JoinParty(ctx, "alice", []string{"tcp://nowhere"})
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	_, err = a.o.Snapshot()
	assert.ErrorIs(t, err, domain.ErrNotInParty)

	_, err = a.o.JoinParty(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = a.o.JoinParty(ctx, "alice", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyInParty)

	_, err = p.node("x").o.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, domain.ErrNotInParty)
}

func TestSendWithoutQuorum(t *testing.T) {
	p := newParty(t)
	a := p.node("a")
	ctx := context.Background()
	_, err := a.o.JoinParty(ctx, "alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hostOf(a) == "a" }, wait, 10*time.Millisecond)

	_, err = a.o.SendMessage(ctx, "anyone?")
	require.NoError(t, err)

	a.o.current().reg.SetElectionState(domain.StateNoQuorum)
	_, err = a.o.SendMessage(ctx, "anyone?")
	assert.ErrorIs(t, err, domain.ErrNoQuorum)
}

func TestSwitchToNegotiatedWebRTC(t *testing.T) {
	p := newParty(t)
	a, b := p.start("a", withRTC), p.start("b", withRTC)
	ctx := context.Background()

	_, err := a.o.JoinParty(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = b.o.JoinParty(ctx, "bob", []string{"tcp://" + tcpAddr("a")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return onlineCount(a) == 2 && linked(a, "b") }, wait, 10*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	require.NoError(t, a.o.SwitchTransport(sctx, domain.TransportWebRTC))

	routed := func(n *node, peer domain.MemberID) bool {
		s := n.o.current()
		if s == nil {
			return false
		}
		kind, ok := s.coord.Route(peer)
		return ok && kind == domain.TransportWebRTC
	}
	require.Eventually(t, func() bool { return routed(a, "b") && routed(b, "a") }, 15*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.TransportWebRTC, snapshot(t, b).ActiveTransport)

	inbox, stop := a.o.Messages()
	defer stop()
	_, err = b.o.SendMessage(ctx, "over a data channel")
	require.NoError(t, err)
	select {
	case m := <-inbox:
		assert.Equal(t, "over a data channel", m.Content)
	case <-time.After(wait):
		t.Fatal("message lost after switching to webrtc")
	}
}

func TestFasterMemberTakesOverHost(t *testing.T) {
	p := newParty(t)
	var open atomic.Bool
	a, b, c := joinThree(t,
		p.start("a", measuring(10*time.Millisecond, &open)),
		p.start("b", measuring(20*time.Millisecond, &open)),
		p.start("c", measuring(4*time.Millisecond, &open)),
	)

	changes := map[domain.MemberID]*atomic.Int32{}
	for _, n := range []*node{a, b, c} {
		events, cancel := n.o.Subscribe()
		t.Cleanup(cancel)
		count := &atomic.Int32{}
		changes[n.id] = count
		go func() {
			for ev := range events {
				if ev.Kind == core.EventHostChanged {
					count.Add(1)
				}
			}
		}()
	}

	open.Store(true)
	p.clk.Add(time.Minute)
	for _, n := range []*node{a, b, c} {
		require.Eventually(t, func() bool { return hostOf(n) == "c" }, wait, 10*time.Millisecond, "node %s", n.id)
	}
	for _, n := range []*node{a, b, c} {
		snap := snapshot(t, n)
		assert.Equal(t, 10*time.Millisecond, snap.Members["a"].PingScores[domain.TransportTCP].RTT, "node %s", n.id)
		assert.Equal(t, 4*time.Millisecond, snap.Members["c"].PingScores[domain.TransportTCP].RTT, "node %s", n.id)
	}

	time.Sleep(200 * time.Millisecond)
	for _, n := range []*node{a, b, c} {
		assert.Equal(t, int32(1), changes[n.id].Load(), "node %s changes host exactly once", n.id)
		assert.Equal(t, domain.MemberID("c"), hostOf(n))
	}
}
