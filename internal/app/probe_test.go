package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	rtt   time.Duration
	err   error
	block bool
}

type fakeProber struct {
	name    string
	kind    domain.TransportKind
	results map[domain.MemberID]fakeResult
	entered chan domain.MemberID
}

func (f *fakeProber) Name() string { return f.name }

func (f *fakeProber) Probe(ctx context.Context, peer domain.Member) (domain.TransportKind, time.Duration, error) {
	res, ok := f.results[peer.ID]
	if !ok {
		return f.kind, 0, ErrProbeSkipped
	}
	if res.block {
		if f.entered != nil {
			f.entered <- peer.ID
		}
		<-ctx.Done()
		return f.kind, 0, ctx.Err()
	}
	return f.kind, res.rtt, res.err
}

func TestRoundAveragesPerTransport(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "self", "me")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")

	var got RoundReport
	p := &Probe{
		Registry: r,
		Clock:    clk,
		Self:     "self",
		Probers: []Prober{
			&fakeProber{name: "tcp", kind: domain.TransportTCP, results: map[domain.MemberID]fakeResult{
				"b": {rtt: 10 * time.Millisecond},
				"c": {rtt: 30 * time.Millisecond},
			}},
			&fakeProber{name: "ws", kind: domain.TransportWebSocket, results: map[domain.MemberID]fakeResult{
				"b": {rtt: 40 * time.Millisecond},
				"c": {err: errors.New("refused")},
			}},
		},
		OnRound: func(_ context.Context, rep RoundReport) { got = rep },
	}
	report := p.RunRound(context.Background())

	assert.ElementsMatch(t, []domain.MemberID{"b", "c"}, report.Reached)
	assert.Empty(t, report.Unreachable)
	assert.Equal(t, 20*time.Millisecond, report.Scores[domain.TransportTCP])
	assert.Equal(t, 40*time.Millisecond, report.Scores[domain.TransportWebSocket], "failed probes are left out")
	assert.Equal(t, report.Scores, got.Scores)

	self, _ := r.Snapshot().Member("self")
	assert.Equal(t, 20*time.Millisecond, self.PingScores[domain.TransportTCP].RTT)
	assert.Equal(t, 40*time.Millisecond, self.PingScores[domain.TransportWebSocket].RTT)
}

func TestRoundMarksFailingPeerUnreachable(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "self", "me")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")

	p := &Probe{
		Registry: r,
		Clock:    clk,
		Self:     "self",
		Timeout:  50 * time.Millisecond,
		Probers: []Prober{
			&fakeProber{name: "tcp", kind: domain.TransportTCP, results: map[domain.MemberID]fakeResult{
				"b": {err: errors.New("refused")},
			}},
			&fakeProber{name: "echo", kind: domain.TransportTCP, results: map[domain.MemberID]fakeResult{
				"b": {block: true},
			}},
		},
	}
	report := p.RunRound(context.Background())

	assert.Equal(t, []domain.MemberID{"b"}, report.Unreachable)
	assert.Empty(t, report.Reached, "a peer with only skipped probes is neither")
	assert.Empty(t, report.Scores)
	m, _ := r.Snapshot().Member("b")
	assert.Equal(t, 1, m.Staleness)
	self, _ := r.Snapshot().Member("self")
	assert.Empty(t, self.PingScores)
}

func TestRoundDiscardsDepartedPeer(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "self", "me")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")

	entered := make(chan domain.MemberID, 1)
	p := &Probe{
		Registry: r,
		Clock:    clk,
		Self:     "self",
		Timeout:  10 * time.Second,
		Probers: []Prober{
			&fakeProber{name: "tcp", kind: domain.TransportTCP, entered: entered, results: map[domain.MemberID]fakeResult{
				"b": {block: true},
				"c": {rtt: 5 * time.Millisecond},
			}},
		},
	}
	events, cancel := r.Subscribe()
	defer cancel()
	go p.cancelDeparted(events)

	done := make(chan RoundReport, 1)
	go func() { done <- p.RunRound(context.Background()) }()

	require.Equal(t, domain.MemberID("b"), <-entered)
	r.Leave("b")

	select {
	case report := <-done:
		assert.Equal(t, []domain.MemberID{"b"}, report.Discarded)
		assert.Equal(t, []domain.MemberID{"c"}, report.Reached)
		assert.Empty(t, report.Unreachable)
		assert.False(t, report.Abandoned)
	case <-time.After(2 * time.Second):
		t.Fatal("round did not finish after the peer left")
	}
}

func TestRoundAbandonedPastCeiling(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "self", "me")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")

	var reported atomic.Int32
	entered := make(chan domain.MemberID, 64)
	p := &Probe{
		Registry: r,
		Clock:    clk,
		Self:     "self",
		Cadence:  25 * time.Millisecond,
		Timeout:  10 * time.Second,
		Probers: []Prober{
			&fakeProber{name: "tcp", kind: domain.TransportTCP, entered: entered, results: map[domain.MemberID]fakeResult{
				"b": {block: true},
				"c": {rtt: 5 * time.Millisecond},
			}},
		},
		OnRound: func(context.Context, RoundReport) { reported.Add(1) },
	}

	report := p.RunRound(context.Background())
	assert.True(t, report.Abandoned)
	assert.Equal(t, []domain.MemberID{"b"}, report.Discarded)
	assert.Zero(t, reported.Load(), "abandoned rounds are not gossiped")
	self, _ := r.Snapshot().Member("self")
	assert.Empty(t, self.PingScores, "no self score from an abandoned round")
	b, _ := r.Snapshot().Member("b")
	assert.Zero(t, b.Staleness)
	require.Equal(t, domain.MemberID("b"), <-entered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.Equal(t, domain.MemberID("b"), <-entered)
	require.Eventually(t, func() bool {
		clk.Add(p.Cadence)
		select {
		case id := <-entered:
			return id == "b"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond, "the next round starts on cadence")
	assert.Zero(t, reported.Load())
}

func TestWebRTCProberSkipsWithoutChannel(t *testing.T) {
	w := WebRTCProber{Stats: statsFunc(func(id domain.MemberID) (time.Duration, bool) {
		return 7 * time.Millisecond, id == "b"
	})}
	_, _, err := w.Probe(context.Background(), domain.Member{ID: "a"})
	assert.ErrorIs(t, err, ErrProbeSkipped)

	kind, rtt, err := w.Probe(context.Background(), domain.Member{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransportWebRTC, kind)
	assert.Equal(t, 7*time.Millisecond, rtt)
}

type statsFunc func(domain.MemberID) (time.Duration, bool)

func (f statsFunc) WebRTCRoundTrip(id domain.MemberID) (time.Duration, bool) { return f(id) }

func TestTCPConnectProberSkipsWithoutAddress(t *testing.T) {
	p := &TCPConnectProber{}
	_, _, err := p.Probe(context.Background(), domain.Member{ID: "a"})
	assert.ErrorIs(t, err, ErrProbeSkipped)
}
