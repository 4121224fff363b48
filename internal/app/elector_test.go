package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(id domain.MemberID, order uint64, rtt time.Duration, seen time.Time) domain.Member {
	return domain.Member{
		ID:        id,
		IsOnline:  true,
		JoinOrder: order,
		LastSeen:  seen,
		PingScores: map[domain.TransportKind]domain.Score{
			domain.TransportTCP: {RTT: rtt, MeasuredAt: seen},
		},
	}
}

func TestElectIsDeterministic(t *testing.T) {
	p := domain.Party{Members: map[domain.MemberID]domain.Member{
		"a": scored("a", 1, 40*time.Millisecond, epoch),
		"b": scored("b", 2, 20*time.Millisecond, epoch),
		"c": scored("c", 3, 30*time.Millisecond, epoch),
		"d": {ID: "d", IsOnline: true, JoinOrder: 0},
		"e": {ID: "e", IsOnline: false, JoinOrder: 4},
	}}
	for range 20 {
		id, ok := Elect(p, epoch, time.Minute)
		require.True(t, ok)
		assert.Equal(t, domain.MemberID("b"), id)
	}
}

func TestElectTieBreaksByLastSeen(t *testing.T) {
	p := domain.Party{Members: map[domain.MemberID]domain.Member{
		"a": scored("a", 1, 20*time.Millisecond, epoch.Add(time.Second)),
		"b": scored("b", 2, 20*time.Millisecond, epoch),
	}}
	id, _ := Elect(p, epoch.Add(time.Second), time.Minute)
	assert.Equal(t, domain.MemberID("b"), id)
}

func TestElectIgnoresStaleScores(t *testing.T) {
	p := domain.Party{Members: map[domain.MemberID]domain.Member{
		"a": {ID: "a", IsOnline: true, JoinOrder: 1},
		"b": scored("b", 2, time.Millisecond, epoch),
	}}
	id, _ := Elect(p, epoch.Add(time.Second), time.Minute)
	assert.Equal(t, domain.MemberID("b"), id)

	id, _ = Elect(p, epoch.Add(2*time.Minute), time.Minute)
	assert.Equal(t, domain.MemberID("a"), id, "unscored members fall back to join order")

	_, ok := Elect(domain.Party{}, epoch, time.Minute)
	assert.False(t, ok)
}

func TestEvaluateStateMachine(t *testing.T) {
	r, clk := newTestRegistry(t)
	var announced []domain.MemberID
	e := &Elector{Registry: r, Clock: clk, Self: "a", Announce: func(h domain.MemberID) { announced = append(announced, h) }}

	assert.Equal(t, domain.StateNoQuorum, e.Evaluate(context.Background()))
	assert.Equal(t, domain.StateNoQuorum, e.State())

	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	assert.Equal(t, domain.StateStable, e.Evaluate(context.Background()))
	assert.Equal(t, domain.MemberID("a"), r.HostID())
	assert.Equal(t, []domain.MemberID{"a"}, announced)

	assert.Equal(t, domain.StateStable, e.Evaluate(context.Background()))
	assert.Len(t, announced, 1, "no announcement without a change")
}

func TestSweepReplacesLostHost(t *testing.T) {
	r, clk := newTestRegistry(t)
	e := &Elector{Registry: r, Clock: clk, Self: "b", Staleness: time.Minute, SweepInterval: 30 * time.Second}
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	_, err := r.SetHost("a")
	require.NoError(t, err)

	clk.Add(45 * time.Second)
	e.Sweep(context.Background())
	assert.Equal(t, domain.MemberID("a"), r.HostID())

	// a went silent at epoch; the first sweep past the threshold drops it.
	clk.Add(30 * time.Second)
	state := e.Sweep(context.Background())
	assert.Equal(t, domain.StateStable, state)
	assert.Equal(t, domain.MemberID("b"), r.HostID())
	m, _ := r.Snapshot().Member("a")
	assert.False(t, m.IsOnline)
}

func TestSweepDropsHalfOpenHost(t *testing.T) {
	r, clk := newTestRegistry(t)
	e := &Elector{Registry: r, Clock: clk, Self: "a", Staleness: time.Minute, StaleRounds: 3}
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	_, err := r.SetHost("b")
	require.NoError(t, err)

	r.RecordProbeFailure("b")
	r.RecordProbeFailure("b")
	r.RecordSeen("b")
	e.Sweep(context.Background())
	assert.Equal(t, domain.MemberID("b"), r.HostID(), "inbound frames do not reset the count")

	r.RecordProbeFailure("b")
	r.RecordSeen("b")
	assert.Equal(t, domain.StateStable, e.Sweep(context.Background()))
	m, _ := r.Snapshot().Member("b")
	assert.False(t, m.IsOnline)
	assert.Equal(t, domain.MemberID("a"), r.HostID())

	r.RecordSeen("b")
	m, _ = r.Snapshot().Member("b")
	assert.False(t, m.IsOnline, "a failing member stays offline until it is reachable again")

	r.RecordReachable("b")
	m, _ = r.Snapshot().Member("b")
	assert.True(t, m.IsOnline)
	assert.Zero(t, m.Staleness)
}

func TestSweepEvictsLongOffline(t *testing.T) {
	r, clk := newTestRegistry(t)
	e := &Elector{Registry: r, Clock: clk, Self: "b", Staleness: time.Minute, EvictAfter: 10 * time.Minute}
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")

	clk.Add(2 * time.Minute)
	e.Sweep(context.Background())
	_, ok := r.Snapshot().Member("a")
	assert.True(t, ok)

	clk.Add(10 * time.Minute)
	e.Sweep(context.Background())
	_, ok = r.Snapshot().Member("a")
	assert.False(t, ok)
	_, ok = r.Snapshot().Member("b")
	assert.True(t, ok, "self is never swept")
}

func TestChallengeMovesHostOnce(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")
	_, err := r.SetHost("a")
	require.NoError(t, err)

	now := clk.Now()
	for id, rtt := range map[domain.MemberID]time.Duration{"a": 50 * time.Millisecond, "b": 30 * time.Millisecond, "c": 40 * time.Millisecond} {
		require.True(t, r.RecordPing(id, domain.PingSample{Transport: domain.TransportTCP, RoundTrip: rtt, MeasuredAt: now}))
	}

	events, cancel := r.Subscribe()
	defer cancel()

	var handovers [][2]domain.MemberID
	e := &Elector{Registry: r, Clock: clk, Self: "c", BeforeHandover: func(_ context.Context, from, to domain.MemberID) {
		handovers = append(handovers, [2]domain.MemberID{from, to})
	}}
	for range 3 {
		assert.Equal(t, domain.StateStable, e.Evaluate(context.Background()))
	}
	assert.Equal(t, domain.MemberID("b"), r.HostID())
	assert.Equal(t, [][2]domain.MemberID{{"a", "b"}}, handovers)

	hostChanges := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Kind == core.EventHostChanged {
				hostChanges++
				assert.Equal(t, domain.MemberID("b"), ev.HostID)
			}
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, 1, hostChanges)
}

func TestNoChallengeAgainstUnscoredHost(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	_, err := r.SetHost("a")
	require.NoError(t, err)
	require.True(t, r.RecordPing("b", domain.PingSample{Transport: domain.TransportTCP, RoundTrip: time.Millisecond, MeasuredAt: clk.Now()}))

	e := &Elector{Registry: r, Clock: clk, Self: "b"}
	e.Evaluate(context.Background())
	assert.Equal(t, domain.MemberID("a"), r.HostID())
}

func TestConsiderAnnouncedHost(t *testing.T) {
	r, clk := newTestRegistry(t)
	mustJoin(t, r, "a", "alice")
	mustJoin(t, r, "b", "bob")
	mustJoin(t, r, "c", "carol")
	e := &Elector{Registry: r, Clock: clk, Self: "c"}
	ctx := context.Background()

	assert.True(t, e.Consider(ctx, "b"), "any online member fills an empty seat")
	assert.False(t, e.Consider(ctx, "c"), "later joiner ranks after the sitting host")

	require.True(t, r.RecordPing("c", domain.PingSample{Transport: domain.TransportTCP, RoundTrip: 10 * time.Millisecond, MeasuredAt: clk.Now()}))
	assert.True(t, e.Consider(ctx, "c"))
	assert.Equal(t, domain.MemberID("c"), r.HostID())
	assert.False(t, e.Consider(ctx, "a"), "unscored candidate loses to a scored host")

	assert.False(t, e.Consider(ctx, "ghost"))
	r.MarkOffline("b")
	assert.False(t, e.Consider(ctx, "b"))
}

func TestTiedHostsConvergeOnAnnouncement(t *testing.T) {
	ctx := context.Background()
	// Each node has just heard from the other, so each sees its own
	// lastSeen as the earlier one and elects itself.
	view := func(self, other domain.MemberID) (*Registry, *Elector) {
		r, clk := newTestRegistry(t)
		mustJoin(t, r, "a", "alice")
		mustJoin(t, r, "b", "bob")
		sample := domain.PingSample{Transport: domain.TransportTCP, RoundTrip: 20 * time.Millisecond, MeasuredAt: clk.Now()}
		require.True(t, r.RecordPing("a", sample))
		require.True(t, r.RecordPing("b", sample))
		clk.Add(time.Second)
		r.RecordSeen(other)
		e := &Elector{Registry: r, Clock: clk, Self: self}
		e.Evaluate(ctx)
		require.Equal(t, self, r.HostID())
		return r, e
	}
	ra, ea := view("a", "b")
	rb, eb := view("b", "a")

	assert.False(t, ea.Consider(ctx, "b"))
	assert.True(t, eb.Consider(ctx, "a"))
	assert.Equal(t, domain.MemberID("a"), ra.HostID())
	assert.Equal(t, domain.MemberID("a"), rb.HostID())

	eb.Evaluate(ctx)
	assert.Equal(t, domain.MemberID("a"), rb.HostID(), "a tie is no reason to challenge")
}
