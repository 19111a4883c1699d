package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_EvictsIdleMember(t *testing.T) {
	b := startRelay(t)
	hostToken, hostSock := b.provision(t, "lobby", "alice", true)
	_, bobSock := b.provision(t, "lobby", "bob", false)

	rp := NewReaper(b.relay, time.Minute, 300*time.Second)

	b.clock.Advance(301 * time.Second)

	// Only the host keeps talking.
	_, err := b.reg.LookupForDatagram("lobby", hostToken, "127.0.0.1")
	require.NoError(t, err)

	rp.reapOnce(context.Background())

	expectMessage(t, bobSock, "しばらく発言しなかったので、チャットルームから退出させました")
	expectSilence(t, hostSock)
	assert.Equal(t, 1, b.reg.RoomCount())
	assert.Equal(t, 1, b.reg.MemberCount())
}

func TestReaper_IdleHostCollapsesRoom(t *testing.T) {
	b := startRelay(t)
	_, hostSock := b.provision(t, "lobby", "alice", true)
	bobToken, bobSock := b.provision(t, "lobby", "bob", false)

	rp := NewReaper(b.relay, time.Minute, 300*time.Second)

	b.clock.Advance(301 * time.Second)

	// bob stays chatty; the idle host still takes the room down.
	_, err := b.reg.LookupForDatagram("lobby", bobToken, "127.0.0.1")
	require.NoError(t, err)

	rp.reapOnce(context.Background())

	expectMessage(t, hostSock, "チャットルームが閉じられました")
	expectMessage(t, bobSock, "チャットルームが閉じられました")
	assert.Equal(t, 0, b.reg.RoomCount())
	assert.Equal(t, 0, b.reg.MemberCount())
}

func TestReaper_QuietCycleSendsNothing(t *testing.T) {
	b := startRelay(t)
	_, hostSock := b.provision(t, "lobby", "alice", true)

	rp := NewReaper(b.relay, time.Minute, 300*time.Second)

	b.clock.Advance(10 * time.Second)
	rp.reapOnce(context.Background())

	expectSilence(t, hostSock)
	assert.Equal(t, 1, b.reg.RoomCount())
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	b := startRelay(t)
	rp := NewReaper(b.relay, 10*time.Millisecond, 300*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rp.Run(ctx)
	}()

	// Let a few ticks pass, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
