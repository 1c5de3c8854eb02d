package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/db"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/resolver"
)

type stubRelay struct {
	active *relay.Status
	peers  []resolver.Mapping
}

func (s stubRelay) Status(context.Context) relay.ServerStatus {
	return relay.ServerStatus{Addr: "127.0.0.1:7237", Sessions: 1, Active: s.active}
}

func (s stubRelay) Active() (relay.Status, bool) {
	if s.active == nil {
		return relay.Status{}, false
	}
	return *s.active, true
}

func (s stubRelay) Peers() []resolver.Mapping { return s.peers }

type stubProbe struct {
	result connectivity.Result
	resets int
	runs   int
}

func (p *stubProbe) Run(context.Context) (connectivity.Result, error) {
	p.runs++
	p.result = connectivity.Result{State: connectivity.Public, Addr: "9.9.9.9:6112"}
	return p.result, nil
}

func (p *stubProbe) State() connectivity.Result { return p.result }
func (p *stubProbe) Running() bool              { return false }
func (p *stubProbe) Reset()                     { p.resets++ }

type stubHistory []db.SessionRecord

func (h stubHistory) Sessions(int) ([]db.SessionRecord, error) { return h, nil }

func run(t *testing.T, c *CLI, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	parts := strings.Fields(line)
	require.NoError(t, c.execute(context.Background(), parts[0], parts[1:]))
	return out.String()
}

func TestStatusAndPeers(t *testing.T) {
	var out bytes.Buffer
	rel := stubRelay{
		active: &relay.Status{ID: "0123456789abcdef", Remote: "127.0.0.1:50000", GameState: "Lobby", StartedAt: time.Now()},
		peers: []resolver.Mapping{
			{PeerID: 2, PeerName: "Zock", Declared: "1.1.1.1:6112", Resolved: "127.0.0.1:50001", ChannelBound: true, Channel: 0x4000},
		},
	}
	probe := &stubProbe{result: connectivity.Result{State: connectivity.Turn, Addr: "5.5.5.5:49152"}}
	c := NewCLI(Deps{Relay: rel, Probe: probe}, nil, strings.NewReader(""), &out)

	text := run(t, c, &out, "status")
	assert.Contains(t, text, "TURN")
	assert.Contains(t, text, "01234567")
	assert.Contains(t, text, "Lobby")

	text = run(t, c, &out, "peers")
	assert.Contains(t, text, "Zock")
	assert.Contains(t, text, "0x4000")
}

func TestProbeCommand(t *testing.T) {
	var out bytes.Buffer
	probe := &stubProbe{}
	c := NewCLI(Deps{Relay: stubRelay{}, Probe: probe}, nil, strings.NewReader(""), &out)

	text := run(t, c, &out, "probe")
	assert.Contains(t, text, "PUBLIC 9.9.9.9:6112")
	assert.Equal(t, 1, probe.resets)

	busy := NewCLI(Deps{Relay: stubRelay{active: &relay.Status{ID: "x"}}, Probe: probe}, nil, strings.NewReader(""), &out)
	err := busy.execute(context.Background(), "probe", nil)
	assert.ErrorContains(t, err, "session is active")
	assert.Equal(t, 1, probe.runs)
}

func TestSessionsCommand(t *testing.T) {
	var out bytes.Buffer
	ended := time.Now()
	history := stubHistory{
		{ID: "aaaaaaaaaaaa", StartedAt: ended.Add(-time.Hour), EndedAt: &ended, Duration: time.Hour, Reason: "game disconnected", Connectivity: "STUN", Drops: 2},
		{ID: "bbbbbbbbbbbb", StartedAt: ended},
	}
	c := NewCLI(Deps{Relay: stubRelay{}, Probe: &stubProbe{}, History: history}, nil, strings.NewReader(""), &out)

	text := run(t, c, &out, "sessions 5")
	assert.Contains(t, text, "game disconnected")
	assert.Contains(t, text, "running")

	assert.Error(t, c.execute(context.Background(), "sessions", []string{"zero"}))

	noHistory := NewCLI(Deps{Relay: stubRelay{}, Probe: &stubProbe{}}, nil, strings.NewReader(""), &out)
	assert.ErrorContains(t, noHistory.execute(context.Background(), "sessions", nil), "disabled")
}

func TestQuitEmitsShutdown(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		got <- struct{}{}
		return nil
	})

	var out bytes.Buffer
	c := NewCLI(Deps{Relay: stubRelay{}, Probe: &stubProbe{}}, bus, strings.NewReader("help\nquit\n"), &out)
	c.Start(context.Background())

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no shutdown event")
	}
	assert.Contains(t, out.String(), "Shutting down")
}
