package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/resolver"
	"github.com/energizer-project/gpgrelay/internal/util"
)

type fixedState struct{ r connectivity.Result }

func (f fixedState) State() connectivity.Result { return f.r }

type fixedSession struct{ status *relay.Status }

func (f fixedSession) Active() (relay.Status, bool) {
	if f.status == nil {
		return relay.Status{}, false
	}
	return *f.status, true
}

type recordingPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *recordingPruner) Prune(before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 1, nil
}

func (p *recordingPruner) calls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.cutoffs...)
}

func newTestScheduler(timers config.TimerConfig, deps Deps, bus *events.EventBus) (*Scheduler, *clock.Mock) {
	s := NewScheduler(timers, 24*time.Hour, deps, bus)
	mock := clock.NewMock()
	s.clock = mock
	s.cpu = func() (float64, error) { return 12.5, nil }
	s.memory = func() (*util.MemoryUsage, error) { return &util.MemoryUsage{Used: 2048}, nil }
	return s, mock
}

func TestHeartbeat(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan events.HeartbeatPayload, 4)
	bus.Subscribe(events.EventHeartbeat, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.HeartbeatPayload)
		return nil
	})

	deps := Deps{
		Probe: fixedState{r: connectivity.Result{State: connectivity.Stun}},
		Relay: fixedSession{status: &relay.Status{Peers: []resolver.Mapping{{PeerID: 1}, {PeerID: 2}}}},
	}
	s, mock := newTestScheduler(config.TimerConfig{HeartbeatInterval: 60}, deps, bus)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	var hb events.HeartbeatPayload
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		select {
		case hb = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "STUN", hb.Connectivity)
	assert.True(t, hb.SessionOpen)
	assert.Equal(t, 2, hb.Peers)
	assert.Equal(t, 12.5, hb.CPUPercent)
	assert.Equal(t, uint64(2048), hb.MemoryUsedMB)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestHeartbeat_NoSession(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan events.HeartbeatPayload, 1)
	bus.Subscribe(events.EventHeartbeat, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.HeartbeatPayload)
		return nil
	})

	s, _ := newTestScheduler(config.TimerConfig{}, Deps{Probe: fixedState{}, Relay: fixedSession{}}, bus)
	s.memory = func() (*util.MemoryUsage, error) { return nil, errors.New("unavailable") }
	s.Heartbeat(context.Background())

	hb := <-got
	assert.Equal(t, "UNKNOWN", hb.Connectivity)
	assert.False(t, hb.SessionOpen)
	assert.Zero(t, hb.MemoryUsedMB)
}

func TestPruneHistory(t *testing.T) {
	pruner := &recordingPruner{}
	s, mock := newTestScheduler(config.TimerConfig{PruneInterval: 3600},
		Deps{Probe: fixedState{}, Relay: fixedSession{}, History: pruner}, nil)
	mock.Set(time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	// once at start
	require.Eventually(t, func() bool { return len(pruner.calls()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, pruner.calls()[0].Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))

	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		return len(pruner.calls()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
