package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/ssh-fleet/internal/metrics"
)

func testSlots(n int) []*Slot {
	h := hosts(n)[0]
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{ID: i, Host: h}
	}
	return slots
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	p := newPool(testSlots(1), metrics.New(nil))
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 1, p.Idle())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Idle())

	got := make(chan *Slot)
	go func() {
		s, err := p.Acquire(context.Background())
		if err == nil {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("acquired a slot from an empty pool")
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(first)
	select {
	case s := <-got:
		assert.Same(t, first, s)
	case <-time.After(time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	p := newPool(testSlots(1), metrics.New(nil))
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolTracksBusySlots(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newPool(testSlots(3), m)

	a, _ := p.Acquire(context.Background())
	_, _ = p.Acquire(context.Background())
	assert.Equal(t, 1, p.Idle())

	p.Release(a)
	assert.Equal(t, 2, p.Idle())

	assert.Equal(t, 1.0, gathered(t, reg, metrics.MetricSlotsBusy))
}

// gathered returns the value of the single unlabelled series name on reg.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("%s not registered", name)
	return 0
}

func TestSlotString(t *testing.T) {
	h := hosts(1)[0]
	h.Port = 2222
	s := &Slot{ID: 4, Host: h}
	assert.Equal(t, h.Name()+"#4", s.String())
}

func TestSlotLogFieldsCarryHostLabels(t *testing.T) {
	h := hosts(1)[0]
	h.Labels = map[string]string{"rack": "b7", "slot": "ignored"}
	s := &Slot{ID: 2, Host: h}

	fields := s.logFields()
	assert.Equal(t, "b7", fields["rack"])
	assert.Equal(t, s.String(), fields["slot"])
}

func TestSlotReconnectReplacesConnection(t *testing.T) {
	f := newFakeFleet(t)
	h := hosts(1)[0]
	old := &fakeConn{fleet: f, host: h}
	s := &Slot{Host: h, conn: old, dial: f.dial}

	require.NoError(t, s.reconnect(context.Background(), quickBackoff()))
	assert.True(t, old.closed)
	assert.NotSame(t, old, s.conn)
	assert.Equal(t, 1, f.dialCount(h))
}

func TestEstimateRemaining(t *testing.T) {
	assert.Equal(t, time.Duration(0), estimateRemaining(5, 0, time.Minute))
	assert.Equal(t, time.Duration(0), estimateRemaining(0, 5, time.Minute))
	assert.Equal(t, 30*time.Second, estimateRemaining(3, 6, time.Minute))
	assert.Equal(t, 2*time.Minute, estimateRemaining(4, 2, time.Minute))
}

func TestTrackerCountsFailuresOnlyWhenFinal(t *testing.T) {
	hook := captureLogs(t)
	reg := prometheus.NewRegistry()
	tr := newTracker(metrics.New(reg))

	tr.beginRun(3)
	tr.beginPass(1, 3, false)
	tr.jobDone("a", metrics.OutcomeSucceeded, 2*time.Second)
	tr.jobDone("b", metrics.OutcomeFailed, failedElapsed)
	tr.jobDone("c", metrics.OutcomeDropped, 0)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Data["succeeded"])
	assert.Equal(t, 0, last.Data["failed"])
	assert.Equal(t, 2, last.Data["retrying"])
	assert.Equal(t, 0, last.Data["left"])

	tr.beginPass(2, 2, true)
	tr.jobDone("b", metrics.OutcomeFailed, failedElapsed)
	tr.jobDone("c", metrics.OutcomeSucceeded, time.Second)

	last = hook.LastEntry()
	assert.Equal(t, 2, last.Data["succeeded"])
	assert.Equal(t, 1, last.Data["failed"])
	assert.Equal(t, 0, last.Data["retrying"])
	assert.Equal(t, 3, last.Data["submitted"])
	assert.Equal(t, 2.0, gathered(t, reg, metrics.MetricPassesTotal))
}

func TestTrackerStagingEvents(t *testing.T) {
	tr := newTracker(metrics.New(nil))
	tr.stagedOn("worker1")
	tr.stagedOn("worker1")
	tr.stagedOn("worker2")

	events := tr.StagingEvents()
	assert.Equal(t, map[string]int{"worker1": 2, "worker2": 1}, events)

	events["worker1"] = 99
	assert.Equal(t, 2, tr.StagingEvents()["worker1"])
}
