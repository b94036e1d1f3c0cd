package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rermius/connmgr/internal/clock"
)

type fakePinger struct {
	mu      sync.Mutex
	calls   int
	results []error
	// hang blocks every ping until ctx is done.
	hang bool
	// block, if set, blocks pings until closed, ignoring ctx.
	block chan struct{}
}

func (p *fakePinger) Ping(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.calls++
	hang, block := p.hang, p.block
	var res error
	if len(p.results) > 0 {
		res = p.results[0]
		p.results = p.results[1:]
	}
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if block != nil {
		<-block
	}
	return res
}

func (p *fakePinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type deadLog struct {
	mu    sync.Mutex
	calls []*ExhaustedError
}

func (d *deadLog) record(_, _ string, err *ExhaustedError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, err)
}

func (d *deadLog) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var opts = Options{Interval: 10 * time.Second, Timeout: 2 * time.Second, MaxFailures: 2}

func TestTwoTimeoutsDeclareDeadOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &fakePinger{hang: true}
	dead := &deadLog{}
	m := New(p, clk, dead.record)

	if !m.Start("s1", "tab1", opts) {
		t.Fatal("Start returned false")
	}

	clk.Advance(10 * time.Second)
	waitFor(t, "first ping", func() bool { return p.count() == 1 })
	clk.Advance(2 * time.Second)
	if st, _ := m.State("s1"); st.ConsecutiveFailures != 1 {
		t.Fatalf("failures after first timeout = %d", st.ConsecutiveFailures)
	}

	clk.Advance(10 * time.Second)
	clk.Advance(2 * time.Second)
	waitFor(t, "dead callback", func() bool { return dead.count() == 1 })

	var timeout *TimeoutError
	if !errors.As(dead.calls[0], &timeout) || dead.calls[0].Failures != 2 {
		t.Fatalf("dead err = %v", dead.calls[0])
	}
	if m.Running("s1") {
		t.Fatal("heartbeat still running after death")
	}
	if clk.Pending() != 0 {
		t.Fatalf("%d timers still pending", clk.Pending())
	}

	pings := p.count()
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if p.count() != pings || dead.count() != 1 {
		t.Fatalf("activity after death: pings %d -> %d, dead %d", pings, p.count(), dead.count())
	}
	if pings > 2 {
		t.Fatalf("%d pings sent, want at most 2", pings)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &fakePinger{results: []error{errors.New("no reply"), nil}}
	m := New(p, clk, nil)
	m.Start("s", "t", Options{Interval: 10 * time.Second, Timeout: 2 * time.Second, MaxFailures: 3})

	clk.Advance(10 * time.Second)
	waitFor(t, "first failure", func() bool { st, _ := m.State("s"); return st.ConsecutiveFailures == 1 })

	clk.Advance(10 * time.Second)
	waitFor(t, "reset", func() bool {
		st, _ := m.State("s")
		return st.ConsecutiveFailures == 0 && st.LastSuccess.Equal(time.Unix(20, 0))
	})
	if !m.Running("s") {
		t.Fatal("heartbeat stopped after recovering")
	}
}

func TestOutstandingProbeCountsAsFailure(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	release := make(chan struct{})
	p := &fakePinger{block: release}
	m := New(p, clk, nil)
	m.Start("s", "t", Options{Interval: 10 * time.Second, Timeout: 2 * time.Second, MaxFailures: 3})

	clk.Advance(10 * time.Second)
	waitFor(t, "first ping", func() bool { return p.count() == 1 })
	clk.Advance(2 * time.Second)
	clk.Advance(10 * time.Second)

	st, _ := m.State("s")
	if st.ConsecutiveFailures != 2 {
		t.Fatalf("failures = %d, want 2", st.ConsecutiveFailures)
	}
	if p.count() != 1 {
		t.Fatalf("a second probe was sent while the first was outstanding")
	}

	close(release)
	waitFor(t, "probe returned", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.beats["s"].inFlight
	})
	clk.Advance(10 * time.Second)
	waitFor(t, "recovery", func() bool { st, _ := m.State("s"); return st.ConsecutiveFailures == 0 })
	if p.count() != 2 {
		t.Fatalf("pings = %d, want 2", p.count())
	}
}

func TestStartIsSinglePerSession(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(&fakePinger{}, clk, nil)
	if !m.Start("s", "t", opts) {
		t.Fatal("first Start failed")
	}
	if m.Start("s", "t2", opts) {
		t.Fatal("second Start for the same session succeeded")
	}
	if !m.Start("other", "t", opts) {
		t.Fatal("Start for another session failed")
	}
}

func TestStopCancelsTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &fakePinger{}
	m := New(p, clk, nil)
	m.Start("a", "t", opts)
	m.Start("b", "t", opts)

	m.Stop("a")
	m.Stop("a")
	if m.Running("a") || !m.Running("b") {
		t.Fatal("Stop affected the wrong session")
	}
	m.StopAll()
	if clk.Pending() != 0 {
		t.Fatalf("%d timers pending after StopAll", clk.Pending())
	}
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if p.count() != 0 {
		t.Fatalf("%d pings after stop", p.count())
	}
}

func TestDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Interval != DefaultInterval || o.Timeout != DefaultTimeout || o.MaxFailures != DefaultMaxFailures {
		t.Fatalf("defaults = %+v", o)
	}
}
