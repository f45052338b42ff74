package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Poutchouli/PMD/internal/models"
	"github.com/Poutchouli/PMD/internal/probe"
)

type fakeStore struct {
	mu     sync.Mutex
	pings  []models.PingLog
	events []models.EventLog
	active []models.Target
}

func (f *fakeStore) AppendPing(_ context.Context, p *models.PingLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, *p)
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, targetID *uint, kind models.EventType, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, models.EventLog{TargetID: targetID, EventType: kind, Message: message})
	return nil
}

func (f *fakeStore) ListActiveTargets(context.Context) ([]models.Target, error) {
	return f.active, nil
}

func (f *fakeStore) eventsOf(kind models.EventType) []models.EventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventLog
	for _, e := range f.events {
		if e.EventType == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStore) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pings)
}

// scriptedProber returns its results in order, closes done when the script
// is consumed, then blocks until the loop is cancelled. That makes tests
// deterministic: waiting on done means every scripted probe has happened.
type scriptedProber struct {
	mu     sync.Mutex
	script []probe.Result
	idx    int
	done   chan struct{}
}

func newScriptedProber(script []probe.Result) *scriptedProber {
	return &scriptedProber{script: script, done: make(chan struct{})}
}

func (p *scriptedProber) Ping(ctx context.Context, _ string) probe.Result {
	p.mu.Lock()
	if p.idx < len(p.script) {
		res := p.script[p.idx]
		p.idx++
		if p.idx == len(p.script) {
			close(p.done)
		}
		p.mu.Unlock()
		return res
	}
	p.mu.Unlock()
	<-ctx.Done()
	return probe.Result{Lost: true}
}

func (p *scriptedProber) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("scripted probes did not complete in time")
	}
}

func okResult(latency float64) probe.Result {
	return probe.Result{LatencyMs: &latency}
}

func testTarget(id uint) models.Target {
	t := models.Target{IPAddress: "192.0.2.1", Frequency: 1, IsActive: true}
	t.ID = id
	return t
}

func TestStartIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	prober := newScriptedProber([]probe.Result{okResult(1)})
	sched := New(store, prober, Config{TickUnit: time.Millisecond})
	ctx := context.Background()

	target := testTarget(1)
	if err := sched.Start(ctx, target); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(ctx, target); err != nil {
		t.Fatal(err)
	}
	if got := sched.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	prober.wait(t)
	sched.ShutdownAll()

	starts := store.eventsOf(models.EventStart)
	if len(starts) != 1 {
		t.Fatalf("start events = %d, want 1", len(starts))
	}
	if starts[0].Message != "Tracking started for 192.0.2.1" {
		t.Fatalf("start message = %q", starts[0].Message)
	}
}

func TestFailureEventFiresOnceAndRecoveryFollows(t *testing.T) {
	store := &fakeStore{}
	// Six consecutive losses, then one success: the threshold crossing at 5
	// must emit exactly one failure event, the success one recovery event.
	script := make([]probe.Result, 0, 7)
	for i := 0; i < 6; i++ {
		script = append(script, probe.Result{Lost: true})
	}
	script = append(script, okResult(12.5))
	prober := newScriptedProber(script)

	sched := New(store, prober, Config{TickUnit: time.Millisecond})
	ctx := context.Background()
	if err := sched.Start(ctx, testTarget(7)); err != nil {
		t.Fatal(err)
	}

	prober.wait(t)
	if err := sched.Stop(ctx, 7, ""); err != nil {
		t.Fatal(err)
	}

	failures := store.eventsOf(models.EventFailure)
	if len(failures) != 1 {
		t.Fatalf("failure events = %d, want 1", len(failures))
	}
	want := fmt.Sprintf("Target 192.0.2.1 unreachable - %d consecutive failed pings", 5)
	if failures[0].Message != want {
		t.Fatalf("failure message = %q, want %q", failures[0].Message, want)
	}

	recoveries := store.eventsOf(models.EventRecovery)
	if len(recoveries) != 1 {
		t.Fatalf("recovery events = %d, want 1", len(recoveries))
	}
	if recoveries[0].Message != "Target 192.0.2.1 recovered after 6 failed pings" {
		t.Fatalf("recovery message = %q", recoveries[0].Message)
	}

	if got := store.pingCount(); got != 7 {
		t.Fatalf("ping samples = %d, want 7", got)
	}
}

func TestStopWaitsForLoopAndRecordsEvent(t *testing.T) {
	store := &fakeStore{}
	prober := newScriptedProber([]probe.Result{okResult(1), okResult(2)})
	sched := New(store, prober, Config{TickUnit: time.Millisecond})
	ctx := context.Background()

	if err := sched.Start(ctx, testTarget(3)); err != nil {
		t.Fatal(err)
	}
	prober.wait(t)
	if err := sched.Stop(ctx, 3, ""); err != nil {
		t.Fatal(err)
	}
	if sched.Running(3) {
		t.Fatal("target still running after Stop")
	}

	before := store.pingCount()
	time.Sleep(20 * time.Millisecond)
	if after := store.pingCount(); after != before {
		t.Fatalf("samples written after Stop returned: %d -> %d", before, after)
	}

	stops := store.eventsOf(models.EventStop)
	if len(stops) != 1 {
		t.Fatalf("stop events = %d, want 1", len(stops))
	}
	if stops[0].Message != "Tracking stopped" {
		t.Fatalf("stop message = %q, want default", stops[0].Message)
	}
}

func TestStopNotRunningStillRecordsEvent(t *testing.T) {
	store := &fakeStore{}
	sched := New(store, newScriptedProber(nil), Config{TickUnit: time.Millisecond})

	if err := sched.Stop(context.Background(), 9, "Tracking paused"); err != nil {
		t.Fatal(err)
	}
	stops := store.eventsOf(models.EventStop)
	if len(stops) != 1 || stops[0].Message != "Tracking paused" {
		t.Fatalf("stop events = %+v, want one 'Tracking paused'", stops)
	}
}

func TestShutdownAllWritesNoEvents(t *testing.T) {
	store := &fakeStore{}
	// Empty script: every loop blocks in its first probe until cancelled.
	prober := newScriptedProber(nil)
	sched := New(store, prober, Config{TickUnit: time.Millisecond})
	ctx := context.Background()

	if err := sched.Start(ctx, testTarget(1)); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(ctx, testTarget(2)); err != nil {
		t.Fatal(err)
	}

	sched.ShutdownAll()
	if got := sched.Count(); got != 0 {
		t.Fatalf("Count() after shutdown = %d, want 0", got)
	}
	if stops := store.eventsOf(models.EventStop); len(stops) != 0 {
		t.Fatalf("shutdown wrote %d stop events, want 0", len(stops))
	}
	if got := store.pingCount(); got != 0 {
		t.Fatalf("cancelled probes wrote %d samples, want 0", got)
	}
}

func TestLoadExistingStartsActiveTargets(t *testing.T) {
	store := &fakeStore{active: []models.Target{testTarget(1), testTarget(2)}}
	store.active[1].IPAddress = "192.0.2.2"
	sched := New(store, newScriptedProber(nil), Config{TickUnit: time.Millisecond})

	if err := sched.LoadExisting(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.ShutdownAll()

	if got := sched.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if starts := store.eventsOf(models.EventStart); len(starts) != 2 {
		t.Fatalf("start events = %d, want 2", len(starts))
	}
}
