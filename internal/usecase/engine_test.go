package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"instrumentq/internal/domain"
	"instrumentq/internal/driver"
	"instrumentq/internal/taskqueue"
)

type stubDriver struct {
	failOn  string
	panicOn string
	block   chan struct{}

	mu    sync.Mutex
	calls []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *stubDriver) Name() string     { return "stub" }
func (s *stubDriver) Status() []string { return []string{"ok"} }

func (s *stubDriver) Execute(_ context.Context, task domain.Task) (any, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, task.Name())
	s.mu.Unlock()

	switch name := task.Name(); {
	case name == s.failOn:
		return nil, errors.New("boom")
	case name == s.panicOn:
		panic("kaboom")
	case name == "block":
		<-s.block
	}
	return task.Name() + " done", nil
}

func (s *stubDriver) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type memArchive struct {
	mu   sync.Mutex
	pkgs []domain.Package
}

func (m *memArchive) Record(_ context.Context, p domain.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkgs = append(m.pkgs, p)
	return nil
}

func (m *memArchive) Recent(_ context.Context, limit int) ([]domain.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Package{}
	for i := len(m.pkgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.pkgs[i])
	}
	return out, nil
}

func (m *memArchive) Close() error { return nil }

func fastOptions() Options {
	return Options{PausePoll: 2 * time.Millisecond, DebugDelay: 5 * time.Millisecond}
}

// start runs the daemon until the test ends. The returned channel receives
// the result of Run.
func start(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		result <- e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not exit")
		}
	})
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func enqueue(t *testing.T, e *Engine, name string) string {
	t.Helper()
	id, err := e.Enqueue(context.Background(), domain.Task{"task_name": name}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", name, err)
	}
	return id
}

func historyNames(s domain.Snapshot) []string {
	out := make([]string, len(s.History))
	for i, p := range s.History {
		out[i] = p.Task.Name()
	}
	return out
}

func TestFIFOHistoryOrder(t *testing.T) {
	d := &stubDriver{}
	opts := fastOptions()
	opts.StartPaused = true
	e := NewEngine(d, nil, opts)
	start(t, e)

	for _, name := range []string{"A", "B", "C"} {
		enqueue(t, e, name)
	}
	e.Pause(false)
	waitFor(t, "three packages in history", func() bool { return len(e.Snapshot().History) == 3 })

	snap := e.Snapshot()
	if got := historyNames(snap); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("history order = %v", got)
	}
	for i := 1; i < len(snap.History); i++ {
		if snap.History[i].Meta.Started.Before(*snap.History[i-1].Meta.Started) {
			t.Fatalf("started timestamps out of order at %d", i)
		}
	}
	for _, p := range snap.History {
		if p.Meta.ExitState != domain.ExitSuccess || p.Meta.ReturnVal != p.Task.Name()+" done" {
			t.Fatalf("package %s meta = %+v", p.Task.Name(), p.Meta)
		}
		if p.Meta.Queued == nil || p.Meta.Ended == nil || p.Meta.Ended.Before(*p.Meta.Started) {
			t.Fatalf("package %s timestamps = %+v", p.Task.Name(), p.Meta)
		}
	}
	if e.State() != domain.StateReady {
		t.Fatalf("state = %s, want Ready", e.State())
	}
}

func TestFailureClosesQueue(t *testing.T) {
	d := &stubDriver{failOn: "B"}
	opts := fastOptions()
	opts.StartPaused = true
	archive := &memArchive{}
	e := NewEngine(d, archive, opts)
	start(t, e)

	enqueue(t, e, "A")
	bID := enqueue(t, e, "B")
	cID := enqueue(t, e, "C")
	e.Pause(false)

	waitFor(t, "B in history", func() bool {
		_, ok := e.Snapshot().FindHistory(bID)
		return ok
	})
	if e.State() != domain.StatePaused {
		t.Fatalf("state = %s, want Paused", e.State())
	}
	b, _ := e.Snapshot().FindHistory(bID)
	if b.Meta.ExitState != domain.ExitError {
		t.Fatalf("B exit state = %q", b.Meta.ExitState)
	}
	report, _ := b.Meta.ReturnVal.(string)
	if !strings.HasPrefix(report, "boom") || !strings.Contains(report, "pausing queue") {
		t.Fatalf("B return_val = %q", report)
	}

	// C must not start while paused.
	time.Sleep(30 * time.Millisecond)
	snap := e.Snapshot()
	if len(snap.Pending) != 1 || snap.Pending[0].UUID != cID || len(snap.Running) != 0 {
		t.Fatalf("C started without an explicit unpause: %+v", snap)
	}
	if got := d.Calls(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("driver calls = %v", got)
	}

	e.Pause(false)
	waitFor(t, "C in history", func() bool {
		_, ok := e.Snapshot().FindHistory(cID)
		return ok
	})
	waitFor(t, "archive to catch up", func() bool {
		recent, _ := archive.Recent(context.Background(), 10)
		return len(recent) == 3
	})
}

func TestPanicIsContained(t *testing.T) {
	d := &stubDriver{panicOn: "explode"}
	e := NewEngine(d, nil, fastOptions())
	start(t, e)

	id := enqueue(t, e, "explode")
	waitFor(t, "panic recorded", func() bool {
		_, ok := e.Snapshot().FindHistory(id)
		return ok
	})
	p, _ := e.Snapshot().FindHistory(id)
	report, _ := p.Meta.ReturnVal.(string)
	if p.Meta.ExitState != domain.ExitError || !strings.Contains(report, "kaboom") || !strings.Contains(report, "goroutine") {
		t.Fatalf("panic package = %+v", p.Meta)
	}
	if !e.Paused() {
		t.Fatal("queue not paused after panic")
	}
}

func TestDebugModeSkipsDriver(t *testing.T) {
	d := &stubDriver{}
	opts := fastOptions()
	opts.StartDebug = true
	e := NewEngine(d, nil, opts)
	if e.State() != domain.StateDebug {
		t.Fatalf("state = %s, want Debug", e.State())
	}
	start(t, e)

	id := enqueue(t, e, "A")
	waitFor(t, "debug result", func() bool {
		_, ok := e.Snapshot().FindHistory(id)
		return ok
	})
	p, _ := e.Snapshot().FindHistory(id)
	if p.Meta.ExitState != domain.ExitDebug || p.Meta.ReturnVal != nil {
		t.Fatalf("meta = %+v", p.Meta)
	}
	if len(d.Calls()) != 0 {
		t.Fatalf("driver called in debug mode: %v", d.Calls())
	}
}

func TestUUIDUniqueness(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		opts := EnqueueOptions{}
		if i%2 == 0 {
			opts.UUID = fmt.Sprintf("user-%d", i)
		}
		if _, err := e.Enqueue(ctx, domain.Task{"task_name": "A"}, opts); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	for _, p := range e.Snapshot().Pending {
		if seen[p.UUID] {
			t.Fatalf("duplicate uuid %s", p.UUID)
		}
		seen[p.UUID] = true
		if !strings.HasPrefix(p.UUID, "user-") && !strings.HasPrefix(p.UUID, "QD-") {
			t.Fatalf("unexpected uuid %s", p.UUID)
		}
	}
	if len(seen) != 10000 {
		t.Fatalf("got %d distinct uuids", len(seen))
	}

	_, err := e.Enqueue(ctx, domain.Task{"task_name": "A"}, EnqueueOptions{UUID: "user-0"})
	if !errors.Is(err, ErrDuplicateUUID) || !IsValidation(err) {
		t.Fatalf("duplicate err = %v", err)
	}

	// a uuid stays reserved after its package is gone
	e.ClearQueue()
	if _, err := e.Enqueue(ctx, domain.Task{"task_name": "A"}, EnqueueOptions{UUID: "user-2"}); !errors.Is(err, ErrDuplicateUUID) {
		t.Fatalf("reuse after clear err = %v", err)
	}
}

func TestEnqueueUUIDFromTaskAndPosition(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	ctx := context.Background()
	enqueue(t, e, "A")
	enqueue(t, e, "B")

	front := 0
	id, err := e.Enqueue(ctx, domain.Task{"task_name": "Z", "uuid": "mine", "queue_loc": 0.0}, EnqueueOptions{Position: &front})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "mine" {
		t.Fatalf("uuid = %s", id)
	}
	pending := e.Snapshot().Pending
	if pending[0].UUID != "mine" {
		t.Fatalf("front = %s", pending[0].UUID)
	}
	if _, ok := pending[0].Task["uuid"]; ok {
		t.Fatal("reserved uuid key left in task")
	}
	if _, ok := pending[0].Task["queue_loc"]; ok {
		t.Fatal("reserved queue_loc key left in task")
	}
}

func TestEnqueueValidatesAgainstDriver(t *testing.T) {
	e := NewEngine(driver.NewDummy("", nil), nil, fastOptions())
	ctx := context.Background()

	tests := []struct {
		name string
		task domain.Task
	}{
		{"no task name", domain.Task{"kwarg1": 1.0}},
		{"unknown command", domain.Task{"task_name": "teleport"}},
		{"bad kwarg", domain.Task{"task_name": "test_command1", "nope": true}},
		{"unknown device", domain.Task{"task_name": "dispense", "device": "valve", "volume": 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Enqueue(ctx, tt.task, EnqueueOptions{}); !IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	if e.Pending() != 0 {
		t.Fatalf("rejected tasks were queued: %d", e.Pending())
	}

	if _, err := e.Enqueue(ctx, domain.Task{"task_name": "dispense", "device": "pump", "volume": 1.0}, EnqueueOptions{}); err != nil {
		t.Fatalf("device task: %v", err)
	}
}

func TestReorderAtomicity(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	ids := []string{enqueue(t, e, "A"), enqueue(t, e, "B"), enqueue(t, e, "C")}
	before := e.Snapshot().Pending

	bad := [][]string{
		{ids[0], ids[1]},
		{ids[0], ids[1], ids[1]},
		{ids[0], ids[1], "QD-unknown"},
	}
	for _, order := range bad {
		err := e.Reorder(domain.StateReady, order)
		if !errors.Is(err, taskqueue.ErrNotPermutation) || !IsValidation(err) {
			t.Fatalf("Reorder(%v) err = %v", order, err)
		}
		if got := e.Snapshot().Pending; !reflect.DeepEqual(got, before) {
			t.Fatalf("pending changed after failed reorder:\n got %+v\nwant %+v", got, before)
		}
		if e.Paused() {
			t.Fatal("pause flag not restored after failed reorder")
		}
	}

	want := []string{ids[2], ids[0], ids[1]}
	if err := e.Reorder(domain.StateReady, want); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	var got []string
	for _, p := range e.Snapshot().Pending {
		got = append(got, p.UUID)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	e.Pause(true)
	if err := e.Reorder(domain.StatePaused, ids); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !e.Paused() {
		t.Fatal("reorder with prior Paused unpaused the queue")
	}
}

func TestMoveItemToIndexFive(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	a := enqueue(t, e, "A")
	for _, name := range []string{"B", "C", "D", "E", "F"} {
		enqueue(t, e, name)
	}
	if err := e.MoveItem(a, 5); err != nil {
		t.Fatalf("MoveItem: %v", err)
	}
	pending := e.Snapshot().Pending
	if pending[5].UUID != a {
		t.Fatalf("A at %v", pending)
	}
	if pending[0].Task.Name() != "B" || pending[4].Task.Name() != "F" {
		t.Fatalf("others reordered: %v", pending)
	}
	if err := e.MoveItem("QD-missing", 0); !IsValidation(err) {
		t.Fatalf("missing uuid err = %v", err)
	}
}

func TestRemoveItems(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	a, b, c := enqueue(t, e, "A"), enqueue(t, e, "B"), enqueue(t, e, "C")

	if err := e.RemoveItems(a, "QD-missing"); !errors.Is(err, taskqueue.ErrUUIDNotFound) {
		t.Fatalf("err = %v", err)
	}
	if e.Pending() != 3 {
		t.Fatalf("partial removal: %d pending", e.Pending())
	}
	if err := e.RemoveItems(a, c); err != nil {
		t.Fatalf("RemoveItems: %v", err)
	}
	if p := e.Snapshot().Pending; len(p) != 1 || p[0].UUID != b {
		t.Fatalf("pending = %v", p)
	}
}

func TestAtMostOneRunning(t *testing.T) {
	d := &stubDriver{}
	e := NewEngine(d, nil, fastOptions())
	start(t, e)

	stop := make(chan struct{})
	var violations atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if len(e.Snapshot().Running) > 1 {
				violations.Add(1)
			}
		}
	}()

	var producers sync.WaitGroup
	for i := 0; i < 4; i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for j := 0; j < 50; j++ {
				if _, err := e.Enqueue(context.Background(), domain.Task{"task_name": "A"}, EnqueueOptions{}); err != nil {
					t.Errorf("Enqueue: %v", err)
				}
			}
		}()
	}
	producers.Wait()
	waitFor(t, "all packages to finish", func() bool { return len(e.Snapshot().History) == 200 })
	close(stop)
	wg.Wait()

	if violations.Load() != 0 {
		t.Fatalf("saw more than one running package %d times", violations.Load())
	}
	if d.maxInFlight.Load() != 1 {
		t.Fatalf("driver concurrency = %d", d.maxInFlight.Load())
	}
	if e.Busy() {
		t.Fatal("busy with nothing running")
	}
}

func TestSnapshotNeverLosesAPackage(t *testing.T) {
	d := &stubDriver{}
	e := NewEngine(d, nil, fastOptions())
	start(t, e)

	for i := 0; i < 100; i++ {
		id := enqueue(t, e, "A")
		for {
			snap := e.Snapshot()
			if _, done := snap.FindHistory(id); done {
				break
			}
			if !snap.InFlight(id) {
				t.Fatalf("package %s missing from every part of the snapshot", id)
			}
		}
	}
}

func TestStatePriority(t *testing.T) {
	d := &stubDriver{block: make(chan struct{})}
	e := NewEngine(d, nil, fastOptions())
	start(t, e)

	enqueue(t, e, "block")
	waitFor(t, "block to run", func() bool { return e.Busy() })
	if e.State() != domain.StateActive {
		t.Fatalf("state = %s, want Active", e.State())
	}
	if got := e.Snapshot().Running; len(got) != 1 || got[0].Task.Name() != "block" {
		t.Fatalf("running = %v", got)
	}
	e.Debug(true)
	if e.State() != domain.StateDebug {
		t.Fatalf("state = %s, want Debug", e.State())
	}
	e.Pause(true)
	if e.State() != domain.StatePaused {
		t.Fatalf("state = %s, want Paused", e.State())
	}
	if err := e.RemoveItems(e.Snapshot().Running[0].UUID); !IsValidation(err) {
		t.Fatalf("removing the running package err = %v", err)
	}
	close(d.block)
	waitFor(t, "block to finish", func() bool { return !e.Busy() })
	e.Pause(false)
	e.Debug(false)
	if e.State() != domain.StateReady {
		t.Fatalf("state = %s, want Ready", e.State())
	}
}

func TestHaltStopsDaemon(t *testing.T) {
	d := &stubDriver{}
	opts := fastOptions()
	opts.StartPaused = true
	e := NewEngine(d, nil, opts)
	done := start(t, e)

	enqueue(t, e, "A")
	e.Halt()
	e.Halt()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop on halt")
	}
	if !e.Stopped() {
		t.Fatal("Stopped() = false")
	}
	if _, err := e.Enqueue(context.Background(), domain.Task{"task_name": "A"}, EnqueueOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after halt err = %v", err)
	}
	if len(d.Calls()) != 0 {
		t.Fatalf("driver ran after halt: %v", d.Calls())
	}
	if e.Pending() != 1 {
		t.Fatalf("pending = %d, want the untouched package", e.Pending())
	}
}

func TestHaltKeepsPackageHeldByPause(t *testing.T) {
	d := &stubDriver{}
	e := NewEngine(d, nil, fastOptions())
	done := start(t, e)
	waitFor(t, "daemon to start", func() bool { return e.started.Load() })
	// Let the daemon pass the first gate and block on the empty queue.
	time.Sleep(20 * time.Millisecond)

	e.Pause(true)
	id := enqueue(t, e, "A")
	waitFor(t, "A to be claimed", func() bool {
		running := e.Snapshot().Running
		return len(running) == 1 && running[0].UUID == id
	})
	e.Halt()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop on halt")
	}
	if calls := d.Calls(); len(calls) != 0 {
		t.Fatalf("driver ran while paused: %v", calls)
	}
	snap := e.Snapshot()
	if len(snap.History) != 0 || len(snap.Running) != 0 {
		t.Fatalf("history = %v, running = %v", historyNames(snap), snap.Running)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].UUID != id || snap.Pending[0].Meta.Started != nil {
		t.Fatalf("pending = %+v, want unstarted %s", snap.Pending, id)
	}
}

func TestEnqueueRacingHaltIsRejected(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	// Queue closed, halting flag not yet visible to Enqueue.
	e.queue.Close()

	if _, err := e.Enqueue(context.Background(), domain.Task{"task_name": "A"}, EnqueueOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue err = %v, want ErrStopped", err)
	}
	if e.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", e.Pending())
	}
}

func TestHoldPausedRespectsOperator(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())

	restore := e.holdPaused()
	if !e.Paused() {
		t.Fatal("holdPaused did not pause")
	}
	restore()
	if e.Paused() {
		t.Fatal("flag not restored")
	}

	restore = e.holdPaused()
	e.Pause(true)
	restore()
	if !e.Paused() {
		t.Fatal("operator pause during hold was overwritten")
	}

	e.Pause(false)
	restore = e.holdPaused()
	e.Pause(false)
	restore()
	if e.Paused() {
		t.Fatal("operator resume during hold was overwritten")
	}

	restore = e.holdPaused()
	e.failures.Add(1)
	restore()
	if !e.Paused() {
		t.Fatal("failure pause during hold was cleared")
	}
}

func TestRunOnlyOnce(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	start(t, e)
	waitFor(t, "daemon to start", func() bool { return e.started.Load() })
	if err := e.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err = %v", err)
	}
}

func TestCancelStopsPausedDaemon(t *testing.T) {
	opts := fastOptions()
	opts.StartPaused = true
	e := NewEngine(&stubDriver{}, nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	enqueue(t, e, "A")
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
	if e.Pending() != 1 {
		t.Fatalf("package consumed after cancel: %d pending", e.Pending())
	}
}

func TestIterationAndClearHistory(t *testing.T) {
	e := NewEngine(&stubDriver{}, nil, fastOptions())
	it := e.Iteration()
	enqueue(t, e, "A")
	if e.Iteration() == it {
		t.Fatal("iteration unchanged after enqueue")
	}
	it = e.Iteration()
	e.Pause(true)
	if e.Iteration() == it {
		t.Fatal("iteration unchanged after pause")
	}

	start(t, e)
	e.Pause(false)
	waitFor(t, "history", func() bool { return len(e.Snapshot().History) == 1 })
	it = e.Iteration()
	e.ClearHistory()
	if len(e.Snapshot().History) != 0 || e.Iteration() == it {
		t.Fatal("ClearHistory did not clear or bump iteration")
	}
}
