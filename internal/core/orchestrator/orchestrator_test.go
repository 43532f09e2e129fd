package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/lockd/internal/core/arbiter"
	"github.com/trymwestin/lockd/internal/core/clips"
	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/lock"
	"github.com/trymwestin/lockd/internal/core/motion"
	"github.com/trymwestin/lockd/internal/core/state"
)

var clipPattern = regexp.MustCompile(`^motion_\d{8}_\d{6}\.mp4$`)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedEstimator returns queued verdicts and errors, then false.
type scriptedEstimator struct {
	mu       sync.Mutex
	script   []verdict
	calls    []time.Time
	resets   int
	motionAt time.Time
}

type verdict struct {
	moved bool
	err   error
}

func (e *scriptedEstimator) Sample(device.Frame) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, time.Now())
	if len(e.script) == 0 {
		return false, nil
	}
	v := e.script[0]
	e.script = e.script[1:]
	if v.moved {
		e.motionAt = time.Now()
	}
	return v.moved, v.err
}

func (e *scriptedEstimator) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func (e *scriptedEstimator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

var _ motion.Estimator = (*scriptedEstimator)(nil)

type fixture struct {
	orch  *Orchestrator
	cam   *arbiter.Arbiter
	bus   *state.EventBus
	store *clips.Store
	motor *lock.SimMotor
}

func testConfig() Config {
	return Config{
		MotionEnabled: true,
		Tick:          5 * time.Millisecond,
		Cooldown:      300 * time.Millisecond,
		Backoff:       10 * time.Millisecond,
		ClipDuration:  50 * time.Millisecond,
		MotorTimeout:  time.Second,
	}
}

func newFixture(t *testing.T, cfg Config, est motion.Estimator) *fixture {
	t.Helper()
	log := testLogger()

	dev := device.NewSimulated(device.Config{Width: 64, Height: 48, Framerate: 50}, log)
	store := clips.NewStore(t.TempDir(), 10*time.Second)
	cam := arbiter.New(arbiter.Config{
		Resolution:  device.Resolution{Width: 64, Height: 48},
		BusyTimeout: time.Second,
		BusyRetries: 3,
	}, dev, store, log)
	t.Cleanup(func() { cam.Close(context.Background()) })

	bus := state.NewEventBus(log)
	motor := lock.NewSimMotor(time.Millisecond)
	return &fixture{
		orch:  New(cfg, cam, est, motor, store, bus, log),
		cam:   cam,
		bus:   bus,
		store: store,
		motor: motor,
	}
}

func recv(t *testing.T, ch <-chan state.Event, within time.Duration) state.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(within):
		t.Fatal("Timed out waiting for event")
		return state.Event{}
	}
}

func TestUnlockScenario(t *testing.T) {
	f := newFixture(t, testConfig(), &scriptedEstimator{})
	obsA, unsubA := f.bus.Subscribe(4)
	obsB, unsubB := f.bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	if !f.orch.LockState().IsLocked {
		t.Fatal("Door must start locked")
	}

	st, err := f.orch.SetLock(context.Background(), false)
	if err != nil {
		t.Fatalf("SetLock failed: %v", err)
	}
	if st.IsLocked || f.orch.LockState().IsLocked {
		t.Error("Expected unlocked state")
	}
	if f.motor.Locked() {
		t.Error("Motor did not move")
	}

	entries := f.orch.Activity(0)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 activity entry, got %d", len(entries))
	}
	if !strings.Contains(strings.ToLower(entries[0].Action), "unlock") {
		t.Errorf("Unexpected action %q", entries[0].Action)
	}
	if !entries[0].Timestamp.Equal(st.ChangedAt) {
		t.Errorf("Entry timestamp %v does not match state %v", entries[0].Timestamp, st.ChangedAt)
	}

	for _, ch := range []<-chan state.Event{obsA, obsB} {
		evt := recv(t, ch, time.Second)
		lc, ok := evt.Data.(state.LockChanged)
		if evt.Type != state.EventLockChanged || !ok || lc.IsLocked {
			t.Errorf("Unexpected event %+v", evt)
		}
		select {
		case extra := <-ch:
			t.Errorf("Expected exactly one event, got extra %+v", extra)
		default:
		}
	}
}

func TestCommandRejectsInvalid(t *testing.T) {
	f := newFixture(t, testConfig(), &scriptedEstimator{})
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	before := f.orch.LockState()
	_, err := f.orch.Command(context.Background(), "open-sesame", "test")

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Command != "open-sesame" {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if f.orch.LockState() != before {
		t.Error("Invalid command mutated lock state")
	}
	if n := len(f.orch.Activity(0)); n != 0 {
		t.Errorf("Invalid command logged %d entries", n)
	}
	if f.motor.Moves() != 0 {
		t.Error("Invalid command moved the motor")
	}
	select {
	case evt := <-ch:
		t.Errorf("Invalid command published %+v", evt)
	default:
	}
}

func TestCommandRecordsActor(t *testing.T) {
	f := newFixture(t, testConfig(), &scriptedEstimator{})

	if _, err := f.orch.Command(context.Background(), CommandUnlock, "mqtt"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Command(context.Background(), CommandLock, "app"); err != nil {
		t.Fatal(err)
	}

	entries := f.orch.Activity(0)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "Door locked" || entries[0].Actor != "app" {
		t.Errorf("Unexpected newest entry %+v", entries[0])
	}
	if entries[1].Action != "Door unlocked" || entries[1].Details != "Lock state changed to unlocked" {
		t.Errorf("Unexpected oldest entry %+v", entries[1])
	}
}

func TestConcurrentSetLockQueues(t *testing.T) {
	f := newFixture(t, testConfig(), &scriptedEstimator{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		locked := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.orch.SetLock(context.Background(), locked)
			if err != nil {
				t.Errorf("SetLock failed: %v", err)
				return
			}
			if st.IsLocked != locked {
				t.Errorf("SetLock(%v) returned %+v", locked, st)
			}
		}()
	}
	wg.Wait()

	entries := f.orch.Activity(0)
	if len(entries) != 10 {
		t.Fatalf("Expected 10 entries, got %d", len(entries))
	}
	if got, want := f.orch.LockState().IsLocked, entries[0].Action == "Door locked"; got != want {
		t.Errorf("Final state %v disagrees with last entry %q", got, entries[0].Action)
	}
	if f.motor.Locked() != f.orch.LockState().IsLocked {
		t.Error("Motor position disagrees with lock state")
	}
}

func TestMotorTimeoutLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.MotorTimeout = 10 * time.Millisecond
	f := newFixture(t, cfg, &scriptedEstimator{})
	f.orch.motor = lock.NewSimMotor(time.Second)

	if _, err := f.orch.SetLock(context.Background(), false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if !f.orch.LockState().IsLocked {
		t.Error("Failed unlock changed state")
	}
	if n := len(f.orch.Activity(0)); n != 0 {
		t.Errorf("Failed unlock logged %d entries", n)
	}
}

func TestMotionScenario(t *testing.T) {
	est := &scriptedEstimator{script: []verdict{{moved: false}, {moved: true}}}
	cfg := testConfig()
	f := newFixture(t, cfg, est)
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Stop(context.Background())

	evt := recv(t, ch, 2*time.Second)
	arrived := time.Now()
	if evt.Type != state.EventMotionDetected {
		t.Fatalf("Expected motion_detected, got %s", evt.Type)
	}
	md := evt.Data.(state.MotionDetected)
	if !clipPattern.MatchString(md.Clip) {
		t.Errorf("Clip %q does not match the naming pattern", md.Clip)
	}

	est.mu.Lock()
	recorded := arrived.Sub(est.motionAt)
	est.mu.Unlock()
	if recorded < cfg.ClipDuration {
		t.Errorf("Recording lasted %v, want at least %v", recorded, cfg.ClipDuration)
	}

	// no sampling during the cooldown
	calls := est.callCount()
	time.Sleep(cfg.Cooldown / 2)
	if got := est.callCount(); got != calls {
		t.Errorf("Sampled %d times during cooldown", got-calls)
	}

	files, err := os.ReadDir(f.store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name() != md.Clip {
		t.Errorf("Expected exactly one clip file %s, got %v", md.Clip, files)
	}

	var motionEntries []state.ActivityEntry
	for _, e := range f.orch.Activity(0) {
		if e.Action == "Motion detected" {
			motionEntries = append(motionEntries, e)
		}
	}
	if len(motionEntries) != 1 || motionEntries[0].Details != "Recorded clip: "+md.Clip {
		t.Errorf("Unexpected motion entries %+v", motionEntries)
	}

	select {
	case extra := <-ch:
		t.Errorf("Expected one event, got extra %+v", extra)
	default:
	}

	// sampling resumes after the cooldown
	deadline := time.Now().Add(2 * time.Second)
	for est.callCount() == calls && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if est.callCount() == calls {
		t.Error("Sampling did not resume after cooldown")
	}
}

func TestLoopSurvivesErrors(t *testing.T) {
	est := &scriptedEstimator{script: []verdict{
		{err: errors.New("bad frame")},
		{err: errors.New("bad frame")},
		{moved: true},
	}}
	f := newFixture(t, testConfig(), est)
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Stop(context.Background())

	if evt := recv(t, ch, 2*time.Second); evt.Type != state.EventMotionDetected {
		t.Errorf("Expected motion_detected after errors, got %s", evt.Type)
	}
}

func TestStartLogsSystemStarted(t *testing.T) {
	cfg := testConfig()
	cfg.MotionEnabled = false
	f := newFixture(t, cfg, &scriptedEstimator{})

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Start(context.Background()); err == nil {
		t.Error("Expected error on second Start")
	}
	if err := f.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries := f.orch.Activity(0)
	if len(entries) != 1 || entries[0].Action != "System started" {
		t.Errorf("Unexpected entries %+v", entries)
	}
}

func TestStopFinalizesInFlightRecording(t *testing.T) {
	est := &scriptedEstimator{script: []verdict{{moved: true}}}
	cfg := testConfig()
	cfg.ClipDuration = 10 * time.Second
	f := newFixture(t, cfg, est)

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.cam.Mode() != device.ModeRecording && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.cam.Mode() != device.ModeRecording {
		t.Fatal("Recording never started")
	}

	start := time.Now()
	if err := f.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Stop waited for the full clip duration")
	}
	if f.cam.Mode() != device.ModeIdle {
		t.Errorf("Expected idle camera after Stop, got %s", f.cam.Mode())
	}

	list, err := f.orch.Clips()
	if err != nil || len(list) != 1 {
		t.Errorf("Expected the cut-short clip to be kept, got %+v, %v", list, err)
	}
}
