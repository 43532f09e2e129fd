// Package orchestrator owns the lock state, the activity log and the
// motion-to-recording control loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/lockd/internal/core/arbiter"
	"github.com/trymwestin/lockd/internal/core/clips"
	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/lock"
	"github.com/trymwestin/lockd/internal/core/motion"
	"github.com/trymwestin/lockd/internal/core/state"
)

// Lock commands accepted by Command.
const (
	CommandLock   = "lock"
	CommandUnlock = "unlock"
)

const endSamplingTimeout = 5 * time.Second

// ValidationError reports a rejected command. No state was changed.
type ValidationError struct {
	Command string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command %q: use 'lock' or 'unlock'", e.Command)
}

// Config holds control loop and motor timing.
type Config struct {
	MotionEnabled bool
	Tick          time.Duration
	Cooldown      time.Duration
	Backoff       time.Duration
	ClipDuration  time.Duration
	MotorTimeout  time.Duration
}

// Orchestrator serializes lock commands and runs motion detection.
type Orchestrator struct {
	cfg      Config
	cam      *arbiter.Arbiter
	est      motion.Estimator
	motor    lock.Motor
	clips    *clips.Store
	bus      state.Broadcaster
	lock     *state.LockStore
	activity *state.ActivityLog
	log      *slog.Logger
	now      func() time.Time

	cmdMu sync.Mutex

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// New creates an orchestrator. The door starts out locked.
func New(
	cfg Config,
	cam *arbiter.Arbiter,
	est motion.Estimator,
	motor lock.Motor,
	store *clips.Store,
	bus state.Broadcaster,
	log *slog.Logger,
) *Orchestrator {
	now := time.Now
	return &Orchestrator{
		cfg:      cfg,
		cam:      cam,
		est:      est,
		motor:    motor,
		clips:    store,
		bus:      bus,
		lock:     state.NewLockStore(state.LockState{IsLocked: true, ChangedAt: now()}, bus, log),
		activity: state.NewActivityLog(),
		log:      log,
		now:      now,
	}
}

// Command parses a lock command and applies it on behalf of actor.
func (o *Orchestrator) Command(ctx context.Context, cmd, actor string) (state.LockState, error) {
	switch cmd {
	case CommandLock:
		return o.setLock(ctx, true, actor)
	case CommandUnlock:
		return o.setLock(ctx, false, actor)
	default:
		return o.lock.Snapshot(), &ValidationError{Command: cmd}
	}
}

// SetLock drives the motor and records the new state. Concurrent calls
// queue; each one observes the state left by the previous.
func (o *Orchestrator) SetLock(ctx context.Context, locked bool) (state.LockState, error) {
	return o.setLock(ctx, locked, "")
}

func (o *Orchestrator) setLock(ctx context.Context, locked bool, actor string) (state.LockState, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	verb := CommandUnlock
	move := o.motor.Unlock
	if locked {
		verb = CommandLock
		move = o.motor.Lock
	}

	mctx, cancel := context.WithTimeout(ctx, o.cfg.MotorTimeout)
	err := move(mctx)
	cancel()
	if err != nil {
		o.log.Error("motor command failed", "command", verb, "error", err)
		return o.lock.Snapshot(), fmt.Errorf("orchestrator: %s: %w", verb, err)
	}

	st := o.lock.Set(locked, o.now())
	o.activity.Append(state.ActivityEntry{
		Action:    "Door " + verb + "ed",
		Timestamp: st.ChangedAt,
		Actor:     actor,
		Details:   "Lock state changed to " + verb + "ed",
	})
	o.log.Info("lock state changed", "locked", locked, "actor", actor)
	return st, nil
}

// LockState returns the current lock state.
func (o *Orchestrator) LockState() state.LockState {
	return o.lock.Snapshot()
}

// Activity returns up to limit entries, most recent first.
func (o *Orchestrator) Activity(limit int) []state.ActivityEntry {
	return o.activity.Snapshot(limit)
}

// Clips lists recorded clips, newest first.
func (o *Orchestrator) Clips() ([]device.Clip, error) {
	return o.clips.List()
}

// ClipPath resolves a clip filename to its path on disk.
func (o *Orchestrator) ClipPath(name string) (string, bool) {
	return o.clips.Path(name)
}

// OpenPreview subscribes to the live camera feed.
func (o *Orchestrator) OpenPreview(ctx context.Context) (*arbiter.PreviewStream, error) {
	return o.cam.OpenPreview(ctx)
}

// CameraMode returns the current camera mode.
func (o *Orchestrator) CameraMode() device.Mode {
	return o.cam.Mode()
}

// Simulated reports whether the camera or the motor is simulated.
func (o *Orchestrator) Simulated() (camera, motor bool) {
	return o.cam.Simulated(), o.motor.Simulated()
}

// Start logs the startup entry and begins the motion control loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Load() {
		return fmt.Errorf("orchestrator: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.stopped = make(chan struct{})
	o.running.Store(true)

	o.activity.Append(state.ActivityEntry{Action: "System started", Details: "Smart lock system initialized"})

	if !o.cfg.MotionEnabled {
		o.log.Info("motion detection disabled")
		close(o.stopped)
		return nil
	}

	go o.runLoop(ctx)
	return nil
}

// Stop cancels the control loop and waits for it to exit. An in-flight
// recording is cut short and finalized before Stop returns.
func (o *Orchestrator) Stop(_ context.Context) error {
	if !o.running.Load() {
		return nil
	}
	o.cancel()
	<-o.stopped
	o.running.Store(false)
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.stopped)
	defer o.endSampling(ctx)

	o.log.Info("motion detection started", "tick", o.cfg.Tick, "simulated", o.cam.Simulated())

	for {
		select {
		case <-ctx.Done():
			o.log.Info("motion detection stopped")
			return
		default:
		}

		wait, err := o.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.log.Info("motion detection stopped")
				return
			}
			o.log.Error("motion cycle failed", "error", err, "retry_in", o.cfg.Backoff)
			wait = o.cfg.Backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cycle runs one sample and returns how long to wait before the next one.
func (o *Orchestrator) cycle(ctx context.Context) (time.Duration, error) {
	frame, err := o.cam.Sample(ctx)
	if err != nil {
		return 0, fmt.Errorf("sample: %w", err)
	}

	moved, err := o.est.Sample(frame)
	if err != nil {
		return 0, fmt.Errorf("estimate: %w", err)
	}
	if !moved {
		return o.cfg.Tick, nil
	}

	o.log.Info("motion detected, recording clip", "duration", o.cfg.ClipDuration)
	clip, err := o.cam.Record(ctx, o.cfg.ClipDuration)
	if err != nil {
		return 0, err
	}
	// the reference predates the recording
	o.est.Reset()

	at := o.now()
	o.activity.Append(state.ActivityEntry{
		Action:    "Motion detected",
		Timestamp: at,
		Details:   "Recorded clip: " + clip.Filename,
	})
	o.bus.Publish(state.Event{
		Type:      state.EventMotionDetected,
		Timestamp: at,
		Data:      state.MotionDetected{Timestamp: at, Clip: clip.Filename},
	})
	return o.cfg.Cooldown, nil
}

func (o *Orchestrator) endSampling(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSamplingTimeout)
	defer cancel()
	if err := o.cam.EndSampling(ctx); err != nil && !errors.Is(err, arbiter.ErrClosed) {
		o.log.Warn("failed to release camera from sampling", "error", err)
	}
}
