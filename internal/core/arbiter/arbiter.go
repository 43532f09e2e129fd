// Package arbiter grants exclusive access to the camera.
//
// StillSampling and Recording own the device and are serialized by a single
// lock held across every mode transition and every device call made in
// that mode. Preview is a side channel: it is served from whatever frames
// the active mode publishes and only becomes the device mode when nothing
// else needs the camera. Recording saves the mode it preempted and
// restores it afterwards, on success or failure.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trymwestin/lockd/internal/core/clips"
	"github.com/trymwestin/lockd/internal/core/device"
)

const configureTimeout = 5 * time.Second

var (
	// ErrDeviceBusy means the arbiter lock could not be acquired in time.
	ErrDeviceBusy = errors.New("arbiter: camera busy")
	// ErrDeviceUnavailable means the camera failed to return to a usable mode.
	ErrDeviceUnavailable = errors.New("arbiter: camera unavailable")
	// ErrRecordingFailed wraps every failed recording session.
	ErrRecordingFailed = errors.New("arbiter: recording failed")
	// ErrStreamClosed is returned by a closed PreviewStream.
	ErrStreamClosed = errors.New("arbiter: preview stream closed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("arbiter: closed")
)

// Config bounds lock acquisition and sets the capture resolution.
type Config struct {
	Resolution  device.Resolution
	BusyTimeout time.Duration
	BusyRetries int
}

// Arbiter owns the capture device.
type Arbiter struct {
	cfg   Config
	dev   device.Device
	clips *clips.Store
	log   *slog.Logger
	now   func() time.Time

	sem        chan struct{}
	mode       atomic.Int32
	previewers atomic.Int32

	// guarded by sem
	unavailable bool
	closed      bool
}

// New creates an arbiter for dev. The device must be idle.
func New(cfg Config, dev device.Device, store *clips.Store, log *slog.Logger) *Arbiter {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 2 * time.Second
	}
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = 1
	}
	a := &Arbiter{
		cfg:   cfg,
		dev:   dev,
		clips: store,
		log:   log,
		now:   time.Now,
		sem:   make(chan struct{}, 1),
	}
	a.mode.Store(int32(device.ModeIdle))
	return a
}

// Mode returns the mode the camera is currently held in.
func (a *Arbiter) Mode() device.Mode {
	return device.Mode(a.mode.Load())
}

// Simulated reports whether the underlying device is simulated.
func (a *Arbiter) Simulated() bool {
	return a.dev.Simulated()
}

// Sample switches the camera into StillSampling if needed and captures one
// frame. After a failed restore it surfaces ErrDeviceUnavailable until the
// switch succeeds again.
func (a *Arbiter) Sample(ctx context.Context) (device.Frame, error) {
	if err := a.acquire(ctx); err != nil {
		return device.Frame{}, err
	}
	defer a.release()

	if a.closed {
		return device.Frame{}, ErrClosed
	}

	if a.Mode() != device.ModeStillSampling || a.unavailable {
		if err := a.switchTo(ctx, device.ModeStillSampling); err != nil {
			if a.unavailable {
				return device.Frame{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
			}
			return device.Frame{}, err
		}
	}

	frame, err := a.dev.CaptureStill(ctx)
	if err != nil {
		return device.Frame{}, fmt.Errorf("arbiter: capture still: %w", err)
	}
	return frame, nil
}

// Record preempts the current mode, records a clip of length d and restores
// the preempted mode. Cancelling ctx ends the recording early; the clip is
// still finalized and returned. Restoration never observes ctx cancellation.
func (a *Arbiter) Record(ctx context.Context, d time.Duration) (device.Clip, error) {
	if err := a.acquire(ctx); err != nil {
		return device.Clip{}, err
	}
	defer a.release()

	if a.closed {
		return device.Clip{}, ErrClosed
	}

	resume := a.Mode()
	if a.unavailable {
		resume = device.ModeIdle
	}

	clip, recErr := a.record(ctx, d)

	restoreCtx := context.WithoutCancel(ctx)
	if err := a.restore(restoreCtx, resume); err != nil {
		a.log.Error("camera left unavailable after recording", "resume", resume.String(), "error", err)
	}

	if recErr != nil {
		return device.Clip{}, fmt.Errorf("%w: %v", ErrRecordingFailed, recErr)
	}
	if a.clips != nil {
		a.clips.Remember(clip)
	}
	return clip, nil
}

func (a *Arbiter) record(ctx context.Context, d time.Duration) (device.Clip, error) {
	if err := a.switchTo(ctx, device.ModeRecording); err != nil {
		return device.Clip{}, err
	}

	start := a.now()
	path := clips.Name(start)
	if a.clips != nil {
		path = a.clips.PathFor(start)
	}

	rec, err := a.dev.BeginRecording(ctx, path, d)
	if err != nil {
		return device.Clip{}, fmt.Errorf("arbiter: begin recording: %w", err)
	}
	a.log.Info("recording started", "path", path, "duration", d)

	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		a.log.Info("recording cut short", "path", path, "reason", ctx.Err())
	}

	clip, err := a.dev.StopRecording(context.WithoutCancel(ctx), rec)
	if err != nil {
		return device.Clip{}, fmt.Errorf("arbiter: stop recording: %w", err)
	}
	a.log.Info("recording finished", "clip", clip.Filename, "duration", clip.Duration)
	return clip, nil
}

// restore switches back to resume, retrying once. A second failure leaves
// the camera marked Idle and unavailable.
func (a *Arbiter) restore(ctx context.Context, resume device.Mode) error {
	target := resume
	if target == device.ModeIdle || target == device.ModePreview {
		target = a.idleTarget()
	}

	err := a.switchTo(ctx, target)
	if err == nil {
		return a.settle(ctx)
	}
	a.log.Warn("camera restore failed, retrying", "mode", target.String(), "error", err)

	if err = a.switchTo(ctx, target); err == nil {
		return a.settle(ctx)
	}

	a.unavailable = true
	a.mode.Store(int32(device.ModeIdle))
	return fmt.Errorf("%w: restore %s: %v", ErrDeviceUnavailable, target, err)
}

// OpenPreview subscribes to live frames. The first subscriber moves an idle
// camera into Preview; while another mode holds the camera the stream is
// served from that mode's frames and the call does not wait for the lock.
func (a *Arbiter) OpenPreview(ctx context.Context) (*PreviewStream, error) {
	a.previewers.Add(1)

	if a.Mode() == device.ModeIdle {
		if err := a.acquire(ctx); err != nil {
			a.previewers.Add(-1)
			return nil, err
		}
		err := a.openPreviewLocked(ctx)
		a.release()
		if err != nil {
			a.previewers.Add(-1)
			return nil, err
		}
	}

	return &PreviewStream{a: a, done: make(chan struct{})}, nil
}

func (a *Arbiter) openPreviewLocked(ctx context.Context) error {
	if a.closed {
		return ErrClosed
	}
	if a.Mode() != device.ModeIdle {
		return nil
	}
	if err := a.switchTo(ctx, device.ModePreview); err != nil {
		if a.unavailable {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}
	a.log.Info("preview started")
	return nil
}

func (a *Arbiter) closePreview() {
	if a.previewers.Add(-1) > 0 || a.Mode() != device.ModePreview {
		return
	}
	if err := a.acquire(context.Background()); err != nil {
		a.log.Warn("could not stop preview", "error", err)
		return
	}
	defer a.release()
	if a.closed {
		return
	}
	if err := a.settle(context.Background()); err != nil {
		a.log.Warn("could not stop preview", "error", err)
		return
	}
	a.log.Info("preview stopped")
}

// EndSampling releases the camera from StillSampling, leaving it in Preview
// if there are subscribers and Idle otherwise.
func (a *Arbiter) EndSampling(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()

	if a.closed || a.Mode() != device.ModeStillSampling {
		return nil
	}
	if err := a.switchTo(ctx, a.idleTarget()); err != nil {
		return err
	}
	return a.settle(ctx)
}

// Close moves the camera to Idle and releases the device.
func (a *Arbiter) Close(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.Mode() != device.ModeIdle {
		if err := a.switchTo(ctx, device.ModeIdle); err != nil {
			a.log.Warn("camera did not go idle before close", "error", err)
		}
	}
	if err := a.dev.Close(); err != nil {
		return fmt.Errorf("arbiter: close device: %w", err)
	}
	return nil
}

// --- locking and transitions ---

func (a *Arbiter) acquire(ctx context.Context) error {
	for attempt := 1; attempt <= a.cfg.BusyRetries; attempt++ {
		t := time.NewTimer(a.cfg.BusyTimeout)
		select {
		case a.sem <- struct{}{}:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			a.log.Debug("camera busy", "attempt", attempt, "mode", a.Mode().String())
		}
	}
	return ErrDeviceBusy
}

func (a *Arbiter) release() {
	<-a.sem
}

// switchTo configures the device; the caller holds the lock.
func (a *Arbiter) switchTo(ctx context.Context, mode device.Mode) error {
	cctx, cancel := context.WithTimeout(ctx, configureTimeout)
	defer cancel()

	if err := a.dev.Configure(cctx, mode, a.cfg.Resolution); err != nil {
		return fmt.Errorf("arbiter: switch to %s: %w", mode, err)
	}
	prev := device.Mode(a.mode.Swap(int32(mode)))
	a.unavailable = false
	if prev != mode {
		a.log.Debug("camera mode changed", "from", prev.String(), "to", mode.String())
	}
	return nil
}

// idleTarget is the mode to rest in when neither sampling nor recording
// needs the camera.
func (a *Arbiter) idleTarget() device.Mode {
	if a.previewers.Load() > 0 {
		return device.ModePreview
	}
	return device.ModeIdle
}

// settle reconciles a resting mode with a preview subscription that changed
// while the transition was in flight. The caller holds the lock.
func (a *Arbiter) settle(ctx context.Context) error {
	mode := a.Mode()
	if mode != device.ModeIdle && mode != device.ModePreview {
		return nil
	}
	if want := a.idleTarget(); want != mode {
		return a.switchTo(ctx, want)
	}
	return nil
}

// --- PreviewStream ---

// PreviewStream is a lazy, non-restartable sequence of live frames. A slow
// reader skips frames; it never sees the same frame twice.
type PreviewStream struct {
	a      *Arbiter
	last   uint64
	done   chan struct{}
	closed atomic.Bool
}

// Next blocks until a frame newer than the last one returned is published.
func (s *PreviewStream) Next(ctx context.Context) (device.Frame, error) {
	if s.closed.Load() {
		return device.Frame{}, ErrStreamClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	frame, err := s.a.dev.NextPreviewFrame(ctx, s.last)
	if err != nil {
		if s.closed.Load() || errors.Is(err, device.ErrClosed) {
			return device.Frame{}, ErrStreamClosed
		}
		return device.Frame{}, err
	}
	s.last = frame.Seq
	return frame, nil
}

// Close ends the stream. The last subscriber to leave returns an idle
// preview camera to Idle.
func (s *PreviewStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.a.closePreview()
	return nil
}
