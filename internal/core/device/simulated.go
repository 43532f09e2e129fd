package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated is the host-independent camera. Stills are a constant 1x1 JPEG
// and recordings are empty placeholder files.
type Simulated struct {
	cfg  Config
	log  *slog.Logger
	slot *FrameSlot

	mu       sync.Mutex
	mode     Mode
	res      Resolution
	rec      *Recording
	closed   bool
	pumpStop context.CancelFunc
	pumpDone chan struct{}
}

// NewSimulated creates a simulated camera in ModeIdle.
func NewSimulated(cfg Config, log *slog.Logger) *Simulated {
	return &Simulated{
		cfg:  cfg,
		log:  log,
		slot: NewFrameSlot(),
		res:  cfg.Resolution(),
	}
}

var _ Device = (*Simulated)(nil)

// Configure switches mode. Any mode other than idle publishes placeholder
// frames at the configured framerate for preview consumers.
func (d *Simulated) Configure(ctx context.Context, mode Mode, res Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("device: configure: unknown mode %d", int32(mode))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.stopPumpLocked()
	if d.rec != nil && mode != ModeRecording {
		d.log.Warn("simulated camera: abandoning unfinished recording", "path", d.rec.Path)
		d.rec = nil
	}

	d.mode = mode
	d.res = res
	if mode != ModeIdle {
		d.startPumpLocked()
	}

	d.log.Debug("simulated camera configured", "mode", mode.String(), "width", res.Width, "height", res.Height)
	return nil
}

// CaptureStill returns the placeholder frame.
func (d *Simulated) CaptureStill(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Frame{}, ErrClosed
	}
	if err := checkMode("capture still", d.mode, ModeStillSampling); err != nil {
		return Frame{}, err
	}

	f := PlaceholderFrame()
	f.CapturedAt = time.Now()
	f.Seq = d.slot.Publish(f)
	return f, nil
}

// BeginRecording creates an empty placeholder file at path.
func (d *Simulated) BeginRecording(ctx context.Context, path string, durationHint time.Duration) (*Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if err := checkMode("begin recording", d.mode, ModeRecording); err != nil {
		return nil, err
	}
	if d.rec != nil {
		return nil, fmt.Errorf("device: recording %s already in progress", d.rec.ID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("device: create clip dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("device: create clip %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("device: create clip %s: %w", path, err)
	}

	d.rec = &Recording{
		ID:        uuid.NewString(),
		Path:      path,
		StartedAt: time.Now(),
		Hint:      durationHint,
	}
	d.log.Info("simulating clip recording", "path", path)
	return d.rec, nil
}

// StopRecording finalizes the placeholder recording as a zero-duration clip.
func (d *Simulated) StopRecording(_ context.Context, rec *Recording) (Clip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Clip{}, ErrClosed
	}
	if rec == nil || d.rec == nil || d.rec.ID != rec.ID {
		return Clip{}, fmt.Errorf("device: stop recording: unknown recording")
	}
	d.rec = nil

	return Clip{
		Filename:  filepath.Base(rec.Path),
		CreatedAt: rec.StartedAt,
	}, nil
}

// NextPreviewFrame blocks until a frame newer than after is published.
func (d *Simulated) NextPreviewFrame(ctx context.Context, after uint64) (Frame, error) {
	return d.slot.Next(ctx, after)
}

// Mode returns the configured mode.
func (d *Simulated) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Simulated always reports true.
func (d *Simulated) Simulated() bool { return true }

// Close stops the frame pump and wakes preview waiters.
func (d *Simulated) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.stopPumpLocked()
	d.slot.Close()
	d.mode = ModeIdle
	return nil
}

func (d *Simulated) startPumpLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.pumpStop = cancel
	d.pumpDone = done

	interval := time.Second / time.Duration(max(d.cfg.Framerate, 1))
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.slot.Publish(PlaceholderFrame())
			}
		}
	}()
}

func (d *Simulated) stopPumpLocked() {
	if d.pumpStop == nil {
		return
	}
	d.pumpStop()
	<-d.pumpDone
	d.pumpStop = nil
	d.pumpDone = nil
}
