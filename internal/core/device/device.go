// Package device wraps the single camera attached to the board. It exposes
// mode switches and frame/clip primitives, and falls back permanently to a
// simulated camera when the hardware cannot be opened.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Mode is the camera operating mode.
type Mode int32

const (
	ModeIdle Mode = iota
	ModePreview
	ModeStillSampling
	ModeRecording
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePreview:
		return "preview-streaming"
	case ModeStillSampling:
		return "still-sampling"
	case ModeRecording:
		return "recording"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m >= ModeIdle && m <= ModeRecording
}

// Encoding tags the byte layout of a Frame.
type Encoding string

const (
	EncodingRaw  Encoding = "raw"  // packed BGR24
	EncodingGray Encoding = "gray" // 8-bit single channel
	EncodingJPEG Encoding = "jpeg"
)

// Frame is an immutable captured image. Callers must not modify Data.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Encoding   Encoding
	Seq        uint64
	CapturedAt time.Time
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Clip is a finalized recorded video segment.
type Clip struct {
	Filename  string        `json:"filename"`
	CreatedAt time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"-"`
}

// Recording is the handle of an in-progress recording session.
type Recording struct {
	ID        string
	Path      string
	StartedAt time.Time
	Hint      time.Duration
}

var (
	// ErrUnavailable means the camera hardware is absent or failed to initialize.
	ErrUnavailable = errors.New("device: camera unavailable")
	// ErrWrongMode means the call is not permitted in the current mode.
	ErrWrongMode = errors.New("device: operation not permitted in current mode")
	// ErrClosed means the device has been released.
	ErrClosed = errors.New("device: closed")
)

// Device is the capture device contract shared by the hardware and
// simulation variants.
type Device interface {
	// Configure switches the device into mode at the given resolution.
	Configure(ctx context.Context, mode Mode, res Resolution) error
	// CaptureStill returns one fresh frame. Requires ModeStillSampling.
	CaptureStill(ctx context.Context) (Frame, error)
	// BeginRecording starts writing a clip to path. Requires ModeRecording.
	BeginRecording(ctx context.Context, path string, durationHint time.Duration) (*Recording, error)
	// StopRecording finalizes rec and returns the resulting clip.
	StopRecording(ctx context.Context, rec *Recording) (Clip, error)
	// NextPreviewFrame blocks until a frame newer than after is published.
	NextPreviewFrame(ctx context.Context, after uint64) (Frame, error)
	// Mode returns the mode the device is currently configured for.
	Mode() Mode
	// Simulated reports whether this is the simulation variant.
	Simulated() bool
	// Close releases the device.
	Close() error
}

// Config holds capture device settings.
type Config struct {
	DeviceID  int
	Width     int
	Height    int
	Framerate int
	Simulate  bool
}

// Resolution returns the configured frame size.
func (c Config) Resolution() Resolution {
	return Resolution{Width: c.Width, Height: c.Height}
}

// Opener opens the hardware variant of the device.
type Opener func(cfg Config, log *slog.Logger) (Device, error)

// Open returns the OpenCV-backed camera, or the simulated camera when the
// hardware is unavailable or simulation is forced.
func Open(cfg Config, log *slog.Logger) Device {
	return OpenWith(cfg, OpenCV, log)
}

// OpenWith is Open with an explicit hardware opener. A failed open downgrades
// the returned device to simulation for its whole lifetime; hardware access
// is never retried.
func OpenWith(cfg Config, open Opener, log *slog.Logger) Device {
	if cfg.Simulate {
		log.Info("camera simulation forced by config")
		return NewSimulated(cfg, log)
	}

	dev, err := open(cfg, log)
	if err != nil {
		log.Warn("camera hardware unavailable, running in simulation mode", "device_id", cfg.DeviceID, "error", err)
		return NewSimulated(cfg, log)
	}

	log.Info("camera initialized", "device_id", cfg.DeviceID, "width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate)
	return dev
}

func checkMode(op string, have, want Mode) error {
	if have != want {
		return fmt.Errorf("%w: %s requires %s, device is %s", ErrWrongMode, op, want, have)
	}
	return nil
}
