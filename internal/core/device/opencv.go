package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

const (
	clipCodec    = "mp4v"
	stillTimeout = 5 * time.Second
	readRetry    = 10 * time.Millisecond
)

// OpenCVDevice drives a V4L2/CSI camera through OpenCV.
//
// In preview and still-sampling modes a reader loop publishes every frame
// into the slot; CaptureStill waits for the next one. In recording mode a
// writer loop feeds the VideoWriter and keeps publishing for preview. Only
// one loop touches the capture handle at a time.
type OpenCVDevice struct {
	cfg  Config
	log  *slog.Logger
	cap  *gocv.VideoCapture
	slot *FrameSlot

	mu       sync.Mutex
	mode     Mode
	res      Resolution
	closed   bool
	loopStop context.CancelFunc
	loopDone chan error

	rec    *Recording
	writer *gocv.VideoWriter
}

var _ Device = (*OpenCVDevice)(nil)

// OpenCV opens the camera at cfg.DeviceID and performs a warm-up read.
// Every failure wraps ErrUnavailable.
func OpenCV(cfg Config, log *slog.Logger) (Device, error) {
	vc, err := gocv.VideoCaptureDevice(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: open camera %d: %v", ErrUnavailable, cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: camera %d did not open", ErrUnavailable, cfg.DeviceID)
	}

	res := cfg.Resolution()
	applyResolution(vc, res, cfg.Framerate)

	warm := gocv.NewMat()
	defer warm.Close()
	if ok := vc.Read(&warm); !ok || warm.Empty() {
		vc.Close()
		return nil, fmt.Errorf("%w: camera %d returned no frames", ErrUnavailable, cfg.DeviceID)
	}

	return &OpenCVDevice{
		cfg:  cfg,
		log:  log,
		cap:  vc,
		slot: NewFrameSlot(),
		res:  res,
	}, nil
}

// Configure switches mode, stopping whichever loop currently owns the
// capture handle first.
func (d *OpenCVDevice) Configure(ctx context.Context, mode Mode, res Resolution) error {
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

	if err := d.stopLoopLocked(); err != nil {
		d.log.Warn("camera loop ended with error", "mode", d.mode.String(), "error", err)
	}
	if d.rec != nil && mode != ModeRecording {
		d.log.Warn("camera: closing unfinished recording", "path", d.rec.Path)
		d.closeWriterLocked()
		d.rec = nil
	}

	if res != d.res {
		applyResolution(d.cap, res, d.cfg.Framerate)
		d.res = res
	}
	d.mode = mode

	if mode == ModePreview || mode == ModeStillSampling {
		d.startLoopLocked(d.publishMat)
	}

	d.log.Debug("camera configured", "mode", mode.String(), "width", res.Width, "height", res.Height)
	return nil
}

// CaptureStill waits for the next frame the reader loop publishes.
func (d *OpenCVDevice) CaptureStill(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if err := checkMode("capture still", d.mode, ModeStillSampling); err != nil {
		d.mu.Unlock()
		return Frame{}, err
	}
	after := d.slot.Seq()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, stillTimeout)
	defer cancel()

	f, err := d.slot.Next(ctx, after)
	if err != nil {
		return Frame{}, fmt.Errorf("device: capture still: %w", err)
	}
	return f, nil
}

// BeginRecording opens a VideoWriter at path and starts the writer loop.
func (d *OpenCVDevice) BeginRecording(ctx context.Context, path string, durationHint time.Duration) (*Recording, error) {
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
	writer, err := gocv.VideoWriterFile(path, clipCodec, float64(d.cfg.Framerate), d.res.Width, d.res.Height, true)
	if err != nil {
		return nil, fmt.Errorf("device: open writer %s: %w", path, err)
	}

	d.writer = writer
	d.rec = &Recording{
		ID:        uuid.NewString(),
		Path:      path,
		StartedAt: time.Now(),
		Hint:      durationHint,
	}

	size := image.Pt(d.res.Width, d.res.Height)
	d.startLoopLocked(func(img gocv.Mat) error {
		if img.Cols() != size.X || img.Rows() != size.Y {
			resized := gocv.NewMat()
			defer resized.Close()
			gocv.Resize(img, &resized, size, 0, 0, gocv.InterpolationLinear)
			if err := writer.Write(resized); err != nil {
				return err
			}
		} else if err := writer.Write(img); err != nil {
			return err
		}
		return d.publishMat(img)
	})

	d.log.Info("recording clip", "path", path, "duration_hint", durationHint)
	return d.rec, nil
}

// StopRecording stops the writer loop and finalizes the file.
func (d *OpenCVDevice) StopRecording(_ context.Context, rec *Recording) (Clip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Clip{}, ErrClosed
	}
	if rec == nil || d.rec == nil || d.rec.ID != rec.ID {
		return Clip{}, fmt.Errorf("device: stop recording: unknown recording")
	}

	loopErr := d.stopLoopLocked()
	d.closeWriterLocked()
	d.rec = nil

	clip := Clip{
		Filename:  filepath.Base(rec.Path),
		CreatedAt: rec.StartedAt,
		Duration:  time.Since(rec.StartedAt),
	}
	if loopErr != nil {
		return clip, fmt.Errorf("device: recording %s: %w", clip.Filename, loopErr)
	}

	d.log.Info("clip recorded", "file", clip.Filename, "duration", clip.Duration)
	return clip, nil
}

// NextPreviewFrame blocks until a frame newer than after is published.
func (d *OpenCVDevice) NextPreviewFrame(ctx context.Context, after uint64) (Frame, error) {
	return d.slot.Next(ctx, after)
}

// Mode returns the configured mode.
func (d *OpenCVDevice) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Simulated always reports false.
func (d *OpenCVDevice) Simulated() bool { return false }

// Close stops any loop, finalizes an unfinished recording and releases the camera.
func (d *OpenCVDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.stopLoopLocked(); err != nil {
		d.log.Warn("camera loop ended with error", "error", err)
	}
	d.closeWriterLocked()
	d.rec = nil
	d.slot.Close()
	d.mode = ModeIdle

	d.log.Info("cleaning up camera")
	if err := d.cap.Close(); err != nil {
		return fmt.Errorf("device: close: %w", err)
	}
	return nil
}

// startLoopLocked reads frames until stopped and hands each to fn.
func (d *OpenCVDevice) startLoopLocked(fn func(img gocv.Mat) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	d.loopStop = cancel
	d.loopDone = done

	go func() {
		img := gocv.NewMat()
		defer img.Close()

		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			default:
			}

			if ok := d.cap.Read(&img); !ok || img.Empty() {
				time.Sleep(readRetry)
				continue
			}
			if err := fn(img); err != nil {
				done <- err
				return
			}
		}
	}()
}

func (d *OpenCVDevice) stopLoopLocked() error {
	if d.loopStop == nil {
		return nil
	}
	d.loopStop()
	err := <-d.loopDone
	d.loopStop = nil
	d.loopDone = nil
	return err
}

func (d *OpenCVDevice) closeWriterLocked() {
	if d.writer == nil {
		return
	}
	if err := d.writer.Close(); err != nil {
		d.log.Warn("camera: close writer", "error", err)
	}
	d.writer = nil
}

// publishMat JPEG-encodes img into the preview slot.
func (d *OpenCVDevice) publishMat(img gocv.Mat) error {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := bytes.Clone(buf.GetBytes())
	if len(data) == 0 {
		return errors.New("encode frame: empty buffer")
	}
	d.slot.Publish(Frame{
		Data:     data,
		Width:    img.Cols(),
		Height:   img.Rows(),
		Encoding: EncodingJPEG,
	})
	return nil
}

func applyResolution(vc *gocv.VideoCapture, res Resolution, fps int) {
	vc.Set(gocv.VideoCaptureFrameWidth, float64(res.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(res.Height))
	if fps > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}
