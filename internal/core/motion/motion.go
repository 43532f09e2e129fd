// Package motion decides whether consecutive camera stills show movement.
//
// The OpenCV estimator diffs each frame against the previous one (not a
// background model), so it is cheap but can miss slow motion. The random
// estimator stands in when the camera is simulated.
package motion

import (
	"fmt"
	"image"
	"math/rand/v2"
	"sync"

	"github.com/trymwestin/lockd/internal/core/device"
	"gocv.io/x/gocv"
)

const (
	blurKernel       = 21
	dilateIterations = 2
)

// Estimator produces a motion verdict for each sampled frame.
type Estimator interface {
	// Sample compares frame with the previous sample and reports motion.
	Sample(frame device.Frame) (bool, error)
	// Reset drops the reference frame; the next Sample returns false.
	Reset()
}

// Config holds estimator settings.
type Config struct {
	Threshold      int
	MinArea        float64
	SimProbability float64
}

// DefaultConfig returns the stock estimator settings.
func DefaultConfig() Config {
	return Config{Threshold: 25, MinArea: 500, SimProbability: 0.01}
}

// New returns the random estimator for simulated cameras and the OpenCV
// estimator otherwise.
func New(cfg Config, simulated bool) Estimator {
	if simulated {
		return NewRandom(cfg.SimProbability, nil)
	}
	return NewCV(cfg)
}

// --- CVEstimator ---

// CVEstimator implements frame-to-frame differencing with OpenCV.
type CVEstimator struct {
	threshold float32
	minArea   float64

	mu     sync.Mutex
	ref    gocv.Mat
	hasRef bool
	kernel gocv.Mat
}

var _ Estimator = (*CVEstimator)(nil)

// NewCV creates an OpenCV estimator. Call Close to release native memory.
func NewCV(cfg Config) *CVEstimator {
	return &CVEstimator{
		threshold: float32(cfg.Threshold),
		minArea:   cfg.MinArea,
		ref:       gocv.NewMat(),
		kernel:    gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
	}
}

// Sample converts frame to blurred grayscale, diffs it against the previous
// sample and reports whether any external contour exceeds the minimum area.
// The reference is replaced on every call regardless of the verdict.
func (e *CVEstimator) Sample(frame device.Frame) (bool, error) {
	gray, err := toGray(frame)
	if err != nil {
		return false, err
	}
	gocv.GaussianBlur(gray, &gray, image.Pt(blurKernel, blurKernel), 0, 0, gocv.BorderDefault)

	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		e.ref.Close()
		e.ref = gray
		e.hasRef = true
	}()

	if !e.hasRef || e.ref.Rows() != gray.Rows() || e.ref.Cols() != gray.Cols() {
		return false, nil
	}

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(e.ref, gray, &delta)
	gocv.Threshold(delta, &delta, e.threshold, 255, gocv.ThresholdBinary)
	for i := 0; i < dilateIterations; i++ {
		gocv.Dilate(delta, &delta, e.kernel)
	}

	contours := gocv.FindContours(delta, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) > e.minArea {
			return true, nil
		}
	}
	return false, nil
}

// Reset drops the reference frame.
func (e *CVEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ref.Close()
	e.ref = gocv.NewMat()
	e.hasRef = false
}

// Close releases the native buffers.
func (e *CVEstimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ref.Close()
	return e.kernel.Close()
}

// toGray decodes frame into a single-channel Mat owned by the caller.
func toGray(frame device.Frame) (gocv.Mat, error) {
	switch frame.Encoding {
	case device.EncodingJPEG:
		m, err := gocv.IMDecode(frame.Data, gocv.IMReadGrayScale)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("motion: decode jpeg: %w", err)
		}
		if m.Empty() {
			m.Close()
			return gocv.Mat{}, fmt.Errorf("motion: decode jpeg: empty image")
		}
		return m, nil

	case device.EncodingGray:
		if len(frame.Data) != frame.Width*frame.Height {
			return gocv.Mat{}, fmt.Errorf("motion: gray frame %dx%d has %d bytes", frame.Width, frame.Height, len(frame.Data))
		}
		m, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC1, frame.Data)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("motion: wrap gray frame: %w", err)
		}
		// NewMatFromBytes shares the frame's buffer; frames are immutable so
		// keep a private copy before blurring in place.
		defer m.Close()
		return m.Clone(), nil

	case device.EncodingRaw:
		if len(frame.Data) != frame.Width*frame.Height*3 {
			return gocv.Mat{}, fmt.Errorf("motion: raw frame %dx%d has %d bytes", frame.Width, frame.Height, len(frame.Data))
		}
		bgr, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("motion: wrap raw frame: %w", err)
		}
		defer bgr.Close()
		gray := gocv.NewMat()
		gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
		return gray, nil

	default:
		return gocv.Mat{}, fmt.Errorf("motion: unsupported frame encoding %q", frame.Encoding)
	}
}

// --- RandomEstimator ---

// RandomEstimator reports motion with a fixed probability per call.
type RandomEstimator struct {
	p float64

	mu     sync.Mutex
	rng    *rand.Rand
	primed bool
}

var _ Estimator = (*RandomEstimator)(nil)

// NewRandom creates a random estimator. A nil rng uses a randomly seeded source.
func NewRandom(p float64, rng *rand.Rand) *RandomEstimator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomEstimator{p: p, rng: rng}
}

// Sample ignores frame. Like the OpenCV estimator, the first call after
// construction or Reset has nothing to compare against and returns false.
func (e *RandomEstimator) Sample(_ device.Frame) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		e.primed = true
		return false, nil
	}
	return e.rng.Float64() < e.p, nil
}

// Reset makes the next Sample return false.
func (e *RandomEstimator) Reset() {
	e.mu.Lock()
	e.primed = false
	e.mu.Unlock()
}
