// Package lock drives the door lock servo.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Servo duty cycles at 50 Hz: 0 degrees is locked, 90 degrees unlocked.
const (
	servoFrequency = 50 * physic.Hertz
	lockedDuty     = gpio.DutyMax * 25 / 1000
	unlockedDuty   = gpio.DutyMax * 75 / 1000
)

// ErrClosed is returned by motors used after Close.
var ErrClosed = errors.New("lock: motor closed")

// Motor moves the lock bolt.
type Motor interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Simulated() bool
	Close() error
}

// Config holds motor settings.
type Config struct {
	Pin           string
	PulseDuration time.Duration
	Simulate      bool
}

// OpenMotor returns the servo on cfg.Pin driven to the locked position, or a
// simulated motor if GPIO cannot be initialized or simulation is forced.
func OpenMotor(cfg Config, log *slog.Logger) Motor {
	if cfg.Simulate {
		log.Info("motor simulation forced by config")
		return NewSimMotor(cfg.PulseDuration)
	}

	m, err := NewServo(cfg, log)
	if err != nil {
		log.Warn("GPIO unavailable, motor running in simulation mode", "pin", cfg.Pin, "error", err)
		return NewSimMotor(cfg.PulseDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.PulseDuration+time.Second)
	defer cancel()
	if err := m.Lock(ctx); err != nil {
		log.Warn("failed to move servo to locked position", "error", err)
	}
	log.Info("motor initialized", "pin", cfg.Pin)
	return m
}

// --- ServoMotor ---

// ServoMotor drives a hobby servo with hardware PWM through periph.io.
type ServoMotor struct {
	pin   gpio.PinIO
	pulse time.Duration
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Motor = (*ServoMotor)(nil)

// NewServo initializes the host drivers and looks up cfg.Pin.
func NewServo(cfg Config, log *slog.Logger) (*ServoMotor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("lock: host init: %w", err)
	}
	pin := gpioreg.ByName(cfg.Pin)
	if pin == nil {
		return nil, fmt.Errorf("lock: no such pin %q", cfg.Pin)
	}
	return &ServoMotor{pin: pin, pulse: cfg.PulseDuration, log: log}, nil
}

func (m *ServoMotor) Lock(ctx context.Context) error {
	return m.move(ctx, lockedDuty)
}

func (m *ServoMotor) Unlock(ctx context.Context) error {
	return m.move(ctx, unlockedDuty)
}

func (m *ServoMotor) Simulated() bool { return false }

// move holds duty for the pulse duration, then drops the signal so the
// servo does not jitter against the bolt.
func (m *ServoMotor) move(ctx context.Context, duty gpio.Duty) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := m.pin.PWM(duty, servoFrequency); err != nil {
		return fmt.Errorf("lock: pwm %s: %w", m.pin.Name(), err)
	}
	m.log.Debug("servo pulse", "pin", m.pin.Name(), "duty", duty.String())

	werr := sleepCtx(ctx, m.pulse)
	if err := m.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("lock: stop pwm %s: %w", m.pin.Name(), err)
	}
	return werr
}

// Close stops the PWM signal and releases the pin.
func (m *ServoMotor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.pin.Halt(); err != nil {
		return fmt.Errorf("lock: halt %s: %w", m.pin.Name(), err)
	}
	return nil
}

// --- SimMotor ---

// SimMotor pretends to move the bolt by waiting out the pulse duration.
type SimMotor struct {
	pulse time.Duration

	mu     sync.Mutex
	locked bool
	moves  int
	closed bool
}

var _ Motor = (*SimMotor)(nil)

// NewSimMotor creates a simulated motor in the locked position.
func NewSimMotor(pulse time.Duration) *SimMotor {
	return &SimMotor{pulse: pulse, locked: true}
}

func (m *SimMotor) Lock(ctx context.Context) error   { return m.move(ctx, true) }
func (m *SimMotor) Unlock(ctx context.Context) error { return m.move(ctx, false) }
func (m *SimMotor) Simulated() bool                  { return true }

func (m *SimMotor) move(ctx context.Context, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := sleepCtx(ctx, m.pulse); err != nil {
		return fmt.Errorf("lock: move: %w", err)
	}
	m.locked = locked
	m.moves++
	return nil
}

// Locked reports the simulated bolt position.
func (m *SimMotor) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Moves returns how many moves completed.
func (m *SimMotor) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

func (m *SimMotor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
