// Package lockd provides a public facade re-exporting core types
// for external consumers of this module.
package lockd

import (
	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/state"
	"github.com/trymwestin/lockd/internal/core/transport"
)

// Re-export core types for external use.
type (
	// LockState is the current lock position.
	LockState = state.LockState
	// ActivityEntry is one line of the activity log.
	ActivityEntry = state.ActivityEntry
	// Event represents a lock or motion event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// LockChanged is the payload of a lock_state event.
	LockChanged = state.LockChanged
	// MotionDetected is the payload of a motion_detected event.
	MotionDetected = state.MotionDetected
	// CameraMode is the capture device mode.
	CameraMode = device.Mode
	// Clip describes a recorded motion clip.
	Clip = device.Clip
)

// Event type constants.
const (
	EventLockChanged    = state.EventLockChanged
	EventMotionDetected = state.EventMotionDetected
)

// Camera mode constants.
const (
	ModeIdle          = device.ModeIdle
	ModePreview       = device.ModePreview
	ModeStillSampling = device.ModeStillSampling
	ModeRecording     = device.ModeRecording
)

// WebSocketSubprotocol selects protobuf frames on /ws/lock.
const WebSocketSubprotocol = transport.Subprotocol
