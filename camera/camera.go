/*Package camera describes the interfaces the acquisition system uses to talk
to machine vision cameras.

The Driver type contains the operations the trigger machinery needs; optional
capabilities (HDR exposure sequencing, hardware resynchronization) are
expressed as narrower interfaces that drivers may or may not satisfy.  The
concrete SDK bindings live out of tree; package camera also provides a mock
driver for tests and bench use.
*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TriggerMode selects how a camera's exposure is initiated.
type TriggerMode int

const (
	// Software triggering: the acquisition process commands each exposure.
	Software TriggerMode = iota

	// Hardware triggering: an electrical pulse from the controller board
	// initiates the exposure.
	Hardware
)

func (t TriggerMode) String() string {
	if t == Hardware {
		return "Hardware"
	}
	return "Software"
}

// ParseTriggerMode converts a config string to a TriggerMode.  Anything
// that does not spell hardware is software.
func ParseTriggerMode(s string) TriggerMode {
	if s == "hardware" || s == "Hardware" || s == "HARDWARE" {
		return Hardware
	}
	return Software
}

// Rotation describes an orientation correction applied to frames.
type Rotation string

// rotations understood by Rotate
const (
	RotNone   Rotation = "none"
	RotCW90   Rotation = "cw90"
	RotCW180  Rotation = "cw180"
	RotCW270  Rotation = "cw270"
	RotFlipUD Rotation = "flipud"
	RotFlipLR Rotation = "fliplr"
)

// Binning holds horizontal and vertical binning factors.
type Binning struct {
	H int `yaml:"h"`
	V int `yaml:"v"`
}

// Settings is the register-level configuration applied to a camera before
// acquisition starts.
type Settings struct {
	// ExposureUs is the exposure time in microseconds
	ExposureUs int

	// Gain is the analog gain in dB
	Gain float64

	// Binning is the on-sensor binning
	Binning Binning

	// Rotation is the orientation correction to apply to frames
	Rotation Rotation

	// TriggerMode selects software or hardware triggering
	TriggerMode TriggerMode

	// TriggerPort is the 1-based controller trigger channel for
	// hardware triggered cameras
	TriggerPort int
}

// Frame is one image retrieved from a camera.
type Frame struct {
	Width      int
	Height     int
	ExposureUs int
	Gain       float64
	Timestamp  time.Time
	Pixels     []uint16
}

// Empty reports whether the frame carries no image data.  Drivers return an
// empty frame with a nil error when a capture times out; the acquisition
// layer records these as dropped.
func (f Frame) Empty() bool {
	return f.Width == 0 || len(f.Pixels) == 0
}

// Info identifies a physical camera.
type Info struct {
	// Name is the stable camera name, model + serial
	Name string

	// Serial is the device serial number
	Serial string

	// Model is the device model string
	Model string

	// DeviceID is the transport-level identifier
	DeviceID string
}

// ErrNoCameras is returned by a System when enumeration finds nothing.
var ErrNoCameras = errors.New("no cameras detected")

// Driver is the per-camera handle used by the trigger machinery.  Calls may
// block; the acquisition layer confines each Driver to a single goroutine.
type Driver interface {
	// Info returns identifying information for the camera
	Info() Info

	// Configure applies register settings.  It must be called before
	// Start and may not be called while acquiring.
	Configure(Settings) error

	// Start begins acquisition; the camera arms and waits for triggers
	Start() error

	// Stop ends acquisition
	Stop() error

	// SoftwareTrigger commands one exposure.  Only valid in Software
	// trigger mode.
	SoftwareTrigger() error

	// CaptureNext blocks until the next frame is available or the
	// timeout elapses.  A timeout returns an empty Frame and nil error;
	// other failures return a non-nil error.
	CaptureNext(ctx context.Context, timeout time.Duration) (Frame, error)

	// Close releases the device handle
	Close() error
}

// HDRSequencer is implemented by drivers whose hardware cycles through a
// bank of 4 exposure/gain register sets, one per trigger.
type HDRSequencer interface {
	// SetHDRBank programs the 4 sub-exposure register sets.  Slices must
	// have length 4.
	SetHDRBank(exposuresUs []int, gains []float64) error

	// EnableHDR turns the sequencer on or off
	EnableHDR(on bool) error
}

// HDRResyncer is implemented by drivers that can re-align the hardware's
// internal HDR sequence counter to sub-exposure zero.  The re-trigger
// heuristics involved are camera specific, so they live with the driver
// rather than the orchestrator.
type HDRResyncer interface {
	ResyncHDR(ctx context.Context) error
}

var systems = map[string]func() (System, error){}

// RegisterSystem makes a camera system available to NewSystem.  SDK
// bindings register themselves from init, the way database/sql drivers do.
func RegisterSystem(name string, open func() (System, error)) {
	systems[name] = open
}

// NewSystem opens the named camera system.
func NewSystem(name string) (System, error) {
	open, ok := systems[name]
	if !ok {
		return nil, fmt.Errorf("camera: unknown camera system %q", name)
	}
	return open()
}

// System enumerates attached cameras.
type System interface {
	// Discover returns a driver per attached camera, or ErrNoCameras
	Discover() ([]Driver, error)

	// Release tears down the underlying SDK instance.  Must be called
	// after every Driver has been Closed.
	Release() error
}
