package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

func init() {
	RegisterSystem("mock", func() (System, error) {
		return &MockSystem{Cameras: []*Mock{NewMock("001"), NewMock("002")}}, nil
	})
}

// Mock simulates a camera for tests and bench runs.  Software triggers queue
// a frame immediately; hardware triggered mocks expose Pulse so a fake
// controller can fire them.
type Mock struct {
	sync.Mutex
	info      Info
	settings  Settings
	acquiring bool
	hdrOn     bool
	hdrExp    []int
	hdrGain   []float64
	hdrIdx    int
	pending   chan Frame

	// FailNext forces the next CaptureNext to return an error
	FailNext bool

	// DropNext forces the next CaptureNext to return an empty frame
	DropNext bool

	// Latency is added before a queued frame is released
	Latency time.Duration
}

// NewMock returns a mock camera with the given serial number.
func NewMock(serial string) *Mock {
	return &Mock{
		info: Info{
			Name:     "MockMV_" + serial,
			Serial:   serial,
			Model:    "MockMV",
			DeviceID: "usb:" + serial,
		},
		pending: make(chan Frame, 8),
	}
}

// Info returns the mock's identity.
func (m *Mock) Info() Info {
	m.Lock()
	defer m.Unlock()
	return m.info
}

// Configure stores the settings.
func (m *Mock) Configure(s Settings) error {
	m.Lock()
	defer m.Unlock()
	if m.acquiring {
		return errors.New("mock: configure while acquiring")
	}
	m.settings = s
	return nil
}

// Applied returns the last settings passed to Configure.
func (m *Mock) Applied() Settings {
	m.Lock()
	defer m.Unlock()
	return m.settings
}

// Start arms the mock.
func (m *Mock) Start() error {
	m.Lock()
	defer m.Unlock()
	m.acquiring = true
	return nil
}

// Stop disarms the mock.
func (m *Mock) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.acquiring = false
	return nil
}

// SoftwareTrigger queues one simulated exposure.
func (m *Mock) SoftwareTrigger() error {
	m.Lock()
	defer m.Unlock()
	if !m.acquiring {
		return errors.New("mock: trigger while not acquiring")
	}
	if m.settings.TriggerMode != Software {
		return errors.New("mock: software trigger in hardware mode")
	}
	m.queueLocked()
	return nil
}

// Pulse simulates the controller's hardware trigger line.
func (m *Mock) Pulse() {
	m.Lock()
	defer m.Unlock()
	if m.acquiring {
		m.queueLocked()
	}
}

func (m *Mock) queueLocked() {
	exp := m.settings.ExposureUs
	gain := m.settings.Gain
	if m.hdrOn && len(m.hdrExp) == 4 {
		exp = m.hdrExp[m.hdrIdx]
		gain = m.hdrGain[m.hdrIdx]
		m.hdrIdx = (m.hdrIdx + 1) % 4
	}
	f := Frame{
		Width:      32,
		Height:     24,
		ExposureUs: exp,
		Gain:       gain,
		Timestamp:  time.Now(),
		Pixels:     make([]uint16, 32*24),
	}
	select {
	case m.pending <- f:
	default:
	}
}

// CaptureNext returns the next queued frame, an empty frame on timeout, or
// a forced failure.
func (m *Mock) CaptureNext(ctx context.Context, timeout time.Duration) (Frame, error) {
	m.Lock()
	if m.FailNext {
		m.FailNext = false
		m.Unlock()
		return Frame{}, errors.New("mock: capture failed")
	}
	if m.DropNext {
		m.DropNext = false
		m.Unlock()
		return Frame{}, nil
	}
	latency := m.Latency
	m.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}

	select {
	case f := <-m.pending:
		return f, nil
	case <-time.After(timeout):
		return Frame{}, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close is a no-op for the mock.
func (m *Mock) Close() error { return nil }

// SetHDRBank satisfies HDRSequencer.
func (m *Mock) SetHDRBank(exposuresUs []int, gains []float64) error {
	if len(exposuresUs) != 4 || len(gains) != 4 {
		return fmt.Errorf("mock: HDR bank wants 4 entries, got %d/%d", len(exposuresUs), len(gains))
	}
	m.Lock()
	defer m.Unlock()
	m.hdrExp = append([]int{}, exposuresUs...)
	m.hdrGain = append([]float64{}, gains...)
	return nil
}

// EnableHDR satisfies HDRSequencer.
func (m *Mock) EnableHDR(on bool) error {
	m.Lock()
	defer m.Unlock()
	m.hdrOn = on
	m.hdrIdx = 0
	return nil
}

// ResyncHDR satisfies HDRResyncer; the mock just rewinds its index.
func (m *Mock) ResyncHDR(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.hdrIdx = 0
	return nil
}

// MockSystem is a System over a fixed set of mocks.
type MockSystem struct {
	Cameras []*Mock
}

// Discover returns the configured mocks, or ErrNoCameras if there are none.
func (ms *MockSystem) Discover() ([]Driver, error) {
	if len(ms.Cameras) == 0 {
		return nil, ErrNoCameras
	}
	out := make([]Driver, len(ms.Cameras))
	for i, c := range ms.Cameras {
		out[i] = c
	}
	return out, nil
}

// Release is a no-op for the mock system.
func (ms *MockSystem) Release() error { return nil }
