/*Package controller speaks the serial protocol of the underwater power and
trigger controller board.

The board owns the strobe drivers and the hardware camera trigger lines, and
it decides when the PC should run at all: it reports a system state on
request, and shutdown-class states tell the acquisition PC to finish up and
power off.  Datagrams are newline terminated comma separated ASCII, with an
optional NMEA style *XXXX CRC-16 suffix.

Device reads datagrams on its own goroutine and delivers decoded events on a
channel; all writes go through the calling goroutine.  On the first state
report after startup the device completes the handshake by sending the PC
ready signal and syncing the board's RTC to the PC clock.
*/
package controller

import (
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/afsc-mace/trawlcam/comm"
)

// Device is a handle to the controller board.
type Device struct {
	conn   comm.LineConn
	events chan Event
	done   chan struct{}

	// Now is the clock used for the RTC sync and event stamps; tests
	// replace it.
	Now func() time.Time

	shookHands bool
	malformed  *rate.Limiter
}

// New wraps an opened line connection.
func New(conn comm.LineConn) *Device {
	return &Device{
		conn:   conn,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		Now:    time.Now,
		// a wedged UART can spew garbage at line rate; keep the log
		// readable
		malformed: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// Dial opens the serial port and returns a running Device.
func Dial(port string, baud int) (*Device, error) {
	conn := comm.NewSerial(port, baud)
	if err := conn.Open(); err != nil {
		return nil, err
	}
	d := New(conn)
	d.Start()
	return d, nil
}

// Events returns the decoded datagram stream.  The channel closes when the
// read loop exits.
func (d *Device) Events() <-chan Event {
	return d.events
}

// Start launches the read loop and asks for the board's state.
func (d *Device) Start() {
	go d.readLoop()
	if err := d.RequestState(); err != nil {
		log.Printf("controller: state request failed: %v", err)
	}
}

func (d *Device) readLoop() {
	defer close(d.events)
	for {
		line, err := d.conn.Recv()
		if err != nil {
			select {
			case <-d.done:
				// closed on purpose
			default:
				log.Printf("controller: read loop exiting: %v", err)
			}
			return
		}
		ev, err := decode(line, d.Now())
		if err != nil {
			if d.malformed.Allow() {
				log.Printf("controller: dropping datagram: %v", err)
			}
			continue
		}
		if _, ok := ev.(StateReport); ok && !d.shookHands {
			d.shookHands = true
			d.handshake()
		}
		select {
		case d.events <- ev:
		case <-d.done:
			return
		}
	}
}

// handshake acknowledges the first state report: tell the board the PC is
// up, and push the PC clock into the board's RTC so image timestamps and
// board logs agree.
func (d *Device) handshake() {
	if err := d.SendReady(); err != nil {
		log.Printf("controller: ready signal failed: %v", err)
	}
	if err := d.SetRTC(d.Now()); err != nil {
		log.Printf("controller: RTC sync failed: %v", err)
	}
}

// Close stops the read loop and closes the port.
func (d *Device) Close() error {
	close(d.done)
	return d.conn.Close()
}

func (d *Device) send(msg string) error {
	return d.conn.Send(appendChecksum(msg))
}

// RequestState asks the board for its system state.
func (d *Device) RequestState() error {
	return d.send(encodeGetState())
}

// SendReady tells the board the PC is up and acquiring.
func (d *Device) SendReady() error {
	return d.send(encodeSetPCState(pcStateReady))
}

// SendShutdownAck acknowledges a shutdown-class state; the board cuts PC
// power a grace period after receiving it.
func (d *Device) SendShutdownAck() error {
	return d.send(encodeSetPCState(pcStateAck))
}

// SendShutdown asks the board to power the system down, used when the PC
// side decides to quit (trigger limit, low disk).
func (d *Device) SendShutdown() error {
	return d.send(encodeSetPCState(pcStateDown))
}

// Trigger fires one synchronized exposure: the strobe channels are driven
// for the given durations after the pre-fire lead, and the camera trigger
// lines named true are pulsed.
func (d *Device) Trigger(preFireUs, strobe1Us, strobe2Us int, ch1, ch2 bool) error {
	return d.send(encodeTrigger(preFireUs, strobe1Us, strobe2Us, ch1, ch2))
}

// Request sends a bare query datagram such as "getRTC" or "getStrobeMode";
// the board answers with a parameter report.
func (d *Device) Request(header string) error {
	return d.send(header)
}

// SetRTC sets the board's real-time clock.
func (d *Device) SetRTC(t time.Time) error {
	return d.send(encodeSetRTC(t))
}

// SetStrobeMode selects the board's strobe mode.
func (d *Device) SetStrobeMode(mode int) error {
	return d.send(encodeSetStrobeMode(mode))
}

// SetThrusters commands the two thruster ESCs.  Values are standard servo
// microseconds, 1100-1900 with 1500 neutral; the board clamps out-of-range
// values and stops the thrusters if it hears nothing for 2 seconds.
func (d *Device) SetThrusters(one, two int) error {
	return d.send(encodeSetThrusters(one, two))
}

// SetP2DParameters programs the pressure-to-depth conversion and the
// turn-on/turn-off depths for autonomous operation.
func (d *Device) SetP2DParameters(enabled int, slope, intercept float64, turnOnDepth, turnOffDepth int) error {
	return d.send(encodeSetP2DParms(enabled, slope, intercept, turnOnDepth, turnOffDepth))
}
