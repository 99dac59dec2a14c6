/*Package comm provides the line-oriented transport used to talk to the
power/depth controller board.

The controller speaks newline-terminated ASCII datagrams over RS232 (or a
TCP serial server when the board is bridged onto the network for bench
work).  LineDevice wraps either transport behind the same Send/Recv surface
and retries the initial open with an exponential backoff, since the board's
UART is not always ready the instant the PC boots.
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when the connection is nil and Send or
	// Recv is called.
	ErrNotConnected = errors.New("comm: not connected to remote")
)

// Sender has a Send method that writes one datagram.
type Sender interface {
	Send(string) error
}

// Recver has a Recv method that blocks for the next datagram.
type Recver interface {
	Recv() (string, error)
}

// LineConn can open, exchange datagrams, and close.
type LineConn interface {
	io.Closer
	Open() error
	Sender
	Recver
}

// LineDevice is a LineConn over a serial port or TCP socket.
type LineDevice struct {
	// Addr is the device path (serial) or host:port (TCP)
	Addr string

	// IsSerial selects RS232 over TCP
	IsSerial bool

	// Baud is the serial line rate; ignored for TCP
	Baud int

	// ReadTimeout bounds a single Recv on serial links; zero blocks forever
	ReadTimeout time.Duration

	conn io.ReadWriteCloser
	rdr  *bufio.Reader
}

// NewSerial returns a LineDevice over an RS232 port.
func NewSerial(port string, baud int) *LineDevice {
	return &LineDevice{Addr: port, IsSerial: true, Baud: baud}
}

// NewTCP returns a LineDevice over a TCP socket.
func NewTCP(addr string) *LineDevice {
	return &LineDevice{Addr: addr}
}

// Open establishes the connection, retrying with an exponential backoff.
// The controller board can take a few seconds to come up after power-on, so
// transient failures are swallowed until the elapsed budget runs out.
func (ld *LineDevice) Open() error {
	op := func() error {
		err := ld.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			// a missing device node or an active refusal will not fix
			// itself inside the retry budget
			if strings.Contains(errS, "refused") || strings.Contains(errS, "no such") {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("comm: opening %s: %w", ld.Addr, err)
	}
	return nil
}

func (ld *LineDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if ld.IsSerial {
		conn, err = serial.OpenPort(&serial.Config{
			Name:        ld.Addr,
			Baud:        ld.Baud,
			ReadTimeout: ld.ReadTimeout})
	} else {
		conn, err = TCPSetup(ld.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	ld.conn = conn
	ld.rdr = bufio.NewReader(conn)
	return nil
}

// Close closes the connection.
func (ld *LineDevice) Close() error {
	if ld.conn == nil {
		return nil
	}
	err := ld.conn.Close()
	if err == nil {
		ld.conn = nil
		ld.rdr = nil
	}
	return err
}

// Send writes one datagram, appending the newline terminator.
func (ld *LineDevice) Send(msg string) error {
	if ld.conn == nil {
		return ErrNotConnected
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, err := io.WriteString(ld.conn, msg)
	return err
}

// Recv blocks until the next datagram and returns it with the terminator
// and any trailing carriage return stripped.
func (ld *LineDevice) Recv() (string, error) {
	if ld.conn == nil {
		return "", ErrNotConnected
	}
	line, err := ld.rdr.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
