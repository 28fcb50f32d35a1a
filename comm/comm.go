/*Package comm provides the transport used to talk to mounts and other
serial or networked hardware.

Connections come from a CreationFunc and are held in a Pool, which hands
them out one at a time and closes them after a period of disuse.  Most
devices frame their messages with a single terminating byte; wrap a
connection with NewTerminator to handle that.

	maker := comm.SerialConnMaker(&serial.Config{Name: "/dev/ttyUSB0", Baud: 9600})
	pool := comm.NewPool(1, time.Minute, maker)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	_, err = io.WriteString(comm.NewTerminator(conn, '#', '#'), ":Mgn0500")
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
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying
// with an exponential backoff for up to three seconds.  Refused connections
// are not retried, nobody is listening.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn    net.Conn
			refused error
		)
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					refused = err
					return nil
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if refused != nil {
			return nil, refused
		}
		if err != nil {
			return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// Terminator frames writes with a transmit terminator and reads up to a
// receive terminator, which is stripped
type Terminator struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	rx, tx byte
}

// NewTerminator wraps rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends p followed by the transmit terminator.  The terminator is not
// counted in n.
func (t *Terminator) Write(p []byte) (n int, err error) {
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, t.tx)
	n, err = t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads one message into p, without its terminator
func (t *Terminator) Read(p []byte) (n int, err error) {
	msg, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(msg) > 0 {
			return copy(p, msg), ErrTerminatorNotFound
		}
		return 0, err
	}
	return copy(p, msg[:len(msg)-1]), nil
}
