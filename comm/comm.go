/*Package comm provides the connection plumbing shared by every instrument
transport: connection makers, terminated message framing, deadlines and a
pool that leases connections to one caller at a time.

Most usages of this package boil down to:
	1.  pick a CreationFunc (BackingOffTCPConnMaker, SerialConnMaker, or a
		closure around a USB device)
	2.  wrap it in a Pool; a pool of size one is a single instrument session
	3.  Get a connection, wrap it in a Terminator, exchange a message,
		and hand it back with ReturnWithError

A minimal example for a sensor that responds to "RD?" with a number:

	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker("192.168.1.10:5025", time.Second))
	conn, err := pool.Get()
	if err != nil {
		return 0, err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	term := comm.NewTerminator(conn, '\n', '\n')
	if _, err = term.Write([]byte("RD?")); err != nil {
		return 0, err
	}
	resp, err := term.ReadLine()
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Deadliner is a connection which supports I/O deadlines, e.g. net.Conn
type Deadliner interface {
	SetDeadline(time.Time) error
}

// SetTimeout sets a deadline of now+timeout on rw if it supports deadlines.
// It is a no-op for connections which do not, and for timeout <= 0
func SetTimeout(rw io.ReadWriter, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if d, ok := rw.(Deadliner); ok {
		return d.SetDeadline(time.Now().Add(timeout))
	}
	return nil
}

// IsTimeout returns true if err, or anything it wraps, is a timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// Terminator frames messages with termination bytes.  Writes have Tx appended,
// ReadLine reads up to and strips Rx.
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	tx byte
	rx byte
}

// NewTerminator wraps rw with the given transmit and receive terminators
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends p followed by the Tx terminator in a single write
func (t *Terminator) Write(p []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads buffered bytes from the underlying connection without regard
// for the terminator
func (t *Terminator) Read(p []byte) (int, error) {
	return t.br.Read(p)
}

// Reader returns the buffered reader, for callers which must decode
// a binary payload that may contain the Rx byte
func (t *Terminator) Reader() *bufio.Reader {
	return t.br
}

// ReadLine reads one response and strips the Rx terminator and any
// trailing carriage return
func (t *Terminator) ReadLine() ([]byte, error) {
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	buf = buf[:len(buf)-1]
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	return buf, nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  A refused connection stops the backoff immediately,
// there is nothing listening and retrying will not help.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		// scopes do not like being connection thrashed
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, errors.Wrapf(err, "opening serial port %s", conf.Name)
		}
		return port, nil
	}
}
