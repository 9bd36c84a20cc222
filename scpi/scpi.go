// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/comm"
)

// DefaultTimeout is used when SCPI.Timeout is zero
const DefaultTimeout = 5 * time.Second

// MaxBlockLength bounds the payload of a definite length block
const MaxBlockLength = 512 << 20

var (
	// ErrBadBlock is returned when an IEEE 488.2 block header cannot be parsed
	ErrBadBlock = errors.New("scpi: malformed definite length block")

	// ErrEmptyResponse is returned when a query is answered with nothing
	ErrEmptyResponse = errors.New("scpi: empty response")
)

// DeviceError is an entry from the instrument's error queue
type DeviceError struct {
	Code int
	Msg  string
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("%+d,%q", e.Code, e.Msg)
}

// ParseError parses an error queue entry such as -113,"Undefined header".
// A zero code returns nil
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	pieces := strings.SplitN(s, ",", 2)
	code, err := strconv.Atoi(pieces[0])
	if err != nil {
		return DeviceError{Code: -1, Msg: s}
	}
	if code == 0 {
		return nil
	}
	msg := ""
	if len(pieces) > 1 {
		msg = strings.Trim(pieces[1], "\"")
	}
	return DeviceError{Code: code, Msg: msg}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each exchange, DefaultTimeout if zero
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// exchange leases a connection, writes cmd, and calls read if it is not nil.
// Errors from the transport destroy the connection; errors reported by
// read are assumed to be I/O errors too.
func (s *SCPI) exchange(cmd string, read func(*comm.Terminator) error) (err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	if err = comm.SetTimeout(conn, s.timeout()); err != nil {
		return err
	}
	term := comm.NewTerminator(conn, '\n', '\n')
	if _, err = io.WriteString(term, cmd); err != nil {
		return err
	}
	if read != nil {
		err = read(term)
	}
	return err
}

func handshake(cmds []string) string {
	return "*CLS;" + strings.Join(cmds, ";") + ";:SYSTem:ERRor?"
}

// Write sends a command to the device.  if f.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	if !s.Handshaking {
		return s.exchange(strings.Join(cmds, ";"), nil)
	}
	var resp []byte
	err := s.exchange(handshake(cmds), func(t *comm.Terminator) error {
		var err error
		resp, err = t.ReadLine()
		return err
	})
	if err != nil {
		return err
	}
	return ParseError(string(resp))
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	cmd := strings.Join(cmds, ";")
	if s.Handshaking {
		cmd = handshake(cmds)
	}
	var resp []byte
	err := s.exchange(cmd, func(t *comm.Terminator) error {
		var err error
		resp, err = t.ReadLine()
		return err
	})
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		idx := bytes.LastIndexByte(resp, ';')
		if idx < 0 {
			return resp, ParseError(string(resp))
		}
		if err := ParseError(string(resp[idx+1:])); err != nil {
			return resp[:idx], err
		}
		resp = resp[:idx]
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimSpace(string(resp))
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  SCPI booleans are 0/1 or ON/OFF
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	// some counts come back as +1.00000E+00
	i, err := strconv.Atoi(strings.TrimPrefix(resp, "+"))
	if err != nil {
		f, ferr := strconv.ParseFloat(resp, 64)
		if ferr != nil {
			return 0, err
		}
		return int(f), nil
	}
	return i, nil
}

// ReadBlock sends a query whose answer is an IEEE 488.2 block, e.g.
// #800001234<1234 bytes>, and returns the payload.  Handshaking is never
// used for blocks.
func (s *SCPI) ReadBlock(cmds ...string) ([]byte, error) {
	var payload []byte
	err := s.exchange(strings.Join(cmds, ";"), func(t *comm.Terminator) error {
		var err error
		payload, err = readBlock(t.Reader())
		return err
	})
	return payload, err
}

func readBlock(r *bufio.Reader) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != '#' {
		return nil, errors.Wrapf(ErrBadBlock, "began with %q", b)
	}
	b, err = r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b < '0' || b > '9' {
		return nil, errors.Wrapf(ErrBadBlock, "digit count %q", b)
	}
	ndigits := int(b - '0')
	if ndigits == 0 {
		// indefinite length, terminated by newline
		buf, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		return buf[:len(buf)-1], nil
	}
	digits := make([]byte, ndigits)
	if _, err = io.ReadFull(r, digits); err != nil {
		return nil, err
	}
	length := 0
	for _, d := range digits {
		if d < '0' || d > '9' {
			return nil, errors.Wrapf(ErrBadBlock, "length %q", digits)
		}
		length = length*10 + int(d-'0')
		if length > MaxBlockLength {
			return nil, errors.Wrapf(ErrBadBlock, "length %s exceeds %d bytes", digits, MaxBlockLength)
		}
	}
	payload := make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	// consume the trailing terminator so the next exchange starts clean
	if b, err := r.Peek(1); err == nil && b[0] == '\n' {
		r.ReadByte()
	}
	return payload, nil
}

// Raw sends a command to the scope and returns a response if it was a query,
// else a blank string.  Handshaking is not used.
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		var resp []byte
		err := s.exchange(str, func(t *comm.Terminator) error {
			var err error
			resp, err = t.ReadLine()
			return err
		})
		return string(resp), err
	}
	return "", s.exchange(str, nil)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw(":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors returns all errors from the device as a list.  It stops at
// the first transport error, which is included last
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < 100; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var de DeviceError
		if !errors.As(err, &de) {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
