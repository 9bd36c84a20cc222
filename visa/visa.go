// Package visa resolves VISA resource strings to connections without the
// vendor VISA library.  USB resources are opened with usbtmc, TCPIP resources
// as raw SCPI sockets and ASRL resources as serial ports.
package visa

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/scopebench/comm"
	"github.com/nasa-jpl/scopebench/scpi"
	"github.com/nasa-jpl/scopebench/usbtmc"
)

// SocketPort is the raw SCPI socket port of Keysight instruments
const SocketPort = 5025

// ErrBadResource is returned for resource strings which cannot be parsed
var ErrBadResource = errors.New("visa: malformed resource string")

// Interface is the transport named by a resource
type Interface int

const (
	// USB is USB Test and Measurement Class
	USB Interface = iota
	// TCPIP is a raw socket or VXI-11 instrument, both are spoken as a socket
	TCPIP
	// ASRL is a serial port
	ASRL
)

func (i Interface) String() string {
	switch i {
	case USB:
		return "USB"
	case TCPIP:
		return "TCPIP"
	case ASRL:
		return "ASRL"
	}
	return "unknown"
}

// Resource is a parsed resource string
type Resource struct {
	Interface Interface
	// Board is the board number, e.g. 0 for USB0
	Board int

	// USB
	Vendor  uint16
	Product uint16
	Serial  string

	// TCPIP
	Host string
	Port int

	// ASRL
	Device string
	Baud   int
}

// String reproduces a canonical resource string
func (r Resource) String() string {
	switch r.Interface {
	case USB:
		return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::0::INSTR", r.Board, r.Vendor, r.Product, r.Serial)
	case TCPIP:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", r.Board, r.Host, r.Port)
	case ASRL:
		return fmt.Sprintf("ASRL%s::INSTR", r.Device)
	}
	return ""
}

// Addr is the network address of a TCPIP resource
func (r Resource) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// board splits "USB0" into "USB", 0
func board(s string) (string, int) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, _ := strconv.Atoi(s[i:])
	return strings.ToUpper(s[:i]), n
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	return uint16(v), err
}

// ParseResource parses a VISA resource string.  Recognized forms are
//
//	USB[board]::vid::pid::serial[::interface]::INSTR
//	TCPIP[board]::host::port::SOCKET
//	TCPIP[board]::host[::device]::INSTR
//	ASRL<device>::INSTR
//
// TCPIP INSTR resources are spoken over the raw SCPI socket.
// A bare host or host:port is accepted as a TCPIP socket.
func ParseResource(s string) (Resource, error) {
	var r Resource
	s = strings.TrimSpace(s)
	if s == "" {
		return r, errors.Wrap(ErrBadResource, "empty")
	}
	if !strings.Contains(s, "::") {
		host, port := s, SocketPort
		if idx := strings.LastIndexByte(s, ':'); idx > 0 {
			p, err := strconv.Atoi(s[idx+1:])
			if err != nil {
				return r, errors.Wrapf(ErrBadResource, "%q", s)
			}
			host, port = s[:idx], p
		}
		return Resource{Interface: TCPIP, Host: host, Port: port}, nil
	}
	parts := strings.Split(s, "::")
	kind, n := board(parts[0])
	r.Board = n
	last := strings.ToUpper(parts[len(parts)-1])
	switch {
	case kind == "USB":
		if len(parts) < 4 || last != "INSTR" {
			return r, errors.Wrapf(ErrBadResource, "%q", s)
		}
		r.Interface = USB
		var err error
		if r.Vendor, err = parseID(parts[1]); err != nil {
			return r, errors.Wrapf(ErrBadResource, "vendor id %q", parts[1])
		}
		if r.Product, err = parseID(parts[2]); err != nil {
			return r, errors.Wrapf(ErrBadResource, "product id %q", parts[2])
		}
		if len(parts) > 4 {
			r.Serial = parts[3]
		}
	case kind == "TCPIP":
		if len(parts) < 3 {
			return r, errors.Wrapf(ErrBadResource, "%q", s)
		}
		r.Interface = TCPIP
		r.Host = parts[1]
		r.Port = SocketPort
		switch last {
		case "SOCKET":
			if len(parts) != 4 {
				return r, errors.Wrapf(ErrBadResource, "%q", s)
			}
			p, err := strconv.Atoi(parts[2])
			if err != nil {
				return r, errors.Wrapf(ErrBadResource, "port %q", parts[2])
			}
			r.Port = p
		case "INSTR":
		default:
			return r, errors.Wrapf(ErrBadResource, "%q", s)
		}
	case strings.HasPrefix(kind, "ASRL"):
		if last != "INSTR" {
			return r, errors.Wrapf(ErrBadResource, "%q", s)
		}
		r.Interface = ASRL
		r.Device = parts[0][len("ASRL"):]
		if n, err := strconv.Atoi(r.Device); err == nil {
			r.Device = fmt.Sprintf("/dev/ttyS%d", n-1)
		}
		r.Baud = 9600
	default:
		return r, errors.Wrapf(ErrBadResource, "interface %q", parts[0])
	}
	return r, nil
}

// Maker returns a CreationFunc for the resource
func Maker(r Resource, timeout time.Duration) comm.CreationFunc {
	switch r.Interface {
	case USB:
		return func() (io.ReadWriteCloser, error) {
			return usbtmc.Open(r.Vendor, r.Product, r.Serial)
		}
	case ASRL:
		return comm.SerialConnMaker(&serial.Config{Name: r.Device, Baud: r.Baud, ReadTimeout: timeout})
	default:
		return comm.BackingOffTCPConnMaker(r.Addr(), timeout)
	}
}

// Open parses addr and returns a SCPI session to it.  The session holds a
// single connection, so concurrent users of one instrument are serialized.
func Open(addr string, timeout time.Duration) (*scpi.SCPI, error) {
	r, err := ParseResource(addr)
	if err != nil {
		return nil, err
	}
	pool := comm.NewPool(1, 5*time.Minute, Maker(r, timeout))
	return &scpi.SCPI{Pool: pool, Timeout: timeout}, nil
}

// Detect lists the resource strings of attached USBTMC instruments
func Detect() ([]string, error) {
	infos, err := usbtmc.List()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		r := Resource{Interface: USB, Vendor: info.Vendor, Product: info.Product, Serial: info.Serial}
		out = append(out, r.String())
	}
	return out, nil
}
