/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a Device type which exposes a USBTMC bulk
interface as an io.ReadWriteCloser so it can sit in a comm.Pool like any
other connection.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read request header and send it on the Out endpoint
2.  Read from the In endpoint until the transfer marked EOM arrives
3.  Strip the 12 byte header and the alignment padding from each transfer

Keysight scopes answer a screenshot request with well over one transfer,
so unlike the minimal LDC4001 implementation this grew out of, multi-transfer
responses are reassembled.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	alignment = 4

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02

	// transferSize is the number of bytes requested per DEV_DEP_MSG_IN
	transferSize = 1 << 20

	// ClassUSBTMC is the interface class code of test and measurement devices
	ClassUSBTMC = 0xFE

	// SubClassUSBTMC is the interface subclass code of USBTMC
	SubClassUSBTMC = 0x03
)

// ErrBadHeader is returned when a bulk-in header does not match the request
var ErrBadHeader = errors.New("usbtmc: malformed bulk-in header")

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // every message we send fits in one transfer
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02 // TermCharEnabled
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the decoded header of a DEV_DEP_MSG_IN transfer
type bulkInHeader struct {
	tag  byte
	size int
	eom  bool
}

func decBulkInHeader(buf []byte) (bulkInHeader, error) {
	var hdr bulkInHeader
	if len(buf) < headerSize {
		return hdr, errors.Wrapf(ErrBadHeader, "only %d bytes, need %d", len(buf), headerSize)
	}
	if buf[0] != msgRequestDevDepIn {
		return hdr, errors.Wrapf(ErrBadHeader, "MsgID %#x", buf[0])
	}
	if buf[2] != invbTag(buf[1]) {
		return hdr, errors.Wrap(ErrBadHeader, "bTag inverse mismatch")
	}
	hdr.tag = buf[1]
	hdr.size = int(binary.LittleEndian.Uint32(buf[4:8]))
	hdr.eom = buf[8]&0x01 == 1
	return hdr, nil
}

// pad extends b with zeros to a multiple of the USBTMC alignment
func pad(b []byte) []byte {
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser.
// Each Write is one device-dependent message; Read drains the response
// to the last request, requesting more from the device when empty.
type Device struct {
	tagger   BTagger
	ctx      *gousb.Context
	device   *gousb.Device
	iface    *gousb.Interface
	closer   func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
	deadline time.Time

	pending []byte
	eom     bool
}

// Open opens the first USBTMC device matching vid and pid, and serial
// if it is not empty
func Open(vid, pid uint16, serial string) (*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, errors.Wrap(err, "opening usb devices")
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial != "" {
			sn, err := d.SerialNumber()
			if err != nil || sn != serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x %s", vid, pid, serial)
	}
	d, err := newDevice(ctx, dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(ctx *gousb.Context, dev *gousb.Device) (*Device, error) {
	out := &Device{tagger: newBTagGen(), ctx: ctx, device: dev, eom: true}
	err := dev.SetAutoDetach(true)
	if err != nil {
		return nil, err
	}
	out.iface, out.closer, err = dev.DefaultInterface()
	if err != nil {
		return nil, err
	}
	inNum, outNum := -1, -1
	for _, ep := range out.iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		out.closer()
		return nil, errors.New("usbtmc: interface has no bulk endpoint pair")
	}
	out.in, err = out.iface.InEndpoint(inNum)
	if err != nil {
		out.closer()
		return nil, err
	}
	out.out, err = out.iface.OutEndpoint(outNum)
	if err != nil {
		out.closer()
		return nil, err
	}
	return out, nil
}

// SetDeadline bounds every subsequent transfer by t.  The zero time removes it
func (d *Device) SetDeadline(t time.Time) error {
	d.deadline = t
	return nil
}

func (d *Device) context() (context.Context, context.CancelFunc) {
	if d.deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), d.deadline)
}

// Write sends b as a single DEV_DEP_MSG_OUT message
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(b))
	msg := make([]byte, 0, headerSize+len(b)+alignment)
	msg = append(msg, hdr[:]...)
	msg = append(msg, b...)
	msg = pad(msg)
	ctx, cancel := d.context()
	defer cancel()
	_, err := d.out.WriteContext(ctx, msg)
	if err != nil {
		return 0, err
	}
	// a new command invalidates anything left of the previous response
	d.pending = nil
	d.eom = false
	return len(b), nil
}

// Read copies the response to the last message into p
func (d *Device) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if err := d.request(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// request performs one REQUEST_DEV_DEP_MSG_IN exchange and appends the
// payload to pending
func (d *Device) request() error {
	tag := d.tagger.nextbTag()
	hdr := encBulkInHeader(tag, transferSize, nil)
	ctx, cancel := d.context()
	defer cancel()
	n, err := d.out.WriteContext(ctx, hdr[:])
	if err != nil {
		return err
	}
	if n != headerSize {
		return fmt.Errorf("wrote %d bytes, not full %d required to transmit read request", n, headerSize)
	}
	buf := make([]byte, headerSize+transferSize+alignment)
	total := 0
	want := -1
	for want < 0 || total < want {
		n, err = d.in.ReadContext(ctx, buf[total:])
		if err != nil {
			return err
		}
		total += n
		if want < 0 && total >= headerSize {
			in, err := decBulkInHeader(buf[:total])
			if err != nil {
				return err
			}
			if in.tag != tag {
				return errors.Wrapf(ErrBadHeader, "bTag %d, expected %d", in.tag, tag)
			}
			want = headerSize + in.size
			d.eom = in.eom
		}
		if n == 0 {
			break
		}
	}
	if total > want {
		total = want
	}
	d.pending = append(d.pending, buf[headerSize:total]...)
	return nil
}

// Close releases the interface, device and USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	err := d.device.Close()
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}

// Info describes an attached USBTMC device
type Info struct {
	Vendor  uint16
	Product uint16
	Serial  string
}

// List enumerates attached devices exposing a USBTMC interface
func List() ([]Info, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, cfg := range desc.Configs {
			for _, iface := range cfg.Interfaces {
				for _, alt := range iface.AltSettings {
					if alt.Class == ClassUSBTMC && alt.SubClass == SubClassUSBTMC {
						return true
					}
				}
			}
		}
		return false
	})
	var out []Info
	for _, d := range devs {
		sn, _ := d.SerialNumber()
		out = append(out, Info{
			Vendor:  uint16(d.Desc.Vendor),
			Product: uint16(d.Desc.Product),
			Serial:  sn})
		d.Close()
	}
	if err != nil && len(out) == 0 {
		return out, err
	}
	return out, nil
}
