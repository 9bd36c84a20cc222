// Package oscilloscope provides type and interface definitions for oscilloscopes
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadPreamble is returned when a waveform preamble does not have ten fields
var ErrBadPreamble = errors.New("oscilloscope: malformed preamble")

// Preamble describes how to map sample indices and codes to physical units.
// Field order follows :WAVeform:PREamble?
type Preamble struct {
	Format     int     `json:"format"`
	Type       int     `json:"type"`
	Points     int     `json:"points"`
	Count      int     `json:"count"`
	XIncrement float64 `json:"xIncrement"`
	XOrigin    float64 `json:"xOrigin"`
	XReference float64 `json:"xReference"`
	YIncrement float64 `json:"yIncrement"`
	YOrigin    float64 `json:"yOrigin"`
	YReference float64 `json:"yReference"`
}

// ParsePreamble parses the comma separated preamble returned by the scope
func ParsePreamble(s string) (Preamble, error) {
	var p Preamble
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 10 {
		return p, errors.Wrapf(ErrBadPreamble, "%d fields", len(fields))
	}
	ints := []*int{&p.Format, &p.Type, &p.Points, &p.Count}
	for i, dst := range ints {
		f, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return p, errors.Wrapf(ErrBadPreamble, "field %d: %v", i, err)
		}
		*dst = int(f)
	}
	floats := []*float64{&p.XIncrement, &p.XOrigin, &p.XReference, &p.YIncrement, &p.YOrigin, &p.YReference}
	for i, dst := range floats {
		f, err := strconv.ParseFloat(strings.TrimSpace(fields[i+4]), 64)
		if err != nil {
			return p, errors.Wrapf(ErrBadPreamble, "field %d: %v", i+4, err)
		}
		*dst = f
	}
	return p, nil
}

// Time is the time of sample i relative to the trigger
func (p Preamble) Time(i int) float64 {
	return (float64(i)-p.XReference)*p.XIncrement + p.XOrigin
}

// Times returns the time of the first n samples
func (p Preamble) Times(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p.Time(i)
	}
	return out
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

type number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale+offset
type Channel struct {
	// Data is the actual buffer, []byte, []int16, []uint16, or similar
	Data Data

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

func physical[T number](v []T, c Channel) []float64 {
	ret := make([]float64, len(v))
	for i := range v {
		ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
	}
	return ret
}

// Physical computes the data scaled to real units
func (c Channel) Physical() []float64 {
	switch v := c.Data.(type) {
	case []uint8:
		return physical(v, c)
	case []uint16:
		return physical(v, c)
	case []uint32:
		return physical(v, c)
	case []uint64:
		return physical(v, c)
	case []int8:
		return physical(v, c)
	case []int16:
		return physical(v, c)
	case []int32:
		return physical(v, c)
	case []int64:
		return physical(v, c)
	case []float32:
		return physical(v, c)
	case []float64:
		return physical(v, c)
	case nil:
		return nil
	default:
		panic("attempt to convert non numerical data to physical units")
	}
}

// Len is the number of samples in the channel
func (c Channel) Len() int {
	switch v := c.Data.(type) {
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []uint64:
		return len(v)
	case []int8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	}
	return 0
}

// Volts wraps samples already in physical units
func Volts(v []float64) Channel {
	return Channel{Data: v, Scale: 1}
}

// Waveform describes a waveform recording from a scope.  All channels share
// the timebase of Preamble
type Waveform struct {
	Preamble Preamble `json:"preamble"`

	// Channels holds data streams by channel number
	Channels map[int]Channel `json:"-"`
}

// ChannelNumbers returns the channel numbers present, ascending
func (wav *Waveform) ChannelNumbers() []int {
	out := make([]int, 0, len(wav.Channels))
	for k := range wav.Channels {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Len is the length of the longest channel
func (wav *Waveform) Len() int {
	n := 0
	for _, c := range wav.Channels {
		if l := c.Len(); l > n {
			n = l
		}
	}
	return n
}

// Times returns the time axis of the waveform
func (wav *Waveform) Times() []float64 {
	return wav.Preamble.Times(wav.Len())
}

// ColumnName is the CSV header of a channel
func ColumnName(ch int) string {
	return fmt.Sprintf("Channel %d Amplitude (V)", ch)
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion.  Channels shorter than the
// time axis leave their cells blank.
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	chans := wav.ChannelNumbers()
	labels := make([]string, len(chans)+1)
	labels[0] = "Time (s)"
	data := make([][]float64, len(chans))
	for j, ch := range chans {
		labels[j+1] = ColumnName(ch)
		data[j] = wav.Channels[ch].Physical()
	}
	times := wav.Times()

	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	if err := writer.Write(labels); err != nil {
		return err
	}
	row := make([]string, len(labels))
	for i := range times {
		row[0] = strconv.FormatFloat(times[i], 'G', -1, 64)
		for j := range data {
			if i < len(data[j]) {
				row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
			} else {
				row[j+1] = ""
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
