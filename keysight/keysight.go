// Package keysight provides access to their oscilloscopes in Go
package keysight

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/oscilloscope"
	"github.com/nasa-jpl/scopebench/scpi"
	"github.com/nasa-jpl/scopebench/visa"
)

// DefaultChannels is the number of analog channels on an InfiniiVision scope
const DefaultChannels = 4

// ErrBadChannel is returned for channel numbers the scope does not have
var ErrBadChannel = errors.New("keysight: no such channel")

// Scope is an interface to a keysight oscilloscope
type Scope struct {
	scpi.SCPI

	// Channels is the number of analog channels
	Channels int

	// Format is the waveform transfer format
	Format Format
}

// NewScope creates a new scope instance from a VISA resource string
// or host:port
func NewScope(addr string, timeout time.Duration) (*Scope, error) {
	sess, err := visa.Open(addr, timeout)
	if err != nil {
		return nil, err
	}
	return FromSCPI(sess), nil
}

// FromSCPI wraps an existing session
func FromSCPI(s *scpi.SCPI) *Scope {
	return &Scope{SCPI: *s, Channels: DefaultChannels, Format: ASCII}
}

// Close releases the connection to the scope
func (s *Scope) Close() error {
	return s.Pool.Close()
}

func (s *Scope) checkChannel(ch int) error {
	n := s.Channels
	if n == 0 {
		n = DefaultChannels
	}
	if ch < 1 || ch > n {
		return errors.Wrapf(ErrBadChannel, "channel %d of %d", ch, n)
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// IDN returns the identification string of the scope
func (s *Scope) IDN() (string, error) {
	return s.ReadString("*IDN?")
}

// SetTimebaseScale sets the horizontal scale in seconds per division
func (s *Scope) SetTimebaseScale(secPerDiv float64) error {
	return s.Write(fmt.Sprintf(":TIMebase:SCALe %E", secPerDiv))
}

// GetTimebaseScale returns the horizontal scale in seconds per division
func (s *Scope) GetTimebaseScale() (float64, error) {
	return s.ReadFloat(":TIMebase:SCALe?")
}

// SetTimebasePosition sets the time from the trigger to the display reference
func (s *Scope) SetTimebasePosition(sec float64) error {
	return s.Write(fmt.Sprintf(":TIMebase:POSition %E", sec))
}

// GetTimebasePosition returns the time from the trigger to the display reference
func (s *Scope) GetTimebasePosition() (float64, error) {
	return s.ReadFloat(":TIMebase:POSition?")
}

// SetTimebase sets the full timebase width of the scope in seconds
func (s *Scope) SetTimebase(fullWidth float64) error {
	return s.Write(fmt.Sprintf(":TIMebase:RANGe %E", fullWidth))
}

// GetTimebase returns the timebase width of the scope in seconds
func (s *Scope) GetTimebase() (float64, error) {
	return s.ReadFloat(":TIMebase:RANGe?")
}

// SetChannelScale sets the vertical scale of a channel in volts per division
func (s *Scope) SetChannelScale(ch int, voltsPerDiv float64) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:SCALe %E", ch, voltsPerDiv))
}

// GetChannelScale returns the vertical scale of a channel in volts per division
func (s *Scope) GetChannelScale(ch int) (float64, error) {
	if err := s.checkChannel(ch); err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf(":CHANnel%d:SCALe?", ch))
}

// SetChannelPosition sets the vertical position of a channel
func (s *Scope) SetChannelPosition(ch int, position float64) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:POSition %E", ch, position))
}

// GetChannelPosition returns the vertical position of a channel
func (s *Scope) GetChannelPosition(ch int) (float64, error) {
	if err := s.checkChannel(ch); err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf(":CHANnel%d:POSition?", ch))
}

// SetScale sets the vertical range of a channel in volts full scale
func (s *Scope) SetScale(ch int, voltsFullScale float64) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:RANGe %E", ch, voltsFullScale))
}

// GetScale returns the scale of the scope in volts full scale
func (s *Scope) GetScale(ch int) (float64, error) {
	if err := s.checkChannel(ch); err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf(":CHANnel%d:RANGe?", ch))
}

// SetOffset sets the vertical offset of the scope
func (s *Scope) SetOffset(ch int, voltsOffZero float64) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:OFFSet %E", ch, voltsOffZero))
}

// GetOffset returns the vertical offset of a channel on the scope
func (s *Scope) GetOffset(ch int) (float64, error) {
	if err := s.checkChannel(ch); err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf(":CHANnel%d:OFFSet?", ch))
}

// SetBandwidthLimit engages the bandwidth limit on the scope.
// If it is on, the noise is greatly reduced.
func (s *Scope) SetBandwidthLimit(ch int, on bool) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:BWLimit %s", ch, onOff(on)))
}

// SetMarker places manual marker n (1 or 2) at time x and voltage y
func (s *Scope) SetMarker(n int, x, y float64) error {
	if n < 1 || n > 2 {
		return fmt.Errorf("keysight: marker %d, must be 1 or 2", n)
	}
	return s.Write(":MARKer:MODE MANual",
		fmt.Sprintf(":MARKer:X%dPosition %E", n, x),
		fmt.Sprintf(":MARKer:Y%dPosition %E", n, y))
}

// GetMarker returns the position of manual marker n
func (s *Scope) GetMarker(n int) (oscilloscope.Marker, error) {
	var m oscilloscope.Marker
	if n < 1 || n > 2 {
		return m, fmt.Errorf("keysight: marker %d, must be 1 or 2", n)
	}
	var err error
	m.X, err = s.ReadFloat(fmt.Sprintf(":MARKer:X%dPosition?", n))
	if err != nil {
		return m, err
	}
	m.Y, err = s.ReadFloat(fmt.Sprintf(":MARKer:Y%dPosition?", n))
	return m, err
}

// ChannelDisplayed returns true if the channel is switched on
func (s *Scope) ChannelDisplayed(ch int) (bool, error) {
	if err := s.checkChannel(ch); err != nil {
		return false, err
	}
	return s.ReadBool(fmt.Sprintf(":CHANnel%d:DISPlay?", ch))
}

// ActiveChannels returns the channels which are switched on, ascending
func (s *Scope) ActiveChannels() ([]int, error) {
	n := s.Channels
	if n == 0 {
		n = DefaultChannels
	}
	var out []int
	for ch := 1; ch <= n; ch++ {
		on, err := s.ChannelDisplayed(ch)
		if err != nil {
			return out, err
		}
		if on {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ActivateChannel switches a channel on or off
func (s *Scope) ActivateChannel(ch int, on bool) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:DISPlay %s", ch, onOff(on)))
}

// SetBitDepth configures the scope to use a given bit depth (vertical resolution)
func (s *Scope) SetBitDepth(bits int) error {
	return s.Write(fmt.Sprintf(":ACQuire:HRESolution BITS%d", bits))
}

// GetBitDepth returns the number of bits used by the scope
func (s *Scope) GetBitDepth() (int, error) {
	str, err := s.ReadString(":ACQuire:HRESolution?")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimPrefix(strings.ToUpper(str), "BITS")) // original is "BITSxx"
}

// SetSampleRate sets the sampling rate of the scope in samples per second
func (s *Scope) SetSampleRate(samplesPerSecond float64) error {
	return s.Write(fmt.Sprintf(":ACQuire:SRATe:ANALog %E", samplesPerSecond))
}

// GetSampleRate returns the sampling rate of the scope
func (s *Scope) GetSampleRate() (float64, error) {
	return s.ReadFloat(":ACQuire:SRATe:ANALog?")
}

// SetAcqLength sets the total number of samples in an acquisition
func (s *Scope) SetAcqLength(points int) error {
	// ACQuire:POINts:ANAlog -> WAVform:POINts 2020-03-11 in lab w/ MSO7104A
	return s.Write(fmt.Sprintf(":WAVeform:POINts %d", points))
}

// GetAcqLength returns the total number of points that will be acquired in a sequence
func (s *Scope) GetAcqLength() (int, error) {
	return s.ReadInt(":WAVeform:POINts?")
}

// SetAcqMode sets the acquisition mode used by the scope, e.g. RTIMe or SEGMented
func (s *Scope) SetAcqMode(mode string) error {
	return s.Write(":ACQuire:MODE " + mode)
}

// GetAcqMode gets the acquisition mode used by the scope
func (s *Scope) GetAcqMode() (string, error) {
	return s.ReadString(":ACQuire:MODE?")
}

// Digitize acquires the given channels, or all displayed channels if none
// are given, and stops the scope
func (s *Scope) Digitize(channels ...int) error {
	if len(channels) == 0 {
		return s.Write(":DIGitize")
	}
	srcs := make([]string, len(channels))
	for i, ch := range channels {
		if err := s.checkChannel(ch); err != nil {
			return err
		}
		srcs[i] = "CHANnel" + strconv.Itoa(ch)
	}
	return s.Write(":DIGitize " + strings.Join(srcs, ","))
}

// Single arms a single acquisition
func (s *Scope) Single() error {
	return s.Write(":SINGle")
}

// Run starts continuous acquisition
func (s *Scope) Run() error {
	return s.Write(":RUN")
}

// Stop halts acquisition
func (s *Scope) Stop() error {
	return s.Write(":STOP")
}

// Wait blocks until all pending operations complete
func (s *Scope) Wait() error {
	_, err := s.ReadString("*OPC?")
	return err
}

// Screenshot returns the display as a PNG
func (s *Scope) Screenshot() ([]byte, error) {
	return s.ReadBlock(":DISPlay:DATA? PNG, COLOR")
}

// SegmentCount returns the number of segments acquired in segmented mode
func (s *Scope) SegmentCount() (int, error) {
	return s.ReadInt(":WAVeform:SEGMented:COUNt?")
}

// SetSegmentIndex selects the segment subsequent transfers read from
func (s *Scope) SetSegmentIndex(i int) error {
	return s.Write(fmt.Sprintf(":ACQuire:SEGMented:INDex %d", i))
}

// SegmentTimeTag returns the time of the selected segment relative to the first
func (s *Scope) SegmentTimeTag() (float64, error) {
	return s.ReadFloat(":WAVeform:SEGMented:TTAG?")
}
