package keysight

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// Format is a waveform transfer format
type Format string

const (
	// ASCII transfers values in volts as comma separated text
	ASCII Format = "ASCii"

	// Word transfers 16 bit codes, little endian
	Word Format = "WORD"
)

// ParseFormat accepts ascii or word in any case
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "ASCII", "ASC", "":
		return ASCII, nil
	case "WORD":
		return Word, nil
	}
	return "", fmt.Errorf("keysight: unknown waveform format %q", s)
}

// Preamble returns the preamble of the current waveform source
func (s *Scope) Preamble() (oscilloscope.Preamble, error) {
	str, err := s.ReadString(":WAVeform:PREamble?")
	if err != nil {
		return oscilloscope.Preamble{}, err
	}
	return oscilloscope.ParsePreamble(str)
}

// CaptureWaveform transfers the last acquisition of one channel.  The scope
// is not triggered; call Digitize or Single first for a fresh record.
func (s *Scope) CaptureWaveform(ch int) (oscilloscope.Waveform, error) {
	ret := oscilloscope.Waveform{Channels: map[int]oscilloscope.Channel{}}
	if err := s.checkChannel(ch); err != nil {
		return ret, err
	}
	format := s.Format
	if format == "" {
		format = ASCII
	}
	cmds := []string{
		fmt.Sprintf(":WAVeform:SOURce CHANnel%d", ch),
		":WAVeform:FORMat " + string(format),
	}
	if format == Word {
		cmds = append(cmds, ":WAVeform:BYTeorder LSBFirst", ":WAVeform:UNSigned OFF")
	}
	if err := s.Write(cmds...); err != nil {
		return ret, err
	}
	pre, err := s.Preamble()
	if err != nil {
		return ret, err
	}
	ret.Preamble = pre
	buf, err := s.ReadBlock(":WAVeform:DATA?")
	if err != nil {
		return ret, errors.Wrapf(err, "reading channel %d data", ch)
	}
	var c oscilloscope.Channel
	if format == Word {
		c = decodeWord(buf, pre)
	} else {
		v, err := decodeASCII(buf)
		if err != nil {
			return ret, errors.Wrapf(err, "decoding channel %d data", ch)
		}
		c = oscilloscope.Volts(v)
	}
	ret.Channels[ch] = c
	return ret, nil
}

// CaptureAll transfers every channel given, or every displayed channel if
// none are given.  The time axis is that of the last channel
func (s *Scope) CaptureAll(channels ...int) (oscilloscope.Waveform, error) {
	ret := oscilloscope.Waveform{Channels: map[int]oscilloscope.Channel{}}
	if len(channels) == 0 {
		var err error
		channels, err = s.ActiveChannels()
		if err != nil {
			return ret, err
		}
	}
	for _, ch := range channels {
		wav, err := s.CaptureWaveform(ch)
		if err != nil {
			return ret, err
		}
		ret.Preamble = wav.Preamble
		ret.Channels[ch] = wav.Channels[ch]
	}
	return ret, nil
}

func decodeASCII(buf []byte) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(string(buf)), ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeWord(buf []byte, pre oscilloscope.Preamble) oscilloscope.Channel {
	codes := make([]int16, len(buf)/2)
	for i := range codes {
		codes[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return oscilloscope.Channel{
		Data:      codes,
		Scale:     pre.YIncrement,
		Offset:    pre.YOrigin,
		Reference: pre.YReference,
	}
}
