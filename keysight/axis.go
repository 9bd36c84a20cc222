package keysight

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// ReadAxis reads the timebase, the verticals of the given channels (all
// channels if none) and both markers
func (s *Scope) ReadAxis(channels ...int) (oscilloscope.Axis, error) {
	a := oscilloscope.Axis{Channels: map[string]oscilloscope.Vertical{}}
	var err error
	if a.Timebase.Scale, err = s.GetTimebaseScale(); err != nil {
		return a, err
	}
	if a.Timebase.Position, err = s.GetTimebasePosition(); err != nil {
		return a, err
	}
	if len(channels) == 0 {
		n := s.Channels
		if n == 0 {
			n = DefaultChannels
		}
		for ch := 1; ch <= n; ch++ {
			channels = append(channels, ch)
		}
	}
	for _, ch := range channels {
		var v oscilloscope.Vertical
		if v.Scale, err = s.GetChannelScale(ch); err != nil {
			return a, err
		}
		if v.Position, err = s.GetChannelPosition(ch); err != nil {
			return a, err
		}
		a.Channels[oscilloscope.ChannelKey(ch)] = v
	}
	for n := 1; n <= 2; n++ {
		m, err := s.GetMarker(n)
		if err != nil {
			return a, err
		}
		a.Markers = append(a.Markers, m)
	}
	return a, nil
}

// ApplyAxis sends a complete axis setup to the scope.  Channel keys which
// are not channel_N are an error; at most two markers are applied
func (s *Scope) ApplyAxis(a oscilloscope.Axis) error {
	if err := s.SetTimebaseScale(a.Timebase.Scale); err != nil {
		return err
	}
	if err := s.SetTimebasePosition(a.Timebase.Position); err != nil {
		return err
	}
	keys := make([]string, 0, len(a.Channels))
	for k := range a.Channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch, ok := oscilloscope.ChannelNumber(k)
		if !ok {
			return fmt.Errorf("keysight: bad channel key %q", k)
		}
		v := a.Channels[k]
		if err := s.SetChannelScale(ch, v.Scale); err != nil {
			return err
		}
		if err := s.SetChannelPosition(ch, v.Position); err != nil {
			return err
		}
	}
	for i, m := range a.Markers {
		if i >= 2 {
			break
		}
		if err := s.SetMarker(i+1, m.X, m.Y); err != nil {
			return err
		}
	}
	return nil
}

// ApplyParams sends only the settings named in p, using the names of
// oscilloscope.Axis.Params.  Marker coordinates are sent individually.
func (s *Scope) ApplyParams(p map[string]float64) error {
	_, unknown := oscilloscope.AxisFromParams(p)
	if len(unknown) > 0 {
		return fmt.Errorf("keysight: unknown axis parameters %s", strings.Join(unknown, ", "))
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := p[k]
		var err error
		switch {
		case k == "timebase_scale":
			err = s.SetTimebaseScale(v)
		case k == "timebase_position":
			err = s.SetTimebasePosition(v)
		case strings.HasPrefix(k, "channel_"):
			i := strings.LastIndexByte(k, '_')
			ch, _ := oscilloscope.ChannelNumber(k[:i])
			if k[i+1:] == "scale" {
				err = s.SetChannelScale(ch, v)
			} else {
				err = s.SetChannelPosition(ch, v)
			}
		case strings.HasPrefix(k, "marker_"):
			// marker_1_x -> :MARKer:X1Position
			pieces := strings.Split(k, "_")
			n, _ := strconv.Atoi(pieces[1])
			if n > 2 {
				return fmt.Errorf("keysight: marker %d, must be 1 or 2", n)
			}
			err = s.Write(":MARKer:MODE MANual",
				fmt.Sprintf(":MARKer:%s%dPosition %E", strings.ToUpper(pieces[2]), n, v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
