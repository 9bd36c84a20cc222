package oscilloscope

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Timebase is the horizontal setup
type Timebase struct {
	Scale    float64 `json:"scale"`
	Position float64 `json:"position"`
}

// Vertical is the scale and position of one channel
type Vertical struct {
	Scale    float64 `json:"scale"`
	Position float64 `json:"position"`
}

// Marker is the position of a manual marker
type Marker struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Axis is a complete display setup: timebase, per channel verticals and the
// two manual markers.  It marshals to the axis_config.json layout
type Axis struct {
	Timebase Timebase            `json:"timebase"`
	Channels map[string]Vertical `json:"channels"`
	Markers  []Marker            `json:"markers"`
}

// ChannelKey is the key of channel n in Axis.Channels
func ChannelKey(n int) string {
	return "channel_" + strconv.Itoa(n)
}

// ChannelNumber parses a ChannelKey, returning false if k is not one
func ChannelNumber(k string) (int, bool) {
	if !strings.HasPrefix(k, "channel_") {
		return 0, false
	}
	n, err := strconv.Atoi(k[len("channel_"):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// DefaultAxis is the setup used when none has been saved
func DefaultAxis(channels int) Axis {
	a := Axis{
		Timebase: Timebase{Scale: 1e-3},
		Channels: make(map[string]Vertical, channels),
		Markers:  []Marker{{}, {}},
	}
	for i := 1; i <= channels; i++ {
		a.Channels[ChannelKey(i)] = Vertical{Scale: 1}
	}
	return a
}

// Params flattens the axis into named parameters, e.g. timebase_scale,
// channel_2_position or marker_1_x
func (a Axis) Params() map[string]float64 {
	out := map[string]float64{
		"timebase_scale":    a.Timebase.Scale,
		"timebase_position": a.Timebase.Position,
	}
	for k, v := range a.Channels {
		out[k+"_scale"] = v.Scale
		out[k+"_position"] = v.Position
	}
	for i, m := range a.Markers {
		out[fmt.Sprintf("marker_%d_x", i+1)] = m.X
		out[fmt.Sprintf("marker_%d_y", i+1)] = m.Y
	}
	return out
}

// AxisFromParams is the inverse of Params.  Unrecognized keys are returned
// in the second value, sorted
func AxisFromParams(p map[string]float64) (Axis, []string) {
	a := Axis{Channels: map[string]Vertical{}}
	var unknown []string
	for k, v := range p {
		switch {
		case k == "timebase_scale":
			a.Timebase.Scale = v
		case k == "timebase_position":
			a.Timebase.Position = v
		case strings.HasPrefix(k, "channel_"):
			i := strings.LastIndexByte(k, '_')
			key, field := k[:i], k[i+1:]
			if _, ok := ChannelNumber(key); !ok {
				unknown = append(unknown, k)
				continue
			}
			vert := a.Channels[key]
			switch field {
			case "scale":
				vert.Scale = v
			case "position":
				vert.Position = v
			default:
				unknown = append(unknown, k)
				continue
			}
			a.Channels[key] = vert
		case strings.HasPrefix(k, "marker_"):
			var n int
			var field string
			if _, err := fmt.Sscanf(strings.Replace(k[len("marker_"):], "_", " ", 1), "%d %s", &n, &field); err != nil || n < 1 || n > 16 {
				unknown = append(unknown, k)
				continue
			}
			for len(a.Markers) < n {
				a.Markers = append(a.Markers, Marker{})
			}
			switch field {
			case "x":
				a.Markers[n-1].X = v
			case "y":
				a.Markers[n-1].Y = v
			default:
				unknown = append(unknown, k)
			}
		default:
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return a, unknown
}
