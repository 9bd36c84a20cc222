package script

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/measure"
)

// module types of sequence.json
const (
	moduleStart   = "Start"
	moduleEnd     = "End"
	moduleDelay   = "Delay"
	moduleWaveCap = "Wave Cap"
	moduleAxis    = "Axis Control"
)

// module is one entry of sequence.json
type module struct {
	Type   string   `json:"type"`
	Delay  *float64 `json:"delay,omitempty"`
	Config string   `json:"config,omitempty"`
}

type sequence struct {
	Modules []module `json:"modules"`
}

// slug turns a display name into a step name, "Rise Time" => "rise_time"
func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

// ImportSequence converts the sequence.json in dir, together with the
// waveform_config.json and axis_config.json beside it, into a script.
//
// Wave Cap becomes a capture step followed by one measure step per selected
// measurement and channel.  Axis Control carries the axis setup in its
// params.  The script is named after dir.
func ImportSequence(dir string) (*Script, error) {
	path := filepath.Join(dir, config.SequenceFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seq sequence
	if err := json.Unmarshal(b, &seq); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	store := config.Store{Dir: dir}
	s := &Script{Name: filepath.Base(filepath.Clean(dir))}
	add := func(st Step) error {
		st.Name = s.UniqueName(st.Name)
		return s.Append(st)
	}
	for i, m := range seq.Modules {
		var err error
		switch m.Type {
		case moduleStart:
			err = add(Step{Name: "start", Type: Start})
		case moduleEnd:
			err = add(Step{Name: "end", Type: End})
		case moduleDelay:
			sec := DefaultDelay
			if m.Delay != nil {
				sec = *m.Delay
			}
			err = add(Step{Name: "delay", Type: Delay, Params: map[string]float64{"seconds": sec}})
		case moduleAxis:
			a, lerr := store.LoadAxis()
			if lerr != nil {
				return nil, errors.Wrapf(lerr, "module %d", i)
			}
			err = add(Step{Name: "axis", Type: Axis, Params: a.Params()})
		case moduleWaveCap:
			err = importCapture(s, store, add)
		default:
			return nil, errors.Wrapf(ErrInvalid, "module %d: unknown type %q", i, m.Type)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "module %d", i)
		}
	}
	return s, nil
}

func importCapture(s *Script, store config.Store, add func(Step) error) error {
	c, err := store.LoadCapture()
	if err != nil {
		return err
	}
	if err := add(Step{Name: "wave_cap", Type: Capture}); err != nil {
		return err
	}
	capName := s.Steps[len(s.Steps)-1].Name
	kinds, bad := c.SelectedMeasurements()
	if len(bad) > 0 {
		return errors.Wrapf(measure.ErrUnknownKind, "%v", bad)
	}
	chans := c.SelectedChannels()
	for _, ch := range chans {
		for _, k := range kinds {
			st := Step{
				Name:        capName + "_" + slug(k.String()) + "_ch" + strconv.Itoa(ch),
				Type:        Measure,
				Measurement: k,
				Channel:     ch,
			}
			if k.Dual() {
				st.RefChannel = c.Reference(ch)
			}
			if err := add(st); err != nil {
				return err
			}
		}
	}
	return nil
}
