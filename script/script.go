/*Package script describes measurement scripts: ordered, named steps which
a runner executes against a scope.

A script is persisted as script.json,

	{
	  "name": "rail check",
	  "steps": [
	    {"name": "start", "type": "start"},
	    {"name": "settle", "type": "delay", "params": {"seconds": 0.5}},
	    {"name": "ripple", "type": "measure", "measurement": "Vpp", "channel": 1},
	    {"name": "end", "type": "end"}
	  ]
	}

Every mutation goes through an editor method (Append, Insert, Move, ...)
which validates the result and leaves the script untouched on error.
*/
package script

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// MaxChannel is the highest channel number a step may name
const MaxChannel = 4

// DefaultDelay is the pause of a delay step without a seconds parameter
const DefaultDelay = 1.0

var (
	// ErrDuplicateName is returned when two steps would share a name
	ErrDuplicateName = errors.New("script: duplicate step name")

	// ErrUnknownStep is returned when a named step does not exist
	ErrUnknownStep = errors.New("script: no such step")

	// ErrInvalid is returned for steps which cannot be executed
	ErrInvalid = errors.New("script: invalid step")
)

// StepType is what a step does
type StepType string

const (
	// Start marks the beginning of a script
	Start StepType = "start"

	// End marks the end of a script
	End StepType = "end"

	// Measure takes one measurement
	Measure StepType = "measure"

	// Delay pauses for params["seconds"]
	Delay StepType = "delay"

	// Capture digitizes and saves a waveform capture
	Capture StepType = "capture"

	// Axis applies a display setup
	Axis StepType = "axis"
)

// Valid is true for the known step types
func (t StepType) Valid() bool {
	switch t {
	case Start, End, Measure, Delay, Capture, Axis:
		return true
	}
	return false
}

// Step is one action of a script
type Step struct {
	Name        string             `json:"name"`
	Type        StepType           `json:"type"`
	Measurement measure.Kind       `json:"measurement,omitempty"`
	Channel     int                `json:"channel,omitempty"`
	RefChannel  int                `json:"ref_channel,omitempty"`
	Params      map[string]float64 `json:"params,omitempty"`
}

// Seconds is the pause of a delay step
func (s Step) Seconds() float64 {
	if v, ok := s.Params["seconds"]; ok {
		return v
	}
	return DefaultDelay
}

// Duration is Seconds as a time.Duration
func (s Step) Duration() time.Duration {
	return time.Duration(s.Seconds() * float64(time.Second))
}

// Unit is the unit of a measure step's result
func (s Step) Unit() string {
	return s.Measurement.Unit()
}

// Column is the heading of a measure step in tabular exports, e.g. "ripple (V)"
func (s Step) Column() string {
	if u := s.Unit(); u != "" {
		return s.Name + " (" + u + ")"
	}
	return s.Name
}

func channelOK(ch int) bool {
	return ch >= 1 && ch <= MaxChannel
}

// Validate checks one step in isolation
func (s Step) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.Wrap(ErrInvalid, "empty name")
	}
	if !s.Type.Valid() {
		return errors.Wrapf(ErrInvalid, "%s: unknown type %q", s.Name, s.Type)
	}
	switch s.Type {
	case Measure:
		if !s.Measurement.Valid() {
			return errors.Wrapf(ErrInvalid, "%s: no measurement", s.Name)
		}
		if !channelOK(s.Channel) {
			return errors.Wrapf(ErrInvalid, "%s: channel %d not in 1..%d", s.Name, s.Channel, MaxChannel)
		}
		if s.Measurement.Dual() && !channelOK(s.RefChannel) {
			return errors.Wrapf(ErrInvalid, "%s: %s needs a reference channel in 1..%d", s.Name, s.Measurement, MaxChannel)
		}
	case Delay:
		sec := s.Seconds()
		if sec < 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
			return errors.Wrapf(ErrInvalid, "%s: delay of %v seconds", s.Name, sec)
		}
	case Axis:
		if _, unknown := oscilloscope.AxisFromParams(s.Params); len(unknown) > 0 {
			return errors.Wrapf(ErrInvalid, "%s: unknown axis parameters %v", s.Name, unknown)
		}
	case Capture:
		if s.Channel != 0 && !channelOK(s.Channel) {
			return errors.Wrapf(ErrInvalid, "%s: channel %d not in 1..%d", s.Name, s.Channel, MaxChannel)
		}
	}
	return nil
}

// Script is an ordered list of steps
type Script struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Validate checks every step and that names are unique
func (s *Script) Validate() error {
	seen := make(map[string]int, len(s.Steps))
	for i, st := range s.Steps {
		if err := st.Validate(); err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		if j, ok := seen[st.Name]; ok {
			return errors.Wrapf(ErrDuplicateName, "%q at steps %d and %d", st.Name, j, i)
		}
		seen[st.Name] = i
	}
	return nil
}

// Clone returns a deep copy
func (s *Script) Clone() *Script {
	out := &Script{Name: s.Name, Steps: make([]Step, len(s.Steps))}
	for i, st := range s.Steps {
		if st.Params != nil {
			p := make(map[string]float64, len(st.Params))
			for k, v := range st.Params {
				p[k] = v
			}
			st.Params = p
		}
		out.Steps[i] = st
	}
	return out
}

// Index returns the position of the named step, or -1
func (s *Script) Index(name string) int {
	for i, st := range s.Steps {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// Step returns the named step
func (s *Script) Step(name string) (Step, error) {
	i := s.Index(name)
	if i < 0 {
		return Step{}, errors.Wrapf(ErrUnknownStep, "%q", name)
	}
	return s.Steps[i], nil
}

// Measurements returns the measure steps, in order
func (s *Script) Measurements() []Step {
	var out []Step
	for _, st := range s.Steps {
		if st.Type == Measure {
			out = append(out, st)
		}
	}
	return out
}

// edit applies fn to a copy of the steps and keeps the result if it validates
func (s *Script) edit(fn func([]Step) ([]Step, error)) error {
	steps := append([]Step(nil), s.Steps...)
	steps, err := fn(steps)
	if err != nil {
		return err
	}
	next := Script{Name: s.Name, Steps: steps}
	if err := next.Validate(); err != nil {
		return err
	}
	s.Steps = steps
	return nil
}

// Append adds a step at the end
func (s *Script) Append(st Step) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		return append(steps, st), nil
	})
}

// Insert places a step at index at, shifting later steps down.
// at == len(Steps) appends
func (s *Script) Insert(at int, st Step) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		if at < 0 || at > len(steps) {
			return nil, errors.Wrapf(ErrInvalid, "insert position %d outside 0..%d", at, len(steps))
		}
		steps = append(steps, Step{})
		copy(steps[at+1:], steps[at:])
		steps[at] = st
		return steps, nil
	})
}

// Move relocates the step at index from so that it ends up at index to
func (s *Script) Move(from, to int) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		n := len(steps)
		if from < 0 || from >= n || to < 0 || to >= n {
			return nil, errors.Wrapf(ErrInvalid, "move %d to %d outside 0..%d", from, to, n-1)
		}
		st := steps[from]
		steps = append(steps[:from], steps[from+1:]...)
		steps = append(steps[:to], append([]Step{st}, steps[to:]...)...)
		return steps, nil
	})
}

// Remove deletes the named step
func (s *Script) Remove(name string) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		i := s.Index(name)
		if i < 0 {
			return nil, errors.Wrapf(ErrUnknownStep, "%q", name)
		}
		return append(steps[:i], steps[i+1:]...), nil
	})
}

// Rename changes the name of a step
func (s *Script) Rename(old, name string) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		i := s.Index(old)
		if i < 0 {
			return nil, errors.Wrapf(ErrUnknownStep, "%q", old)
		}
		steps[i].Name = name
		return steps, nil
	})
}

// Replace swaps the named step for st, which may carry a new name
func (s *Script) Replace(name string, st Step) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		i := s.Index(name)
		if i < 0 {
			return nil, errors.Wrapf(ErrUnknownStep, "%q", name)
		}
		steps[i] = st
		return steps, nil
	})
}

// Configure merges params into the named step's parameters
func (s *Script) Configure(name string, params map[string]float64) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		i := s.Index(name)
		if i < 0 {
			return nil, errors.Wrapf(ErrUnknownStep, "%q", name)
		}
		steps[i].Params = merge(steps[i].Params, params)
		return steps, nil
	})
}

// merge returns dst overlaid with src, nil when both are empty so that
// unparameterized steps stay that way through Save and Load
func merge(dst, src map[string]float64) map[string]float64 {
	if len(dst) == 0 && len(src) == 0 {
		return nil
	}
	out := make(map[string]float64, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ApplyOverrides merges per step parameters keyed by step name.
// Overrides naming steps which are not in the script are ignored
func (s *Script) ApplyOverrides(o config.Overrides) error {
	return s.edit(func(steps []Step) ([]Step, error) {
		for i := range steps {
			if p, ok := o[steps[i].Name]; ok {
				steps[i].Params = merge(steps[i].Params, p)
			}
		}
		return steps, nil
	})
}

// Decode reads and validates a script
func Decode(r io.Reader) (*Script, error) {
	s := &Script{}
	if err := json.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decoding script")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Encode writes the script as indented JSON
func (s *Script) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Load reads a script file
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return s, nil
}

// Save validates the script and writes it to path
func (s *Script) Save(path string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = s.Encode(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// UniqueName returns base, or base_2, base_3 ... whichever the script does
// not yet use
func (s *Script) UniqueName(base string) string {
	if s.Index(base) < 0 {
		return base
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if s.Index(name) < 0 {
			return name
		}
	}
}
