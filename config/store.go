package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// panel file names
const (
	AxisFile        = "axis_config.json"
	CaptureFile     = "waveform_config.json"
	SelectionFile   = "measurement_config.json"
	OverridesFile   = "configurations.json"
	ScriptFile      = "script.json"
	SequenceFile    = "sequence.json"
	channelsOnScope = 4
)

// save option indices of Capture.SaveOptions
const (
	SaveScreenshot = iota
	SavePlot
	SaveCSV
	SaveExcel
)

// Capture is the waveform capture panel, waveform_config.json
type Capture struct {
	// Channels flags channels 1..4 with 1
	Channels [channelsOnScope]int `json:"channels"`

	// Measurements flags measurements by display name with 1
	Measurements map[string]int `json:"measurements"`

	// SaveOptions flags screenshot, plot, csv and excel outputs
	SaveOptions [4]int `json:"save_options"`

	SaveDirectory string `json:"save_directory"`
	FileName      string `json:"file_name"`
}

// SelectedChannels returns the flagged channel numbers, ascending
func (c Capture) SelectedChannels() []int {
	var out []int
	for i, on := range c.Channels {
		if on == 1 {
			out = append(out, i+1)
		}
	}
	return out
}

// SelectedMeasurements returns the flagged measurements in the order of
// measure.Kinds.  Names which do not parse are returned in the second value
func (c Capture) SelectedMeasurements() ([]measure.Kind, []string) {
	flagged := map[measure.Kind]bool{}
	var bad []string
	for name, on := range c.Measurements {
		if on != 1 {
			continue
		}
		k, err := measure.Parse(name)
		if err != nil {
			bad = append(bad, name)
			continue
		}
		flagged[k] = true
	}
	var out []measure.Kind
	for _, k := range measure.Kinds() {
		if flagged[k] {
			out = append(out, k)
		}
	}
	sort.Strings(bad)
	return out, bad
}

// Reference is the second source of a dual measurement on channel ch: the
// next selected channel, or the next channel on the scope if ch is the only
// one selected
func (c Capture) Reference(ch int) int {
	chans := c.SelectedChannels()
	if len(chans) > 1 {
		for i, sel := range chans {
			if sel == ch {
				return chans[(i+1)%len(chans)]
			}
		}
	}
	return ch%channelsOnScope + 1
}

// Save reports whether save option i is flagged
func (c Capture) Save(i int) bool {
	return i >= 0 && i < len(c.SaveOptions) && c.SaveOptions[i] == 1
}

// DefaultCapture captures channel 1 to every output
func DefaultCapture() Capture {
	c := Capture{
		Channels:     [channelsOnScope]int{1, 0, 0, 0},
		Measurements: map[string]int{},
		SaveOptions:  [4]int{1, 1, 1, 1},
		FileName:     Defaults().BaseFilename,
	}
	for _, k := range measure.Kinds() {
		c.Measurements[k.String()] = 0
	}
	c.Measurements[measure.Vpp.String()] = 1
	return c
}

// Selection is the measurement panel, measurement_config.json
type Selection struct {
	SelectedMeasurements []string `json:"selected_measurements"`
	SelectedChannel1     int      `json:"selected_channel_1"`
	SelectedChannel2     int      `json:"selected_channel_2"`
}

// Kinds parses the selected measurements
func (s Selection) Kinds() ([]measure.Kind, error) {
	out := make([]measure.Kind, 0, len(s.SelectedMeasurements))
	for _, name := range s.SelectedMeasurements {
		k, err := measure.Parse(name)
		if err != nil {
			return out, err
		}
		out = append(out, k)
	}
	return out, nil
}

// DefaultSelection measures Vpp on channel 1
func DefaultSelection() Selection {
	return Selection{SelectedMeasurements: []string{measure.Vpp.String()}, SelectedChannel1: 1, SelectedChannel2: 2}
}

// Overrides are per step parameters keyed by step name, configurations.json.
// Earlier versions stored a bare delay in seconds per module, which is
// read as {"seconds": value}
type Overrides map[string]map[string]float64

// UnmarshalJSON accepts both layouts
func (o *Overrides) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Overrides{}
	for k, v := range raw {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			out[k] = map[string]float64{"seconds": f}
			continue
		}
		params := map[string]float64{}
		if err := json.Unmarshal(v, &params); err != nil {
			return errors.Wrapf(err, "override %q", k)
		}
		out[k] = params
	}
	*o = out
	return nil
}

// Store reads and writes the panel files in one directory
type Store struct {
	Dir string
}

func (s Store) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// load decodes a panel file into v, reporting false if it does not exist
func (s Store) load(name string, v interface{}) (bool, error) {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, errors.Wrapf(err, "decoding %s", name)
	}
	return true, nil
}

func (s Store) save(name string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path(name), b, 0644)
}

// LoadAxis reads axis_config.json, or the default axis
func (s Store) LoadAxis() (oscilloscope.Axis, error) {
	a := oscilloscope.DefaultAxis(channelsOnScope)
	ok, err := s.load(AxisFile, &a)
	if err != nil || !ok {
		return a, err
	}
	return a, nil
}

// SaveAxis writes axis_config.json
func (s Store) SaveAxis(a oscilloscope.Axis) error {
	return s.save(AxisFile, a)
}

// LoadCapture reads waveform_config.json, or the default capture
func (s Store) LoadCapture() (Capture, error) {
	var c Capture
	ok, err := s.load(CaptureFile, &c)
	if !ok && err == nil {
		return DefaultCapture(), nil
	}
	return c, err
}

// SaveCapture writes waveform_config.json
func (s Store) SaveCapture(c Capture) error {
	return s.save(CaptureFile, c)
}

// LoadSelection reads measurement_config.json, or the default selection
func (s Store) LoadSelection() (Selection, error) {
	sel := DefaultSelection()
	_, err := s.load(SelectionFile, &sel)
	return sel, err
}

// SaveSelection writes measurement_config.json
func (s Store) SaveSelection(sel Selection) error {
	return s.save(SelectionFile, sel)
}

// LoadOverrides reads configurations.json, empty if missing
func (s Store) LoadOverrides() (Overrides, error) {
	o := Overrides{}
	_, err := s.load(OverridesFile, &o)
	return o, err
}

// SaveOverrides writes configurations.json
func (s Store) SaveOverrides(o Overrides) error {
	return s.save(OverridesFile, o)
}

// Path returns the full path of a panel file
func (s Store) Path(name string) string {
	return s.path(name)
}
