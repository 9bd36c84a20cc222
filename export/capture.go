package export

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// MeasurementsSheet is the sheet name of capture measurement workbooks
const MeasurementsSheet = "Measurements"

// ErrExists is returned by SaveCapture when the capture directory exists
// and overwriting was not requested
var ErrExists = errors.New("export: capture directory exists")

// Source is what a capture reads from the scope
type Source interface {
	Screenshot() ([]byte, error)
	CaptureAll(channels ...int) (oscilloscope.Waveform, error)
}

// Measurer takes measurements; *measure.Engine is one
type Measurer interface {
	Measure(ctx context.Context, k measure.Kind, ch, ref int) (measure.Result, error)
}

// Artifacts lists what SaveCapture wrote
type Artifacts struct {
	Dir          string   `json:"dir"`
	Screenshot   string   `json:"screenshot,omitempty"`
	Plot         string   `json:"plot,omitempty"`
	CSV          string   `json:"csv,omitempty"`
	Measurements string   `json:"measurements,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

// CaptureDir is where SaveCapture writes the artifacts of c
func CaptureDir(c config.Capture) string {
	return filepath.Join(c.SaveDirectory, c.FileName)
}

// MeasurementTable measures every selected measurement on every selected
// channel.  Rows are "Channel N", columns the measurement display names.
// A measurement which fails leaves a blank cell and is listed in the
// second return
func MeasurementTable(ctx context.Context, m Measurer, c config.Capture) (Table, []string, error) {
	kinds, bad := c.SelectedMeasurements()
	if len(bad) > 0 {
		return Table{}, nil, errors.Wrapf(measure.ErrUnknownKind, "%v", bad)
	}
	t := Table{Sheet: MeasurementsSheet, Columns: []string{"Channel"}}
	for _, k := range kinds {
		t.Columns = append(t.Columns, k.String())
	}
	var failed []string
	for _, ch := range c.SelectedChannels() {
		row := []interface{}{"Channel " + strconv.Itoa(ch)}
		for _, k := range kinds {
			if err := ctx.Err(); err != nil {
				return t, failed, err
			}
			res, err := m.Measure(ctx, k, ch, c.Reference(ch))
			if err != nil {
				failed = append(failed, k.String()+" on channel "+strconv.Itoa(ch)+": "+err.Error())
				row = append(row, nil)
				continue
			}
			row = append(row, res.Value)
		}
		t.Append(row...)
	}
	return t, failed, nil
}

// SaveCapture writes the artifacts selected by c.SaveOptions under
// <save_directory>/<file_name>/, each named <file_name>_<artifact>:
// _screenshot.png, _waveform_plot.png, _waveform_data.csv and
// _measurements.xlsx
func SaveCapture(ctx context.Context, src Source, m Measurer, c config.Capture, overwrite bool) (Artifacts, error) {
	if c.FileName == "" {
		return Artifacts{}, errors.New("export: capture needs a file name")
	}
	dir := CaptureDir(c)
	art := Artifacts{Dir: dir}
	if _, err := os.Stat(dir); err == nil && !overwrite {
		return art, errors.Wrap(ErrExists, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return art, err
	}
	name := func(suffix string) string {
		return filepath.Join(dir, c.FileName+suffix)
	}

	if c.Save(config.SaveScreenshot) {
		png, err := src.Screenshot()
		if err != nil {
			return art, errors.Wrap(err, "screenshot")
		}
		art.Screenshot = name("_screenshot.png")
		if err := Screenshot(art.Screenshot, png); err != nil {
			return art, err
		}
	}

	if c.Save(config.SavePlot) || c.Save(config.SaveCSV) {
		wav, err := src.CaptureAll(c.SelectedChannels()...)
		if err != nil {
			return art, errors.Wrap(err, "capturing waveforms")
		}
		if c.Save(config.SavePlot) {
			var buf bytes.Buffer
			if err := WaveformPNG(&buf, &wav, "Captured Waveforms"); err != nil {
				return art, errors.Wrap(err, "plotting")
			}
			art.Plot = name("_waveform_plot.png")
			if err := os.WriteFile(art.Plot, buf.Bytes(), 0644); err != nil {
				return art, err
			}
		}
		if c.Save(config.SaveCSV) {
			var buf bytes.Buffer
			if err := WaveformCSV(&buf, &wav); err != nil {
				return art, err
			}
			art.CSV = name("_waveform_data.csv")
			if err := os.WriteFile(art.CSV, buf.Bytes(), 0644); err != nil {
				return art, err
			}
		}
	}

	if c.Save(config.SaveExcel) {
		if m == nil {
			return art, errors.New("export: measurements requested without a measurer")
		}
		t, failed, err := MeasurementTable(ctx, m, c)
		art.Failed = failed
		if err != nil {
			return art, err
		}
		art.Measurements = name("_measurements.xlsx")
		if err := Write(art.Measurements, t); err != nil {
			return art, err
		}
	}
	log.Printf("capture saved to %s", dir)
	return art, nil
}
