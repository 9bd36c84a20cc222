package export_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
)

func results() export.Table {
	t := export.Table{Columns: []string{"Iteration", "Timestamp", "ripple (V)", "note"}}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t.Append(1, ts, 0.25, "ok")
	t.Append(2, ts.Add(time.Second), nil, "")
	return t
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, results()); err != nil {
		t.Fatal(err)
	}
	want := "Iteration,Timestamp,ripple (V),note\n" +
		"1,2024-03-01T12:00:00Z,0.25,ok\n" +
		"2,2024-03-01T12:00:01Z,,\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := export.WriteJSON(&buf, export.Table{Columns: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"rows": []`) {
		t.Errorf("empty table should encode rows as [], got %s", buf.String())
	}
}

func TestXLSXRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	in := export.Table{Sheet: "Measurements", Columns: []string{"Channel", "Vpp"}}
	in.Append("Channel 1", 1.5)
	in.Append("Channel 3", nil)
	if err := export.Write(path, in); err != nil {
		t.Fatal(err)
	}
	got, err := export.ReadXLSX(path)
	if err != nil {
		t.Fatal(err)
	}
	want := export.Table{
		Sheet:   "Measurements",
		Columns: []string{"Channel", "Vpp"},
		Rows:    [][]interface{}{{"Channel 1", 1.5}, {"Channel 3", nil}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	in := export.Table{Columns: []string{"step", "value"}}
	in.Append("ripple", 0.25)
	var buf bytes.Buffer
	if err := export.WriteMsgpack(&buf, in); err != nil {
		t.Fatal(err)
	}
	got, err := export.ReadMsgpack(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]export.Format{
		"a.json":       export.JSON,
		"dir/b.CSV":    export.CSV,
		"c.xlsx":       export.XLSX,
		"d.msgpack":    export.Msgpack,
		"e.mpk":        export.Msgpack,
		"results.json": export.JSON,
	}
	for in, want := range tests {
		got, err := export.FormatFromPath(in)
		if err != nil || got != want {
			t.Errorf("FormatFromPath(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"noext", "x.pdf"} {
		if _, err := export.FormatFromPath(bad); !errors.Is(err, export.ErrUnknownFormat) {
			t.Errorf("FormatFromPath(%q): expected ErrUnknownFormat, got %v", bad, err)
		}
	}
}

func sine() oscilloscope.Waveform {
	return oscilloscope.Waveform{
		Preamble: oscilloscope.Preamble{Points: 4, XIncrement: 1e-6, XOrigin: -2e-6},
		Channels: map[int]oscilloscope.Channel{
			1: oscilloscope.Volts([]float64{0, 1, 0, -1}),
			3: oscilloscope.Volts([]float64{2, 2, 2, 2}),
		},
	}
}

func TestWaveformCSV(t *testing.T) {
	wav := sine()
	var buf bytes.Buffer
	if err := export.WaveformCSV(&buf, &wav); err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	if first != "Time (s),Channel 1 Amplitude (V),Channel 3 Amplitude (V)" {
		t.Errorf("header %q", first)
	}
	if err := export.WaveformCSV(&buf, &oscilloscope.Waveform{}); !errors.Is(err, export.ErrEmptyWaveform) {
		t.Errorf("expected ErrEmptyWaveform, got %v", err)
	}
}

func TestWaveformPNG(t *testing.T) {
	wav := sine()
	var buf bytes.Buffer
	if err := export.WaveformPNG(&buf, &wav, "test"); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
}

func TestWaveformFITS(t *testing.T) {
	wav := sine()
	var buf bytes.Buffer
	if err := export.WaveformFITS(&buf, &wav); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatal("primary HDU is not an image")
	}
	if card := img.Header().Get("DT"); card == nil || card.Value.(float64) != 1e-6 {
		t.Errorf("DT card %+v", card)
	}
	if card := img.Header().Get("CHANNELS"); card == nil || card.Value.(string) != "1,3" {
		t.Errorf("CHANNELS card %+v", card)
	}
	var data []float64
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 1, 0, -1, 2, 2, 2, 2}, data); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}
}

type fakeSource struct {
	captures int
}

func (f *fakeSource) Screenshot() ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}

func (f *fakeSource) CaptureAll(channels ...int) (oscilloscope.Waveform, error) {
	f.captures++
	return sine(), nil
}

type fakeMeasurer struct{}

func (fakeMeasurer) Measure(ctx context.Context, k measure.Kind, ch, ref int) (measure.Result, error) {
	if ch == 3 && k == measure.Frequency {
		return measure.Result{}, measure.ErrNoResult
	}
	return measure.Result{Kind: k, Channel: ch, Value: float64(ch)}, nil
}

func TestSaveCapture(t *testing.T) {
	c := config.DefaultCapture()
	c.Channels = [4]int{1, 0, 1, 0}
	c.Measurements[measure.Frequency.String()] = 1
	c.SaveDirectory = t.TempDir()
	c.FileName = "board3"
	src := &fakeSource{}
	art, err := export.SaveCapture(context.Background(), src, fakeMeasurer{}, c, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"board3_screenshot.png", "board3_waveform_plot.png", "board3_waveform_data.csv", "board3_measurements.xlsx"} {
		if _, err := os.Stat(filepath.Join(c.SaveDirectory, "board3", name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if src.captures != 1 {
		t.Errorf("waveforms captured %d times, want 1", src.captures)
	}
	if len(art.Failed) != 1 {
		t.Errorf("expected one failed measurement, got %v", art.Failed)
	}
	tbl, err := export.ReadXLSX(art.Measurements)
	if err != nil {
		t.Fatal(err)
	}
	want := export.Table{
		Sheet:   "Measurements",
		Columns: []string{"Channel", "Vpp", "Frequency"},
		Rows:    [][]interface{}{{"Channel 1", 1.0, 1.0}, {"Channel 3", 3.0, nil}},
	}
	if diff := cmp.Diff(want, tbl); diff != "" {
		t.Errorf("measurements mismatch (-want +got):\n%s", diff)
	}

	if _, err := export.SaveCapture(context.Background(), src, fakeMeasurer{}, c, false); !errors.Is(err, export.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if _, err := export.SaveCapture(context.Background(), src, fakeMeasurer{}, c, true); err != nil {
		t.Errorf("overwrite failed: %v", err)
	}
}

func TestSaveCaptureOnlyWhatIsSelected(t *testing.T) {
	c := config.DefaultCapture()
	c.SaveOptions = [4]int{0, 0, 1, 0}
	c.SaveDirectory = t.TempDir()
	c.FileName = "csvonly"
	art, err := export.SaveCapture(context.Background(), &fakeSource{}, nil, c, false)
	if err != nil {
		t.Fatal(err)
	}
	if art.CSV == "" || art.Plot != "" || art.Screenshot != "" || art.Measurements != "" {
		t.Errorf("artifacts %+v", art)
	}
}
