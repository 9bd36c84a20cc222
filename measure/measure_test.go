package measure_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/scpi/scpitest"
)

// fakeScope answers queries from a list of responses, in order
type fakeScope struct {
	writes    []string
	queries   []string
	responses []string
	errs      []error
}

func (f *fakeScope) Write(cmds ...string) error {
	f.writes = append(f.writes, cmds...)
	return nil
}

func (f *fakeScope) ReadString(cmds ...string) (string, error) {
	f.queries = append(f.queries, cmds...)
	i := len(f.queries) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func TestMeasureCommands(t *testing.T) {
	f := &fakeScope{responses: []string{"+1.25E+03"}}
	eng := measure.NewEngine(f)
	res, err := eng.Measure(context.Background(), measure.Frequency, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 1250 || res.Unit != "Hz" || res.Channel != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.writes[0] != ":MEASure:FREQuency CHANnel3" {
		t.Errorf("setup was %q", f.writes[0])
	}
	if f.queries[0] != ":MEASure:FREQuency? CHANnel3" {
		t.Errorf("query was %q", f.queries[0])
	}
	if res.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestMeasurePhaseNeedsReference(t *testing.T) {
	f := &fakeScope{responses: []string{"45.0"}}
	eng := measure.NewEngine(f)
	_, err := eng.Measure(context.Background(), measure.Phase, 1, 0)
	if !errors.Is(err, measure.ErrNeedsReference) {
		t.Fatalf("expected ErrNeedsReference, got %v", err)
	}
	res, err := eng.Measure(context.Background(), measure.Phase, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if f.queries[0] != ":MEASure:PHASe? CHANnel1,CHANnel2" {
		t.Errorf("query was %q", f.queries[0])
	}
	if res.Ref != 2 || res.Value != 45 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMeasureRejectsSentinel(t *testing.T) {
	f := &fakeScope{responses: []string{"9.9E+37"}}
	eng := measure.NewEngine(f)
	_, err := eng.Measure(context.Background(), measure.Vpp, 1, 0)
	if !errors.Is(err, measure.ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
	if len(f.queries) != 1 {
		t.Errorf("a sentinel must not be retried, got %d queries", len(f.queries))
	}
}

func TestMeasureRetriesTimeouts(t *testing.T) {
	f := &fakeScope{
		responses: []string{"", "", "0.5"},
		errs:      []error{os.ErrDeadlineExceeded, os.ErrDeadlineExceeded, nil},
	}
	eng := measure.NewEngine(f)
	eng.RetryDelay = time.Millisecond
	res, err := eng.Measure(context.Background(), measure.Vmax, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 0.5 {
		t.Errorf("expected 0.5, got %v", res.Value)
	}
	if len(f.queries) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(f.queries))
	}
}

func TestMeasureGivesUpAfterThreeTimeouts(t *testing.T) {
	f := &fakeScope{
		responses: []string{""},
		errs:      []error{os.ErrDeadlineExceeded, os.ErrDeadlineExceeded, os.ErrDeadlineExceeded, nil},
	}
	eng := measure.NewEngine(f)
	eng.RetryDelay = time.Millisecond
	_, err := eng.Measure(context.Background(), measure.Vmax, 2, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(f.queries) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(f.queries))
	}
}

func TestMeasureOtherErrorsArePermanent(t *testing.T) {
	f := &fakeScope{responses: []string{""}, errs: []error{fmt.Errorf("connection reset")}}
	eng := measure.NewEngine(f)
	if _, err := eng.Measure(context.Background(), measure.Vmax, 2, 0); err == nil {
		t.Fatal("expected an error")
	}
	if len(f.queries) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(f.queries))
	}
}

func TestMeasureCanceled(t *testing.T) {
	f := &fakeScope{responses: []string{"1"}}
	eng := measure.NewEngine(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Measure(ctx, measure.Vpp, 1, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		err  error
	}{
		{"+1.00000E-03\n", 1e-3, nil},
		{"-2.5", -2.5, nil},
		{"9.9E+37", 0, measure.ErrNoResult},
		{"-9.9E+37", 0, measure.ErrNoResult},
		{"NaN", 0, measure.ErrBadResponse},
		{"", 0, measure.ErrBadResponse},
		{"abc", 0, measure.ErrBadResponse},
	}
	for _, tt := range tests {
		got, err := measure.ParseValue(tt.in)
		if !errors.Is(err, tt.err) && !(err == nil && tt.err == nil) {
			t.Errorf("ParseValue(%q) error %v, want %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseValue(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := map[string]measure.Kind{
		"Vpp":           measure.Vpp,
		"pulse width":   measure.PulseWidth,
		"PWIDth":        measure.PulseWidth,
		"pwid":          measure.PulseWidth,
		"RMS Voltage":   measure.RMS,
		"rms":           measure.RMS,
		"FREQ":          measure.Frequency,
		"rise_time":     measure.RiseTime,
		"VRatio":        measure.VRatio,
		"Std Deviation": measure.StdDeviation,
	}
	for in, want := range tests {
		got, err := measure.Parse(in)
		if err != nil || got != want {
			t.Errorf("Parse(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := measure.Parse("loudness"); !errors.Is(err, measure.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestKindsHaveMnemonics(t *testing.T) {
	for _, k := range measure.Kinds() {
		if k.Mnemonic() == "" || k.String() == "" {
			t.Errorf("kind %d lacks a mnemonic or name", int(k))
		}
		back, err := measure.Parse(k.String())
		if err != nil || back != k {
			t.Errorf("display name %q does not parse back to itself", k.String())
		}
	}
}

func TestMeasureOverTCP(t *testing.T) {
	inst := scpitest.New(t, scpitest.Table(map[string]string{
		":MEASure:VRMS? CHANnel1": "+7.07E-01",
	}))
	eng := measure.NewEngine(inst.SCPI())
	res, err := eng.Measure(context.Background(), measure.RMS, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 0.707 {
		t.Errorf("expected 0.707, got %v", res.Value)
	}
	rx := inst.Received()
	if rx[0] != ":MEASure:VRMS CHANnel1" {
		t.Errorf("setup was %q", rx[0])
	}
}

func ExampleCommands() {
	setup, query := measure.Commands(measure.Phase, 1, 2)
	fmt.Println(setup)
	fmt.Println(query)
	// Output:
	// :MEASure:PHASe CHANnel1,CHANnel2
	// :MEASure:PHASe? CHANnel1,CHANnel2
}
