/*Package measure maps measurement kinds to the :MEASure subsystem of
InfiniiVision oscilloscopes and validates what comes back.

An Engine wraps anything that can write a command and read a float back,
which in practice is a *keysight.Scope:

	eng := measure.NewEngine(scope)
	vpp, err := eng.Measure(ctx, measure.Vpp, 1, 0)
*/
package measure

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/comm"
)

// NoResult is the value the scope returns when it could not make a measurement
const NoResult = 9.9e37

var (
	// ErrNoResult is returned when the scope answers with its 9.9E+37 sentinel
	ErrNoResult = errors.New("measure: scope could not make the measurement")

	// ErrBadResponse is returned for responses which are not finite numbers
	ErrBadResponse = errors.New("measure: malformed response")

	// ErrUnknownKind is returned by Parse for names it does not recognize
	ErrUnknownKind = errors.New("measure: unknown measurement")

	// ErrNeedsReference is returned when a dual source measurement is
	// requested without a reference channel
	ErrNeedsReference = errors.New("measure: reference channel required")
)

// Kind is a type of measurement
type Kind int

const (
	Invalid Kind = iota
	Vpp
	Vmin
	Vmax
	Frequency
	Period
	PulseWidth
	NegativeWidth
	DutyCycle
	RMS
	Average
	Amplitude
	Overshoot
	Preshoot
	RiseTime
	FallTime
	Phase
	EdgeCount
	PositiveEdges
	NegativePulses
	PositivePulses
	XMin
	XMax
	VTop
	VBase
	VRatio
	StdDeviation
	BitRate
	Bandwidth
	Mean
	numKinds
)

type info struct {
	mnemonic string
	display  string
	unit     string
	dual     bool
}

var kinds = [numKinds]info{
	Invalid:        {"", "Invalid", "", false},
	Vpp:            {"VPP", "Vpp", "V", false},
	Vmin:           {"VMIN", "Vmin", "V", false},
	Vmax:           {"VMAX", "Vmax", "V", false},
	Frequency:      {"FREQuency", "Frequency", "Hz", false},
	Period:         {"PERiod", "Period", "s", false},
	PulseWidth:     {"PWIDth", "Pulse Width", "s", false},
	NegativeWidth:  {"NWIDth", "Negative Width", "s", false},
	DutyCycle:      {"DUTYcycle", "Duty Cycle", "%", false},
	RMS:            {"VRMS", "RMS Voltage", "V", false},
	Average:        {"VAVerage", "Average Voltage", "V", false},
	Amplitude:      {"VAMPlitude", "Amplitude", "V", false},
	Overshoot:      {"OVERshoot", "Overshoot", "%", false},
	Preshoot:       {"PREShoot", "Preshoot", "%", false},
	RiseTime:       {"RISetime", "Rise Time", "s", false},
	FallTime:       {"FALLtime", "Fall Time", "s", false},
	Phase:          {"PHASe", "Phase", "deg", true},
	EdgeCount:      {"NEDGes", "Edge Count", "", false},
	PositiveEdges:  {"PEDGes", "Positive Edges", "", false},
	NegativePulses: {"NPULses", "Negative Pulses", "", false},
	PositivePulses: {"PPULses", "Positive Pulses", "", false},
	XMin:           {"XMIN", "XMin", "s", false},
	XMax:           {"XMAX", "XMax", "s", false},
	VTop:           {"VTOP", "VTop", "V", false},
	VBase:          {"VBASe", "VBase", "V", false},
	VRatio:         {"VRATio", "VRatio", "dB", true},
	StdDeviation:   {"SDEViation", "Std Deviation", "V", false},
	BitRate:        {"BRATe", "Bit Rate", "b/s", false},
	Bandwidth:      {"BWIDth", "Bandwidth", "Hz", false},
	Mean:           {"MEAN", "Mean", "V", false},
}

// Kinds returns every valid kind, in declaration order
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds-1)
	for k := Vpp; k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// Valid is true for every kind but Invalid
func (k Kind) Valid() bool {
	return k > Invalid && k < numKinds
}

func (k Kind) info() info {
	if !k.Valid() {
		return kinds[Invalid]
	}
	return kinds[k]
}

// Mnemonic is the SCPI keyword, e.g. FREQuency
func (k Kind) Mnemonic() string { return k.info().mnemonic }

// String is the display name, e.g. Rise Time
func (k Kind) String() string { return k.info().display }

// Unit is the physical unit of the result, empty for counts
func (k Kind) Unit() string { return k.info().unit }

// Dual is true for measurements between two sources
func (k Kind) Dual() bool { return k.info().dual }

// MarshalText encodes the display name
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, ErrUnknownKind
	}
	return []byte(k.String()), nil
}

// UnmarshalText accepts anything Parse does
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func fold(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// aliases are the short forms used in configuration files
var aliases = map[string]Kind{
	"freq":  Frequency,
	"rms":   RMS,
	"avg":   Average,
	"width": PulseWidth,
	"duty":  DutyCycle,
	"rise":  RiseTime,
	"fall":  FallTime,
	"std":   StdDeviation,
	"vamp":  Amplitude,
	"vavg":  Average,
}

// Parse accepts a display name, a SCPI mnemonic in short or long form,
// or a short alias, ignoring case, spaces and underscores
func Parse(name string) (Kind, error) {
	f := fold(name)
	if f == "" {
		return Invalid, errors.Wrap(ErrUnknownKind, "empty")
	}
	for k := Vpp; k < numKinds; k++ {
		inf := kinds[k]
		if f == fold(inf.display) || f == fold(inf.mnemonic) || f == shortForm(inf.mnemonic) {
			return k, nil
		}
	}
	if k, ok := aliases[f]; ok {
		return k, nil
	}
	return Invalid, errors.Wrapf(ErrUnknownKind, "%q", name)
}

// shortForm is the uppercase part of a SCPI keyword, lowered
func shortForm(mnemonic string) string {
	var b strings.Builder
	for _, r := range mnemonic {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// Querier is the slice of a SCPI session the engine needs
type Querier interface {
	Write(cmds ...string) error
	ReadString(cmds ...string) (string, error)
}

// Result is one recorded measurement
type Result struct {
	Kind      Kind      `json:"kind"`
	Channel   int       `json:"channel"`
	Ref       int       `json:"ref,omitempty"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine performs measurements
type Engine struct {
	q Querier

	// Attempts is the number of tries when the scope times out
	Attempts int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration
}

// NewEngine returns an engine which makes up to three attempts at a query
// that times out, 100 ms apart
func NewEngine(q Querier) *Engine {
	return &Engine{q: q, Attempts: 3, RetryDelay: 100 * time.Millisecond}
}

// Commands returns the setup command and query for a measurement
func Commands(k Kind, ch, ref int) (setup, query string) {
	src := "CHANnel" + strconv.Itoa(ch)
	if k.Dual() {
		src += ",CHANnel" + strconv.Itoa(ref)
	}
	return ":MEASure:" + k.Mnemonic() + " " + src, ":MEASure:" + k.Mnemonic() + "? " + src
}

// Measure performs one measurement of kind k on channel ch.  ref is the
// second source of dual source measurements and ignored otherwise
func (e *Engine) Measure(ctx context.Context, k Kind, ch, ref int) (Result, error) {
	res := Result{Kind: k, Channel: ch, Unit: k.Unit()}
	if !k.Valid() {
		return res, ErrUnknownKind
	}
	if k.Dual() {
		if ref < 1 {
			return res, errors.Wrapf(ErrNeedsReference, "%s", k)
		}
		res.Ref = ref
	}
	setup, query := Commands(k, ch, ref)
	var value float64
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := e.q.Write(setup)
		if err == nil {
			var resp string
			resp, err = e.q.ReadString(query)
			if err == nil {
				value, err = ParseValue(resp)
				if err != nil {
					return backoff.Permanent(err)
				}
				return nil
			}
		}
		if comm.IsTimeout(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	attempts := e.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.RetryDelay), uint64(attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return res, errors.Wrapf(err, "measuring %s on channel %d", k, ch)
	}
	res.Value = value
	res.Timestamp = time.Now()
	return res, nil
}

// ParseValue parses a measurement response, rejecting the no result
// sentinel and non finite values
func ParseValue(resp string) (float64, error) {
	resp = strings.TrimSpace(resp)
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadResponse, "%q", resp)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.Wrapf(ErrBadResponse, "%q", resp)
	}
	if math.Abs(f) >= NoResult {
		return 0, ErrNoResult
	}
	return f, nil
}
