// Package runner executes scripts against a scope, one step at a time.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/oscilloscope"
	"github.com/nasa-jpl/scopebench/script"
)

// ErrNotConfigured is returned when a step needs a collaborator the runner lacks
var ErrNotConfigured = errors.New("runner: missing collaborator")

// Instrument is the part of a scope the runner drives directly
type Instrument interface {
	Digitize(channels ...int) error
	ApplyAxis(oscilloscope.Axis) error
	ApplyParams(map[string]float64) error
}

// Measurer takes measurements; *measure.Engine is one
type Measurer interface {
	Measure(ctx context.Context, k measure.Kind, ch, ref int) (measure.Result, error)
}

// Capturer saves the artifacts of a capture step after the scope has digitized
type Capturer interface {
	Capture(ctx context.Context, st script.Step) error
}

// CapturerFunc adapts a function to Capturer
type CapturerFunc func(ctx context.Context, st script.Step) error

// Capture calls f
func (f CapturerFunc) Capture(ctx context.Context, st script.Step) error {
	return f(ctx, st)
}

// Result is one recorded measurement, tagged with the step that took it
type Result struct {
	Step  string `json:"step"`
	Index int    `json:"index"`
	measure.Result
}

// StepError reports the step a run stopped at
type StepError struct {
	Index int
	Step  script.Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step.Name, e.Err)
}

// Unwrap returns the cause
func (e *StepError) Unwrap() error { return e.Err }

// Cause returns the cause, for github.com/pkg/errors
func (e *StepError) Cause() error { return e.Err }

// EventKind is what happened
type EventKind string

const (
	// StepStarted is sent before a step executes
	StepStarted EventKind = "started"

	// StepFinished is sent after a step succeeds
	StepFinished EventKind = "finished"

	// StepFailed is sent when a step fails; the run stops
	StepFailed EventKind = "failed"

	// RunFinished is sent once per run, last
	RunFinished EventKind = "done"
)

// Event is a progress notification
type Event struct {
	Kind   EventKind `json:"kind"`
	Run    uuid.UUID `json:"run"`
	Index  int       `json:"index"`
	Step   string    `json:"step,omitempty"`
	Result *Result   `json:"result,omitempty"`
	Err    string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Observer receives events synchronously, on the goroutine executing the run
type Observer func(Event)

// Run is the record of one execution of a script.  Results are only handed
// out as copies
type Run struct {
	ID       uuid.UUID
	Script   string
	Started  time.Time
	Finished time.Time
	Err      error

	results []Result
}

// Results returns a copy of the results, in the order they were recorded
func (r *Run) Results() []Result {
	return append([]Result(nil), r.results...)
}

// Len is the number of results
func (r *Run) Len() int {
	return len(r.results)
}

// Result returns the result recorded by the named step
func (r *Run) Result(step string) (Result, bool) {
	for _, res := range r.results {
		if res.Step == step {
			return res, true
		}
	}
	return Result{}, false
}

// OK is true if the run completed every step
func (r *Run) OK() bool {
	return r.Err == nil
}

type runJSON struct {
	ID       uuid.UUID `json:"id"`
	Script   string    `json:"script"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
	Results  []Result  `json:"results"`
}

// MarshalJSON includes the results and the error message
func (r *Run) MarshalJSON() ([]byte, error) {
	out := runJSON{ID: r.ID, Script: r.Script, Started: r.Started, Finished: r.Finished, Results: r.Results()}
	if out.Results == nil {
		out.Results = []Result{}
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Runner executes scripts.  Instrument and Engine are required for the steps
// that use them; Capturer, Axis and Observer are optional
type Runner struct {
	Instrument Instrument
	Engine     Measurer

	// Capturer saves artifacts after a capture step digitizes
	Capturer Capturer

	// Axis supplies the setup of axis steps without params
	Axis func() (oscilloscope.Axis, error)

	Observer Observer
}

func (r *Runner) emit(e Event) {
	if r.Observer != nil {
		e.Time = time.Now()
		r.Observer(e)
	}
}

// Run executes every step of s in order.  The first failure stops the run;
// the results recorded before it are returned with a *StepError.  A canceled
// context stops the run the same way
func (r *Runner) Run(ctx context.Context, s *script.Script) (*Run, error) {
	s = s.Clone()
	run := &Run{ID: uuid.New(), Script: s.Name, Started: time.Now()}
	if err := s.Validate(); err != nil {
		run.Err = err
		run.Finished = time.Now()
		return run, err
	}
	for i, st := range s.Steps {
		r.emit(Event{Kind: StepStarted, Run: run.ID, Index: i, Step: st.Name})
		res, err := r.step(ctx, i, st)
		if err != nil {
			run.Err = &StepError{Index: i, Step: st, Err: err}
			r.emit(Event{Kind: StepFailed, Run: run.ID, Index: i, Step: st.Name, Err: err.Error()})
			log.Printf("run %s of %q stopped: %v", run.ID, s.Name, run.Err)
			break
		}
		ev := Event{Kind: StepFinished, Run: run.ID, Index: i, Step: st.Name}
		if res != nil {
			run.results = append(run.results, *res)
			cpy := *res
			ev.Result = &cpy
		}
		r.emit(ev)
	}
	run.Finished = time.Now()
	done := Event{Kind: RunFinished, Run: run.ID, Index: len(s.Steps)}
	if run.Err != nil {
		done.Err = run.Err.Error()
	}
	r.emit(done)
	return run, run.Err
}

func (r *Runner) step(ctx context.Context, i int, st script.Step) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch st.Type {
	case script.Start, script.End:
		return nil, nil
	case script.Delay:
		return nil, sleep(ctx, st.Duration())
	case script.Measure:
		if r.Engine == nil {
			return nil, errors.Wrap(ErrNotConfigured, "no measurement engine")
		}
		m, err := r.Engine.Measure(ctx, st.Measurement, st.Channel, st.RefChannel)
		if err != nil {
			return nil, err
		}
		return &Result{Step: st.Name, Index: i, Result: m}, nil
	case script.Axis:
		if r.Instrument == nil {
			return nil, errors.Wrap(ErrNotConfigured, "no instrument")
		}
		if len(st.Params) > 0 {
			return nil, r.Instrument.ApplyParams(st.Params)
		}
		if r.Axis == nil {
			return nil, errors.Wrap(ErrNotConfigured, "axis step without params or a default axis")
		}
		a, err := r.Axis()
		if err != nil {
			return nil, err
		}
		return nil, r.Instrument.ApplyAxis(a)
	case script.Capture:
		if r.Instrument == nil {
			return nil, errors.Wrap(ErrNotConfigured, "no instrument")
		}
		var chans []int
		if st.Channel != 0 {
			chans = []int{st.Channel}
		}
		if err := r.Instrument.Digitize(chans...); err != nil {
			return nil, err
		}
		if r.Capturer != nil {
			return nil, r.Capturer.Capture(ctx, st)
		}
		return nil, nil
	}
	return nil, errors.Wrapf(script.ErrInvalid, "unknown step type %q", st.Type)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
