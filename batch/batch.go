/*Package batch repeats a script several times and aggregates the results,
and merges the measurement workbooks of many capture directories.

Iterations are strictly sequential; the scope has one session.
*/
package batch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/runner"
	"github.com/nasa-jpl/scopebench/script"
)

// ErrNoIterations is returned for Options with Iterations < 1
var ErrNoIterations = errors.New("batch: at least one iteration is required")

// Acquirer triggers a fresh acquisition; *keysight.Scope is one
type Acquirer interface {
	Digitize(channels ...int) error
}

// Options configure a batch
type Options struct {
	// Iterations is how many times the script runs
	Iterations int `json:"iterations"`

	// Acquire digitizes before each iteration
	Acquire bool `json:"acquire"`

	// Interval is the minimum time between iteration starts
	Interval time.Duration `json:"interval"`
}

// Iteration is one completed run of the script
type Iteration struct {
	Index int         `json:"index"`
	Run   *runner.Run `json:"run"`
}

// Run is the record of a batch
type Run struct {
	ID         uuid.UUID
	Script     *script.Script
	Options    Options
	Started    time.Time
	Finished   time.Time
	Iterations []Iteration

	// Err is why the batch stopped early, nil if every iteration completed
	Err error
}

// OK is true if every iteration completed
func (r *Run) OK() bool {
	return r.Err == nil && len(r.Iterations) == r.Options.Iterations
}

// Table has one row per completed iteration: Iteration, Timestamp, then one
// column per measure step headed "name (unit)"
func (r *Run) Table() export.Table {
	steps := r.Script.Measurements()
	t := export.Table{Sheet: "Batch", Columns: []string{"Iteration", "Timestamp"}}
	for _, st := range steps {
		t.Columns = append(t.Columns, st.Column())
	}
	for _, it := range r.Iterations {
		row := []interface{}{it.Index, it.Run.Started}
		for _, st := range steps {
			if res, ok := it.Run.Result(st.Name); ok {
				row = append(row, res.Value)
			} else {
				row = append(row, nil)
			}
		}
		t.Append(row...)
	}
	return t
}

type runJSON struct {
	ID         uuid.UUID   `json:"id"`
	Script     string      `json:"script"`
	Options    Options     `json:"options"`
	Started    time.Time   `json:"started"`
	Finished   time.Time   `json:"finished"`
	Iterations []Iteration `json:"iterations"`
	Error      string      `json:"error,omitempty"`
}

// MarshalJSON flattens the error to its message
func (r *Run) MarshalJSON() ([]byte, error) {
	out := runJSON{ID: r.ID, Options: r.Options, Started: r.Started, Finished: r.Finished, Iterations: r.Iterations}
	if r.Script != nil {
		out.Script = r.Script.Name
	}
	if out.Iterations == nil {
		out.Iterations = []Iteration{}
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Processor runs batches
type Processor struct {
	Runner *runner.Runner

	// Acquirer is required when Options.Acquire is set
	Acquirer Acquirer

	// Progress, if not nil, is called after each completed iteration
	Progress func(done, total int)
}

// Run executes s o.Iterations times.  The batch stops at the first failing
// iteration; the completed iterations are kept and the error is returned
// alongside them
func (p *Processor) Run(ctx context.Context, s *script.Script, o Options) (*Run, error) {
	run := &Run{ID: uuid.New(), Script: s.Clone(), Options: o, Started: time.Now()}
	finish := func(err error) (*Run, error) {
		run.Err = err
		run.Finished = time.Now()
		return run, err
	}
	if o.Iterations < 1 {
		return finish(ErrNoIterations)
	}
	if err := s.Validate(); err != nil {
		return finish(err)
	}
	if o.Acquire && p.Acquirer == nil {
		return finish(errors.Wrap(runner.ErrNotConfigured, "acquire requested without an instrument"))
	}
	limit := rate.Inf
	if o.Interval > 0 {
		limit = rate.Every(o.Interval)
	}
	lim := rate.NewLimiter(limit, 1)
	for i := 1; i <= o.Iterations; i++ {
		if err := lim.Wait(ctx); err != nil {
			return finish(errors.Wrapf(err, "iteration %d", i))
		}
		if o.Acquire {
			if err := p.Acquirer.Digitize(); err != nil {
				return finish(errors.Wrapf(err, "iteration %d: acquiring", i))
			}
		}
		r, err := p.Runner.Run(ctx, run.Script)
		if err != nil {
			log.Printf("batch %s stopped at iteration %d of %d", run.ID, i, o.Iterations)
			return finish(errors.Wrapf(err, "iteration %d", i))
		}
		run.Iterations = append(run.Iterations, Iteration{Index: i, Run: r})
		if p.Progress != nil {
			p.Progress(i, o.Iterations)
		}
	}
	return finish(nil)
}
