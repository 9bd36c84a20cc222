/*
Package bench is the control surface of scopebench.  A Bench owns the scope
session and everything built on it: the measurement engine, the current
script, the runner, the batch processor and the records of the last run,
batch and capture.  Its panels are served over HTTP by Handler.

At most one script run or batch executes at a time.  While one does, the
bench's locker rejects panel requests which would touch the scope with 423.
*/
package bench

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/batch"
	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/keysight"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/runner"
	"github.com/nasa-jpl/scopebench/script"
	"github.com/nasa-jpl/scopebench/server/middleware/locker"
	"github.com/nasa-jpl/scopebench/visa"
)

var (
	// ErrNotConnected is returned when an operation needs the scope and no
	// session is open
	ErrNotConnected = errors.New("bench: scope not connected")

	// ErrBusy is returned when a run or batch is already executing
	ErrBusy = errors.New("bench: a script or batch is running")
)

// journalLength is how many log lines the home panel keeps
const journalLength = 200

// Dialer opens a scope session
type Dialer func(addr string, timeout time.Duration) (*keysight.Scope, error)

// Bench is the application state
type Bench struct {
	// Dial opens sessions, keysight.NewScope unless replaced
	Dial Dialer

	// Detect lists attached instruments, visa.Detect unless replaced
	Detect func() ([]string, error)

	// ConfigDir is where POST /settings/save writes the settings
	ConfigDir string

	Lock    *locker.Locker
	Hub     *Hub
	Metrics *Metrics
	Monitor *Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	scope       *keysight.Scope
	idn         string
	script      *script.Script
	lastRun     *runner.Run
	lastBatch   *batch.Run
	lastCapture *export.Artifacts
	scopeMux    http.Handler
	muxFor      *keysight.Scope
	job         string
	jobCancel   context.CancelFunc
	journal     []string
}

// New returns a disconnected bench with the script of the base directory
// loaded, see LoadScript
func New() *Bench {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bench{
		Dial:      keysight.NewScope,
		ConfigDir: ".",
		Detect:    visa.Detect,
		Lock:      locker.New(),
		Hub:       NewHub(),
		Monitor:   NewMonitor(config.Get().Monitor.History),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.Metrics = NewMetrics(b.Connected)
	b.Monitor.Sink = func(s Sample) {
		if s.Err == "" {
			b.Metrics.Monitor.Set(s.Value)
		}
		b.Hub.Publish(MsgSample, s)
	}
	s, err := b.LoadScript()
	if err != nil {
		b.logf("could not load the script, starting empty: %v", err)
		s = &script.Script{Name: "script"}
	}
	b.script = s
	return b
}

// Close stops the monitor, cancels any job and closes the session
func (b *Bench) Close() error {
	b.Monitor.Stop()
	b.cancel()
	return b.Disconnect()
}

func (b *Bench) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	log.Println(line)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = append(b.journal, time.Now().Format("15:04:05")+" "+line)
	if over := len(b.journal) - journalLength; over > 0 {
		b.journal = append(b.journal[:0], b.journal[over:]...)
	}
}

// Journal returns the messages logged by the bench, oldest first
func (b *Bench) Journal() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.journal...)
}

// Store is the panel file store of the configured base directory
func (b *Bench) Store() config.Store {
	return config.Store{Dir: config.Get().BaseDirectory}
}

// Connect opens a session to addr, or the configured VISA address if addr
// is empty, replacing any open session.  It returns the *IDN? response
func (b *Bench) Connect(addr string) (string, error) {
	set := config.Get()
	if addr == "" {
		addr = set.VISAAddress
	}
	format, err := keysight.ParseFormat(set.CaptureFormat)
	if err != nil {
		return "", err
	}
	scope, err := b.Dial(addr, set.Timeout())
	if err != nil {
		return "", errors.Wrapf(err, "connecting to %s", addr)
	}
	scope.Handshaking = set.Handshaking
	scope.Format = format
	idn, err := scope.IDN()
	if err != nil {
		scope.Close()
		return "", errors.Wrapf(err, "identifying %s", addr)
	}
	b.mu.Lock()
	old := b.scope
	b.scope, b.idn = scope, idn
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	b.logf("connected to %s", idn)
	return idn, nil
}

// Disconnect closes the session, if any
func (b *Bench) Disconnect() error {
	b.mu.Lock()
	scope := b.scope
	b.scope, b.idn = nil, ""
	b.mu.Unlock()
	if scope == nil {
		return nil
	}
	b.logf("disconnected")
	return scope.Close()
}

// Connected is true while a session is open
func (b *Bench) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scope != nil
}

// IDN is the identity of the connected scope
func (b *Bench) IDN() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return "", ErrNotConnected
	}
	return b.idn, nil
}

// Scope returns the open session
func (b *Bench) Scope() (*keysight.Scope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return nil, ErrNotConnected
	}
	return b.scope, nil
}

// countingEngine feeds the measurement counters
type countingEngine struct {
	*measure.Engine
	m *Metrics
}

func (c countingEngine) Measure(ctx context.Context, k measure.Kind, ch, ref int) (measure.Result, error) {
	res, err := c.Engine.Measure(ctx, k, ch, ref)
	if err != nil {
		c.m.Failures.WithLabelValues(k.String()).Inc()
		return res, err
	}
	c.m.Measurements.WithLabelValues(k.String()).Inc()
	return res, nil
}

// Engine returns a measurement engine on the open session
func (b *Bench) Engine() (runner.Measurer, error) {
	scope, err := b.Scope()
	if err != nil {
		return nil, err
	}
	return countingEngine{Engine: measure.NewEngine(scope), m: b.Metrics}, nil
}

// Measure takes one measurement.  It fails with ErrBusy during runs
func (b *Bench) Measure(ctx context.Context, k measure.Kind, ch, ref int) (measure.Result, error) {
	if b.Busy() {
		return measure.Result{}, ErrBusy
	}
	eng, err := b.Engine()
	if err != nil {
		return measure.Result{}, err
	}
	return eng.Measure(ctx, k, ch, ref)
}

// MeasureSelection takes the measurements of measurement_config.json on its
// first channel, using the second as reference of dual source kinds
func (b *Bench) MeasureSelection(ctx context.Context) ([]measure.Result, error) {
	sel, err := b.Store().LoadSelection()
	if err != nil {
		return nil, err
	}
	kinds, err := sel.Kinds()
	if err != nil {
		return nil, err
	}
	out := make([]measure.Result, 0, len(kinds))
	for _, k := range kinds {
		res, err := b.Measure(ctx, k, sel.SelectedChannel1, sel.SelectedChannel2)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// StartMonitor polls the configured monitor measurement
func (b *Bench) StartMonitor() error {
	set := config.Get()
	k, err := measure.Parse(set.Monitor.Measurement)
	if err != nil {
		return err
	}
	if _, err := b.Scope(); err != nil {
		return err
	}
	ch := set.Monitor.Channel
	b.Monitor.Resize(set.Monitor.History)
	b.Monitor.Start(b.ctx, set.MonitorInterval(), func(ctx context.Context) (measure.Result, error) {
		return b.Measure(ctx, k, ch, ch%script.MaxChannel+1)
	})
	b.logf("monitoring %s on channel %d every %v", k, ch, set.MonitorInterval())
	return nil
}

// freeDir returns the first of base_001, base_002 ... which does not exist
// under dir
func freeDir(dir, base string) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%03d", base, i)
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name
		}
	}
}

// captureConfig is waveform_config.json with blanks filled from the settings
func (b *Bench) captureConfig() (config.Capture, error) {
	c, err := b.Store().LoadCapture()
	if err != nil {
		return c, err
	}
	set := config.Get()
	if c.SaveDirectory == "" {
		c.SaveDirectory = set.SaveDirectory
	}
	if c.FileName == "" {
		c.FileName = set.BaseFilename
	}
	return c, nil
}

// Capture saves the artifacts of the capture panel from the current
// acquisition, digitizing first if asked to
func (b *Bench) Capture(ctx context.Context, digitize, overwrite bool) (export.Artifacts, error) {
	if b.Busy() {
		return export.Artifacts{}, ErrBusy
	}
	return b.capture(ctx, digitize, overwrite, nil)
}

// capture does the work of Capture and capture steps.  rename, if not nil,
// adjusts the configuration before saving
func (b *Bench) capture(ctx context.Context, digitize, overwrite bool, rename func(*config.Capture)) (export.Artifacts, error) {
	scope, err := b.Scope()
	if err != nil {
		return export.Artifacts{}, err
	}
	eng, err := b.Engine()
	if err != nil {
		return export.Artifacts{}, err
	}
	c, err := b.captureConfig()
	if err != nil {
		return export.Artifacts{}, err
	}
	if rename != nil {
		rename(&c)
	}
	if digitize {
		if err := scope.Digitize(c.SelectedChannels()...); err != nil {
			return export.Artifacts{}, err
		}
	}
	art, err := export.SaveCapture(ctx, scope, eng, c, overwrite)
	if err != nil {
		return art, err
	}
	for _, f := range art.Failed {
		b.logf("capture measurement failed: %s", f)
	}
	b.mu.Lock()
	b.lastCapture = &art
	b.mu.Unlock()
	return art, nil
}

// LastCapture is the record of the latest capture, nil if none
func (b *Bench) LastCapture() *export.Artifacts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCapture
}

// stepCapturer saves capture steps into a fresh directory named after the
// capture file name and the step, never overwriting earlier captures
func (b *Bench) stepCapturer() runner.Capturer {
	return runner.CapturerFunc(func(ctx context.Context, st script.Step) error {
		_, err := b.capture(ctx, false, false, func(c *config.Capture) {
			if st.Channel != 0 {
				c.Channels = [4]int{}
				c.Channels[st.Channel-1] = 1
			}
			c.FileName = freeDir(c.SaveDirectory, c.FileName+"_"+st.Name)
		})
		return err
	})
}

// Runner returns a runner on the open session
func (b *Bench) Runner() (*runner.Runner, error) {
	scope, err := b.Scope()
	if err != nil {
		return nil, err
	}
	eng, err := b.Engine()
	if err != nil {
		return nil, err
	}
	return &runner.Runner{
		Instrument: scope,
		Engine:     eng,
		Capturer:   b.stepCapturer(),
		Axis:       b.Store().LoadAxis,
		Observer:   func(e runner.Event) { b.Hub.Publish(MsgEvent, e) },
	}, nil
}

// prepare clones s and merges configurations.json into it
func (b *Bench) prepare(s *script.Script) (*script.Script, error) {
	s = s.Clone()
	o, err := b.Store().LoadOverrides()
	if err != nil {
		return nil, err
	}
	if err := s.ApplyOverrides(o); err != nil {
		return nil, err
	}
	return s, nil
}

// hold claims the scope for a run or batch.  The claim is the bench's own;
// the locker only mirrors it so that panel routes answer 423
func (b *Bench) hold(what string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.job != "" {
		return errors.Wrapf(ErrBusy, "held by %s", b.job)
	}
	if !b.Lock.TryHold(what) {
		return errors.Wrapf(ErrBusy, "held by %s", b.Lock.Holder())
	}
	b.job = what
	return nil
}

// release ends the claim taken by hold and applies settings changed meanwhile
func (b *Bench) release() {
	b.mu.Lock()
	b.job = ""
	b.mu.Unlock()
	b.Lock.Unlock()
	b.ApplySettings(config.Get())
}

// ApplySettings brings the open session's handshaking, capture format and
// timeout in line with set.  While a run or batch holds the scope the
// session is left alone; release applies the settings current at its end
func (b *Bench) ApplySettings(set config.Settings) {
	format, err := keysight.ParseFormat(set.CaptureFormat)
	if err != nil {
		b.logf("session not updated: %v", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil || b.job != "" {
		return
	}
	b.scope.Handshaking = set.Handshaking
	b.scope.Format = format
	b.scope.Timeout = set.Timeout()
}

// Busy is true while a run or batch executes or the locker is held
func (b *Bench) Busy() bool {
	b.mu.Lock()
	job := b.job
	b.mu.Unlock()
	return job != "" || b.Lock.Locked()
}

// Execute runs s, the current script if nil, and records the run
func (b *Bench) Execute(ctx context.Context, s *script.Script) (*runner.Run, error) {
	if s == nil {
		s = b.Script()
	}
	if err := b.hold("run of " + s.Name); err != nil {
		return nil, err
	}
	defer b.release()
	return b.execute(ctx, s)
}

func (b *Bench) execute(ctx context.Context, s *script.Script) (*runner.Run, error) {
	r, err := b.Runner()
	if err != nil {
		return nil, err
	}
	if s, err = b.prepare(s); err != nil {
		return nil, err
	}
	b.logf("running %q, %d steps", s.Name, len(s.Steps))
	run, err := r.Run(ctx, s)
	b.Metrics.Runs.WithLabelValues(outcome(err)).Inc()
	b.mu.Lock()
	b.lastRun = run
	b.mu.Unlock()
	if err != nil {
		b.logf("run of %q failed: %v", s.Name, err)
	} else {
		b.logf("run of %q finished, %d results", s.Name, run.Len())
	}
	return run, err
}

// Batch runs s, the current script if nil, o.Iterations times and records
// the batch
func (b *Bench) Batch(ctx context.Context, s *script.Script, o batch.Options) (*batch.Run, error) {
	if s == nil {
		s = b.Script()
	}
	if err := b.hold("batch of " + s.Name); err != nil {
		return nil, err
	}
	defer b.release()
	return b.batch(ctx, s, o)
}

func (b *Bench) batch(ctx context.Context, s *script.Script, o batch.Options) (*batch.Run, error) {
	r, err := b.Runner()
	if err != nil {
		return nil, err
	}
	scope, err := b.Scope()
	if err != nil {
		return nil, err
	}
	if s, err = b.prepare(s); err != nil {
		return nil, err
	}
	p := batch.Processor{
		Runner:   r,
		Acquirer: scope,
		Progress: func(done, total int) {
			b.Metrics.BatchIterations.Inc()
			b.Hub.Publish(MsgProgress, Progress{Done: done, Total: total})
		},
	}
	b.logf("batch of %q, %d iterations", s.Name, o.Iterations)
	run, err := p.Run(ctx, s, o)
	b.mu.Lock()
	b.lastBatch = run
	b.mu.Unlock()
	if err != nil {
		b.logf("batch of %q stopped: %v", s.Name, err)
	} else {
		b.logf("batch of %q finished", s.Name)
	}
	return run, err
}

// Start runs job in the background once the lock is held, returning ErrBusy
// if it is not free.  Cancel stops the job
func (b *Bench) Start(what string, job func(context.Context) error) error {
	if err := b.hold(what); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.jobCancel = cancel
	b.mu.Unlock()
	go func() {
		defer b.release()
		defer cancel()
		job(ctx)
	}()
	return nil
}

// StartRun executes the current script in the background
func (b *Bench) StartRun() error {
	s := b.Script()
	return b.Start("run of "+s.Name, func(ctx context.Context) error {
		_, err := b.execute(ctx, s)
		return err
	})
}

// StartBatch runs a batch of the current script in the background
func (b *Bench) StartBatch(o batch.Options) error {
	if o.Iterations < 1 {
		return batch.ErrNoIterations
	}
	s := b.Script()
	return b.Start("batch of "+s.Name, func(ctx context.Context) error {
		_, err := b.batch(ctx, s, o)
		return err
	})
}

// Cancel stops the background job, if any
func (b *Bench) Cancel() {
	b.mu.Lock()
	cancel := b.jobCancel
	b.jobCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastRun is the latest script run, nil if none
func (b *Bench) LastRun() *runner.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// LastBatch is the latest batch, nil if none
func (b *Bench) LastBatch() *batch.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBatch
}
