package bench

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/scopebench/measure"
)

// Sample is one monitor reading
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value,omitempty"`
	Unit  string    `json:"unit,omitempty"`
	Err   string    `json:"error,omitempty"`
}

// Monitor polls one measurement at a fixed rate and keeps the latest
// samples.  Readings which fail with ErrBusy are skipped silently
type Monitor struct {
	// Sink, if not nil, receives every recorded sample
	Sink func(Sample)

	mu      sync.Mutex
	history []Sample
	max     int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor returns a stopped monitor keeping at most max samples
func NewMonitor(max int) *Monitor {
	if max < 1 {
		max = 1
	}
	return &Monitor{max: max}
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.max; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	sink := m.Sink
	m.mu.Unlock()
	if sink != nil {
		sink(s)
	}
}

// Start begins polling read every interval, replacing a running poll
func (m *Monitor) Start(ctx context.Context, interval time.Duration, read func(context.Context) (measure.Result, error)) {
	m.Stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	lim := rate.NewLimiter(rate.Every(interval), 1)
	go func() {
		defer close(done)
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			res, err := read(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrBusy):
				continue
			case err != nil:
				m.record(Sample{Time: time.Now(), Err: err.Error()})
			default:
				m.record(Sample{Time: res.Timestamp, Value: res.Value, Unit: res.Unit})
			}
		}
	}()
}

// Stop ends polling and waits for the poller to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Running is true between Start and Stop
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// History returns a copy of the kept samples, oldest first
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// Resize changes how many samples are kept, dropping the oldest
func (m *Monitor) Resize(max int) {
	if max < 1 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.max = max
	if over := len(m.history) - max; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}
