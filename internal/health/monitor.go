// Package health tracks the reachability of external dependencies such
// as the reasoning backend. Each dependency is probed on its own
// goroutine: with growing backoff while it is down and on a fixed poll
// interval while it is up. Transitions are logged and published on the
// event bus; current state is reported by /health.
//
// A dependency being down never blocks startup. Requests that need it
// fail on their own and the monitor only reports.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/supporthub/internal/events"
)

// Probe checks one dependency. It returns nil when the dependency is
// reachable and must honor ctx.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Initial is the first retry delay after a failed probe.
	Initial time.Duration
	// Max caps the retry delay.
	Max time.Duration
	// Factor multiplies the delay after each consecutive failure.
	Factor float64
	// Poll is the interval between probes while the dependency is up.
	Poll time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s ... up to one minute and polls
// healthy dependencies once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial: 2 * time.Second,
		Max:     time.Minute,
		Factor:  2,
		Poll:    time.Minute,
		Timeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Initial <= 0 {
		s.Initial = d.Initial
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Max < s.Initial {
		s.Max = s.Initial
	}
	if s.Factor < 1 {
		s.Factor = d.Factor
	}
	if s.Poll <= 0 {
		s.Poll = d.Poll
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// next returns the retry delay following cur.
func (s Schedule) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * s.Factor)
	if n > s.Max {
		return s.Max
	}
	return n
}

// Status is the reported state of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Since     time.Time `json:"since,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type dependency struct {
	name  string
	probe Probe
	done  chan struct{}

	mu     sync.Mutex
	status Status
}

func (d *dependency) snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Monitor watches a set of named dependencies.
type Monitor struct {
	schedule Schedule
	logger   *slog.Logger
	bus      *events.Bus

	mu     sync.Mutex
	deps   map[string]*dependency
	cancel []context.CancelFunc
}

// NewMonitor creates a monitor. Zero schedule fields take their
// defaults.
func NewMonitor(schedule Schedule, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		schedule: schedule.withDefaults(),
		logger:   logger.With("component", "health"),
		deps:     make(map[string]*dependency),
	}
}

// SetEventBus publishes dependency_up and dependency_down events on b.
func (m *Monitor) SetEventBus(b *events.Bus) {
	m.bus = b
}

// Watch starts probing name until ctx ends or Stop is called. The
// first probe runs immediately. Watching a name twice replaces nothing
// and returns false.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deps[name]; ok || probe == nil {
		return false
	}

	d := &dependency{
		name:   name,
		probe:  probe,
		done:   make(chan struct{}),
		status: Status{Name: name},
	}
	ctx, cancel := context.WithCancel(ctx)
	m.deps[name] = d
	m.cancel = append(m.cancel, cancel)

	go m.run(ctx, d)
	return true
}

// Status returns every dependency's state, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.Lock()
	deps := make([]*dependency, 0, len(m.deps))
	for _, d := range m.deps {
		deps = append(deps, d)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched dependency is up. A monitor with
// nothing to watch is ready.
func (m *Monitor) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop ends all probing and waits for the probe goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancel
	m.cancel = nil
	deps := make([]*dependency, 0, len(m.deps))
	for _, d := range m.deps {
		deps = append(deps, d)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, d := range deps {
		<-d.done
	}
}

func (m *Monitor) run(ctx context.Context, d *dependency) {
	defer close(d.done)

	delay := m.schedule.Initial
	for {
		up := m.check(ctx, d)
		if ctx.Err() != nil {
			return
		}

		wait := m.schedule.Poll
		if up {
			delay = m.schedule.Initial
		} else {
			wait = delay
			delay = m.schedule.next(delay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe, records it and reports transitions. It returns
// whether the dependency is up.
func (m *Monitor) check(ctx context.Context, d *dependency) bool {
	pctx, cancel := context.WithTimeout(ctx, m.schedule.Timeout)
	err := d.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; the failure says nothing about the dependency.
		return false
	}

	now := time.Now()
	d.mu.Lock()
	was := d.status
	d.status.Checks++
	d.status.LastCheck = now
	if err != nil {
		d.status.Ready = false
		d.status.Failures++
		d.status.LastError = err.Error()
	} else {
		d.status.Ready = true
		d.status.Failures = 0
		d.status.LastError = ""
	}
	changed := was.Checks == 0 || was.Ready != d.status.Ready
	if changed {
		d.status.Since = now
	}
	cur := d.status
	d.mu.Unlock()

	switch {
	case err == nil && changed:
		m.logger.Info("dependency reachable", "dependency", d.name, "checks", cur.Checks)
		m.bus.Emit(events.SourceHealth, events.KindDependencyUp, map[string]any{
			"dependency": d.name,
		})
	case err != nil && changed:
		m.logger.Warn("dependency unreachable", "dependency", d.name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindDependencyDown, map[string]any{
			"dependency": d.name,
			"error":      err.Error(),
		})
	case err != nil:
		m.logger.Debug("dependency still unreachable", "dependency", d.name, "failures", cur.Failures, "error", err)
	}
	return err == nil
}
