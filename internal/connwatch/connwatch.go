// Package connwatch tracks the health of the relay's external
// dependencies, chiefly the MQTT broker. Each Watcher runs a probe in
// its own goroutine: while the dependency is up it is probed every
// Interval, and while it is down the wait between probes grows from
// InitialDelay to MaxDelay. Transitions are logged and reported through
// OnChange so they can be forwarded to the event bus and the /status
// endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc reports whether a dependency is reachable. nil means healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures one watcher. Zero durations take defaults.
type Config struct {
	// Name identifies the dependency in logs and status (e.g. "broker").
	Name string

	Probe ProbeFunc

	// Interval between probes while healthy (default 5s).
	Interval time.Duration

	// InitialDelay and MaxDelay bound the retry backoff while down
	// (defaults 1s and 30s). The delay doubles after each failure.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Timeout limits each probe call (default 5s).
	Timeout time.Duration

	// OnChange is called from the watcher goroutine on every ready/down
	// transition, including the first probe result. It must not block.
	OnChange func(Status)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a snapshot of a watched dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Watcher probes one dependency until stopped.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	probed bool
}

// Start launches a watcher. It panics if Name is empty or Probe is nil.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}
	go w.run(ctx)
	return w
}

// Status returns the latest probe result.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		st, changed := w.record(err)
		if changed {
			w.report(st, err)
		}

		wait := w.cfg.Interval
		if err != nil {
			wait = delay
			delay *= 2
			if delay > w.cfg.MaxDelay {
				delay = w.cfg.MaxDelay
			}
		} else {
			delay = w.cfg.InitialDelay
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

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe result and reports whether readiness changed.
// The first result always counts as a change.
func (w *Watcher) record(err error) (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ready := err == nil
	changed := !w.probed || w.status.Ready != ready
	w.probed = true

	w.status.Ready = ready
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	return w.status, changed
}

func (w *Watcher) report(st Status, err error) {
	if st.Ready {
		w.cfg.Logger.Info("dependency ready", "name", st.Name)
	} else {
		w.cfg.Logger.Warn("dependency unreachable", "name", st.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(st)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager. Watchers without a logger
// inherit logger.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher and registers it under cfg.Name, replacing
// (and stopping) any previous watcher of that name.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := Start(ctx, cfg)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return w
}

// Status returns every watcher's status sorted by name. A nil Manager
// has no watchers.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
