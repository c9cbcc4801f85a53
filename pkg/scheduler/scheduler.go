// Package scheduler runs periodic workers. A Manager owns a set of named
// workers, each looping setup, sleep, algorithm, terminate on its own
// goroutine, and controls all of them through shared Signals.
package scheduler

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	errAlreadyStarted = errors.New("workers cannot be registered after the manager started")
	errNoWorkers      = errors.New("no workers registered")
)

type Config struct {
	// Backoff applies to transient worker failures. MaxRetries of 0 retries
	// forever.
	Backoff backoff.Config `yaml:"backoff"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+"backoff.min-period", 100*time.Millisecond, "Minimum delay before retrying a worker iteration that failed with a transient error.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+"backoff.max-period", 30*time.Second, "Maximum delay before retrying a worker iteration that failed with a transient error.")
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+"backoff.max-retries", 0, "Consecutive transient failures after which a worker stops. 0 retries forever.")
}

// Manager owns a set of workers. Starting the manager starts every worker;
// the first worker failure stops all of them and fails the manager.
type Manager struct {
	services.Service

	cfg     Config
	name    string
	logger  log.Logger
	clock   quartz.Clock
	metrics *Metrics
	signals *Signals

	mtx     sync.Mutex
	workers map[string]*worker
	order   []string
	started bool

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher

	active atomic.Int64
}

func NewManager(name string, cfg Config, clock quartz.Clock, logger log.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		cfg:     cfg,
		name:    name,
		logger:  log.With(logger, "component", "scheduler", "manager", name),
		clock:   clock,
		signals: NewSignals(),
		workers: map[string]*worker{},
	}
	m.metrics = newMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"manager": name}, reg), func() float64 {
		return float64(m.active.Load())
	})
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping).WithName(name)
	return m
}

// Register adds a worker. All workers must be registered before the manager
// is started.
func (m *Manager) Register(w Worker) error {
	if w.Name == "" || w.Algorithm == nil {
		return errors.New("worker needs a name and an algorithm")
	}
	if w.Interval <= 0 {
		return fmt.Errorf("worker %s: interval must be positive", w.Name)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.started {
		return errAlreadyStarted
	}
	if _, ok := m.workers[w.Name]; ok {
		return fmt.Errorf("worker %s already registered", w.Name)
	}
	m.workers[w.Name] = newWorker(w, m.signals, m)
	m.order = append(m.order, w.Name)
	return nil
}

// Pause holds every worker in its idle sleep until Resume. An iteration in
// progress finishes first.
func (m *Manager) Pause() {
	level.Info(m.logger).Log("msg", "pausing workers")
	m.signals.Pause()
}

func (m *Manager) Resume() {
	level.Info(m.logger).Log("msg", "resuming workers")
	m.signals.Resume()
}

func (m *Manager) Paused() bool {
	return m.signals.Paused()
}

// WakeAll ends the idle sleep of every worker.
func (m *Manager) WakeAll() {
	m.signals.Wake()
}

// Wake ends the idle sleep of one worker.
func (m *Manager) Wake(name string) {
	m.mtx.Lock()
	w, ok := m.workers[name]
	m.mtx.Unlock()
	if ok {
		w.Wake()
	}
}

// Terminate stops every worker and returns once all of them have exited. It
// returns the failure that stopped the manager, if any.
func (m *Manager) Terminate(ctx context.Context) error {
	m.StopAsync()
	if err := m.AwaitTerminated(ctx); err != nil && m.State() != services.Failed {
		return err
	}
	return m.FailureCase()
}

// ActiveThreads is the number of worker loops currently running.
func (m *Manager) ActiveThreads() int {
	return int(m.active.Load())
}

// WorkerStates reports the loop state of every worker by name.
func (m *Manager) WorkerStates() map[string]string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make(map[string]string, len(m.workers))
	for name, w := range m.workers {
		out[name] = w.loopState().String()
	}
	return out
}

func (m *Manager) starting(ctx context.Context) (err error) {
	m.mtx.Lock()
	m.started = true
	svcs := make([]services.Service, 0, len(m.order))
	for _, name := range m.order {
		svcs = append(svcs, m.workers[name])
	}
	m.mtx.Unlock()

	if len(svcs) == 0 {
		return errNoWorkers
	}

	m.subservices, err = services.NewManager(svcs...)
	if err != nil {
		return errors.Wrap(err, "creating worker manager")
	}
	m.subservicesWatcher = services.NewFailureWatcher()
	m.subservicesWatcher.WatchManager(m.subservices)

	defer func() {
		if err == nil {
			return
		}
		if stopErr := services.StopManagerAndAwaitStopped(context.Background(), m.subservices); stopErr != nil {
			level.Error(m.logger).Log("msg", "failed to stop workers after failed start", "err", stopErr)
		}
	}()

	if err := services.StartManagerAndAwaitHealthy(ctx, m.subservices); err != nil {
		return errors.Wrap(err, "starting workers")
	}
	level.Info(m.logger).Log("msg", "workers started", "count", len(svcs))
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.subservicesWatcher.Chan():
		return errors.Wrap(err, "worker failed")
	}
}

func (m *Manager) stopping(_ error) error {
	err := services.StopManagerAndAwaitStopped(context.Background(), m.subservices)
	level.Info(m.logger).Log("msg", "workers stopped", "active", m.active.Load())
	return err
}
