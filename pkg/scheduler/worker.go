package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Worker describes one periodic task. Only Name, Interval and Algorithm are
// required.
type Worker struct {
	Name     string
	Interval time.Duration

	// Setup runs once before the first sleep. An error fails the worker.
	Setup func(ctx context.Context) error
	// Algorithm runs once per cycle. Errors wrapped with Transient are
	// retried with backoff; any other error stops the worker and the
	// manager that owns it.
	Algorithm func(ctx context.Context) error
	// Terminate runs once after the loop exits, whatever the reason.
	Terminate func() error
}

type workerState int

const (
	workerIdle workerState = iota
	workerSleeping
	workerRunning
	workerStopped
)

func (s workerState) String() string {
	switch s {
	case workerIdle:
		return "idle"
	case workerSleeping:
		return "sleeping"
	case workerRunning:
		return "running"
	case workerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("workerState(%d)", s)
	}
}

// worker drives one Worker as a dskit service.
type worker struct {
	services.Service

	spec       Worker
	signals    *Signals
	clock      quartz.Clock
	backoffCfg backoff.Config
	logger     log.Logger
	metrics    *Metrics
	active     *atomic.Int64

	state atomic.Int32
	wake  chan struct{}
}

func newWorker(spec Worker, signals *Signals, m *Manager) *worker {
	w := &worker{
		spec:       spec,
		signals:    signals,
		clock:      m.clock,
		backoffCfg: m.cfg.Backoff,
		logger:     log.With(m.logger, "worker", spec.Name),
		metrics:    m.metrics,
		active:     &m.active,
		wake:       make(chan struct{}, 1),
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping).WithName(spec.Name)
	return w
}

func (w *worker) starting(ctx context.Context) error {
	if w.spec.Setup == nil {
		return nil
	}
	return w.protect(func() error { return w.spec.Setup(ctx) })
}

func (w *worker) running(ctx context.Context) error {
	w.active.Inc()
	defer w.active.Dec()

	bk := backoff.New(ctx, w.backoffCfg)
	for {
		w.setState(workerSleeping)
		if err := w.sleep(ctx); err != nil {
			return nil
		}

		w.setState(workerRunning)
		err := w.iterate(ctx)
		switch {
		case err == nil:
			bk.Reset()
		case ctx.Err() != nil:
			return nil
		case IsTransient(err):
			w.metrics.transientFailures.WithLabelValues(w.spec.Name).Inc()
			level.Warn(w.logger).Log("msg", "worker iteration failed, will retry", "retries", bk.NumRetries(), "err", err)
			bk.Wait()
			if !bk.Ongoing() {
				if ctx.Err() != nil {
					return nil
				}
				w.metrics.iterationFailures.WithLabelValues(w.spec.Name).Inc()
				return errors.Wrapf(err, "worker %s gave up after %d retries", w.spec.Name, bk.NumRetries())
			}
		default:
			w.metrics.iterationFailures.WithLabelValues(w.spec.Name).Inc()
			level.Error(w.logger).Log("msg", "worker iteration failed, stopping", "err", err)
			return errors.Wrapf(err, "worker %s", w.spec.Name)
		}
	}
}

func (w *worker) stopping(_ error) error {
	w.setState(workerStopped)
	if w.spec.Terminate == nil {
		return nil
	}
	return w.protect(w.spec.Terminate)
}

// sleep waits for the idle interval or a wake signal. While the manager is
// paused it keeps waiting until resumed. It only returns an error when ctx
// is done.
func (w *worker) sleep(ctx context.Context) error {
	_, startWakeups, _ := w.signals.snapshot()
	timer := w.clock.NewTimer(w.spec.Interval, "scheduler", w.spec.Name)
	defer timer.Stop()

	elapsed := false
	for {
		paused, wakeups, changed := w.signals.snapshot()
		if !paused && (elapsed || wakeups != startWakeups) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			elapsed = true
		case <-w.wake:
			elapsed = true
		case <-changed:
		}
	}
}

func (w *worker) iterate(ctx context.Context) error {
	start := time.Now()
	defer func() {
		w.metrics.iterationDuration.WithLabelValues(w.spec.Name).Observe(time.Since(start).Seconds())
	}()
	w.metrics.iterations.WithLabelValues(w.spec.Name).Inc()
	return w.protect(func() error { return w.spec.Algorithm(ctx) })
}

// protect converts a panic in fn into a PanicError.
func (w *worker) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Worker: w.spec.Name, Value: r}
		}
	}()
	return fn()
}

func (w *worker) setState(s workerState) {
	w.state.Store(int32(s))
}

func (w *worker) loopState() workerState {
	return workerState(w.state.Load())
}

func (w *worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
