package workqueue

import (
	"context"
	"flag"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/registry"
	"github.com/gridqueue/gridqueue/pkg/scheduler"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/splitter"
	"github.com/gridqueue/gridqueue/pkg/store"
)

var nonTerminal = []element.Status{
	element.StatusAvailable,
	element.StatusNegotiating,
	element.StatusAcquired,
	element.StatusRunning,
	element.StatusCancelRequested,
}

type GlobalConfig struct {
	Name                 string        `yaml:"name"`
	SplitInterval        time.Duration `yaml:"split_interval"`
	PrioritySyncInterval time.Duration `yaml:"priority_sync_interval"`
	ReaperInterval       time.Duration `yaml:"reaper_interval"`
	NegotiationTimeout   time.Duration `yaml:"negotiation_timeout"`
	RetentionInterval    time.Duration `yaml:"retention_interval"`
	RetentionPeriod      time.Duration `yaml:"retention_period"`

	// MaxFailureRatio enables resubmission of failed jobs for elements
	// whose failed job ratio is below it. Zero disables resubmission.
	MaxFailureRatio float64 `yaml:"retry_max_failure_ratio"`

	Scheduler scheduler.Config `yaml:"scheduler"`
}

func (cfg *GlobalConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Name, prefix+"name", "global", "Name of the global queue.")
	f.DurationVar(&cfg.SplitInterval, prefix+"split-interval", 30*time.Second, "How often pending and empty requests are split again.")
	f.DurationVar(&cfg.PrioritySyncInterval, prefix+"priority-sync-interval", time.Minute, "How often request priorities are read from the registry.")
	f.DurationVar(&cfg.ReaperInterval, prefix+"reaper-interval", 30*time.Second, "How often stale negotiations and unowned cancellations are cleaned up.")
	f.DurationVar(&cfg.NegotiationTimeout, prefix+"negotiation-timeout", 5*time.Minute, "Negotiations older than this are returned to Available.")
	f.DurationVar(&cfg.RetentionInterval, prefix+"retention-interval", 10*time.Minute, "How often terminal requests are checked for retention.")
	f.DurationVar(&cfg.RetentionPeriod, prefix+"retention-period", 7*24*time.Hour, "How long terminal requests are kept before they are archived and removed.")
	f.Float64Var(&cfg.MaxFailureRatio, prefix+"retry.max-failure-ratio", 0, "Failed elements with a failed job ratio below this value get a resubmission element. 0 disables resubmission.")
	cfg.Scheduler.RegisterFlagsWithPrefix(prefix, f)
}

func (cfg *GlobalConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("global queue name is required")
	}
	for name, d := range map[string]time.Duration{
		"split interval":         cfg.SplitInterval,
		"priority sync interval": cfg.PrioritySyncInterval,
		"reaper interval":        cfg.ReaperInterval,
		"negotiation timeout":    cfg.NegotiationTimeout,
		"retention interval":     cfg.RetentionInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.MaxFailureRatio < 0 || cfg.MaxFailureRatio > 1 {
		return errors.New("retry max failure ratio must be between 0 and 1")
	}
	return nil
}

// Archiver keeps a snapshot of a terminal request before it is removed from
// the store.
type Archiver interface {
	Archive(ctx context.Context, rec *spec.Record, elements []*element.WorkElement) error
}

// RequestStatus is the rolled-up state of one request.
type RequestStatus struct {
	Name        string         `json:"name"`
	State       spec.State     `json:"state"`
	LastError   string         `json:"last_error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Elements    int            `json:"elements"`
	Result      element.Result `json:"result"`
}

// GlobalQueue accepts specifications, splits them into elements and serves
// them to local queues.
type GlobalQueue struct {
	services.Service
	*Core

	cfg      GlobalConfig
	logger   log.Logger
	store    store.Store
	catalog  catalog.Catalog
	registry registry.Registry
	archiver Archiver
	clock    quartz.Clock
	metrics  *globalMetrics

	// splitMtx serializes splitting with cancellation, so a request is
	// never split twice nor split after it was canceled.
	splitMtx sync.Mutex

	workers            *scheduler.Manager
	subservicesWatcher *services.FailureWatcher
}

// NewGlobalQueue builds a global queue. The registry and archiver are
// optional.
func NewGlobalQueue(cfg GlobalConfig, s store.Store, cat catalog.Catalog, reg registry.Registry, archiver Archiver, clock quartz.Clock, logger log.Logger, r prometheus.Registerer) (*GlobalQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = log.With(logger, "component", "global-queue", "queue", cfg.Name)
	r = prometheus.WrapRegistererWith(prometheus.Labels{"queue": cfg.Name}, r)

	g := &GlobalQueue{
		Core:               NewCore(s, clock, logger, r),
		cfg:                cfg,
		logger:             logger,
		store:              s,
		catalog:            cat,
		registry:           reg,
		archiver:           archiver,
		clock:              clock,
		metrics:            newGlobalMetrics(r),
		workers:            scheduler.NewManager(cfg.Name, cfg.Scheduler, clock, logger, r),
		subservicesWatcher: services.NewFailureWatcher(),
	}

	workers := []scheduler.Worker{
		{Name: "split", Interval: cfg.SplitInterval, Algorithm: g.splitPending},
		{Name: "negotiation-reaper", Interval: cfg.ReaperInterval, Algorithm: g.reap},
		{Name: "retention", Interval: cfg.RetentionInterval, Algorithm: g.retain},
	}
	if reg != nil {
		workers = append(workers, scheduler.Worker{Name: "priority-sync", Interval: cfg.PrioritySyncInterval, Algorithm: g.syncPriorities})
	}
	for _, w := range workers {
		if err := g.workers.Register(w); err != nil {
			return nil, err
		}
	}

	g.Service = services.NewBasicService(g.starting, g.running, g.stopping).WithName("global-queue")
	return g, nil
}

// Workers exposes the worker scheduler, e.g. to pause or wake workers.
func (g *GlobalQueue) Workers() *scheduler.Manager {
	return g.workers
}

func (g *GlobalQueue) starting(ctx context.Context) error {
	g.subservicesWatcher.WatchService(g.workers)
	return services.StartAndAwaitRunning(ctx, g.workers)
}

func (g *GlobalQueue) running(ctx context.Context) error {
	var changes <-chan registry.PriorityChange
	if g.registry != nil {
		changes = g.registry.Changes()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-g.subservicesWatcher.Chan():
			return errors.Wrap(err, "global queue worker failed")
		case change := <-changes:
			if err := g.UpdatePriority(ctx, change.Request, change.Priority); err != nil && !errors.Is(err, store.ErrSpecNotFound) {
				level.Warn(g.logger).Log("msg", "failed to apply priority change", "request", change.Request, "err", err)
			}
		}
	}
}

func (g *GlobalQueue) stopping(_ error) error {
	if err := g.workers.Terminate(context.Background()); err != nil {
		level.Warn(g.logger).Log("msg", "workers stopped with error", "err", err)
	}
	return nil
}

// Submit accepts a specification exactly once. Resubmitting an identical
// specification returns the stored record; a different specification under
// the same name fails with spec.ErrExists. Invalid specifications fail
// before anything is persisted. A catalog failure leaves the request
// pending; it is split again by the split worker.
func (g *GlobalQueue) Submit(ctx context.Context, s *spec.Specification) (*spec.Record, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	policy, err := splitter.ForKind(s.Policy, g.catalog)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(s); err != nil {
		return nil, err
	}

	rec := &spec.Record{
		Spec:        *s,
		Fingerprint: s.Fingerprint(),
		State:       spec.StatePending,
		SubmittedAt: g.clock.Now(),
	}
	created, err := g.store.PutSpec(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := g.store.GetSpec(ctx, s.Name)
		if err != nil {
			return nil, err
		}
		if existing.Fingerprint != rec.Fingerprint {
			return nil, errors.Wrapf(spec.ErrExists, "request %s", s.Name)
		}
		level.Debug(g.logger).Log("msg", "duplicate submission ignored", "request", s.Name)
		return existing, nil
	}

	level.Info(g.logger).Log("msg", "request accepted", "request", s.Name, "policy", s.Policy, "priority", s.Priority)
	return g.split(ctx, s.Name)
}

// split splits a pending or empty request and persists its elements.
func (g *GlobalQueue) split(ctx context.Context, name string) (*spec.Record, error) {
	g.splitMtx.Lock()
	defer g.splitMtx.Unlock()

	rec, err := g.store.GetSpec(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.State != spec.StatePending && rec.State != spec.StateNoWork {
		return rec, nil
	}

	policy := rec.Spec.Policy.String()
	elements, err := splitter.Split(ctx, g.catalog, &rec.Spec, nil)
	switch {
	case errors.Is(err, splitter.ErrNoWork):
		g.metrics.splitFailures.WithLabelValues(policy, "no_work").Inc()
		return g.setState(ctx, name, spec.StateNoWork, nil)
	case isFatal(err):
		g.metrics.splitFailures.WithLabelValues(policy, "invalid").Inc()
		if delErr := g.store.DeleteSpec(ctx, name); delErr != nil {
			level.Warn(g.logger).Log("msg", "failed to remove invalid request", "request", name, "err", delErr)
		}
		return nil, err
	case err != nil:
		g.metrics.splitFailures.WithLabelValues(policy, "transient").Inc()
		level.Warn(g.logger).Log("msg", "split failed, request stays pending", "request", name, "err", err)
		return g.setState(ctx, name, spec.StatePending, err)
	}

	now := g.clock.Now()
	for _, e := range elements {
		e.ID = element.NewID(now)
		e.Status = element.StatusAvailable
		e.CreatedAt = now
		e.UpdatedAt = now
	}
	if err := g.store.Insert(ctx, elements...); err != nil {
		return nil, errors.Wrapf(err, "persist elements of %s", name)
	}
	g.metrics.splitElements.WithLabelValues(policy).Add(float64(len(elements)))
	level.Info(g.logger).Log("msg", "request split", "request", name, "elements", len(elements))
	return g.setState(ctx, name, spec.StateSplit, nil)
}

func isFatal(err error) bool {
	var specErr *spec.SpecificationError
	var capErr *splitter.CapacityExceededError
	return errors.As(err, &specErr) || errors.As(err, &capErr)
}

func (g *GlobalQueue) setState(ctx context.Context, name string, state spec.State, cause error) (*spec.Record, error) {
	var out *spec.Record
	err := g.store.UpdateSpec(ctx, name, func(r *spec.Record) error {
		r.State = state
		r.LastError = ""
		if cause != nil {
			r.LastError = cause.Error()
		}
		c := *r
		out = &c
		return nil
	})
	return out, err
}

// UpdatePriority changes a request's priority and propagates it to every
// non-terminal element.
func (g *GlobalQueue) UpdatePriority(ctx context.Context, name string, priority int) error {
	err := g.store.UpdateSpec(ctx, name, func(r *spec.Record) error {
		r.Spec.Priority = priority
		return nil
	})
	if err != nil {
		return err
	}
	elements, err := g.store.List(ctx, store.Filter{RequestName: name, Statuses: nonTerminal})
	if err != nil {
		return err
	}
	for _, e := range elements {
		if e.Priority == priority {
			continue
		}
		_, err := g.store.Update(ctx, e.ID, func(e *element.WorkElement) error {
			if !e.Status.IsTerminal() {
				e.Priority = priority
				e.UpdatedAt = g.clock.Now()
			}
			return nil
		})
		if err != nil && !errors.Is(err, element.ErrNotFound) {
			return err
		}
	}
	level.Info(g.logger).Log("msg", "priority updated", "request", name, "priority", priority, "elements", len(elements))
	return nil
}

// Cancel marks every non-terminal element of a request CancelRequested.
// Elements nobody owns are canceled right away; owned elements become
// Canceled once their owner has killed their jobs.
func (g *GlobalQueue) Cancel(ctx context.Context, name string) error {
	g.splitMtx.Lock()
	defer g.splitMtx.Unlock()

	err := g.store.UpdateSpec(ctx, name, func(r *spec.Record) error {
		r.State = spec.StateCanceled
		return nil
	})
	if err != nil {
		return err
	}
	elements, err := g.store.List(ctx, store.Filter{RequestName: name, Statuses: nonTerminal})
	if err != nil {
		return err
	}
	for _, e := range elements {
		_, err := g.store.Update(ctx, e.ID, func(e *element.WorkElement) error {
			markCancelRequested(e, g.clock.Now())
			return nil
		})
		if err != nil && !errors.Is(err, element.ErrNotFound) {
			return err
		}
	}
	level.Info(g.logger).Log("msg", "request canceled", "request", name, "elements", len(elements))
	_, err = g.FinalizeCancels(ctx)
	return err
}

// Status aggregates the elements of a request. Elements superseded by a
// resubmission are left out of the status, but the output of their jobs
// that succeeded still counts. Terminal elements count with the current
// request priority since priority changes only reach live elements.
func (g *GlobalQueue) Status(ctx context.Context, name string) (*RequestStatus, error) {
	rec, err := g.store.GetSpec(ctx, name)
	if err != nil {
		return nil, err
	}
	elements, err := g.store.List(ctx, store.Filter{RequestName: name})
	if err != nil {
		return nil, err
	}
	live, superseded := partitionSuperseded(elements)

	st := &RequestStatus{
		Name:        name,
		State:       rec.State,
		LastError:   rec.LastError,
		SubmittedAt: rec.SubmittedAt,
		Elements:    len(elements),
	}
	if len(live) == 0 {
		st.Result = element.Result{RequestName: name, Team: rec.Spec.Team, Priority: rec.Spec.Priority, Status: element.StatusAvailable}
		if rec.State == spec.StateCanceled {
			st.Result.Status = element.StatusCanceled
		}
		return st, nil
	}

	members := make([]element.Result, 0, len(live))
	for _, e := range live {
		m := element.ResultOf(e)
		if e.Status.IsTerminal() {
			m.Priority = rec.Spec.Priority
		}
		members = append(members, m)
	}
	st.Result, err = element.Aggregate(members)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate %s", name)
	}
	// Only successful jobs add to these counters, and only failed jobs are
	// retried, so nothing is counted twice.
	for _, e := range superseded {
		st.Result.EventsWritten += e.Progress.EventsWritten
		st.Result.FilesProcessed += e.Progress.FilesProcessed
	}
	return st, nil
}

// Elements lists every element of a request.
func (g *GlobalQueue) Elements(ctx context.Context, name string) ([]*element.WorkElement, error) {
	if _, err := g.store.GetSpec(ctx, name); err != nil {
		return nil, err
	}
	return g.store.List(ctx, store.Filter{RequestName: name})
}

// Requests lists every accepted request.
func (g *GlobalQueue) Requests(ctx context.Context) ([]*spec.Record, error) {
	return g.store.ListSpecs(ctx)
}

// partitionSuperseded splits elements into those that count towards the
// request status and those replaced by a resubmission.
func partitionSuperseded(elements []*element.WorkElement) (live, superseded []*element.WorkElement) {
	parents := map[string]struct{}{}
	for _, e := range elements {
		if e.ParentElementID != "" {
			parents[e.ParentElementID] = struct{}{}
		}
	}
	live = make([]*element.WorkElement, 0, len(elements))
	for _, e := range elements {
		if _, ok := parents[e.ID]; ok {
			superseded = append(superseded, e)
			continue
		}
		live = append(live, e)
	}
	return live, superseded
}

// splitPending retries requests that are pending or produced no work, and
// resubmits failed jobs.
func (g *GlobalQueue) splitPending(ctx context.Context) error {
	recs, err := g.store.ListSpecs(ctx)
	if err != nil {
		return scheduler.Transient(err)
	}

	counts := map[spec.State]int{}
	for _, r := range recs {
		counts[r.State]++
		if r.State != spec.StatePending && r.State != spec.StateNoWork {
			continue
		}
		if _, err := g.split(ctx, r.Spec.Name); err != nil && !isFatal(err) {
			return scheduler.Transient(err)
		}
	}
	g.metrics.requests.Reset()
	for state, n := range counts {
		g.metrics.requests.WithLabelValues(string(state)).Set(float64(n))
	}

	if g.cfg.MaxFailureRatio > 0 {
		if err := g.resubmitFailed(ctx); err != nil {
			return scheduler.Transient(err)
		}
	}
	return nil
}

// resubmitFailed creates one resubmission element for each failed element
// whose failed job ratio is below the configured limit. Resubmission
// elements are not resubmitted again.
func (g *GlobalQueue) resubmitFailed(ctx context.Context) error {
	g.splitMtx.Lock()
	defer g.splitMtx.Unlock()

	failed, err := g.store.List(ctx, store.Filter{Statuses: []element.Status{element.StatusFailed}})
	if err != nil {
		return err
	}
	for _, e := range failed {
		if e.ParentFlag || len(e.Progress.FailedJobs) == 0 {
			continue
		}
		ratio := failureRatio(e.Progress)
		if ratio >= g.cfg.MaxFailureRatio {
			continue
		}
		rec, err := g.store.GetSpec(ctx, e.RequestName)
		if err != nil {
			return err
		}
		if rec.State == spec.StateCanceled {
			continue
		}
		siblings, err := g.store.List(ctx, store.Filter{RequestName: e.RequestName})
		if err != nil {
			return err
		}
		if slices.ContainsFunc(siblings, func(s *element.WorkElement) bool { return s.ParentElementID == e.ID }) {
			continue
		}

		child := resubmission(e, g.clock.Now())
		child.Priority = rec.Spec.Priority
		if err := g.store.Insert(ctx, child); err != nil {
			return err
		}
		g.metrics.resubmissions.Inc()
		level.Info(g.logger).Log("msg", "resubmitting failed jobs", "request", e.RequestName, "element", e.ID, "resubmission", child.ID, "jobs", child.Jobs)
	}
	return nil
}

func failureRatio(p element.Progress) float64 {
	total := p.JobsDone + p.JobsFailed
	if total == 0 {
		return 1
	}
	return float64(p.JobsFailed) / float64(total)
}

func resubmission(parent *element.WorkElement, now time.Time) *element.WorkElement {
	e := parent.Clone()
	e.ID = element.NewID(now)
	e.ParentFlag = true
	e.ParentElementID = parent.ID
	e.Mask.RetryJobs = slices.Clone(parent.Progress.FailedJobs)
	e.Jobs = len(e.Mask.RetryJobs)
	e.Status = element.StatusAvailable
	e.Owner = ""
	e.Site = ""
	e.NegotiatedAt = time.Time{}
	e.Progress = element.Progress{}
	e.Submitted = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 0
	return e
}

func (g *GlobalQueue) reap(ctx context.Context) error {
	reaped, err := g.Reap(ctx, g.cfg.NegotiationTimeout)
	if err != nil {
		return scheduler.Transient(err)
	}
	canceled, err := g.FinalizeCancels(ctx)
	if err != nil {
		return scheduler.Transient(err)
	}
	if reaped > 0 || canceled > 0 {
		level.Debug(g.logger).Log("msg", "reaper iteration", "reaped", reaped, "canceled", canceled)
	}
	return nil
}

func (g *GlobalQueue) syncPriorities(ctx context.Context) error {
	recs, err := g.store.ListSpecs(ctx)
	if err != nil {
		return scheduler.Transient(err)
	}
	for _, r := range recs {
		if r.State == spec.StateCanceled {
			continue
		}
		p, err := g.registry.GetPriority(ctx, r.Spec.Name)
		if errors.Is(err, registry.ErrUnknownRequest) {
			continue
		}
		if err != nil {
			return scheduler.Transient(err)
		}
		if p == r.Spec.Priority {
			continue
		}
		if err := g.UpdatePriority(ctx, r.Spec.Name, p); err != nil && !errors.Is(err, store.ErrSpecNotFound) {
			return scheduler.Transient(err)
		}
	}
	return nil
}

// retain archives and removes requests that have been terminal for longer
// than the retention period.
func (g *GlobalQueue) retain(ctx context.Context) error {
	recs, err := g.store.ListSpecs(ctx)
	if err != nil {
		return scheduler.Transient(err)
	}
	now := g.clock.Now()
	for _, r := range recs {
		if r.State == spec.StatePending || r.State == spec.StateNoWork {
			continue
		}
		elements, err := g.store.List(ctx, store.Filter{RequestName: r.Spec.Name})
		if err != nil {
			return scheduler.Transient(err)
		}
		if slices.ContainsFunc(elements, func(e *element.WorkElement) bool { return !e.Status.IsTerminal() }) {
			continue
		}
		if r.TerminalAt.IsZero() {
			err := g.store.UpdateSpec(ctx, r.Spec.Name, func(r *spec.Record) error {
				r.TerminalAt = now
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrSpecNotFound) {
				return scheduler.Transient(err)
			}
			continue
		}
		if now.Sub(r.TerminalAt) < g.cfg.RetentionPeriod {
			continue
		}
		if err := g.purge(ctx, r, elements); err != nil {
			return scheduler.Transient(err)
		}
	}
	return nil
}

func (g *GlobalQueue) purge(ctx context.Context, rec *spec.Record, elements []*element.WorkElement) error {
	if g.archiver != nil {
		if err := g.archiver.Archive(ctx, rec, elements); err != nil {
			return errors.Wrapf(err, "archive %s", rec.Spec.Name)
		}
	}
	ids := make([]string, 0, len(elements))
	for _, e := range elements {
		ids = append(ids, e.ID)
	}
	if err := g.store.Delete(ctx, ids...); err != nil {
		return err
	}
	if err := g.store.DeleteSpec(ctx, rec.Spec.Name); err != nil {
		return err
	}
	g.metrics.retainedPurged.Inc()
	level.Info(g.logger).Log("msg", "request retired", "request", rec.Spec.Name, "elements", len(elements))
	return nil
}
