package workqueue

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gridqueue/gridqueue/pkg/capacity"
	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/execution"
	"github.com/gridqueue/gridqueue/pkg/jobsplit"
	"github.com/gridqueue/gridqueue/pkg/scheduler"
	"github.com/gridqueue/gridqueue/pkg/store"
)

// holding lists the statuses in which a local element occupies slots.
var holding = []element.Status{
	element.StatusAvailable,
	element.StatusNegotiating,
	element.StatusAcquired,
	element.StatusRunning,
	element.StatusCancelRequested,
}

type LocalConfig struct {
	Name string `yaml:"name"`
	// Relay queues do not run jobs. They serve their own children through
	// the same negotiation API and forward their progress upward.
	Relay bool `yaml:"relay"`

	PullInterval    time.Duration `yaml:"pull_interval"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReportInterval  time.Duration `yaml:"report_interval"`

	MaxConcurrentSubmits int `yaml:"max_concurrent_submits"`

	// NegotiationTimeout applies to children of a relay queue.
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	Scheduler scheduler.Config `yaml:"scheduler"`
}

func (cfg *LocalConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Name, prefix+"name", "", "Name of the local queue. Must be unique among the children of a parent.")
	f.BoolVar(&cfg.Relay, prefix+"relay", false, "Serve child queues instead of running jobs.")
	f.DurationVar(&cfg.PullInterval, prefix+"pull-interval", 30*time.Second, "How often work is pulled from the parent.")
	f.DurationVar(&cfg.ProcessInterval, prefix+"process-interval", 10*time.Second, "How often acquired elements are split into jobs and submitted.")
	f.DurationVar(&cfg.PollInterval, prefix+"poll-interval", 30*time.Second, "How often job progress is polled.")
	f.DurationVar(&cfg.ReportInterval, prefix+"report-interval", 30*time.Second, "How often progress is reported to the parent.")
	f.IntVar(&cfg.MaxConcurrentSubmits, prefix+"max-concurrent-submits", 4, "Maximum number of elements submitted to the execution layer at once.")
	f.DurationVar(&cfg.NegotiationTimeout, prefix+"negotiation-timeout", 5*time.Minute, "Child negotiations older than this are returned to Available. Relay mode only.")
	cfg.Scheduler.RegisterFlagsWithPrefix(prefix, f)
}

func (cfg *LocalConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("local queue name is required")
	}
	for name, d := range map[string]time.Duration{
		"pull interval":    cfg.PullInterval,
		"process interval": cfg.ProcessInterval,
		"poll interval":    cfg.PollInterval,
		"report interval":  cfg.ReportInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.MaxConcurrentSubmits <= 0 {
		return errors.New("max concurrent submits must be positive")
	}
	if cfg.Relay && cfg.NegotiationTimeout <= 0 {
		return errors.New("negotiation timeout must be positive")
	}
	return nil
}

// LocalQueue pulls elements from its parent for the sites it serves, runs
// them through the execution layer and reports progress upward.
type LocalQueue struct {
	services.Service

	cfg      LocalConfig
	logger   log.Logger
	parent   Parent
	store    store.Store
	catalog  catalog.Catalog
	executor execution.Executor
	capacity capacity.Provider
	clock    quartz.Clock
	metrics  *localMetrics

	// core serves children in relay mode.
	core *Core

	workers            *scheduler.Manager
	subservicesWatcher *services.FailureWatcher
}

// NewLocalQueue builds a local queue over its own element store. The
// catalog and executor are not used by relay queues and may be nil there.
func NewLocalQueue(cfg LocalConfig, parent Parent, s store.Store, cat catalog.Catalog, exec execution.Executor, sites capacity.Provider, clock quartz.Clock, logger log.Logger, r prometheus.Registerer) (*LocalQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Relay && exec == nil {
		return nil, errors.New("local queue needs an executor")
	}
	logger = log.With(logger, "component", "local-queue", "queue", cfg.Name)
	r = prometheus.WrapRegistererWith(prometheus.Labels{"queue": cfg.Name}, r)

	q := &LocalQueue{
		cfg:                cfg,
		logger:             logger,
		parent:             parent,
		store:              s,
		catalog:            cat,
		executor:           exec,
		capacity:           sites,
		clock:              clock,
		metrics:            newLocalMetrics(r),
		workers:            scheduler.NewManager(cfg.Name, cfg.Scheduler, clock, logger, r),
		subservicesWatcher: services.NewFailureWatcher(),
	}

	workers := []scheduler.Worker{
		{Name: "pull", Interval: cfg.PullInterval, Algorithm: q.pullWork},
		{Name: "report", Interval: cfg.ReportInterval, Algorithm: q.reportProgress},
	}
	if cfg.Relay {
		q.core = NewCore(s, clock, logger, r)
		workers = append(workers, scheduler.Worker{Name: "negotiation-reaper", Interval: cfg.PullInterval, Algorithm: q.reapChildren})
	} else {
		workers = append(workers,
			scheduler.Worker{Name: "process", Interval: cfg.ProcessInterval, Algorithm: q.processWork},
			scheduler.Worker{Name: "poll", Interval: cfg.PollInterval, Algorithm: q.pollProgress},
		)
	}
	for _, w := range workers {
		if err := q.workers.Register(w); err != nil {
			return nil, err
		}
	}

	q.Service = services.NewBasicService(q.starting, q.running, q.stopping).WithName("local-queue")
	return q, nil
}

// Core returns the parent side a relay queue serves to its children, or nil
// for a queue that runs jobs itself.
func (q *LocalQueue) Core() *Core {
	return q.core
}

func (q *LocalQueue) Workers() *scheduler.Manager {
	return q.workers
}

func (q *LocalQueue) starting(ctx context.Context) error {
	q.subservicesWatcher.WatchService(q.workers)
	return services.StartAndAwaitRunning(ctx, q.workers)
}

func (q *LocalQueue) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-q.subservicesWatcher.Chan():
		return errors.Wrap(err, "local queue worker failed")
	}
}

func (q *LocalQueue) stopping(_ error) error {
	if err := q.workers.Terminate(context.Background()); err != nil {
		level.Warn(q.logger).Log("msg", "workers stopped with error", "err", err)
	}
	return nil
}

// pullWork offers the free slots of every site to the parent and acquires
// the matched elements. Lost races are left for the next cycle.
func (q *LocalQueue) pullWork(ctx context.Context) error {
	sites, err := q.capacity.Sites(ctx)
	if err != nil {
		return scheduler.Transient(err)
	}
	held, err := q.store.List(ctx, store.Filter{Statuses: holding})
	if err != nil {
		return scheduler.Transient(err)
	}
	used := map[string]int{}
	for _, e := range held {
		used[e.Site] += e.ExpectedSlots()
	}
	var offers []SiteOffer
	for _, s := range sites {
		if free := s.Slots - used[s.Name]; free > 0 {
			offers = append(offers, SiteOffer{Site: s.Name, FreeSlots: free, Resources: s.Resources})
		}
	}
	if len(offers) == 0 {
		return nil
	}

	candidates, err := q.parent.AvailableWork(ctx, &WorkRequest{Queue: q.cfg.Name, Sites: offers})
	if err != nil {
		return scheduler.Transient(errors.Wrap(err, "list available work"))
	}
	for _, c := range candidates {
		e, err := q.parent.Acquire(ctx, &AcquireRequest{Queue: q.cfg.Name, ElementID: c.ID, Site: c.Site})
		if errors.Is(err, element.ErrConflict) || errors.Is(err, ErrNotEligible) {
			level.Debug(q.logger).Log("msg", "lost negotiation", "element", c.ID, "err", err)
			continue
		}
		if err != nil {
			return scheduler.Transient(errors.Wrapf(err, "acquire %s", c.ID))
		}
		if err := q.adopt(ctx, e); err != nil {
			return scheduler.Transient(err)
		}
	}
	return nil
}

// adopt stores an element acquired from the parent. A relay queue offers it
// to its own children as Available.
func (q *LocalQueue) adopt(ctx context.Context, e *element.WorkElement) error {
	local := e.Clone()
	local.Version = 0
	local.Submitted = nil
	if q.cfg.Relay {
		local.Status = element.StatusAvailable
		local.Owner = ""
		local.NegotiatedAt = time.Time{}
	}
	err := q.store.Insert(ctx, local)
	if errors.Is(err, store.ErrExists) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "store acquired element %s", e.ID)
	}
	q.metrics.acquired.Inc()
	level.Info(q.logger).Log("msg", "element acquired", "element", e.ID, "request", e.RequestName, "site", e.Site, "jobs", e.Jobs)
	return nil
}

// processWork sub-splits acquired elements and submits their jobs. Each
// element is handled by one goroutine; at most MaxConcurrentSubmits run at
// once.
func (q *LocalQueue) processWork(ctx context.Context) error {
	acquired, err := q.store.List(ctx, store.Filter{Statuses: []element.Status{element.StatusAcquired}})
	if err != nil {
		return scheduler.Transient(err)
	}
	sem := semaphore.NewWeighted(int64(q.cfg.MaxConcurrentSubmits))
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range acquired {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return q.start(gctx, e)
		})
	}
	return g.Wait()
}

func (q *LocalQueue) start(ctx context.Context, e *element.WorkElement) error {
	files, err := q.files(ctx, e)
	if err != nil {
		return scheduler.Transient(err)
	}
	jobs, err := jobsplit.Split(e, files)
	if err != nil {
		level.Error(q.logger).Log("msg", "element cannot be split into jobs", "element", e.ID, "err", err)
		return q.finish(ctx, e.ID, element.StatusAcquired, element.StatusFailed)
	}
	if len(jobs) == 0 {
		return q.finish(ctx, e.ID, element.StatusAcquired, element.StatusDone)
	}

	handles, err := q.executor.Submit(ctx, e.Site, jobs)
	if err != nil {
		return scheduler.Transient(errors.Wrapf(err, "submit jobs of %s", e.ID))
	}
	submitted := make([]element.SubmittedJob, 0, len(handles))
	for i, h := range handles {
		submitted = append(submitted, element.SubmittedJob{Index: jobs[i].Index, Handle: string(h)})
	}
	q.metrics.jobsSubmitted.Add(float64(len(submitted)))

	_, err = store.CompareAndSwap(ctx, q.store, e.ID, element.StatusAcquired, element.StatusRunning, func(e *element.WorkElement) error {
		e.Submitted = submitted
		e.UpdatedAt = q.clock.Now()
		return nil
	})
	if errors.Is(err, element.ErrConflict) {
		return q.abandon(ctx, e.ID, submitted)
	}
	if err != nil {
		return scheduler.Transient(err)
	}
	level.Info(q.logger).Log("msg", "element running", "element", e.ID, "site", e.Site, "jobs", len(jobs))
	return nil
}

// abandon kills jobs submitted for an element that was canceled while they
// were being submitted. An element still waiting for its cancel keeps the
// handles, so it only becomes Canceled once the kill is confirmed.
func (q *LocalQueue) abandon(ctx context.Context, id string, submitted []element.SubmittedJob) error {
	level.Info(q.logger).Log("msg", "element canceled during submission, killing jobs", "element", id, "jobs", len(submitted))
	if err := q.executor.Kill(ctx, handlesOf(submitted)); err != nil {
		return scheduler.Transient(errors.Wrapf(err, "kill jobs of %s", id))
	}
	_, err := q.store.Update(ctx, id, func(e *element.WorkElement) error {
		if e.Status == element.StatusCancelRequested {
			e.Submitted = submitted
		}
		return nil
	})
	if err != nil && !errors.Is(err, element.ErrNotFound) {
		return scheduler.Transient(err)
	}
	return nil
}

func (q *LocalQueue) files(ctx context.Context, e *element.WorkElement) ([]catalog.File, error) {
	if e.IsSynthetic() {
		return nil, nil
	}
	if q.catalog == nil {
		return nil, errors.New("no catalog configured for dataset elements")
	}
	blocks := e.Mask.Blocks
	if len(blocks) == 0 {
		for _, b := range e.Blocks {
			blocks = append(blocks, b.Name)
		}
	}
	var files []catalog.File
	for _, b := range blocks {
		fs, err := q.catalog.Files(ctx, b)
		if err != nil {
			return nil, errors.Wrapf(err, "files of block %s", b)
		}
		files = append(files, fs...)
	}
	return files, nil
}

func (q *LocalQueue) finish(ctx context.Context, id string, from, to element.Status) error {
	_, err := store.CompareAndSwap(ctx, q.store, id, from, to, func(e *element.WorkElement) error {
		e.UpdatedAt = q.clock.Now()
		return nil
	})
	if err != nil && !errors.Is(err, element.ErrConflict) {
		return scheduler.Transient(err)
	}
	return nil
}

// pollProgress updates running elements from their jobs and finalizes
// cancellations once every job is gone.
func (q *LocalQueue) pollProgress(ctx context.Context) error {
	elements, err := q.store.List(ctx, store.Filter{Statuses: []element.Status{element.StatusRunning, element.StatusCancelRequested}})
	if err != nil {
		return scheduler.Transient(err)
	}
	for _, e := range elements {
		switch e.Status {
		case element.StatusRunning:
			err = q.track(ctx, e)
		case element.StatusCancelRequested:
			err = q.cancel(ctx, e)
		}
		if err != nil {
			return scheduler.Transient(err)
		}
	}
	return nil
}

func (q *LocalQueue) track(ctx context.Context, e *element.WorkElement) error {
	if len(e.Submitted) == 0 {
		level.Warn(q.logger).Log("msg", "running element has no submitted jobs", "element", e.ID)
		return q.finish(ctx, e.ID, element.StatusRunning, element.StatusFailed)
	}
	statuses, err := q.executor.Poll(ctx, handlesOf(e.Submitted))
	if err != nil {
		return errors.Wrapf(err, "poll jobs of %s", e.ID)
	}
	progress, complete := progressOf(e.Submitted, statuses)

	_, err = q.store.Update(ctx, e.ID, func(e *element.WorkElement) error {
		if e.Status != element.StatusRunning {
			return fmt.Errorf("%w: element %s is %s", element.ErrConflict, e.ID, e.Status)
		}
		e.Progress = progress
		if complete {
			e.Status = element.StatusDone
			if progress.JobsFailed > 0 {
				e.Status = element.StatusFailed
			}
		}
		e.UpdatedAt = q.clock.Now()
		return nil
	})
	if errors.Is(err, element.ErrConflict) {
		return nil
	}
	if err == nil && complete {
		level.Info(q.logger).Log("msg", "element finished", "element", e.ID, "jobs_done", progress.JobsDone, "jobs_failed", progress.JobsFailed)
	}
	return err
}

// cancel kills the element's jobs and marks it Canceled once the execution
// layer reports all of them terminal.
func (q *LocalQueue) cancel(ctx context.Context, e *element.WorkElement) error {
	if len(e.Submitted) > 0 {
		handles := handlesOf(e.Submitted)
		if err := q.executor.Kill(ctx, handles); err != nil {
			return errors.Wrapf(err, "kill jobs of %s", e.ID)
		}
		statuses, err := q.executor.Poll(ctx, handles)
		if err != nil {
			return errors.Wrapf(err, "poll jobs of %s", e.ID)
		}
		for _, st := range statuses {
			if !st.State.IsTerminal() {
				return nil
			}
		}
	}
	// Jobs recorded after e was read have not been killed yet.
	_, err := store.CompareAndSwap(ctx, q.store, e.ID, element.StatusCancelRequested, element.StatusCanceled, func(cur *element.WorkElement) error {
		if len(cur.Submitted) != len(e.Submitted) {
			return errJobsPending
		}
		cur.UpdatedAt = q.clock.Now()
		return nil
	})
	switch {
	case err == nil:
		level.Info(q.logger).Log("msg", "element canceled", "element", e.ID)
	case errors.Is(err, element.ErrConflict), errors.Is(err, errJobsPending):
	default:
		return err
	}
	return nil
}

func handlesOf(submitted []element.SubmittedJob) []execution.Handle {
	out := make([]execution.Handle, 0, len(submitted))
	for _, s := range submitted {
		out = append(out, execution.Handle(s.Handle))
	}
	return out
}

// progressOf computes element counters from job statuses and reports
// whether every job is terminal.
func progressOf(submitted []element.SubmittedJob, statuses []execution.JobStatus) (element.Progress, bool) {
	var p element.Progress
	terminal := 0
	for i, st := range statuses {
		switch st.State {
		case execution.JobSucceeded:
			p.JobsDone++
			p.EventsWritten += st.EventsWritten
			p.FilesProcessed += st.FilesProcessed
		case execution.JobFailed, execution.JobKilled:
			p.JobsFailed++
			if i < len(submitted) {
				p.FailedJobs = append(p.FailedJobs, submitted[i].Index)
			}
		}
		if st.State.IsTerminal() {
			terminal++
		}
	}
	if len(statuses) > 0 {
		p.PercentComplete = 100 * float64(terminal) / float64(len(statuses))
	}
	if terminal > 0 {
		p.PercentSuccess = 100 * float64(p.JobsDone) / float64(terminal)
	}
	return p, terminal == len(statuses)
}

// reportProgress pushes the state of every held element to the parent and
// applies the cancellations and priorities it answers with. Terminal
// elements are forgotten once reported.
func (q *LocalQueue) reportProgress(ctx context.Context) error {
	elements, err := q.store.List(ctx, store.Filter{})
	if err != nil {
		return scheduler.Transient(err)
	}
	counts := map[element.Status]int{}
	for _, e := range elements {
		counts[e.Status]++
	}
	q.metrics.elements.Reset()
	for st, n := range counts {
		q.metrics.elements.WithLabelValues(st.String()).Set(float64(n))
	}
	if len(elements) == 0 {
		return nil
	}

	req := &ProgressReport{Queue: q.cfg.Name, Elements: make([]ElementReport, 0, len(elements))}
	for _, e := range elements {
		req.Elements = append(req.Elements, ElementReport{ID: e.ID, Status: upward(e.Status), Progress: e.Progress})
	}
	resp, err := q.parent.ReportProgress(ctx, req)
	if err != nil {
		return scheduler.Transient(errors.Wrap(err, "report progress"))
	}

	cancel := append(resp.Cancel, resp.Unknown...)
	for _, id := range cancel {
		if err := q.requestCancel(ctx, id); err != nil {
			return scheduler.Transient(err)
		}
	}
	for id, p := range resp.Priorities {
		_, err := q.store.Update(ctx, id, func(e *element.WorkElement) error {
			e.Priority = p
			return nil
		})
		if err != nil && !errors.Is(err, element.ErrNotFound) {
			return scheduler.Transient(err)
		}
	}

	var done []string
	for _, e := range elements {
		if e.Status.IsTerminal() {
			done = append(done, e.ID)
		}
	}
	if len(done) > 0 {
		if err := q.store.Delete(ctx, done...); err != nil {
			return scheduler.Transient(err)
		}
	}
	return nil
}

func (q *LocalQueue) requestCancel(ctx context.Context, id string) error {
	_, err := q.store.Update(ctx, id, func(e *element.WorkElement) error {
		status := e.Status
		if markCancelRequested(e, q.clock.Now()) {
			level.Info(q.logger).Log("msg", "cancel requested by parent", "element", e.ID, "status", status)
		}
		return nil
	})
	if errors.Is(err, element.ErrNotFound) {
		return nil
	}
	return err
}

// upward maps a local status to what the parent tracks. Elements a relay
// still offers to its children stay Acquired from the parent's view.
func upward(s element.Status) element.Status {
	switch s {
	case element.StatusAvailable, element.StatusNegotiating:
		return element.StatusAcquired
	}
	return s
}

func (q *LocalQueue) reapChildren(ctx context.Context) error {
	if _, err := q.core.Reap(ctx, q.cfg.NegotiationTimeout); err != nil {
		return scheduler.Transient(err)
	}
	if _, err := q.core.FinalizeCancels(ctx); err != nil {
		return scheduler.Transient(err)
	}
	return nil
}
