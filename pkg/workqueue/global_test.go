package workqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/registry"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/splitter"
	"github.com/gridqueue/gridqueue/pkg/store"
)

func testGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Name:                 "global",
		SplitInterval:        time.Minute,
		PrioritySyncInterval: time.Minute,
		ReaperInterval:       time.Minute,
		NegotiationTimeout:   5 * time.Minute,
		RetentionInterval:    time.Minute,
		RetentionPeriod:      time.Hour,
	}
}

type globalFixture struct {
	queue    *GlobalQueue
	store    store.Store
	catalog  *flakyCatalog
	registry *registry.Static
	archiver *recordingArchiver
	clock    *quartz.Mock
}

func newGlobalFixture(t *testing.T, cfg GlobalConfig) *globalFixture {
	t.Helper()
	f := &globalFixture{
		store:    store.NewMemory(),
		catalog:  &flakyCatalog{Static: catalog.NewStatic()},
		registry: registry.NewStatic(),
		archiver: &recordingArchiver{},
		clock:    quartz.NewMock(t),
	}
	f.catalog.AddBlock("/ds", "/ds#1", catalog.File{Name: "a1", Size: 100, Events: 10}, catalog.File{Name: "a2", Size: 100, Events: 10})
	f.catalog.AddBlock("/ds", "/ds#2", catalog.File{Name: "b1", Size: 100, Events: 10})

	var err error
	f.queue, err = NewGlobalQueue(cfg, f.store, f.catalog, f.registry, f.archiver, f.clock, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return f
}

func (f *globalFixture) elements(t *testing.T, request string) []*element.WorkElement {
	t.Helper()
	elements, err := f.store.List(context.Background(), store.Filter{RequestName: request})
	require.NoError(t, err)
	return elements
}

func (f *globalFixture) setStatus(t *testing.T, id string, status element.Status, owner string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), id, func(e *element.WorkElement) error {
		e.Status = status
		e.Owner = owner
		return nil
	})
	require.NoError(t, err)
}

type flakyCatalog struct {
	*catalog.Static
	down atomic.Bool
}

func (c *flakyCatalog) ListBlocks(ctx context.Context, dataset string) ([]element.Block, error) {
	if c.down.Load() {
		return nil, errors.New("catalog unreachable")
	}
	return c.Static.ListBlocks(ctx, dataset)
}

type recordingArchiver struct {
	mtx      sync.Mutex
	archived map[string]int
}

func (a *recordingArchiver) Archive(_ context.Context, rec *spec.Record, elements []*element.WorkElement) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.archived == nil {
		a.archived = map[string]int{}
	}
	a.archived[rec.Spec.Name] = len(elements)
	return nil
}

func syntheticSpec(name string, events uint64) *spec.Specification {
	return &spec.Specification{
		Name:     name,
		Team:     "production",
		Priority: 10,
		Policy:   spec.PolicyEvents,
		Events:   spec.EventParams{TotalEvents: events, EventsPerJob: 1000},
	}
}

func blockSpec(name, dataset string) *spec.Specification {
	return &spec.Specification{
		Name:     name,
		Team:     "production",
		Priority: 10,
		Policy:   spec.PolicyBlock,
		Dataset:  dataset,
	}
}

func TestSubmitSplitsSyntheticWork(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	rec, err := f.queue.Submit(ctx, syntheticSpec("sim", 1_500_000))
	require.NoError(t, err)
	require.Equal(t, spec.StateSplit, rec.State)

	elements := f.elements(t, "sim")
	require.Len(t, elements, 2)
	jobs := map[int]bool{}
	for _, e := range elements {
		require.Equal(t, element.StatusAvailable, e.Status)
		require.NotEmpty(t, e.ID)
		require.Equal(t, f.clock.Now(), e.CreatedAt)
		jobs[e.Jobs] = true
	}
	require.Equal(t, map[int]bool{1000: true, 500: true}, jobs)
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	first, err := f.queue.Submit(ctx, syntheticSpec("sim", 5000))
	require.NoError(t, err)
	again, err := f.queue.Submit(ctx, syntheticSpec("sim", 5000))
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, again.Fingerprint)
	require.Len(t, f.elements(t, "sim"), 1)

	_, err = f.queue.Submit(ctx, syntheticSpec("sim", 6000))
	require.ErrorIs(t, err, spec.ErrExists)
	require.Len(t, f.elements(t, "sim"), 1)
}

func TestSubmitRejectsInvalidSpecifications(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	noWork := syntheticSpec("empty", 0)
	_, err := f.queue.Submit(ctx, noWork)
	var specErr *spec.SpecificationError
	require.ErrorAs(t, err, &specErr)

	capped := syntheticSpec("capped", 5000)
	capped.Events.EventsPerLumi = 100
	capped.Events.MaxLumisPerElement = 5
	_, err = f.queue.Submit(ctx, capped)
	var capErr *splitter.CapacityExceededError
	require.ErrorAs(t, err, &capErr)

	recs, err := f.queue.Requests(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
	elements, err := f.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Empty(t, elements)
}

func TestSubmitWithoutWorkIsRetried(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	rec, err := f.queue.Submit(ctx, blockSpec("late", "/late"))
	require.NoError(t, err)
	require.Equal(t, spec.StateNoWork, rec.State)
	require.Empty(t, f.elements(t, "late"))

	require.NoError(t, f.queue.splitPending(ctx))
	require.Empty(t, f.elements(t, "late"))

	f.catalog.AddBlock("/late", "/late#1", catalog.File{Name: "l1", Size: 10, Events: 1})
	require.NoError(t, f.queue.splitPending(ctx))
	require.Len(t, f.elements(t, "late"), 1)

	st, err := f.queue.Status(ctx, "late")
	require.NoError(t, err)
	require.Equal(t, spec.StateSplit, st.State)
}

func TestSubmitStaysPendingWhileCatalogIsDown(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	f.catalog.down.Store(true)
	rec, err := f.queue.Submit(ctx, blockSpec("reco", "/ds"))
	require.NoError(t, err)
	require.Equal(t, spec.StatePending, rec.State)
	require.Contains(t, rec.LastError, "catalog unreachable")

	require.NoError(t, f.queue.splitPending(ctx))
	require.Empty(t, f.elements(t, "reco"))

	f.catalog.down.Store(false)
	require.NoError(t, f.queue.splitPending(ctx))
	require.Len(t, f.elements(t, "reco"), 2)

	st, err := f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, spec.StateSplit, st.State)
	require.Empty(t, st.LastError)
}

func TestUpdatePriority(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, blockSpec("reco", "/ds"))
	require.NoError(t, err)
	elements := f.elements(t, "reco")
	require.Len(t, elements, 2)
	f.setStatus(t, elements[0].ID, element.StatusDone, "lq")

	require.NoError(t, f.queue.UpdatePriority(ctx, "reco", 99))

	byID := map[string]int{}
	for _, e := range f.elements(t, "reco") {
		byID[e.ID] = e.Priority
	}
	require.Equal(t, 10, byID[elements[0].ID])
	require.Equal(t, 99, byID[elements[1].ID])

	st, err := f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, 99, st.Result.Priority)

	require.ErrorIs(t, f.queue.UpdatePriority(ctx, "missing", 1), store.ErrSpecNotFound)
}

func TestCancel(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 3_000_000))
	require.NoError(t, err)
	elements := f.elements(t, "sim")
	require.Len(t, elements, 3)
	f.setStatus(t, elements[0].ID, element.StatusRunning, "lq")
	f.setStatus(t, elements[1].ID, element.StatusDone, "lq")

	require.NoError(t, f.queue.Cancel(ctx, "sim"))

	statuses := map[string]element.Status{}
	for _, e := range f.elements(t, "sim") {
		statuses[e.ID] = e.Status
	}
	require.Equal(t, element.StatusCancelRequested, statuses[elements[0].ID])
	require.Equal(t, element.StatusDone, statuses[elements[1].ID])
	require.Equal(t, element.StatusCanceled, statuses[elements[2].ID])

	st, err := f.queue.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, spec.StateCanceled, st.State)
	require.Equal(t, element.StatusCancelRequested, st.Result.Status)

	f.setStatus(t, elements[0].ID, element.StatusCanceled, "lq")
	st, err = f.queue.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, st.Result.Status)
}

func TestCancelBeforeSplit(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	f.catalog.down.Store(true)
	_, err := f.queue.Submit(ctx, blockSpec("reco", "/ds"))
	require.NoError(t, err)
	require.NoError(t, f.queue.Cancel(ctx, "reco"))

	f.catalog.down.Store(false)
	require.NoError(t, f.queue.splitPending(ctx))
	require.Empty(t, f.elements(t, "reco"))

	st, err := f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, st.Result.Status)
}

func TestStatusAggregatesElements(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, blockSpec("reco", "/ds"))
	require.NoError(t, err)
	elements := f.elements(t, "reco")

	st, err := f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, element.StatusAcquired, st.Result.Status)
	require.Equal(t, 2, st.Elements)

	f.setStatus(t, elements[0].ID, element.StatusRunning, "lq")
	st, err = f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, element.StatusRunning, st.Result.Status)

	f.setStatus(t, elements[0].ID, element.StatusDone, "lq")
	f.setStatus(t, elements[1].ID, element.StatusDone, "lq")
	st, err = f.queue.Status(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, element.StatusDone, st.Result.Status)

	_, err = f.queue.Status(ctx, "missing")
	require.ErrorIs(t, err, store.ErrSpecNotFound)
}

func TestResubmitFailedJobs(t *testing.T) {
	cfg := testGlobalConfig()
	cfg.MaxFailureRatio = 0.5
	f := newGlobalFixture(t, cfg)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 10_000))
	require.NoError(t, err)
	parent := f.elements(t, "sim")[0]
	_, err = f.store.Update(ctx, parent.ID, func(e *element.WorkElement) error {
		e.Status = element.StatusFailed
		e.Owner = "lq"
		e.Progress = element.Progress{JobsDone: 8, JobsFailed: 2, FailedJobs: []int{3, 7}, EventsWritten: 8000}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.queue.splitPending(ctx))
	require.NoError(t, f.queue.splitPending(ctx))

	elements := f.elements(t, "sim")
	require.Len(t, elements, 2)
	var child *element.WorkElement
	for _, e := range elements {
		if e.ID != parent.ID {
			child = e
		}
	}
	require.NotNil(t, child)
	require.True(t, child.ParentFlag)
	require.Equal(t, parent.ID, child.ParentElementID)
	require.Equal(t, []int{3, 7}, child.Mask.RetryJobs)
	require.Equal(t, 2, child.Jobs)
	require.Equal(t, element.StatusAvailable, child.Status)
	require.Empty(t, child.Owner)

	// the failed parent is superseded by its resubmission
	st, err := f.queue.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusAcquired, st.Result.Status)
	require.Equal(t, uint64(8000), st.Result.EventsWritten)

	_, err = f.store.Update(ctx, child.ID, func(e *element.WorkElement) error {
		e.Status = element.StatusDone
		e.Owner = "lq"
		e.Progress = element.Progress{JobsDone: 2, EventsWritten: 2000, PercentComplete: 100, PercentSuccess: 100}
		return nil
	})
	require.NoError(t, err)
	st, err = f.queue.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusDone, st.Result.Status)
	require.Equal(t, uint64(10_000), st.Result.EventsWritten)
}

func TestResubmitSkipsMostlyFailedElements(t *testing.T) {
	cfg := testGlobalConfig()
	cfg.MaxFailureRatio = 0.5
	f := newGlobalFixture(t, cfg)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 10_000))
	require.NoError(t, err)
	parent := f.elements(t, "sim")[0]
	_, err = f.store.Update(ctx, parent.ID, func(e *element.WorkElement) error {
		e.Status = element.StatusFailed
		e.Progress = element.Progress{JobsDone: 2, JobsFailed: 8, FailedJobs: []int{0, 1, 2, 3, 4, 5, 6, 7}}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.queue.splitPending(ctx))
	require.Len(t, f.elements(t, "sim"), 1)
}

func TestCancelDropsUncommittedNegotiation(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)
	e := f.elements(t, "sim")[0]

	// an acquirer took the first step and never came back
	_, err = store.CompareAndSwap(ctx, f.store, e.ID, element.StatusAvailable, element.StatusNegotiating, func(e *element.WorkElement) error {
		e.Owner = "crashed"
		e.NegotiatedAt = f.clock.Now()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.queue.Cancel(ctx, "sim"))
	canceled := f.elements(t, "sim")[0]
	require.Equal(t, element.StatusCanceled, canceled.Status)
	require.Empty(t, canceled.Owner)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.queue.reap(ctx))
	require.Equal(t, element.StatusCanceled, f.elements(t, "sim")[0].Status)

	st, err := f.queue.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, st.Result.Status)
}

func TestCancelDuringNegotiationReleasesAcquirer(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)
	e := f.elements(t, "sim")[0]
	_, err = store.CompareAndSwap(ctx, f.store, e.ID, element.StatusAvailable, element.StatusNegotiating, func(e *element.WorkElement) error {
		e.Owner = "lq"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.Cancel(ctx, "sim"))

	// the acquirer retries and learns it lost the element
	_, err = f.queue.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: e.ID})
	require.ErrorIs(t, err, element.ErrConflict)
	require.Equal(t, element.StatusCanceled, f.elements(t, "sim")[0].Status)
}

func TestReaperFinalizesCancels(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)
	e := f.elements(t, "sim")[0]
	_, err = f.queue.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: e.ID})
	require.NoError(t, err)

	require.NoError(t, f.queue.Cancel(ctx, "sim"))
	require.Equal(t, element.StatusCancelRequested, f.elements(t, "sim")[0].Status)

	// the owner confirms, then the reaper has nothing left to do
	_, err = f.queue.ReportProgress(ctx, &ProgressReport{Queue: "lq", Elements: []ElementReport{{ID: e.ID, Status: element.StatusCanceled}}})
	require.NoError(t, err)
	require.NoError(t, f.queue.reap(ctx))
	require.Equal(t, element.StatusCanceled, f.elements(t, "sim")[0].Status)
}

func TestRetention(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, blockSpec("reco", "/ds"))
	require.NoError(t, err)
	_, err = f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)
	for _, e := range f.elements(t, "reco") {
		f.setStatus(t, e.ID, element.StatusDone, "lq")
	}

	require.NoError(t, f.queue.retain(ctx))
	rec, err := f.store.GetSpec(ctx, "reco")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now(), rec.TerminalAt)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.queue.retain(ctx))
	require.Len(t, f.elements(t, "reco"), 2)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.queue.retain(ctx))
	require.Empty(t, f.elements(t, "reco"))
	_, err = f.store.GetSpec(ctx, "reco")
	require.ErrorIs(t, err, store.ErrSpecNotFound)
	require.Equal(t, map[string]int{"reco": 2}, f.archiver.archived)

	// live requests are kept
	require.Len(t, f.elements(t, "sim"), 1)
}

func TestPrioritySync(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)
	_, err = f.queue.Submit(ctx, syntheticSpec("unregistered", 1000))
	require.NoError(t, err)

	f.registry.SetPriority("sim", 42)
	require.NoError(t, f.queue.syncPriorities(ctx))
	require.Equal(t, 42, f.elements(t, "sim")[0].Priority)
	require.Equal(t, 10, f.elements(t, "unregistered")[0].Priority)
}

func TestRegistryChangesArePropagated(t *testing.T) {
	f := newGlobalFixture(t, testGlobalConfig())
	ctx := context.Background()
	_, err := f.queue.Submit(ctx, syntheticSpec("sim", 1000))
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(ctx, f.queue))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), f.queue))
	})

	f.registry.SetPriority("sim", 7)
	require.Eventually(t, func() bool {
		return f.elements(t, "sim")[0].Priority == 7
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := f.store.GetSpec(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, 7, rec.Spec.Priority)
}

func TestGlobalConfigValidate(t *testing.T) {
	cfg := testGlobalConfig()
	require.NoError(t, cfg.Validate())

	cfg.SplitInterval = 0
	require.Error(t, cfg.Validate())

	cfg = testGlobalConfig()
	cfg.MaxFailureRatio = 2
	require.Error(t, cfg.Validate())
}
