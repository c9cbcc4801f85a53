package workqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/store"
)

func newTestCore(t *testing.T) (*Core, store.Store, *quartz.Mock) {
	t.Helper()
	s := store.NewMemory()
	clock := quartz.NewMock(t)
	return NewCore(s, clock, log.NewNopLogger(), nil), s, clock
}

// sharedStores returns one instance of every backend that several queue
// processes could share.
func sharedStores(t *testing.T) map[string]store.Store {
	t.Helper()
	bolt, err := store.NewBolt(store.BoltConfig{Path: filepath.Join(t.TempDir(), "elements.db"), OpenTimeout: time.Second}, log.NewNopLogger())
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	stores := map[string]store.Store{
		"memory": store.NewMemory(),
		"boltdb": bolt,
		"redis":  store.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "gq:", log.NewNopLogger()),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func availableElement(id string, priority int, created time.Time) *element.WorkElement {
	return &element.WorkElement{
		ID:          id,
		RequestName: "req",
		Priority:    priority,
		Jobs:        1,
		Status:      element.StatusAvailable,
		CreatedAt:   created,
	}
}

func TestAvailableWorkOrderAndMatching(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()
	now := clock.Now()

	old := availableElement("old", 1, now.Add(-time.Hour))
	young := availableElement("young", 1, now)
	urgent := availableElement("urgent", 5, now)
	banned := availableElement("banned", 9, now)
	banned.SiteBlacklist = []string{"T1_A", "T2_B"}
	big := availableElement("big", 9, now)
	big.Resources = element.Resources{Cores: 16}
	running := availableElement("running", 9, now)
	running.Status = element.StatusRunning
	require.NoError(t, s.Insert(ctx, old, young, urgent, banned, big, running))

	work, err := core.AvailableWork(ctx, &WorkRequest{
		Queue: "lq",
		Sites: []SiteOffer{
			{Site: "T1_A", FreeSlots: 2, Resources: element.Resources{Cores: 8}},
			{Site: "T2_B", FreeSlots: 10, Resources: element.Resources{Cores: 8}},
		},
	})
	require.NoError(t, err)

	var got []string
	for _, e := range work {
		got = append(got, fmt.Sprintf("%s@%s", e.ID, e.Site))
	}
	require.Equal(t, []string{"urgent@T1_A", "old@T1_A", "young@T2_B"}, got)

	// listing is read only
	stored, err := s.Get(ctx, "urgent")
	require.NoError(t, err)
	require.Equal(t, element.StatusAvailable, stored.Status)
	require.Empty(t, stored.Site)

	work, err = core.AvailableWork(ctx, &WorkRequest{
		Queue: "lq",
		Sites: []SiteOffer{{Site: "T2_B", FreeSlots: 10}},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, work, 2)
	require.Equal(t, "big", work[0].ID)
}

func TestAvailableWorkWithoutOffers(t *testing.T) {
	core, s, clock := newTestCore(t)
	require.NoError(t, s.Insert(context.Background(), availableElement("a", 1, clock.Now())))

	work, err := core.AvailableWork(context.Background(), &WorkRequest{Queue: "lq"})
	require.NoError(t, err)
	require.Empty(t, work)
}

func TestAcquireIsExclusive(t *testing.T) {
	for name, s := range sharedStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := quartz.NewMock(t)
			core := NewCore(s, clock, log.NewNopLogger(), nil)
			ctx := context.Background()
			require.NoError(t, s.Insert(ctx, availableElement("e1", 1, clock.Now())))

			const contenders = 8
			var (
				wg        sync.WaitGroup
				mtx       sync.Mutex
				winners   []string
				conflicts int
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(queue string) {
					defer wg.Done()
					_, err := core.Acquire(ctx, &AcquireRequest{Queue: queue, ElementID: "e1", Site: "T1_A"})
					mtx.Lock()
					defer mtx.Unlock()
					if err == nil {
						winners = append(winners, queue)
						return
					}
					assert.ErrorIs(t, err, element.ErrConflict)
					conflicts++
				}(fmt.Sprintf("lq-%d", i))
			}
			wg.Wait()

			require.Len(t, winners, 1)
			require.Equal(t, contenders-1, conflicts)

			e, err := s.Get(ctx, "e1")
			require.NoError(t, err)
			require.Equal(t, element.StatusAcquired, e.Status)
			require.Equal(t, winners[0], e.Owner)
			require.Equal(t, "T1_A", e.Site)
		})
	}
}

func TestAcquireIsIdempotentForTheOwner(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, availableElement("e1", 1, clock.Now())))

	first, err := core.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "e1"})
	require.NoError(t, err)
	again, err := core.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "e1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	_, err = core.Acquire(ctx, &AcquireRequest{Queue: "other", ElementID: "e1"})
	require.ErrorIs(t, err, element.ErrConflict)
}

func TestAcquireRejections(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()
	e := availableElement("e1", 1, clock.Now())
	e.SiteWhitelist = []string{"T1_A"}
	require.NoError(t, s.Insert(ctx, e))

	_, err := core.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "e1", Site: "T2_B"})
	require.ErrorIs(t, err, ErrNotEligible)
	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, element.StatusAvailable, stored.Status)

	_, err = core.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "missing"})
	require.ErrorIs(t, err, element.ErrNotFound)

	_, err = core.Acquire(ctx, &AcquireRequest{ElementID: "e1"})
	require.Error(t, err)
}

func TestReportProgress(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()

	running := availableElement("running", 3, clock.Now())
	running.Status = element.StatusAcquired
	running.Owner = "lq"
	canceling := availableElement("canceling", 3, clock.Now())
	canceling.Status = element.StatusCancelRequested
	canceling.Owner = "lq"
	foreign := availableElement("foreign", 3, clock.Now())
	foreign.Status = element.StatusAcquired
	foreign.Owner = "other"
	require.NoError(t, s.Insert(ctx, running, canceling, foreign))

	progress := element.Progress{JobsDone: 2, PercentComplete: 50}
	resp, err := core.ReportProgress(ctx, &ProgressReport{
		Queue: "lq",
		Elements: []ElementReport{
			{ID: "running", Status: element.StatusRunning, Progress: progress},
			{ID: "canceling", Status: element.StatusRunning},
			{ID: "foreign", Status: element.StatusRunning},
			{ID: "gone", Status: element.StatusDone},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"canceling"}, resp.Cancel)
	require.ElementsMatch(t, []string{"foreign", "gone"}, resp.Unknown)
	require.Equal(t, map[string]int{"running": 3, "canceling": 3}, resp.Priorities)

	e, err := s.Get(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, element.StatusRunning, e.Status)
	require.Equal(t, progress, e.Progress)

	e, err = s.Get(ctx, "canceling")
	require.NoError(t, err)
	require.Equal(t, element.StatusCancelRequested, e.Status)

	e, err = s.Get(ctx, "foreign")
	require.NoError(t, err)
	require.Equal(t, element.StatusAcquired, e.Status)

	_, err = core.ReportProgress(ctx, &ProgressReport{
		Queue:    "lq",
		Elements: []ElementReport{{ID: "canceling", Status: element.StatusCanceled}},
	})
	require.NoError(t, err)
	e, err = s.Get(ctx, "canceling")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, e.Status)
}

func TestReapStaleNegotiations(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()

	stale := availableElement("stale", 1, clock.Now())
	stale.Status = element.StatusNegotiating
	stale.Owner = "crashed"
	stale.NegotiatedAt = clock.Now()
	require.NoError(t, s.Insert(ctx, stale))

	clock.Advance(time.Minute)
	fresh := availableElement("fresh", 1, clock.Now())
	fresh.Status = element.StatusNegotiating
	fresh.Owner = "alive"
	fresh.NegotiatedAt = clock.Now()
	require.NoError(t, s.Insert(ctx, fresh))

	n, err := core.Reap(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, element.StatusAvailable, e.Status)
	require.Empty(t, e.Owner)

	e, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, element.StatusNegotiating, e.Status)

	// the reaped element can be acquired again
	_, err = core.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "stale"})
	require.NoError(t, err)
}

func TestFinalizeCancels(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()

	unowned := availableElement("unowned", 1, clock.Now())
	unowned.Status = element.StatusCancelRequested
	owned := availableElement("owned", 1, clock.Now())
	owned.Status = element.StatusCancelRequested
	owned.Owner = "lq"
	require.NoError(t, s.Insert(ctx, unowned, owned))

	n, err := core.FinalizeCancels(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err := s.Get(ctx, "unowned")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, e.Status)
	e, err = s.Get(ctx, "owned")
	require.NoError(t, err)
	require.Equal(t, element.StatusCancelRequested, e.Status)
}

func TestMemoryTransportCopiesElements(t *testing.T) {
	core, s, clock := newTestCore(t)
	ctx := context.Background()
	e := availableElement("e1", 1, clock.Now())
	e.SiteWhitelist = []string{"T1_A"}
	require.NoError(t, s.Insert(ctx, e))

	transport := NewMemoryTransport(core)
	work, err := transport.AvailableWork(ctx, &WorkRequest{Queue: "lq", Sites: []SiteOffer{{Site: "T1_A", FreeSlots: 1}}})
	require.NoError(t, err)
	require.Len(t, work, 1)
	work[0].SiteWhitelist[0] = "changed"

	acquired, err := transport.Acquire(ctx, &AcquireRequest{Queue: "lq", ElementID: "e1", Site: "T1_A"})
	require.NoError(t, err)
	require.Equal(t, element.StatusAcquired, acquired.Status)

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"T1_A"}, stored.SiteWhitelist)
}
