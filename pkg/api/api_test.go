package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/store"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

type fixture struct {
	queue    *workqueue.GlobalQueue
	archiver *archive.Archiver
	client   *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := workqueue.GlobalConfig{
		Name:                 "global",
		SplitInterval:        time.Minute,
		PrioritySyncInterval: time.Minute,
		ReaperInterval:       time.Minute,
		NegotiationTimeout:   5 * time.Minute,
		RetentionInterval:    time.Minute,
		RetentionPeriod:      time.Hour,
	}
	queue, err := workqueue.NewGlobalQueue(cfg, store.NewMemory(), catalog.NewStatic(), nil, nil, quartz.NewMock(t), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	archiver, err := archive.New(archive.Config{Prefix: "requests"}, objstore.NewInMemBucket(), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	router := mux.NewRouter()
	New(queue, queue.Core, archiver, log.NewNopLogger()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{Address: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return &fixture{queue: queue, archiver: archiver, client: client}
}

func simulation(name string) *spec.Specification {
	return &spec.Specification{
		Name:     name,
		Team:     "production",
		Priority: 5,
		Policy:   spec.PolicyEvents,
		Events:   spec.EventParams{TotalEvents: 10000, EventsPerJob: 1000},
	}
}

func TestRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.client.Submit(ctx, simulation("sim"))
	require.NoError(t, err)
	require.Equal(t, spec.StateSplit, rec.State)

	// identical resubmission is accepted
	_, err = f.client.Submit(ctx, simulation("sim"))
	require.NoError(t, err)

	changed := simulation("sim")
	changed.Events.TotalEvents = 20000
	_, err = f.client.Submit(ctx, changed)
	require.ErrorIs(t, err, spec.ErrExists)

	st, err := f.client.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusAvailable, st.Result.Status)
	require.Equal(t, 5, st.Result.Priority)

	require.NoError(t, f.client.UpdatePriority(ctx, "sim", 9))
	elements, err := f.client.Elements(ctx, "sim")
	require.NoError(t, err)
	require.NotEmpty(t, elements)
	for _, e := range elements {
		require.Equal(t, 9, e.Priority)
	}

	recs, err := f.client.Requests(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, f.client.Cancel(ctx, "sim"))
	st, err = f.client.Status(ctx, "sim")
	require.NoError(t, err)
	require.Equal(t, element.StatusCanceled, st.Result.Status)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invalid := simulation("bad")
	invalid.Events.EventsPerJob = 0
	_, err := f.client.Submit(ctx, invalid)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = f.client.Status(ctx, "missing")
	require.ErrorIs(t, err, store.ErrSpecNotFound)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSubmitYAML(t *testing.T) {
	f := newFixture(t)
	body := `
name: from-yaml
team: production
priority: 3
policy: events
events:
  total_events: 5000
  events_per_job: 1000
`
	resp, err := http.Post(f.client.address+RequestsPath, "application/yaml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, err := f.client.Status(context.Background(), "from-yaml")
	require.NoError(t, err)
	require.Equal(t, 3, st.Result.Priority)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.client.address+AcquirePath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNegotiationOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Submit(ctx, simulation("sim"))
	require.NoError(t, err)

	offer := []workqueue.SiteOffer{{Site: "T1_A", FreeSlots: 100}}
	work, err := f.client.AvailableWork(ctx, &workqueue.WorkRequest{Queue: "local-a", Sites: offer})
	require.NoError(t, err)
	require.NotEmpty(t, work)
	id := work[0].ID
	require.Equal(t, "T1_A", work[0].Site)

	e, err := f.client.Acquire(ctx, &workqueue.AcquireRequest{Queue: "local-a", ElementID: id, Site: "T1_A"})
	require.NoError(t, err)
	require.Equal(t, element.StatusAcquired, e.Status)
	require.Equal(t, "local-a", e.Owner)

	_, err = f.client.Acquire(ctx, &workqueue.AcquireRequest{Queue: "local-b", ElementID: id, Site: "T1_A"})
	require.ErrorIs(t, err, element.ErrConflict)

	resp, err := f.client.ReportProgress(ctx, &workqueue.ProgressReport{
		Queue: "local-a",
		Elements: []workqueue.ElementReport{
			{ID: id, Status: element.StatusRunning, Progress: element.Progress{PercentComplete: 50}},
			{ID: "unknown"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"unknown"}, resp.Unknown)
	require.Equal(t, 5, resp.Priorities[id])
}

func TestArchiveRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &spec.Record{Spec: *simulation("old"), State: spec.StateSplit}
	require.NoError(t, f.archiver.Archive(ctx, rec, []*element.WorkElement{{ID: "e1", RequestName: "old", Status: element.StatusDone}}))

	names, err := f.client.Archived(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, names)

	s, err := f.client.Snapshot(ctx, "old")
	require.NoError(t, err)
	require.Len(t, s.Elements, 1)

	_, err = f.client.Snapshot(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrNotArchived)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{&spec.SpecificationError{Field: "name", Reason: "empty"}, http.StatusBadRequest},
		{spec.ErrExists, http.StatusConflict},
		{element.ErrConflict, http.StatusConflict},
		{workqueue.ErrNotEligible, http.StatusUnprocessableEntity},
		{element.ErrNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	} {
		status, _ := classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}
