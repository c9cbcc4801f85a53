// Package workqueue implements the two-tier queue hierarchy: a global queue
// that splits specifications into work elements, and local queues that
// negotiate ownership of those elements and drive them to completion.
package workqueue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/store"
)

var (
	errNotOwner    = errors.New("element is owned by another queue")
	// ErrNotEligible rejects an acquisition for a site the element cannot
	// run at.
	ErrNotEligible = errors.New("element is not eligible at site")
	errNotStale    = errors.New("negotiation is not stale")
	errJobsPending = errors.New("element has jobs that were not killed yet")
)

// Core is the parent side of negotiation. It keeps no state of its own: all
// ownership decisions are atomic updates in the store, so any number of
// Cores may serve the same store.
type Core struct {
	store   store.Store
	clock   quartz.Clock
	logger  log.Logger
	metrics *coreMetrics
}

func NewCore(s store.Store, clock quartz.Clock, logger log.Logger, reg prometheus.Registerer) *Core {
	return &Core{
		store:   s,
		clock:   clock,
		logger:  logger,
		metrics: newCoreMetrics(reg),
	}
}

func (c *Core) AvailableWork(ctx context.Context, req *WorkRequest) ([]*element.WorkElement, error) {
	if len(req.Sites) == 0 {
		return nil, nil
	}
	sites := make([]string, 0, len(req.Sites))
	for _, o := range req.Sites {
		sites = append(sites, o.Site)
	}
	candidates, err := c.store.List(ctx, store.Filter{
		Statuses: []element.Status{element.StatusAvailable},
		Sites:    sites,
	})
	if err != nil {
		return nil, err
	}
	sortForDispatch(candidates)

	offers := slices.Clone(req.Sites)
	var out []*element.WorkElement
	for _, e := range candidates {
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
		i := matchSite(e, offers)
		if i < 0 {
			continue
		}
		// A large element may overdraw a site that has any slot left, so it
		// is not starved by a stream of small ones.
		offers[i].FreeSlots -= e.ExpectedSlots()
		m := e.Clone()
		m.Site = offers[i].Site
		out = append(out, m)
	}
	return out, nil
}

func matchSite(e *element.WorkElement, offers []SiteOffer) int {
	for i, o := range offers {
		if o.FreeSlots > 0 && e.EligibleAt(o.Site) && e.Resources.Fits(o.Resources) {
			return i
		}
	}
	return -1
}

// sortForDispatch orders elements by priority, highest first, then by age.
func sortForDispatch(elements []*element.WorkElement) {
	slices.SortStableFunc(elements, func(a, b *element.WorkElement) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Acquire moves an element from Available to Acquired in two atomic steps,
// Available to Negotiating and Negotiating to Acquired, each guarded by the
// element status. Only the first committer of the first step can complete
// the second one. A queue that retries an acquisition it already won gets
// the element back.
func (c *Core) Acquire(ctx context.Context, req *AcquireRequest) (*element.WorkElement, error) {
	if req.Queue == "" || req.ElementID == "" {
		return nil, errors.New("acquire: queue and element id are required")
	}
	now := c.clock.Now()

	_, err := store.CompareAndSwap(ctx, c.store, req.ElementID, element.StatusAvailable, element.StatusNegotiating, func(e *element.WorkElement) error {
		if req.Site != "" && !e.EligibleAt(req.Site) {
			return errors.Wrapf(ErrNotEligible, "element %s, site %s", e.ID, req.Site)
		}
		e.Owner = req.Queue
		e.Site = req.Site
		e.NegotiatedAt = now
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, element.ErrConflict) {
			if e, getErr := c.store.Get(ctx, req.ElementID); getErr == nil && e.Owner == req.Queue && e.Status == element.StatusAcquired {
				c.metrics.negotiations.WithLabelValues("acquired").Inc()
				return e, nil
			}
			c.metrics.negotiations.WithLabelValues("conflict").Inc()
			return nil, err
		}
		c.metrics.negotiations.WithLabelValues("rejected").Inc()
		return nil, err
	}

	e, err := store.CompareAndSwap(ctx, c.store, req.ElementID, element.StatusNegotiating, element.StatusAcquired, func(e *element.WorkElement) error {
		if e.Owner != req.Queue {
			return fmt.Errorf("%w: element %s is negotiated by %s", element.ErrConflict, e.ID, e.Owner)
		}
		e.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		c.metrics.negotiations.WithLabelValues("conflict").Inc()
		c.release(ctx, req.ElementID, req.Queue)
		return nil, err
	}
	c.metrics.negotiations.WithLabelValues("acquired").Inc()
	level.Debug(c.logger).Log("msg", "element acquired", "element", e.ID, "queue", req.Queue, "site", req.Site)
	return e, nil
}

// release drops a half-finished negotiation of queue on an element that was
// canceled in between, so the element can be finalized without an owner.
func (c *Core) release(ctx context.Context, id, queue string) {
	_, err := c.store.Update(ctx, id, func(e *element.WorkElement) error {
		if e.Owner != queue || e.Status != element.StatusCancelRequested {
			return errNotOwner
		}
		e.Owner = ""
		return nil
	})
	if err != nil && !errors.Is(err, errNotOwner) {
		level.Warn(c.logger).Log("msg", "failed to release negotiation", "element", id, "queue", queue, "err", err)
	}
}

// ReportProgress applies a child's view of the elements it owns. Status
// changes are applied only when the state machine allows them, so a parent
// side CancelRequested is never overwritten by a stale Running report. A
// child that finished an element after it was asked to cancel has no jobs
// left to kill, so the element becomes Canceled.
func (c *Core) ReportProgress(ctx context.Context, req *ProgressReport) (*ProgressResponse, error) {
	resp := &ProgressResponse{Priorities: make(map[string]int, len(req.Elements))}
	now := c.clock.Now()

	for _, r := range req.Elements {
		e, err := c.store.Update(ctx, r.ID, func(e *element.WorkElement) error {
			if e.Owner != req.Queue {
				return errNotOwner
			}
			if e.Status.IsTerminal() {
				return nil
			}
			switch {
			case e.Status == element.StatusCancelRequested && r.Status.IsTerminal():
				e.Status = element.StatusCanceled
			case r.Status != e.Status && element.CanTransition(e.Status, r.Status):
				e.Status = r.Status
			}
			e.Progress = r.Progress
			e.UpdatedAt = now
			return nil
		})
		switch {
		case errors.Is(err, element.ErrNotFound), errors.Is(err, errNotOwner):
			resp.Unknown = append(resp.Unknown, r.ID)
			continue
		case err != nil:
			return nil, err
		}
		if e.Status == element.StatusCancelRequested {
			resp.Cancel = append(resp.Cancel, e.ID)
		}
		resp.Priorities[e.ID] = e.Priority
	}
	return resp, nil
}

// Reap returns negotiations older than timeout to Available.
func (c *Core) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	negotiating, err := c.store.List(ctx, store.Filter{Statuses: []element.Status{element.StatusNegotiating}})
	if err != nil {
		return 0, err
	}
	deadline := c.clock.Now().Add(-timeout)
	reaped := 0
	for _, e := range negotiating {
		if e.NegotiatedAt.After(deadline) {
			continue
		}
		_, err := store.CompareAndSwap(ctx, c.store, e.ID, element.StatusNegotiating, element.StatusAvailable, func(e *element.WorkElement) error {
			if e.NegotiatedAt.After(deadline) {
				return errNotStale
			}
			level.Info(c.logger).Log("msg", "reaping stale negotiation", "element", e.ID, "owner", e.Owner, "negotiated_at", e.NegotiatedAt)
			e.Owner = ""
			e.NegotiatedAt = time.Time{}
			return nil
		})
		switch {
		case err == nil:
			reaped++
			c.metrics.reaped.Inc()
		case errors.Is(err, element.ErrConflict), errors.Is(err, errNotStale), errors.Is(err, element.ErrNotFound):
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

// markCancelRequested moves e to CancelRequested if it is not terminal. A
// negotiation that was never committed is dropped with it, so the element
// does not wait for an acquirer that may never come back.
func markCancelRequested(e *element.WorkElement, now time.Time) bool {
	if !element.CanTransition(e.Status, element.StatusCancelRequested) {
		return false
	}
	if e.Status == element.StatusNegotiating {
		e.Owner = ""
		e.NegotiatedAt = time.Time{}
	}
	e.Status = element.StatusCancelRequested
	e.UpdatedAt = now
	return true
}

// FinalizeCancels moves CancelRequested elements nobody owns to Canceled.
// Owned elements are finalized by their owner once its jobs are killed.
func (c *Core) FinalizeCancels(ctx context.Context) (int, error) {
	pending, err := c.store.List(ctx, store.Filter{Statuses: []element.Status{element.StatusCancelRequested}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range pending {
		if e.Owner != "" {
			continue
		}
		_, err := store.CompareAndSwap(ctx, c.store, e.ID, element.StatusCancelRequested, element.StatusCanceled, func(e *element.WorkElement) error {
			if e.Owner != "" {
				return errNotOwner
			}
			e.UpdatedAt = c.clock.Now()
			return nil
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, element.ErrConflict), errors.Is(err, errNotOwner), errors.Is(err, element.ErrNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}
