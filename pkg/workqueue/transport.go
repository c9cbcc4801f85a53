package workqueue

import (
	"context"

	"github.com/gridqueue/gridqueue/pkg/element"
)

// SiteOffer is the free capacity a queue offers at one site.
type SiteOffer struct {
	Site      string            `json:"site"`
	FreeSlots int               `json:"free_slots"`
	Resources element.Resources `json:"resources"`
}

type WorkRequest struct {
	Queue string      `json:"queue"`
	Sites []SiteOffer `json:"sites"`
	// Limit caps the number of returned elements. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

type AcquireRequest struct {
	Queue     string `json:"queue"`
	ElementID string `json:"element_id"`
	Site      string `json:"site"`
}

// ElementReport is the state of one acquired element as seen by its owner.
type ElementReport struct {
	ID       string           `json:"id"`
	Status   element.Status   `json:"status"`
	Progress element.Progress `json:"progress"`
}

type ProgressReport struct {
	Queue    string          `json:"queue"`
	Elements []ElementReport `json:"elements"`
}

// ProgressResponse carries what the parent wants its child to know at the
// next poll boundary.
type ProgressResponse struct {
	// Cancel lists reported elements the parent marked CancelRequested.
	Cancel []string `json:"cancel,omitempty"`
	// Priorities maps reported element IDs to their current priority.
	Priorities map[string]int `json:"priorities,omitempty"`
	// Unknown lists reported elements the parent no longer tracks or that
	// are owned by another queue.
	Unknown []string `json:"unknown,omitempty"`
}

// Parent is the negotiation surface a local queue talks to. A global queue,
// or a relaying local queue, serves it through a Core.
type Parent interface {
	// AvailableWork lists Available elements matching the offered sites,
	// ordered by priority then age. Each returned element carries the site
	// it was matched to.
	AvailableWork(ctx context.Context, req *WorkRequest) ([]*element.WorkElement, error)
	// Acquire transfers ownership of one element to the requesting queue.
	// Losing a race returns element.ErrConflict.
	Acquire(ctx context.Context, req *AcquireRequest) (*element.WorkElement, error)
	ReportProgress(ctx context.Context, req *ProgressReport) (*ProgressResponse, error)
}

// MemoryTransport connects a child to an in-process parent. Elements are
// copied across the boundary so neither side shares memory with the other.
type MemoryTransport struct {
	parent Parent
}

func NewMemoryTransport(parent Parent) *MemoryTransport {
	return &MemoryTransport{parent: parent}
}

func (t *MemoryTransport) AvailableWork(ctx context.Context, req *WorkRequest) ([]*element.WorkElement, error) {
	elements, err := t.parent.AvailableWork(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]*element.WorkElement, 0, len(elements))
	for _, e := range elements {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (t *MemoryTransport) Acquire(ctx context.Context, req *AcquireRequest) (*element.WorkElement, error) {
	e, err := t.parent.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (t *MemoryTransport) ReportProgress(ctx context.Context, req *ProgressReport) (*ProgressResponse, error) {
	return t.parent.ReportProgress(ctx, req)
}
