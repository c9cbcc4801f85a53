// Package splitter turns a workflow specification into work elements.
package splitter

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

// ErrNoWork is returned by a valid specification that currently yields zero
// elements. It is not fatal: the request is kept and split again later.
var ErrNoWork = errors.New("specification currently yields no work")

// CapacityExceededError is returned when a single job already spans more
// lumi sections than an element may hold.
type CapacityExceededError struct {
	LumisPerJob uint64
	MaxLumis    uint64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d lumis per job exceeds max_lumis_per_element %d", e.LumisPerJob, e.MaxLumis)
}

// Policy partitions a specification into proposed work elements. Validate
// must fail before Split is attempted for an invalid specification.
type Policy interface {
	Kind() spec.PolicyKind
	Validate(s *spec.Specification) error
	// Split returns elements in Available state in a deterministic order. A
	// non-nil resume mask restricts splitting to the masked slice of work.
	Split(ctx context.Context, s *spec.Specification, resume *element.Mask) ([]*element.WorkElement, error)
}

// ForKind resolves the policy for a specification kind. The catalog is only
// consulted by dataset policies and may be nil for synthetic work.
func ForKind(kind spec.PolicyKind, cat catalog.Catalog) (Policy, error) {
	switch kind {
	case spec.PolicyEvents:
		return Events{}, nil
	case spec.PolicyBlock:
		return &dataset{kind: kind, catalog: cat, pack: packByCount}, nil
	case spec.PolicyFileCount:
		return &dataset{kind: kind, catalog: cat, pack: packByFiles}, nil
	case spec.PolicySize:
		return &dataset{kind: kind, catalog: cat, pack: packBySize}, nil
	}
	return nil, &spec.SpecificationError{Field: "policy", Reason: fmt.Sprintf("no splitting policy for %s", kind)}
}

// Split validates s and splits it with the policy it declares.
func Split(ctx context.Context, cat catalog.Catalog, s *spec.Specification, resume *element.Mask) ([]*element.WorkElement, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	p, err := ForKind(s.Policy, cat)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(s); err != nil {
		return nil, err
	}
	return p.Split(ctx, s, resume)
}

func newElement(s *spec.Specification) *element.WorkElement {
	return &element.WorkElement{
		RequestName:   s.Name,
		Team:          s.Team,
		Priority:      s.Priority,
		Policy:        s.Policy.String(),
		Status:        element.StatusAvailable,
		SiteWhitelist: append([]string(nil), s.SiteWhitelist...),
		SiteBlacklist: append([]string(nil), s.SiteBlacklist...),
		Resources:     s.Resources,
	}
}

// jobSplitting resolves the second-level splitting parameters carried by
// dataset elements.
func jobSplitting(s *spec.Specification) element.JobSplitting {
	js := element.JobSplitting{
		Algorithm:    string(s.Jobs.Algorithm),
		FilesPerJob:  s.Jobs.FilesPerJob,
		BytesPerJob:  s.Jobs.BytesPerJob,
		EventsPerJob: s.Jobs.EventsPerJob,
	}
	if js.Algorithm != "" {
		return js
	}
	if s.Block.EventsPerJob > 0 {
		js.Algorithm = string(spec.JobsByEvents)
		js.EventsPerJob = s.Block.EventsPerJob
		return js
	}
	js.Algorithm = string(spec.JobsByFileCount)
	js.FilesPerJob = 1
	return js
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
