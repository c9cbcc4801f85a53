package splitter

import (
	"context"
	"slices"

	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

// packFunc groups consecutive blocks into elements. Every block lands in
// exactly one group.
type packFunc func(s *spec.Specification, blocks []element.Block) [][]element.Block

// dataset implements the block, file count and size policies, which only
// differ in how blocks are grouped into elements.
type dataset struct {
	kind    spec.PolicyKind
	catalog catalog.Catalog
	pack    packFunc
}

func (d *dataset) Kind() spec.PolicyKind { return d.kind }

func (d *dataset) Validate(s *spec.Specification) error {
	if d.catalog == nil {
		return errors.Errorf("%s policy requires a catalog", d.kind)
	}
	if s.Dataset == "" {
		return &spec.SpecificationError{Field: "dataset", Reason: "must not be empty"}
	}
	switch d.kind {
	case spec.PolicyBlock:
		if s.Block.BlocksPerElement < 0 {
			return &spec.SpecificationError{Field: "block.blocks_per_element", Reason: "must not be negative"}
		}
	case spec.PolicyFileCount:
		if s.Files.FilesPerElement <= 0 {
			return &spec.SpecificationError{Field: "files.files_per_element", Reason: "must be positive"}
		}
	case spec.PolicySize:
		if s.Files.BytesPerElement == 0 {
			return &spec.SpecificationError{Field: "files.bytes_per_element", Reason: "must be positive"}
		}
	}
	return nil
}

func (d *dataset) Split(ctx context.Context, s *spec.Specification, resume *element.Mask) ([]*element.WorkElement, error) {
	blocks, err := d.catalog.ListBlocks(ctx, s.Dataset)
	if errors.Is(err, catalog.ErrDatasetNotFound) {
		return nil, ErrNoWork
	} else if err != nil {
		return nil, errors.Wrapf(err, "listing blocks of %s", s.Dataset)
	}

	selected := blocks[:0:0]
	for _, b := range blocks {
		if len(s.BlockWhitelist) > 0 && !slices.Contains(s.BlockWhitelist, b.Name) {
			continue
		}
		if resume != nil && len(resume.Blocks) > 0 && !slices.Contains(resume.Blocks, b.Name) {
			continue
		}
		// Empty blocks are split once they contain files.
		if b.NumFiles == 0 {
			continue
		}
		selected = append(selected, b)
	}
	if len(selected) == 0 {
		return nil, ErrNoWork
	}
	slices.SortFunc(selected, func(a, b element.Block) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	var elements []*element.WorkElement
	for _, group := range d.pack(s, selected) {
		e := newElement(s)
		e.Blocks = group
		for _, b := range group {
			e.Mask.Blocks = append(e.Mask.Blocks, b.Name)
		}
		e.Jobs = EstimateJobs(s, group)
		e.JobSplitting = jobSplitting(s)
		elements = append(elements, e)
	}
	return elements, nil
}

// EstimateJobs estimates the number of jobs the local queue will create for
// the given blocks.
func EstimateJobs(s *spec.Specification, blocks []element.Block) int {
	var files, events, size uint64
	for _, b := range blocks {
		files += uint64(b.NumFiles)
		events += b.NumEvents
		size += b.Size
	}

	var jobs uint64
	switch {
	case s.Jobs.Algorithm == spec.JobsByFileCount && s.Jobs.FilesPerJob > 0:
		jobs = ceilDiv(files, uint64(s.Jobs.FilesPerJob))
	case s.Jobs.Algorithm == spec.JobsBySize && s.Jobs.BytesPerJob > 0:
		jobs = ceilDiv(size, s.Jobs.BytesPerJob)
	case s.Jobs.Algorithm == spec.JobsByEvents && s.Jobs.EventsPerJob > 0:
		jobs = ceilDiv(events, s.Jobs.EventsPerJob)
	case s.Block.EventsPerJob > 0:
		jobs = ceilDiv(events, s.Block.EventsPerJob)
	default:
		jobs = files
	}
	return int(max(jobs, 1))
}

func packByCount(s *spec.Specification, blocks []element.Block) [][]element.Block {
	per := max(s.Block.BlocksPerElement, 1)
	var groups [][]element.Block
	for start := 0; start < len(blocks); start += per {
		end := min(start+per, len(blocks))
		groups = append(groups, slices.Clone(blocks[start:end]))
	}
	return groups
}

func packByFiles(s *spec.Specification, blocks []element.Block) [][]element.Block {
	return packBy(blocks, uint64(s.Files.FilesPerElement), func(b element.Block) uint64 { return uint64(b.NumFiles) })
}

func packBySize(s *spec.Specification, blocks []element.Block) [][]element.Block {
	return packBy(blocks, s.Files.BytesPerElement, func(b element.Block) uint64 { return b.Size })
}

// packBy fills groups in order until adding the next block would exceed
// limit. A block larger than limit gets a group of its own.
func packBy(blocks []element.Block, limit uint64, weight func(element.Block) uint64) [][]element.Block {
	var (
		groups  [][]element.Block
		current []element.Block
		total   uint64
	)
	for _, b := range blocks {
		w := weight(b)
		if len(current) > 0 && total+w > limit {
			groups = append(groups, current)
			current, total = nil, 0
		}
		current = append(current, b)
		total += w
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
