// Package jobsplit turns an acquired work element into the jobs handed to
// the execution layer.
package jobsplit

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
)

const (
	AlgorithmEvents    = "events"
	AlgorithmFileCount = "file_count"
	AlgorithmSize      = "size"
	AlgorithmMergeUnit = "merge_unit"
)

// Split creates the jobs of an element. Dataset elements need the files of
// their blocks; synthetic elements ignore files.
func Split(e *element.WorkElement, files []catalog.File) ([]element.Job, error) {
	var (
		jobs []element.Job
		err  error
	)
	js := e.JobSplitting
	switch {
	case e.IsSynthetic():
		jobs, err = splitSynthetic(e)
	case js.Algorithm == AlgorithmEvents:
		if js.EventsPerJob == 0 {
			return nil, errors.New("events_per_job must be positive")
		}
		jobs = fileJobs(e, groupByEvents(sortedFiles(files), js.EventsPerJob))
	case js.Algorithm == AlgorithmFileCount || js.Algorithm == "":
		jobs = fileJobs(e, groupByCount(sortedFiles(files), max(js.FilesPerJob, 1)))
	case js.Algorithm == AlgorithmSize:
		if js.BytesPerJob == 0 {
			return nil, errors.New("bytes_per_job must be positive")
		}
		jobs = fileJobs(e, groupBySize(sortedFiles(files), js.BytesPerJob))
	case js.Algorithm == AlgorithmMergeUnit:
		jobs = fileJobs(e, MergeUnits(files))
	default:
		return nil, fmt.Errorf("unknown job splitting algorithm %q", js.Algorithm)
	}
	if err != nil {
		return nil, err
	}
	return retryOnly(jobs, e.Mask.RetryJobs), nil
}

// JobID is deterministic so resubmitting an element yields the same IDs.
func JobID(elementID string, index int) string {
	return fmt.Sprintf("%s-%d", elementID, index)
}

// splitSynthetic walks the element's event range job by job. A job whose
// range would pass element.MaxEvent restarts numbering at 1, matching the
// breakpoint used when the element was created.
func splitSynthetic(e *element.WorkElement) ([]element.Job, error) {
	js := e.JobSplitting
	if js.EventsPerJob == 0 {
		return nil, errors.New("events_per_job must be positive")
	}
	perLumi := js.EventsPerLumi
	if perLumi == 0 || perLumi > js.EventsPerJob {
		perLumi = js.EventsPerJob
	}

	remaining := e.NumEvents()
	event, lumi := e.Mask.FirstEvent, e.Mask.FirstLumi
	jobs := make([]element.Job, 0, int((remaining+js.EventsPerJob-1)/js.EventsPerJob))
	for i := 0; remaining > 0; i++ {
		size := min(js.EventsPerJob, remaining)
		if event+size-1 > element.MaxEvent {
			event = 1
		}
		lumis := (size + perLumi - 1) / perLumi
		jobs = append(jobs, element.Job{
			ID:        JobID(e.ID, i),
			ElementID: e.ID,
			Index:     i,
			Events:    size,
			Resources: e.Resources,
			Mask: element.Mask{
				FirstRun:   e.Mask.FirstRun,
				LastRun:    e.Mask.LastRun,
				FirstLumi:  lumi,
				LastLumi:   lumi + lumis - 1,
				FirstEvent: event,
				LastEvent:  event + size - 1,
				EventCount: size,
			},
		})
		event += size
		lumi += lumis
		remaining -= size
	}
	return jobs, nil
}

func fileJobs(e *element.WorkElement, groups [][]catalog.File) []element.Job {
	jobs := make([]element.Job, 0, len(groups))
	for i, group := range groups {
		job := element.Job{
			ID:        JobID(e.ID, i),
			ElementID: e.ID,
			Index:     i,
			Resources: e.Resources,
		}
		for j, f := range group {
			job.Files = append(job.Files, f.Name)
			job.Events += f.Events
			if j == 0 || f.Run < job.Mask.FirstRun {
				job.Mask.FirstRun = f.Run
			}
			job.Mask.LastRun = max(job.Mask.LastRun, f.Run)
			for _, l := range f.Lumis {
				if job.Mask.FirstLumi == 0 || l < job.Mask.FirstLumi {
					job.Mask.FirstLumi = l
				}
				job.Mask.LastLumi = max(job.Mask.LastLumi, l)
			}
		}
		job.Mask.EventCount = job.Events
		jobs = append(jobs, job)
	}
	return jobs
}

func retryOnly(jobs []element.Job, indexes []int) []element.Job {
	if len(indexes) == 0 {
		return jobs
	}
	out := jobs[:0]
	for _, j := range jobs {
		if slices.Contains(indexes, j.Index) {
			out = append(out, j)
		}
	}
	return out
}

func sortedFiles(files []catalog.File) []catalog.File {
	out := slices.Clone(files)
	slices.SortFunc(out, func(a, b catalog.File) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func groupByCount(files []catalog.File, perJob int) [][]catalog.File {
	var groups [][]catalog.File
	for start := 0; start < len(files); start += perJob {
		groups = append(groups, files[start:min(start+perJob, len(files))])
	}
	return groups
}

// groupBySize closes a job before it would exceed limit bytes. A file larger
// than limit is a job of its own.
func groupBySize(files []catalog.File, limit uint64) [][]catalog.File {
	var (
		groups  [][]catalog.File
		current []catalog.File
		total   uint64
	)
	for _, f := range files {
		if len(current) > 0 && total+f.Size > limit {
			groups = append(groups, current)
			current, total = nil, 0
		}
		current = append(current, f)
		total += f.Size
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// groupByEvents adds whole files to a job until it holds at least perJob
// events.
func groupByEvents(files []catalog.File, perJob uint64) [][]catalog.File {
	var (
		groups  [][]catalog.File
		current []catalog.File
		total   uint64
	)
	for _, f := range files {
		current = append(current, f)
		total += f.Events
		if total >= perJob {
			groups = append(groups, current)
			current, total = nil, 0
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
