package element

import (
	"math"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Block is a named grouping of input data supplied by the catalog.
type Block struct {
	Name      string `json:"name" yaml:"name"`
	Size      uint64 `json:"size" yaml:"size"`
	NumFiles  int    `json:"num_files" yaml:"num_files"`
	NumEvents uint64 `json:"num_events" yaml:"num_events"`
}

// Mask describes the exact slice of work an element covers. Synthetic work is
// described by run, lumi and event ranges, dataset work by block names.
type Mask struct {
	FirstRun   uint64   `json:"first_run,omitempty"`
	LastRun    uint64   `json:"last_run,omitempty"`
	FirstLumi  uint64   `json:"first_lumi,omitempty"`
	LastLumi   uint64   `json:"last_lumi,omitempty"`
	FirstEvent uint64   `json:"first_event,omitempty"`
	LastEvent  uint64   `json:"last_event,omitempty"`
	Blocks     []string `json:"blocks,omitempty"`

	// EventCount is the number of synthetic events covered. LastEvent
	// restarts from 1 when the range crosses MaxEvent.
	EventCount uint64 `json:"event_count,omitempty"`

	// RetryJobs restricts a resubmission element to the listed job indexes of
	// its parent element.
	RetryJobs []int `json:"retry_jobs,omitempty"`
}

// Resources are the per-job requirements a site must satisfy.
type Resources struct {
	Cores    int `json:"cores,omitempty" yaml:"cores"`
	MemoryMB int `json:"memory_mb,omitempty" yaml:"memory_mb"`
}

// Fits reports whether r fits within the offered resources. Zero values on
// the offer mean unlimited.
func (r Resources) Fits(offer Resources) bool {
	if offer.Cores > 0 && r.Cores > offer.Cores {
		return false
	}
	if offer.MemoryMB > 0 && r.MemoryMB > offer.MemoryMB {
		return false
	}
	return true
}

// JobSplitting tells a local queue how to turn the element into jobs.
type JobSplitting struct {
	Algorithm     string `json:"algorithm,omitempty"`
	FilesPerJob   int    `json:"files_per_job,omitempty"`
	BytesPerJob   uint64 `json:"bytes_per_job,omitempty"`
	EventsPerJob  uint64 `json:"events_per_job,omitempty"`
	EventsPerLumi uint64 `json:"events_per_lumi,omitempty"`
}

// Progress holds the counters a local queue reports for an element.
type Progress struct {
	EventsWritten   uint64  `json:"events_written"`
	FilesProcessed  int     `json:"files_processed"`
	JobsDone        int     `json:"jobs_done"`
	JobsFailed      int     `json:"jobs_failed"`
	FailedJobs      []int   `json:"failed_jobs,omitempty"`
	PercentComplete float64 `json:"percent_complete"`
	PercentSuccess  float64 `json:"percent_success"`
}

// WorkElement is the unit of schedulable work.
type WorkElement struct {
	ID          string `json:"id"`
	RequestName string `json:"request_name"`
	Team        string `json:"team"`
	Priority    int    `json:"priority"`
	Policy      string `json:"policy"`

	Blocks       []Block      `json:"blocks,omitempty"`
	Jobs         int          `json:"jobs"`
	JobSplitting JobSplitting `json:"job_splitting"`
	// BlowupFactor estimates follow-on jobs per primary job.
	BlowupFactor float64 `json:"blowup_factor,omitempty"`

	// ParentFlag marks resubmission elements produced by re-splitting a
	// parent element.
	ParentFlag      bool   `json:"parent_flag,omitempty"`
	ParentElementID string `json:"parent_element_id,omitempty"`

	Mask          Mask      `json:"mask"`
	Status        Status    `json:"status"`
	SiteWhitelist []string  `json:"site_whitelist,omitempty"`
	SiteBlacklist []string  `json:"site_blacklist,omitempty"`
	Resources     Resources `json:"resources"`

	// Owner is the queue holding the active negotiation or acquisition.
	Owner        string    `json:"owner,omitempty"`
	Site         string    `json:"site,omitempty"`
	NegotiatedAt time.Time `json:"negotiated_at,omitempty"`

	Progress Progress `json:"progress"`
	// Submitted is set by the local queue that handed the element's jobs to
	// the execution layer.
	Submitted []SubmittedJob `json:"submitted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped by the store on every successful update.
	Version uint64 `json:"version"`
}

// NewID returns a new time-ordered element identifier.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Clone returns a deep copy of e.
func (e *WorkElement) Clone() *WorkElement {
	if e == nil {
		return nil
	}
	c := *e
	c.Blocks = slices.Clone(e.Blocks)
	c.Mask.Blocks = slices.Clone(e.Mask.Blocks)
	c.Mask.RetryJobs = slices.Clone(e.Mask.RetryJobs)
	c.SiteWhitelist = slices.Clone(e.SiteWhitelist)
	c.SiteBlacklist = slices.Clone(e.SiteBlacklist)
	c.Progress.FailedJobs = slices.Clone(e.Progress.FailedJobs)
	c.Submitted = slices.Clone(e.Submitted)
	return &c
}

// IsSynthetic reports whether the element has no input data.
func (e *WorkElement) IsSynthetic() bool {
	return len(e.Blocks) == 0 && len(e.Mask.Blocks) == 0
}

// NumEvents is the number of events the element covers.
func (e *WorkElement) NumEvents() uint64 {
	if e.IsSynthetic() {
		return syntheticEvents(e.Mask)
	}
	var n uint64
	for _, b := range e.Blocks {
		n += b.NumEvents
	}
	return n
}

func syntheticEvents(m Mask) uint64 {
	if m.EventCount > 0 {
		return m.EventCount
	}
	if m.LastEvent >= m.FirstEvent && m.LastEvent > 0 {
		return m.LastEvent - m.FirstEvent + 1
	}
	return 0
}

// MaxEvent is the largest per-job event number.
const MaxEvent = math.MaxUint32

// ExpectedSlots is the number of execution slots the element is expected to
// use, including follow-on jobs.
func (e *WorkElement) ExpectedSlots() int {
	if e.BlowupFactor <= 1 {
		return max(e.Jobs, 1)
	}
	return max(int(math.Ceil(float64(e.Jobs)*e.BlowupFactor)), 1)
}

// EligibleAt reports whether the element may run at the given site.
func (e *WorkElement) EligibleAt(site string) bool {
	if slices.Contains(e.SiteBlacklist, site) {
		return false
	}
	return len(e.SiteWhitelist) == 0 || slices.Contains(e.SiteWhitelist, site)
}

// SubmittedJob links a job index to its handle in the execution layer.
type SubmittedJob struct {
	Index  int    `json:"index"`
	Handle string `json:"handle"`
}

// Job is one unit handed to the execution layer after a local queue
// sub-splits an element.
type Job struct {
	ID        string    `json:"id"`
	ElementID string    `json:"element_id"`
	Index     int       `json:"index"`
	Files     []string  `json:"files,omitempty"`
	Mask      Mask      `json:"mask"`
	Events    uint64    `json:"events"`
	Resources Resources `json:"resources"`
}
