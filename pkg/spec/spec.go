package spec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/gridqueue/gridqueue/pkg/element"
)

// PolicyKind selects the splitting policy of a specification.
type PolicyKind int

const (
	PolicyUnknown PolicyKind = iota
	PolicyBlock
	PolicyEvents
	PolicyFileCount
	PolicySize
)

var policyNames = map[PolicyKind]string{
	PolicyUnknown:   "unknown",
	PolicyBlock:     "block",
	PolicyEvents:    "events",
	PolicyFileCount: "file_count",
	PolicySize:      "size",
}

func (k PolicyKind) String() string {
	if name, ok := policyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PolicyKind(%d)", int(k))
}

func ParsePolicyKind(s string) (PolicyKind, error) {
	for k, name := range policyNames {
		if name == s {
			return k, nil
		}
	}
	return PolicyUnknown, fmt.Errorf("unknown splitting policy %q", s)
}

// MarshalText writes the policy name. PolicyUnknown round-trips so that a
// record with no policy can still be read back and rejected by Validate.
func (k PolicyKind) MarshalText() ([]byte, error) {
	name, ok := policyNames[k]
	if !ok {
		return nil, fmt.Errorf("invalid splitting policy %d", int(k))
	}
	return []byte(name), nil
}

func (k *PolicyKind) UnmarshalText(text []byte) error {
	kind, err := ParsePolicyKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// JobAlgorithm selects how a local queue turns an acquired element into jobs.
type JobAlgorithm string

const (
	JobsByEvents    JobAlgorithm = "events"
	JobsByFileCount JobAlgorithm = "file_count"
	JobsBySize      JobAlgorithm = "size"
	JobsByMergeUnit JobAlgorithm = "merge_unit"
)

// BlockParams configure the block based policy.
type BlockParams struct {
	BlocksPerElement int `json:"blocks_per_element,omitempty" yaml:"blocks_per_element"`
	// Target number of events in one job, used to estimate job counts.
	EventsPerJob uint64 `json:"events_per_job,omitempty" yaml:"events_per_job"`
}

// EventParams configure the synthetic event based policy.
type EventParams struct {
	TotalEvents        uint64  `json:"total_events" yaml:"total_events"`
	FirstEvent         uint64  `json:"first_event,omitempty" yaml:"first_event"`
	FirstLumi          uint64  `json:"first_lumi,omitempty" yaml:"first_lumi"`
	Run                uint64  `json:"run,omitempty" yaml:"run"`
	EventsPerJob       uint64  `json:"events_per_job" yaml:"events_per_job"`
	EventsPerLumi      uint64  `json:"events_per_lumi,omitempty" yaml:"events_per_lumi"`
	MaxJobsPerElement  uint64  `json:"max_jobs_per_element,omitempty" yaml:"max_jobs_per_element"`
	MaxLumisPerElement uint64  `json:"max_lumis_per_element,omitempty" yaml:"max_lumis_per_element"`
	BlowupFactor       float64 `json:"blowup_factor,omitempty" yaml:"blowup_factor"`
}

// FileParams configure the file count and size policies.
type FileParams struct {
	FilesPerElement int    `json:"files_per_element,omitempty" yaml:"files_per_element"`
	BytesPerElement uint64 `json:"bytes_per_element,omitempty" yaml:"bytes_per_element"`
}

// JobParams configure second-level splitting at the local queue.
type JobParams struct {
	Algorithm    JobAlgorithm `json:"algorithm,omitempty" yaml:"algorithm"`
	FilesPerJob  int          `json:"files_per_job,omitempty" yaml:"files_per_job"`
	BytesPerJob  uint64       `json:"bytes_per_job,omitempty" yaml:"bytes_per_job"`
	EventsPerJob uint64       `json:"events_per_job,omitempty" yaml:"events_per_job"`
}

// Specification describes one workflow request.
type Specification struct {
	Name     string     `json:"name" yaml:"name"`
	Team     string     `json:"team" yaml:"team"`
	Priority int        `json:"priority" yaml:"priority"`
	Policy   PolicyKind `json:"policy" yaml:"policy"`
	Dataset  string     `json:"dataset,omitempty" yaml:"dataset"`

	// BlockWhitelist restricts dataset policies to the named blocks.
	BlockWhitelist []string `json:"block_whitelist,omitempty" yaml:"block_whitelist"`

	SiteWhitelist []string          `json:"site_whitelist,omitempty" yaml:"site_whitelist"`
	SiteBlacklist []string          `json:"site_blacklist,omitempty" yaml:"site_blacklist"`
	Resources     element.Resources `json:"resources" yaml:"resources"`

	Block  BlockParams `json:"block" yaml:"block"`
	Events EventParams `json:"events" yaml:"events"`
	Files  FileParams  `json:"files" yaml:"files"`
	Jobs   JobParams   `json:"jobs" yaml:"jobs"`
}

// Fingerprint identifies the content of a specification. Two submissions
// with the same name and fingerprint are the same request.
func (s *Specification) Fingerprint() string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		panic(err)
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// State is the request level lifecycle tracked by the global queue.
type State string

const (
	// StatePending requests could not be split yet, e.g. the catalog was
	// unreachable.
	StatePending State = "pending"
	// StateNoWork requests were valid but produced no elements.
	StateNoWork State = "no_work"
	StateSplit  State = "split"
	// StateCanceled requests were canceled before or after splitting.
	StateCanceled State = "canceled"
)

// Record is the persisted form of an accepted specification.
type Record struct {
	Spec        Specification `json:"spec"`
	Fingerprint string        `json:"fingerprint"`
	State       State         `json:"state"`
	SubmittedAt time.Time     `json:"submitted_at"`
	// TerminalAt is set once every element of the request is terminal.
	TerminalAt time.Time `json:"terminal_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}
