package spec

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// SpecificationError reports an invalid specification. No elements are
// created for a specification that fails validation.
type SpecificationError struct {
	Field  string
	Reason string
}

func (e *SpecificationError) Error() string {
	return fmt.Sprintf("invalid specification: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &SpecificationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ErrExists is returned when a different specification was already accepted
// under the same name.
var ErrExists = errors.New("a different specification with this name already exists")

// Validate checks the fields shared by every policy. Policy specific bounds
// are checked by the policy itself.
func (s *Specification) Validate() error {
	if s.Name == "" {
		return invalid("name", "must not be empty")
	}
	if s.Priority < 0 {
		return invalid("priority", "must not be negative")
	}
	switch s.Policy {
	case PolicyBlock, PolicyFileCount, PolicySize:
		if s.Dataset == "" {
			return invalid("dataset", "required by the %s policy", s.Policy)
		}
	case PolicyEvents:
		if s.Dataset != "" {
			return invalid("dataset", "not allowed with the %s policy", s.Policy)
		}
	default:
		return invalid("policy", "unknown policy kind %d", int(s.Policy))
	}
	for _, site := range s.SiteWhitelist {
		for _, banned := range s.SiteBlacklist {
			if site == banned {
				return invalid("site_whitelist", "site %s is also blacklisted", site)
			}
		}
	}
	if s.Resources.Cores < 0 || s.Resources.MemoryMB < 0 {
		return invalid("resources", "must not be negative")
	}
	return s.Jobs.validate(s.Policy)
}

func (j JobParams) validate(policy PolicyKind) error {
	switch j.Algorithm {
	case "":
	case JobsByEvents:
		if j.EventsPerJob == 0 && policy != PolicyEvents {
			return invalid("jobs.events_per_job", "required by the %s job algorithm", j.Algorithm)
		}
	case JobsByFileCount:
		if j.FilesPerJob <= 0 {
			return invalid("jobs.files_per_job", "must be positive")
		}
	case JobsBySize:
		if j.BytesPerJob == 0 {
			return invalid("jobs.bytes_per_job", "must be positive")
		}
	case JobsByMergeUnit:
	default:
		return invalid("jobs.algorithm", "unknown job algorithm %q", j.Algorithm)
	}
	if policy == PolicyEvents && j.Algorithm != "" && j.Algorithm != JobsByEvents {
		return invalid("jobs.algorithm", "synthetic work can only be split by events")
	}
	return nil
}

// MaxTotalEvents bounds the events of one synthetic request, so that event
// and lumi arithmetic never wraps a 64-bit counter.
const MaxTotalEvents = 1 << 48

// ValidateEvents checks the bounds of the synthetic event policy.
func (p EventParams) ValidateEvents() error {
	if p.TotalEvents == 0 {
		return invalid("events.total_events", "zero total work")
	}
	if p.TotalEvents > MaxTotalEvents {
		return invalid("events.total_events", "%d exceeds the limit of %d events per request", p.TotalEvents, uint64(MaxTotalEvents))
	}
	if p.EventsPerJob == 0 {
		return invalid("events.events_per_job", "must be positive")
	}
	if p.EventsPerJob > math.MaxUint32 {
		return invalid("events.events_per_job", "%d exceeds the 32-bit event counter", p.EventsPerJob)
	}
	if p.EventsPerLumi > math.MaxUint32 {
		return invalid("events.events_per_lumi", "%d exceeds the 32-bit event counter", p.EventsPerLumi)
	}
	if p.FirstLumi > math.MaxUint32 {
		return invalid("events.first_lumi", "%d exceeds the 32-bit lumi counter", p.FirstLumi)
	}
	if p.BlowupFactor < 0 || math.IsNaN(p.BlowupFactor) {
		return invalid("events.blowup_factor", "must not be negative")
	}
	if p.FirstEvent > math.MaxUint32 {
		return invalid("events.first_event", "%d exceeds the 32-bit event counter", p.FirstEvent)
	}
	return nil
}
