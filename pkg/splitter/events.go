package splitter

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

const (
	DefaultMaxJobsPerElement = 1000
	defaultRun               = 1

	// MaxElementsPerRequest bounds how many elements one synthetic request
	// may be split into.
	MaxElementsPerRequest = 1_000_000
)

// Events splits synthetic work, which has no input dataset, purely from the
// event and lumi configuration of the specification.
type Events struct{}

func (Events) Kind() spec.PolicyKind { return spec.PolicyEvents }

// eventPlan is the resolved configuration of one synthetic split.
type eventPlan struct {
	eventsPerJob  uint64
	eventsPerLumi uint64
	lumisPerJob   uint64
	maxJobs       uint64
	stepSize      uint64
}

func planEvents(p spec.EventParams) (eventPlan, error) {
	if err := p.ValidateEvents(); err != nil {
		return eventPlan{}, err
	}
	plan := eventPlan{
		eventsPerJob:  p.EventsPerJob,
		eventsPerLumi: p.EventsPerLumi,
		maxJobs:       p.MaxJobsPerElement,
	}
	if plan.eventsPerLumi == 0 || plan.eventsPerLumi > plan.eventsPerJob {
		plan.eventsPerLumi = plan.eventsPerJob
	}
	if plan.maxJobs == 0 {
		plan.maxJobs = DefaultMaxJobsPerElement
	}
	plan.lumisPerJob = ceilDiv(plan.eventsPerJob, plan.eventsPerLumi)

	if p.MaxLumisPerElement > 0 && mulSaturating(plan.maxJobs, plan.lumisPerJob) > p.MaxLumisPerElement {
		plan.maxJobs = p.MaxLumisPerElement / plan.lumisPerJob
		if plan.maxJobs == 0 {
			return eventPlan{}, &CapacityExceededError{LumisPerJob: plan.lumisPerJob, MaxLumis: p.MaxLumisPerElement}
		}
	}
	plan.stepSize = mulSaturating(plan.eventsPerJob, plan.maxJobs)
	return plan, nil
}

// checkElements rejects a split that would produce more elements than one
// request may hold.
func (p eventPlan) checkElements(events uint64) error {
	if n := ceilDiv(events, p.stepSize); n > MaxElementsPerRequest {
		return &spec.SpecificationError{
			Field:  "events.total_events",
			Reason: fmt.Sprintf("%d events at %d events per element exceed %d elements per request", events, p.stepSize, MaxElementsPerRequest),
		}
	}
	return nil
}

func mulSaturating(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func (Events) Validate(s *spec.Specification) error {
	plan, err := planEvents(s.Events)
	if err != nil {
		return err
	}
	return plan.checkElements(s.Events.TotalEvents)
}

func (Events) Split(_ context.Context, s *spec.Specification, resume *element.Mask) ([]*element.WorkElement, error) {
	plan, err := planEvents(s.Events)
	if err != nil {
		return nil, err
	}

	var (
		remaining = s.Events.TotalEvents
		event     = max(s.Events.FirstEvent, 1)
		lumi      = max(s.Events.FirstLumi, 1)
		run       = s.Events.Run
	)
	if run == 0 {
		run = defaultRun
	}
	if resume != nil {
		if remaining, err = resumeEvents(resume); err != nil {
			return nil, err
		}
		event, lumi = resume.FirstEvent, max(resume.FirstLumi, 1)
		if resume.FirstRun > 0 {
			run = resume.FirstRun
		}
	}
	if err := plan.checkElements(remaining); err != nil {
		return nil, err
	}

	var elements []*element.WorkElement
	for remaining > 0 {
		n := min(remaining, plan.stepSize)
		jobs := ceilDiv(n, plan.eventsPerJob)
		lumis := (n/plan.eventsPerJob)*plan.lumisPerJob + ceilDiv(n%plan.eventsPerJob, plan.eventsPerLumi)

		mask := element.Mask{
			FirstRun:   run,
			LastRun:    run,
			FirstLumi:  lumi,
			LastLumi:   lumi + lumis - 1,
			FirstEvent: event,
			LastEvent:  event + n - 1,
			EventCount: n,
		}
		if mask.LastEvent > element.MaxEvent {
			wrapMask(&mask, plan.eventsPerJob)
		}

		e := newElement(s)
		e.Jobs = int(jobs)
		e.BlowupFactor = s.Events.BlowupFactor
		e.Mask = mask
		e.JobSplitting = element.JobSplitting{
			Algorithm:     string(spec.JobsByEvents),
			EventsPerJob:  plan.eventsPerJob,
			EventsPerLumi: plan.eventsPerLumi,
		}
		elements = append(elements, e)

		remaining -= n
		event = mask.LastEvent + 1
		lumi = mask.LastLumi + 1
	}
	return elements, nil
}

// wrapMask renumbers the last event of a step whose range crosses
// element.MaxEvent. Per-job counters are simulated from FirstEvent in
// eventsPerJob increments; the breakpoint is the start of the first job
// whose range would exceed MaxEvent. Events from the breakpoint on restart
// at 1, so LastEvent becomes its post-wrap number.
func wrapMask(mask *element.Mask, eventsPerJob uint64) {
	breakpoint := WrapBreakpoint(mask.FirstEvent, mask.EventCount, eventsPerJob)
	mask.LastEvent = mask.LastEvent - breakpoint + 1
	if breakpoint == mask.FirstEvent {
		mask.FirstEvent = 1
	}
}

// WrapBreakpoint returns the first event of the first job, among jobs of
// eventsPerJob events covering count events from first, whose last event
// would exceed element.MaxEvent. It returns 0 if no job overflows.
func WrapBreakpoint(first, count, eventsPerJob uint64) uint64 {
	if count == 0 || eventsPerJob == 0 {
		return 0
	}
	if first > element.MaxEvent {
		return first
	}
	if first+count-1 <= element.MaxEvent {
		return 0
	}
	// Jobs before index k end at or below MaxEvent; job k is the first that
	// does not, whether it is full or the partial last one.
	k := (element.MaxEvent - first + 1) / eventsPerJob
	return first + k*eventsPerJob
}

func resumeEvents(m *element.Mask) (uint64, error) {
	if m.FirstEvent > element.MaxEvent || m.FirstLumi > element.MaxEvent {
		return 0, &spec.SpecificationError{Field: "mask", Reason: "resume mask starts past the 32-bit counters"}
	}
	n := m.EventCount
	if n == 0 {
		if m.FirstEvent == 0 || m.LastEvent < m.FirstEvent {
			return 0, &spec.SpecificationError{Field: "mask", Reason: "resume mask needs an event range"}
		}
		n = m.LastEvent - m.FirstEvent + 1
	}
	if n > spec.MaxTotalEvents {
		return 0, &spec.SpecificationError{Field: "mask", Reason: "resume mask covers too many events"}
	}
	return n, nil
}
