package element

import (
	"strconv"
)

// Result is the rolled-up state of a set of elements or child queue reports
// belonging to one request.
type Result struct {
	RequestName string `json:"request_name"`
	Team        string `json:"team"`
	Priority    int    `json:"priority"`
	Status      Status `json:"status"`

	EventsWritten  uint64 `json:"events_written"`
	FilesProcessed int    `json:"files_processed"`
	Jobs           int    `json:"jobs"`

	PercentComplete float64 `json:"percent_complete"`
	PercentSuccess  float64 `json:"percent_success"`

	Members int `json:"members"`
}

// ResultOf converts a single element into an aggregation member.
func ResultOf(e *WorkElement) Result {
	return Result{
		RequestName:     e.RequestName,
		Team:            e.Team,
		Priority:        e.Priority,
		Status:          e.Status,
		EventsWritten:   e.Progress.EventsWritten,
		FilesProcessed:  e.Progress.FilesProcessed,
		Jobs:            e.Jobs,
		PercentComplete: e.Progress.PercentComplete,
		PercentSuccess:  e.Progress.PercentSuccess,
		Members:         1,
	}
}

// AggregateElements is Aggregate over ResultOf each element.
func AggregateElements(elements []*WorkElement) (Result, error) {
	members := make([]Result, 0, len(elements))
	for _, e := range elements {
		members = append(members, ResultOf(e))
	}
	return Aggregate(members)
}

// Aggregate combines sibling members into one result. The status is chosen by
// precedence, first match wins:
//
//  1. any CancelRequested member: CancelRequested
//  2. not all members terminal: Running if any member runs, else Acquired
//  3. all terminal: Canceled if any, else Failed if any, else the single
//     status every member shares
//
// Counters are summed and percentages averaged. Request name, team and
// priority must agree across members.
func Aggregate(members []Result) (Result, error) {
	if len(members) == 0 {
		return Result{}, nil
	}

	first := members[0]
	res := Result{
		RequestName: first.RequestName,
		Team:        first.Team,
		Priority:    first.Priority,
	}

	var cancelRequested, running, canceled, failed bool
	allTerminal := true
	terminal := map[Status]struct{}{}
	for _, m := range members {
		if m.RequestName != res.RequestName {
			return Result{}, &InconsistencyError{Field: "request name", Values: []string{res.RequestName, m.RequestName}}
		}
		if m.Team != res.Team {
			return Result{}, &InconsistencyError{Field: "team", Values: []string{res.Team, m.Team}}
		}
		if m.Priority != res.Priority {
			return Result{}, &InconsistencyError{Field: "priority", Values: []string{strconv.Itoa(res.Priority), strconv.Itoa(m.Priority)}}
		}

		switch m.Status {
		case StatusCancelRequested:
			cancelRequested = true
		case StatusRunning:
			running = true
		case StatusCanceled:
			canceled = true
		case StatusFailed:
			failed = true
		}
		if m.Status.IsTerminal() {
			terminal[m.Status] = struct{}{}
		} else {
			allTerminal = false
		}

		res.EventsWritten += m.EventsWritten
		res.FilesProcessed += m.FilesProcessed
		res.Jobs += m.Jobs
		res.PercentComplete += m.PercentComplete
		res.PercentSuccess += m.PercentSuccess
		res.Members += max(m.Members, 1)
	}
	res.PercentComplete /= float64(len(members))
	res.PercentSuccess /= float64(len(members))

	switch {
	case cancelRequested:
		res.Status = StatusCancelRequested
	case !allTerminal && running:
		res.Status = StatusRunning
	case !allTerminal:
		res.Status = StatusAcquired
	case canceled:
		res.Status = StatusCanceled
	case failed:
		res.Status = StatusFailed
	case len(terminal) == 1:
		res.Status = first.Status
	default:
		values := make([]string, 0, len(terminal))
		for st := range terminal {
			values = append(values, st.String())
		}
		return Result{}, &InconsistencyError{Field: "terminal status", Values: values}
	}
	return res, nil
}
