package execution

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/gridqueue/gridqueue/pkg/element"
)

type SimulatedConfig struct {
	JobDuration time.Duration `yaml:"job_duration"`
	// FailureRate is the fraction of jobs that fail, chosen deterministically
	// from the job ID.
	FailureRate float64 `yaml:"failure_rate"`
}

func (cfg *SimulatedConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.JobDuration, prefix+"simulated.job-duration", 10*time.Second, "How long a simulated job runs.")
	f.Float64Var(&cfg.FailureRate, prefix+"simulated.failure-rate", 0, "Fraction of simulated jobs that fail.")
}

type simulatedJob struct {
	job         element.Job
	site        string
	submittedAt time.Time
	killed      bool
}

// Simulated runs jobs in process: a job is running until its duration has
// elapsed on the clock, then succeeds or fails.
type Simulated struct {
	cfg   SimulatedConfig
	clock quartz.Clock

	mtx  sync.Mutex
	jobs map[Handle]*simulatedJob
}

func NewSimulated(cfg SimulatedConfig, clock quartz.Clock) *Simulated {
	return &Simulated{
		cfg:   cfg,
		clock: clock,
		jobs:  map[Handle]*simulatedJob{},
	}
}

func (s *Simulated) Submit(_ context.Context, site string, jobs []element.Job) ([]Handle, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	handles := make([]Handle, 0, len(jobs))
	for _, j := range jobs {
		h := Handle(uuid.NewString())
		s.jobs[h] = &simulatedJob{job: j, site: site, submittedAt: now}
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Simulated) Poll(_ context.Context, handles []Handle) ([]JobStatus, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	out := make([]JobStatus, 0, len(handles))
	for _, h := range handles {
		j, ok := s.jobs[h]
		if !ok {
			return nil, fmt.Errorf("unknown job handle %s", h)
		}
		status := JobStatus{Handle: h}
		switch {
		case j.killed:
			status.State = JobKilled
		case now.Sub(j.submittedAt) < s.cfg.JobDuration:
			status.State = JobRunning
		case s.fails(j.job):
			status.State = JobFailed
		default:
			status.State = JobSucceeded
			status.EventsWritten = j.job.Events
			status.FilesProcessed = len(j.job.Files)
		}
		out = append(out, status)
	}
	return out, nil
}

func (s *Simulated) Kill(_ context.Context, handles []Handle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	for _, h := range handles {
		j, ok := s.jobs[h]
		if !ok {
			continue
		}
		// finished jobs keep their outcome
		if now.Sub(j.submittedAt) < s.cfg.JobDuration {
			j.killed = true
		}
	}
	return nil
}

func (s *Simulated) fails(j element.Job) bool {
	if s.cfg.FailureRate <= 0 {
		return false
	}
	return float64(xxhash.Sum64String(j.ID)%10000)/10000 < s.cfg.FailureRate
}
