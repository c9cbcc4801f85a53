// Package registry holds request level metadata owned outside the queues,
// such as request priority.
package registry

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrUnknownRequest = errors.New("unknown request")

// PriorityChange notifies that a request's priority was changed.
type PriorityChange struct {
	Request  string
	Priority int
}

// Registry is the request registry collaborator.
type Registry interface {
	GetPriority(ctx context.Context, request string) (int, error)
	// Changes delivers priority changes. Deliveries may be dropped when the
	// consumer falls behind; the periodic sync catches up.
	Changes() <-chan PriorityChange
}

type Config struct {
	File string `yaml:"file"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.File, prefix+"registry.file", "", "YAML file mapping request names to priorities.")
}

// Static is an in-memory registry.
type Static struct {
	mtx        sync.RWMutex
	priorities map[string]int
	changes    chan PriorityChange
}

func NewStatic() *Static {
	return &Static{
		priorities: map[string]int{},
		changes:    make(chan PriorityChange, 128),
	}
}

// New builds a static registry, loading cfg.File if set.
func New(cfg Config) (*Static, error) {
	r := NewStatic()
	if cfg.File == "" {
		return r, nil
	}
	buf, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, errors.Wrap(err, "reading registry file")
	}
	var priorities map[string]int
	if err := yaml.Unmarshal(buf, &priorities); err != nil {
		return nil, errors.Wrapf(err, "parsing registry file %s", cfg.File)
	}
	for name, p := range priorities {
		r.priorities[name] = p
	}
	return r, nil
}

func (r *Static) GetPriority(_ context.Context, request string) (int, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	p, ok := r.priorities[request]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRequest, request)
	}
	return p, nil
}

// SetPriority records a priority and notifies subscribers if it changed.
func (r *Static) SetPriority(request string, priority int) {
	r.mtx.Lock()
	old, ok := r.priorities[request]
	r.priorities[request] = priority
	r.mtx.Unlock()

	if ok && old == priority {
		return
	}
	select {
	case r.changes <- PriorityChange{Request: request, Priority: priority}:
	default:
	}
}

func (r *Static) Changes() <-chan PriorityChange {
	return r.changes
}
