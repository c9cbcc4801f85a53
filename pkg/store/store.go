// Package store persists work elements and accepted specifications.
package store

import (
	"context"
	"flag"
	"fmt"
	"slices"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	BackendMemory = "memory"
	BackendBoltDB = "boltdb"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"

	// optimistic backends retry an update this many times before reporting
	// a conflict.
	maxUpdateAttempts = 10
)

var (
	ErrExists       = errors.New("element already exists")
	ErrSpecNotFound = errors.New("specification not found")
)

// Filter selects elements. Zero fields match everything.
type Filter struct {
	RequestName string
	Statuses    []element.Status
	Owner       string
	// Sites keeps elements eligible at any of the listed sites.
	Sites []string
}

func (f Filter) Matches(e *element.WorkElement) bool {
	if f.RequestName != "" && e.RequestName != f.RequestName {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if len(f.Sites) > 0 && !slices.ContainsFunc(f.Sites, e.EligibleAt) {
		return false
	}
	return true
}

// UpdateFunc mutates an element in place. Returning an error aborts the
// update and the error is passed through to the caller.
type UpdateFunc func(e *element.WorkElement) error

// Store is the single point of serialization between queue workers.
type Store interface {
	// Insert adds new elements. It fails with ErrExists if any ID is taken,
	// in which case none of the elements are stored.
	Insert(ctx context.Context, elements ...*element.WorkElement) error
	Get(ctx context.Context, id string) (*element.WorkElement, error)
	List(ctx context.Context, filter Filter) ([]*element.WorkElement, error)
	// Update atomically applies fn to the stored element and bumps its
	// version. Concurrent updates never interleave: one of them observes the
	// result of the other.
	Update(ctx context.Context, id string, fn UpdateFunc) (*element.WorkElement, error)
	Delete(ctx context.Context, ids ...string) error

	// PutSpec stores rec unless a record with the same name exists, and
	// reports whether it was created.
	PutSpec(ctx context.Context, rec *spec.Record) (bool, error)
	GetSpec(ctx context.Context, name string) (*spec.Record, error)
	UpdateSpec(ctx context.Context, name string, fn func(*spec.Record) error) error
	ListSpecs(ctx context.Context) ([]*spec.Record, error)
	DeleteSpec(ctx context.Context, name string) error

	Close() error
}

// CompareAndSwap moves an element from one status to another and applies
// mutate in the same atomic step. It returns element.ErrConflict when the
// element is not in the expected status.
func CompareAndSwap(ctx context.Context, s Store, id string, from, to element.Status, mutate UpdateFunc) (*element.WorkElement, error) {
	return s.Update(ctx, id, func(e *element.WorkElement) error {
		if e.Status != from {
			return fmt.Errorf("%w: element %s is %s, expected %s", element.ErrConflict, id, e.Status, from)
		}
		if !element.CanTransition(from, to) {
			return fmt.Errorf("invalid transition %s -> %s", from, to)
		}
		e.Status = to
		if mutate != nil {
			return mutate(e)
		}
		return nil
	})
}

type Config struct {
	Backend string      `yaml:"backend"`
	BoltDB  BoltConfig  `yaml:"boltdb"`
	Redis   RedisConfig `yaml:"redis"`
	MySQL   MySQLConfig `yaml:"mysql"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"store.backend", BackendMemory, "Element store backend. Supported values are: memory, boltdb, redis, mysql.")
	cfg.BoltDB.RegisterFlagsWithPrefix(prefix+"store.boltdb.", f)
	cfg.Redis.RegisterFlagsWithPrefix(prefix+"store.redis.", f)
	cfg.MySQL.RegisterFlagsWithPrefix(prefix+"store.mysql.", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendMemory:
	case BackendBoltDB:
		if cfg.BoltDB.Path == "" {
			return errors.New("boltdb store requires a path")
		}
	case BackendRedis:
		if cfg.Redis.Endpoint == "" {
			return errors.New("redis store requires an endpoint")
		}
	case BackendMySQL:
		if cfg.MySQL.DSN == "" {
			return errors.New("mysql store requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
	return nil
}

// New builds the configured backend.
func New(cfg Config, logger log.Logger) (Store, error) {
	logger = log.With(logger, "component", "store", "backend", cfg.Backend)
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendBoltDB:
		return NewBolt(cfg.BoltDB, logger)
	case BackendRedis:
		return NewRedis(cfg.Redis, logger)
	case BackendMySQL:
		return NewMySQL(cfg.MySQL, logger)
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", element.ErrNotFound, id)
}

func specNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrSpecNotFound, name)
}

// applyUpdate runs fn on a copy of e and returns the new version.
func applyUpdate(e *element.WorkElement, fn UpdateFunc) (*element.WorkElement, error) {
	next := e.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = e.ID
	next.Version = e.Version + 1
	return next, nil
}

func sortElements(elements []*element.WorkElement) {
	slices.SortFunc(elements, func(a, b *element.WorkElement) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func sortSpecs(records []*spec.Record) {
	slices.SortFunc(records, func(a, b *spec.Record) int {
		switch {
		case a.Spec.Name < b.Spec.Name:
			return -1
		case a.Spec.Name > b.Spec.Name:
			return 1
		}
		return 0
	})
}

func cloneRecord(r *spec.Record) *spec.Record {
	cp := *r
	cp.Spec.BlockWhitelist = slices.Clone(r.Spec.BlockWhitelist)
	cp.Spec.SiteWhitelist = slices.Clone(r.Spec.SiteWhitelist)
	cp.Spec.SiteBlacklist = slices.Clone(r.Spec.SiteBlacklist)
	return &cp
}
