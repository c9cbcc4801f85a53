package catalog

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gridqueue/gridqueue/pkg/element"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrBlockNotFound   = errors.New("block not found")
)

// File is one input file of a block.
type File struct {
	Name       string   `yaml:"name" json:"name"`
	Size       uint64   `yaml:"size" json:"size"`
	Events     uint64   `yaml:"events" json:"events"`
	Run        uint64   `yaml:"run" json:"run"`
	Lumis      []uint64 `yaml:"lumis" json:"lumis"`
	FirstEvent uint64   `yaml:"first_event" json:"first_event"`
	Parents    []string `yaml:"parents" json:"parents,omitempty"`
}

// FirstLumi is the lowest lumi section in the file, 0 when it has none.
func (f File) FirstLumi() uint64 {
	if len(f.Lumis) == 0 {
		return 0
	}
	lowest := f.Lumis[0]
	for _, l := range f.Lumis[1:] {
		lowest = min(lowest, l)
	}
	return lowest
}

// Catalog supplies dataset and block metadata.
type Catalog interface {
	ListBlocks(ctx context.Context, dataset string) ([]element.Block, error)
	BlockMetadata(ctx context.Context, block string) (element.Block, error)
	Files(ctx context.Context, block string) ([]File, error)
}

type Config struct {
	File      string        `yaml:"file"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.File, prefix+"catalog.file", "", "YAML file describing datasets, blocks and files.")
	f.IntVar(&cfg.CacheSize, prefix+"catalog.cache-size", 1024, "Number of block lookups kept in memory. 0 disables the cache.")
	f.DurationVar(&cfg.CacheTTL, prefix+"catalog.cache-ttl", 5*time.Minute, "How long cached catalog lookups stay valid.")
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize < 0 {
		return errors.New("catalog cache size must not be negative")
	}
	return nil
}

// New builds the catalog described by cfg.
func New(cfg Config) (Catalog, error) {
	static := NewStatic()
	if cfg.File != "" {
		if err := static.LoadFile(cfg.File); err != nil {
			return nil, err
		}
	}
	if cfg.CacheSize == 0 {
		return static, nil
	}
	return NewCached(static, cfg.CacheSize, cfg.CacheTTL), nil
}

type staticBlock struct {
	Name  string `yaml:"name"`
	Files []File `yaml:"files"`
}

type staticDataset struct {
	Name   string        `yaml:"name"`
	Blocks []staticBlock `yaml:"blocks"`
}

type staticFile struct {
	Datasets []staticDataset `yaml:"datasets"`
}

// Static is an in-memory catalog, optionally loaded from a YAML file.
type Static struct {
	mtx      sync.RWMutex
	datasets map[string][]string
	files    map[string][]File
}

func NewStatic() *Static {
	return &Static{
		datasets: map[string][]string{},
		files:    map[string][]File{},
	}
}

func (s *Static) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading catalog file")
	}
	var f staticFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return errors.Wrapf(err, "parsing catalog file %s", path)
	}
	for _, ds := range f.Datasets {
		for _, b := range ds.Blocks {
			s.AddBlock(ds.Name, b.Name, b.Files...)
		}
	}
	return nil
}

// AddBlock registers a block and its files under a dataset, replacing any
// previous definition of the block.
func (s *Static) AddBlock(dataset, block string, files ...File) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.files[block]; !ok {
		s.datasets[dataset] = append(s.datasets[dataset], block)
	}
	s.files[block] = append([]File(nil), files...)
}

// AddDataset registers a dataset with no blocks.
func (s *Static) AddDataset(dataset string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.datasets[dataset]; !ok {
		s.datasets[dataset] = nil
	}
}

func (s *Static) ListBlocks(_ context.Context, dataset string) ([]element.Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	names, ok := s.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, dataset)
	}
	blocks := make([]element.Block, 0, len(names))
	for _, name := range names {
		blocks = append(blocks, summarize(name, s.files[name]))
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Name < blocks[j].Name })
	return blocks, nil
}

func (s *Static) BlockMetadata(_ context.Context, block string) (element.Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	files, ok := s.files[block]
	if !ok {
		return element.Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, block)
	}
	return summarize(block, files), nil
}

func (s *Static) Files(_ context.Context, block string) ([]File, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	files, ok := s.files[block]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, block)
	}
	return append([]File(nil), files...), nil
}

func summarize(name string, files []File) element.Block {
	b := element.Block{Name: name, NumFiles: len(files)}
	for _, f := range files {
		b.Size += f.Size
		b.NumEvents += f.Events
	}
	return b
}
