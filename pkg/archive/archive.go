// Package archive keeps compressed snapshots of retired requests in an
// object store bucket.
package archive

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"golang.org/x/sync/errgroup"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	BackendFilesystem = "filesystem"
	BackendInMemory   = "inmemory"

	objectSuffix = ".json.zst"
)

var ErrNotArchived = errors.New("request not archived")

type Config struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`
	Prefix    string `yaml:"prefix"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"archive.backend", BackendInMemory, "Bucket for retired request snapshots. Supported values are: filesystem, inmemory.")
	f.StringVar(&cfg.Directory, prefix+"archive.directory", "./archive", "Root directory of the filesystem bucket.")
	f.StringVar(&cfg.Prefix, prefix+"archive.prefix", "requests", "Object key prefix of request snapshots.")
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendInMemory:
	case BackendFilesystem:
		if cfg.Directory == "" {
			return errors.New("archive directory is required for the filesystem backend")
		}
	default:
		return fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
	return nil
}

// NewBucket creates the bucket cfg describes.
func NewBucket(cfg Config) (objstore.Bucket, error) {
	switch cfg.Backend {
	case BackendFilesystem:
		return filesystem.NewBucket(cfg.Directory)
	case BackendInMemory:
		return objstore.NewInMemBucket(), nil
	}
	return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
}

// Snapshot is the archived form of one request.
type Snapshot struct {
	Record     *spec.Record           `json:"record"`
	Elements   []*element.WorkElement `json:"elements"`
	ArchivedAt time.Time              `json:"archived_at"`
}

type Archiver struct {
	bucket objstore.Bucket
	prefix string
	logger log.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	archived prometheus.Counter
	failures prometheus.Counter
}

func New(cfg Config, bucket objstore.Bucket, logger log.Logger, reg prometheus.Registerer) (*Archiver, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	return &Archiver{
		bucket:  bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		logger:  log.With(logger, "component", "archive"),
		encoder: encoder,
		decoder: decoder,
		archived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "gridqueue",
			Name:      "archived_requests_total",
			Help:      "Requests archived before being removed from the store.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "gridqueue",
			Name:      "archive_failures_total",
			Help:      "Request snapshots that could not be uploaded.",
		}),
	}, nil
}

func (a *Archiver) key(name string) string {
	return path.Join(a.prefix, name+objectSuffix)
}

// Archive uploads a snapshot of a request and its elements, retrying with
// backoff.
func (a *Archiver) Archive(ctx context.Context, rec *spec.Record, elements []*element.WorkElement) error {
	buf, err := json.Marshal(Snapshot{Record: rec, Elements: elements, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	payload := a.encoder.EncodeAll(buf, nil)
	key := a.key(rec.Spec.Name)

	bk := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 5,
	})
	var lastErr error
	for bk.Ongoing() {
		err := a.bucket.Upload(ctx, key, bytes.NewReader(payload))
		if err == nil {
			a.archived.Inc()
			level.Info(a.logger).Log("msg", "request archived", "request", rec.Spec.Name, "key", key, "elements", len(elements), "bytes", len(payload))
			return nil
		}
		lastErr = err
		bk.Wait()
	}
	a.failures.Inc()
	return fmt.Errorf("uploading %s after %d retries: %w", key, bk.NumRetries(), lastErr)
}

// Load reads the snapshot of one request.
func (a *Archiver) Load(ctx context.Context, name string) (*Snapshot, error) {
	return a.load(ctx, a.key(name))
}

func (a *Archiver) load(ctx context.Context, key string) (*Snapshot, error) {
	r, err := a.bucket.Get(ctx, key)
	if a.bucket.IsObjNotFoundErr(err) {
		return nil, errors.Wrap(ErrNotArchived, key)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	buf, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", key)
	}
	var s Snapshot
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return &s, nil
}

// List returns the names of all archived requests.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	dir := ""
	if a.prefix != "" {
		dir = a.prefix + objstore.DirDelim
	}
	var names []string
	err := a.bucket.Iter(ctx, dir, func(key string) error {
		if strings.HasSuffix(key, objectSuffix) {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(key, dir), objectSuffix))
		}
		return nil
	}, objstore.WithRecursiveIter())
	return names, err
}

// LoadAll reads every snapshot, a few at a time.
func (a *Archiver) LoadAll(ctx context.Context) ([]*Snapshot, error) {
	names, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			s, err := a.Load(gctx, name)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
