package store

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

var (
	elementsBucket = []byte("elements")
	specsBucket    = []byte("specs")
)

type BoltConfig struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

func (cfg *BoltConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"path", "", "Path of the boltdb file holding the element store.")
	f.DurationVar(&cfg.OpenTimeout, prefix+"open-timeout", time.Second, "How long to wait for the file lock when opening the database.")
}

// Bolt is a Store in a single bbolt file. Every update runs in one write
// transaction, which bbolt serializes.
type Bolt struct {
	db     *bbolt.DB
	logger log.Logger
}

func NewBolt(cfg BoltConfig, logger log.Logger) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, errors.Wrap(err, "creating boltdb directory")
	}
	db, err := bbolt.Open(cfg.Path, 0o640, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening boltdb %s", cfg.Path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{elementsBucket, specsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating boltdb buckets")
	}
	level.Info(logger).Log("msg", "opened boltdb element store", "path", cfg.Path)
	return &Bolt{db: db, logger: logger}, nil
}

func (b *Bolt) Insert(_ context.Context, elements ...*element.WorkElement) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(elementsBucket)
		for _, e := range elements {
			if bucket.Get([]byte(e.ID)) != nil {
				return ErrExists
			}
			buf, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(e.ID), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Get(_ context.Context, id string) (*element.WorkElement, error) {
	var e *element.WorkElement
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = decodeElement(tx.Bucket(elementsBucket).Get([]byte(id)), id)
		return err
	})
	return e, err
}

func (b *Bolt) List(_ context.Context, filter Filter) ([]*element.WorkElement, error) {
	var out []*element.WorkElement
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(elementsBucket).ForEach(func(k, v []byte) error {
			e, err := decodeElement(v, string(k))
			if err != nil {
				return err
			}
			if filter.Matches(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

func (b *Bolt) Update(_ context.Context, id string, fn UpdateFunc) (*element.WorkElement, error) {
	var next *element.WorkElement
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(elementsBucket)
		e, err := decodeElement(bucket.Get([]byte(id)), id)
		if err != nil {
			return err
		}
		if next, err = applyUpdate(e, fn); err != nil {
			return err
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), buf)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (b *Bolt) Delete(_ context.Context, ids ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(elementsBucket)
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) PutSpec(_ context.Context, rec *spec.Record) (bool, error) {
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(specsBucket)
		if bucket.Get([]byte(rec.Spec.Name)) != nil {
			return nil
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		created = true
		return bucket.Put([]byte(rec.Spec.Name), buf)
	})
	return created, err
}

func (b *Bolt) GetSpec(_ context.Context, name string) (*spec.Record, error) {
	var rec *spec.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = decodeSpec(tx.Bucket(specsBucket).Get([]byte(name)), name)
		return err
	})
	return rec, err
}

func (b *Bolt) UpdateSpec(_ context.Context, name string, fn func(*spec.Record) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(specsBucket)
		rec, err := decodeSpec(bucket.Get([]byte(name)), name)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), buf)
	})
}

func (b *Bolt) ListSpecs(_ context.Context) ([]*spec.Record, error) {
	var out []*spec.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(specsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeSpec(v, string(k))
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) DeleteSpec(_ context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(specsBucket).Delete([]byte(name))
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func decodeElement(buf []byte, id string) (*element.WorkElement, error) {
	if buf == nil {
		return nil, notFound(id)
	}
	var e element.WorkElement
	if err := json.Unmarshal(buf, &e); err != nil {
		return nil, errors.Wrapf(err, "decoding element %s", id)
	}
	return &e, nil
}

func decodeSpec(buf []byte, name string) (*spec.Record, error) {
	if buf == nil {
		return nil, specNotFound(name)
	}
	var rec spec.Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding specification %s", name)
	}
	return &rec, nil
}
