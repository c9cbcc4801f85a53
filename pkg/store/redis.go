package store

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

type RedisConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (cfg *RedisConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"endpoint", "", "Comma separated list of redis host:port endpoints.")
	f.StringVar(&cfg.Username, prefix+"username", "", "Redis username.")
	f.StringVar(&cfg.Password, prefix+"password", "", "Redis password.")
	f.IntVar(&cfg.DB, prefix+"db", 0, "Redis database index.")
	f.StringVar(&cfg.KeyPrefix, prefix+"key-prefix", "gridqueue:", "Prefix of every key written by the store.")
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 500*time.Millisecond, "Timeout of a single redis operation.")
}

// Redis is a Store on redis. Updates use WATCH/MULTI optimistic
// transactions, retried when another writer touched the element.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger log.Logger
}

func NewRedis(cfg RedisConfig, logger log.Logger) (*Redis, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        strings.Split(cfg.Endpoint, ","),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	level.Info(logger).Log("msg", "connecting to redis element store", "endpoint", cfg.Endpoint)
	return NewRedisWithClient(client, cfg.KeyPrefix, logger), nil
}

func NewRedisWithClient(client redis.UniversalClient, prefix string, logger log.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) elementKey(id string) string { return r.prefix + "element:" + id }
func (r *Redis) specKey(name string) string  { return r.prefix + "spec:" + name }
func (r *Redis) elementIndex() string        { return r.prefix + "elements" }
func (r *Redis) specIndex() string           { return r.prefix + "specs" }

func (r *Redis) Insert(ctx context.Context, elements ...*element.WorkElement) error {
	if len(elements) == 0 {
		return nil
	}
	keys := make([]string, 0, len(elements))
	for _, e := range elements {
		keys = append(keys, r.elementKey(e.ID))
	}
	return r.retry(ctx, func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, keys...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrExists
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, e := range elements {
					buf, err := json.Marshal(e)
					if err != nil {
						return err
					}
					pipe.Set(ctx, r.elementKey(e.ID), buf, 0)
					pipe.SAdd(ctx, r.elementIndex(), e.ID)
				}
				return nil
			})
			return err
		}, keys...)
	})
}

func (r *Redis) Get(ctx context.Context, id string) (*element.WorkElement, error) {
	buf, err := r.client.Get(ctx, r.elementKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	} else if err != nil {
		return nil, err
	}
	return decodeElement(buf, id)
}

func (r *Redis) List(ctx context.Context, filter Filter) ([]*element.WorkElement, error) {
	ids, err := r.client.SMembers(ctx, r.elementIndex()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.elementKey(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*element.WorkElement
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		e, err := decodeElement([]byte(s), ids[i])
		if err != nil {
			return nil, err
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sortElements(out)
	return out, nil
}

func (r *Redis) Update(ctx context.Context, id string, fn UpdateFunc) (*element.WorkElement, error) {
	key := r.elementKey(id)
	var next *element.WorkElement
	err := r.retry(ctx, func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			buf, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return notFound(id)
			} else if err != nil {
				return err
			}
			e, err := decodeElement(buf, id)
			if err != nil {
				return err
			}
			if next, err = applyUpdate(e, fn); err != nil {
				return err
			}
			out, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (r *Redis) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, r.elementKey(id))
			pipe.SRem(ctx, r.elementIndex(), id)
		}
		return nil
	})
	return err
}

func (r *Redis) PutSpec(ctx context.Context, rec *spec.Record) (bool, error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	created, err := r.client.SetNX(ctx, r.specKey(rec.Spec.Name), buf, 0).Result()
	if err != nil || !created {
		return false, err
	}
	return true, r.client.SAdd(ctx, r.specIndex(), rec.Spec.Name).Err()
}

func (r *Redis) GetSpec(ctx context.Context, name string) (*spec.Record, error) {
	buf, err := r.client.Get(ctx, r.specKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, specNotFound(name)
	} else if err != nil {
		return nil, err
	}
	return decodeSpec(buf, name)
}

func (r *Redis) UpdateSpec(ctx context.Context, name string, fn func(*spec.Record) error) error {
	key := r.specKey(name)
	return r.retry(ctx, func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			buf, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return specNotFound(name)
			} else if err != nil {
				return err
			}
			rec, err := decodeSpec(buf, name)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			out, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
	})
}

func (r *Redis) ListSpecs(ctx context.Context) ([]*spec.Record, error) {
	names, err := r.client.SMembers(ctx, r.specIndex()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*spec.Record, 0, len(names))
	for _, name := range names {
		rec, err := r.GetSpec(ctx, name)
		if errors.Is(err, ErrSpecNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortSpecs(out)
	return out, nil
}

func (r *Redis) DeleteSpec(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.specKey(name))
		pipe.SRem(ctx, r.specIndex(), name)
		return nil
	})
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// retry reruns a WATCH transaction that failed because a watched key changed.
func (r *Redis) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := fn()
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		level.Debug(r.logger).Log("msg", "redis transaction conflict, retrying", "attempt", attempt+1)
	}
	return element.ErrConflict
}
