package store

import (
	"context"
	"database/sql"
	"flag"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

const errDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gq_elements (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		request_name VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		version BIGINT UNSIGNED NOT NULL,
		data MEDIUMBLOB NOT NULL,
		INDEX idx_request (request_name),
		INDEX idx_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS gq_specs (
		name VARCHAR(255) NOT NULL PRIMARY KEY,
		data MEDIUMBLOB NOT NULL
	)`,
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (cfg *MySQLConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DSN, prefix+"dsn", "", "MySQL data source name, e.g. user:pass@tcp(host:3306)/gridqueue.")
	f.IntVar(&cfg.MaxOpenConns, prefix+"max-open-conns", 10, "Maximum number of open connections to the database.")
	f.DurationVar(&cfg.ConnMaxLifetime, prefix+"conn-max-lifetime", 5*time.Minute, "Maximum amount of time a connection may be reused.")
}

// SQL is a Store on MySQL. Every element row carries a version column that
// conditional updates compare against.
type SQL struct {
	db     *sql.DB
	logger log.Logger
}

func NewMySQL(cfg MySQLConfig, logger log.Logger) (*SQL, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parsing mysql dsn")
	}
	dsn.ParseTime = true
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "creating mysql connector")
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewSQLWithDB(db, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	level.Info(logger).Log("msg", "connected to mysql element store", "addr", dsn.Addr, "db", dsn.DBName)
	return s, nil
}

func NewSQLWithDB(db *sql.DB, logger log.Logger) *SQL {
	return &SQL{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating mysql schema")
		}
	}
	return nil
}

func (s *SQL) Insert(ctx context.Context, elements ...*element.WorkElement) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, e := range elements {
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO gq_elements (id, request_name, status, version, data) VALUES (?, ?, ?, ?, ?)",
			e.ID, e.RequestName, e.Status.String(), e.Version, buf)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return ErrExists
		} else if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQL) Get(ctx context.Context, id string) (*element.WorkElement, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM gq_elements WHERE id = ?", id).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	} else if err != nil {
		return nil, err
	}
	return decodeElement(buf, id)
}

func (s *SQL) List(ctx context.Context, filter Filter) ([]*element.WorkElement, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequestName != "" {
		where = append(where, "request_name = ?")
		args = append(args, filter.RequestName)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(filter.Statuses)-1)+")")
		for _, st := range filter.Statuses {
			args = append(args, st.String())
		}
	}
	query := "SELECT id, data FROM gq_elements"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*element.WorkElement
	for rows.Next() {
		var (
			id  string
			buf []byte
		)
		if err := rows.Scan(&id, &buf); err != nil {
			return nil, err
		}
		e, err := decodeElement(buf, id)
		if err != nil {
			return nil, err
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *SQL) Update(ctx context.Context, id string, fn UpdateFunc) (*element.WorkElement, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(e, fn)
		if err != nil {
			return nil, err
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx,
			"UPDATE gq_elements SET status = ?, version = ?, data = ? WHERE id = ? AND version = ?",
			next.Status.String(), next.Version, buf, id, e.Version)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			return next, nil
		}
		level.Debug(s.logger).Log("msg", "element version changed, retrying update", "id", id, "attempt", attempt+1)
	}
	return nil, element.ErrConflict
}

func (s *SQL) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM gq_elements WHERE id IN (?"+strings.Repeat(", ?", len(ids)-1)+")", args...)
	return err
}

func (s *SQL) PutSpec(ctx context.Context, rec *spec.Record) (bool, error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "INSERT IGNORE INTO gq_specs (name, data) VALUES (?, ?)", rec.Spec.Name, buf)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQL) GetSpec(ctx context.Context, name string) (*spec.Record, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM gq_specs WHERE name = ?", name).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, specNotFound(name)
	} else if err != nil {
		return nil, err
	}
	return decodeSpec(buf, name)
}

func (s *SQL) UpdateSpec(ctx context.Context, name string, fn func(*spec.Record) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var buf []byte
	err = tx.QueryRowContext(ctx, "SELECT data FROM gq_specs WHERE name = ? FOR UPDATE", name).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return specNotFound(name)
	} else if err != nil {
		return err
	}
	rec, err := decodeSpec(buf, name)
	if err != nil {
		return err
	}
	if err = fn(rec); err != nil {
		return err
	}
	if buf, err = json.Marshal(rec); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "UPDATE gq_specs SET data = ? WHERE name = ?", buf, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) ListSpecs(ctx context.Context) ([]*spec.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, data FROM gq_specs ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*spec.Record
	for rows.Next() {
		var (
			name string
			buf  []byte
		)
		if err := rows.Scan(&name, &buf); err != nil {
			return nil, err
		}
		rec, err := decodeSpec(buf, name)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteSpec(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM gq_specs WHERE name = ?", name)
	return err
}

func (s *SQL) Close() error {
	return s.db.Close()
}
