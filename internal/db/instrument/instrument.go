// Package instrument wraps a database handle so that every statement
// execution emits one timing span to a per-request collector. The wrapper is
// observation-only: results, errors, and call semantics pass through
// unchanged. Storage code depends on the Querier interface rather than
// *sql.DB so the wrapper can be installed per request without touching call
// sites.
package instrument

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/tracelight/tracelight/internal/sqlshape"
)

// Span kinds.
const (
	KindQuery = "db.query"
	KindError = "db.error"
)

// Span records one instrumented statement execution.
type Span struct {
	Kind         string
	DBName       string
	TS           time.Time
	Duration     time.Duration
	SQLShape     string
	RowsRead     int64
	RowsWritten  int64
	ErrorMessage string
}

// Rows is the subset of *sql.Rows storage code iterates with.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Row is the subset of *sql.Row storage code scans with.
type Row interface {
	Scan(dest ...any) error
}

// Querier is the storage-access surface shared by the plain adapter and the
// instrumented wrapper. Repositories must hold a Querier, never *sql.DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
}

// Raw adapts *sql.DB to Querier without instrumentation.
type Raw struct {
	DB *sql.DB
}

func (r Raw) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.DB.ExecContext(ctx, query, args...)
}

func (r Raw) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r Raw) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	return r.DB.QueryRowContext(ctx, query, args...)
}

// Collector accumulates spans for one request. Safe for concurrent use; a
// fresh collector is installed per request and discarded with it, so spans
// from concurrent requests never mix.
type Collector struct {
	requestTS time.Time

	mu    sync.Mutex
	spans []Span
}

// NewCollector returns a collector stamping every span with requestTS.
func NewCollector(requestTS time.Time) *Collector {
	return &Collector{requestTS: requestTS}
}

// Push appends one span.
func (c *Collector) Push(s Span) {
	if c == nil {
		return
	}
	s.TS = c.requestTS
	c.mu.Lock()
	c.spans = append(c.spans, s)
	c.mu.Unlock()
}

// Spans returns a copy of the collected spans in push order.
func (c *Collector) Spans() []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Span, len(c.spans))
	copy(out, c.spans)
	return out
}

// Totals are the per-request aggregates persisted on the breadcrumb row.
type Totals struct {
	QueryCount  int
	QueryTime   time.Duration
	RowsRead    int64
	RowsWritten int64
	ErrorCount  int
}

// Aggregate folds the collected spans into request totals.
func (c *Collector) Aggregate() Totals {
	var t Totals
	for _, s := range c.Spans() {
		switch s.Kind {
		case KindQuery:
			t.QueryCount++
			t.QueryTime += s.Duration
			t.RowsRead += s.RowsRead
			t.RowsWritten += s.RowsWritten
		case KindError:
			t.ErrorCount++
		}
	}
	return t
}

// DB is the instrumented wrapper. It implements Querier over an inner
// Querier, normalizing each statement to its shape and pushing one span per
// execution.
type DB struct {
	inner     Querier
	dbName    string
	collector *Collector
}

// Wrap returns an instrumented Querier over inner. dbName tags spans (there
// may be more than one logical database per deployment). collector may be
// nil, in which case spans are dropped and the wrapper is pass-through.
func Wrap(inner Querier, dbName string, collector *Collector) *DB {
	return &DB{inner: inner, dbName: dbName, collector: collector}
}

// ExecContext runs the statement and records one span: a success span with
// RowsWritten from the result, or an error span carrying the error message.
// The original result and error are returned unchanged.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	shape := sqlshape.Normalize(query)
	start := time.Now()
	res, err := d.inner.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)
	if err != nil {
		d.collector.Push(Span{
			Kind: KindError, DBName: d.dbName, Duration: elapsed,
			SQLShape: shape, ErrorMessage: err.Error(),
		})
		return res, err
	}
	var written int64
	if res != nil {
		if n, raErr := res.RowsAffected(); raErr == nil {
			written = n
		}
	}
	d.collector.Push(Span{
		Kind: KindQuery, DBName: d.dbName, Duration: elapsed,
		SQLShape: shape, RowsWritten: written,
	})
	return res, err
}

// QueryContext runs the query and returns counting rows: the span is pushed
// when the rows are closed, with RowsRead equal to the number of Next calls
// that yielded a row. A query error pushes an error span immediately.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	shape := sqlshape.Normalize(query)
	start := time.Now()
	rows, err := d.inner.QueryContext(ctx, query, args...)
	if err != nil {
		d.collector.Push(Span{
			Kind: KindError, DBName: d.dbName, Duration: time.Since(start),
			SQLShape: shape, ErrorMessage: err.Error(),
		})
		return nil, err
	}
	return &countingRows{inner: rows, db: d, shape: shape, start: start}, nil
}

// QueryRowContext defers the span to the Scan call, where the outcome is
// known. sql.ErrNoRows counts as a successful zero-row read, not a DB error.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	shape := sqlshape.Normalize(query)
	return &spanRow{inner: d.inner.QueryRowContext(ctx, query, args...), db: d, shape: shape, start: time.Now()}
}

type countingRows struct {
	inner Rows
	db    *DB
	shape string
	start time.Time
	read  int64
	done  bool
}

func (r *countingRows) Next() bool {
	ok := r.inner.Next()
	if ok {
		r.read++
	}
	return ok
}

func (r *countingRows) Scan(dest ...any) error { return r.inner.Scan(dest...) }
func (r *countingRows) Err() error             { return r.inner.Err() }

func (r *countingRows) Close() error {
	err := r.inner.Close()
	if r.done {
		return err
	}
	r.done = true
	elapsed := time.Since(r.start)
	if iterErr := r.inner.Err(); iterErr != nil {
		r.db.collector.Push(Span{
			Kind: KindError, DBName: r.db.dbName, Duration: elapsed,
			SQLShape: r.shape, ErrorMessage: iterErr.Error(),
		})
		return err
	}
	r.db.collector.Push(Span{
		Kind: KindQuery, DBName: r.db.dbName, Duration: elapsed,
		SQLShape: r.shape, RowsRead: r.read,
	})
	return err
}

type spanRow struct {
	inner Row
	db    *DB
	shape string
	start time.Time
}

func (r *spanRow) Scan(dest ...any) error {
	err := r.inner.Scan(dest...)
	elapsed := time.Since(r.start)
	switch {
	case err == nil:
		r.db.collector.Push(Span{
			Kind: KindQuery, DBName: r.db.dbName, Duration: elapsed,
			SQLShape: r.shape, RowsRead: 1,
		})
	case errors.Is(err, sql.ErrNoRows):
		r.db.collector.Push(Span{
			Kind: KindQuery, DBName: r.db.dbName, Duration: elapsed,
			SQLShape: r.shape,
		})
	default:
		r.db.collector.Push(Span{
			Kind: KindError, DBName: r.db.dbName, Duration: elapsed,
			SQLShape: r.shape, ErrorMessage: err.Error(),
		})
	}
	return err
}
