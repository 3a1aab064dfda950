// Package storetest provides a scripted store.DB for exercising the Postgres
// stores without a database.
package storetest

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call is one statement seen by FakeDB.
type Call struct {
	SQL  string
	Args []any
}

// FakeDB answers every statement from the configured funcs. Unset funcs
// behave like an empty table.
type FakeDB struct {
	mu    sync.Mutex
	calls []Call

	QueryRowFunc func(sql string, args ...any) ([]any, error)
	QueryFunc    func(sql string, args ...any) ([][]any, error)
	ExecFunc     func(sql string, args ...any) (int64, error)
}

func (f *FakeDB) record(sql string, args []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{SQL: sql, Args: args})
}

func (f *FakeDB) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.record(sql, args)
	if f.QueryRowFunc == nil {
		return &row{err: pgx.ErrNoRows}
	}
	values, err := f.QueryRowFunc(sql, args...)
	return &row{values: values, err: err}
}

func (f *FakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.record(sql, args)
	if f.QueryFunc == nil {
		return &rows{}, nil
	}
	data, err := f.QueryFunc(sql, args...)
	if err != nil {
		return nil, err
	}
	return &rows{data: data, pos: -1}, nil
}

func (f *FakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(sql, args)
	if f.ExecFunc == nil {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	n, err := f.ExecFunc(sql, args...)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

type row struct {
	values []any
	err    error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type rows struct {
	data [][]any
	pos  int
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return nil }
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	if r.pos+1 >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return fmt.Errorf("storetest: scan outside result set")
	}
	return assign(r.data[r.pos], dest)
}

func (r *rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.data) {
		return nil, fmt.Errorf("storetest: values outside result set")
	}
	return r.data[r.pos], nil
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("storetest: %d values for %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("storetest: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if values[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(elem.Type()) {
			return fmt.Errorf("storetest: cannot assign %s to %s", v.Type(), elem.Type())
		}
		elem.Set(v)
	}
	return nil
}
