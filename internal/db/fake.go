package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeDatabase is an in-memory Database for unit tests. It supports the
// small subset of SQL the metadata store issues: CREATE/DROP TABLE,
// single/multi-column INSERT, single-row UPDATE/DELETE by primary key
// predicate, and SELECT with an optional WHERE vmid [AND col] equality
// clause. It is not a general SQL engine; it exists to exercise the
// metadata store's call patterns without a real Postgres instance.
type FakeDatabase struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
}

type fakeTable struct {
	columns []string
	rows    [][]any
}

// NewFakeDatabase returns an empty FakeDatabase.
func NewFakeDatabase() *FakeDatabase {
	return &FakeDatabase{tables: make(map[string]*fakeTable)}
}

func (d *FakeDatabase) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exec(sql, args...)
}

func (d *FakeDatabase) exec(sql string, args ...any) (Result, error) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "DROP TABLE"):
		name := lastToken(trimmed)
		delete(d.tables, name)
		return fakeResult(0), nil
	case strings.HasPrefix(upper, "CREATE TABLE"):
		name := tableNameFromCreate(trimmed)
		if _, ok := d.tables[name]; !ok {
			d.tables[name] = &fakeTable{}
		}
		return fakeResult(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		name, cols := parseInsert(trimmed)
		t := d.tables[name]
		if t == nil {
			return nil, fmt.Errorf("fake db: no such table %s", name)
		}
		if t.columns == nil {
			t.columns = cols
		}
		row := make([]any, len(cols))
		copy(row, args)
		t.rows = append(t.rows, row)
		return fakeResult(1), nil
	case strings.HasPrefix(upper, "UPDATE"):
		name, setCols := parseUpdate(trimmed)
		t := d.tables[name]
		if t == nil {
			return nil, fmt.Errorf("fake db: no such table %s", name)
		}
		// args[0] is the WHERE vmid value; remaining args are SET values in order.
		vmid := args[0]
		n := 0
		for _, row := range t.rows {
			if row[0] == vmid {
				for i, col := range setCols {
					idx := indexOf(t.columns, col)
					row[idx] = args[i+1]
				}
				n++
			}
		}
		return fakeResult(n), nil
	case strings.HasPrefix(upper, "DELETE"):
		name := tableNameFromDelete(trimmed)
		t := d.tables[name]
		if t == nil {
			return fakeResult(0), nil
		}
		var kept [][]any
		n := 0
		for _, row := range t.rows {
			if matches(row, args) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		t.rows = kept
		return fakeResult(n), nil
	default:
		return nil, fmt.Errorf("fake db: unsupported statement: %s", sql)
	}
}

func matches(row []any, args []any) bool {
	// DELETE ... WHERE vmid = $1 [AND col = $2]: args align with leading columns.
	for i, a := range args {
		if i >= len(row) || row[i] != a {
			return false
		}
	}
	return true
}

func (d *FakeDatabase) QueryRow(ctx context.Context, sql string, args ...any) Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, cols := d.selectRows(sql, args...)
	if len(rows) == 0 {
		return fakeRow{nil, cols, fmt.Errorf("fake db: no rows")}
	}
	return fakeRow{rows[0], cols, nil}
}

func (d *FakeDatabase) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, cols := d.selectRows(sql, args...)
	return &fakeRows{rows: rows, cols: cols, idx: -1}, nil
}

func (d *FakeDatabase) selectRows(sql string, args ...any) ([][]any, []string) {
	name, selectCols := parseSelect(sql)
	t := d.tables[name]
	if t == nil {
		return nil, selectCols
	}
	var out [][]any
	for _, row := range t.rows {
		if matches(row, args) {
			projected := make([]any, len(selectCols))
			for i, col := range selectCols {
				idx := indexOf(t.columns, col)
				if idx >= 0 {
					projected[i] = row[idx]
				}
			}
			out = append(out, projected)
		}
	}
	return out, selectCols
}

func (d *FakeDatabase) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	return nil, fmt.Errorf("fake db: transactions not supported")
}

func (d *FakeDatabase) Ping(ctx context.Context) error { return nil }
func (d *FakeDatabase) Close() error                   { return nil }
func (d *FakeDatabase) DriverName() string             { return "fake" }

type fakeResult int64

func (r fakeResult) RowsAffected() int64 { return int64(r) }

type fakeRow struct {
	row []any
	cols []string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.row, dest)
}

type fakeRows struct {
	rows [][]any
	cols []string
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.rows[r.idx], dest)
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func scanInto(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("fake db: scan mismatch: %d dest, %d row", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest any, val any) error {
	switch p := dest.(type) {
	case *string:
		s, _ := val.(string)
		*p = s
	case *int:
		switch v := val.(type) {
		case int:
			*p = v
		case int32:
			*p = int(v)
		case int64:
			*p = int(v)
		}
	case *[]byte:
		switch v := val.(type) {
		case []byte:
			*p = v
		case string:
			*p = []byte(v)
		}
	default:
		return fmt.Errorf("fake db: unsupported scan dest %T", dest)
	}
	return nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func lastToken(s string) string {
	fields := strings.Fields(s)
	name := fields[len(fields)-1]
	return strings.TrimSuffix(name, ";")
}

func tableNameFromCreate(sql string) string {
	fields := strings.Fields(sql)
	for i, f := range fields {
		if strings.EqualFold(f, "EXISTS") {
			return strings.TrimSuffix(fields[i+1], "(")
		}
		if strings.EqualFold(f, "TABLE") && i+1 < len(fields) && !strings.EqualFold(fields[i+1], "IF") {
			return strings.TrimSuffix(fields[i+1], "(")
		}
	}
	return ""
}

func parseInsert(sql string) (table string, cols []string) {
	// INSERT INTO <table> (<col>, <col>, ...) VALUES (...)
	rest := strings.TrimPrefix(sql, "INSERT INTO ")
	open := strings.Index(rest, "(")
	close := strings.Index(rest, ")")
	table = strings.TrimSpace(rest[:open])
	colPart := rest[open+1 : close]
	for _, c := range strings.Split(colPart, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	return table, cols
}

func parseUpdate(sql string) (table string, setCols []string) {
	// UPDATE <table> SET col = $2, col2 = $3 WHERE vmid = $1
	rest := strings.TrimPrefix(sql, "UPDATE ")
	setIdx := strings.Index(rest, " SET ")
	table = strings.TrimSpace(rest[:setIdx])
	whereIdx := strings.Index(rest, " WHERE ")
	setPart := rest[setIdx+5 : whereIdx]
	for _, assign := range strings.Split(setPart, ",") {
		kv := strings.SplitN(strings.TrimSpace(assign), "=", 2)
		setCols = append(setCols, strings.TrimSpace(kv[0]))
	}
	return table, setCols
}

func tableNameFromDelete(sql string) string {
	rest := strings.TrimPrefix(sql, "DELETE FROM ")
	fields := strings.Fields(rest)
	return fields[0]
}

func parseSelect(sql string) (table string, cols []string) {
	// SELECT col, col2 FROM <table> WHERE ...
	rest := strings.TrimPrefix(sql, "SELECT ")
	fromIdx := strings.Index(rest, " FROM ")
	colPart := rest[:fromIdx]
	for _, c := range strings.Split(colPart, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	after := strings.TrimSpace(rest[fromIdx+6:])
	fields := strings.Fields(after)
	table = fields[0]
	return table, cols
}
