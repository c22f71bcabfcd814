package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// Minimal fake SQL driver to exercise PostgresStore transaction and query
// paths without a server. Query results are queued per test.

type fakeDB struct {
	execs       []string
	queries     []string
	rowSets     [][][]driver.Value // popped per QueryContext call
	failExecAt  map[int]error      // 1-based index of exec call -> error
	failCommit  error
	commits     int
	rollbacks   int
}

type fakeDriver struct{}

type fakeConn struct{ db *fakeDB }

type fakeTx struct {
	db     *fakeDB
	closed bool
}

type fakeRows struct {
	rows [][]driver.Value
	i    int
}

type fakeResult int

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func (fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	idx := len(c.db.execs)
	if c.db.failExecAt != nil {
		if err, ok := c.db.failExecAt[idx]; ok {
			return nil, err
		}
	}
	return fakeResult(1), nil
}
func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.queries = append(c.db.queries, query)
	var rows [][]driver.Value
	if len(c.db.rowSets) > 0 {
		rows = c.db.rowSets[0]
		c.db.rowSets = c.db.rowSets[1:]
	}
	return &fakeRows{rows: rows}, nil
}

// Column names are never inspected by the store; width just has to cover
// the widest Scan.
func (r *fakeRows) Columns() []string {
	if len(r.rows) == 0 {
		return make([]string, 9)
	}
	return make([]string, len(r.rows[0]))
}
func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.i])
	r.i++
	return nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commits++
	t.closed = true
	return t.db.failCommit
}
func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbacks++
	t.closed = true
	return nil
}

var testFakeDB *fakeDB

func init() {
	sql.Register("fakepg", fakeDriver{})
}

func newSQLDBWithFake(db *fakeDB) *sql.DB {
	testFakeDB = db
	d, _ := sql.Open("fakepg", "")
	return d
}

func TestPostgresStore_FindByDate_Absent(t *testing.T) {
	f := &fakeDB{rowSets: [][][]driver.Value{{}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	got, err := p.FindByDate(context.Background(), DateOf(2026, time.March, 1))
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got %+v err=%v", got, err)
	}
}

func TestPostgresStore_FindByDate_ScansRow(t *testing.T) {
	now := time.Now()
	f := &fakeDB{rowSets: [][][]driver.Value{{
		{int64(1), DateOf(2026, time.March, 1), int64(1000), int64(600), int64(400), int64(7), int64(3), now, now},
	}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	got, err := p.FindByDate(context.Background(), DateOf(2026, time.March, 1))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.Remaining != 600 || got.Consumed != 400 || got.TransactionCount != 7 || got.Version != 3 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if len(f.queries) != 1 || !strings.Contains(f.queries[0], "FROM daily_limits WHERE day_date = $1") {
		t.Fatalf("unexpected query: %v", f.queries)
	}
}

func TestPostgresStore_SyncFromCache_BlindWrite(t *testing.T) {
	f := &fakeDB{}
	p := NewPostgresStore(newSQLDBWithFake(f))
	rows, err := p.SyncFromCache(context.Background(), DateOf(2026, time.March, 1), 700, 300, 12)
	if err != nil || rows != 1 {
		t.Fatalf("unexpected: rows=%d err=%v", rows, err)
	}
	if len(f.execs) != 1 {
		t.Fatalf("expected one exec, got %d", len(f.execs))
	}
	q := f.execs[0]
	if !strings.Contains(q, "UPDATE daily_limits SET remaining = $2") ||
		!strings.Contains(q, "version = version + 1") {
		t.Fatalf("unexpected update: %s", q)
	}
	// Blind overwrite: no version predicate in the WHERE clause.
	if strings.Contains(q, "AND version") {
		t.Fatalf("sync write must not be optimistic: %s", q)
	}
}

func TestPostgresStore_ConsumeDirect_Admits(t *testing.T) {
	f := &fakeDB{rowSets: [][][]driver.Value{{
		{int64(500), int64(500), int64(5)},
	}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	res, err := p.ConsumeDirect(context.Background(), DateOf(2026, time.March, 1), 100)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !res.Found || !res.Admitted || res.NewRemaining != 400 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.queries) != 1 || !strings.Contains(f.queries[0], "FOR UPDATE") {
		t.Fatalf("expected a row-locking select, got: %v", f.queries)
	}
	if len(f.execs) != 1 || !strings.Contains(f.execs[0], "UPDATE daily_limits SET remaining") {
		t.Fatalf("expected the write-back update, got: %v", f.execs)
	}
	if f.commits != 1 || f.rollbacks != 0 {
		t.Fatalf("commit/rollback mismatch: %d/%d", f.commits, f.rollbacks)
	}
}

func TestPostgresStore_ConsumeDirect_Insufficient(t *testing.T) {
	f := &fakeDB{rowSets: [][][]driver.Value{{
		{int64(50), int64(950), int64(19)},
	}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	res, err := p.ConsumeDirect(context.Background(), DateOf(2026, time.March, 1), 100)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !res.Found || res.Admitted || res.NewRemaining != 50 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.execs) != 0 {
		t.Fatalf("insufficient path must not write, got: %v", f.execs)
	}
	if f.commits != 1 {
		t.Fatalf("expected the read lock to be released by commit")
	}
}

func TestPostgresStore_ConsumeDirect_NotFound(t *testing.T) {
	f := &fakeDB{rowSets: [][][]driver.Value{{}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	res, err := p.ConsumeDirect(context.Background(), DateOf(2026, time.March, 1), 100)
	if err != nil || res.Found {
		t.Fatalf("expected not found: %+v err=%v", res, err)
	}
}

func TestPostgresStore_ConsumeDirect_WriteError_RollsBack(t *testing.T) {
	f := &fakeDB{
		rowSets:    [][][]driver.Value{{{int64(500), int64(0), int64(0)}}},
		failExecAt: map[int]error{1: errors.New("boom")},
	}
	p := NewPostgresStore(newSQLDBWithFake(f))
	_, err := p.ConsumeDirect(context.Background(), DateOf(2026, time.March, 1), 100)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.commits != 0 || f.rollbacks != 1 {
		t.Fatalf("expected rollback only, got c=%d r=%d", f.commits, f.rollbacks)
	}
}

func TestPostgresStore_ResetMonth_Override(t *testing.T) {
	now := time.Now()
	f := &fakeDB{rowSets: [][][]driver.Value{{
		{int64(1), DateOf(2026, time.March, 1), int64(5000), int64(5000), int64(0), int64(0), int64(4), now, now},
	}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	override := int64(5000)
	out, err := p.ResetMonth(context.Background(), 2026, time.March, &override)
	if err != nil || len(out) != 1 {
		t.Fatalf("unexpected: %d rows err=%v", len(out), err)
	}
	if !strings.Contains(f.execs[0], "SET initial_limit = $3") {
		t.Fatalf("expected override update, got: %s", f.execs[0])
	}
	if f.commits != 1 {
		t.Fatalf("expected commit")
	}
}

func TestPostgresStore_RecordSync(t *testing.T) {
	f := &fakeDB{}
	p := NewPostgresStore(newSQLDBWithFake(f))
	h := StartSync(SyncManual)
	h.Complete(SyncSuccess, 5, "")
	if err := p.RecordSync(context.Background(), h); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(f.execs) != 1 || !strings.Contains(f.execs[0], "INSERT INTO sync_history") {
		t.Fatalf("unexpected execs: %v", f.execs)
	}
}

func TestPostgresStore_SyncStatsSince(t *testing.T) {
	f := &fakeDB{rowSets: [][][]driver.Value{{
		{int64(12), float64(34.5), int64(678)},
	}}}
	p := NewPostgresStore(newSQLDBWithFake(f))
	agg, err := p.SyncStatsSince(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if agg.TotalSyncs != 12 || agg.AvgDurationMs != 34.5 || agg.TotalRecords != 678 {
		t.Fatalf("unexpected aggregates: %+v", agg)
	}
	if !strings.Contains(f.queries[0], "status = 'SUCCESS'") {
		t.Fatalf("aggregation must filter to successful runs: %s", f.queries[0])
	}
}
