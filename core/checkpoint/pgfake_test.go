package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePGRow struct {
	callID      string
	version     int64
	finalized   bool
	finalizedAt time.Time
	record      []byte
	updatedAt   time.Time
}

// fakePG interprets the handful of statements PostgresStore issues.
type fakePG struct {
	mu   sync.Mutex
	rows map[string]*fakePGRow
}

func newFakePG() *fakePG {
	return &fakePG{rows: make(map[string]*fakePGRow)}
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.Contains(sql, "INSERT INTO access_checkpoints"):
		callID := args[0].(string)
		version := args[3].(int64)
		existing, ok := f.rows[callID]
		if ok && (existing.version >= version || existing.finalized) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.rows[callID] = &fakePGRow{callID: callID, version: version, record: args[4].([]byte), updatedAt: args[5].(time.Time)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE access_checkpoints SET finalized"):
		row, ok := f.rows[args[0].(string)]
		if !ok || row.finalized {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		row.finalized = true
		row.finalizedAt = args[1].(time.Time)
		row.record = args[2].([]byte)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "UPDATE access_checkpoints SET call_id"):
		row, ok := f.rows[args[0].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		delete(f.rows, row.callID)
		row.callID = args[1].(string)
		row.finalized = true
		row.finalizedAt = args[2].(time.Time)
		f.rows[row.callID] = row
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "DELETE FROM access_checkpoints"):
		cutoff := args[0].(time.Time)
		removed := 0
		for callID, row := range f.rows {
			if row.finalized && row.finalizedAt.Before(cutoff) {
				delete(f.rows, callID)
				removed++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", removed)), nil
	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
	}
}

func (f *fakePG) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{payload: append([]byte(nil), row.record...)}
}

func (f *fakePG) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := make([]*fakePGRow, 0, len(f.rows))
	for _, row := range f.rows {
		if !row.finalized {
			active = append(active, row)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].updatedAt.Before(active[j].updatedAt) })
	rows := make([]fakeRow, 0, len(active))
	for _, row := range active {
		rows = append(rows, fakeRow{callID: row.callID, payload: append([]byte(nil), row.record...)})
	}
	return &fakeRows{rows: rows, index: -1}, nil
}

type fakeRow struct {
	callID  string
	payload []byte
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for _, item := range dest {
		switch target := item.(type) {
		case *[]byte:
			*target = r.payload
		case *string:
			*target = r.callID
		default:
			return fmt.Errorf("unexpected scan target %T", item)
		}
	}
	return nil
}

// corrupt overwrites a stored payload with bytes that fail to decode.
func (f *fakePG) corrupt(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[callID]; ok {
		row.record = []byte("{not json")
	}
}

type fakeRows struct {
	rows  []fakeRow
	index int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.index++
	return r.index < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return r.rows[r.index].Scan(dest...)
}
