package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nhalm/quotakit/period"
)

func setupSQLTest(t *testing.T) *SQL {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// A fresh connection would see a fresh in-memory database, so pin
	// the pool to one connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := NewSQL(db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQL returned error: %v", err)
	}
	return st
}

func TestNewSQL(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
		nilDB   bool
		wantErr bool
	}{
		{name: "sqlite", dialect: "sqlite"},
		{name: "unsupported dialect", dialect: "oracle", wantErr: true},
		{name: "nil database", dialect: "sqlite", nilDB: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var db *sql.DB
			if !tt.nilDB {
				var err error
				db, err = sql.Open("sqlite3", ":memory:")
				if err != nil {
					t.Fatalf("failed to open sqlite: %v", err)
				}
				defer db.Close()
			}

			st, err := NewSQL(db, tt.dialect)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSQL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && st.Dialect() != tt.dialect {
				t.Errorf("Dialect() = %q, want %q", st.Dialect(), tt.dialect)
			}
		})
	}
}

func TestSQL_FindEmpty(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	at := time.Unix(refEpoch, 0)
	for _, p := range period.Periods {
		rec, found, err := st.Find(context.Background(), "api", "user", at, p)
		if err != nil {
			t.Fatalf("Find(%s) returned error: %v", p, err)
		}
		if found {
			t.Errorf("Find(%s) = %+v, expected not found on untouched key", p, rec)
		}
	}
}

func TestSQL_Accumulation(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	ctx := context.Background()
	at := time.Unix(refEpoch, 0)

	for i := 0; i < 2; i++ {
		if err := st.Increment(ctx, "api", "user", at, 1); err != nil {
			t.Fatalf("Increment returned error: %v", err)
		}
	}

	for _, p := range period.Periods {
		rec, found, err := st.Find(ctx, "api", "user", at, p)
		if err != nil {
			t.Fatalf("Find(%s) returned error: %v", p, err)
		}
		if !found {
			t.Fatalf("Find(%s): record missing after increments", p)
		}
		if rec.Value != 2 {
			t.Errorf("Find(%s) = %d, want 2", p, rec.Value)
		}
	}
}

func TestSQL_BucketIsolation(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	ctx := context.Background()
	at := time.Unix(refEpoch, 0)
	next := time.Unix(refEpoch+1, 0)

	for i := 0; i < 2; i++ {
		if err := st.Increment(ctx, "api", "user", at, 1); err != nil {
			t.Fatalf("Increment returned error: %v", err)
		}
	}
	if err := st.Increment(ctx, "api", "user", next, 1); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}

	rec, found, err := st.Find(ctx, "api", "user", next, period.Second)
	if err != nil || !found {
		t.Fatalf("Find(second) = found=%v, err=%v", found, err)
	}
	if rec.Value != 1 {
		t.Errorf("second bucket at t+1 = %d, want fresh count 1", rec.Value)
	}

	rec, found, err = st.Find(ctx, "api", "user", next, period.Minute)
	if err != nil || !found {
		t.Fatalf("Find(minute) = found=%v, err=%v", found, err)
	}
	if rec.Value != 3 {
		t.Errorf("minute bucket = %d, want accumulated count 3", rec.Value)
	}
}

func TestSQL_ConcurrentIncrements(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	ctx := context.Background()
	at := time.Unix(refEpoch, 0)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := st.Increment(ctx, "api", "user", at, 1); err != nil {
				t.Errorf("Increment returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, p := range period.Periods {
		rec, found, err := st.Find(ctx, "api", "user", at, p)
		if err != nil || !found {
			t.Fatalf("Find(%s) = found=%v, err=%v", p, found, err)
		}
		if rec.Value != n {
			t.Errorf("Find(%s) = %d after %d concurrent increments, want %d", p, rec.Value, n, n)
		}
	}
}

func TestSQL_LargerDelta(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	ctx := context.Background()
	at := time.Unix(refEpoch, 0)

	if err := st.Increment(ctx, "api", "user", at, 5); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}
	if err := st.Increment(ctx, "api", "user", at, 3); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}

	rec, found, err := st.Find(ctx, "api", "user", at, period.Day)
	if err != nil || !found {
		t.Fatalf("Find(day) = found=%v, err=%v", found, err)
	}
	if rec.Value != 8 {
		t.Errorf("Find(day) = %d, want 8", rec.Value)
	}
}

func TestSQL_NonConflictInsertFailure(t *testing.T) {
	st := setupSQLTest(t)
	defer st.Close()

	ctx := context.Background()

	// Make inserts for one resource fail with a non-constraint error
	// while updates still touch zero rows.
	_, err := st.db.ExecContext(ctx, `
		CREATE TRIGGER block_inserts BEFORE INSERT ON quota_counters
		WHEN NEW.resource = 'blocked'
		BEGIN SELECT RAISE(ABORT, 'database or disk is full'); END
	`)
	if err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	incErr := st.Increment(ctx, "blocked", "user", time.Unix(refEpoch, 0), 1)
	if incErr == nil {
		t.Fatal("expected Increment to fail")
	}
	if !errors.Is(incErr, ErrUnavailable) {
		t.Errorf("Increment error = %v, want ErrUnavailable", incErr)
	}
	if errors.Is(incErr, ErrConflict) {
		t.Errorf("Increment error = %v, backend failure misreported as conflict", incErr)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: quota_counters.resource"), want: true},
		{name: "postgres", err: errors.New(`duplicate key value violates unique constraint "quota_counters_pkey"`), want: true},
		{name: "mysql", err: errors.New("Error 1062: Duplicate entry 'api-user-second-0' for key 'PRIMARY'"), want: true},
		{name: "disk full", err: errors.New("database or disk is full"), want: false},
		{name: "missing table", err: errors.New("no such table: quota_counters"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%q) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSQL_UnavailableBackend(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	st, err := NewSQL(db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQL returned error: %v", err)
	}

	// Closing the handle makes every subsequent call fail.
	db.Close()

	at := time.Unix(refEpoch, 0)
	if _, _, err := st.Find(context.Background(), "api", "user", at, period.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Find on closed handle = %v, want ErrUnavailable", err)
	}
	if err := st.Increment(context.Background(), "api", "user", at, 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment on closed handle = %v, want ErrUnavailable", err)
	}
}
