package migrate

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/0001_rooms.up.sql":   {Data: []byte("create table rooms (id text primary key, name text not null);")},
		"migrations/0001_rooms.down.sql": {Data: []byte("drop table rooms;")},
		"migrations/0002_notes.up.sql":   {Data: []byte("create table notes (id text primary key); create table tags (id text);")},
		"migrations/0002_notes.down.sql": {Data: []byte("drop table tags; drop table notes;")},
		"seeds/0001_rooms.sql":           {Data: []byte("insert into rooms(id, name) values ('demo', 'A; quoted name');")},
	}
}

func TestManagerUpStatusDown(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	mgr := NewManager(db, testFS(), "migrations", "seeds")

	applied, err := mgr.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	want := []string{"0001_rooms.up.sql", "0002_notes.up.sql"}
	if !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}

	again, err := mgr.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}

	if err := mgr.Down(ctx); err != nil {
		t.Fatalf("Down: %v", err)
	}
	status, err := mgr.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !reflect.DeepEqual(status, want[:1]) {
		t.Fatalf("status = %v, want %v", status, want[:1])
	}
	if _, err := db.ExecContext(ctx, "select 1 from notes"); err == nil {
		t.Fatalf("expected notes table to be dropped")
	}
}

func TestManagerSeedOnce(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	mgr := NewManager(db, testFS(), "migrations", "seeds")
	if _, err := mgr.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := mgr.Seed(ctx); err != nil {
			t.Fatalf("Seed #%d: %v", i, err)
		}
	}
	var name string
	var count int
	if err := db.QueryRowContext(ctx, "select name, count(*) from rooms").Scan(&name, &count); err != nil {
		t.Fatalf("query rooms: %v", err)
	}
	if count != 1 || name != "A; quoted name" {
		t.Fatalf("unexpected seed result: %q x%d", name, count)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("insert into t values ('a;b'); select 1;\n")
	if len(got) != 2 || got[0] != "insert into t values ('a;b');" {
		t.Fatalf("unexpected split: %q", got)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	mgr := NewManager(openSQLite(t), testFS(), "migrations", "seeds")
	if err := mgr.Down(context.Background()); err == nil {
		t.Fatalf("expected error with nothing applied")
	}
}
