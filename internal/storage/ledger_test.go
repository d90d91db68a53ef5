package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "ledger", "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	events := []Event{
		{AppointmentID: "A1", Peer: "doc-A1", Kind: EventState, Detail: "connecting", CreatedAt: at},
		{AppointmentID: "B2", Peer: "pat-B2", Kind: EventRegister},
		{AppointmentID: "A1", Peer: "doc-A1", Kind: EventState, Detail: "connected"},
	}
	for _, e := range events {
		if err := db.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.Events(ctx, "A1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Detail != "connecting" || got[1].Detail != "connected" {
		t.Fatalf("order: %+v", got)
	}
	if !got[0].CreatedAt.Equal(at) {
		t.Fatalf("created_at = %v, want %v", got[0].CreatedAt, at)
	}
	if got[1].CreatedAt.IsZero() {
		t.Fatal("created_at not stamped")
	}

	all, err := db.Events(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}
}

func TestEventsLimitKeepsNewest(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	for _, d := range []string{"1", "2", "3", "4"} {
		if err := db.Record(ctx, Event{AppointmentID: "A1", Kind: EventState, Detail: d}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.Events(ctx, "A1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Detail != "3" || got[1].Detail != "4" {
		t.Fatalf("got %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}
