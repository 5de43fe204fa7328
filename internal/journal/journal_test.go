package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// A single connection keeps every query on the same in-memory db.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	for i, payload := range []string{`{"Head":{}}`, `{"Neck":{}}`, `{"SpineBase":{}}`} {
		err := s.Append(ctx, Entry{
			Timestamp:  base.Add(time.Duration(i) * 500 * time.Millisecond),
			Slot:       i,
			TrackingID: 72057594037927936 + uint64(i),
			Topic:      "nao/kinect",
			File:       "kinect_data.json",
			Payload:    []byte(payload),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	if string(got[0].Payload) != `{"SpineBase":{}}` || got[0].Slot != 2 {
		t.Errorf("newest entry = %+v", got[0])
	}
	if got[0].TrackingID != 72057594037927938 {
		t.Errorf("TrackingID = %d, want 72057594037927938", got[0].TrackingID)
	}
	if !got[1].Timestamp.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("second entry Timestamp = %v", got[1].Timestamp)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("entry IDs not generated uniquely: %q, %q", got[0].ID, got[1].ID)
	}
}

func TestCount_Window(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	// Whole and fractional seconds must compare in time order.
	for _, off := range []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second} {
		if err := s.Append(ctx, Entry{Timestamp: base.Add(off), Topic: "nao/kinect", Payload: []byte("{}")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Count(ctx, base, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	ctx := context.Background()
	if err := s.Append(ctx, Entry{Topic: "nao/kinect", Payload: []byte("{}")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Recent after reopen = %d entries, want 1", len(got))
	}
}
