package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestOpen_TablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"transfer_jobs", "bridge_marks"} {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestSaveJob_RoundTrip(t *testing.T) {
	db := testDB(t)
	attempt := time.UnixMilli(1_700_000_000_123)

	in := &JobRecord{
		FileID:      "abc123",
		SourcePath:  "/tmp/outbox/log.tar.gz",
		Name:        "log.tar.gz",
		TotalChunks: 4,
		SentChunks:  []int{2, 0, 2},
		RetryCount:  1,
		LastAttempt: attempt,
		State:       StateInFlight,
	}
	if err := db.SaveJob(in); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := db.GetJob("abc123")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !reflect.DeepEqual(got.SentChunks, []int{0, 2}) {
		t.Fatalf("SentChunks = %v, want [0 2]", got.SentChunks)
	}
	if !got.LastAttempt.Equal(attempt) {
		t.Fatalf("LastAttempt = %v, want %v", got.LastAttempt, attempt)
	}
	if got.State != StateInFlight || got.RetryCount != 1 || got.TotalChunks != 4 {
		t.Fatalf("got = %+v", got)
	}
}

func TestSaveJob_Replaces(t *testing.T) {
	db := testDB(t)
	j := &JobRecord{FileID: "f1", SourcePath: "/x", Name: "x", TotalChunks: 2, State: StateDiscovered}
	if err := db.SaveJob(j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	j.SentChunks = []int{0}
	j.State = StateInFlight
	if err := db.SaveJob(j); err != nil {
		t.Fatalf("SaveJob (replace): %v", err)
	}

	jobs, err := db.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].State != StateInFlight || len(jobs[0].SentChunks) != 1 {
		t.Fatalf("job = %+v", jobs[0])
	}
	if !jobs[0].LastAttempt.IsZero() {
		t.Fatalf("LastAttempt = %v, want zero", jobs[0].LastAttempt)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteJob(t *testing.T) {
	db := testDB(t)
	if err := db.SaveJob(&JobRecord{FileID: "f1", SourcePath: "/x", Name: "x", TotalChunks: 1, State: StateDiscovered}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := db.DeleteJob("f1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := db.DeleteJob("f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestJobsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.SaveJob(&JobRecord{FileID: "f1", SourcePath: "/x", Name: "x", TotalChunks: 3, SentChunks: []int{0, 1}, State: StateInFlight}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	j, err := db.GetJob("f1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !reflect.DeepEqual(j.SentChunks, []int{0, 1}) {
		t.Fatalf("SentChunks = %v, want [0 1]", j.SentChunks)
	}
}

func TestMarks(t *testing.T) {
	db := testDB(t)

	m, err := db.Mark("proj")
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !m.IsZero() {
		t.Fatalf("initial mark = %v, want zero", m)
	}

	want := time.Unix(1_700_000_000, 123456789)
	if err := db.SetMark("proj", want); err != nil {
		t.Fatalf("SetMark: %v", err)
	}
	m, err = db.Mark("proj")
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !m.Equal(want) {
		t.Fatalf("mark = %v, want %v", m, want)
	}

	other, _ := db.Mark("other")
	if !other.IsZero() {
		t.Fatalf("unrelated project mark = %v, want zero", other)
	}
}
