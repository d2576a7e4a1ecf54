package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenSQLite(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil || one != 1 {
		t.Errorf("Expected 1, got %d (%v)", one, err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 10, 14, 5, 0, 0, 0, time.UTC)
	for _, s := range []string{"2026-10-14T05:00:00Z", "2026-10-14 05:00:00"} {
		if got := ParseTime(s); !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", s, got, want)
		}
	}
	if !ParseTime("garbage").IsZero() {
		t.Error("Expected zero time for garbage")
	}
}
