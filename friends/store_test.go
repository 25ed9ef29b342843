package friends

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type countingMirror struct {
	upserts int
	events  int
	lastTyp string
}

func (m *countingMirror) UpsertFriend(_ context.Context, _ Friend, _ time.Time) error {
	m.upserts++
	return nil
}

func (m *countingMirror) RecordEvent(_ context.Context, _, eventType string, _, _ int, _ time.Time) error {
	m.events++
	m.lastTyp = eventType
	return nil
}

func openTestStore(t *testing.T, mirror Mirror) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, mirror, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, dir
}

func TestUpsertIdempotent(t *testing.T) {
	mirror := &countingMirror{}
	s, dir := openTestStore(t, mirror)

	f := Friend{FriendID: "peer-a", Name: "Alice", Region: "CA", Status: 1}
	if err := s.Upsert(f); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert(f); err != nil {
		t.Fatalf("Upsert() repeat error = %v", err)
	}
	if mirror.upserts != 1 {
		t.Errorf("mirror upserts = %d, want 1 (identical record must be a no-op)", mirror.upserts)
	}

	f.Name = "Alice B"
	if err := s.Upsert(f); err != nil {
		t.Fatalf("Upsert() changed error = %v", err)
	}
	if mirror.upserts != 2 {
		t.Errorf("mirror upserts = %d, want 2 after change", mirror.upserts)
	}

	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		t.Fatalf("read state table: %v", err)
	}
	if !strings.Contains(string(data), "peer-a\tAlice B\t") {
		t.Errorf("state table missing updated row, got %q", data)
	}
}

func TestStateTableSortedAndSanitized(t *testing.T) {
	s, dir := openTestStore(t, nil)

	if err := s.Upsert(Friend{FriendID: "zzz", Name: "tab\there"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(Friend{FriendID: "aaa", Name: "line\nbreak"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d rows, want 2: %q", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "aaa\t") || !strings.HasPrefix(lines[1], "zzz\t") {
		t.Errorf("rows not sorted by friend id: %q", lines)
	}
	if !strings.Contains(lines[0], "line break") || !strings.Contains(lines[1], "tab here") {
		t.Errorf("control characters not sanitized: %q", lines)
	}
}

func TestUpdateStatusSentinelsAndEvents(t *testing.T) {
	mirror := &countingMirror{}
	s, dir := openTestStore(t, mirror)

	if err := s.Upsert(Friend{FriendID: "peer-a", Status: 0, Presence: 0}); err != nil {
		t.Fatal(err)
	}

	// Status change logs an event; presence untouched through the sentinel.
	if err := s.UpdateStatus("peer-a", 1, Unchanged, true); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if mirror.events != 1 || mirror.lastTyp != "online" {
		t.Errorf("events = %d type = %q, want 1 online", mirror.events, mirror.lastTyp)
	}

	// Presence-only change must not log a connection event.
	if err := s.UpdateStatus("peer-a", Unchanged, 2, true); err != nil {
		t.Fatal(err)
	}
	if mirror.events != 1 {
		t.Errorf("events = %d after presence change, want 1", mirror.events)
	}

	// No-op change touches nothing.
	if err := s.UpdateStatus("peer-a", 1, 2, true); err != nil {
		t.Fatal(err)
	}
	if mirror.events != 1 {
		t.Errorf("events = %d after no-op, want 1", mirror.events)
	}

	if err := s.UpdateStatus("peer-a", 0, Unchanged, true); err != nil {
		t.Fatal(err)
	}
	if mirror.events != 2 || mirror.lastTyp != "offline" {
		t.Errorf("events = %d type = %q, want 2 offline", mirror.events, mirror.lastTyp)
	}

	f, ok := s.Get("peer-a")
	if !ok || f.Status != 0 || f.Presence != 2 {
		t.Errorf("final record = %+v ok=%v, want status 0 presence 2", f, ok)
	}

	data, err := os.ReadFile(filepath.Join(dir, EventLogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("event log has %d lines, want 2: %q", got, data)
	}
}

func TestUpdateStatusCreatesUnknownFriend(t *testing.T) {
	s, _ := openTestStore(t, nil)

	if err := s.UpdateStatus("stranger", 1, Unchanged, false); err != nil {
		t.Fatal(err)
	}
	f, ok := s.Get("stranger")
	if !ok || f.Status != 1 || f.Presence != 0 {
		t.Errorf("got %+v ok=%v, want placeholder with status 1", f, ok)
	}
}

func TestWelcomedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Welcomed("peer-a") {
		t.Fatal("fresh store claims peer-a welcomed")
	}
	if err := s.MarkWelcomed("peer-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkWelcomed("peer-a"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Welcomed("peer-a") {
		t.Error("welcomed set lost across reopen")
	}

	data, err := os.ReadFile(filepath.Join(dir, WelcomedFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "peer-a"); got != 1 {
		t.Errorf("welcomed log has %d entries for peer-a, want 1", got)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Friend{
		FriendID: "peer-a", Name: "Alice", Gender: "f", Phone: "555",
		Email: "a@example.com", Description: "desc", Region: "CA",
		Label: "buddy", Status: 1, Presence: 2,
	}
	if err := s.Upsert(want); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Get("peer-a")
	if !ok || got != want {
		t.Errorf("reloaded record = %+v ok=%v, want %+v", got, ok, want)
	}
}
