package main

import (
	"path/filepath"
	"testing"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchiveRecordsFinishedGame(t *testing.T) {
	a := testArchive(t)
	g := dayGame(t)
	if err := g.Reveal(g.HostID); err != nil {
		t.Fatalf("Reveal: %v", err)
	}

	if err := a.Record(g); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := a.Finished()
	if err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("archived games = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.GameID != g.ID || row.Winner != TeamHost {
		t.Errorf("row = %+v", row)
	}

	var playerCount, eventCount int
	if err := a.db.Get(&playerCount, "SELECT COUNT(*) FROM finished_game_player WHERE game_id = ?", g.ID); err != nil {
		t.Fatalf("count players: %v", err)
	}
	if playerCount != len(g.Players) {
		t.Errorf("archived players = %d, want %d", playerCount, len(g.Players))
	}
	if err := a.db.Get(&eventCount, "SELECT COUNT(*) FROM finished_game_event WHERE game_id = ?", g.ID); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != len(g.Events) {
		t.Errorf("archived events = %d, want %d", eventCount, len(g.Events))
	}
}

func TestArchiveRecordIsIdempotent(t *testing.T) {
	a := testArchive(t)
	g := dayGame(t)
	if err := g.Reveal(g.HostID); err != nil {
		t.Fatalf("Reveal: %v", err)
	}

	if err := a.Record(g); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := a.Record(g); err != nil {
		t.Fatalf("second Record: %v", err)
	}

	rows, err := a.Finished()
	if err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("archived games = %d, want 1", len(rows))
	}
}
