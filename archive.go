package main

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Archive is an append-only sqlite record of finished games. It is write
// only: live games never read from it, so losing it costs history, not
// correctness.
type Archive struct {
	db *sqlx.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS finished_game (
	game_id TEXT PRIMARY KEY,
	join_code TEXT NOT NULL,
	winner TEXT NOT NULL,
	victory_message TEXT NOT NULL,
	rounds INTEGER NOT NULL,
	finished_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS finished_game_player (
	game_id TEXT NOT NULL REFERENCES finished_game(game_id),
	player_id TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	role TEXT NOT NULL,
	is_alive INTEGER NOT NULL,
	is_host INTEGER NOT NULL,
	PRIMARY KEY (game_id, player_id)
);

CREATE TABLE IF NOT EXISTS finished_game_event (
	game_id TEXT NOT NULL REFERENCES finished_game(game_id),
	event_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (game_id, event_id)
);

CREATE TABLE IF NOT EXISTS finished_game_clip (
	game_id TEXT NOT NULL REFERENCES finished_game(game_id),
	clip_id TEXT NOT NULL,
	player_name TEXT NOT NULL,
	filename TEXT NOT NULL,
	size INTEGER NOT NULL,
	transcript TEXT NOT NULL,
	PRIMARY KEY (game_id, clip_id)
);
`

// OpenArchive connects to the archive database and ensures the schema.
func OpenArchive(path string) (*Archive, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Record writes one finished game. The caller claims the game via
// Game.Archivable first, so a game is written at most once.
func (a *Archive) Record(g *Game) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO finished_game
			(game_id, join_code, winner, victory_message, rounds, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.JoinCode, g.VictoryTeam, g.VictoryMessage, g.RoundNumber, g.finishedAt())
	if err != nil {
		return err
	}

	for _, id := range g.JoinSequence {
		p, ok := g.Players[id]
		if !ok {
			continue
		}
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO finished_game_player
				(game_id, player_id, name, kind, role, is_alive, is_host)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, p.ID, p.Name, p.Kind, p.Role, p.IsAlive, p.IsHost)
		if err != nil {
			return err
		}
	}

	for _, e := range g.Events {
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO finished_game_event
				(game_id, event_id, phase, text, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			g.ID, e.EventID, e.Phase, e.Text, e.Timestamp)
		if err != nil {
			return err
		}
	}

	for _, c := range g.AudioClips {
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO finished_game_clip
				(game_id, clip_id, player_name, filename, size, transcript)
			VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, c.ClipID, c.Name, c.Filename, c.Size, c.Transcript)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FinishedGameRow is one archive entry, used by diagnostics and tests.
type FinishedGameRow struct {
	GameID         string `db:"game_id"`
	JoinCode       string `db:"join_code"`
	Winner         string `db:"winner"`
	VictoryMessage string `db:"victory_message"`
	Rounds         int    `db:"rounds"`
}

// Finished lists archived games, most recent first.
func (a *Archive) Finished() ([]FinishedGameRow, error) {
	var rows []FinishedGameRow
	err := a.db.Select(&rows, `
		SELECT game_id, join_code, winner, victory_message, rounds
		FROM finished_game ORDER BY finished_at DESC`)
	return rows, err
}
