package main

import "time"

// Winning teams.
const (
	TeamVillage    = "village"
	TeamWerewolves = "werewolves"
	TeamHost       = "host" // host force-ended the game
)

// evaluateVictory checks the standing win conditions and, when one holds,
// ends the game. Returns whether the game is (now) over. Village wins
// when no werewolf lives; werewolves win when they match or outnumber the
// rest. Caller holds mu.
func (g *Game) evaluateVictory() bool {
	if g.Status == StatusEnded {
		return true
	}
	if g.Status != StatusInProgress {
		return false
	}

	wolves := len(g.aliveWerewolves())
	villagers := len(g.aliveVillagers())

	switch {
	case wolves == 0:
		g.declareVictory(TeamVillage, "The town prevails! No werewolves remain.")
		return true
	case wolves >= villagers:
		g.declareVictory(TeamWerewolves, "The pack overpowers the town. Wolves win.")
		return true
	}
	return false
}

// declareVictory ends the game for the given team. Caller holds mu.
func (g *Game) declareVictory(team, message string) {
	g.Status = StatusEnded
	g.WorkflowStage = StageEnded
	g.NightStage = ""
	g.CurrentTurnIndex = -1
	g.VictoryTeam = team
	g.VictoryMessage = message
	g.recordEvent(message, StageEnded)
}

// Reveal ends the game immediately and makes every role visible (host
// only). The outcome is credited to neither faction.
func (g *Game) Reveal(hostID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return err
	}
	if g.Status == StatusEnded {
		return errBadRequest("Game has already ended.")
	}

	g.declareVictory(TeamHost, "The host ended the night early. Roles are now visible.")
	return nil
}

// PlayerPublic is the spectator-safe slice of a player. Role is only
// populated once the game has ended.
type PlayerPublic struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	IsHost   bool   `json:"isHost"`
	Kind     string `json:"kind"`
	IsAlive  bool   `json:"isAlive"`
	Role     string `json:"role,omitempty"`
}

// GameState is the full public snapshot served to every client.
type GameState struct {
	GameID           string           `json:"gameId"`
	JoinCode         string           `json:"joinCode"`
	HostPlayerID     string           `json:"hostPlayerId"`
	Status           string           `json:"status"`
	WorkflowStage    string           `json:"workflowStage"`
	NightStage       string           `json:"nightStage,omitempty"`
	RoundNumber      int              `json:"roundNumber"`
	Players          []PlayerPublic   `json:"players"`
	TurnOrder        []string         `json:"turnOrder"`
	CurrentTurnIndex int              `json:"currentTurnIndex"`
	CurrentSpeakerID string           `json:"currentSpeakerId,omitempty"`
	Votes            map[string]string `json:"votes"`
	VictoryTeam      string           `json:"victoryTeam,omitempty"`
	VictoryMessage   string           `json:"victoryMessage,omitempty"`
	Events           []EventEntry     `json:"events"`
	ChatMessages     []ChatMessage    `json:"chatMessages"`
	AIMessages       []SpeechLogEntry `json:"aiMessages"`
	AudioClips       []AudioClip      `json:"audioClips"`
}

// Snapshot builds the public state. If the turn pointer was left past a
// shrunken order (player removal), it is repaired here rather than at
// every mutation site.
func (g *Game) Snapshot() GameState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CurrentTurnIndex >= len(g.TurnOrder) {
		g.CurrentTurnIndex = len(g.TurnOrder) - 1
	}

	revealRoles := g.Status == StatusEnded

	players := make([]PlayerPublic, 0, len(g.JoinSequence))
	for _, id := range g.JoinSequence {
		p, ok := g.Players[id]
		if !ok {
			continue
		}
		pub := PlayerPublic{
			PlayerID: p.ID,
			Name:     p.Name,
			IsHost:   p.IsHost,
			Kind:     p.Kind,
			IsAlive:  p.IsAlive,
		}
		if revealRoles {
			pub.Role = p.Role
		}
		players = append(players, pub)
	}

	votes := make(map[string]string, len(g.Votes))
	for voter, target := range g.Votes {
		votes[voter] = target
	}

	state := GameState{
		GameID:           g.ID,
		JoinCode:         g.JoinCode,
		HostPlayerID:     g.HostID,
		Status:           g.Status,
		WorkflowStage:    g.WorkflowStage,
		NightStage:       g.NightStage,
		RoundNumber:      g.RoundNumber,
		Players:          players,
		TurnOrder:        append([]string(nil), g.TurnOrder...),
		CurrentTurnIndex: g.CurrentTurnIndex,
		Votes:            votes,
		VictoryTeam:      g.VictoryTeam,
		VictoryMessage:   g.VictoryMessage,
		Events:           append([]EventEntry(nil), g.Events...),
		ChatMessages:     append([]ChatMessage(nil), g.ChatMessages...),
		AIMessages:       append([]SpeechLogEntry(nil), g.AIMessages...),
		AudioClips:       append([]AudioClip(nil), g.AudioClips...),
	}
	if speaker := g.currentSpeaker(); speaker != nil {
		state.CurrentSpeakerID = speaker.ID
	}
	return state
}

// PlayerView is the private assignment surface for one player.
type PlayerView struct {
	PlayerID     string   `json:"playerId"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	RoleSummary  string   `json:"roleSummary,omitempty"`
	IsAlive      bool     `json:"isAlive"`
	PrivateNotes []string `json:"privateNotes"`
	KnownAllies  []string `json:"knownAllies"`
}

// ViewForPlayer returns the requesting player's own role-scoped view.
func (g *Game) ViewForPlayer(playerID string) (PlayerView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.Players[playerID]
	if !ok {
		return PlayerView{}, errNotFound("Player not found in this game.")
	}
	return PlayerView{
		PlayerID:     p.ID,
		Name:         p.Name,
		Role:         p.Role,
		RoleSummary:  roleSummaries[p.Role],
		IsAlive:      p.IsAlive,
		PrivateNotes: append([]string(nil), p.PrivateNotes...),
		KnownAllies:  append([]string(nil), p.KnownAllies...),
	}, nil
}

// Archivable reports whether the game has ended and not yet been written
// to the archive, claiming it atomically when it has.
func (g *Game) Archivable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Status != StatusEnded || g.archived {
		return false
	}
	g.archived = true
	return true
}

// FinishedAt is a best-effort end timestamp taken from the closing ledger
// entry.
func (g *Game) finishedAt() time.Time {
	if n := len(g.Events); n > 0 {
		return g.Events[n-1].Timestamp
	}
	return time.Now()
}
