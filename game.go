package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Game statuses
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusEnded      = "ended"
)

// Workflow stages
const (
	StageLobby      = "lobby"
	StageNight      = "night"
	StageDiscussion = "discussion"
	StageEnded      = "ended"
)

// EventEntry is one line of the append-only, phase-tagged game ledger.
// Both the UI and the AI agents' reasoning context are built from it.
type EventEntry struct {
	EventID   string    `json:"eventId"`
	Text      string    `json:"text"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is a free-form text message posted by any player.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	PlayerID  string    `json:"playerId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechLogEntry records what an AI player said when cued to speak.
type SpeechLogEntry struct {
	AIPlayerID string    `json:"aiPlayerId"`
	Name       string    `json:"name"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioClip is metadata for a stored voice clip (uploaded or synthesized).
type AudioClip struct {
	ClipID      string `json:"clipId"`
	PlayerID    string `json:"playerId"`
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storagePath,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
}

const (
	maxChatHistory   = 100
	maxSpeechHistory = 20
	maxAudioHistory  = 20
)

// Game is the aggregate root for one session. All state lives in memory;
// every externally-triggered operation takes mu for its full duration, so
// mutations within a game are totally ordered.
type Game struct {
	mu sync.Mutex

	ID       string
	JoinCode string
	HostID   string
	Status   string

	Players      map[string]*Player
	JoinSequence []string

	WorkflowStage string
	NightStage    string // wolves, detective, summary; "" outside night
	RoundNumber   int

	// Discussion state. CurrentTurnIndex is -1 when no one holds the floor.
	TurnOrder        []string
	CurrentTurnIndex int
	Votes            map[string]string // voter id -> target id; "" records an abstention

	// Night state
	WerewolfVotes   map[string]string // wolf id -> target id
	DetectiveID     string
	DetectiveTarget string
	WerewolfIDs     []string
	LastNightKillID string

	VictoryTeam    string
	VictoryMessage string

	Events       []EventEntry
	ChatMessages []ChatMessage
	AIMessages   []SpeechLogEntry
	AudioClips   []AudioClip
	audioFiles   map[string]string // clip id -> absolute file path

	archived bool // set once the finished game has been written to the archive
}

// NewGame creates a waiting game containing only the host.
func NewGame(hostName, joinCode string) *Game {
	host := NewHumanPlayer(hostName, true)
	return &Game{
		ID:               uuid.NewString(),
		JoinCode:         joinCode,
		HostID:           host.ID,
		Status:           StatusWaiting,
		Players:          map[string]*Player{host.ID: host},
		JoinSequence:     []string{host.ID},
		WorkflowStage:    StageLobby,
		CurrentTurnIndex: -1,
		Votes:            make(map[string]string),
		WerewolfVotes:    make(map[string]string),
		audioFiles:       make(map[string]string),
	}
}

// recordEvent appends to the ledger. The log is unbounded on purpose: a
// single in-memory session has a bounded lifetime and the full transcript
// feeds the agents' context. Caller holds mu.
func (g *Game) recordEvent(text, phase string) {
	if phase == "" {
		phase = g.WorkflowStage
	}
	g.Events = append(g.Events, EventEntry{
		EventID:   uuid.NewString(),
		Text:      text,
		Phase:     phase,
		Timestamp: time.Now(),
	})
}

// alivePlayers returns living players in join order. Caller holds mu.
func (g *Game) alivePlayers() []*Player {
	var alive []*Player
	for _, id := range g.JoinSequence {
		if p, ok := g.Players[id]; ok && p.IsAlive {
			alive = append(alive, p)
		}
	}
	return alive
}

func (g *Game) aliveWerewolves() []*Player {
	var wolves []*Player
	for _, p := range g.alivePlayers() {
		if p.Role == RoleWerewolf {
			wolves = append(wolves, p)
		}
	}
	return wolves
}

func (g *Game) aliveVillagers() []*Player {
	var villagers []*Player
	for _, p := range g.alivePlayers() {
		if p.Role != RoleWerewolf {
			villagers = append(villagers, p)
		}
	}
	return villagers
}

func (g *Game) host() *Player { return g.Players[g.HostID] }

// requireHost returns the acting player if they are the host.
func (g *Game) requireHost(playerID string) (*Player, error) {
	p, ok := g.Players[playerID]
	if !ok {
		return nil, errNotFound("Player not found in this game.")
	}
	if !p.IsHost {
		return nil, errForbidden("Only the host can do that.")
	}
	return p, nil
}

// startNight opens the next night: wolves act first, discussion turn state
// and the previous night's transient votes are cleared. Caller holds mu.
func (g *Game) startNight(introText string) {
	g.WorkflowStage = StageNight
	g.NightStage = NightStageWolves
	g.CurrentTurnIndex = -1
	g.TurnOrder = nil
	g.LastNightKillID = ""
	g.WerewolfVotes = make(map[string]string)
	g.DetectiveTarget = ""
	if introText != "" {
		g.recordEvent(introText, StageNight)
	}
}

// Join adds a human player while the game is waiting.
func (g *Game) Join(playerName string) (*Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Status != StatusWaiting {
		return nil, errBadRequest("Game already started.")
	}
	name := trimmedName(playerName)
	if name == "" {
		return nil, errBadRequest("Player name cannot be empty.")
	}

	p := NewHumanPlayer(name, false)
	g.Players[p.ID] = p
	g.JoinSequence = append(g.JoinSequence, p.ID)
	return p, nil
}

// AddAIPlayer adds an AI-controlled player (host only, lobby only). A blank
// name gets a numbered default; duplicate names get a numeric suffix.
func (g *Game) AddAIPlayer(hostID, aiName string, decider DecisionProvider) (*Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return nil, err
	}
	if g.Status != StatusWaiting {
		return nil, errBadRequest("Cannot add AI players after the game starts.")
	}

	base := trimmedName(aiName)
	if base == "" {
		aiCount := 0
		for _, p := range g.Players {
			if p.IsAI() {
				aiCount++
			}
		}
		base = defaultAIName(aiCount + 1)
	}
	name := uniquePlayerName(g.Players, base)

	p := NewAIPlayer(name, decider)
	g.Players[p.ID] = p
	g.JoinSequence = append(g.JoinSequence, p.ID)
	g.recordEvent(name+" joined the lobby.", StageLobby)
	return p, nil
}

// RemovePlayer removes a non-host player from the lobby (host only) and
// scrubs them from the join sequence, turn order and vote maps.
func (g *Game) RemovePlayer(hostID, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return err
	}
	if g.Status != StatusWaiting {
		return errBadRequest("Players can only be removed in the lobby before the game starts.")
	}
	if targetID == g.HostID {
		return errBadRequest("Cannot remove the host.")
	}
	target, ok := g.Players[targetID]
	if !ok {
		return errNotFound("Target player not found.")
	}

	name := target.Name
	delete(g.Players, targetID)
	g.JoinSequence = removeID(g.JoinSequence, targetID)
	g.TurnOrder = removeID(g.TurnOrder, targetID)
	for voter, tgt := range g.Votes {
		if voter == targetID || tgt == targetID {
			delete(g.Votes, voter)
		}
	}

	g.recordEvent(name+" was removed from the lobby by the host.", StageLobby)
	return nil
}

// PostChat appends a chat message, keeping the most recent maxChatHistory.
func (g *Game) PostChat(playerID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.Players[playerID]
	if !ok {
		return errNotFound("Player not found in this game.")
	}
	trimmed := trimmedName(text)
	if trimmed == "" {
		return errBadRequest("Message cannot be empty.")
	}

	g.ChatMessages = append(g.ChatMessages, ChatMessage{
		MessageID: uuid.NewString(),
		PlayerID:  p.ID,
		Name:      p.Name,
		Text:      trimmed,
		Timestamp: time.Now(),
	})
	if len(g.ChatMessages) > maxChatHistory {
		g.ChatMessages = g.ChatMessages[len(g.ChatMessages)-maxChatHistory:]
	}
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
