package main

import (
	"context"
	"testing"
)

// mockDecider is a scripted DecisionProvider test double. Zero value
// declines every decision, like a human.
type mockDecider struct {
	vote        string
	nightTarget string
	inspect     string
	err         error
	calls       []string
}

func (m *mockDecider) RoleAssigned(role string, _ []string) {
	m.calls = append(m.calls, "role:"+role)
}

func (m *mockDecider) ChooseVote(_ context.Context, _ DecisionView) (string, error) {
	m.calls = append(m.calls, "vote")
	if m.err != nil {
		return "", m.err
	}
	if m.vote == "" {
		return "", ErrNoDecision
	}
	return m.vote, nil
}

func (m *mockDecider) ChooseNightTarget(_ context.Context, _ DecisionView) (string, error) {
	m.calls = append(m.calls, "night")
	if m.err != nil {
		return "", m.err
	}
	if m.nightTarget == "" {
		return "", ErrNoDecision
	}
	return m.nightTarget, nil
}

func (m *mockDecider) ChooseInvestigationTarget(_ context.Context, _ DecisionView) (string, error) {
	m.calls = append(m.calls, "inspect")
	if m.err != nil {
		return "", m.err
	}
	if m.inspect == "" {
		return "", ErrNoDecision
	}
	return m.inspect, nil
}

// mockSpeaker returns a fixed speech plan.
type mockSpeaker struct {
	plan SpeechPlan
}

func (m *mockSpeaker) Plan(_ context.Context, _ DecisionView) (SpeechPlan, error) {
	return m.plan, nil
}

// newLobby creates a waiting game hosted by "Host" with the given extra
// human players.
func newLobby(t *testing.T, humans ...string) *Game {
	t.Helper()
	g := NewGame("Host", "ABCD")
	for _, name := range humans {
		if _, err := g.Join(name); err != nil {
			t.Fatalf("Join(%s): %v", name, err)
		}
	}
	return g
}

// startGame runs role assignment as the host.
func startGame(t *testing.T, g *Game) {
	t.Helper()
	if err := g.Start(g.HostID); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// setRoles overwrites the random assignment with a fixed one, keyed by
// player name, so tests can steer night and day outcomes. Unnamed players
// become civilians.
func setRoles(t *testing.T, g *Game, roles map[string]string) {
	t.Helper()
	g.DetectiveID = ""
	g.WerewolfIDs = nil
	for _, id := range g.JoinSequence {
		p := g.Players[id]
		role, ok := roles[p.Name]
		if !ok {
			role = RoleCivilian
		}
		p.Role = role
		p.KnownAllies = nil
		p.PrivateNotes = nil
		switch role {
		case RoleDetective:
			g.DetectiveID = p.ID
		case RoleWerewolf:
			g.WerewolfIDs = append(g.WerewolfIDs, p.ID)
		}
	}
	for _, wolfID := range g.WerewolfIDs {
		wolf := g.Players[wolfID]
		for _, allyID := range g.WerewolfIDs {
			if allyID != wolfID {
				wolf.KnownAllies = append(wolf.KnownAllies, g.Players[allyID].Name)
			}
		}
	}
}

// playerByName finds a player by display name.
func playerByName(t *testing.T, g *Game, name string) *Player {
	t.Helper()
	for _, p := range g.Players {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no player named %s", name)
	return nil
}

// lastEvent returns the newest ledger entry's text, or "".
func lastEvent(g *Game) string {
	if len(g.Events) == 0 {
		return ""
	}
	return g.Events[len(g.Events)-1].Text
}

// runNightToDay drives a full night (wolves, detective, summary) as the
// host, failing the test if the game ends on the way.
func runNightToDay(t *testing.T, g *Game) {
	t.Helper()
	for i := 0; i < 3; i++ {
		stage, err := g.AdvanceNight(context.Background(), g.HostID)
		if err != nil {
			t.Fatalf("AdvanceNight: %v", err)
		}
		if stage == NightResultEnded {
			t.Fatalf("game ended mid-night: %s", g.VictoryMessage)
		}
		if stage == NightResultComplete {
			return
		}
	}
	t.Fatalf("night did not complete in three advances")
}
