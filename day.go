package main

import (
	"context"
	"fmt"
	"math/rand"
)

// Share of AI day votes that abstain instead of naming a target.
const aiAbstainChance = 0.2

// prepareTurnOrder opens the next discussion round: votes reset, alive
// players speak in join order. With nobody left alive it loops straight
// back into a night, which the victory evaluator will immediately close.
// Caller holds mu.
func (g *Game) prepareTurnOrder() {
	g.Votes = make(map[string]string)

	var order []string
	for _, p := range g.alivePlayers() {
		order = append(order, p.ID)
	}
	g.TurnOrder = order

	if len(order) == 0 {
		g.CurrentTurnIndex = -1
		g.WorkflowStage = StageNight
		g.NightStage = NightStageWolves
		return
	}

	g.CurrentTurnIndex = 0
	g.RoundNumber++
	g.WorkflowStage = StageDiscussion
	g.recordEvent(fmt.Sprintf("Day %d discussion begins.", g.RoundNumber), StageDiscussion)
}

// AdvanceTurn passes the floor to the next speaker (host only).
func (g *Game) AdvanceTurn(hostID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return err
	}
	if g.Status != StatusInProgress || g.WorkflowStage != StageDiscussion {
		return errBadRequest("Turns advance only during discussion.")
	}
	if g.CurrentTurnIndex < 0 || len(g.TurnOrder) == 0 {
		return errBadRequest("No speaking order is active.")
	}
	if g.CurrentTurnIndex >= len(g.TurnOrder)-1 {
		return errBadRequest("All players have spoken. Close the day to continue.")
	}

	g.CurrentTurnIndex++
	return nil
}

// currentSpeaker returns the player holding the floor, or nil. Caller
// holds mu.
func (g *Game) currentSpeaker() *Player {
	if g.CurrentTurnIndex < 0 || g.CurrentTurnIndex >= len(g.TurnOrder) {
		return nil
	}
	return g.Players[g.TurnOrder[g.CurrentTurnIndex]]
}

// SubmitVote records a day vote or abstention (empty target) and applies
// an elimination as soon as any target holds a strict majority of the
// living. Re-voting is allowed until the day closes; the ledger only
// notes actual changes.
func (g *Game) SubmitVote(voterID, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitVote(voterID, targetID)
}

// submitVote is the locked body of SubmitVote, shared with the AI sweep.
// Caller holds mu.
func (g *Game) submitVote(voterID, targetID string) error {
	if g.Status != StatusInProgress || g.WorkflowStage != StageDiscussion {
		return errBadRequest("Voting is only open during discussion.")
	}

	voter, ok := g.Players[voterID]
	if !ok {
		return errNotFound("Player not found in this game.")
	}
	if !voter.IsAlive {
		return errForbidden("Eliminated players cannot vote.")
	}

	if targetID != "" {
		target, ok := g.Players[targetID]
		if !ok || !target.IsAlive {
			return errNotFound("Vote target not found or not alive.")
		}
		if target.ID == voter.ID {
			return errBadRequest("Players cannot vote for themselves.")
		}
	}

	previous, had := g.Votes[voter.ID]
	g.Votes[voter.ID] = targetID
	if !had || previous != targetID {
		if targetID == "" {
			g.recordEvent(voter.Name+" chose to abstain.", StageDiscussion)
		} else {
			g.recordEvent(voter.Name+" voted to remove "+g.Players[targetID].Name+".", StageDiscussion)
		}
	}

	g.applyMajority()
	return nil
}

// applyMajority eliminates the first target whose live tally reaches a
// strict majority of living players and rolls the game into the next
// night. Counting only alive voters and alive targets makes stale votes
// harmless. Caller holds mu.
func (g *Game) applyMajority() {
	alive := g.alivePlayers()
	if len(alive) == 0 {
		return
	}
	needed := len(alive)/2 + 1

	tally := make(map[string]int)
	for voterID, targetID := range g.Votes {
		if targetID == "" {
			continue
		}
		voter := g.Players[voterID]
		target := g.Players[targetID]
		if voter == nil || !voter.IsAlive || target == nil || !target.IsAlive {
			continue
		}
		tally[targetID]++
	}

	var leaders []string
	for targetID, count := range tally {
		if count >= needed {
			leaders = append(leaders, targetID)
		}
	}
	if len(leaders) == 0 {
		return
	}
	eliminated := g.Players[leaders[rand.Intn(len(leaders))]]

	eliminated.IsAlive = false
	g.recordEvent("The town has voted. "+eliminated.Name+" is removed from the game.", StageDiscussion)

	if g.evaluateVictory() {
		return
	}
	closing := g.RoundNumber
	g.startNight(fmt.Sprintf("Day %d closes after a vote. Night %d begins.", closing, closing+1))
}

// TriggerAIVotes sweeps the living AI players that have not voted yet and
// casts a vote for each (host only). A vote already on record stays as cast.
// Individual hook failures degrade to random picks and never abort the
// sweep; an elimination mid-sweep ends it early because the discussion is
// over.
func (g *Game) TriggerAIVotes(ctx context.Context, hostID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return err
	}
	if g.Status != StatusInProgress || g.WorkflowStage != StageDiscussion {
		return errBadRequest("AI votes can only be triggered during discussion.")
	}

	for _, voter := range g.alivePlayers() {
		if g.WorkflowStage != StageDiscussion {
			break
		}
		if !voter.IsAI() || !voter.IsAlive {
			continue
		}
		if _, voted := g.Votes[voter.ID]; voted {
			continue
		}

		targetID := ""
		if rand.Float64() >= aiAbstainChance {
			var candidates []*Player
			for _, p := range g.alivePlayers() {
				if p.ID != voter.ID {
					candidates = append(candidates, p)
				}
			}
			if target := g.hookPick(ctx, voter, candidates, voter.decider.ChooseVote); target != nil {
				targetID = target.ID
			}
		}

		if err := g.submitVote(voter.ID, targetID); err != nil {
			logError("ai vote for "+voter.Name, err)
		}
	}
	return nil
}

// FinishRound closes the discussion without an elimination and opens the
// next night (host only).
func (g *Game) FinishRound(hostID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.requireHost(hostID); err != nil {
		return err
	}
	if g.Status != StatusInProgress || g.WorkflowStage != StageDiscussion {
		return errBadRequest("Only an open discussion round can be finished.")
	}

	closing := g.RoundNumber
	g.startNight(fmt.Sprintf("Day %d closes. Night %d begins.", closing, closing+1))
	return nil
}
