package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const agentSystemPrompt = `You are a player in a werewolf social deduction game. You will be given your role, the public game history, and a list of candidate names. Answer with exactly one name from the candidate list and nothing else.`

// roleInstructions describe each role to the model. The three names here
// are the only role vocabulary the prompts ever use.
var roleInstructions = map[string]string{
	RoleCivilian:  "You are a civilian. Find the werewolves by reading the discussion and vote with the town.",
	RoleDetective: "You are the detective. Use what your nightly inspections suggested, but never state your role outright.",
	RoleWerewolf:  "You are a werewolf. Deflect suspicion during the day and pick targets that weaken the town at night.",
}

// Token budget for the history excerpt inside a decision prompt.
const historyTokenBudget = 1200

// newAgentModel builds the shared LLM for AI players from config. A nil
// model means the feature is disabled and every hook falls back.
func newAgentModel(cfg AppConfig) (llms.Model, []llms.CallOption) {
	provider := cfg.AgentProvider
	model := cfg.AgentModel
	callOpts := buildAgentCallOpts(cfg)

	switch provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.AgentOllamaURL))
		if err != nil {
			log.Printf("Agent: failed to init Ollama (%s at %s): %v", model, cfg.AgentOllamaURL, err)
			return nil, nil
		}
		log.Printf("Agent: Ollama model=%s url=%s", model, cfg.AgentOllamaURL)
		return llm, callOpts
	case "openai":
		llm, err := openai.New(openai.WithModel(model))
		if err != nil {
			log.Printf("Agent: failed to init OpenAI (%s): %v", model, err)
			return nil, nil
		}
		log.Printf("Agent: OpenAI model=%s", model)
		return llm, callOpts
	case "claude":
		llm, err := anthropic.New(anthropic.WithModel(model))
		if err != nil {
			log.Printf("Agent: failed to init Claude (%s): %v", model, err)
			return nil, nil
		}
		log.Printf("Agent: Claude model=%s", model)
		return llm, callOpts
	case "gemini":
		llm, err := googleai.New(context.Background(), googleai.WithDefaultModel(model))
		if err != nil {
			log.Printf("Agent: failed to init Gemini (%s): %v", model, err)
			return nil, nil
		}
		log.Printf("Agent: Gemini model=%s", model)
		return llm, callOpts
	case "groq":
		llm, err := openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
		if err != nil {
			log.Printf("Agent: failed to init Groq (%s): %v", model, err)
			return nil, nil
		}
		log.Printf("Agent: Groq model=%s", model)
		return llm, callOpts
	case "openai-compatible":
		if cfg.AgentURL == "" {
			log.Printf("Agent: agent_url is required for openai-compatible provider")
			return nil, nil
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.AgentURL),
		}
		if cfg.AgentAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.AgentAPIKey))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			log.Printf("Agent: failed to init openai-compatible (%s at %s): %v", model, cfg.AgentURL, err)
			return nil, nil
		}
		log.Printf("Agent: openai-compatible model=%s url=%s", model, cfg.AgentURL)
		return llm, callOpts
	default:
		log.Printf("Agent: disabled (set agent_provider to enable)")
		return nil, nil
	}
}

// buildAgentCallOpts builds LLM call options from the config.
func buildAgentCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption
	if cfg.AgentTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.AgentTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Agent: temperature=%.2f", f)
		} else {
			log.Printf("Agent: invalid temperature %q: %v", cfg.AgentTemperature, err)
		}
	}
	return opts
}

// aiDecider consults the configured model for each decision. A nil llm
// declines everything, which the engines treat the same as a human.
type aiDecider struct {
	llm      llms.Model
	callOpts []llms.CallOption
}

func NewAIDecider(llm llms.Model, callOpts []llms.CallOption) DecisionProvider {
	return &aiDecider{llm: llm, callOpts: callOpts}
}

// RoleAssigned is a no-op: every DecisionView already carries the role
// and allies, so there is nothing to cache.
func (d *aiDecider) RoleAssigned(string, []string) {}

func (d *aiDecider) ChooseVote(ctx context.Context, view DecisionView) (string, error) {
	return d.decide(ctx, view, "It is the day vote. Which candidate should be voted out?")
}

func (d *aiDecider) ChooseNightTarget(ctx context.Context, view DecisionView) (string, error) {
	return d.decide(ctx, view, "It is night and the pack is choosing. Which candidate should be eliminated?")
}

func (d *aiDecider) ChooseInvestigationTarget(ctx context.Context, view DecisionView) (string, error) {
	return d.decide(ctx, view, "It is night. Which candidate should be inspected?")
}

func (d *aiDecider) decide(ctx context.Context, view DecisionView, task string) (string, error) {
	if d.llm == nil {
		return "", ErrNoDecision
	}
	if len(view.Candidates) == 0 {
		return "", errors.New("no candidates to choose from")
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, agentSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, buildDecisionPrompt(view, task)),
	}
	resp, err := d.llm.GenerateContent(ctx, messages, d.callOpts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty model response")
	}
	return matchCandidate(resp.Choices[0].Content, view.Candidates)
}

func buildDecisionPrompt(view DecisionView, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n%s\n", view.SelfName, roleInstructions[view.Role])
	if len(view.Allies) > 0 {
		fmt.Fprintf(&b, "Your packmates are: %s.\n", strings.Join(view.Allies, ", "))
	}
	fmt.Fprintf(&b, "Round %d. %d players alive, %d of them werewolves.\n\n",
		view.Round, view.PlayerCount, view.WolfCount)
	if view.History != "" {
		fmt.Fprintf(&b, "Game history:\n%s\n\n", trimToTokenBudget(view.History, historyTokenBudget))
	}
	fmt.Fprintf(&b, "%s\nCandidates: %s\nAnswer with one name.", task, strings.Join(view.Candidates, ", "))
	return b.String()
}

// matchCandidate maps raw model output onto the candidate set: exact
// case-insensitive match first, containment second.
func matchCandidate(output string, candidates []string) (string, error) {
	answer := strings.TrimSpace(strings.Trim(strings.TrimSpace(output), `"'.`))
	for _, c := range candidates {
		if strings.EqualFold(answer, c) {
			return c, nil
		}
	}
	lower := strings.ToLower(output)
	for _, c := range candidates {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("model answer %q names no candidate", answer)
}

// trimToTokenBudget keeps the most recent part of text within the given
// token budget. Token counts use the cl100k_base encoding; if the
// encoder is unavailable a rough 4-chars-per-token cut applies instead.
func trimToTokenBudget(text string, budget int) string {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		runes := []rune(text)
		if len(runes) <= budget*4 {
			return text
		}
		return string(runes[len(runes)-budget*4:])
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[len(tokens)-budget:])
}

// decisionView builds the role-scoped context for one hook call. Caller
// holds mu.
func (g *Game) decisionView(actor *Player, candidates []string) DecisionView {
	return DecisionView{
		SelfName:    actor.Name,
		Role:        actor.Role,
		Allies:      append([]string(nil), actor.KnownAllies...),
		Round:       g.RoundNumber,
		PlayerCount: len(g.alivePlayers()),
		WolfCount:   len(g.aliveWerewolves()),
		Candidates:  candidates,
		History:     g.composeHistory(40, 30),
	}
}

// composeHistory renders recent public state as plain lines: the event
// ledger first, then chat. Private notes and roles never appear here.
// Caller holds mu.
func (g *Game) composeHistory(maxEvents, maxChats int) string {
	var lines []string

	events := g.Events
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	for _, e := range events {
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Phase, e.Text))
	}

	chats := g.ChatMessages
	if len(chats) > maxChats {
		chats = chats[len(chats)-maxChats:]
	}
	for _, c := range chats {
		lines = append(lines, c.Name+": "+c.Text)
	}

	return strings.Join(lines, "\n")
}
