package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < .env/env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	Addr      string `json:"addr"`       // HTTP listen address
	DataDir   string `json:"data_dir"`   // root for audio clips
	ArchiveDB string `json:"archive_db"` // sqlite path for finished-game archive
	Dev       bool   `json:"dev"`        // dev mode: verbose logging, state dumps on errors

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir"`
	LogRequests  bool   `json:"log_requests"`
	LogState     bool   `json:"log_state"`
	LogWS        bool   `json:"log_ws"`
	LogDebug     bool   `json:"log_debug"`

	// AI agent (decision hooks)
	AgentProvider    string `json:"agent_provider"`    // ollama | openai | claude | gemini | groq | openai-compatible
	AgentModel       string `json:"agent_model"`       // model name
	AgentOllamaURL   string `json:"agent_ollama_url"`  // Ollama server URL
	AgentURL         string `json:"agent_url"`         // base URL for openai-compatible
	AgentAPIKey      string `json:"agent_api_key"`     // API key for openai-compatible
	AgentTemperature string `json:"agent_temperature"` // float 0-1 as string
	GroqAPIKey       string `json:"groq_api_key"`      // API key for groq provider

	// AI speaker (table-talk lines); empty provider falls back to canned
	// phrases using the agent model when that is configured.
	SpeakerUsesAgent bool `json:"speaker_uses_agent"`
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogState:    cfg.LogState,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug,
	}
}

func defaultConfig() AppConfig {
	return AppConfig{
		Addr:             ":8080",
		DataDir:          "data",
		ArchiveDB:        "moonlit_archive.db",
		AgentOllamaURL:   "http://localhost:11434",
		SpeakerUsesAgent: true,
	}
}

// loadConfig builds a config by layering: defaults → .env + env vars → JSON
// config file. CLI flag overrides are applied separately by
// flagValues.applyTo after flag.Parse.
func loadConfig(configPath string) AppConfig {
	cfg := defaultConfig()

	// Layer 1: .env file then process env
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Config: failed to load .env: %v", err)
	}

	envStr := os.Getenv
	envBool := func(key string) (val bool, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return false, false
		}
		return v == "1" || v == "true" || v == "yes", true
	}

	if v := envStr("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := envStr("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envStr("ARCHIVE_DB"); v != "" {
		cfg.ArchiveDB = v
	}
	if v, ok := envBool("DEV"); ok {
		cfg.Dev = v
	}
	if v := envStr("LOG_OUTPUT_DIR"); v != "" {
		cfg.LogOutputDir = v
	}
	if v, ok := envBool("LOG_REQUESTS"); ok {
		cfg.LogRequests = v
	}
	if v, ok := envBool("LOG_STATE"); ok {
		cfg.LogState = v
	}
	if v, ok := envBool("LOG_WS"); ok {
		cfg.LogWS = v
	}
	if v, ok := envBool("LOG_DEBUG"); ok {
		cfg.LogDebug = v
	}
	if v := envStr("AGENT_PROVIDER"); v != "" {
		cfg.AgentProvider = v
	}
	if v := envStr("AGENT_MODEL"); v != "" {
		cfg.AgentModel = v
	}
	if v := envStr("AGENT_OLLAMA_URL"); v != "" {
		cfg.AgentOllamaURL = v
	}
	if v := envStr("AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if v := envStr("AGENT_API_KEY"); v != "" {
		cfg.AgentAPIKey = v
	}
	if v := envStr("AGENT_TEMPERATURE"); v != "" {
		cfg.AgentTemperature = v
	}
	if v := envStr("GROQ_API_KEY"); v != "" {
		cfg.GroqAPIKey = v
	}
	if v, ok := envBool("SPEAKER_USES_AGENT"); ok {
		cfg.SpeakerUsesAgent = v
	}

	// Layer 2: JSON config file. Only fields present in the file override env vars
	if data, err := os.ReadFile(configPath); err == nil {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("Config: failed to parse %s: %v", configPath, err)
		} else {
			applyJSONOverlay(&cfg, overlay)
			log.Printf("Config: loaded from %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	return cfg
}

// applyDevMode turns on the verbose diagnostics dev mode promises. Runs
// after every config layer, so -dev alone is enough.
func applyDevMode(cfg *AppConfig) {
	if !cfg.Dev {
		return
	}
	cfg.LogState = true
	cfg.LogDebug = true
}

// applyJSONOverlay only sets fields that are explicitly present in the JSON map.
func applyJSONOverlay(cfg *AppConfig, m map[string]json.RawMessage) {
	str := func(key string, dst *string) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	str("addr", &cfg.Addr)
	str("data_dir", &cfg.DataDir)
	str("archive_db", &cfg.ArchiveDB)
	boolean("dev", &cfg.Dev)
	str("log_output_dir", &cfg.LogOutputDir)
	boolean("log_requests", &cfg.LogRequests)
	boolean("log_state", &cfg.LogState)
	boolean("log_ws", &cfg.LogWS)
	boolean("log_debug", &cfg.LogDebug)
	str("agent_provider", &cfg.AgentProvider)
	str("agent_model", &cfg.AgentModel)
	str("agent_ollama_url", &cfg.AgentOllamaURL)
	str("agent_url", &cfg.AgentURL)
	str("agent_api_key", &cfg.AgentAPIKey)
	str("agent_temperature", &cfg.AgentTemperature)
	str("groq_api_key", &cfg.GroqAPIKey)
	boolean("speaker_uses_agent", &cfg.SpeakerUsesAgent)
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath       *string
	addr             *string
	dataDir          *string
	archiveDB        *string
	dev              *bool
	logOutputDir     *string
	logRequests      *bool
	logState         *bool
	logWS            *bool
	logDebug         *bool
	agentProvider    *string
	agentModel       *string
	agentOllamaURL   *string
	agentURL         *string
	agentAPIKey      *string
	agentTemperature *string
	groqAPIKey       *string
	speakerUsesAgent *bool
}

// registerFlags registers all CLI flags and returns pointers to their values.
// Call flag.Parse() after this, then applyTo to layer them over the loaded config.
func registerFlags() flagValues {
	return flagValues{
		configPath:       flag.String("config", "config.json", "path to JSON config file"),
		addr:             flag.String("addr", "", "HTTP listen address (e.g. :8080)"),
		dataDir:          flag.String("data-dir", "", "directory for audio clip storage"),
		archiveDB:        flag.String("archive-db", "", "sqlite path for the finished-game archive"),
		dev:              flag.Bool("dev", false, "enable development mode (verbose logging, state dumps on error)"),
		logOutputDir:     flag.String("log-output-dir", "", "directory for extended log files"),
		logRequests:      flag.Bool("log-requests", false, "log HTTP requests and responses"),
		logState:         flag.Bool("log-state", false, "log game state dumps"),
		logWS:            flag.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:         flag.Bool("log-debug", false, "enable debug logging"),
		agentProvider:    flag.String("agent-provider", "", "AI agent provider (ollama|openai|claude|gemini|groq|openai-compatible)"),
		agentModel:       flag.String("agent-model", "", "AI agent model name"),
		agentOllamaURL:   flag.String("agent-ollama-url", "", "Ollama server URL"),
		agentURL:         flag.String("agent-url", "", "base URL for openai-compatible provider"),
		agentAPIKey:      flag.String("agent-api-key", "", "API key for agent provider"),
		agentTemperature: flag.String("agent-temperature", "", "sampling temperature 0-1"),
		groqAPIKey:       flag.String("groq-api-key", "", "Groq API key"),
		speakerUsesAgent: flag.Bool("speaker-uses-agent", true, "use the agent model for AI speech"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(cfg *AppConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *fv.addr
		case "data-dir":
			cfg.DataDir = *fv.dataDir
		case "archive-db":
			cfg.ArchiveDB = *fv.archiveDB
		case "dev":
			cfg.Dev = *fv.dev
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-state":
			cfg.LogState = *fv.logState
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "agent-provider":
			cfg.AgentProvider = *fv.agentProvider
		case "agent-model":
			cfg.AgentModel = *fv.agentModel
		case "agent-ollama-url":
			cfg.AgentOllamaURL = *fv.agentOllamaURL
		case "agent-url":
			cfg.AgentURL = *fv.agentURL
		case "agent-api-key":
			cfg.AgentAPIKey = *fv.agentAPIKey
		case "agent-temperature":
			cfg.AgentTemperature = *fv.agentTemperature
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		case "speaker-uses-agent":
			cfg.SpeakerUsesAgent = *fv.speakerUsesAgent
		}
	})
}
