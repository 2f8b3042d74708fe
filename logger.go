package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"
)

// AppLogger provides extended diagnostics: request/response capture, game
// state dumps and WebSocket traffic. Everything is off by default.
type AppLogger struct {
	outputDir      string
	logRequests    bool
	logState       bool
	logWS          bool
	debug          bool
	requestLog     *os.File
	stateLog       *os.File
	wsLog          *os.File
	mu             sync.Mutex
	requestCount   int
	stateCount     int
	wsMessageCount int
}

// Global application logger (used by server)
var appLogger *AppLogger

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir   string
	LogRequests bool
	LogState    bool
	LogWS       bool
	Debug       bool
}

// NewAppLogger creates a new application logger
func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{
		outputDir:   config.OutputDir,
		logRequests: config.LogRequests,
		logState:    config.LogState,
		logWS:       config.LogWS,
		debug:       config.Debug,
	}

	if al.outputDir == "" {
		return al, nil // No file logging, just in-memory state
	}

	var err error
	if al.logRequests {
		path := fmt.Sprintf("%s/requests.log", al.outputDir)
		al.requestLog, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open request log: %w", err)
		}
	}
	if al.logState {
		path := fmt.Sprintf("%s/game_states.log", al.outputDir)
		al.stateLog, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open state log: %w", err)
		}
	}
	if al.logWS {
		path := fmt.Sprintf("%s/websocket.log", al.outputDir)
		al.wsLog, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open WebSocket log: %w", err)
		}
	}

	return al, nil
}

// InitAppLogger initializes the global application logger
func InitAppLogger(config LogConfig) error {
	var err error
	appLogger, err = NewAppLogger(config)
	return err
}

// Close closes all open log files
func (al *AppLogger) Close() {
	if al.requestLog != nil {
		al.requestLog.Close()
	}
	if al.stateLog != nil {
		al.stateLog.Close()
	}
	if al.wsLog != nil {
		al.wsLog.Close()
	}
}

// LogRequest logs an HTTP request and response
func (al *AppLogger) LogRequest(method, url string, reqBody []byte, resp *http.Response, respBody []byte) {
	if !al.logRequests || al.requestLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.requestCount++
	timestamp := time.Now().Format("15:04:05.000")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== REQUEST #%d [%s] ==========\n", al.requestCount, timestamp)
	fmt.Fprintf(&buf, "%s %s\n", method, url)

	if len(reqBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Request Body ---\n")
		buf.Write(reqBody)
		buf.WriteString("\n")
	}

	if resp != nil {
		fmt.Fprintf(&buf, "\n--- Response [%d %s] ---\n", resp.StatusCode, resp.Status)
		for k, v := range resp.Header {
			fmt.Fprintf(&buf, "%s: %s\n", k, strings.Join(v, ", "))
		}
	}

	if len(respBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Response Body ---\n")
		if len(respBody) > 5000 {
			buf.Write(respBody[:5000])
			fmt.Fprintf(&buf, "\n... (truncated, %d bytes total)\n", len(respBody))
		} else {
			buf.Write(respBody)
		}
		buf.WriteString("\n")
	}

	al.requestLog.Write(buf.Bytes())
}

// LogWebSocket logs a WebSocket message
func (al *AppLogger) LogWebSocket(direction, gameID, message string) {
	if !al.logWS || al.wsLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.wsMessageCount++
	timestamp := time.Now().Format("15:04:05.000")

	fmt.Fprintf(al.wsLog, "[%s] #%d %s [Game %s]: %s\n",
		timestamp, al.wsMessageCount, direction, gameID, message)
}

// LogState dumps every live game's public state
func (al *AppLogger) LogState(context string, store *SessionStore) {
	if !al.logState || al.stateLog == nil || store == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.stateCount++
	timestamp := time.Now().Format("15:04:05.000")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== STATE DUMP #%d [%s] ==========\n", al.stateCount, timestamp)
	fmt.Fprintf(&buf, "Context: %s\nLive games: %d\n\n", context, store.Count())

	store.Each(func(g *Game) {
		state := g.Snapshot()
		fmt.Fprintf(&buf, "--- Game %s (code %s) ---\n", state.GameID, state.JoinCode)
		fmt.Fprintf(&buf, "status=%s stage=%s night=%s round=%d\n",
			state.Status, state.WorkflowStage, state.NightStage, state.RoundNumber)
		for _, p := range state.Players {
			fmt.Fprintf(&buf, "  %s kind=%s alive=%v host=%v role=%s\n",
				p.Name, p.Kind, p.IsAlive, p.IsHost, p.Role)
		}
		fmt.Fprintf(&buf, "  events=%d chat=%d votes=%d\n\n",
			len(state.Events), len(state.ChatMessages), len(state.Votes))
	})

	al.stateLog.Write(buf.Bytes())
}

// Debug logs a debug message if debug mode is enabled
func (al *AppLogger) Debug(format string, args ...any) {
	if !al.debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// IsEnabled returns true if any logging is enabled
func (al *AppLogger) IsEnabled() bool {
	return al.logRequests || al.logState || al.logWS || al.debug
}

// ============================================================================
// HTTP Middleware
// ============================================================================

// LoggingHandler wraps http.Handler to log requests/responses.
// WebSocket requests (/ws/) pass through without recording because they
// need http.Hijacker, which ResponseRecorder does not support.
type LoggingHandler struct {
	Handler http.Handler
	Logger  *AppLogger
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/ws/") {
		l.Logger.LogRequest(r.Method, r.URL.String(), nil, nil, []byte("[WebSocket upgrade]"))
		l.Handler.ServeHTTP(w, r)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(reqBody))
	}

	rec := httptest.NewRecorder()
	l.Handler.ServeHTTP(rec, r)

	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	respBody := rec.Body.Bytes()
	w.Write(respBody)

	l.Logger.LogRequest(r.Method, r.URL.String(), reqBody, &http.Response{
		StatusCode: rec.Code,
		Status:     http.StatusText(rec.Code),
		Header:     rec.Header(),
	}, respBody)
}

// ============================================================================
// Global helper functions
// ============================================================================

var devMode bool

// devDump is installed at startup; in dev mode logError calls it to dump
// live game state alongside the error.
var devDump func(context string)

// logError logs an error with context and dumps live state in dev mode
func logError(context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode && devDump != nil {
		devDump(context)
	}
}

// LogWSMessage logs a WebSocket message using the global logger
func LogWSMessage(direction, gameID, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, gameID, message)
	}
}

// LogGameState logs live game state using the global logger
func LogGameState(context string, store *SessionStore) {
	if appLogger != nil {
		appLogger.LogState(context, store)
	}
}

// DebugLog logs a debug message using the global logger
func DebugLog(format string, args ...any) {
	if appLogger != nil {
		appLogger.Debug(format, args...)
	}
}

// CloseAppLogger closes the global application logger
func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}
