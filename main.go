package main

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

// apiServer wires the session store, hub, collaborators and archive into
// the HTTP surface. All dependencies are injected; nothing game-related
// lives in package globals.
type apiServer struct {
	cfg     AppConfig
	store   *SessionStore
	hub     *Hub
	archive *Archive
	decider DecisionProvider
	speaker Speaker
}

func newAPIServer(cfg AppConfig, store *SessionStore, hub *Hub, archive *Archive, decider DecisionProvider, speaker Speaker) *apiServer {
	return &apiServer{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		archive: archive,
		decider: decider,
		speaker: speaker,
	}
}

// finish runs after every state-changing operation: watchers get a
// refresh nudge, and a game that just ended is archived once.
func (s *apiServer) finish(g *Game) {
	s.hub.NotifyGame(g.ID)
	if s.archive != nil && g.Archivable() {
		if err := s.archive.Record(g); err != nil {
			logError("archive finished game", err)
		}
	}
	LogGameState("after mutation", s.store)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses; anything that is not
// a GameError is a server fault.
func writeError(w http.ResponseWriter, err error) {
	var ge *GameError
	if errors.As(err, &ge) {
		writeJSON(w, ge.Status, map[string]string{"error": ge.Reason})
		return
	}
	logError("internal", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Something went wrong"})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("Invalid request body.")
	}
	return nil
}

// game resolves the {id} path segment.
func (s *apiServer) game(r *http.Request) (*Game, error) {
	return s.store.Get(r.PathValue("id"))
}

// ============================================================================
// Handlers
// ============================================================================

func (s *apiServer) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostName string `json:"hostName"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	g, err := s.store.CreateGame(req.HostName)
	if err != nil {
		writeError(w, err)
		return
	}
	DebugLog("Game %s created with code %s", g.ID, g.JoinCode)

	writeJSON(w, http.StatusCreated, map[string]string{
		"gameId":       g.ID,
		"joinCode":     g.JoinCode,
		"hostPlayerId": g.HostID,
	})
}

func (s *apiServer) handleResolveCode(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.FindByCode(r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"gameId":   g.ID,
		"joinCode": g.JoinCode,
	})
}

func (s *apiServer) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Delete(r.PathValue("id"), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *apiServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerName string `json:"playerName"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := g.Join(req.PlayerName)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusCreated, map[string]string{
		"playerId": p.ID,
		"name":     p.Name,
	})
}

func (s *apiServer) handleAddAIPlayer(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := g.AddAIPlayer(req.PlayerID, req.Name, s.decider)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusCreated, map[string]string{
		"playerId": p.ID,
		"name":     p.Name,
	})
}

func (s *apiServer) handleRemovePlayer(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID       string `json:"playerId"`
		TargetPlayerID string `json:"targetPlayerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.RemovePlayer(req.PlayerID, req.TargetPlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *apiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.Start(req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleAdvanceTurn(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.AdvanceTurn(req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleAdvanceNight(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	stage, err := g.AdvanceNight(r.Context(), req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, map[string]string{"stage": stage})
}

func (s *apiServer) handleWolfVote(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID       string `json:"playerId"`
		TargetPlayerID string `json:"targetPlayerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.WolfVote(req.PlayerID, req.TargetPlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

func (s *apiServer) handleDetectiveSelect(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID       string `json:"playerId"`
		TargetPlayerID string `json:"targetPlayerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.DetectiveSelect(req.PlayerID, req.TargetPlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

func (s *apiServer) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID       string `json:"playerId"`
		TargetPlayerID string `json:"targetPlayerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.SubmitVote(req.PlayerID, req.TargetPlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleTriggerAIVotes(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.TriggerAIVotes(r.Context(), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleFinishRound(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.FinishRound(req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleChat(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
		Text     string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.PostChat(req.PlayerID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusCreated, map[string]bool{"posted": true})
}

func (s *apiServer) handleSpeech(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID   string `json:"playerId"`
		AIPlayerID string `json:"aiPlayerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	plan, err := g.TriggerSpeech(r.Context(), req.PlayerID, req.AIPlayerID, s.speaker, s.cfg.DataDir)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, plan)
}

func (s *apiServer) handleReveal(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := g.Reveal(req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *apiServer) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	playerID := r.PathValue("playerId")

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes+1)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errBadRequest("Audio clip exceeds the 5 MB limit."))
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "clip.wav"
	}

	clip, err := g.SaveAudioClip(playerID, filename, r.Header.Get("Content-Type"), data, s.cfg.DataDir)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finish(g)
	writeJSON(w, http.StatusCreated, clip)
}

func (s *apiServer) handleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := g.AudioClipPath(r.PathValue("clipId"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}

func (s *apiServer) handlePlayerView(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := g.ViewForPlayer(r.PathValue("playerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleJoinCodePNG(w http.ResponseWriter, r *http.Request) {
	g, err := s.game(r)
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := JoinCodePNG(g)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// routes builds the mux with the gzip and caching middleware applied.
func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(pattern string, handler http.HandlerFunc) {
		var h http.Handler = handler
		h = compress(h)
		h = disableCaching(h)
		if appLogger != nil && appLogger.logRequests {
			mux.Handle(pattern, &LoggingHandler{Handler: h, Logger: appLogger})
		} else {
			mux.Handle(pattern, h)
		}
	}

	wrap("POST /games", s.handleCreateGame)
	wrap("POST /games/by-code/{code}", s.handleResolveCode)
	wrap("GET /games/{id}", s.handleGetGame)
	wrap("DELETE /games/{id}", s.handleDeleteGame)
	wrap("POST /games/{id}/join", s.handleJoin)
	wrap("POST /games/{id}/ai-players", s.handleAddAIPlayer)
	wrap("POST /games/{id}/remove-player", s.handleRemovePlayer)
	wrap("POST /games/{id}/start", s.handleStart)
	wrap("POST /games/{id}/turns/advance", s.handleAdvanceTurn)
	wrap("POST /games/{id}/night/advance", s.handleAdvanceNight)
	wrap("POST /games/{id}/night/wolf-vote", s.handleWolfVote)
	wrap("POST /games/{id}/night/detective", s.handleDetectiveSelect)
	wrap("POST /games/{id}/votes", s.handleSubmitVote)
	wrap("POST /games/{id}/votes/ai", s.handleTriggerAIVotes)
	wrap("POST /games/{id}/rounds/finish", s.handleFinishRound)
	wrap("POST /games/{id}/chat", s.handleChat)
	wrap("POST /games/{id}/speech", s.handleSpeech)
	wrap("POST /games/{id}/reveal", s.handleReveal)
	wrap("POST /games/{id}/audio/{playerId}", s.handleUploadAudio)
	wrap("GET /games/{id}/audio/{clipId}", s.handleDownloadAudio)
	wrap("GET /games/{id}/players/{playerId}", s.handlePlayerView)
	wrap("GET /games/{id}/joincode.png", s.handleJoinCodePNG)
	mux.HandleFunc("GET /ws/{gameId}", s.handleWebSocket)

	return mux
}

// ============================================================================
// Middleware
// ============================================================================

func disableCaching(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Cache-Control", "no-cache")

		next.ServeHTTP(w, r)
	})
}

// shouldCompress determines if a content type should be gzip compressed.
// Compresses text-based formats but not binary formats like images or audio.
func shouldCompress(contentType string) bool {
	compressiblePrefixes := []string{
		"text/",
		"application/json",
		"application/javascript",
		"image/svg",
	}
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// responseWriter wraps http.ResponseWriter to handle conditional gzip compression
type responseWriter struct {
	http.ResponseWriter
	gz            *gzip.Writer
	wrappedWriter http.ResponseWriter
	acceptGzip    bool
	headerSent    bool
}

// WriteHeader checks content type and sets up compression if appropriate
func (w *responseWriter) WriteHeader(statusCode int) {
	if w.headerSent {
		return
	}
	w.headerSent = true

	contentType := w.Header().Get("Content-Type")

	if contentType != "" && shouldCompress(contentType) && w.acceptGzip {
		w.gz = gzip.NewWriter(w.wrappedWriter)
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

// Write writes to gzip writer if it exists, otherwise to original writer
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.headerSent {
		w.WriteHeader(http.StatusOK)
	}

	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Flush flushes both gzip and response writer
func (w *responseWriter) Flush() {
	if w.gz != nil {
		w.gz.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Close closes the gzip writer if it exists
func (w *responseWriter) Close() error {
	if w.gz != nil {
		return w.gz.Close()
	}
	return nil
}

// compress adds gzip compression to compressible responses
func compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{
			ResponseWriter: w,
			wrappedWriter:  w,
			acceptGzip:     strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"),
		}
		defer wrapped.Close()

		next.ServeHTTP(wrapped, r)
	})
}

// ============================================================================
// Bootstrap
// ============================================================================

func main() {
	fv := registerFlags()
	flag.Parse()
	cfg := loadConfig(*fv.configPath)
	fv.applyTo(&cfg)
	applyDevMode(&cfg)
	devMode = cfg.Dev

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("moonlit.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	if err := InitAppLogger(cfg.toLogConfig()); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer CloseAppLogger()

	if appLogger.IsEnabled() {
		log.Println("Extended logging enabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data dir:", err)
	}

	archive, err := OpenArchive(cfg.ArchiveDB)
	if err != nil {
		log.Fatal("Failed to open archive database:", err)
	}
	defer archive.Close()

	llm, callOpts := newAgentModel(cfg)
	decider := NewAIDecider(llm, callOpts)

	var speaker Speaker = cannedSpeaker{}
	if cfg.SpeakerUsesAgent && llm != nil {
		speaker = NewSpeaker(llm, callOpts)
	}

	store := NewSessionStore(cfg.DataDir)
	devDump = func(context string) {
		LogGameState("error: "+context, store)
	}
	hub := newHub()
	go hub.run()
	defer hub.stop()

	server := newAPIServer(cfg, store, hub, archive, decider, speaker)

	log.Println("Server starting on", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, server.routes()))
}
