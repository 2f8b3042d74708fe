package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*apiServer, *httptest.Server) {
	t.Helper()
	cfg := defaultConfig()
	cfg.DataDir = t.TempDir()

	archive, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	hub := newHub()
	go hub.run()
	t.Cleanup(hub.stop)

	srv := newAPIServer(cfg, NewSessionStore(cfg.DataDir), hub, archive, NewAIDecider(nil, nil), cannedSpeaker{})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// postJSON posts a JSON body and decodes the JSON response into out (when
// non-nil), returning the status code.
func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type createResponse struct {
	GameID       string `json:"gameId"`
	JoinCode     string `json:"joinCode"`
	HostPlayerID string `json:"hostPlayerId"`
}

func createTestGame(t *testing.T, base string) createResponse {
	t.Helper()
	var created createResponse
	if code := postJSON(t, base+"/games", map[string]string{"hostName": "Host"}, &created); code != http.StatusCreated {
		t.Fatalf("create game status = %d", code)
	}
	return created
}

func joinTestPlayer(t *testing.T, base, gameID, name string) string {
	t.Helper()
	var joined struct {
		PlayerID string `json:"playerId"`
	}
	if code := postJSON(t, base+"/games/"+gameID+"/join", map[string]string{"playerName": name}, &joined); code != http.StatusCreated {
		t.Fatalf("join %s status = %d", name, code)
	}
	return joined.PlayerID
}

func TestAPICreateResolveAndSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)

	var resolved struct {
		GameID string `json:"gameId"`
	}
	if code := postJSON(t, ts.URL+"/games/by-code/"+created.JoinCode, map[string]string{}, &resolved); code != http.StatusOK {
		t.Fatalf("resolve status = %d", code)
	}
	if resolved.GameID != created.GameID {
		t.Error("code resolved to wrong game")
	}

	var state GameState
	if code := getJSON(t, ts.URL+"/games/"+created.GameID, &state); code != http.StatusOK {
		t.Fatalf("snapshot status = %d", code)
	}
	if state.Status != StatusWaiting || len(state.Players) != 1 {
		t.Errorf("state = %+v", state)
	}

	if code := getJSON(t, ts.URL+"/games/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown game status = %d, want 404", code)
	}
}

func TestAPIErrorStatuses(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)
	anaID := joinTestPlayer(t, ts.URL, created.GameID, "Ana")

	// Non-host start is forbidden.
	var errBody struct {
		Error string `json:"error"`
	}
	if code := postJSON(t, ts.URL+"/games/"+created.GameID+"/start", map[string]string{"playerId": anaID}, &errBody); code != http.StatusForbidden {
		t.Errorf("non-host start status = %d, want 403", code)
	}
	if errBody.Error == "" {
		t.Error("missing error reason")
	}

	// Too few players is a bad request.
	if code := postJSON(t, ts.URL+"/games/"+created.GameID+"/start", map[string]string{"playerId": created.HostPlayerID}, nil); code != http.StatusBadRequest {
		t.Errorf("short lobby start status = %d, want 400", code)
	}
}

func TestAPIFullGameFlow(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)
	base := ts.URL + "/games/" + created.GameID

	anaID := joinTestPlayer(t, ts.URL, created.GameID, "Ana")
	joinTestPlayer(t, ts.URL, created.GameID, "Ben")
	joinTestPlayer(t, ts.URL, created.GameID, "Cleo")

	var bot struct {
		PlayerID string `json:"playerId"`
		Name     string `json:"name"`
	}
	if code := postJSON(t, base+"/ai-players", map[string]string{"playerId": created.HostPlayerID, "name": "Bot"}, &bot); code != http.StatusCreated {
		t.Fatalf("add AI status = %d", code)
	}

	if code := postJSON(t, base+"/start", map[string]string{"playerId": created.HostPlayerID}, nil); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}

	// Pin roles so the rest of the flow is deterministic.
	g, err := srv.store.Get(created.GameID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	setRoles(t, g, map[string]string{"Ana": RoleWerewolf, "Ben": RoleDetective})

	var wolfVote struct {
		Recorded bool `json:"recorded"`
	}
	cleo := playerByName(t, g, "Cleo")
	if code := postJSON(t, base+"/night/wolf-vote", map[string]string{"playerId": anaID, "targetPlayerId": cleo.ID}, &wolfVote); code != http.StatusOK {
		t.Fatalf("wolf vote status = %d", code)
	}

	var advance struct {
		Stage string `json:"stage"`
	}
	hostBody := map[string]string{"playerId": created.HostPlayerID}
	for _, want := range []string{NightResultDetective, NightResultSummary, NightResultComplete} {
		if code := postJSON(t, base+"/night/advance", hostBody, &advance); code != http.StatusOK {
			t.Fatalf("night advance status = %d", code)
		}
		if advance.Stage != want {
			t.Fatalf("stage = %s, want %s", advance.Stage, want)
		}
	}

	var state GameState
	getJSON(t, base, &state)
	if state.WorkflowStage != StageDiscussion || state.RoundNumber != 1 {
		t.Fatalf("expected day 1, got %+v", state)
	}
	if cleo.IsAlive {
		t.Error("wolf target survived")
	}

	// Host cues the AI to speak, then sweeps AI votes.
	var plan SpeechPlan
	if code := postJSON(t, base+"/speech", map[string]string{"playerId": created.HostPlayerID, "aiPlayerId": bot.PlayerID}, &plan); code != http.StatusOK {
		t.Fatalf("speech status = %d", code)
	}
	if plan.Content == "" {
		t.Error("empty speech plan")
	}
	if code := postJSON(t, base+"/votes/ai", hostBody, nil); code != http.StatusOK {
		t.Fatalf("ai votes status = %d", code)
	}

	if code := postJSON(t, base+"/chat", map[string]string{"playerId": anaID, "text": "it was not me"}, nil); code != http.StatusCreated {
		t.Fatalf("chat status = %d", code)
	}

	// Private view shows the detective's role only to the detective.
	ben := playerByName(t, g, "Ben")
	var view PlayerView
	if code := getJSON(t, base+"/players/"+ben.ID, &view); code != http.StatusOK {
		t.Fatalf("player view status = %d", code)
	}
	if view.Role != RoleDetective {
		t.Errorf("view role = %s", view.Role)
	}

	// Host ends the game; roles become public and the game is archived.
	if code := postJSON(t, base+"/reveal", hostBody, &state); code != http.StatusOK {
		t.Fatalf("reveal status = %d", code)
	}
	if state.Status != StatusEnded {
		t.Errorf("status = %s after reveal", state.Status)
	}
	for _, p := range state.Players {
		if p.Role == "" {
			t.Errorf("role hidden for %s after reveal", p.Name)
		}
	}

	rows, err := srv.archive.Finished()
	if err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("archived games = %d, want 1", len(rows))
	}
}

func TestAPIAudioRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)
	base := ts.URL + "/games/" + created.GameID

	wav := writeSilentWAV(50 * time.Millisecond)
	resp, err := http.Post(
		fmt.Sprintf("%s/audio/%s?filename=take1.wav", base, created.HostPlayerID),
		"audio/wav", bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var clip AudioClip
	if err := json.NewDecoder(resp.Body).Decode(&clip); err != nil {
		t.Fatalf("decode clip: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if clip.Filename != "take1.wav" || clip.Transcript == "" {
		t.Errorf("clip = %+v", clip)
	}

	download, err := http.Get(base + "/audio/" + clip.ClipID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer download.Body.Close()
	if download.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", download.StatusCode)
	}

	// Rejects non-WAV payloads.
	bad, err := http.Post(base+"/audio/"+created.HostPlayerID, "audio/mpeg", bytes.NewReader([]byte("ID3 nope")))
	if err != nil {
		t.Fatalf("bad upload: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("non-WAV upload status = %d, want 400", bad.StatusCode)
	}
}

func TestAPICompressesJSONWhenClientAcceptsGzip(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)

	// Setting Accept-Encoding by hand disables the client's transparent
	// decompression, so the wire encoding stays visible.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/games/"+created.GameID, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if enc := resp.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", enc)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()
	var state GameState
	if err := json.NewDecoder(gz).Decode(&state); err != nil {
		t.Fatalf("decode gzipped body: %v", err)
	}
	if state.GameID != created.GameID {
		t.Error("decompressed snapshot is for the wrong game")
	}

	// A client that does not accept gzip gets the identity encoding.
	plain, err := http.NewRequest(http.MethodGet, ts.URL+"/games/"+created.GameID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	plain.Header.Set("Accept-Encoding", "identity")
	presp, err := http.DefaultClient.Do(plain)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer presp.Body.Close()
	if enc := presp.Header.Get("Content-Encoding"); enc == "gzip" {
		t.Error("gzip forced on a client that refused it")
	}
}

func TestAPIJoinCodePNG(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)

	resp, err := http.Get(ts.URL + "/games/" + created.GameID + "/joincode.png")
	if err != nil {
		t.Fatalf("GET joincode.png: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %s", ct)
	}
}

func TestAPIDeleteGame(t *testing.T) {
	_, ts := newTestServer(t)
	created := createTestGame(t, ts.URL)
	anaID := joinTestPlayer(t, ts.URL, created.GameID, "Ana")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/games/"+created.GameID,
		bytes.NewReader([]byte(fmt.Sprintf(`{"playerId":%q}`, anaID))))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-host delete status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/games/"+created.GameID,
		bytes.NewReader([]byte(fmt.Sprintf(`{"playerId":%q}`, created.HostPlayerID))))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("host delete status = %d", resp.StatusCode)
	}

	if code := getJSON(t, ts.URL+"/games/"+created.GameID, nil); code != http.StatusNotFound {
		t.Errorf("deleted game status = %d, want 404", code)
	}
}
