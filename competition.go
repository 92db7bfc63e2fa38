// Flagparty competition mode
//
// A host creates a competition and shares its ID (or QR code) with other
// players. Everyone joins over HTTP, then opens a websocket and binds it to
// their participant entry. The host starts the game; each round every player
// sees the same flag and the same shuffled country options, and picks one.
// Once every connected player has answered, the round is scored, the
// scoreboard is broadcast, and the next round begins, until the configured
// round count is reached.
//
// Features:
// - One websocket endpoint: /ws; the first message binds it to a competition
// - Random 8-char competition IDs via crypto/rand, with server-side collision check
// - Participants identified by a per-join generated UUID
// - Players may change their answer until the round closes (last write wins)
// - A player leaving removes them from the roster and scoreboard; if everyone
//   remaining has already answered, the round resolves immediately
// - If the host leaves, the earliest remaining player becomes host
// - Competitions auto-reaped after a configurable idle timeout
// - In-browser QR button to share the current competition, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	statusWaiting    = "waiting"
	statusInProgress = "in-progress"
	statusFinished   = "finished"
)

// Participant holds the data we store server-side. A participant exists from
// the moment they host or join over HTTP; their connection attaches later,
// once their websocket sends a joinCompetition message.
type Participant struct {
	ID   string
	Name string
}

// Messages coming from clients
type ClientMessage struct {
	Type          string `json:"type"`                    // "joinCompetition", "startCompetition", "submitGuess"
	CompetitionID string `json:"competitionId,omitempty"` // joinCompetition
	ParticipantID string `json:"participantId,omitempty"` // joinCompetition
	Guess         string `json:"guess,omitempty"`         // submitGuess (country code)
}

// PlayerInfo identifies one participant to clients.
type PlayerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlayerJoinedMessage is sent to everyone else when a participant's
// connection attaches.
type PlayerJoinedMessage struct {
	Type   string     `json:"type"` // "playerJoined"
	Player PlayerInfo `json:"player"`
}

// PlayerLeftMessage is sent to everyone remaining when a participant's
// connection closes.
type PlayerLeftMessage struct {
	Type     string `json:"type"` // "playerLeft"
	PlayerID string `json:"playerId"`
}

// ErrorMessage carries any protocol-level failure back to a single client.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// NewRoundMessage starts a round on every connected client. Options carry
// code and name only; nothing marks which entry is correct.
type NewRoundMessage struct {
	Type    string    `json:"type"` // "newRound"
	Round   int       `json:"round"`
	FlagURL string    `json:"flagUrl"`
	Options []Country `json:"options"`
}

// ScoreEntry is one scoreboard row.
type ScoreEntry struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// RoundResultMessage reveals the correct answer and the current scoreboard.
type RoundResultMessage struct {
	Type          string       `json:"type"` // "roundResult"
	CorrectAnswer string       `json:"correctAnswer"`
	Scores        []ScoreEntry `json:"scores"`
}

// CompetitionEndedMessage closes out the competition with the final scores.
type CompetitionEndedMessage struct {
	Type   string       `json:"type"` // "competitionEnded"
	Scores []ScoreEntry `json:"scores"`
}

type Client struct {
	conn          *websocket.Conn
	participantID string

	// mu guards send against a close racing an inbound message: the
	// competition can drop a client (eviction, rebind, reaper) while that
	// client's read loop is still delivering.
	mu     sync.Mutex
	send   chan any
	closed bool
}

// trySend queues a message without blocking. It reports false when the
// buffer is full, so the caller can decide to drop the connection; messages
// to an already-closed client are silently discarded.
func (c *Client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once, letting writePump
// flush whatever is still queued and then hang up.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

type bindRequest struct {
	client *Client
}

type startRequest struct {
	client *Client
}

type guessRequest struct {
	client *Client
	guess  string
}

// Competition is one flag-guessing session. All websocket events for a
// competition are consumed by a single run() goroutine, so the guess-table
// check that closes a round can never fire twice for the same round.
type Competition struct {
	id      string
	clients map[*Client]bool

	binds   chan bindRequest
	starts  chan startRequest
	guesses chan guessRequest
	unreg   chan *Client

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	hostID       string
	roster       []Participant
	status       string
	currentRound int
	totalRounds  int
	target       Country
	options      []Country
	guessTable   map[string]string // participant ID -> guessed country code
	scores       map[string]int    // participant ID -> score
}

func newCompetition(competitionID string, totalRounds int) *Competition {
	now := time.Now()
	return &Competition{
		id:          competitionID,
		clients:     make(map[*Client]bool),
		binds:       make(chan bindRequest),
		starts:      make(chan startRequest),
		guesses:     make(chan guessRequest),
		unreg:       make(chan *Client),
		createdAt:   now,
		lastActive:  now,
		status:      statusWaiting,
		totalRounds: totalRounds,
		guessTable:  make(map[string]string),
		scores:      make(map[string]int),
	}
}

func (c *Competition) run(cfg *Config, catalog *Catalog) {
	for {
		select {
		case br := <-c.binds:
			c.handleBind(cfg, br)

		case sr := <-c.starts:
			c.handleStart(cfg, catalog, sr)

		case gr := <-c.guesses:
			c.handleGuess(cfg, catalog, gr)

		case cl := <-c.unreg:
			c.handleLeave(cfg, catalog, cl)
		}
	}
}

func (c *Competition) participantLocked(participantID string) (Participant, bool) {
	for _, p := range c.roster {
		if p.ID == participantID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Competition) hasParticipant(participantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.participantLocked(participantID)
	return ok
}

func (c *Competition) trySendLocked(cl *Client, msg any) {
	if !cl.trySend(msg) {
		delete(c.clients, cl)
		cl.closeSend()
	}
}

func (c *Competition) broadcastLocked(msg any) {
	for cl := range c.clients {
		c.trySendLocked(cl, msg)
	}
}

// scoreboardLocked lists every roster member with their score, best first.
func (c *Competition) scoreboardLocked() []ScoreEntry {
	scores := make([]ScoreEntry, 0, len(c.roster))
	for _, p := range c.roster {
		scores = append(scores, ScoreEntry{
			PlayerID: p.ID,
			Name:     p.Name,
			Score:    c.scores[p.ID],
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Name < scores[j].Name
	})

	return scores
}

// handleBind attaches a websocket to its participant entry and tells
// everyone else the player is here.
func (c *Competition) handleBind(cfg *Config, br bindRequest) {
	cl := br.client

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()

	p, ok := c.participantLocked(cl.participantID)
	if !ok {
		cl.trySend(ErrorMessage{Type: "error", Message: "participant not found"})
		cl.closeSend()
		return
	}

	// A reconnect replaces any previous connection for the same participant.
	for other := range c.clients {
		if other.participantID == cl.participantID {
			delete(c.clients, other)
			other.closeSend()
		}
	}

	c.clients[cl] = true

	logf(cfg, "GAMES: %q connected to competition %s", p.Name, c.id)

	joined := PlayerJoinedMessage{
		Type:   "playerJoined",
		Player: PlayerInfo{ID: p.ID, Name: p.Name},
	}

	for other := range c.clients {
		if other == cl {
			continue
		}
		c.trySendLocked(other, joined)
	}
}

// handleStart begins round 1. Only the host may start, and only while the
// competition is still waiting; a late start from the host is dropped, a
// start from anyone else gets an explicit error back.
func (c *Competition) handleStart(cfg *Config, catalog *Catalog, sr startRequest) {
	cl := sr.client

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()

	if cl.participantID != c.hostID {
		c.trySendLocked(cl, ErrorMessage{
			Type:    "error",
			Message: "only the host can start the competition",
		})
		return
	}

	if c.status != statusWaiting || len(c.roster) == 0 {
		return
	}

	c.status = statusInProgress
	c.currentRound = 1

	logf(cfg, "GAMES: Competition %s started with %d players", c.id, len(c.roster))

	c.startRoundLocked(cfg, catalog)
}

// startRoundLocked draws the next flag, rebuilds the option set, clears the
// guess table, and broadcasts the round to every connected player.
func (c *Competition) startRoundLocked(cfg *Config, catalog *Catalog) {
	c.target = catalog.randomCountry(c.target.Code)
	c.options = catalog.countryOptions(c.target, cfg.optionCount)
	c.guessTable = make(map[string]string)

	c.broadcastLocked(NewRoundMessage{
		Type:    "newRound",
		Round:   c.currentRound,
		FlagURL: flagURL(c.target.Code, true),
		Options: c.options,
	})
}

// handleGuess records a player's answer. Guesses may be resubmitted until
// the round closes; the last one counts. The guess that fills the table
// resolves the round.
func (c *Competition) handleGuess(cfg *Config, catalog *Catalog, gr guessRequest) {
	cl := gr.client

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()

	if c.status != statusInProgress {
		return
	}

	if _, ok := c.participantLocked(cl.participantID); !ok {
		return
	}

	c.guessTable[cl.participantID] = gr.guess

	if len(c.guessTable) >= len(c.roster) {
		c.resolveRoundLocked(cfg, catalog)
	}
}

// resolveRoundLocked scores the round, broadcasts the result, and either
// advances to the next round or finishes the competition.
func (c *Competition) resolveRoundLocked(cfg *Config, catalog *Catalog) {
	for _, p := range c.roster {
		if c.guessTable[p.ID] == c.target.Code {
			c.scores[p.ID]++
		}
	}

	scores := c.scoreboardLocked()

	c.broadcastLocked(RoundResultMessage{
		Type:          "roundResult",
		CorrectAnswer: c.target.Name,
		Scores:        scores,
	})

	if c.currentRound < c.totalRounds {
		c.currentRound++
		c.startRoundLocked(cfg, catalog)
		return
	}

	c.status = statusFinished

	logf(cfg, "GAMES: Competition %s finished after %d rounds", c.id, c.totalRounds)

	c.broadcastLocked(CompetitionEndedMessage{
		Type:   "competitionEnded",
		Scores: scores,
	})
}

// handleLeave detaches a closed connection and removes its participant from
// the roster and scoreboard, unless a newer connection has already rebound
// for the same participant.
func (c *Competition) handleLeave(cfg *Config, catalog *Catalog, cl *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()

	delete(c.clients, cl)
	cl.closeSend()

	for other := range c.clients {
		if other.participantID == cl.participantID {
			return
		}
	}

	removed := false
	dst := c.roster[:0]
	for _, p := range c.roster {
		if p.ID == cl.participantID {
			removed = true
			logf(cfg, "GAMES: %q left competition %s", p.Name, c.id)
			continue
		}
		dst = append(dst, p)
	}
	c.roster = dst

	if !removed {
		return
	}

	delete(c.scores, cl.participantID)
	delete(c.guessTable, cl.participantID)

	if cl.participantID == c.hostID && c.status != statusFinished && len(c.roster) > 0 {
		c.hostID = c.roster[0].ID
	}

	c.broadcastLocked(PlayerLeftMessage{
		Type:     "playerLeft",
		PlayerID: cl.participantID,
	})

	// The departed player no longer counts toward the all-guesses check; if
	// everyone still present has answered, the round resolves now.
	if c.status == statusInProgress && len(c.roster) > 0 && len(c.guessTable) >= len(c.roster) {
		c.resolveRoundLocked(cfg, catalog)
	}
}

// closeAll disconnects all clients of this competition (used by reaper).
func (c *Competition) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for cl := range c.clients {
		cl.closeSend()
		_ = cl.conn.Close()
		delete(c.clients, cl)
	}
}

// CompetitionManager holds all live competitions keyed by their ID, which
// doubles as the join code players share.
type CompetitionManager struct {
	mu           sync.Mutex
	competitions map[string]*Competition
	catalog      *Catalog
	idleTimeout  time.Duration
}

func newCompetitionManager(cfg *Config, catalog *Catalog) *CompetitionManager {
	gm := &CompetitionManager{
		competitions: make(map[string]*Competition),
		catalog:      catalog,
		idleTimeout:  cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// newCompetitionIDLocked generates a crypto-random competition ID and
// ensures it doesn't collide with existing competitions.
func (gm *CompetitionManager) newCompetitionIDLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := gm.competitions[id]; !exists {
			return id
		}
	}
}

// create allocates a fresh waiting competition with the host as its only
// roster member and starts the competition's event loop.
func (gm *CompetitionManager) create(cfg *Config, hostName string) (*Competition, Participant) {
	host := Participant{
		ID:   uuid.NewString(),
		Name: hostName,
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	comp := newCompetition(gm.newCompetitionIDLocked(), cfg.rounds)
	comp.hostID = host.ID
	comp.roster = append(comp.roster, host)
	comp.scores[host.ID] = 0

	gm.competitions[comp.id] = comp
	go comp.run(cfg, gm.catalog)

	return comp, host
}

// join appends a new unbound participant to an existing competition.
func (gm *CompetitionManager) join(competitionID, name string) (*Competition, Participant, error) {
	comp, err := gm.get(competitionID)
	if err != nil {
		return nil, Participant{}, err
	}

	p := Participant{
		ID:   uuid.NewString(),
		Name: name,
	}

	comp.mu.Lock()
	comp.lastActive = time.Now()
	comp.roster = append(comp.roster, p)
	comp.scores[p.ID] = 0
	comp.mu.Unlock()

	return comp, p, nil
}

func (gm *CompetitionManager) get(competitionID string) (*Competition, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	comp, ok := gm.competitions[competitionID]
	if !ok {
		return nil, errCompetitionNotFound
	}
	return comp, nil
}

// reaperLoop periodically removes competitions that have been idle longer
// than idleTimeout.
func (gm *CompetitionManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, comp := range gm.competitions {
			comp.mu.RLock()
			last := comp.lastActive
			comp.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.competitions, id)
				go comp.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWSForManager upgrades the connection and runs the read loop. The
// competition to bind to arrives in the first message, not in the URL.
func serveWSForManager(cfg *Config, gm *CompetitionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		go client.writePump()
		client.readPump(cfg, gm)
	}
}

func (c *Client) readPump(cfg *Config, gm *CompetitionManager) {
	var comp *Competition

	defer func() {
		if comp != nil {
			comp.unreg <- c
			_ = c.conn.Close()
		} else {
			// writePump drains anything still queued, then closes the
			// connection itself.
			c.closeSend()
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.trySend(ErrorMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "joinCompetition":
			if comp != nil {
				continue
			}

			target, err := gm.get(msg.CompetitionID)
			if err != nil {
				c.trySend(ErrorMessage{Type: "error", Message: "competition not found"})
				return
			}
			if !target.hasParticipant(msg.ParticipantID) {
				c.trySend(ErrorMessage{Type: "error", Message: "participant not found"})
				return
			}

			c.participantID = msg.ParticipantID
			comp = target
			comp.binds <- bindRequest{client: c}

		case "startCompetition":
			if comp == nil {
				c.trySend(ErrorMessage{Type: "error", Message: "not joined to a competition"})
				continue
			}
			comp.starts <- startRequest{client: c}

		case "submitGuess":
			if comp == nil {
				c.trySend(ErrorMessage{Type: "error", Message: "not joined to a competition"})
				continue
			}
			comp.guesses <- guessRequest{client: c, guess: msg.Guess}

		default:
			c.trySend(ErrorMessage{Type: "error", Message: "unknown message type: " + msg.Type})
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// startCompetitionHandler creates a competition from the hosting form and
// redirects the host to its page.
func startCompetitionHandler(cfg *Config, gm *CompetitionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}

		comp, host := gm.create(cfg, name)

		logf(cfg, "GAMES: %q created competition %s", name, comp.id)

		http.Redirect(w, r, cfg.prefix+"/competition/"+comp.id+"?participantId="+host.ID, http.StatusSeeOther)
	}
}

// joinCompetitionHandler adds a participant to an existing competition and
// redirects them to its page, or 404s for an unknown ID.
func joinCompetitionHandler(cfg *Config, gm *CompetitionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		competitionID := strings.TrimSpace(r.FormValue("competitionId"))
		name := strings.TrimSpace(r.FormValue("name"))
		if competitionID == "" || name == "" {
			http.Error(w, "competitionId and name are required", http.StatusBadRequest)
			return
		}

		comp, p, err := gm.join(competitionID, name)
		if err != nil {
			notFoundPage(cfg, w, "Competition not found.")
			return
		}

		logf(cfg, "GAMES: %q joined competition %s", name, comp.id)

		http.Redirect(w, r, cfg.prefix+"/competition/"+comp.id+"?participantId="+p.ID, http.StatusSeeOther)
	}
}

type competitionPageData struct {
	Prefix        string
	CompetitionID string
	ParticipantID string
	Name          string
	IsHost        bool
	Status        string
	TotalRounds   int
	Players       []ScoreEntry
}

// serveCompetitionPage renders the live competition page. The embedded
// script reads its IDs from data attributes and speaks the websocket
// protocol from there.
func serveCompetitionPage(cfg *Config, gm *CompetitionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		comp, err := gm.get(ps.ByName("id"))
		if err != nil {
			notFoundPage(cfg, w, "Competition not found.")
			return
		}

		participantID := r.URL.Query().Get("participantId")

		comp.mu.RLock()
		p, ok := comp.participantLocked(participantID)
		data := competitionPageData{
			Prefix:        cfg.prefix,
			CompetitionID: comp.id,
			ParticipantID: p.ID,
			Name:          p.Name,
			IsHost:        p.ID == comp.hostID,
			Status:        comp.status,
			TotalRounds:   comp.totalRounds,
			Players:       comp.scoreboardLocked(),
		}
		comp.mu.RUnlock()

		if !ok {
			notFoundPage(cfg, w, "Participant not found.")
			return
		}

		renderPage(cfg, w, "competition.html", data)
	}
}

// qrHandler generates a PNG QR code for a competition's join URL.
func qrHandler(cfg *Config, gm *CompetitionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, err := gm.get(ps.ByName("id")); err != nil {
			notFoundPage(cfg, w, "Competition not found.")
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /competition/:id/qr; strip the trailing "/qr" to get
		// the competition URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerCompetition sets up competition mode:
//   - /host, /join                 → forms
//   - /start-competition           → create + redirect
//   - /join-competition            → join + redirect (404 for unknown IDs)
//   - /competition/:id             → live page (404 for unknown IDs)
//   - /competition/:id/qr          → PNG QR code for that competition URL
//   - /ws                          → websocket endpoint, bound by first message
func registerCompetition(cfg *Config, mux *httprouter.Router, catalog *Catalog) *CompetitionManager {
	gm := newCompetitionManager(cfg, catalog)

	mux.GET(cfg.prefix+"/host", serveHostForm(cfg))
	mux.GET(cfg.prefix+"/join", serveJoinForm(cfg))
	mux.POST(cfg.prefix+"/start-competition", startCompetitionHandler(cfg, gm))
	mux.POST(cfg.prefix+"/join-competition", joinCompetitionHandler(cfg, gm))
	mux.GET(cfg.prefix+"/competition/:id", serveCompetitionPage(cfg, gm))
	mux.GET(cfg.prefix+"/competition/:id/qr", qrHandler(cfg, gm))
	mux.GET(cfg.prefix+"/ws", serveWSForManager(cfg, gm))

	return gm
}

var errCompetitionNotFound = errors.New("competition not found")
