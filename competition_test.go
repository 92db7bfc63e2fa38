package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		rounds:      2,
		optionCount: 6,
	}
}

func testManager(t *testing.T) *CompetitionManager {
	t.Helper()

	catalog, err := loadCatalog()
	require.NoError(t, err)

	// sessionTimeout is zero, so no reaper runs during tests.
	return newCompetitionManager(testConfig(), catalog)
}

// testClient builds a connectionless client for driving the competition
// handlers directly. The buffer is large enough to hold every event a
// two-round competition emits.
func testClient(participantID string) *Client {
	return &Client{
		send:          make(chan any, 32),
		participantID: participantID,
	}
}

// drain empties a client's send channel and returns everything queued.
func drain(cl *Client) []any {
	var msgs []any
	for {
		select {
		case msg, ok := <-cl.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// lastOfType returns the most recent queued message of type T, if any.
func lastOfType[T any](msgs []any) (T, bool) {
	var found T
	ok := false
	for _, msg := range msgs {
		if typed, isT := msg.(T); isT {
			found = typed
			ok = true
		}
	}
	return found, ok
}

func assertInvariants(t *testing.T, c *Competition) {
	t.Helper()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.roster {
		_, ok := c.scores[p.ID]
		assert.True(t, ok, "every roster member has a score entry")
	}

	for id := range c.guessTable {
		_, ok := c.participantLocked(id)
		assert.True(t, ok, "guess table keys are a subset of the roster")
	}
}

func TestCreateAndJoin(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")

	require.Len(t, comp.id, 8)
	assert.Equal(t, statusWaiting, comp.status)
	assert.Equal(t, host.ID, comp.hostID)
	assert.Equal(t, 0, comp.scores[host.ID])
	assertInvariants(t, comp)

	got, err := gm.get(comp.id)
	require.NoError(t, err)
	assert.Same(t, comp, got)

	joined, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)
	assert.Same(t, comp, joined)
	assert.NotEqual(t, host.ID, bob.ID)
	assert.Equal(t, 0, comp.scores[bob.ID])
	assert.Len(t, comp.roster, 2)
	assertInvariants(t, comp)
}

func TestGetUnknownCompetition(t *testing.T) {
	gm := testManager(t)

	_, err := gm.get("missing1")
	assert.ErrorIs(t, err, errCompetitionNotFound)

	_, _, err = gm.join("missing1", "Bob")
	assert.ErrorIs(t, err, errCompetitionNotFound)
}

func TestCompetitionIDsAreUnique(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	seen := make(map[string]bool)
	for range 50 {
		comp, _ := gm.create(cfg, "host")
		assert.False(t, seen[comp.id])
		seen[comp.id] = true
	}
}

func TestOnlyHostCanStart(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := testClient(bob.ID)
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})
	drain(alice)
	drain(bobCl)

	comp.handleStart(cfg, gm.catalog, startRequest{client: bobCl})

	errMsg, ok := lastOfType[ErrorMessage](drain(bobCl))
	require.True(t, ok, "non-host start gets an error back")
	assert.Contains(t, errMsg.Message, "host")

	_, gotRound := lastOfType[NewRoundMessage](drain(alice))
	assert.False(t, gotRound, "no round starts")
	assert.Equal(t, statusWaiting, comp.status)
}

func TestStartIgnoredWhileInProgress(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	alice := testClient(host.ID)
	comp.handleBind(cfg, bindRequest{client: alice})

	comp.handleStart(cfg, gm.catalog, startRequest{client: alice})
	require.Equal(t, statusInProgress, comp.status)
	require.Equal(t, 1, comp.currentRound)
	firstTarget := comp.target

	drain(alice)
	comp.handleStart(cfg, gm.catalog, startRequest{client: alice})

	assert.Equal(t, 1, comp.currentRound)
	assert.Equal(t, firstTarget, comp.target)
	assert.Empty(t, drain(alice), "late start is silently dropped")
}

func TestRoundLifecycle(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := testClient(bob.ID)
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})
	drain(alice)
	drain(bobCl)

	comp.handleStart(cfg, gm.catalog, startRequest{client: alice})
	require.Equal(t, statusInProgress, comp.status)
	assertInvariants(t, comp)

	aliceMsgs := drain(alice)
	bobMsgs := drain(bobCl)

	aliceRound, ok := lastOfType[NewRoundMessage](aliceMsgs)
	require.True(t, ok)
	bobRound, ok := lastOfType[NewRoundMessage](bobMsgs)
	require.True(t, ok)

	assert.Equal(t, 1, aliceRound.Round)
	assert.Equal(t, aliceRound.FlagURL, bobRound.FlagURL)
	assert.Equal(t, aliceRound.Options, bobRound.Options)
	assert.Len(t, aliceRound.Options, 6)

	target := comp.target

	// Changing an answer must neither double-count nor close the round.
	comp.handleGuess(cfg, gm.catalog, guessRequest{client: alice, guess: "zz"})
	comp.handleGuess(cfg, gm.catalog, guessRequest{client: alice, guess: target.Code})
	require.Equal(t, 1, comp.currentRound, "round is still open")
	assertInvariants(t, comp)

	comp.handleGuess(cfg, gm.catalog, guessRequest{client: bobCl, guess: "zz"})

	result, ok := lastOfType[RoundResultMessage](drain(bobCl))
	require.True(t, ok)
	assert.Equal(t, target.Name, result.CorrectAnswer)

	require.Len(t, result.Scores, 2)
	assert.Equal(t, "Alice", result.Scores[0].Name)
	assert.Equal(t, 1, result.Scores[0].Score)
	assert.Equal(t, "Bob", result.Scores[1].Name)
	assert.Equal(t, 0, result.Scores[1].Score)

	// Round 2 started automatically, with a fresh flag.
	require.Equal(t, 2, comp.currentRound)
	assert.NotEqual(t, target.Code, comp.target.Code)
	assert.Empty(t, comp.guessTable)
	assertInvariants(t, comp)

	// Resolve the final round.
	comp.handleGuess(cfg, gm.catalog, guessRequest{client: alice, guess: comp.target.Code})
	comp.handleGuess(cfg, gm.catalog, guessRequest{client: bobCl, guess: comp.target.Code})

	assert.Equal(t, statusFinished, comp.status)

	aliceMsgs = drain(alice)
	ended, ok := lastOfType[CompetitionEndedMessage](aliceMsgs)
	require.True(t, ok)
	assert.Equal(t, 2, ended.Scores[0].Score)

	// Nothing advances past the final round.
	comp.handleGuess(cfg, gm.catalog, guessRequest{client: alice, guess: "de"})
	_, gotRound := lastOfType[NewRoundMessage](drain(alice))
	assert.False(t, gotRound)
	assert.Equal(t, statusFinished, comp.status)
}

func TestLeaveRemovesParticipant(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := testClient(bob.ID)
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})
	drain(alice)

	comp.handleLeave(cfg, gm.catalog, bobCl)

	left, ok := lastOfType[PlayerLeftMessage](drain(alice))
	require.True(t, ok)
	assert.Equal(t, bob.ID, left.PlayerID)

	assert.Len(t, comp.roster, 1)
	_, hasScore := comp.scores[bob.ID]
	assert.False(t, hasScore)
	assertInvariants(t, comp)
}

func TestHostLeavingPromotesNextPlayer(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := testClient(bob.ID)
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})

	comp.handleLeave(cfg, gm.catalog, alice)

	assert.Equal(t, bob.ID, comp.hostID)
	assertInvariants(t, comp)
}

func TestLeaveMidRoundResolvesWhenTableFull(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := testClient(bob.ID)
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})

	comp.handleStart(cfg, gm.catalog, startRequest{client: alice})
	target := comp.target
	drain(alice)

	comp.handleGuess(cfg, gm.catalog, guessRequest{client: alice, guess: target.Code})
	require.Equal(t, 1, comp.currentRound, "waiting on Bob")

	// Bob walks away mid-round; Alice's answer is now the full table.
	comp.handleLeave(cfg, gm.catalog, bobCl)

	result, ok := lastOfType[RoundResultMessage](drain(alice))
	require.True(t, ok)
	assert.Equal(t, target.Name, result.CorrectAnswer)
	require.Len(t, result.Scores, 1)
	assert.Equal(t, 1, result.Scores[0].Score)
	assert.Equal(t, 2, comp.currentRound)
	assertInvariants(t, comp)
}

func TestEvictedClientMessageDoesNotPanic(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")
	_, bob, err := gm.join(comp.id, "Bob")
	require.NoError(t, err)

	alice := testClient(host.ID)
	bobCl := &Client{send: make(chan any, 1), participantID: bob.ID}
	comp.handleBind(cfg, bindRequest{client: alice})
	comp.handleBind(cfg, bindRequest{client: bobCl})
	drain(alice)
	drain(bobCl)

	// Fill Bob's buffer so the round broadcast evicts him.
	bobCl.send <- "stale"

	comp.handleStart(cfg, gm.catalog, startRequest{client: alice})
	require.NotContains(t, comp.clients, bobCl, "slow client is dropped")

	// A message already in flight from the evicted connection must be
	// swallowed, not crash the event loop.
	require.NotPanics(t, func() {
		comp.handleStart(cfg, gm.catalog, startRequest{client: bobCl})
		comp.handleGuess(cfg, gm.catalog, guessRequest{client: bobCl, guess: "zz"})
		comp.handleLeave(cfg, gm.catalog, bobCl)
	})
	assert.Equal(t, statusInProgress, comp.status)
}

func TestBindUnknownParticipantClosesChannel(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, _ := gm.create(cfg, "Alice")

	ghost := testClient("nobody")
	comp.handleBind(cfg, bindRequest{client: ghost})

	errMsg, ok := lastOfType[ErrorMessage](drain(ghost))
	require.True(t, ok, "failed bind gets an error back")
	assert.Contains(t, errMsg.Message, "not found")

	// The channel is closed so the write pump flushes the error and hangs
	// up, and the client never joins the broadcast set.
	_, open := <-ghost.send
	assert.False(t, open)
	assert.NotContains(t, comp.clients, ghost)
}

func TestRebindReplacesConnection(t *testing.T) {
	gm := testManager(t)
	cfg := testConfig()

	comp, host := gm.create(cfg, "Alice")

	first := testClient(host.ID)
	second := testClient(host.ID)
	comp.handleBind(cfg, bindRequest{client: first})
	comp.handleBind(cfg, bindRequest{client: second})

	assert.NotContains(t, comp.clients, first)
	assert.Contains(t, comp.clients, second)

	// The replaced connection's unreg must not evict the participant, and a
	// message still in flight from it must not crash the event loop.
	comp.handleLeave(cfg, gm.catalog, first)
	assert.Len(t, comp.roster, 1)

	require.NotPanics(t, func() {
		comp.handleStart(cfg, gm.catalog, startRequest{client: first})
	})
}

func TestScoreboardOrder(t *testing.T) {
	comp := newCompetition("testtest", 2)
	comp.roster = []Participant{
		{ID: "1", Name: "Carol"},
		{ID: "2", Name: "Alice"},
		{ID: "3", Name: "Bob"},
	}
	comp.scores = map[string]int{"1": 1, "2": 3, "3": 1}

	scores := comp.scoreboardLocked()

	require.Len(t, scores, 3)
	assert.Equal(t, "Alice", scores[0].Name)
	assert.Equal(t, "Bob", scores[1].Name)
	assert.Equal(t, "Carol", scores[2].Name)
}
