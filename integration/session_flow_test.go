package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	ts := NewTestServer(t)
	resp := ts.Get(t, "/health", "")
	var body map[string]string
	ReadJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestWS_RequiresToken(t *testing.T) {
	ts := NewTestServer(t)
	resp := ts.Get(t, "/ws", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _ := ts.Login(t, UniqueEmail("plain"), "pw1234")
	resp = ts.Get(t, "/ws", token)
	var body map[string]string
	ReadJSON(t, resp, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", body["error"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	token, _ := ts.Login(t, UniqueEmail("flow"), "pw1234")

	a := ts.ConnectWS(t, token)
	welcome := a.Recv(3 * time.Second)
	assert.Equal(t, "connection", welcome["type"])
	assert.Equal(t, "Connected to Animation Session!", welcome["message"])
	cd := welcome["connectionData"].(map[string]interface{})
	assert.Equal(t, "integration-client", cd["userAgent"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, cd["connectedAt"])
	char2 := CharacterState(t, welcome["characters"], "char2")
	assert.Equal(t, 45.0, char2["rotation"])

	b := ts.ConnectWS(t, token)
	b.Recv(3 * time.Second)

	// Scenario: start, rotate, move, stop, reset seen by both clients.
	a.Command("start", map[string]interface{}{"characterId": "char1"})
	for _, c := range []*WSClient{a, b} {
		data := c.RecvOutcome("start")
		assert.Equal(t, "ok", data["status"])
		assert.Equal(t, true, CharacterState(t, data["characters"], "char1")["isActive"])
	}

	b.Command("rotate", map[string]interface{}{"characterId": "char1", "rotation": 90.5})
	for _, c := range []*WSClient{a, b} {
		data := c.RecvOutcome("rotate")
		assert.Equal(t, "Character char1 rotated to 90.5 degrees", data["result"])
	}

	a.Command("move", map[string]interface{}{
		"characterId": "char1",
		"position":    map[string]interface{}{"x": 1, "y": 2, "z": 3},
	})
	for _, c := range []*WSClient{a, b} {
		data := c.RecvOutcome("move")
		pos := CharacterState(t, data["characters"], "char1")["position"].(map[string]interface{})
		assert.Equal(t, map[string]interface{}{"x": 1.0, "y": 2.0, "z": 3.0}, pos)
	}

	a.Command("stop", map[string]interface{}{"characterId": "char1"})
	a.RecvOutcome("stop")
	b.RecvOutcome("stop")

	// Rotating a stopped character is an error broadcast to everyone.
	a.Command("rotate", map[string]interface{}{"characterId": "char1", "rotation": 10})
	for _, c := range []*WSClient{a, b} {
		data := c.RecvOutcome("rotate")
		assert.Equal(t, "error", data["status"])
		assert.Equal(t, "Character char1 is not active", data["result"])
	}

	a.Command("reset", map[string]interface{}{"characterId": "char1"})
	data := b.RecvOutcome("reset")
	char1 := CharacterState(t, data["characters"], "char1")
	assert.Equal(t, 0.0, char1["rotation"])
	assert.Equal(t, false, char1["isActive"])
	a.RecvOutcome("reset")
}

func TestInvalidMessagesStayPrivate(t *testing.T) {
	ts := NewTestServer(t)
	token, _ := ts.Login(t, UniqueEmail("bad"), "pw1234")
	a := ts.ConnectWS(t, token)
	a.Recv(3 * time.Second)
	b := ts.ConnectWS(t, token)
	b.Recv(3 * time.Second)

	a.SendRaw([]byte(`{"command":`))
	assert.Equal(t, map[string]interface{}{"error": "invalid JSON format"}, a.Recv(3*time.Second))

	a.SendJSON(map[string]interface{}{"command": "jump", "payload": map[string]interface{}{"characterId": "char1"}})
	msg := a.Recv(3 * time.Second)
	assert.Contains(t, msg["error"], "invalid message format")

	b.ExpectSilence(200 * time.Millisecond)
}

func TestSessionsAreIsolatedPerUser(t *testing.T) {
	ts := NewTestServer(t)
	tokA, _ := ts.Login(t, UniqueEmail("iso_a"), "pw1234")
	tokB, _ := ts.Login(t, UniqueEmail("iso_b"), "pw1234")

	a := ts.ConnectWS(t, tokA)
	a.Recv(3 * time.Second)
	b := ts.ConnectWS(t, tokB)
	b.Recv(3 * time.Second)

	a.Command("start", map[string]interface{}{"characterId": "char1"})
	a.RecvOutcome("start")
	b.ExpectSilence(200 * time.Millisecond)

	// B's own characters are untouched.
	b.Command("stop", map[string]interface{}{"characterId": "char1"})
	data := b.RecvOutcome("stop")
	assert.Equal(t, "noop", data["status"])
}

func TestStatePersistsAcrossSessionRestart(t *testing.T) {
	ts := NewTestServer(t)
	token, userID := ts.Login(t, UniqueEmail("restart"), "pw1234")

	a := ts.ConnectWS(t, token)
	a.Recv(3 * time.Second)
	a.Command("start", map[string]interface{}{"characterId": "char2"})
	a.RecvOutcome("start")
	a.Command("move", map[string]interface{}{
		"characterId": "char2",
		"position":    map[string]interface{}{"x": -4.25, "y": 0, "z": 8},
	})
	a.RecvOutcome("move")

	// Stopping every actor drops the in-memory state and closes the socket.
	ts.SM.StopAll()
	require.Nil(t, ts.SM.Get(userID))

	b := ts.ConnectWS(t, token)
	welcome := b.Recv(3 * time.Second)
	char2 := CharacterState(t, welcome["characters"], "char2")
	assert.Equal(t, true, char2["isActive"])
	assert.Equal(t, 45.0, char2["rotation"])
	assert.Equal(t, -4.25, char2["position"].(map[string]interface{})["x"])
}

func TestLogoutRevokesToken(t *testing.T) {
	ts := NewTestServer(t)
	token, _ := ts.Login(t, UniqueEmail("logout"), "pw1234")

	resp := ts.PostJSON(t, "/api/auth/logout", nil, token)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.Get(t, "/ws", token)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
