package storeserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stackfall/stackfall/internal/auth"
	"github.com/stackfall/stackfall/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	service := newTestService(t, time.Now)
	issuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte("test-secret")})
	handler, err := NewHTTPHandler(Dependencies{Sessions: issuer, Service: service})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, service
}

func joinServer(t *testing.T, server *httptest.Server, clientID string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"clientId": clientID})
	response, err := http.Post(server.URL+"/v1/join", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected join status %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatalf("join returned empty token")
	}
	return payload.AccessToken
}

func doKV(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("unexpected http error: %v", err)
	}
	return response
}

func TestKVEndpointsRequireSessionToken(t *testing.T) {
	server, _ := newTestServer(t)

	response := doKV(t, http.MethodGet, server.URL+"/v1/kv/players", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestKVRoundTripOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := joinServer(t, server, "alpha")

	doc := []byte(`{"nickname":"Alpha","online":true}`)
	response := doKV(t, http.MethodPut, server.URL+"/v1/kv/players/alpha", token, doc)
	response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}

	response = doKV(t, http.MethodGet, server.URL+"/v1/kv/players?children=1", token, nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var snapshot map[string]json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if _, ok := snapshot["alpha"]; !ok {
		t.Fatalf("children snapshot missing player: %v", snapshot)
	}
}

func TestFutureTimestampReturns422(t *testing.T) {
	server, _ := newTestServer(t)
	token := joinServer(t, server, "alpha")

	future := time.Now().Add(time.Minute).UnixMilli()
	doc, _ := json.Marshal(map[string]interface{}{"lastUpdate": future})
	response := doKV(t, http.MethodPut, server.URL+"/v1/kv/players/alpha", token, doc)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", response.StatusCode)
	}
}

func dialWatch(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/watch?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) store.WatchEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event store.WatchEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("unexpected watch read error: %v", err)
	}
	return event
}

func TestWatchDeliversInitialStateAndWrites(t *testing.T) {
	server, _ := newTestServer(t)
	writer := joinServer(t, server, "writer")
	watcher := joinServer(t, server, "watcher")

	response := doKV(t, http.MethodPut, server.URL+"/v1/kv/players/writer", writer, []byte(`{"nickname":"Writer"}`))
	response.Body.Close()

	conn := dialWatch(t, server, watcher)
	if err := conn.WriteJSON(store.WatchCommand{Action: "subscribe", Sub: 1, Path: "players", Children: true}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	initial := readEvent(t, conn)
	if initial.Sub != 1 || len(initial.Snapshot) != 1 {
		t.Fatalf("unexpected initial event: %+v", initial)
	}

	response = doKV(t, http.MethodPut, server.URL+"/v1/kv/players/second", writer, []byte(`{"nickname":"Second"}`))
	response.Body.Close()

	update := readEvent(t, conn)
	if len(update.Snapshot) != 2 {
		t.Fatalf("expected 2 players after write, got %+v", update)
	}
}

func TestWatchDisconnectRunsHooks(t *testing.T) {
	server, service := newTestServer(t)
	token := joinServer(t, server, "alpha")

	response := doKV(t, http.MethodPut, server.URL+"/v1/kv/players/alpha", token, []byte(`{"online":true}`))
	response.Body.Close()

	conn := dialWatch(t, server, token)
	hook := store.DisconnectOp{
		Action: store.DisconnectUpdate,
		Path:   "players/alpha",
		Fields: map[string]interface{}{"online": false},
	}
	if err := conn.WriteJSON(store.WatchCommand{Action: "hook", Op: &hook}); err != nil {
		t.Fatalf("unexpected hook error: %v", err)
	}
	// Subscribe and wait for the initial event so the hook command is
	// known to be processed before the socket drops.
	if err := conn.WriteJSON(store.WatchCommand{Action: "subscribe", Sub: 1, Path: "players/alpha"}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	readEvent(t, conn)

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, err := service.GetDoc(t.Context(), "players/alpha")
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(doc, &decoded); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if decoded["online"] == false {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect hook never applied: %v", decoded)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
