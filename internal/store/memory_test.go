package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func TestMemoryWatchChildrenSeesWritesAcrossSessions(t *testing.T) {
	db := NewMemory()
	writer := db.Open()
	watcherSession := db.Open()
	defer writer.Close()
	defer watcherSession.Close()

	var mu sync.Mutex
	var latest Snapshot
	_, err := watcherSession.WatchChildren(context.Background(), "players", func(snapshot Snapshot) {
		mu.Lock()
		latest = snapshot
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}

	if err := writer.Set(context.Background(), "players/alpha", map[string]interface{}{"nickname": "Alpha"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := latest["alpha"]
		return ok
	})

	if err := writer.Delete(context.Background(), "players/alpha"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 0
	})
}

func TestMemoryUpdateMergesFields(t *testing.T) {
	db := NewMemory()
	session := db.Open()
	defer session.Close()

	ctx := context.Background()
	if err := session.Set(ctx, "gameState", map[string]interface{}{"isActive": true, "createdBy": "alpha"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := session.Update(ctx, "gameState", map[string]interface{}{"currentShapeId": "shape-1"}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	doc, err := session.GetDoc(ctx, "gameState")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded["createdBy"] != "alpha" {
		t.Fatalf("update clobbered unrelated field: %v", decoded)
	}
	if decoded["currentShapeId"] != "shape-1" {
		t.Fatalf("update did not apply: %v", decoded)
	}
}

func TestMemoryDisconnectHooksRunOnClose(t *testing.T) {
	db := NewMemory()
	session := db.Open()
	observer := db.Open()
	defer observer.Close()

	ctx := context.Background()
	if err := session.Set(ctx, "players/alpha", map[string]interface{}{"online": true}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	err := session.OnDisconnect(ctx, DisconnectOp{
		Action: DisconnectUpdate,
		Path:   "players/alpha",
		Fields: map[string]interface{}{"online": false},
	})
	if err != nil {
		t.Fatalf("unexpected hook error: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	doc, err := observer.GetDoc(ctx, "players/alpha")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded["online"] != false {
		t.Fatalf("disconnect hook did not flip online flag: %v", decoded)
	}
}

func TestMemoryWatchDeliversInitialState(t *testing.T) {
	db := NewMemory()
	session := db.Open()
	defer session.Close()

	ctx := context.Background()
	if err := session.Set(ctx, "scores/alpha", map[string]interface{}{"score": 100}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	var mu sync.Mutex
	seen := false
	_, err := session.WatchChildren(ctx, "scores", func(snapshot Snapshot) {
		mu.Lock()
		if _, ok := snapshot["alpha"]; ok {
			seen = true
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen
	})
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	db := NewMemory()
	session := db.Open()
	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := session.Set(context.Background(), "players/alpha", map[string]interface{}{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := session.WatchDoc(context.Background(), "gameState", func(json.RawMessage) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
