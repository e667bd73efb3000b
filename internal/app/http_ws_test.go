package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"corkboard/api/internal/realtime"
)

func startBoardServer(t *testing.T, db *memStore) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(db, nil)
	svc.events = realtime.NewBroadcaster(svc.registry, svc.logger)
	server := NewHTTPServer(svc, svc.cfg, svc.logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func dialBoard(t *testing.T, ts *httptest.Server, boardID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/boards/" + boardID
	if token != "" {
		wsURL += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitForRoom(t *testing.T, svc *Service, boardID string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.registry.RoomSize(boardID) != size {
		if time.Now().After(deadline) {
			t.Fatalf("room %s never reached size %d", boardID, size)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	return closeErr.Code
}

func TestBoardSocketStreamsEventsInOrder(t *testing.T) {
	db := newMemStore()
	ts, svc := startBoardServer(t, db)
	owner := seedUser(db, "usr_owner", "Owner")
	seedBoard(db, "brd_1", owner.UserID, false)
	token := bearerFor(t, svc, owner)

	ws := dialBoard(t, ts, "brd_1", token)
	waitForRoom(t, svc, "brd_1", 1)

	ctx := context.Background()
	if _, err := svc.CreateList(ctx, owner, "brd_1", "Backlog"); err != nil {
		t.Fatalf("create list: %v", err)
	}
	if _, err := svc.CreateList(ctx, owner, "brd_1", "Doing"); err != nil {
		t.Fatalf("create list: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second realtime.Event
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if err := ws.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if first.Kind != realtime.KindListCreated || first.CommitSeq != 1 || first.Entity.Title != "Backlog" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.CommitSeq != 2 || second.Entity.Title != "Doing" {
		t.Fatalf("unexpected second event %+v", second)
	}
}

func TestBoardSocketAnswersPing(t *testing.T) {
	db := newMemStore()
	ts, svc := startBoardServer(t, db)
	owner := seedUser(db, "usr_owner", "Owner")
	seedBoard(db, "brd_1", owner.UserID, false)
	token := bearerFor(t, svc, owner)

	ws := dialBoard(t, ts, "brd_1", token)
	waitForRoom(t, svc, "brd_1", 1)

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if reply.Type != "pong" {
		t.Fatalf("expected pong, got %q", reply.Type)
	}
}

func TestBoardSocketCloseCodes(t *testing.T) {
	db := newMemStore()
	ts, svc := startBoardServer(t, db)
	owner := seedUser(db, "usr_owner", "Owner")
	stranger := seedUser(db, "usr_other", "Other")
	seedBoard(db, "brd_1", owner.UserID, false)
	ownerToken := bearerFor(t, svc, owner)
	strangerToken := bearerFor(t, svc, stranger)

	if code := readCloseCode(t, dialBoard(t, ts, "brd_1", "garbage")); code != realtime.CloseUnauthorized {
		t.Fatalf("bad token: expected %d, got %d", realtime.CloseUnauthorized, code)
	}
	if code := readCloseCode(t, dialBoard(t, ts, "brd_missing", ownerToken)); code != realtime.CloseNotFound {
		t.Fatalf("unknown board: expected %d, got %d", realtime.CloseNotFound, code)
	}
	if code := readCloseCode(t, dialBoard(t, ts, "brd_1", strangerToken)); code != realtime.CloseForbidden {
		t.Fatalf("no access: expected %d, got %d", realtime.CloseForbidden, code)
	}
}

func TestBoardSocketDisconnectLeavesRoom(t *testing.T) {
	db := newMemStore()
	ts, svc := startBoardServer(t, db)
	owner := seedUser(db, "usr_owner", "Owner")
	seedBoard(db, "brd_1", owner.UserID, false)
	token := bearerFor(t, svc, owner)

	ws := dialBoard(t, ts, "brd_1", token)
	waitForRoom(t, svc, "brd_1", 1)
	_ = ws.Close()
	waitForRoom(t, svc, "brd_1", 0)

	// Broadcasting into an empty room must be a no-op, not an error.
	if _, err := svc.CreateList(context.Background(), owner, "brd_1", "Backlog"); err != nil {
		t.Fatalf("create list after disconnect: %v", err)
	}
}
