package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
	"boardsync/realtime"
)

type fakeUsers struct{}

func (fakeUsers) FetchUser(_ context.Context, userID string) (domain.User, error) {
	if userID == "ghost" {
		return domain.User{}, domain.ErrNotFound
	}
	return domain.User{ID: userID, Email: userID + "@example.com"}, nil
}

type fakeBoardStore struct{}

func (fakeBoardStore) FetchColumn(_ context.Context, boardID, columnID string) (domain.Column, error) {
	return domain.Column{ID: columnID, BoardID: boardID}, nil
}

func (fakeBoardStore) CreateColumn(_ context.Context, col domain.Column) (domain.Column, error) {
	return col, nil
}

func (fakeBoardStore) UpdateColumn(_ context.Context, p domain.UpdateColumnPayload) (domain.Column, error) {
	return domain.Column{}, domain.ErrNotFound
}

func (fakeBoardStore) DeleteColumn(_ context.Context, boardID, columnID string) error { return nil }

func (fakeBoardStore) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	return task, nil
}

func (fakeBoardStore) UpdateTask(_ context.Context, p domain.UpdateTaskPayload) (domain.Task, error) {
	return domain.Task{}, domain.ErrNotFound
}

func (fakeBoardStore) DeleteTask(_ context.Context, boardID, taskID string) error { return nil }

func (fakeBoardStore) UpdateBoard(_ context.Context, p domain.UpdateBoardPayload) (domain.Board, error) {
	return domain.Board{}, domain.ErrNotFound
}

func (fakeBoardStore) DeleteBoard(_ context.Context, boardID string) error { return nil }

const testSecret = "integration-test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, nil, collector, logger)
	gateway := realtime.NewGateway(fakeBoardStore{}, broadcaster, nil, collector, logger)

	e := echo.New()
	Register(e, Deps{
		Auth:           NewSharedSecretAuth([]byte(testSecret), "", ""),
		Users:          fakeUsers{},
		Registry:       registry,
		Gateway:        gateway,
		Collector:      collector,
		Logger:         logger,
		AllowedOrigins: []string{"*"},
	})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func signTestToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func dialSocket(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := domain.Envelope{Event: event, Data: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func TestSocketRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=not.a.token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake to fail with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
	resp.Body.Close()
}

func TestSocketRejectsUnknownSubject(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + signTestToken(t, "ghost")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake to fail for an unknown subject")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
	resp.Body.Close()
}

func TestSocketRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
	resp.Body.Close()
}

func TestMutationEchoesToOriginAndRoom(t *testing.T) {
	srv := newTestServer(t)

	alice := dialSocket(t, srv, signTestToken(t, "alice"))
	bob := dialSocket(t, srv, signTestToken(t, "bob"))

	sendEvent(t, alice, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	sendEvent(t, bob, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	// joins are processed asynchronously on each session's read pump
	time.Sleep(100 * time.Millisecond)

	sendEvent(t, alice, domain.ColumnCreate, domain.CreateColumnPayload{BoardID: "b1", Title: "Doing"})

	for name, conn := range map[string]*websocket.Conn{"origin": alice, "peer": bob} {
		env := readEvent(t, conn)
		if env.Event != domain.ColumnCreate {
			t.Fatalf("%s: expected column-create, got %s", name, env.Event)
		}
		var col domain.Column
		if err := json.Unmarshal(env.Data, &col); err != nil {
			t.Fatalf("%s: unmarshal column: %v", name, err)
		}
		if col.Title != "Doing" || col.BoardID != "b1" {
			t.Fatalf("%s: unexpected column %+v", name, col)
		}
		if col.UserID != "alice" {
			t.Fatalf("%s: expected column attributed to alice, got %s", name, col.UserID)
		}
	}
}

func TestRoomIsolation(t *testing.T) {
	srv := newTestServer(t)

	alice := dialSocket(t, srv, signTestToken(t, "alice"))
	carol := dialSocket(t, srv, signTestToken(t, "carol"))

	sendEvent(t, alice, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	sendEvent(t, carol, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b2"})
	time.Sleep(100 * time.Millisecond)

	sendEvent(t, alice, domain.TaskCreate, domain.CreateTaskPayload{BoardID: "b1", ColumnID: "c1", Title: "X"})

	if env := readEvent(t, alice); env.Event != domain.TaskCreate {
		t.Fatalf("expected task-create echo, got %s", env.Event)
	}

	if err := carol.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var env domain.Envelope
	if err := carol.ReadJSON(&env); err == nil {
		t.Fatalf("carol must not receive events for board b1, got %s", env.Event)
	}
}

func TestFailureVisibleToOriginOnly(t *testing.T) {
	srv := newTestServer(t)

	alice := dialSocket(t, srv, signTestToken(t, "alice"))
	bob := dialSocket(t, srv, signTestToken(t, "bob"))

	sendEvent(t, alice, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	sendEvent(t, bob, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	time.Sleep(100 * time.Millisecond)

	// fakeBoardStore reports every task update as not found
	sendEvent(t, alice, domain.TaskUpdate, map[string]string{"taskId": "t1", "boardId": "b1"})

	env := readEvent(t, alice)
	if env.Event != "task-update-failure" {
		t.Fatalf("expected task-update-failure, got %s", env.Event)
	}

	if err := bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var spill domain.Envelope
	if err := bob.ReadJSON(&spill); err == nil {
		t.Fatalf("bob must not see alice's failure, got %s", spill.Event)
	}
}

func TestRateLimitedFramesDiscardedWithoutClosing(t *testing.T) {
	srv := newTestServer(t)

	alice := dialSocket(t, srv, signTestToken(t, "alice"))
	bob := dialSocket(t, srv, signTestToken(t, "bob"))

	sendEvent(t, alice, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	sendEvent(t, bob, domain.BoardJoin, domain.JoinBoardPayload{BoardID: "b1"})
	time.Sleep(100 * time.Millisecond)

	const sent = 60
	for i := 0; i < sent; i++ {
		sendEvent(t, alice, domain.ColumnCreate, domain.CreateColumnPayload{BoardID: "b1", Title: "burst"})
	}

	// The origin is told about the discarded frames.
	for {
		env := readEvent(t, alice)
		if env.Event != "column-create-failure" {
			continue
		}
		var failure domain.FailurePayload
		if err := json.Unmarshal(env.Data, &failure); err != nil {
			t.Fatalf("unmarshal failure: %v", err)
		}
		if failure.Message != "rate limit exceeded" {
			t.Fatalf("unexpected failure message %q", failure.Message)
		}
		break
	}

	// The connection survives: once the limiter refills, a new mutation
	// still reaches the room.
	time.Sleep(time.Second)
	sendEvent(t, alice, domain.ColumnCreate, domain.CreateColumnPayload{BoardID: "b1", Title: "after-burst"})

	// bob's frames arrive in the order alice's were accepted, so counting
	// up to the marker covers the whole burst. Frames beyond the burst were
	// discarded, so fewer broadcasts than sends arrive.
	received := 0
	for {
		env := readEvent(t, bob)
		if env.Event != domain.ColumnCreate {
			continue
		}
		var col domain.Column
		if err := json.Unmarshal(env.Data, &col); err != nil {
			t.Fatalf("unmarshal column: %v", err)
		}
		if col.Title == "after-burst" {
			break
		}
		received++
	}
	if received == 0 {
		t.Fatal("expected at least one broadcast before the limit kicked in")
	}
	if received >= sent {
		t.Fatalf("expected frames beyond the burst to be discarded, bob got all %d", received)
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t)

	alice := dialSocket(t, srv, signTestToken(t, "alice"))

	oversize := bytes.Repeat([]byte("a"), 70*1024)
	if err := alice.WriteMessage(websocket.TextMessage, oversize); err != nil {
		t.Fatalf("write oversize frame: %v", err)
	}

	if err := alice.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after an oversize frame")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
