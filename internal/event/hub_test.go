package event

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ojforge/internal/model"
)

func dialTestHub(t *testing.T, bus *Bus) *websocket.Conn {
	t.Helper()
	hub := NewHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestHubWelcomeFrame(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()
	conn := dialTestHub(t, bus)

	f := readFrame(t, conn)
	if f.Type != "welcome" {
		t.Fatalf("first frame type = %q, want welcome", f.Type)
	}
	if f.Timestamp.IsZero() {
		t.Fatal("welcome frame missing timestamp")
	}
}

func TestHubAnswersPing(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()
	conn := dialTestHub(t, bus)
	readFrame(t, conn) // welcome

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", f.Type)
	}
}

func TestHubPushesBusEvents(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()
	conn := dialTestHub(t, bus)
	readFrame(t, conn) // welcome

	bus.Publish(model.ProgressEvent{
		Kind:      model.EventTaskProgress,
		TaskID:    "t1",
		ProblemID: "p1",
		Stage:     model.StageUpload,
		Progress:  50,
	})

	f := readFrame(t, conn)
	if f.Type != model.EventTaskProgress {
		t.Fatalf("frame type = %q", f.Type)
	}
	data, ok := f.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("frame data = %T", f.Data)
	}
	if data["task_id"] != "t1" || data["problem_id"] != "p1" || data["stage"] != "upload" {
		t.Fatalf("frame data = %v", data)
	}
	if pct, _ := data["progress_pct"].(float64); pct != 50 {
		t.Fatalf("progress_pct = %v", data["progress_pct"])
	}
}
