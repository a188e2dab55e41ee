package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bintlabs/go-sync-db/internal/api/handlers"
)

func TestWatchHub_NotifyReachesConnectedClient(t *testing.T) {
	hub := handlers.NewWatchHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWatch))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give HandleWatch's goroutine a moment to register the connection
	// before Notify fans out.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.Notify(7)
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var got handlers.VersionNotification
		if err := conn.ReadJSON(&got); err == nil {
			if got.LatestVersion != 7 {
				t.Fatalf("latest version = %d, want 7", got.LatestVersion)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("never received a version notification")
		}
	}
}

func TestWatchHub_NotifyWithNoClientsIsNoOp(t *testing.T) {
	hub := handlers.NewWatchHub(nil)
	hub.Notify(1) // must not panic or block with zero connected clients
}
