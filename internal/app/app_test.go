package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/models"
	badgerstorage "github.com/ternarybob/marionet/internal/storage/badger"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.Objects.Dir = t.TempDir()
	cfg.Auth.JWTSecret = "app-test-secret"
	cfg.Queue.PollInterval = "50ms"
	return cfg
}

func signToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Startup recovery runs before any client can connect, so its notifications
// must land in the hub's buffer rather than a placeholder notifier.
func TestStartupRecoveryEventsReachTheHub(t *testing.T) {
	cfg := testConfig(t)
	logger := arbor.NewLogger()

	// A run left running by the previous process
	seed, err := badgerstorage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		t.Fatalf("seed storage: %v", err)
	}
	if err := seed.RunStorage().SaveRun(context.Background(), &models.Run{
		RunID:     "run-orphan",
		RobotID:   "r1",
		UserID:    "u1",
		Status:    models.RunStatusRunning,
		BrowserID: "browser-gone",
		StartedAt: time.Now().Add(-time.Minute),
		CreatedAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close seed storage: %v", err)
	}

	a, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("app init: %v", err)
	}
	defer a.Close()

	run, err := a.StorageManager.RunStorage().GetRun(context.Background(), "run-orphan")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.RunStatusQueued {
		t.Fatalf("status = %s, want queued after recovery", run.Status)
	}
	if run.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", run.RetryCount)
	}

	// The owner was offline during recovery; the buffered run-recovered
	// event replays on the next notification connect
	srv := httptest.NewServer(http.HandlerFunc(a.WSHandler.QueuedRunHandler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + signToken(t, cfg.Auth.JWTSecret, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Event   string                 `json:"event"`
		Payload models.RunEventPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("no buffered event replayed: %v", err)
	}
	if msg.Event != models.EventRunRecovered {
		t.Errorf("event = %q, want %q", msg.Event, models.EventRunRecovered)
	}
	if msg.Payload.RunID != "run-orphan" {
		t.Errorf("payload run = %q, want run-orphan", msg.Payload.RunID)
	}
}
