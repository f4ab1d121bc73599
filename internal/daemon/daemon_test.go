package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
)

func testParams(t *testing.T) Params {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.DataDir = t.TempDir()
	return Params{Config: cfg, Logger: zap.NewNop()}
}

func TestDaemonLifecycle(t *testing.T) {
	var srv *Server
	app := fxtest.New(t, Module(testParams(t)), fx.Populate(&srv))
	app.RequireStart()
	defer app.RequireStop()

	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"recipient_id": "bob", "content": "hello"})
	req, _ := http.NewRequest(http.MethodPost, base+"/messages", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/conversations", nil)
	req.Header.Set("X-User-ID", "bob")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var list api.ConversationListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].PeerID != "alice" {
		t.Fatalf("conversations = %+v", list.Conversations)
	}
}

// A second daemon on the same data dir must fail fast instead of sharing the
// database.
func TestDaemonRefusesHeldDataDir(t *testing.T) {
	p := testParams(t)
	lk, err := lock.Acquire(p.Config.Server.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	err = app.Err()
	if err == nil {
		t.Fatal("expected startup error with lock held")
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want *lock.HeldError", err)
	}
}
