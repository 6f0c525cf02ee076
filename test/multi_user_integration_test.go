package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"botcore/internal/api"
	"botcore/internal/credentials"
	"botcore/internal/events"
	"botcore/internal/persistence"
	"botcore/internal/registry"
	"botcore/pkg/config"
	"botcore/pkg/crypto"
	"botcore/pkg/db"
	"botcore/pkg/exchange"
	"botcore/pkg/exchange/exchangetest"
)

// newRuntime wires the components the way main.go does, with the venue
// stubbed out.
func newRuntime(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)

	database, err := db.New(filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	creds := credentials.NewStore(database, km)
	bus := events.NewBus()
	recorder := persistence.NewRecorder(database, bus)
	t.Cleanup(func() { recorder.Close() })

	defaults := config.BotDefaults{
		ShortEMAPeriod: 12, LongEMAPeriod: 26, Timeframe: "15m",
		HistoryLimit: 50, OrderSizeUSDT: 25, Leverage: 10,
		StopLossPercent: 4.0, ReconnectDelaySec: 1,
	}
	factory := func(credentials.Credentials, db.BotSettings) exchange.Client {
		return exchangetest.StubClient{}
	}
	reg := registry.New(database, creds, recorder, bus, factory, defaults)

	server := api.NewServer(bus, database, reg, creds, recorder, api.SystemMeta{Version: "test"}, "test-secret")
	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(httpServer.Close)

	return httpServer, reg
}

func jsonReq(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	body := bytes.NewBuffer(nil)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewBuffer(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func onboardUser(t *testing.T, base string, n int) string {
	t.Helper()

	creds := map[string]string{
		"email":    fmt.Sprintf("user%d@example.com", n),
		"password": "secret123",
	}
	if code := jsonReq(t, http.MethodPost, base+"/api/auth/register", "", creds, nil); code != http.StatusCreated {
		t.Fatalf("register user %d: %d", n, code)
	}
	var login struct {
		Token string `json:"token"`
	}
	if code := jsonReq(t, http.MethodPost, base+"/api/auth/login", "", creds, &login); code != http.StatusOK {
		t.Fatalf("login user %d: %d", n, code)
	}
	keys := map[string]any{"api_key": "k", "api_secret": "s", "testnet": true}
	if code := jsonReq(t, http.MethodPost, base+"/api/credentials", login.Token, keys, nil); code != http.StatusOK {
		t.Fatalf("credentials user %d: %d", n, code)
	}
	return login.Token
}

// TestManyUsersIndependentBots onboards a batch of users, starts a bot for
// each concurrently, and checks the registry tracks them independently.
func TestManyUsersIndependentBots(t *testing.T) {
	server, reg := newRuntime(t)

	const users = 12
	tokens := make([]string, users)
	for i := 0; i < users; i++ {
		tokens[i] = onboardUser(t, server.URL, i)
	}

	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			payload := map[string]string{"symbol": "BTCUSDT"}
			if code := jsonReq(t, http.MethodPost, server.URL+"/api/bot/start", token, payload, nil); code != http.StatusOK {
				t.Errorf("start user %d: %d", i, code)
			}
		}(i, token)
	}
	wg.Wait()

	if got := reg.AggregateStats().Active; got != users {
		t.Fatalf("active = %d, want %d", got, users)
	}

	// One user stopping must not affect the others.
	if code := jsonReq(t, http.MethodPost, server.URL+"/api/bot/stop", tokens[0], nil, nil); code != http.StatusOK {
		t.Fatalf("stop user 0 failed")
	}
	if got := reg.AggregateStats().Active; got != users-1 {
		t.Fatalf("active after one stop = %d, want %d", got, users-1)
	}

	var status struct {
		Status string `json:"status"`
	}
	if code := jsonReq(t, http.MethodGet, server.URL+"/api/bot/status", tokens[1], nil, &status); code != http.StatusOK {
		t.Fatalf("status user 1: %d", code)
	}
	if status.Status != "streaming" {
		t.Fatalf("user 1 status = %s, want streaming", status.Status)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.StopAll(stopCtx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := reg.AggregateStats().Active; got != 0 {
		t.Fatalf("active after StopAll = %d, want 0", got)
	}
}

// TestUserCannotRunTwoBots hammers one account with concurrent starts.
func TestUserCannotRunTwoBots(t *testing.T) {
	server, reg := newRuntime(t)
	token := onboardUser(t, server.URL, 99)

	const attempts = 6
	codes := make([]int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := map[string]string{"symbol": "ETHUSDT"}
			codes[i] = jsonReq(t, http.MethodPost, server.URL+"/api/bot/start", token, payload, nil)
		}(i)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != attempts-1 {
		t.Fatalf("got %d OK and %d conflicts from %d attempts, want 1 and %d", ok, conflict, attempts, attempts-1)
	}
	if got := reg.AggregateStats().Active; got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	reg.StopUnit("ignored") // no-op for an unknown user
}
