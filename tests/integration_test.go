// Package integration_test provides end-to-end integration tests.
package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/atlas-breakout/engine/internal/api"
	"github.com/atlas-breakout/engine/internal/data"
	"github.com/atlas-breakout/engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T, port int) string {
	t.Helper()
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	serverConfig := &types.ServerConfig{
		Host:           "localhost",
		Port:           port,
		WebSocketPath:  "/ws",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 10,
	}
	server := api.NewServer(logger, serverConfig, dataStore)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	return "http://localhost:" + strconv.Itoa(port)
}

// TestFullBacktestWorkflow exercises the HTTP surface end to end: health,
// symbol discovery, historical data retrieval, and a full backtest run.
func TestFullBacktestWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	baseURL := startTestServer(t, 18082)

	t.Log("Step 1: health check")
	resp, err := http.Get(baseURL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health check returned %d", resp.StatusCode)
	}

	t.Log("Step 2: list symbols")
	resp, err = http.Get(baseURL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("get symbols failed: %v", err)
	}
	var symbolsResp struct {
		Symbols []string `json:"symbols"`
	}
	json.NewDecoder(resp.Body).Decode(&symbolsResp)
	resp.Body.Close()

	if len(symbolsResp.Symbols) == 0 {
		t.Fatal("no symbols available, even via the fallback default list")
	}
	symbol := symbolsResp.Symbols[0]

	t.Log("Step 3: historical data")
	startTime := time.Now().AddDate(0, -1, 0).Format(time.RFC3339)
	endTime := time.Now().Format(time.RFC3339)
	historyURL := baseURL + "/api/v1/data/history/" + url.PathEscape(symbol) +
		"?timeframe=1h&start=" + url.QueryEscape(startTime) + "&end=" + url.QueryEscape(endTime)

	resp, err = http.Get(historyURL)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	var history struct {
		Bars  []types.OHLCV `json:"bars"`
		Count int           `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&history)
	resp.Body.Close()
	t.Logf("retrieved %d bars for %s", history.Count, symbol)

	t.Log("Step 4: run a backtest")
	config := types.BacktestConfig{
		ID:             "integration-test",
		Symbols:        []string{symbol},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		Slippage: types.SlippageConfig{
			Model:        "fixed",
			BaseBps:      10,
			ImpactFactor: decimal.NewFromFloat(0.1),
		},
	}
	configJSON, _ := json.Marshal(config)

	resp, err = http.Post(baseURL+"/api/v1/backtest/run", "application/json", bytes.NewReader(configJSON))
	if err != nil {
		t.Fatalf("run backtest failed: %v", err)
	}
	var runResult map[string]string
	json.NewDecoder(resp.Body).Decode(&runResult)
	resp.Body.Close()

	backtestID := runResult["id"]
	if backtestID == "" {
		t.Fatal("backtest run did not return an id")
	}

	t.Log("Step 5: poll for completion")
	var status map[string]interface{}
	for i := 0; i < 30; i++ {
		time.Sleep(200 * time.Millisecond)

		resp, err = http.Get(baseURL + "/api/v1/backtest/" + backtestID)
		if err != nil {
			continue
		}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if s, _ := status["status"].(string); s == "completed" || s == "failed" {
			break
		}
	}

	t.Logf("final status: %v", status["status"])
}

// TestLiveWebSocketFeed verifies the live position/account websocket hub
// accepts connections and delivers a heartbeat.
func TestLiveWebSocketFeed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping websocket integration test in short mode")
	}

	logger := zap.NewNop()
	hub := api.NewHub(logger)
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/live", hub.ServeWS)
	httpServer := &http.Server{Addr: ":18086", Handler: mux}
	go httpServer.ListenAndServe()
	defer httpServer.Close()
	time.Sleep(100 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:18086/ws/live", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// The hub's heartbeat ticker fires every 30s, so wait past one period.
	conn.SetReadDeadline(time.Now().Add(35 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("expected a message from the hub, got error: %v", err)
	}
}
