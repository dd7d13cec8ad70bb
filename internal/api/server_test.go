// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-breakout/engine/internal/api"
	"github.com/atlas-breakout/engine/internal/data"
	"github.com/atlas-breakout/engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	logger := zap.NewNop()
	
	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}
	
	config := &types.ServerConfig{WebSocketPath: "/ws"}
	server := api.NewServer(logger, config, dataStore)
	ts := httptest.NewServer(server.Router())
	
	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()
	
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", result["status"])
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("Symbols request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	// Should have at least one symbol (defaults are returned when no data is loaded)
	if len(result.Symbols) == 0 {
		t.Error("Expected at least one symbol")
	}
}

func TestBacktestEndpoints(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	// Create backtest request
	config := types.BacktestConfig{
		ID:             "test-http-backtest",
		Symbols:        []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
	}
	
	body, _ := json.Marshal(config)
	
	// Start backtest
	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest run request failed: %v", err)
	}
	defer resp.Body.Close()
	
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	backtestID, ok := result["id"].(string)
	if !ok {
		t.Fatal("Response missing backtest ID")
	}

	// Check status (might be running, completed or failed)
	time.Sleep(100 * time.Millisecond)

	resp, err = http.Get(ts.URL + "/api/v1/backtest/" + backtestID)
	if err != nil {
		t.Fatalf("Backtest status request failed: %v", err)
	}
	defer resp.Body.Close()
	
	// Status endpoint should work
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unexpected status code: %d", resp.StatusCode)
	}
}

func TestWebSocketConnection(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	// Convert HTTP URL to WebSocket URL
	wsURL := "ws" + ts.URL[4:] + "/ws"
	
	// Connect via WebSocket
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v (response: %v)", err, resp)
	}
	defer conn.Close()
	
	// Send ping message
	pingMsg := api.Message{
		ID:     "test-ping-1",
		Type:   "request",
		Method: "ping",
	}

	if err := conn.WriteJSON(pingMsg); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	// Wait for pong response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}

	if payload, _ := response.Payload.(map[string]interface{}); payload["pong"] != "ok" {
		t.Errorf("Expected pong payload, got '%v'", response.Payload)
	}
	
	if response.ID != pingMsg.ID {
		t.Errorf("Response ID mismatch: expected '%s', got '%s'", pingMsg.ID, response.ID)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	wsURL := "ws" + ts.URL[4:] + "/ws"
	
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()
	
	// Subscribe to a topic
	subMsg := api.Message{
		ID:      "test-sub-1",
		Type:    "request",
		Method:  "subscribe",
		Payload: map[string]string{"channel": "backtest:test-123"},
	}

	if err := conn.WriteJSON(subMsg); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}

	// Wait for response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if response.Error != "" {
		t.Errorf("Subscribe failed: %s", response.Error)
	}

	// Unsubscribe
	unsubMsg := api.Message{
		ID:      "test-unsub-1",
		Type:    "request",
		Method:  "unsubscribe",
		Payload: map[string]string{"channel": "backtest:test-123"},
	}

	if err := conn.WriteJSON(unsubMsg); err != nil {
		t.Fatalf("Failed to send unsubscribe: %v", err)
	}

	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read unsubscribe response: %v", err)
	}

	if response.Error != "" {
		t.Errorf("Unsubscribe failed: %s", response.Error)
	}
}

func TestWebSocketBacktestRun(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	wsURL := "ws" + ts.URL[4:] + "/ws"
	
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()
	
	// Run backtest via WebSocket
	config := types.BacktestConfig{
		ID:             "test-ws-backtest",
		Symbols:        []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
	}
	
	runMsg := api.Message{
		ID:      "test-run-1",
		Type:    "request",
		Method:  "backtest:run",
		Payload: config,
	}
	
	if err := conn.WriteJSON(runMsg); err != nil {
		t.Fatalf("Failed to send backtest:run: %v", err)
	}
	
	// Read responses (should get at least one)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	
	for {
		var response api.Message
		if err := conn.ReadJSON(&response); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			// Timeout is expected if backtest completes quickly
			break
		}

		t.Logf("Received: type=%s method=%s error=%s", response.Type, response.Method, response.Error)

		if response.Method == "backtest:complete" {
			break
		}
	}
}

func TestConcurrentConnections(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()
	
	wsURL := "ws" + ts.URL[4:] + "/ws"
	
	// Create multiple concurrent connections
	numConnections := 5
	conns := make([]*websocket.Conn, numConnections)
	
	for i := 0; i < numConnections; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Connection %d failed: %v", i, err)
		}
		conns[i] = conn
	}
	
	// Send ping from each
	for i, conn := range conns {
		pingMsg := api.Message{
			ID:     string(rune('0' + i)),
			Type:   "request",
			Method: "ping",
		}
		
		if err := conn.WriteJSON(pingMsg); err != nil {
			t.Errorf("Connection %d: failed to send ping: %v", i, err)
		}
	}
	
	// Verify all respond
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		
		var response api.WSMessage
		if err := conn.ReadJSON(&response); err != nil {
			t.Errorf("Connection %d: failed to read pong: %v", i, err)
		}
		
		if response.Type != "pong" {
			t.Errorf("Connection %d: expected 'pong', got '%s'", i, response.Type)
		}
	}
	
	// Close all connections
	for _, conn := range conns {
		conn.Close()
	}
}

func TestServerShutdown(t *testing.T) {
	logger := zap.NewNop()
	
	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}
	
	config := &types.ServerConfig{Host: "127.0.0.1", Port: 18081, WebSocketPath: "/ws"}
	server := api.NewServer(logger, config, dataStore)

	// Start server in background
	go func() {
		server.Start()
	}()
	
	// Give it time to start
	time.Sleep(100 * time.Millisecond)
	
	// Create context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	
	// Shutdown should complete gracefully
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
}
