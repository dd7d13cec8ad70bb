// Package main is the entry point for the breakout trading engine: it wires
// the exchange adapter, market-data provider, scanner, strategy registry,
// risk manager, sizer, execution manager, position manager, and diagnostics
// collector into one orchestrator.Orchestrator, then serves the control/
// diagnostic HTTP API alongside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-breakout/engine/internal/api"
	"github.com/atlas-breakout/engine/internal/data"
	"github.com/atlas-breakout/engine/internal/diagnostics"
	"github.com/atlas-breakout/engine/internal/events"
	"github.com/atlas-breakout/engine/internal/exchange"
	"github.com/atlas-breakout/engine/internal/exchange/bybit"
	"github.com/atlas-breakout/engine/internal/exchange/paper"
	"github.com/atlas-breakout/engine/internal/execution"
	"github.com/atlas-breakout/engine/internal/governor"
	"github.com/atlas-breakout/engine/internal/ledger"
	"github.com/atlas-breakout/engine/internal/marketdata"
	"github.com/atlas-breakout/engine/internal/orchestrator"
	"github.com/atlas-breakout/engine/internal/position"
	"github.com/atlas-breakout/engine/internal/risk"
	"github.com/atlas-breakout/engine/internal/scanner"
	"github.com/atlas-breakout/engine/internal/sizing"
	"github.com/atlas-breakout/engine/internal/strategy"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

const btcSymbol = "BTC/USDT"

func main() {
	host := flag.String("host", "localhost", "Server host")
	port := flag.Int("port", 8080, "Server port")
	dataDir := flag.String("data", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	presetPath := flag.String("preset", "./configs/preset.yaml", "Trading preset YAML path")
	systemConfigPath := flag.String("system-config", "", "Optional system settings file (yaml/json/toml)")
	orderBookDepth := flag.Int("orderbook-depth", 50, "L2 order book subscription depth")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	settings, err := config.LoadSystemSettings(*systemConfigPath)
	if err != nil {
		logger.Fatal("failed to load system settings", zap.Error(err))
	}

	preset, warnings, err := config.LoadPreset(*presetPath)
	if err != nil {
		logger.Fatal("failed to load trading preset", zap.Error(err))
	}
	for _, w := range warnings {
		logger.Warn("preset warning", zap.String("warning", w))
	}

	logger.Info("starting atlas breakout engine",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("trading_mode", settings.TradingMode),
		zap.String("preset", preset.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := buildAdapter(logger, settings)
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatal("failed to connect exchange adapter", zap.Error(err))
	}

	markets, err := adapter.LoadMarkets(ctx)
	if err != nil {
		logger.Fatal("failed to load markets", zap.Error(err))
	}
	universe, marketSpecs := buildUniverse(markets, preset.ScannerConfig)
	logger.Info("universe loaded", zap.Int("symbols", len(universe)))

	dataStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}

	provider := marketdata.New(logger, adapter)
	if err := provider.Start(ctx, universe, *orderBookDepth); err != nil {
		logger.Fatal("failed to start market data provider", zap.Error(err))
	}

	diag := diagnostics.New(logger, 2000)
	scnr := scanner.New(logger)
	strategies := strategy.NewRegistry(logger, diag)
	riskMgr := risk.New(logger, provider)
	riskMgr.SetPreset(preset)
	sizer := sizing.New(logger)
	execMgr := execution.New(logger, adapter, preset)
	posMgr := position.New(logger, preset)

	startingEquity := decimal.NewFromFloat(settings.PaperStartingBalance)
	book := ledger.New(startingEquity)

	wsHub := api.NewHub(logger)
	go wsHub.Run()

	eventBus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	if err := eventBus.Start(ctx); err != nil {
		logger.Fatal("failed to start event bus", zap.Error(err))
	}
	defer eventBus.Stop()
	eventBus.Subscribe(events.EventTypePosition, func(evt events.Event) error {
		pe := evt.(*events.PositionEvent)
		logger.Debug("position event",
			zap.String("symbol", pe.Symbol),
			zap.String("side", pe.Side),
			zap.Float64("unrealized_pnl", pe.UnrealizedPnL),
			zap.Float64("realized_pnl", pe.RealizedPnL),
		)
		return nil
	})

	book.OnChange(func(pos types.Position) {
		wsHub.BroadcastPositionUpdate(&pos)
		eventBus.Publish(events.NewPositionEvent(
			pos.Symbol, string(pos.Side),
			pos.QtyOpen, pos.EntryPrice, pos.EntryPrice,
			decimal.Zero, pos.RealizedPnLUSD,
		))
	})

	marketSpecOf := func(symbol string) types.MarketSpec {
		if spec, ok := marketSpecs[symbol]; ok {
			return spec
		}
		return types.MarketSpec{Symbol: symbol}
	}

	orch := orchestrator.New(logger, orchestrator.Deps{
		Scanner:    scnr,
		Strategies: strategies,
		Risk:       riskMgr,
		Sizer:      sizer,
		Execution:  execMgr,
		Positions:  posMgr,
		Diag:       diag,
		Ledger:     book,

		MarketData:     provider,
		BTCSymbol:      btcSymbol,
		Preset:         func() *config.TradingPreset { return preset },
		Universe:       func() []string { return universe },
		AccountEquity:  book.Equity,
		OpenPositions:  book.OpenPositions,
		MarketSpec:     marketSpecOf,
		NextPositionID: book.NextPositionID,
	})

	serverConfig := &types.ServerConfig{
		Host:           *host,
		Port:           *port,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
		MetricsPort:    9090,
	}
	server := api.NewServer(logger, serverConfig, dataStore)
	api.NewExtendedServer(logger, server.Router(), orch, riskMgr, diag, book.OpenPositions)
	server.Router().HandleFunc("/ws/live", wsHub.ServeWS)

	go riskMetricsLoop(ctx, riskMgr, book, preset)

	gov := governor.New(logger, scnr)
	go gov.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := orch.Start(ctx); err != nil {
			logger.Error("orchestrator failed to start", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", *host, *port)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	if err := orch.Stop(); err != nil {
		logger.Error("error stopping orchestrator", zap.Error(err))
	}
	if err := adapter.Disconnect(); err != nil {
		logger.Error("error disconnecting exchange adapter", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("engine stopped")
}

// buildAdapter selects the live Bybit adapter or the paper simulator per
// system_settings.trading_mode (spec §6 "trading_mode").
func buildAdapter(logger *zap.Logger, settings *config.SystemSettings) exchange.Adapter {
	if settings.TradingMode == "live" {
		return bybit.New(logger, bybit.Config{
			APIKey:    settings.ExchangeAPIKey,
			APISecret: settings.ExchangeAPISecret,
			Testnet:   false,
			WSDepth:   50,
		})
	}
	return paper.New(logger, paper.Config{
		StartingBalanceUSD: decimal.NewFromFloat(settings.PaperStartingBalance),
		SlippageA:          decimal.NewFromFloat(settings.PaperSlippageBps),
		SlippageB:          decimal.NewFromFloat(0.1),
		TakerFeeBps:        decimal.NewFromFloat(5.5),
		MakerFeeBps:        decimal.NewFromFloat(2),
		SimulatedLatency:   50 * time.Millisecond,
	})
}

// buildUniverse applies the scanner's whitelist/blacklist config over every
// market the adapter reports (spec §4.2 "universe").
func buildUniverse(markets []types.MarketSpec, cfg config.ScannerConfig) ([]string, map[string]types.MarketSpec) {
	blacklist := make(map[string]bool, len(cfg.SymbolBlacklist))
	for _, s := range cfg.SymbolBlacklist {
		blacklist[s] = true
	}

	specs := make(map[string]types.MarketSpec, len(markets))
	for _, m := range markets {
		specs[m.Symbol] = m
	}

	var universe []string
	if len(cfg.SymbolWhitelist) > 0 {
		universe = append(universe, cfg.SymbolWhitelist...)
	} else {
		for _, m := range markets {
			if !blacklist[m.Symbol] {
				universe = append(universe, m.Symbol)
			}
		}
	}
	return universe, specs
}

// riskMetricsLoop keeps the risk manager's account-level snapshot fresh so
// the kill-switch/correlation gates evaluate against current state (spec
// §4.4 "evaluated once per cycle against a fresh snapshot").
func riskMetricsLoop(ctx context.Context, riskMgr *risk.Manager, book *ledger.Book, preset *config.TradingPreset) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			riskMgr.UpdateMetrics(book.RiskMetrics(preset.Risk.DailyRiskLimit))
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
