package scanner

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/workers"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// maxConcurrentBatches bounds how many universe batches Scan evaluates at
// once (spec §4.2 "at most 2 concurrent batches").
const maxConcurrentBatches = 2

// MarketDataSource is the subset of the market-data provider the scanner
// reads from (keeps this package decoupled from internal/marketdata).
type MarketDataSource interface {
	Snapshot(symbol string, price, vol24h, atr5m, atr15m, bbWidth, btcCorr decimal.Decimal) *types.MarketData
	Candles(symbol string, tf types.Timeframe) []types.Candle
}

type cacheEntry struct {
	result   *types.ScanResult
	storedAt time.Time
}

// Scanner implements scan(universe, preset, snapshot_t) (spec §4.2).
type Scanner struct {
	logger *zap.Logger
	pool   *workers.Pool

	mu           sync.Mutex
	cache        map[string]cacheEntry
	ttl          time.Duration
	currentBatch int
}

// New builds a Scanner with the batching/concurrency defaults from spec
// §4.2 (batch size 20, up to 2 concurrent batches; shrinks under pressure).
func New(logger *zap.Logger) *Scanner {
	poolCfg := workers.DefaultPoolConfig("scanner")
	poolCfg.NumWorkers = runtime.NumCPU()
	if poolCfg.NumWorkers > 8 {
		poolCfg.NumWorkers = 8
	}
	return &Scanner{
		logger: logger,
		pool:   workers.NewPool(logger, poolCfg),
		cache:  make(map[string]cacheEntry),
		ttl:    5 * time.Minute,
	}
}

// Start launches the underlying worker pool.
func (s *Scanner) Start(ctx context.Context) { s.pool.Start() }

// Stop drains the underlying worker pool.
func (s *Scanner) Stop() error { return s.pool.Stop() }

// ClearCache is called on preset change (spec §4.2).
func (s *Scanner) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

func (s *Scanner) cacheKey(symbol string, bucket time.Time) string {
	return symbol + "|" + bucket.Truncate(time.Minute).String()
}

// Scan runs the four-stage filter pipeline, scores survivors, detects
// levels for the top-N, and returns a ranked, ordered []*ScanResult.
func (s *Scanner) Scan(ctx context.Context, universe []string, preset *config.TradingPreset, mds map[string]*types.MarketData) []*types.ScanResult {
	filterStages := stages(preset)

	var mu sync.Mutex
	results := make([]*types.ScanResult, 0, len(universe))
	passed := make(map[string]*types.MarketData)

	batchSize := s.batchSize()
	var batches [][]string
	for start := 0; start < len(universe); start += batchSize {
		end := start + batchSize
		if end > len(universe) {
			end = len(universe)
		}
		batches = append(batches, universe[start:end])
	}

	// At most maxConcurrentBatches batches run at once (spec §4.2); within
	// each batch, every symbol's evaluation is submitted to the bounded
	// worker pool via SubmitWait so actual concurrency never exceeds the
	// pool's worker count regardless of how many goroutines queue up.
	batchSem := make(chan struct{}, maxConcurrentBatches)
	var batchWG sync.WaitGroup
	for _, batch := range batches {
		batch := batch
		batchWG.Add(1)
		batchSem <- struct{}{}
		go func() {
			defer batchWG.Done()
			defer func() { <-batchSem }()

			var symWG sync.WaitGroup
			for _, symbol := range batch {
				md, ok := mds[symbol]
				if !ok {
					continue
				}
				symWG.Add(1)
				sym, data := symbol, md
				go func() {
					defer symWG.Done()
					task := workers.TaskFunc(func() error {
						sr := s.evaluate(sym, data, filterStages, preset)
						mu.Lock()
						results = append(results, sr)
						if sr.PassedAllFilters() {
							passed[sym] = data
						}
						mu.Unlock()
						return nil
					})
					if err := s.pool.SubmitWait(task); err != nil {
						s.logger.Warn("scanner evaluation submit failed", zap.String("symbol", sym), zap.Error(err))
					}
				}()
			}
			symWG.Wait()
		}()
	}
	batchWG.Wait()

	if len(passed) > 0 {
		s.applyScores(results, preset, passed)
	}

	sortScanResults(results)

	maxCandidates := preset.ScannerConfig.MaxCandidates
	for i, sr := range results {
		if i >= maxCandidates || !sr.PassedAllFilters() {
			continue
		}
		atr := sr.MarketData.ATR5m
		sr.Levels = DetectLevels(sr.MarketData.Candles15m, preset, atr)
	}
	return results
}

func (s *Scanner) batchSize() int {
	// Resource-governor hook: the governor's sampler lowers this via
	// SetBatchSize under memory pressure (spec §4.2, §4.8).
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentBatch == 0 {
		return 20
	}
	return s.currentBatch
}

// SetBatchSize lets the resource governor shrink batch size under memory
// pressure (85% -> 10, back to 20 below that; spec §4.2).
func (s *Scanner) SetBatchSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentBatch = n
}

func (s *Scanner) evaluate(symbol string, md *types.MarketData, filterStages []filterStage, preset *config.TradingPreset) *types.ScanResult {
	sr := &types.ScanResult{
		Symbol:        symbol,
		MarketData:    md,
		FilterResults: make(map[string]bool),
		FilterDetails: make(map[string]map[string]any),
		Timestamp:     time.Now(),
	}
	for _, stage := range filterStages {
		ok, details := stage.eval(md, preset)
		sr.FilterResults[stage.name] = ok
		if details != nil {
			sr.FilterDetails[stage.name] = details
		}
		if !ok {
			// Continue evaluating remaining filters for full diagnostic
			// attribution (spec §4.2: "fixed order so attribution is stable"
			// does not require short-circuiting, unlike the risk gates).
			continue
		}
	}
	return sr
}

func (s *Scanner) applyScores(results []*types.ScanResult, preset *config.TradingPreset, passed map[string]*types.MarketData) {
	volSurge5m := make(map[string]decimal.Decimal)
	volSurge1h := make(map[string]decimal.Decimal)
	atrMid := make(map[string]decimal.Decimal)
	for sym, md := range passed {
		volSurge5m[sym] = md.VolSurge5m
		volSurge1h[sym] = md.VolSurge1h
		atrMid[sym] = preset.VolatilityFilters.ATRRangeMin.Add(preset.VolatilityFilters.ATRRangeMax).Div(decimal.NewFromInt(2))
	}
	scores, components := Score(preset, passed, volSurge5m, volSurge1h, atrMid)
	for _, sr := range results {
		if sc, ok := scores[sr.Symbol]; ok {
			sr.Score = sc
			sr.ScoreComponents = components[sr.Symbol]
		}
	}
}
