// Package scheduler is the Scheduler (C8): one cron entry per enabled
// timeframe for the signal tick and the range monitor, plus one global
// harvest tick and one hourly balance-snapshot tick, each guarded by a
// reentrancy lease so a tick that is still running when the next one
// fires is skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"binrange-core/internal/config"
	"binrange-core/internal/domain"
	"binrange-core/internal/indicator"
	"binrange-core/internal/observability"
	"binrange-core/internal/position"
	"binrange-core/internal/store"
	"binrange-core/internal/wallet"
)

const (
	minBuyBase   = 0.01
	minSellQuote = 10.0

	extremeBufferMultiplier = 1.5
	harvestTickPeriod       = time.Minute
	balanceSnapshotPeriod   = time.Hour
)

// Scheduler is the cron-driven decision loop tying IndicatorCache,
// WalletService and PositionManager together.
type Scheduler struct {
	cron      *cron.Cron
	cfg       *config.Store
	store     *store.PositionStore
	manager   *position.Manager
	indicator *indicator.Cache
	wallet    *wallet.Service
	symbol    string
	logger    *log.Logger

	leases sync.Map // leaseKey -> struct{}
}

// New creates a Scheduler. symbol is the vendor market symbol
// (IndicatorCache/MarketDataClient key) the trading pair trades under.
func New(cfg *config.Store, s *store.PositionStore, manager *position.Manager, ind *indicator.Cache, w *wallet.Service, symbol string, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.PrintfLogger(logger)))),
		cfg:       cfg,
		store:     s,
		manager:   manager,
		indicator: ind,
		wallet:    w,
		symbol:    symbol,
		logger:    logger,
	}
}

// Start registers every cron entry for the currently enabled timeframes
// and starts the cron runtime. Enabled timeframes are fixed for the
// process lifetime (pool/timeframe configuration is
// immutable after startup), so entries are built once here.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, tf := range s.cfg.Get().EnabledTimeframes {
		tf := tf
		expr := cronEveryExpr(tf.Period())

		if _, err := s.cron.AddFunc(expr, func() { s.evaluateSignal(ctx, tf) }); err != nil {
			return fmt.Errorf("scheduler: register signal tick for %s: %w", tf, err)
		}
		if _, err := s.cron.AddFunc(expr, func() { s.rangeMonitor(ctx, tf) }); err != nil {
			return fmt.Errorf("scheduler: register range monitor for %s: %w", tf, err)
		}
	}

	if _, err := s.cron.AddFunc(cronEveryExpr(harvestTickPeriod), func() { s.globalHarvestTick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register harvest tick: %w", err)
	}

	if _, err := s.cron.AddFunc(cronEveryExpr(balanceSnapshotPeriod), func() { s.balanceSnapshotTick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register balance snapshot tick: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runtime and waits for any in-flight job to
// return. This only stops new ticks from firing; the
// caller is still responsible for awaiting PositionManager's in-flight
// close phases before persisting and exiting.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// evaluateSignal is the per-timeframe signal tick.
func (s *Scheduler) evaluateSignal(ctx context.Context, tf domain.Timeframe) {
	key := leaseKey(string(tf), "signal")
	if !s.acquire(key) {
		observability.RecordLeaseContention(string(tf), "signal")
		return
	}
	defer s.release(key)

	cfg := s.cfg.Get()
	th := indicator.Thresholds{Oversold: cfg.Oversold, Overbought: cfg.Overbought}

	rsi, err := s.indicator.RSI(ctx, s.symbol, tf, cfg.RSIPeriod, true, th)
	if err != nil {
		s.logger.Printf("evaluate_signal(%s): rsi read failed, skipping tick: %v", tf, err)
		return
	}
	price, err := s.indicator.SpotPrice(ctx, s.symbol)
	if err != nil {
		s.logger.Printf("evaluate_signal(%s): price read failed, skipping tick: %v", tf, err)
		return
	}

	active := s.store.ActiveByTimeframe(tf)

	switch rsi.Signal {
	case domain.SignalOversold:
		s.pursueSide(ctx, tf, active, domain.SideBuy, price)
	case domain.SignalOverbought:
		s.pursueSide(ctx, tf, active, domain.SideSell, price)
	case domain.SignalNeutral:
		if active != nil && s.extremelyOutOfRange(active, price) {
			s.logger.Printf("evaluate_signal(%s): neutral signal but price %.6f extremely out of range, closing %s", tf, price, active.ID)
			if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
				s.logger.Printf("evaluate_signal(%s): close %s failed: %v", tf, active.ID, err)
				observability.RecordTickError(string(tf), "signal")
			}
		}
	}
}

// pursueSide implements one arm of the signal decision: if active
// already matches the desired side and is still in range, do nothing;
// otherwise close it (wait 1s), then open a freshly sized position on
// the desired side.
func (s *Scheduler) pursueSide(ctx context.Context, tf domain.Timeframe, active *domain.Position, desired domain.Side, price float64) {
	if active != nil && active.Side == desired && s.manager.IsInValidRange(ctx, active, price) {
		return
	}
	if active != nil {
		if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
			s.logger.Printf("evaluate_signal(%s): close %s before reopening: %v", tf, active.ID, err)
			return
		}
		if !sleepOrDone(ctx, time.Second) {
			return
		}
	}

	amount, err := s.sizeFor(ctx, tf, desired)
	if err != nil {
		s.logger.Printf("evaluate_signal(%s): balance read failed, skipping create: %v", tf, err)
		return
	}
	if desired == domain.SideBuy && amount < minBuyBase {
		s.logger.Printf("evaluate_signal(%s): sized BUY amount %.6f below minimum, skipping", tf, amount)
		return
	}
	if desired == domain.SideSell && amount < minSellQuote {
		s.logger.Printf("evaluate_signal(%s): sized SELL amount %.6f below minimum, skipping", tf, amount)
		return
	}

	if _, err := s.manager.Create(ctx, tf, desired, amount); err != nil {
		s.logger.Printf("evaluate_signal(%s): create %s failed: %v", tf, desired, err)
	}
}

func (s *Scheduler) sizeFor(ctx context.Context, tf domain.Timeframe, side domain.Side) (float64, error) {
	bal, err := s.wallet.Balance(ctx)
	if err != nil {
		return 0, err
	}
	factor := s.cfg.Get().PositionFactors[tf]
	if side == domain.SideBuy {
		return bal.Base * factor, nil
	}
	return bal.Quote * factor, nil
}

// rangeMonitor is the per-timeframe range-monitor tick: refreshes the
// cached (non-forced) RSI and closes the ACTIVE position on an
// overbought/oversold condition for its side, or on a range exit.
func (s *Scheduler) rangeMonitor(ctx context.Context, tf domain.Timeframe) {
	key := leaseKey(string(tf), "range_monitor")
	if !s.acquire(key) {
		observability.RecordLeaseContention(string(tf), "range_monitor")
		return
	}
	defer s.release(key)

	active := s.store.ActiveByTimeframe(tf)
	if active == nil {
		return
	}

	cfg := s.cfg.Get()
	th := indicator.Thresholds{Oversold: cfg.Oversold, Overbought: cfg.Overbought}

	rsi, err := s.indicator.RSI(ctx, s.symbol, tf, cfg.RSIPeriod, false, th)
	if err != nil {
		s.logger.Printf("range_monitor(%s): rsi read failed, skipping tick: %v", tf, err)
		return
	}
	price, err := s.indicator.SpotPrice(ctx, s.symbol)
	if err != nil {
		s.logger.Printf("range_monitor(%s): price read failed, skipping tick: %v", tf, err)
		return
	}

	inRange := s.manager.IsInValidRange(ctx, active, price)

	var shouldClose bool
	switch active.Side {
	case domain.SideBuy:
		shouldClose = rsi.Value >= cfg.Overbought || price >= active.PriceRange.Max || !inRange
	case domain.SideSell:
		shouldClose = rsi.Value <= cfg.Oversold || price <= active.PriceRange.Min || !inRange
	}
	if !shouldClose {
		return
	}

	s.logger.Printf("range_monitor(%s): closing %s (rsi=%.2f price=%.6f in_range=%v)", tf, active.ID, rsi.Value, price, inRange)
	if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
		s.logger.Printf("range_monitor(%s): close %s failed: %v", tf, active.ID, err)
	}
}

// globalHarvestTick is the one-minute global harvest tick: for each
// ACTIVE position it evaluates the harvest precondition and only then
// calls PositionManager.Harvest. If the vendor price read fails, a
// synthetic price at the timeframe-independent ±2% fallback move is
// used instead, so the tick still evaluates on stale data rather than
// skipping outright.
func (s *Scheduler) globalHarvestTick(ctx context.Context) {
	key := leaseKey("global", "harvest")
	if !s.acquire(key) {
		observability.RecordLeaseContention("global", "harvest")
		return
	}
	defer s.release(key)

	cfg := s.cfg.Get()
	if !cfg.HarvestEnabled {
		return
	}

	for _, tf := range cfg.EnabledTimeframes {
		active := s.store.ActiveByTimeframe(tf)
		if active == nil {
			continue
		}

		price, err := s.indicator.SpotPrice(ctx, s.symbol)
		if err != nil {
			price = fallbackPrice(active)
			s.logger.Printf("harvest_tick(%s): price read failed, using 2%% fallback move", tf)
		}

		if !s.meetsHarvestPrecondition(ctx, cfg, active, price) {
			continue
		}

		if err := s.manager.Harvest(ctx, active, price); err != nil {
			s.logger.Printf("harvest_tick(%s): harvest %s failed: %v", tf, active.ID, err)
			observability.RecordTickError(string(tf), "harvest")
		}
	}
}

// meetsHarvestPrecondition reports whether pos has traded through
// enough of its range to be worth harvesting: at least
// cfg.HarvestMinBins bins since the position's original lower bin
// (BUY) or, mirrored, its original upper bin (SELL), with price having
// already crossed that boundary. The bin count comes from the pool's
// current active bin; on a chain-read failure it falls back to a pure
// price-move test against cfg.HarvestMinPriceMove.
func (s *Scheduler) meetsHarvestPrecondition(ctx context.Context, cfg config.Config, pos *domain.Position, price float64) bool {
	active, err := s.manager.ActiveBin(ctx, pos.Timeframe)
	if err != nil {
		s.logger.Printf("harvest_precondition(%s): active bin read failed, falling back to price-move test: %v", pos.Timeframe, err)
		return s.meetsPriceMoveFallback(cfg, pos, price)
	}

	switch pos.Side {
	case domain.SideBuy:
		if price <= pos.PriceRange.Min {
			return false
		}
		return active.BinID-pos.PriceRange.BinRange.MinBin >= int64(cfg.HarvestMinBins)
	case domain.SideSell:
		if price >= pos.PriceRange.Max {
			return false
		}
		return pos.PriceRange.BinRange.MaxBin-active.BinID >= int64(cfg.HarvestMinBins)
	default:
		return false
	}
}

// meetsPriceMoveFallback is the ±price-move precondition used when the
// on-chain active bin can't be read: price must have crossed the
// position's entry boundary and moved at least cfg.HarvestMinPriceMove
// beyond entry.
func (s *Scheduler) meetsPriceMoveFallback(cfg config.Config, pos *domain.Position, price float64) bool {
	if pos.EntryPrice <= 0 {
		return false
	}
	move := (price - pos.EntryPrice) / pos.EntryPrice

	switch pos.Side {
	case domain.SideBuy:
		return price > pos.PriceRange.Min && move >= cfg.HarvestMinPriceMove
	case domain.SideSell:
		return price < pos.PriceRange.Max && -move >= cfg.HarvestMinPriceMove
	default:
		return false
	}
}

// balanceSnapshotTick is the hourly balance-history tick: it samples
// the current balance into history, then compresses entries older than
// 24h down to one per day.
func (s *Scheduler) balanceSnapshotTick(ctx context.Context) {
	key := leaseKey("global", "balance_snapshot")
	if !s.acquire(key) {
		observability.RecordLeaseContention("global", "balance_snapshot")
		return
	}
	defer s.release(key)

	if err := s.wallet.Sample(ctx); err != nil {
		s.logger.Printf("balance_snapshot: sample failed: %v", err)
		return
	}
	if err := s.wallet.Compress(ctx); err != nil {
		s.logger.Printf("balance_snapshot: compress failed: %v", err)
	}
}

// extremelyOutOfRange reports whether price sits beyond pos's buffered
// range by an additional 50% of that buffer.
func (s *Scheduler) extremelyOutOfRange(pos *domain.Position, price float64) bool {
	buf := (pos.PriceRange.Max - pos.PriceRange.Min) * pos.Timeframe.RangeBufferPct()
	extreme := buf * extremeBufferMultiplier
	return price < pos.PriceRange.Min-extreme || price > pos.PriceRange.Max+extreme
}

func fallbackPrice(pos *domain.Position) float64 {
	if pos.Side == domain.SideBuy {
		return pos.EntryPrice * 1.02
	}
	return pos.EntryPrice * 0.98
}

func cronEveryExpr(d time.Duration) string {
	return "@every " + d.String()
}

func leaseKey(scope, op string) string {
	return fmt.Sprintf("%s|%s", scope, op)
}

func (s *Scheduler) acquire(key string) bool {
	_, inFlight := s.leases.LoadOrStore(key, struct{}{})
	return !inFlight
}

func (s *Scheduler) release(key string) {
	s.leases.Delete(key)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
