// Package position is the PositionManager (C7): creates and closes
// the single on-chain one-sided liquidity position per timeframe,
// checks range validity, reconciles with chain state, and harvests
// liquidity that has traded through part of its range.
package position

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
	"binrange-core/internal/observability"
	"binrange-core/internal/pool"
	"binrange-core/internal/store"
	"binrange-core/internal/wallet"
)

const (
	minBuyBase       = 0.01
	minSellQuote     = 10.0
	minBinCountFloor = 25
	removeLiquidityBps = 10000
)

// CloseResult is the balance delta produced by a close, measured by
// snapshotting the wallet immediately before and after.
type CloseResult struct {
	ReceivedBase  float64
	ReceivedQuote float64
}

// Manager is the PositionManager. One instance serves every enabled
// timeframe; pools/descs carry each timeframe's own pool connection
// and immutable configuration.
type Manager struct {
	pools  map[domain.Timeframe]pool.Client
	descs  map[domain.Timeframe]domain.PoolDescriptor
	wallet *wallet.Service
	store  *store.PositionStore
	logger *log.Logger

	closing sync.Map // id -> struct{}, guards concurrent closes of the same position
}

// New creates a Manager. pools and descs must share the same key set:
// every timeframe the caller intends to trade needs both entries.
func New(pools map[domain.Timeframe]pool.Client, descs map[domain.Timeframe]domain.PoolDescriptor, w *wallet.Service, s *store.PositionStore, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[position] ", log.LstdFlags)
	}
	return &Manager{pools: pools, descs: descs, wallet: w, store: s, logger: logger}
}

// Create opens a new position for tf. amount is in base units for a
// BUY, quote units for a SELL.
func (m *Manager) Create(ctx context.Context, tf domain.Timeframe, side domain.Side, amount float64) (*domain.Position, error) {
	if side == domain.SideBuy && amount < minBuyBase {
		return nil, coreerr.New(coreerr.Validation, "position.create", fmt.Errorf("amount %.6f below BUY minimum %.2f base", amount, minBuyBase))
	}
	if side == domain.SideSell && amount < minSellQuote {
		return nil, coreerr.New(coreerr.Validation, "position.create", fmt.Errorf("amount %.6f below SELL minimum %.2f quote", amount, minSellQuote))
	}

	client, desc, err := m.clientFor(tf)
	if err != nil {
		return nil, err
	}

	active, err := client.ActiveBin(ctx)
	if err != nil {
		return nil, fmt.Errorf("position.create: read active bin: %w", err)
	}

	initial := initialBinCount(tf)

	var (
		result   pool.CreateResult
		minBin   int64
		maxBin   int64
		binCount int
		lastErr  error
	)

	for attempt := 1; attempt <= 5; attempt++ {
		binCount = initial - 7*(attempt-1)
		if binCount < minBinCountFloor {
			binCount = minBinCountFloor
		}
		slippagePct := 3.0 + 2.0*float64(attempt-1)

		var amountBase, amountQuote float64
		switch side {
		case domain.SideBuy:
			minBin, maxBin = active.BinID, active.BinID+int64(binCount)
			amountBase = amount
		case domain.SideSell:
			maxBin, minBin = active.BinID, active.BinID-int64(binCount)
			amountQuote = amount
		}

		if err := client.EnsureBinArrays(ctx, minBin, maxBin); err != nil {
			m.logger.Printf("create %s: ensure bin arrays [%d,%d]: %v (tolerated)", tf, minBin, maxBin, err)
		}

		result, lastErr = client.CreateOneSidedPosition(ctx, side, amountBase, amountQuote, minBin, maxBin, desc.StrategyType, slippagePct)
		if lastErr == nil {
			break
		}

		if !isSlippageExceeded(lastErr) {
			return nil, fmt.Errorf("position.create: %w", lastErr)
		}

		wait := time.Duration(float64(2*time.Second) * math.Pow(1.5, float64(attempt-1)))
		m.logger.Printf("create %s: slippage exceeded (attempt %d/5), retrying in %s", tf, attempt, wait)
		if !sleepOrDone(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("position.create: exhausted retries: %w", lastErr)
	}

	priceRange := computePriceRange(desc, active, minBin, maxBin, binCount)

	pos := &domain.Position{
		ID:         result.PositionAccount,
		PoolID:     desc.PoolID,
		Timeframe:  tf,
		Side:       side,
		Amount:     amount,
		EntryPrice: active.Price,
		CreatedAt:  time.Now(),
		Status:     domain.StatusActive,
		PriceRange: priceRange,
	}
	if err := m.store.Upsert(ctx, pos); err != nil {
		return nil, fmt.Errorf("position.create: persist: %w", err)
	}
	return pos, nil
}

// Close runs the three-phase close protocol for id. A concurrent Close
// already in flight for the same id returns immediately. A
// position already CLOSED returns immediately with a zero result.
// If force is true, an unrecoverable on-chain error still results in a
// memory-only CLOSED transition rather than an error return.
func (m *Manager) Close(ctx context.Context, id string, force bool) (CloseResult, error) {
	if _, inFlight := m.closing.LoadOrStore(id, struct{}{}); inFlight {
		return CloseResult{}, nil
	}
	defer m.closing.Delete(id)

	pos := m.store.Get(id)
	if pos == nil {
		return CloseResult{}, coreerr.New(coreerr.Validation, "position.close", fmt.Errorf("position %s not found", id))
	}
	if pos.Status == domain.StatusClosed {
		return CloseResult{}, nil
	}

	client, _, err := m.clientFor(pos.Timeframe)
	if err != nil {
		return CloseResult{}, err
	}

	before, beforeErr := m.wallet.FreshBalance(ctx)
	if beforeErr != nil {
		m.logger.Printf("close %s: pre-close balance read failed: %v", id, beforeErr)
	}

	protocolErr := m.runCloseProtocol(ctx, client, pos)
	if protocolErr != nil && !force {
		return CloseResult{}, fmt.Errorf("position.close: %w", protocolErr)
	}
	if protocolErr != nil {
		m.logger.Printf("close %s: forcing memory-only close after unrecoverable error: %v", id, protocolErr)
	}

	pos.Status = domain.StatusClosed
	if err := m.store.Upsert(ctx, pos); err != nil {
		return CloseResult{}, fmt.Errorf("position.close: persist: %w", err)
	}
	observability.RecordPositionClosed(string(pos.Timeframe), string(pos.Side))

	if beforeErr != nil {
		return CloseResult{}, nil
	}
	after, err := m.wallet.FreshBalance(ctx)
	if err != nil {
		m.logger.Printf("close %s: post-close balance read failed: %v", id, err)
		return CloseResult{}, nil
	}
	return CloseResult{ReceivedBase: after.Base - before.Base, ReceivedQuote: after.Quote - before.Quote}, nil
}

func (m *Manager) runCloseProtocol(ctx context.Context, client pool.Client, pos *domain.Position) error {
	if err := m.removeLiquidityPhase(ctx, client, pos.ID, 200, false); err != nil {
		return fmt.Errorf("phase1 remove liquidity: %w", err)
	}

	sleepOrDone(ctx, 2*time.Second)
	if _, err := client.ClaimAllRewards(ctx, pos.ID); err != nil {
		return fmt.Errorf("phase2 claim rewards: %w", err)
	}

	sleepOrDone(ctx, 1500*time.Millisecond)
	_, err := client.ClosePositionAccount(ctx, pos.ID)
	if err == nil {
		return nil
	}
	if !isNonEmptyPosition(err) {
		return fmt.Errorf("phase3 close account: %w", err)
	}

	m.logger.Printf("close %s: NonEmptyPosition on phase3, retrying phase1 with wider bounds", pos.ID)
	if err := m.removeLiquidityPhase(ctx, client, pos.ID, 500, true); err != nil {
		m.logger.Printf("close %s: re-widened phase1 failed, account rent considered lost: %v", pos.ID, err)
	}
	// A position that survives this re-widen is still recorded CLOSED in
	// memory; the account rent is lost but the position is never left ACTIVE.
	return nil
}

func (m *Manager) removeLiquidityPhase(ctx context.Context, client pool.Client, positionAccount string, expandBins int64, claimAndClose bool) error {
	account, err := client.GetPosition(ctx, positionAccount)
	if err != nil {
		return err
	}
	if account == nil || account.Empty {
		return nil
	}

	from := account.LowerBin - expandBins
	to := account.UpperBin + expandBins
	_, err = client.RemoveLiquidity(ctx, positionAccount, from, to, removeLiquidityBps, claimAndClose)
	return err
}

// IsInValidRange reports whether currentPrice falls within pos's
// buffered price range. Within the timeframe's minimum check interval
// since the last check, it assumes validity without re-reading price.
func (m *Manager) IsInValidRange(ctx context.Context, pos *domain.Position, currentPrice float64) bool {
	if !pos.LastRangeCheck.IsZero() && time.Since(pos.LastRangeCheck) < pos.Timeframe.RangeCheckMinInterval() {
		return true
	}

	buf := (pos.PriceRange.Max - pos.PriceRange.Min) * pos.Timeframe.RangeBufferPct()
	inRange := currentPrice >= pos.PriceRange.Min-buf && currentPrice <= pos.PriceRange.Max+buf

	pos.LastRangeCheck = time.Now()
	if err := m.store.Upsert(ctx, pos); err != nil {
		m.logger.Printf("is_in_valid_range: persist last_range_check for %s: %v", pos.ID, err)
	}
	return inRange
}

// SyncWithChain reconciles every ACTIVE position's on-chain account
// state, marking a position CLOSED if its account is gone or empty.
// Reads are batched 3-at-a-time with a 1s inter-batch pause.
func (m *Manager) SyncWithChain(ctx context.Context) (updated, total int, err error) {
	actives := m.activePositions()
	total = len(actives)

	const batchSize = 3
	for i := 0; i < len(actives); i += batchSize {
		end := min(i+batchSize, len(actives))
		for _, pos := range actives[i:end] {
			client, _, err := m.clientFor(pos.Timeframe)
			if err != nil {
				m.logger.Printf("sync_with_chain: %v", err)
				continue
			}

			account, err := client.GetPosition(ctx, pos.ID)
			if err != nil {
				m.logger.Printf("sync_with_chain: get position %s: %v", pos.ID, err)
				continue
			}
			if account != nil && !account.Empty {
				continue
			}

			pos.Status = domain.StatusClosed
			if err := m.store.Upsert(ctx, pos); err != nil {
				m.logger.Printf("sync_with_chain: persist closed %s: %v", pos.ID, err)
				continue
			}
			updated++
		}
		if end < len(actives) {
			sleepOrDone(ctx, time.Second)
		}
	}
	return updated, total, nil
}

// Harvest withdraws the portion of pos's liquidity that price has
// already traded through, preserving PriceRange so close logic keeps
// using the original decision window.
func (m *Manager) Harvest(ctx context.Context, pos *domain.Position, currentPrice float64) error {
	rangeLen := pos.PriceRange.Max - pos.PriceRange.Min
	if rangeLen <= 0 {
		return nil
	}

	var movement float64
	switch pos.Side {
	case domain.SideBuy:
		movement = (currentPrice - pos.PriceRange.Min) / rangeLen
	case domain.SideSell:
		movement = (pos.PriceRange.Max - currentPrice) / rangeLen
	}
	if movement < pos.Timeframe.HarvestThresholdPct() {
		observability.RecordHarvest("skipped")
		return nil
	}

	client, _, err := m.clientFor(pos.Timeframe)
	if err != nil {
		return err
	}

	account, err := client.GetPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("position.harvest: get position: %w", err)
	}
	if account == nil || account.Empty {
		return nil
	}

	active, err := client.ActiveBin(ctx)
	if err != nil {
		return fmt.Errorf("position.harvest: active bin: %w", err)
	}

	var from, to int64
	switch pos.Side {
	case domain.SideBuy:
		from = account.LowerBin
		to = min(active.BinID-1, account.UpperBin)
	case domain.SideSell:
		from = max(active.BinID+1, account.LowerBin)
		to = account.UpperBin
	}
	if to-from+1 < 3 {
		return nil
	}

	if _, err := client.RemoveLiquidity(ctx, pos.ID, from, to, removeLiquidityBps, false); err != nil {
		return fmt.Errorf("position.harvest: remove liquidity: %w", err)
	}

	pos.HasBeenHarvested = true
	pos.LastHarvestAt = time.Now()
	if err := m.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("position.harvest: persist: %w", err)
	}
	observability.RecordHarvest("applied")
	return nil
}

// ActiveBin returns tf's pool's current active bin and price, for
// callers that need to evaluate on-chain state without performing a
// full harvest (e.g. the scheduler's harvest precondition).
func (m *Manager) ActiveBin(ctx context.Context, tf domain.Timeframe) (pool.ActiveBinInfo, error) {
	client, _, err := m.clientFor(tf)
	if err != nil {
		return pool.ActiveBinInfo{}, err
	}
	return client.ActiveBin(ctx)
}

func (m *Manager) activePositions() []*domain.Position {
	var out []*domain.Position
	for _, tf := range domain.Timeframes {
		p := m.store.ActiveByTimeframe(tf)
		if p != nil {
			out = append(out, p)
			observability.SetActivePositions(string(tf), 1)
		} else {
			observability.SetActivePositions(string(tf), 0)
		}
	}
	return out
}

func (m *Manager) clientFor(tf domain.Timeframe) (pool.Client, domain.PoolDescriptor, error) {
	client, ok := m.pools[tf]
	if !ok {
		return nil, domain.PoolDescriptor{}, coreerr.New(coreerr.Fatal, "position", fmt.Errorf("no pool client configured for timeframe %s", tf))
	}
	return client, m.descs[tf], nil
}

func initialBinCount(tf domain.Timeframe) int {
	switch tf {
	case domain.TF1m:
		return 45
	case domain.TF15m:
		return 55
	default:
		return 60
	}
}

// computePriceRange derives price_range from the bin bounds using the
// pool's logarithmic bin formula, anchored at the active bin read at
// creation time. If the result falls outside PriceRange.Valid's sanity
// bounds, it falls back to a linear approximation around the current
// price.
func computePriceRange(desc domain.PoolDescriptor, active pool.ActiveBinInfo, minBin, maxBin int64, binCount int) domain.PriceRange {
	pr := domain.PriceRange{
		Min:      pool.PriceForBin(active.BinID, active.Price, desc.BinStepBps, minBin),
		Max:      pool.PriceForBin(active.BinID, active.Price, desc.BinStepBps, maxBin),
		BinRange: domain.BinRange{MinBin: minBin, MaxBin: maxBin},
	}
	if pr.Valid() {
		return pr
	}

	spread := float64(desc.BinStepBps) / 10000 * active.Price * float64(binCount)
	return domain.PriceRange{
		Min:      active.Price - spread,
		Max:      active.Price + spread,
		BinRange: domain.BinRange{MinBin: minBin, MaxBin: maxBin},
	}
}

// sleepOrDone waits for d or ctx cancellation, whichever comes first.
// It reports whether the full wait elapsed.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func isSlippageExceeded(err error) bool {
	pe, ok := coreerr.AsProgramError(err)
	return ok && pe.Code == coreerr.CodeExceededBinSlippageTolerance
}

func isNonEmptyPosition(err error) bool {
	pe, ok := coreerr.AsProgramError(err)
	return ok && pe.Code == coreerr.CodeNonEmptyPosition
}
