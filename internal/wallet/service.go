// Package wallet is the WalletService (C5): cached balance reads, the
// hourly sample/compress snapshot pipeline, and the BIP39-derived
// transaction signer.
package wallet

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"binrange-core/internal/domain"
	"binrange-core/internal/observability"
)

const balanceCacheTTL = 2 * time.Minute

// HistoryStore persists the compressed balance-snapshot list (spec
// "flat files suffice" by default; only the load/save semantics are
// load-bearing).
type HistoryStore interface {
	Load(ctx context.Context) ([]domain.BalanceSnapshot, error)
	Save(ctx context.Context, snapshots []domain.BalanceSnapshot) error
}

// ChainReader is the subset of on-chain reads WalletService needs:
// base-token balance (native lamports-equivalent) and an SPL
// token-account balance, both already normalized to human units by
// the caller's decimals.
type ChainReader interface {
	BaseBalance(ctx context.Context, owner string) (float64, error)
	QuoteTokenBalance(ctx context.Context, tokenAccount string) (float64, error)
}

// Service is the WalletService.
type Service struct {
	reader       ChainReader
	store        HistoryStore
	owner        string
	quoteAccount string
	logger       *log.Logger

	mu       sync.RWMutex
	cached   domain.Balance
	cachedOK bool
}

// New creates a WalletService reading balances for owner/quoteAccount
// through reader, persisting snapshot history through store.
func New(reader ChainReader, store HistoryStore, owner, quoteAccount string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[wallet] ", log.LstdFlags)
	}
	return &Service{reader: reader, store: store, owner: owner, quoteAccount: quoteAccount, logger: logger}
}

// Balance returns the wallet's {base, quote, timestamp}, cached for 2
// minutes. On a fresh-read failure with a stale cache present, it
// returns the stale value and logs a warning instead of erroring.
func (s *Service) Balance(ctx context.Context) (domain.Balance, error) {
	s.mu.RLock()
	cached := s.cached
	ok := s.cachedOK
	fresh := ok && time.Since(cached.Timestamp) < balanceCacheTTL
	s.mu.RUnlock()

	if fresh {
		return cached, nil
	}

	bal, err := s.readFresh(ctx)
	if err != nil {
		if ok {
			s.logger.Printf("balance read failed, serving stale value from %s: %v", cached.Timestamp, err)
			observability.DefaultMetrics.WalletBalanceStale.Inc()
			return cached, nil
		}
		return domain.Balance{}, err
	}

	s.mu.Lock()
	s.cached = bal
	s.cachedOK = true
	s.mu.Unlock()

	return bal, nil
}

// FreshBalance reads the wallet balance directly from chain, bypassing
// the cache. PositionManager uses it to snapshot balances immediately
// before and after a close so the delta reflects that operation only.
func (s *Service) FreshBalance(ctx context.Context) (domain.Balance, error) {
	return s.readFresh(ctx)
}

func (s *Service) readFresh(ctx context.Context) (domain.Balance, error) {
	base, err := s.reader.BaseBalance(ctx, s.owner)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("read base balance: %w", err)
	}
	quote, err := s.reader.QuoteTokenBalance(ctx, s.quoteAccount)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("read quote balance: %w", err)
	}
	return domain.Balance{Base: base, Quote: quote, Timestamp: time.Now()}, nil
}

// Sample reads a fresh balance and appends it to the persisted
// snapshot history. Called by the hourly cron ahead of Compress.
func (s *Service) Sample(ctx context.Context) error {
	bal, err := s.readFresh(ctx)
	if err != nil {
		return fmt.Errorf("wallet.sample: %w", err)
	}

	snapshots, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("wallet.sample: load history: %w", err)
	}

	snapshots = append(snapshots, domain.BalanceSnapshot{
		BaseQty:   bal.Base,
		QuoteQty:  bal.Quote,
		Timestamp: bal.Timestamp,
	})

	if err := s.store.Save(ctx, snapshots); err != nil {
		return fmt.Errorf("wallet.sample: save history: %w", err)
	}

	s.mu.Lock()
	s.cached = bal
	s.cachedOK = true
	s.mu.Unlock()

	return nil
}

// Compress runs the retention policy over the persisted snapshot
// history: snapshots older than 24h are
// grouped by calendar day and replaced with one daily average, then
// the list is trimmed to its last 54 entries.
func (s *Service) Compress(ctx context.Context) error {
	snapshots, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("wallet.compress: load history: %w", err)
	}

	compressed := CompressHistory(snapshots, time.Now())

	if err := s.store.Save(ctx, compressed); err != nil {
		return fmt.Errorf("wallet.compress: save history: %w", err)
	}
	return nil
}

// History returns the persisted snapshot history, most recent last.
func (s *Service) History(ctx context.Context) ([]domain.BalanceSnapshot, error) {
	return s.store.Load(ctx)
}

// CompressHistory implements the pure compression step so it can be
// unit tested without a store: partition at now-24h, group the older
// half by calendar day into daily averages, concatenate, trim to 54.
func CompressHistory(snapshots []domain.BalanceSnapshot, now time.Time) []domain.BalanceSnapshot {
	cutoff := now.Add(-24 * time.Hour)

	var older, recent []domain.BalanceSnapshot
	for _, snap := range snapshots {
		if snap.Timestamp.Before(cutoff) {
			older = append(older, snap)
		} else {
			recent = append(recent, snap)
		}
	}

	grouped := make(map[string][]domain.BalanceSnapshot)
	var dayKeys []string
	for _, snap := range older {
		key := snap.Timestamp.Format("2006-01-02")
		if _, ok := grouped[key]; !ok {
			dayKeys = append(dayKeys, key)
		}
		grouped[key] = append(grouped[key], snap)
	}
	sort.Strings(dayKeys)

	compressedOld := make([]domain.BalanceSnapshot, 0, len(dayKeys))
	for _, key := range dayKeys {
		group := grouped[key]
		compressedOld = append(compressedOld, averageSnapshots(group))
	}

	out := append(compressedOld, recent...)
	if len(out) > 54 {
		out = out[len(out)-54:]
	}
	return out
}

func averageSnapshots(group []domain.BalanceSnapshot) domain.BalanceSnapshot {
	var sumBase, sumQuote float64
	maxTime := group[0].Timestamp
	for _, snap := range group {
		sumBase += snap.BaseQty
		sumQuote += snap.QuoteQty
		if snap.Timestamp.After(maxTime) {
			maxTime = snap.Timestamp
		}
	}
	n := float64(len(group))
	return domain.BalanceSnapshot{
		BaseQty:        sumBase / n,
		QuoteQty:       sumQuote / n,
		Timestamp:      maxTime,
		IsDailyAverage: true,
		OriginalCount:  len(group),
	}
}
