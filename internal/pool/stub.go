package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"binrange-core/internal/domain"
)

// StubClient is a deterministic, in-memory Client used for local
// development and tests where no RPC node is available. It never talks
// to the network; balances and positions live entirely in process
// memory.
type StubClient struct {
	mu sync.Mutex

	activeID    int64
	activePrice float64
	binStepBps  int64

	positions map[string]*PositionAccount
	nextID    atomic.Uint64
}

// NewStubClient creates a stub pool client anchored at the given active
// bin and price.
func NewStubClient(activeID int64, activePrice float64, binStepBps int64) *StubClient {
	return &StubClient{
		activeID:    activeID,
		activePrice: activePrice,
		binStepBps:  binStepBps,
		positions:   make(map[string]*PositionAccount),
	}
}

// SetActivePrice lets tests/demos move the simulated market.
func (s *StubClient) SetActivePrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = BinIDForPrice(s.activeID, s.activePrice, s.binStepBps, price)
	s.activePrice = price
}

func (s *StubClient) ActiveBin(ctx context.Context) (ActiveBinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ActiveBinInfo{BinID: s.activeID, Price: s.activePrice}, nil
}

func (s *StubClient) EnsureBinArrays(ctx context.Context, minBin, maxBin int64) error {
	return nil
}

func (s *StubClient) CreateOneSidedPosition(ctx context.Context, side domain.Side, amountBase, amountQuote float64, minBin, maxBin int64, strategy domain.StrategyType, slippagePct float64) (CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("stub-position-%d", s.nextID.Add(1))
	s.positions[id] = &PositionAccount{
		LowerBin: minBin,
		UpperBin: maxBin,
		Owner:    "stub-owner",
	}
	return CreateResult{
		Signature:       fmt.Sprintf("stub-create-sig-%s", id),
		PositionAccount: id,
	}, nil
}

func (s *StubClient) RemoveLiquidity(ctx context.Context, positionAccount string, fromBin, toBin int64, bps int, shouldClaimAndClose bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionAccount]
	if !ok || pos.Empty {
		return nil, nil // "no liquidity to remove" is not an error
	}
	if bps >= 10000 {
		pos.Empty = true
	}
	if shouldClaimAndClose {
		delete(s.positions, positionAccount)
	}
	return []string{fmt.Sprintf("stub-remove-sig-%s", positionAccount)}, nil
}

func (s *StubClient) ClaimAllRewards(ctx context.Context, positionAccount string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[positionAccount]; !ok {
		return nil, nil
	}
	return []string{fmt.Sprintf("stub-claim-sig-%s", positionAccount)}, nil
}

func (s *StubClient) ClosePositionAccount(ctx context.Context, positionAccount string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionAccount]
	if !ok {
		return fmt.Sprintf("stub-close-sig-%s", positionAccount), nil
	}
	if !pos.Empty {
		return "", newNonEmptyPositionError(positionAccount)
	}
	delete(s.positions, positionAccount)
	return fmt.Sprintf("stub-close-sig-%s", positionAccount), nil
}

func (s *StubClient) GetPosition(ctx context.Context, positionAccount string) (*PositionAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionAccount]
	if !ok {
		return nil, nil
	}
	clone := *pos
	return &clone, nil
}

func (s *StubClient) ListUserPositions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.positions))
	for id := range s.positions {
		out = append(out, id)
	}
	return out, nil
}
