package pool

import (
	"context"

	"binrange-core/internal/domain"
)

// ActiveBinInfo is the pool's current active bin and the price it
// corresponds to.
type ActiveBinInfo struct {
	BinID int64
	Price float64
}

// PositionAccount is the on-chain state of a liquidity position
// account, as returned by GetPosition.
type PositionAccount struct {
	LowerBin    int64
	UpperBin    int64
	LastUpdated int64
	Owner       string
	Empty       bool
}

// CreateResult is the outcome of CreateOneSidedPosition: the submitted
// transaction's signature and the resulting position account address.
type CreateResult struct {
	Signature       string
	PositionAccount string
}

// Client exposes per-pool on-chain operations. Bin-math
// helpers (BinIDForPrice/PriceForBin) are free functions shared by both
// implementations; Client itself covers the operations that need a
// live connection (stub or rpc).
type Client interface {
	// ActiveBin returns the pool's current active bin and price.
	ActiveBin(ctx context.Context) (ActiveBinInfo, error)

	// EnsureBinArrays idempotently initializes the bin arrays spanning
	// [minBin, maxBin]. "already initialized" is not an error.
	EnsureBinArrays(ctx context.Context, minBin, maxBin int64) error

	// CreateOneSidedPosition opens a position funded entirely in one
	// side (amountBase for a BUY-side position, amountQuote for SELL).
	CreateOneSidedPosition(ctx context.Context, side domain.Side, amountBase, amountQuote float64, minBin, maxBin int64, strategy domain.StrategyType, slippagePct float64) (CreateResult, error)

	// RemoveLiquidity withdraws bps/10000 of the liquidity between
	// fromBin and toBin inclusive. shouldClaimAndClose additionally
	// claims rewards and closes the account in the same instruction set
	// where the program supports it.
	RemoveLiquidity(ctx context.Context, positionAccount string, fromBin, toBin int64, bps int, shouldClaimAndClose bool) ([]string, error)

	// ClaimAllRewards claims accrued fees/rewards for the position.
	// Zero-reward is not an error.
	ClaimAllRewards(ctx context.Context, positionAccount string) ([]string, error)

	// ClosePositionAccount closes an emptied position account,
	// reclaiming its rent. Fails with an OnChainLogical *coreerr.Error
	// wrapping coreerr.ErrNonEmptyPosition (a *coreerr.ProgramError) if
	// the account still holds liquidity.
	ClosePositionAccount(ctx context.Context, positionAccount string) (string, error)

	// GetPosition reads a position account's current bin range.
	GetPosition(ctx context.Context, positionAccount string) (*PositionAccount, error)

	// ListUserPositions enumerates the caller's position accounts for
	// this pool.
	ListUserPositions(ctx context.Context) ([]string, error)
}
