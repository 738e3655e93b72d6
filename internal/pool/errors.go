package pool

import (
	"fmt"

	"binrange-core/internal/coreerr"
)

// newNonEmptyPositionError wraps coreerr.ErrNonEmptyPosition with the
// account that rejected the close, matched by callers via
// coreerr.AsProgramError.
func newNonEmptyPositionError(positionAccount string) error {
	return coreerr.New(coreerr.OnChainLogical, "pool.close_position_account",
		fmt.Errorf("%s: %w", positionAccount, coreerr.ErrNonEmptyPosition))
}

// newSlippageExceededError wraps coreerr.ErrExceededBinSlippageTolerance
// for a create-position attempt.
func newSlippageExceededError(positionAccount string) error {
	return coreerr.New(coreerr.OnChainLogical, "pool.create_one_sided_position",
		fmt.Errorf("%s: %w", positionAccount, coreerr.ErrExceededBinSlippageTolerance))
}
