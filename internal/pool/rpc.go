package pool

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
	"binrange-core/internal/rpcexec"
)

// lbPairActiveIDOffset/lbPairBinStepOffset locate the active bin ID
// and bin step within the pool account's raw
// data, following the program's fixed little-endian layout (an 8-byte
// Anchor discriminator, then the pool's scalar fields).
const (
	lbPairActiveIDOffset = 8
	lbPairBinStepOffset  = 12
)

// positionLowerBinOffset/positionUpperBinOffset locate a position
// account's bin bounds within its raw data.
const (
	positionLowerBinOffset = 8
	positionUpperBinOffset = 12
	positionOwnerOffset    = 16
)

// RPCClient is the on-chain-backed Client, driving the AMM program via
// an rpcexec.Executor. It owns no signing key; CreateOneSidedPosition
// and friends build their transactions through the InstructionBuilder
// passed to NewRPCClient, which holds the wallet signer.
type RPCClient struct {
	exec       *rpcexec.Executor
	poolID     string
	binStepBps int64

	// build constructs and signs the raw instruction set for an
	// operation, returning a base64-encoded transaction ready to
	// attach a blockhash to. Supplied by the caller because only it
	// knows the wallet's signing key and the program's instruction
	// encoding; RPCClient itself is instruction-layout-agnostic beyond
	// account decoding.
	build InstructionBuilder
}

// InstructionBuilder encodes and signs a single on-chain instruction
// set, producing an rpcexec.TxBuilder for submission.
type InstructionBuilder interface {
	BuildCreatePosition(ctx context.Context, side domain.Side, amountBase, amountQuote float64, minBin, maxBin int64, strategy domain.StrategyType, slippagePct float64) (rpcexec.TxBuilder, string, error)
	BuildEnsureBinArrays(ctx context.Context, minBin, maxBin int64) (rpcexec.TxBuilder, error)
	BuildRemoveLiquidity(ctx context.Context, positionAccount string, fromBin, toBin int64, bps int, shouldClaimAndClose bool) ([]rpcexec.TxBuilder, error)
	BuildClaimAllRewards(ctx context.Context, positionAccount string) ([]rpcexec.TxBuilder, error)
	BuildClosePositionAccount(ctx context.Context, positionAccount string) (rpcexec.TxBuilder, error)
}

// NewRPCClient creates an on-chain Client for the pool identified by
// poolID with the given bin step.
func NewRPCClient(exec *rpcexec.Executor, poolID string, binStepBps int64, build InstructionBuilder) *RPCClient {
	return &RPCClient{exec: exec, poolID: poolID, binStepBps: binStepBps, build: build}
}

func (c *RPCClient) ActiveBin(ctx context.Context) (ActiveBinInfo, error) {
	info, err := c.exec.GetAccountInfo(ctx, c.poolID)
	if err != nil {
		return ActiveBinInfo{}, err
	}
	if info == nil {
		return ActiveBinInfo{}, fmt.Errorf("pool account %s not found", c.poolID)
	}

	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return ActiveBinInfo{}, fmt.Errorf("decode pool account: %w", err)
	}

	activeID := readInt32LE(data, lbPairActiveIDOffset)
	// Bin 0 is the program's fixed price-1.0 reference; every other
	// bin's price is purely a function of its distance from it.
	price := PriceForBin(0, 1, c.binStepBps, int64(activeID))
	return ActiveBinInfo{BinID: int64(activeID), Price: price}, nil
}

func (c *RPCClient) EnsureBinArrays(ctx context.Context, minBin, maxBin int64) error {
	tb, err := c.build.BuildEnsureBinArrays(ctx, minBin, maxBin)
	if err != nil {
		return err
	}
	_, err = c.exec.Submit(ctx, tb, "ensure-bin-arrays")
	if err != nil && !isAlreadyInitialized(err) {
		return err
	}
	return nil
}

func (c *RPCClient) CreateOneSidedPosition(ctx context.Context, side domain.Side, amountBase, amountQuote float64, minBin, maxBin int64, strategy domain.StrategyType, slippagePct float64) (CreateResult, error) {
	tb, positionAccount, err := c.build.BuildCreatePosition(ctx, side, amountBase, amountQuote, minBin, maxBin, strategy, slippagePct)
	if err != nil {
		return CreateResult{}, err
	}
	sig, err := c.exec.Submit(ctx, tb, "create-one-sided-position")
	if err != nil {
		if isSlippageExceeded(err) {
			return CreateResult{}, newSlippageExceededError(positionAccount)
		}
		return CreateResult{}, err
	}
	return CreateResult{Signature: sig, PositionAccount: positionAccount}, nil
}

func (c *RPCClient) RemoveLiquidity(ctx context.Context, positionAccount string, fromBin, toBin int64, bps int, shouldClaimAndClose bool) ([]string, error) {
	builders, err := c.build.BuildRemoveLiquidity(ctx, positionAccount, fromBin, toBin, bps, shouldClaimAndClose)
	if err != nil {
		return nil, err
	}
	return c.submitAll(ctx, builders, "remove-liquidity")
}

func (c *RPCClient) ClaimAllRewards(ctx context.Context, positionAccount string) ([]string, error) {
	builders, err := c.build.BuildClaimAllRewards(ctx, positionAccount)
	if err != nil {
		return nil, err
	}
	return c.submitAll(ctx, builders, "claim-all-rewards")
}

func (c *RPCClient) ClosePositionAccount(ctx context.Context, positionAccount string) (string, error) {
	tb, err := c.build.BuildClosePositionAccount(ctx, positionAccount)
	if err != nil {
		return "", err
	}
	sig, err := c.exec.Submit(ctx, tb, "close-position-account")
	if err != nil {
		if isNonEmptyPosition(err) {
			return "", newNonEmptyPositionError(positionAccount)
		}
		return "", err
	}
	return sig, nil
}

func (c *RPCClient) GetPosition(ctx context.Context, positionAccount string) (*PositionAccount, error) {
	info, err := c.exec.GetAccountInfo(ctx, positionAccount)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return nil, fmt.Errorf("decode position account: %w", err)
	}

	return &PositionAccount{
		LowerBin: int64(readInt32LE(data, positionLowerBinOffset)),
		UpperBin: int64(readInt32LE(data, positionUpperBinOffset)),
		Empty:    len(data) <= positionOwnerOffset,
	}, nil
}

func (c *RPCClient) ListUserPositions(ctx context.Context) ([]string, error) {
	// The program exposes no getProgramAccounts-free enumeration; the
	// caller (PositionManager) tracks position accounts itself via
	// PositionStore and calls GetPosition per-account instead.
	return nil, fmt.Errorf("pool: ListUserPositions requires getProgramAccounts, not exposed by RPCClient")
}

func (c *RPCClient) submitAll(ctx context.Context, builders []rpcexec.TxBuilder, label string) ([]string, error) {
	sigs := make([]string, 0, len(builders))
	for i, tb := range builders {
		sig, err := c.exec.Submit(ctx, tb, fmt.Sprintf("%s-%d", label, i))
		if err != nil {
			if isNoLiquidityOrZeroReward(err) {
				continue
			}
			return sigs, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func readInt32LE(data []byte, offset int) int32 {
	if offset+4 > len(data) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(data[offset:]))
}

func isAlreadyInitialized(err error) bool {
	return err != nil && coreerr.KindOf(err) == coreerr.OnChainLogical
}

func isSlippageExceeded(err error) bool {
	pe, ok := coreerr.AsProgramError(err)
	return ok && pe.Code == coreerr.CodeExceededBinSlippageTolerance
}

func isNonEmptyPosition(err error) bool {
	pe, ok := coreerr.AsProgramError(err)
	return ok && pe.Code == coreerr.CodeNonEmptyPosition
}

func isNoLiquidityOrZeroReward(err error) bool {
	return err != nil && coreerr.KindOf(err) == coreerr.OnChainLogical
}
