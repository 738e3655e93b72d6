package wallet

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"binrange-core/internal/rpcexec"
)

// splTokenAmountOffset is the byte offset of the u64 little-endian
// token amount within an SPL token account's raw data (after the
// 32-byte mint and 32-byte owner fields).
const splTokenAmountOffset = 64

// lamportsPerBase is the number of base-asset lamports per whole unit
// (Solana's native SOL has 9 decimals).
const lamportsPerBase = 1e9

// RPCChainReader implements ChainReader against a live RPC node
// through an rpcexec.Executor: BaseBalance reads the owner account's
// lamports directly, QuoteTokenBalance decodes the SPL token account's
// raw data the same way internal/pool decodes AMM accounts.
type RPCChainReader struct {
	exec           *rpcexec.Executor
	quoteDecimals  int
}

// NewRPCChainReader creates a ChainReader reading quote-token balances
// assuming quoteDecimals decimal places.
func NewRPCChainReader(exec *rpcexec.Executor, quoteDecimals int) *RPCChainReader {
	return &RPCChainReader{exec: exec, quoteDecimals: quoteDecimals}
}

var _ ChainReader = (*RPCChainReader)(nil)

func (r *RPCChainReader) BaseBalance(ctx context.Context, owner string) (float64, error) {
	info, err := r.exec.GetAccountInfo(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("read base balance: %w", err)
	}
	if info == nil {
		return 0, fmt.Errorf("owner account %s not found", owner)
	}
	return float64(info.Lamports) / lamportsPerBase, nil
}

func (r *RPCChainReader) QuoteTokenBalance(ctx context.Context, tokenAccount string) (float64, error) {
	info, err := r.exec.GetAccountInfo(ctx, tokenAccount)
	if err != nil {
		return 0, fmt.Errorf("read quote token balance: %w", err)
	}
	if info == nil {
		return 0, nil
	}

	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return 0, fmt.Errorf("decode token account: %w", err)
	}
	if len(data) < splTokenAmountOffset+8 {
		return 0, fmt.Errorf("token account %s: short data (%d bytes)", tokenAccount, len(data))
	}

	raw := binary.LittleEndian.Uint64(data[splTokenAmountOffset : splTokenAmountOffset+8])
	divisor := pow10(r.quoteDecimals)
	return float64(raw) / divisor, nil
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
