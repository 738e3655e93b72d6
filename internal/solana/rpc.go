// Package solana is a thin JSON-RPC 2.0 transport for the operations
// the trading core needs from a Solana-compatible RPC node: account
// reads, blockhash/slot lookups and transaction submission. It knows
// nothing about the AMM program layout — that lives in internal/pool.
package solana

import "context"

// RPCClient defines the subset of Solana JSON-RPC methods the core
// depends on.
type RPCClient interface {
	// GetAccountInfo retrieves account info by public key. Returns nil,
	// nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)

	// GetLatestBlockhash retrieves the most recent confirmed blockhash
	// and the last block height at which it is valid.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SendTransaction submits a fully-signed, base64-encoded transaction
	// and returns its signature. It does not wait for confirmation.
	SendTransaction(ctx context.Context, txBase64 string, skipPreflight bool) (string, error)

	// GetSignatureStatuses retrieves confirmation status for a batch of
	// signatures.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// Blockhash is a recent blockhash usable as a transaction's fee-payer
// nonce until LastValidBlockHeight is exceeded.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SignatureStatus is one entry of getSignatureStatuses' result array.
// Nil elements in the batch (unknown signature) surface as a nil
// pointer at the corresponding index.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *int64
	Err                interface{}
	ConfirmationStatus string // "processed" | "confirmed" | "finalized"
}

// Confirmed reports whether s has reached at least "confirmed"
// commitment with no error.
func (s *SignatureStatus) Confirmed() bool {
	if s == nil || s.Err != nil {
		return false
	}
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}
