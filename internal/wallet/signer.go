package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/tyler-smith/go-bip39"
)

// derivationPath is the SLIP-10 path conventionally used for a
// Solana account's primary signing key.
var derivationPath = []uint32{44, 501, 0, 0}

const hardenedOffset = uint32(0x80000000)

// TransactionSigner signs raw transaction bytes and exposes the
// corresponding public key. PositionManager and WalletService depend
// on this interface, not on a concrete keypair, so tests can supply a
// deterministic fake.
type TransactionSigner interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) []byte
}

// Ed25519Signer is a TransactionSigner backed by a key derived from a
// BIP39 mnemonic via SLIP-10 hardened derivation.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSignerFromMnemonic derives the wallet's signing key from a BIP39
// mnemonic (no passphrase, matching how most Solana wallets export
// seed phrases) at m/44'/501'/0'/0'.
func NewSignerFromMnemonic(mnemonic string) (*Ed25519Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid BIP39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, _, err := derivePath(seed, derivationPath)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive key: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(key)
	pub := priv.Public().(ed25519.PublicKey)

	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return nil, fmt.Errorf("wallet: derived public key is not a valid curve point: %w", err)
	}

	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// derivePath runs SLIP-10 hardened-only derivation for ed25519 over
// seed along path, returning the final 32-byte key and chain code.
func derivePath(seed []byte, path []uint32) ([]byte, []byte, error) {
	key, chainCode := masterKey(seed)
	for _, index := range path {
		var err error
		key, chainCode, err = deriveChild(key, chainCode, index|hardenedOffset)
		if err != nil {
			return nil, nil, err
		}
	}
	return key, chainCode, nil
}

func masterKey(seed []byte) (key, chainCode []byte) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func deriveChild(key, chainCode []byte, index uint32) ([]byte, []byte, error) {
	if index < hardenedOffset {
		return nil, nil, fmt.Errorf("ed25519 SLIP-10 only supports hardened derivation")
	}

	data := make([]byte, 0, 1+32+4)
	data = append(data, 0x00)
	data = append(data, key...)

	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], index)
	data = append(data, idxBytes[:]...)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:], nil
}
