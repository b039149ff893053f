package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Wallet is an external signing capability. The trading core never holds
// keys; it only asks a wallet for typed-data signatures.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	// SignTypedData returns a 65-byte signature. A declined request must
	// return an error wrapping ErrUserRejected.
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// PrivateKeyWallet is a local Wallet backed by an in-process key. It is
// meant for tests and command-line tools.
type PrivateKeyWallet struct {
	mu         sync.RWMutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewPrivateKeyWallet creates a wallet from a hex private key (with or
// without 0x prefix) connected to chainID.
func NewPrivateKeyWallet(privateKeyHex string, chainID int64) (*PrivateKeyWallet, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeyWalletFromKey(privateKey, chainID), nil
}

// NewPrivateKeyWalletFromKey wraps an existing key.
func NewPrivateKeyWalletFromKey(privateKey *ecdsa.PrivateKey, chainID int64) *PrivateKeyWallet {
	return &PrivateKeyWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
	}
}

// Address returns the wallet's EOA address
func (w *PrivateKeyWallet) Address() common.Address {
	return w.address
}

// ChainID returns the chain the wallet is connected to
func (w *PrivateKeyWallet) ChainID(ctx context.Context) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID, nil
}

// SwitchChain moves the wallet to chainID
func (w *PrivateKeyWallet) SwitchChain(ctx context.Context, chainID int64) error {
	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	return nil
}

// SignTypedData hashes td and signs the digest with v in {27, 28}.
func (w *PrivateKeyWallet) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := TypedDataDigest(td)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest.Bytes(), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign typed data: %w", err)
	}
	signature[64] += 27
	return signature, nil
}
