package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultChainID is Polygon mainnet.
const DefaultChainID int64 = 137

// DomainOverride selects a per-market domain. Zero fields fall back to the
// signer's defaults.
type DomainOverride struct {
	ChainID           int64
	VerifyingContract common.Address
}

// Signer requests exchange signatures from a Wallet
type Signer struct {
	wallet          Wallet
	chainID         int64
	defaultExchange common.Address
}

// NewSigner creates a Signer. chainID <= 0 selects DefaultChainID.
func NewSigner(wallet Wallet, chainID int64, defaultExchange common.Address) *Signer {
	if chainID <= 0 {
		chainID = DefaultChainID
	}
	return &Signer{
		wallet:          wallet,
		chainID:         chainID,
		defaultExchange: defaultExchange,
	}
}

// ChainID returns the signer's default chain
func (s *Signer) ChainID() int64 {
	return s.chainID
}

// Domain resolves the exchange domain for an optional override.
func (s *Signer) Domain(override *DomainOverride) (*EIP712Domain, error) {
	chainID := s.chainID
	contract := s.defaultExchange
	if override != nil {
		if override.ChainID > 0 {
			chainID = override.ChainID
		}
		if override.VerifyingContract != ZeroAddress {
			contract = override.VerifyingContract
		}
	}
	if contract == ZeroAddress {
		return nil, validationErr("verifyingContract", nil, "no exchange address configured")
	}
	return NewEIP712Domain(chainID, contract), nil
}

// Sign obtains the wallet's signature over order and returns the wire shape.
// The wallet must be on the domain's chain; a mismatch triggers one switch
// request and then fails with a ChainError.
func (s *Signer) Sign(ctx context.Context, order *Order, override *DomainOverride) (*SignedOrder, error) {
	if s.wallet == nil {
		return nil, &SigningError{Err: ErrNoWallet}
	}
	if order == nil {
		return nil, validationErr("order", nil, "order is nil")
	}
	domain, err := s.Domain(override)
	if err != nil {
		return nil, err
	}
	if err := s.ensureChain(ctx, domain.ChainID.Int64()); err != nil {
		return nil, err
	}

	sig, err := s.wallet.SignTypedData(ctx, OrderTypedData(domain, order))
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	sig, err = normalizeSignature(sig)
	if err != nil {
		return nil, err
	}

	digest, err := OrderDigest(domain, order)
	if err != nil {
		return nil, err
	}
	recovered, err := recoverAddress(digest, sig)
	if err != nil {
		return nil, err
	}
	if recovered != order.Signer {
		return nil, &SigningError{Err: fmt.Errorf("%w: signed by %s, order signer %s", ErrInvalidSignature, recovered.Hex(), order.Signer.Hex())}
	}

	return newSignedOrder(order, sig), nil
}

// SignAuthChallenge signs the CLOB auth message for address. An empty
// message uses AuthAttestation.
func (s *Signer) SignAuthChallenge(ctx context.Context, address common.Address, nonce int64, timestamp int64, message string) (string, error) {
	if s.wallet == nil {
		return "", &SigningError{Err: ErrNoWallet}
	}
	if err := s.ensureChain(ctx, s.chainID); err != nil {
		return "", err
	}
	sig, err := s.wallet.SignTypedData(ctx, AuthTypedData(s.chainID, address, timestamp, nonce, message))
	if err != nil {
		return "", &SigningError{Err: err}
	}
	sig, err = normalizeSignature(sig)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func (s *Signer) ensureChain(ctx context.Context, required int64) error {
	actual, err := s.wallet.ChainID(ctx)
	if err != nil {
		return &SigningError{Err: fmt.Errorf("failed to read wallet chain: %w", err)}
	}
	if actual == required {
		return nil
	}

	if err := s.wallet.SwitchChain(ctx, required); err != nil && errors.Is(err, ErrUserRejected) {
		return &ChainError{Required: required, Actual: actual, Err: ErrChainMismatch}
	}

	actual, err = s.wallet.ChainID(ctx)
	if err != nil {
		return &SigningError{Err: fmt.Errorf("failed to read wallet chain: %w", err)}
	}
	if actual != required {
		return &ChainError{Required: required, Actual: actual, Err: ErrChainMismatch}
	}
	return nil
}

func normalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, &SigningError{Err: fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))}
	}
	out := make([]byte, 65)
	copy(out, sig)
	if out[64] < 27 {
		out[64] += 27
	}
	return out, nil
}
