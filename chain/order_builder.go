package chain

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the taker sentinel meaning "any taker".
var ZeroAddress = common.Address{}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// SaltFunc produces a fresh order salt.
type SaltFunc func() (*big.Int, error)

// OrderBuilder builds unsigned orders for one trading identity
type OrderBuilder struct {
	identity *Identity
	salt     SaltFunc
}

// NewOrderBuilder creates a new OrderBuilder. A nil identity is accepted and
// reported by Build, so callers can construct the builder before login.
func NewOrderBuilder(identity *Identity) *OrderBuilder {
	return &OrderBuilder{
		identity: identity,
		salt:     RandomUint256,
	}
}

// WithSalt returns a copy of the builder using fn for salts.
func (ob *OrderBuilder) WithSalt(fn SaltFunc) *OrderBuilder {
	cp := *ob
	cp.salt = fn
	return &cp
}

// Identity returns the identity orders are built for.
func (ob *OrderBuilder) Identity() *Identity {
	return ob.identity
}

// Build assembles an unsigned order. nonce may be nil, in which case a
// fresh random nonce is used.
func (ob *OrderBuilder) Build(tokenID string, side Side, makerAmount, takerAmount *big.Int, feeRateBps int64, nonce *big.Int) (*Order, error) {
	if err := ob.validateIdentity(); err != nil {
		return nil, err
	}
	if side != SideBuy && side != SideSell {
		return nil, validationErr("side", ErrUnsupportedSide, "must be BUY or SELL, got %d", side)
	}

	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || token.Sign() < 0 || token.Cmp(maxUint256) > 0 {
		return nil, validationErr("tokenId", ErrInvalidTokenID, "%q is not a base-10 uint256", tokenID)
	}
	if makerAmount == nil || makerAmount.Sign() <= 0 {
		return nil, &PrecisionError{Field: "makerAmount", Value: bigString(makerAmount), Err: ErrAmountTooSmall}
	}
	if takerAmount == nil || takerAmount.Sign() <= 0 {
		return nil, &PrecisionError{Field: "takerAmount", Value: bigString(takerAmount), Err: ErrAmountTooSmall}
	}
	if feeRateBps < 0 {
		return nil, validationErr("feeRateBps", nil, "must not be negative, got %d", feeRateBps)
	}

	salt, err := ob.salt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if nonce == nil {
		nonce, err = RandomUint256()
		if err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
	} else {
		nonce = new(big.Int).Set(nonce)
	}

	return &Order{
		Salt:          salt,
		Maker:         ob.identity.Maker,
		Signer:        ob.identity.Signer,
		Taker:         ZeroAddress,
		TokenID:       token,
		MakerAmount:   new(big.Int).Set(makerAmount),
		TakerAmount:   new(big.Int).Set(takerAmount),
		Expiration:    big.NewInt(0),
		Nonce:         nonce,
		FeeRateBps:    big.NewInt(feeRateBps),
		Side:          side,
		SignatureType: ob.identity.SignatureType,
	}, nil
}

func (ob *OrderBuilder) validateIdentity() error {
	if ob.identity == nil {
		return &IdentityError{Err: ErrNoActiveIdentity}
	}
	if ob.identity.Maker == ZeroAddress {
		return &IdentityError{Message: "maker address is not set", Err: ErrNoActiveIdentity}
	}
	if ob.identity.Signer == ZeroAddress {
		return &IdentityError{Message: "signer address is not set", Err: ErrNoActiveIdentity}
	}
	if ob.identity.SignatureType > SignatureTypePolyGnosisSafe {
		return &IdentityError{Message: fmt.Sprintf("unknown signature type %d", ob.identity.SignatureType), Err: ErrNoActiveIdentity}
	}
	return nil
}

// RandomUint256 returns a uniformly random value in [0, 2^256).
func RandomUint256() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Add(maxUint256, big.NewInt(1)))
}

func bigString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
