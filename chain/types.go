package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Side represents the side of an order. The numeric encoding is fixed by the exchange.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts "BUY"/"SELL" (any case) or "0"/"1".
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "0":
		return SideBuy, nil
	case "SELL", "1":
		return SideSell, nil
	}
	return 0, validationErr("side", ErrUnsupportedSide, "must be BUY or SELL, got %q", raw)
}

// SignatureType represents the signature type for orders
type SignatureType uint8

const (
	SignatureTypeEOA SignatureType = iota
	SignatureTypePolyProxy
	SignatureTypePolyGnosisSafe
)

// Identity is the trading identity an order is built for. Maker may be a
// proxy or safe wallet; Signer is always the EOA producing the signature.
type Identity struct {
	Maker         common.Address
	Signer        common.Address
	SignatureType SignatureType
}

// Order is an unsigned exchange order. It is built once and never mutated.
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          Side
	SignatureType SignatureType
}

// SignedOrder is the exchange's expected signed-order shape. Every integer
// field is a canonical base-10 string.
type SignedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// ERC20 ABI JSON for balanceOf and allowance
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	}
]`

// ConditionalTokens ABI JSON for isApprovedForAll and balanceOf
const conditionalTokensABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "operator", "type": "address"}
		],
		"name": "isApprovedForAll",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "id", "type": "uint256"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	}
]`

var (
	erc20ABI             = mustParseABI(erc20ABIJSON)
	conditionalTokensABI = mustParseABI(conditionalTokensABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}
