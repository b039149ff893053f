package opiweb

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
)

// OrderType is the CLOB time-in-force of a posted order
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// ParseOrderType accepts any case; empty selects GTC.
func ParseOrderType(raw string) (OrderType, error) {
	switch t := OrderType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case "":
		return OrderTypeGTC, nil
	case OrderTypeGTC, OrderTypeGTD, OrderTypeFOK, OrderTypeFAK:
		return t, nil
	}
	return "", &InvalidParamError{Message: fmt.Sprintf("order_type must be GTC, GTD, FOK or FAK, got %q", raw)}
}

// TpMode distinguishes a single exit from a ladder
type TpMode string

const (
	TpModeSingle TpMode = "single"
	TpModeLadder TpMode = "ladder"
)

// TradingMode tells whether orders are made by the EOA or a proxy wallet
type TradingMode string

const (
	TradingModeEOA   TradingMode = "eoa"
	TradingModeProxy TradingMode = "proxy"
)

// TokenMarketInfo is the read-only market metadata of one outcome token.
type TokenMarketInfo struct {
	TokenID         string
	TickSize        chain.TickSize
	FeeRateBps      int64
	MinOrderSize    decimal.Decimal
	ExchangeAddress common.Address
	NegRisk         bool
}

// TradingContext is the authenticated trading identity of a session.
type TradingContext struct {
	Mode            TradingMode            `json:"mode"`
	EOAAddress      common.Address         `json:"eoa_address"`
	TradingAddress  common.Address         `json:"trading_address"`
	FunderAddress   *common.Address        `json:"funder_address,omitempty"`
	ChainID         ChainID                `json:"chain_id"`
	ExchangeAddress common.Address         `json:"exchange_address"`
	SignatureType   chain.SignatureType    `json:"signature_type"`
	WalletSummary   map[string]interface{} `json:"wallet_summary,omitempty"`
}

// Identity returns the order identity of the context
func (tc *TradingContext) Identity() *chain.Identity {
	if tc == nil {
		return nil
	}
	return &chain.Identity{
		Maker:         tc.TradingAddress,
		Signer:        tc.EOAAddress,
		SignatureType: tc.SignatureType,
	}
}

// EntryRecord is the last successfully placed entry order.
type EntryRecord struct {
	OrderID          string
	TokenID          string
	Side             chain.Side
	Outcome          string
	FilledSizeTokens decimal.Decimal
	EntryPrice       decimal.Decimal
	ExchangeAddress  common.Address
	NegRisk          bool
	TickSize         chain.TickSize
	FeeRateBps       int64
	SignedOrder      *chain.SignedOrder
	IdempotencyKey   string
	CreatedAt        time.Time
}

// TpLevel is one exit price and the share of the position sold there
type TpLevel struct {
	Price   decimal.Decimal `json:"price"`
	SizePct decimal.Decimal `json:"size_pct"`
}

// SignedTpOrder is the pre-signed SELL order of one level
type SignedTpOrder struct {
	LevelIndex  int                `json:"level_index"`
	OrderType   OrderType          `json:"order_type"`
	SignedOrder *chain.SignedOrder `json:"signed_order"`
}

// ArmState is the orchestrator state of one arm attempt
type ArmState string

const (
	ArmStateValidating      ArmState = "validating"
	ArmStatePerLevelSigning ArmState = "per_level_signing"
	ArmStateSubmitted       ArmState = "submitted"
	ArmStateFailed          ArmState = "failed"
)

// TpPlan is a fully signed take-profit ladder
type TpPlan struct {
	ArmID      string
	Mode       TpMode
	EntryID    string
	Levels     []TpLevel
	Normalized []*chain.NormalizedAmounts
	Orders     []SignedTpOrder
	State      ArmState
}

// EntryOrderRequest is the entry order as handed to the order transport
type EntryOrderRequest struct {
	TokenID        string             `json:"token_id"`
	Side           string             `json:"side"`
	Outcome        string             `json:"outcome,omitempty"`
	Price          decimal.Decimal    `json:"price"`
	SizeUSDC       *decimal.Decimal   `json:"size_usdc,omitempty"`
	SizeTokens     *decimal.Decimal   `json:"size_tokens,omitempty"`
	OrderType      OrderType          `json:"order_type"`
	IdempotencyKey string             `json:"idempotency_key"`
	SignedOrder    *chain.SignedOrder `json:"signed_order"`
}

// TpArmRequest registers a signed ladder with the TP engine
type TpArmRequest struct {
	EntryOrderID    string          `json:"entry_order_id"`
	TokenID         string          `json:"token_id"`
	EntrySizeTokens decimal.Decimal `json:"entry_size_tokens"`
	Mode            TpMode          `json:"mode"`
	Levels          []TpLevel       `json:"levels"`
	SignedTpOrders  []SignedTpOrder `json:"signed_tp_orders"`
	MaxMinutes      int             `json:"max_minutes,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// Validate checks the request limits accepted by the TP engine.
func (r *TpArmRequest) Validate() error {
	if len(r.EntryOrderID) < 4 {
		return &InvalidParamError{Message: "entry_order_id must be at least 4 characters"}
	}
	if r.TokenID == "" {
		return &InvalidParamError{Message: "token_id is required"}
	}
	if !r.EntrySizeTokens.IsPositive() {
		return &InvalidParamError{Message: "entry_size_tokens must be positive"}
	}
	if r.Mode != TpModeSingle && r.Mode != TpModeLadder {
		return &InvalidParamError{Message: fmt.Sprintf("mode must be single or ladder, got %q", r.Mode)}
	}
	if err := ValidateLevels(r.Levels); err != nil {
		return err
	}
	if n := len(r.SignedTpOrders); n < 1 || n > MaxTpLevels {
		return &InvalidParamError{Message: fmt.Sprintf("signed_tp_orders must have 1 to %d entries, got %d", MaxTpLevels, n)}
	}
	for _, o := range r.SignedTpOrders {
		if o.LevelIndex < 0 || o.LevelIndex > 9 {
			return &InvalidParamError{Message: fmt.Sprintf("level_index must be between 0 and 9, got %d", o.LevelIndex)}
		}
		if o.SignedOrder == nil {
			return &InvalidParamError{Message: fmt.Sprintf("signed order missing for level %d", o.LevelIndex)}
		}
	}
	if r.MaxMinutes < 0 || r.MaxMinutes > MaxTpMinutes {
		return &InvalidParamError{Message: fmt.Sprintf("max_minutes must be between 1 and %d, got %d", MaxTpMinutes, r.MaxMinutes)}
	}
	return nil
}

// PostOrderResult is the CLOB response to an order submission
type PostOrderResult struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderID"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"`
}
