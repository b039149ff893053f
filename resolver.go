package opiweb

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
)

var addressPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

// Provider schemas name the same fields differently. Each table lists the
// accepted keys in lookup order.
var (
	proxyKeys = map[string]struct{}{
		"proxy": {}, "proxywallet": {}, "proxy_wallet": {}, "proxyaddress": {},
		"proxy_address": {}, "safe": {}, "safeaddress": {}, "safe_address": {},
	}
	tickSizeKeys     = []string{"minimum_tick_size", "tick_size", "minimumTickSize", "tickSize"}
	negRiskKeys      = []string{"neg_risk", "negRisk"}
	feeRateKeys      = []string{"base_fee", "fee_rate_bps", "feeRateBps", "fee_rate"}
	minOrderSizeKeys = []string{"min_order_size", "minimum_order_size", "minOrderSize", "minimumOrderSize"}
	balanceKeys      = []string{"balance", "available", "amount", "value"}
	yesTokenKeys     = []string{"clob_token_yes", "clobTokenYes", "yes_token_id", "yesTokenId", "token_yes"}
	noTokenKeys      = []string{"clob_token_no", "clobTokenNo", "no_token_id", "noTokenId", "token_no"}
)

// Resolver maps provider wallet payloads onto a TradingContext.
type Resolver struct {
	chainID  ChainID
	exchange common.Address
}

// NewResolver creates a resolver for the chain and its default exchange
func NewResolver(chainID ChainID, exchange common.Address) *Resolver {
	return &Resolver{chainID: chainID, exchange: exchange}
}

// Resolve returns an EOA context unless the wallet payload names a proxy
// wallet different from eoa, in which case orders are made by the proxy and
// signed by the EOA (signature type 2).
func (r *Resolver) Resolve(eoa common.Address, wallet map[string]interface{}) *TradingContext {
	tc := &TradingContext{
		Mode:            TradingModeEOA,
		EOAAddress:      eoa,
		TradingAddress:  eoa,
		ChainID:         r.chainID,
		ExchangeAddress: r.exchange,
		SignatureType:   chain.SignatureTypeEOA,
		WalletSummary:   wallet,
	}
	if len(wallet) == 0 {
		return tc
	}

	proxy, ok := findProxy(wallet, eoa)
	if !ok {
		proxy, ok = findAltAddress(wallet, eoa)
	}
	if ok {
		tc.Mode = TradingModeProxy
		tc.TradingAddress = proxy
		tc.FunderAddress = &proxy
		tc.SignatureType = chain.SignatureTypePolyGnosisSafe
	}
	return tc
}

func extractAddress(v interface{}) (common.Address, bool) {
	s, ok := v.(string)
	if !ok {
		return common.Address{}, false
	}
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), true
	}
	if m := addressPattern.FindString(s); m != "" {
		return common.HexToAddress(m), true
	}
	return common.Address{}, false
}

func findProxy(obj interface{}, eoa common.Address) (common.Address, bool) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			key := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
			if _, isProxy := proxyKeys[key]; isProxy {
				if addr, ok := extractAddress(v[k]); ok && addr != eoa {
					return addr, true
				}
			}
			if addr, ok := findProxy(v[k], eoa); ok {
				return addr, true
			}
		}
	case []interface{}:
		for _, item := range v {
			if addr, ok := findProxy(item, eoa); ok {
				return addr, true
			}
		}
	}
	return common.Address{}, false
}

func findAltAddress(obj interface{}, eoa common.Address) (common.Address, bool) {
	switch v := obj.(type) {
	case string:
		if addr, ok := extractAddress(v); ok && addr != eoa {
			return addr, true
		}
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			if addr, ok := findAltAddress(v[k], eoa); ok {
				return addr, true
			}
		}
	case []interface{}:
		for _, item := range v {
			if addr, ok := findAltAddress(item, eoa); ok {
				return addr, true
			}
		}
	}
	return common.Address{}, false
}

// ParseTokenMarketInfo maps a provider market payload onto TokenMarketInfo.
// The exchange follows the neg-risk flag.
func ParseTokenMarketInfo(tokenID string, payload map[string]interface{}, contracts ContractAddresses) (*TokenMarketInfo, error) {
	info := &TokenMarketInfo{TokenID: tokenID, TickSize: chain.TickSize001}

	if v, ok := lookup(payload, tickSizeKeys...); ok {
		info.TickSize = chain.ParseTickSize(fmt.Sprint(v))
	}
	if v, ok := lookup(payload, negRiskKeys...); ok {
		if b, ok := toBool(v); ok {
			info.NegRisk = b
		}
	}
	if v, ok := lookup(payload, feeRateKeys...); ok {
		fee, ok := toDecimal(v)
		if !ok || fee.IsNegative() {
			return nil, &InvalidParamError{Message: fmt.Sprintf("invalid fee rate %v", v)}
		}
		info.FeeRateBps = fee.IntPart()
	}
	if v, ok := lookup(payload, minOrderSizeKeys...); ok {
		if d, ok := toDecimal(v); ok {
			info.MinOrderSize = d
		}
	}

	exchange := contracts.Exchange
	if info.NegRisk {
		exchange = contracts.NegRiskExchange
	}
	info.ExchangeAddress = common.HexToAddress(exchange)
	return info, nil
}

// NormalizeBalance reads a balance from any of the known keys. Values that
// look like raw 6-decimal units are scaled down.
func NormalizeBalance(payload map[string]interface{}) decimal.Decimal {
	v, ok := lookup(payload, balanceKeys...)
	if !ok {
		return decimal.Zero
	}
	d, ok := toDecimal(v)
	if !ok {
		return decimal.Zero
	}
	var raw string
	switch n := v.(type) {
	case string:
		raw = n
	case json.Number:
		raw = n.String()
	default:
		return d
	}
	if !strings.ContainsAny(raw, ".eE") && d.GreaterThanOrEqual(tokenUnitsScale) {
		return chain.FromTokenUnits(d.BigInt())
	}
	return d
}

// ExtractOutcomeTokenIDs finds the YES and NO token ids of a binary market
// payload, either from explicit keys or from paired outcomes/clobTokenIds lists.
func ExtractOutcomeTokenIDs(market map[string]interface{}) (yes, no string) {
	if v, ok := lookup(market, yesTokenKeys...); ok {
		yes = fmt.Sprint(v)
	}
	if v, ok := lookup(market, noTokenKeys...); ok {
		no = fmt.Sprint(v)
	}
	if yes != "" && no != "" {
		return yes, no
	}

	outcomes := stringList(market["outcomes"])
	tokens := stringList(firstPresent(market, "clobTokenIds", "clob_token_ids"))
	for i := 0; i < len(outcomes) && i < len(tokens); i++ {
		out := strings.ToLower(outcomes[i])
		switch {
		case strings.Contains(out, "yes") && yes == "":
			yes = tokens[i]
		case strings.Contains(out, "no") && no == "":
			no = tokens[i]
		}
	}
	return yes, no
}

func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	v, _ := lookup(m, keys...)
	return v
}

// stringList accepts a JSON array or a JSON-encoded array string.
func stringList(v interface{}) []string {
	switch l := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return l
	case string:
		var out []string
		if err := json.Unmarshal([]byte(l), &out); err == nil {
			return out
		}
	}
	return nil
}
