package opiweb

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
)

var (
	testEOA   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testProxy = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

func TestResolverResolve(t *testing.T) {
	r := NewResolver(ChainIDPolygon, testExchange)

	tests := []struct {
		name      string
		wallet    map[string]interface{}
		wantProxy bool
	}{
		{"no wallet", nil, false},
		{"proxy key", map[string]interface{}{"proxyWallet": testProxy.Hex()}, true},
		{"nested safe key", map[string]interface{}{
			"data": map[string]interface{}{"Safe-Address": "Gnosis safe at " + testProxy.Hex()},
		}, true},
		{"proxy equal to eoa falls back to another address", map[string]interface{}{
			"proxy":    testEOA.Hex(),
			"deployed": []interface{}{testProxy.Hex()},
		}, true},
		{"only the eoa", map[string]interface{}{"proxy": testEOA.Hex(), "owner": testEOA.Hex()}, false},
		{"no addresses", map[string]interface{}{"name": "main wallet", "nonce": 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := r.Resolve(testEOA, tt.wallet)

			if tc.EOAAddress != testEOA {
				t.Errorf("EOAAddress = %s, want %s", tc.EOAAddress.Hex(), testEOA.Hex())
			}
			if tc.ChainID != ChainIDPolygon || tc.ExchangeAddress != testExchange {
				t.Errorf("chain/exchange = %d/%s", tc.ChainID, tc.ExchangeAddress.Hex())
			}

			if !tt.wantProxy {
				if tc.Mode != TradingModeEOA || tc.TradingAddress != testEOA || tc.SignatureType != chain.SignatureTypeEOA {
					t.Errorf("context = %+v, want EOA mode", tc)
				}
				if tc.FunderAddress != nil {
					t.Errorf("FunderAddress = %s, want nil", tc.FunderAddress.Hex())
				}
				return
			}

			if tc.Mode != TradingModeProxy {
				t.Errorf("Mode = %s, want proxy", tc.Mode)
			}
			if tc.TradingAddress != testProxy {
				t.Errorf("TradingAddress = %s, want %s", tc.TradingAddress.Hex(), testProxy.Hex())
			}
			if tc.SignatureType != chain.SignatureTypePolyGnosisSafe {
				t.Errorf("SignatureType = %d, want %d", tc.SignatureType, chain.SignatureTypePolyGnosisSafe)
			}
			if tc.FunderAddress == nil || *tc.FunderAddress != testProxy {
				t.Errorf("FunderAddress = %v, want %s", tc.FunderAddress, testProxy.Hex())
			}

			id := tc.Identity()
			if id.Maker != testProxy || id.Signer != testEOA {
				t.Errorf("Identity() = %+v, want maker proxy and signer EOA", id)
			}
		})
	}
}

func TestParseTokenMarketInfo(t *testing.T) {
	contracts := DefaultContractAddresses[ChainIDPolygon]

	info, err := ParseTokenMarketInfo("42", map[string]interface{}{
		"minimum_tick_size": json.Number("0.001"),
		"neg_risk":          true,
		"base_fee":          json.Number("200"),
		"min_order_size":    "5",
	}, contracts)
	if err != nil {
		t.Fatalf("ParseTokenMarketInfo() error = %v", err)
	}
	if info.TickSize != chain.TickSize0001 {
		t.Errorf("TickSize = %s, want 0.001", info.TickSize)
	}
	if !info.NegRisk || info.ExchangeAddress != common.HexToAddress(contracts.NegRiskExchange) {
		t.Errorf("neg risk = %v on %s, want true on the neg-risk exchange", info.NegRisk, info.ExchangeAddress.Hex())
	}
	if info.FeeRateBps != 200 {
		t.Errorf("FeeRateBps = %d, want 200", info.FeeRateBps)
	}
	if !info.MinOrderSize.Equal(decimal.NewFromInt(5)) {
		t.Errorf("MinOrderSize = %s, want 5", info.MinOrderSize)
	}

	info, err = ParseTokenMarketInfo("42", map[string]interface{}{"tickSize": "0.05", "negRisk": "false"}, contracts)
	if err != nil {
		t.Fatalf("ParseTokenMarketInfo() error = %v", err)
	}
	if info.TickSize != chain.TickSize001 {
		t.Errorf("unknown tick resolved to %s, want 0.01", info.TickSize)
	}
	if info.NegRisk || info.ExchangeAddress != common.HexToAddress(contracts.Exchange) {
		t.Errorf("neg risk = %v on %s, want false on the default exchange", info.NegRisk, info.ExchangeAddress.Hex())
	}

	if _, err := ParseTokenMarketInfo("42", map[string]interface{}{"base_fee": "-1"}, contracts); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("ParseTokenMarketInfo(negative fee) error = %v, want %v", err, ErrInvalidParam)
	}
}

func TestNormalizeBalance(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    string
	}{
		{"raw units", map[string]interface{}{"balance": "12500000"}, "12.5"},
		{"raw json number", map[string]interface{}{"balance": json.Number("2000000")}, "2"},
		{"decimal string", map[string]interface{}{"balance": "12.5"}, "12.5"},
		{"small integer", map[string]interface{}{"balance": "250"}, "250"},
		{"float", map[string]interface{}{"available": 3.25}, "3.25"},
		{"thousands separator", map[string]interface{}{"amount": "1,250.75"}, "1250.75"},
		{"missing", map[string]interface{}{"allowance": "5"}, "0"},
		{"garbage", map[string]interface{}{"balance": "n/a"}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeBalance(tt.payload); !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("NormalizeBalance() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractOutcomeTokenIDs(t *testing.T) {
	tests := []struct {
		name    string
		market  map[string]interface{}
		yes, no string
	}{
		{"explicit keys", map[string]interface{}{"clobTokenYes": "111", "clobTokenNo": "222"}, "111", "222"},
		{"json encoded lists", map[string]interface{}{
			"outcomes":     `["Yes", "No"]`,
			"clobTokenIds": `["111", "222"]`,
		}, "111", "222"},
		{"reversed lists", map[string]interface{}{
			"outcomes":       []interface{}{"No", "Yes"},
			"clob_token_ids": []interface{}{"222", "111"},
		}, "111", "222"},
		{"nothing", map[string]interface{}{"question": "Will it rain?"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yes, no := ExtractOutcomeTokenIDs(tt.market)
			if yes != tt.yes || no != tt.no {
				t.Errorf("ExtractOutcomeTokenIDs() = %q/%q, want %q/%q", yes, no, tt.yes, tt.no)
			}
		})
	}
}
