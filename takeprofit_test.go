package opiweb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
)

const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testTokenID = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
)

var testExchange = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")

func testWallet(t *testing.T) *chain.PrivateKeyWallet {
	t.Helper()
	wallet, err := chain.NewPrivateKeyWallet(testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewPrivateKeyWallet() error = %v", err)
	}
	return wallet
}

func testLadder() []TpLevel {
	return []TpLevel{
		{Price: decimal.RequireFromString("0.55"), SizePct: decimal.NewFromInt(50)},
		{Price: decimal.RequireFromString("0.65"), SizePct: decimal.NewFromInt(30)},
		{Price: decimal.RequireFromString("0.75"), SizePct: decimal.NewFromInt(20)},
	}
}

func testEntry() *EntryRecord {
	return &EntryRecord{
		OrderID:          "0xentry0001",
		TokenID:          testTokenID,
		Side:             chain.SideBuy,
		FilledSizeTokens: decimal.NewFromInt(100),
		EntryPrice:       decimal.RequireFromString("0.45"),
		ExchangeAddress:  testExchange,
		TickSize:         chain.TickSize001,
		CreatedAt:        time.Unix(1700000000, 0),
	}
}

// recordingArmer accepts every request and remembers it
type recordingArmer struct {
	owner string
	reqs  []*TpArmRequest
	err   error
}

func (a *recordingArmer) Arm(ctx context.Context, owner string, req *TpArmRequest) (string, error) {
	a.owner = owner
	a.reqs = append(a.reqs, req)
	if a.err != nil {
		return "", a.err
	}
	return "tp_000000000001", nil
}

func newTestOrchestrator(t *testing.T, armer TpArmer) (*Orchestrator, *chain.PrivateKeyWallet) {
	t.Helper()
	wallet := testWallet(t)
	identity := &chain.Identity{Maker: wallet.Address(), Signer: wallet.Address(), SignatureType: chain.SignatureTypeEOA}
	orch := NewOrchestrator(chain.NewOrderBuilder(identity), chain.NewSigner(wallet, 137, testExchange), OrchestratorConfig{
		Armer:      armer,
		Owner:      wallet.Address().Hex(),
		MaxMinutes: 30,
	})
	return orch, wallet
}

func TestValidateLevels(t *testing.T) {
	level := func(price, pct string) TpLevel {
		return TpLevel{Price: decimal.RequireFromString(price), SizePct: decimal.RequireFromString(pct)}
	}

	tests := []struct {
		name    string
		levels  []TpLevel
		wantErr error
	}{
		{"ladder sums to 100", testLadder(), nil},
		{"single level", []TpLevel{level("0.6", "100")}, nil},
		{"within tolerance", []TpLevel{level("0.6", "50"), level("0.7", "49.9")}, nil},
		{"sum too low", []TpLevel{level("0.55", "50"), level("0.65", "30"), level("0.75", "19")}, ErrPercentageSumInvalid},
		{"sum too high", []TpLevel{level("0.6", "60"), level("0.7", "40.5")}, ErrPercentageSumInvalid},
		{"price at one", []TpLevel{level("1", "100")}, chain.ErrInvalidPrice},
		{"price zero", []TpLevel{level("0", "100")}, chain.ErrInvalidPrice},
		{"zero percent", []TpLevel{level("0.6", "0"), level("0.7", "100")}, ErrInvalidParam},
		{"no levels", nil, ErrInvalidParam},
		{"too many levels", []TpLevel{level("0.5", "25"), level("0.6", "25"), level("0.7", "25"), level("0.8", "25")}, ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLevels(tt.levels)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateLevels() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateLevels() succeeded, want %v", tt.wantErr)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error = %T, want *ValidationError", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateLevels() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrchestratorArmSignsEveryLevel(t *testing.T) {
	armer := &recordingArmer{}
	orch, wallet := newTestOrchestrator(t, armer)

	plan, err := orch.Arm(context.Background(), testEntry(), testLadder(), "")
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	if plan.State != ArmStateSubmitted {
		t.Errorf("State = %s, want %s", plan.State, ArmStateSubmitted)
	}
	if plan.Mode != TpModeLadder {
		t.Errorf("Mode = %s, want %s", plan.Mode, TpModeLadder)
	}
	if plan.ArmID != "tp_000000000001" {
		t.Errorf("ArmID = %s, want tp_000000000001", plan.ArmID)
	}
	if len(plan.Orders) != 3 {
		t.Fatalf("orders = %d, want 3", len(plan.Orders))
	}

	want := []struct{ maker, taker string }{
		{"50000000", "27500000"},
		{"30000000", "19500000"},
		{"20000000", "15000000"},
	}
	domain := chain.NewEIP712Domain(137, testExchange)
	for i, o := range plan.Orders {
		so := o.SignedOrder
		if o.LevelIndex != i {
			t.Errorf("orders[%d].LevelIndex = %d", i, o.LevelIndex)
		}
		if o.OrderType != OrderTypeGTC {
			t.Errorf("orders[%d].OrderType = %s, want GTC", i, o.OrderType)
		}
		if so.Side != "SELL" {
			t.Errorf("orders[%d].Side = %s, want SELL", i, so.Side)
		}
		if so.MakerAmount != want[i].maker || so.TakerAmount != want[i].taker {
			t.Errorf("orders[%d] amounts = %s/%s, want %s/%s", i, so.MakerAmount, so.TakerAmount, want[i].maker, want[i].taker)
		}
		if so.TokenID != testTokenID {
			t.Errorf("orders[%d].TokenID = %s", i, so.TokenID)
		}
		if so.Nonce != "0" {
			t.Errorf("orders[%d].Nonce = %s, want 0", i, so.Nonce)
		}
		if err := chain.VerifySignedOrder(so, domain); err != nil {
			t.Errorf("orders[%d] does not verify: %v", i, err)
		}
	}

	if len(armer.reqs) != 1 {
		t.Fatalf("arm requests = %d, want 1", len(armer.reqs))
	}
	req := armer.reqs[0]
	if armer.owner != wallet.Address().Hex() {
		t.Errorf("owner = %s, want %s", armer.owner, wallet.Address().Hex())
	}
	if req.EntryOrderID != "0xentry0001" || req.MaxMinutes != 30 || len(req.SignedTpOrders) != 3 {
		t.Errorf("request = %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("request Validate() error = %v", err)
	}
}

func TestOrchestratorArmSingleLevel(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)

	levels := []TpLevel{{Price: decimal.RequireFromString("0.6"), SizePct: decimal.NewFromInt(100)}}
	plan, err := orch.Arm(context.Background(), testEntry(), levels, "")
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if plan.Mode != TpModeSingle {
		t.Errorf("Mode = %s, want %s", plan.Mode, TpModeSingle)
	}
	if plan.ArmID != "" {
		t.Errorf("ArmID = %q without an armer, want empty", plan.ArmID)
	}
	if got := plan.Orders[0].SignedOrder.TakerAmount; got != "60000000" {
		t.Errorf("TakerAmount = %s, want 60000000", got)
	}
}

func TestOrchestratorArmFailures(t *testing.T) {
	badPrice := testLadder()
	// rounds to 1.00 at a 0.01 tick
	badPrice[2].Price = decimal.RequireFromString("0.996")

	noFill := testEntry()
	noFill.FilledSizeTokens = decimal.Zero

	tests := []struct {
		name      string
		entry     *EntryRecord
		levels    []TpLevel
		armErr    error
		wantState ArmState
		wantErr   error
	}{
		{"no entry", nil, testLadder(), nil, ArmStateValidating, ErrNoEntry},
		{"bad sum", testEntry(), testLadder()[:2], nil, ArmStateValidating, ErrPercentageSumInvalid},
		{"unfilled entry", noFill, testLadder(), nil, ArmStateValidating, chain.ErrInvalidSize},
		{"level out of range after rounding", testEntry(), badPrice, nil, ArmStatePerLevelSigning, chain.ErrInvalidPrice},
		{"engine rejects", testEntry(), testLadder(), ErrDuplicateRequest, ArmStatePerLevelSigning, ErrDuplicateRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			armer := &recordingArmer{err: tt.armErr}
			orch, _ := newTestOrchestrator(t, armer)

			plan, err := orch.Arm(context.Background(), tt.entry, tt.levels, TpModeLadder)
			if plan != nil {
				t.Errorf("plan = %+v, want nil", plan)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Arm() error = %v, want %v", err, tt.wantErr)
			}
			var aerr *ArmError
			if !errors.As(err, &aerr) {
				t.Fatalf("error type = %T, want *ArmError", err)
			}
			if aerr.State != tt.wantState {
				t.Errorf("State = %s, want %s", aerr.State, tt.wantState)
			}
			if tt.armErr == nil && len(armer.reqs) != 0 {
				t.Errorf("engine received %d requests after a failed arm", len(armer.reqs))
			}
		})
	}
}

func TestTpArmRequestValidate(t *testing.T) {
	valid := func() *TpArmRequest { return testArmRequest(3) }

	tests := []struct {
		name   string
		mutate func(*TpArmRequest)
	}{
		{"short entry id", func(r *TpArmRequest) { r.EntryOrderID = "0x1" }},
		{"no token", func(r *TpArmRequest) { r.TokenID = "" }},
		{"no size", func(r *TpArmRequest) { r.EntrySizeTokens = decimal.Zero }},
		{"bad mode", func(r *TpArmRequest) { r.Mode = "staircase" }},
		{"no orders", func(r *TpArmRequest) { r.SignedTpOrders = nil }},
		{"level index", func(r *TpArmRequest) { r.SignedTpOrders[0].LevelIndex = 10 }},
		{"nil order", func(r *TpArmRequest) { r.SignedTpOrders[1].SignedOrder = nil }},
		{"max minutes", func(r *TpArmRequest) { r.MaxMinutes = MaxTpMinutes + 1 }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			if err := req.Validate(); !errors.Is(err, ErrInvalidParam) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidParam)
			}
		})
	}
}
