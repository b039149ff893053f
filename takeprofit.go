package opiweb

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
	"go.uber.org/zap"
)

// MaxTpLevels is the maximum number of exits in one ladder
const MaxTpLevels = 3

var (
	hundred          = decimal.NewFromInt(100)
	percentTolerance = decimal.RequireFromString("0.2")
	decimalOne       = decimal.NewFromInt(1)
)

// TpArmer hands a signed ladder to the engine that places it as fills accrue.
type TpArmer interface {
	Arm(ctx context.Context, owner string, req *TpArmRequest) (string, error)
}

// Orchestrator turns a filled entry and a set of exit levels into one signed
// SELL order per level. Either every level is signed or none is returned.
type Orchestrator struct {
	builder    *chain.OrderBuilder
	signer     *chain.Signer
	normalizer chain.Normalizer
	armer      TpArmer
	owner      string
	orderType  OrderType
	nonce      *big.Int
	maxMinutes int
	logger     *zap.Logger
}

// OrchestratorConfig holds the optional parts of an Orchestrator
type OrchestratorConfig struct {
	Normalizer chain.Normalizer
	Armer      TpArmer
	// Owner identifies the session the arm belongs to, usually the EOA.
	Owner      string
	OrderType  OrderType
	Nonce      *big.Int
	MaxMinutes int
	Logger     *zap.Logger
}

// NewOrchestrator creates an Orchestrator for the builder's identity
func NewOrchestrator(builder *chain.OrderBuilder, signer *chain.Signer, cfg OrchestratorConfig) *Orchestrator {
	if cfg.OrderType == "" {
		cfg.OrderType = OrderTypeGTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Nonce == nil {
		cfg.Nonce = big.NewInt(0)
	}
	return &Orchestrator{
		builder:    builder,
		signer:     signer,
		normalizer: cfg.Normalizer,
		armer:      cfg.Armer,
		owner:      cfg.Owner,
		orderType:  cfg.OrderType,
		nonce:      cfg.Nonce,
		maxMinutes: cfg.MaxMinutes,
		logger:     cfg.Logger,
	}
}

// ValidateLevels checks level count, per-level bounds and that the
// percentages sum to 100 within 0.2.
func ValidateLevels(levels []TpLevel) error {
	if len(levels) == 0 || len(levels) > MaxTpLevels {
		return &ValidationError{
			Field:   "levels",
			Message: fmt.Sprintf("must have 1 to %d levels, got %d", MaxTpLevels, len(levels)),
			Err:     ErrInvalidParam,
		}
	}

	total := decimal.Zero
	for i, level := range levels {
		if !level.Price.IsPositive() || level.Price.GreaterThanOrEqual(decimalOne) {
			return &ValidationError{
				Field:   fmt.Sprintf("levels[%d].price", i),
				Message: fmt.Sprintf("must be strictly between 0 and 1, got %s", level.Price),
				Err:     chain.ErrInvalidPrice,
			}
		}
		if !level.SizePct.IsPositive() || level.SizePct.GreaterThan(hundred) {
			return &ValidationError{
				Field:   fmt.Sprintf("levels[%d].size_pct", i),
				Message: fmt.Sprintf("must be in (0, 100], got %s", level.SizePct),
				Err:     ErrInvalidParam,
			}
		}
		total = total.Add(level.SizePct)
	}

	if total.Sub(hundred).Abs().GreaterThan(percentTolerance) {
		return &ValidationError{
			Field:   "levels",
			Message: fmt.Sprintf("size_pct sums to %s, want 100 (tolerance %s)", total, percentTolerance),
			Err:     ErrPercentageSumInvalid,
		}
	}
	return nil
}

// Arm validates the ladder, signs one SELL order per level in array order and
// hands the plan to the TP engine when one is configured.
func (o *Orchestrator) Arm(ctx context.Context, entry *EntryRecord, levels []TpLevel, mode TpMode) (*TpPlan, error) {
	state := ArmStateValidating
	fail := func(err error) (*TpPlan, error) {
		o.logger.Warn("tp arm failed", zap.String("state", string(state)), zap.Error(err))
		return nil, &ArmError{State: state, Err: err}
	}

	if entry == nil || entry.OrderID == "" {
		return fail(ErrNoEntry)
	}
	if err := ValidateLevels(levels); err != nil {
		return fail(err)
	}
	if !entry.FilledSizeTokens.IsPositive() {
		return fail(&ValidationError{
			Field:   "entry.filled_size_tokens",
			Message: fmt.Sprintf("must be positive, got %s", entry.FilledSizeTokens),
			Err:     chain.ErrInvalidSize,
		})
	}
	if mode == "" {
		mode = TpModeLadder
		if len(levels) == 1 {
			mode = TpModeSingle
		}
	}
	if mode != TpModeSingle && mode != TpModeLadder {
		return fail(&InvalidParamError{Message: fmt.Sprintf("mode must be single or ladder, got %q", mode)})
	}

	state = ArmStatePerLevelSigning
	plan := &TpPlan{
		Mode:       mode,
		EntryID:    entry.OrderID,
		Levels:     append([]TpLevel(nil), levels...),
		Normalized: make([]*chain.NormalizedAmounts, 0, len(levels)),
		Orders:     make([]SignedTpOrder, 0, len(levels)),
	}
	domain := &chain.DomainOverride{VerifyingContract: entry.ExchangeAddress}

	for i, level := range levels {
		tokens := entry.FilledSizeTokens.Mul(level.SizePct).Div(hundred)

		amounts, err := o.normalizer.Normalize(chain.SideSell, tokens, level.Price, entry.TickSize)
		if err != nil {
			return fail(fmt.Errorf("level %d: %w", i, err))
		}
		order, err := o.builder.Build(entry.TokenID, chain.SideSell, amounts.MakerAmount, amounts.TakerAmount, entry.FeeRateBps, o.nonce)
		if err != nil {
			return fail(fmt.Errorf("level %d: %w", i, err))
		}
		signed, err := o.signer.Sign(ctx, order, domain)
		if err != nil {
			return fail(fmt.Errorf("level %d: %w", i, err))
		}

		plan.Normalized = append(plan.Normalized, amounts)
		plan.Orders = append(plan.Orders, SignedTpOrder{
			LevelIndex:  i,
			OrderType:   o.orderType,
			SignedOrder: signed,
		})
		o.logger.Debug("tp level signed",
			zap.Int("level", i),
			zap.String("price", amounts.Price.String()),
			zap.String("size", amounts.Size.String()))
	}

	if o.armer != nil {
		armID, err := o.armer.Arm(ctx, o.owner, plan.ArmRequest(entry, o.maxMinutes))
		if err != nil {
			return fail(err)
		}
		plan.ArmID = armID
	}

	plan.State = ArmStateSubmitted
	o.logger.Info("tp plan armed",
		zap.String("arm_id", plan.ArmID),
		zap.String("entry_order_id", entry.OrderID),
		zap.Int("levels", len(plan.Orders)))
	return plan, nil
}

// ArmRequest converts the plan into the TP engine request.
func (p *TpPlan) ArmRequest(entry *EntryRecord, maxMinutes int) *TpArmRequest {
	return &TpArmRequest{
		EntryOrderID:    entry.OrderID,
		TokenID:         entry.TokenID,
		EntrySizeTokens: entry.FilledSizeTokens,
		Mode:            p.Mode,
		Levels:          p.Levels,
		SignedTpOrders:  p.Orders,
		MaxMinutes:      maxMinutes,
		IdempotencyKey:  newIdempotencyKey(),
	}
}
