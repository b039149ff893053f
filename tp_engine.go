package opiweb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
	"go.uber.org/zap"
)

// OrderPoster submits a signed order to the CLOB
type OrderPoster interface {
	PostOrder(ctx context.Context, order *chain.SignedOrder, orderType OrderType) (*PostOrderResult, error)
}

// FillSource reports the current state of an order as the provider returns it
type FillSource interface {
	GetOrder(ctx context.Context, orderID string) (map[string]interface{}, error)
}

// Keys the provider uses for fill data, matched lowercase anywhere in the payload.
var (
	statusKeys  = []string{"status", "state", "order_status"}
	fillPctKeys = []string{
		"filledpct", "filled_pct", "fill_pct", "filledpercentage", "completion",
	}
	fillAmountKeys = []string{
		"filled", "filledsize", "filled_size", "sizematched", "size_matched",
		"matchedsize", "matched_size", "filledamount", "filled_amount",
		"executedsize", "executed_size",
	}
)

var (
	fillSlack       = decimal.New(1, -9)
	rawUnitsFactor  = decimal.NewFromInt(1000)
	tokenUnitsScale = decimal.New(1, chain.TokenDecimals)
)

// TpEngineConfig holds the optional parts of a TpEngine
type TpEngineConfig struct {
	PollInterval time.Duration
	MaxMinutes   int
	Logger       *zap.Logger
}

// TpEngine places pre-signed take-profit levels as the entry order fills.
// Each arm gets its own monitor goroutine that polls the FillSource.
type TpEngine struct {
	store        *Store
	poster       OrderPoster
	fills        FillSource
	pollInterval time.Duration
	maxMinutes   int
	logger       *zap.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	// advanceMu serializes level placement so a level is posted at most once
	advanceMu sync.Mutex
}

// NewTpEngine creates an engine. fills may be nil, in which case arms only
// advance through Advance or HandleOrderEvent.
func NewTpEngine(store *Store, poster OrderPoster, fills FillSource, cfg TpEngineConfig) *TpEngine {
	if store == nil {
		store = NewStore()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxMinutes <= 0 {
		cfg.MaxMinutes = DefaultMaxMinutes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TpEngine{
		store:        store,
		poster:       poster,
		fills:        fills,
		pollInterval: cfg.PollInterval,
		maxMinutes:   cfg.MaxMinutes,
		logger:       cfg.Logger,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		monitors:     make(map[string]context.CancelFunc),
	}
}

// Store returns the engine's arm store
func (e *TpEngine) Store() *Store { return e.store }

// Arm registers a signed ladder and starts monitoring its entry order.
func (e *TpEngine) Arm(ctx context.Context, owner string, req *TpArmRequest) (string, error) {
	if req == nil {
		return "", &InvalidParamError{Message: "arm request is required"}
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if owner == "" {
		return "", &InvalidParamError{Message: "owner is required"}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.IdempotencyKey != "" && !e.store.MarkIdempotent("arm:"+req.IdempotencyKey) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, req.IdempotencyKey)
	}

	maxMinutes := req.MaxMinutes
	if maxMinutes <= 0 {
		maxMinutes = e.maxMinutes
	}

	now := e.now()
	arm := &TpArm{
		ArmID:            newArmID(),
		Owner:            owner,
		CreatedAt:        now,
		UpdatedAt:        now,
		EntryOrderID:     req.EntryOrderID,
		TokenID:          req.TokenID,
		EntrySizeTokens:  req.EntrySizeTokens,
		Mode:             req.Mode,
		Levels:           req.Levels,
		SignedOrders:     make(map[int]SignedTpOrder, len(req.SignedTpOrders)),
		PlacedLevels:     make(map[int]PlacedLevel),
		Status:           TpArmStatusArmed,
		LastFilledTokens: decimal.Zero,
		MaxMinutes:       maxMinutes,
	}
	for _, o := range req.SignedTpOrders {
		if o.OrderType == "" {
			o.OrderType = OrderTypeGTC
		}
		arm.SignedOrders[o.LevelIndex] = o
	}
	e.store.SaveArm(arm)

	e.logger.Info("tp arm created",
		zap.String("arm_id", arm.ArmID),
		zap.String("entry_order_id", arm.EntryOrderID),
		zap.Int("levels", len(arm.Levels)),
		zap.Int("max_minutes", maxMinutes))

	if e.fills != nil {
		e.startMonitor(arm.ArmID)
	}
	return arm.ArmID, nil
}

func newArmID() string {
	return "tp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (e *TpEngine) startMonitor(armID string) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.monitors[armID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.stopMonitor(armID)
		e.Monitor(ctx, armID)
	}()
}

func (e *TpEngine) stopMonitor(armID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.monitors[armID]; ok {
		cancel()
		delete(e.monitors, armID)
	}
}

// Monitor polls the entry order until the arm completes, is cancelled, times
// out or ctx ends.
func (e *TpEngine) Monitor(ctx context.Context, armID string) {
	if e.fills == nil {
		return
	}
	for {
		if done := e.poll(ctx, armID); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}

// poll runs one monitor iteration and reports whether monitoring should stop.
func (e *TpEngine) poll(ctx context.Context, armID string) bool {
	arm, ok := e.store.GetArm(armID)
	if !ok || arm.Status.Terminal() {
		return true
	}

	now := e.now()
	if !now.Before(arm.Deadline()) {
		_, _ = e.store.UpdateArm(armID, func(a *TpArm) {
			a.Status = TpArmStatusTimeout
			a.UpdatedAt = now
		})
		e.store.AppendEvent(armID, TpEvent{At: now, Event: "timeout", Message: "TP arm timed out"})
		e.logger.Info("tp arm timed out", zap.String("arm_id", armID))
		return true
	}

	payload, err := e.fills.GetOrder(ctx, arm.EntryOrderID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		e.pollError(armID, now, err)
		return false
	}
	if nested, ok := payload["order"].(map[string]interface{}); ok {
		payload = nested
	}

	filled := ExtractFilledTokens(payload, arm.EntrySizeTokens)
	updated, err := e.Advance(ctx, armID, filled)
	if err != nil {
		e.pollError(armID, now, err)
		return false
	}
	return updated.Status.Terminal()
}

func (e *TpEngine) pollError(armID string, at time.Time, err error) {
	e.store.AppendEvent(armID, TpEvent{At: at, Event: "poll_error", Message: err.Error()})
	e.logger.Warn("tp poll failed", zap.String("arm_id", armID), zap.Error(err))
}

// Advance places every level whose cumulative percentage is covered by the
// filled amount. Each level is posted at most once; the arm completes once
// every level has been placed or has failed.
func (e *TpEngine) Advance(ctx context.Context, armID string, filledTokens decimal.Decimal) (*TpArm, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	arm, ok := e.store.GetArm(armID)
	if !ok {
		return nil, ErrArmNotFound
	}
	if arm.Status.Terminal() {
		return arm, nil
	}

	now := e.now()
	ratio := decimal.Zero
	if arm.EntrySizeTokens.IsPositive() {
		ratio = clampDecimal(filledTokens.Div(arm.EntrySizeTokens), decimal.Zero, decimalOne)
	}
	trigger := ratio.Round(6)

	placed := arm.PlacedLevels
	cumulative := decimal.Zero
	for idx, level := range arm.Levels {
		cumulative = cumulative.Add(level.SizePct.Div(hundred))
		if ratio.Add(fillSlack).LessThan(cumulative) {
			continue
		}
		if _, done := placed[idx]; done {
			continue
		}

		signed, ok := arm.SignedOrders[idx]
		if !ok || signed.SignedOrder == nil {
			placed[idx] = PlacedLevel{Status: LevelStatusError, Error: "missing signed TP order for level", At: now}
			e.recordLevel(armID, idx, placed[idx])
			continue
		}

		// a Cancel or timeout since the pass started stops further posts
		if current, ok := e.store.GetArm(armID); !ok || current.Status.Terminal() {
			break
		}

		key := fmt.Sprintf("%s:%d:%s", armID, idx, signed.SignedOrder.Signature)
		if !e.store.MarkIdempotent(key) {
			continue
		}

		lvl := idx
		res, err := e.post(ctx, signed)
		if err != nil {
			placed[idx] = PlacedLevel{Status: LevelStatusError, Error: err.Error(), FillRatioTrigger: trigger, At: now}
			e.recordLevel(armID, idx, placed[idx])
			e.store.AppendEvent(armID, TpEvent{At: now, Event: "tp_error", Level: &lvl, Message: err.Error()})
			e.logger.Error("tp level post failed", zap.String("arm_id", armID), zap.Int("level", idx), zap.Error(err))
			continue
		}

		placed[idx] = PlacedLevel{Status: LevelStatusPlaced, TpOrderID: res.OrderID, FillRatioTrigger: trigger, At: now}
		e.recordLevel(armID, idx, placed[idx])
		e.store.AppendEvent(armID, TpEvent{
			At:        now,
			Event:     "tp_placed",
			Level:     &lvl,
			TpOrderID: res.OrderID,
			FillRatio: &trigger,
		})
		e.logger.Info("tp level placed",
			zap.String("arm_id", armID),
			zap.Int("level", idx),
			zap.String("tp_order_id", res.OrderID),
			zap.String("fill_ratio", trigger.String()))
	}

	return e.store.UpdateArm(armID, func(a *TpArm) {
		if a.Status.Terminal() {
			return
		}
		a.LastFilledTokens = filledTokens
		a.UpdatedAt = now
		if len(a.Levels) > 0 && len(a.PlacedLevels) >= len(a.Levels) {
			a.Status = TpArmStatusCompleted
		}
	})
}

// recordLevel stores a level outcome immediately, including on a cancelled arm.
func (e *TpEngine) recordLevel(armID string, idx int, level PlacedLevel) {
	e.store.UpdateArm(armID, func(a *TpArm) {
		if a.PlacedLevels == nil {
			a.PlacedLevels = make(map[int]PlacedLevel)
		}
		a.PlacedLevels[idx] = level
	})
}

func (e *TpEngine) post(ctx context.Context, signed SignedTpOrder) (*PostOrderResult, error) {
	if e.poster == nil {
		return nil, fmt.Errorf("no order poster configured")
	}
	res, err := e.poster.PostOrder(ctx, signed.SignedOrder, signed.OrderType)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("empty post response")
	}
	if !res.Success && res.ErrorMsg != "" {
		return nil, &OpenAPIError{Message: res.ErrorMsg}
	}
	return res, nil
}

// HandleOrderEvent advances every live arm attached to the updated order.
func (e *TpEngine) HandleOrderEvent(ctx context.Context, ev *OrderEvent) {
	if ev == nil || ev.ID == "" {
		return
	}
	for _, arm := range e.store.ArmsForEntry(ev.ID) {
		if arm.Status.Terminal() {
			continue
		}
		filled, ok := toDecimal(ev.SizeMatched)
		if !ok {
			continue
		}
		if _, err := e.Advance(ctx, arm.ArmID, clampDecimal(filled, decimal.Zero, arm.EntrySizeTokens)); err != nil {
			e.logger.Warn("tp advance from stream failed", zap.String("arm_id", arm.ArmID), zap.Error(err))
		}
	}
}

// Cancel stops an arm. Levels already placed stay on the book.
func (e *TpEngine) Cancel(owner, armID string) error {
	arm, ok := e.store.GetArm(armID)
	if !ok || !strings.EqualFold(arm.Owner, owner) {
		return ErrArmNotFound
	}
	now := e.now()
	if _, err := e.store.UpdateArm(armID, func(a *TpArm) {
		if !a.Status.Terminal() {
			a.Status = TpArmStatusCancelled
			a.UpdatedAt = now
		}
	}); err != nil {
		return err
	}
	e.store.AppendEvent(armID, TpEvent{At: now, Event: "cancelled"})
	e.stopMonitor(armID)
	return nil
}

// Status returns the owner's arms, or only armID when it is set. Arms owned
// by someone else are never returned.
func (e *TpEngine) Status(owner, armID string) []*TpArm {
	if armID == "" {
		return e.store.ArmsFor(owner)
	}
	arm, ok := e.store.GetArm(armID)
	if !ok || !strings.EqualFold(arm.Owner, owner) {
		return []*TpArm{}
	}
	return []*TpArm{arm}
}

// Close stops all monitors and waits for them to exit.
func (e *TpEngine) Close() {
	e.cancel()
	e.wg.Wait()
}

// ExtractFilledTokens reads how many entry tokens have filled from a provider
// order payload. The result is clamped to [0, entrySize].
func ExtractFilledTokens(payload map[string]interface{}, entrySize decimal.Decimal) decimal.Decimal {
	if !entrySize.IsPositive() {
		return decimal.Zero
	}

	if status, ok := findStatus(payload); ok && strings.Contains(status, "filled") && !strings.Contains(status, "partial") {
		return entrySize
	}

	var pcts []decimal.Decimal
	collectNumbers(payload, fillPctKeys, &pcts)
	for _, pct := range pcts {
		switch {
		case pct.GreaterThanOrEqual(decimal.Zero) && pct.LessThanOrEqual(decimalOne):
			return clampDecimal(pct.Mul(entrySize), decimal.Zero, entrySize)
		case pct.GreaterThan(decimalOne) && pct.LessThanOrEqual(hundred):
			return clampDecimal(pct.Div(hundred).Mul(entrySize), decimal.Zero, entrySize)
		}
	}

	var amounts []decimal.Decimal
	collectNumbers(payload, fillAmountKeys, &amounts)
	best := decimal.Zero
	limit := entrySize.Mul(rawUnitsFactor)
	for _, v := range amounts {
		if v.GreaterThan(limit) {
			v = v.Div(tokenUnitsScale)
		}
		if v.GreaterThan(best) {
			best = v
		}
	}
	return clampDecimal(best, decimal.Zero, entrySize)
}

func findStatus(obj interface{}) (string, bool) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			if s, ok := v[k].(string); ok && containsKey(statusKeys, k) {
				return strings.ToLower(s), true
			}
			if s, ok := findStatus(v[k]); ok {
				return s, true
			}
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := findStatus(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

func collectNumbers(obj interface{}, keys []string, out *[]decimal.Decimal) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			if containsKey(keys, k) {
				if d, ok := toDecimal(v[k]); ok {
					*out = append(*out, d)
				}
			}
			collectNumbers(v[k], keys, out)
		}
	case []interface{}:
		for _, item := range v {
			collectNumbers(item, keys, out)
		}
	}
}

func containsKey(keys []string, key string) bool {
	key = strings.ToLower(key)
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
