package opiweb

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
	"go.uber.org/zap"
)

// MetadataSource supplies read-only token market metadata
type MetadataSource interface {
	GetTokenMarketInfo(ctx context.Context, tokenID string) (*TokenMarketInfo, error)
}

// WalletSource returns a provider's description of an EOA's wallets
type WalletSource interface {
	GetWallet(ctx context.Context, eoa common.Address) (map[string]interface{}, error)
}

// CredentialSource exchanges a signed auth challenge for CLOB API credentials
type CredentialSource interface {
	CreateOrDeriveAPICreds(ctx context.Context, auth L1Auth) (*APICreds, error)
}

// Action names guarded against re-entry
const (
	actionConnect = "connect"
	actionEntry   = "entry"
	actionArm     = "arm_tp"
)

// Option configures a Trader
type Option func(*Trader)

// WithMetadataSource replaces the CLOB metadata endpoints
func WithMetadataSource(src MetadataSource) Option {
	return func(t *Trader) { t.metadata = src }
}

// WithOrderPoster replaces the CLOB order endpoint
func WithOrderPoster(p OrderPoster) Option {
	return func(t *Trader) { t.poster = p }
}

// WithFillSource replaces the CLOB order lookup used by the TP engine
func WithFillSource(f FillSource) Option {
	return func(t *Trader) { t.fills = f }
}

// WithWalletSource enables proxy wallet discovery
func WithWalletSource(w WalletSource) Option {
	return func(t *Trader) { t.wallets = w }
}

// WithCredentialSource replaces the CLOB auth endpoints
func WithCredentialSource(c CredentialSource) Option {
	return func(t *Trader) { t.credSource = c }
}

// WithContractReader sets the on-chain reader used by CheckReadiness
func WithContractReader(r *chain.ContractReader) Option {
	return func(t *Trader) { t.reader = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Trader) { t.logger = l }
}

// EntryParams describes an entry limit order. Exactly one of SizeTokens and
// SizeUSDC is set; USDC sizes are converted at Price.
type EntryParams struct {
	TokenID    string
	Side       chain.Side
	Outcome    string
	Price      decimal.Decimal
	SizeTokens *decimal.Decimal
	SizeUSDC   *decimal.Decimal
	OrderType  OrderType

	// IdempotencyKey is generated when empty. Reusing a key fails with
	// ErrDuplicateRequest.
	IdempotencyKey string
}

// PreparedEntry is a signed entry order ready to submit
type PreparedEntry struct {
	Request *EntryOrderRequest
	Market  *TokenMarketInfo
	Amounts *chain.NormalizedAmounts
}

type cacheEntry struct {
	info      *TokenMarketInfo
	timestamp time.Time
}

// Trader owns one trading session: the resolved identity, the last entry and
// the take-profit arms built on it.
type Trader struct {
	cfg        ClientConfig
	wallet     chain.Wallet
	signer     *chain.Signer
	normalizer chain.Normalizer
	nonce      *big.Int
	resolver   *Resolver

	api        *APIClient
	metadata   MetadataSource
	poster     OrderPoster
	fills      FillSource
	wallets    WalletSource
	credSource CredentialSource
	reader     *chain.ContractReader
	engine     *TpEngine
	logger     *zap.Logger

	session sessionHolder
	guard   actionGuard
	now     func() time.Time

	cacheMutex  sync.RWMutex
	marketCache map[string]cacheEntry
}

// NewTrader creates a Trader signing through wallet
func NewTrader(cfg ClientConfig, wallet chain.Wallet, opts ...Option) (*Trader, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &SigningError{Err: chain.ErrNoWallet}
	}

	exchange := common.HexToAddress(cfg.DefaultExchange)
	t := &Trader{
		cfg:         cfg,
		wallet:      wallet,
		signer:      chain.NewSigner(wallet, int64(cfg.ChainID), exchange),
		normalizer:  chain.Normalizer{Margin: cfg.AmountMargin},
		nonce:       big.NewInt(cfg.OrderNonce),
		resolver:    NewResolver(cfg.ChainID, exchange),
		now:         time.Now,
		marketCache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		if t.logger, err = NewLogger(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	t.api = NewAPIClient(cfg, t.logger.Named("clob"))
	if t.metadata == nil {
		t.metadata = t.api
	}
	if t.poster == nil {
		t.poster = t.api
	}
	if t.fills == nil {
		t.fills = t.api
	}
	if t.credSource == nil {
		t.credSource = t.api
	}

	if t.reader == nil && cfg.RPCURL != "" {
		contracts := cfg.Contracts()
		t.reader, err = chain.DialContractReader(context.Background(), cfg.RPCURL,
			common.HexToAddress(contracts.Collateral), common.HexToAddress(contracts.ConditionalTokens))
		if err != nil {
			return nil, fmt.Errorf("failed to create contract reader: %w", err)
		}
	}

	t.engine = NewTpEngine(NewStore(), t.poster, t.fills, TpEngineConfig{
		PollInterval: cfg.PollInterval,
		MaxMinutes:   cfg.MaxMinutes,
		Logger:       t.logger.Named("tp"),
	})
	return t, nil
}

// Close stops the TP engine and releases the RPC connection
func (t *Trader) Close() {
	t.engine.Close()
	if t.reader != nil {
		t.reader.Close()
	}
}

// Engine returns the TP engine
func (t *Trader) Engine() *TpEngine { return t.engine }

// Session returns the current session snapshot, or nil before Connect.
func (t *Trader) Session() *Session { return t.session.load() }

// Connect resolves the trading identity of the wallet and obtains CLOB
// credentials, either from the config or by signing the auth challenge.
func (t *Trader) Connect(ctx context.Context) (*Session, error) {
	release, err := t.guard.begin(actionConnect)
	if err != nil {
		return nil, err
	}
	defer release()

	eoa := t.wallet.Address()
	if eoa == chain.ZeroAddress {
		return nil, &IdentityError{Message: "wallet has no address", Err: chain.ErrNoActiveIdentity}
	}

	var walletPayload map[string]interface{}
	if t.wallets != nil {
		walletPayload, err = t.wallets.GetWallet(ctx, eoa)
		if err != nil {
			t.logger.Warn("wallet lookup failed, trading from EOA", zap.String("eoa", eoa.Hex()), zap.Error(err))
			walletPayload = nil
		}
	}
	tc := t.resolver.Resolve(eoa, walletPayload)

	creds := t.cfg.Creds
	if !creds.Valid() {
		if creds, err = t.deriveCreds(ctx, eoa); err != nil {
			return nil, err
		}
	}
	t.api.SetCredentials(eoa, creds)

	s := &Session{Context: tc, Creds: creds, CreatedAt: t.now()}
	t.session.store(s)

	t.logger.Info("session connected",
		zap.String("eoa", eoa.Hex()),
		zap.String("mode", string(tc.Mode)),
		zap.String("trading_address", tc.TradingAddress.Hex()))
	return s, nil
}

func (t *Trader) deriveCreds(ctx context.Context, eoa common.Address) (*APICreds, error) {
	ts := t.now().Unix()
	sig, err := t.signer.SignAuthChallenge(ctx, eoa, 0, ts, "")
	if err != nil {
		return nil, err
	}
	return t.credSource.CreateOrDeriveAPICreds(ctx, L1Auth{Address: eoa, Signature: sig, Timestamp: ts})
}

func (t *Trader) activeSession() (*Session, error) {
	s := t.session.load()
	if s == nil || s.Context == nil {
		return nil, &IdentityError{Message: "connect before trading", Err: chain.ErrNoActiveIdentity}
	}
	return s, nil
}

// MarketInfo returns token metadata, cached for MarketCacheTTL.
func (t *Trader) MarketInfo(ctx context.Context, tokenID string) (*TokenMarketInfo, error) {
	t.cacheMutex.RLock()
	entry, ok := t.marketCache[tokenID]
	t.cacheMutex.RUnlock()
	if ok && t.now().Sub(entry.timestamp) < t.cfg.MarketCacheTTL {
		return entry.info, nil
	}

	info, err := t.metadata.GetTokenMarketInfo(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to get market info: %w", err)
	}

	t.cacheMutex.Lock()
	t.marketCache[tokenID] = cacheEntry{info: info, timestamp: t.now()}
	t.cacheMutex.Unlock()
	return info, nil
}

// PrepareEntry normalizes, builds and signs an entry order without submitting it.
func (t *Trader) PrepareEntry(ctx context.Context, p EntryParams) (*PreparedEntry, error) {
	s, err := t.activeSession()
	if err != nil {
		return nil, err
	}
	if p.OrderType == "" {
		p.OrderType = OrderTypeGTC
	}

	info, err := t.MarketInfo(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}

	size, err := entrySize(p)
	if err != nil {
		return nil, err
	}
	// min_order_size is quoted in USDC
	if notional := size.Mul(p.Price); info.MinOrderSize.IsPositive() && notional.LessThan(info.MinOrderSize) {
		return nil, fmt.Errorf("%w: %s USDC, minimum %s", ErrBelowMinOrderSize, notional, info.MinOrderSize)
	}

	amounts, err := t.normalizer.Normalize(p.Side, size, p.Price, info.TickSize)
	if err != nil {
		return nil, err
	}
	order, err := chain.NewOrderBuilder(s.Context.Identity()).
		Build(p.TokenID, p.Side, amounts.MakerAmount, amounts.TakerAmount, info.FeeRateBps, t.nonce)
	if err != nil {
		return nil, err
	}
	signed, err := t.signer.Sign(ctx, order, &chain.DomainOverride{VerifyingContract: info.ExchangeAddress})
	if err != nil {
		return nil, err
	}
	if err := t.validateSignedOrder(signed, s.Context, p.TokenID, p.Side, info.ExchangeAddress); err != nil {
		return nil, err
	}

	key := p.IdempotencyKey
	if key == "" {
		key = newIdempotencyKey()
	}

	return &PreparedEntry{
		Request: &EntryOrderRequest{
			TokenID:        p.TokenID,
			Side:           p.Side.String(),
			Outcome:        p.Outcome,
			Price:          amounts.Price,
			SizeUSDC:       p.SizeUSDC,
			SizeTokens:     p.SizeTokens,
			OrderType:      p.OrderType,
			IdempotencyKey: key,
			SignedOrder:    signed,
		},
		Market:  info,
		Amounts: amounts,
	}, nil
}

func entrySize(p EntryParams) (decimal.Decimal, error) {
	switch {
	case p.SizeTokens != nil && p.SizeUSDC != nil:
		return decimal.Zero, &InvalidParamError{Message: "set either size_tokens or size_usdc, not both"}
	case p.SizeTokens != nil:
		return *p.SizeTokens, nil
	case p.SizeUSDC != nil:
		if !p.Price.IsPositive() {
			return decimal.Zero, &ValidationError{Field: "price", Message: "must be positive to size in USDC", Err: chain.ErrInvalidPrice}
		}
		return p.SizeUSDC.Div(p.Price), nil
	}
	return decimal.Zero, &InvalidParamError{Message: "size_tokens or size_usdc is required"}
}

// PlaceEntry signs and submits an entry order and records it as the
// session's entry.
func (t *Trader) PlaceEntry(ctx context.Context, p EntryParams) (*EntryRecord, error) {
	release, err := t.guard.begin(actionEntry)
	if err != nil {
		return nil, err
	}
	defer release()

	prepared, err := t.PrepareEntry(ctx, p)
	if err != nil {
		return nil, err
	}
	req := prepared.Request
	if !t.engine.Store().MarkIdempotent("entry:" + req.IdempotencyKey) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.IdempotencyKey)
	}

	result, err := t.poster.PostOrder(ctx, req.SignedOrder, req.OrderType)
	if err != nil {
		return nil, err
	}

	entry := &EntryRecord{
		OrderID:          result.OrderID,
		TokenID:          req.TokenID,
		Side:             p.Side,
		Outcome:          req.Outcome,
		FilledSizeTokens: prepared.Amounts.Size,
		EntryPrice:       prepared.Amounts.Price,
		ExchangeAddress:  prepared.Market.ExchangeAddress,
		NegRisk:          prepared.Market.NegRisk,
		TickSize:         prepared.Market.TickSize,
		FeeRateBps:       prepared.Market.FeeRateBps,
		SignedOrder:      req.SignedOrder,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        t.now(),
	}

	// the session may have been replaced while the order was in flight
	if s := t.session.load(); s != nil {
		t.session.store(s.WithEntry(entry))
	}

	t.logger.Info("entry placed",
		zap.String("order_id", entry.OrderID),
		zap.String("token_id", entry.TokenID),
		zap.String("side", p.Side.String()),
		zap.String("price", entry.EntryPrice.String()),
		zap.String("size", entry.FilledSizeTokens.String()),
		zap.String("status", result.Status))
	return entry, nil
}

// validateSignedOrder checks that a signed order belongs to the session
// and recovers to its EOA on the market's exchange.
func (t *Trader) validateSignedOrder(so *chain.SignedOrder, tc *TradingContext, tokenID string, side chain.Side, exchange common.Address) error {
	mismatch := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrSignedOrderMismatch, fmt.Sprintf(format, args...))
	}
	if !strings.EqualFold(so.Signer, tc.EOAAddress.Hex()) {
		return mismatch("signer %s is not the session EOA", so.Signer)
	}
	if !strings.EqualFold(so.Maker, tc.TradingAddress.Hex()) {
		return mismatch("maker %s is not the trading address", so.Maker)
	}
	if so.SignatureType != int(tc.SignatureType) {
		return mismatch("signatureType %d, session uses %d", so.SignatureType, tc.SignatureType)
	}
	if so.TokenID != tokenID {
		return mismatch("tokenId %s, expected %s", so.TokenID, tokenID)
	}
	if so.Side != side.String() {
		return mismatch("side %s, expected %s", so.Side, side)
	}

	domain, err := t.signer.Domain(&chain.DomainOverride{VerifyingContract: exchange})
	if err != nil {
		return err
	}
	return chain.VerifySignedOrder(so, domain)
}

// ArmTakeProfit signs one SELL order per level against the session's entry
// and hands the ladder to the TP engine.
func (t *Trader) ArmTakeProfit(ctx context.Context, levels []TpLevel, mode TpMode) (*TpPlan, error) {
	release, err := t.guard.begin(actionArm)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := t.activeSession()
	if err != nil {
		return nil, err
	}

	orch := NewOrchestrator(chain.NewOrderBuilder(s.Context.Identity()), t.signer, OrchestratorConfig{
		Normalizer: t.normalizer,
		Armer:      t.engine,
		Owner:      s.Context.EOAAddress.Hex(),
		Nonce:      t.nonce,
		MaxMinutes: t.cfg.MaxMinutes,
		Logger:     t.logger.Named("orchestrator"),
	})
	plan, err := orch.Arm(ctx, s.Entry, levels, mode)
	if err != nil {
		return nil, err
	}

	if cur := t.session.load(); cur != nil {
		t.session.store(cur.WithArm(plan.ArmID))
	}
	return plan, nil
}

// TpStatus returns the session's arms, or the one named armID.
func (t *Trader) TpStatus(armID string) ([]*TpArm, error) {
	s, err := t.activeSession()
	if err != nil {
		return nil, err
	}
	return t.engine.Status(s.Context.EOAAddress.Hex(), armID), nil
}

// CancelTakeProfit stops an arm of the session
func (t *Trader) CancelTakeProfit(armID string) error {
	s, err := t.activeSession()
	if err != nil {
		return err
	}
	return t.engine.Cancel(s.Context.EOAAddress.Hex(), armID)
}

// CancelOrder cancels a resting order on the CLOB
func (t *Trader) CancelOrder(ctx context.Context, orderID string) (map[string]interface{}, error) {
	if _, err := t.activeSession(); err != nil {
		return nil, err
	}
	return t.api.CancelOrder(ctx, orderID)
}

// CheckReadiness reads the trading address's USDC balance and allowance to
// the token's exchange and its CTF approval.
func (t *Trader) CheckReadiness(ctx context.Context, tokenID string) (*chain.TradingReadiness, error) {
	if t.reader == nil {
		return nil, &InvalidParamError{Message: "RPC_URL is not configured"}
	}
	s, err := t.activeSession()
	if err != nil {
		return nil, err
	}
	info, err := t.MarketInfo(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return t.reader.Readiness(ctx, s.Context.TradingAddress, info.ExchangeAddress)
}

// StreamUpdates connects the user channel and feeds order updates to the TP
// engine. The caller disconnects the returned client.
func (t *Trader) StreamUpdates(ctx context.Context, markets []string) (*WSClient, error) {
	s, err := t.activeSession()
	if err != nil {
		return nil, err
	}
	log := t.logger.Named("ws")
	ws := NewWSClient(WSConfig{
		Endpoint: t.cfg.WSEndpoint,
		Creds:    s.Creds,
		Logger:   log,
		OnOrder: func(ev OrderEvent) {
			t.engine.HandleOrderEvent(ctx, &ev)
		},
		OnTrade: func(ev TradeEvent) {
			log.Debug("trade", zap.String("id", ev.ID), zap.String("status", ev.Status))
		},
	})
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	if err := ws.SubscribeUser(markets); err != nil {
		ws.Disconnect()
		return nil, err
	}
	return ws, nil
}
