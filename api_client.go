package opiweb

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vikions/OpiWeb/chain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// L1Auth is a signed ClobAuth challenge used to create or derive API credentials.
type L1Auth struct {
	Address   common.Address
	Signature string
	Timestamp int64
	Nonce     int64
}

// OrderBookLevel is one price level of the book
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBook is the CLOB book of one token
type OrderBook struct {
	Market       string           `json:"market"`
	AssetID      string           `json:"asset_id"`
	Bids         []OrderBookLevel `json:"bids"`
	Asks         []OrderBookLevel `json:"asks"`
	MinOrderSize string           `json:"min_order_size"`
	TickSize     json.Number      `json:"tick_size"`
	NegRisk      bool             `json:"neg_risk"`
}

// postOrderBody is the POST /order payload
type postOrderBody struct {
	Order     *chain.SignedOrder `json:"order"`
	Owner     string             `json:"owner"`
	OrderType OrderType          `json:"orderType"`
}

// APIClient handles HTTP requests to the CLOB API
type APIClient struct {
	host      string
	contracts ContractAddresses
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	address common.Address
	creds   *APICreds
}

// NewAPIClient creates a new API client. cfg must already carry defaults.
func NewAPIClient(cfg ClientConfig, logger *zap.Logger) *APIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	c := &APIClient{
		host:      cfg.Host,
		contracts: cfg.Contracts(),
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		logger:  logger,
		now:     time.Now,
	}
	if cfg.RequestsPerSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return c
}

// SetCredentials installs level-2 credentials for address
func (c *APIClient) SetCredentials(address common.Address, creds *APICreds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
	c.creds = creds
}

func (c *APIClient) credentials() (common.Address, *APICreds, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.creds.Valid() {
		return common.Address{}, nil, &InvalidParamError{Message: "CLOB API credentials are not set"}
	}
	return c.address, c.creds, nil
}

// doRequest performs an HTTP request. headers are added after the defaults.
func (c *APIClient) doRequest(ctx context.Context, method, endpoint string, body interface{}, headers map[string]string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.logger.Debug("clob request",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return resp, nil
}

// doSigned performs a request carrying level-2 HMAC headers.
func (c *APIClient) doSigned(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	address, creds, err := c.credentials()
	if err != nil {
		return nil, err
	}

	var raw string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		raw = string(b)
	}

	signedPath, _, _ := strings.Cut(path, "?")
	headers, err := l2Headers(address, creds, c.now().Unix(), method, signedPath, raw)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, method, path, body, headers)
}

// l2Headers signs timestamp+method+path+body with the URL-safe base64 secret.
func l2Headers(address common.Address, creds *APICreds, timestamp int64, method, path, body string) (map[string]string, error) {
	secret, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	ts := strconv.FormatInt(timestamp, 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"POLY_ADDRESS":    address.Hex(),
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

// decodeJSONResponse reads the response body, checks HTTP status, and decodes JSON
func (c *APIClient) decodeJSONResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := truncateBody(bodyBytes)
		if msg == "" {
			msg = resp.Status
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &OpenAPIError{StatusCode: resp.StatusCode, Message: msg}
	}

	dec := json.NewDecoder(bytes.NewReader(bodyBytes))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w (body: %s)", err, truncateBody(bodyBytes))
	}
	return nil
}

func (c *APIClient) getJSON(ctx context.Context, endpoint string, result interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return err
	}
	return c.decodeJSONResponse(resp, result)
}

// GetOrderBook fetches the book of a token
func (c *APIClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	var book OrderBook
	if err := c.getJSON(ctx, "/book?token_id="+url.QueryEscape(tokenID), &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetTokenMarketInfo assembles tick size, neg-risk flag, fee rate and
// minimum order size of a token from the public endpoints.
func (c *APIClient) GetTokenMarketInfo(ctx context.Context, tokenID string) (*TokenMarketInfo, error) {
	if tokenID == "" {
		return nil, &InvalidParamError{Message: "token_id is required"}
	}
	q := "?token_id=" + url.QueryEscape(tokenID)
	merged := make(map[string]interface{})

	for _, endpoint := range []string{"/tick-size", "/neg-risk", "/fee-rate"} {
		var part map[string]interface{}
		if err := c.getJSON(ctx, endpoint+q, &part); err != nil {
			return nil, fmt.Errorf("%s: %w", endpoint, err)
		}
		for k, v := range part {
			merged[k] = v
		}
	}

	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		c.logger.Warn("order book unavailable", zap.String("token_id", tokenID), zap.Error(err))
	} else if book.MinOrderSize != "" {
		merged["min_order_size"] = book.MinOrderSize
	}

	return ParseTokenMarketInfo(tokenID, merged, c.contracts)
}

// PostOrder submits a signed order
func (c *APIClient) PostOrder(ctx context.Context, order *chain.SignedOrder, orderType OrderType) (*PostOrderResult, error) {
	if order == nil {
		return nil, &InvalidParamError{Message: "signed order is required"}
	}
	_, creds, err := c.credentials()
	if err != nil {
		return nil, err
	}
	if orderType == "" {
		orderType = OrderTypeGTC
	}

	resp, err := c.doSigned(ctx, http.MethodPost, "/order", postOrderBody{
		Order:     order,
		Owner:     creds.APIKey,
		OrderType: orderType,
	})
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := c.decodeJSONResponse(resp, &raw); err != nil {
		return nil, err
	}

	result := &PostOrderResult{OrderID: normalizeOrderID(raw)}
	if v, ok := toBool(raw["success"]); ok {
		result.Success = v
	} else {
		result.Success = result.OrderID != ""
	}
	if v, ok := raw["errorMsg"].(string); ok {
		result.ErrorMsg = v
	}
	if v, ok := raw["status"].(string); ok {
		result.Status = v
	}
	result.OrderHashes = stringList(raw["orderHashes"])

	if !result.Success && result.ErrorMsg != "" {
		return result, &OpenAPIError{Message: result.ErrorMsg}
	}
	if result.OrderID == "" {
		return result, &OpenAPIError{Message: "order accepted without an order id"}
	}
	return result, nil
}

// GetOrder fetches one order as the provider returns it
func (c *APIClient) GetOrder(ctx context.Context, orderID string) (map[string]interface{}, error) {
	if orderID == "" {
		return nil, &InvalidParamError{Message: "order id is required"}
	}
	resp, err := c.doSigned(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := c.decodeJSONResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelOrder cancels one resting order
func (c *APIClient) CancelOrder(ctx context.Context, orderID string) (map[string]interface{}, error) {
	if orderID == "" {
		return nil, &InvalidParamError{Message: "order id is required"}
	}
	resp, err := c.doSigned(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := c.decodeJSONResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCollateralBalance returns the USDC balance the CLOB sees for the session
func (c *APIClient) GetCollateralBalance(ctx context.Context, signatureType chain.SignatureType) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("/balance-allowance?asset_type=COLLATERAL&signature_type=%d", signatureType)
	resp, err := c.doSigned(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var result map[string]interface{}
	if err := c.decodeJSONResponse(resp, &result); err != nil {
		return decimal.Zero, err
	}
	return NormalizeBalance(result), nil
}

// CreateOrDeriveAPICreds derives the level-2 credentials of the signed
// address, creating them when none exist yet.
func (c *APIClient) CreateOrDeriveAPICreds(ctx context.Context, auth L1Auth) (*APICreds, error) {
	headers := map[string]string{
		"POLY_ADDRESS":   auth.Address.Hex(),
		"POLY_SIGNATURE": auth.Signature,
		"POLY_TIMESTAMP": strconv.FormatInt(auth.Timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(auth.Nonce, 10),
	}

	creds, err := c.apiKeyRequest(ctx, http.MethodGet, "/auth/derive-api-key", headers)
	var apiErr *OpenAPIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusBadRequest) {
		c.logger.Info("no api key to derive, creating one", zap.String("address", auth.Address.Hex()))
		creds, err = c.apiKeyRequest(ctx, http.MethodPost, "/auth/api-key", headers)
	}
	if err != nil {
		return nil, err
	}
	if !creds.Valid() {
		return nil, &OpenAPIError{Message: "incomplete API credentials in response"}
	}
	return creds, nil
}

func (c *APIClient) apiKeyRequest(ctx context.Context, method, endpoint string, headers map[string]string) (*APICreds, error) {
	resp, err := c.doRequest(ctx, method, endpoint, nil, headers)
	if err != nil {
		return nil, err
	}
	var creds APICreds
	if err := c.decodeJSONResponse(resp, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}
