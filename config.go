package opiweb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// ChainID represents a blockchain chain ID
type ChainID int64

const (
	ChainIDPolygon ChainID = 137   // Polygon PoS mainnet
	ChainIDAmoy    ChainID = 80002 // Polygon Amoy testnet
)

// SupportedChainIDs lists all supported chain IDs
var SupportedChainIDs = []ChainID{ChainIDPolygon, ChainIDAmoy}

// ContractAddresses holds contract addresses for each chain
type ContractAddresses struct {
	Exchange          string
	NegRiskExchange   string
	Collateral        string
	ConditionalTokens string
}

// DefaultContractAddresses maps chain IDs to their contract addresses
var DefaultContractAddresses = map[ChainID]ContractAddresses{
	ChainIDPolygon: {
		Exchange:          "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
		NegRiskExchange:   "0xC5d563A36AE78145C45a50134d48A1215220f80a",
		Collateral:        "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		ConditionalTokens: "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
	},
	ChainIDAmoy: {
		Exchange:          "0xdFE02Eb6733538f8Ea35D585af8DE5958AD99E40",
		NegRiskExchange:   "0xC5d563A36AE78145C45a50134d48A1215220f80a",
		Collateral:        "0x9c4e1703476e875070ee25b56a58b008cfb8fa78",
		ConditionalTokens: "0x69308FB512518e39F9b16112fA8d994F4e2Bf8bB",
	},
}

// Defaults
const (
	DefaultHost              = "https://clob.polymarket.com"
	DefaultPollInterval      = 3 * time.Second
	DefaultMaxMinutes        = 60
	MaxTpMinutes             = 180
	DefaultRequestsPerSecond = 5
	DefaultMarketCacheTTL    = 5 * time.Minute

	maxAmountMargin = 12
)

// APICreds are the CLOB level-2 credentials.
type APICreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Valid reports whether all three parts are set.
func (c *APICreds) Valid() bool {
	return c != nil && c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// ClientConfig holds configuration for creating a Trader
type ClientConfig struct {
	Host              string
	WSEndpoint        string
	ChainID           ChainID
	RPCURL            string
	DefaultExchange   string
	Creds             *APICreds
	PollInterval      time.Duration
	MaxMinutes        int
	AmountMargin      int32
	OrderNonce        int64
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	MarketCacheTTL    time.Duration
	LogLevel          string
}

// withDefaults fills zero fields and validates the chain.
func (c ClientConfig) withDefaults() (ClientConfig, error) {
	if c.ChainID == 0 {
		c.ChainID = ChainIDPolygon
	}
	contracts, ok := DefaultContractAddresses[c.ChainID]
	if !ok {
		return c, &InvalidParamError{
			Message: fmt.Sprintf("chain_id must be one of %v", SupportedChainIDs),
		}
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	c.Host = strings.TrimRight(c.Host, "/")
	if c.WSEndpoint == "" {
		c.WSEndpoint = DefaultWSEndpoint
	}
	if c.DefaultExchange == "" {
		c.DefaultExchange = contracts.Exchange
	}
	if !common.IsHexAddress(c.DefaultExchange) {
		return c, &InvalidParamError{Message: fmt.Sprintf("default exchange %q is not an address", c.DefaultExchange)}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxMinutes <= 0 {
		c.MaxMinutes = DefaultMaxMinutes
	}
	if c.MaxMinutes > MaxTpMinutes {
		c.MaxMinutes = MaxTpMinutes
	}
	if c.AmountMargin < 0 || c.AmountMargin > maxAmountMargin {
		return c, &InvalidParamError{Message: fmt.Sprintf("amount rounding margin must be 0 to %d, got %d", maxAmountMargin, c.AmountMargin)}
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MarketCacheTTL == 0 {
		c.MarketCacheTTL = DefaultMarketCacheTTL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c, nil
}

// Contracts returns the contract addresses for the configured chain.
func (c ClientConfig) Contracts() ContractAddresses {
	chainID := c.ChainID
	if chainID == 0 {
		chainID = ChainIDPolygon
	}
	return DefaultContractAddresses[chainID]
}

// LoadConfigFromEnv reads configuration from the environment. Values from the
// .env file at path (if present) never override variables already set.
func LoadConfigFromEnv(path string) (ClientConfig, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ClientConfig{}, fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg := ClientConfig{
		Host:            os.Getenv("CLOB_HOST"),
		WSEndpoint:      os.Getenv("CLOB_WS_ENDPOINT"),
		RPCURL:          os.Getenv("RPC_URL"),
		DefaultExchange: os.Getenv("DEFAULT_EXCHANGE_ADDRESS"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
	}

	if key := os.Getenv("CLOB_API_KEY"); key != "" {
		cfg.Creds = &APICreds{
			APIKey:     key,
			Secret:     os.Getenv("CLOB_SECRET"),
			Passphrase: os.Getenv("CLOB_PASSPHRASE"),
		}
	}

	var err error
	if cfg.ChainID, err = envInt[ChainID]("CHAIN_ID"); err != nil {
		return cfg, err
	}
	if cfg.MaxMinutes, err = envInt[int]("TP_MAX_MINUTES"); err != nil {
		return cfg, err
	}
	if cfg.AmountMargin, err = envInt[int32]("AMOUNT_ROUNDING_MARGIN"); err != nil {
		return cfg, err
	}
	if cfg.OrderNonce, err = envInt[int64]("ORDER_NONCE"); err != nil {
		return cfg, err
	}

	if raw := os.Getenv("TP_POLL_SECONDS"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return cfg, &InvalidParamError{Message: fmt.Sprintf("TP_POLL_SECONDS must be a positive number, got %q", raw)}
		}
		cfg.PollInterval = time.Duration(secs * float64(time.Second))
	}

	return cfg.withDefaults()
}

func envInt[T ~int | ~int32 | ~int64](name string) (T, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &InvalidParamError{Message: fmt.Sprintf("%s must be an integer, got %q", name, raw)}
	}
	if int64(T(v)) != v {
		return 0, &InvalidParamError{Message: fmt.Sprintf("%s is out of range, got %q", name, raw)}
	}
	return T(v), nil
}
