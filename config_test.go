package opiweb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"CLOB_HOST", "CLOB_WS_ENDPOINT", "RPC_URL", "DEFAULT_EXCHANGE_ADDRESS", "LOG_LEVEL",
	"CLOB_API_KEY", "CLOB_SECRET", "CLOB_PASSPHRASE", "CHAIN_ID", "TP_MAX_MINUTES",
	"AMOUNT_ROUNDING_MARGIN", "ORDER_NONCE", "TP_POLL_SECONDS",
}

// clearConfigEnv unsets every config variable for the test and restores them afterwards.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfigFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.ChainID != ChainIDPolygon {
		t.Errorf("ChainID = %d, want %d", cfg.ChainID, ChainIDPolygon)
	}
	if cfg.Host != DefaultHost || cfg.WSEndpoint != DefaultWSEndpoint {
		t.Errorf("Host/WSEndpoint = %s/%s", cfg.Host, cfg.WSEndpoint)
	}
	if cfg.DefaultExchange != DefaultContractAddresses[ChainIDPolygon].Exchange {
		t.Errorf("DefaultExchange = %s", cfg.DefaultExchange)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.MaxMinutes != DefaultMaxMinutes {
		t.Errorf("PollInterval/MaxMinutes = %v/%d", cfg.PollInterval, cfg.MaxMinutes)
	}
	if cfg.MarketCacheTTL != DefaultMarketCacheTTL || cfg.LogLevel != "info" {
		t.Errorf("MarketCacheTTL/LogLevel = %v/%s", cfg.MarketCacheTTL, cfg.LogLevel)
	}
	if cfg.Creds != nil {
		t.Errorf("Creds = %+v, want nil", cfg.Creds)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearConfigEnv(t)
	path := writeEnvFile(t, `CHAIN_ID=80002
CLOB_HOST=https://clob.example.com/
TP_POLL_SECONDS=1.5
TP_MAX_MINUTES=90
ORDER_NONCE=7
AMOUNT_ROUNDING_MARGIN=6
CLOB_API_KEY=key
CLOB_SECRET=c2VjcmV0
CLOB_PASSPHRASE=pass
`)
	// the process environment wins over the file
	t.Setenv("TP_MAX_MINUTES", "30")

	cfg, err := LoadConfigFromEnv(path)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.ChainID != ChainIDAmoy {
		t.Errorf("ChainID = %d, want %d", cfg.ChainID, ChainIDAmoy)
	}
	if cfg.DefaultExchange != DefaultContractAddresses[ChainIDAmoy].Exchange {
		t.Errorf("DefaultExchange = %s, want the Amoy exchange", cfg.DefaultExchange)
	}
	if cfg.Host != "https://clob.example.com" {
		t.Errorf("Host = %s, want trailing slash trimmed", cfg.Host)
	}
	if cfg.PollInterval != 1500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 1.5s", cfg.PollInterval)
	}
	if cfg.MaxMinutes != 30 {
		t.Errorf("MaxMinutes = %d, want 30", cfg.MaxMinutes)
	}
	if cfg.AmountMargin != 6 {
		t.Errorf("AmountMargin = %d, want 6", cfg.AmountMargin)
	}
	if cfg.OrderNonce != 7 {
		t.Errorf("OrderNonce = %d, want 7", cfg.OrderNonce)
	}
	if !cfg.Creds.Valid() || cfg.Creds.APIKey != "key" {
		t.Errorf("Creds = %+v", cfg.Creds)
	}
}

func TestLoadConfigFromEnvInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CHAIN_ID", "polygon"},
		{"CHAIN_ID", "1"},
		{"TP_MAX_MINUTES", "1h"},
		{"TP_POLL_SECONDS", "-2"},
		{"ORDER_NONCE", "0x1"},
		{"DEFAULT_EXCHANGE_ADDRESS", "exchange"},
		{"AMOUNT_ROUNDING_MARGIN", "4294967300"},
		{"AMOUNT_ROUNDING_MARGIN", "-1"},
		{"AMOUNT_ROUNDING_MARGIN", "13"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfigFromEnv(filepath.Join(t.TempDir(), "missing.env")); !errors.Is(err, ErrInvalidParam) {
				t.Errorf("LoadConfigFromEnv() error = %v, want %v", err, ErrInvalidParam)
			}
		})
	}
}

func TestWithDefaultsCapsMaxMinutes(t *testing.T) {
	cfg, err := ClientConfig{MaxMinutes: 500}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults() error = %v", err)
	}
	if cfg.MaxMinutes != MaxTpMinutes {
		t.Errorf("MaxMinutes = %d, want %d", cfg.MaxMinutes, MaxTpMinutes)
	}
	if cfg.Contracts() != DefaultContractAddresses[ChainIDPolygon] {
		t.Errorf("Contracts() = %+v", cfg.Contracts())
	}
}

func TestAPICredsValid(t *testing.T) {
	var nilCreds *APICreds
	if nilCreds.Valid() {
		t.Error("nil creds reported valid")
	}
	if (&APICreds{APIKey: "k", Secret: "s"}).Valid() {
		t.Error("creds without passphrase reported valid")
	}
	if !testCreds().Valid() {
		t.Error("complete creds reported invalid")
	}
}
