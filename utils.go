package opiweb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxErrorBody = 200

// toDecimal coerces a provider JSON value into a decimal. Strings may carry
// thousands separators.
func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		if cleaned == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(cleaned)
		return d, err == nil
	}
	return decimal.Zero, false
}

// toBool accepts JSON booleans and their common string spellings
func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// sortedKeys returns the map keys in a stable order so nested lookups are deterministic.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup returns the first present, non-empty value among keys
func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && v != "" {
			return v, true
		}
	}
	return nil, false
}

// normalizeOrderID extracts the order id from a post/get response
func normalizeOrderID(payload map[string]interface{}) string {
	v, ok := lookup(payload, "orderID", "order_id", "id")
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// newIdempotencyKey returns a fresh key for one state-mutating call
func newIdempotencyKey() string {
	return uuid.NewString()
}

// truncateBody shortens a response body for error messages
func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
