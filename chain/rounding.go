package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the number of decimals of the collateral token. Every wire
// amount is an integer scaled by 10^TokenDecimals.
const TokenDecimals = 6

// DefaultAmountMargin is the number of extra decimals used when a dependent
// amount is first rounded up before falling back to rounding down.
const DefaultAmountMargin int32 = 4

// TickSize is a market's minimum price increment.
type TickSize string

const (
	TickSize01    TickSize = "0.1"
	TickSize001   TickSize = "0.01"
	TickSize0001  TickSize = "0.001"
	TickSize00001 TickSize = "0.0001"
)

// RoundConfig holds the decimal places used for price, size and the
// dependent collateral amount.
type RoundConfig struct {
	Price  int32
	Size   int32
	Amount int32
}

var roundingConfig = map[TickSize]RoundConfig{
	TickSize01:    {Price: 1, Size: 2, Amount: 3},
	TickSize001:   {Price: 2, Size: 2, Amount: 4},
	TickSize0001:  {Price: 3, Size: 2, Amount: 5},
	TickSize00001: {Price: 4, Size: 2, Amount: 6},
}

var one = decimal.NewFromInt(1)

// ParseTickSize canonicalizes a tick size string ("0.010" and "1e-2" both
// become "0.01"). Unknown or malformed values resolve to 0.01.
func ParseTickSize(raw string) TickSize {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return TickSize001
	}
	return TickSize(d.String()).Resolve()
}

// Resolve returns t if it is a supported tick size and 0.01 otherwise.
func (t TickSize) Resolve() TickSize {
	if _, ok := roundingConfig[t]; ok {
		return t
	}
	return TickSize001
}

// Config returns the rounding configuration for t.
func (t TickSize) Config() RoundConfig {
	return roundingConfig[t.Resolve()]
}

// Value returns the tick as a decimal.
func (t TickSize) Value() decimal.Decimal {
	return decimal.RequireFromString(string(t.Resolve()))
}

// NormalizedAmounts are exchange-legal order quantities. Price and Size stay
// decimal; MakerAmount and TakerAmount are wire integers scaled by 10^6.
type NormalizedAmounts struct {
	Price       decimal.Decimal
	Size        decimal.Decimal
	MakerAmount *big.Int
	TakerAmount *big.Int
}

// Normalizer turns a desired price and size into maker/taker amounts.
// Margin is the extra precision used by the round-up pass; zero means
// DefaultAmountMargin.
type Normalizer struct {
	Margin int32
}

// Normalize uses the default margin.
func Normalize(side Side, size, price decimal.Decimal, tick TickSize) (*NormalizedAmounts, error) {
	return Normalizer{}.Normalize(side, size, price, tick)
}

// Normalize rounds price to nearest, truncates size, and derives the
// collateral leg. For BUY the maker amount (collateral paid) is derived and
// the taker amount (tokens received) is authoritative; SELL is the reverse.
func (n Normalizer) Normalize(side Side, size, price decimal.Decimal, tick TickSize) (*NormalizedAmounts, error) {
	if side != SideBuy && side != SideSell {
		return nil, validationErr("side", ErrUnsupportedSide, "must be BUY or SELL, got %d", side)
	}

	tick = tick.Resolve()
	rc := tick.Config()

	rawPrice := price.Round(rc.Price)
	if !rawPrice.IsPositive() || rawPrice.GreaterThanOrEqual(one) {
		return nil, validationErr("price", ErrInvalidPrice,
			"must be strictly between 0 and 1, got %s (rounded to %s)", price.String(), rawPrice.String())
	}
	if err := ValidatePrice(rawPrice, tick); err != nil {
		return nil, err
	}

	rawSize := size.Truncate(rc.Size)
	if !rawSize.IsPositive() {
		return nil, validationErr("size", ErrInvalidSize,
			"%s rounds down to %s at %d decimals", size.String(), rawSize.String(), rc.Size)
	}

	dependent := n.roundAmount(rawSize.Mul(rawPrice), rc.Amount)

	makerDec, takerDec := dependent, rawSize
	if side == SideSell {
		makerDec, takerDec = rawSize, dependent
	}

	makerAmount, err := ToTokenUnits("makerAmount", makerDec)
	if err != nil {
		return nil, err
	}
	takerAmount, err := ToTokenUnits("takerAmount", takerDec)
	if err != nil {
		return nil, err
	}

	return &NormalizedAmounts{
		Price:       rawPrice,
		Size:        rawSize,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
	}, nil
}

// roundAmount keeps the amount if it fits in places, otherwise rounds it up
// at places+margin and, if that is still too precise, down at places.
func (n Normalizer) roundAmount(amount decimal.Decimal, places int32) decimal.Decimal {
	if fitsPrecision(amount, places) {
		return amount
	}
	margin := n.Margin
	if margin <= 0 {
		margin = DefaultAmountMargin
	}
	amount = amount.RoundUp(places + margin)
	if fitsPrecision(amount, places) {
		return amount
	}
	return amount.RoundDown(places)
}

func fitsPrecision(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// ValidatePrice checks that price lies in [tick, 1-tick].
func ValidatePrice(price decimal.Decimal, tick TickSize) error {
	t := tick.Value()
	upper := one.Sub(t)
	if price.LessThan(t) || price.GreaterThan(upper) {
		return validationErr("price", ErrPriceOutOfTickBand,
			"%s is outside [%s, %s] for tick size %s", price.String(), t.String(), upper.String(), tick.Resolve())
	}
	return nil
}

// ToTokenUnits scales a decimal amount by 10^6 and truncates it to an integer.
func ToTokenUnits(field string, amount decimal.Decimal) (*big.Int, error) {
	scaled := amount.Shift(TokenDecimals).Truncate(0)
	if scaled.Sign() <= 0 {
		return nil, &PrecisionError{Field: field, Value: amount.String(), Err: ErrAmountTooSmall}
	}
	return scaled.BigInt(), nil
}

// FromTokenUnits converts a wire integer back to a decimal amount.
func FromTokenUnits(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -TokenDecimals)
}
