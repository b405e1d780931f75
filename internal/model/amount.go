package model

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// BaseUnitDecimals is the number of fractional digits in the fund's unit of
// account. All monetary values in the system are integers at this scale.
const BaseUnitDecimals = 18

// BpsDenominator converts basis points to a ratio (1 bp = 1/10,000).
const BpsDenominator = 10_000

// Amount is a fixed-point monetary value in the fund's base unit.
//
// Amounts are immutable: arithmetic methods return a new value and never
// mutate the receiver. The zero value is unusable; construct with NewAmount,
// AmountFromBig or AmountFromString.
type Amount struct {
	i *big.Int
}

// NewAmount returns an Amount holding v base units.
func NewAmount(v int64) *Amount {
	return &Amount{i: big.NewInt(v)}
}

// AmountFromBig wraps a big.Int as an Amount. The input is copied.
func AmountFromBig(b *big.Int) *Amount {
	if b == nil {
		return ZeroAmount()
	}
	return &Amount{i: new(big.Int).Set(b)}
}

// AmountFromString parses a base-10 integer string.
func AmountFromString(s string) (*Amount, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return &Amount{i: i}, nil
}

// MustAmount parses a base-10 integer string and panics on failure.
// Intended for constants and tests.
func MustAmount(s string) *Amount {
	a, err := AmountFromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units returns v whole tokens scaled to base units (v * 10^18).
func Units(v int64) *Amount {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(BaseUnitDecimals), nil)
	return &Amount{i: new(big.Int).Mul(big.NewInt(v), exp)}
}

// ZeroAmount returns a zero-valued Amount.
func ZeroAmount() *Amount {
	return &Amount{i: new(big.Int)}
}

// Big returns a copy of the underlying integer.
func (a *Amount) Big() *big.Int {
	if a == nil || a.i == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.i)
}

// Add returns a + b.
func (a *Amount) Add(b *Amount) *Amount {
	return &Amount{i: new(big.Int).Add(a.Big(), b.Big())}
}

// Sub returns a - b.
func (a *Amount) Sub(b *Amount) *Amount {
	return &Amount{i: new(big.Int).Sub(a.Big(), b.Big())}
}

// Neg returns -a.
func (a *Amount) Neg() *Amount {
	return &Amount{i: new(big.Int).Neg(a.Big())}
}

// Min returns the smaller of a and b.
func (a *Amount) Min(b *Amount) *Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a *Amount) Cmp(b *Amount) int {
	return a.Big().Cmp(b.Big())
}

// Sign returns -1, 0 or +1 depending on the sign of a.
func (a *Amount) Sign() int {
	if a == nil || a.i == nil {
		return 0
	}
	return a.i.Sign()
}

// IsZero reports whether a is exactly zero.
func (a *Amount) IsZero() bool {
	return a.Sign() == 0
}

// Abs returns |a|.
func (a *Amount) Abs() *Amount {
	return &Amount{i: new(big.Int).Abs(a.Big())}
}

// MulBps returns a scaled by bps basis points, truncating toward zero.
func (a *Amount) MulBps(bps int64) *Amount {
	n := new(big.Int).Mul(a.Big(), big.NewInt(bps))
	return &Amount{i: n.Quo(n, big.NewInt(BpsDenominator))}
}

// RatioTo returns a/total as a decimal ratio. Returns zero if total is zero.
func (a *Amount) RatioTo(total *Amount) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(a.Big(), 0)
	den := decimal.NewFromBigInt(total.Big(), 0)
	return num.DivRound(den, 8)
}

// BpsOf returns a/total expressed in basis points, truncated.
// Returns 0 if total is zero.
func (a *Amount) BpsOf(total *Amount) int64 {
	if total.IsZero() {
		return 0
	}
	n := new(big.Int).Mul(a.Big(), big.NewInt(BpsDenominator))
	return n.Quo(n, total.Big()).Int64()
}

// MulDecimal returns a scaled by a decimal factor, truncated to an integer.
func (a *Amount) MulDecimal(d decimal.Decimal) *Amount {
	v := decimal.NewFromBigInt(a.Big(), 0).Mul(d)
	return &Amount{i: v.BigInt()}
}

func (a *Amount) String() string {
	if a == nil || a.i == nil {
		return "0"
	}
	return a.i.String()
}

// Scan implements sql.Scanner. Accepts NUMERIC as string or []byte, and
// integers. NULL scans as zero.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		a.i = new(big.Int)
		return nil
	case int64:
		a.i = big.NewInt(v)
		return nil
	case string:
		return a.setString(v)
	case []byte:
		return a.setString(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}

func (a *Amount) setString(s string) error {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid numeric %q", s)
	}
	a.i = i
	return nil
}

// Value implements driver.Valuer, emitting the base-10 string so the value
// fits a NUMERIC(78,0) column without precision loss.
func (a *Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// MarshalJSON encodes the amount as a JSON string to avoid float truncation.
func (a *Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted or bare base-10 integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return a.setString(s)
}
