package math

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// FracDigits is the number of fractional decimal digits kept by every checked
// operation. 1e-15 is close to the resolution of a 48-bit binary fraction.
const FracDigits int32 = 15

var (
	ErrOverflow     = errors.New("fpmath: numeric overflow")
	ErrDivideByZero = errors.New("fpmath: division by zero")
)

var (
	// MaxAbs is the exclusive magnitude bound of a representable value (2^79).
	MaxAbs = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 79), 0)

	// Ulp is the smallest representable increment.
	Ulp = decimal.New(1, -FracDigits)

	two = decimal.NewFromInt(2)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward -inf
	RoundUp                           // toward +inf
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "HalfEven"
	case RoundDown:
		return "Down"
	case RoundUp:
		return "Up"
	default:
		return "Unknown"
	}
}

// Check returns ErrOverflow when v is outside the representable range.
func Check(v decimal.Decimal) (decimal.Decimal, error) {
	if v.Abs().Cmp(MaxAbs) >= 0 {
		return decimal.Zero, ErrOverflow
	}
	return v, nil
}

// Quantize rounds v to FracDigits using mode.
func Quantize(v decimal.Decimal, mode RoundingMode) decimal.Decimal {
	if v.Exponent() >= -FracDigits {
		return v
	}
	switch mode {
	case RoundDown:
		return v.RoundFloor(FracDigits)
	case RoundUp:
		return v.RoundCeil(FracDigits)
	default:
		return v.RoundBank(FracDigits)
	}
}

func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Add(b))
}

func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Sub(b))
}

// Mul multiplies with banker's rounding.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	return MulRound(a, b, RoundHalfEven)
}

func MulRound(a, b decimal.Decimal, mode RoundingMode) (decimal.Decimal, error) {
	return Check(Quantize(a.Mul(b), mode))
}

// Mul3 computes a*b*c, rounding once at the end.
func Mul3(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	return Check(Quantize(a.Mul(b).Mul(c), RoundHalfEven))
}

// Div divides with banker's rounding.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	return DivRound(a, b, RoundHalfEven)
}

// DivRound performs a / b quantized to FracDigits with the given rounding.
func DivRound(a, b decimal.Decimal, mode RoundingMode) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivideByZero
	}

	// q is truncated toward zero; a = b*q + r
	q, r := a.QuoRem(b, FracDigits)
	if r.IsZero() {
		return Check(q)
	}

	negative := a.Sign()*b.Sign() < 0
	switch mode {
	case RoundDown:
		if negative {
			q = q.Sub(Ulp)
		}
	case RoundUp:
		if !negative {
			q = q.Add(Ulp)
		}
	default:
		// Compare the dropped fraction against half an ulp of the quotient.
		cmp := r.Abs().Mul(two).Cmp(b.Abs().Mul(Ulp))
		if cmp > 0 || (cmp == 0 && isOddUlp(q)) {
			if negative {
				q = q.Sub(Ulp)
			} else {
				q = q.Add(Ulp)
			}
		}
	}

	return Check(q)
}

func isOddUlp(q decimal.Decimal) bool {
	units := q.Shift(FracDigits).BigInt()
	return units.Abs(units).Bit(0) == 1
}

func Neg(a decimal.Decimal) decimal.Decimal {
	return a.Neg()
}

// FromLots converts a lot count to native units without int64 overflow.
func FromLots(lots, lotSize int64) (decimal.Decimal, error) {
	return Check(decimal.NewFromInt(lots).Mul(decimal.NewFromInt(lotSize)))
}

// MustParse parses a decimal literal and panics on malformed input.
// Only for constants and test fixtures.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
