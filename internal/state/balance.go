package state

import "github.com/shopspring/decimal"

// TokenPosition is an account's signed native balance in one token.
// Negative means borrowed.
type TokenPosition struct {
	TokenIndex TokenIndex      `json:"token_index"`
	Balance    decimal.Decimal `json:"balance"`
}

// TokenAmount is an unsigned quantity of a token, used by loans and
// instructions.
type TokenAmount struct {
	TokenIndex TokenIndex      `json:"token_index"`
	Amount     decimal.Decimal `json:"amount"`
}

// CanonicalBytes for deterministic hashing
func (p *TokenPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)
	buf = appendUint16LE(buf, uint16(p.TokenIndex))
	buf = appendDecimal(buf, p.Balance)
	return buf
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

// appendDecimal writes a length-prefixed canonical string form, so equal
// values with different exponents hash identically.
func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	s := d.String()
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}
