package event_test

import (
	"testing"
	"time"

	"MarginRisk/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	for et := event.EventTypeOracleUpdate; et <= event.EventTypeFundingUpdate; et++ {
		got, err := event.ParseEventType(et.String())
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}
	_, err := event.ParseEventType("TradeFill")
	assert.Error(t, err)
}

func TestDecode_PreservesDecimals(t *testing.T) {
	id := uuid.New()
	in := &event.BankruptcyResolved{
		RequestID:  "req-1",
		AccountID:  id,
		Seized:     decimal.RequireFromString("1000"),
		Covered:    decimal.RequireFromString("1100"),
		Socialized: map[uint16]decimal.Decimal{1: decimal.RequireFromString("5.000000000000001")},
		FundAfter:  decimal.Zero,
	}
	payload, err := event.Encode(in)
	require.NoError(t, err)

	out, err := event.Decode(event.EventTypeBankruptcyResolved, payload)
	require.NoError(t, err)
	got := out.(*event.BankruptcyResolved)
	assert.True(t, got.Socialized[1].Equal(in.Socialized[1]))
	assert.Equal(t, id, *got.Account())
	assert.Equal(t, "req-1:resolved", got.IdempotencyKey())
}

func TestOracleUpdate_IsGlobal(t *testing.T) {
	u := &event.OracleUpdate{Oracle: "SOL", Sequence: 42, Timestamp: time.Unix(0, 0)}
	assert.Nil(t, u.Account())
	assert.Equal(t, "SOL:price:42", u.IdempotencyKey())
}

func TestFundingUpdate_Key(t *testing.T) {
	f := &event.FundingUpdate{MarketIndex: 3, Epoch: 17}
	assert.Nil(t, f.Account())
	assert.Equal(t, "3:funding:17", f.IdempotencyKey())
}
