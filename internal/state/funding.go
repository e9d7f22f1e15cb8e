package state

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrFundingEpochGap = errors.New("state: funding epoch gap")

// ApplyFunding installs the cumulative funding indices of epoch. Epochs at or
// below the market's current epoch are duplicates and ignored; skipping an
// epoch is an error.
func (m *PerpMarket) ApplyFunding(epoch int64, long, short decimal.Decimal) (bool, error) {
	expected := m.FundingEpoch + 1
	if epoch < expected {
		return false, nil
	}
	if epoch > expected {
		return false, fmt.Errorf("%w: market %d expected=%d got=%d",
			ErrFundingEpochGap, m.PerpMarketIndex, expected, epoch)
	}
	m.LongFunding = long
	m.ShortFunding = short
	m.FundingEpoch = epoch
	return true, nil
}
