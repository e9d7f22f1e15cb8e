package core

import (
	"errors"

	"MarginRisk/internal/health"
	"MarginRisk/internal/liquidation"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/region"
	"MarginRisk/internal/state"
)

var (
	ErrInvalidInstruction  = errors.New("core: invalid instruction")
	ErrStaleOracleSequence = errors.New("core: oracle sequence not increasing")
	ErrBorrowNotAllowed    = errors.New("core: withdrawal would borrow")
	ErrSelfLiquidation     = errors.New("core: liquidator and liquidatee are the same account")
)

// kinds is checked in order; the first match names the error.
var kinds = []struct {
	err  error
	name string
}{
	{state.ErrMissingRecord, "MissingRecord"},
	{state.ErrStalePrice, "StalePrice"},
	{state.ErrLowConfidencePrice, "LowConfidencePrice"},
	{state.ErrZeroPrice, "ZeroPrice"},
	{state.ErrInvalidWeights, "InvalidWeights"},
	{state.ErrAccountNotFound, "AccountNotFound"},
	{state.ErrInvalidTransition, "InvalidTransition"},
	{state.ErrFundingEpochGap, "FundingEpochGap"},
	{health.ErrOrderViolation, "OrderViolation"},
	{health.ErrDuplicateRecord, "DuplicateRecord"},
	{health.ErrInsufficientHealth, "InsufficientHealth"},
	{health.ErrTokenNotInCache, "MissingRecord"},
	{fpmath.ErrOverflow, "NumericOverflow"},
	{fpmath.ErrDivideByZero, "DivideByZero"},
	{region.ErrRegionAlreadyOpen, "RegionAlreadyOpen"},
	{region.ErrRegionNotOpen, "RegionNotOpen"},
	{region.ErrRegionKindMismatch, "RegionKindMismatch"},
	{region.ErrRegionNotClosed, "RegionNotClosed"},
	{region.ErrInvalidLoan, "InvalidInstruction"},
	{liquidation.ErrNotLiquidatable, "NotLiquidatable"},
	{liquidation.ErrOpenOrdersOutstanding, "OpenOrdersOutstanding"},
	{liquidation.ErrInvalidLiquidationPair, "InvalidLiquidationPair"},
	{liquidation.ErrNotBankrupt, "NotBankrupt"},
	{liquidation.ErrPerpPositionsOpen, "PerpPositionsOpen"},
	{ErrInvalidInstruction, "InvalidInstruction"},
	{ErrSelfLiquidation, "InvalidInstruction"},
	{ErrStaleOracleSequence, "StaleOracleSequence"},
	{ErrBorrowNotAllowed, "BorrowNotAllowed"},
}

// ErrorKind names the failure class of err for API callers and metrics.
// Unclassified errors are "Internal"; nil is "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

func isMissing(err error) bool {
	return errors.Is(err, state.ErrMissingRecord)
}
