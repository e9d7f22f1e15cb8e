// Package region brackets a sequence of instructions so that health is
// checked once at the end instead of after every step. The open region is
// persisted on the account; nothing about it lives in memory.
package region

import (
	"errors"
	"fmt"

	"MarginRisk/internal/health"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

var (
	ErrRegionAlreadyOpen  = errors.New("region: already open")
	ErrRegionNotOpen      = errors.New("region: not open")
	ErrRegionKindMismatch = errors.New("region: kind mismatch")
	ErrRegionNotClosed    = errors.New("region: still open at end of bundle")
	ErrInvalidLoan        = errors.New("region: invalid flash loan")
)

// CacheBuilder rebuilds an account's health cache from current records.
type CacheBuilder func(*state.Account) (*health.HealthCache, error)

// BeginHealthRegion opens a health region. hc is the account's cache before
// the region and supplies the pre-region Init health.
func BeginHealthRegion(acct *state.Account, hc *health.HealthCache, required health.Type) error {
	return begin(acct, hc, state.RegionHealth, required, nil)
}

// EndHealthRegion closes the region after checking health(required) >= 0 on
// a freshly built cache. On failure the region stays open and the caller
// must discard the account's changes.
func EndHealthRegion(acct *state.Account, build CacheBuilder) (*health.HealthCache, error) {
	if err := expectOpen(acct, state.RegionHealth); err != nil {
		return nil, err
	}
	return end(acct, build)
}

// BeginFlashLoan opens a flash-loan region and debits every loan from the
// account, borrowing where the balance does not cover it.
func BeginFlashLoan(acct *state.Account, hc *health.HealthCache, banks map[state.TokenIndex]*state.Bank, loans []state.TokenAmount) error {
	seen := make(map[state.TokenIndex]bool, len(loans))
	for _, l := range loans {
		if !l.Amount.IsPositive() {
			return fmt.Errorf("%w: token %d amount %s", ErrInvalidLoan, l.TokenIndex, l.Amount)
		}
		if seen[l.TokenIndex] {
			return fmt.Errorf("%w: token %d listed twice", ErrInvalidLoan, l.TokenIndex)
		}
		if _, ok := banks[l.TokenIndex]; !ok {
			return fmt.Errorf("%w: bank %d", state.ErrMissingRecord, l.TokenIndex)
		}
		seen[l.TokenIndex] = true
	}

	if err := begin(acct, hc, state.RegionFlashLoan, health.Init, loans); err != nil {
		return err
	}
	for _, l := range loans {
		if err := move(acct, banks[l.TokenIndex], l.Amount.Neg()); err != nil {
			return err
		}
	}
	return nil
}

// EndFlashLoan credits repayments and closes the region once Init health is
// non-negative.
func EndFlashLoan(acct *state.Account, banks map[state.TokenIndex]*state.Bank, repayments []state.TokenAmount, build CacheBuilder) (*health.HealthCache, error) {
	if err := expectOpen(acct, state.RegionFlashLoan); err != nil {
		return nil, err
	}
	for _, r := range repayments {
		if r.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: repayment of token %d is negative", ErrInvalidLoan, r.TokenIndex)
		}
		bank, ok := banks[r.TokenIndex]
		if !ok {
			return nil, fmt.Errorf("%w: bank %d", state.ErrMissingRecord, r.TokenIndex)
		}
		if err := move(acct, bank, r.Amount); err != nil {
			return nil, err
		}
	}
	return end(acct, build)
}

// RequiredType is the health type an open region must satisfy at its end.
func RequiredType(acct *state.Account) health.Type {
	return health.Type(acct.Region.RequiredType)
}

func begin(acct *state.Account, hc *health.HealthCache, kind state.RegionKind, required health.Type, loans []state.TokenAmount) error {
	if acct.Region.IsOpen() {
		return fmt.Errorf("%w: account %s has an open %s", ErrRegionAlreadyOpen, acct.ID, acct.Region.Kind)
	}
	pre, err := hc.Health(health.Init)
	if err != nil {
		return err
	}
	acct.Region = state.RegionState{
		Kind:          kind,
		BeganVersion:  acct.Version,
		PreInitHealth: pre,
		RequiredType:  uint8(required),
		Loans:         append([]state.TokenAmount(nil), loans...),
	}
	acct.Version++
	return nil
}

func expectOpen(acct *state.Account, kind state.RegionKind) error {
	if !acct.Region.IsOpen() {
		return fmt.Errorf("%w: account %s", ErrRegionNotOpen, acct.ID)
	}
	if acct.Region.Kind != kind {
		return fmt.Errorf("%w: open region is %s, not %s", ErrRegionKindMismatch, acct.Region.Kind, kind)
	}
	return nil
}

func end(acct *state.Account, build CacheBuilder) (*health.HealthCache, error) {
	acct.DeactivateDustTokens()
	hc, err := build(acct)
	if err != nil {
		return nil, err
	}
	if err := health.RequireHealth(hc, RequiredType(acct)); err != nil {
		return nil, err
	}
	acct.Region = state.RegionState{}
	acct.Version++
	return hc, nil
}

func move(acct *state.Account, bank *state.Bank, delta decimal.Decimal) error {
	pos := acct.EnsureTokenPosition(bank.TokenIndex)
	next, err := fpmath.Add(pos.Balance, delta)
	if err != nil {
		return fmt.Errorf("account %s token %d: %w", acct.ID, bank.TokenIndex, err)
	}
	bank.ApplyBalanceChange(pos.Balance, next)
	pos.Balance = next
	return nil
}
