package core

import (
	"context"
	"fmt"
	"time"

	"MarginRisk/internal/event"
	"MarginRisk/internal/health"
	"MarginRisk/internal/liquidation"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/region"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// execution is the working set of one bundle. Records are loaded from the
// transaction on first use and written back by finish; health caches are
// built from this working set so they see the bundle's own changes.
type execution struct {
	ctx       context.Context
	eng       *RiskEngine
	tx        state.Tx
	requestID string
	now       time.Time

	acct       *state.Account
	others     map[uuid.UUID]*state.Account
	banks      map[state.TokenIndex]*state.Bank
	openOrders map[string]*state.OpenOrders
	fund       *decimal.Decimal

	result *Result
	events []event.Event

	liquidations []liquidation.Outcome
	resolution   *liquidation.Resolution
}

func newExecution(ctx context.Context, eng *RiskEngine, tx state.Tx, requestID string, acct *state.Account) *execution {
	return &execution{
		ctx:        ctx,
		eng:        eng,
		tx:         tx,
		requestID:  requestID,
		now:        eng.cfg.Now(),
		acct:       acct,
		others:     make(map[uuid.UUID]*state.Account),
		banks:      make(map[state.TokenIndex]*state.Bank),
		openOrders: make(map[string]*state.OpenOrders),
		result:     &Result{RequestID: requestID, AccountID: acct.ID},
	}
}

// --- state.RecordSource over the working set ---

func (x *execution) Bank(ctx context.Context, idx state.TokenIndex) (*state.Bank, error) {
	if b, ok := x.banks[idx]; ok {
		return b, nil
	}
	b, err := x.tx.Bank(ctx, idx)
	if err != nil {
		return nil, err
	}
	x.banks[idx] = b
	return b, nil
}

func (x *execution) PerpMarket(ctx context.Context, idx state.PerpMarketIndex) (*state.PerpMarket, error) {
	return x.tx.PerpMarket(ctx, idx)
}

func (x *execution) Oracle(ctx context.Context, key string) (*state.OracleRecord, error) {
	return x.tx.Oracle(ctx, key)
}

func (x *execution) OpenOrders(ctx context.Context, key string) (*state.OpenOrders, error) {
	if oo, ok := x.openOrders[key]; ok {
		return oo, nil
	}
	oo, err := x.tx.OpenOrders(ctx, key)
	if err != nil {
		return nil, err
	}
	x.openOrders[key] = oo
	return oo, nil
}

// bank loads a bank for mutation.
func (x *execution) bank(idx state.TokenIndex) (*state.Bank, error) {
	return x.Bank(x.ctx, idx)
}

// account loads another account taking part in the bundle.
func (x *execution) account(id uuid.UUID) (*state.Account, error) {
	if id == x.acct.ID {
		return x.acct, nil
	}
	if a, ok := x.others[id]; ok {
		return a, nil
	}
	a, err := x.tx.Account(x.ctx, id)
	if err != nil {
		return nil, err
	}
	x.others[id] = a
	return a, nil
}

func (x *execution) insuranceFund() (decimal.Decimal, error) {
	if x.fund != nil {
		return *x.fund, nil
	}
	f, err := x.tx.InsuranceFund(x.ctx)
	if err != nil {
		return decimal.Zero, err
	}
	x.fund = &f
	return f, nil
}

func (x *execution) setInsuranceFund(v decimal.Decimal) {
	x.fund = &v
}

// cache builds acct's health cache with the fixed-order retriever over the
// canonical record sequence.
func (x *execution) cache(acct *state.Account) (*health.HealthCache, error) {
	return x.buildCache(acct, health.BuildOptions{})
}

func (x *execution) buildCache(acct *state.Account, opts health.BuildOptions) (*health.HealthCache, error) {
	start := time.Now()
	records, err := state.HealthRecords(x.ctx, x, acct)
	if err != nil {
		return nil, err
	}
	r, err := health.NewFixedOrderRetriever(records, acct, x.now)
	if err != nil {
		return nil, err
	}
	hc, err := health.NewHealthCacheWithOptions(acct, r, opts)
	if err != nil {
		return nil, err
	}
	if m := x.eng.metrics; m != nil {
		m.HealthBuildDuration.WithLabelValues("fixed").Observe(time.Since(start).Seconds())
	}
	return hc, nil
}

// gate enforces Init health >= 0 after a gated instruction. An open region
// defers the check to its end marker.
func (x *execution) gate() error {
	if x.acct.Region.IsOpen() {
		return nil
	}
	hc, err := x.cache(x.acct)
	if err != nil {
		return err
	}
	return health.RequireHealth(hc, health.Init)
}

// move applies a signed change to acct's balance of token and keeps the
// bank aggregates in step.
func (x *execution) move(acct *state.Account, token state.TokenIndex, delta decimal.Decimal) error {
	bank, err := x.bank(token)
	if err != nil {
		return err
	}
	pos := acct.EnsureTokenPosition(token)
	next, err := fpmath.Add(pos.Balance, delta)
	if err != nil {
		return fmt.Errorf("account %s token %d: %w", acct.ID, token, err)
	}
	bank.ApplyBalanceChange(pos.Balance, next)
	pos.Balance = next
	return nil
}

func (x *execution) banksOf(acct *state.Account) (map[state.TokenIndex]*state.Bank, error) {
	banks := make(map[state.TokenIndex]*state.Bank, len(acct.Tokens))
	for _, tp := range acct.Tokens {
		b, err := x.bank(tp.TokenIndex)
		if err != nil {
			return nil, err
		}
		banks[tp.TokenIndex] = b
	}
	return banks, nil
}

// finish closes the bundle: regions must be closed, a Liquidatable account
// whose Init health recovered returns to Healthy, and every touched record
// is written back.
func (x *execution) finish(instrs []Instruction) error {
	if x.acct.Region.IsOpen() {
		return fmt.Errorf("%w: %s opened at version %d", region.ErrRegionNotClosed, x.acct.Region.Kind, x.acct.Region.BeganVersion)
	}

	x.acct.DeactivateDustTokens()
	x.acct.Version++

	// Informational health; an unusable price must not fail a bundle that
	// passed its gates.
	var initH, maintH *decimal.Decimal
	if hc, err := x.buildCache(x.acct, health.BuildOptions{SkipBadOracles: true}); err == nil {
		if h, err := hc.Health(health.Init); err == nil {
			initH = &h
		}
		if h, err := hc.Health(health.Maint); err == nil {
			maintH = &h
		}
		if x.acct.LiquidationState == state.LiquidationStateLiquidatable && initH != nil && !initH.IsNegative() {
			if err := x.acct.TransitionLiquidationState(state.LiquidationStateHealthy); err != nil {
				return err
			}
		}
	} else {
		x.eng.log.Debug().Err(err).Str("account_id", x.acct.ID.String()).Msg("post-bundle health unavailable")
	}

	if err := x.tx.PutAccount(x.ctx, x.acct); err != nil {
		return err
	}
	for _, a := range x.others {
		a.DeactivateDustTokens()
		a.Version++
		if err := x.tx.PutAccount(x.ctx, a); err != nil {
			return err
		}
	}
	for _, b := range x.banks {
		if err := x.tx.PutBank(x.ctx, b); err != nil {
			return err
		}
	}
	for _, oo := range x.openOrders {
		if err := x.tx.PutOpenOrders(x.ctx, oo); err != nil {
			return err
		}
	}
	if x.fund != nil {
		if err := x.tx.PutInsuranceFund(x.ctx, *x.fund); err != nil {
			return err
		}
	}

	names := make([]string, len(instrs))
	for i, in := range instrs {
		names[i] = in.Name()
	}
	x.result.Version = x.acct.Version
	x.result.InitHealth = initH
	x.result.MaintHealth = maintH
	x.events = append(x.events, &event.InstructionApplied{
		RequestID:    x.requestID,
		AccountID:    x.acct.ID,
		Instructions: names,
		Version:      x.acct.Version,
		InitHealth:   initH,
		MaintHealth:  maintH,
	})
	return nil
}

// observe records the metrics of a committed bundle.
func (x *execution) observe() {
	m := x.eng.metrics
	if m == nil {
		return
	}
	for _, l := range x.liquidations {
		switch l.Kind {
		case liquidation.OutcomeTrade:
			m.LiquidationsExecuted.WithLabelValues(l.Trade.Binding.String()).Inc()
		case liquidation.OutcomeBankrupt:
			m.Bankruptcies.Inc()
		}
	}
	if r := x.resolution; r != nil {
		for token, amount := range r.Socialized {
			f, _ := amount.Float64()
			m.SocializedLoss.WithLabelValues(fmt.Sprint(token)).Add(f)
		}
	}
	if x.fund != nil {
		f, _ := x.fund.Float64()
		m.InsuranceFundBalance.Set(f)
	}
}
