package core_test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/event"
	"MarginRisk/internal/health"
	"MarginRisk/internal/liquidation"
	"MarginRisk/internal/persistence"
	"MarginRisk/internal/region"
	"MarginRisk/internal/state"
	"MarginRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var D = testutil.D

// --- Test helpers ---

type harness struct {
	store   *persistence.MemoryStore
	world   *testutil.World
	engine  *core.RiskEngine
	persist chan core.Output
}

func newHarness(t *testing.T, accts ...*state.Account) *harness {
	t.Helper()
	h := &harness{
		store:   persistence.NewMemoryStore(),
		world:   testutil.NewStandardWorld(),
		persist: make(chan core.Output, 1024),
	}
	h.world.Banks[testutil.USDC].Deposits = D("1000000")
	h.world.Banks[testutil.SOL].Deposits = D("500")
	h.world.Seed(t, h.store, accts...)

	cfg := core.DefaultConfig()
	cfg.Now = func() time.Time { return testutil.Now }
	cfg.LiquidationTarget = D("1")
	h.engine = core.NewRiskEngine(h.store, cfg, h.persist, nil, nil)
	return h
}

func (h *harness) account(t *testing.T, id uuid.UUID) *state.Account {
	t.Helper()
	return testutil.LoadAccount(t, h.store, id)
}

func (h *harness) bank(t *testing.T, idx state.TokenIndex) *state.Bank {
	t.Helper()
	var bank *state.Bank
	require.NoError(t, h.store.View(context.Background(), func(tx state.Tx) error {
		var err error
		bank, err = tx.Bank(context.Background(), idx)
		return err
	}))
	return bank
}

func (h *harness) drain() []core.Output {
	var outs []core.Output
	for {
		select {
		case out := <-h.persist:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func usdcAccount(amount string) *state.Account {
	return testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: amount})
}

// === Test: deposits and withdrawals ===

func TestExecute_Deposit(t *testing.T) {
	acct := state.NewAccount(uuid.New(), "alice")
	h := newHarness(t, acct)

	res, err := h.engine.Execute(context.Background(), "dep-1", acct.ID,
		core.TokenDeposit{Token: testutil.USDC, Amount: D("1000")})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Version)
	require.NotNil(t, res.InitHealth)
	assert.True(t, res.InitHealth.Equal(D("1000")), "got %s", res.InitHealth)

	stored := h.account(t, acct.ID)
	assert.True(t, stored.TokenBalance(testutil.USDC).Equal(D("1000")))
	assert.True(t, h.bank(t, testutil.USDC).Deposits.Equal(D("1001000")))

	outs := h.drain()
	require.Len(t, outs, 1)
	applied, ok := outs[0].Event.(*event.InstructionApplied)
	require.True(t, ok)
	assert.Equal(t, []string{"TokenDeposit"}, applied.Instructions)
	assert.Equal(t, acct.ID, *outs[0].Envelope.AccountID)
}

func TestExecute_RejectsNonPositiveAmount(t *testing.T) {
	acct := state.NewAccount(uuid.New(), "alice")
	h := newHarness(t, acct)

	_, err := h.engine.Execute(context.Background(), "", acct.ID,
		core.TokenDeposit{Token: testutil.USDC, Amount: D("0")})
	require.ErrorIs(t, err, core.ErrInvalidInstruction)
	assert.Equal(t, "InvalidInstruction", core.ErrorKind(err))
}

func TestExecute_WithdrawGatedOnInitHealth(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)
	ctx := context.Background()

	// 1000 - 48 * 20 * 1.2 = -152
	_, err := h.engine.Execute(ctx, "", acct.ID,
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("48"), AllowBorrow: true})
	require.ErrorIs(t, err, health.ErrInsufficientHealth)
	assert.Equal(t, "InsufficientHealth", core.ErrorKind(err))

	stored := h.account(t, acct.ID)
	assert.Nil(t, stored.TokenPosition(testutil.SOL), "rejected withdraw must not leave a position")
	assert.True(t, h.bank(t, testutil.SOL).Borrows.IsZero())
	assert.Empty(t, h.drain())

	// 1000 - 10 * 20 * 1.2 = 760
	res, err := h.engine.Execute(ctx, "", acct.ID,
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("10"), AllowBorrow: true})
	require.NoError(t, err)
	assert.True(t, res.InitHealth.Equal(D("760")), "got %s", res.InitHealth)
	assert.True(t, h.account(t, acct.ID).TokenBalance(testutil.SOL).Equal(D("-10")))
	assert.True(t, h.bank(t, testutil.SOL).Borrows.Equal(D("10")))
}

func TestExecute_WithdrawWithoutBorrow(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.Execute(context.Background(), "", acct.ID,
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("1")})
	require.ErrorIs(t, err, core.ErrBorrowNotAllowed)
	assert.Equal(t, "BorrowNotAllowed", core.ErrorKind(err))
}

func TestExecute_StalePriceFailsGate(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)
	cfg := core.DefaultConfig()
	cfg.Now = func() time.Time { return testutil.Now.Add(2 * time.Hour) }
	eng := core.NewRiskEngine(h.store, cfg, nil, nil, nil)

	_, err := eng.Execute(context.Background(), "", acct.ID,
		core.TokenWithdraw{Token: testutil.USDC, Amount: D("1")})
	require.ErrorIs(t, err, state.ErrStalePrice)
	assert.Equal(t, "StalePrice", core.ErrorKind(err))
}

func TestExecute_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), "", uuid.New(),
		core.TokenDeposit{Token: testutil.USDC, Amount: D("1")})
	assert.Equal(t, "AccountNotFound", core.ErrorKind(err))
}

func TestExecute_EmptyBundle(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ExecuteBundle(context.Background(), "", uuid.New(), nil)
	require.ErrorIs(t, err, core.ErrInvalidInstruction)
}

// === Test: bundle atomicity ===

func TestExecuteBundle_FailingStepRollsBackEverything(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.ExecuteBundle(context.Background(), "b-1", acct.ID, []core.Instruction{
		core.TokenDeposit{Token: testutil.USDC, Amount: D("500")},
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("100"), AllowBorrow: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction 1 (TokenWithdraw)")

	assert.True(t, h.account(t, acct.ID).TokenBalance(testutil.USDC).Equal(D("1000")))
	assert.True(t, h.bank(t, testutil.USDC).Deposits.Equal(D("1000000")))

	// A rejected request id may be retried.
	_, err = h.engine.Execute(context.Background(), "b-1", acct.ID,
		core.TokenDeposit{Token: testutil.USDC, Amount: D("500")})
	require.NoError(t, err)
}

// === Test: health regions ===

func TestExecuteBundle_HealthRegionDefersGate(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	res, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.HealthRegionBegin{Required: health.Init},
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("48"), AllowBorrow: true},
		core.TokenDeposit{Token: testutil.SOL, Amount: D("48")},
		core.HealthRegionEnd{},
	})
	require.NoError(t, err)
	assert.True(t, res.InitHealth.Equal(D("1000")))

	stored := h.account(t, acct.ID)
	assert.False(t, stored.Region.IsOpen())
	assert.Nil(t, stored.TokenPosition(testutil.SOL))
}

func TestExecuteBundle_HealthRegionEndChecksRequiredType(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	// Init -152, Maint 1000 - 48 * 20 * 1.1 = -56
	_, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.HealthRegionBegin{Required: health.Maint},
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("48"), AllowBorrow: true},
		core.HealthRegionEnd{},
	})
	require.ErrorIs(t, err, health.ErrInsufficientHealth)

	// Init -44, Maint 1000 - 43.5 * 20 * 1.1 = 43
	_, err = h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.HealthRegionBegin{Required: health.Maint},
		core.TokenWithdraw{Token: testutil.SOL, Amount: D("43.5"), AllowBorrow: true},
		core.HealthRegionEnd{},
	})
	require.NoError(t, err)
}

func TestExecuteBundle_UnclosedRegionRollsBack(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.HealthRegionBegin{Required: health.Init},
		core.TokenDeposit{Token: testutil.USDC, Amount: D("1")},
	})
	require.ErrorIs(t, err, region.ErrRegionNotClosed)
	assert.Equal(t, "RegionNotClosed", core.ErrorKind(err))

	stored := h.account(t, acct.ID)
	assert.False(t, stored.Region.IsOpen())
	assert.True(t, stored.TokenBalance(testutil.USDC).Equal(D("1000")))
}

func TestExecuteBundle_RegionMismatch(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.HealthRegionBegin{Required: health.Init},
		core.FlashLoanEnd{},
	})
	assert.Equal(t, "RegionKindMismatch", core.ErrorKind(err))

	_, err = h.engine.Execute(context.Background(), "", acct.ID, core.HealthRegionEnd{})
	assert.Equal(t, "RegionNotOpen", core.ErrorKind(err))
}

// === Test: flash loans ===

func TestExecuteBundle_FlashLoanRepaid(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)
	loan := []state.TokenAmount{{TokenIndex: testutil.SOL, Amount: D("100")}}

	res, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.FlashLoanBegin{Loans: loan},
		core.FlashLoanEnd{Repayments: loan},
	})
	require.NoError(t, err)
	assert.True(t, res.InitHealth.Equal(D("1000")))
	assert.True(t, h.bank(t, testutil.SOL).Borrows.IsZero())
}

func TestExecuteBundle_FlashLoanUnpaid(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.ExecuteBundle(context.Background(), "", acct.ID, []core.Instruction{
		core.FlashLoanBegin{Loans: []state.TokenAmount{{TokenIndex: testutil.SOL, Amount: D("100")}}},
		core.FlashLoanEnd{},
	})
	require.ErrorIs(t, err, health.ErrInsufficientHealth)
	assert.Nil(t, h.account(t, acct.ID).TokenPosition(testutil.SOL))
}

func TestExecuteBundle_FlashLoanInvalid(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.Execute(context.Background(), "", acct.ID,
		core.FlashLoanBegin{Loans: []state.TokenAmount{{TokenIndex: testutil.SOL, Amount: D("-1")}}})
	assert.Equal(t, "InvalidInstruction", core.ErrorKind(err))
}

// === Test: spot and perp orders ===

func TestExecute_Serum3PlaceAndCancel(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)
	ctx := context.Background()

	place := core.Serum3PlaceOrder{
		Market: 3, BaseToken: testutil.SOL, QuoteToken: testutil.USDC,
		OpenOrdersKey: "oo-1", Side: core.Bid, Amount: D("400"),
	}
	_, err := h.engine.Execute(ctx, "", acct.ID, place)
	require.NoError(t, err)

	stored := h.account(t, acct.ID)
	require.NotNil(t, stored.Serum3Orders(3))
	assert.True(t, stored.TokenBalance(testutil.USDC).Equal(D("600")))

	var oo *state.OpenOrders
	require.NoError(t, h.store.View(ctx, func(tx state.Tx) error {
		var err error
		oo, err = tx.OpenOrders(ctx, "oo-1")
		return err
	}))
	assert.True(t, oo.QuoteReserved.Equal(D("400")))

	_, err = h.engine.Execute(ctx, "", acct.ID, core.Serum3CancelOrders{Market: 3})
	require.NoError(t, err)
	stored = h.account(t, acct.ID)
	assert.Nil(t, stored.Serum3Orders(3))
	assert.True(t, stored.TokenBalance(testutil.USDC).Equal(D("1000")))
}

func TestExecute_PerpOrderRequiresMarket(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)

	_, err := h.engine.Execute(context.Background(), "", acct.ID,
		core.PerpPlaceOrder{Market: 9, Side: core.Bid, BaseLots: 1})
	assert.Equal(t, "MissingRecord", core.ErrorKind(err))
}

// === Test: liquidation ===

func TestExecute_LiquidateTokenWithToken(t *testing.T) {
	liqee := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-48"})
	liqor := usdcAccount("100000")
	h := newHarness(t, liqee, liqor)

	res, err := h.engine.Execute(context.Background(), "liq-1", liqee.ID, core.LiquidateTokenWithToken{
		Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Liquidation)
	assert.Equal(t, liquidation.OutcomeTrade, res.Liquidation.Kind)
	assert.Equal(t, liquidation.BoundTarget, res.Liquidation.Trade.Binding)

	storedLiqee := h.account(t, liqee.ID)
	storedLiqor := h.account(t, liqor.ID)
	assert.Equal(t, state.LiquidationStateHealthy, storedLiqee.LiquidationState)
	assert.True(t, storedLiqor.TokenBalance(testutil.SOL).IsNegative())
	assert.True(t, storedLiqee.TokenBalance(testutil.SOL).GreaterThan(D("-48")))
	assert.Greater(t, storedLiqor.Version, liqor.Version)

	var sawLiquidation bool
	for _, out := range h.drain() {
		if l, ok := out.Event.(*event.TokenLiquidation); ok {
			sawLiquidation = true
			assert.Equal(t, liqor.ID, l.Liqor)
			assert.Equal(t, "Target", l.Binding)
		}
	}
	assert.True(t, sawLiquidation)
}

func TestExecute_LiquidateRejections(t *testing.T) {
	healthy := usdcAccount("1000")
	liqor := usdcAccount("100000")
	h := newHarness(t, healthy, liqor)
	ctx := context.Background()

	_, err := h.engine.Execute(ctx, "", healthy.ID, core.LiquidateTokenWithToken{
		Liqor: healthy.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	require.ErrorIs(t, err, core.ErrSelfLiquidation)

	_, err = h.engine.Execute(ctx, "", healthy.ID, core.LiquidateTokenWithToken{
		Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	assert.Equal(t, "NotLiquidatable", core.ErrorKind(err))
}

func TestExecute_BankruptcyFlow(t *testing.T) {
	liqee := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-60"})
	liqor := usdcAccount("100000")
	h := newHarness(t, liqee, liqor)
	ctx := context.Background()

	res, err := h.engine.Execute(ctx, "", liqee.ID, core.LiquidateTokenWithToken{
		Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	require.NoError(t, err)
	assert.Equal(t, liquidation.OutcomeBankrupt, res.Liquidation.Kind)
	assert.True(t, res.Liquidation.Shortfall.Equal(D("200")))
	assert.Equal(t, state.LiquidationStateBankrupt, h.account(t, liqee.ID).LiquidationState)

	// A bankrupt account takes no further liquidations.
	_, err = h.engine.Execute(ctx, "", liqee.ID, core.LiquidateTokenWithToken{
		Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	assert.Equal(t, "NotLiquidatable", core.ErrorKind(err))

	fund, err := h.engine.FundInsurance(ctx, D("100"))
	require.NoError(t, err)
	assert.True(t, fund.Equal(D("100")))

	res, err = h.engine.Execute(ctx, "", liqee.ID, core.ResolveBankruptcy{})
	require.NoError(t, err)
	require.NotNil(t, res.Bankruptcy)
	assert.True(t, res.Bankruptcy.FundAfter.IsZero())
	assert.True(t, res.Bankruptcy.Socialized[testutil.SOL].Equal(D("5")))

	stored := h.account(t, liqee.ID)
	assert.Equal(t, state.LiquidationStateHealthy, stored.LiquidationState)
	assert.Empty(t, stored.Tokens)
	assert.True(t, h.bank(t, testutil.SOL).SocializedLoss.Equal(D("5")))

	require.NoError(t, h.store.View(ctx, func(tx state.Tx) error {
		f, err := tx.InsuranceFund(ctx)
		assert.True(t, f.IsZero())
		return err
	}))
}

func TestExecute_LiquidateUntilBankrupt(t *testing.T) {
	liqee := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1040.4", testutil.SOL: "-51"})
	liqor := usdcAccount("100000")
	h := newHarness(t, liqee, liqor)
	ctx := context.Background()
	liquidate := core.LiquidateTokenWithToken{Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL}

	res, err := h.engine.Execute(ctx, "", liqee.ID, liquidate)
	require.NoError(t, err)
	assert.Equal(t, liquidation.OutcomeTrade, res.Liquidation.Kind)
	assert.Equal(t, liquidation.BoundAvailable, res.Liquidation.Trade.Binding)

	stored := h.account(t, liqee.ID)
	assert.Equal(t, state.LiquidationStateLiquidatable, stored.LiquidationState)
	assert.Nil(t, stored.TokenPosition(testutil.USDC), "drained collateral should be deactivated")
	assert.True(t, stored.TokenBalance(testutil.SOL).Equal(D("-1")))

	res, err = h.engine.Execute(ctx, "", liqee.ID, liquidate)
	require.NoError(t, err)
	assert.Equal(t, liquidation.OutcomeBankrupt, res.Liquidation.Kind)
	assert.True(t, res.Liquidation.Shortfall.Equal(D("20")), "got %s", res.Liquidation.Shortfall)
	assert.Equal(t, state.LiquidationStateBankrupt, h.account(t, liqee.ID).LiquidationState)

	var bankrupt *event.AccountBankrupt
	for _, out := range h.drain() {
		if b, ok := out.Event.(*event.AccountBankrupt); ok {
			bankrupt = b
		}
	}
	require.NotNil(t, bankrupt)
	assert.Equal(t, liqee.ID, bankrupt.AccountID)
	assert.True(t, bankrupt.Shortfall.Equal(D("20")))
}

func TestExecute_LiquidateUnheldAssetToken(t *testing.T) {
	liqee := testutil.NewAccount(map[state.TokenIndex]string{testutil.BTC: "0.04", testutil.SOL: "-55"})
	liqor := usdcAccount("100000")
	h := newHarness(t, liqee, liqor)

	_, err := h.engine.Execute(context.Background(), "", liqee.ID, core.LiquidateTokenWithToken{
		Liqor: liqor.ID, AssetToken: testutil.USDC, LiabToken: testutil.SOL,
	})
	assert.Equal(t, "InvalidLiquidationPair", core.ErrorKind(err))
}

func TestExecute_ResolveRequiresBankrupt(t *testing.T) {
	acct := usdcAccount("1000")
	h := newHarness(t, acct)
	_, err := h.engine.Execute(context.Background(), "", acct.ID, core.ResolveBankruptcy{})
	assert.Equal(t, "NotBankrupt", core.ErrorKind(err))
}

// === Test: idempotency ===

func TestExecute_DuplicateRequest(t *testing.T) {
	acct := usdcAccount("0")
	h := newHarness(t, acct)
	ctx := context.Background()
	dep := core.TokenDeposit{Token: testutil.USDC, Amount: D("10")}

	_, err := h.engine.Execute(ctx, "req-1", acct.ID, dep)
	require.NoError(t, err)
	res, err := h.engine.Execute(ctx, "req-1", acct.ID, dep)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// A fresh engine has an empty cache and falls back to the store.
	fresh := core.NewRiskEngine(h.store, core.Config{Now: func() time.Time { return testutil.Now }}, nil, nil, nil)
	res, err = fresh.Execute(ctx, "req-1", acct.ID, dep)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.True(t, h.account(t, acct.ID).TokenBalance(testutil.USDC).Equal(D("10")))
	assert.Len(t, h.drain(), 1)
}

func TestExecute_ResumeWarmsCache(t *testing.T) {
	acct := usdcAccount("0")
	h := newHarness(t, acct)
	h.engine.Resume(41, [32]byte{1}, []string{"old-req"})
	assert.Equal(t, int64(42), h.engine.Sequence())

	res, err := h.engine.Execute(context.Background(), "old-req", acct.ID,
		core.TokenDeposit{Token: testutil.USDC, Amount: D("10")})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

// === Test: oracle and funding feeds ===

func TestApplyOracleUpdate_Sequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upd := func(seq int64, price string) *event.OracleUpdate {
		return &event.OracleUpdate{Oracle: "SOL", Price: D(price), Confidence: decimal.Zero,
			Sequence: seq, Timestamp: testutil.Now}
	}

	err := h.engine.ApplyOracleUpdate(ctx, upd(1, "25"))
	require.ErrorIs(t, err, core.ErrStaleOracleSequence)

	require.NoError(t, h.engine.ApplyOracleUpdate(ctx, upd(2, "25")))
	require.NoError(t, h.engine.ApplyOracleUpdate(ctx, upd(5, "26")), "gaps are tolerated")
	require.ErrorIs(t, h.engine.ApplyOracleUpdate(ctx, upd(4, "27")), core.ErrStaleOracleSequence)

	require.NoError(t, h.store.View(ctx, func(tx state.Tx) error {
		o, err := tx.Oracle(ctx, "SOL")
		require.NoError(t, err)
		assert.True(t, o.Price.Equal(D("26")))
		assert.Equal(t, int64(5), o.Sequence)
		return nil
	}))

	// New oracle keys start from zero.
	require.NoError(t, h.engine.ApplyOracleUpdate(ctx, &event.OracleUpdate{Oracle: "ETH", Price: D("2000"),
		Confidence: decimal.Zero, Sequence: 1, Timestamp: testutil.Now}))
	assert.Len(t, h.drain(), 3)
}

func TestApplyOracleUpdate_RepricesHealth(t *testing.T) {
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-10"})
	h := newHarness(t, acct)
	ctx := context.Background()

	require.NoError(t, h.engine.ApplyOracleUpdate(ctx, &event.OracleUpdate{Oracle: "SOL", Price: D("50"),
		Confidence: decimal.Zero, Sequence: 2, Timestamp: testutil.Now}))

	// 1000 - 10 * 50 * 1.2 = 400; withdrawing 400 USDC is the most allowed.
	_, err := h.engine.Execute(ctx, "", acct.ID, core.TokenWithdraw{Token: testutil.USDC, Amount: D("401")})
	require.ErrorIs(t, err, health.ErrInsufficientHealth)
	_, err = h.engine.Execute(ctx, "", acct.ID, core.TokenWithdraw{Token: testutil.USDC, Amount: D("400")})
	require.NoError(t, err)
}

func TestApplyFundingUpdate_Epochs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterPerpMarket(ctx, &state.PerpMarket{
		PerpMarketIndex: 0, Name: "SOL-PERP", SettleTokenIndex: testutil.USDC, BaseLotSize: 1,
		OracleKey: "SOL", OracleConfig: state.OracleConfig{MaxStaleness: time.Hour},
		StablePrice: decimal.Zero, Weights: testutil.Weights("0.9", "0.95", "1.1", "1.05"),
		PnlAssetWeights: state.VariantWeights{Init: D("0.5"), Maint: D("0.8"), LiquidationEnd: D("0.8")},
		LongFunding:     decimal.Zero, ShortFunding: decimal.Zero,
	}))
	funding := func(epoch int64, long string) *event.FundingUpdate {
		return &event.FundingUpdate{MarketIndex: 0, Epoch: epoch, LongFunding: D(long), ShortFunding: D(long), Timestamp: testutil.Now}
	}

	require.NoError(t, h.engine.ApplyFundingUpdate(ctx, funding(1, "0.5")))
	require.NoError(t, h.engine.ApplyFundingUpdate(ctx, funding(1, "9")), "replay is ignored")
	err := h.engine.ApplyFundingUpdate(ctx, funding(3, "1"))
	require.ErrorIs(t, err, state.ErrFundingEpochGap)
	assert.Equal(t, "FundingEpochGap", core.ErrorKind(err))

	require.NoError(t, h.store.View(ctx, func(tx state.Tx) error {
		m, err := tx.PerpMarket(ctx, 0)
		require.NoError(t, err)
		assert.True(t, m.LongFunding.Equal(D("0.5")))
		assert.Equal(t, int64(1), m.FundingEpoch)
		return nil
	}))
	assert.Len(t, h.drain(), 1)
}

// === Test: output chain ===

func TestOutputs_HashChain(t *testing.T) {
	acct := usdcAccount("0")
	h := newHarness(t, acct)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.engine.Execute(ctx, fmt.Sprintf("chain-%d", i), acct.ID,
			core.TokenDeposit{Token: testutil.USDC, Amount: D("1")})
		require.NoError(t, err)
	}

	outs := h.drain()
	require.Len(t, outs, 3)
	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	assert.Equal(t, genesis, outs[0].Envelope.PrevHash)
	for i, out := range outs {
		assert.Equal(t, int64(i+1), out.Envelope.Sequence)
		assert.True(t, testutil.Now.Equal(out.Envelope.Timestamp))
		if i > 0 {
			assert.Equal(t, outs[i-1].Envelope.StateHash, out.Envelope.PrevHash)
		}
	}
	assert.Equal(t, int64(4), h.engine.Sequence())
}

func TestOutputs_PublishDropsWhenFull(t *testing.T) {
	acct := usdcAccount("0")
	h := newHarness(t, acct)
	publish := make(chan core.Output, 1)
	eng := core.NewRiskEngine(h.store, core.Config{Now: func() time.Time { return testutil.Now }}, nil, publish, nil)

	for i := 0; i < 3; i++ {
		_, err := eng.Execute(context.Background(), "", acct.ID,
			core.TokenDeposit{Token: testutil.USDC, Amount: D("1")})
		require.NoError(t, err)
	}
	assert.Len(t, publish, 1)
}

// === Test: error kinds ===

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", state.ErrMissingRecord), "MissingRecord"},
		{health.ErrTokenNotInCache, "MissingRecord"},
		{state.ErrZeroPrice, "ZeroPrice"},
		{liquidation.ErrOpenOrdersOutstanding, "OpenOrdersOutstanding"},
		{core.ErrSelfLiquidation, "InvalidInstruction"},
		{context.Canceled, "Internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, core.ErrorKind(tc.err), "err %v", tc.err)
	}
}
