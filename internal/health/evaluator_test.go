package health_test

import (
	"testing"

	"MarginRisk/internal/health"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"
	"MarginRisk/internal/testutil"

	"github.com/stretchr/testify/require"
)

var D = testutil.D

func requireEqual(t *testing.T, got, want string) {
	t.Helper()
	if !D(got).Equal(D(want)) {
		t.Errorf("got %s, want %s", got, want)
	}
}

// === Test: token valuation ===

func TestHealth_SolventAccount(t *testing.T) {
	w := testutil.NewStandardWorld()
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-10"})

	hc := w.Cache(t, acct)
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "760")
	requireEqual(t, testutil.Health(t, hc, health.Maint).String(), "780")

	liquidatable, err := hc.IsLiquidatable()
	require.NoError(t, err)
	require.False(t, liquidatable)
}

func TestHealth_DeepenedBorrowIsLiquidatable(t *testing.T) {
	w := testutil.NewStandardWorld()
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-60"})

	hc := w.Cache(t, acct)
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "-440")
	requireEqual(t, testutil.Health(t, hc, health.Maint).String(), "-320")

	require.ErrorIs(t, health.RequireHealth(hc, health.Init), health.ErrInsufficientHealth)

	liquidatable, err := hc.IsLiquidatable()
	require.NoError(t, err)
	require.True(t, liquidatable)
}

func TestHealth_EmptyAccountIsNeutral(t *testing.T) {
	w := testutil.NewStandardWorld()
	acct := testutil.NewAccount(nil)

	hc := w.Cache(t, acct)
	for _, ht := range health.Types {
		require.True(t, testutil.Health(t, hc, ht).IsZero(), "%s health of empty account", ht)
	}

	liquidatable, err := hc.IsLiquidatable()
	require.NoError(t, err)
	require.False(t, liquidatable)
	require.NoError(t, health.RequireHealth(hc, health.Init))
}

func TestHealth_StablePriceOnlyAffectsInit(t *testing.T) {
	w := testutil.NewStandardWorld()
	w.Banks[testutil.SOL].StablePrice = D("18")
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.SOL: "10"})

	hc := w.Cache(t, acct)
	// Init values the deposit at min(20, 18) = 18.
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "144")
	requireEqual(t, testutil.Health(t, hc, health.Maint).String(), "180")

	borrow := testutil.NewAccount(map[state.TokenIndex]string{testutil.SOL: "-10"})
	w.Banks[testutil.SOL].StablePrice = D("25")
	hc = w.Cache(t, borrow)
	// Init values the borrow at max(20, 25) = 25.
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "-300")
	requireEqual(t, testutil.Health(t, hc, health.Maint).String(), "-220")
}

func TestHealth_OverflowIsReported(t *testing.T) {
	w := testutil.NewStandardWorld()
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.BTC: "1e20"})

	hc := w.Cache(t, acct)
	_, err := hc.Health(health.Init)
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestHealthRatio(t *testing.T) {
	w := testutil.NewStandardWorld()
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-10"})
	hc := w.Cache(t, acct)

	// (1000 - 240) * 100 / 240
	ratio, err := hc.HealthRatio(health.Init)
	require.NoError(t, err)
	require.True(t, ratio.Sub(D("316.666666666666667")).Abs().LessThanOrEqual(fpmath.Ulp), "got %s", ratio)

	noDebt := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "5"}))
	ratio, err = noDebt.HealthRatio(health.Init)
	require.NoError(t, err)
	require.True(t, ratio.GreaterThan(D("1e20")))
}

// === Test: variant ordering ===

func TestHealth_VariantsOrderedInitMaintLiqEnd(t *testing.T) {
	w := testutil.NewStandardWorld()
	sol := w.Banks[testutil.SOL]
	sol.Weights.Asset.LiquidationEnd = D("0.95")
	sol.Weights.Liab.LiquidationEnd = D("1.05")
	sol.StablePrice = D("21")
	w.AddPerp(0, "SOL-PERP", "20", testutil.Weights("0.9", "0.95", "1.1", "1.05"))
	w.AddOpenOrders(&state.OpenOrders{Key: "oo-sol", MarketIndex: 0,
		BaseFree: D("0"), QuoteFree: D("5"), BaseReserved: D("2"), QuoteReserved: D("100")})

	accounts := []map[state.TokenIndex]string{
		{testutil.USDC: "1000", testutil.SOL: "-10"},
		{testutil.USDC: "-500", testutil.SOL: "40", testutil.BTC: "0.01"},
		{testutil.USDC: "-2000", testutil.SOL: "5"},
	}

	for i, balances := range accounts {
		acct := testutil.NewAccount(balances)
		acct.EnsureSerum3Orders(state.Serum3Orders{MarketIndex: 0, BaseTokenIndex: testutil.SOL,
			QuoteTokenIndex: testutil.USDC, OpenOrdersKey: "oo-sol"})
		perp := acct.EnsurePerpPosition(0)
		perp.BaseLots = int64(3 - 4*i)
		perp.QuotePosition = D("-40")
		perp.BidsBaseLots = 2
		perp.AsksBaseLots = 1

		hc := w.Cache(t, acct)
		initH := testutil.Health(t, hc, health.Init)
		maintH := testutil.Health(t, hc, health.Maint)
		liqEndH := testutil.Health(t, hc, health.LiquidationEnd)

		if initH.GreaterThan(maintH) || maintH.GreaterThan(liqEndH) {
			t.Errorf("account %d: want init <= maint <= liqEnd, got %s, %s, %s", i, initH, maintH, liqEndH)
		}
	}
}

// === Test: spot reservations ===

func spotWorld() *testutil.World {
	w := testutil.NewStandardWorld()
	w.AddOpenOrders(&state.OpenOrders{Key: "oo-sol", MarketIndex: 0,
		BaseFree: D("0"), QuoteFree: D("0"), BaseReserved: D("0"), QuoteReserved: D("200")})
	return w
}

func spotAccount(usdc string) *state.Account {
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: usdc})
	acct.EnsureSerum3Orders(state.Serum3Orders{MarketIndex: 0, BaseTokenIndex: testutil.SOL,
		QuoteTokenIndex: testutil.USDC, OpenOrdersKey: "oo-sol"})
	return acct
}

func TestHealth_SpotReservationWorstSide(t *testing.T) {
	w := spotWorld()
	hc := w.Cache(t, spotAccount("800"))

	// 200 USDC reserved in a bid. Settling as 10 SOL is worth 10*20*0.8 = 160
	// under Init, less than 200 as USDC, so the SOL outcome counts.
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "960")
	requireEqual(t, testutil.Health(t, hc, health.Maint).String(), "980")
	require.True(t, hc.HasSpotReservations())
}

func TestHealth_SpotReservationNeverANetGain(t *testing.T) {
	w := spotWorld()

	for _, usdc := range []string{"1000", "150", "0", "-300"} {
		before := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: usdc})
		after := spotAccount(D(usdc).Sub(D("200")).String())

		hcBefore := w.Cache(t, before)
		hcAfter := w.Cache(t, after)
		for _, ht := range health.Types {
			hb := testutil.Health(t, hcBefore, ht)
			ha := testutil.Health(t, hcAfter, ht)
			if ha.GreaterThan(hb) {
				t.Errorf("usdc=%s %s: reserving raised health from %s to %s", usdc, ht, hb, ha)
			}
		}
	}
}

func TestHealth_FreeOpenOrdersFundsCountAsBalance(t *testing.T) {
	w := spotWorld()
	w.Orders["oo-sol"].QuoteReserved = D("0")
	w.Orders["oo-sol"].BaseFree = D("2")

	hc := w.Cache(t, spotAccount("0"))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "32")

	sol, err := hc.TokenInfo(testutil.SOL)
	require.NoError(t, err)
	requireEqual(t, sol.Balance.String(), "2")
}

// === Test: perp contribution ===

func perpAccount(baseLots, bids, asks int64, quote string) *state.Account {
	acct := testutil.NewAccount(nil)
	p := acct.EnsurePerpPosition(0)
	p.BaseLots = baseLots
	p.BidsBaseLots = bids
	p.AsksBaseLots = asks
	p.QuotePosition = D(quote)
	return acct
}

func TestHealth_PerpWorstCaseOrders(t *testing.T) {
	w := testutil.NewStandardWorld()
	w.AddPerp(0, "SOL-PERP", "20", testutil.Weights("0.9", "0.95", "1.1", "1.05"))

	// Long 10 at 20 with quote -150: 10*20*0.9 - 150 = 30, scaled by 0.5.
	hc := w.Cache(t, perpAccount(10, 0, 0, "-150"))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "15")

	// A resting bid for 5 more: 15*20*0.9 - 100 - 150 = 20, scaled by 0.5.
	hc = w.Cache(t, perpAccount(10, 5, 0, "-150"))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "10")
	require.True(t, hc.HasPerpOpenOrders())

	// Short 10 with quote 150: -10*20*1.1 + 150 = -70, counted in full.
	hc = w.Cache(t, perpAccount(-10, 0, 0, "150"))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "-70")
}

func TestHealth_PerpFundingReducesQuote(t *testing.T) {
	w := testutil.NewStandardWorld()
	market := w.AddPerp(0, "SOL-PERP", "20", testutil.Weights("0.9", "0.95", "1.1", "1.05"))
	market.LongFunding = D("1")

	// 10 lots owe 1 each: quote -160, base 170 after the bid.
	hc := w.Cache(t, perpAccount(10, 5, 0, "-150"))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "5")
}

// === Test: what-if copies ===

func TestWithTokenBalanceChange_DoesNotMutate(t *testing.T) {
	w := testutil.NewStandardWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "100"}))

	changed, err := hc.WithTokenBalanceChange(testutil.USDC, D("-40"))
	require.NoError(t, err)
	requireEqual(t, testutil.Health(t, changed, health.Init).String(), "60")
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "100")

	_, err = hc.WithTokenBalanceChange(testutil.BTC, D("1"))
	require.ErrorIs(t, err, health.ErrTokenNotInCache)
}
