package health_test

import (
	"testing"

	"MarginRisk/internal/health"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"
	"MarginRisk/internal/testutil"

	"github.com/stretchr/testify/require"
)

// solverWorld prices SOL at 20 with Init weights 0.8 / 1.25, giving
// weighted prices of 16 and 25.
func solverWorld() *testutil.World {
	w := testutil.NewStandardWorld()
	w.Banks[testutil.SOL].Weights = testutil.Weights("0.8", "0.9", "1.25", "1.1")
	return w
}

func TestMaxWithdraw_SingleSegment(t *testing.T) {
	w := testutil.NewStandardWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-10"}))

	th, err := hc.MaxWithdraw(testutil.USDC)
	require.NoError(t, err)
	require.Equal(t, health.SolutionSingleSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "760")
}

func TestSolve_TakeCrossesZero(t *testing.T) {
	w := solverWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "100", testutil.SOL: "5"}))

	// 5 SOL at 16 covers 80 of 180; the other 100 is borrowed at 25.
	th, err := hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Take, D("0"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionTwoSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "9")
}

func TestSolve_Give(t *testing.T) {
	w := solverWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "100", testutil.SOL: "-10"}))
	requireEqual(t, testutil.Health(t, hc, health.Init).String(), "-150")

	th, err := hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Give, D("0"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionSingleSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "6")

	// Repaying all 10 gives 250; the remaining 100 accrues as deposit at 16.
	th, err = hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Give, D("200"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionTwoSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "16.25")
}

func TestSolve_AlreadyPastTarget(t *testing.T) {
	w := solverWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "100", testutil.SOL: "-10"}))

	th, err := hc.MaxWithdraw(testutil.USDC)
	require.NoError(t, err)
	require.Equal(t, health.SolutionNone, th.Kind)
	require.True(t, th.Amount.IsZero())

	th, err = hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Give, D("-500"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionNone, th.Kind)
}

func TestSolve_ZeroWeightIsUnreachable(t *testing.T) {
	w := testutil.NewStandardWorld()
	w.Banks[testutil.SOL].Weights = testutil.Weights("0", "0.9", "1.2", "1.1")
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "-100", testutil.SOL: "5"}))

	th, err := hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Give, D("0"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionUnreachable, th.Kind)
}

func TestSolve_UnknownToken(t *testing.T) {
	w := testutil.NewStandardWorld()
	hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1"}))

	_, err := hc.MaxWithdraw(testutil.BTC)
	require.ErrorIs(t, err, health.ErrTokenNotInCache)
}

// === Test: applying the solution lands on the target ===

func TestSolve_ApplyingAmountReachesTarget(t *testing.T) {
	w := solverWorld()
	tolerance := D("1e-12")

	for _, sol := range []string{"-50", "-3.7", "0", "2.5", "10", "123.456"} {
		hc := w.Cache(t, testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: sol}))

		for _, target := range []string{"-20", "0", "50", "900"} {
			for _, dir := range []health.Direction{health.Take, health.Give} {
				th, err := hc.SolveTokenThreshold(health.Init, testutil.SOL, dir, D(target))
				require.NoError(t, err)
				if th.Kind == health.SolutionNone {
					continue
				}
				require.NotEqual(t, health.SolutionUnreachable, th.Kind)

				delta := th.Amount
				if dir == health.Take {
					delta = delta.Neg()
				}
				after, err := hc.WithTokenBalanceChange(testutil.SOL, delta)
				require.NoError(t, err)
				h := testutil.Health(t, after, health.Init)

				if h.LessThan(D(target).Sub(fpmath.Ulp)) {
					t.Errorf("sol=%s target=%s %s: health %s below target", sol, target, dir, h)
				}
				if h.Sub(D(target)).Abs().GreaterThan(tolerance) {
					t.Errorf("sol=%s target=%s %s: health %s not within %s of target", sol, target, dir, h, tolerance)
				}
			}
		}
	}
}

// === Test: spot reservations on the solved token ===

// reservedAccount holds SOL with a resting SOL/USDC order; the reservation
// may settle as 5 SOL plus quoteReserved USDC.
func reservedAccount(w *testutil.World, usdc, sol, quoteReserved string) *state.Account {
	w.AddOpenOrders(&state.OpenOrders{Key: "oo-sol", MarketIndex: 0,
		BaseFree: D("0"), QuoteFree: D("0"), BaseReserved: D("5"), QuoteReserved: D(quoteReserved)})
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: usdc, testutil.SOL: sol})
	acct.EnsureSerum3Orders(state.Serum3Orders{MarketIndex: 0, BaseTokenIndex: testutil.SOL,
		QuoteTokenIndex: testutil.USDC, OpenOrdersKey: "oo-sol"})
	return acct
}

func TestSolve_TakePastReservationBreakpoints(t *testing.T) {
	w := testutil.NewStandardWorld()
	hc := w.Cache(t, reservedAccount(w, "1000", "2", "0"))

	// Past -5 SOL the reservation is worth its 100 USDC side and every
	// further SOL is borrowed at 24: 7 + 980/24.
	th, err := hc.SolveTokenThreshold(health.Init, testutil.SOL, health.Take, D("0"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionMultiSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "47.833333333333333")

	th, err = hc.SolveTokenThreshold(health.Maint, testutil.SOL, health.Take, D("0"))
	require.NoError(t, err)
	require.Equal(t, health.SolutionMultiSegment, th.Kind)
	requireEqual(t, th.Amount.String(), "52")

	after, err := hc.WithTokenBalanceChange(testutil.SOL, D("-52"))
	require.NoError(t, err)
	require.True(t, testutil.Health(t, after, health.Maint).IsZero())
}

func TestSolve_ReservationsApplyingAmountReachesTarget(t *testing.T) {
	tolerance := D("1e-12")

	for _, quoteReserved := range []string{"0", "200"} {
		for _, sol := range []string{"-20", "-3", "0", "2", "7", "40"} {
			w := testutil.NewStandardWorld()
			hc := w.Cache(t, reservedAccount(w, "1000", sol, quoteReserved))

			for _, token := range []state.TokenIndex{testutil.SOL, testutil.USDC} {
				for _, ht := range []health.Type{health.Init, health.Maint} {
					for _, target := range []string{"-100", "0", "50", "900"} {
						for _, dir := range []health.Direction{health.Take, health.Give} {
							th, err := hc.SolveTokenThreshold(ht, token, dir, D(target))
							require.NoError(t, err)
							if th.Kind == health.SolutionNone {
								continue
							}
							require.NotEqual(t, health.SolutionUnreachable, th.Kind)

							delta := th.Amount
							if dir == health.Take {
								delta = delta.Neg()
							}
							after, err := hc.WithTokenBalanceChange(token, delta)
							require.NoError(t, err)
							h := testutil.Health(t, after, ht)

							if h.LessThan(D(target).Sub(fpmath.Ulp)) {
								t.Errorf("reserved=%s sol=%s token=%d %s %s target=%s: health %s below target",
									quoteReserved, sol, token, ht, dir, target, h)
							}
							if h.Sub(D(target)).Abs().GreaterThan(tolerance) {
								t.Errorf("reserved=%s sol=%s token=%d %s %s target=%s: health %s not within %s of target",
									quoteReserved, sol, token, ht, dir, target, h, tolerance)
							}
						}
					}
				}
			}
		}
	}
}
