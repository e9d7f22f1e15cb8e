package health

import (
	"sort"

	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

// Direction of a hypothetical balance change.
type Direction int

const (
	Take Direction = iota // the account gives up the token
	Give                  // the account receives the token
)

func (d Direction) String() string {
	if d == Give {
		return "Give"
	}
	return "Take"
}

// SolutionKind tags how a threshold amount was found.
type SolutionKind int

const (
	// SolutionNone: health is already on the far side of the target; Amount is 0.
	SolutionNone SolutionKind = iota
	// SolutionSingleSegment: the target is reached before the balance changes sign.
	SolutionSingleSegment
	// SolutionTwoSegment: the balance crosses zero and the weight switches.
	SolutionTwoSegment
	// SolutionUnreachable: the remaining segment has zero weighted price, so
	// no amount reaches the target; Amount is where the balance reaches zero,
	// or the last spot reservation breakpoint.
	SolutionUnreachable
	// SolutionMultiSegment: spot reservations on the token add breakpoints
	// and the target lies past at least one of them.
	SolutionMultiSegment
)

func (k SolutionKind) String() string {
	switch k {
	case SolutionNone:
		return "None"
	case SolutionSingleSegment:
		return "SingleSegment"
	case SolutionTwoSegment:
		return "TwoSegment"
	case SolutionUnreachable:
		return "Unreachable"
	case SolutionMultiSegment:
		return "MultiSegment"
	default:
		return "Unknown"
	}
}

// Threshold is the result of a solver run.
type Threshold struct {
	Kind   SolutionKind
	Amount decimal.Decimal
}

// SolveTokenThreshold returns how much of token the account can give up
// (Take) before health(t) falls to target, or must receive (Give) before it
// rises to target. Take amounts round down and Give amounts round up, so
// applying the amount never leaves health below target.
//
// Spot reservations settling into token make health piecewise linear in its
// balance with more than one kink; those tokens go through solvePiecewise.
func (hc *HealthCache) SolveTokenThreshold(t Type, token state.TokenIndex, dir Direction, target decimal.Decimal) (Threshold, error) {
	idx, err := hc.tokenInfoIndex(token)
	if err != nil {
		return Threshold{}, err
	}
	if hc.reservesInto(idx) {
		return hc.solvePiecewise(t, idx, dir, target)
	}
	ti := hc.TokenInfos[idx]
	health, err := hc.Health(t)
	if err != nil {
		return Threshold{}, err
	}
	assetPrice, err := ti.AssetWeightedPrice(t)
	if err != nil {
		return Threshold{}, err
	}
	liabPrice, err := ti.LiabWeightedPrice(t)
	if err != nil {
		return Threshold{}, err
	}

	if dir == Take {
		surplus, err := fpmath.Sub(health, target)
		if err != nil {
			return Threshold{}, err
		}
		return solveTwoSegment(surplus, ti.Balance, assetPrice, liabPrice, fpmath.RoundDown)
	}

	// Receiving mirrors giving up with signs flipped: the liability segment
	// is consumed first, then the asset segment.
	deficit, err := fpmath.Sub(target, health)
	if err != nil {
		return Threshold{}, err
	}
	return solveTwoSegment(deficit, ti.Balance.Neg(), liabPrice, assetPrice, fpmath.RoundUp)
}

// MaxWithdraw returns how much of token can be withdrawn, borrowing if
// needed, while keeping Init health non-negative.
func (hc *HealthCache) MaxWithdraw(token state.TokenIndex) (Threshold, error) {
	return hc.SolveTokenThreshold(Init, token, Take, decimal.Zero)
}

// solveTwoSegment finds x >= 0 such that removing x from balance reduces a
// piecewise-linear health by exactly surplus. While the balance stays
// positive each unit costs nearPrice; past zero each unit costs farPrice.
func solveTwoSegment(surplus, balance, nearPrice, farPrice decimal.Decimal, mode fpmath.RoundingMode) (Threshold, error) {
	if !surplus.IsPositive() {
		return Threshold{Kind: SolutionNone, Amount: decimal.Zero}, nil
	}

	if !balance.IsPositive() {
		if !farPrice.IsPositive() {
			return Threshold{Kind: SolutionUnreachable, Amount: decimal.Zero}, nil
		}
		amount, err := fpmath.DivRound(surplus, farPrice, mode)
		if err != nil {
			return Threshold{}, err
		}
		return Threshold{Kind: SolutionSingleSegment, Amount: amount}, nil
	}

	nearMax, err := fpmath.Mul(balance, nearPrice)
	if err != nil {
		return Threshold{}, err
	}
	if nearPrice.IsPositive() && nearMax.GreaterThanOrEqual(surplus) {
		amount, err := fpmath.DivRound(surplus, nearPrice, mode)
		if err != nil {
			return Threshold{}, err
		}
		return Threshold{Kind: SolutionSingleSegment, Amount: amount}, nil
	}

	remaining, err := fpmath.Sub(surplus, nearMax)
	if err != nil {
		return Threshold{}, err
	}
	if !farPrice.IsPositive() {
		return Threshold{Kind: SolutionUnreachable, Amount: balance}, nil
	}
	extra, err := fpmath.DivRound(remaining, farPrice, mode)
	if err != nil {
		return Threshold{}, err
	}
	amount, err := fpmath.Add(balance, extra)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{Kind: SolutionTwoSegment, Amount: amount}, nil
}

// reservesInto reports whether any spot market settles into the token at idx.
func (hc *HealthCache) reservesInto(idx int) bool {
	for _, s := range hc.Serum3Infos {
		if s.BaseInfoIndex == idx || s.QuoteInfoIndex == idx {
			return true
		}
	}
	return false
}

// balanceBreakpoints returns the balances of the token at idx where the
// slope of health(t) may change: zero for the token itself and, for each
// spot market settling into it, where the maximum balance crosses zero, the
// reserved amount, and the point where this side's outcome becomes the
// worse one. Health is linear between consecutive breakpoints.
func (hc *HealthCache) balanceBreakpoints(t Type, idx int) ([]decimal.Decimal, error) {
	maxReserved, reserved, err := hc.serum3Reservations(t)
	if err != nil {
		return nil, err
	}
	ti := &hc.TokenInfos[idx]
	assetPrice, err := ti.AssetWeightedPrice(t)
	if err != nil {
		return nil, err
	}
	liabPrice, err := ti.LiabWeightedPrice(t)
	if err != nil {
		return nil, err
	}
	slopeGap := liabPrice.Sub(assetPrice)
	offset := maxReserved[idx]

	points := []decimal.Decimal{decimal.Zero, offset.Neg()}
	for i, s := range hc.Serum3Infos {
		var amount, otherAmount decimal.Decimal
		var otherIdx int
		switch idx {
		case s.BaseInfoIndex:
			amount, otherIdx, otherAmount = reserved[i].allAsBase, s.QuoteInfoIndex, reserved[i].allAsQuote
		case s.QuoteInfoIndex:
			amount, otherIdx, otherAmount = reserved[i].allAsQuote, s.BaseInfoIndex, reserved[i].allAsBase
		default:
			continue
		}
		points = append(points, amount.Sub(offset))

		// Between zero and amount this side is amount*liab - m*(liab - asset)
		// in the maximum balance m; find where it meets the other side.
		if !slopeGap.IsPositive() {
			continue
		}
		other, err := hc.serum3Effect(t, otherIdx, otherAmount, maxReserved)
		if err != nil {
			return nil, err
		}
		full, err := fpmath.Mul(amount, liabPrice)
		if err != nil {
			return nil, err
		}
		m, err := fpmath.Div(full.Sub(other), slopeGap)
		if err != nil {
			return nil, err
		}
		if m.IsPositive() && m.LessThan(amount) {
			points = append(points, m.Sub(offset))
		}
	}
	return points, nil
}

// solvePiecewise walks the linear pieces of health as a function of the
// amount moved and interpolates inside the first piece that reaches target.
// phi is health for Take and negated health for Give, so both directions
// look for the first amount where phi falls to tau.
func (hc *HealthCache) solvePiecewise(t Type, idx int, dir Direction, target decimal.Decimal) (Threshold, error) {
	token := hc.TokenInfos[idx].TokenIndex
	balance := hc.TokenInfos[idx].Balance

	sign, tau, mode := decimal.NewFromInt(-1), target, fpmath.RoundDown
	if dir == Give {
		sign, tau, mode = decimal.NewFromInt(1), target.Neg(), fpmath.RoundUp
	}
	phi := func(x decimal.Decimal) (decimal.Decimal, error) {
		moved, err := hc.WithTokenBalanceChange(token, x.Mul(sign))
		if err != nil {
			return decimal.Zero, err
		}
		h, err := moved.Health(t)
		if err != nil {
			return decimal.Zero, err
		}
		if dir == Give {
			return h.Neg(), nil
		}
		return h, nil
	}

	points, err := hc.balanceBreakpoints(t, idx)
	if err != nil {
		return Threshold{}, err
	}
	xs := make([]decimal.Decimal, 0, len(points))
	for _, p := range points {
		x := p.Sub(balance).Mul(sign)
		if x.IsPositive() {
			xs = append(xs, x)
		}
	}
	sort.Slice(xs, func(i, j int) bool { return xs[i].LessThan(xs[j]) })

	lo := decimal.Zero
	plo, err := phi(lo)
	if err != nil {
		return Threshold{}, err
	}
	if plo.LessThanOrEqual(tau) {
		return Threshold{Kind: SolutionNone, Amount: decimal.Zero}, nil
	}

	kind := SolutionSingleSegment
	for _, hi := range xs {
		if hi.Equal(lo) {
			continue
		}
		phiHi, err := phi(hi)
		if err != nil {
			return Threshold{}, err
		}
		if phiHi.LessThanOrEqual(tau) {
			return interpolate(lo, hi, plo, phiHi, tau, mode, kind)
		}
		lo, plo, kind = hi, phiHi, SolutionMultiSegment
	}

	// Past the last breakpoint health is linear; one unit further gives its slope.
	next := lo.Add(decimal.NewFromInt(1))
	pnext, err := phi(next)
	if err != nil {
		return Threshold{}, err
	}
	if !pnext.LessThan(plo) {
		return Threshold{Kind: SolutionUnreachable, Amount: lo}, nil
	}
	return interpolate(lo, next, plo, pnext, tau, mode, kind)
}

// interpolate solves phi(x) = tau on the line through (lo, plo) and
// (hi, phiHi); the answer may lie beyond hi when the piece is unbounded.
func interpolate(lo, hi, plo, phiHi, tau decimal.Decimal, mode fpmath.RoundingMode, kind SolutionKind) (Threshold, error) {
	gap, err := fpmath.Sub(plo, tau)
	if err != nil {
		return Threshold{}, err
	}
	scaled, err := fpmath.MulRound(gap, hi.Sub(lo), mode)
	if err != nil {
		return Threshold{}, err
	}
	step, err := fpmath.DivRound(scaled, plo.Sub(phiHi), mode)
	if err != nil {
		return Threshold{}, err
	}
	amount, err := fpmath.Add(lo, step)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{Kind: kind, Amount: amount}, nil
}
