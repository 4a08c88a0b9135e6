// Package position implements the pure position and PnL calculations of the
// settlement engine: weighted-average entry pricing, realized PnL on
// position reduction, and mark-to-market of the open remainder.
//
// Both functions are deterministic and side-effect-free; they take and
// return values so they can be tested against table-driven cases with no
// storage behind them.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

// ApplyTrade applies one fill to a position and returns the new position and
// the realized PnL delta.
//
// Rules:
//   - A trade in the direction of the existing exposure (or onto a flat
//     position) moves the average entry price to the amount-weighted average
//     of the old position and the fill; nothing is realized.
//   - A trade against the existing exposure realizes
//     (price - avgEntryPrice) * closedAmount (sign-adjusted for shorts) on
//     the closed portion. If the trade size exceeds the position, the
//     remainder flips the position and establishes a fresh entry at the
//     trade price.
//
// CurrentPrice is set to the trade price and UnrealizedPnL recomputed, so
// the invariant unrealized = (current - avgEntry) * amount holds on return.
func ApplyTrade(pos model.Position, side model.Side, amount, price decimal.Decimal, now time.Time) (model.Position, decimal.Decimal) {
	signed := amount
	if side == model.SideSell {
		signed = amount.Neg()
	}

	old := pos.Amount
	realized := decimal.Zero

	switch {
	case old.IsZero() || old.Sign() == signed.Sign():
		// Same-direction increase: weighted-average entry over absolute sizes.
		newAmount := old.Add(signed)
		weighted := old.Abs().Mul(pos.AvgEntryPrice).Add(signed.Abs().Mul(price))
		pos.AvgEntryPrice = weighted.Div(newAmount.Abs())
		pos.Amount = newAmount

	case signed.Abs().LessThan(old.Abs()):
		// Partial close: entry price unchanged, realize the closed portion.
		closed := signed.Abs()
		realized = price.Sub(pos.AvgEntryPrice).Mul(closed)
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		pos.Amount = old.Add(signed)

	case signed.Abs().Equal(old.Abs()):
		// Full close: flat position remains as a zero row.
		realized = price.Sub(pos.AvgEntryPrice).Mul(old.Abs())
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		pos.Amount = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero

	default:
		// Flip: close the whole old exposure, open the remainder at the
		// trade price.
		realized = price.Sub(pos.AvgEntryPrice).Mul(old.Abs())
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		pos.Amount = old.Add(signed)
		pos.AvgEntryPrice = price
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.UpdatedAt = now
	pos = MarkToMarket(pos, price, now)
	return pos, realized
}

// MarkToMarket recomputes UnrealizedPnL against the given price without
// touching any other field.
func MarkToMarket(pos model.Position, price decimal.Decimal, now time.Time) model.Position {
	pos.CurrentPrice = price
	pos.UnrealizedPnL = price.Sub(pos.AvgEntryPrice).Mul(pos.Amount)
	pos.UpdatedAt = now
	return pos
}
