package allocation

import (
	"github.com/shopspring/decimal"
)

// DemandLine is the replenishment need of one product at one outlet.
type DemandLine struct {
	OutletID       string
	ProductID      string
	Quantity       int
	DailyVelocity  decimal.Decimal
	Target         decimal.Decimal
	Need           decimal.Decimal
	Available      int
	CoverDays      int
	BufferFraction decimal.Decimal
	FloorApplied   bool
}

// EstimateDemand computes
//
//	velocity = trailing_sales / window_days
//	target   = max(velocity * cover_days * (1 + buffer), floor_qty)
//	need     = max(0, target - available)
//
// and emits a line for each product whose ceil(need) is positive, in product order.
func EstimateDemand(snap *Snapshot, outlet Outlet, products []Product, p Policy) []DemandLine {
	window := p.WindowDays
	if window <= 0 {
		window = snap.WindowDays
	}
	windowDays := decimal.NewFromInt(int64(window))
	cover := decimal.NewFromInt(int64(p.CoverDays))
	multiplier := decimal.NewFromInt(1).Add(p.BufferFraction)
	floor := decimal.NewFromInt(int64(p.FloorQty))

	var lines []DemandLine
	for _, product := range products {
		sales := decimal.NewFromInt(int64(snap.TrailingSales(outlet.ID, product.ID)))
		velocity := sales.Div(windowDays)
		target := velocity.Mul(cover).Mul(multiplier)

		floorApplied := false
		if p.FloorQty > 0 && target.LessThan(floor) {
			target = floor
			floorApplied = true
		}

		available := snap.Available(outlet.ID, product.ID)
		need := target.Sub(decimal.NewFromInt(int64(available)))
		if need.IsNegative() {
			need = decimal.Zero
		}
		qty := int(need.Ceil().IntPart())
		if qty <= 0 {
			continue
		}

		lines = append(lines, DemandLine{
			OutletID:       outlet.ID,
			ProductID:      product.ID,
			Quantity:       qty,
			DailyVelocity:  velocity,
			Target:         target,
			Need:           need,
			Available:      available,
			CoverDays:      p.CoverDays,
			BufferFraction: p.BufferFraction,
			FloorApplied:   floorApplied,
		})
	}
	return lines
}
