package allocation

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/shopspring/decimal"
)

const DefaultWindowDays = 30

// Outlet settings keys recognised by ResolvePolicy.
const (
	SettingCoverDays = "cover_days"
	SettingBufferPct = "buffer_pct"
	SettingFloorQty  = "floor_qty"
)

var hundred = decimal.NewFromInt(100)

// Policy drives the demand estimator for one destination.
type Policy struct {
	CoverDays      int
	BufferFraction decimal.Decimal
	FloorQty       int
	WindowDays     int
}

func DefaultPolicy() Policy {
	return Policy{
		CoverDays:      14,
		BufferFraction: decimal.NewFromFloat(0.20),
		FloorQty:       0,
		WindowDays:     DefaultWindowDays,
	}
}

// SeedPolicy is tuned for outlets with no sales history.
func SeedPolicy() Policy {
	return Policy{
		CoverDays:      21,
		BufferFraction: decimal.NewFromFloat(0.35),
		FloorQty:       3,
		WindowDays:     DefaultWindowDays,
	}
}

// PoliciesFromConfig returns the regular and seeding base policies.
func PoliciesFromConfig(p config.EnginePolicy) (regular Policy, seed Policy) {
	regular = Policy{
		CoverDays:      p.CoverDays,
		BufferFraction: decimal.NewFromFloat(p.BufferPct).Div(hundred),
		FloorQty:       p.FloorQty,
		WindowDays:     p.WindowDays,
	}
	seed = Policy{
		CoverDays:      p.SeedCoverDays,
		BufferFraction: decimal.NewFromFloat(p.SeedBufferPct).Div(hundred),
		FloorQty:       p.SeedFloorQty,
		WindowDays:     p.WindowDays,
	}
	return regular, seed
}

// SeedLimits bounds what a store gives up to seed a new outlet. Warehouses only
// honour pack rounding.
type SeedLimits struct {
	// MaxSourceShare is the largest fraction of a store's available units it gives; zero disables the cap.
	MaxSourceShare decimal.Decimal
	// MaxPerProduct caps a store's contribution per product; 0 is unlimited.
	MaxPerProduct int
	RetainQty     int
	// RespectPackOuters rounds every seed line down to complete pack outers.
	RespectPackOuters bool
}

func DefaultSeedLimits() SeedLimits {
	return SeedLimits{
		MaxSourceShare:    decimal.NewFromFloat(0.5),
		RetainQty:         1,
		RespectPackOuters: true,
	}
}

func SeedLimitsFromConfig(p config.EnginePolicy) SeedLimits {
	return SeedLimits{
		MaxSourceShare:    decimal.NewFromFloat(p.SeedMaxSourcePct).Div(hundred),
		MaxPerProduct:     p.SeedMaxPerProduct,
		RetainQty:         p.SeedRetainQty,
		RespectPackOuters: p.SeedRespectPackOuters,
	}
}

// quantity is what src gives toward need out of avail units. It never rounds up,
// so the result stays within need and avail.
func (l SeedLimits) quantity(src Outlet, product Product, need, avail int) int {
	qty := min(need, avail)
	if !src.IsWarehouse {
		if l.MaxSourceShare.IsPositive() {
			qty = min(qty, int(l.MaxSourceShare.Mul(decimal.NewFromInt(int64(avail))).IntPart()))
		}
		if l.MaxPerProduct > 0 {
			qty = min(qty, l.MaxPerProduct)
		}
		qty = min(qty, avail-max(l.RetainQty, 0))
	}
	if l.RespectPackOuters && product.PackOuter > 1 {
		qty -= qty % product.PackOuter
	}
	return max(qty, 0)
}

// Overrides are explicit run parameters. Nil fields keep the resolved value.
type Overrides struct {
	CoverDays *int
	BufferPct *decimal.Decimal
	FloorQty  *int
}

func (o Overrides) Validate() error {
	if o.CoverDays != nil && *o.CoverDays < 0 {
		return utils.NewValidationError("cover", "must be >= 0, got %d", *o.CoverDays)
	}
	if o.BufferPct != nil && o.BufferPct.IsNegative() {
		return utils.NewValidationError("buffer_pct", "must be >= 0, got %s", o.BufferPct.String())
	}
	if o.FloorQty != nil && *o.FloorQty < 0 {
		return utils.NewValidationError("default_floor_qty", "must be >= 0, got %d", *o.FloorQty)
	}
	return nil
}

// ResolvePolicy layers base <- outlet settings <- explicit overrides.
// Unparseable or negative settings are ignored.
func ResolvePolicy(base Policy, outlet Outlet, o Overrides) Policy {
	p := base
	if v, ok := settingDecimal(outlet.Settings, SettingCoverDays); ok && !v.IsNegative() {
		p.CoverDays = int(v.IntPart())
	}
	if v, ok := settingDecimal(outlet.Settings, SettingBufferPct); ok && !v.IsNegative() {
		p.BufferFraction = v.Div(hundred)
	}
	if v, ok := settingDecimal(outlet.Settings, SettingFloorQty); ok && !v.IsNegative() {
		p.FloorQty = int(v.IntPart())
	}
	if o.CoverDays != nil {
		p.CoverDays = *o.CoverDays
	}
	if o.BufferPct != nil {
		p.BufferFraction = o.BufferPct.Div(hundred)
	}
	if o.FloorQty != nil {
		p.FloorQty = *o.FloorQty
	}
	if p.WindowDays <= 0 {
		p.WindowDays = DefaultWindowDays
	}
	return p
}

func settingDecimal(settings map[string]any, key string) (decimal.Decimal, bool) {
	raw, ok := settings[key]
	if !ok || raw == nil {
		return decimal.Zero, false
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(v)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Zero, false
}
