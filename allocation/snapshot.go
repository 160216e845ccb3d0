// Package allocation computes per-outlet demand and matches it against source stock.
// Everything here works on a run-scoped Snapshot and never touches the database.
package allocation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Outlet struct {
	ID          string
	Name        string
	IsWarehouse bool
	IsActive    bool
	Settings    map[string]any
}

type Product struct {
	ID             string
	Sku            string
	Name           string
	Category       string
	Classification string
	UnitCost       decimal.Decimal
	UnitPrice      decimal.Decimal
	// PackOuter is the units per outer case; 0 or 1 means singles.
	PackOuter int
}

type Position struct {
	OnHand   int
	Reserved int
}

func (p Position) Available() int {
	if avail := p.OnHand - p.Reserved; avail > 0 {
		return avail
	}
	return 0
}

type stockKey struct {
	outletId  string
	productId string
}

// Snapshot is the outlet directory, item catalog and inventory read once at run start.
// It is not re-read while the run plans or writes.
type Snapshot struct {
	TakenAt    time.Time
	WindowDays int

	outlets    []Outlet
	outletIdx  map[string]int
	products   []Product
	productIdx map[string]int
	positions  map[stockKey]Position
	sales      map[stockKey]int
}

func NewSnapshot(outlets []Outlet, products []Product, takenAt time.Time, windowDays int) *Snapshot {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	s := &Snapshot{
		TakenAt:    takenAt,
		WindowDays: windowDays,
		outlets:    append([]Outlet(nil), outlets...),
		outletIdx:  make(map[string]int, len(outlets)),
		products:   append([]Product(nil), products...),
		productIdx: make(map[string]int, len(products)),
		positions:  make(map[stockKey]Position),
		sales:      make(map[stockKey]int),
	}
	sort.SliceStable(s.outlets, func(i, j int) bool { return s.outlets[i].ID < s.outlets[j].ID })
	for i, o := range s.outlets {
		s.outletIdx[o.ID] = i
	}
	for i, p := range s.products {
		s.productIdx[p.ID] = i
	}
	return s
}

func (s *Snapshot) SetPosition(outletId, productId string, onHand, reserved int) {
	s.positions[stockKey{outletId, productId}] = Position{OnHand: onHand, Reserved: reserved}
}

func (s *Snapshot) AddSales(outletId, productId string, qty int) {
	s.sales[stockKey{outletId, productId}] += qty
}

func (s *Snapshot) Position(outletId, productId string) Position {
	return s.positions[stockKey{outletId, productId}]
}

func (s *Snapshot) Available(outletId, productId string) int {
	return s.Position(outletId, productId).Available()
}

func (s *Snapshot) TrailingSales(outletId, productId string) int {
	return s.sales[stockKey{outletId, productId}]
}

func (s *Snapshot) Outlet(id string) (Outlet, bool) {
	i, ok := s.outletIdx[id]
	if !ok {
		return Outlet{}, false
	}
	return s.outlets[i], true
}

func (s *Snapshot) Product(id string) (Product, bool) {
	i, ok := s.productIdx[id]
	if !ok {
		return Product{}, false
	}
	return s.products[i], true
}

// Outlets are ordered by id.
func (s *Snapshot) Outlets() []Outlet {
	return s.outlets
}

func (s *Snapshot) Products() []Product {
	return s.products
}

// Warehouses returns the active warehouses ordered by id.
func (s *Snapshot) Warehouses() []Outlet {
	var out []Outlet
	for _, o := range s.outlets {
		if o.IsActive && o.IsWarehouse {
			out = append(out, o)
		}
	}
	return out
}

// Stores returns the active non-warehouse outlets ordered by id.
func (s *Snapshot) Stores() []Outlet {
	var out []Outlet
	for _, o := range s.outlets {
		if o.IsActive && !o.IsWarehouse {
			out = append(out, o)
		}
	}
	return out
}

// StockValue is the sum of available * unit cost over the snapshot's products.
func (s *Snapshot) StockValue(outletId string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.products {
		avail := s.Available(outletId, p.ID)
		if avail == 0 {
			continue
		}
		total = total.Add(p.UnitCost.Mul(decimal.NewFromInt(int64(avail))))
	}
	return total
}
