package allocation

import (
	"context"
	"sort"

	"github.com/mmdatafocus/transfer_engine/advisor"
)

type Origin string

const (
	OriginAdvisor  Origin = "advisor"
	OriginFallback Origin = "fallback"
	OriginNone     Origin = "none"
)

// Allocation moves Quantity of one product from a source to a destination.
// Quantity never exceeds AvailableAtSource or DemandAtDestination.
type Allocation struct {
	SourceID            string
	DestinationID       string
	ProductID           string
	Quantity            int
	AvailableAtSource   int
	DemandAtDestination int
	Confidence          float64
	Origin              Origin
	Strategy            string
}

// PairDecision records the advisor outcome for one (source, destination) plan.
type PairDecision struct {
	Action        string
	SourceID      string
	DestinationID string
	Confidence    float64
	Strategy      string
	Origin        Origin
	Lines         int
}

type Advisor interface {
	Advise(ctx context.Context, req advisor.Request) advisor.Result
}

// PolicyFunc resolves the demand policy of a destination.
type PolicyFunc func(dest Outlet) Policy

type PlannerOptions struct {
	Advisor   Advisor
	FanOut    FanOutPolicy
	SessionID string
}

// Planner is created per run and plans against that run's snapshot only.
type Planner struct {
	snap      *Snapshot
	ledger    *ledger
	advisor   Advisor
	sessionID string
	decisions []PairDecision
}

func NewPlanner(snap *Snapshot, opts PlannerOptions) *Planner {
	return &Planner{
		snap:      snap,
		ledger:    newLedger(snap, opts.FanOut),
		advisor:   opts.Advisor,
		sessionID: opts.SessionID,
	}
}

func (p *Planner) Decisions() []PairDecision {
	return p.decisions
}

func (p *Planner) SessionID() string {
	return p.sessionID
}

const (
	actionBroadcast    = "broadcast"
	actionPointToPoint = "point_to_point"
	actionFanOut       = "fan_out"
	actionSeed         = "seed"
)

// Broadcast plans every active store against the best source per product.
func (p *Planner) Broadcast(ctx context.Context, products []Product, policyFor PolicyFunc) []Allocation {
	var out []Allocation
	for _, dest := range p.snap.Stores() {
		lines := EstimateDemand(p.snap, dest, products, policyFor(dest))
		if len(lines) == 0 {
			continue
		}

		bySource := map[string][]Allocation{}
		var sourceOrder []string
		for _, line := range lines {
			src, avail, ok := p.bestSource(line.ProductID, dest.ID)
			if !ok {
				continue
			}
			qty := min(line.Quantity, avail)
			p.ledger.consume(src, line.ProductID, qty)
			if _, seen := bySource[src]; !seen {
				sourceOrder = append(sourceOrder, src)
			}
			bySource[src] = append(bySource[src], Allocation{
				SourceID:            src,
				DestinationID:       dest.ID,
				ProductID:           line.ProductID,
				Quantity:            qty,
				AvailableAtSource:   avail,
				DemandAtDestination: line.Quantity,
			})
		}
		for _, src := range sourceOrder {
			out = append(out, p.finalize(ctx, actionBroadcast, src, dest.ID, bySource[src], nil)...)
		}
	}
	return out
}

// PointToPoint plans one source against one destination.
func (p *Planner) PointToPoint(ctx context.Context, source, dest Outlet, products []Product, policy Policy) []Allocation {
	return p.pair(ctx, actionPointToPoint, source, dest, products, policy)
}

// FanOut plans one source against each destination in order.
func (p *Planner) FanOut(ctx context.Context, source Outlet, dests []Outlet, products []Product, policyFor PolicyFunc) []Allocation {
	var out []Allocation
	for _, dest := range dests {
		out = append(out, p.pair(ctx, actionFanOut, source, dest, products, policyFor(dest))...)
	}
	return out
}

// Seed plans each source against a single new destination. The destination's
// remaining need carries from one source to the next; limits keep stores from
// being drained.
func (p *Planner) Seed(ctx context.Context, sources []Outlet, dest Outlet, products []Product, policy Policy, limits SeedLimits) []Allocation {
	lines := EstimateDemand(p.snap, dest, products, policy)
	remaining := make(map[string]int, len(lines))
	for _, line := range lines {
		remaining[line.ProductID] = line.Quantity
	}

	var out []Allocation
	for _, src := range sources {
		if src.ID == dest.ID {
			continue
		}
		var candidates []Allocation
		ceilings := map[string]int{}
		for _, line := range lines {
			need := remaining[line.ProductID]
			if need <= 0 {
				continue
			}
			avail := p.ledger.available(src.ID, line.ProductID)
			if avail <= 0 {
				continue
			}
			prod, _ := p.snap.Product(line.ProductID)
			qty := limits.quantity(src, prod, need, avail)
			if qty <= 0 {
				continue
			}
			if qty < min(need, avail) {
				ceilings[line.ProductID] = qty
			}
			p.ledger.consume(src.ID, line.ProductID, qty)
			candidates = append(candidates, Allocation{
				SourceID:            src.ID,
				DestinationID:       dest.ID,
				ProductID:           line.ProductID,
				Quantity:            qty,
				AvailableAtSource:   avail,
				DemandAtDestination: need,
			})
		}
		for _, a := range p.finalize(ctx, actionSeed, src.ID, dest.ID, candidates, ceilings) {
			remaining[a.ProductID] -= a.Quantity
			out = append(out, a)
		}
	}
	return out
}

func (p *Planner) pair(ctx context.Context, action string, source, dest Outlet, products []Product, policy Policy) []Allocation {
	if source.ID == dest.ID {
		return nil
	}
	var candidates []Allocation
	for _, line := range EstimateDemand(p.snap, dest, products, policy) {
		avail := p.ledger.available(source.ID, line.ProductID)
		if avail <= 0 {
			continue
		}
		qty := min(line.Quantity, avail)
		p.ledger.consume(source.ID, line.ProductID, qty)
		candidates = append(candidates, Allocation{
			SourceID:            source.ID,
			DestinationID:       dest.ID,
			ProductID:           line.ProductID,
			Quantity:            qty,
			AvailableAtSource:   avail,
			DemandAtDestination: line.Quantity,
		})
	}
	return p.finalize(ctx, action, source.ID, dest.ID, candidates, nil)
}

// bestSource picks the outlet with the most available stock, warehouses before
// stores on ties, then the lowest id.
func (p *Planner) bestSource(productId, destId string) (string, int, bool) {
	type candidate struct {
		outlet Outlet
		avail  int
	}
	var candidates []candidate
	for _, o := range p.snap.Outlets() {
		if !o.IsActive || o.ID == destId {
			continue
		}
		if avail := p.ledger.available(o.ID, productId); avail > 0 {
			candidates = append(candidates, candidate{outlet: o, avail: avail})
		}
	}
	if len(candidates) == 0 {
		return "", 0, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.avail != b.avail {
			return a.avail > b.avail
		}
		if a.outlet.IsWarehouse != b.outlet.IsWarehouse {
			return a.outlet.IsWarehouse
		}
		return a.outlet.ID < b.outlet.ID
	})
	return candidates[0].outlet.ID, candidates[0].avail, true
}

// finalize runs the advisor pass over one pair's candidates. The advisor may lower
// a quantity, never raise it past min(available, demand) or the product's entry in
// ceilings; anything it frees is returned to the ledger.
func (p *Planner) finalize(ctx context.Context, action, sourceId, destId string, candidates []Allocation, ceilings map[string]int) []Allocation {
	if len(candidates) == 0 {
		return nil
	}

	origin := OriginNone
	confidence := advisor.NeutralConfidence
	strategy := ""
	var rec advisor.Recommendation
	var ok bool
	if p.advisor != nil {
		res := p.advisor.Advise(ctx, advisor.Request{
			Action:    "transfer_allocation",
			Context:   p.adviceContext(action, sourceId, destId, candidates),
			SessionID: p.sessionID,
		})
		rec, ok = res.Recommendation()
		if ok {
			origin = OriginAdvisor
			confidence = rec.Confidence
			strategy = rec.AllocationStrategy
		} else {
			origin = OriginFallback
		}
	}

	out := make([]Allocation, 0, len(candidates))
	for _, a := range candidates {
		planned := a.Quantity
		a.Confidence = confidence
		a.Origin = origin
		a.Strategy = strategy
		if ok {
			if q, has := rec.RecommendedQuantities[a.ProductID]; has {
				a.Quantity = min(q, a.AvailableAtSource, a.DemandAtDestination)
				if c, capped := ceilings[a.ProductID]; capped {
					a.Quantity = min(a.Quantity, c)
				}
			}
		}
		if a.Quantity < planned {
			p.ledger.release(a.SourceID, a.ProductID, planned-max(a.Quantity, 0))
		}
		if a.Quantity <= 0 {
			continue
		}
		out = append(out, a)
	}

	p.decisions = append(p.decisions, PairDecision{
		Action:        action,
		SourceID:      sourceId,
		DestinationID: destId,
		Confidence:    confidence,
		Strategy:      strategy,
		Origin:        origin,
		Lines:         len(out),
	})
	return out
}

func (p *Planner) adviceContext(action, sourceId, destId string, candidates []Allocation) map[string]any {
	lines := make([]map[string]any, 0, len(candidates))
	for _, a := range candidates {
		line := map[string]any{
			"product_id":            a.ProductID,
			"quantity":              a.Quantity,
			"available_at_source":   a.AvailableAtSource,
			"demand_at_destination": a.DemandAtDestination,
		}
		if prod, ok := p.snap.Product(a.ProductID); ok {
			line["sku"] = prod.Sku
			line["classification"] = prod.Classification
			line["category"] = prod.Category
		}
		lines = append(lines, line)
	}
	return map[string]any{
		"strategy":           action,
		"source_outlet":      sourceId,
		"destination_outlet": destId,
		"candidates":         lines,
	}
}
