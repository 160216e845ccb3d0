package allocation

import (
	"fmt"
	"strings"
)

// FanOutPolicy decides whether planning consumes source availability as it allocates.
type FanOutPolicy int

const (
	// FanOutSharedSnapshot plans every destination against the untouched snapshot.
	FanOutSharedSnapshot FanOutPolicy = iota
	// FanOutSequential decrements source availability as allocations are made.
	FanOutSequential
)

func (f FanOutPolicy) String() string {
	switch f {
	case FanOutSharedSnapshot:
		return "shared"
	case FanOutSequential:
		return "sequential"
	}
	return fmt.Sprintf("FanOutPolicy(%d)", int(f))
}

func ParseFanOutPolicy(s string) (FanOutPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shared":
		return FanOutSharedSnapshot, nil
	case "sequential":
		return FanOutSequential, nil
	}
	return FanOutSharedSnapshot, fmt.Errorf("unknown fanout policy %q", s)
}

// ledger tracks what the current planning pass has already taken from each source.
type ledger struct {
	snap       *Snapshot
	sequential bool
	consumed   map[stockKey]int
}

func newLedger(snap *Snapshot, policy FanOutPolicy) *ledger {
	return &ledger{
		snap:       snap,
		sequential: policy == FanOutSequential,
		consumed:   make(map[stockKey]int),
	}
}

func (l *ledger) available(outletId, productId string) int {
	avail := l.snap.Available(outletId, productId) - l.consumed[stockKey{outletId, productId}]
	if avail < 0 {
		return 0
	}
	return avail
}

func (l *ledger) consume(outletId, productId string, qty int) {
	if !l.sequential || qty <= 0 {
		return
	}
	l.consumed[stockKey{outletId, productId}] += qty
}

func (l *ledger) release(outletId, productId string, qty int) {
	if !l.sequential || qty <= 0 {
		return
	}
	k := stockKey{outletId, productId}
	l.consumed[k] -= qty
	if l.consumed[k] <= 0 {
		delete(l.consumed, k)
	}
}
