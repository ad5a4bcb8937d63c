package ledger

import (
	"context"
	"sync"
)

// Transferor moves value out of the ledger to a participant. A transfer either
// fully succeeds or fails synchronously; the ledger treats a failure as fatal
// to the claim that requested it.
type Transferor interface {
	Transfer(ctx context.Context, to Participant, amount uint64) error
}

// TransferorFunc adapts a function to the Transferor interface.
type TransferorFunc func(ctx context.Context, to Participant, amount uint64) error

func (f TransferorFunc) Transfer(ctx context.Context, to Participant, amount uint64) error {
	return f(ctx, to, amount)
}

// MemoryTreasury is an in-process Transferor that credits per-participant
// balances. Used in development and tests where no external value-transfer
// system is wired.
type MemoryTreasury struct {
	mu       sync.Mutex
	balances map[Participant]uint64
}

func NewMemoryTreasury() *MemoryTreasury {
	return &MemoryTreasury{balances: make(map[Participant]uint64)}
}

func (t *MemoryTreasury) Transfer(_ context.Context, to Participant, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] += amount
	return nil
}

// Balance returns the cumulative amount transferred to a participant.
func (t *MemoryTreasury) Balance(p Participant) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[p]
}
