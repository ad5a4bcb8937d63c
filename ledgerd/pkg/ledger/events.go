package ledger

import (
	"context"
	"sync"

	"github.com/openmev/surplus/ledgerd/pkg/epoch"
)

// Event is an audit record emitted by a successful ledger operation, intended
// for external observers and indexers.
type Event interface {
	// EventName returns a stable snake_case identifier for the event type.
	EventName() string
}

// SurplusDeposited records a deposit into the accruing pool of an epoch.
type SurplusDeposited struct {
	Depositor Participant `json:"depositor"`
	Amount    uint64      `json:"amount"`
	Epoch     epoch.Index `json:"epoch"`
}

func (SurplusDeposited) EventName() string { return "surplus_deposited" }

// WeightUpdated records a weight change applied during an epoch.
type WeightUpdated struct {
	Participant Participant `json:"participant"`
	NewWeight   uint64      `json:"new_weight"`
	Epoch       epoch.Index `json:"epoch"`
}

func (WeightUpdated) EventName() string { return "weight_updated" }

// PoolDistributed records the one-time freeze of an epoch's pool.
type PoolDistributed struct {
	TotalAmount uint64      `json:"total_amount"`
	Epoch       epoch.Index `json:"epoch"`
}

func (PoolDistributed) EventName() string { return "pool_distributed" }

// RewardClaimed records a successful payout to a participant.
type RewardClaimed struct {
	Participant Participant `json:"participant"`
	Amount      uint64      `json:"amount"`
}

func (RewardClaimed) EventName() string { return "reward_claimed" }

// Recorder consumes audit events. Recording is best-effort from the ledger's
// point of view: a recorder failure is logged but does not roll back the
// operation that emitted the event.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// MemoryRecorder keeps events in memory, in emission order. Useful for tests
// and for running without a database.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
