// Package ledger implements an epoch-bounded, stake-weighted reward ledger.
//
// Proposers deposit MEV surplus into the pool of the currently active epoch.
// A trusted authority maintains participant weights and a cached per-epoch
// total. Once an epoch is strictly in the past, anyone may distribute it,
// freezing its pool exactly once. Participants then claim their proportional
// share exactly once per epoch. All accounting is integer arithmetic; shares
// are computed with a 256-bit intermediate so the product of a pool and a
// weight cannot overflow.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"github.com/openmev/surplus/ledgerd/pkg/epoch"
)

// Participant identifies a caller. Participants are opaque strings sourced
// from the host's identity scheme.
type Participant string

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	EpochLength time.Duration

	// WeightAuthority is the only identity allowed to update weights.
	WeightAuthority Participant

	// Transferor pays out claimed rewards.
	Transferor Transferor

	// Recorder receives audit events. Optional; nil disables recording.
	Recorder Recorder
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := epoch.ValidateLength(cfg.EpochLength); err != nil {
		return err
	}
	if cfg.WeightAuthority == "" {
		return errors.New("weight authority is required")
	}
	if cfg.Transferor == nil {
		return errors.New("transferor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type claimKey struct {
	participant Participant
	epoch       epoch.Index
}

// Ledger holds the reward accounting state. A single mutex serializes every
// operation, so each call observes and commits a consistent snapshot.
type Ledger struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	weights map[Participant]uint64
	pools   map[epoch.Index]uint64

	// frozen and distributed track the one-shot distribution transition.
	// The boolean is the authoritative "was distributed" signal, so an epoch
	// whose surplus was genuinely zero stays distinguishable from one that
	// was never distributed.
	frozen      map[epoch.Index]uint64
	distributed map[epoch.Index]bool

	// totals caches the sum of all weights as of each epoch that saw a
	// weight update. totalEpochs holds the recorded epochs in ascending
	// order; updates only ever touch the current epoch and the clock is
	// monotonic, so appends keep it sorted and past entries never change.
	totals      map[epoch.Index]uint64
	totalEpochs []epoch.Index

	// claimed marks settled or in-flight claims; pending marks the subset
	// whose transfer has not completed yet. A pending claim may still roll
	// back, so snapshots must not persist it as settled.
	claimed map[claimKey]bool
	pending map[claimKey]bool
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:         cfg.Logger,
		cfg:         cfg,
		weights:     make(map[Participant]uint64),
		pools:       make(map[epoch.Index]uint64),
		frozen:      make(map[epoch.Index]uint64),
		distributed: make(map[epoch.Index]bool),
		totals:      make(map[epoch.Index]uint64),
		claimed:     make(map[claimKey]bool),
		pending:     make(map[claimKey]bool),
	}, nil
}

// CurrentEpoch returns the epoch active at the clock's current time.
func (l *Ledger) CurrentEpoch() epoch.Index {
	return epoch.At(l.cfg.Clock.Now(), l.cfg.EpochLength)
}

// EpochLength returns the configured epoch length.
func (l *Ledger) EpochLength() time.Duration {
	return l.cfg.EpochLength
}

// DepositSurplus adds amount to the pool of the currently active epoch.
// Deposits are never retroactively assignable to a past epoch.
func (l *Ledger) DepositSurplus(ctx context.Context, depositor Participant, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	ep := l.CurrentEpoch()
	if l.pools[ep] > math.MaxUint64-amount {
		l.mu.Unlock()
		return fmt.Errorf("epoch pool overflow: %w", ErrInvalidAmount)
	}
	l.pools[ep] += amount
	l.mu.Unlock()

	l.emit(ctx, SurplusDeposited{Depositor: depositor, Amount: amount, Epoch: ep})
	l.log.Debug("ledger: surplus deposited", "depositor", depositor, "amount", amount, "epoch", ep)
	return nil
}

// UpdateWeight sets a participant's weight and keeps the current epoch's
// cached total consistent. If this is the epoch's first weight update, the
// total is seeded from the nearest prior recorded epoch before the delta is
// applied.
func (l *Ledger) UpdateWeight(ctx context.Context, caller, participant Participant, newWeight uint64) error {
	if caller != l.cfg.WeightAuthority {
		return ErrUnauthorized
	}

	l.mu.Lock()
	ep := l.CurrentEpoch()
	prev := l.weights[participant]
	if _, ok := l.totals[ep]; !ok {
		l.totals[ep] = l.totalAt(ep)
		l.totalEpochs = append(l.totalEpochs, ep)
	}
	// prev is already included in the running total, so the adjustment is
	// the delta between the new and previous weight.
	base := l.totals[ep] - prev
	if newWeight > math.MaxUint64-base {
		l.mu.Unlock()
		return fmt.Errorf("total weight overflow: %w", ErrInvalidAmount)
	}
	l.totals[ep] = base + newWeight
	l.weights[participant] = newWeight
	l.mu.Unlock()

	l.emit(ctx, WeightUpdated{Participant: participant, NewWeight: newWeight, Epoch: ep})
	l.log.Debug("ledger: weight updated", "participant", participant, "weight", newWeight, "epoch", ep)
	return nil
}

// Distribute freezes the pool of a finished epoch, moving it from accruing to
// distributed exactly once. Callable by anyone.
func (l *Ledger) Distribute(ctx context.Context, ep epoch.Index) error {
	l.mu.Lock()
	if ep >= l.CurrentEpoch() {
		l.mu.Unlock()
		return ErrEpochNotFinished
	}
	if l.distributed[ep] {
		l.mu.Unlock()
		return ErrAlreadyDistributed
	}
	pool := l.pools[ep]
	if pool == 0 {
		l.mu.Unlock()
		return ErrNoSurplus
	}
	if l.totalAt(ep) == 0 {
		l.mu.Unlock()
		return ErrNoWeight
	}
	l.frozen[ep] = pool
	delete(l.pools, ep)
	l.distributed[ep] = true
	l.mu.Unlock()

	l.emit(ctx, PoolDistributed{TotalAmount: pool, Epoch: ep})
	l.log.Info("ledger: pool distributed", "amount", pool, "epoch", ep)
	return nil
}

// Claim pays out the caller's proportional share of a distributed epoch's
// frozen pool and returns the amount paid. The claim flag is committed before
// the transfer runs, so a re-entrant call from inside the transfer observes
// the epoch as already claimed.
func (l *Ledger) Claim(ctx context.Context, caller Participant, ep epoch.Index) (uint64, error) {
	l.mu.Lock()
	if ep >= l.CurrentEpoch() {
		l.mu.Unlock()
		return 0, ErrEpochOngoing
	}
	if !l.distributed[ep] {
		l.mu.Unlock()
		return 0, ErrNotYetDistributed
	}
	key := claimKey{participant: caller, epoch: ep}
	if l.claimed[key] {
		l.mu.Unlock()
		return 0, ErrAlreadyClaimed
	}
	share, ok := proportionalShare(l.frozen[ep], l.weights[caller], l.totalAt(ep))
	if !ok {
		// The computed share does not fit in 64 bits, so no treasury could
		// execute the payout.
		l.mu.Unlock()
		return 0, fmt.Errorf("share not representable: %w", ErrTransferFailed)
	}
	if share == 0 {
		l.mu.Unlock()
		return 0, ErrNoReward
	}
	l.claimed[key] = true
	l.pending[key] = true
	l.mu.Unlock()

	if err := l.cfg.Transferor.Transfer(ctx, caller, share); err != nil {
		l.mu.Lock()
		delete(l.claimed, key)
		delete(l.pending, key)
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()

	l.emit(ctx, RewardClaimed{Participant: caller, Amount: share})
	l.log.Info("ledger: reward claimed", "participant", caller, "amount", share, "epoch", ep)
	return share, nil
}

// ClaimMany claims each epoch in order, stopping at the first failure. It
// returns the total paid; on failure, earlier successful claims in the batch
// stand.
func (l *Ledger) ClaimMany(ctx context.Context, caller Participant, epochs []epoch.Index) (uint64, error) {
	var paid uint64
	for _, ep := range epochs {
		share, err := l.Claim(ctx, caller, ep)
		if err != nil {
			return paid, fmt.Errorf("claim epoch %d: %w", ep, err)
		}
		paid += share
	}
	return paid, nil
}

// WeightOf returns a participant's current weight.
func (l *Ledger) WeightOf(participant Participant) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weights[participant]
}

// EstimateClaim projects what Claim would pay a participant for an epoch.
// It returns 0 for any condition that would make Claim fail; it never errors
// and has no side effects.
func (l *Ledger) EstimateClaim(participant Participant, ep epoch.Index) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep >= l.CurrentEpoch() {
		return 0
	}
	if !l.distributed[ep] {
		return 0
	}
	if l.claimed[claimKey{participant: participant, epoch: ep}] {
		return 0
	}
	total := l.totalAt(ep)
	if total == 0 {
		return 0
	}
	share, ok := proportionalShare(l.frozen[ep], l.weights[participant], total)
	if !ok {
		return 0
	}
	return share
}

// totalAt resolves the cached total weight in effect for ep: the value
// recorded at the nearest epoch at or before ep, or 0 if no weight update has
// ever been applied. Callers must hold l.mu.
func (l *Ledger) totalAt(ep epoch.Index) uint64 {
	i := sort.Search(len(l.totalEpochs), func(i int) bool { return l.totalEpochs[i] > ep })
	if i == 0 {
		return 0
	}
	return l.totals[l.totalEpochs[i-1]]
}

// proportionalShare computes floor(pool * weight / total) with a 256-bit
// intermediate. ok is false when the result does not fit in 64 bits, which
// can only happen if a participant's current weight exceeds the epoch's
// snapshot total.
func proportionalShare(pool, weight, total uint64) (share uint64, ok bool) {
	if total == 0 {
		return 0, true
	}
	q := new(uint256.Int).Mul(uint256.NewInt(pool), uint256.NewInt(weight))
	q.Div(q, uint256.NewInt(total))
	if !q.IsUint64() {
		return 0, false
	}
	return q.Uint64(), true
}

func (l *Ledger) emit(ctx context.Context, ev Event) {
	if l.cfg.Recorder == nil {
		return
	}
	if err := l.cfg.Recorder.Record(ctx, ev); err != nil {
		l.log.Error("ledger: failed to record audit event", "event", ev.EventName(), "error", err)
	}
}
