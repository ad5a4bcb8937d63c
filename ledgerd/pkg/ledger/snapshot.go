package ledger

import (
	"errors"
	"math"
	"sort"

	"github.com/openmev/surplus/ledgerd/pkg/epoch"
)

// ClaimRecord marks one settled (participant, epoch) claim.
type ClaimRecord struct {
	Participant Participant `json:"participant"`
	Epoch       epoch.Index `json:"epoch"`
}

// Snapshot is a copy of the full ledger state, suitable for persistence and
// for restoring a ledger across restarts.
type Snapshot struct {
	Weights     map[Participant]uint64 `json:"weights"`
	Pools       map[epoch.Index]uint64 `json:"pools"`
	Frozen      map[epoch.Index]uint64 `json:"frozen"`
	Distributed map[epoch.Index]bool   `json:"distributed"`
	Totals      map[epoch.Index]uint64 `json:"totals"`
	Claimed     []ClaimRecord          `json:"claimed"`
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Weights:     make(map[Participant]uint64, len(l.weights)),
		Pools:       make(map[epoch.Index]uint64, len(l.pools)),
		Frozen:      make(map[epoch.Index]uint64, len(l.frozen)),
		Distributed: make(map[epoch.Index]bool, len(l.distributed)),
		Totals:      make(map[epoch.Index]uint64, len(l.totals)),
		Claimed:     make([]ClaimRecord, 0, len(l.claimed)),
	}
	for p, w := range l.weights {
		snap.Weights[p] = w
	}
	for ep, v := range l.pools {
		snap.Pools[ep] = v
	}
	for ep, v := range l.frozen {
		snap.Frozen[ep] = v
	}
	for ep, v := range l.distributed {
		snap.Distributed[ep] = v
	}
	for ep, v := range l.totals {
		snap.Totals[ep] = v
	}
	for key := range l.claimed {
		// An in-flight claim may still roll back; persisting it as settled
		// would deny the participant after a restore.
		if l.pending[key] {
			continue
		}
		snap.Claimed = append(snap.Claimed, ClaimRecord{Participant: key.participant, Epoch: key.epoch})
	}
	sort.Slice(snap.Claimed, func(i, j int) bool {
		if snap.Claimed[i].Epoch != snap.Claimed[j].Epoch {
			return snap.Claimed[i].Epoch < snap.Claimed[j].Epoch
		}
		return snap.Claimed[i].Participant < snap.Claimed[j].Participant
	})
	return snap
}

// Restore replaces the ledger state with the given snapshot. Intended for
// boot-time recovery before the ledger starts serving operations.
func (l *Ledger) Restore(snap Snapshot) error {
	for ep, v := range snap.Frozen {
		if v > 0 && !snap.Distributed[ep] {
			return errors.New("snapshot has frozen balance for undistributed epoch")
		}
	}

	// The latest recorded total must equal the sum of the weights, or the
	// next weight update would seed from a total smaller than the weight it
	// replaces and underflow.
	var weightSum uint64
	for _, w := range snap.Weights {
		if w > math.MaxUint64-weightSum {
			return errors.New("snapshot weights overflow")
		}
		weightSum += w
	}
	var latestTotal uint64
	var latestEp epoch.Index
	haveTotal := false
	for ep, v := range snap.Totals {
		if !haveTotal || ep > latestEp {
			latestEp, latestTotal, haveTotal = ep, v, true
		}
	}
	if haveTotal && latestTotal != weightSum {
		return errors.New("snapshot latest total does not match summed weights")
	}
	if !haveTotal && weightSum != 0 {
		return errors.New("snapshot has weights but no recorded total")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.weights = make(map[Participant]uint64, len(snap.Weights))
	for p, w := range snap.Weights {
		l.weights[p] = w
	}
	l.pools = make(map[epoch.Index]uint64, len(snap.Pools))
	for ep, v := range snap.Pools {
		if v > 0 {
			l.pools[ep] = v
		}
	}
	l.frozen = make(map[epoch.Index]uint64, len(snap.Frozen))
	for ep, v := range snap.Frozen {
		l.frozen[ep] = v
	}
	l.distributed = make(map[epoch.Index]bool, len(snap.Distributed))
	for ep, v := range snap.Distributed {
		if v {
			l.distributed[ep] = true
		}
	}
	l.totals = make(map[epoch.Index]uint64, len(snap.Totals))
	l.totalEpochs = make([]epoch.Index, 0, len(snap.Totals))
	for ep, v := range snap.Totals {
		l.totals[ep] = v
		l.totalEpochs = append(l.totalEpochs, ep)
	}
	sort.Slice(l.totalEpochs, func(i, j int) bool { return l.totalEpochs[i] < l.totalEpochs[j] })
	l.claimed = make(map[claimKey]bool, len(snap.Claimed))
	for _, rec := range snap.Claimed {
		l.claimed[claimKey{participant: rec.Participant, epoch: rec.Epoch}] = true
	}
	l.pending = make(map[claimKey]bool)
	return nil
}
