package ledger

import "errors"

// Sentinel errors returned by ledger operations. Callers match them with
// errors.Is; no operation that returns one of these leaves partial state
// behind.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrUnauthorized       = errors.New("caller is not the weight authority")
	ErrEpochNotFinished   = errors.New("epoch has not finished")
	ErrAlreadyDistributed = errors.New("epoch already distributed")
	ErrNoSurplus          = errors.New("epoch has no surplus to distribute")
	ErrNoWeight           = errors.New("epoch has no recorded weight")
	ErrEpochOngoing       = errors.New("epoch is still ongoing")
	ErrNotYetDistributed  = errors.New("epoch has not been distributed")
	ErrAlreadyClaimed     = errors.New("reward already claimed for epoch")
	ErrNoReward           = errors.New("no reward for participant")
	ErrTransferFailed     = errors.New("reward transfer failed")
)
