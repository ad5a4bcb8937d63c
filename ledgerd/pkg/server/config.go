package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmev/surplus/ledgerd/pkg/ledger"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// PayoutReader exposes cumulative payout totals for the summary endpoint.
// Optional; the endpoint returns 404 when no reader is wired.
type PayoutReader interface {
	ParticipantTotals(ctx context.Context) (map[ledger.Participant]uint64, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Ledger *ledger.Ledger

	// WeightAuthority is the identity the weight endpoint acts as once the
	// bearer token matches.
	WeightAuthority ledger.Participant
	AuthorityToken  string

	Payouts PayoutReader
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.WeightAuthority == "" {
		return errors.New("weight authority is required")
	}
	if cfg.AuthorityToken == "" {
		return errors.New("authority token is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return nil
}
