package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openmev/surplus/ledgerd/pkg/epoch"
	"github.com/openmev/surplus/ledgerd/pkg/ledger"
	"github.com/openmev/surplus/ledgerd/pkg/metrics"
	"github.com/openmev/surplus/ledgerd/pkg/mev"
	"github.com/openmev/surplus/ledgerd/pkg/stats"
)

type depositRequest struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
}

type depositResponse struct {
	Epoch epoch.Index `json:"epoch"`
}

type splitDepositRequest struct {
	Depositor string `json:"depositor"`
	Value     uint64 `json:"value"`
	Threshold uint64 `json:"threshold"`
}

type splitDepositResponse struct {
	Kept      uint64      `json:"kept"`
	Deposited uint64      `json:"deposited"`
	Epoch     epoch.Index `json:"epoch"`
}

type weightRequest struct {
	Weight uint64 `json:"weight"`
}

type weightResponse struct {
	Participant string `json:"participant"`
	Weight      uint64 `json:"weight"`
}

type distributeResponse struct {
	Epoch epoch.Index `json:"epoch"`
}

type claimsRequest struct {
	Participant string        `json:"participant"`
	Epochs      []epoch.Index `json:"epochs"`
}

type claimsResponse struct {
	Paid uint64 `json:"paid"`
}

type estimateResponse struct {
	Participant string      `json:"participant"`
	Epoch       epoch.Index `json:"epoch"`
	Amount      uint64      `json:"amount"`
}

type currentEpochResponse struct {
	Epoch         epoch.Index `json:"epoch"`
	LengthSeconds int64       `json:"length_seconds"`
}

type errorBody struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Paid    *uint64 `json:"paid,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "malformed request body")
		return
	}
	if req.Depositor == "" {
		s.writeBadRequest(w, "depositor is required")
		return
	}

	defer observeDuration("deposit", time.Now())
	err := s.cfg.Ledger.DepositSurplus(r.Context(), ledger.Participant(req.Depositor), req.Amount)
	metrics.OperationsTotal.WithLabelValues("deposit", statusLabel(err)).Inc()
	if err != nil {
		s.writeLedgerError(w, err, nil)
		return
	}
	metrics.DepositedTotal.Add(float64(req.Amount))
	s.writeJSON(w, http.StatusOK, depositResponse{Epoch: s.cfg.Ledger.CurrentEpoch()})
}

// handleSplitDeposit takes a proposer's full extracted value, splits it at
// the given threshold, and deposits only the surplus part.
func (s *Server) handleSplitDeposit(w http.ResponseWriter, r *http.Request) {
	var req splitDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "malformed request body")
		return
	}
	if req.Depositor == "" {
		s.writeBadRequest(w, "depositor is required")
		return
	}

	kept, surplus := mev.Split(req.Value, req.Threshold)
	if surplus > 0 {
		defer observeDuration("deposit", time.Now())
		err := s.cfg.Ledger.DepositSurplus(r.Context(), ledger.Participant(req.Depositor), surplus)
		metrics.OperationsTotal.WithLabelValues("deposit", statusLabel(err)).Inc()
		if err != nil {
			s.writeLedgerError(w, err, nil)
			return
		}
		metrics.DepositedTotal.Add(float64(surplus))
	}
	s.writeJSON(w, http.StatusOK, splitDepositResponse{
		Kept:      kept,
		Deposited: surplus,
		Epoch:     s.cfg.Ledger.CurrentEpoch(),
	})
}

func (s *Server) handleUpdateWeight(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.OperationsTotal.WithLabelValues("update_weight", "error").Inc()
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing authority token", nil)
		return
	}

	participant := chi.URLParam(r, "participant")
	var req weightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "malformed request body")
		return
	}

	defer observeDuration("update_weight", time.Now())
	err := s.cfg.Ledger.UpdateWeight(r.Context(), s.cfg.WeightAuthority, ledger.Participant(participant), req.Weight)
	metrics.OperationsTotal.WithLabelValues("update_weight", statusLabel(err)).Inc()
	if err != nil {
		s.writeLedgerError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, weightResponse{Participant: participant, Weight: req.Weight})
}

func (s *Server) handleWeightOf(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	weight := s.cfg.Ledger.WeightOf(ledger.Participant(participant))
	s.writeJSON(w, http.StatusOK, weightResponse{Participant: participant, Weight: weight})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.epochParam(w, r)
	if !ok {
		return
	}

	defer observeDuration("distribute", time.Now())
	err := s.cfg.Ledger.Distribute(r.Context(), ep)
	metrics.OperationsTotal.WithLabelValues("distribute", statusLabel(err)).Inc()
	if err != nil {
		s.writeLedgerError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, distributeResponse{Epoch: ep})
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	var req claimsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "malformed request body")
		return
	}
	if req.Participant == "" {
		s.writeBadRequest(w, "participant is required")
		return
	}
	if len(req.Epochs) == 0 {
		s.writeBadRequest(w, "at least one epoch is required")
		return
	}

	defer observeDuration("claim", time.Now())
	paid, err := s.cfg.Ledger.ClaimMany(r.Context(), ledger.Participant(req.Participant), req.Epochs)
	metrics.OperationsTotal.WithLabelValues("claim", statusLabel(err)).Inc()
	if err != nil {
		// Earlier claims in the batch stand; report what was paid.
		s.writeLedgerError(w, err, &paid)
		return
	}
	metrics.PaidTotal.Add(float64(paid))
	s.writeJSON(w, http.StatusOK, claimsResponse{Paid: paid})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.epochParam(w, r)
	if !ok {
		return
	}
	participant := chi.URLParam(r, "participant")
	amount := s.cfg.Ledger.EstimateClaim(ledger.Participant(participant), ep)
	s.writeJSON(w, http.StatusOK, estimateResponse{Participant: participant, Epoch: ep, Amount: amount})
}

func (s *Server) handlePayoutSummary(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Payouts == nil {
		s.writeError(w, http.StatusNotFound, "not_available", "payout history is not configured", nil)
		return
	}
	totals, err := s.cfg.Payouts.ParticipantTotals(r.Context())
	if err != nil {
		s.log.Error("server: failed to read payout totals", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to read payout totals", nil)
		return
	}
	amounts := make([]uint64, 0, len(totals))
	for _, total := range totals {
		amounts = append(amounts, total)
	}
	s.writeJSON(w, http.StatusOK, stats.Summarize(amounts))
}

func (s *Server) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, currentEpochResponse{
		Epoch:         s.cfg.Ledger.CurrentEpoch(),
		LengthSeconds: int64(s.cfg.Ledger.EpochLength().Seconds()),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write health response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

// authorized checks the bearer token for the weight endpoint in constant
// time.
func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthorityToken)) == 1
}

func (s *Server) epochParam(w http.ResponseWriter, r *http.Request) (epoch.Index, bool) {
	raw := chi.URLParam(r, "epoch")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeBadRequest(w, "epoch must be a non-negative integer")
		return 0, false
	}
	return epoch.Index(n), true
}

// errorStatus maps ledger sentinel errors to HTTP statuses and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ledger.ErrEpochNotFinished):
		return http.StatusConflict, "epoch_not_finished"
	case errors.Is(err, ledger.ErrAlreadyDistributed):
		return http.StatusConflict, "already_distributed"
	case errors.Is(err, ledger.ErrNoSurplus):
		return http.StatusUnprocessableEntity, "no_surplus"
	case errors.Is(err, ledger.ErrNoWeight):
		return http.StatusUnprocessableEntity, "no_weight"
	case errors.Is(err, ledger.ErrEpochOngoing):
		return http.StatusConflict, "epoch_ongoing"
	case errors.Is(err, ledger.ErrNotYetDistributed):
		return http.StatusConflict, "not_yet_distributed"
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, ledger.ErrNoReward):
		return http.StatusUnprocessableEntity, "no_reward"
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway, "transfer_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func observeDuration(operation string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error, paid *uint64) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("server: unexpected ledger error", "error", err)
	}
	s.writeError(w, status, code, err.Error(), paid)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeError(w, http.StatusBadRequest, "bad_request", msg, nil)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string, paid *uint64) {
	s.writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg, Paid: paid}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
