package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openmev/surplus/ledgerd/pkg/ledger"
	"github.com/openmev/surplus/ledgerd/pkg/server"
	surplustesting "github.com/openmev/surplus/utils/pkg/testing"
)

const (
	authority      = ledger.Participant("weight-oracle")
	authorityToken = "test-authority-token"
	epochLength    = 600 * time.Second
)

type mockPayouts struct {
	totalsFunc func(ctx context.Context) (map[ledger.Participant]uint64, error)
}

func (m *mockPayouts) ParticipantTotals(ctx context.Context) (map[ledger.Participant]uint64, error) {
	if m.totalsFunc != nil {
		return m.totalsFunc(ctx)
	}
	return map[ledger.Participant]uint64{"validator-a": 3, "validator-b": 7}, nil
}

type fixture struct {
	srv      *httptest.Server
	clock    *clockwork.FakeClock
	treasury *ledger.MemoryTreasury
}

func newFixture(t *testing.T, payouts server.PayoutReader) *fixture {
	t.Helper()

	log := surplustesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0).UTC())
	treasury := ledger.NewMemoryTreasury()

	l, err := ledger.New(ledger.Config{
		Logger:          log,
		Clock:           clock,
		EpochLength:     epochLength,
		WeightAuthority: authority,
		Transferor:      treasury,
	})
	require.NoError(t, err)

	s, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      "127.0.0.1:0",
		VersionInfo:     server.VersionInfo{Version: "test", Commit: "abc", Date: "today"},
		Ledger:          l,
		WeightAuthority: authority,
		AuthorityToken:  authorityToken,
		Payouts:         payouts,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, clock: clock, treasury: treasury}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (f *fixture) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + authorityToken}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error.Code
}

func TestSurplus_Server_Deposit(t *testing.T) {
	t.Parallel()

	t.Run("accepts a deposit", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, body := f.do(t, http.MethodPost, "/v1/deposits",
			map[string]any{"depositor": "proposer-1", "amount": 10}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Epoch uint64 `json:"epoch"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, uint64(0), out.Epoch)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, body := f.do(t, http.MethodPost, "/v1/deposits",
			map[string]any{"depositor": "proposer-1", "amount": 0}, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid_amount", errorCode(t, body))
	})

	t.Run("rejects missing depositor", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, _ := f.do(t, http.MethodPost, "/v1/deposits",
			map[string]any{"amount": 10}, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSurplus_Server_SplitDeposit(t *testing.T) {
	t.Parallel()

	t.Run("deposits only the surplus above the threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, body := f.do(t, http.MethodPost, "/v1/deposits/split",
			map[string]any{"depositor": "proposer-1", "value": 25, "threshold": 15}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Kept      uint64 `json:"kept"`
			Deposited uint64 `json:"deposited"`
			Epoch     uint64 `json:"epoch"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, uint64(15), out.Kept)
		require.Equal(t, uint64(10), out.Deposited)
		require.Equal(t, uint64(0), out.Epoch)
	})

	t.Run("value at or below threshold deposits nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, body := f.do(t, http.MethodPost, "/v1/deposits/split",
			map[string]any{"depositor": "proposer-1", "value": 15, "threshold": 15}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Kept      uint64 `json:"kept"`
			Deposited uint64 `json:"deposited"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, uint64(15), out.Kept)
		require.Zero(t, out.Deposited)
	})
}

func TestSurplus_Server_UpdateWeight(t *testing.T) {
	t.Parallel()

	t.Run("rejects missing token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, body := f.do(t, http.MethodPut, "/v1/participants/validator-a/weight",
			map[string]any{"weight": 30}, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "unauthorized", errorCode(t, body))
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, _ := f.do(t, http.MethodPut, "/v1/participants/validator-a/weight",
			map[string]any{"weight": 30},
			map[string]string{"Authorization": "Bearer wrong"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("sets weight with valid token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, _ := f.do(t, http.MethodPut, "/v1/participants/validator-a/weight",
			map[string]any{"weight": 30}, f.authHeader())
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := f.do(t, http.MethodGet, "/v1/participants/validator-a/weight", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Weight uint64 `json:"weight"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, uint64(30), out.Weight)
	})
}

func TestSurplus_Server_DistributeAndClaim(t *testing.T) {
	t.Parallel()

	// Full lifecycle through the API: deposit, set weights, cross the epoch
	// boundary, distribute, claim, estimate.
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/v1/deposits",
		map[string]any{"depositor": "proposer-1", "amount": 10}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for participant, weight := range map[string]int{"validator-a": 30, "validator-b": 70} {
		resp, _ = f.do(t, http.MethodPut, fmt.Sprintf("/v1/participants/%s/weight", participant),
			map[string]any{"weight": weight}, f.authHeader())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Distribution of the ongoing epoch fails.
	resp, body := f.do(t, http.MethodPost, "/v1/epochs/0/distribute", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "epoch_not_finished", errorCode(t, body))

	f.clock.Advance(epochLength)

	resp, _ = f.do(t, http.MethodPost, "/v1/epochs/0/distribute", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/epochs/0/distribute", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_distributed", errorCode(t, body))

	// Estimate then claim for A.
	resp, body = f.do(t, http.MethodGet, "/v1/participants/validator-a/epochs/0/estimate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var est struct {
		Amount uint64 `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(body, &est))
	require.Equal(t, uint64(3), est.Amount)

	resp, body = f.do(t, http.MethodPost, "/v1/claims",
		map[string]any{"participant": "validator-a", "epochs": []uint64{0}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim struct {
		Paid uint64 `json:"paid"`
	}
	require.NoError(t, json.Unmarshal(body, &claim))
	require.Equal(t, uint64(3), claim.Paid)
	require.Equal(t, uint64(3), f.treasury.Balance("validator-a"))

	// Second claim conflicts.
	resp, body = f.do(t, http.MethodPost, "/v1/claims",
		map[string]any{"participant": "validator-a", "epochs": []uint64{0}}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_claimed", errorCode(t, body))
}

func TestSurplus_Server_ClaimBatchReportsPartialPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPut, "/v1/participants/validator-a/weight",
		map[string]any{"weight": 100}, f.authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/deposits",
		map[string]any{"depositor": "proposer-1", "amount": 10}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.Advance(2 * epochLength)

	resp, _ = f.do(t, http.MethodPost, "/v1/epochs/0/distribute", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Epoch 0 pays, epoch 1 was never distributed; the batch stops there
	// but reports the partial payment.
	resp, body := f.do(t, http.MethodPost, "/v1/claims",
		map[string]any{"participant": "validator-a", "epochs": []uint64{0, 1}}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "not_yet_distributed", errorCode(t, body))

	var out struct {
		Error struct {
			Paid uint64 `json:"paid"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, uint64(10), out.Error.Paid)
}

func TestSurplus_Server_PayoutSummary(t *testing.T) {
	t.Parallel()

	t.Run("returns 404 when not configured", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		resp, _ := f.do(t, http.MethodGet, "/v1/payouts/summary", nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("summarizes totals", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, &mockPayouts{})

		resp, body := f.do(t, http.MethodGet, "/v1/payouts/summary", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Count int     `json:"count"`
			Mean  float64 `json:"mean"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, 2, out.Count)
		require.InDelta(t, 5.0, out.Mean, 1e-9)
	})
}

func TestSurplus_Server_Meta(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/version", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var version struct {
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(body, &version))
	require.Equal(t, "test", version.Version)

	resp, body = f.do(t, http.MethodGet, "/v1/epoch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cur struct {
		Epoch         uint64 `json:"epoch"`
		LengthSeconds int64  `json:"length_seconds"`
	}
	require.NoError(t, json.Unmarshal(body, &cur))
	require.Equal(t, uint64(0), cur.Epoch)
	require.Equal(t, int64(600), cur.LengthSeconds)

	resp, _ = f.do(t, http.MethodGet, "/v1/epochs/not-a-number/distribute", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/epochs/not-a-number/distribute", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
