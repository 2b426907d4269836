package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/custodia/internal/asset"
	"github.com/Aidin1998/custodia/internal/config"
	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/scheduler"
	"github.com/Aidin1998/custodia/internal/settlement"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	ids := identity.NewService(logger, db)
	ports := portfolio.NewService(logger, db)
	assets := asset.NewService(logger, db, ports)
	sched := scheduler.NewService(logger)
	clock := scheduler.NewClock(1)
	bus := events.NewBus(logger)
	settlements := settlement.NewService(logger, db, bus, ids, ports, assets, sched, clock, config.SettlementConfig{
		MaxFungibleLegs:    10,
		MaxNFTsPerLeg:      10,
		MaxNFTsPerInstr:    100,
		VenueDetailsMaxLen: 2048,
	})
	require.NoError(t, ids.Migrate())
	require.NoError(t, ports.Migrate())
	require.NoError(t, assets.Migrate())
	require.NoError(t, settlements.Migrate())

	srv := New(logger, ids, ports, assets, settlements)
	return &testServer{t: t, handler: srv.Handler()}
}

func (ts *testServer) do(method, path, account string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) decode(w *httptest.ResponseRecorder, out interface{}) {
	ts.t.Helper()
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var alice struct {
		DID string `json:"did"`
	}
	w := ts.do(http.MethodPost, "/v1/identities", "", map[string]string{"account": "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.decode(w, &alice)

	var bob struct {
		DID string `json:"did"`
	}
	w = ts.do(http.MethodPost, "/v1/identities", "", map[string]string{"account": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.decode(w, &bob)

	alicePf := alice.DID + "/0"
	bobPf := bob.DID + "/0"
	for _, pf := range []string{alicePf, bobPf} {
		w = ts.do(http.MethodPost, "/v1/portfolios", "", map[string]string{"portfolio": pf, "name": "default"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w = ts.do(http.MethodPost, "/v1/assets", "", map[string]interface{}{
		"ticker": "ACME", "ownerDid": alice.DID, "totalSupply": "1000",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.do(http.MethodPost, "/v1/portfolios/credit", "", map[string]interface{}{
		"portfolio": alicePf, "ticker": "ACME", "amount": "100",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	var venue struct {
		VenueID uint64 `json:"venueId"`
	}
	w = ts.do(http.MethodPost, "/v1/venues", "alice", map[string]interface{}{
		"details": "otc desk", "type": "exchange",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.decode(w, &venue)

	var created struct {
		InstructionID uint64 `json:"instructionId"`
	}
	w = ts.do(http.MethodPost, "/v1/instructions", "alice", map[string]interface{}{
		"venueId":    venue.VenueID,
		"settlement": map[string]interface{}{"kind": "on_affirmation"},
		"legs": []map[string]interface{}{{
			"from": alicePf, "to": bobPf, "kind": "fungible", "ticker": "ACME", "amount": "100",
		}},
		"affirm": []string{alicePf},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.decode(w, &created)
	require.NotZero(t, created.InstructionID)

	path := fmt.Sprintf("/v1/instructions/%d", created.InstructionID)
	w = ts.do(http.MethodPost, path+"/affirm", "bob", map[string]interface{}{
		"portfolios": []string{bobPf},
		"count":      map[string]uint32{"senderLegs": 0, "nfts": 0},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, path+"/legs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var legs []map[string]interface{}
	ts.decode(w, &legs)
	require.Len(t, legs, 1)
	assert.Equal(t, "ACME", legs[0]["ticker"])
}

func TestProblemResponses(t *testing.T) {
	ts := newTestServer(t)

	// Mutating settlement routes require a caller account.
	w := ts.do(http.MethodPost, "/v1/venues", "", map[string]interface{}{"type": "exchange"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// An account that maps to no identity is unauthorized.
	w = ts.do(http.MethodPost, "/v1/venues", "ghost", map[string]interface{}{"type": "exchange"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/v1/identities", "", map[string]string{"account": "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.do(http.MethodPost, "/v1/identities", "", map[string]string{"account": "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var problem struct {
		Type   string `json:"type"`
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}
	w = ts.do(http.MethodPost, "/v1/instructions/999/reschedule", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	ts.decode(w, &problem)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.NotEmpty(t, problem.Detail)

	w = ts.do(http.MethodGet, "/v1/venues/not-a-number", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
