package httpstatus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpool/clamm-engine/internal/types"
)

type fixedStatus struct {
	status types.PortfolioStatus
}

func (f fixedStatus) GetPortfolioStatus() types.PortfolioStatus { return f.status }

func TestHealthz(t *testing.T) {
	s := NewServer("0", fixedStatus{})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStatusReturnsPortfolioSnapshot(t *testing.T) {
	s := NewServer("0", fixedStatus{status: types.PortfolioStatus{
		Capital:       types.CapitalState{AvailableBalance: 9700, LockedBalance: 300},
		OpenPositions: 1,
		Equity:        10000,
	}})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.PortfolioStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.OpenPositions)
	assert.Equal(t, 300.0, got.Capital.LockedBalance)
}

func TestMetricsEndpointServes(t *testing.T) {
	s := NewServer("0", fixedStatus{})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusRejectsPost(t *testing.T) {
	s := NewServer("0", fixedStatus{})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
