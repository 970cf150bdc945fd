package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/store"
)

func newServeTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRouter_Healthz(t *testing.T) {
	router := newRouter(newServeTestStore(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	err := json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_ListPermits_Filters(t *testing.T) {
	st := newServeTestStore(t)
	issued := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.UpsertPermits(context.Background(), []model.PermitRecord{
		{City: "austin", PermitID: "P-1", Status: "Issued", IssuedDate: &issued, Tier: model.TierCommodity},
		{City: "austin", PermitID: "P-2", Status: "Pending", Tier: model.TierCommercial},
		{City: "dallas", PermitID: "P-3", Status: "Issued", Tier: model.TierCommodity},
	})
	require.NoError(t, err)

	router := newRouter(st)

	req := httptest.NewRequest(http.MethodGet, "/api/permits?city=austin&tier=Commodity", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Permits []model.PermitRecord `json:"permits"`
		Count   int                  `json:"count"`
	}
	err = json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "P-1", body.Permits[0].PermitID)
}

func TestRouter_ListChanges_Empty(t *testing.T) {
	router := newRouter(newServeTestStore(t))

	req := httptest.NewRequest(http.MethodGet, "/api/changes", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	err := json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.EqualValues(t, 0, body["count"])
}

func TestRouter_ListRuns(t *testing.T) {
	st := newServeTestStore(t)
	runID, err := st.StartRun(context.Background(), "austin")
	require.NoError(t, err)
	err = st.CompleteRun(context.Background(), runID, store.RunResult{Fetched: 3, Upserted: 2})
	require.NoError(t, err)

	router := newRouter(st)

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Runs  []store.SyncRun `json:"runs"`
		Count int             `json:"count"`
	}
	err = json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "austin", body.Runs[0].Source)
	assert.Equal(t, "complete", body.Runs[0].Status)
}

func TestIntParam(t *testing.T) {
	assert.Equal(t, 0, intParam(""))
	assert.Equal(t, 0, intParam("abc"))
	assert.Equal(t, 0, intParam("-5"))
	assert.Equal(t, 42, intParam("42"))
}
