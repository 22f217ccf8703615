package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/dersched/pkg/controller"
	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/storage"
	"github.com/raterudder/dersched/pkg/storage/storagemock"
	"github.com/raterudder/dersched/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newTestServer(db storage.Database) *Server {
	return &Server{
		storage:         db,
		controller:      controller.NewController(db, &solver.Config{Solver: solver.NewSimplex()}),
		serverName:      "dersched-test",
		maxBodyBytes:    8 << 20,
		simulateTimeout: time.Minute,
		simulations:     make(chan struct{}, 1),
	}
}

func simulateBody(t *testing.T, mutate func(*controller.Request)) *bytes.Reader {
	rates := make(types.HourlyRates, 24)
	for h := 0; h < 24; h++ {
		rates[h] = 0.1
	}
	demand := make([]float64, 366*24)
	for i := range demand {
		demand[i] = 2
	}
	req := controller.Request{
		Tariff: types.Tariff{
			Name:        "flat",
			Seasons:     map[string][]int{"all": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
			EnergyRates: map[string]types.HourlyRates{"all": rates},
		},
		Scenario: types.Scenario{
			Name:            "office",
			Year:            2024,
			IntervalMinutes: 60,
			Granularity:     types.GranularityDay,
			Start:           time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
			End:             time.Date(2024, time.May, 2, 0, 0, 0, 0, time.UTC),
			Demand:          demand,
		},
	}
	if mutate != nil {
		mutate(&req)
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&storagemock.MockDatabase{})
	w := serve(srv, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "dersched-test", w.Header().Get("Server"))
}

func TestSimulate(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("SaveRun", mock.Anything, mock.Anything).Return(nil).Twice()
		db.On("AppendResults", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

		w := serve(newTestServer(db), httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

		var resp simulateResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Run.ID)
		assert.Equal(t, types.RunStatusComplete, resp.Run.Status)
		require.NotNil(t, resp.Run.Bill)
		assert.Equal(t, "9.60", resp.Run.Bill.Total)
		assert.Empty(t, resp.Error)
		db.AssertExpectations(t)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		w := serve(newTestServer(db), httptest.NewRequest("POST", "/api/simulate", strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid request body")
	})

	t.Run("Invalid Scenario", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		body := simulateBody(t, func(r *controller.Request) {
			r.Scenario.Demand = r.Scenario.Demand[:10]
		})
		w := serve(newTestServer(db), httptest.NewRequest("POST", "/api/simulate", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "demand has 10 steps")
		db.AssertNotCalled(t, "SaveRun", mock.Anything, mock.Anything)
	})

	t.Run("Storage Unavailable", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("SaveRun", mock.Anything, mock.Anything).Return(errors.New("unavailable")).Once()
		w := serve(newTestServer(db), httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"failed to start simulation"}`, w.Body.String())
	})

	t.Run("Failed Run", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("SaveRun", mock.Anything, mock.Anything).Return(nil).Twice()
		db.On("AppendResults", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

		w := serve(newTestServer(db), httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		var resp simulateResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, types.RunStatusFailed, resp.Run.Status)
		assert.Contains(t, resp.Error, "disk full")
		db.AssertExpectations(t)
	})

	t.Run("Too Many Simulations", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		srv := newTestServer(db)
		srv.simulations <- struct{}{}
		w := serve(srv, httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		db.AssertNotCalled(t, "SaveRun", mock.Anything, mock.Anything)

		// the slot is free again once the running simulation ends
		<-srv.simulations
		db.On("SaveRun", mock.Anything, mock.Anything).Return(errors.New("unavailable")).Once()
		w = serve(srv, httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, srv.simulations)
	})

	t.Run("Body Too Large", func(t *testing.T) {
		srv := newTestServer(&storagemock.MockDatabase{})
		srv.maxBodyBytes = 1024
		w := serve(srv, httptest.NewRequest("POST", "/api/simulate", simulateBody(t, nil)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRuns(t *testing.T) {
	run := types.Run{
		ID:          "run-1",
		Tariff:      "flat",
		Scenario:    "office",
		Year:        2024,
		Granularity: types.GranularityDay,
		Status:      types.RunStatusComplete,
		Created:     time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("List", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListRuns", mock.Anything).Return([]types.Run{run}, nil).Once()
		w := serve(newTestServer(db), httptest.NewRequest("GET", "/api/runs", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var runs []types.Run
		require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
		assert.Equal(t, []types.Run{run}, runs)
	})

	t.Run("List Empty", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListRuns", mock.Anything).Return(nil, nil).Once()
		w := serve(newTestServer(db), httptest.NewRequest("GET", "/api/runs", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("Get", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetRun", mock.Anything, "run-1").Return(run, nil).Once()
		w := serve(newTestServer(db), httptest.NewRequest("GET", "/api/runs/run-1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var got types.Run
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, run, got)
	})

	t.Run("Not Found", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetRun", mock.Anything, "missing").Return(types.Run{}, storage.ErrRunNotFound).Once()
		db.On("GetResults", mock.Anything, "missing").Return(nil, storage.ErrRunNotFound).Once()
		srv := newTestServer(db)

		w := serve(srv, httptest.NewRequest("GET", "/api/runs/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = serve(srv, httptest.NewRequest("GET", "/api/runs/missing/results", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Storage Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetRun", mock.Anything, "run-1").Return(types.Run{}, errors.New("boom")).Once()
		w := serve(newTestServer(db), httptest.NewRequest("GET", "/api/runs/run-1", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"failed to get run"}`, w.Body.String())
	})

	t.Run("Results Compressed", func(t *testing.T) {
		rows := make([]types.ResultRow, 48)
		for i := range rows {
			rows[i] = types.ResultRow{Index: i, Timestamp: run.Created.Add(time.Duration(i) * time.Hour), DemandKW: 2, NetDemandKW: 2, EnergyPrice: 0.1}
		}
		db := &storagemock.MockDatabase{}
		db.On("GetResults", mock.Anything, "run-1").Return(rows, nil).Once()

		req := httptest.NewRequest("GET", "/api/runs/run-1/results", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := serve(newTestServer(db), req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	})

	t.Run("Method Not Allowed", func(t *testing.T) {
		w := serve(newTestServer(&storagemock.MockDatabase{}), httptest.NewRequest("DELETE", "/api/runs/run-1", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
