package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

func TestStaticLookups(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(DefaultSnapshot())

	p, err := s.Procedure(ctx, "consulta")
	require.NoError(t, err)
	assert.Equal(t, 250.0, p.Price)

	_, err = s.Procedure(ctx, "TOMOGRAFIA")
	assert.ErrorIs(t, err, ErrProcedureNotFound)
	assert.True(t, IsNotFound(err))

	c, err := s.Clinic(ctx, "CENTRO")
	require.NoError(t, err)
	assert.Equal(t, "Unidade Centro", c.Name)
	_, err = s.Clinic(ctx, "SUL")
	assert.ErrorIs(t, err, ErrClinicNotFound)

	entries, err := s.InsuranceEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "AMIL", entries[0].Code)
	assert.Equal(t, "Amil Saúde", entries[0].DisplayName)
}

func TestStaticCoverage(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(DefaultSnapshot())

	tests := []struct {
		name      string
		insurance string
		procedure string
		want      float64
		wantErr   error
	}{
		{"full", "UNIMED", "CONSULTA", 100, nil},
		{"partial", "UNIMED", "ULTRASSOM", 80, nil},
		{"not listed", "AMIL", "RAIOX", 0, nil},
		{"out of pocket", validators.NoInsurance, "CONSULTA", 0, nil},
		{"no plan", "", "CONSULTA", 0, nil},
		{"unknown plan", "GOLDEN", "CONSULTA", 0, ErrInsuranceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CoveragePercent(ctx, tt.insurance, tt.procedure)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticQuote(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(DefaultSnapshot())

	q, err := s.Quote(ctx, "ULTRASSOM", "UNIMED")
	require.NoError(t, err)
	assert.Equal(t, 320.0, q.Price)
	assert.Equal(t, 80.0, q.Coverage)
	assert.Equal(t, 64.0, q.PatientPays)
	assert.Nil(t, q.Package)

	q, err = s.Quote(ctx, "HEMOGRAMA", "")
	require.NoError(t, err)
	assert.Equal(t, 45.0, q.PatientPays)
	require.NotNil(t, q.Package)
	assert.Equal(t, "CHECKUP", q.Package.Code)

	_, err = s.Quote(ctx, "HEMOGRAMA", "GOLDEN")
	assert.ErrorIs(t, err, ErrInsuranceNotFound)
}

func TestPriceQuoteClampsCoverage(t *testing.T) {
	proc := types.Procedure{Code: "CONSULTA", Price: 200}
	assert.Equal(t, 0.0, PriceQuote(proc, "X", 150).PatientPays)
	assert.Equal(t, 200.0, PriceQuote(proc, "X", -10).PatientPays)
	assert.Equal(t, 133.33, PriceQuote(types.Procedure{Price: 200}, "X", 33.335).PatientPays)
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	raw, err := json.Marshal(DefaultSnapshot())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	snap, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Len(t, snap.Procedures, 5)
	assert.Equal(t, 80.0, snap.Insurances[0].Coverage["ULTRASSOM"])

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadSnapshot(path)
	assert.ErrorContains(t, err, "failed to decode catalog snapshot")

	_, err = LoadSnapshot(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read catalog snapshot")
}

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/procedures/CONSULTA", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.Procedure{Code: "CONSULTA", Name: "Consulta", Price: 300})
	})
	mux.HandleFunc("/clinics/CENTRO", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.Clinic{Code: "CENTRO", Name: "Matriz", Address: "Rua Nova, 1"})
	})
	mux.HandleFunc("/insurances", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []types.Insurance{{Code: "PORTO", Name: "Porto Seguro Saúde"}})
	})
	mux.HandleFunc("/insurances/PORTO/coverage", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("procedure") != "CONSULTA" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, coverageResponse{Percent: 60})
	})
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		writeJSON(w, types.Quote{ProcedureCode: q.Get("procedure"), InsuranceCode: q.Get("insurance"), Price: 300, Coverage: 60, PatientPays: 120})
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Snapshot{Procedures: []types.Procedure{{Code: "TELECONSULTA", Price: 99}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv := newCatalogServer(t)
	c := NewClient(srv.URL + "/")

	p, err := c.Procedure(ctx, "CONSULTA")
	require.NoError(t, err)
	assert.Equal(t, 300.0, p.Price)

	_, err = c.Procedure(ctx, "TOMOGRAFIA")
	assert.ErrorIs(t, err, ErrProcedureNotFound)

	cl, err := c.Clinic(ctx, "CENTRO")
	require.NoError(t, err)
	assert.Equal(t, "Matriz", cl.Name)

	entries, err := c.InsuranceEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.CatalogEntry{{Code: "PORTO", Name: "Porto Seguro Saúde"}}, entries)

	pct, err := c.CoveragePercent(ctx, "PORTO", "CONSULTA")
	require.NoError(t, err)
	assert.Equal(t, 60.0, pct)

	q, err := c.Quote(ctx, "CONSULTA", "PORTO")
	require.NoError(t, err)
	assert.Equal(t, "PORTO", q.InsuranceCode)
	assert.Equal(t, 120.0, q.PatientPays)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "TELECONSULTA", snap.Procedures[0].Code)
}

func TestClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "manutenção", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Procedure(context.Background(), "CONSULTA")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "status 503")
	assert.False(t, IsNotFound(err))
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/procedures/TOMOGRAFIA" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFallback(NewClient(srv.URL), NewStatic(DefaultSnapshot()), logger)

	p, err := f.Procedure(ctx, "CONSULTA")
	require.NoError(t, err, "server errors fall back to the snapshot")
	assert.Equal(t, 250.0, p.Price)

	_, err = f.Procedure(ctx, "TOMOGRAFIA")
	assert.ErrorIs(t, err, ErrProcedureNotFound, "misses from the live service are not retried")

	q, err := f.Quote(ctx, "CONSULTA", "UNIMED")
	require.NoError(t, err)
	assert.Equal(t, 0.0, q.PatientPays)

	pct, err := f.CoveragePercent(ctx, "BRADESCO", "HEMOGRAMA")
	require.NoError(t, err)
	assert.Equal(t, 70.0, pct)

	entries, err := f.InsuranceEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	_, err = f.Clinic(ctx, "NORTE")
	require.NoError(t, err)
	assert.Equal(t, int32(6), hits.Load())
}

func TestFallbackUnreachableAndRefresh(t *testing.T) {
	ctx := context.Background()
	srv := newCatalogServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dead := NewClient("http://127.0.0.1:1")
	f := NewFallback(dead, NewStatic(DefaultSnapshot()), logger)
	p, err := f.Procedure(ctx, "RAIOX")
	require.NoError(t, err)
	assert.Equal(t, 150.0, p.Price)

	assert.Error(t, f.Refresh(ctx, dead))
	_, err = f.static.Procedure(ctx, "RAIOX")
	assert.NoError(t, err, "failed refresh keeps the old snapshot")

	require.NoError(t, f.Refresh(ctx, NewClient(srv.URL)))
	p, err = f.static.Procedure(ctx, "TELECONSULTA")
	require.NoError(t, err)
	assert.Equal(t, 99.0, p.Price)

	static := NewFallback(nil, nil, nil)
	_, err = static.Procedure(ctx, "CONSULTA")
	assert.ErrorIs(t, err, ErrProcedureNotFound)
}
