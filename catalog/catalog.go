// Package catalog serves read-only procedure, insurance and clinic data.
// A live service is used when configured; the static snapshot answers
// whenever it is unreachable.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

// Errors
var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrInsuranceNotFound = errors.New("insurance not found")
	ErrClinicNotFound    = errors.New("clinic not found")
	// ErrUnavailable wraps transport and server failures of the live service.
	ErrUnavailable = errors.New("catalog service unavailable")
)

// IsNotFound reports whether err is one of the lookup misses.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProcedureNotFound) || errors.Is(err, ErrInsuranceNotFound) || errors.Is(err, ErrClinicNotFound)
}

// Snapshot is the JSON document the static catalog is loaded from.
type Snapshot struct {
	Procedures []types.Procedure   `json:"procedures"`
	Insurances []types.Insurance   `json:"insurances"`
	Clinics    []types.Clinic      `json:"clinics"`
	Packages   []types.PackageDeal `json:"packages,omitempty"`
}

// LoadSnapshot reads a snapshot from a JSON file.
func LoadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read catalog snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode catalog snapshot: %w", err)
	}
	return snap, nil
}

// DefaultSnapshot is the built-in catalog used when no snapshot file is given.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Procedures: []types.Procedure{
			{Code: "CONSULTA", Name: "Consulta clínica", Price: 250},
			{Code: "RETORNO", Name: "Retorno", Price: 0},
			{Code: "HEMOGRAMA", Name: "Hemograma completo", Price: 45},
			{Code: "ULTRASSOM", Name: "Ultrassonografia", Price: 320},
			{Code: "RAIOX", Name: "Raio-X", Price: 150},
		},
		Insurances: []types.Insurance{
			{Code: "UNIMED", Name: "Unimed", Coverage: map[string]float64{"CONSULTA": 100, "HEMOGRAMA": 100, "ULTRASSOM": 80, "RAIOX": 100}},
			{Code: "BRADESCO", Name: "Bradesco Saúde", Coverage: map[string]float64{"CONSULTA": 100, "HEMOGRAMA": 70}},
			{Code: "AMIL", Name: "Amil", DisplayName: "Amil Saúde", Coverage: map[string]float64{"CONSULTA": 50}},
			{Code: "SULAMERICA", Name: "SulAmérica", Coverage: map[string]float64{"CONSULTA": 100, "ULTRASSOM": 100}},
		},
		Clinics: []types.Clinic{
			{Code: "CENTRO", Name: "Unidade Centro", Address: "Rua XV de Novembro, 100"},
			{Code: "NORTE", Name: "Unidade Zona Norte", Address: "Av. Brasil, 2500"},
		},
		Packages: []types.PackageDeal{
			{Code: "CHECKUP", Name: "Check-up básico", Procedures: []string{"CONSULTA", "HEMOGRAMA", "RAIOX"}, Price: 390},
		},
	}
}

// Static is an in-process catalog built from a Snapshot.
type Static struct {
	mu         sync.RWMutex
	procedures map[string]types.Procedure
	insurances map[string]types.Insurance
	clinics    map[string]types.Clinic
	packages   []types.PackageDeal
}

// NewStatic indexes snap by code. Codes are matched case-insensitively.
func NewStatic(snap Snapshot) *Static {
	s := &Static{}
	s.Replace(snap)
	return s
}

// Replace swaps the whole snapshot.
func (s *Static) Replace(snap Snapshot) {
	procedures := make(map[string]types.Procedure, len(snap.Procedures))
	for _, p := range snap.Procedures {
		procedures[key(p.Code)] = p
	}
	insurances := make(map[string]types.Insurance, len(snap.Insurances))
	for _, i := range snap.Insurances {
		insurances[key(i.Code)] = i
	}
	clinics := make(map[string]types.Clinic, len(snap.Clinics))
	for _, c := range snap.Clinics {
		clinics[key(c.Code)] = c
	}
	packages := append([]types.PackageDeal(nil), snap.Packages...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.procedures = procedures
	s.insurances = insurances
	s.clinics = clinics
	s.packages = packages
}

func key(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Procedure returns a procedure by code.
func (s *Static) Procedure(ctx context.Context, code string) (types.Procedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procedures[key(code)]
	if !ok {
		return types.Procedure{}, fmt.Errorf("%w: code=%s", ErrProcedureNotFound, code)
	}
	return p, nil
}

// Clinic returns a clinic by code.
func (s *Static) Clinic(ctx context.Context, code string) (types.Clinic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clinics[key(code)]
	if !ok {
		return types.Clinic{}, fmt.Errorf("%w: code=%s", ErrClinicNotFound, code)
	}
	return c, nil
}

// Insurance returns a plan by code.
func (s *Static) Insurance(ctx context.Context, code string) (types.Insurance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.insurances[key(code)]
	if !ok {
		return types.Insurance{}, fmt.Errorf("%w: code=%s", ErrInsuranceNotFound, code)
	}
	return i, nil
}

// InsuranceEntries lists the plans ordered by code.
func (s *Static) InsuranceEntries(ctx context.Context) ([]types.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CatalogEntry, 0, len(s.insurances))
	for _, i := range s.insurances {
		out = append(out, i.Entry())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Code < out[b].Code })
	return out, nil
}

// CoveragePercent returns how much of a procedure a plan covers (0-100).
// Paying out of pocket covers nothing.
func (s *Static) CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error) {
	if insuranceCode == "" || key(insuranceCode) == validators.NoInsurance {
		return 0, nil
	}
	ins, err := s.Insurance(ctx, insuranceCode)
	if err != nil {
		return 0, err
	}
	return ins.Coverage[key(procedureCode)], nil
}

// Quote prices a procedure under an optional plan and attaches the
// cheapest package deal that includes it.
func (s *Static) Quote(ctx context.Context, procedureCode, insuranceCode string) (types.Quote, error) {
	proc, err := s.Procedure(ctx, procedureCode)
	if err != nil {
		return types.Quote{}, err
	}
	coverage, err := s.CoveragePercent(ctx, insuranceCode, proc.Code)
	if err != nil {
		return types.Quote{}, err
	}
	q := PriceQuote(proc, insuranceCode, coverage)
	q.Package = s.packageFor(key(proc.Code))
	return q, nil
}

func (s *Static) packageFor(procedureCode string) *types.PackageDeal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.PackageDeal
	for i := range s.packages {
		p := s.packages[i]
		for _, code := range p.Procedures {
			if key(code) == procedureCode && (best == nil || p.Price < best.Price) {
				deal := p
				best = &deal
				break
			}
		}
	}
	return best
}

// PriceQuote computes what the patient pays given the coverage percentage.
func PriceQuote(proc types.Procedure, insuranceCode string, coverage float64) types.Quote {
	coverage = math.Max(0, math.Min(100, coverage))
	pays := proc.Price * (100 - coverage) / 100
	return types.Quote{
		ProcedureCode: proc.Code,
		InsuranceCode: insuranceCode,
		Price:         proc.Price,
		Coverage:      coverage,
		PatientPays:   math.Round(pays*100) / 100,
	}
}
