package catalog

import (
	"context"
	"log/slog"

	"github.com/songzhibin97/chatflow/types"
)

// Source is everything the core reads from a catalog.
type Source interface {
	Procedure(ctx context.Context, code string) (types.Procedure, error)
	Clinic(ctx context.Context, code string) (types.Clinic, error)
	InsuranceEntries(ctx context.Context) ([]types.CatalogEntry, error)
	CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error)
	Quote(ctx context.Context, procedureCode, insuranceCode string) (types.Quote, error)
}

// Fallback asks the live source first and answers from the static snapshot
// when it fails. Lookup misses from the live source are authoritative.
type Fallback struct {
	live   Source
	static *Static
	logger *slog.Logger
}

// NewFallback creates a Fallback. live may be nil.
func NewFallback(live Source, static *Static, logger *slog.Logger) *Fallback {
	if static == nil {
		static = NewStatic(Snapshot{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{live: live, static: static, logger: logger}
}

func withFallback[T any](f *Fallback, op string, live func(Source) (T, error), static func() (T, error)) (T, error) {
	if f.live == nil {
		return static()
	}
	v, err := live(f.live)
	if err == nil || IsNotFound(err) {
		return v, err
	}
	f.logger.Warn("catalog service failed, using snapshot", "op", op, "err", err)
	return static()
}

// Procedure implements Source.
func (f *Fallback) Procedure(ctx context.Context, code string) (types.Procedure, error) {
	return withFallback(f, "procedure",
		func(s Source) (types.Procedure, error) { return s.Procedure(ctx, code) },
		func() (types.Procedure, error) { return f.static.Procedure(ctx, code) })
}

// Clinic implements Source.
func (f *Fallback) Clinic(ctx context.Context, code string) (types.Clinic, error) {
	return withFallback(f, "clinic",
		func(s Source) (types.Clinic, error) { return s.Clinic(ctx, code) },
		func() (types.Clinic, error) { return f.static.Clinic(ctx, code) })
}

// InsuranceEntries implements Source.
func (f *Fallback) InsuranceEntries(ctx context.Context) ([]types.CatalogEntry, error) {
	return withFallback(f, "insurances",
		func(s Source) ([]types.CatalogEntry, error) { return s.InsuranceEntries(ctx) },
		func() ([]types.CatalogEntry, error) { return f.static.InsuranceEntries(ctx) })
}

// CoveragePercent implements Source.
func (f *Fallback) CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error) {
	return withFallback(f, "coverage",
		func(s Source) (float64, error) { return s.CoveragePercent(ctx, insuranceCode, procedureCode) },
		func() (float64, error) { return f.static.CoveragePercent(ctx, insuranceCode, procedureCode) })
}

// Quote implements Source.
func (f *Fallback) Quote(ctx context.Context, procedureCode, insuranceCode string) (types.Quote, error) {
	return withFallback(f, "quote",
		func(s Source) (types.Quote, error) { return s.Quote(ctx, procedureCode, insuranceCode) },
		func() (types.Quote, error) { return f.static.Quote(ctx, procedureCode, insuranceCode) })
}

// Refresh replaces the static snapshot with the live service's current
// catalog. The old snapshot is kept when the download fails.
func (f *Fallback) Refresh(ctx context.Context, client *Client) error {
	snap, err := client.Snapshot(ctx)
	if err != nil {
		f.logger.Warn("catalog snapshot refresh failed", "err", err)
		return err
	}
	f.static.Replace(snap)
	return nil
}
