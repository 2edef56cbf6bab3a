package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/jdziat/projectsync/pkg/actuals"
)

// ActualsKind is the kind of the yearly actuals report.
const ActualsKind = "actuals"

// ActualsParams selects the totals of an actuals report. Zero values do not
// filter.
type ActualsParams struct {
	ProjectIDs []string `json:"project_ids"`
	FromYear   int      `json:"from_year"`
	ToYear     int      `json:"to_year"`
}

// ActualsSearcher loads stored yearly totals.
type ActualsSearcher interface {
	Search(ctx context.Context, f actuals.Filter) ([]actuals.YearlyActual, error)
}

type actualsRow struct {
	ProjectID   string `csv:"project_id"`
	FiscalYear  int    `csv:"fiscal_year"`
	Total       string `csv:"total"`
	Currency    string `csv:"currency"`
	LineCount   int    `csv:"line_count"`
	RefreshedAt string `csv:"refreshed_at"`
}

// ActualsReport renders stored yearly totals as CSV.
func ActualsReport(store ActualsSearcher) Definition[ActualsParams, actuals.YearlyActual] {
	return Definition[ActualsParams, actuals.YearlyActual]{
		Kind: ActualsKind,
		Query: func(ctx context.Context, p ActualsParams) ([]actuals.YearlyActual, error) {
			return store.Search(ctx, actuals.Filter(p))
		},
		Build: buildActualsCSV,
	}
}

func buildActualsCSV(_ context.Context, p ActualsParams, rows []actuals.YearlyActual) (File, error) {
	out := make([]*actualsRow, len(rows))
	for i, r := range rows {
		out[i] = &actualsRow{
			ProjectID:   r.ProjectID,
			FiscalYear:  r.FiscalYear,
			Total:       actuals.FormatMinorUnits(r.TotalMinor),
			Currency:    r.Currency,
			LineCount:   r.LineCount,
			RefreshedAt: r.RefreshedAt.UTC().Format(time.RFC3339),
		}
	}

	var buf bytes.Buffer
	if err := gocsv.Marshal(&out, &buf); err != nil {
		return File{}, fmt.Errorf("encode csv: %w", err)
	}
	return File{
		Filename:    actualsFilename(p),
		ContentType: "text/csv",
		Data:        buf.Bytes(),
	}, nil
}

func actualsFilename(p ActualsParams) string {
	switch {
	case p.FromYear > 0 && p.ToYear > 0:
		return fmt.Sprintf("actuals-%d-%d.csv", p.FromYear, p.ToYear)
	case p.FromYear > 0:
		return fmt.Sprintf("actuals-from-%d.csv", p.FromYear)
	case p.ToYear > 0:
		return fmt.Sprintf("actuals-to-%d.csv", p.ToYear)
	}
	return "actuals.csv"
}
