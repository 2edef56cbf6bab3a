// Package actuals aggregates ERP ledger lines into yearly totals per project
// and stores them with replace semantics, so refreshing a year twice yields
// the same row.
package actuals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/projectsync/pkg/erp"
)

// ErrMixedCurrency is returned when one year's lines use more than one
// currency.
var ErrMixedCurrency = errors.New("actuals: mixed currencies")

// Total is the aggregate of one project's lines in one fiscal year.
type Total struct {
	Minor    int64
	Lines    int
	Currency string
}

// Aggregate sums ledger lines. An empty slice yields a zero total and a sum
// that does not fit in int64 minor units is ErrInvalidAmount.
func Aggregate(lines []erp.LedgerLine) (Total, error) {
	var t Total
	for _, l := range lines {
		minor, err := ParseMinorUnits(l.Amount)
		if err != nil {
			return Total{}, fmt.Errorf("document %s: %w", l.Document, err)
		}
		if l.Currency != "" {
			if t.Currency != "" && t.Currency != l.Currency {
				return Total{}, fmt.Errorf("%w: %s and %s", ErrMixedCurrency, t.Currency, l.Currency)
			}
			t.Currency = l.Currency
		}
		if (minor > 0 && t.Minor > math.MaxInt64-minor) || (minor < 0 && t.Minor < math.MinInt64-minor) {
			return Total{}, fmt.Errorf("document %s: %w: total out of range", l.Document, ErrInvalidAmount)
		}
		t.Minor += minor
		t.Lines++
	}
	return t, nil
}

// YearlyActual is the stored total of one project and fiscal year.
type YearlyActual struct {
	ProjectID   string    `gorm:"primaryKey;size:255" json:"project_id"`
	FiscalYear  int       `gorm:"primaryKey" json:"fiscal_year"`
	TotalMinor  int64     `gorm:"not null" json:"total_minor"`
	LineCount   int       `gorm:"not null" json:"line_count"`
	Currency    string    `gorm:"size:3" json:"currency"`
	RefreshedAt time.Time `gorm:"not null" json:"refreshed_at"`
}

// TableName pins the table name.
func (YearlyActual) TableName() string { return "yearly_actuals" }

// Filter selects stored totals. Zero values do not filter.
type Filter struct {
	ProjectIDs []string `json:"project_ids"`
	FromYear   int      `json:"from_year"`
	ToYear     int      `json:"to_year"`
}

// Store persists yearly totals through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore returns a store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the yearly actuals table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&YearlyActual{})
}

// Replace sets the total of projectID in year, overwriting any previous
// value.
func (s *Store) Replace(ctx context.Context, projectID string, year int, total Total) error {
	row := YearlyActual{
		ProjectID:   projectID,
		FiscalYear:  year,
		TotalMinor:  total.Minor,
		LineCount:   total.Lines,
		Currency:    total.Currency,
		RefreshedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "fiscal_year"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_minor", "line_count", "currency", "refreshed_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("actuals: replace %s/%d: %w", projectID, year, err)
	}
	return nil
}

// Get returns the stored total, or nil.
func (s *Store) Get(ctx context.Context, projectID string, year int) (*YearlyActual, error) {
	var row YearlyActual
	err := s.db.WithContext(ctx).First(&row, "project_id = ? AND fiscal_year = ?", projectID, year).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("actuals: get %s/%d: %w", projectID, year, err)
	}
	return &row, nil
}

// Search returns the totals matching f ordered by project and year.
func (s *Store) Search(ctx context.Context, f Filter) ([]YearlyActual, error) {
	q := s.db.WithContext(ctx).Model(&YearlyActual{})
	if len(f.ProjectIDs) > 0 {
		q = q.Where("project_id IN ?", f.ProjectIDs)
	}
	if f.FromYear > 0 {
		q = q.Where("fiscal_year >= ?", f.FromYear)
	}
	if f.ToYear > 0 {
		q = q.Where("fiscal_year <= ?", f.ToYear)
	}

	var rows []YearlyActual
	if err := q.Order("project_id ASC, fiscal_year ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("actuals: search: %w", err)
	}
	return rows, nil
}
