package erp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Operation names understood by the remote service.
const (
	OpCompanyProjects = "company_projects"
	OpProjectInfo     = "project_info"
	OpActuals         = "actuals"
)

// ProjectInfo is the master data of one project.
type ProjectInfo struct {
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	CompanyCode      string `json:"company_code"`
	PlannedStartYear int    `json:"planned_start_year"`

	// Raw is the response exactly as received.
	Raw json.RawMessage `json:"-"`
}

// LedgerLine is one posted actuals line. Amount is a decimal string in the
// line's currency, e.g. "-1234.50".
type LedgerLine struct {
	Document    string `json:"document"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PostingDate string `json:"posting_date"`
}

// CompanyProjects lists the project ids of a company code.
func (c *Client) CompanyProjects(ctx context.Context, company string) ([]string, error) {
	var resp struct {
		ProjectIDs []string `json:"project_ids"`
	}
	params := map[string]string{"company": company}
	if err := c.Request(ctx, OpCompanyProjects, params, &resp); err != nil {
		return nil, err
	}
	return resp.ProjectIDs, nil
}

// ProjectInfo fetches a project's master data.
func (c *Client) ProjectInfo(ctx context.Context, projectID string) (*ProjectInfo, error) {
	var raw json.RawMessage
	params := map[string]string{"project_id": projectID}
	if err := c.Request(ctx, OpProjectInfo, params, &raw); err != nil {
		return nil, err
	}

	var info ProjectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("erp: %s: decode project %s: %w", OpProjectInfo, projectID, err)
	}
	if info.ProjectID == "" {
		info.ProjectID = projectID
	}
	info.Raw = raw
	return &info, nil
}

// Actuals fetches the ledger lines posted to a project in one fiscal year.
func (c *Client) Actuals(ctx context.Context, projectID string, year int) ([]LedgerLine, error) {
	var resp struct {
		Lines []LedgerLine `json:"lines"`
	}
	params := map[string]any{"project_id": projectID, "year": year}
	if err := c.Request(ctx, OpActuals, params, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}
