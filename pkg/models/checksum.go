package models

import (
	"fmt"
	"time"
)

// OrderColumn is the column the source system ordered ids by before hashing them
type OrderColumn string

const (
	OrderColumnID        OrderColumn = "id"
	OrderColumnCreatedAt OrderColumn = "created_at"
	OrderColumnUpdatedAt OrderColumn = "updated_at"
)

// DefaultOrderColumn is used when a check does not name an order column
const DefaultOrderColumn = OrderColumnUpdatedAt

// OrderColumns lists every supported ordering strategy
var OrderColumns = []OrderColumn{OrderColumnID, OrderColumnCreatedAt, OrderColumnUpdatedAt}

// ParseOrderColumn parses an order column, defaulting empty input to DefaultOrderColumn
func ParseOrderColumn(s string) (OrderColumn, error) {
	switch OrderColumn(s) {
	case "":
		return DefaultOrderColumn, nil
	case OrderColumnID, OrderColumnCreatedAt, OrderColumnUpdatedAt:
		return OrderColumn(s), nil
	}
	return "", fmt.Errorf("unknown order column %q", s)
}

// ChecksumCheck is a row count and checksum reported by the source system.
// ImportBatchID is set for import checks, which are keyed by batch instead of time.
type ChecksumCheck struct {
	ID            string      `json:"id" db:"id"`
	EntityType    string      `json:"entity_type" db:"entity_type"`
	RowCount      int64       `json:"row_count" db:"row_count"`
	Checksum      string      `json:"checksum" db:"checksum"`
	CalculatedAt  time.Time   `json:"calculated_at" db:"calculated_at"`
	OrderColumn   OrderColumn `json:"order_column" db:"order_column"`
	ImportBatchID *string     `json:"import_batch_id,omitempty" db:"import_batch_id"`
}

// IsImport returns true for import_entity_table_check records
func (c ChecksumCheck) IsImport() bool {
	return c.ImportBatchID != nil && *c.ImportBatchID != ""
}

// Issue classifies a reconciliation outcome
type Issue string

const (
	IssueNone             Issue = "none"
	IssueZeroRows         Issue = "zero_rows"
	IssueUnderReported    Issue = "under_reported"
	IssueOverReported     Issue = "over_reported"
	IssueChecksumMismatch Issue = "checksum_mismatch"
)

var issueDescriptions = map[Issue]string{
	IssueNone:             "",
	IssueZeroRows:         "derived store has zero rows despite source rows existing",
	IssueUnderReported:    "derived store under-reports rows",
	IssueOverReported:     "derived store over-reports rows",
	IssueChecksumMismatch: "row sets differ despite equal counts",
}

// Description returns the operator-facing text for an issue
func (i Issue) Description() string {
	return issueDescriptions[i]
}

// StrategyResult is the checksum computed under one ordering strategy
type StrategyResult struct {
	OrderColumn             OrderColumn `json:"order_column"`
	RowCount                int64       `json:"row_count"`
	Checksum                string      `json:"checksum"`
	ExcludedConcurrentCount int64       `json:"excluded_concurrent_count"`
}

// ChecksumReconciliation compares a ChecksumCheck with the derived row set.
// DerivedRowCount is nil when the derived store has no data for the entity type at all.
type ChecksumReconciliation struct {
	CheckID                 string                         `json:"check_id"`
	EntityType              string                         `json:"entity_type"`
	ImportBatchID           *string                        `json:"import_batch_id,omitempty"`
	OrderColumn             OrderColumn                    `json:"order_column"`
	CalculatedAt            time.Time                      `json:"calculated_at"`
	DatabaseRowCount        int64                          `json:"database_row_count"`
	DerivedRowCount         *int64                         `json:"derived_row_count"`
	DatabaseChecksum        string                         `json:"database_checksum"`
	DerivedChecksum         string                         `json:"derived_checksum"`
	ExcludedConcurrentCount int64                          `json:"excluded_concurrent_count"`
	Issue                   Issue                          `json:"issue"`
	IssueDescription        string                         `json:"issue_description"`
	Strategies              map[OrderColumn]StrategyResult `json:"strategies,omitempty"`
	ReconciledAt            time.Time                      `json:"reconciled_at"`
}

// HasIssue returns true if the reconciliation found a discrepancy
func (r ChecksumReconciliation) HasIssue() bool {
	return r.Issue != IssueNone
}

// ReconciliationListResponse is the response for listing reconciliations
type ReconciliationListResponse struct {
	Items      []ChecksumReconciliation `json:"items"`
	TotalCount int                      `json:"total_count"`
}
