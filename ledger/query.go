package ledger

import (
	"time"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// PageRequest selects one page of a list query. Page is 1-based.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies defaults and caps.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// Page is one page of results plus totals.
type Page[T any] struct {
	Items      []T
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// NewPage assembles a page from the items of req and the total row count.
func NewPage[T any](items []T, total int, req PageRequest) Page[T] {
	req = req.Normalize()
	if items == nil {
		items = []T{}
	}
	pages := 0
	if total > 0 {
		pages = (total + req.Limit - 1) / req.Limit
	}
	return Page[T]{Items: items, Total: total, Page: req.Page, Limit: req.Limit, TotalPages: pages}
}

// PurchaseQuery filters purchase listings. Exactly one of BuyerID or SellerID
// must be set.
type PurchaseQuery struct {
	PageRequest
	BuyerID  string
	SellerID string
	Status   PurchaseStatus
}

func (q PurchaseQuery) Validate() error {
	if (q.BuyerID == "") == (q.SellerID == "") {
		return Invalid("purchase query needs exactly one of buyer or seller")
	}
	if q.Status != "" && !q.Status.Valid() {
		return Invalid("unknown purchase status %q", q.Status)
	}
	return nil
}

// SaleQuery filters a seller's sales.
type SaleQuery struct {
	PageRequest
	SellerID string
	Status   SaleStatus
}

func (q SaleQuery) Validate() error {
	if q.SellerID == "" {
		return Invalid("sale query needs a seller")
	}
	if q.Status != "" && !q.Status.Valid() {
		return Invalid("unknown sale status %q", q.Status)
	}
	return nil
}

// DisputeQuery filters dispute queues. Results are ordered by priority
// descending, then creation ascending.
type DisputeQuery struct {
	PageRequest
	// PartyID matches disputes the user initiated or responds to.
	PartyID    string
	AdminID    string
	Unassigned bool
	PurchaseID string
	Statuses   []DisputeStatus
	Priority   DisputePriority
}

func (q DisputeQuery) Validate() error {
	if q.Unassigned && q.AdminID != "" {
		return Invalid("dispute query cannot combine unassigned with an admin")
	}
	for _, s := range q.Statuses {
		if !s.Valid() {
			return Invalid("unknown dispute status %q", s)
		}
	}
	if q.Priority != "" && !q.Priority.Valid() {
		return Invalid("unknown dispute priority %q", q.Priority)
	}
	return nil
}

// ReportQuery filters report queues. Reporter views are newest first,
// admin queues oldest first.
type ReportQuery struct {
	PageRequest
	ReporterID string
	AdminID    string
	Unassigned bool
	Status     ReportStatus
	Target     ReportTarget
}

func (q ReportQuery) Validate() error {
	if q.Unassigned && q.AdminID != "" {
		return Invalid("report query cannot combine unassigned with an admin")
	}
	if q.Status != "" && !q.Status.Valid() {
		return Invalid("unknown report status %q", q.Status)
	}
	if q.Target != "" && !q.Target.Valid() {
		return Invalid("unknown report target %q", q.Target)
	}
	return nil
}

// ReportCountQuery groups reports per target created at or after Since.
type ReportCountQuery struct {
	Target     ReportTarget
	Since      time.Time
	MinReports int
	Limit      int
}

func (q ReportCountQuery) Validate() error {
	if !q.Target.Valid() {
		return Invalid("report count needs a user or listing target")
	}
	if q.Since.IsZero() {
		return Invalid("report count needs a window start")
	}
	if q.MinReports < 0 || q.Limit < 0 {
		return Invalid("report count bounds must be non-negative")
	}
	return nil
}

// ReportCount is one row of the frequently-reported analytics.
type ReportCount struct {
	TargetID string
	Count    int
}

// BulkTransition moves every row whose key is in Keys and whose status is in
// From to To, stamping At. Keys are purchase ids for escrows and sales and
// listing ids for listings.
type BulkTransition[S ~string] struct {
	Keys   []string
	From   []S
	To     S
	At     time.Time
	Reason string
}
