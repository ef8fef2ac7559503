package ledger

import (
	"context"
	"time"
)

// Queries is the persistence surface shared by a store and its transactions.
//
// Save methods are compare-and-swap writes: they persist the mutable columns of
// the entity only if the stored status still equals expected. A mismatch is
// reported as ErrInvalidTransition, a missing row as ErrNotFound. Get methods
// called inside a transaction lock the row until commit.
type Queries interface {
	InsertListing(ctx context.Context, l Listing) error
	GetListing(ctx context.Context, id string) (Listing, error)
	// TransitionListings ignores keys whose status is not in From.
	TransitionListings(ctx context.Context, t BulkTransition[ListingStatus]) (int64, error)
	// ExpireListings moves ACTIVE listings with expires_at <= now to EXPIRED.
	ExpireListings(ctx context.Context, now time.Time) (int64, error)

	// InsertPurchase fails with ErrListingUnavailable when the listing already
	// has an active purchase.
	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id string) (Purchase, error)
	SavePurchase(ctx context.Context, p Purchase, expected PurchaseStatus) error
	ListPurchases(ctx context.Context, q PurchaseQuery) (Page[Purchase], error)
	// CancelStalePurchases cancels PENDING purchases created before cutoff and
	// returns the cancelled rows.
	CancelStalePurchases(ctx context.Context, cutoff, now time.Time, reason string) ([]Purchase, error)
	TransitionPurchases(ctx context.Context, t BulkTransition[PurchaseStatus]) (int64, error)

	InsertEscrow(ctx context.Context, e Escrow) error
	GetEscrow(ctx context.Context, id string) (Escrow, error)
	GetEscrowByPurchase(ctx context.Context, purchaseID string) (Escrow, error)
	SaveEscrow(ctx context.Context, e Escrow, expected EscrowStatus) error
	// ReleaseConfirmedEscrows releases CONFIRMED escrows confirmed before
	// cutoff and returns the released rows.
	ReleaseConfirmedEscrows(ctx context.Context, cutoff, now time.Time) ([]Escrow, error)
	TransitionEscrows(ctx context.Context, t BulkTransition[EscrowStatus]) (int64, error)

	// InsertSale fails with ErrInvalidTransition when the purchase already has a sale.
	InsertSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id string) (Sale, error)
	GetSaleByPurchase(ctx context.Context, purchaseID string) (Sale, error)
	SaveSale(ctx context.Context, s Sale, expected SaleStatus) error
	ListSales(ctx context.Context, q SaleQuery) (Page[Sale], error)
	SalesForSeller(ctx context.Context, sellerID string) ([]Sale, error)
	// CancelOrphanedSales cancels PENDING sales sold before cutoff whose
	// purchase never left PENDING or was cancelled.
	CancelOrphanedSales(ctx context.Context, cutoff, now time.Time) (int64, error)
	TransitionSales(ctx context.Context, t BulkTransition[SaleStatus]) (int64, error)

	// InsertDispute fails with ErrDuplicateDispute when the purchase already
	// has an active dispute.
	InsertDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id string) (Dispute, error)
	ActiveDispute(ctx context.Context, purchaseID string) (Dispute, error)
	SaveDispute(ctx context.Context, d Dispute, expected DisputeStatus) error
	ListDisputes(ctx context.Context, q DisputeQuery) (Page[Dispute], error)
	// OverdueDisputes returns active disputes created before cutoff ordered
	// by priority descending, then age.
	OverdueDisputes(ctx context.Context, cutoff time.Time, limit int) ([]Dispute, error)
	// EscalateOverdueDisputes raises the priority of active disputes created
	// before cutoff by one level, at most once per window.
	EscalateOverdueDisputes(ctx context.Context, cutoff, now time.Time) (int64, error)

	InsertReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, id string) (Report, error)
	SaveReport(ctx context.Context, r Report, expected ReportStatus) error
	ListReports(ctx context.Context, q ReportQuery) (Page[Report], error)
	CountReports(ctx context.Context, q ReportCountQuery) ([]ReportCount, error)
}

// Store is the Ledger of Record.
type Store interface {
	Queries
	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
