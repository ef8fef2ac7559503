// Package listing is the purchase workflow's view of the listing catalog.
package listing

import (
	"context"
	"time"

	"accountmarket/ledger"
)

// Catalog gates purchases on listing availability and moves the reservation
// along with the purchase. Every method joins the caller's transaction
// through q.
type Catalog interface {
	// Purchasable returns the listing when it can accept a purchase at now,
	// ErrListingUnavailable otherwise.
	Purchasable(ctx context.Context, q ledger.Queries, listingID string, now time.Time) (ledger.Listing, error)
	Reserve(ctx context.Context, q ledger.Queries, listingID string, at time.Time) error
	// Release returns reserved listings to ACTIVE. Listings in any other
	// status are left untouched.
	Release(ctx context.Context, q ledger.Queries, listingIDs []string, at time.Time) (int64, error)
	MarkSold(ctx context.Context, q ledger.Queries, listingID string, at time.Time) error
	ExpireDue(ctx context.Context, q ledger.Queries, now time.Time) (int64, error)
}

// Mirror is a Catalog over the listing rows of the ledger itself.
type Mirror struct{}

var _ Catalog = Mirror{}

func (Mirror) Purchasable(ctx context.Context, q ledger.Queries, listingID string, now time.Time) (ledger.Listing, error) {
	l, err := q.GetListing(ctx, listingID)
	if err != nil {
		return ledger.Listing{}, err
	}
	if !l.Purchasable(now) {
		return ledger.Listing{}, ledger.ErrListingUnavailable
	}
	return l, nil
}

func (Mirror) Reserve(ctx context.Context, q ledger.Queries, listingID string, at time.Time) error {
	n, err := move(ctx, q, []string{listingID}, []ledger.ListingStatus{ledger.ListingActive}, ledger.ListingReserved, at)
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrListingUnavailable
	}
	return nil
}

func (Mirror) Release(ctx context.Context, q ledger.Queries, listingIDs []string, at time.Time) (int64, error) {
	return move(ctx, q, listingIDs, []ledger.ListingStatus{ledger.ListingReserved}, ledger.ListingActive, at)
}

// MarkSold is a no-op for a listing that is no longer reserved; the sale
// itself is already recorded on the purchase.
func (Mirror) MarkSold(ctx context.Context, q ledger.Queries, listingID string, at time.Time) error {
	_, err := move(ctx, q, []string{listingID}, []ledger.ListingStatus{ledger.ListingReserved}, ledger.ListingSold, at)
	return err
}

// move applies a guarded bulk transition after checking every edge against
// the listing lifecycle.
func move(ctx context.Context, q ledger.Queries, ids []string, from []ledger.ListingStatus, to ledger.ListingStatus, at time.Time) (int64, error) {
	for _, f := range from {
		if !ledger.ListingCanTransition(f, to) {
			return 0, &ledger.TransitionError{Entity: "listing", From: string(f), To: string(to)}
		}
	}
	return q.TransitionListings(ctx, ledger.BulkTransition[ledger.ListingStatus]{
		Keys: ids,
		From: from,
		To:   to,
		At:   at,
	})
}

func (Mirror) ExpireDue(ctx context.Context, q ledger.Queries, now time.Time) (int64, error) {
	return q.ExpireListings(ctx, now)
}

// Register validates and stores a listing mirrored from the catalog.
func Register(ctx context.Context, q ledger.Queries, l ledger.Listing, now time.Time) (ledger.Listing, error) {
	switch {
	case l.ID == "" || l.SellerID == "":
		return ledger.Listing{}, ledger.Invalid("listing needs an id and a seller")
	case !l.Price.IsPositive():
		return ledger.Listing{}, ledger.Invalid("listing price must be positive")
	case len(l.Currency) != 3:
		return ledger.Listing{}, ledger.Invalid("listing currency must be a 3-letter code")
	}
	switch l.Status {
	case "":
		l.Status = ledger.ListingActive
	case ledger.ListingActive, ledger.ListingInactive:
	default:
		// Reservation and sale are decided here, never imported.
		return ledger.Listing{}, ledger.Invalid("listing cannot be registered as %s", l.Status)
	}
	now = ledger.Timestamp(now)
	l.CreatedAt, l.UpdatedAt = now, now
	if l.ExpiresAt != nil {
		exp := ledger.Timestamp(*l.ExpiresAt)
		l.ExpiresAt = &exp
	}
	if err := q.InsertListing(ctx, l); err != nil {
		return ledger.Listing{}, err
	}
	return l, nil
}
