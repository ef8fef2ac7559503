package dispute

import (
	"strings"

	"accountmarket/ledger"
)

// CreateRequest files a dispute against a purchase. RespondentID is optional;
// it is always the other party of the purchase.
type CreateRequest struct {
	PurchaseID   string
	RespondentID string
	Reason       string
	Description  string
	Evidence     []string
	Priority     ledger.DisputePriority
}

func (r CreateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.PurchaseID) == "":
		return ledger.Invalid("purchase id is required")
	case strings.TrimSpace(r.Reason) == "":
		return ledger.Invalid("dispute reason is required")
	case r.Priority != "" && !r.Priority.Valid():
		return ledger.Invalid("unknown dispute priority %q", r.Priority)
	}
	return nil
}

// Verdict is an admin's resolution of a dispute in review.
type Verdict struct {
	Resolution   string
	FavoredParty ledger.FavoredParty
	// Disposition is required for a neutral verdict and otherwise derived.
	Disposition ledger.Disposition
}

func (v Verdict) Validate() error {
	switch {
	case strings.TrimSpace(v.Resolution) == "":
		return ledger.Invalid("resolution text is required")
	case !v.FavoredParty.Valid():
		return ledger.Invalid("favored party must be initiator, respondent or neutral")
	case v.Disposition != "" && !v.Disposition.Valid():
		return ledger.Invalid("disposition must be release or refund")
	case v.FavoredParty == ledger.FavorNeutral && v.Disposition == "":
		return ledger.Invalid("a neutral verdict needs an explicit release or refund")
	}
	return nil
}

// disposition maps the verdict onto the escrow. Favoring the buyer refunds,
// favoring the seller releases.
func (v Verdict) disposition(initiatorIsBuyer bool) (ledger.Disposition, error) {
	if v.FavoredParty == ledger.FavorNeutral {
		return v.Disposition, nil
	}
	buyerWins := (v.FavoredParty == ledger.FavorInitiator) == initiatorIsBuyer
	want := ledger.DispositionRelease
	if buyerWins {
		want = ledger.DispositionRefund
	}
	if v.Disposition != "" && v.Disposition != want {
		return "", ledger.Invalid("disposition %s contradicts a verdict for the %s", v.Disposition, v.FavoredParty)
	}
	return want, nil
}

// CloseRequest ends an active dispute without a verdict.
type CloseRequest struct {
	Reason string
	// Disposition is required when an admin closes; a withdrawing party's
	// side determines it otherwise.
	Disposition ledger.Disposition
}
