package ledger

import "time"

type transitionTable[S ~string] map[S][]S

func (t transitionTable[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t transitionTable[S]) terminal(s S) bool {
	return len(t[s]) == 0
}

var escrowTransitions = transitionTable[EscrowStatus]{
	EscrowPending:   {EscrowFunded, EscrowCancelled},
	EscrowFunded:    {EscrowDelivered, EscrowDisputed},
	EscrowDelivered: {EscrowConfirmed, EscrowDisputed},
	EscrowConfirmed: {EscrowReleased},
	EscrowDisputed:  {EscrowReleased, EscrowRefunded},
}

var purchaseTransitions = transitionTable[PurchaseStatus]{
	PurchasePending:   {PurchasePaid, PurchaseCancelled},
	PurchasePaid:      {PurchaseDelivered, PurchaseDisputed},
	PurchaseDelivered: {PurchaseCompleted, PurchaseDisputed},
	PurchaseDisputed:  {PurchaseCompleted, PurchaseRefunded},
}

var saleTransitions = transitionTable[SaleStatus]{
	SalePending:   {SaleDelivered, SaleDisputed, SaleCancelled},
	SaleDelivered: {SaleCompleted, SaleDisputed},
	SaleDisputed:  {SaleCompleted, SaleRefunded},
}

var disputeTransitions = transitionTable[DisputeStatus]{
	DisputeOpen:     {DisputeInReview, DisputeClosed},
	DisputeInReview: {DisputeResolved, DisputeClosed},
}

var reportTransitions = transitionTable[ReportStatus]{
	ReportPending:     {ReportUnderReview, ReportDismissed},
	ReportUnderReview: {ReportResolved, ReportDismissed},
}

var listingTransitions = transitionTable[ListingStatus]{
	ListingActive:   {ListingReserved, ListingInactive, ListingExpired},
	ListingReserved: {ListingActive, ListingSold},
	ListingInactive: {ListingActive},
}

// EscrowPolicy carries the configurable edges of the escrow graph.
type EscrowPolicy struct {
	// AllowDisputeAfterConfirm opens CONFIRMED -> DISPUTED until auto-release.
	AllowDisputeAfterConfirm bool
}

// CanTransition reports whether the escrow may move to next under p.
func (e Escrow) CanTransition(next EscrowStatus, p EscrowPolicy) bool {
	if escrowTransitions.allows(e.Status, next) {
		return true
	}
	return p.AllowDisputeAfterConfirm && e.Status == EscrowConfirmed && next == EscrowDisputed
}

// Terminal reports whether no further transition is possible.
func (e Escrow) Terminal() bool { return escrowTransitions.terminal(e.Status) }

// Transition moves the escrow to next and stamps the matching timestamp.
func (e *Escrow) Transition(next EscrowStatus, at time.Time, p EscrowPolicy) error {
	if !e.CanTransition(next, p) {
		return &TransitionError{Entity: "escrow", ID: e.ID, From: string(e.Status), To: string(next)}
	}
	at = Timestamp(at)
	switch next {
	case EscrowFunded:
		e.FundsHeldAt = &at
	case EscrowDelivered:
		e.AccountDeliveredAt = &at
	case EscrowConfirmed:
		e.BuyerConfirmedAt = &at
	case EscrowDisputed:
		e.DisputeStartedAt = &at
	case EscrowReleased:
		e.ReleasedAt = &at
		if e.Status == EscrowDisputed {
			e.ResolvedAt = &at
		}
	case EscrowRefunded:
		e.ResolvedAt = &at
	case EscrowCancelled:
		e.CancelledAt = &at
	}
	e.Status = next
	e.UpdatedAt = at
	return nil
}

// Transition moves the purchase to next and stamps the matching timestamp.
func (p *Purchase) Transition(next PurchaseStatus, at time.Time) error {
	if !purchaseTransitions.allows(p.Status, next) {
		return &TransitionError{Entity: "purchase", ID: p.ID, From: string(p.Status), To: string(next)}
	}
	at = Timestamp(at)
	switch next {
	case PurchasePaid:
		p.PaidAt = &at
	case PurchaseDelivered:
		p.DeliveredAt = &at
	case PurchaseDisputed:
		p.DisputedAt = &at
	case PurchaseCompleted:
		p.CompletedAt = &at
	case PurchaseCancelled:
		p.CancelledAt = &at
	case PurchaseRefunded:
		p.RefundedAt = &at
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}

// Terminal reports whether no further transition is possible.
func (p Purchase) Terminal() bool { return purchaseTransitions.terminal(p.Status) }

// Transition moves the sale to next and stamps the matching timestamp.
func (s *Sale) Transition(next SaleStatus, at time.Time) error {
	if !saleTransitions.allows(s.Status, next) {
		return &TransitionError{Entity: "sale", ID: s.ID, From: string(s.Status), To: string(next)}
	}
	at = Timestamp(at)
	switch next {
	case SaleDelivered:
		s.DeliveredAt = &at
	case SaleDisputed:
		s.DisputedAt = &at
	case SaleCompleted:
		s.CompletedAt = &at
	case SaleCancelled:
		s.CancelledAt = &at
	case SaleRefunded:
		s.RefundedAt = &at
	}
	s.Status = next
	s.UpdatedAt = at
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Sale) Terminal() bool { return saleTransitions.terminal(s.Status) }

// Transition moves the dispute to next and stamps the matching timestamp.
func (d *Dispute) Transition(next DisputeStatus, at time.Time) error {
	if !disputeTransitions.allows(d.Status, next) {
		return &TransitionError{Entity: "dispute", ID: d.ID, From: string(d.Status), To: string(next)}
	}
	at = Timestamp(at)
	switch next {
	case DisputeInReview:
		d.ReviewedAt = &at
	case DisputeResolved:
		d.ResolvedAt = &at
	case DisputeClosed:
		d.ClosedAt = &at
	}
	d.Status = next
	d.UpdatedAt = at
	return nil
}

// Transition moves the report to next and stamps the matching timestamp.
func (r *Report) Transition(next ReportStatus, at time.Time) error {
	if !reportTransitions.allows(r.Status, next) {
		return &TransitionError{Entity: "report", ID: r.ID, From: string(r.Status), To: string(next)}
	}
	at = Timestamp(at)
	switch next {
	case ReportUnderReview:
		r.ReviewedAt = &at
	case ReportResolved:
		r.ResolvedAt = &at
	case ReportDismissed:
		r.DismissedAt = &at
	}
	r.Status = next
	r.UpdatedAt = at
	return nil
}

// ListingCanTransition reports whether a listing may move from one status to another.
func ListingCanTransition(from, to ListingStatus) bool {
	return listingTransitions.allows(from, to)
}

// Rank orders priorities for queues; higher is more urgent.
func (p DisputePriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Next returns the priority one level up, capped at HIGH.
func (p DisputePriority) Next() DisputePriority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}

func (p DisputePriority) Valid() bool { return p.Rank() > 0 }

func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeInReview, DisputeResolved, DisputeClosed:
		return true
	}
	return false
}

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportUnderReview, ReportResolved, ReportDismissed:
		return true
	}
	return false
}

func (s PurchaseStatus) Valid() bool {
	_, ok := purchaseTransitions[s]
	return ok || s == PurchaseCompleted || s == PurchaseCancelled || s == PurchaseRefunded
}

func (s SaleStatus) Valid() bool {
	_, ok := saleTransitions[s]
	return ok || s == SaleCompleted || s == SaleCancelled || s == SaleRefunded
}

func (f FavoredParty) Valid() bool {
	switch f {
	case FavorInitiator, FavorRespondent, FavorNeutral:
		return true
	}
	return false
}

func (d Disposition) Valid() bool {
	return d == DispositionRelease || d == DispositionRefund
}

func (t ReportTarget) Valid() bool {
	return t == TargetUser || t == TargetListing
}
