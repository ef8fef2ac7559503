package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus mirrors the catalog lifecycle of a listing as far as the
// purchase workflow cares about it.
type ListingStatus string

const (
	ListingActive   ListingStatus = "ACTIVE"
	ListingReserved ListingStatus = "RESERVED"
	ListingSold     ListingStatus = "SOLD"
	ListingInactive ListingStatus = "INACTIVE"
	ListingExpired  ListingStatus = "EXPIRED"
)

// PurchaseStatus is the buyer-side view of a transaction.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchasePaid      PurchaseStatus = "PAID"
	PurchaseDelivered PurchaseStatus = "DELIVERED"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseCancelled PurchaseStatus = "CANCELLED"
	PurchaseDisputed  PurchaseStatus = "DISPUTED"
	PurchaseRefunded  PurchaseStatus = "REFUNDED"
)

// EscrowStatus is the funds-holding view of a transaction.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "PENDING"
	EscrowFunded    EscrowStatus = "FUNDED"
	EscrowDelivered EscrowStatus = "DELIVERED"
	EscrowConfirmed EscrowStatus = "CONFIRMED"
	EscrowDisputed  EscrowStatus = "DISPUTED"
	EscrowReleased  EscrowStatus = "RELEASED"
	EscrowRefunded  EscrowStatus = "REFUNDED"
	EscrowCancelled EscrowStatus = "CANCELLED"
)

// SaleStatus is the seller-side finance view of a transaction.
type SaleStatus string

const (
	SalePending   SaleStatus = "PENDING"
	SaleDelivered SaleStatus = "DELIVERED"
	SaleCompleted SaleStatus = "COMPLETED"
	SaleCancelled SaleStatus = "CANCELLED"
	SaleDisputed  SaleStatus = "DISPUTED"
	SaleRefunded  SaleStatus = "REFUNDED"
)

// DisputeStatus tracks arbitration progress.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeInReview DisputeStatus = "IN_REVIEW"
	DisputeResolved DisputeStatus = "RESOLVED"
	DisputeClosed   DisputeStatus = "CLOSED"
)

// DisputePriority orders the admin queue.
type DisputePriority string

const (
	PriorityLow    DisputePriority = "LOW"
	PriorityMedium DisputePriority = "MEDIUM"
	PriorityHigh   DisputePriority = "HIGH"
)

// FavoredParty is the side an admin verdict favors.
type FavoredParty string

const (
	FavorInitiator  FavoredParty = "initiator"
	FavorRespondent FavoredParty = "respondent"
	FavorNeutral    FavoredParty = "neutral"
)

// Disposition is what happens to escrowed funds when a dispute ends.
type Disposition string

const (
	DispositionRelease Disposition = "release"
	DispositionRefund  Disposition = "refund"
)

// ReportStatus tracks abuse report triage.
type ReportStatus string

const (
	ReportPending     ReportStatus = "PENDING"
	ReportUnderReview ReportStatus = "UNDER_REVIEW"
	ReportResolved    ReportStatus = "RESOLVED"
	ReportDismissed   ReportStatus = "DISMISSED"
)

// ReportTarget names what kind of subject a report is filed against.
type ReportTarget string

const (
	TargetUser    ReportTarget = "user"
	TargetListing ReportTarget = "listing"
)

// Listing is the local mirror of a catalog entry.
type Listing struct {
	ID        string          `gorm:"primaryKey"`
	SellerID  string          `gorm:"index;not null"`
	Title     string          `gorm:"not null"`
	Price     decimal.Decimal `gorm:"type:text;not null"`
	Currency  string          `gorm:"size:3;not null"`
	Status    ListingStatus   `gorm:"size:16;index;not null"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Listing) TableName() string { return "listings" }

// Purchasable reports whether the listing can accept a new purchase at now.
func (l Listing) Purchasable(now time.Time) bool {
	if l.Status != ListingActive {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(now)
}

// Purchase represents a buyer's commitment to acquire one listing.
type Purchase struct {
	ID            string          `gorm:"primaryKey"`
	BuyerID       string          `gorm:"index;not null"`
	ListingID     string          `gorm:"index;not null"`
	SellerID      string          `gorm:"index;not null"`
	Amount        decimal.Decimal `gorm:"type:text;not null"`
	Currency      string          `gorm:"size:3;not null"`
	PaymentMethod string
	PaymentID     string
	Status        PurchaseStatus `gorm:"size:16;index;not null"`
	CancelReason  string
	PurchasedAt   time.Time `gorm:"index"`
	PaidAt        *time.Time
	DeliveredAt   *time.Time
	DisputedAt    *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	RefundedAt    *time.Time
	UpdatedAt     time.Time
}

func (Purchase) TableName() string { return "purchases" }

// Escrow represents held funds tied 1:1 to a purchase.
type Escrow struct {
	ID                 string          `gorm:"primaryKey"`
	PurchaseID         string          `gorm:"uniqueIndex;not null"`
	ListingID          string          `gorm:"index;not null"`
	BuyerID            string          `gorm:"index;not null"`
	SellerID           string          `gorm:"index;not null"`
	Amount             decimal.Decimal `gorm:"type:text;not null"`
	Currency           string          `gorm:"size:3;not null"`
	Status             EscrowStatus    `gorm:"size:16;index;not null"`
	PaymentProof       string
	DeliveryProof      []byte
	BuyerNotes         string
	SellerNotes        string
	AdminNotes         string
	CancelReason       string
	FundsHeldAt        *time.Time
	AccountDeliveredAt *time.Time
	BuyerConfirmedAt   *time.Time `gorm:"index"`
	DisputeStartedAt   *time.Time
	ReleasedAt         *time.Time
	ResolvedAt         *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Escrow) TableName() string { return "escrows" }

// Sale is the seller-side finance record created once a purchase is paid.
// Amount, CommissionRate, Commission and NetAmount are frozen at creation.
type Sale struct {
	ID             string          `gorm:"primaryKey"`
	SellerID       string          `gorm:"index;not null"`
	BuyerID        string          `gorm:"index;not null"`
	ListingID      string          `gorm:"index;not null"`
	PurchaseID     string          `gorm:"uniqueIndex;not null"`
	Amount         decimal.Decimal `gorm:"type:text;not null"`
	Currency       string          `gorm:"size:3;not null"`
	CommissionRate decimal.Decimal `gorm:"type:text;not null"`
	Commission     decimal.Decimal `gorm:"type:text;not null"`
	NetAmount      decimal.Decimal `gorm:"type:text;not null"`
	Status         SaleStatus      `gorm:"size:16;index;not null"`
	SoldAt         time.Time       `gorm:"index"`
	DeliveredAt    *time.Time
	DisputedAt     *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	RefundedAt     *time.Time
	UpdatedAt      time.Time
}

func (Sale) TableName() string { return "sales" }

// Dispute is an arbitration record against a purchase.
type Dispute struct {
	ID           string          `gorm:"primaryKey"`
	PurchaseID   string          `gorm:"index;not null"`
	EscrowID     string          `gorm:"index;not null"`
	InitiatorID  string          `gorm:"index;not null"`
	RespondentID string          `gorm:"index;not null"`
	Reason       string          `gorm:"not null"`
	Description  string          `gorm:"type:text"`
	Evidence     []string        `gorm:"serializer:json"`
	Status       DisputeStatus   `gorm:"size:16;index;not null"`
	Priority     DisputePriority `gorm:"size:8;not null"`
	AdminID      *string         `gorm:"index"`
	Resolution   *string         `gorm:"type:text"`
	FavoredParty FavoredParty    `gorm:"size:16"`
	// CloseReason explains a closure without a verdict. Resolution stays nil.
	CloseReason  string          `gorm:"type:text;not null;default:''"`
	CreatedAt    time.Time       `gorm:"index"`
	ReviewedAt   *time.Time
	ResolvedAt   *time.Time
	ClosedAt     *time.Time
	EscalatedAt  *time.Time
	UpdatedAt    time.Time
}

func (Dispute) TableName() string { return "disputes" }

// Active reports whether the dispute still blocks a new one on the same purchase.
func (d Dispute) Active() bool {
	return d.Status == DisputeOpen || d.Status == DisputeInReview
}

// Report is an abuse report against exactly one user or listing.
type Report struct {
	ID                string       `gorm:"primaryKey"`
	ReporterID        string       `gorm:"index;not null"`
	ReportedUserID    *string      `gorm:"index"`
	ReportedListingID *string      `gorm:"index"`
	Reason            string       `gorm:"not null"`
	Description       string       `gorm:"type:text"`
	Evidence          []string     `gorm:"serializer:json"`
	Status            ReportStatus `gorm:"size:16;index;not null"`
	AdminID           *string      `gorm:"index"`
	Resolution        *string      `gorm:"type:text"`
	ActionTaken       *string
	CreatedAt         time.Time `gorm:"index"`
	ReviewedAt        *time.Time
	ResolvedAt        *time.Time
	DismissedAt       *time.Time
	UpdatedAt         time.Time
}

func (Report) TableName() string { return "reports" }

// Target returns the kind and id of the reported subject.
func (r Report) Target() (ReportTarget, string) {
	if r.ReportedUserID != nil {
		return TargetUser, *r.ReportedUserID
	}
	if r.ReportedListingID != nil {
		return TargetListing, *r.ReportedListingID
	}
	return "", ""
}

// Timestamp normalises t to the precision every backend can round-trip.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
