// Package workflow applies real-world events to a transaction. One event
// moves the escrow, the purchase, the sale and the listing together inside a
// single ledger transaction.
package workflow

import "accountmarket/ledger"

// Event is one real-world occurrence in the life of a purchase.
type Event interface {
	Kind() string
}

// Funded records that the buyer's payment has cleared.
type Funded struct {
	PaymentID     string
	PaymentMethod string
	PaymentProof  string
}

// Delivered records that the seller handed over the account.
type Delivered struct {
	// SealedProof is the encrypted delivery proof; the workflow stores it opaquely.
	SealedProof []byte
	SellerNotes string
}

// Confirmed records the buyer's acceptance of the delivery.
type Confirmed struct {
	BuyerNotes string
}

// Released pays the seller out.
type Released struct {
	AdminNotes string
}

// DisputeOpened freezes the funds and files a dispute on behalf of the acting party.
type DisputeOpened struct {
	Reason      string
	Description string
	Evidence    []string
	Priority    ledger.DisputePriority
}

// Refunded returns the funds to the buyer.
type Refunded struct {
	AdminNotes string
}

// Cancelled aborts an unfunded purchase.
type Cancelled struct {
	Reason string
}

func (Funded) Kind() string        { return "funded" }
func (Delivered) Kind() string     { return "delivered" }
func (Confirmed) Kind() string     { return "confirmed" }
func (Released) Kind() string      { return "released" }
func (DisputeOpened) Kind() string { return "dispute_opened" }
func (Refunded) Kind() string      { return "refunded" }
func (Cancelled) Kind() string     { return "cancelled" }

// allowedParties lists who may originate each event directly.
func allowedParties(ev Event) []ledger.Party {
	switch ev.(type) {
	case Funded:
		return []ledger.Party{ledger.PartyBuyer, ledger.PartyAdmin, ledger.PartySystem}
	case Delivered:
		return []ledger.Party{ledger.PartySeller, ledger.PartyAdmin}
	case Confirmed:
		return []ledger.Party{ledger.PartyBuyer, ledger.PartyAdmin}
	case Released, Refunded:
		return []ledger.Party{ledger.PartyAdmin, ledger.PartySystem}
	case DisputeOpened:
		return []ledger.Party{ledger.PartyBuyer, ledger.PartySeller}
	case Cancelled:
		return []ledger.Party{ledger.PartyBuyer, ledger.PartySeller, ledger.PartyAdmin, ledger.PartySystem}
	}
	return nil
}
