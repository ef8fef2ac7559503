// Package actors drives the marketplace services from concurrent goroutines
// that race buyers, sellers, admins and the janitor over the same listings.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"accountmarket/dispute"
	"accountmarket/janitor"
	"accountmarket/ledger"
	"accountmarket/purchase"
)

// Market is the system under test plus the seed data actors pick from.
type Market struct {
	Purchases *purchase.Coordinator
	Disputes  *dispute.Service
	Janitor   *janitor.Janitor
	Listings  []ledger.Listing
	Buyers    []string
	Board     *Board
}

// Deal is a purchase some actor created.
type Deal struct {
	PurchaseID string
	BuyerID    string
	SellerID   string
}

// Board shares created purchases and disputes between actors.
type Board struct {
	mu       sync.Mutex
	deals    []Deal
	disputes []string
}

func (b *Board) AddDeal(d Deal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deals = append(b.deals, d)
}

func (b *Board) Deal(rng *rand.Rand) (Deal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deals) == 0 {
		return Deal{}, false
	}
	return b.deals[rng.Intn(len(b.deals))], true
}

func (b *Board) AddDispute(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disputes = append(b.disputes, id)
}

func (b *Board) Dispute(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.disputes) == 0 {
		return "", false
	}
	return b.disputes[rng.Intn(len(b.disputes))], true
}

// Deals reports how many purchases were created.
func (b *Board) Deals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deals)
}

// Expected reports whether err is an outcome a racing actor may legitimately
// see: a lost transition race, a taken listing, an active dispute or a
// storage failure injected by chaos.
func Expected(err error) bool {
	return err == nil ||
		errors.Is(err, ledger.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrListingUnavailable) ||
		errors.Is(err, ledger.ErrDuplicateDispute) ||
		errors.Is(err, ledger.ErrValidation) ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, ledger.ErrStorage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func loop(ctx context.Context, name string, seed int64, pause time.Duration, stop <-chan struct{}, step func(*rand.Rand) error) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(rng); !Expected(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		time.Sleep(pause/2 + time.Duration(rng.Int63n(int64(pause))))
	}
}

// Buyer keeps trying to buy random listings, competing with other buyers for
// the same reservation.
func Buyer(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "buyer", seed, 10*time.Millisecond, stop, func(rng *rand.Rand) error {
		l := m.Listings[rng.Intn(len(m.Listings))]
		buyer := m.Buyers[rng.Intn(len(m.Buyers))]
		out, err := m.Purchases.CreatePurchase(ctx, ledger.User(buyer), purchase.CreateRequest{
			ListingID: l.ID,
			Amount:    l.Price,
			Currency:  l.Currency,
		})
		if err != nil {
			return err
		}
		m.Board.AddDeal(Deal{PurchaseID: out.Purchase.ID, BuyerID: buyer, SellerID: l.SellerID})
		return nil
	})
}

// Payer reports payments, sometimes twice for the same purchase.
func Payer(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "payer", seed, 10*time.Millisecond, stop, func(rng *rand.Rand) error {
		d, ok := m.Board.Deal(rng)
		if !ok {
			return nil
		}
		_, err := m.Purchases.MarkPaid(ctx, ledger.User(d.BuyerID), d.PurchaseID, fmt.Sprintf("pay-%d", rng.Int63()))
		return err
	})
}

// Seller delivers credentials for paid purchases.
func Seller(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "seller", seed, 15*time.Millisecond, stop, func(rng *rand.Rand) error {
		d, ok := m.Board.Deal(rng)
		if !ok {
			return nil
		}
		_, err := m.Purchases.MarkDelivered(ctx, ledger.User(d.SellerID), d.PurchaseID, []byte("login:pass"), "enjoy")
		return err
	})
}

// Confirmer accepts deliveries on the buyer's behalf.
func Confirmer(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "confirmer", seed, 20*time.Millisecond, stop, func(rng *rand.Rand) error {
		d, ok := m.Board.Deal(rng)
		if !ok {
			return nil
		}
		_, err := m.Purchases.ConfirmDelivery(ctx, ledger.User(d.BuyerID), d.PurchaseID, "works")
		return err
	})
}

// Canceller withdraws from purchases from either side.
func Canceller(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "canceller", seed, 40*time.Millisecond, stop, func(rng *rand.Rand) error {
		d, ok := m.Board.Deal(rng)
		if !ok {
			return nil
		}
		who := d.BuyerID
		if rng.Intn(2) == 0 {
			who = d.SellerID
		}
		_, err := m.Purchases.MarkCancelled(ctx, ledger.User(who), d.PurchaseID, "changed mind")
		return err
	})
}

// Disputer opens disputes from either side.
func Disputer(ctx context.Context, m *Market, seed int64, stop <-chan struct{}) error {
	return loop(ctx, "disputer", seed, 50*time.Millisecond, stop, func(rng *rand.Rand) error {
		d, ok := m.Board.Deal(rng)
		if !ok {
			return nil
		}
		who := d.BuyerID
		if rng.Intn(3) == 0 {
			who = d.SellerID
		}
		dsp, err := m.Disputes.Create(ctx, ledger.User(who), dispute.CreateRequest{
			PurchaseID: d.PurchaseID,
			Reason:     "account does not match listing",
		})
		if err != nil {
			return err
		}
		m.Board.AddDispute(dsp.ID)
		return nil
	})
}

// Arbiter works disputes: assigns, resolves, closes, or refunds directly.
func Arbiter(ctx context.Context, m *Market, adminID string, seed int64, stop <-chan struct{}) error {
	admin := ledger.Admin(adminID)
	favored := []ledger.FavoredParty{ledger.FavorInitiator, ledger.FavorRespondent}
	return loop(ctx, "arbiter", seed, 30*time.Millisecond, stop, func(rng *rand.Rand) error {
		if rng.Intn(4) == 0 {
			d, ok := m.Board.Deal(rng)
			if !ok {
				return nil
			}
			if rng.Intn(2) == 0 {
				_, err := m.Purchases.MarkCompleted(ctx, admin, d.PurchaseID, "verified")
				return err
			}
			_, err := m.Purchases.MarkRefunded(ctx, admin, d.PurchaseID, "refund approved")
			return err
		}

		id, ok := m.Board.Dispute(rng)
		if !ok {
			return nil
		}
		switch rng.Intn(3) {
		case 0:
			_, err := m.Disputes.AssignToAdmin(ctx, admin, id, "")
			return err
		case 1:
			_, err := m.Disputes.Resolve(ctx, admin, id, dispute.Verdict{
				Resolution:   "evidence reviewed",
				FavoredParty: favored[rng.Intn(len(favored))],
			})
			return err
		default:
			disp := ledger.DispositionRelease
			if rng.Intn(2) == 0 {
				disp = ledger.DispositionRefund
			}
			_, err := m.Disputes.Close(ctx, admin, id, dispute.CloseRequest{Reason: "closed by support", Disposition: disp})
			return err
		}
	})
}

// Sweeper runs janitor passes alongside the other actors.
func Sweeper(ctx context.Context, m *Market, stop <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			report := m.Janitor.Sweep(ctx)
			for _, s := range report.Steps {
				if !Expected(s.Err) {
					return fmt.Errorf("sweeper: %s: %w", s.Step, s.Err)
				}
			}
		}
	}
}
