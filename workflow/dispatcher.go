package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"accountmarket/ledger"
	"accountmarket/listing"
	"accountmarket/logging"
	"accountmarket/metrics"
	"accountmarket/notify"
	"accountmarket/sale"
)

// Change is one status move made by an event.
type Change struct {
	Entity string
	ID     string
	From   string
	To     string
}

// Result is the state of a transaction after an event, plus what to publish
// once the ledger transaction has committed.
type Result struct {
	Purchase ledger.Purchase
	Escrow   ledger.Escrow
	Sale     *ledger.Sale
	Dispute  *ledger.Dispute
	Changes  []Change
	Events   []notify.Event
}

// Options carries the collaborators of a Dispatcher. Zero values fall back to
// the ledger-backed catalog, the default logger, wall time and random ids.
type Options struct {
	Catalog  listing.Catalog
	Quoter   sale.Quoter
	Policy   ledger.EscrowPolicy
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Dispatcher is the only writer of purchase, escrow and sale status.
type Dispatcher struct {
	store    ledger.Store
	catalog  listing.Catalog
	quoter   sale.Quoter
	policy   ledger.EscrowPolicy
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(store ledger.Store, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		catalog:  opts.Catalog,
		quoter:   opts.Quoter,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logging.OrDefault(opts.Logger),
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if d.catalog == nil {
		d.catalog = listing.Mirror{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d
}

func (d *Dispatcher) Store() ledger.Store {
	return d.store
}

func (d *Dispatcher) Catalog() listing.Catalog {
	return d.catalog
}

func (d *Dispatcher) Policy() ledger.EscrowPolicy {
	return d.policy
}

// Now is the dispatcher clock, normalised to ledger precision.
func (d *Dispatcher) Now() time.Time {
	return ledger.Timestamp(d.now())
}

func (d *Dispatcher) NewID() string {
	return d.newID()
}

func (d *Dispatcher) Notifier() *notify.Notifier {
	return d.notifier
}

func (d *Dispatcher) Logger() *slog.Logger {
	return d.logger
}

// Apply runs ev against the purchase in its own transaction and publishes
// the outcome after commit.
func (d *Dispatcher) Apply(ctx context.Context, actor ledger.Actor, purchaseID string, ev Event) (Result, error) {
	var res Result
	err := d.store.InTx(ctx, func(q ledger.Queries) error {
		r, err := d.ApplyTx(ctx, q, actor, purchaseID, ev)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	d.metrics.ObserveWorkflow(ev.Kind(), err)
	if err != nil {
		d.logger.Debug("workflow event rejected",
			slog.String("event", ev.Kind()),
			slog.String("purchase_id", purchaseID),
			slog.String("actor_id", actor.ID),
			slog.Any("err", err),
		)
		return Result{}, err
	}
	d.Publish(ctx, res)
	return res, nil
}

// ApplyTx runs ev inside the caller's transaction. The caller must Publish the
// result after commit.
func (d *Dispatcher) ApplyTx(ctx context.Context, q ledger.Queries, actor ledger.Actor, purchaseID string, ev Event) (Result, error) {
	return d.apply(ctx, q, actor, purchaseID, ev, false)
}

// SettleTx moves the funds of a purchase whose dispute the caller has just
// finished in the same transaction. Authorization is the caller's.
func (d *Dispatcher) SettleTx(ctx context.Context, q ledger.Queries, actor ledger.Actor, purchaseID string, disp ledger.Disposition, notes string) (Result, error) {
	switch disp {
	case ledger.DispositionRelease:
		return d.apply(ctx, q, actor, purchaseID, Released{AdminNotes: notes}, true)
	case ledger.DispositionRefund:
		return d.apply(ctx, q, actor, purchaseID, Refunded{AdminNotes: notes}, true)
	}
	return Result{}, ledger.Invalid("unknown disposition %q", disp)
}

// Publish records metrics and emits notifications for a committed result.
func (d *Dispatcher) Publish(ctx context.Context, res Result) {
	for _, c := range res.Changes {
		d.metrics.ObserveTransition(c.Entity, c.To)
		d.logger.Info("transition",
			slog.String("entity", c.Entity),
			slog.String("id", c.ID),
			slog.String("from", c.From),
			slog.String("to", c.To),
			slog.String("purchase_id", res.Purchase.ID),
		)
	}
	d.notifier.Emit(ctx, res.Events...)
}

// run holds the entities loaded for one event.
type run struct {
	d     *Dispatcher
	q     ledger.Queries
	actor ledger.Actor
	party ledger.Party
	at    time.Time
	res   Result

	purchaseFrom ledger.PurchaseStatus
	escrowFrom   ledger.EscrowStatus
	saleFrom     ledger.SaleStatus
}

func (d *Dispatcher) apply(ctx context.Context, q ledger.Queries, actor ledger.Actor, purchaseID string, ev Event, settle bool) (Result, error) {
	p, err := q.GetPurchase(ctx, purchaseID)
	if err != nil {
		return Result{}, err
	}
	e, err := q.GetEscrowByPurchase(ctx, purchaseID)
	if err != nil {
		return Result{}, err
	}
	party, ok := ledger.PartyOf(actor, p.BuyerID, p.SellerID)
	if !ok {
		return Result{}, ledger.ErrUnauthorized
	}
	if !settle && !slices.Contains(allowedParties(ev), party) {
		return Result{}, fmt.Errorf("%w: %s may not apply %s", ledger.ErrUnauthorized, party, ev.Kind())
	}

	r := &run{
		d:            d,
		q:            q,
		actor:        actor,
		party:        party,
		at:           ledger.Timestamp(d.now()),
		res:          Result{Purchase: p, Escrow: e},
		purchaseFrom: p.Status,
		escrowFrom:   e.Status,
	}
	s, err := q.GetSaleByPurchase(ctx, purchaseID)
	switch {
	case err == nil:
		r.res.Sale = &s
		r.saleFrom = s.Status
	case !errors.Is(err, ledger.ErrNotFound):
		return Result{}, err
	}

	switch ev := ev.(type) {
	case Funded:
		err = r.funded(ctx, ev)
	case Delivered:
		err = r.delivered(ctx, ev)
	case Confirmed:
		err = r.confirmed(ctx, ev)
	case Released:
		err = r.released(ctx, ev, settle)
	case DisputeOpened:
		err = r.disputeOpened(ctx, ev)
	case Refunded:
		err = r.refunded(ctx, ev, settle)
	case Cancelled:
		err = r.cancelled(ctx, ev)
	default:
		err = ledger.Invalid("unknown workflow event %T", ev)
	}
	if err != nil {
		return Result{}, err
	}
	return r.res, nil
}

func (r *run) funded(ctx context.Context, ev Funded) error {
	if strings.TrimSpace(ev.PaymentID) == "" {
		return ledger.Invalid("payment id is required")
	}
	e, p := &r.res.Escrow, &r.res.Purchase
	if err := e.Transition(ledger.EscrowFunded, r.at, r.d.policy); err != nil {
		return err
	}
	e.PaymentProof = ev.PaymentProof
	if err := p.Transition(ledger.PurchasePaid, r.at); err != nil {
		return err
	}
	p.PaymentID = ev.PaymentID
	if ev.PaymentMethod != "" {
		p.PaymentMethod = ev.PaymentMethod
	}
	if err := r.saveEscrow(ctx); err != nil {
		return err
	}
	if err := r.savePurchase(ctx); err != nil {
		return err
	}

	s, err := r.d.quoter.Build(r.d.newID(), *p, r.at)
	if err != nil {
		return err
	}
	if err := r.q.InsertSale(ctx, s); err != nil {
		return err
	}
	r.res.Sale = &s
	r.change("sale", s.ID, "", string(s.Status))

	r.emit(notify.EscrowFunded, p.SellerID, e.ID, map[string]any{
		"purchaseId": p.ID,
		"amount":     e.Amount.String(),
		"currency":   e.Currency,
	})
	return nil
}

func (r *run) delivered(ctx context.Context, ev Delivered) error {
	if len(ev.SealedProof) == 0 {
		return ledger.Invalid("delivery proof is required")
	}
	e := &r.res.Escrow
	if err := e.Transition(ledger.EscrowDelivered, r.at, r.d.policy); err != nil {
		return err
	}
	e.DeliveryProof = ev.SealedProof
	e.SellerNotes = ev.SellerNotes
	if err := r.mirror(ctx, ledger.PurchaseDelivered, ledger.SaleDelivered); err != nil {
		return err
	}
	r.emit(notify.EscrowDelivered, e.BuyerID, e.ID, map[string]any{"purchaseId": e.PurchaseID})
	return nil
}

func (r *run) confirmed(ctx context.Context, ev Confirmed) error {
	e := &r.res.Escrow
	if err := e.Transition(ledger.EscrowConfirmed, r.at, r.d.policy); err != nil {
		return err
	}
	e.BuyerNotes = ev.BuyerNotes
	if err := r.saveEscrow(ctx); err != nil {
		return err
	}
	r.emit(notify.EscrowConfirmed, e.SellerID, e.ID, map[string]any{"purchaseId": e.PurchaseID})
	return nil
}

func (r *run) released(ctx context.Context, ev Released, settle bool) error {
	e := &r.res.Escrow
	if !settle {
		if err := r.noActiveDispute(ctx); err != nil {
			return err
		}
	}
	if err := e.Transition(ledger.EscrowReleased, r.at, r.d.policy); err != nil {
		return err
	}
	if ev.AdminNotes != "" {
		e.AdminNotes = ev.AdminNotes
	}
	if err := r.mirror(ctx, ledger.PurchaseCompleted, ledger.SaleCompleted); err != nil {
		return err
	}
	if err := r.d.catalog.MarkSold(ctx, r.q, e.ListingID, r.at); err != nil {
		return err
	}

	r.emit(notify.EscrowReleased, e.BuyerID, e.ID, map[string]any{"purchaseId": e.PurchaseID})
	payout := map[string]any{"purchaseId": e.PurchaseID, "currency": e.Currency}
	if s := r.res.Sale; s != nil {
		payout["saleId"] = s.ID
		payout["netAmount"] = s.NetAmount.String()
	}
	r.emit(notify.SalePayout, e.SellerID, e.ID, payout)
	return nil
}

func (r *run) disputeOpened(ctx context.Context, ev DisputeOpened) error {
	if strings.TrimSpace(ev.Reason) == "" {
		return ledger.Invalid("dispute reason is required")
	}
	priority := ev.Priority
	if priority == "" {
		priority = ledger.PriorityMedium
	}
	if !priority.Valid() {
		return ledger.Invalid("unknown dispute priority %q", priority)
	}
	if _, err := r.q.ActiveDispute(ctx, r.res.Purchase.ID); err == nil {
		return ledger.ErrDuplicateDispute
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	e := &r.res.Escrow
	if err := e.Transition(ledger.EscrowDisputed, r.at, r.d.policy); err != nil {
		return err
	}
	respondent := e.SellerID
	if r.party == ledger.PartyBuyer {
		e.BuyerNotes = ev.Reason
	} else {
		e.SellerNotes = ev.Reason
		respondent = e.BuyerID
	}
	if err := r.mirror(ctx, ledger.PurchaseDisputed, ledger.SaleDisputed); err != nil {
		return err
	}

	dsp := ledger.Dispute{
		ID:           r.d.newID(),
		PurchaseID:   e.PurchaseID,
		EscrowID:     e.ID,
		InitiatorID:  r.actor.ID,
		RespondentID: respondent,
		Reason:       strings.TrimSpace(ev.Reason),
		Description:  ev.Description,
		Evidence:     ev.Evidence,
		Status:       ledger.DisputeOpen,
		Priority:     priority,
		CreatedAt:    r.at,
		UpdatedAt:    r.at,
	}
	if dsp.Evidence == nil {
		dsp.Evidence = []string{}
	}
	if err := r.q.InsertDispute(ctx, dsp); err != nil {
		return err
	}
	r.res.Dispute = &dsp
	r.change("dispute", dsp.ID, "", string(dsp.Status))
	r.emit(notify.DisputeCreated, respondent, dsp.ID, map[string]any{
		"purchaseId": dsp.PurchaseID,
		"reason":     dsp.Reason,
		"priority":   string(dsp.Priority),
	})
	return nil
}

func (r *run) refunded(ctx context.Context, ev Refunded, settle bool) error {
	e := &r.res.Escrow
	if !settle {
		if err := r.noActiveDispute(ctx); err != nil {
			return err
		}
	}
	if err := e.Transition(ledger.EscrowRefunded, r.at, r.d.policy); err != nil {
		return err
	}
	if ev.AdminNotes != "" {
		e.AdminNotes = ev.AdminNotes
	}
	if err := r.mirror(ctx, ledger.PurchaseRefunded, ledger.SaleRefunded); err != nil {
		return err
	}
	if _, err := r.d.catalog.Release(ctx, r.q, []string{e.ListingID}, r.at); err != nil {
		return err
	}
	data := map[string]any{"purchaseId": e.PurchaseID, "amount": e.Amount.String(), "currency": e.Currency}
	r.emit(notify.EscrowRefunded, e.BuyerID, e.ID, data)
	r.emit(notify.EscrowRefunded, e.SellerID, e.ID, data)
	return nil
}

func (r *run) cancelled(ctx context.Context, ev Cancelled) error {
	reason := strings.TrimSpace(ev.Reason)
	if reason == "" {
		reason = "cancelled by " + string(r.party)
	}
	e, p := &r.res.Escrow, &r.res.Purchase
	if err := e.Transition(ledger.EscrowCancelled, r.at, r.d.policy); err != nil {
		return err
	}
	e.CancelReason = reason
	if err := p.Transition(ledger.PurchaseCancelled, r.at); err != nil {
		return err
	}
	p.CancelReason = reason
	if err := r.saveEscrow(ctx); err != nil {
		return err
	}
	if err := r.savePurchase(ctx); err != nil {
		return err
	}
	if s := r.res.Sale; s != nil && !s.Terminal() {
		if err := s.Transition(ledger.SaleCancelled, r.at); err != nil {
			return err
		}
		if err := r.saveSale(ctx); err != nil {
			return err
		}
	}
	if _, err := r.d.catalog.Release(ctx, r.q, []string{p.ListingID}, r.at); err != nil {
		return err
	}

	data := map[string]any{"reason": reason}
	switch r.party {
	case ledger.PartyBuyer:
		r.emit(notify.PurchaseCancelled, p.SellerID, p.ID, data)
	case ledger.PartySeller:
		r.emit(notify.PurchaseCancelled, p.BuyerID, p.ID, data)
	default:
		r.emit(notify.PurchaseCancelled, p.BuyerID, p.ID, data)
		r.emit(notify.PurchaseCancelled, p.SellerID, p.ID, data)
	}
	return nil
}

// mirror moves the purchase and the sale alongside an escrow transition that
// has already been applied in memory, then persists all three.
func (r *run) mirror(ctx context.Context, ps ledger.PurchaseStatus, ss ledger.SaleStatus) error {
	if err := r.res.Purchase.Transition(ps, r.at); err != nil {
		return err
	}
	if err := r.saveEscrow(ctx); err != nil {
		return err
	}
	if err := r.savePurchase(ctx); err != nil {
		return err
	}
	if s := r.res.Sale; s != nil {
		if err := s.Transition(ss, r.at); err != nil {
			return err
		}
		return r.saveSale(ctx)
	}
	return nil
}

func (r *run) noActiveDispute(ctx context.Context) error {
	d, err := r.q.ActiveDispute(ctx, r.res.Purchase.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return ledger.Invalid("purchase %s has active dispute %s; settle it through the dispute", r.res.Purchase.ID, d.ID)
}

func (r *run) saveEscrow(ctx context.Context) error {
	e := r.res.Escrow
	if err := r.q.SaveEscrow(ctx, e, r.escrowFrom); err != nil {
		return err
	}
	r.change("escrow", e.ID, string(r.escrowFrom), string(e.Status))
	return nil
}

func (r *run) savePurchase(ctx context.Context) error {
	p := r.res.Purchase
	if err := r.q.SavePurchase(ctx, p, r.purchaseFrom); err != nil {
		return err
	}
	r.change("purchase", p.ID, string(r.purchaseFrom), string(p.Status))
	return nil
}

func (r *run) saveSale(ctx context.Context) error {
	s := r.res.Sale
	if err := r.q.SaveSale(ctx, *s, r.saleFrom); err != nil {
		return err
	}
	r.change("sale", s.ID, string(r.saleFrom), string(s.Status))
	return nil
}

func (r *run) change(entity, id, from, to string) {
	r.res.Changes = append(r.res.Changes, Change{Entity: entity, ID: id, From: from, To: to})
}

func (r *run) emit(t notify.EventType, userID, relatedID string, data map[string]any) {
	r.res.Events = append(r.res.Events, notify.Event{
		Type:       t,
		UserID:     userID,
		RelatedID:  relatedID,
		Data:       data,
		OccurredAt: r.at,
	})
}
