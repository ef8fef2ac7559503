package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"accountmarket/ledger"
)

const (
	listingColumns  = `id, seller_id, title, price::text, currency, status, expires_at, created_at, updated_at`
	purchaseColumns = `id, buyer_id, listing_id, seller_id, amount::text, currency, payment_method, payment_id, status,
		cancel_reason, purchased_at, paid_at, delivered_at, disputed_at, completed_at, cancelled_at, refunded_at, updated_at`
	escrowColumns = `id, purchase_id, listing_id, buyer_id, seller_id, amount::text, currency, status, payment_proof,
		delivery_proof, buyer_notes, seller_notes, admin_notes, cancel_reason, funds_held_at, account_delivered_at,
		buyer_confirmed_at, dispute_started_at, released_at, resolved_at, cancelled_at, created_at, updated_at`
	saleColumns = `id, seller_id, buyer_id, listing_id, purchase_id, amount::text, currency, commission_rate::text,
		commission::text, net_amount::text, status, sold_at, delivered_at, disputed_at, completed_at, cancelled_at,
		refunded_at, updated_at`
	disputeColumns = `id, purchase_id, escrow_id, initiator_id, respondent_id, reason, description, evidence, status,
		priority, admin_id, resolution, favored_party, close_reason, created_at, reviewed_at, resolved_at, closed_at, escalated_at,
		updated_at`
	reportColumns = `id, reporter_id, reported_user_id, reported_listing_id, reason, description, evidence, status,
		admin_id, resolution, action_taken, created_at, reviewed_at, resolved_at, dismissed_at, updated_at`

	disputeQueueOrder = ` ORDER BY CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC, created_at ASC, id ASC`
	overdueLimit      = 100
)

var activeDisputeStatuses = []string{string(ledger.DisputeOpen), string(ledger.DisputeInReview)}

type decimalText struct {
	dst *decimal.Decimal
	raw string
}

func (d *decimalText) parse() error {
	v, err := decimal.NewFromString(d.raw)
	if err != nil {
		return err
	}
	*d.dst = v
	return nil
}

func parseDecimals(ds ...*decimalText) error {
	for _, d := range ds {
		if err := d.parse(); err != nil {
			return err
		}
	}
	return nil
}

func evidenceJSON(ev []string) string {
	if ev == nil {
		ev = []string{}
	}
	b, _ := json.Marshal(ev)
	return string(b)
}

func getOne[T any](ctx context.Context, q *queries, entity, sql string, scan func(pgx.Row) (T, error), args ...any) (T, error) {
	out, err := scan(q.db.QueryRow(ctx, q.forUpdate(sql), args...))
	if err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			key := ""
			if len(args) > 0 {
				key, _ = args[0].(string)
			}
			return zero, ledger.NotFound(entity, key)
		}
		return zero, ledger.Storage("postgres: get "+entity, err)
	}
	return out, nil
}

// Listings

func scanListing(row pgx.Row) (ledger.Listing, error) {
	var l ledger.Listing
	price := decimalText{dst: &l.Price}
	if err := row.Scan(&l.ID, &l.SellerID, &l.Title, &price.raw, &l.Currency, &l.Status, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, err
	}
	if err := price.parse(); err != nil {
		return l, err
	}
	return l, nil
}

func (q *queries) InsertListing(ctx context.Context, l ledger.Listing) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, price, currency, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		l.ID, l.SellerID, l.Title, l.Price.String(), l.Currency, string(l.Status), l.ExpiresAt, l.CreatedAt, l.UpdatedAt)
	return ledger.Storage("postgres: insert listing", err)
}

func (q *queries) GetListing(ctx context.Context, id string) (ledger.Listing, error) {
	return getOne(ctx, q, "listing", `SELECT `+listingColumns+` FROM listings WHERE id = $1`, scanListing, id)
}

func (q *queries) TransitionListings(ctx context.Context, t ledger.BulkTransition[ledger.ListingStatus]) (int64, error) {
	return bulk(ctx, q, "listings", "id", t, ledger.ListingStampColumns, "")
}

func (q *queries) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE listings SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1`, ledger.Timestamp(now))
	if err != nil {
		return 0, ledger.Storage("postgres: expire listings", err)
	}
	return tag.RowsAffected(), nil
}

// Purchases

func scanPurchase(row pgx.Row) (ledger.Purchase, error) {
	var p ledger.Purchase
	amount := decimalText{dst: &p.Amount}
	err := row.Scan(&p.ID, &p.BuyerID, &p.ListingID, &p.SellerID, &amount.raw, &p.Currency, &p.PaymentMethod, &p.PaymentID,
		&p.Status, &p.CancelReason, &p.PurchasedAt, &p.PaidAt, &p.DeliveredAt, &p.DisputedAt, &p.CompletedAt,
		&p.CancelledAt, &p.RefundedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := amount.parse(); err != nil {
		return p, err
	}
	return p, nil
}

func (q *queries) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO purchases (id, buyer_id, listing_id, seller_id, amount, currency, payment_method, payment_id,
			status, cancel_reason, purchased_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.BuyerID, p.ListingID, p.SellerID, p.Amount.String(), p.Currency, p.PaymentMethod, p.PaymentID,
		string(p.Status), p.CancelReason, p.PurchasedAt, p.UpdatedAt)
	if isUnique(err) {
		return ledger.ErrListingUnavailable
	}
	return ledger.Storage("postgres: insert purchase", err)
}

func (q *queries) GetPurchase(ctx context.Context, id string) (ledger.Purchase, error) {
	return getOne(ctx, q, "purchase", `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, scanPurchase, id)
}

func (q *queries) SavePurchase(ctx context.Context, p ledger.Purchase, expected ledger.PurchaseStatus) error {
	return q.casUpdate(ctx, "purchases", "purchase", p.ID, string(expected), p.MutableColumns())
}

func (q *queries) ListPurchases(ctx context.Context, pq ledger.PurchaseQuery) (ledger.Page[ledger.Purchase], error) {
	var f filter
	if pq.BuyerID != "" {
		f.add("buyer_id = ?", pq.BuyerID)
	}
	if pq.SellerID != "" {
		f.add("seller_id = ?", pq.SellerID)
	}
	if pq.Status != "" {
		f.add("status = ?", string(pq.Status))
	}
	total, err := count(ctx, q, "purchases", &f)
	if err != nil {
		return ledger.Page[ledger.Purchase]{}, err
	}
	sql := `SELECT ` + purchaseColumns + ` FROM purchases` + f.where() + ` ORDER BY purchased_at DESC, id ASC` + f.page(pq.PageRequest)
	rows, err := q.db.Query(ctx, sql, f.args...)
	if err != nil {
		return ledger.Page[ledger.Purchase]{}, ledger.Storage("postgres: list purchases", err)
	}
	items, err := collect(rows, scanPurchase)
	if err != nil {
		return ledger.Page[ledger.Purchase]{}, ledger.Storage("postgres: scan purchases", err)
	}
	return ledger.NewPage(items, total, pq.PageRequest), nil
}

func (q *queries) CancelStalePurchases(ctx context.Context, cutoff, now time.Time, reason string) ([]ledger.Purchase, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE purchases
		SET status = 'CANCELLED', cancelled_at = $2, cancel_reason = $3, updated_at = $2
		WHERE status = 'PENDING' AND purchased_at <= $1
		RETURNING `+purchaseColumns,
		ledger.Timestamp(cutoff), ledger.Timestamp(now), reason)
	if err != nil {
		return nil, ledger.Storage("postgres: cancel stale purchases", err)
	}
	out, err := collect(rows, scanPurchase)
	if err != nil {
		return nil, ledger.Storage("postgres: cancel stale purchases scan", err)
	}
	return out, nil
}

func (q *queries) TransitionPurchases(ctx context.Context, t ledger.BulkTransition[ledger.PurchaseStatus]) (int64, error) {
	return bulk(ctx, q, "purchases", "id", t, ledger.PurchaseStampColumns, "cancel_reason")
}

// Escrows

func scanEscrow(row pgx.Row) (ledger.Escrow, error) {
	var e ledger.Escrow
	amount := decimalText{dst: &e.Amount}
	err := row.Scan(&e.ID, &e.PurchaseID, &e.ListingID, &e.BuyerID, &e.SellerID, &amount.raw, &e.Currency, &e.Status,
		&e.PaymentProof, &e.DeliveryProof, &e.BuyerNotes, &e.SellerNotes, &e.AdminNotes, &e.CancelReason,
		&e.FundsHeldAt, &e.AccountDeliveredAt, &e.BuyerConfirmedAt, &e.DisputeStartedAt, &e.ReleasedAt,
		&e.ResolvedAt, &e.CancelledAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	if err := amount.parse(); err != nil {
		return e, err
	}
	return e, nil
}

func (q *queries) InsertEscrow(ctx context.Context, e ledger.Escrow) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO escrows (id, purchase_id, listing_id, buyer_id, seller_id, amount, currency, status,
			payment_proof, buyer_notes, seller_notes, admin_notes, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.PurchaseID, e.ListingID, e.BuyerID, e.SellerID, e.Amount.String(), e.Currency, string(e.Status),
		e.PaymentProof, e.BuyerNotes, e.SellerNotes, e.AdminNotes, e.CancelReason, e.CreatedAt, e.UpdatedAt)
	if isUnique(err) {
		return ledger.Invalid("escrow already exists for purchase %s", e.PurchaseID)
	}
	return ledger.Storage("postgres: insert escrow", err)
}

func (q *queries) GetEscrow(ctx context.Context, id string) (ledger.Escrow, error) {
	return getOne(ctx, q, "escrow", `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, scanEscrow, id)
}

func (q *queries) GetEscrowByPurchase(ctx context.Context, purchaseID string) (ledger.Escrow, error) {
	return getOne(ctx, q, "escrow", `SELECT `+escrowColumns+` FROM escrows WHERE purchase_id = $1`, scanEscrow, purchaseID)
}

func (q *queries) SaveEscrow(ctx context.Context, e ledger.Escrow, expected ledger.EscrowStatus) error {
	return q.casUpdate(ctx, "escrows", "escrow", e.ID, string(expected), e.MutableColumns())
}

func (q *queries) ReleaseConfirmedEscrows(ctx context.Context, cutoff, now time.Time) ([]ledger.Escrow, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE escrows
		SET status = 'RELEASED', released_at = $2, updated_at = $2
		WHERE status = 'CONFIRMED' AND buyer_confirmed_at <= $1
		RETURNING `+escrowColumns,
		ledger.Timestamp(cutoff), ledger.Timestamp(now))
	if err != nil {
		return nil, ledger.Storage("postgres: release confirmed escrows", err)
	}
	out, err := collect(rows, scanEscrow)
	if err != nil {
		return nil, ledger.Storage("postgres: release confirmed escrows scan", err)
	}
	return out, nil
}

func (q *queries) TransitionEscrows(ctx context.Context, t ledger.BulkTransition[ledger.EscrowStatus]) (int64, error) {
	return bulk(ctx, q, "escrows", "purchase_id", t, ledger.EscrowStampColumns, "cancel_reason")
}

// Sales

func scanSale(row pgx.Row) (ledger.Sale, error) {
	var s ledger.Sale
	amount := decimalText{dst: &s.Amount}
	rate := decimalText{dst: &s.CommissionRate}
	commission := decimalText{dst: &s.Commission}
	net := decimalText{dst: &s.NetAmount}
	err := row.Scan(&s.ID, &s.SellerID, &s.BuyerID, &s.ListingID, &s.PurchaseID, &amount.raw, &s.Currency, &rate.raw,
		&commission.raw, &net.raw, &s.Status, &s.SoldAt, &s.DeliveredAt, &s.DisputedAt, &s.CompletedAt,
		&s.CancelledAt, &s.RefundedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if err := parseDecimals(&amount, &rate, &commission, &net); err != nil {
		return s, err
	}
	return s, nil
}

func (q *queries) InsertSale(ctx context.Context, s ledger.Sale) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sales (id, seller_id, buyer_id, listing_id, purchase_id, amount, currency, commission_rate,
			commission, net_amount, status, sold_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13)`,
		s.ID, s.SellerID, s.BuyerID, s.ListingID, s.PurchaseID, s.Amount.String(), s.Currency, s.CommissionRate.String(),
		s.Commission.String(), s.NetAmount.String(), string(s.Status), s.SoldAt, s.UpdatedAt)
	if isUnique(err) {
		return &ledger.TransitionError{Entity: "sale", ID: s.PurchaseID, From: "EXISTS", To: string(s.Status)}
	}
	return ledger.Storage("postgres: insert sale", err)
}

func (q *queries) GetSale(ctx context.Context, id string) (ledger.Sale, error) {
	return getOne(ctx, q, "sale", `SELECT `+saleColumns+` FROM sales WHERE id = $1`, scanSale, id)
}

func (q *queries) GetSaleByPurchase(ctx context.Context, purchaseID string) (ledger.Sale, error) {
	return getOne(ctx, q, "sale", `SELECT `+saleColumns+` FROM sales WHERE purchase_id = $1`, scanSale, purchaseID)
}

func (q *queries) SaveSale(ctx context.Context, s ledger.Sale, expected ledger.SaleStatus) error {
	return q.casUpdate(ctx, "sales", "sale", s.ID, string(expected), s.MutableColumns())
}

func (q *queries) ListSales(ctx context.Context, sq ledger.SaleQuery) (ledger.Page[ledger.Sale], error) {
	var f filter
	f.add("seller_id = ?", sq.SellerID)
	if sq.Status != "" {
		f.add("status = ?", string(sq.Status))
	}
	total, err := count(ctx, q, "sales", &f)
	if err != nil {
		return ledger.Page[ledger.Sale]{}, err
	}
	rows, err := q.db.Query(ctx, `SELECT `+saleColumns+` FROM sales`+f.where()+` ORDER BY sold_at DESC, id ASC`+f.page(sq.PageRequest), f.args...)
	if err != nil {
		return ledger.Page[ledger.Sale]{}, ledger.Storage("postgres: list sales", err)
	}
	items, err := collect(rows, scanSale)
	if err != nil {
		return ledger.Page[ledger.Sale]{}, ledger.Storage("postgres: scan sales", err)
	}
	return ledger.NewPage(items, total, sq.PageRequest), nil
}

func (q *queries) SalesForSeller(ctx context.Context, sellerID string) ([]ledger.Sale, error) {
	rows, err := q.db.Query(ctx, `SELECT `+saleColumns+` FROM sales WHERE seller_id = $1 ORDER BY sold_at ASC`, sellerID)
	if err != nil {
		return nil, ledger.Storage("postgres: seller sales", err)
	}
	out, err := collect(rows, scanSale)
	if err != nil {
		return nil, ledger.Storage("postgres: seller sales scan", err)
	}
	return out, nil
}

func (q *queries) CancelOrphanedSales(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE sales s
		SET status = 'CANCELLED', cancelled_at = $2, updated_at = $2
		FROM purchases p
		WHERE p.id = s.purchase_id
		  AND s.status = 'PENDING'
		  AND s.sold_at <= $1
		  AND p.status IN ('PENDING', 'CANCELLED')`,
		ledger.Timestamp(cutoff), ledger.Timestamp(now))
	if err != nil {
		return 0, ledger.Storage("postgres: cancel orphaned sales", err)
	}
	return tag.RowsAffected(), nil
}

func (q *queries) TransitionSales(ctx context.Context, t ledger.BulkTransition[ledger.SaleStatus]) (int64, error) {
	return bulk(ctx, q, "sales", "purchase_id", t, ledger.SaleStampColumns, "")
}

// Disputes

func scanDispute(row pgx.Row) (ledger.Dispute, error) {
	var d ledger.Dispute
	err := row.Scan(&d.ID, &d.PurchaseID, &d.EscrowID, &d.InitiatorID, &d.RespondentID, &d.Reason, &d.Description,
		&d.Evidence, &d.Status, &d.Priority, &d.AdminID, &d.Resolution, &d.FavoredParty, &d.CloseReason, &d.CreatedAt,
		&d.ReviewedAt, &d.ResolvedAt, &d.ClosedAt, &d.EscalatedAt, &d.UpdatedAt)
	return d, err
}

func (q *queries) InsertDispute(ctx context.Context, d ledger.Dispute) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO disputes (id, purchase_id, escrow_id, initiator_id, respondent_id, reason, description, evidence,
			status, priority, admin_id, resolution, favored_party, close_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.PurchaseID, d.EscrowID, d.InitiatorID, d.RespondentID, d.Reason, d.Description, evidenceJSON(d.Evidence),
		string(d.Status), string(d.Priority), d.AdminID, d.Resolution, string(d.FavoredParty), d.CloseReason,
		d.CreatedAt, d.UpdatedAt)
	if isUnique(err) {
		return ledger.ErrDuplicateDispute
	}
	return ledger.Storage("postgres: insert dispute", err)
}

func (q *queries) GetDispute(ctx context.Context, id string) (ledger.Dispute, error) {
	return getOne(ctx, q, "dispute", `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, scanDispute, id)
}

func (q *queries) ActiveDispute(ctx context.Context, purchaseID string) (ledger.Dispute, error) {
	return getOne(ctx, q, "dispute", `SELECT `+disputeColumns+` FROM disputes WHERE purchase_id = $1 AND status = ANY($2)`,
		scanDispute, purchaseID, activeDisputeStatuses)
}

func (q *queries) SaveDispute(ctx context.Context, d ledger.Dispute, expected ledger.DisputeStatus) error {
	return q.casUpdate(ctx, "disputes", "dispute", d.ID, string(expected), d.MutableColumns())
}

func (q *queries) ListDisputes(ctx context.Context, dq ledger.DisputeQuery) (ledger.Page[ledger.Dispute], error) {
	var f filter
	if dq.PartyID != "" {
		f.add("(initiator_id = ? OR respondent_id = ?)", dq.PartyID, dq.PartyID)
	}
	if dq.AdminID != "" {
		f.add("admin_id = ?", dq.AdminID)
	}
	if dq.Unassigned {
		f.add("admin_id IS NULL")
	}
	if dq.PurchaseID != "" {
		f.add("purchase_id = ?", dq.PurchaseID)
	}
	if len(dq.Statuses) > 0 {
		statuses := make([]string, len(dq.Statuses))
		for i, s := range dq.Statuses {
			statuses[i] = string(s)
		}
		f.add("status = ANY(?)", statuses)
	}
	if dq.Priority != "" {
		f.add("priority = ?", string(dq.Priority))
	}
	total, err := count(ctx, q, "disputes", &f)
	if err != nil {
		return ledger.Page[ledger.Dispute]{}, err
	}
	rows, err := q.db.Query(ctx, `SELECT `+disputeColumns+` FROM disputes`+f.where()+disputeQueueOrder+f.page(dq.PageRequest), f.args...)
	if err != nil {
		return ledger.Page[ledger.Dispute]{}, ledger.Storage("postgres: list disputes", err)
	}
	items, err := collect(rows, scanDispute)
	if err != nil {
		return ledger.Page[ledger.Dispute]{}, ledger.Storage("postgres: scan disputes", err)
	}
	return ledger.NewPage(items, total, dq.PageRequest), nil
}

func (q *queries) OverdueDisputes(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Dispute, error) {
	if limit <= 0 || limit > overdueLimit {
		limit = overdueLimit
	}
	rows, err := q.db.Query(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE status = ANY($1) AND created_at <= $2`+disputeQueueOrder+` LIMIT $3`,
		activeDisputeStatuses, ledger.Timestamp(cutoff), limit)
	if err != nil {
		return nil, ledger.Storage("postgres: overdue disputes", err)
	}
	out, err := collect(rows, scanDispute)
	if err != nil {
		return nil, ledger.Storage("postgres: overdue disputes scan", err)
	}
	return out, nil
}

func (q *queries) EscalateOverdueDisputes(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE disputes
		SET priority = CASE priority WHEN 'LOW' THEN 'MEDIUM' ELSE 'HIGH' END,
		    escalated_at = $2,
		    updated_at = $2
		WHERE status IN ('OPEN', 'IN_REVIEW')
		  AND priority <> 'HIGH'
		  AND created_at <= $1
		  AND (escalated_at IS NULL OR escalated_at <= $1)`,
		ledger.Timestamp(cutoff), ledger.Timestamp(now))
	if err != nil {
		return 0, ledger.Storage("postgres: escalate disputes", err)
	}
	return tag.RowsAffected(), nil
}

// Reports

func scanReport(row pgx.Row) (ledger.Report, error) {
	var r ledger.Report
	err := row.Scan(&r.ID, &r.ReporterID, &r.ReportedUserID, &r.ReportedListingID, &r.Reason, &r.Description,
		&r.Evidence, &r.Status, &r.AdminID, &r.Resolution, &r.ActionTaken, &r.CreatedAt, &r.ReviewedAt,
		&r.ResolvedAt, &r.DismissedAt, &r.UpdatedAt)
	return r, err
}

func (q *queries) InsertReport(ctx context.Context, r ledger.Report) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO reports (id, reporter_id, reported_user_id, reported_listing_id, reason, description, evidence,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		r.ID, r.ReporterID, r.ReportedUserID, r.ReportedListingID, r.Reason, r.Description, evidenceJSON(r.Evidence),
		string(r.Status), r.CreatedAt, r.UpdatedAt)
	return ledger.Storage("postgres: insert report", err)
}

func (q *queries) GetReport(ctx context.Context, id string) (ledger.Report, error) {
	return getOne(ctx, q, "report", `SELECT `+reportColumns+` FROM reports WHERE id = $1`, scanReport, id)
}

func (q *queries) SaveReport(ctx context.Context, r ledger.Report, expected ledger.ReportStatus) error {
	return q.casUpdate(ctx, "reports", "report", r.ID, string(expected), r.MutableColumns())
}

func (q *queries) ListReports(ctx context.Context, rq ledger.ReportQuery) (ledger.Page[ledger.Report], error) {
	var f filter
	if rq.ReporterID != "" {
		f.add("reporter_id = ?", rq.ReporterID)
	}
	if rq.AdminID != "" {
		f.add("admin_id = ?", rq.AdminID)
	}
	if rq.Unassigned {
		f.add("admin_id IS NULL")
	}
	if rq.Status != "" {
		f.add("status = ?", string(rq.Status))
	}
	switch rq.Target {
	case ledger.TargetUser:
		f.add("reported_user_id IS NOT NULL")
	case ledger.TargetListing:
		f.add("reported_listing_id IS NOT NULL")
	}
	total, err := count(ctx, q, "reports", &f)
	if err != nil {
		return ledger.Page[ledger.Report]{}, err
	}
	order := " ORDER BY created_at ASC, id ASC"
	if rq.ReporterID != "" {
		order = " ORDER BY created_at DESC, id ASC"
	}
	rows, err := q.db.Query(ctx, `SELECT `+reportColumns+` FROM reports`+f.where()+order+f.page(rq.PageRequest), f.args...)
	if err != nil {
		return ledger.Page[ledger.Report]{}, ledger.Storage("postgres: list reports", err)
	}
	items, err := collect(rows, scanReport)
	if err != nil {
		return ledger.Page[ledger.Report]{}, ledger.Storage("postgres: scan reports", err)
	}
	return ledger.NewPage(items, total, rq.PageRequest), nil
}

func (q *queries) CountReports(ctx context.Context, cq ledger.ReportCountQuery) ([]ledger.ReportCount, error) {
	col := "reported_user_id"
	if cq.Target == ledger.TargetListing {
		col = "reported_listing_id"
	}
	limit := cq.Limit
	if limit <= 0 || limit > ledger.MaxPageLimit {
		limit = ledger.DefaultPageLimit
	}
	minReports := cq.MinReports
	if minReports < 1 {
		minReports = 1
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+col+`, COUNT(*)
		FROM reports
		WHERE `+col+` IS NOT NULL AND created_at >= $1
		GROUP BY `+col+`
		HAVING COUNT(*) >= $2
		ORDER BY COUNT(*) DESC, `+col+` ASC
		LIMIT $3`,
		ledger.Timestamp(cq.Since), minReports, limit)
	if err != nil {
		return nil, ledger.Storage("postgres: count reports", err)
	}
	out, err := collect(rows, func(row pgx.Row) (ledger.ReportCount, error) {
		var rc ledger.ReportCount
		err := row.Scan(&rc.TargetID, &rc.Count)
		return rc, err
	})
	if err != nil {
		return nil, ledger.Storage("postgres: count reports scan", err)
	}
	return out, nil
}
