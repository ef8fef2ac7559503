package sqlite

import (
	"context"
	"time"

	"gorm.io/gorm"

	"accountmarket/ledger"
)

const (
	disputeQueueOrder = "CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC, created_at ASC, id ASC"
	overdueLimit      = 100
)

var activeDisputeStatuses = []ledger.DisputeStatus{ledger.DisputeOpen, ledger.DisputeInReview}

func columns(cols []ledger.Column) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Value
	}
	return out
}

// Listings

func (q *queries) InsertListing(ctx context.Context, l ledger.Listing) error {
	if err := q.db.WithContext(ctx).Create(&l).Error; err != nil {
		return ledger.Storage("sqlite: insert listing", err)
	}
	return nil
}

func (q *queries) GetListing(ctx context.Context, id string) (ledger.Listing, error) {
	return first[ledger.Listing](ctx, q, "listing", "id = ?", id)
}

func (q *queries) TransitionListings(ctx context.Context, t ledger.BulkTransition[ledger.ListingStatus]) (int64, error) {
	return bulk[ledger.ListingStatus, ledger.Listing](ctx, q, "id", t, ledger.ListingStampColumns, "")
}

func (q *queries) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	now = ledger.Timestamp(now)
	res := q.db.WithContext(ctx).Model(&ledger.Listing{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", ledger.ListingActive, now).
		Updates(map[string]any{"status": ledger.ListingExpired, "updated_at": now})
	if res.Error != nil {
		return 0, ledger.Storage("sqlite: expire listings", res.Error)
	}
	return res.RowsAffected, nil
}

// Purchases

func (q *queries) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	if err := q.db.WithContext(ctx).Create(&p).Error; err != nil {
		if isUnique(err) {
			return ledger.ErrListingUnavailable
		}
		return ledger.Storage("sqlite: insert purchase", err)
	}
	return nil
}

func (q *queries) GetPurchase(ctx context.Context, id string) (ledger.Purchase, error) {
	return first[ledger.Purchase](ctx, q, "purchase", "id = ?", id)
}

func (q *queries) SavePurchase(ctx context.Context, p ledger.Purchase, expected ledger.PurchaseStatus) error {
	return casUpdate[ledger.Purchase](ctx, q, "purchase", p.ID, string(expected), columns(p.MutableColumns()))
}

func (q *queries) ListPurchases(ctx context.Context, pq ledger.PurchaseQuery) (ledger.Page[ledger.Purchase], error) {
	filter := func(db *gorm.DB) *gorm.DB {
		if pq.BuyerID != "" {
			db = db.Where("buyer_id = ?", pq.BuyerID)
		}
		if pq.SellerID != "" {
			db = db.Where("seller_id = ?", pq.SellerID)
		}
		if pq.Status != "" {
			db = db.Where("status = ?", pq.Status)
		}
		return db
	}
	return list[ledger.Purchase](ctx, q, "purchases", pq.PageRequest, filter, "purchased_at DESC, id ASC")
}

func (q *queries) CancelStalePurchases(ctx context.Context, cutoff, now time.Time, reason string) ([]ledger.Purchase, error) {
	var stale []ledger.Purchase
	err := q.atomic(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND purchased_at <= ?", ledger.PurchasePending, ledger.Timestamp(cutoff)).
			Order("purchased_at ASC").Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		for i := range stale {
			ids[i] = stale[i].ID
			_ = stale[i].Transition(ledger.PurchaseCancelled, now)
			stale[i].CancelReason = reason
		}
		at := ledger.Timestamp(now)
		return tx.Model(&ledger.Purchase{}).
			Where("id IN ? AND status = ?", ids, ledger.PurchasePending).
			Updates(map[string]any{
				"status":        ledger.PurchaseCancelled,
				"cancelled_at":  at,
				"cancel_reason": reason,
				"updated_at":    at,
			}).Error
	})
	if err != nil {
		return nil, ledger.Storage("sqlite: cancel stale purchases", err)
	}
	return stale, nil
}

func (q *queries) TransitionPurchases(ctx context.Context, t ledger.BulkTransition[ledger.PurchaseStatus]) (int64, error) {
	return bulk[ledger.PurchaseStatus, ledger.Purchase](ctx, q, "id", t, ledger.PurchaseStampColumns, "cancel_reason")
}

// Escrows

func (q *queries) InsertEscrow(ctx context.Context, e ledger.Escrow) error {
	if err := q.db.WithContext(ctx).Create(&e).Error; err != nil {
		if isUnique(err) {
			return ledger.Invalid("escrow already exists for purchase %s", e.PurchaseID)
		}
		return ledger.Storage("sqlite: insert escrow", err)
	}
	return nil
}

func (q *queries) GetEscrow(ctx context.Context, id string) (ledger.Escrow, error) {
	return first[ledger.Escrow](ctx, q, "escrow", "id = ?", id)
}

func (q *queries) GetEscrowByPurchase(ctx context.Context, purchaseID string) (ledger.Escrow, error) {
	return first[ledger.Escrow](ctx, q, "escrow", "purchase_id = ?", purchaseID)
}

func (q *queries) SaveEscrow(ctx context.Context, e ledger.Escrow, expected ledger.EscrowStatus) error {
	return casUpdate[ledger.Escrow](ctx, q, "escrow", e.ID, string(expected), columns(e.MutableColumns()))
}

func (q *queries) ReleaseConfirmedEscrows(ctx context.Context, cutoff, now time.Time) ([]ledger.Escrow, error) {
	var due []ledger.Escrow
	err := q.atomic(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND buyer_confirmed_at <= ?", ledger.EscrowConfirmed, ledger.Timestamp(cutoff)).
			Order("buyer_confirmed_at ASC").Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]string, len(due))
		for i := range due {
			ids[i] = due[i].ID
			_ = due[i].Transition(ledger.EscrowReleased, now, ledger.EscrowPolicy{})
		}
		at := ledger.Timestamp(now)
		return tx.Model(&ledger.Escrow{}).
			Where("id IN ? AND status = ?", ids, ledger.EscrowConfirmed).
			Updates(map[string]any{"status": ledger.EscrowReleased, "released_at": at, "updated_at": at}).Error
	})
	if err != nil {
		return nil, ledger.Storage("sqlite: release confirmed escrows", err)
	}
	return due, nil
}

func (q *queries) TransitionEscrows(ctx context.Context, t ledger.BulkTransition[ledger.EscrowStatus]) (int64, error) {
	return bulk[ledger.EscrowStatus, ledger.Escrow](ctx, q, "purchase_id", t, ledger.EscrowStampColumns, "cancel_reason")
}

// Sales

func (q *queries) InsertSale(ctx context.Context, s ledger.Sale) error {
	if err := q.db.WithContext(ctx).Create(&s).Error; err != nil {
		if isUnique(err) {
			return &ledger.TransitionError{Entity: "sale", ID: s.PurchaseID, From: "EXISTS", To: string(s.Status)}
		}
		return ledger.Storage("sqlite: insert sale", err)
	}
	return nil
}

func (q *queries) GetSale(ctx context.Context, id string) (ledger.Sale, error) {
	return first[ledger.Sale](ctx, q, "sale", "id = ?", id)
}

func (q *queries) GetSaleByPurchase(ctx context.Context, purchaseID string) (ledger.Sale, error) {
	return first[ledger.Sale](ctx, q, "sale", "purchase_id = ?", purchaseID)
}

func (q *queries) SaveSale(ctx context.Context, s ledger.Sale, expected ledger.SaleStatus) error {
	return casUpdate[ledger.Sale](ctx, q, "sale", s.ID, string(expected), columns(s.MutableColumns()))
}

func (q *queries) ListSales(ctx context.Context, sq ledger.SaleQuery) (ledger.Page[ledger.Sale], error) {
	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Where("seller_id = ?", sq.SellerID)
		if sq.Status != "" {
			db = db.Where("status = ?", sq.Status)
		}
		return db
	}
	return list[ledger.Sale](ctx, q, "sales", sq.PageRequest, filter, "sold_at DESC, id ASC")
}

func (q *queries) SalesForSeller(ctx context.Context, sellerID string) ([]ledger.Sale, error) {
	var out []ledger.Sale
	if err := q.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("sold_at ASC").Find(&out).Error; err != nil {
		return nil, ledger.Storage("sqlite: seller sales", err)
	}
	return out, nil
}

func (q *queries) CancelOrphanedSales(ctx context.Context, cutoff, now time.Time) (int64, error) {
	at := ledger.Timestamp(now)
	res := q.db.WithContext(ctx).Exec(`
		UPDATE sales
		SET status = ?, cancelled_at = ?, updated_at = ?
		WHERE status = ?
		  AND sold_at <= ?
		  AND purchase_id IN (SELECT id FROM purchases WHERE status IN (?, ?))`,
		ledger.SaleCancelled, at, at,
		ledger.SalePending, ledger.Timestamp(cutoff),
		ledger.PurchasePending, ledger.PurchaseCancelled,
	)
	if res.Error != nil {
		return 0, ledger.Storage("sqlite: cancel orphaned sales", res.Error)
	}
	return res.RowsAffected, nil
}

func (q *queries) TransitionSales(ctx context.Context, t ledger.BulkTransition[ledger.SaleStatus]) (int64, error) {
	return bulk[ledger.SaleStatus, ledger.Sale](ctx, q, "purchase_id", t, ledger.SaleStampColumns, "")
}

// Disputes

func (q *queries) InsertDispute(ctx context.Context, d ledger.Dispute) error {
	if err := q.db.WithContext(ctx).Create(&d).Error; err != nil {
		if isUnique(err) {
			return ledger.ErrDuplicateDispute
		}
		return ledger.Storage("sqlite: insert dispute", err)
	}
	return nil
}

func (q *queries) GetDispute(ctx context.Context, id string) (ledger.Dispute, error) {
	return first[ledger.Dispute](ctx, q, "dispute", "id = ?", id)
}

func (q *queries) ActiveDispute(ctx context.Context, purchaseID string) (ledger.Dispute, error) {
	return first[ledger.Dispute](ctx, q, "dispute", "purchase_id = ? AND status IN ?", purchaseID, activeDisputeStatuses)
}

func (q *queries) SaveDispute(ctx context.Context, d ledger.Dispute, expected ledger.DisputeStatus) error {
	return casUpdate[ledger.Dispute](ctx, q, "dispute", d.ID, string(expected), columns(d.MutableColumns()))
}

func (q *queries) ListDisputes(ctx context.Context, dq ledger.DisputeQuery) (ledger.Page[ledger.Dispute], error) {
	filter := func(db *gorm.DB) *gorm.DB {
		if dq.PartyID != "" {
			db = db.Where("initiator_id = ? OR respondent_id = ?", dq.PartyID, dq.PartyID)
		}
		if dq.AdminID != "" {
			db = db.Where("admin_id = ?", dq.AdminID)
		}
		if dq.Unassigned {
			db = db.Where("admin_id IS NULL")
		}
		if dq.PurchaseID != "" {
			db = db.Where("purchase_id = ?", dq.PurchaseID)
		}
		if len(dq.Statuses) > 0 {
			db = db.Where("status IN ?", dq.Statuses)
		}
		if dq.Priority != "" {
			db = db.Where("priority = ?", dq.Priority)
		}
		return db
	}
	return list[ledger.Dispute](ctx, q, "disputes", dq.PageRequest, filter, disputeQueueOrder)
}

func (q *queries) OverdueDisputes(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Dispute, error) {
	if limit <= 0 || limit > overdueLimit {
		limit = overdueLimit
	}
	var out []ledger.Dispute
	err := q.db.WithContext(ctx).
		Where("status IN ? AND created_at <= ?", activeDisputeStatuses, ledger.Timestamp(cutoff)).
		Order(disputeQueueOrder).Limit(limit).Find(&out).Error
	if err != nil {
		return nil, ledger.Storage("sqlite: overdue disputes", err)
	}
	return out, nil
}

func (q *queries) EscalateOverdueDisputes(ctx context.Context, cutoff, now time.Time) (int64, error) {
	at := ledger.Timestamp(now)
	cutoff = ledger.Timestamp(cutoff)
	res := q.db.WithContext(ctx).Exec(`
		UPDATE disputes
		SET priority = CASE priority WHEN 'LOW' THEN 'MEDIUM' ELSE 'HIGH' END,
		    escalated_at = ?,
		    updated_at = ?
		WHERE status IN (?, ?)
		  AND priority <> 'HIGH'
		  AND created_at <= ?
		  AND (escalated_at IS NULL OR escalated_at <= ?)`,
		at, at, ledger.DisputeOpen, ledger.DisputeInReview, cutoff, cutoff,
	)
	if res.Error != nil {
		return 0, ledger.Storage("sqlite: escalate disputes", res.Error)
	}
	return res.RowsAffected, nil
}

// Reports

func (q *queries) InsertReport(ctx context.Context, r ledger.Report) error {
	if err := q.db.WithContext(ctx).Create(&r).Error; err != nil {
		return ledger.Storage("sqlite: insert report", err)
	}
	return nil
}

func (q *queries) GetReport(ctx context.Context, id string) (ledger.Report, error) {
	return first[ledger.Report](ctx, q, "report", "id = ?", id)
}

func (q *queries) SaveReport(ctx context.Context, r ledger.Report, expected ledger.ReportStatus) error {
	return casUpdate[ledger.Report](ctx, q, "report", r.ID, string(expected), columns(r.MutableColumns()))
}

func (q *queries) ListReports(ctx context.Context, rq ledger.ReportQuery) (ledger.Page[ledger.Report], error) {
	filter := func(db *gorm.DB) *gorm.DB {
		if rq.ReporterID != "" {
			db = db.Where("reporter_id = ?", rq.ReporterID)
		}
		if rq.AdminID != "" {
			db = db.Where("admin_id = ?", rq.AdminID)
		}
		if rq.Unassigned {
			db = db.Where("admin_id IS NULL")
		}
		if rq.Status != "" {
			db = db.Where("status = ?", rq.Status)
		}
		switch rq.Target {
		case ledger.TargetUser:
			db = db.Where("reported_user_id IS NOT NULL")
		case ledger.TargetListing:
			db = db.Where("reported_listing_id IS NOT NULL")
		}
		return db
	}
	order := "created_at ASC, id ASC"
	if rq.ReporterID != "" {
		order = "created_at DESC, id ASC"
	}
	return list[ledger.Report](ctx, q, "reports", rq.PageRequest, filter, order)
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
	var out []ledger.ReportCount
	err := q.db.WithContext(ctx).Raw(`
		SELECT `+col+` AS target_id, COUNT(*) AS count
		FROM reports
		WHERE `+col+` IS NOT NULL AND created_at >= ?
		GROUP BY `+col+`
		HAVING COUNT(*) >= ?
		ORDER BY count DESC, target_id ASC
		LIMIT ?`,
		ledger.Timestamp(cq.Since), minReports, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, ledger.Storage("sqlite: count reports", err)
	}
	return out, nil
}
