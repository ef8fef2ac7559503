// Package report triages abuse reports against users and listings.
package report

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"accountmarket/ledger"
	"accountmarket/metrics"
	"accountmarket/notify"
)

// Window is the lookback of the frequently-reported analytics.
type Window string

const (
	Day   Window = "day"
	Week  Window = "week"
	Month Window = "month"
)

func (w Window) Duration() (time.Duration, error) {
	switch w {
	case Day:
		return 24 * time.Hour, nil
	case Week, "":
		return 7 * 24 * time.Hour, nil
	case Month:
		return 30 * 24 * time.Hour, nil
	}
	return 0, ledger.Invalid("window must be day, week or month")
}

// CreateRequest files a report. Exactly one target must be set.
type CreateRequest struct {
	ReportedUserID    string
	ReportedListingID string
	Reason            string
	Description       string
	Evidence          []string
}

func (r CreateRequest) Validate(reporterID string) error {
	hasUser, hasListing := r.ReportedUserID != "", r.ReportedListingID != ""
	switch {
	case hasUser == hasListing:
		return ledger.Invalid("a report targets exactly one user or listing")
	case strings.TrimSpace(r.Reason) == "":
		return ledger.Invalid("report reason is required")
	case hasUser && r.ReportedUserID == reporterID:
		return ledger.Invalid("users cannot report themselves")
	}
	return nil
}

type Options struct {
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Now      func() time.Time
	NewID    func() string
}

type Triage struct {
	store    ledger.Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

func NewTriage(store ledger.Store, opts Options) *Triage {
	t := &Triage{store: store, notifier: opts.Notifier, metrics: opts.Metrics, now: opts.Now, newID: opts.NewID}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	return t
}

func (t *Triage) Create(ctx context.Context, actor ledger.Actor, req CreateRequest) (ledger.Report, error) {
	if actor.ID == "" {
		return ledger.Report{}, ledger.ErrUnauthorized
	}
	if err := req.Validate(actor.ID); err != nil {
		return ledger.Report{}, err
	}
	now := ledger.Timestamp(t.now())
	r := ledger.Report{
		ID:          t.newID(),
		ReporterID:  actor.ID,
		Reason:      strings.TrimSpace(req.Reason),
		Description: req.Description,
		Evidence:    req.Evidence,
		Status:      ledger.ReportPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ReportedUserID != "" {
		r.ReportedUserID = &req.ReportedUserID
	} else {
		r.ReportedListingID = &req.ReportedListingID
	}
	if r.Evidence == nil {
		r.Evidence = []string{}
	}
	if err := t.store.InsertReport(ctx, r); err != nil {
		return ledger.Report{}, err
	}
	t.metrics.ObserveTransition("report", string(r.Status))
	return r, nil
}

// AssignToAdmin claims a PENDING report for review.
func (t *Triage) AssignToAdmin(ctx context.Context, actor ledger.Actor, reportID, adminID string) (ledger.Report, error) {
	if adminID == "" {
		adminID = actor.ID
	}
	return t.move(ctx, actor, reportID, ledger.ReportUnderReview, func(r *ledger.Report) {
		r.AdminID = &adminID
	})
}

// Resolve closes a report under review with the action taken.
func (t *Triage) Resolve(ctx context.Context, actor ledger.Actor, reportID, resolution, actionTaken string) (ledger.Report, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return ledger.Report{}, ledger.Invalid("resolution text is required")
	}
	r, err := t.move(ctx, actor, reportID, ledger.ReportResolved, func(r *ledger.Report) {
		r.AdminID = &actor.ID
		r.Resolution = &resolution
		if actionTaken != "" {
			r.ActionTaken = &actionTaken
		}
	})
	if err != nil {
		return ledger.Report{}, err
	}
	t.notify(ctx, notify.ReportResolved, r)
	return r, nil
}

// Dismiss closes a report without action.
func (t *Triage) Dismiss(ctx context.Context, actor ledger.Actor, reportID, reason string) (ledger.Report, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.Report{}, ledger.Invalid("dismissal reason is required")
	}
	r, err := t.move(ctx, actor, reportID, ledger.ReportDismissed, func(r *ledger.Report) {
		r.AdminID = &actor.ID
		r.Resolution = &reason
	})
	if err != nil {
		return ledger.Report{}, err
	}
	t.notify(ctx, notify.ReportDismissed, r)
	return r, nil
}

func (t *Triage) move(ctx context.Context, actor ledger.Actor, reportID string, to ledger.ReportStatus, mutate func(*ledger.Report)) (ledger.Report, error) {
	if !actor.IsAdmin() {
		return ledger.Report{}, ledger.ErrUnauthorized
	}
	var out ledger.Report
	err := t.store.InTx(ctx, func(q ledger.Queries) error {
		r, err := q.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		from := r.Status
		if err := r.Transition(to, t.now()); err != nil {
			return err
		}
		mutate(&r)
		if err := q.SaveReport(ctx, r, from); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return ledger.Report{}, err
	}
	t.metrics.ObserveTransition("report", string(to))
	return out, nil
}

func (t *Triage) notify(ctx context.Context, typ notify.EventType, r ledger.Report) {
	kind, target := r.Target()
	data := map[string]any{"target": string(kind), "targetId": target}
	if r.Resolution != nil {
		data["resolution"] = *r.Resolution
	}
	if r.ActionTaken != nil {
		data["actionTaken"] = *r.ActionTaken
	}
	t.notifier.Emit(ctx, notify.Event{Type: typ, UserID: r.ReporterID, RelatedID: r.ID, Data: data, OccurredAt: r.UpdatedAt})
}

// Get returns a report to its reporter or an admin.
func (t *Triage) Get(ctx context.Context, actor ledger.Actor, reportID string) (ledger.Report, error) {
	r, err := t.store.GetReport(ctx, reportID)
	if err != nil {
		return ledger.Report{}, err
	}
	if r.ReporterID != actor.ID && !actor.IsAdmin() {
		return ledger.Report{}, ledger.ErrUnauthorized
	}
	return r, nil
}

// UserReports pages through the actor's own reports, newest first.
func (t *Triage) UserReports(ctx context.Context, actor ledger.Actor, q ledger.ReportQuery) (ledger.Page[ledger.Report], error) {
	if actor.ID == "" {
		return ledger.Page[ledger.Report]{}, ledger.ErrUnauthorized
	}
	q.ReporterID = actor.ID
	q.AdminID, q.Unassigned = "", false
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Report]{}, err
	}
	return t.store.ListReports(ctx, q)
}

// AdminReports pages through the review queue, oldest first.
func (t *Triage) AdminReports(ctx context.Context, actor ledger.Actor, q ledger.ReportQuery) (ledger.Page[ledger.Report], error) {
	if !actor.IsAdmin() {
		return ledger.Page[ledger.Report]{}, ledger.ErrUnauthorized
	}
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Report]{}, err
	}
	return t.store.ListReports(ctx, q)
}

// FrequentlyReported counts reports per user or listing inside the window,
// most reported first.
func (t *Triage) FrequentlyReported(ctx context.Context, actor ledger.Actor, target ledger.ReportTarget, w Window, minReports, limit int) ([]ledger.ReportCount, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrUnauthorized
	}
	span, err := w.Duration()
	if err != nil {
		return nil, err
	}
	if minReports <= 0 {
		minReports = 1
	}
	if limit <= 0 || limit > ledger.MaxPageLimit {
		limit = ledger.DefaultPageLimit
	}
	q := ledger.ReportCountQuery{Target: target, Since: ledger.Timestamp(t.now()).Add(-span), MinReports: minReports, Limit: limit}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return t.store.CountReports(ctx, q)
}
