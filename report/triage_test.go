package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accountmarket/ledger"
	"accountmarket/notify"
	"accountmarket/test/fixture"
)

var admin = ledger.Admin("mod")

// newTriage returns the triage, its clock and a func that waits for queued
// notifications and returns those delivered so far.
func newTriage(t *testing.T) (*Triage, *fixture.Clock, func() []notify.Event) {
	t.Helper()
	clock := fixture.NewClock()
	var sent []notify.Event
	sink := notify.SinkFunc(func(_ context.Context, ev notify.Event) error {
		sent = append(sent, ev)
		return nil
	})
	notifier := notify.NewNotifier(sink, nil, nil)
	t.Cleanup(func() { _ = notifier.Close(context.Background()) })
	tr := NewTriage(fixture.Store(t), Options{Notifier: notifier, Now: clock.Now, NewID: fixture.IDs("r")})
	return tr, clock, func() []notify.Event {
		require.NoError(t, notifier.Flush(context.Background()))
		return sent
	}
}

func TestCreateValidatesTarget(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTriage(t)
	alice := ledger.User("alice")

	cases := []CreateRequest{
		{Reason: "spam"},
		{ReportedUserID: "bob", ReportedListingID: "l1", Reason: "spam"},
		{ReportedUserID: "bob"},
		{ReportedUserID: "alice", Reason: "me"},
	}
	for _, req := range cases {
		_, err := tr.Create(ctx, alice, req)
		require.ErrorIs(t, err, ledger.ErrValidation)
	}

	r, err := tr.Create(ctx, alice, CreateRequest{ReportedListingID: "l1", Reason: "stolen account"})
	require.NoError(t, err)
	require.Equal(t, ledger.ReportPending, r.Status)
	kind, id := r.Target()
	require.Equal(t, ledger.TargetListing, kind)
	require.Equal(t, "l1", id)
}

func TestTriageLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, clock, sent := newTriage(t)
	alice := ledger.User("alice")

	r1, err := tr.Create(ctx, alice, CreateRequest{ReportedUserID: "bob", Reason: "scam"})
	require.NoError(t, err)
	r2, err := tr.Create(ctx, alice, CreateRequest{ReportedUserID: "carol", Reason: "spam"})
	require.NoError(t, err)

	_, err = tr.AssignToAdmin(ctx, alice, r1.ID, "")
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = tr.Resolve(ctx, admin, r1.ID, "banned", "ban")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition, "resolution needs review first")

	clock.Advance(time.Minute)
	r1, err = tr.AssignToAdmin(ctx, admin, r1.ID, "")
	require.NoError(t, err)
	require.Equal(t, ledger.ReportUnderReview, r1.Status)
	require.Equal(t, "mod", *r1.AdminID)

	r1, err = tr.Resolve(ctx, admin, r1.ID, "confirmed scam", "account suspended")
	require.NoError(t, err)
	require.Equal(t, ledger.ReportResolved, r1.Status)
	require.Equal(t, "account suspended", *r1.ActionTaken)
	require.NotNil(t, r1.ResolvedAt)

	_, err = tr.Dismiss(ctx, admin, r2.ID, "")
	require.ErrorIs(t, err, ledger.ErrValidation)
	r2, err = tr.Dismiss(ctx, admin, r2.ID, "not spam")
	require.NoError(t, err)
	require.Equal(t, ledger.ReportDismissed, r2.Status)
	require.NotNil(t, r2.DismissedAt)

	_, err = tr.Dismiss(ctx, admin, r1.ID, "late")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	delivered := sent()
	require.Len(t, delivered, 2)
	require.Equal(t, notify.ReportResolved, delivered[0].Type)
	require.Equal(t, "alice", delivered[0].UserID)
	require.Equal(t, notify.ReportDismissed, delivered[1].Type)
}

func TestQueuesAndAccess(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTriage(t)

	var ids []string
	for _, reporter := range []string{"a", "b", "a"} {
		r, err := tr.Create(ctx, ledger.User(reporter), CreateRequest{ReportedUserID: "target", Reason: "abuse"})
		require.NoError(t, err)
		ids = append(ids, r.ID)
		clock.Advance(time.Minute)
	}
	_, err := tr.AssignToAdmin(ctx, admin, ids[1], "")
	require.NoError(t, err)

	mine, err := tr.UserReports(ctx, ledger.User("a"), ledger.ReportQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, mine.Total)
	require.Equal(t, ids[2], mine.Items[0].ID, "reporters see newest first")

	queue, err := tr.AdminReports(ctx, admin, ledger.ReportQuery{Unassigned: true, Status: ledger.ReportPending})
	require.NoError(t, err)
	require.Equal(t, 2, queue.Total)
	require.Equal(t, ids[0], queue.Items[0].ID, "admin queue is oldest first")

	_, err = tr.AdminReports(ctx, ledger.User("a"), ledger.ReportQuery{})
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = tr.Get(ctx, ledger.User("b"), ids[0])
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = tr.Get(ctx, ledger.User("a"), ids[0])
	require.NoError(t, err)
}

func TestFrequentlyReported(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTriage(t)

	file := func(target string, n int) {
		for i := 0; i < n; i++ {
			_, err := tr.Create(ctx, ledger.User("reporter"), CreateRequest{ReportedUserID: target, Reason: "abuse"})
			require.NoError(t, err)
		}
	}
	file("old", 5)
	clock.Advance(3 * 24 * time.Hour)
	file("x", 3)
	file("y", 1)
	_, err := tr.Create(ctx, ledger.User("reporter"), CreateRequest{ReportedListingID: "l1", Reason: "fake"})
	require.NoError(t, err)

	day, err := tr.FrequentlyReported(ctx, admin, ledger.TargetUser, Day, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []ledger.ReportCount{{TargetID: "x", Count: 3}}, day)

	week, err := tr.FrequentlyReported(ctx, admin, ledger.TargetUser, Week, 1, 10)
	require.NoError(t, err)
	require.Len(t, week, 3)
	require.Equal(t, "old", week[0].TargetID)

	listings, err := tr.FrequentlyReported(ctx, admin, ledger.TargetListing, Month, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []ledger.ReportCount{{TargetID: "l1", Count: 1}}, listings)

	_, err = tr.FrequentlyReported(ctx, admin, ledger.TargetUser, Window("year"), 1, 1)
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = tr.FrequentlyReported(ctx, ledger.User("reporter"), ledger.TargetUser, Day, 1, 1)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
}
