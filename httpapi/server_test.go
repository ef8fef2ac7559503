package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountmarket/auth"
	"accountmarket/dispute"
	"accountmarket/escrow"
	"accountmarket/ledger"
	"accountmarket/metrics"
	"accountmarket/purchase"
	"accountmarket/report"
	"accountmarket/sale"
	"accountmarket/test/fixture"
	"accountmarket/workflow"
)

const secret = "httpapi-test-secret-httpapi-test-secret"

type harness struct {
	t      *testing.T
	st     ledger.Store
	clock  *fixture.Clock
	auth   *auth.Service
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := fixture.Store(t)
	clock := fixture.NewClock()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	quoter, err := sale.NewQuoter(decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	d := workflow.New(st, workflow.Options{Quoter: quoter, Metrics: m, Now: clock.Now})
	sealer, err := escrow.NewSealer(bytes.Repeat([]byte{9}, escrow.KeySize))
	require.NoError(t, err)
	engine := escrow.NewEngine(d, sealer)

	hash, err := auth.HashPassword("operator-pass")
	require.NoError(t, err)
	authSvc, err := auth.NewService(secret, auth.WithOperators(map[string]string{"ops": hash}))
	require.NoError(t, err)

	srv := New(Config{
		Ledger:    st,
		Auth:      authSvc,
		Purchases: purchase.NewCoordinator(d, engine),
		Escrow:    engine,
		Sales:     sale.NewLedger(st),
		Disputes:  dispute.NewService(d),
		Reports:   report.NewTriage(st, report.Options{Metrics: m, Now: clock.Now}),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &harness{t: t, st: st, clock: clock, auth: authSvc, server: srv}
}

func (h *harness) token(actor ledger.Actor) string {
	h.t.Helper()
	tok, err := h.auth.Issue(actor)
	require.NoError(h.t, err)
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (h *harness) do(actor *ledger.Actor, method, path string, body any, out any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*actor))
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func code(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var p problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p), rec.Body.String())
	return p.Code
}

var (
	buyer  = ledger.User("buyer")
	seller = ledger.User("seller")
	admin  = ledger.Admin("admin")
)

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(nil, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(nil, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t)
	rec := h.do(nil, http.MethodGet, "/api/v1/purchases", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/purchases", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorLogin(t *testing.T) {
	h := newHarness(t)
	var out map[string]string
	rec := h.do(nil, http.MethodPost, "/api/v1/auth/login", map[string]string{"operatorId": "ops", "password": "operator-pass"}, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "admin", out["role"])

	actor, err := h.auth.VerifyToken(out["token"])
	require.NoError(t, err)
	require.Equal(t, ledger.Admin("ops"), actor)

	rec = h.do(nil, http.MethodPost, "/api/v1/auth/login", map[string]string{"operatorId": "ops", "password": "nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPurchaseLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	fixture.Listing(t, h.st, "L", seller.ID, 100, h.clock.Now())

	var created transitionResponse
	rec := h.do(&buyer, http.MethodPost, "/api/v1/purchases", map[string]any{"listingId": "L", "amount": "100", "currency": "USD"}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "PENDING", created.Purchase.Status)
	require.Equal(t, "PENDING", created.Escrow.Status)
	pid := created.Purchase.ID
	base := "/api/v1/purchases/" + pid

	rec = h.do(&buyer, http.MethodPost, "/api/v1/purchases", map[string]any{"listingId": "L", "amount": "100", "currency": "USD"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "listing_unavailable", code(t, rec))

	var paid transitionResponse
	rec = h.do(&buyer, http.MethodPost, base+"/pay", map[string]string{"paymentId": "pay_123"}, &paid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "PAID", paid.Purchase.Status)
	require.NotNil(t, paid.Sale)
	require.True(t, decimal.RequireFromString(paid.Sale.Commission).Equal(decimal.NewFromInt(10)))
	require.True(t, decimal.RequireFromString(paid.Sale.NetAmount).Equal(decimal.NewFromInt(90)))

	rec = h.do(&buyer, http.MethodPost, base+"/pay", map[string]string{"paymentId": "pay_123"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_transition", code(t, rec))

	rec = h.do(&buyer, http.MethodPost, base+"/deliver", map[string]string{"proof": "login:secret"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var esc escrowResponse
	rec = h.do(&seller, http.MethodPost, base+"/deliver", map[string]string{"proof": "login:secret", "notes": "enjoy"}, &esc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "DELIVERED", esc.Status)
	require.True(t, esc.HasDeliveryProof)
	require.NotContains(t, rec.Body.String(), "login:secret")

	var reveal map[string]string
	rec = h.do(&buyer, http.MethodGet, "/api/v1/escrows/"+esc.ID+"/delivery", nil, &reveal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "login:secret", reveal["proof"])

	rec = h.do(&seller, http.MethodGet, "/api/v1/escrows/"+esc.ID+"/delivery", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(&buyer, http.MethodPost, base+"/confirm", map[string]string{"notes": "works"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done transitionResponse
	rec = h.do(&admin, http.MethodPost, base+"/complete", map[string]string{"notes": "early payout"}, &done)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "COMPLETED", done.Purchase.Status)
	require.Equal(t, "RELEASED", done.Escrow.Status)

	var summary summaryResponse
	rec = h.do(&seller, http.MethodGet, "/api/v1/sellers/seller/summary", nil, &summary)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, summary.Totals["USD"].Completed)
	require.True(t, decimal.RequireFromString(summary.Totals["USD"].Net).Equal(decimal.NewFromInt(90)))

	rec = h.do(&buyer, http.MethodGet, "/api/v1/sellers/seller/summary", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var page pageResponse[purchaseResponse]
	rec = h.do(&seller, http.MethodGet, "/api/v1/purchases?as=seller", nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, page.Total)
	require.Equal(t, pid, page.Items[0].ID)

	var sales pageResponse[saleResponse]
	rec = h.do(&seller, http.MethodGet, "/api/v1/sales?status=COMPLETED", nil, &sales)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, sales.Total)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	fixture.Listing(t, h.st, "L", seller.ID, 100, h.clock.Now())

	var created transitionResponse
	h.do(&buyer, http.MethodPost, "/api/v1/purchases", map[string]any{"listingId": "L", "amount": 100, "currency": "USD"}, &created)
	pid := created.Purchase.ID
	require.NotEmpty(t, pid)
	require.Equal(t, http.StatusOK, h.do(&buyer, http.MethodPost, "/api/v1/purchases/"+pid+"/pay", map[string]string{"paymentId": "p"}, nil).Code)
	require.Equal(t, http.StatusOK, h.do(&seller, http.MethodPost, "/api/v1/purchases/"+pid+"/deliver", map[string]string{"proof": "x"}, nil).Code)

	var d disputeResponse
	rec := h.do(&buyer, http.MethodPost, "/api/v1/disputes", map[string]any{"purchaseId": pid, "reason": "credentials rejected"}, &d)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "OPEN", d.Status)
	require.Equal(t, seller.ID, d.RespondentID)

	rec = h.do(&seller, http.MethodPost, "/api/v1/disputes", map[string]any{"purchaseId": pid, "reason": "me too"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "duplicate_dispute", code(t, rec))

	rec = h.do(&buyer, http.MethodPost, "/api/v1/disputes/"+d.ID+"/assign", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(&admin, http.MethodPost, "/api/v1/disputes/"+d.ID+"/assign", nil, &d)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "IN_REVIEW", d.Status)

	rec = h.do(&admin, http.MethodPost, "/api/v1/disputes/"+d.ID+"/resolve", map[string]string{"resolution": "split", "favoredParty": "neutral"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(&admin, http.MethodPost, "/api/v1/disputes/"+d.ID+"/resolve", map[string]string{"resolution": "account invalid", "favoredParty": "initiator"}, &d)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "RESOLVED", d.Status)

	var esc escrowResponse
	rec = h.do(&buyer, http.MethodGet, "/api/v1/purchases/"+pid+"/escrow", nil, &esc)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "REFUNDED", esc.Status)

	var mine pageResponse[disputeResponse]
	rec = h.do(&seller, http.MethodGet, "/api/v1/disputes", nil, &mine)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, mine.Total)

	rec = h.do(&buyer, http.MethodGet, "/api/v1/admin/disputes", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReportsOverHTTP(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		reporter := ledger.User(fmt.Sprintf("reporter-%d", i))
		rec := h.do(&reporter, http.MethodPost, "/api/v1/reports", map[string]any{"reportedUserId": "scammer", "reason": "fraud"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := h.do(&buyer, http.MethodPost, "/api/v1/reports", map[string]any{"reportedUserId": "x", "reportedListingId": "y", "reason": "both"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var out struct {
		Items []reportCountResponse `json:"items"`
	}
	rec = h.do(&admin, http.MethodGet, "/api/v1/admin/reports/frequent?target=user&window=week&min=2", nil, &out)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, out.Items, 1)
	require.Equal(t, "scammer", out.Items[0].TargetID)
	require.Equal(t, 3, out.Items[0].Count)

	var queue pageResponse[reportResponse]
	rec = h.do(&admin, http.MethodGet, "/api/v1/admin/reports?status=PENDING", nil, &queue)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, queue.Total)

	var rep reportResponse
	rec = h.do(&admin, http.MethodPost, "/api/v1/reports/"+queue.Items[0].ID+"/dismiss", map[string]string{"reason": "duplicate"}, &rep)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "DISMISSED", rep.Status)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	rec := h.do(&buyer, http.MethodPost, "/api/v1/purchases", map[string]any{"listing": "L"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ledger.Invalid("bad"), http.StatusBadRequest},
		{ledger.ErrUnauthorized, http.StatusForbidden},
		{ledger.NotFound("purchase", "p"), http.StatusNotFound},
		{&ledger.TransitionError{Entity: "escrow", From: "PENDING", To: "RELEASED"}, http.StatusConflict},
		{ledger.ErrDuplicateDispute, http.StatusConflict},
		{ledger.ErrListingUnavailable, http.StatusConflict},
		{ledger.Storage("op", errors.New("conn reset")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
		{errMissingActor, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		require.Equal(t, tc.want, got, tc.err.Error())
	}
}

func TestLoginIsRateLimitedPerClient(t *testing.T) {
	h := newHarness(t)
	login := func(addr string) *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"operatorId":"ops","password":"guess"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", body)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < DefaultLoginLimit.Burst; i++ {
		require.Equal(t, http.StatusUnauthorized, login("198.51.100.7:4000").Code)
	}
	rec := login("198.51.100.7:4001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", code(t, rec))

	require.Equal(t, http.StatusUnauthorized, login("198.51.100.8:4000").Code)
}
