package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"colisflow/app"
	"colisflow/config"
	"colisflow/delivery"
	"colisflow/dispute"
	"colisflow/escrow"
	"colisflow/metrics"
	"colisflow/ratelimit"
)

type testEnv struct {
	app     *app.App
	handler http.Handler
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "handler-test-secret"
	stores, _ := app.MemoryStores()
	a, err := app.New(cfg, stores, nil, nil, metrics.New())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	return &testEnv{app: a, handler: NewServer(a, limiter, nil).Routes()}
}

// participant registers a profile and returns a bearer token for it.
func (e *testEnv) participant(t *testing.T, id string, verified, admin bool) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.app.Identity.Register(ctx, id, strings.ToUpper(id)); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if verified {
		if _, err := e.app.Identity.SetVerified(ctx, id, true); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
	}
	token, err := e.app.Tokens.Issue(id, admin)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"awa@example.com","password":"s3cret-pass","display_name":"Awa"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var account accountResponse
	decodeBody(t, rec, &account)

	rec = env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"AWA@example.com","password":"s3cret-pass","display_name":"Awa"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate email: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"awa@example.com","password":"wrong-pass"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"awa@example.com","password":"s3cret-pass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	var login map[string]string
	decodeBody(t, rec, &login)
	if login["participantId"] != account.ID || login["token"] == "" {
		t.Fatalf("unexpected login payload: %+v", login)
	}

	rec = env.do(t, http.MethodGet, "/api/collaborations", login["token"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated list: expected 200, got %d", rec.Code)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"x@example.com","password":"short","display_name":"X"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/listings", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/listings", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestPublishListing_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	sender := env.participant(t, "sender-1", false, false)

	cases := []struct {
		name string
		body string
	}{
		{"unknown role", `{"role":"broker","origin":"Dakar","destination":"Paris","price":"100"}`},
		{"bad amount", `{"role":"sender","origin":"Dakar","destination":"Paris","price":"ten"}`},
		{"unknown field", `{"role":"sender","origin":"Dakar","destination":"Paris","price":"100","tip":"5"}`},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/listings", sender, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

// secured publishes a sender listing and secures it with a verified carrier.
func (e *testEnv) secured(t *testing.T) (collaborationResponse, map[string]string) {
	t.Helper()
	tokens := map[string]string{
		"sender":   e.participant(t, "sender-1", false, false),
		"carrier":  e.participant(t, "carrier-1", true, false),
		"receiver": e.participant(t, "receiver-1", false, false),
		"admin":    e.participant(t, "admin-1", false, true),
	}
	rec := e.do(t, http.MethodPost, "/api/listings", tokens["sender"], `{"role":"sender","origin":"Dakar","destination":"Paris","price":"15000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var listing listingResponse
	decodeBody(t, rec, &listing)

	rec = e.do(t, http.MethodPost, "/api/listings/"+listing.ID+"/secure", tokens["carrier"], `{"receiverId":"receiver-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("secure: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var c collaborationResponse
	decodeBody(t, rec, &c)
	return c, tokens
}

func TestListListings_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	sender := env.participant(t, "sender-1", false, false)
	for _, body := range []string{
		`{"role":"sender","origin":"Dakar","destination":"Paris","price":"15000"}`,
		`{"role":"sender","origin":"Dakar","destination":"Lyon","price":"8000"}`,
		`{"role":"sender","origin":"Dakar","destination":"Paris","price":"6000"}`,
	} {
		if rec := env.do(t, http.MethodPost, "/api/listings", sender, body); rec.Code != http.StatusCreated {
			t.Fatalf("publish: expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodGet, "/api/listings?destination=paris&maxPrice=10000", sender, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", rec.Code)
	}
	var page struct {
		Items []listingResponse `json:"items"`
		Total int               `json:"total"`
	}
	decodeBody(t, rec, &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Destination != "Paris" {
		t.Fatalf("unexpected search result: %+v", page)
	}

	rec = env.do(t, http.MethodGet, "/api/listings?limit=2&page=2", sender, "")
	decodeBody(t, rec, &page)
	if page.Total != 3 || len(page.Items) != 1 {
		t.Fatalf("second page: total=%d items=%d", page.Total, len(page.Items))
	}

	if rec := env.do(t, http.MethodGet, "/api/listings?maxPrice=abc", sender, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad maxPrice: expected 400, got %d", rec.Code)
	}
}

func TestSecureListing_RequiresVerifiedCarrier(t *testing.T) {
	env := newTestEnv(t, nil)
	sender := env.participant(t, "sender-1", false, false)
	carrier := env.participant(t, "carrier-1", false, false)
	admin := env.participant(t, "admin-1", false, true)
	env.participant(t, "receiver-1", false, false)

	rec := env.do(t, http.MethodPost, "/api/listings", sender, `{"role":"sender","origin":"Dakar","destination":"Paris","price":"15000"}`)
	var listing listingResponse
	decodeBody(t, rec, &listing)

	rec = env.do(t, http.MethodPost, "/api/listings/"+listing.ID+"/secure", carrier, `{"receiverId":"receiver-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unverified carrier: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/participants/carrier-1/verification", carrier, `{"verified":true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("self verification: expected 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/participants/carrier-1/verification", admin, `{"verified":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin verification: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/listings/"+listing.ID+"/secure", carrier, `{"receiverId":"receiver-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("verified carrier: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestValidateStage(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tokens := env.secured(t)
	path := "/api/collaborations/" + c.ID + "/stages/created/validations"

	rec := env.do(t, http.MethodPost, path, tokens["carrier"], `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("carrier on created: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, path, tokens["sender"], `{"evidenceUris":["https://files.example.com/label.png"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sender on created: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res validateResponse
	decodeBody(t, rec, &res)
	if !res.Advanced || res.Collaboration.CurrentStage != "secured" {
		t.Fatalf("unexpected validate payload: %+v", res)
	}

	rec = env.do(t, http.MethodPost, path, tokens["sender"], `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resubmission: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/collaborations/"+c.ID+"/stages/9/validations", tokens["sender"], `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown stage: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/collaborations/"+c.ID, tokens["receiver"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("overview: expected 200, got %d", rec.Code)
	}
	var overview overviewResponse
	decodeBody(t, rec, &overview)
	if overview.Role != "receiver" || len(overview.Stages) != int(delivery.LastStage) {
		t.Fatalf("unexpected overview: %+v", overview)
	}

	stranger := env.participant(t, "stranger", false, false)
	rec = env.do(t, http.MethodGet, "/api/collaborations/"+c.ID, stranger, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger overview: expected 403, got %d", rec.Code)
	}
}

// paid drives the collaboration through payment_secured.
func (e *testEnv) paid(t *testing.T) (collaborationResponse, transactionResponse, map[string]string) {
	t.Helper()
	c, tokens := e.secured(t)
	validate := func(stage, role string) {
		t.Helper()
		rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/collaborations/%s/stages/%s/validations", c.ID, stage), tokens[role], `{}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("validate %s as %s: expected 201, got %d: %s", stage, role, rec.Code, rec.Body.String())
		}
	}
	validate("created", "sender")
	validate("secured", "carrier")
	validate("chat_enabled", "sender")
	validate("chat_enabled", "carrier")

	rec := e.do(t, http.MethodPost, "/api/collaborations/"+c.ID+"/payment", tokens["sender"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("open payment: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tx transactionResponse
	decodeBody(t, rec, &tx)

	rec = e.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/pay", tokens["sender"], `{"method":{"kind":"card","token":"tok_ok"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pay: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &tx)
	validate("payment_secured", "sender")
	return c, tx, tokens
}

func TestPayment_SplitAndVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	_, tx, tokens := env.paid(t)

	if tx.Status != string(delivery.PaymentEscrowed) {
		t.Fatalf("expected escrowed, got %s", tx.Status)
	}
	if tx.CommissionAmount != "1500.00" || tx.CarrierAmount != "13500.00" {
		t.Fatalf("unexpected split: %+v", tx)
	}

	rec := env.do(t, http.MethodGet, "/api/transactions/"+tx.ID, tokens["receiver"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("receiver read: expected 200, got %d", rec.Code)
	}
	stranger := env.participant(t, "stranger", false, false)
	rec = env.do(t, http.MethodGet, "/api/transactions/"+tx.ID, stranger, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger read: expected 404, got %d", rec.Code)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tx, tokens := env.paid(t)

	body := fmt.Sprintf(`{"collaborationId":%q,"transactionId":%q,"reason":"damaged","requestedAction":"partial_refund","description":"box crushed"}`, c.ID, tx.ID)
	rec := env.do(t, http.MethodPost, "/api/disputes", tokens["receiver"], body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open dispute: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var d disputeResponse
	decodeBody(t, rec, &d)

	rec = env.do(t, http.MethodPost, "/api/disputes", tokens["sender"], body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second dispute: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/collaborations/%s/stages/picked_up/validations", c.ID), tokens["carrier"], `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("validate while disputed: expected 409, got %d", rec.Code)
	}

	resolve := "/api/disputes/" + d.ID + "/resolve"
	rec = env.do(t, http.MethodPost, resolve, tokens["receiver"], `{"decision":"refund"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("participant resolve: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/disputes/"+d.ID+"/review", tokens["admin"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, resolve, tokens["admin"], `{"decision":"partial_refund","refundAmount":"5000","note":"half damaged"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &d)
	if d.Status != string(dispute.StatusResolved) || d.RefundAmount != "5000.00" {
		t.Fatalf("unexpected resolved dispute: %+v", d)
	}

	rec = env.do(t, http.MethodPost, resolve, tokens["admin"], `{"decision":"refund"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting decision: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/transactions/"+tx.ID, tokens["sender"], "")
	var settled transactionResponse
	decodeBody(t, rec, &settled)
	if settled.RefundedAmount != "5000.00" || settled.ReleasedAmount != "10000.00" || settled.Status != string(delivery.PaymentReleased) {
		t.Fatalf("unexpected settlement: %+v", settled)
	}

	rec = env.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/ratings", tokens["receiver"], `{"ratedId":"carrier-1","score":2,"comment":"late and damaged"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("rate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/participants/carrier-1/rating", tokens["sender"], "")
	var summary ratingSummaryResponse
	decodeBody(t, rec, &summary)
	if summary.Count != 1 || summary.Average != "2.00" || len(summary.Recent) != 1 {
		t.Fatalf("unexpected rating summary: %+v", summary)
	}
}

func TestRateLimit_MutationsOnly(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(0.001, 1, 0))
	sender := env.participant(t, "sender-1", false, false)

	body := `{"role":"sender","origin":"Dakar","destination":"Paris","price":"100"}`
	if rec := env.do(t, http.MethodPost, "/api/listings", sender, body); rec.Code != http.StatusCreated {
		t.Fatalf("first publish: expected 201, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/listings", sender, body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second publish: expected 429, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/listings", sender, ""); rec.Code != http.StatusOK {
		t.Fatalf("read under limit: expected 200, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", delivery.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", delivery.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", delivery.ErrRoleNotPermitted), http.StatusForbidden},
		{fmt.Errorf("x: %w", delivery.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("x: %w", delivery.ErrDisputeActive), http.StatusConflict},
		{fmt.Errorf("x: %w", delivery.ErrConflict), http.StatusConflict},
		{dispute.ErrAlreadyResolved, http.StatusConflict},
		{fmt.Errorf("%w: charge: %w", delivery.ErrProvider, escrow.ErrDeclined), http.StatusPaymentRequired},
		{fmt.Errorf("%w: charge: timeout", delivery.ErrProvider), http.StatusBadGateway},
		{delivery.ErrLedgerInvariant, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
