package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/stretchr/testify/require"
)

var testAuth = AuthConfig{Secret: "test-secret", Issuer: "https://auth.example"}

func signToken(t *testing.T, cfg AuthConfig, sub string, role string, exp time.Time) string {
	t.Helper()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	require.NoError(t, err)
	return s
}

func bearer(t *testing.T, user uuid.UUID, role string) string {
	return "Bearer " + signToken(t, testAuth, user.String(), role, time.Now().Add(time.Hour))
}

type stubTransactions struct {
	checkout domain.CheckoutRequest
	actor    uuid.UUID
	txID     uuid.UUID
	err      error
}

func (s *stubTransactions) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	s.checkout = req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.CheckoutResponse{TransactionID: uuid.New(), ClientSecret: "pi_secret"}, nil
}

func (s *stubTransactions) Cancel(ctx context.Context, buyerID, txID uuid.UUID) (*domain.Transaction, error) {
	s.actor, s.txID = buyerID, txID
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Transaction{ID: txID, BuyerID: buyerID, Status: domain.StatusCancelled}, nil
}

func (s *stubTransactions) Get(ctx context.Context, actorID, txID uuid.UUID) (*domain.Transaction, error) {
	s.actor, s.txID = actorID, txID
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Transaction{ID: txID, BuyerID: actorID, Status: domain.StatusPending}, nil
}

type stubAffiliate struct {
	visitor     app.Visitor
	affiliateID uuid.UUID
	campaignID  uuid.UUID
	destination string
	link        *domain.AffiliateLink
	err         error
}

func (s *stubAffiliate) CreateCampaign(ctx context.Context, affiliateID uuid.UUID, req domain.CreateCampaignRequest) (*domain.AffiliateCampaign, error) {
	s.affiliateID = affiliateID
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AffiliateCampaign{ID: uuid.New(), AffiliateID: affiliateID, ItemID: req.ItemID, IsActive: true}, nil
}

func (s *stubAffiliate) DeactivateCampaign(ctx context.Context, affiliateID, campaignID uuid.UUID) error {
	s.affiliateID, s.campaignID = affiliateID, campaignID
	return s.err
}

func (s *stubAffiliate) CreateLink(ctx context.Context, affiliateID, campaignID uuid.UUID, destination string) (*domain.AffiliateLink, error) {
	s.affiliateID, s.campaignID, s.destination = affiliateID, campaignID, destination
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AffiliateLink{ShortCode: "abc", CampaignID: campaignID, AffiliateID: affiliateID, DestinationURL: destination}, nil
}

func (s *stubAffiliate) Resolve(ctx context.Context, code string, visitor app.Visitor) (*domain.AffiliateLink, error) {
	s.visitor = visitor
	if s.err != nil {
		return nil, s.err
	}
	return s.link, nil
}

type stubEscrow struct {
	release   app.ReleaseRequest
	actor     app.Actor
	milestone uuid.UUID
	reason    string
	outcome   app.DisputeOutcome
	err       error
}

func (s *stubEscrow) Release(ctx context.Context, req app.ReleaseRequest) (*domain.EscrowRelease, error) {
	s.release = req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.EscrowRelease{ID: uuid.New(), EscrowID: req.EscrowID, Amount: req.Amount}, nil
}

func (s *stubEscrow) ConfirmDelivery(ctx context.Context, escrowID uuid.UUID, actor app.Actor) (*domain.EscrowRecord, error) {
	s.actor = actor
	if s.err != nil {
		return nil, s.err
	}
	return &domain.EscrowRecord{ID: escrowID, BuyerID: actor.ID}, nil
}

func (s *stubEscrow) CompleteMilestone(ctx context.Context, escrowID, milestoneID uuid.UUID, actor app.Actor) error {
	s.actor, s.milestone = actor, milestoneID
	return s.err
}

func (s *stubEscrow) OpenDispute(ctx context.Context, escrowID uuid.UUID, actor app.Actor, reason string) error {
	s.actor, s.reason = actor, reason
	return s.err
}

func (s *stubEscrow) ResolveDispute(ctx context.Context, escrowID uuid.UUID, actor app.Actor, outcome app.DisputeOutcome) error {
	s.actor, s.outcome = actor, outcome
	return s.err
}

type stubAds struct {
	req   domain.PlacementRequest
	sel   *domain.AdSelection
	err   error
	block bool
}

func (s *stubAds) Select(ctx context.Context, req domain.PlacementRequest) (*domain.AdSelection, error) {
	s.req = req
	if s.block {
		<-ctx.Done()
		return nil, fmt.Errorf("list ad campaigns: %w", ctx.Err())
	}
	return s.sel, s.err
}

type testServer struct {
	handler      http.Handler
	transactions *stubTransactions
	affiliate    *stubAffiliate
	escrow       *stubEscrow
	ads          *stubAds
}

func newTestServer() *testServer {
	s := &testServer{
		transactions: &stubTransactions{},
		affiliate:    &stubAffiliate{},
		escrow:       &stubEscrow{},
		ads:          &stubAds{},
	}
	h := NewCommerceHandlers(s.transactions, s.affiliate, s.escrow, s.ads, 20*time.Millisecond, nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) })
	s.handler = CommerceRoutes(h, testAuth, nil, metrics)
	return s
}

func (s *testServer) do(method, path, body, auth string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer()

	rec := s.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", rec.Body.String())

	rec = s.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "# metrics", rec.Body.String())
}

func TestCORSPreflightSkipsAuth(t *testing.T) {
	h := NewCommerceHandlers(&stubTransactions{}, &stubAffiliate{}, &stubEscrow{}, &stubAds{}, 0, nil)
	router := CommerceRoutes(h, testAuth, []string{"https://shop.example"}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/transactions", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/transactions", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestProtectedRoutesRequireAValidToken(t *testing.T) {
	s := newTestServer()
	user := uuid.New()
	path := "/transactions/" + uuid.NewString()

	cases := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic abc"},
		{"garbage", "Bearer not-a-token"},
		{"expired", "Bearer " + signToken(t, testAuth, user.String(), "", time.Now().Add(-time.Minute))},
		{"wrong secret", "Bearer " + signToken(t, AuthConfig{Secret: "other", Issuer: testAuth.Issuer}, user.String(), "", time.Now().Add(time.Hour))},
		{"wrong issuer", "Bearer " + signToken(t, AuthConfig{Secret: testAuth.Secret, Issuer: "https://evil.example"}, user.String(), "", time.Now().Add(time.Hour))},
		{"subject is not a uuid", "Bearer " + signToken(t, testAuth, "user_123", "", time.Now().Add(time.Hour))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, path, "", tc.auth)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec := s.do(http.MethodGet, path, "", bearer(t, user, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, user, s.transactions.actor)
}

func TestAuthWithoutSecretFailsClosed(t *testing.T) {
	h := NewCommerceHandlers(&stubTransactions{}, &stubAffiliate{}, &stubEscrow{}, &stubAds{}, 0, nil)
	router := CommerceRoutes(h, AuthConfig{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/transactions/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCheckoutUsesAuthenticatedBuyer(t *testing.T) {
	s := newTestServer()
	user := uuid.New()
	item := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(fmt.Sprintf(`{"item_id":%q,"quantity":2}`, item)))
	req.Header.Set("Authorization", bearer(t, user, ""))
	req.AddCookie(&http.Cookie{Name: VisitorCookie, Value: "v-42"})
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, domain.CheckoutRequest{BuyerID: user, ItemID: item, Quantity: 2, VisitorID: "v-42"}, s.transactions.checkout)

	var resp domain.CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "pi_secret", resp.ClientSecret)
}

func TestCheckoutRejectsAnotherBuyer(t *testing.T) {
	s := newTestServer()
	body := fmt.Sprintf(`{"buyer_id":%q,"item_id":%q,"quantity":1}`, uuid.New(), uuid.New())

	rec := s.do(http.MethodPost, "/transactions", body, bearer(t, uuid.New(), ""))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/transactions", "{not json", bearer(t, uuid.New(), ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &app.ValidationError{Field: "quantity", Reason: "must be positive"}, http.StatusBadRequest},
		{"forbidden", app.ErrForbidden, http.StatusForbidden},
		{"not found", fmt.Errorf("load transaction: %w", app.ErrNotFound), http.StatusNotFound},
		{"sold out", app.ErrInventoryExhausted, http.StatusConflict},
		{"not cancellable", app.ErrNotCancellable, http.StatusConflict},
		{"escrow not held", app.ErrEscrowNotHeld, http.StatusConflict},
		{"release exceeds balance", app.ErrEscrowReleaseExceedsBalance, http.StatusConflict},
		{"condition unmet", &app.EscrowConditionUnmetError{ReleaseType: domain.ReleaseTimeBased, Reason: "release_at not reached"}, http.StatusUnprocessableEntity},
		{"gateway", &app.PaymentGatewayError{Op: "create_payment_intent", Err: errors.New("timeout")}, http.StatusBadGateway},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer()
			s.transactions.err = tc.err
			rec := s.do(http.MethodPost, "/transactions/"+uuid.NewString()+"/cancel", "", bearer(t, uuid.New(), ""))
			require.Equal(t, tc.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}

	s := newTestServer()
	s.transactions.err = app.ErrInventoryExhausted
	rec := s.do(http.MethodPost, "/transactions", `{"item_id":"`+uuid.NewString()+`","quantity":1}`, bearer(t, uuid.New(), ""))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTransactionRoutesValidateID(t *testing.T) {
	s := newTestServer()
	rec := s.do(http.MethodGet, "/transactions/not-a-uuid", "", bearer(t, uuid.New(), ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPassesBuyerAndTransaction(t *testing.T) {
	s := newTestServer()
	user, txID := uuid.New(), uuid.New()

	rec := s.do(http.MethodPost, "/transactions/"+txID.String()+"/cancel", "", bearer(t, user, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, user, s.transactions.actor)
	require.Equal(t, txID, s.transactions.txID)

	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	require.Equal(t, domain.StatusCancelled, tx.Status)
}

func TestRedirectSetsVisitorCookie(t *testing.T) {
	s := newTestServer()
	s.affiliate.link = &domain.AffiliateLink{ShortCode: "abc", DestinationURL: "https://shop.example/items/1"}

	rec := s.do(http.MethodGet, "/a/abc", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://shop.example/items/1", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, VisitorCookie, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
	require.Equal(t, cookies[0].Value, s.affiliate.visitor.VisitorID)
	require.Nil(t, s.affiliate.visitor.UserID)
}

func TestRedirectReusesVisitorAndUser(t *testing.T) {
	s := newTestServer()
	s.affiliate.link = &domain.AffiliateLink{ShortCode: "abc", DestinationURL: "https://shop.example/items/1"}
	user := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/a/abc", nil)
	req.AddCookie(&http.Cookie{Name: VisitorCookie, Value: "v-1"})
	req.Header.Set("Authorization", bearer(t, user, ""))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Empty(t, rec.Result().Cookies())
	require.Equal(t, "v-1", s.affiliate.visitor.VisitorID)
	require.Equal(t, user, *s.affiliate.visitor.UserID)

	// an invalid token does not block the redirect
	req = httptest.NewRequest(http.MethodGet, "/a/abc", nil)
	req.Header.Set("Authorization", "Bearer broken")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Nil(t, s.affiliate.visitor.UserID)
}

func TestRedirectUnknownCode(t *testing.T) {
	s := newTestServer()
	s.affiliate.err = app.ErrNotFound
	rec := s.do(http.MethodGet, "/a/missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectAd(t *testing.T) {
	s := newTestServer()
	campaign := uuid.New()
	s.ads.sel = &domain.AdSelection{CampaignID: campaign, CostCents: 200, Creative: domain.AdCreative{Headline: "Buy"}}

	rec := s.do(http.MethodPost, "/ads/select", `{"placement":"feed","user_segments":["gamers"],"thread_keywords":["keyboard"],"geo":"US","device":"mobile"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.PlacementRequest{
		Placement:      "feed",
		UserSegments:   []string{"gamers"},
		ThreadKeywords: []string{"keyboard"},
		Geo:            "US",
		Device:         "mobile",
	}, s.ads.req)

	var resp adResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, campaign, resp.Ad.CampaignID)
	require.Equal(t, int64(200), resp.Ad.CostCents)

	s.ads.sel = nil
	rec = s.do(http.MethodPost, "/ads/select", `{"placement":"feed"}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())

	s.ads.err = &app.ValidationError{Field: "placement", Reason: "is required"}
	rec = s.do(http.MethodPost, "/ads/select", `{}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectAdTimeoutIsNoFill(t *testing.T) {
	s := newTestServer()
	s.ads.block = true

	rec := s.do(http.MethodPost, "/ads/select", `{"placement":"feed"}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEscrowRoutesPassTheActor(t *testing.T) {
	s := newTestServer()
	user := uuid.New()
	escrowID := uuid.New()
	base := "/escrows/" + escrowID.String()

	rec := s.do(http.MethodPost, base+"/release", `{"amount_cents":3000,"reason":"first half"}`, bearer(t, user, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, app.ReleaseRequest{EscrowID: escrowID, Actor: app.Actor{ID: user}, Amount: 3000, Reason: "first half"}, s.escrow.release)

	rec = s.do(http.MethodPost, base+"/confirm-delivery", "", bearer(t, user, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, app.Actor{ID: user}, s.escrow.actor)

	milestone := uuid.New()
	rec = s.do(http.MethodPost, base+"/milestones/"+milestone.String()+"/complete", "", bearer(t, user, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, milestone, s.escrow.milestone)

	rec = s.do(http.MethodPost, base+"/disputes", `{"reason":"never arrived"}`, bearer(t, user, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "never arrived", s.escrow.reason)

	arbitrator := uuid.New()
	rec = s.do(http.MethodPost, base+"/resolve", `{"outcome":"refund"}`, bearer(t, arbitrator, ArbitratorRole))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, app.Actor{ID: arbitrator, Arbitrator: true}, s.escrow.actor)
	require.Equal(t, app.DisputeRefund, s.escrow.outcome)

	rec = s.do(http.MethodPost, base+"/resolve", `{"outcome":"split"}`, bearer(t, arbitrator, ArbitratorRole))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/escrows/"+escrowID.String()+"/milestones/nope/complete", "", bearer(t, user, ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignRoutes(t *testing.T) {
	s := newTestServer()
	affiliate := uuid.New()
	item := uuid.New()

	rec := s.do(http.MethodPost, "/affiliate/campaigns", fmt.Sprintf(`{"item_id":%q,"commission_type":"percentage","commission_rate":"10","cookie_window_days":30}`, item), bearer(t, affiliate, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, affiliate, s.affiliate.affiliateID)

	var campaign domain.AffiliateCampaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &campaign))
	require.Equal(t, item, campaign.ItemID)

	campaignID := uuid.New()
	rec = s.do(http.MethodPost, "/affiliate/campaigns/"+campaignID.String()+"/links", `{"destination_url":"https://shop.example/x"}`, bearer(t, affiliate, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, campaignID, s.affiliate.campaignID)
	require.Equal(t, "https://shop.example/x", s.affiliate.destination)

	rec = s.do(http.MethodPost, "/affiliate/campaigns/"+campaignID.String()+"/deactivate", "", bearer(t, affiliate, ""))
	require.Equal(t, http.StatusNoContent, rec.Code)

	s.affiliate.err = app.ErrForbidden
	rec = s.do(http.MethodPost, "/affiliate/campaigns/"+campaignID.String()+"/deactivate", "", bearer(t, uuid.New(), ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
}
