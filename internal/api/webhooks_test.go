package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

var webhookNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubIngestor struct {
	events []domain.PaymentEvent
	err    error
}

func (s *stubIngestor) Ingest(ctx context.Context, ev domain.PaymentEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func newWebhookServer(ingestor Ingestor) http.Handler {
	h := NewWebhookHandler(ingestor, webhookSecret, 0, clock.NewManual(webhookNow), nil)
	return WebhookRoutes(h, nil)
}

func postWebhook(handler http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(paymentclient.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func succeededPayload(txID uuid.UUID) string {
	return `{"id":"evt_1","type":"payment_intent.succeeded","created":1772452800,
		"data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":19900,
		"currency":"usd","metadata":{"transaction_id":"` + txID.String() + `"}}}}`
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	ingestor := &stubIngestor{}
	server := newWebhookServer(ingestor)
	txID := uuid.New()
	body := succeededPayload(txID)

	rec := postWebhook(server, body, paymentclient.SignPayload([]byte(body), webhookSecret, webhookNow))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ingestor.events, 1)

	ev := ingestor.events[0]
	require.Equal(t, "evt_1", ev.EventID)
	require.Equal(t, domain.EventPaymentSucceeded, ev.EventType)
	require.Equal(t, "pi_1", ev.PaymentIntentID)
	require.Equal(t, txID, *ev.TransactionID)
	require.Equal(t, int64(19900), ev.AmountCents)
	require.Equal(t, time.Unix(1772452800, 0).UTC(), ev.Created)
	require.JSONEq(t, body, string(ev.Payload))
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	body := succeededPayload(uuid.New())
	cases := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", paymentclient.SignPayload([]byte(body), "whsec_other", webhookNow)},
		{"stale timestamp", paymentclient.SignPayload([]byte(body), webhookSecret, webhookNow.Add(-10*time.Minute))},
		{"other payload", paymentclient.SignPayload([]byte(`{"id":"evt_2"}`), webhookSecret, webhookNow)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ingestor := &stubIngestor{}
			rec := postWebhook(newWebhookServer(ingestor), body, tc.signature)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Empty(t, ingestor.events)
		})
	}
}

func TestWebhookResponses(t *testing.T) {
	body := succeededPayload(uuid.New())
	sig := paymentclient.SignPayload([]byte(body), webhookSecret, webhookNow)
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"duplicate", app.ErrDuplicateEvent, http.StatusOK},
		{"invalid", &app.ValidationError{Field: "event_id", Reason: "is required"}, http.StatusBadRequest},
		{"queue full", app.ErrQueueFull, http.StatusServiceUnavailable},
		{"store down", errors.New("record event: connection refused"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(newWebhookServer(&stubIngestor{err: tc.err}), body, sig)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	ingestor := &stubIngestor{}
	server := newWebhookServer(ingestor)
	for _, body := range []string{`{"id":`, `{"type":"payment_intent.succeeded"}`} {
		rec := postWebhook(server, body, paymentclient.SignPayload([]byte(body), webhookSecret, webhookNow))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	require.Empty(t, ingestor.events)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	body := strings.Repeat("x", maxWebhookBody+1)
	rec := postWebhook(newWebhookServer(&stubIngestor{}), body, "t=1,v1=00")
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPaymentEventFromGateway(t *testing.T) {
	txID := uuid.New()
	cases := []struct {
		name    string
		payload string
		want    domain.PaymentEvent
	}{
		{
			name: "payment failed",
			payload: `{"id":"evt_f","type":"payment_intent.payment_failed","created":100,"data":{"object":{
				"id":"pi_f","object":"payment_intent","status":"requires_payment_method","amount":500,
				"metadata":{"transaction_id":"` + txID.String() + `"},
				"last_payment_error":{"code":"card_declined","message":"Your card was declined."}}}}`,
			want: domain.PaymentEvent{
				EventID:         "evt_f",
				EventType:       domain.EventPaymentFailed,
				PaymentIntentID: "pi_f",
				TransactionID:   &txID,
				Status:          "requires_payment_method",
				FailureReason:   "Your card was declined.",
				AmountCents:     500,
				Created:         time.Unix(100, 0).UTC(),
			},
		},
		{
			name: "partial refund",
			payload: `{"id":"evt_r","type":"charge.refunded","created":200,"data":{"object":{
				"id":"ch_1","object":"charge","status":"succeeded","amount":19900,"amount_refunded":5000,
				"payment_intent":"pi_r","metadata":{}}}}`,
			want: domain.PaymentEvent{
				EventID:         "evt_r",
				EventType:       domain.EventChargeRefunded,
				PaymentIntentID: "pi_r",
				Status:          "succeeded",
				AmountCents:     5000,
				Created:         time.Unix(200, 0).UTC(),
			},
		},
		{
			name: "renewal invoice",
			payload: `{"id":"evt_i","type":"invoice.paid","created":300,"data":{"object":{
				"id":"in_1","object":"invoice","status":"paid","amount_paid":1990,"payment_intent":"pi_renewal",
				"subscription":"sub_1","billing_reason":"subscription_cycle",
				"subscription_details":{"metadata":{"transaction_id":"` + txID.String() + `"}}}}}`,
			want: domain.PaymentEvent{
				EventID:         "evt_i",
				EventType:       domain.EventInvoicePaid,
				PaymentIntentID: "pi_renewal",
				TransactionID:   &txID,
				SubscriptionID:  "sub_1",
				Status:          "subscription_cycle",
				AmountCents:     1990,
				Created:         time.Unix(300, 0).UTC(),
			},
		},
		{
			name: "dispute",
			payload: `{"id":"evt_d","type":"charge.dispute.created","created":400,"data":{"object":{
				"id":"dp_1","object":"dispute","status":"needs_response","amount":19900,
				"payment_intent":"pi_d","reason":"fraudulent"}}}`,
			want: domain.PaymentEvent{
				EventID:         "evt_d",
				EventType:       domain.EventDisputeCreated,
				PaymentIntentID: "pi_d",
				Status:          "needs_response",
				FailureReason:   "fraudulent",
				AmountCents:     19900,
				Created:         time.Unix(400, 0).UTC(),
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, obj, err := paymentclient.ParseEvent([]byte(tc.payload))
			require.NoError(t, err)
			got := PaymentEventFromGateway(evt, obj, nil)
			require.Equal(t, tc.want, got)
		})
	}
}
