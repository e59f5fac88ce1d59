package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orehaul/haulsync/internal/haulage"
)

const testSecret = "test-secret"

func mustTestJWT(t *testing.T, operatorID, role string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{
		"operator_id": operatorID,
		"role":        role,
		"aud":         "haulsync",
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type serverFixture struct {
	ts    *httptest.Server
	store haulage.Store
	svc   *haulage.Service
}

func newServerFixture(t *testing.T, sender haulage.SMSSender, cfg ServerConfig) *serverFixture {
	t.Helper()
	store := haulage.NewMemoryStore()
	var dispatcher *haulage.Dispatcher
	if sender != nil {
		dispatcher = haulage.NewDispatcher(haulage.DispatcherOptions{Sender: sender})
	}
	svc, err := haulage.NewService(haulage.ServiceOptions{Store: store, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	ts := httptest.NewServer(NewServerWithConfig(svc, cfg))
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, store: store, svc: svc}
}

func (f *serverFixture) seedBooking(t *testing.T, tonnage float64) string {
	t.Helper()
	booking, err := f.svc.CreateBooking(context.Background(), haulage.CreateBookingInput{
		Customer:      "Acme Minerals",
		CustomerPhone: "+263771234567",
		Mineral:       "chrome",
		TotalTonnage:  tonnage,
	})
	if err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	return booking.ID
}

func doJSON(t *testing.T, method, url, token, idemKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, payload
}

func createDeliveryBody(bookingID string) map[string]any {
	return map[string]any{
		"bookingId":      bookingID,
		"customer":       "Acme Minerals",
		"customerPhone":  "+263771234567",
		"tonnage":        20,
		"containerCount": 1,
		"driver":         map[string]any{"name": "T. Moyo", "vehicleReg": "ABC123"},
	}
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/v1/deliveries", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRoleGateOnCreateDelivery(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	token := mustTestJWT(t, "op_driver", RoleDriver)
	resp, _ := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "", createDeliveryBody(bookingID))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("driver must not create deliveries, got %d", resp.StatusCode)
	}
}

func TestCreateDeliveryEndToEnd(t *testing.T) {
	f := newServerFixture(t, haulage.SMSSenderFunc(func(context.Context, string, string) error {
		return nil
	}), ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	token := mustTestJWT(t, "op_dispatch", RoleDispatcher)

	resp, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "", createDeliveryBody(bookingID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, payload)
	}
	var result haulage.CreateDeliveryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Delivery.TrackingID == "" || result.Delivery.Status != haulage.StatusPending {
		t.Fatalf("unexpected delivery: %+v", result.Delivery)
	}
	if !result.Notification.Delivered {
		t.Fatalf("expected delivered notification: %+v", result.Notification)
	}

	booking, err := f.svc.GetBooking(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if booking.RemainingTonnage != 80 {
		t.Fatalf("expected remaining 80, got %v", booking.RemainingTonnage)
	}
}

func TestCreateDeliverySchemaRejection(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	token := mustTestJWT(t, "op_dispatch", RoleDispatcher)
	resp, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "", map[string]any{
		"customer": "Acme Minerals",
		"tonnage":  -2,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, payload)
	}
}

func TestCreateDeliveryInsufficientCapacity(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	bookingID := f.seedBooking(t, 10)
	token := mustTestJWT(t, "op_dispatch", RoleDispatcher)

	resp, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "", createDeliveryBody(bookingID))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", resp.StatusCode, payload)
	}
	var body struct {
		Code      string  `json:"code"`
		Requested float64 `json:"requested"`
		Remaining float64 `json:"remaining"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "insufficient_capacity" || body.Requested != 20 || body.Remaining != 10 {
		t.Fatalf("unexpected rejection body: %+v", body)
	}
}

func TestCreateDeliveryPartialSuccessReports207(t *testing.T) {
	f := newServerFixture(t, haulage.SMSSenderFunc(func(context.Context, string, string) error {
		return errors.New("gateway timeout")
	}), ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	token := mustTestJWT(t, "op_dispatch", RoleDispatcher)

	resp, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "", createDeliveryBody(bookingID))
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", resp.StatusCode, payload)
	}
	var result haulage.CreateDeliveryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Notification.Warned() {
		t.Fatalf("expected warned notification: %+v", result.Notification)
	}
	// Committed despite the failed notification.
	if _, err := f.svc.GetDelivery(context.Background(), result.Delivery.TrackingID); err != nil {
		t.Fatalf("delivery must be committed: %v", err)
	}
}

func TestCreateDeliveryIdempotentReplayOverHTTP(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	token := mustTestJWT(t, "op_dispatch", RoleDispatcher)
	body := createDeliveryBody(bookingID)

	resp1, payload1 := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "loc_dup", body)
	if resp1.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d: %s", resp1.StatusCode, payload1)
	}
	resp2, payload2 := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", token, "loc_dup", body)
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("replay: %d: %s", resp2.StatusCode, payload2)
	}

	var first, second haulage.CreateDeliveryResult
	if err := json.Unmarshal(payload1, &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(payload2, &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second.Delivery.TrackingID != first.Delivery.TrackingID {
		t.Fatalf("replay must return the original delivery")
	}
	if !second.Replayed {
		t.Fatalf("expected replayed flag on second response")
	}
	booking, _ := f.svc.GetBooking(context.Background(), bookingID)
	if booking.RemainingTonnage != 80 {
		t.Fatalf("replay must not reserve twice, got remaining %v", booking.RemainingTonnage)
	}
}

func TestAppendCheckpointOverHTTP(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	dispatcher := mustTestJWT(t, "op_dispatch", RoleDispatcher)
	driver := mustTestJWT(t, "op_driver", RoleDriver)

	_, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", dispatcher, "", createDeliveryBody(bookingID))
	var created haulage.CreateDeliveryResult
	if err := json.Unmarshal(payload, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	url := fmt.Sprintf("%s/v1/deliveries/%s/checkpoints", f.ts.URL, created.Delivery.TrackingID)
	resp, payload := doJSON(t, http.MethodPost, url, driver, "", map[string]any{
		"location": "Mine gate",
		"type":     "loading",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, payload)
	}
	var result haulage.AppendCheckpointResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Delivery.Status != haulage.StatusInTransit {
		t.Fatalf("expected in_transit, got %s", result.Delivery.Status)
	}
	if result.Checkpoint.OperatorID != "op_driver" {
		t.Fatalf("operator id must come from the token, got %q", result.Checkpoint.OperatorID)
	}
}

func TestAppendCheckpointUnknownDelivery(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	token := mustTestJWT(t, "op_driver", RoleDriver)
	resp, _ := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries/trk_missing/checkpoints", token, "", map[string]any{
		"location": "Nowhere",
		"type":     "waypoint",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAppendCheckpointAfterTerminalStateRejected(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	bookingID := f.seedBooking(t, 100)
	dispatcher := mustTestJWT(t, "op_dispatch", RoleDispatcher)

	_, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/deliveries", dispatcher, "", createDeliveryBody(bookingID))
	var created haulage.CreateDeliveryResult
	if err := json.Unmarshal(payload, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	url := fmt.Sprintf("%s/v1/deliveries/%s/checkpoints", f.ts.URL, created.Delivery.TrackingID)
	if resp, body := doJSON(t, http.MethodPost, url, dispatcher, "", map[string]any{
		"location": "Customer yard", "type": "handover",
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("handover: %d: %s", resp.StatusCode, body)
	}
	resp, _ := doJSON(t, http.MethodPost, url, dispatcher, "", map[string]any{
		"location": "Anywhere", "type": "waypoint",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for terminal delivery, got %d", resp.StatusCode)
	}
}

func TestGetDeliveryNotFound(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	token := mustTestJWT(t, "op_any", RoleDriver)
	resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/v1/deliveries/trk_missing", token, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateBookingRequiresAdmin(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	body := map[string]any{"customer": "Acme Minerals", "mineral": "chrome", "totalTonnage": 500}

	dispatcher := mustTestJWT(t, "op_dispatch", RoleDispatcher)
	if resp, _ := doJSON(t, http.MethodPost, f.ts.URL+"/v1/bookings", dispatcher, "", body); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dispatcher must not create bookings, got %d", resp.StatusCode)
	}

	admin := mustTestJWT(t, "op_admin", RoleAdmin)
	resp, payload := doJSON(t, http.MethodPost, f.ts.URL+"/v1/bookings", admin, "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, payload)
	}
	var booking haulage.ParentBooking
	if err := json.Unmarshal(payload, &booking); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if booking.RemainingTonnage != 500 {
		t.Fatalf("new booking must start with full allotment, got %v", booking.RemainingTonnage)
	}
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "op_busy", RoleDriver)

	for i := 0; i < 2; i++ {
		if resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/v1/deliveries", token, "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i+1, resp.StatusCode)
		}
	}
	resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/v1/deliveries", token, "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	f := newServerFixture(t, nil, ServerConfig{})
	resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
