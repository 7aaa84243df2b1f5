package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-discounts/internal/domain/auth"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

// --- Mock implementations ---

type mockService struct {
	validateReq  pricing.ValidateRequest
	validateResp *pricing.ValidateResponse
	applyReq     pricing.ApplyRequest
	summary      *pricing.Summary
	rules        []*discount.Discount
	err          error
}

func (m *mockService) Validate(_ context.Context, req pricing.ValidateRequest) (*pricing.ValidateResponse, error) {
	m.validateReq = req
	return m.validateResp, m.err
}

func (m *mockService) Apply(_ context.Context, req pricing.ApplyRequest) (*pricing.Summary, error) {
	m.applyReq = req
	return m.summary, m.err
}

func (m *mockService) Available(_ context.Context, _ int64) ([]*discount.Discount, error) {
	return m.rules, m.err
}

type mockAPIKeyRepo struct {
	keys map[string]*auth.APIKeyInfo
	err  error
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, auth.ErrUnknownKey
	}
	return info, nil
}

// --- Helpers ---

var testPepper = []byte("pepper")

const (
	fullKey     = "full-key"
	readOnlyKey = "read-key"
)

func newAPIKeyRepo() *mockAPIKeyRepo {
	full := HashKey(testPepper, fullKey)
	read := HashKey(testPepper, readOnlyKey)
	return &mockAPIKeyRepo{keys: map[string]*auth.APIKeyInfo{
		full: {ID: "1", KeyHash: full, Name: "checkout"},
		read: {ID: "2", KeyHash: read, Name: "storefront", Scopes: []string{auth.ScopeRead}},
	}}
}

func newRouter(svc Service, keys auth.Repository) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc, NewSecurityHandler(keys, testPepper)).Mount(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func welcome() *discount.Discount {
	return &discount.Discount{
		ID:        1,
		Name:      "Welcome",
		Code:      "WELCOME10",
		Kind:      discount.KindCoupon,
		Target:    discount.TargetCart,
		ValueType: discount.ValuePercentage,
		Value:     decimal.NewNullDecimal(money("10")),
		Active:    true,
		Stackable: true,
		Coupon:    &discount.CouponTerms{CouponCode: "WELCOME10"},
	}
}

// --- Tests ---

func TestSecurity(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		repoErr  error
		method   string
		target   string
		wantCode int
	}{
		{name: "missing key", key: "", method: http.MethodGet, target: "/api/discounts/available?customerId=1", wantCode: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", method: http.MethodGet, target: "/api/discounts/available?customerId=1", wantCode: http.StatusUnauthorized},
		{name: "read scope reads", key: readOnlyKey, method: http.MethodGet, target: "/api/discounts/available?customerId=1", wantCode: http.StatusOK},
		{name: "read scope cannot apply", key: readOnlyKey, method: http.MethodPost, target: "/api/discounts/apply", wantCode: http.StatusForbidden},
		{name: "unscoped key applies", key: fullKey, method: http.MethodPost, target: "/api/discounts/apply", wantCode: http.StatusOK},
		{name: "repository failure", key: fullKey, repoErr: errors.New("db down"), method: http.MethodGet, target: "/api/discounts/available?customerId=1", wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newAPIKeyRepo()
			keys.err = tt.repoErr
			svc := &mockService{summary: &pricing.Summary{}}
			w := do(t, newRouter(svc, keys), tt.method, tt.target, tt.key, `{"customerId":1,"userId":1}`)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestSecurity_StoredHashMismatch(t *testing.T) {
	keys := newAPIKeyRepo()
	keys.keys[HashKey(testPepper, fullKey)].KeyHash = HashKey([]byte("other"), fullKey)

	w := do(t, newRouter(&mockService{}, keys), http.MethodGet, "/api/discounts/available?customerId=1", fullKey, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidate(t *testing.T) {
	preview := discount.Result{
		Amount:    money("8"),
		Name:      "Welcome",
		Code:      "WELCOME10",
		Message:   "Coupon applied: Welcome",
		ValueType: discount.ValuePercentage,
	}
	tests := []struct {
		name     string
		body     string
		resp     *pricing.ValidateResponse
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "valid with preview",
			body:     `{"couponCode":"WELCOME10","customerId":1,"userId":100}`,
			resp:     &pricing.ValidateResponse{Valid: true, Message: pricing.MessageValid, Discount: welcome(), Preview: &preview},
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid code",
			body:     `{"couponCode":"NOPE","customerId":1}`,
			resp:     &pricing.ValidateResponse{Message: pricing.MessageInvalidCode},
			wantCode: http.StatusBadRequest,
			wantBody: `{"valid":false,"message":"Invalid coupon code"}`,
		},
		{
			name:     "missing code",
			body:     `{"customerId":1}`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"code":400,"message":"invalid request: couponCode: missing required field"}`,
		},
		{
			name:     "malformed json",
			body:     `{"couponCode":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "service failure",
			body:     `{"couponCode":"WELCOME10","customerId":1}`,
			err:      errors.New("db down"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"code":500,"message":"internal error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{validateResp: tt.resp, err: tt.err}
			w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodPost, "/api/discounts/validate", readOnlyKey, tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestValidate_RequestAndPreviewEncoding(t *testing.T) {
	preview := discount.Result{Amount: money("8"), Name: "Welcome", Code: "WELCOME10", Message: "Coupon applied: Welcome"}
	svc := &mockService{validateResp: &pricing.ValidateResponse{
		Valid: true, Message: pricing.MessageValid, Discount: welcome(), Preview: &preview,
	}}
	w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodPost, "/api/discounts/validate", fullKey,
		`{"couponCode":"WELCOME10","customerId":1,"userId":100,"extra":[1,2]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "WELCOME10", svc.validateReq.CouponCode)
	assert.Equal(t, int64(1), svc.validateReq.CustomerID)
	require.NotNil(t, svc.validateReq.UserID)
	assert.Equal(t, int64(100), *svc.validateReq.UserID)

	body := w.Body.String()
	assert.Contains(t, body, `"preview":{"name":"Welcome","code":"WELCOME10","amount":8.00,"message":"Coupon applied: Welcome"}`)
	assert.Contains(t, body, `"value":10.00`)
	assert.Contains(t, body, `"couponCode":"WELCOME10"`)
}

func TestApply(t *testing.T) {
	rule := welcome()
	summary := &pricing.Summary{
		Applied: []discount.Result{{
			Amount:        money("10"),
			Name:          "Welcome",
			Code:          "WELCOME10",
			Message:       "Coupon applied: Welcome",
			ValueType:     discount.ValuePercentage,
			Discount:      rule,
			ItemDiscounts: map[int64]decimal.Decimal{2: money("4"), 1: money("6")},
		}},
		Subtotal:      money("100"),
		ShippingCost:  money("5"),
		TaxAmount:     decimal.Zero,
		TotalDiscount: money("10"),
		GrandTotal:    money("95"),
	}
	svc := &mockService{summary: summary}
	w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodPost, "/api/discounts/apply", fullKey,
		`{"customerId":1,"userId":100,"couponCodes":["WELCOME10",""],"autoApply":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pricing.ApplyRequest{CustomerID: 1, UserID: 100, CouponCodes: []string{"WELCOME10"}, AutoApply: true}, svc.applyReq)
	assert.JSONEq(t, `{
		"appliedDiscounts": [{
			"discountId": 1,
			"name": "Welcome",
			"code": "WELCOME10",
			"amount": 10.00,
			"valueType": "percentage",
			"message": "Coupon applied: Welcome",
			"itemDiscounts": {"1": 6.00, "2": 4.00}
		}],
		"subtotal": 100.00,
		"shippingCost": 5.00,
		"taxAmount": 0.00,
		"totalDiscount": 10.00,
		"grandTotal": 95.00
	}`, w.Body.String())
	assert.Contains(t, w.Body.String(), `"grandTotal":95.00`)
}

func TestApply_UserDefaultsToCustomer(t *testing.T) {
	svc := &mockService{summary: &pricing.Summary{}}
	w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodPost, "/api/discounts/apply", fullKey, `{"customerId":7}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), svc.applyReq.UserID)
	assert.Nil(t, svc.applyReq.CouponCodes)
}

func TestApply_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "customer not found", err: pricing.ErrCustomerNotFound, wantCode: http.StatusBadRequest, wantMsg: "customer not found"},
		{name: "cart unavailable", err: pricing.ErrCartUnavailable, wantCode: http.StatusBadRequest, wantMsg: "cart not available"},
		{name: "cart empty", err: pricing.ErrCartEmpty, wantCode: http.StatusBadRequest, wantMsg: "cart is empty"},
		{
			name:     "invalid quantity",
			err:      errors.Wrap(&pricing.InvalidQuantityError{ProductID: 3, Quantity: 0}, "apply"),
			wantCode: http.StatusBadRequest,
			wantMsg:  "quantity must be greater than 0 for product 3, got 0",
		},
		{name: "infrastructure", err: errors.New("db down"), wantCode: http.StatusInternalServerError, wantMsg: "internal error"},
		{name: "missing customer", body: `{"userId":1}`, wantCode: http.StatusBadRequest, wantMsg: "invalid request: customerId: missing required field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" {
				body = `{"customerId":1,"userId":1}`
			}
			svc := &mockService{err: tt.err}
			w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodPost, "/api/discounts/apply", fullKey, body)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.JSONEq(t, `{"code":`+itoa(tt.wantCode)+`,"message":"`+tt.wantMsg+`"}`, w.Body.String())
		})
	}
}

func TestAvailable(t *testing.T) {
	start := mustTime(t, "2025-01-01T00:00:00Z")
	bulkProduct := int64(5)
	rules := []*discount.Discount{
		welcome(),
		{
			ID:                 2,
			Name:               "Bulk",
			Kind:               discount.KindBulk,
			ValueType:          discount.ValueFixedAmount,
			Value:              decimal.NewNullDecimal(money("3.5")),
			StartDate:          &start,
			Active:             true,
			ExcludedCategories: discount.NewIDSet(9, 4),
			Bulk:               &discount.BulkTerms{MinimumQuantity: 3, ProductID: &bulkProduct},
		},
	}
	svc := &mockService{rules: rules}
	w := do(t, newRouter(svc, newAPIKeyRepo()), http.MethodGet, "/api/discounts/available?customerId=1", readOnlyKey, "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, `[{"id":1,`), body)
	assert.Contains(t, body, `"value":3.50`)
	assert.Contains(t, body, `"startDate":"2025-01-01T00:00:00Z"`)
	assert.Contains(t, body, `"excludedCategories":[4,9]`)
	assert.Contains(t, body, `"minimumQuantity":3,"productId":5`)
}

func TestAvailable_Errors(t *testing.T) {
	keys := newAPIKeyRepo()

	w := do(t, newRouter(&mockService{}, keys), http.MethodGet, "/api/discounts/available?customerId=abc", readOnlyKey, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, newRouter(&mockService{err: pricing.ErrCustomerNotFound}, keys), http.MethodGet, "/api/discounts/available?customerId=9", readOnlyKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"code":404,"message":"customer not found"}`, w.Body.String())
}

func TestBodyTooLarge(t *testing.T) {
	body := `{"couponCode":"` + strings.Repeat("A", maxBodyBytes) + `","customerId":1}`
	w := do(t, newRouter(&mockService{}, newAPIKeyRepo()), http.MethodPost, "/api/discounts/validate", fullKey, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestNoSecurityHandler(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(&mockService{rules: nil}, nil).Mount(r)

	w := do(t, r, http.MethodGet, "/api/discounts/available?customerId=1", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}
