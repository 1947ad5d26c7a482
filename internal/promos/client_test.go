package promos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

func newTestClient(test *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:     server.URL,
		AccessToken: "shpat_test",
	})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	client.nowFn = func() time.Time {
		return time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	}
	return client, server
}

func TestNewClientValidatesConfig(test *testing.T) {
	test.Parallel()
	if _, err := NewClient(Config{AccessToken: "token"}); !errors.Is(err, ErrInvalidClientConfig) {
		test.Fatalf("expected config error without shop domain, got %v", err)
	}
	if _, err := NewClient(Config{ShopDomain: "example.myshopify.com"}); !errors.Is(err, ErrInvalidClientConfig) {
		test.Fatalf("expected config error without access token, got %v", err)
	}
	client, err := NewClient(Config{ShopDomain: "example.myshopify.com", AccessToken: "token"})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	if client.baseURL != "https://example.myshopify.com" {
		test.Fatalf("expected derived base url, got %q", client.baseURL)
	}
}

func TestCreatePriceRuleSendsAdminPayload(test *testing.T) {
	test.Parallel()
	var captured struct {
		path    string
		token   string
		payload priceRuleRequest
	}
	client, _ := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		captured.path = request.URL.Path
		captured.token = request.Header.Get("X-Shopify-Access-Token")
		if err := json.NewDecoder(request.Body).Decode(&captured.payload); err != nil {
			test.Errorf("decode payload: %v", err)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"price_rule":{"id":987654321}}`))
	}))

	ruleID, err := client.CreatePriceRule(context.Background(), "Ten off", loyalty.DiscountFixed, decimal.RequireFromString("10"))
	if err != nil {
		test.Fatalf("create price rule: %v", err)
	}
	if ruleID != "987654321" {
		test.Fatalf("expected rule id 987654321, got %q", ruleID)
	}
	if captured.path != "/admin/api/2024-10/price_rules.json" {
		test.Fatalf("unexpected path %q", captured.path)
	}
	if captured.token != "shpat_test" {
		test.Fatalf("expected access token header, got %q", captured.token)
	}

	rule := captured.payload.PriceRule
	if rule.Title != "Ten off" {
		test.Fatalf("expected title, got %q", rule.Title)
	}
	if rule.Value != "-10.00" {
		test.Fatalf("expected negative fixed-point value, got %q", rule.Value)
	}
	if rule.ValueType != "fixed_amount" {
		test.Fatalf("expected fixed_amount value type, got %q", rule.ValueType)
	}
	if rule.TargetType != "line_item" || rule.TargetSelection != "all" {
		test.Fatalf("unexpected targeting %q/%q", rule.TargetType, rule.TargetSelection)
	}
	if rule.AllocationMethod != "across" || rule.CustomerSelection != "all" {
		test.Fatalf("unexpected allocation %q / selection %q", rule.AllocationMethod, rule.CustomerSelection)
	}
	if rule.UsageLimit != nil {
		test.Fatalf("expected unlimited usage, got %v", *rule.UsageLimit)
	}
	if rule.OncePerCustomer {
		test.Fatal("expected once_per_customer false")
	}
	if rule.StartsAt != "2025-03-01T12:00:00Z" {
		test.Fatalf("expected pinned starts_at, got %q", rule.StartsAt)
	}
}

func TestCreatePriceRulePercentageValue(test *testing.T) {
	test.Parallel()
	var gotValue, gotType string
	client, _ := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var payload priceRuleRequest
		_ = json.NewDecoder(request.Body).Decode(&payload)
		gotValue = payload.PriceRule.Value
		gotType = payload.PriceRule.ValueType
		_, _ = writer.Write([]byte(`{"price_rule":{"id":"11"}}`))
	}))

	if _, err := client.CreatePriceRule(context.Background(), "Fifteen percent", loyalty.DiscountPercentage, decimal.RequireFromString("15")); err != nil {
		test.Fatalf("create price rule: %v", err)
	}
	if gotType != "percentage" {
		test.Fatalf("expected percentage value type, got %q", gotType)
	}
	if gotValue != "-15.00" {
		test.Fatalf("expected -15.00, got %q", gotValue)
	}
}

func TestCreatePriceRuleMissingID(test *testing.T) {
	test.Parallel()
	client, _ := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"price_rule":{}}`))
	}))

	_, err := client.CreatePriceRule(context.Background(), "No id", loyalty.DiscountFixed, decimal.RequireFromString("5"))
	if !errors.Is(err, ErrMissingPriceRuleID) {
		test.Fatalf("expected missing id error, got %v", err)
	}
}

func TestCreateDiscountCodeTargetsRule(test *testing.T) {
	test.Parallel()
	var captured struct {
		path string
		code string
	}
	client, _ := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		captured.path = request.URL.Path
		var payload discountCodeRequest
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			test.Errorf("decode payload: %v", err)
		}
		captured.code = payload.DiscountCode.Code
		writer.WriteHeader(http.StatusCreated)
	}))

	if err := client.CreateDiscountCode(context.Background(), "987654321", "LOYAL-AAAA1111"); err != nil {
		test.Fatalf("create discount code: %v", err)
	}
	if captured.path != "/admin/api/2024-10/price_rules/987654321/discount_codes.json" {
		test.Fatalf("unexpected path %q", captured.path)
	}
	if captured.code != "LOYAL-AAAA1111" {
		test.Fatalf("expected code in payload, got %q", captured.code)
	}
}

func TestAdminErrorsCarryStatus(test *testing.T) {
	test.Parallel()
	client, _ := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte(`{"errors":{"price_rule":["is invalid"]}}`))
	}))

	_, err := client.CreatePriceRule(context.Background(), "Rejected", loyalty.DiscountFixed, decimal.RequireFromString("5"))
	var statusError *StatusError
	if !errors.As(err, &statusError) {
		test.Fatalf("expected status error, got %v", err)
	}
	if statusError.Status != http.StatusUnprocessableEntity {
		test.Fatalf("expected status 422, got %d", statusError.Status)
	}
	if statusError.Body == "" {
		test.Fatal("expected error body to be captured")
	}
}

func TestNegValueString(test *testing.T) {
	test.Parallel()
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "10", want: "-10.00"},
		{raw: "-10", want: "-10.00"},
		{raw: "0.5", want: "-0.50"},
		{raw: "19.999", want: "-20.00"},
	}
	for _, testCase := range cases {
		got := negValueString(decimal.RequireFromString(testCase.raw))
		if got != testCase.want {
			test.Errorf("negValueString(%s) = %q, want %q", testCase.raw, got, testCase.want)
		}
	}
}
