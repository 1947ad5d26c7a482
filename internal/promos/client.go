// Package promos issues price rules and discount codes through a
// Shopify-compatible Admin REST API.
package promos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	apiVersion        = "2024-10"
	headerAccessToken = "X-Shopify-Access-Token"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"

	maxErrorBodyBytes = 2048
)

// ErrInvalidClientConfig reports a Client constructed with missing settings.
var ErrInvalidClientConfig = errors.New("invalid promotions client configuration")

// ErrMissingPriceRuleID reports a creation response without a price rule id.
var ErrMissingPriceRuleID = errors.New("price rule creation returned no id")

// StatusError carries the HTTP status of a failed Admin API call.
type StatusError struct {
	Status int
	Body   string
}

func (statusError *StatusError) Error() string {
	if statusError.Body != "" {
		return fmt.Sprintf("admin api status %d: %s", statusError.Status, statusError.Body)
	}
	return fmt.Sprintf("admin api status %d", statusError.Status)
}

// Config carries the settings for a Client.
type Config struct {
	// ShopDomain is the myshopify host, e.g. "example.myshopify.com".
	ShopDomain string
	// AccessToken authenticates Admin API calls.
	AccessToken string
	// BaseURL overrides the https://<ShopDomain> origin. Used by tests.
	BaseURL string
	// HTTPClient defaults to a client with a 5s timeout.
	HTTPClient *http.Client
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client implements loyalty.Promotions against the Admin REST API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
	nowFn       func() time.Time
}

// NewClient validates the configuration and returns a Client.
func NewClient(config Config) (*Client, error) {
	if config.ShopDomain == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("%w: missing shop domain", ErrInvalidClientConfig)
	}
	if config.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrInvalidClientConfig)
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://" + config.ShopDomain
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: config.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
		nowFn:       time.Now,
	}, nil
}

type priceRulePayload struct {
	Title             string `json:"title"`
	TargetType        string `json:"target_type"`
	TargetSelection   string `json:"target_selection"`
	AllocationMethod  string `json:"allocation_method"`
	CustomerSelection string `json:"customer_selection"`
	StartsAt          string `json:"starts_at"`
	UsageLimit        *int   `json:"usage_limit"`
	OncePerCustomer   bool   `json:"once_per_customer"`
	ValueType         string `json:"value_type"`
	Value             string `json:"value"`
}

type priceRuleRequest struct {
	PriceRule priceRulePayload `json:"price_rule"`
}

type priceRuleResponse struct {
	PriceRule struct {
		ID json.Number `json:"id"`
	} `json:"price_rule"`
}

type discountCodeRequest struct {
	DiscountCode struct {
		Code string `json:"code"`
	} `json:"discount_code"`
}

// CreatePriceRule provisions an order-wide discount rule and returns its id.
// The discount value is sent as a negative fixed-point string, which is how
// the Admin API expects reductions.
func (client *Client) CreatePriceRule(ctx context.Context, title string, discountType loyalty.DiscountType, value decimal.Decimal) (string, error) {
	request := priceRuleRequest{PriceRule: priceRulePayload{
		Title:             title,
		TargetType:        "line_item",
		TargetSelection:   "all",
		AllocationMethod:  "across",
		CustomerSelection: "all",
		StartsAt:          client.nowFn().UTC().Format(time.RFC3339),
		UsageLimit:        nil,
		OncePerCustomer:   false,
		ValueType:         discountType.String(),
		Value:             negValueString(value),
	}}
	var response priceRuleResponse
	if err := client.postJSON(ctx, "price_rules.json", request, &response); err != nil {
		return "", err
	}
	ruleID := response.PriceRule.ID.String()
	if ruleID == "" {
		return "", ErrMissingPriceRuleID
	}
	client.logger.Info("price rule created",
		zap.String("title", title),
		zap.String("price_rule_id", ruleID),
	)
	return ruleID, nil
}

// CreateDiscountCode attaches a single-use code to an existing price rule.
func (client *Client) CreateDiscountCode(ctx context.Context, priceRuleID string, code string) error {
	var request discountCodeRequest
	request.DiscountCode.Code = code
	path := "price_rules/" + priceRuleID + "/discount_codes.json"
	if err := client.postJSON(ctx, path, request, nil); err != nil {
		return err
	}
	client.logger.Info("discount code created",
		zap.String("price_rule_id", priceRuleID),
		zap.String("code", code),
	)
	return nil
}

func (client *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := client.baseURL + "/admin/api/" + apiVersion + "/" + path
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerAccessToken, client.accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("admin api request: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		statusError := &StatusError{Status: response.StatusCode, Body: strings.TrimSpace(string(errorBody))}
		client.logger.Warn("admin api call failed",
			zap.String("url", url),
			zap.Int("status", response.StatusCode),
		)
		return statusError
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// negValueString formats a discount magnitude as the negative two-decimal
// string the Admin API requires, e.g. 10 -> "-10.00".
func negValueString(value decimal.Decimal) string {
	return value.Abs().Neg().StringFixed(2)
}
