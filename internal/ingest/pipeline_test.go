package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	testShopDomain = "example.myshopify.com"
	testSecret     = "webhook-secret"
	testUserID     = "user-1"
)

func TestIngestRejectsUnknownSource(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{}`)

	_, err := pipeline.Ingest(context.Background(), body, EventMeta{
		Topic:      "orders/paid",
		ShopDomain: "evil.example.com",
		Signature:  SignBody([]byte(testSecret), body),
	})
	if !errors.Is(err, ErrUnknownSource) {
		test.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestIngestRejectsBadSignature(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{}`)

	_, err := pipeline.Ingest(context.Background(), body, EventMeta{
		Topic:      "orders/paid",
		ShopDomain: testShopDomain,
		Signature:  SignBody([]byte("wrong-secret"), body),
	})
	if !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestIngestSignatureCoversExactBytes(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{"id": 1}`)
	tampered := []byte(`{"id": 2}`)

	_, err := pipeline.Ingest(context.Background(), tampered, EventMeta{
		Topic:      "orders/paid",
		ShopDomain: testShopDomain,
		Signature:  SignBody([]byte(testSecret), body),
	})
	if !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestIngestIgnoresUnrelatedTopics(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)

	outcome := mustIngest(test, pipeline, "customers/update", []byte(`{}`))
	if outcome.Disposition != DispositionSkipped || outcome.Note != "topic_ignored" {
		test.Fatalf("expected skipped topic, got %+v", outcome)
	}
}

func TestIngestPaidOrderCreditsFlooredPoints(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	body := []byte(`{"id": 1001, "email": "Shopper@Example.com", "financial_status": "paid", "total_price": "19.99"}`)

	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Disposition != DispositionApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	// 19.99 x 2 = 39.98, floored.
	if outcome.DeltaPoints != 39 {
		test.Fatalf("expected 39 points, got %d", outcome.DeltaPoints)
	}
	if outcome.Reason != "order:1001" {
		test.Fatalf("expected reason order:1001, got %q", outcome.Reason)
	}
	if store.balance != 39 {
		test.Fatalf("expected balance 39, got %d", store.balance)
	}
}

func TestIngestOrderAcceptsStringOrNumberID(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{"id": "2002", "email": "a@b.com", "financial_status": "paid", "total_price": 10}`)

	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Reason != "order:2002" {
		test.Fatalf("expected reason order:2002, got %q", outcome.Reason)
	}
	if outcome.DeltaPoints != 20 {
		test.Fatalf("expected 20 points from numeric total, got %d", outcome.DeltaPoints)
	}
}

func TestIngestOrderFallsBackToCustomerEmail(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	body := []byte(`{"id": 3, "customer": {"email": "nested@example.com"}, "financial_status": "paid", "total_price": "5.00"}`)

	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Disposition != DispositionApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	if store.memberEmail != "nested@example.com" {
		test.Fatalf("expected nested email, got %q", store.memberEmail)
	}
}

func TestIngestOrderSkipsWithoutEmail(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	body := []byte(`{"id": 4, "financial_status": "paid", "total_price": "5.00"}`)

	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Disposition != DispositionSkipped || outcome.Note != "no_email" {
		test.Fatalf("expected no_email skip, got %+v", outcome)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestIngestOrderSkipsNonFinalStates(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{name: "pending", body: `{"id": 5, "email": "a@b.com", "financial_status": "pending", "total_price": "5.00"}`},
		{name: "cancelled", body: `{"id": 6, "email": "a@b.com", "financial_status": "paid", "cancelled_at": "2026-08-01T00:00:00Z", "total_price": "5.00"}`},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			pipeline, store := newTestPipeline(test)
			outcome := mustIngest(test, pipeline, "orders/paid", []byte(testCase.body))
			if outcome.Disposition != DispositionSkipped || outcome.Note != "not_final_paid" {
				test.Fatalf("expected not_final_paid skip, got %+v", outcome)
			}
			if len(store.entries) != 0 {
				test.Fatalf("expected no entries, got %d", len(store.entries))
			}
		})
	}
}

func TestIngestOrderSkipsZeroAmount(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{"id": 7, "email": "a@b.com", "financial_status": "paid", "total_price": "0.00"}`)

	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Disposition != DispositionSkipped || outcome.Note != "zero_amount" {
		test.Fatalf("expected zero_amount skip, got %+v", outcome)
	}
}

func TestIngestOrderDuplicateIsAcknowledged(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	body := []byte(`{"id": 8, "email": "a@b.com", "financial_status": "paid", "total_price": "10.00"}`)

	first := mustIngest(test, pipeline, "orders/paid", body)
	if first.Disposition != DispositionApplied {
		test.Fatalf("expected applied, got %+v", first)
	}
	second := mustIngest(test, pipeline, "orders/paid", body)
	if second.Disposition != DispositionDuplicate {
		test.Fatalf("expected duplicate, got %+v", second)
	}
	if store.balance != 20 {
		test.Fatalf("expected credit applied once, balance %d", store.balance)
	}
}

func TestIngestOrderBackfillsUserOnce(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	store.memberUserID = ""
	body := []byte(`{"id": 9, "email": "a@b.com", "financial_status": "paid", "total_price": "10.00"}`)

	mustIngest(test, pipeline, "orders/paid", body)
	if store.memberUserID != testUserID {
		test.Fatalf("expected backfilled user id, got %q", store.memberUserID)
	}
	if store.setUserCalls != 1 {
		test.Fatalf("expected one backfill, got %d", store.setUserCalls)
	}

	mustIngest(test, pipeline, "orders/fulfilled", body)
	if store.setUserCalls != 1 {
		test.Fatalf("expected no second backfill, got %d", store.setUserCalls)
	}
}

func TestIngestOrderSurfacesStoreFailures(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	store.appendError = errors.New("connection refused")
	body := []byte(`{"id": 10, "email": "a@b.com", "financial_status": "paid", "total_price": "10.00"}`)

	_, err := pipeline.Ingest(context.Background(), body, signedMeta("orders/paid", body))
	if err == nil || errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected retryable store error, got %v", err)
	}
}

func TestIngestRefundDebitsByTransactionSum(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	creditOrder(test, pipeline, store, "100", "50.00")

	body := []byte(`{"id": 700, "order_id": 100, "transactions": [
		{"kind": "refund", "amount": "12.00"},
		{"kind": "refund", "amount": "-8.00"},
		{"kind": "sale", "amount": "99.00"}
	]}`)
	outcome := mustIngest(test, pipeline, "refunds/create", body)
	if outcome.Disposition != DispositionApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	// (12 + |-8|) x 2 = 40 points debited.
	if outcome.DeltaPoints != -40 {
		test.Fatalf("expected -40 points, got %d", outcome.DeltaPoints)
	}
	if outcome.Reason != "refund:700" {
		test.Fatalf("expected reason refund:700, got %q", outcome.Reason)
	}
}

func TestIngestRefundPrefersExplicitTotal(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	creditOrder(test, pipeline, store, "101", "50.00")

	body := []byte(`{"id": 701, "order_id": 101,
		"total_refund_set": {"shop_money": {"amount": "15.00"}},
		"transactions": [{"kind": "refund", "amount": "10.00"}]}`)
	outcome := mustIngest(test, pipeline, "refunds/create", body)
	if outcome.DeltaPoints != -30 {
		test.Fatalf("expected explicit total to win (-30), got %d", outcome.DeltaPoints)
	}
}

func TestIngestRefundFallsBackToLineItems(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	creditOrder(test, pipeline, store, "102", "50.00")

	body := []byte(`{"id": 702, "order_id": 102, "refund_line_items": [
		{"quantity": 2, "line_item": {"price": "7.50"}},
		{"quantity": 1, "line_item": {"price": "5.00"}}
	]}`)
	outcome := mustIngest(test, pipeline, "refunds/create", body)
	// (2 x 7.50 + 5.00) x 2 = 40 points.
	if outcome.DeltaPoints != -40 {
		test.Fatalf("expected -40 points from line items, got %d", outcome.DeltaPoints)
	}
}

func TestIngestRefundSkipsWithoutOrderID(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{"id": 703, "total_refund": "10.00"}`)

	outcome := mustIngest(test, pipeline, "refunds/create", body)
	if outcome.Disposition != DispositionSkipped || outcome.Note != "no_order_id" {
		test.Fatalf("expected no_order_id skip, got %+v", outcome)
	}
}

func TestIngestRefundSkipsUnattributedOrder(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{"id": 704, "order_id": 999, "total_refund": "10.00"}`)

	outcome := mustIngest(test, pipeline, "refunds/create", body)
	if outcome.Disposition != DispositionSkipped || outcome.Note != "unattributed_refund" {
		test.Fatalf("expected unattributed_refund skip, got %+v", outcome)
	}
}

func TestIngestRefundDuplicateIsAcknowledged(test *testing.T) {
	test.Parallel()
	pipeline, store := newTestPipeline(test)
	creditOrder(test, pipeline, store, "103", "50.00")

	body := []byte(`{"id": 705, "order_id": 103, "total_refund": "10.00"}`)
	first := mustIngest(test, pipeline, "refunds/create", body)
	if first.Disposition != DispositionApplied {
		test.Fatalf("expected applied, got %+v", first)
	}
	second := mustIngest(test, pipeline, "refunds/create", body)
	if second.Disposition != DispositionDuplicate {
		test.Fatalf("expected duplicate, got %+v", second)
	}
	if store.balance != 80 {
		test.Fatalf("expected single debit (100-20), balance %d", store.balance)
	}
}

func TestIngestMalformedOrderBody(test *testing.T) {
	test.Parallel()
	pipeline, _ := newTestPipeline(test)
	body := []byte(`{not json`)

	_, err := pipeline.Ingest(context.Background(), body, signedMeta("orders/paid", body))
	if !errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestPointsForFloorsOnce(test *testing.T) {
	test.Parallel()
	cases := []struct {
		amount     string
		multiplier string
		want       int64
	}{
		{amount: "19.99", multiplier: "2", want: 39},
		{amount: "19.99", multiplier: "1", want: 19},
		{amount: "-19.99", multiplier: "2", want: 39},
		{amount: "0.40", multiplier: "0.5", want: 0},
		{amount: "10", multiplier: "1.5", want: 15},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.amount+"x"+testCase.multiplier, func(test *testing.T) {
			test.Parallel()
			amount := mustDecimal(test, testCase.amount)
			multiplier := mustDecimal(test, testCase.multiplier)
			if got := pointsFor(amount, multiplier); got != testCase.want {
				test.Fatalf("expected %d, got %d", testCase.want, got)
			}
		})
	}
}

func newTestPipeline(test *testing.T) (*Pipeline, *fakeStore) {
	test.Helper()
	store := newFakeStore(test)
	pipeline, err := NewPipeline(Config{
		Store:         store,
		Identity:      &fakeIdentity{userID: testUserID},
		ShopDomain:    testShopDomain,
		WebhookSecret: []byte(testSecret),
		Multiplier:    decimal.NewFromInt(2),
		Now:           func() int64 { return 1700000000 },
	})
	if err != nil {
		test.Fatalf("new pipeline: %v", err)
	}
	return pipeline, store
}

func signedMeta(topic string, body []byte) EventMeta {
	return EventMeta{
		Topic:      topic,
		ShopDomain: testShopDomain,
		Signature:  SignBody([]byte(testSecret), body),
		DeliveryID: "delivery-1",
	}
}

func mustIngest(test *testing.T, pipeline *Pipeline, topic string, body []byte) Outcome {
	test.Helper()
	outcome, err := pipeline.Ingest(context.Background(), body, signedMeta(topic, body))
	if err != nil {
		test.Fatalf("ingest %s: %v", topic, err)
	}
	return outcome
}

func creditOrder(test *testing.T, pipeline *Pipeline, store *fakeStore, orderID string, total string) {
	test.Helper()
	body := []byte(fmt.Sprintf(`{"id": %s, "email": "a@b.com", "financial_status": "paid", "total_price": "%s"}`, orderID, total))
	outcome := mustIngest(test, pipeline, "orders/paid", body)
	if outcome.Disposition != DispositionApplied {
		test.Fatalf("credit order %s: %+v", orderID, outcome)
	}
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

type fakeIdentity struct {
	userID string
}

func (identity *fakeIdentity) VerifyToken(ctx context.Context, token string) (loyalty.IdentityInfo, error) {
	return loyalty.IdentityInfo{UserID: identity.userID}, nil
}

func (identity *fakeIdentity) EnsureUser(ctx context.Context, email loyalty.Email) (string, error) {
	return identity.userID, nil
}

// fakeStore implements the subset of loyalty.Store the pipeline touches; the
// rest fails loudly if reached.
type fakeStore struct {
	test         *testing.T
	memberID     loyalty.MemberID
	memberEmail  string
	memberUserID string
	setUserCalls int

	balance     int64
	entries     []loyalty.EntryInput
	reasons     map[string]loyalty.EntryInput
	appendError error
}

func newFakeStore(test *testing.T) *fakeStore {
	test.Helper()
	memberID, err := loyalty.NewMemberID("member-1")
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	return &fakeStore{
		test:         test,
		memberID:     memberID,
		memberUserID: testUserID,
		reasons:      make(map[string]loyalty.EntryInput),
	}
}

func (store *fakeStore) member() loyalty.Member {
	email, err := loyalty.NewEmail(store.memberEmail)
	if err != nil {
		email = loyalty.Email{}
	}
	return loyalty.Member{ID: store.memberID, UserID: store.memberUserID, Email: email}
}

func (store *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return fn(ctx, store)
}

func (store *fakeStore) FindMemberByUserID(ctx context.Context, userID string) (loyalty.Member, error) {
	store.test.Fatalf("unexpected FindMemberByUserID call")
	return loyalty.Member{}, nil
}

func (store *fakeStore) GetOrCreateMemberByEmail(ctx context.Context, email loyalty.Email) (loyalty.Member, error) {
	store.memberEmail = email.String()
	return store.member(), nil
}

func (store *fakeStore) SetMemberUserID(ctx context.Context, memberID loyalty.MemberID, userID string) error {
	store.setUserCalls++
	if store.memberUserID == "" {
		store.memberUserID = userID
	}
	return nil
}

func (store *fakeStore) GetReward(ctx context.Context, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	store.test.Fatalf("unexpected GetReward call")
	return loyalty.Reward{}, nil
}

func (store *fakeStore) SetRewardPriceRule(ctx context.Context, rewardID loyalty.RewardID, priceRuleID string) (string, error) {
	store.test.Fatalf("unexpected SetRewardPriceRule call")
	return "", nil
}

func (store *fakeStore) SumBalance(ctx context.Context, memberID loyalty.MemberID) (loyalty.Points, error) {
	return loyalty.Points(store.balance), nil
}

func (store *fakeStore) BeginRedemption(ctx context.Context, memberID loyalty.MemberID, rewardID loyalty.RewardID) (loyalty.RedemptionID, error) {
	store.test.Fatalf("unexpected BeginRedemption call")
	return loyalty.RedemptionID{}, nil
}

func (store *fakeStore) CommitRedemption(ctx context.Context, redemptionID loyalty.RedemptionID, discountCode string, priceRuleID string) error {
	store.test.Fatalf("unexpected CommitRedemption call")
	return nil
}

func (store *fakeStore) CancelRedemption(ctx context.Context, redemptionID loyalty.RedemptionID) error {
	store.test.Fatalf("unexpected CancelRedemption call")
	return nil
}

func (store *fakeStore) AppendEntry(ctx context.Context, entry loyalty.EntryInput) error {
	if store.appendError != nil {
		return store.appendError
	}
	if _, exists := store.reasons[entry.Reason.String()]; exists {
		return loyalty.ErrDuplicateReason
	}
	store.reasons[entry.Reason.String()] = entry
	store.entries = append(store.entries, entry)
	store.balance += entry.DeltaPoints.Int64()
	return nil
}

func (store *fakeStore) FindEntryByReason(ctx context.Context, reason loyalty.Reason) (loyalty.Entry, error) {
	entry, ok := store.reasons[reason.String()]
	if !ok {
		return loyalty.Entry{}, loyalty.ErrEntryNotFound
	}
	return loyalty.Entry{
		MemberID:    entry.MemberID,
		DeltaPoints: entry.DeltaPoints,
		Reason:      entry.Reason,
		Metadata:    entry.Metadata,
	}, nil
}

func (store *fakeStore) ListEntries(ctx context.Context, memberID loyalty.MemberID, beforeUnixUTC int64, limit int) ([]loyalty.Entry, error) {
	store.test.Fatalf("unexpected ListEntries call")
	return nil, nil
}

func (store *fakeStore) ListPendingRedemptions(ctx context.Context, beforeUnixUTC int64, limit int) ([]loyalty.Redemption, error) {
	store.test.Fatalf("unexpected ListPendingRedemptions call")
	return nil, nil
}
