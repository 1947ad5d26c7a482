package loyalty

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Points is a signed point delta as stored in the ledger.
type Points int64

// Int64 returns the raw delta.
func (points Points) Int64() int64 {
	return int64(points)
}

// MemberID identifies a loyalty member.
type MemberID struct {
	value string
}

// RewardID identifies a catalog reward.
type RewardID struct {
	value string
}

// RedemptionID identifies one redemption saga instance.
type RedemptionID struct {
	value string
}

// Email is a member's canonical (lower-cased) email address.
type Email struct {
	value string
}

// Reason is the unique human-readable idempotency key of a ledger entry.
type Reason struct {
	value string
}

// MetadataJSON stores the event payload that produced a ledger entry.
type MetadataJSON struct {
	value string
}

// NewMemberID validates and normalizes a member id.
func NewMemberID(raw string) (MemberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MemberID{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	return MemberID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MemberID) String() string {
	return id.value
}

// NewRewardID validates and normalizes a reward id.
func NewRewardID(raw string) (RewardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RewardID{}, fmt.Errorf("%w: empty value", ErrInvalidRewardID)
	}
	return RewardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RewardID) String() string {
	return id.value
}

// NewRedemptionID validates and normalizes a redemption id.
func NewRedemptionID(raw string) (RedemptionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RedemptionID{}, fmt.Errorf("%w: empty value", ErrInvalidRedemptionID)
	}
	return RedemptionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RedemptionID) String() string {
	return id.value
}

// NewEmail lower-cases and validates an email address.
func NewEmail(raw string) (Email, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Email{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	if !strings.Contains(normalized, "@") {
		return Email{}, fmt.Errorf("%w: missing @", ErrInvalidEmail)
	}
	return Email{value: normalized}, nil
}

// String returns the canonical address.
func (email Email) String() string {
	return email.value
}

// NewReason validates a ledger reason key.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the reason key.
func (reason Reason) String() string {
	return reason.value
}

// OrderReason builds the reason key crediting an order.
func OrderReason(orderID string) (Reason, error) {
	if strings.TrimSpace(orderID) == "" {
		return Reason{}, fmt.Errorf("%w: empty order id", ErrInvalidReason)
	}
	return NewReason(reasonPrefixOrder + orderID)
}

// RefundReason builds the reason key debiting a refund event.
func RefundReason(refundID string) (Reason, error) {
	if strings.TrimSpace(refundID) == "" {
		return Reason{}, fmt.Errorf("%w: empty refund id", ErrInvalidReason)
	}
	return NewReason(reasonPrefixRefund + refundID)
}

// RedeemReason builds the reason key of a redemption deduction.
func RedeemReason(redemptionID RedemptionID) Reason {
	return Reason{value: reasonPrefixRedeem + redemptionID.String()}
}

// RedeemCancelReason builds the reason key of a redemption compensation.
func RedeemCancelReason(redemptionID RedemptionID) Reason {
	return Reason{value: reasonPrefixRedeemCancel + redemptionID.String()}
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// DiscountType enumerates reward discount shapes.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed_amount"
)

// ParseDiscountType validates a stored discount type value.
func ParseDiscountType(raw string) (DiscountType, error) {
	switch DiscountType(raw) {
	case DiscountPercentage, DiscountFixed:
		return DiscountType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDiscountType, raw)
	}
}

// String returns the stored representation.
func (discountType DiscountType) String() string {
	return string(discountType)
}

// RedemptionStatus defines the redemption lifecycle as persisted.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionIssued    RedemptionStatus = "issued"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

// ParseRedemptionStatus validates a stored status value.
func ParseRedemptionStatus(raw string) (RedemptionStatus, error) {
	switch RedemptionStatus(raw) {
	case RedemptionPending, RedemptionIssued, RedemptionCancelled:
		return RedemptionStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRedemptionState, raw)
	}
}

// String returns the stored representation.
func (status RedemptionStatus) String() string {
	return string(status)
}

// Member links a ledger account to a store customer.
type Member struct {
	ID     MemberID
	UserID string
	Email  Email
}

// Reward is a catalog item redeemable for points.
type Reward struct {
	ID            RewardID
	Name          string
	Active        bool
	CostPoints    int64
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	PriceRuleID   string
}

// Redemption records one saga instance as persisted.
type Redemption struct {
	ID             RedemptionID
	MemberID       MemberID
	RewardID       RewardID
	Status         RedemptionStatus
	DiscountCode   string
	PriceRuleID    string
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the points ledger.
type Entry struct {
	EntryID        string
	MemberID       MemberID
	DeltaPoints    Points
	Reason         Reason
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryInput carries a ledger append before the store assigns an entry id.
type EntryInput struct {
	MemberID       MemberID
	DeltaPoints    Points
	Reason         Reason
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewEntryInput validates a ledger append. Zero deltas are rejected: callers
// skip zero-point events instead of writing no-op rows.
func NewEntryInput(memberID MemberID, delta Points, reason Reason, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if memberID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	if delta == 0 {
		return EntryInput{}, fmt.Errorf("%w: zero delta", ErrInvalidDeltaPoints)
	}
	if reason.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return EntryInput{
		MemberID:       memberID,
		DeltaPoints:    delta,
		Reason:         reason,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// Store is the persistence contract used by Service and the ingestion
// pipeline. BeginRedemption, CommitRedemption, and CancelRedemption must each
// be atomic at the store; balance verification and deduction happen inside
// BeginRedemption, never as separate calls.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindMemberByUserID(ctx context.Context, userID string) (Member, error)
	GetOrCreateMemberByEmail(ctx context.Context, email Email) (Member, error)
	SetMemberUserID(ctx context.Context, memberID MemberID, userID string) error
	GetReward(ctx context.Context, rewardID RewardID) (Reward, error)
	SetRewardPriceRule(ctx context.Context, rewardID RewardID, priceRuleID string) (string, error)
	SumBalance(ctx context.Context, memberID MemberID) (Points, error)
	BeginRedemption(ctx context.Context, memberID MemberID, rewardID RewardID) (RedemptionID, error)
	CommitRedemption(ctx context.Context, redemptionID RedemptionID, discountCode string, priceRuleID string) error
	CancelRedemption(ctx context.Context, redemptionID RedemptionID) error
	AppendEntry(ctx context.Context, entry EntryInput) error
	FindEntryByReason(ctx context.Context, reason Reason) (Entry, error)
	ListEntries(ctx context.Context, memberID MemberID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListPendingRedemptions(ctx context.Context, beforeUnixUTC int64, limit int) ([]Redemption, error)
}

// Promotions is the external promotion-service boundary. Calls are not
// idempotent and may fail after partially succeeding remotely.
type Promotions interface {
	CreatePriceRule(ctx context.Context, title string, discountType DiscountType, value decimal.Decimal) (string, error)
	CreateDiscountCode(ctx context.Context, priceRuleID string, code string) error
}

// IdentityInfo is the verified caller identity.
type IdentityInfo struct {
	UserID string
	Email  string
}

// Identity is the identity-provider boundary.
type Identity interface {
	VerifyToken(ctx context.Context, token string) (IdentityInfo, error)
	EnsureUser(ctx context.Context, email Email) (string, error)
}
