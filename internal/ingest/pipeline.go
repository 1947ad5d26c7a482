package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	topicPrefixOrders     = "orders/"
	topicRefundsCreate    = "refunds/create"
	financialStatusPaid   = "paid"
	transactionKindRefund = "refund"
)

// Terminal ingestion failures. Anything else returned by Ingest is a store
// failure the sender should redeliver.
var (
	ErrUnknownSource         = errors.New("unknown source domain")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrInvalidPipelineConfig = errors.New("invalid pipeline config")
)

// Disposition classifies an acknowledged event.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionSkipped   Disposition = "skipped"
)

// Outcome reports what an acknowledged event did to the ledger.
type Outcome struct {
	Disposition Disposition
	Note        string
	Reason      string
	DeltaPoints int64
}

// EventMeta carries the transport headers of one delivery. DeliveryID is
// diagnostic only; the ledger reason string is the idempotency key.
type EventMeta struct {
	Topic      string
	ShopDomain string
	Signature  string
	DeliveryID string
}

// Config wires a Pipeline.
type Config struct {
	Store         loyalty.Store
	Identity      loyalty.Identity
	ShopDomain    string
	WebhookSecret []byte
	Multiplier    decimal.Decimal
	Logger        *zap.Logger
	Now           func() int64
}

// Pipeline converts authenticated commerce events into ledger entries exactly
// once despite at-least-once delivery.
type Pipeline struct {
	store      loyalty.Store
	identity   loyalty.Identity
	shopDomain string
	secret     []byte
	multiplier decimal.Decimal
	logger     *zap.Logger
	nowFn      func() int64
}

// NewPipeline validates configuration and returns a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidPipelineConfig)
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("%w: identity dependency is nil", ErrInvalidPipelineConfig)
	}
	if strings.TrimSpace(cfg.ShopDomain) == "" {
		return nil, fmt.Errorf("%w: shop domain is required", ErrInvalidPipelineConfig)
	}
	if len(cfg.WebhookSecret) == 0 {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidPipelineConfig)
	}
	if !cfg.Multiplier.IsPositive() {
		return nil, fmt.Errorf("%w: points multiplier must be positive", ErrInvalidPipelineConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UTC().Unix() }
	}
	return &Pipeline{
		store:      cfg.Store,
		identity:   cfg.Identity,
		shopDomain: strings.ToLower(strings.TrimSpace(cfg.ShopDomain)),
		secret:     cfg.WebhookSecret,
		multiplier: cfg.Multiplier,
		logger:     logger,
		nowFn:      nowFn,
	}, nil
}

// Ingest authenticates, classifies, and idempotently applies one delivery.
// Source and signature rejections are terminal and happen before the body is
// parsed. A non-terminal error means the store was unavailable and the
// delivery should be retried by the sender.
func (pipeline *Pipeline) Ingest(ctx context.Context, rawBody []byte, meta EventMeta) (Outcome, error) {
	if strings.ToLower(strings.TrimSpace(meta.ShopDomain)) != pipeline.shopDomain {
		pipeline.logger.Warn("webhook rejected",
			zap.String("reason", "unknown_source"),
			zap.String("shop_domain", meta.ShopDomain),
			zap.String("delivery_id", meta.DeliveryID))
		return Outcome{}, ErrUnknownSource
	}
	if !verifySignature(pipeline.secret, rawBody, meta.Signature) {
		pipeline.logger.Warn("webhook rejected",
			zap.String("reason", "invalid_signature"),
			zap.String("delivery_id", meta.DeliveryID))
		return Outcome{}, ErrInvalidSignature
	}

	switch {
	case strings.HasPrefix(meta.Topic, topicPrefixOrders):
		return pipeline.ingestOrder(ctx, rawBody, meta)
	case meta.Topic == topicRefundsCreate:
		return pipeline.ingestRefund(ctx, rawBody, meta)
	default:
		pipeline.logger.Debug("webhook topic ignored",
			zap.String("topic", meta.Topic),
			zap.String("delivery_id", meta.DeliveryID))
		return Outcome{Disposition: DispositionSkipped, Note: "topic_ignored"}, nil
	}
}

func (pipeline *Pipeline) ingestOrder(ctx context.Context, rawBody []byte, meta EventMeta) (Outcome, error) {
	var event orderEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	email, err := loyalty.NewEmail(event.email())
	if err != nil {
		return pipeline.skip(meta, "no_email"), nil
	}
	if !event.finalPaid() {
		return pipeline.skip(meta, "not_final_paid"), nil
	}
	if event.ID.String() == "" {
		return pipeline.skip(meta, "no_order_id"), nil
	}

	member, err := pipeline.store.GetOrCreateMemberByEmail(ctx, email)
	if err != nil {
		return Outcome{}, err
	}
	if err := pipeline.backfillUser(ctx, member, email); err != nil {
		return Outcome{}, err
	}

	amount := pointsFor(event.TotalPrice.Decimal(), pipeline.multiplier)
	if amount <= 0 {
		return pipeline.skip(meta, "zero_amount"), nil
	}
	reason, err := loyalty.OrderReason(event.ID.String())
	if err != nil {
		return pipeline.skip(meta, "no_order_id"), nil
	}
	return pipeline.append(ctx, member.ID, loyalty.Points(amount), reason, rawBody, meta)
}

func (pipeline *Pipeline) ingestRefund(ctx context.Context, rawBody []byte, meta EventMeta) (Outcome, error) {
	var event refundEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if event.OrderID.String() == "" {
		return pipeline.skip(meta, "no_order_id"), nil
	}
	orderReason, err := loyalty.OrderReason(event.OrderID.String())
	if err != nil {
		return pipeline.skip(meta, "no_order_id"), nil
	}

	// The refund is attributed to whoever the order credited. No crediting
	// entry means no points were ever granted for the order.
	creditedEntry, err := pipeline.store.FindEntryByReason(ctx, orderReason)
	if err != nil {
		if errors.Is(err, loyalty.ErrEntryNotFound) {
			return pipeline.skip(meta, "unattributed_refund"), nil
		}
		return Outcome{}, err
	}

	amount := pointsFor(event.amount(), pipeline.multiplier)
	if amount <= 0 {
		return pipeline.skip(meta, "zero_amount"), nil
	}
	reason, err := loyalty.RefundReason(event.ID.String())
	if err != nil {
		return pipeline.skip(meta, "no_refund_id"), nil
	}
	return pipeline.append(ctx, creditedEntry.MemberID, loyalty.Points(-amount), reason, rawBody, meta)
}

func (pipeline *Pipeline) append(ctx context.Context, memberID loyalty.MemberID, delta loyalty.Points, reason loyalty.Reason, rawBody []byte, meta EventMeta) (Outcome, error) {
	metadata, err := loyalty.NewMetadataJSON(string(rawBody))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	entry, err := loyalty.NewEntryInput(memberID, delta, reason, metadata, pipeline.nowFn())
	if err != nil {
		return Outcome{}, err
	}
	if err := pipeline.store.AppendEntry(ctx, entry); err != nil {
		if errors.Is(err, loyalty.ErrDuplicateReason) {
			pipeline.logger.Info("event already applied",
				zap.String("reason", reason.String()),
				zap.String("delivery_id", meta.DeliveryID))
			return Outcome{Disposition: DispositionDuplicate, Reason: reason.String()}, nil
		}
		return Outcome{}, err
	}
	pipeline.logger.Info("ledger entry applied",
		zap.String("reason", reason.String()),
		zap.Int64("delta_points", delta.Int64()),
		zap.String("member_id", memberID.String()),
		zap.String("delivery_id", meta.DeliveryID))
	return Outcome{Disposition: DispositionApplied, Reason: reason.String(), DeltaPoints: delta.Int64()}, nil
}

// backfillUser ensures an identity user exists for members first seen through
// commerce events and records it once on the member row.
func (pipeline *Pipeline) backfillUser(ctx context.Context, member loyalty.Member, email loyalty.Email) error {
	if member.UserID != "" {
		return nil
	}
	userID, err := pipeline.identity.EnsureUser(ctx, email)
	if err != nil {
		return err
	}
	return pipeline.store.SetMemberUserID(ctx, member.ID, userID)
}

func (pipeline *Pipeline) skip(meta EventMeta, note string) Outcome {
	pipeline.logger.Info("event skipped",
		zap.String("note", note),
		zap.String("topic", meta.Topic),
		zap.String("delivery_id", meta.DeliveryID))
	return Outcome{Disposition: DispositionSkipped, Note: note}
}
