package loyalty

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the domain logic over the Store, Promotions, and Identity
// boundaries.
type Service struct {
	store        Store
	promotions   Promotions
	identity     Identity
	nowFn        func() int64
	codePrefix   string
	codeSuffixFn func() string
	logger       OperationLogger
}

// NewService wires a Service.
func NewService(store Store, promotions Promotions, identity Identity, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if promotions == nil {
		return nil, fmt.Errorf("%w: promotions dependency is nil", ErrInvalidServiceConfig)
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: identity dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		promotions:   promotions,
		identity:     identity,
		nowFn:        now,
		codePrefix:   defaultCodePrefix,
		codeSuffixFn: randomCodeSuffix,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Redeem runs the redemption saga for the caller identified by token: resolve
// identity and member, admit via an advisory balance check, ensure a price
// rule, reserve points and create a pending redemption atomically at the
// store, issue a single-use discount code externally, then commit or cancel
// the reservation. Points are deducted if and only if a usable code was
// durably issued; failed cancellations surface as ErrCompensationFailed and
// leave the redemption pending for reconciliation.
func (service *Service) Redeem(ctx context.Context, token string, rewardID RewardID) (RedemptionReceipt, error) {
	receipt, operationError := service.redeem(ctx, token, rewardID)
	service.logOperation(ctx, OperationLog{
		Operation:    operationRedeem,
		RewardID:     rewardID,
		RedemptionID: receipt.RedemptionID,
		Code:         receipt.Code,
		SagaState:    receipt.State,
		Error:        operationError,
	})
	return receipt, operationError
}

func (service *Service) redeem(ctx context.Context, token string, rewardID RewardID) (RedemptionReceipt, error) {
	caller, err := service.identity.VerifyToken(ctx, token)
	if err != nil {
		return RedemptionReceipt{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	member, err := service.store.FindMemberByUserID(ctx, caller.UserID)
	if err != nil {
		return RedemptionReceipt{}, err
	}
	reward, err := service.store.GetReward(ctx, rewardID)
	if err != nil {
		return RedemptionReceipt{}, err
	}
	if !reward.Active {
		return RedemptionReceipt{}, fmt.Errorf("%w: %s", ErrRewardInactive, rewardID.String())
	}

	// Advisory only. The authoritative check runs inside BeginRedemption.
	balance, err := service.BalanceOf(ctx, member.ID)
	if err != nil {
		return RedemptionReceipt{}, err
	}
	if balance.Int64() < reward.CostPoints {
		return RedemptionReceipt{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, balance.Int64(), reward.CostPoints)
	}

	priceRuleID, err := service.EnsureRule(ctx, reward)
	if err != nil {
		return RedemptionReceipt{}, err
	}

	redemptionID, err := service.store.BeginRedemption(ctx, member.ID, reward.ID)
	if err != nil {
		return RedemptionReceipt{}, fmt.Errorf("%w: %w", ErrBeginFailed, err)
	}
	saga := newRedemptionSaga(redemptionID, priceRuleID)

	code := service.generateCode()
	if err := service.promotions.CreateDiscountCode(ctx, priceRuleID, code); err != nil {
		return service.compensate(ctx, saga, fmt.Errorf("%w: %w", ErrCodeIssuanceFailed, err))
	}
	if transitionErr := saga.transition(SagaIssued); transitionErr != nil {
		return service.receipt(saga), transitionErr
	}
	saga.code = code

	if err := service.store.CommitRedemption(ctx, redemptionID, code, priceRuleID); err != nil {
		return service.compensate(ctx, saga, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}
	if transitionErr := saga.transition(SagaCommitted); transitionErr != nil {
		return service.receipt(saga), transitionErr
	}
	return service.receipt(saga), nil
}

// compensate cancels the pending reservation after a post-pivot failure. The
// cancel runs on a context detached from the caller: a request timeout must
// not abort the compensating step.
func (service *Service) compensate(ctx context.Context, saga *redemptionSaga, cause error) (RedemptionReceipt, error) {
	cancelCtx := context.WithoutCancel(ctx)
	if cancelErr := service.store.CancelRedemption(cancelCtx, saga.redemptionID); cancelErr != nil {
		_ = saga.transition(SagaCompensationFailed)
		return service.receipt(saga), fmt.Errorf("%w: %w (after %w)", ErrCompensationFailed, cancelErr, cause)
	}
	_ = saga.transition(SagaCancelled)
	return service.receipt(saga), cause
}

func (service *Service) receipt(saga *redemptionSaga) RedemptionReceipt {
	return RedemptionReceipt{
		RedemptionID: saga.redemptionID,
		Code:         saga.code,
		State:        saga.state,
	}
}

// BalanceOf projects a member's current balance from the ledger. Advisory
// reads only; mutating decisions re-check inside the store.
func (service *Service) BalanceOf(ctx context.Context, memberID MemberID) (Points, error) {
	balance, err := service.store.SumBalance(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBalanceUnavailable, err)
	}
	return balance, nil
}

// PendingRedemptions lists redemptions stuck in pending before the cutoff,
// for reconciliation tooling.
func (service *Service) PendingRedemptions(ctx context.Context, beforeUnixUTC int64, limit int) ([]Redemption, error) {
	return service.store.ListPendingRedemptions(ctx, beforeUnixUTC, limit)
}

// ListEntries lists a member's ledger history before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, memberID MemberID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, memberID, beforeUnixUTC, limit)
}

func (service *Service) generateCode() string {
	return service.codePrefix + "-" + service.codeSuffixFn()
}

// randomCodeSuffix yields 8 uppercase hex characters. Codes are scoped to one
// price rule, so the collision probability is negligible.
func randomCodeSuffix() string {
	return strings.ToUpper(uuid.NewString()[:codeSuffixLength])
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	entry.UnixTime = service.nowFn()
	service.logger.LogOperation(ctx, entry)
}
