package loyalty

import (
	"context"
	"fmt"
)

// EnsureRule returns the reward's provisioned price-rule id, creating the rule
// on the promotion service the first time a reward is redeemed. Concurrent
// first-redemptions may race to create duplicate remote rules; the store-side
// compare-and-set (null -> value) keeps the ledger consistent by making every
// racer adopt the winner's id. The losing duplicate rule is an accepted remote
// leak and never reaches the ledger.
func (service *Service) EnsureRule(ctx context.Context, reward Reward) (string, error) {
	if reward.PriceRuleID != "" {
		return reward.PriceRuleID, nil
	}
	createdRuleID, err := service.promotions.CreatePriceRule(ctx, reward.Name, reward.DiscountType, reward.DiscountValue)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuleProvisioningFailed, err)
	}
	winningRuleID, err := service.store.SetRewardPriceRule(ctx, reward.ID, createdRuleID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuleProvisioningFailed, err)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsureRule,
		RewardID:  reward.ID,
	})
	return winningRuleID, nil
}
