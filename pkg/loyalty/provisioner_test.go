package loyalty

import (
	"context"
	"errors"
	"testing"
)

func TestEnsureRuleReturnsMemoizedID(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	store.reward.PriceRuleID = "rule-existing"
	promotions := newStubPromotions()
	service := mustNewService(test, store, promotions, newStubIdentity())

	ruleID, err := service.EnsureRule(context.Background(), store.reward)
	if err != nil {
		test.Fatalf("ensure rule: %v", err)
	}
	if ruleID != "rule-existing" {
		test.Fatalf("expected memoized rule id, got %q", ruleID)
	}
	if len(promotions.createdRules) != 0 {
		test.Fatalf("expected no remote call for a provisioned reward, got %d", len(promotions.createdRules))
	}
}

func TestEnsureRuleProvisionsOnFirstUse(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	promotions := newStubPromotions()
	service := mustNewService(test, store, promotions, newStubIdentity())

	ruleID, err := service.EnsureRule(context.Background(), store.reward)
	if err != nil {
		test.Fatalf("ensure rule: %v", err)
	}
	if ruleID != testRuleID {
		test.Fatalf("expected %q, got %q", testRuleID, ruleID)
	}
	if len(promotions.createdRules) != 1 || promotions.createdRules[0] != store.reward.Name {
		test.Fatalf("expected one rule titled %q, got %v", store.reward.Name, promotions.createdRules)
	}
	if store.reward.PriceRuleID != testRuleID {
		test.Fatalf("expected rule id persisted, got %q", store.reward.PriceRuleID)
	}
}

func TestEnsureRuleAdoptsRaceWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	store.setRuleWinner = "rule-winner"
	promotions := newStubPromotions()
	service := mustNewService(test, store, promotions, newStubIdentity())

	ruleID, err := service.EnsureRule(context.Background(), store.reward)
	if err != nil {
		test.Fatalf("ensure rule: %v", err)
	}
	if ruleID != "rule-winner" {
		test.Fatalf("losing racer must adopt the winner's id, got %q", ruleID)
	}
}

func TestEnsureRuleWrapsRemoteFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	promotions := newStubPromotions()
	promotions.createRuleError = errors.New("remote 502")
	service := mustNewService(test, store, promotions, newStubIdentity())

	_, err := service.EnsureRule(context.Background(), store.reward)
	if !errors.Is(err, ErrRuleProvisioningFailed) {
		test.Fatalf("expected ErrRuleProvisioningFailed, got %v", err)
	}
}

func TestEnsureRuleWrapsStoreFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	store.setRuleError = errors.New("store down")
	service := mustNewService(test, store, newStubPromotions(), newStubIdentity())

	_, err := service.EnsureRule(context.Background(), store.reward)
	if !errors.Is(err, ErrRuleProvisioningFailed) {
		test.Fatalf("expected ErrRuleProvisioningFailed, got %v", err)
	}
}
