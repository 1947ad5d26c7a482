package loyalty

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsRedeemOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	logger := &recorderLogger{}
	service, err := NewService(store, newStubPromotions(), newStubIdentity(), func() int64 { return 42 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	receipt, err := service.Redeem(context.Background(), testToken, store.reward.ID)
	if err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	// EnsureRule logs once on first provisioning, Redeem logs once.
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	redeemEntry := logger.entries[len(logger.entries)-1]
	if redeemEntry.Operation != operationRedeem {
		test.Fatalf("unexpected operation: %s", redeemEntry.Operation)
	}
	if redeemEntry.Code != receipt.Code || redeemEntry.SagaState != SagaCommitted {
		test.Fatalf("unexpected log entry: %+v", redeemEntry)
	}
	if redeemEntry.Error != nil || redeemEntry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", redeemEntry)
	}
	if redeemEntry.UnixTime != 42 {
		test.Fatalf("expected log entry stamped by the injected clock, got %d", redeemEntry.UnixTime)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 50)
	store.findMemberError = errors.New("boom")
	logger := &recorderLogger{}
	service, err := NewService(store, newStubPromotions(), newStubIdentity(), func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	_, err = service.Redeem(context.Background(), testToken, store.reward.ID)
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}
