package loyalty

import "fmt"

// SagaState tracks one redemption saga from the store-side begin to its
// terminal outcome. The pivot point is external code issuance: before it a
// failure aborts by cancelling the reservation; after it a failure is handled
// by compensation. CompensationFailed marks a redemption stuck pending with
// deducted points, which requires manual reconciliation.
type SagaState string

const (
	SagaBegun              SagaState = "begun"
	SagaIssued             SagaState = "issued"
	SagaCommitted          SagaState = "committed"
	SagaCancelled          SagaState = "cancelled"
	SagaCompensationFailed SagaState = "compensation_failed"
)

// String returns the stored representation.
func (state SagaState) String() string {
	return string(state)
}

var sagaTransitions = map[SagaState][]SagaState{
	SagaBegun:  {SagaIssued, SagaCancelled, SagaCompensationFailed},
	SagaIssued: {SagaCommitted, SagaCancelled, SagaCompensationFailed},
}

// redemptionSaga enforces the transition table while Redeem walks the
// begin / issue / commit-or-cancel protocol.
type redemptionSaga struct {
	redemptionID RedemptionID
	state        SagaState
	code         string
	priceRuleID  string
}

func newRedemptionSaga(redemptionID RedemptionID, priceRuleID string) *redemptionSaga {
	return &redemptionSaga{
		redemptionID: redemptionID,
		state:        SagaBegun,
		priceRuleID:  priceRuleID,
	}
}

func (saga *redemptionSaga) transition(to SagaState) error {
	for _, allowed := range sagaTransitions[saga.state] {
		if allowed == to {
			saga.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidSagaTransition, saga.state, to)
}

// RedemptionReceipt is the saga outcome returned to the caller.
type RedemptionReceipt struct {
	RedemptionID RedemptionID
	Code         string
	State        SagaState
}
