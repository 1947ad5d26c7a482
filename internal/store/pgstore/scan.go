package pgstore

import (
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

func scanMember(row pgx.Row) (loyalty.Member, error) {
	var (
		memberIDValue string
		userIDValue   string
		emailValue    string
	)
	if err := row.Scan(&memberIDValue, &userIDValue, &emailValue); err != nil {
		return loyalty.Member{}, err
	}
	memberID, err := loyalty.NewMemberID(memberIDValue)
	if err != nil {
		return loyalty.Member{}, err
	}
	email, err := loyalty.NewEmail(emailValue)
	if err != nil {
		return loyalty.Member{}, err
	}
	return loyalty.Member{ID: memberID, UserID: userIDValue, Email: email}, nil
}

func scanReward(row pgx.Row) (loyalty.Reward, error) {
	var (
		rewardIDValue      string
		nameValue          string
		activeValue        bool
		costPointsValue    int64
		discountTypeValue  string
		discountValueValue string
		priceRuleIDValue   string
	)
	err := row.Scan(
		&rewardIDValue,
		&nameValue,
		&activeValue,
		&costPointsValue,
		&discountTypeValue,
		&discountValueValue,
		&priceRuleIDValue,
	)
	if err != nil {
		return loyalty.Reward{}, err
	}
	rewardID, err := loyalty.NewRewardID(rewardIDValue)
	if err != nil {
		return loyalty.Reward{}, err
	}
	discountType, err := loyalty.ParseDiscountType(discountTypeValue)
	if err != nil {
		return loyalty.Reward{}, err
	}
	discountValue, err := decimal.NewFromString(discountValueValue)
	if err != nil {
		return loyalty.Reward{}, loyalty.ErrInvalidDiscountValue
	}
	return loyalty.Reward{
		ID:            rewardID,
		Name:          nameValue,
		Active:        activeValue,
		CostPoints:    costPointsValue,
		DiscountType:  discountType,
		DiscountValue: discountValue,
		PriceRuleID:   priceRuleIDValue,
	}, nil
}

func scanEntry(row pgx.Row) (loyalty.Entry, error) {
	var (
		entryIDValue  string
		memberIDValue string
		deltaValue    int64
		reasonValue   string
		metaValue     string
		createdValue  int64
	)
	err := row.Scan(
		&entryIDValue,
		&memberIDValue,
		&deltaValue,
		&reasonValue,
		&metaValue,
		&createdValue,
	)
	if err != nil {
		return loyalty.Entry{}, err
	}
	memberID, err := loyalty.NewMemberID(memberIDValue)
	if err != nil {
		return loyalty.Entry{}, err
	}
	reason, err := loyalty.NewReason(reasonValue)
	if err != nil {
		return loyalty.Entry{}, err
	}
	metadata, err := loyalty.NewMetadataJSON(metaValue)
	if err != nil {
		return loyalty.Entry{}, err
	}
	return loyalty.Entry{
		EntryID:        entryIDValue,
		MemberID:       memberID,
		DeltaPoints:    loyalty.Points(deltaValue),
		Reason:         reason,
		Metadata:       metadata,
		CreatedUnixUTC: createdValue,
	}, nil
}

func scanRedemption(row pgx.Row) (loyalty.Redemption, error) {
	var (
		redemptionIDValue string
		memberIDValue     string
		rewardIDValue     string
		statusValue       string
		discountCodeValue string
		priceRuleIDValue  string
		createdValue      int64
	)
	err := row.Scan(
		&redemptionIDValue,
		&memberIDValue,
		&rewardIDValue,
		&statusValue,
		&discountCodeValue,
		&priceRuleIDValue,
		&createdValue,
	)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	redemptionID, err := loyalty.NewRedemptionID(redemptionIDValue)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	memberID, err := loyalty.NewMemberID(memberIDValue)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	rewardID, err := loyalty.NewRewardID(rewardIDValue)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	status, err := loyalty.ParseRedemptionStatus(statusValue)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	return loyalty.Redemption{
		ID:             redemptionID,
		MemberID:       memberID,
		RewardID:       rewardID,
		Status:         status,
		DiscountCode:   discountCodeValue,
		PriceRuleID:    priceRuleIDValue,
		CreatedUnixUTC: createdValue,
	}, nil
}

func redemptionMetaJSON(redemptionID loyalty.RedemptionID, rewardID loyalty.RewardID) string {
	return `{"redemption_id":"` + redemptionID.String() + `","reward_id":"` + rewardID.String() + `"}`
}
