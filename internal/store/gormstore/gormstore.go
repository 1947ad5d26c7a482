package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	constraintLedgerReason = "uniq_ledger_reason"
	defaultMetadataJSON    = "{}"
	pgUniqueViolationCode  = "23505"
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectMember     = "member"
	errorSubjectReward     = "reward"
	errorSubjectEntry      = "entry"
	errorSubjectBalance    = "balance"
	errorSubjectRedemption = "redemption"
	errorCodeBegin         = "begin"
	errorCodeCancel        = "cancel"
	errorCodeCommit        = "commit"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLookup        = "lookup"
	errorCodeSum           = "sum"
	errorCodeUpdate        = "update"
)

// Store implements loyalty.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. SQLite deployments call this at boot.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Member{}, &LedgerEntry{}, &Reward{}, &Redemption{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) FindMemberByUserID(ctx context.Context, userID string) (loyalty.Member, error) {
	var model Member
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeGet, loyalty.ErrMemberNotFound)
		}
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeGet, err)
	}
	return mapMember(model)
}

func (store *Store) GetOrCreateMemberByEmail(ctx context.Context, email loyalty.Email) (loyalty.Member, error) {
	var model Member
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).
		FirstOrCreate(&model, Member{Email: email.String()})
	if result.Error != nil {
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, result.Error)
	}
	if result.RowsAffected == 0 {
		// A concurrent writer inserted this email between the lookup and the
		// insert; the hook-assigned id was never persisted. Re-read the
		// winner's row so ledger entries land on a member that exists.
		if err := store.db.WithContext(ctx).Where("email = ?", email.String()).Take(&model).Error; err != nil {
			return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, err)
		}
	}
	return mapMember(model)
}

// SetMemberUserID backfills the identity reference once; members that already
// carry one are left untouched.
func (store *Store) SetMemberUserID(ctx context.Context, memberID loyalty.MemberID, userID string) error {
	err := store.db.WithContext(ctx).
		Model(&Member{}).
		Where("member_id = ? AND user_id IS NULL", memberID.String()).
		Update("user_id", userID).Error
	if err != nil {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetReward(ctx context.Context, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	var model Reward
	err := store.db.WithContext(ctx).Where("reward_id = ?", rewardID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
		}
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	return mapReward(model)
}

// SetRewardPriceRule is a compare-and-set restricted to the transition
// null -> value. The returned id is whatever the row holds afterwards, so a
// racer that lost the update adopts the winner's rule id.
func (store *Store) SetRewardPriceRule(ctx context.Context, rewardID loyalty.RewardID, priceRuleID string) (string, error) {
	result := store.db.WithContext(ctx).
		Model(&Reward{}).
		Where("reward_id = ? AND price_rule_id IS NULL", rewardID.String()).
		Update("price_rule_id", priceRuleID)
	if result.Error != nil {
		return "", wrapStoreError(errorSubjectReward, errorCodeUpdate, result.Error)
	}
	var model Reward
	if err := store.db.WithContext(ctx).Where("reward_id = ?", rewardID.String()).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
		}
		return "", wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	if model.PriceRuleID == nil || *model.PriceRuleID == "" {
		return "", wrapStoreError(errorSubjectReward, errorCodeUpdate, loyalty.ErrRuleProvisioningFailed)
	}
	return *model.PriceRuleID, nil
}

func (store *Store) SumBalance(ctx context.Context, memberID loyalty.MemberID) (loyalty.Points, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta_points),0) as total").
		Where("member_id = ?", memberID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return loyalty.Points(sum.Total), nil
}

// BeginRedemption atomically verifies the balance, deducts the reward cost,
// and creates the pending redemption. The member row is locked for the
// duration so concurrent redemptions serialize on the balance check.
func (store *Store) BeginRedemption(ctx context.Context, memberID loyalty.MemberID, rewardID loyalty.RewardID) (loyalty.RedemptionID, error) {
	var redemptionID loyalty.RedemptionID
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		txStore := &Store{db: transaction}

		var member Member
		if err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("member_id = ?", memberID.String()).Take(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectMember, errorCodeGet, loyalty.ErrMemberNotFound)
			}
			return wrapStoreError(errorSubjectMember, errorCodeGet, err)
		}

		var reward Reward
		if err := transaction.Where("reward_id = ?", rewardID.String()).Take(&reward).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
			}
			return wrapStoreError(errorSubjectReward, errorCodeGet, err)
		}
		if !reward.Active {
			return wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardInactive)
		}

		balance, err := txStore.SumBalance(ctx, memberID)
		if err != nil {
			return err
		}
		if balance.Int64() < reward.CostPoints {
			return wrapStoreError(errorSubjectRedemption, errorCodeBegin, loyalty.ErrInsufficientPoints)
		}

		redemption := Redemption{
			MemberID: memberID.String(),
			RewardID: rewardID.String(),
			Status:   loyalty.RedemptionPending.String(),
		}
		if err := transaction.Create(&redemption).Error; err != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
		}
		parsedID, err := loyalty.NewRedemptionID(redemption.RedemptionID)
		if err != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeInvalid, err)
		}

		deduction := LedgerEntry{
			MemberID:    memberID.String(),
			DeltaPoints: -reward.CostPoints,
			Reason:      loyalty.RedeemReason(parsedID).String(),
			Meta:        datatypesJSON(redemptionMeta(parsedID, rewardID)),
			CreatedAt:   time.Now().UTC(),
		}
		if err := transaction.Create(&deduction).Error; err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		redemptionID = parsedID
		return nil
	})
	if err != nil {
		return loyalty.RedemptionID{}, err
	}
	return redemptionID, nil
}

// CommitRedemption records the issued code and moves pending -> issued.
func (store *Store) CommitRedemption(ctx context.Context, redemptionID loyalty.RedemptionID, discountCode string, priceRuleID string) error {
	result := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("redemption_id = ? AND status = ?", redemptionID.String(), loyalty.RedemptionPending.String()).
		Updates(map[string]interface{}{
			"status":        loyalty.RedemptionIssued.String(),
			"discount_code": discountCode,
			"price_rule_id": priceRuleID,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCommit, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.redemptionTransitionError(ctx, redemptionID, errorCodeCommit)
	}
	return nil
}

// CancelRedemption reverses the deduction and moves pending -> cancelled.
func (store *Store) CancelRedemption(ctx context.Context, redemptionID loyalty.RedemptionID) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&Redemption{}).
			Where("redemption_id = ? AND status = ?", redemptionID.String(), loyalty.RedemptionPending.String()).
			Update("status", loyalty.RedemptionCancelled.String())
		if result.Error != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeCancel, result.Error)
		}
		if result.RowsAffected == 0 {
			return store.redemptionTransitionError(ctx, redemptionID, errorCodeCancel)
		}

		var deduction LedgerEntry
		if err := transaction.Where("reason = ?", loyalty.RedeemReason(redemptionID).String()).Take(&deduction).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectEntry, errorCodeGet, loyalty.ErrEntryNotFound)
			}
			return wrapStoreError(errorSubjectEntry, errorCodeGet, err)
		}
		reversal := LedgerEntry{
			MemberID:    deduction.MemberID,
			DeltaPoints: -deduction.DeltaPoints,
			Reason:      loyalty.RedeemCancelReason(redemptionID).String(),
			Meta:        deduction.Meta,
			CreatedAt:   time.Now().UTC(),
		}
		if err := transaction.Create(&reversal).Error; err != nil {
			if isReasonConflict(err) {
				// Cancel already reversed this redemption.
				return nil
			}
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) AppendEntry(ctx context.Context, entryInput loyalty.EntryInput) error {
	createdAt := time.Unix(entryInput.CreatedUnixUTC, 0).UTC()
	if entryInput.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	entry := LedgerEntry{
		MemberID:    entryInput.MemberID.String(),
		DeltaPoints: entryInput.DeltaPoints.Int64(),
		Reason:      entryInput.Reason.String(),
		Meta:        datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:   createdAt,
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isReasonConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, loyalty.ErrDuplicateReason)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntryByReason(ctx context.Context, reason loyalty.Reason) (loyalty.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("reason = ?", reason.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, loyalty.ErrEntryNotFound)
		}
		return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) ListEntries(ctx context.Context, memberID loyalty.MemberID, beforeUnixUTC int64, limit int) ([]loyalty.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND created_at < ?", memberID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]loyalty.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ListPendingRedemptions(ctx context.Context, beforeUnixUTC int64, limit int) ([]loyalty.Redemption, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []Redemption
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", loyalty.RedemptionPending.String(), before).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRedemption, errorCodeList, err)
	}
	redemptions := make([]loyalty.Redemption, 0, len(rows))
	for _, row := range rows {
		redemption, err := mapRedemption(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRedemption, errorCodeInvalid, err)
		}
		redemptions = append(redemptions, redemption)
	}
	return redemptions, nil
}

// redemptionTransitionError distinguishes a missing redemption from one that
// already left pending.
func (store *Store) redemptionTransitionError(ctx context.Context, redemptionID loyalty.RedemptionID, code string) error {
	var model Redemption
	err := store.db.WithContext(ctx).Where("redemption_id = ?", redemptionID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectRedemption, code, loyalty.ErrRedemptionNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, code, err)
	}
	return wrapStoreError(errorSubjectRedemption, code, loyalty.ErrRedemptionNotPending)
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapMember(model Member) (loyalty.Member, error) {
	memberID, err := loyalty.NewMemberID(model.MemberID)
	if err != nil {
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
	}
	email, err := loyalty.NewEmail(model.Email)
	if err != nil {
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
	}
	userID := ""
	if model.UserID != nil {
		userID = *model.UserID
	}
	return loyalty.Member{ID: memberID, UserID: userID, Email: email}, nil
}

func mapReward(model Reward) (loyalty.Reward, error) {
	rewardID, err := loyalty.NewRewardID(model.RewardID)
	if err != nil {
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	discountType, err := loyalty.ParseDiscountType(model.DiscountType)
	if err != nil {
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	discountValue, err := decimal.NewFromString(model.DiscountValue)
	if err != nil {
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, loyalty.ErrInvalidDiscountValue)
	}
	priceRuleID := ""
	if model.PriceRuleID != nil {
		priceRuleID = *model.PriceRuleID
	}
	return loyalty.Reward{
		ID:            rewardID,
		Name:          model.Name,
		Active:        model.Active,
		CostPoints:    model.CostPoints,
		DiscountType:  discountType,
		DiscountValue: discountValue,
		PriceRuleID:   priceRuleID,
	}, nil
}

func mapRedemption(model Redemption) (loyalty.Redemption, error) {
	redemptionID, err := loyalty.NewRedemptionID(model.RedemptionID)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	memberID, err := loyalty.NewMemberID(model.MemberID)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	rewardID, err := loyalty.NewRewardID(model.RewardID)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	status, err := loyalty.ParseRedemptionStatus(model.Status)
	if err != nil {
		return loyalty.Redemption{}, err
	}
	discountCode := ""
	if model.DiscountCode != nil {
		discountCode = *model.DiscountCode
	}
	priceRuleID := ""
	if model.PriceRuleID != nil {
		priceRuleID = *model.PriceRuleID
	}
	return loyalty.Redemption{
		ID:             redemptionID,
		MemberID:       memberID,
		RewardID:       rewardID,
		Status:         status,
		DiscountCode:   discountCode,
		PriceRuleID:    priceRuleID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (loyalty.Entry, error) {
	memberID, err := loyalty.NewMemberID(model.MemberID)
	if err != nil {
		return loyalty.Entry{}, err
	}
	reason, err := loyalty.NewReason(model.Reason)
	if err != nil {
		return loyalty.Entry{}, err
	}
	metadata, err := loyalty.NewMetadataJSON(string(model.Meta))
	if err != nil {
		return loyalty.Entry{}, err
	}
	return loyalty.Entry{
		EntryID:        model.EntryID,
		MemberID:       memberID,
		DeltaPoints:    loyalty.Points(model.DeltaPoints),
		Reason:         reason,
		Metadata:       metadata,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func redemptionMeta(redemptionID loyalty.RedemptionID, rewardID loyalty.RewardID) string {
	return `{"redemption_id":"` + redemptionID.String() + `","reward_id":"` + rewardID.String() + `"}`
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isReasonConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerReason
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
