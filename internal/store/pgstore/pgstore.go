package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	constraintLedgerReason = "uniq_ledger_reason"
	pgUniqueViolationCode  = "23505"

	errorSubjectMember      = "member"
	errorSubjectReward      = "reward"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectRedemption  = "redemption"
	errorSubjectTransaction = "transaction"

	errorCodeBegin     = "begin"
	errorCodeCommit    = "commit"
	errorCodeCancel    = "cancel"
	errorCodeCreate    = "create"
	errorCodeDuplicate = "duplicate"
	errorCodeGet       = "get"
	errorCodeInsert    = "insert"
	errorCodeInvalid   = "invalid"
	errorCodeList      = "list"
	errorCodeLookup    = "lookup"
	errorCodeSum       = "sum"
	errorCodeUpdate    = "update"

	sqlFindMemberByUser = `
		select member_id::text, coalesce(user_id,''), email
		from members
		where user_id = $1
	`

	sqlInsertOrGetMember = `
		insert into members(member_id, email) values(gen_random_uuid(), $1)
		on conflict (email) do update set email = excluded.email
		returning member_id::text, coalesce(user_id,''), email
	`

	sqlBackfillMemberUser = `
		update members
		set user_id = $2, updated_at = now()
		where member_id = $1 and user_id is null
	`

	sqlGetReward = `
		select reward_id::text, name, active, cost_points, discount_type, discount_value::text, coalesce(price_rule_id,'')
		from rewards
		where reward_id = $1
	`

	sqlSetRewardRule = `
		update rewards
		set price_rule_id = $2, updated_at = now()
		where reward_id = $1 and price_rule_id is null
	`

	sqlGetRewardRule = `
		select coalesce(price_rule_id,'') from rewards where reward_id = $1
	`

	sqlSumBalance = `
		select coalesce(sum(delta_points),0) from points_ledger where member_id = $1
	`

	sqlLockMember = `
		select member_id from members where member_id = $1 for update
	`

	sqlInsertRedemption = `
		insert into redemptions(redemption_id, member_id, reward_id, status)
		values (gen_random_uuid(), $1, $2, 'pending')
		returning redemption_id::text
	`

	sqlCommitRedemption = `
		update redemptions
		set status = 'issued', discount_code = $2, price_rule_id = $3, updated_at = now()
		where redemption_id = $1 and status = 'pending'
	`

	sqlCancelRedemption = `
		update redemptions
		set status = 'cancelled', updated_at = now()
		where redemption_id = $1 and status = 'pending'
	`

	sqlGetRedemptionStatus = `
		select status from redemptions where redemption_id = $1
	`

	sqlInsertEntry = `
		insert into points_ledger(entry_id, member_id, delta_points, reason, meta, created_at)
		values (gen_random_uuid(), $1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, coalesce(to_timestamp(nullif($5,0)), now()))
	`

	sqlFindEntryByReason = `
		select entry_id::text, member_id::text, delta_points, reason, coalesce(meta::text,'{}'), extract(epoch from created_at)::bigint
		from points_ledger
		where reason = $1
	`

	sqlListEntriesBefore = `
		select entry_id::text, member_id::text, delta_points, reason, coalesce(meta::text,'{}'), extract(epoch from created_at)::bigint
		from points_ledger
		where member_id = $1 and created_at < coalesce(to_timestamp(nullif($2,0)), now() + interval '1 second')
		order by created_at desc
		limit $3
	`

	sqlListPendingBefore = `
		select redemption_id::text, member_id::text, reward_id::text, status, coalesce(discount_code,''), coalesce(price_rule_id,''), extract(epoch from created_at)::bigint
		from redemptions
		where status = 'pending' and created_at < coalesce(to_timestamp(nullif($1,0)), now() + interval '1 second')
		order by created_at asc
		limit $2
	`
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements loyalty.Store against PostgreSQL using pgx directly.
// Outside WithTx every call runs in autocommit mode; inside WithTx the
// same methods run against the enclosing transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	txStore := &Store{db: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// inTx runs fn inside the current transaction if one is active, or a new one otherwise.
func (store *Store) inTx(ctx context.Context, fn func(ctx context.Context, queries querier) error) error {
	if store.pool == nil {
		return fn(ctx, store.db)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) FindMemberByUserID(ctx context.Context, userID string) (loyalty.Member, error) {
	member, err := scanMember(store.db.QueryRow(ctx, sqlFindMemberByUser, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, loyalty.ErrMemberNotFound)
		}
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, err)
	}
	return member, nil
}

func (store *Store) GetOrCreateMemberByEmail(ctx context.Context, email loyalty.Email) (loyalty.Member, error) {
	member, err := scanMember(store.db.QueryRow(ctx, sqlInsertOrGetMember, email.String()))
	if err != nil {
		return loyalty.Member{}, wrapStoreError(errorSubjectMember, errorCodeCreate, err)
	}
	return member, nil
}

func (store *Store) SetMemberUserID(ctx context.Context, memberID loyalty.MemberID, userID string) error {
	_, err := store.db.Exec(ctx, sqlBackfillMemberUser, memberID.String(), userID)
	if err != nil {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetReward(ctx context.Context, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	return getReward(ctx, store.db, rewardID)
}

func getReward(ctx context.Context, queries querier, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	reward, err := scanReward(queries.QueryRow(ctx, sqlGetReward, rewardID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
		}
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	return reward, nil
}

func (store *Store) SetRewardPriceRule(ctx context.Context, rewardID loyalty.RewardID, priceRuleID string) (string, error) {
	if _, err := store.db.Exec(ctx, sqlSetRewardRule, rewardID.String(), priceRuleID); err != nil {
		return "", wrapStoreError(errorSubjectReward, errorCodeUpdate, err)
	}
	var winnerRuleID string
	err := store.db.QueryRow(ctx, sqlGetRewardRule, rewardID.String()).Scan(&winnerRuleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
		}
		return "", wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	return winnerRuleID, nil
}

func (store *Store) SumBalance(ctx context.Context, memberID loyalty.MemberID) (loyalty.Points, error) {
	return sumBalance(ctx, store.db, memberID)
}

func sumBalance(ctx context.Context, queries querier, memberID loyalty.MemberID) (loyalty.Points, error) {
	var sum int64
	err := queries.QueryRow(ctx, sqlSumBalance, memberID.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return loyalty.Points(sum), nil
}

func (store *Store) BeginRedemption(ctx context.Context, memberID loyalty.MemberID, rewardID loyalty.RewardID) (loyalty.RedemptionID, error) {
	var redemptionID loyalty.RedemptionID
	err := store.inTx(ctx, func(ctx context.Context, queries querier) error {
		var lockedID string
		if err := queries.QueryRow(ctx, sqlLockMember, memberID.String()).Scan(&lockedID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapStoreError(errorSubjectMember, errorCodeLookup, loyalty.ErrMemberNotFound)
			}
			return wrapStoreError(errorSubjectMember, errorCodeLookup, err)
		}
		reward, err := getReward(ctx, queries, rewardID)
		if err != nil {
			return err
		}
		if !reward.Active {
			return wrapStoreError(errorSubjectReward, errorCodeInvalid, loyalty.ErrRewardInactive)
		}
		balance, err := sumBalance(ctx, queries, memberID)
		if err != nil {
			return err
		}
		if balance.Int64() < reward.CostPoints {
			return wrapStoreError(errorSubjectBalance, errorCodeInvalid, loyalty.ErrInsufficientPoints)
		}
		var redemptionIDValue string
		if err := queries.QueryRow(ctx, sqlInsertRedemption, memberID.String(), rewardID.String()).Scan(&redemptionIDValue); err != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
		}
		parsedID, err := loyalty.NewRedemptionID(redemptionIDValue)
		if err != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeInvalid, err)
		}
		reason := loyalty.RedeemReason(parsedID)
		meta := redemptionMetaJSON(parsedID, rewardID)
		if _, err := queries.Exec(ctx, sqlInsertEntry, memberID.String(), -reward.CostPoints, reason.String(), meta, int64(0)); err != nil {
			if isReasonConflict(err) {
				return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, loyalty.ErrDuplicateReason)
			}
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

func (store *Store) CommitRedemption(ctx context.Context, redemptionID loyalty.RedemptionID, discountCode string, priceRuleID string) error {
	tag, err := store.db.Exec(ctx, sqlCommitRedemption, redemptionID.String(), discountCode, priceRuleID)
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCommit, err)
	}
	if tag.RowsAffected() == 0 {
		return store.redemptionTransitionError(ctx, redemptionID, errorCodeCommit)
	}
	return nil
}

func (store *Store) CancelRedemption(ctx context.Context, redemptionID loyalty.RedemptionID) error {
	return store.inTx(ctx, func(ctx context.Context, queries querier) error {
		tag, err := queries.Exec(ctx, sqlCancelRedemption, redemptionID.String())
		if err != nil {
			return wrapStoreError(errorSubjectRedemption, errorCodeCancel, err)
		}
		if tag.RowsAffected() == 0 {
			return store.redemptionTransitionError(ctx, redemptionID, errorCodeCancel)
		}
		deductionReason := loyalty.RedeemReason(redemptionID)
		entry, err := scanEntry(queries.QueryRow(ctx, sqlFindEntryByReason, deductionReason.String()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapStoreError(errorSubjectEntry, errorCodeLookup, loyalty.ErrEntryNotFound)
			}
			return wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
		}
		reversalReason := loyalty.RedeemCancelReason(redemptionID)
		_, err = queries.Exec(ctx, sqlInsertEntry, entry.MemberID.String(), -entry.DeltaPoints.Int64(), reversalReason.String(), entry.Metadata.String(), int64(0))
		if isReasonConflict(err) {
			return nil
		}
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) redemptionTransitionError(ctx context.Context, redemptionID loyalty.RedemptionID, code string) error {
	var statusValue string
	err := store.db.QueryRow(ctx, sqlGetRedemptionStatus, redemptionID.String()).Scan(&statusValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(errorSubjectRedemption, code, loyalty.ErrRedemptionNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, code, err)
	}
	return wrapStoreError(errorSubjectRedemption, code, loyalty.ErrRedemptionNotPending)
}

func (store *Store) AppendEntry(ctx context.Context, entryInput loyalty.EntryInput) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entryInput.MemberID.String(),
		entryInput.DeltaPoints.Int64(),
		entryInput.Reason.String(),
		entryInput.Metadata.String(),
		entryInput.CreatedUnixUTC,
	)
	if isReasonConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, loyalty.ErrDuplicateReason)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntryByReason(ctx context.Context, reason loyalty.Reason) (loyalty.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlFindEntryByReason, reason.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, loyalty.ErrEntryNotFound)
		}
		return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, memberID loyalty.MemberID, beforeUnixUTC int64, limit int) ([]loyalty.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, memberID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]loyalty.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) ListPendingRedemptions(ctx context.Context, beforeUnixUTC int64, limit int) ([]loyalty.Redemption, error) {
	rows, err := store.db.Query(ctx, sqlListPendingBefore, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRedemption, errorCodeList, err)
	}
	defer rows.Close()
	redemptions := make([]loyalty.Redemption, 0, limit)
	for rows.Next() {
		redemption, err := scanRedemption(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRedemption, errorCodeInvalid, err)
		}
		redemptions = append(redemptions, redemption)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRedemption, errorCodeList, err)
	}
	return redemptions, nil
}

func isReasonConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerReason
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError("store", subject, code, err)
}
