package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/photorestore/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPurchaseSession = "uniq_purchase_session"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	dialectPostgres           = "postgres"
	errorOperationStore       = "store"
	errorSubjectUser          = "user"
	errorSubjectRestoration   = "restoration"
	errorSubjectPurchase      = "purchase"
	errorCodeLookup           = "lookup"
	errorCodeUpsert           = "upsert"
	errorCodeDeduct           = "deduct"
	errorCodeRefund           = "refund"
	errorCodeGrant            = "grant"
	errorCodeInsert           = "insert"
	errorCodeGet              = "get"
	errorCodeCount            = "count"
	errorCodeList             = "list"
	errorCodeInvalid          = "invalid"
	errorCodeDuplicate        = "duplicate"
	errorCodeUpdateStatus     = "update_status"
	errorCodeSetResult        = "set_result"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate prepares the schema. Production postgres deployments migrate out of
// band; sqlite (local mode and tests) relies on this.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&User{}, &Restoration{}, &Purchase{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateUser upserts the user row keyed by external identity id.
func (store *Store) GetOrCreateUser(ctx context.Context, externalID credits.UserID) (credits.User, error) {
	user, err := store.GetUser(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, credits.ErrUserNotFound) {
		return credits.User{}, err
	}
	row := User{ExternalID: externalID.String()}
	createErr := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if createErr != nil {
		return credits.User{}, wrapStoreError(errorSubjectUser, errorCodeUpsert, createErr)
	}
	// Re-read so a lost insert race still resolves to the stored row.
	return store.GetUser(ctx, externalID)
}

// GetUser resolves the user row without creating one.
func (store *Store) GetUser(ctx context.Context, externalID credits.UserID) (credits.User, error) {
	var user User
	err := store.db.WithContext(ctx).Where("external_id = ?", externalID.String()).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, credits.ErrUserNotFound)
		}
		return credits.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return mapUser(user), nil
}

// DeductPaidCredit decrements the paid balance by one in a single conditional
// update. Zero affected rows means the balance was already exhausted.
func (store *Store) DeductPaidCredit(ctx context.Context, userID string) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND paid_credits >= 1", userID).
		UpdateColumn("paid_credits", gorm.Expr("paid_credits - 1"))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectUser, errorCodeDeduct, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectUser, errorCodeDeduct, credits.ErrInsufficientCredits)
	}
	return store.paidCredits(ctx, userID, errorCodeDeduct)
}

// RefundPaidCredit restores one previously deducted credit.
func (store *Store) RefundPaidCredit(ctx context.Context, userID string) (int64, error) {
	return store.addPaidCredits(ctx, userID, 1, errorCodeRefund)
}

// AddPaidCredits grants purchased credits onto the paid balance.
func (store *Store) AddPaidCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	return store.addPaidCredits(ctx, userID, amount, errorCodeGrant)
}

func (store *Store) addPaidCredits(ctx context.Context, userID string, amount int64, code string) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		UpdateColumn("paid_credits", gorm.Expr("paid_credits + ?", amount))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectUser, code, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectUser, code, credits.ErrUserNotFound)
	}
	return store.paidCredits(ctx, userID, code)
}

func (store *Store) paidCredits(ctx context.Context, userID string, code string) (int64, error) {
	var user User
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error; err != nil {
		return 0, wrapStoreError(errorSubjectUser, code, err)
	}
	return user.PaidCredits, nil
}

// InsertRestoration records a restoration attempt in reserved state.
func (store *Store) InsertRestoration(ctx context.Context, input credits.RestorationInput) error {
	createdAt := time.Unix(input.CreatedUnixUTC(), 0).UTC()
	if input.CreatedUnixUTC() == 0 {
		createdAt = time.Now().UTC()
	}
	row := Restoration{
		RestorationID:  input.RestorationID().String(),
		UserID:         input.InternalUserID(),
		OriginalRef:    input.OriginalRef().String(),
		RestoredRef:    input.RestoredRef().String(),
		UsedFreeCredit: input.UsedFreeCredit(),
		Status:         credits.RestorationStatusReserved.String(),
		Metadata:       datatypesJSON(input.MetadataJSON().String()),
		CreatedAt:      createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectRestoration, errorCodeInsert, err)
	}
	return nil
}

// GetRestoration reads one attempt, locking the row when the engine supports
// it so status transitions serialize under concurrent rollbacks.
func (store *Store) GetRestoration(ctx context.Context, restorationID credits.RestorationID) (credits.Restoration, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Restoration
	err := query.Where("restoration_id = ?", restorationID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Restoration{}, wrapStoreError(errorSubjectRestoration, errorCodeGet, credits.ErrRestorationNotFound)
		}
		return credits.Restoration{}, wrapStoreError(errorSubjectRestoration, errorCodeGet, err)
	}
	return mapRestoration(row)
}

// UpdateRestorationStatus performs a compare-and-set status transition.
func (store *Store) UpdateRestorationStatus(ctx context.Context, restorationID credits.RestorationID, from, to credits.RestorationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Restoration{}).
		Where("restoration_id = ? AND status = ?", restorationID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectRestoration, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRestoration, errorCodeUpdateStatus, credits.ErrRestorationClosed)
	}
	return nil
}

// SetRestorationResult records the restored asset reference.
func (store *Store) SetRestorationResult(ctx context.Context, restorationID credits.RestorationID, restoredRef credits.AssetRef) error {
	result := store.db.WithContext(ctx).
		Model(&Restoration{}).
		Where("restoration_id = ?", restorationID.String()).
		Update("restored_ref", restoredRef.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectRestoration, errorCodeSetResult, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRestoration, errorCodeSetResult, credits.ErrRestorationNotFound)
	}
	return nil
}

// CountFreeRestorationsSince counts free-credit attempts created on or after
// the cutoff, excluding rolled-back rows.
func (store *Store) CountFreeRestorationsSince(ctx context.Context, userID string, sinceUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Restoration{}).
		Where("user_id = ? AND used_free_credit = ? AND status <> ? AND created_at >= ?",
			userID, true, credits.RestorationStatusRolledBack.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectRestoration, errorCodeCount, err)
	}
	return count, nil
}

// ListRestorations returns attempts for a user before a cutoff, newest first.
func (store *Store) ListRestorations(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Restoration, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []Restoration
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRestoration, errorCodeList, err)
	}

	restorations := make([]credits.Restoration, 0, len(rows))
	for _, row := range rows {
		restoration, err := mapRestoration(row)
		if err != nil {
			return nil, err
		}
		restorations = append(restorations, restoration)
	}
	return restorations, nil
}

// InsertPurchase records a fulfilled payment. The unique checkout session id
// turns replayed webhook events into ErrDuplicatePurchase.
func (store *Store) InsertPurchase(ctx context.Context, input credits.PurchaseInput) error {
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	row := Purchase{
		UserID:            input.UserID,
		PackageType:       input.PackageType,
		Credits:           input.Credits,
		AmountCents:       input.AmountCents,
		CheckoutSessionID: input.CheckoutSessionID,
		CreatedAt:         createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isPurchaseConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapUser(row User) credits.User {
	return credits.User{
		UserID:      row.UserID,
		ExternalID:  row.ExternalID,
		PaidCredits: row.PaidCredits,
	}
}

func mapRestoration(row Restoration) (credits.Restoration, error) {
	status, err := credits.ParseRestorationStatus(row.Status)
	if err != nil {
		return credits.Restoration{}, wrapStoreError(errorSubjectRestoration, errorCodeInvalid, err)
	}
	return credits.Restoration{
		RestorationID:  row.RestorationID,
		UserID:         row.UserID,
		OriginalRef:    row.OriginalRef,
		RestoredRef:    row.RestoredRef,
		UsedFreeCredit: row.UsedFreeCredit,
		Status:         status,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPurchaseConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseSession
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
