package gormstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/photorestore/pkg/credits"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	return store
}

func mustTestUserID(test *testing.T, raw string) credits.UserID {
	test.Helper()
	userID, err := credits.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustTestAssetRef(test *testing.T, raw string) credits.AssetRef {
	test.Helper()
	ref, err := credits.NewAssetRef(raw)
	if err != nil {
		test.Fatalf("asset ref: %v", err)
	}
	return ref
}

func mustCreateUser(test *testing.T, store *Store, externalID string) credits.User {
	test.Helper()
	user, err := store.GetOrCreateUser(context.Background(), mustTestUserID(test, externalID))
	if err != nil {
		test.Fatalf("get or create user: %v", err)
	}
	return user
}

func mustInsertRestoration(test *testing.T, store *Store, internalID string, usedFree bool, createdAt time.Time) credits.RestorationID {
	test.Helper()
	restorationID := credits.GenerateRestorationID()
	metadata, err := credits.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	input, err := credits.NewRestorationInput(restorationID, internalID, mustTestAssetRef(test, "uploads/in.jpg"), credits.AssetRef{}, usedFree, metadata, createdAt.UTC().Unix())
	if err != nil {
		test.Fatalf("restoration input: %v", err)
	}
	if err := store.InsertRestoration(context.Background(), input); err != nil {
		test.Fatalf("insert restoration: %v", err)
	}
	return restorationID
}

func TestGetOrCreateUserIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	first := mustCreateUser(test, store, "google-oauth2|100")
	second := mustCreateUser(test, store, "google-oauth2|100")

	if first.UserID == "" {
		test.Fatalf("expected generated user id")
	}
	if first.UserID != second.UserID {
		test.Fatalf("expected stable user id, got %q then %q", first.UserID, second.UserID)
	}
	if second.PaidCredits != 0 {
		test.Fatalf("expected zero starting balance, got %d", second.PaidCredits)
	}
}

func TestGetUserMissing(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.GetUser(context.Background(), mustTestUserID(test, "nobody"))
	if !errors.Is(err, credits.ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDeductPaidCreditConditionalUpdate(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "deduct-user")
	if _, err := store.AddPaidCredits(context.Background(), user.UserID, 2); err != nil {
		test.Fatalf("grant: %v", err)
	}

	remaining, err := store.DeductPaidCredit(context.Background(), user.UserID)
	if err != nil {
		test.Fatalf("first deduct: %v", err)
	}
	if remaining != 1 {
		test.Fatalf("expected 1 remaining, got %d", remaining)
	}
	remaining, err = store.DeductPaidCredit(context.Background(), user.UserID)
	if err != nil {
		test.Fatalf("second deduct: %v", err)
	}
	if remaining != 0 {
		test.Fatalf("expected 0 remaining, got %d", remaining)
	}
	if _, err := store.DeductPaidCredit(context.Background(), user.UserID); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestDeductPaidCreditConcurrentNeverNegative(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	// One writer connection so sqlite serializes the conditional updates the
	// way postgres row locks would.
	sqlDB, err := store.db.DB()
	if err != nil {
		test.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	user := mustCreateUser(test, store, "concurrent-user")
	const startingCredits = 3
	const attempts = 8
	if _, err := store.AddPaidCredits(context.Background(), user.UserID, startingCredits); err != nil {
		test.Fatalf("grant: %v", err)
	}

	var waitGroup sync.WaitGroup
	var successes atomic.Int64
	unexpected := make(chan error, attempts)
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, deductErr := store.DeductPaidCredit(context.Background(), user.UserID)
			if deductErr == nil {
				successes.Add(1)
				return
			}
			if !errors.Is(deductErr, credits.ErrInsufficientCredits) {
				unexpected <- deductErr
			}
		}()
	}
	waitGroup.Wait()
	close(unexpected)
	for deductErr := range unexpected {
		test.Fatalf("unexpected deduct error: %v", deductErr)
	}

	if successes.Load() != startingCredits {
		test.Fatalf("expected %d successful deductions, got %d", startingCredits, successes.Load())
	}
	refreshed, err := store.GetUser(context.Background(), mustTestUserID(test, "concurrent-user"))
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	if refreshed.PaidCredits != 0 {
		test.Fatalf("expected balance drained to 0, got %d", refreshed.PaidCredits)
	}
}

func TestRefundPaidCredit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "refund-user")
	if _, err := store.AddPaidCredits(context.Background(), user.UserID, 1); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := store.DeductPaidCredit(context.Background(), user.UserID); err != nil {
		test.Fatalf("deduct: %v", err)
	}

	remaining, err := store.RefundPaidCredit(context.Background(), user.UserID)
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if remaining != 1 {
		test.Fatalf("expected 1 after refund, got %d", remaining)
	}
}

func TestRestorationStatusCompareAndSet(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "status-user")
	restorationID := mustInsertRestoration(test, store, user.UserID, false, time.Now())

	if err := store.UpdateRestorationStatus(context.Background(), restorationID, credits.RestorationStatusReserved, credits.RestorationStatusCompleted); err != nil {
		test.Fatalf("complete transition: %v", err)
	}
	err := store.UpdateRestorationStatus(context.Background(), restorationID, credits.RestorationStatusReserved, credits.RestorationStatusRolledBack)
	if !errors.Is(err, credits.ErrRestorationClosed) {
		test.Fatalf("expected ErrRestorationClosed on stale transition, got %v", err)
	}

	restoration, err := store.GetRestoration(context.Background(), restorationID)
	if err != nil {
		test.Fatalf("get restoration: %v", err)
	}
	if restoration.Status != credits.RestorationStatusCompleted {
		test.Fatalf("expected completed, got %s", restoration.Status)
	}
}

func TestSetRestorationResult(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "result-user")
	restorationID := mustInsertRestoration(test, store, user.UserID, false, time.Now())

	if err := store.SetRestorationResult(context.Background(), restorationID, mustTestAssetRef(test, "restored/out.jpg")); err != nil {
		test.Fatalf("set result: %v", err)
	}
	restoration, err := store.GetRestoration(context.Background(), restorationID)
	if err != nil {
		test.Fatalf("get restoration: %v", err)
	}
	if restoration.RestoredRef != "restored/out.jpg" {
		test.Fatalf("expected restored ref recorded, got %q", restoration.RestoredRef)
	}
}

func TestInsertRestorationDefaultsCreatedAt(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "timestamp-user")

	before := time.Now().UTC().Add(-time.Minute)
	restorationID := mustInsertRestoration(test, store, user.UserID, false, time.Unix(0, 0))

	restoration, err := store.GetRestoration(context.Background(), restorationID)
	if err != nil {
		test.Fatalf("get restoration: %v", err)
	}
	if restoration.CreatedUnixUTC < before.Unix() {
		test.Fatalf("expected insertion-time stamp, got %d", restoration.CreatedUnixUTC)
	}
}

func TestGetRestorationMissing(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.GetRestoration(context.Background(), credits.GenerateRestorationID())
	if !errors.Is(err, credits.ErrRestorationNotFound) {
		test.Fatalf("expected ErrRestorationNotFound, got %v", err)
	}
}

func TestCountFreeRestorationsSince(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "count-user")
	now := time.Now().UTC()
	midnight := credits.TodayMidnightUTC(now)

	mustInsertRestoration(test, store, user.UserID, true, now)                     // counts
	mustInsertRestoration(test, store, user.UserID, false, now)                    // paid, ignored
	mustInsertRestoration(test, store, user.UserID, true, midnight.Add(-time.Hour)) // yesterday, ignored
	rolledBack := mustInsertRestoration(test, store, user.UserID, true, now)
	if err := store.UpdateRestorationStatus(context.Background(), rolledBack, credits.RestorationStatusReserved, credits.RestorationStatusRolledBack); err != nil {
		test.Fatalf("rollback: %v", err)
	}

	count, err := store.CountFreeRestorationsSince(context.Background(), user.UserID, midnight.Unix())
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected 1 free restoration today, got %d", count)
	}
}

func TestListRestorationsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "list-user")
	base := time.Now().UTC().Add(-time.Hour)

	older := mustInsertRestoration(test, store, user.UserID, false, base)
	newer := mustInsertRestoration(test, store, user.UserID, false, base.Add(time.Minute))

	restorations, err := store.ListRestorations(context.Background(), user.UserID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(restorations) != 2 {
		test.Fatalf("expected 2 restorations, got %d", len(restorations))
	}
	if restorations[0].RestorationID != newer.String() || restorations[1].RestorationID != older.String() {
		test.Fatalf("expected newest first, got %+v", restorations)
	}

	limited, err := store.ListRestorations(context.Background(), user.UserID, 0, 1)
	if err != nil {
		test.Fatalf("limited list: %v", err)
	}
	if len(limited) != 1 || limited[0].RestorationID != newer.String() {
		test.Fatalf("expected single newest row, got %+v", limited)
	}
}

func TestInsertPurchaseRejectsDuplicateSession(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "purchase-user")
	input := credits.PurchaseInput{
		UserID:            user.UserID,
		PackageType:       "starter",
		Credits:           10,
		AmountCents:       999,
		CheckoutSessionID: "cs-unique-1",
		CreatedUnixUTC:    time.Now().UTC().Unix(),
	}

	if err := store.InsertPurchase(context.Background(), input); err != nil {
		test.Fatalf("insert purchase: %v", err)
	}
	err := store.InsertPurchase(context.Background(), input)
	if !errors.Is(err, credits.ErrDuplicatePurchase) {
		test.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	user := mustCreateUser(test, store, "tx-user")
	if _, err := store.AddPaidCredits(context.Background(), user.UserID, 3); err != nil {
		test.Fatalf("grant: %v", err)
	}

	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore credits.Store) error {
		if _, deductErr := txStore.DeductPaidCredit(ctx, user.UserID); deductErr != nil {
			return deductErr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel, got %v", err)
	}

	refreshed, err := store.GetUser(context.Background(), mustTestUserID(test, "tx-user"))
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	if refreshed.PaidCredits != 3 {
		test.Fatalf("expected deduction rolled back to 3, got %d", refreshed.PaidCredits)
	}
}
