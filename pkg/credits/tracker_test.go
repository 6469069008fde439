package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errCacheDown = errors.New("cache down")

func TestTrackerUsesCacheFastPath(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "cached-user", 0)
	cache := newStubAllowanceCache()
	cache.values[FreeCreditKey(userID, defaultTestTime)] = "used"
	tracker := mustNewTracker(test, store, cache)

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, store.internalByID[userID.String()])
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if !used {
		test.Fatalf("expected cache flag to report used")
	}
}

func TestTrackerCacheMissMeansAvailable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "fresh-user", 0)
	tracker := mustNewTracker(test, store, newStubAllowanceCache())

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, store.internalByID[userID.String()])
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if used {
		test.Fatalf("expected free credit available")
	}
}

func TestTrackerFallsBackToCountWhenCacheFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "degraded-user", 0)
	internalID := store.internalByID[userID.String()]
	cache := newStubAllowanceCache()
	cache.getErr = errCacheDown
	logger := &recorderLogger{}
	tracker, err := NewTracker(store, fixedClock(defaultTestTime), WithAllowanceCache(cache), WithTrackerLogger(logger))
	if err != nil {
		test.Fatalf("new tracker: %v", err)
	}

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("expected silent fallback, got %v", err)
	}
	if used {
		test.Fatalf("expected no free usage on record")
	}
	if len(logger.entries) != 1 || logger.entries[0].Status != "degraded" {
		test.Fatalf("expected one degraded log entry, got %+v", logger.entries)
	}

	seedFreeRestoration(test, store, internalID, defaultTestTime)
	used, err = tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("fallback check: %v", err)
	}
	if !used {
		test.Fatalf("expected count fallback to report used")
	}
}

func TestTrackerWithoutCacheCountsRestorations(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "no-cache-user", 0)
	internalID := store.internalByID[userID.String()]
	tracker := mustNewTracker(test, store, nil)

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if used {
		test.Fatalf("expected free credit available")
	}

	seedFreeRestoration(test, store, internalID, defaultTestTime)
	used, err = tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check after use: %v", err)
	}
	if !used {
		test.Fatalf("expected free credit consumed")
	}
}

func TestTrackerFallbackIgnoresRolledBackRestorations(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "rollback-count", 0)
	internalID := store.internalByID[userID.String()]
	tracker := mustNewTracker(test, store, nil)

	restorationID := seedFreeRestoration(test, store, internalID, defaultTestTime)
	if err := store.UpdateRestorationStatus(context.Background(), restorationID, RestorationStatusReserved, RestorationStatusRolledBack); err != nil {
		test.Fatalf("rollback: %v", err)
	}

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if used {
		test.Fatalf("expected rolled-back restoration excluded from count")
	}
}

func TestTrackerFallbackIgnoresYesterday(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "yesterday-user", 0)
	internalID := store.internalByID[userID.String()]
	tracker := mustNewTracker(test, store, nil)

	seedFreeRestoration(test, store, internalID, defaultTestTime.Add(-24*time.Hour))

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if used {
		test.Fatalf("expected yesterday's free use to reset")
	}
}

func TestMarkFreeCreditUsedSetsKeyWithMidnightTTL(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "ttl-user", 0)
	cache := newStubAllowanceCache()
	at := time.Date(2025, 1, 1, 23, 59, 59, 0, time.UTC)
	tracker, err := NewTracker(store, fixedClock(at), WithAllowanceCache(cache))
	if err != nil {
		test.Fatalf("new tracker: %v", err)
	}

	if !tracker.MarkFreeCreditUsedToday(context.Background(), userID) {
		test.Fatalf("expected mark to succeed")
	}
	key := "free_credit:ttl-user:2025-01-01"
	if _, ok := cache.values[key]; !ok {
		test.Fatalf("expected flag at %q, got keys %v", key, cache.values)
	}
	if ttl := cache.ttls[key]; ttl != time.Second {
		test.Fatalf("expected 1s TTL, got %s", ttl)
	}
}

func TestMarkFreeCreditUsedAbsorbsCacheFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "mark-fail-user", 0)
	cache := newStubAllowanceCache()
	cache.setErr = errCacheDown
	logger := &recorderLogger{}
	tracker, err := NewTracker(store, fixedClock(defaultTestTime), WithAllowanceCache(cache), WithTrackerLogger(logger))
	if err != nil {
		test.Fatalf("new tracker: %v", err)
	}

	if tracker.MarkFreeCreditUsedToday(context.Background(), userID) {
		test.Fatalf("expected mark to report failure")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one degraded log entry, got %d", len(logger.entries))
	}
}

func TestMarkFreeCreditUsedWithoutCache(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "cacheless-user", 0)
	tracker := mustNewTracker(test, store, nil)

	if !tracker.MarkFreeCreditUsedToday(context.Background(), userID) {
		test.Fatalf("expected no-op mark to succeed")
	}
}

func TestDailyRolloverRestoresAllowance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedUser(test, "rollover-user", 0)
	internalID := store.internalByID[userID.String()]
	currentTime := time.Date(2024, 6, 5, 23, 59, 59, 0, time.UTC)
	tracker, err := NewTracker(store, func() time.Time { return currentTime }, WithAllowanceCache(newStubAllowanceCache()))
	if err != nil {
		test.Fatalf("new tracker: %v", err)
	}

	seedFreeRestoration(test, store, internalID, currentTime)
	if !tracker.MarkFreeCreditUsedToday(context.Background(), userID) {
		test.Fatalf("mark failed")
	}

	used, err := tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if !used {
		test.Fatalf("expected allowance consumed before midnight")
	}

	// Two seconds later it is a new UTC day: fresh cache key, fresh count window.
	currentTime = time.Date(2024, 6, 6, 0, 0, 1, 0, time.UTC)
	used, err = tracker.HasUsedFreeCreditToday(context.Background(), userID, internalID)
	if err != nil {
		test.Fatalf("check after midnight: %v", err)
	}
	if used {
		test.Fatalf("expected allowance restored after UTC midnight")
	}
}

func TestNewTrackerRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)

	if _, err := NewTracker(nil, fixedClock(defaultTestTime)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := NewTracker(store, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
}

func seedFreeRestoration(test *testing.T, store *stubStore, internalID string, at time.Time) RestorationID {
	test.Helper()
	restorationID := GenerateRestorationID()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	input, err := NewRestorationInput(restorationID, internalID, mustAssetRef(test, "orig/free.jpg"), AssetRef{}, true, metadata, at.UTC().Unix())
	if err != nil {
		test.Fatalf("restoration input: %v", err)
	}
	if err := store.InsertRestoration(context.Background(), input); err != nil {
		test.Fatalf("insert restoration: %v", err)
	}
	return restorationID
}
