package credits

import (
	"context"
	"fmt"
	"time"
)

// AllowanceStore is the fast-path flag store: a key/value cache with per-key
// expiry. Implementations must tolerate redundant marks for the same key.
type AllowanceStore interface {
	HasUsedFreeCredit(ctx context.Context, key string) (bool, error)
	MarkFreeCreditUsed(ctx context.Context, key string, ttl time.Duration) error
}

// TrackerOption configures a Tracker instance.
type TrackerOption func(*Tracker)

// WithAllowanceCache wires the cache-backed fast path. A nil cache leaves the
// Tracker on the durable count-query fallback, which is a valid operating mode.
func WithAllowanceCache(cache AllowanceStore) TrackerOption {
	return func(tracker *Tracker) {
		tracker.cache = cache
	}
}

// WithTrackerLogger wires a logger for degradation events.
func WithTrackerLogger(logger OperationLogger) TrackerOption {
	return func(tracker *Tracker) {
		tracker.logger = logger
	}
}

// Tracker answers whether a user's daily free restoration has been consumed.
// The cache is an optimization only; the relational store stays the source of
// truth via the free-restoration count query.
type Tracker struct {
	store  Store
	cache  AllowanceStore
	nowFn  func() time.Time
	logger OperationLogger
}

// NewTracker wires a Tracker over the durable store.
func NewTracker(store Store, now func() time.Time, options ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	tracker := &Tracker{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(tracker)
		}
	}
	return tracker, nil
}

// HasUsedFreeCreditToday reports whether today's free credit is already spent.
// Cache failures degrade to counting today's free restorations in the durable
// store; only a durable-store failure surfaces as an error.
func (tracker *Tracker) HasUsedFreeCreditToday(ctx context.Context, externalID UserID, internalUserID string) (bool, error) {
	now := tracker.nowFn()
	if tracker.cache != nil {
		used, err := tracker.cache.HasUsedFreeCredit(ctx, FreeCreditKey(externalID, now))
		if err == nil {
			return used, nil
		}
		tracker.logDegradation(ctx, externalID, err)
	}
	count, err := tracker.store.CountFreeRestorationsSince(ctx, internalUserID, TodayMidnightUTC(now).Unix())
	if err != nil {
		return false, WrapError(operationAllowance, "fallback", "count", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return count > 0, nil
}

// MarkFreeCreditUsedToday sets the daily flag with a TTL reaching exactly to
// the next UTC midnight. The returned value reports whether the cache write
// landed; failures are absorbed because the restoration row itself already
// records the consumption for the fallback path.
func (tracker *Tracker) MarkFreeCreditUsedToday(ctx context.Context, externalID UserID) bool {
	if tracker.cache == nil {
		return true
	}
	now := tracker.nowFn()
	ttl := time.Duration(SecondsUntilMidnightUTC(now)) * time.Second
	if err := tracker.cache.MarkFreeCreditUsed(ctx, FreeCreditKey(externalID, now), ttl); err != nil {
		tracker.logDegradation(ctx, externalID, err)
		return false
	}
	return true
}

func (tracker *Tracker) logDegradation(ctx context.Context, externalID UserID, err error) {
	if tracker.logger == nil {
		return
	}
	tracker.logger.LogOperation(ctx, OperationLog{
		Operation: operationAllowance,
		UserID:    externalID,
		Status:    operationStatusDegraded,
		Error:     err,
	})
}
