package credits

import (
	"context"
	"fmt"
	"time"
)

// Service contains the credit-accounting logic over a Store and a Tracker.
type Service struct {
	store   Store
	tracker *Tracker
	nowFn   func() time.Time
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(store Store, tracker *Tracker, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if tracker == nil {
		return nil, fmt.Errorf("%w: tracker dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, tracker: tracker, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Tracker exposes the allowance tracker for callers that mark the daily flag
// after a successful free deduction.
func (service *Service) Tracker() *Tracker {
	return service.tracker
}

// CheckUserCredits returns a read-only pre-flight snapshot. The free credit is
// always preferred over a paid one when both are available. The user row must
// already exist; the balance read path owns lazy creation.
func (service *Service) CheckUserCredits(ctx context.Context, externalID UserID) (CreditSnapshot, error) {
	user, err := service.store.GetUser(ctx, externalID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCheck, UserID: externalID, Error: err})
		return CreditSnapshot{}, err
	}
	usedFree, err := service.tracker.HasUsedFreeCreditToday(ctx, externalID, user.UserID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCheck, UserID: externalID, Error: err})
		return CreditSnapshot{}, err
	}
	snapshot := CreditSnapshot{
		HasCredits:    user.PaidCredits > 0 || !usedFree,
		HasFreeDaily:  !usedFree,
		PaidCredits:   user.PaidCredits,
		ShouldUseFree: !usedFree,
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationCheck,
		UserID:      externalID,
		PaidCredits: snapshot.PaidCredits,
		UsedFree:    usedFree,
	})
	return snapshot, nil
}

// DeductCreditAndRecordRestoration is the single atomic state transition: for
// a paid deduction it decrements the balance with a conditional update and
// inserts the restoration row in one store transaction, so two concurrent
// calls for the same user can never drive the balance negative. The free path
// skips the decrement and stamps the row instead. The restored reference may
// be zero while the downstream restoration is still in flight.
func (service *Service) DeductCreditAndRecordRestoration(ctx context.Context, externalID UserID, originalRef AssetRef, restoredRef AssetRef, useFreeCredit bool) (Deduction, error) {
	var deduction Deduction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUser(ctx, externalID)
		if err != nil {
			return err
		}
		remaining := user.PaidCredits
		if !useFreeCredit {
			remaining, err = transactionStore.DeductPaidCredit(ctx, user.UserID)
			if err != nil {
				return err
			}
		}
		restorationID := GenerateRestorationID()
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		input, err := NewRestorationInput(
			restorationID,
			user.UserID,
			originalRef,
			restoredRef,
			useFreeCredit,
			metadata,
			service.nowFn().UTC().Unix(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertRestoration(ctx, input); err != nil {
			return err
		}
		deduction = Deduction{
			RestorationID:        restorationID,
			UsedFreeCredit:       useFreeCredit,
			RemainingPaidCredits: remaining,
		}
		return nil
	})
	restorationRef := deduction.RestorationID
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeduct,
		UserID:        externalID,
		RestorationID: &restorationRef,
		PaidCredits:   deduction.RemainingPaidCredits,
		UsedFree:      useFreeCredit,
		Error:         operationError,
	})
	return deduction, operationError
}

// CompleteRestoration finalizes a reserved attempt, recording the restored
// asset reference. Completing an already-completed attempt is a no-op; a
// rolled-back attempt stays rolled back.
func (service *Service) CompleteRestoration(ctx context.Context, restorationID RestorationID, restoredRef AssetRef) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		restoration, err := transactionStore.GetRestoration(ctx, restorationID)
		if err != nil {
			return err
		}
		switch restoration.Status {
		case RestorationStatusCompleted:
			return nil
		case RestorationStatusRolledBack:
			return ErrRestorationClosed
		}
		if err := transactionStore.UpdateRestorationStatus(ctx, restorationID, RestorationStatusReserved, RestorationStatusCompleted); err != nil {
			return err
		}
		if restoredRef.IsZero() {
			return nil
		}
		return transactionStore.SetRestorationResult(ctx, restorationID, restoredRef)
	})
	restorationRef := restorationID
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		RestorationID: &restorationRef,
		Error:         operationError,
	})
	return operationError
}

// RollbackRestoration compensates a failure after a successful deduction: it
// refunds the paid credit when one was taken and soft-cancels the row so the
// attempt no longer counts against the daily free allowance. Rolling back an
// already-rolled-back attempt is a no-op, never a double refund. A completed
// attempt is terminal and cannot be rolled back.
func (service *Service) RollbackRestoration(ctx context.Context, restorationID RestorationID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		restoration, err := transactionStore.GetRestoration(ctx, restorationID)
		if err != nil {
			return err
		}
		switch restoration.Status {
		case RestorationStatusRolledBack:
			return nil
		case RestorationStatusCompleted:
			return ErrRestorationClosed
		}
		if err := transactionStore.UpdateRestorationStatus(ctx, restorationID, RestorationStatusReserved, RestorationStatusRolledBack); err != nil {
			return err
		}
		if restoration.UsedFreeCredit {
			return nil
		}
		_, err = transactionStore.RefundPaidCredit(ctx, restoration.UserID)
		return err
	})
	restorationRef := restorationID
	service.logOperation(ctx, OperationLog{
		Operation:     operationRollback,
		RestorationID: &restorationRef,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
