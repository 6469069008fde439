package credits

import "context"

// AssembleBalance composes the caller-facing figure from its two inputs.
// Pure arithmetic: total = paid + (1 if the free allowance is still unused).
func AssembleBalance(paidCredits int64, hasFreeDaily bool) Balance {
	total := paidCredits
	if hasFreeDaily {
		total++
	}
	return Balance{
		PaidCredits:  paidCredits,
		HasFreeDaily: hasFreeDaily,
		TotalCredits: total,
	}
}

// GetBalance is the read path: paid balance plus today's free allowance plus
// the next UTC reset timestamp. It lazily creates the user row on first sight
// of an identity-provider subject and otherwise never mutates state.
func (service *Service) GetBalance(ctx context.Context, externalID UserID) (Balance, error) {
	user, err := service.store.GetOrCreateUser(ctx, externalID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationBalance, UserID: externalID, Error: err})
		return Balance{}, err
	}
	usedFree, err := service.tracker.HasUsedFreeCreditToday(ctx, externalID, user.UserID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationBalance, UserID: externalID, Error: err})
		return Balance{}, err
	}
	now := service.nowFn()
	balance := AssembleBalance(user.PaidCredits, !usedFree)
	balance.FreeResetTime = NextMidnightUTC(now)
	service.logOperation(ctx, OperationLog{
		Operation:   operationBalance,
		UserID:      externalID,
		PaidCredits: balance.PaidCredits,
		UsedFree:    usedFree,
	})
	return balance, nil
}
