package credits

import (
	"context"
	"fmt"
	"strings"
)

// GrantPurchasedCredits fulfills a completed payment: it records the purchase
// and adds the package credits to the paid balance in one transaction. The
// checkout session id scopes duplicate detection, so a replayed webhook event
// surfaces ErrDuplicatePurchase without a second grant.
func (service *Service) GrantPurchasedCredits(ctx context.Context, externalID UserID, packageType string, creditsGranted int64, amountCents int64, checkoutSessionID string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if creditsGranted <= 0 {
			return fmt.Errorf("%w: credits must be greater than zero", ErrInvalidPackage)
		}
		if strings.TrimSpace(checkoutSessionID) == "" {
			return fmt.Errorf("%w: checkout session id required", ErrInvalidPackage)
		}
		user, err := transactionStore.GetOrCreateUser(ctx, externalID)
		if err != nil {
			return err
		}
		input := PurchaseInput{
			UserID:            user.UserID,
			PackageType:       packageType,
			Credits:           creditsGranted,
			AmountCents:       amountCents,
			CheckoutSessionID: strings.TrimSpace(checkoutSessionID),
			CreatedUnixUTC:    service.nowFn().UTC().Unix(),
		}
		if err := transactionStore.InsertPurchase(ctx, input); err != nil {
			return err
		}
		_, err = transactionStore.AddPaidCredits(ctx, user.UserID, creditsGranted)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationPurchase,
		UserID:      externalID,
		PaidCredits: creditsGranted,
		Error:       operationError,
	})
	return operationError
}

// ListRestorations lists a user's restoration attempts before a cutoff time.
func (service *Service) ListRestorations(ctx context.Context, externalID UserID, beforeUnixUTC int64, limit int) ([]Restoration, error) {
	user, err := service.store.GetUser(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return service.store.ListRestorations(ctx, user.UserID, beforeUnixUTC, limit)
}
