package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserID identifies an account owner by the identity provider subject.
type UserID struct {
	value string
}

// RestorationID identifies a restoration attempt.
type RestorationID struct {
	value string
}

// AssetRef points at a stored photo (object key or URL).
type AssetRef struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// RestorationStatus defines the restoration lifecycle.
type RestorationStatus string

const (
	RestorationStatusReserved   RestorationStatus = "reserved"
	RestorationStatusCompleted  RestorationStatus = "completed"
	RestorationStatusRolledBack RestorationStatus = "rolled_back"
)

// String returns the status literal.
func (status RestorationStatus) String() string {
	return string(status)
}

// ParseRestorationStatus validates the stored status literal.
func ParseRestorationStatus(raw string) (RestorationStatus, error) {
	switch RestorationStatus(raw) {
	case RestorationStatusReserved, RestorationStatusCompleted, RestorationStatusRolledBack:
		return RestorationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRestorationStatus, raw)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewRestorationID validates a restoration id (UUID form).
func NewRestorationID(raw string) (RestorationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RestorationID{}, fmt.Errorf("%w: empty value", ErrInvalidRestorationID)
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return RestorationID{}, fmt.Errorf("%w: %q is not a uuid", ErrInvalidRestorationID, trimmed)
	}
	return RestorationID{value: trimmed}, nil
}

// GenerateRestorationID mints a fresh restoration id.
func GenerateRestorationID() RestorationID {
	return RestorationID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id RestorationID) String() string {
	return id.value
}

// NewAssetRef validates and normalizes an asset reference.
func NewAssetRef(raw string) (AssetRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AssetRef{}, fmt.Errorf("%w: empty value", ErrInvalidAssetRef)
	}
	return AssetRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref AssetRef) String() string {
	return ref.value
}

// IsZero reports whether the reference is unset.
func (ref AssetRef) IsZero() bool {
	return ref.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// User is the durable account record keyed by the external subject.
type User struct {
	UserID      string
	ExternalID  string
	PaidCredits int64
}

// Restoration is one stored restoration attempt.
type Restoration struct {
	RestorationID  string
	UserID         string
	OriginalRef    string
	RestoredRef    string
	UsedFreeCredit bool
	Status         RestorationStatus
	MetadataJSON   string
	CreatedUnixUTC int64
}

// RestorationInput carries a validated row for insertion.
type RestorationInput struct {
	restorationID  RestorationID
	userID         string
	originalRef    AssetRef
	restoredRef    AssetRef
	usedFreeCredit bool
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewRestorationInput validates a restoration row before insertion.
// The restored reference may be zero while the attempt is still reserved.
func NewRestorationInput(restorationID RestorationID, userID string, originalRef AssetRef, restoredRef AssetRef, usedFreeCredit bool, metadata MetadataJSON, createdUnixUTC int64) (RestorationInput, error) {
	if restorationID.value == "" {
		return RestorationInput{}, fmt.Errorf("%w: empty value", ErrInvalidRestorationID)
	}
	if strings.TrimSpace(userID) == "" {
		return RestorationInput{}, fmt.Errorf("%w: empty internal id", ErrInvalidUserID)
	}
	if originalRef.IsZero() {
		return RestorationInput{}, fmt.Errorf("%w: original ref required", ErrInvalidAssetRef)
	}
	return RestorationInput{
		restorationID:  restorationID,
		userID:         userID,
		originalRef:    originalRef,
		restoredRef:    restoredRef,
		usedFreeCredit: usedFreeCredit,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// RestorationID returns the attempt identifier.
func (input RestorationInput) RestorationID() RestorationID { return input.restorationID }

// InternalUserID returns the owning user row id.
func (input RestorationInput) InternalUserID() string { return input.userID }

// OriginalRef returns the source asset reference.
func (input RestorationInput) OriginalRef() AssetRef { return input.originalRef }

// RestoredRef returns the result asset reference, possibly zero.
func (input RestorationInput) RestoredRef() AssetRef { return input.restoredRef }

// UsedFreeCredit reports whether the daily free credit paid for the attempt.
func (input RestorationInput) UsedFreeCredit() bool { return input.usedFreeCredit }

// MetadataJSON returns the request metadata.
func (input RestorationInput) MetadataJSON() MetadataJSON { return input.metadata }

// CreatedUnixUTC returns the creation time.
func (input RestorationInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// PurchaseInput carries a validated purchase fulfillment row.
type PurchaseInput struct {
	UserID            string
	PackageType       string
	Credits           int64
	AmountCents       int64
	CheckoutSessionID string
	CreatedUnixUTC    int64
}

// CreditSnapshot is the pre-flight view for a restoration request.
type CreditSnapshot struct {
	HasCredits    bool
	HasFreeDaily  bool
	PaidCredits   int64
	ShouldUseFree bool
}

// Deduction is the outcome of a successful deduct-and-record call.
type Deduction struct {
	RestorationID        RestorationID
	UsedFreeCredit       bool
	RemainingPaidCredits int64
}

// Balance is the composed read-path view.
type Balance struct {
	PaidCredits   int64
	HasFreeDaily  bool
	TotalCredits  int64
	FreeResetTime time.Time
}

// Store is the persistence contract used by Service and Tracker.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateUser(ctx context.Context, externalID UserID) (User, error)
	GetUser(ctx context.Context, externalID UserID) (User, error)
	DeductPaidCredit(ctx context.Context, userID string) (int64, error)
	RefundPaidCredit(ctx context.Context, userID string) (int64, error)
	InsertRestoration(ctx context.Context, input RestorationInput) error
	GetRestoration(ctx context.Context, restorationID RestorationID) (Restoration, error)
	UpdateRestorationStatus(ctx context.Context, restorationID RestorationID, from, to RestorationStatus) error
	SetRestorationResult(ctx context.Context, restorationID RestorationID, restoredRef AssetRef) error
	CountFreeRestorationsSince(ctx context.Context, userID string, sinceUnixUTC int64) (int64, error)
	ListRestorations(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Restoration, error)
	InsertPurchase(ctx context.Context, input PurchaseInput) error
	AddPaidCredits(ctx context.Context, userID string, amount int64) (int64, error)
}
